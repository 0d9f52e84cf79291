package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/indexsync/internal/daemon"
	"github.com/Aman-CERP/indexsync/internal/output"
)

func newSearchCmd() *cobra.Command {
	var (
		area       string
		limit      int
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Query the live index",
		Example: `  # Search every area
  indexsync search "invoice overdue"

  # Restrict to one area
  indexsync search overdue --area tenant-a --limit 5`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			client, err := connect(cfg, clientTimeout)
			if err != nil {
				return err
			}
			hits, err := client.Search(cmd.Context(), daemon.SearchParams{
				Query: strings.Join(args, " "),
				Area:  area,
				Limit: limit,
			})
			if err != nil {
				return fmt.Errorf("search failed: %w", err)
			}
			if jsonOutput {
				return writeJSON(cmd, hits)
			}

			out := output.New(cmd.OutOrStdout())
			if len(hits) == 0 {
				out.Status("", "no results")
				return nil
			}
			rows := make([][]string, 0, len(hits))
			for _, h := range hits {
				rows = append(rows, []string{h.Area, h.ID, fmt.Sprintf("%.3f", h.Score)})
			}
			out.Table([]string{"area", "id", "score"}, rows)
			return nil
		},
	}

	cmd.Flags().StringVar(&area, "area", "", "Only return documents of this area")
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "Maximum number of results")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

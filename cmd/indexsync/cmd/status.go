package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/indexsync/internal/daemon"
	"github.com/Aman-CERP/indexsync/internal/output"
)

func newStatusCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon and per-area sync status",
		Long: `Display the running daemon's state including:
  - Whether every watched area has completed its initial pass
  - The snapshot restored at startup, if any
  - Indexed document count
  - Per-area watermark, latest generation and change counters`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			client, err := connect(cfg, clientTimeout)
			if err != nil {
				return err
			}
			status, err := client.Status(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to get status: %w", err)
			}
			if jsonOutput {
				return writeJSON(cmd, status)
			}
			renderStatus(output.New(cmd.OutOrStdout()), status)
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func renderStatus(out *output.Writer, s *daemon.StatusResult) {
	out.Statusf("pid", "%d (up %s)", s.PID, s.Uptime)
	if s.Initialized {
		out.Success("all areas initialized")
	} else {
		out.Warning("initial pass in progress")
	}
	if s.Restored != "" {
		out.Statusf("", "restored from snapshot %s", s.Restored)
	}
	out.Statusf("", "%d documents indexed", s.Documents)
	out.Newline()

	rows := make([][]string, 0, len(s.Areas))
	for _, a := range s.Areas {
		rows = append(rows, []string{
			a.Area,
			strconv.FormatInt(a.Watermark, 10),
			strconv.FormatInt(a.LatestGeneration, 10),
			strconv.FormatBool(a.Initialized),
			strconv.FormatInt(a.Creates, 10),
			strconv.FormatInt(a.Updates, 10),
			strconv.FormatInt(a.Deletes, 10),
			strconv.FormatInt(a.Faults+a.RowErrors, 10),
		})
	}
	out.Table([]string{"area", "watermark", "latest", "initialized", "creates", "updates", "deletes", "errors"}, rows)
}

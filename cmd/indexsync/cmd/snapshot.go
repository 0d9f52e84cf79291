package cmd

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/indexsync/internal/config"
	"github.com/Aman-CERP/indexsync/internal/output"
	"github.com/Aman-CERP/indexsync/internal/snapshot"
)

// snapshotTakeTimeout bounds a manual snapshot, which copies the index.
const snapshotTakeTimeout = 10 * time.Minute

func newSnapshotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Inspect and take index snapshots",
		Long: `Inspect the snapshots in the data directory or ask the running
daemon to take one now.

'list' and 'verify' read the snapshot directory directly and work
without a running daemon.`,
	}

	cmd.AddCommand(newSnapshotListCmd())
	cmd.AddCommand(newSnapshotVerifyCmd())
	cmd.AddCommand(newSnapshotTakeCmd())

	return cmd
}

// SnapshotInfo describes one stored snapshot.
type SnapshotInfo struct {
	ID        string                   `json:"id"`
	CreatedAt time.Time                `json:"created_at"`
	Areas     []snapshot.AreaWatermark `json:"areas"`
	Schemas   []string                 `json:"schemas"`
	Error     string                   `json:"error,omitempty"`
}

func newSnapshotListCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored snapshots, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			infos, err := listSnapshots(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(cmd, infos)
			}

			out := output.New(cmd.OutOrStdout())
			if len(infos) == 0 {
				out.Statusf("", "no snapshots in %s", cfg.SnapshotDir())
				return nil
			}
			rows := make([][]string, 0, len(infos))
			for _, info := range infos {
				state := "ok"
				if info.Error != "" {
					state = info.Error
				}
				rows = append(rows, []string{
					info.ID,
					info.CreatedAt.Local().Format(time.DateTime),
					strconv.Itoa(len(info.Areas)),
					strconv.Itoa(len(info.Schemas)),
					state,
				})
			}
			out.Table([]string{"id", "created", "areas", "schemas", "manifest"}, rows)
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func openStorage(cfg *config.Config) (*snapshot.FSStorage, error) {
	storage, err := snapshot.NewFSStorage(cfg.SnapshotDir())
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot directory: %w", err)
	}
	return storage, nil
}

func listSnapshots(ctx context.Context, cfg *config.Config) ([]SnapshotInfo, error) {
	storage, err := openStorage(cfg)
	if err != nil {
		return nil, err
	}
	snaps, err := storage.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}

	infos := make([]SnapshotInfo, 0, len(snaps))
	for _, snap := range snaps {
		info := SnapshotInfo{ID: snap.ID(), CreatedAt: snap.CreatedAt()}
		if err := describe(ctx, snap, &info); err != nil {
			info.Error = err.Error()
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// describe fills info from the snapshot's manifest. Schemas are taken from
// the streams actually present.
func describe(ctx context.Context, snap snapshot.Snapshot, info *SnapshotInfo) error {
	r, err := snap.OpenReader(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()

	m, err := snapshot.ReadManifest(r)
	if err != nil {
		return err
	}
	info.Areas = m.Areas
	info.Schemas = snapshot.SchemaTypes(r)
	return nil
}

func newSnapshotVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify [id]",
		Short: "Check snapshot checksums",
		Long: `Verify every stored snapshot, or only the one named, against its
recorded checksums. Damaged snapshots are reported but not deleted; the
daemon discards them on its next restore.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			storage, err := openStorage(cfg)
			if err != nil {
				return err
			}
			snaps, err := storage.List(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to list snapshots: %w", err)
			}

			out := output.New(cmd.OutOrStdout())
			checked := 0
			var failed []error
			for _, snap := range snaps {
				if len(args) == 1 && snap.ID() != args[0] {
					continue
				}
				checked++
				if err := snap.Verify(cmd.Context()); err != nil {
					out.Errorf("%s: %v", snap.ID(), err)
					failed = append(failed, err)
					continue
				}
				out.Successf("%s", snap.ID())
			}

			if len(args) == 1 && checked == 0 {
				return fmt.Errorf("snapshot %s not found", args[0])
			}
			if len(failed) > 0 {
				return fmt.Errorf("%d of %d snapshots failed verification: %w", len(failed), checked, errors.Join(failed...))
			}
			return nil
		},
	}
}

func newSnapshotTakeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "take",
		Short: "Ask the daemon to take a snapshot now",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			client, err := connect(cfg, snapshotTakeTimeout)
			if err != nil {
				return err
			}
			res, err := client.Snapshot(cmd.Context())
			if err != nil {
				return fmt.Errorf("snapshot failed: %w", err)
			}
			if !res.Taken {
				return fmt.Errorf("snapshot failed; see the daemon log at %s", cfg.LogPath())
			}
			output.New(cmd.OutOrStdout()).Success("snapshot taken")
			return nil
		},
	}
}

package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/indexsync/internal/daemon"
	"github.com/Aman-CERP/indexsync/internal/logging"
	"github.com/Aman-CERP/indexsync/pkg/version"
)

func newRunCmd() *cobra.Command {
	var toStderr bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the sync daemon",
		Long: `Run the sync daemon in the foreground until interrupted.

On startup the newest intact snapshot is restored and every watched area
resumes from its recorded watermark. Without a usable snapshot the index
is cleared and rebuilt from each area's initial generation.`,
		Example: `  # Run with ./indexsync.yaml
  indexsync run

  # Mirror logs to stderr
  indexsync run --stderr`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			logger, cleanup, err := logging.Setup(logging.Config{
				Level:         cfg.Logging.Level,
				FilePath:      cfg.LogPath(),
				MaxSizeMB:     cfg.Logging.MaxSizeMB,
				MaxFiles:      cfg.Logging.MaxFiles,
				WriteToStderr: toStderr,
			})
			if err != nil {
				return fmt.Errorf("failed to setup logging: %w", err)
			}
			defer cleanup()
			slog.SetDefault(logger)

			logger.Info("indexsync_starting",
				slog.String("version", version.Short()),
				slog.String("data_dir", cfg.DataDir),
				slog.Int("pid", os.Getpid()))

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := daemon.New(cfg, logger).Run(ctx); err != nil {
				logger.Error("indexsync_failed", slog.String("error", err.Error()))
				return err
			}
			logger.Info("indexsync_stopped")
			return nil
		},
	}

	cmd.Flags().BoolVar(&toStderr, "stderr", false, "Also write logs to stderr")

	return cmd
}

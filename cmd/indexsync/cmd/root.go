// Package cmd provides the CLI commands for indexsync.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/indexsync/internal/config"
	"github.com/Aman-CERP/indexsync/internal/daemon"
	"github.com/Aman-CERP/indexsync/internal/logging"
	"github.com/Aman-CERP/indexsync/pkg/version"
)

// clientTimeout bounds control socket calls other than snapshot take.
const clientTimeout = 5 * time.Second

var (
	configPath string
	debugMode  bool
)

// NewRootCmd creates the root command for the indexsync CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "indexsync",
		Short: "Keep a full-text index in sync with a document store",
		Long: `indexsync follows the change log of every watched area in a
document store, feeds the changes into a full-text index, and snapshots
the index with per-area watermarks so restarts resume where they left off.

Run 'indexsync run' in the project directory to start the daemon.`,
		Version:           version.Version,
		SilenceUsage:      true,
		PersistentPreRunE: setupCLILogging,
	}

	cmd.SetVersionTemplate("indexsync version {{.Version}}\n")

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: ./indexsync.yaml)")
	cmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging")

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newSearchCmd())
	cmd.AddCommand(newSignalCmd())
	cmd.AddCommand(newSnapshotCmd())
	cmd.AddCommand(newConfigCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// setupCLILogging routes client-side logs to stderr. The daemon replaces
// this logger with its configured one.
func setupCLILogging(_ *cobra.Command, _ []string) error {
	cfg := logging.DefaultConfig()
	cfg.Level = "warn"
	if debugMode {
		cfg.Level = "debug"
	}
	logger, _, err := logging.Setup(cfg)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	slog.SetDefault(logger)
	return nil
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().ExecuteContext(context.Background())
}

// loadConfig loads the configuration for the current directory.
func loadConfig() (*config.Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get working directory: %w", err)
	}
	cfg, err := config.Load(cwd, configPath)
	if err != nil {
		return nil, err
	}
	if debugMode {
		cfg.Logging.Level = "debug"
	}
	return cfg, nil
}

// connect returns a client for the daemon serving cfg, or an error when
// no daemon is running.
func connect(cfg *config.Config, timeout time.Duration) (*daemon.Client, error) {
	client := daemon.NewClient(daemon.SocketPath(cfg.DataDir), timeout)
	if !client.IsRunning() {
		return nil, fmt.Errorf("daemon is not running for %s\nStart it with 'indexsync run'", cfg.DataDir)
	}
	return client, nil
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

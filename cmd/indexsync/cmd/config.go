package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Aman-CERP/indexsync/internal/config"
	"github.com/Aman-CERP/indexsync/internal/output"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the project configuration",
		Long: `Manage the project configuration file.

Configuration precedence (lowest to highest):
  1. Hardcoded defaults
  2. Project config (indexsync.yaml, or --config)
  3. Environment variables (INDEXSYNC_*)`,
		Example: `  # Write a config with every default spelled out
  indexsync config init

  # Show effective configuration
  indexsync config show --json

  # Print the config file in use
  indexsync config path`,
	}

	cmd.AddCommand(newConfigInitCmd())
	cmd.AddCommand(newConfigShowCmd())
	cmd.AddCommand(newConfigPathCmd())

	return cmd
}

func newConfigInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a project configuration file",
		Long: `Create indexsync.yaml in the current directory with the default
settings. An existing file is kept unless --force is given, in which case
it is backed up first.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cwd, err := os.Getwd()
			if err != nil {
				return fmt.Errorf("failed to get working directory: %w", err)
			}
			return runConfigInit(cmd, cwd, force)
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing configuration")

	return cmd
}

func runConfigInit(cmd *cobra.Command, dir string, force bool) error {
	out := output.New(cmd.OutOrStdout())
	path := configPath
	if path == "" {
		path = filepath.Join(dir, config.FileNames[0])
	}

	if _, err := os.Stat(path); err == nil {
		if !force {
			out.Warning("configuration already exists")
			out.Statusf("", "location: %s", path)
			out.Status("", "use --force to overwrite with defaults")
			return nil
		}
		backup, err := config.BackupFile(path)
		if err != nil {
			return fmt.Errorf("failed to backup config: %w", err)
		}
		out.Statusf("", "backup: %s", backup)
	}

	if err := config.NewConfig().WriteYAML(path); err != nil {
		return err
	}
	out.Success("created configuration")
	out.Statusf("", "location: %s", path)
	return nil
}

func newConfigShowCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show effective configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(cmd, cfg)
			}
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("failed to marshal config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the config file in use",
		Long: `Print the config file that would be loaded. When none exists the
path 'config init' would create is printed with a note.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if configPath != "" {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), configPath)
				return err
			}
			cwd, err := os.Getwd()
			if err != nil {
				return fmt.Errorf("failed to get working directory: %w", err)
			}
			if found := config.FindConfigFile(cwd); found != "" {
				_, err = fmt.Fprintln(cmd.OutOrStdout(), found)
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s (not found, using defaults)\n",
				filepath.Join(cwd, config.FileNames[0]))
			return err
		},
	}
}

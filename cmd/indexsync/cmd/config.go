package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Aman-CERP/indexsync/configs"
	"github.com/Aman-CERP/indexsync/internal/config"
	"github.com/Aman-CERP/indexsync/internal/output"
)

func newConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
		Long: `Manage the indexsync configuration.

Configuration precedence (lowest to highest):
  1. Built-in defaults
  2. User config (~/.config/indexsync/config.yaml)
  3. Project config (.indexsync.yaml)
  4. Environment variables (INDEXSYNC_*)`,
		Example: `  indexsync config init
  indexsync config show
  indexsync config restore ~/.config/indexsync/config.yaml.bak.20260101-120000.000000000`,
	}

	cmd.AddCommand(newConfigInitCmd())
	cmd.AddCommand(newConfigShowCmd(a))
	cmd.AddCommand(newConfigPathCmd())
	cmd.AddCommand(newConfigBackupsCmd())
	cmd.AddCommand(newConfigRestoreCmd())
	return cmd
}

func newConfigInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the commented default user configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, backup, err := config.InitUserConfig(configs.ConfigTemplate, force)
			if err != nil {
				return err
			}
			out := output.New(cmd.OutOrStdout())
			if backup != "" {
				out.Statusf("💾", "backed up previous config to %s", backup)
			}
			out.Successf("wrote %s", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Back up and overwrite an existing configuration")
	return cmd
}

func newConfigShowCmd(a *app) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.config()
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(cmd, cfg)
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(cfg); err != nil {
				return err
			}
			return enc.Close()
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the user configuration path",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), config.GetUserConfigPath())
			return err
		},
	}
}

func newConfigBackupsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backups",
		Short: "List user configuration backups, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			backups, err := config.ListUserConfigBackups()
			if err != nil {
				return err
			}
			for _, b := range backups {
				if _, err := fmt.Fprintln(cmd.OutOrStdout(), b); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func newConfigRestoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore <backup>",
		Short: "Restore the user configuration from a backup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.RestoreUserConfig(args[0]); err != nil {
				return err
			}
			output.New(cmd.OutOrStdout()).Successf("restored %s", config.GetUserConfigPath())
			return nil
		},
	}
}

// Package cmd provides the CLI commands for indexsync.
package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/indexsync/internal/config"
	"github.com/Aman-CERP/indexsync/internal/errors"
	"github.com/Aman-CERP/indexsync/internal/logging"
	"github.com/Aman-CERP/indexsync/pkg/version"
)

// app carries the state shared by every subcommand.
type app struct {
	dir   string
	debug bool

	cfg     *config.Config
	logger  *slog.Logger
	cleanup func()
}

// config loads the configuration once, for the project around a.dir.
func (a *app) config() (*config.Config, error) {
	if a.cfg != nil {
		return a.cfg, nil
	}
	root, err := config.FindProjectRoot(a.dir)
	if err != nil {
		return nil, errors.ConfigError(fmt.Sprintf("cannot use directory %q", a.dir), err)
	}
	cfg, err := config.Load(root)
	if err != nil {
		return nil, err
	}
	if a.debug {
		cfg.Logging.Level = "debug"
		cfg.Logging.Stderr = true
	}
	a.cfg = cfg
	return cfg, nil
}

// startFileLogging routes slog to the rotating log file from the config.
func (a *app) startFileLogging(cfg *config.Config) error {
	logger, cleanup, err := logging.Setup(logging.Config{
		Level:         cfg.Logging.Level,
		Dir:           cfg.Logging.Dir,
		MaxSizeMB:     cfg.Logging.MaxSizeMB,
		MaxFiles:      cfg.Logging.MaxFiles,
		MaxAge:        time.Duration(cfg.Logging.MaxAgeDays) * 24 * time.Hour,
		WriteToStderr: cfg.Logging.Stderr,
	})
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	a.logger = logger
	a.cleanup = cleanup
	slog.SetDefault(logger)
	return nil
}

// NewRootCmd creates the root command for the indexsync CLI.
func NewRootCmd() *cobra.Command {
	a := &app{}

	cmd := &cobra.Command{
		Use:   "indexsync",
		Short: "Keep search indexes in sync with your entity store",
		Long: `indexsync applies entity changes to a search index.

Changes are recorded in a transactional outbox next to your data and
replayed by 'indexsync run', which batches them through a worker pool
into a local or remote index. Work batches can also be shipped between
nodes over Kafka.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			level := slog.LevelWarn
			if a.debug {
				level = slog.LevelDebug
			}
			a.logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
		},
		PersistentPostRun: func(_ *cobra.Command, _ []string) {
			if a.cleanup != nil {
				a.cleanup()
				a.cleanup = nil
			}
		},
	}
	cmd.SetVersionTemplate("indexsync version {{.Version}}\n")

	cmd.PersistentFlags().StringVarP(&a.dir, "dir", "C", ".", "Project directory used to find .indexsync.yaml")
	cmd.PersistentFlags().BoolVar(&a.debug, "debug", false, "Enable debug logging to stderr and the log file")

	cmd.AddCommand(newRunCmd(a))
	cmd.AddCommand(newStatusCmd(a))
	cmd.AddCommand(newStopCmd(a))
	cmd.AddCommand(newOutboxCmd(a))
	cmd.AddCommand(newSearchCmd(a))
	cmd.AddCommand(newConfigCmd(a))
	cmd.AddCommand(newLogsCmd(a))
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// Execute runs the root command and prints a CLI-formatted error on failure.
func Execute() error {
	err := NewRootCmd().Execute()
	if err != nil {
		fmt.Fprint(os.Stderr, errors.FormatForCLI(err))
	}
	return err
}

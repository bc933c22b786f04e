package cmd

import (
	"fmt"
	"os/signal"
	"regexp"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/indexsync/internal/errors"
	"github.com/Aman-CERP/indexsync/internal/logging"
	"github.com/Aman-CERP/indexsync/internal/output"
)

func newLogsCmd(a *app) *cobra.Command {
	var (
		file    string
		lines   int
		follow  bool
		level   string
		events  []string
		pattern string
		noColor bool
	)

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show and follow the indexsync log",
		Example: `  indexsync logs -n 100
  indexsync logs -f --event outbox_ --level warn
  indexsync logs --pattern 'row_id":42'`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var dir string
			if cfg, err := a.config(); err == nil {
				dir = cfg.Logging.Dir
			}
			path, err := logging.FindLogFile(file, dir)
			if err != nil {
				return err
			}

			vc := logging.ViewerConfig{
				Level:   level,
				Events:  events,
				NoColor: noColor || !output.ColorEnabled(cmd.OutOrStdout()),
			}
			if pattern != "" {
				re, err := regexp.Compile(pattern)
				if err != nil {
					return errors.ValidationError(fmt.Sprintf("invalid pattern %q", pattern), err)
				}
				vc.Pattern = re
			}
			v := logging.NewViewer(vc, cmd.OutOrStdout())

			entries, err := v.Tail(path, lines)
			if err != nil {
				return err
			}
			v.Print(entries)
			if !follow {
				return nil
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			ch := make(chan logging.LogEntry, 64)
			done := make(chan error, 1)
			go func() {
				done <- v.Follow(ctx, path, ch)
				close(ch)
			}()
			for e := range ch {
				v.Print([]logging.LogEntry{e})
			}
			return <-done
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "Log file to read (default: configured log directory)")
	cmd.Flags().IntVarP(&lines, "lines", "n", 50, "Number of trailing lines to show")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep printing new entries")
	cmd.Flags().StringVar(&level, "level", "", "Minimum level: debug, info, warn or error")
	cmd.Flags().StringSliceVar(&events, "event", nil, "Only events with this name prefix (repeatable)")
	cmd.Flags().StringVar(&pattern, "pattern", "", "Only lines matching this regular expression")
	cmd.Flags().BoolVar(&noColor, "no-color", false, "Disable colors (default: off unless stdout is a terminal and NO_COLOR is unset)")
	return cmd
}

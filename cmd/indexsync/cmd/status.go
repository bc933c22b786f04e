package cmd

import (
	stderrors "errors"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/indexsync/internal/daemon"
	"github.com/Aman-CERP/indexsync/internal/outbox"
	"github.com/Aman-CERP/indexsync/internal/output"
)

// StatusOutput is the JSON form of `status`.
type StatusOutput struct {
	Running bool              `json:"running"`
	PID     int               `json:"pid,omitempty"`
	Backend string            `json:"backend"`
	Outbox  OutboxStatsOutput `json:"outbox"`
}

func newStatusCmd(a *app) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show whether the daemon runs and how much work is queued",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.config()
			if err != nil {
				return err
			}

			st := StatusOutput{Backend: cfg.Backend.Kind}
			if path := daemon.PathFor(cfg.Outbox.Path); path != "" {
				pid, err := daemon.NewPIDFile(path).Running()
				if err != nil && !stderrors.Is(err, daemon.ErrNotRunning) {
					return err
				}
				st.Running, st.PID = err == nil, pid
			}

			err = withStore(cmd.Context(), a, func(s *outbox.Store) error {
				stats, err := s.Stats(cmd.Context())
				if err != nil {
					return err
				}
				st.Outbox = OutboxStatsOutput{
					Pending:              stats.Pending,
					Processing:           stats.Processing,
					Failed:               stats.Failed,
					OldestPendingSeconds: stats.OldestPending.Seconds(),
				}
				return nil
			})
			if err != nil {
				return err
			}

			if jsonOutput {
				return writeJSON(cmd, st)
			}
			out := output.New(cmd.OutOrStdout())
			if st.Running {
				out.Successf("daemon running (pid %d)", st.PID)
			} else {
				out.Warningf("daemon not running")
			}
			oldest := time.Duration(st.Outbox.OldestPendingSeconds * float64(time.Second)).Truncate(time.Second)
			out.KeyValues(
				[2]string{"backend", st.Backend},
				[2]string{"pending", strconv.Itoa(st.Outbox.Pending)},
				[2]string{"processing", strconv.Itoa(st.Outbox.Processing)},
				[2]string{"failed", strconv.Itoa(st.Outbox.Failed)},
				[2]string{"oldest pending", oldest.String()},
			)
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

func newStopCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Ask a running daemon to shut down",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.config()
			if err != nil {
				return err
			}
			out := output.New(cmd.OutOrStdout())
			path := daemon.PathFor(cfg.Outbox.Path)
			if path == "" {
				out.Warningf("daemon not running")
				return nil
			}
			pid, err := daemon.NewPIDFile(path).Signal(syscall.SIGTERM)
			if stderrors.Is(err, daemon.ErrNotRunning) {
				out.Warningf("daemon not running")
				return nil
			}
			if err != nil {
				return err
			}
			out.Successf("sent SIGTERM to pid %d", pid)
			return nil
		},
	}
}

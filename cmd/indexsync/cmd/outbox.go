package cmd

import (
	"context"
	"fmt"
	"strconv"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"

	"github.com/Aman-CERP/indexsync/internal/errors"
	"github.com/Aman-CERP/indexsync/internal/outbox"
	"github.com/Aman-CERP/indexsync/internal/output"
	"github.com/Aman-CERP/indexsync/pkg/work"
)

func newOutboxCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect and repair the outbox",
	}
	cmd.AddCommand(newOutboxStatsCmd(a))
	cmd.AddCommand(newOutboxFailedCmd(a))
	cmd.AddCommand(newOutboxRequeueCmd(a))
	cmd.AddCommand(newOutboxAppendCmd(a))
	return cmd
}

// withStore opens the configured outbox for the duration of fn.
func withStore(ctx context.Context, a *app, fn func(*outbox.Store) error) error {
	cfg, err := a.config()
	if err != nil {
		return err
	}
	store, err := outbox.Open(ctx, cfg.Outbox.Path, outbox.WithStoreLogger(a.logger))
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()
	return fn(store)
}

// OutboxStatsOutput is the JSON form of `outbox stats`.
type OutboxStatsOutput struct {
	Pending              int     `json:"pending"`
	Processing           int     `json:"processing"`
	Failed               int     `json:"failed"`
	OldestPendingSeconds float64 `json:"oldest_pending_seconds"`
}

func newOutboxStatsCmd(a *app) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Count outbox rows by status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd.Context(), a, func(s *outbox.Store) error {
				st, err := s.Stats(cmd.Context())
				if err != nil {
					return err
				}
				if jsonOutput {
					return writeJSON(cmd, OutboxStatsOutput{
						Pending:              st.Pending,
						Processing:           st.Processing,
						Failed:               st.Failed,
						OldestPendingSeconds: st.OldestPending.Seconds(),
					})
				}
				output.New(cmd.OutOrStdout()).KeyValues(
					[2]string{"pending", strconv.Itoa(st.Pending)},
					[2]string{"processing", strconv.Itoa(st.Processing)},
					[2]string{"failed", strconv.Itoa(st.Failed)},
					[2]string{"oldest pending", st.OldestPending.Truncate(time.Second).String()},
				)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

func newOutboxFailedCmd(a *app) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "failed",
		Short: "List quarantined outbox rows",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd.Context(), a, func(s *outbox.Store) error {
				rows, err := s.Failed(cmd.Context(), limit)
				if err != nil {
					return err
				}
				out := output.New(cmd.OutOrStdout())
				if len(rows) == 0 {
					out.Successf("no failed rows")
					return nil
				}
				table := make([][]string, 0, len(rows))
				for _, r := range rows {
					lastErr := ""
					if r.LastError != nil {
						lastErr = *r.LastError
					}
					table = append(table, []string{
						strconv.FormatInt(r.ID, 10),
						r.EntityName,
						r.EntityID,
						r.EventType,
						strconv.Itoa(r.RetryCount),
						output.Truncate(lastErr, 80),
					})
				}
				out.Table([]string{"id", "entity", "entity id", "event", "attempts", "last error"}, table)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum rows to list (0 for all)")
	return cmd
}

func newOutboxRequeueCmd(a *app) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "requeue [id...]",
		Short: "Move quarantined rows back to pending",
		Long: `Requeue resets failed rows to pending with a fresh retry budget.
Pass row ids as listed by 'indexsync outbox failed', or --all.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && !all {
				return errors.ValidationError("no row ids given", nil).
					WithSuggestion("pass ids or --all")
			}
			ids := make([]int64, 0, len(args))
			for _, arg := range args {
				id, err := strconv.ParseInt(arg, 10, 64)
				if err != nil {
					return errors.ValidationError(fmt.Sprintf("invalid row id %q", arg), err)
				}
				ids = append(ids, id)
			}
			return withStore(cmd.Context(), a, func(s *outbox.Store) error {
				n, err := s.Requeue(cmd.Context(), ids...)
				if err != nil {
					return err
				}
				output.New(cmd.OutOrStdout()).Successf("requeued %d rows", n)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Requeue every failed row")
	return cmd
}

func newOutboxAppendCmd(a *app) *cobra.Command {
	var (
		eventType string
		tenant    string
		routing   string
		index     string
		docJSON   string
	)

	cmd := &cobra.Command{
		Use:   "append <entity> <id>",
		Short: "Record one entity change in the outbox",
		Long: `Append writes one event row, as an application would inside its own
transaction. A document snapshot can be given as a JSON object; without
one, add and update events are applied as deletes.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			et, err := work.ParseEventType(eventType)
			if err != nil {
				return errors.ValidationError("invalid event type", err).
					WithSuggestion("use add, add_or_update or delete")
			}
			payload := work.EventPayload{
				Version:    work.EventPayloadVersion,
				Index:      index,
				TenantID:   tenant,
				RoutingKey: routing,
			}
			if docJSON != "" {
				if err := jsoniter.ConfigCompatibleWithStandardLibrary.UnmarshalFromString(docJSON, &payload.Document); err != nil {
					return errors.ValidationError("document must be a JSON object", err)
				}
			}
			ev := work.Event{EntityName: args[0], SerializedID: args[1], Type: et, Payload: payload}

			return withStore(cmd.Context(), a, func(s *outbox.Store) error {
				var id int64
				err := s.InTx(cmd.Context(), func(tx *sqlx.Tx) error {
					var err error
					id, err = outbox.NewSender().Append(cmd.Context(), tx, ev)
					return err
				})
				if err != nil {
					return err
				}
				output.New(cmd.OutOrStdout()).Successf("appended row %d", id)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&eventType, "type", "t", string(work.EventAddOrUpdate), "Event type: add, add_or_update or delete")
	cmd.Flags().StringVar(&tenant, "tenant", "", "Tenant id")
	cmd.Flags().StringVar(&routing, "routing", "", "Routing key")
	cmd.Flags().StringVar(&index, "index", "", "Index name, defaults to the lower-cased entity name")
	cmd.Flags().StringVar(&docJSON, "doc", "", "Document snapshot as a JSON object")
	return cmd
}

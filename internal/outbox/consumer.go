package outbox

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Aman-CERP/indexsync/internal/codec"
	"github.com/Aman-CERP/indexsync/internal/errors"
	"github.com/Aman-CERP/indexsync/internal/executor"
	"github.com/Aman-CERP/indexsync/internal/plan"
	"github.com/Aman-CERP/indexsync/pkg/work"
)

const maxLastErrorLen = 1024

// Config tunes the consumer loop.
type Config struct {
	// BatchSize is the maximum number of rows claimed per poll.
	BatchSize int
	// PollInterval is the wait between polls when the queue was drained.
	PollInterval time.Duration
	// ClaimTimeout releases rows claimed by a consumer that stopped responding.
	ClaimTimeout time.Duration
	// MaxRetries is the number of failed attempts before a row is quarantined.
	MaxRetries int
	// Backoff spaces out attempts of a failing row.
	Backoff errors.RetryConfig
	// Strategy is the plan synchronization strategy. Async is not allowed.
	Strategy plan.Strategy
	// CleanStaleRoutes deletes documents left under previous routing keys.
	CleanStaleRoutes bool
	// Submit is passed to every plan; it sets the executor backpressure.
	Submit executor.SubmitOptions
}

// DefaultConfig returns the default consumer configuration.
func DefaultConfig() Config {
	return Config{
		BatchSize:    100,
		PollInterval: time.Second,
		ClaimTimeout: 5 * time.Minute,
		MaxRetries:   5,
		Backoff: errors.RetryConfig{
			InitialDelay: time.Second,
			MaxDelay:     5 * time.Minute,
			Multiplier:   2.0,
		},
		Strategy: plan.WriteSync,
	}
}

// Consumer polls the outbox, applies events through an indexing plan and
// removes the rows it applied.
type Consumer struct {
	store     *Store
	submitter plan.Submitter
	cfg       Config
	id        string
	loader    DocumentLoader
	failures  plan.FailureHandler
	indexName func(string) string
	resolver  plan.RoutingResolver
	metrics   *Metrics
	logger    *slog.Logger
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer)

// WithLoader sets the document loader. The default reads payload snapshots.
func WithLoader(l DocumentLoader) ConsumerOption {
	return func(c *Consumer) { c.loader = l }
}

// WithFailureHandler receives quarantined rows.
func WithFailureHandler(h plan.FailureHandler) ConsumerOption {
	return func(c *Consumer) { c.failures = h }
}

// WithIndexName sets the entity-name to index-name mapping.
func WithIndexName(fn func(string) string) ConsumerOption {
	return func(c *Consumer) { c.indexName = fn }
}

// WithRoutingResolver derives routing keys for events that carry neither a
// routing key nor an index override.
func WithRoutingResolver(r plan.RoutingResolver) ConsumerOption {
	return func(c *Consumer) { c.resolver = r }
}

// WithConsumerID overrides the generated claim owner id.
func WithConsumerID(id string) ConsumerOption {
	return func(c *Consumer) { c.id = id }
}

// WithRegisterer registers the consumer metrics with reg.
func WithRegisterer(reg prometheus.Registerer) ConsumerOption {
	return func(c *Consumer) { c.metrics = NewMetrics(reg) }
}

// WithConsumerLogger sets the logger.
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) { c.logger = logger }
}

// NewConsumer creates a consumer reading store and submitting to sub.
func NewConsumer(store *Store, sub plan.Submitter, cfg Config, opts ...ConsumerOption) (*Consumer, error) {
	switch {
	case cfg.BatchSize <= 0:
		return nil, errors.ConfigError("outbox batch size must be positive", nil)
	case cfg.PollInterval <= 0:
		return nil, errors.ConfigError("outbox poll interval must be positive", nil)
	case cfg.ClaimTimeout <= 0:
		return nil, errors.ConfigError("outbox claim timeout must be positive", nil)
	case cfg.MaxRetries < 0:
		return nil, errors.ConfigError("outbox max retries must not be negative", nil)
	case cfg.Strategy == plan.Async:
		return nil, errors.ConfigError("outbox consumer needs a synchronous strategy", nil).
			WithSuggestion("use write_sync or read_sync")
	}

	c := &Consumer{
		store:     store,
		submitter: sub,
		cfg:       cfg,
		id:        uuid.NewString(),
		loader:    SnapshotLoader{},
		indexName: plan.DefaultIndexName,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = NewMetrics(nil)
	}
	if c.failures == nil {
		c.failures = plan.LogFailureHandler(c.logger)
	}
	return c, nil
}

// ID returns the claim owner id of this consumer.
func (c *Consumer) ID() string {
	return c.id
}

// Run polls until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("outbox_consumer_started",
		slog.String("consumer_id", c.id),
		slog.Int("batch_size", c.cfg.BatchSize),
		slog.Duration("poll_interval", c.cfg.PollInterval))
	defer c.logger.Info("outbox_consumer_stopped", slog.String("consumer_id", c.id))

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		n, err := c.ProcessBatch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn("outbox_batch_failed", errors.LogAttrs(err)...)
		}

		wait := c.cfg.PollInterval
		if err == nil && n >= c.cfg.BatchSize {
			wait = 0
		}
		timer.Reset(wait)
	}
}

// ProcessBatch claims one batch, applies it and settles the rows.
// It returns the number of rows claimed.
func (c *Consumer) ProcessBatch(ctx context.Context) (int, error) {
	rows, err := c.claim(ctx)
	if err != nil || len(rows) == 0 {
		return 0, err
	}

	start := time.Now()
	defer func() { c.metrics.BatchDuration.Observe(time.Since(start).Seconds()) }()

	outcomes := c.apply(ctx, rows)
	// Applied work must be recorded even when the caller is shutting down.
	if err := c.settle(context.WithoutCancel(ctx), rows, outcomes); err != nil {
		return len(rows), err
	}
	return len(rows), nil
}

// claim releases stale claims and claims the oldest due rows whose entity
// has no earlier row still in backoff or claimed elsewhere.
func (c *Consumer) claim(ctx context.Context) ([]Row, error) {
	now := c.store.now()
	nowMs := now.UnixMilli()

	var rows []Row
	err := c.store.InTx(ctx, func(tx *sqlx.Tx) error {
		ub := sqlbuilder.SQLite.NewUpdateBuilder()
		ub.Update(TableName)
		ub.Set(
			ub.Assign("status", StatusPending),
			ub.Assign("claimed_by", nil),
			ub.Assign("claimed_at", nil),
		)
		ub.Where(
			ub.Equal("status", StatusProcessing),
			ub.LessThan("claimed_at", now.Add(-c.cfg.ClaimTimeout).UnixMilli()),
		)
		query, args := ub.Build()
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return errors.StorageError("failed to release stale outbox claims", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			c.metrics.Reclaimed.Add(float64(n))
			c.logger.Warn("outbox_claims_released", slog.Int64("rows", n))
		}

		blocked := sqlbuilder.SQLite.NewSelectBuilder()
		blocked.Select("1")
		blocked.From(blocked.As(TableName, "p"))
		blocked.Where(
			"p.entity_name = o.entity_name",
			"p.entity_id = o.entity_id",
			"p.id < o.id",
			blocked.Or(
				blocked.Equal("p.status", StatusProcessing),
				blocked.And(
					blocked.Equal("p.status", StatusPending),
					blocked.GreaterThan("p.process_after", nowMs),
				),
			),
		)

		sb := sqlbuilder.SQLite.NewSelectBuilder()
		sb.Select("o.id")
		sb.From(sb.As(TableName, "o"))
		sb.Where(
			sb.Equal("o.status", StatusPending),
			sb.LessEqualThan("o.process_after", nowMs),
			sb.NotExists(blocked),
		)
		sb.OrderBy("o.id").Asc()
		sb.Limit(c.cfg.BatchSize)
		query, args = sb.Build()

		var ids []int64
		if err := tx.SelectContext(ctx, &ids, query, args...); err != nil {
			return errors.StorageError("failed to select outbox rows", err)
		}
		if len(ids) == 0 {
			return nil
		}

		cb := sqlbuilder.SQLite.NewUpdateBuilder()
		cb.Update(TableName)
		cb.Set(
			cb.Assign("status", StatusProcessing),
			cb.Assign("claimed_by", c.id),
			cb.Assign("claimed_at", nowMs),
		)
		cb.Where(cb.In("id", int64sToAny(ids)...), cb.Equal("status", StatusPending))
		query, args = cb.Build()
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return errors.StorageError("failed to claim outbox rows", err)
		}

		sel := sqlbuilder.SQLite.NewSelectBuilder()
		sel.Select(rowColumns...)
		sel.From(TableName)
		sel.Where(
			sel.In("id", int64sToAny(ids)...),
			sel.Equal("claimed_by", c.id),
			sel.Equal("status", StatusProcessing),
		)
		sel.OrderBy("id").Asc()
		query, args = sel.Build()
		if err := tx.SelectContext(ctx, &rows, query, args...); err != nil {
			return errors.StorageError("failed to read claimed outbox rows", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(rows) > 0 {
		c.metrics.Claimed.Add(float64(len(rows)))
		c.logger.Debug("outbox_rows_claimed",
			slog.String("consumer_id", c.id),
			slog.Int("rows", len(rows)))
	}
	return rows, nil
}

// outcome is the result of applying one row. A nil err means applied.
// A stalled row was not attempted because an earlier row of its entity
// failed; it keeps its retry budget.
type outcome struct {
	err       error
	permanent bool
	stalled   bool
}

type claimedEvent struct {
	row Row
	ev  work.Event
}

// apply runs one plan per tenant over the claimed rows.
func (c *Consumer) apply(ctx context.Context, rows []Row) map[int64]outcome {
	outcomes := make(map[int64]outcome, len(rows))

	groups := make(map[string][]claimedEvent)
	var tenants []string
	for _, r := range rows {
		ev, err := decodeRow(r)
		if err != nil {
			outcomes[r.ID] = outcome{err: err, permanent: true}
			continue
		}
		tenant := ev.Payload.TenantID
		if _, ok := groups[tenant]; !ok {
			tenants = append(tenants, tenant)
		}
		groups[tenant] = append(groups[tenant], claimedEvent{row: r, ev: ev})
	}

	for _, tenant := range tenants {
		c.applyTenant(ctx, tenant, groups[tenant], outcomes)
	}
	return outcomes
}

func (c *Consumer) applyTenant(ctx context.Context, tenant string, events []claimedEvent, outcomes map[int64]outcome) {
	p := plan.New(c.submitter,
		plan.WithStrategy(c.cfg.Strategy),
		plan.WithSubmitOptions(c.cfg.Submit),
		plan.WithTenant(tenant),
		plan.WithIndexName(c.indexName),
		plan.WithRoutingResolver(c.resolver),
		plan.WithStaleRouteCleanup(c.cfg.CleanStaleRoutes),
		plan.WithLogger(c.logger))

	rowsByRef := make(map[work.EntityReference][]int64)
	stalled := make(map[work.EntityReference]error)

	for _, ce := range events {
		ref := ce.ev.Reference()
		if err, ok := stalled[ref]; ok {
			// Later events must not overtake a failed earlier one.
			outcomes[ce.row.ID] = outcome{err: err, stalled: true}
			continue
		}
		if err := c.feed(ctx, p, tenant, ce.ev); err != nil {
			stalled[ref] = err
			outcomes[ce.row.ID] = outcome{err: err}
			continue
		}
		rowsByRef[ref] = append(rowsByRef[ref], ce.row.ID)
	}

	report, err := p.Execute(ctx)
	failed := make(map[work.EntityReference]error)
	var all error
	switch {
	case err != nil && report == nil:
		all = err
	case report != nil:
		for _, f := range report.Failures {
			if f.Ref.IsZero() {
				// Index-scope failure: durability of the whole batch is unknown.
				all = f.Err
				continue
			}
			failed[f.Ref] = f.Err
		}
	}

	for ref, ids := range rowsByRef {
		err := all
		if ferr, ok := failed[ref]; ok {
			err = ferr
		}
		for _, id := range ids {
			outcomes[id] = outcome{err: err}
		}
	}
}

// feed adds one event to p. Add events are applied as add-or-update so a
// redelivered row never depends on the document being absent.
func (c *Consumer) feed(ctx context.Context, p *plan.Plan, tenant string, ev work.Event) error {
	ref := ev.Reference()
	pl := ev.Payload
	if c.resolver == nil || pl.RoutingKey != "" || len(pl.PreviousRoutingKeys) > 0 || pl.Index != "" {
		if err := p.PinRouting(ref, plan.Route{
			Index:               pl.Index,
			TenantID:            tenant,
			RoutingKey:          pl.RoutingKey,
			PreviousRoutingKeys: pl.PreviousRoutingKeys,
		}); err != nil {
			return err
		}
	}

	if ev.Type == work.EventDelete {
		return p.Delete(ref)
	}
	doc, err := c.loader.Load(ctx, ev)
	if err != nil {
		return errors.New(errors.ErrCodeInvalidInput, fmt.Sprintf("failed to load document for %s", ref), err)
	}
	if doc == nil {
		return p.Delete(ref)
	}
	return p.AddOrUpdate(ref, doc)
}

// settle deletes applied rows and reschedules or quarantines the others.
func (c *Consumer) settle(ctx context.Context, rows []Row, outcomes map[int64]outcome) error {
	now := c.store.now()
	var applied []int64
	var quarantined []Row
	retried, stalled := 0, 0

	err := c.store.InTx(ctx, func(tx *sqlx.Tx) error {
		for _, r := range rows {
			o := outcomes[r.ID]
			if o.err == nil {
				applied = append(applied, r.ID)
			}
		}
		if len(applied) > 0 {
			db := sqlbuilder.SQLite.NewDeleteBuilder()
			db.DeleteFrom(TableName)
			db.Where(db.In("id", int64sToAny(applied)...), db.Equal("claimed_by", c.id))
			query, args := db.Build()
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return errors.StorageError("failed to delete applied outbox rows", err)
			}
		}

		for _, r := range rows {
			o := outcomes[r.ID]
			if o.err == nil {
				continue
			}
			ub := sqlbuilder.SQLite.NewUpdateBuilder()
			ub.Update(TableName)
			if o.stalled {
				// The earlier row's backoff keeps this one from being claimed.
				ub.Set(
					ub.Assign("status", StatusPending),
					ub.Assign("last_error", truncate("waiting for an earlier event: "+errorChain(o.err), maxLastErrorLen)),
					ub.Assign("claimed_by", nil),
					ub.Assign("claimed_at", nil),
				)
				ub.Where(ub.Equal("id", r.ID), ub.Equal("claimed_by", c.id))
				query, args := ub.Build()
				if _, err := tx.ExecContext(ctx, query, args...); err != nil {
					return errors.StorageError(fmt.Sprintf("failed to release outbox row %d", r.ID), err)
				}
				stalled++
				continue
			}

			attempts := r.RetryCount + 1
			assignments := []string{
				ub.Assign("retry_count", attempts),
				ub.Assign("last_error", truncate(errorChain(o.err), maxLastErrorLen)),
				ub.Assign("claimed_by", nil),
				ub.Assign("claimed_at", nil),
			}
			if o.permanent || attempts > c.cfg.MaxRetries {
				assignments = append(assignments, ub.Assign("status", StatusFailed))
				quarantined = append(quarantined, r)
			} else {
				assignments = append(assignments,
					ub.Assign("status", StatusPending),
					ub.Assign("process_after", now.Add(c.cfg.Backoff.Delay(r.RetryCount)).UnixMilli()))
				retried++
			}
			ub.Set(assignments...)
			ub.Where(ub.Equal("id", r.ID), ub.Equal("claimed_by", c.id))
			query, args := ub.Build()
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return errors.StorageError(fmt.Sprintf("failed to reschedule outbox row %d", r.ID), err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	c.metrics.Rows.WithLabelValues("applied").Add(float64(len(applied)))
	c.metrics.Rows.WithLabelValues("retried").Add(float64(retried))
	c.metrics.Rows.WithLabelValues("stalled").Add(float64(stalled))
	c.metrics.Rows.WithLabelValues("quarantined").Add(float64(len(quarantined)))
	c.logger.Info("outbox_batch_applied",
		slog.Int("rows", len(rows)),
		slog.Int("applied", len(applied)),
		slog.Int("retried", retried),
		slog.Int("stalled", stalled),
		slog.Int("quarantined", len(quarantined)))

	for _, r := range quarantined {
		ref := work.EntityReference{EntityName: r.EntityName, ID: r.EntityID}
		perr := errors.New(errors.ErrCodePoisonEntry,
			fmt.Sprintf("outbox row %d for %s quarantined", r.ID, ref), outcomes[r.ID].err).
			WithDetail("row_id", fmt.Sprint(r.ID)).
			WithDetail("attempts", fmt.Sprint(r.RetryCount+1))
		c.failures.HandleFailure(ctx, plan.FailureContext{
			Refs:    []work.EntityReference{ref},
			Pending: []work.EntityReference{ref},
			Err:     perr,
		})
	}
	return nil
}

// decodeRow rebuilds the event stored in r.
func decodeRow(r Row) (work.Event, error) {
	typ, err := work.ParseEventType(r.EventType)
	if err != nil {
		return work.Event{}, errors.New(errors.ErrCodeSerialization, fmt.Sprintf("outbox row %d", r.ID), err)
	}
	payload, err := codec.DecodePayload(r.Payload)
	if err != nil {
		return work.Event{}, err
	}
	keys, err := codec.DecodeRoutingKeys(r.RoutingKeys)
	if err != nil {
		return work.Event{}, err
	}
	if payload.RoutingKey == "" && len(keys) > 0 {
		payload.RoutingKey = keys[0]
		payload.PreviousRoutingKeys = keys[1:]
	}
	return work.Event{
		EntityName:   r.EntityName,
		SerializedID: r.EntityID,
		Type:         typ,
		Payload:      payload,
	}, nil
}

// errorChain renders err and its causes on one line.
func errorChain(err error) string {
	msg := err.Error()
	for cause := stderrors.Unwrap(err); cause != nil; cause = stderrors.Unwrap(cause) {
		if text := cause.Error(); !strings.Contains(msg, text) {
			msg += ": " + text
		}
	}
	return msg
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

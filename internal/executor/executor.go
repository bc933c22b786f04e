// Package executor submits work descriptors to a backend on a worker pool.
//
// Submissions are split into physical requests bounded by item count and
// size. Items the backend rejects transiently are resent with backoff;
// permanently rejected items are reported without affecting the rest of the
// request. A submission that cannot reach the backend at all fails as a
// whole and yields no Report.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/Aman-CERP/indexsync/internal/backend"
	"github.com/Aman-CERP/indexsync/internal/errors"
	"github.com/Aman-CERP/indexsync/pkg/work"
)

// Default limits.
const (
	DefaultPoolSize      = 4
	DefaultQueueSize     = 64
	DefaultMaxBatchSize  = 500
	DefaultMaxBatchBytes = 5 << 20

	itemOverheadBytes = 64
	indexScopeLimit   = 4
)

// Backpressure is the policy applied when the submission queue is full.
type Backpressure int

const (
	// Block waits for a free slot until the caller's context ends.
	Block Backpressure = iota
	// Reject fails immediately.
	Reject
	// WaitTimeout waits up to SubmitOptions.Wait.
	WaitTimeout
)

// ParseBackpressure parses "block", "reject" or "wait".
func ParseBackpressure(s string) (Backpressure, error) {
	switch s {
	case "", "block":
		return Block, nil
	case "reject":
		return Reject, nil
	case "wait":
		return WaitTimeout, nil
	default:
		return Block, fmt.Errorf("unknown backpressure policy %q", s)
	}
}

// SubmitOptions are per-call submission settings.
type SubmitOptions struct {
	Backpressure Backpressure
	// Wait bounds the wait under WaitTimeout.
	Wait time.Duration
}

// Config configures an Executor.
type Config struct {
	PoolSize      int
	QueueSize     int
	MaxBatchSize  int
	MaxBatchBytes int
	Retry         errors.RetryConfig

	CircuitMaxFailures  int
	CircuitResetTimeout time.Duration
}

// DefaultConfig returns the default executor configuration.
func DefaultConfig() Config {
	return Config{
		PoolSize:            DefaultPoolSize,
		QueueSize:           DefaultQueueSize,
		MaxBatchSize:        DefaultMaxBatchSize,
		MaxBatchBytes:       DefaultMaxBatchBytes,
		Retry:               errors.DefaultRetryConfig(),
		CircuitMaxFailures:  5,
		CircuitResetTimeout: 30 * time.Second,
	}
}

// Executor runs submissions against one backend.
type Executor struct {
	backend backend.Backend
	cfg     Config
	pool    *ants.Pool
	slots   *semaphore.Weighted
	breaker *errors.CircuitBreaker
	metrics *Metrics
	logger  *slog.Logger

	// queue feeds the dispatcher; slots bound its length.
	mu         sync.RWMutex
	queue      chan func()
	dispatched chan struct{}
	closed     bool

	ctx    context.Context
	cancel context.CancelFunc
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics sets the metrics collectors.
func WithMetrics(m *Metrics) Option {
	return func(e *Executor) {
		e.metrics = m
	}
}

// WithRegisterer registers fresh metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(e *Executor) {
		e.metrics = NewMetrics(reg)
	}
}

// New creates an executor over b.
func New(b backend.Backend, cfg Config, opts ...Option) (*Executor, error) {
	def := DefaultConfig()
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = def.PoolSize
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = def.MaxBatchSize
	}
	if cfg.MaxBatchBytes <= 0 {
		cfg.MaxBatchBytes = def.MaxBatchBytes
	}
	if cfg.Retry.Multiplier <= 0 {
		cfg.Retry = def.Retry
	}
	if cfg.CircuitMaxFailures <= 0 {
		cfg.CircuitMaxFailures = def.CircuitMaxFailures
	}
	if cfg.CircuitResetTimeout <= 0 {
		cfg.CircuitResetTimeout = def.CircuitResetTimeout
	}

	pool, err := ants.NewPool(cfg.PoolSize)
	if err != nil {
		return nil, errors.InternalError("failed to create worker pool", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Executor{
		backend:    b,
		cfg:        cfg,
		pool:       pool,
		slots:      semaphore.NewWeighted(int64(cfg.QueueSize)),
		logger:     slog.Default(),
		queue:      make(chan func(), cfg.QueueSize),
		dispatched: make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = NewMetrics(nil)
	}
	e.breaker = errors.NewCircuitBreaker(b.Name(),
		errors.WithMaxFailures(cfg.CircuitMaxFailures),
		errors.WithResetTimeout(cfg.CircuitResetTimeout),
		errors.WithTripOn(tripsCircuit),
		errors.WithStateChange(e.circuitChanged))
	e.metrics.CircuitState.WithLabelValues(b.Name()).Set(float64(errors.StateClosed))
	go e.dispatch()
	return e, nil
}

// tripsCircuit reports whether err means the backend itself is unhealthy,
// as opposed to rejecting particular work.
func tripsCircuit(err error) bool {
	switch errors.GetCode(err) {
	case "", errors.ErrCodeNoConnection, errors.ErrCodeBackendUnavailable,
		errors.ErrCodeBackendResponse, errors.ErrCodeStorage:
		return true
	default:
		return false
	}
}

func (e *Executor) circuitChanged(name string, from, to errors.State) {
	e.metrics.CircuitState.WithLabelValues(name).Set(float64(to))
	level := slog.LevelInfo
	if to == errors.StateOpen {
		level = slog.LevelWarn
	}
	e.logger.Log(context.Background(), level, "backend_circuit_changed",
		slog.String("backend", name),
		slog.String("from", from.String()),
		slog.String("to", to.String()))
}

// dispatch hands queued tasks to the pool, blocking while every worker is busy.
func (e *Executor) dispatch() {
	defer close(e.dispatched)
	for task := range e.queue {
		if err := e.pool.Submit(task); err != nil {
			e.logger.Error("executor_dispatch_failed", slog.String("error", err.Error()))
			// Run inline so the future still completes and the slot is released.
			task()
		}
	}
}

// Backend returns the backend the executor writes to.
func (e *Executor) Backend() backend.Backend {
	return e.backend
}

// Submit queues batch for execution. The returned error covers admission
// only: a full queue under Reject or WaitTimeout, or a closed executor.
func (e *Executor) Submit(ctx context.Context, batch []*work.Descriptor, opts SubmitOptions) (*Future, error) {
	if len(batch) == 0 {
		return completedFuture(&Report{}, nil), nil
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, errors.New(errors.ErrCodeSubmissionFailed, "executor is closed", nil)
	}

	if err := e.acquire(ctx, opts); err != nil {
		return nil, err
	}
	e.metrics.InFlight.Inc()

	f := newFuture()
	e.queue <- func() {
		defer func() {
			e.slots.Release(1)
			e.metrics.InFlight.Dec()
		}()
		if !f.start() {
			e.logger.Debug("submission_skipped_cancelled", slog.Int("items", len(batch)))
			return
		}
		report, err := e.run(e.ctx, batch)
		f.complete(report, err)
	}
	return f, nil
}

func (e *Executor) acquire(ctx context.Context, opts SubmitOptions) error {
	switch opts.Backpressure {
	case Reject:
		if !e.slots.TryAcquire(1) {
			e.metrics.Rejections.Inc()
			return errors.New(errors.ErrCodeQueueFull, "submission queue is full", nil)
		}
		return nil
	case WaitTimeout:
		waitCtx, cancel := context.WithTimeout(ctx, opts.Wait)
		defer cancel()
		if err := e.slots.Acquire(waitCtx, 1); err != nil {
			if ctx.Err() != nil {
				return errors.New(errors.ErrCodeCancelled, "submission cancelled while queued", ctx.Err())
			}
			e.metrics.Rejections.Inc()
			return errors.New(errors.ErrCodeQueueFull,
				fmt.Sprintf("submission queue still full after %s", opts.Wait), err)
		}
		return nil
	default:
		if err := e.slots.Acquire(ctx, 1); err != nil {
			return errors.New(errors.ErrCodeCancelled, "submission cancelled while queued", err)
		}
		return nil
	}
}

// Execute submits batch with blocking backpressure and waits for the result.
func (e *Executor) Execute(ctx context.Context, batch []*work.Descriptor) (*Report, error) {
	f, err := e.Submit(ctx, batch, SubmitOptions{Backpressure: Block})
	if err != nil {
		return nil, err
	}
	return f.Wait(ctx)
}

// run executes one submission: document chunks first, then index-scope work.
func (e *Executor) run(ctx context.Context, batch []*work.Descriptor) (*Report, error) {
	docs, scoped := split(batch)
	report := &Report{Submitted: len(docs) + len(scoped)}

	chunks := e.chunk(docs)
	for i, chunk := range chunks {
		unsettled, err := e.runChunk(ctx, chunk, report)
		if err == nil {
			continue
		}
		e.logger.Warn("submission_failed",
			append([]any{slog.Int("items", len(batch))}, errors.LogAttrs(err)...)...)
		if report.Succeeded == 0 && len(report.Failures) == 0 {
			return nil, err
		}
		// Earlier requests were applied: everything not yet settled fails
		// with err so the caller still learns what went through.
		before := len(report.Failures)
		for _, rest := range append([][]*work.Descriptor{unsettled}, chunks[i+1:]...) {
			for _, d := range rest {
				report.fail(d, err)
			}
		}
		for _, d := range scoped {
			report.fail(d, err)
		}
		e.metrics.Items.WithLabelValues("failed").Add(float64(len(report.Failures) - before))
		report.seal()
		return report, nil
	}

	e.runIndexScope(ctx, scoped, report)
	report.seal()

	if !report.FullySuccessful() {
		e.logger.Info("submission_partially_applied",
			slog.Int("submitted", report.Submitted),
			slog.Int("failed", len(report.Failures)))
	}
	return report, nil
}

// split separates document work from index-scope work and appends the
// flushes and refreshes requested by document commit and refresh strategies.
func split(batch []*work.Descriptor) (docs, scoped []*work.Descriptor) {
	type scopeKey struct {
		kind   work.Kind
		index  string
		tenant string
	}
	seen := make(map[scopeKey]bool)
	addScoped := func(d *work.Descriptor) {
		k := scopeKey{d.Kind(), d.Index(), d.TenantID()}
		if d.Kind() == work.KindFlush || d.Kind() == work.KindRefresh {
			k.tenant = ""
		}
		if seen[k] {
			return
		}
		seen[k] = true
		scoped = append(scoped, d)
	}

	var implied []*work.Descriptor
	for _, d := range batch {
		if !d.Kind().IsDocumentScope() {
			addScoped(d)
			continue
		}
		docs = append(docs, d)
		if d.Commit() == work.CommitForce {
			implied = append(implied, work.NewIndexWork(work.KindFlush, d.Index()).MustBuild())
		}
		if d.Refresh() == work.RefreshForce {
			implied = append(implied, work.NewIndexWork(work.KindRefresh, d.Index()).MustBuild())
		}
	}
	for _, d := range implied {
		addScoped(d)
	}
	return docs, scoped
}

// chunk splits docs into requests within MaxBatchSize items and MaxBatchBytes.
// A single oversized document still gets its own request.
func (e *Executor) chunk(docs []*work.Descriptor) [][]*work.Descriptor {
	var chunks [][]*work.Descriptor
	var cur []*work.Descriptor
	size := 0
	for _, d := range docs {
		n := itemOverheadBytes
		if doc := d.Document(); doc != nil {
			n += doc.EstimatedSize()
		}
		if len(cur) > 0 && (len(cur) >= e.cfg.MaxBatchSize || size+n > e.cfg.MaxBatchBytes) {
			chunks = append(chunks, cur)
			cur, size = nil, 0
		}
		cur = append(cur, d)
		size += n
	}
	if len(cur) > 0 {
		chunks = append(chunks, cur)
	}
	return chunks
}

// runChunk sends one chunk, resending transiently failed items with backoff.
// It returns an error only when the backend could not be used at all, along
// with the items of the chunk that were not settled into report.
func (e *Executor) runChunk(ctx context.Context, chunk []*work.Descriptor, report *Report) ([]*work.Descriptor, error) {
	pending := chunk
	for attempt := 0; ; attempt++ {
		results, err := e.sendDocuments(ctx, pending)
		if err != nil {
			if !errors.IsRetryable(err) {
				return pending, err
			}
			if attempt >= e.cfg.Retry.MaxRetries {
				for _, d := range pending {
					report.fail(d, err)
				}
				e.metrics.Items.WithLabelValues("failed").Add(float64(len(pending)))
				return nil, nil
			}
			e.logger.Debug("chunk_retry",
				slog.Int("attempt", attempt+1),
				slog.Int("items", len(pending)),
				slog.String("error", err.Error()))
			e.metrics.Retries.Add(float64(len(pending)))
			if err := errors.Sleep(ctx, e.cfg.Retry.Delay(attempt)); err != nil {
				return pending, errors.New(errors.ErrCodeCancelled, "executor stopped during retry", err)
			}
			continue
		}

		var retry []*work.Descriptor
		var retryErrs []error
		for i, r := range results {
			switch {
			case r.Status == backend.ItemApplied:
				report.Succeeded++
				e.metrics.Items.WithLabelValues("applied").Inc()
			case r.Retryable:
				retry = append(retry, pending[i])
				retryErrs = append(retryErrs, r.Err)
			default:
				report.fail(pending[i], r.Err)
				e.metrics.Items.WithLabelValues("failed").Inc()
			}
		}
		if len(retry) == 0 {
			return nil, nil
		}
		if attempt >= e.cfg.Retry.MaxRetries {
			for i, d := range retry {
				report.fail(d, retryErrs[i])
			}
			e.metrics.Items.WithLabelValues("failed").Add(float64(len(retry)))
			return nil, nil
		}

		e.metrics.Retries.Add(float64(len(retry)))
		if err := errors.Sleep(ctx, e.cfg.Retry.Delay(attempt)); err != nil {
			return retry, errors.New(errors.ErrCodeCancelled, "executor stopped during retry", err)
		}
		pending = retry
	}
}

func (e *Executor) sendDocuments(ctx context.Context, items []*work.Descriptor) ([]backend.ItemResult, error) {
	start := time.Now()
	defer func() {
		e.metrics.BatchDuration.WithLabelValues(e.backend.Name(), "documents").Observe(time.Since(start).Seconds())
	}()

	results, err := errors.CircuitExecuteWithResult(e.breaker,
		func() ([]backend.ItemResult, error) {
			results, err := e.backend.ExecuteDocuments(ctx, items)
			if err == nil && len(results) != len(items) {
				err = errors.New(errors.ErrCodeBackendResponse,
					fmt.Sprintf("backend returned %d results for %d items", len(results), len(items)), nil)
			}
			return results, err
		},
		func() ([]backend.ItemResult, error) {
			return nil, errors.New(errors.ErrCodeNoConnection,
				fmt.Sprintf("circuit for backend %s is open", e.backend.Name()), errors.ErrCircuitOpen)
		})
	return results, err
}

// runIndexScope runs index-scope work concurrently after document work,
// retrying transient failures. Failures are recorded in the report.
func (e *Executor) runIndexScope(ctx context.Context, scoped []*work.Descriptor, report *Report) {
	if len(scoped) == 0 {
		return
	}

	errs := make([]error, len(scoped))
	var g errgroup.Group
	g.SetLimit(indexScopeLimit)
	for i, d := range scoped {
		g.Go(func() error {
			retryCfg := e.cfg.Retry
			retryCfg.ShouldRetry = errors.IsRetryable
			errs[i] = errors.Retry(ctx, retryCfg, func() error {
				start := time.Now()
				err := e.breaker.Execute(func() error {
					return e.backend.ExecuteIndexScope(ctx, d)
				})
				e.metrics.BatchDuration.WithLabelValues(e.backend.Name(), "index").Observe(time.Since(start).Seconds())
				if err == errors.ErrCircuitOpen {
					return errors.New(errors.ErrCodeNoConnection,
						fmt.Sprintf("circuit for backend %s is open", e.backend.Name()), err)
				}
				return err
			})
			return nil
		})
	}
	_ = g.Wait()

	for i, err := range errs {
		if err != nil {
			report.fail(scoped[i], err)
			e.metrics.Items.WithLabelValues("failed").Inc()
			continue
		}
		report.Succeeded++
		e.metrics.Items.WithLabelValues("applied").Inc()
	}
}

// Close stops accepting submissions, waits up to timeout for queued and
// running ones, and closes the backend.
func (e *Executor) Close(timeout time.Duration) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	close(e.queue)
	e.mu.Unlock()

	select {
	case <-e.dispatched:
	case <-time.After(timeout):
		e.logger.Warn("executor_drain_timeout", slog.Duration("timeout", timeout))
	}
	if err := e.pool.ReleaseTimeout(timeout); err != nil {
		e.logger.Warn("executor_release_timeout", slog.Duration("timeout", timeout))
	}
	e.cancel()
	return e.backend.Close()
}

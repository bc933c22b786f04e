// Package plan accumulates the entity-level indexing intents of one unit of
// work and turns their net effect into a single executor submission.
//
// For each entity only the net effect survives:
//
//	add, then delete             -> nothing (the entity never existed outside this unit of work)
//	addOrUpdate, then delete     -> delete
//	delete, then add/addOrUpdate -> addOrUpdate
//	add/addOrUpdate repeated     -> one write with the latest document; add stays add
//
// A Plan is drained exactly once by Execute and is not safe for concurrent use.
package plan

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Aman-CERP/indexsync/internal/errors"
	"github.com/Aman-CERP/indexsync/internal/executor"
	"github.com/Aman-CERP/indexsync/pkg/document"
	"github.com/Aman-CERP/indexsync/pkg/work"
)

// Submitter accepts work batches. *executor.Executor implements it.
type Submitter interface {
	Submit(ctx context.Context, batch []*work.Descriptor, opts executor.SubmitOptions) (*executor.Future, error)
}

type intent struct {
	kind work.Kind
	doc  *document.Node
}

// Plan is the pending indexing work of one unit of work.
type Plan struct {
	submitter Submitter
	strategy  Strategy
	submit    executor.SubmitOptions
	tenantID  string
	indexName func(entityName string) string
	resolver  RoutingResolver
	failures  FailureHandler
	cleanup   bool
	logger    *slog.Logger

	intents map[work.EntityReference]*intent
	order   []work.EntityReference
	routes  map[work.EntityReference]Route
	drained bool
}

// Option configures a Plan.
type Option func(*Plan)

// WithStrategy sets the synchronization strategy. The default is WriteSync.
func WithStrategy(s Strategy) Option {
	return func(p *Plan) { p.strategy = s }
}

// WithSubmitOptions sets the backpressure used when submitting.
func WithSubmitOptions(o executor.SubmitOptions) Option {
	return func(p *Plan) { p.submit = o }
}

// WithTenant sets the tenant of entities without a pinned route.
func WithTenant(tenantID string) Option {
	return func(p *Plan) { p.tenantID = tenantID }
}

// WithIndexName sets the entity-name to index-name mapping.
func WithIndexName(fn func(entityName string) string) Option {
	return func(p *Plan) { p.indexName = fn }
}

// WithRoutingResolver sets the resolver used for entities without a pinned route.
func WithRoutingResolver(r RoutingResolver) Option {
	return func(p *Plan) { p.resolver = r }
}

// WithFailureHandler sets the handler receiving Async failures.
func WithFailureHandler(h FailureHandler) Option {
	return func(p *Plan) { p.failures = h }
}

// WithStaleRouteCleanup also deletes documents from previous routing keys of
// a pinned route when an entity is rewritten under a new key.
func WithStaleRouteCleanup(enabled bool) Option {
	return func(p *Plan) { p.cleanup = enabled }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Plan) { p.logger = logger }
}

// New creates an empty plan submitting to s.
func New(s Submitter, opts ...Option) *Plan {
	p := &Plan{
		submitter: s,
		strategy:  WriteSync,
		indexName: DefaultIndexName,
		logger:    slog.Default(),
		intents:   make(map[work.EntityReference]*intent),
		routes:    make(map[work.EntityReference]Route),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.failures == nil {
		p.failures = LogFailureHandler(p.logger)
	}
	return p
}

// Add records that ref was created in this unit of work.
func (p *Plan) Add(ref work.EntityReference, doc *document.Node) error {
	return p.write(ref, work.KindAdd, doc)
}

// AddOrUpdate records that ref was created or changed.
func (p *Plan) AddOrUpdate(ref work.EntityReference, doc *document.Node) error {
	return p.write(ref, work.KindAddOrUpdate, doc)
}

func (p *Plan) write(ref work.EntityReference, kind work.Kind, doc *document.Node) error {
	if err := p.check(ref); err != nil {
		return err
	}
	if doc == nil {
		return errors.ValidationError(fmt.Sprintf("%s: %s needs a document", ref, kind), nil)
	}

	cur, ok := p.intents[ref]
	if !ok {
		p.track(ref, &intent{kind: kind, doc: doc})
		return nil
	}
	switch cur.kind {
	case work.KindDelete:
		cur.kind = work.KindAddOrUpdate
	case work.KindAdd:
		// Still created in this unit of work.
	default:
		cur.kind = work.KindAddOrUpdate
	}
	cur.doc = doc
	return nil
}

// Delete records that ref was removed.
func (p *Plan) Delete(ref work.EntityReference) error {
	if err := p.check(ref); err != nil {
		return err
	}

	cur, ok := p.intents[ref]
	if !ok {
		p.track(ref, &intent{kind: work.KindDelete})
		return nil
	}
	if cur.kind == work.KindAdd {
		p.untrack(ref)
		return nil
	}
	cur.kind = work.KindDelete
	cur.doc = nil
	return nil
}

// PinRouting fixes where ref's document lives, bypassing the resolver.
func (p *Plan) PinRouting(ref work.EntityReference, r Route) error {
	if err := p.check(ref); err != nil {
		return err
	}
	p.routes[ref] = r
	return nil
}

// Len returns the number of entities with pending work.
func (p *Plan) Len() int {
	return len(p.intents)
}

func (p *Plan) check(ref work.EntityReference) error {
	if p.drained {
		return errors.New(errors.ErrCodePlanDrained, "plan was already executed", nil)
	}
	if ref.EntityName == "" || ref.ID == "" {
		return errors.ValidationError(fmt.Sprintf("incomplete entity reference %q", ref), nil)
	}
	return nil
}

func (p *Plan) track(ref work.EntityReference, in *intent) {
	p.intents[ref] = in
	p.order = append(p.order, ref)
}

func (p *Plan) untrack(ref work.EntityReference) {
	delete(p.intents, ref)
	for i, r := range p.order {
		if r == ref {
			p.order = append(p.order[:i], p.order[i+1:]...)
			return
		}
	}
}

// build turns the surviving intents into descriptors, in first-seen order.
func (p *Plan) build(ctx context.Context) ([]*work.Descriptor, []work.EntityReference, error) {
	commit, refresh := p.strategy.durability()
	batch := make([]*work.Descriptor, 0, len(p.order))
	refs := make([]work.EntityReference, 0, len(p.order))

	for _, ref := range p.order {
		in := p.intents[ref]
		route, err := p.route(ctx, ref, in.doc)
		if err != nil {
			return nil, nil, err
		}

		b := work.NewDocumentWork(in.kind, route.Index, ref.ID).
			Tenant(route.TenantID).
			Routing(route.RoutingKey).
			Entity(ref).
			Commit(commit).
			Refresh(refresh)
		if in.doc != nil {
			b.Document(in.doc)
		}
		d, err := b.Build()
		if err != nil {
			return nil, nil, errors.ValidationError(fmt.Sprintf("%s: cannot build work", ref), err)
		}
		batch = append(batch, d)
		refs = append(refs, ref)

		if p.cleanup && in.kind != work.KindAdd {
			for _, old := range route.PreviousRoutingKeys {
				if old == route.RoutingKey || old == "" {
					continue
				}
				batch = append(batch, work.NewDocumentWork(work.KindDelete, route.Index, ref.ID).
					Tenant(route.TenantID).
					Routing(old).
					Entity(ref).
					MustBuild())
			}
		}
	}
	return batch, refs, nil
}

func (p *Plan) route(ctx context.Context, ref work.EntityReference, doc *document.Node) (Route, error) {
	r, pinned := p.routes[ref]
	if r.Index == "" {
		r.Index = p.indexName(ref.EntityName)
	}
	if r.TenantID == "" {
		r.TenantID = p.tenantID
	}
	if pinned || p.resolver == nil {
		return r, nil
	}
	key, err := p.resolver.ResolveRouting(ctx, ref, doc)
	if err != nil {
		return r, errors.New(errors.ErrCodeInvalidInput, fmt.Sprintf("%s: routing resolution failed", ref), err)
	}
	r.RoutingKey = key
	return r, nil
}

// Execute drains the plan into one submission and applies the strategy.
//
// Under Async it returns (nil, nil) once submitted and reports failures to
// the FailureHandler. Otherwise it waits: a nil Report with an error means
// nothing was applied; a Report with an error lists the failed entities.
func (p *Plan) Execute(ctx context.Context) (*executor.Report, error) {
	if p.drained {
		return nil, errors.New(errors.ErrCodePlanDrained, "plan was already executed", nil)
	}
	p.drained = true

	batch, refs, err := p.build(ctx)
	if err != nil {
		return p.fail(ctx, refs, nil, err)
	}
	if len(batch) == 0 {
		return &executor.Report{}, nil
	}

	future, err := p.submitter.Submit(ctx, batch, p.submit)
	if err != nil {
		return p.fail(ctx, refs, nil, err)
	}

	if p.strategy == Async {
		go p.watch(future, refs)
		return nil, nil
	}

	report, err := future.Wait(ctx)
	if err != nil {
		return nil, err
	}
	if p.strategy == Sync {
		if accounted := report.Succeeded + len(report.Failures); accounted != report.Submitted || report.Submitted < len(batch) {
			return report, errors.InternalError(
				fmt.Sprintf("report accounts for %d of %d submitted items", accounted, report.Submitted), nil)
		}
	}
	if !report.FullySuccessful() {
		return report, report.Err
	}
	return report, nil
}

func (p *Plan) fail(ctx context.Context, refs []work.EntityReference, report *executor.Report, err error) (*executor.Report, error) {
	if p.strategy != Async {
		return report, err
	}
	if refs == nil {
		refs = append(refs, p.order...)
	}
	p.failures.HandleFailure(ctx, FailureContext{Pending: refs, Err: err, Report: report})
	return nil, nil
}

// watch waits for an Async submission and reports its failures.
func (p *Plan) watch(future *executor.Future, refs []work.EntityReference) {
	ctx := context.Background()
	report, err := future.Wait(ctx)
	switch {
	case err != nil:
		p.failures.HandleFailure(ctx, FailureContext{Pending: refs, Err: err})
	case !report.FullySuccessful():
		p.failures.HandleFailure(ctx, FailureContext{
			Refs:    report.FailedRefs(),
			Pending: refs,
			Err:     report.Err,
			Report:  report,
		})
	}
}

package plan

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/indexsync/internal/backend"
	"github.com/Aman-CERP/indexsync/internal/errors"
	"github.com/Aman-CERP/indexsync/internal/executor"
	"github.com/Aman-CERP/indexsync/pkg/document"
	"github.com/Aman-CERP/indexsync/pkg/work"
)

// recordingBackend applies everything except documents whose id is in reject.
type recordingBackend struct {
	mu     sync.Mutex
	docs   []*work.Descriptor
	scoped []*work.Descriptor
	reject map[string]bool
	down   bool
}

func (b *recordingBackend) Name() string { return "recording" }

func (b *recordingBackend) ExecuteDocuments(ctx context.Context, batch []*work.Descriptor) ([]backend.ItemResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.down {
		return nil, errors.New(errors.ErrCodeNoConnection, "down", nil)
	}
	results := make([]backend.ItemResult, len(batch))
	for i, d := range batch {
		if b.reject[d.DocumentID()] {
			results[i] = backend.ItemResult{Status: backend.ItemFailed, Err: errors.New(errors.ErrCodeDocumentRejected, "rejected", nil)}
			continue
		}
		b.docs = append(b.docs, d)
		results[i] = backend.Applied
	}
	return results, nil
}

func (b *recordingBackend) ExecuteIndexScope(ctx context.Context, d *work.Descriptor) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.scoped = append(b.scoped, d)
	return nil
}

func (b *recordingBackend) Close() error { return nil }

func newExecutor(t *testing.T, b backend.Backend) *executor.Executor {
	t.Helper()
	e, err := executor.New(b, executor.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close(time.Second) })
	return e
}

func book(id string) work.EntityReference {
	return work.EntityReference{EntityName: "Book", ID: id}
}

func doc(t *testing.T, title string) *document.Node {
	t.Helper()
	d := document.New(nil)
	require.NoError(t, d.SetDynamic("title", title))
	return d
}

func titleOf(d *work.Descriptor) any {
	e, _ := d.Document().Get("title")
	return e.Values[0]
}

func TestPlan_DedupNetEffect(t *testing.T) {
	type step struct {
		op    string
		title string
	}
	tests := []struct {
		name     string
		steps    []step
		wantKind work.Kind
		want     string
		none     bool
	}{
		{"add then delete is a no-op", []step{{"add", "a"}, {"delete", ""}}, 0, "", true},
		{"update then delete deletes", []step{{"update", "a"}, {"delete", ""}}, work.KindDelete, "", false},
		{"delete then add updates", []step{{"delete", ""}, {"add", "b"}}, work.KindAddOrUpdate, "b", false},
		{"delete then update updates", []step{{"delete", ""}, {"update", "b"}}, work.KindAddOrUpdate, "b", false},
		{"updates collapse to last", []step{{"update", "a"}, {"update", "b"}, {"update", "c"}}, work.KindAddOrUpdate, "c", false},
		{"add then update stays add", []step{{"add", "a"}, {"update", "b"}}, work.KindAdd, "b", false},
		{"update then add updates", []step{{"update", "a"}, {"add", "b"}}, work.KindAddOrUpdate, "b", false},
		{"add delete add", []step{{"add", "a"}, {"delete", ""}, {"add", "c"}}, work.KindAdd, "c", false},
		{"delete twice", []step{{"delete", ""}, {"delete", ""}}, work.KindDelete, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Given a plan and a sequence of intents for one entity
			b := &recordingBackend{}
			p := New(newExecutor(t, b))
			for _, s := range tt.steps {
				switch s.op {
				case "add":
					require.NoError(t, p.Add(book("1"), doc(t, s.title)))
				case "update":
					require.NoError(t, p.AddOrUpdate(book("1"), doc(t, s.title)))
				case "delete":
					require.NoError(t, p.Delete(book("1")))
				}
			}

			// When executing
			report, err := p.Execute(context.Background())
			require.NoError(t, err)
			assert.True(t, report.FullySuccessful())

			// Then at most one descriptor carries the net effect
			if tt.none {
				assert.Empty(t, b.docs)
				return
			}
			require.Len(t, b.docs, 1)
			assert.Equal(t, tt.wantKind, b.docs[0].Kind())
			assert.Equal(t, book("1"), b.docs[0].Entity())
			if tt.want != "" {
				assert.Equal(t, tt.want, titleOf(b.docs[0]))
			}
		})
	}
}

func TestPlan_DrainedOnce(t *testing.T) {
	p := New(newExecutor(t, &recordingBackend{}))
	require.NoError(t, p.AddOrUpdate(book("1"), doc(t, "a")))

	_, err := p.Execute(context.Background())
	require.NoError(t, err)

	_, err = p.Execute(context.Background())
	assert.True(t, errors.HasCode(err, errors.ErrCodePlanDrained))
	err = p.Delete(book("1"))
	assert.True(t, errors.HasCode(err, errors.ErrCodePlanDrained))
}

func TestPlan_Validation(t *testing.T) {
	p := New(newExecutor(t, &recordingBackend{}))
	assert.Error(t, p.AddOrUpdate(book("1"), nil))
	assert.Error(t, p.Delete(work.EntityReference{EntityName: "Book"}))
}

func TestPlan_StrategiesSetDurability(t *testing.T) {
	tests := []struct {
		strategy Strategy
		commit   work.CommitStrategy
		refresh  work.RefreshStrategy
		scoped   int
	}{
		{WriteSync, work.CommitForce, work.RefreshNone, 1},
		{ReadSync, work.CommitForce, work.RefreshForce, 2},
		{Sync, work.CommitForce, work.RefreshForce, 2},
	}
	for _, tt := range tests {
		t.Run(tt.strategy.String(), func(t *testing.T) {
			b := &recordingBackend{}
			p := New(newExecutor(t, b), WithStrategy(tt.strategy))
			require.NoError(t, p.AddOrUpdate(book("1"), doc(t, "a")))
			require.NoError(t, p.AddOrUpdate(book("2"), doc(t, "b")))

			report, err := p.Execute(context.Background())

			require.NoError(t, err)
			assert.True(t, report.FullySuccessful())
			require.Len(t, b.docs, 2)
			assert.Equal(t, tt.commit, b.docs[0].Commit())
			assert.Equal(t, tt.refresh, b.docs[0].Refresh())
			assert.Len(t, b.scoped, tt.scoped)
		})
	}
}

func TestPlan_SyncFailurePropagates(t *testing.T) {
	// Given a backend rejecting one of two documents
	b := &recordingBackend{reject: map[string]bool{"2": true}}
	p := New(newExecutor(t, b), WithStrategy(ReadSync))
	require.NoError(t, p.AddOrUpdate(book("1"), doc(t, "a")))
	require.NoError(t, p.AddOrUpdate(book("2"), doc(t, "b")))

	// When executing synchronously
	report, err := p.Execute(context.Background())

	// Then the caller sees the error and which entity failed
	require.Error(t, err)
	require.NotNil(t, report)
	assert.Equal(t, []work.EntityReference{book("2")}, report.FailedRefs())
}

func TestPlan_AsyncFailureGoesToHandler(t *testing.T) {
	// Given an async plan with a capturing failure handler
	b := &recordingBackend{reject: map[string]bool{"2": true}}
	got := make(chan FailureContext, 1)
	p := New(newExecutor(t, b),
		WithStrategy(Async),
		WithFailureHandler(FailureHandlerFunc(func(ctx context.Context, fc FailureContext) {
			got <- fc
		})))
	require.NoError(t, p.AddOrUpdate(book("1"), doc(t, "a")))
	require.NoError(t, p.AddOrUpdate(book("2"), doc(t, "b")))

	// When executing
	report, err := p.Execute(context.Background())

	// Then the caller is not blocked and the handler receives the failure
	assert.NoError(t, err)
	assert.Nil(t, report)
	select {
	case fc := <-got:
		assert.Equal(t, []work.EntityReference{book("2")}, fc.Refs)
		assert.Len(t, fc.Pending, 2)
		assert.Error(t, fc.Err)
	case <-time.After(2 * time.Second):
		t.Fatal("failure handler was not called")
	}
}

func TestPlan_AsyncInfraFailureGoesToHandler(t *testing.T) {
	b := &recordingBackend{down: true}
	got := make(chan FailureContext, 1)
	p := New(newExecutor(t, b),
		WithStrategy(Async),
		WithFailureHandler(FailureHandlerFunc(func(ctx context.Context, fc FailureContext) { got <- fc })))
	require.NoError(t, p.Delete(book("1")))

	_, err := p.Execute(context.Background())
	require.NoError(t, err)

	fc := <-got
	assert.Empty(t, fc.Refs)
	assert.Equal(t, []work.EntityReference{book("1")}, fc.Pending)
	assert.True(t, errors.HasCode(fc.Err, errors.ErrCodeNoConnection))
}

func TestPlan_Routing(t *testing.T) {
	// Given a resolver and one pinned route
	b := &recordingBackend{}
	resolver := RoutingFunc(func(ctx context.Context, ref work.EntityReference, d *document.Node) (string, error) {
		return "resolved-" + ref.ID, nil
	})
	p := New(newExecutor(t, b), WithRoutingResolver(resolver), WithTenant("acme"))
	require.NoError(t, p.AddOrUpdate(book("1"), doc(t, "a")))
	require.NoError(t, p.AddOrUpdate(book("2"), doc(t, "b")))
	require.NoError(t, p.PinRouting(book("2"), Route{Index: "library", TenantID: "globex", RoutingKey: "pinned"}))

	// When executing
	_, err := p.Execute(context.Background())
	require.NoError(t, err)

	// Then pinned routes win over the resolver
	require.Len(t, b.docs, 2)
	assert.Equal(t, "book", b.docs[0].Index())
	assert.Equal(t, "acme", b.docs[0].TenantID())
	assert.Equal(t, "resolved-1", b.docs[0].RoutingKey())
	assert.Equal(t, "library", b.docs[1].Index())
	assert.Equal(t, "globex", b.docs[1].TenantID())
	assert.Equal(t, "pinned", b.docs[1].RoutingKey())
}

func TestPlan_StaleRouteCleanup(t *testing.T) {
	b := &recordingBackend{}
	p := New(newExecutor(t, b), WithStaleRouteCleanup(true))
	require.NoError(t, p.AddOrUpdate(book("1"), doc(t, "a")))
	require.NoError(t, p.PinRouting(book("1"), Route{RoutingKey: "new", PreviousRoutingKeys: []string{"new", "old"}}))

	_, err := p.Execute(context.Background())
	require.NoError(t, err)

	require.Len(t, b.docs, 2)
	assert.Equal(t, work.KindAddOrUpdate, b.docs[0].Kind())
	assert.Equal(t, work.KindDelete, b.docs[1].Kind())
	assert.Equal(t, "old", b.docs[1].RoutingKey())
}

func TestPlan_RoutingFailure(t *testing.T) {
	resolver := RoutingFunc(func(ctx context.Context, ref work.EntityReference, d *document.Node) (string, error) {
		return "", fmt.Errorf("no shard")
	})
	p := New(newExecutor(t, &recordingBackend{}), WithRoutingResolver(resolver))
	require.NoError(t, p.Delete(book("1")))

	_, err := p.Execute(context.Background())
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidInput))
}

func TestCachedResolver_ServesDeletes(t *testing.T) {
	// Given a resolver that needs the document
	calls := 0
	inner := RoutingFunc(func(ctx context.Context, ref work.EntityReference, d *document.Node) (string, error) {
		calls++
		if d == nil {
			return "", nil
		}
		return "shard-7", nil
	})
	c, err := NewCachedResolver(inner, 16)
	require.NoError(t, err)
	ctx := context.Background()

	// When a write resolves and a later delete resolves without a document
	key, err := c.ResolveRouting(ctx, book("1"), doc(t, "a"))
	require.NoError(t, err)
	assert.Equal(t, "shard-7", key)
	key, err = c.ResolveRouting(ctx, book("1"), nil)

	// Then the delete reuses the cached key
	require.NoError(t, err)
	assert.Equal(t, "shard-7", key)
	assert.Equal(t, 1, calls)

	c.Invalidate(book("1"))
	assert.Zero(t, c.Len())
}

func TestParseStrategy(t *testing.T) {
	for _, s := range []Strategy{Async, WriteSync, ReadSync, Sync} {
		parsed, err := ParseStrategy(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, parsed)
	}
	_, err := ParseStrategy("eventual")
	assert.Error(t, err)
}

func TestFieldResolver(t *testing.T) {
	resolve := FieldResolver("publisher.id")
	ctx := context.Background()

	tests := []struct {
		name string
		doc  *document.Node
		want string
	}{
		{
			name: "nested field",
			doc:  document.FromMap(map[string]any{"publisher": map[string]any{"id": "p-9"}}),
			want: "p-9",
		},
		{
			name: "missing leaf",
			doc:  document.FromMap(map[string]any{"publisher": map[string]any{"name": "Ace"}}),
		},
		{
			name: "parent is a value",
			doc:  document.FromMap(map[string]any{"publisher": "Ace"}),
		},
		{name: "delete without document"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, err := resolve.ResolveRouting(ctx, book("1"), tt.doc)

			require.NoError(t, err)
			assert.Equal(t, tt.want, key)
		})
	}
}

func TestFieldResolver_CachedRoutesDeleteLikeWrite(t *testing.T) {
	// Given a field resolver behind the cache
	c, err := NewCachedResolver(FieldResolver("shard"), 8)
	require.NoError(t, err)
	b := &recordingBackend{}
	ctx := context.Background()

	// When a write and then a delete of the same entity run through plans
	p := New(newExecutor(t, b), WithRoutingResolver(c))
	d := document.FromMap(map[string]any{"title": "Dune", "shard": "eu"})
	require.NoError(t, p.AddOrUpdate(book("1"), d))
	_, err = p.Execute(ctx)
	require.NoError(t, err)

	p = New(newExecutor(t, b), WithRoutingResolver(c))
	require.NoError(t, p.Delete(book("1")))
	_, err = p.Execute(ctx)
	require.NoError(t, err)

	// Then both descriptors carry the routing read from the document
	require.Len(t, b.docs, 2)
	assert.Equal(t, "eu", b.docs[0].RoutingKey())
	assert.Equal(t, "eu", b.docs[1].RoutingKey())
}

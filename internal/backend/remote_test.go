package backend

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/indexsync/internal/codec"
	"github.com/Aman-CERP/indexsync/internal/errors"
	"github.com/Aman-CERP/indexsync/pkg/work"
)

// fakeCluster records bulk requests and answers with scripted item statuses.
type fakeCluster struct {
	mu       sync.Mutex
	requests []string
	paths    []string
	statuses func(n int) []int
	status   int
}

func (f *fakeCluster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	body := new(strings.Builder)
	_, _ = bufio.NewReader(r.Body).WriteTo(body)
	f.requests = append(f.requests, body.String())
	f.paths = append(f.paths, r.Method+" "+r.URL.RequestURI())

	if f.status != 0 {
		w.WriteHeader(f.status)
		_, _ = w.Write([]byte(`{"error":"scripted"}`))
		return
	}
	if r.URL.Path != "/_bulk" {
		_, _ = w.Write([]byte(`{"acknowledged":true}`))
		return
	}

	var actions []string
	for _, line := range strings.Split(strings.TrimSpace(body.String()), "\n") {
		if strings.HasPrefix(line, `{"create"`) || strings.HasPrefix(line, `{"delete"`) || strings.HasPrefix(line, `{"index"`) {
			actions = append(actions, line)
		}
	}
	statuses := make([]int, len(actions))
	for i := range statuses {
		statuses[i] = 200
	}
	if f.statuses != nil {
		statuses = f.statuses(len(actions))
	}

	items := make([]map[string]any, len(actions))
	for i, st := range statuses {
		outcome := map[string]any{"status": st}
		if st >= 300 {
			outcome["error"] = map[string]any{"type": "es_rejected_execution_exception", "reason": "scripted"}
		}
		items[i] = map[string]any{"index": outcome}
	}
	b, _ := codec.JSON.Marshal(map[string]any{"errors": false, "items": items})
	_, _ = w.Write(b)
}

func newTestRemote(t *testing.T, f *fakeCluster, version string) *Remote {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	r, err := NewRemote(RemoteConfig{URL: srv.URL, Version: version, Mapping: pagesMapping}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestRemote_BulkFraming(t *testing.T) {
	// Given a v8 cluster
	f := &fakeCluster{}
	r := newTestRemote(t, f, "8.11")

	// When sending an upsert and a delete
	d := work.NewDocumentWork(work.KindAddOrUpdate, "books", "1").
		Tenant("acme").
		Routing("shard-a").
		Document(bookDoc(t, "Dune", 412)).
		MustBuild()
	results, err := r.ExecuteDocuments(context.Background(), []*work.Descriptor{d, remove("acme", "2")})

	// Then one bulk request carries action and document lines
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, ItemApplied, results[0].Status)
	assert.Equal(t, ItemApplied, results[1].Status)

	require.Len(t, f.requests, 1)
	lines := strings.Split(strings.TrimSpace(f.requests[0]), "\n")
	require.Len(t, lines, 3)
	assert.JSONEq(t, `{"index":{"_index":"books","_id":"acme/1","routing":"shard-a"}}`, lines[0])
	assert.JSONEq(t, `{"title":"Dune","pages":412,"tenant_id":"acme"}`, lines[1])
	assert.JSONEq(t, `{"delete":{"_index":"books","_id":"acme/2"}}`, lines[2])
}

func TestRemote_LegacyDialectAddsType(t *testing.T) {
	f := &fakeCluster{}
	r := newTestRemote(t, f, "6.8")

	_, err := r.ExecuteDocuments(context.Background(), []*work.Descriptor{remove("", "9")})
	require.NoError(t, err)

	line := strings.Split(f.requests[0], "\n")[0]
	assert.JSONEq(t, `{"delete":{"_index":"books","_id":"9","_type":"_doc"}}`, line)
}

func TestRemote_ItemStatuses(t *testing.T) {
	// Given a cluster that throttles the first item and rejects the second
	f := &fakeCluster{statuses: func(n int) []int { return []int{429, 400, 201} }}
	r := newTestRemote(t, f, "7.17")

	results, err := r.ExecuteDocuments(context.Background(), []*work.Descriptor{
		upsert(t, "acme", "1", bookDoc(t, "A", 1)),
		upsert(t, "acme", "2", bookDoc(t, "B", 2)),
		upsert(t, "acme", "3", bookDoc(t, "C", 3)),
	})

	require.NoError(t, err)
	assert.True(t, results[0].Retryable)
	assert.True(t, errors.HasCode(results[0].Err, errors.ErrCodeBackendThrottled))
	assert.False(t, results[1].Retryable)
	assert.True(t, errors.HasCode(results[1].Err, errors.ErrCodeDocumentRejected))
	assert.Equal(t, ItemApplied, results[2].Status)
}

func TestRemote_InvalidItemNotSent(t *testing.T) {
	f := &fakeCluster{}
	r := newTestRemote(t, f, "8.0")

	results, err := r.ExecuteDocuments(context.Background(), tenBooks(t))

	require.NoError(t, err)
	assert.Equal(t, ItemFailed, results[4].Status)
	assert.True(t, errors.HasCode(results[4].Err, errors.ErrCodeMappingInvalid))
	assert.NotContains(t, f.requests[0], `"many"`)
	assert.Equal(t, 18, strings.Count(strings.TrimSpace(f.requests[0]), "\n")+1)
}

func TestRemote_WholeResponseErrors(t *testing.T) {
	tests := []struct {
		status    int
		code      string
		retryable bool
	}{
		{http.StatusTooManyRequests, errors.ErrCodeBackendThrottled, true},
		{http.StatusServiceUnavailable, errors.ErrCodeBackendUnavailable, true},
		{http.StatusBadGateway, errors.ErrCodeBackendUnavailable, true},
		{http.StatusUnauthorized, errors.ErrCodeBackendResponse, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.status), func(t *testing.T) {
			r := newTestRemote(t, &fakeCluster{status: tt.status}, "8.0")
			_, err := r.ExecuteDocuments(context.Background(), []*work.Descriptor{remove("", "1")})
			require.Error(t, err)
			assert.True(t, errors.HasCode(err, tt.code))
			assert.Equal(t, tt.retryable, errors.IsRetryable(err))
		})
	}
}

func TestRemote_NoConnection(t *testing.T) {
	// Given a server that has been shut down
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	r, err := NewRemote(RemoteConfig{URL: url, Version: "8.0"}, nil)
	require.NoError(t, err)

	// When sending
	_, err = r.ExecuteDocuments(context.Background(), []*work.Descriptor{remove("", "1")})

	// Then the whole call fails as an infrastructure error
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeNoConnection))
	assert.False(t, errors.IsRetryable(err))
}

func TestRemote_IndexScopeEndpoints(t *testing.T) {
	f := &fakeCluster{}
	r := newTestRemote(t, f, "8.0")
	ctx := context.Background()

	require.NoError(t, r.ExecuteIndexScope(ctx, work.NewIndexWork(work.KindFlush, "books").MustBuild()))
	require.NoError(t, r.ExecuteIndexScope(ctx, work.NewIndexWork(work.KindRefresh, "books").MustBuild()))
	require.NoError(t, r.ExecuteIndexScope(ctx, work.NewIndexWork(work.KindMergeSegments, "books").MustBuild()))
	require.NoError(t, r.ExecuteIndexScope(ctx, work.NewIndexWork(work.KindPurge, "books").Tenant("acme").MustBuild()))

	assert.Equal(t, []string{
		"POST /books/_flush",
		"POST /books/_refresh",
		"POST /books/_forcemerge?max_num_segments=1",
		"POST /books/_delete_by_query?conflicts=proceed",
	}, f.paths)
	assert.JSONEq(t, `{"query":{"term":{"tenant_id":"acme"}}}`, f.requests[3])
}

func TestRemote_PutMapping(t *testing.T) {
	f := &fakeCluster{}
	r := newTestRemote(t, f, "6.2")

	require.NoError(t, r.PutMapping(context.Background(), "books"))
	assert.Equal(t, "PUT /books", f.paths[0])
	assert.JSONEq(t,
		`{"mappings":{"_doc":{"properties":{"pages":{"type":"long"},"title":{"type":"text"}}}}}`,
		f.requests[0])
}

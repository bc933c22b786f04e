package backend

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/Aman-CERP/indexsync/internal/codec"
	"github.com/Aman-CERP/indexsync/internal/errors"
	"github.com/Aman-CERP/indexsync/pkg/work"
)

const (
	// RemoteTenantField holds the tenant of remotely indexed documents.
	RemoteTenantField = "tenant_id"

	DefaultRemotePoolSize = 8
	maxErrorBody          = 4096
)

// RemoteConfig configures a Remote backend.
type RemoteConfig struct {
	// URL is the cluster base URL, e.g. http://localhost:9200.
	URL string
	// Version selects the dialect.
	Version string
	// PoolSize bounds idle and active connections per host.
	PoolSize int
	// Mapping, when set, is used to validate documents before sending.
	Mapping Mapping
}

// Remote sends work to a document-search cluster using the bulk protocol.
type Remote struct {
	mu        sync.Mutex
	client    *http.Client
	transport *http.Transport
	baseURL   string
	dialect   *Dialect
	mapping   Mapping
	logger    *slog.Logger
	closed    bool
}

// NewRemote creates a remote backend. No connection is made until the first request.
func NewRemote(cfg RemoteConfig, logger *slog.Logger) (*Remote, error) {
	if cfg.URL == "" {
		return nil, errors.ConfigError("remote backend URL is required", nil)
	}
	dialect, err := SelectDialect(cfg.Version)
	if err != nil {
		return nil, err
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultRemotePoolSize
	}
	if logger == nil {
		logger = slog.Default()
	}

	// Request deadlines come from the caller's context, not the client.
	transport := &http.Transport{
		MaxIdleConns:        cfg.PoolSize,
		MaxIdleConnsPerHost: cfg.PoolSize,
		MaxConnsPerHost:     cfg.PoolSize * 2,
		IdleConnTimeout:     30 * time.Second,
	}

	return &Remote{
		client:    &http.Client{Transport: transport},
		transport: transport,
		baseURL:   strings.TrimRight(cfg.URL, "/"),
		dialect:   dialect,
		mapping:   cfg.Mapping,
		logger:    logger,
	}, nil
}

// Name implements Backend.
func (r *Remote) Name() string {
	return "remote"
}

// Dialect returns the dialect selected for the cluster version.
func (r *Remote) Dialect() *Dialect {
	return r.dialect
}

type bulkResponse struct {
	Errors bool                         `json:"errors"`
	Items  []map[string]bulkItemOutcome `json:"items"`
}

type bulkItemOutcome struct {
	ID     string         `json:"_id"`
	Status int            `json:"status"`
	Error  *bulkItemError `json:"error,omitempty"`
}

type bulkItemError struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// ExecuteDocuments implements Backend. Items failing dialect validation are
// reported without being sent.
func (r *Remote) ExecuteDocuments(ctx context.Context, batch []*work.Descriptor) ([]ItemResult, error) {
	results := make([]ItemResult, len(batch))
	var body bytes.Buffer
	var sent []int

	for i, w := range batch {
		if !w.Kind().IsDocumentScope() {
			results[i] = failed(errors.New(errors.ErrCodeInvalidInput,
				fmt.Sprintf("%s is not a document operation", w.Kind()), nil), false)
			continue
		}
		id := DocID(w.TenantID(), w.DocumentID())

		var docLine []byte
		if w.Kind().CarriesDocument() {
			if err := r.dialect.Validate(w.Document(), r.mapping); err != nil {
				results[i] = failed(err, false)
				continue
			}
			fields := w.Document().ToMap(r.dialect.FormatDate)
			if w.TenantID() != "" {
				fields[RemoteTenantField] = w.TenantID()
			}
			b, err := codec.JSON.Marshal(fields)
			if err != nil {
				results[i] = failed(errors.New(errors.ErrCodeSerialization,
					fmt.Sprintf("document %s cannot be serialized", id), err), false)
				continue
			}
			docLine = b
		}

		action, err := codec.JSON.Marshal(r.dialect.ActionMeta(w, id))
		if err != nil {
			return nil, errors.New(errors.ErrCodeSerialization, "bulk action cannot be serialized", err)
		}
		body.Write(action)
		body.WriteByte('\n')
		if docLine != nil {
			body.Write(docLine)
			body.WriteByte('\n')
		}
		sent = append(sent, i)
	}

	if len(sent) == 0 {
		return results, nil
	}

	respBody, err := r.do(ctx, http.MethodPost, "/_bulk", "application/x-ndjson", body.Bytes())
	if err != nil {
		return nil, err
	}

	var resp bulkResponse
	if err := codec.JSON.Unmarshal(respBody, &resp); err != nil {
		return nil, errors.New(errors.ErrCodeBackendResponse, "malformed bulk response", err)
	}
	if len(resp.Items) != len(sent) {
		return nil, errors.New(errors.ErrCodeBackendResponse,
			fmt.Sprintf("bulk response has %d items, expected %d", len(resp.Items), len(sent)), nil)
	}

	for pos, i := range sent {
		var outcome bulkItemOutcome
		for _, o := range resp.Items[pos] {
			outcome = o
		}
		results[i] = itemResult(batch[i], outcome)
	}
	return results, nil
}

func itemResult(w *work.Descriptor, o bulkItemOutcome) ItemResult {
	switch {
	case o.Status >= 200 && o.Status < 300:
		return Applied
	case o.Status == http.StatusNotFound && w.Kind() == work.KindDelete:
		// Already gone.
		return Applied
	}

	reason := http.StatusText(o.Status)
	if o.Error != nil {
		reason = o.Error.Type + ": " + o.Error.Reason
	}
	msg := fmt.Sprintf("%s rejected with status %d (%s)", w.DocumentID(), o.Status, reason)

	switch o.Status {
	case http.StatusTooManyRequests:
		return failed(errors.New(errors.ErrCodeBackendThrottled, msg, nil), true)
	case http.StatusServiceUnavailable:
		return failed(errors.New(errors.ErrCodeBackendUnavailable, msg, nil), true)
	}
	if o.Error != nil && strings.Contains(o.Error.Type, "mapper_parsing") {
		return failed(errors.New(errors.ErrCodeMappingInvalid, msg, nil), false)
	}
	return failed(errors.New(errors.ErrCodeDocumentRejected, msg, nil), false)
}

// ExecuteIndexScope implements Backend.
func (r *Remote) ExecuteIndexScope(ctx context.Context, d *work.Descriptor) error {
	index := "/" + d.Index()
	var err error
	switch d.Kind() {
	case work.KindFlush:
		_, err = r.do(ctx, http.MethodPost, index+"/_flush", "", nil)
	case work.KindRefresh:
		_, err = r.do(ctx, http.MethodPost, index+"/_refresh", "", nil)
	case work.KindMergeSegments:
		_, err = r.do(ctx, http.MethodPost, index+"/_forcemerge?max_num_segments=1", "", nil)
	case work.KindPurge:
		err = r.purge(ctx, index, d.TenantID())
	default:
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("%s is not an index-scope operation", d.Kind()), nil)
	}
	return err
}

func (r *Remote) purge(ctx context.Context, index, tenantID string) error {
	q := map[string]any{"match_all": map[string]any{}}
	if tenantID != "" {
		q = map[string]any{"term": map[string]any{RemoteTenantField: tenantID}}
	}
	body, err := codec.JSON.Marshal(map[string]any{"query": q})
	if err != nil {
		return errors.New(errors.ErrCodeSerialization, "purge query cannot be serialized", err)
	}
	_, err = r.do(ctx, http.MethodPost, index+"/_delete_by_query?conflicts=proceed", "application/json", body)
	return err
}

// PutMapping creates index with the configured mapping. An existing index is left as is.
func (r *Remote) PutMapping(ctx context.Context, index string) error {
	mappings := map[string]any{"properties": r.dialect.MappingProperties(r.mapping)}
	if r.dialect.TypeName != "" {
		mappings = map[string]any{r.dialect.TypeName: mappings}
	}
	body, err := codec.JSON.Marshal(map[string]any{"mappings": mappings})
	if err != nil {
		return errors.New(errors.ErrCodeSerialization, "mapping cannot be serialized", err)
	}
	_, err = r.do(ctx, http.MethodPut, "/"+index, "application/json", body)
	if err != nil && strings.Contains(err.Error(), "resource_already_exists") {
		return nil
	}
	return err
}

// do performs one request and classifies transport and status failures.
func (r *Remote) do(ctx context.Context, method, path, contentType string, body []byte) ([]byte, error) {
	r.mu.Lock()
	closed, client := r.closed, r.client
	r.mu.Unlock()
	if closed {
		return nil, errors.New(errors.ErrCodeNoConnection, "remote backend is closed", nil)
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, reader)
	if err != nil {
		return nil, errors.New(errors.ErrCodeInvalidInput, "cannot build backend request", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.BackendUnavailable("failed to read backend response", err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return respBody, nil
	}

	snippet := string(respBody)
	if len(snippet) > maxErrorBody {
		snippet = snippet[:maxErrorBody]
	}
	msg := fmt.Sprintf("%s %s returned %d: %s", method, path, resp.StatusCode, snippet)
	r.logger.Debug("remote_request_failed",
		slog.String("method", method),
		slog.String("path", path),
		slog.Int("status", resp.StatusCode))

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		return nil, errors.New(errors.ErrCodeBackendThrottled, msg, nil)
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return nil, errors.New(errors.ErrCodeBackendUnavailable, msg, nil)
	default:
		return nil, errors.New(errors.ErrCodeBackendResponse, msg, nil)
	}
}

// classifyTransportError separates "cannot connect at all" from transient
// failures on an established connection.
func classifyTransportError(err error) error {
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return errors.New(errors.ErrCodeCancelled, "backend request cancelled", err)
	}
	var opErr *net.OpError
	if stderrors.As(err, &opErr) && opErr.Op == "dial" {
		return errors.New(errors.ErrCodeNoConnection, "cannot connect to backend", err).
			WithSuggestion("Check backend.remote.url and that the cluster is reachable")
	}
	if stderrors.Is(err, syscall.ECONNREFUSED) {
		return errors.New(errors.ErrCodeNoConnection, "cannot connect to backend", err)
	}
	var dnsErr *net.DNSError
	if stderrors.As(err, &dnsErr) {
		return errors.New(errors.ErrCodeNoConnection, "cannot resolve backend host", err)
	}
	return errors.BackendUnavailable("backend connection failed", err)
}

// Close releases idle connections.
func (r *Remote) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	r.transport.CloseIdleConnections()
	return nil
}

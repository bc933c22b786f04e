package backend

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"

	"github.com/Aman-CERP/indexsync/internal/codec"
	"github.com/Aman-CERP/indexsync/internal/cursor"
	"github.com/Aman-CERP/indexsync/internal/errors"
	"github.com/Aman-CERP/indexsync/pkg/work"
)

const (
	// IndexField holds the target index of every locally indexed document.
	IndexField = "_index"
	// TenantField holds the tenant of every locally indexed document.
	TenantField = "_tenant"
	// EntityField holds the entity name of every locally indexed document.
	EntityField = "_entity"

	purgePageSize = 500
)

// Local applies work to an embedded bleve index through direct writer calls.
// Every target index shares one bleve index; documents are stored under
// index- and tenant-prefixed ids so neither indexes nor tenants collide.
type Local struct {
	mu      sync.RWMutex
	index   bleve.Index
	path    string
	lock    *indexLock
	mapping Mapping
	logger  *slog.Logger
	closed  bool
}

// LocalOption configures a Local backend.
type LocalOption func(*Local)

// WithLocalMapping validates documents against m before indexing.
func WithLocalMapping(m Mapping) LocalOption {
	return func(l *Local) {
		l.mapping = m
	}
}

// WithLocalLogger sets the logger.
func WithLocalLogger(logger *slog.Logger) LocalOption {
	return func(l *Local) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewLocal opens or creates the index at path. An empty path creates an
// in-memory index. On-disk indexes are locked against other processes.
func NewLocal(path string, opts ...LocalOption) (*Local, error) {
	l := &Local{path: path, logger: slog.Default()}
	for _, opt := range opts {
		opt(l)
	}

	indexMapping := newIndexMapping()

	if path == "" {
		idx, err := bleve.NewMemOnly(indexMapping)
		if err != nil {
			return nil, errors.StorageError("failed to create in-memory index", err)
		}
		l.index = idx
		return l, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errors.StorageError(fmt.Sprintf("failed to create directory for %s", path), err)
	}

	l.lock = newIndexLock(path)
	acquired, err := l.lock.TryLock()
	if err != nil {
		return nil, errors.StorageError("failed to lock index", err)
	}
	if !acquired {
		return nil, errors.New(errors.ErrCodeIndexLocked, fmt.Sprintf("index %s is locked by another process", path), nil).
			WithSuggestion("Stop the other indexsync process or point this one at a different index path")
	}

	idx, err := openOrCreate(path, indexMapping, l.logger)
	if err != nil {
		_ = l.lock.Unlock()
		return nil, err
	}
	l.index = idx
	return l, nil
}

func newIndexMapping() *mapping.IndexMappingImpl {
	indexMapping := bleve.NewIndexMapping()

	keyword := bleve.NewKeywordFieldMapping()
	keyword.IncludeInAll = false
	indexMapping.DefaultMapping.AddFieldMappingsAt(IndexField, keyword)
	indexMapping.DefaultMapping.AddFieldMappingsAt(TenantField, keyword)
	indexMapping.DefaultMapping.AddFieldMappingsAt(EntityField, keyword)

	return indexMapping
}

// openOrCreate opens the index at path, clearing and recreating it when the
// on-disk metadata is corrupt.
func openOrCreate(path string, indexMapping mapping.IndexMapping, logger *slog.Logger) (bleve.Index, error) {
	if validErr := validateIndexIntegrity(path); validErr != nil {
		logger.Warn("local_index_corrupted",
			slog.String("path", path),
			slog.String("error", validErr.Error()))
		if err := os.RemoveAll(path); err != nil {
			return nil, errors.New(errors.ErrCodeCorruptIndex, fmt.Sprintf("index %s is corrupt and cannot be removed", path), err)
		}
	}

	idx, err := bleve.Open(path)
	if err == bleve.ErrorIndexPathDoesNotExist {
		idx, err = bleve.New(path, indexMapping)
	} else if err != nil && isCorruptionError(err) {
		logger.Warn("local_index_open_failed",
			slog.String("path", path),
			slog.String("error", err.Error()))
		if removeErr := os.RemoveAll(path); removeErr != nil {
			return nil, errors.New(errors.ErrCodeCorruptIndex, fmt.Sprintf("index %s is corrupt and cannot be removed", path), removeErr)
		}
		logger.Info("local_index_cleared",
			slog.String("path", path),
			slog.String("reason", "open failed with corruption, replay the outbox to rebuild"))
		idx, err = bleve.New(path, indexMapping)
	}
	if err != nil {
		return nil, errors.StorageError(fmt.Sprintf("failed to open index %s", path), err)
	}
	return idx, nil
}

// validateIndexIntegrity checks index metadata before opening.
// A missing index is valid; it will be created.
func validateIndexIntegrity(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	metaPath := filepath.Join(path, "index_meta.json")
	info, err := os.Stat(metaPath)
	if os.IsNotExist(err) {
		return fmt.Errorf("index_meta.json missing")
	}
	if err != nil {
		return fmt.Errorf("cannot stat index_meta.json: %w", err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("index_meta.json is empty")
	}

	data, err := os.ReadFile(metaPath)
	if err != nil {
		return fmt.Errorf("cannot read index_meta.json: %w", err)
	}
	var meta map[string]any
	if err := codec.JSON.Unmarshal(data, &meta); err != nil {
		return fmt.Errorf("index_meta.json is corrupt: %w", err)
	}
	return nil
}

func isCorruptionError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "unexpected end of JSON") ||
		strings.Contains(msg, "error parsing mapping JSON") ||
		strings.Contains(msg, "failed to load segment") ||
		strings.Contains(msg, "error opening bolt") ||
		err == bleve.ErrorIndexMetaCorrupt
}

// Name implements Backend.
func (l *Local) Name() string {
	return "local"
}

// DocID returns the stored id of a document.
func DocID(tenantID, documentID string) string {
	if tenantID == "" {
		return documentID
	}
	return tenantID + "/" + documentID
}

// localDocID returns the id a document is stored under in the shared local
// index.
func localDocID(index, tenantID, documentID string) string {
	return index + "/" + DocID(tenantID, documentID)
}

// ExecuteDocuments implements Backend. Documents that fail validation or
// mapping are reported per item; a failed batch write fails the call.
func (l *Local) ExecuteDocuments(ctx context.Context, batch []*work.Descriptor) ([]ItemResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.New(errors.ErrCodeCancelled, "document batch cancelled", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, errors.New(errors.ErrCodeStorage, "local index is closed", nil)
	}

	results := make([]ItemResult, len(batch))
	b := l.index.NewBatch()
	for i, w := range batch {
		id := localDocID(w.Index(), w.TenantID(), w.DocumentID())
		switch w.Kind() {
		case work.KindAdd, work.KindAddOrUpdate:
			if err := validateTypes(w.Document(), l.mapping); err != nil {
				results[i] = failed(err, false)
				continue
			}
			fields := w.Document().ToMap(codec.FormatDate)
			fields[IndexField] = w.Index()
			fields[TenantField] = w.TenantID()
			fields[EntityField] = w.Entity().EntityName
			if err := b.Index(id, fields); err != nil {
				results[i] = failed(errors.New(errors.ErrCodeDocumentRejected,
					fmt.Sprintf("document %s rejected", id), err), false)
				continue
			}
		case work.KindDelete:
			b.Delete(id)
		default:
			results[i] = failed(errors.New(errors.ErrCodeInvalidInput,
				fmt.Sprintf("%s is not a document operation", w.Kind()), nil), false)
			continue
		}
		results[i] = Applied
	}

	if b.Size() > 0 {
		if err := l.index.Batch(b); err != nil {
			return nil, errors.StorageError("failed to write document batch", err)
		}
	}
	return results, nil
}

// ExecuteIndexScope implements Backend. Writes are durable and visible once
// a batch returns, so flush and refresh have nothing to do.
func (l *Local) ExecuteIndexScope(ctx context.Context, d *work.Descriptor) error {
	switch d.Kind() {
	case work.KindFlush, work.KindRefresh:
		return nil
	case work.KindMergeSegments:
		l.logger.Debug("local_merge_unsupported", slog.String("index", d.Index()))
		return nil
	case work.KindPurge:
		return l.purge(ctx, d.Index(), d.TenantID())
	default:
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("%s is not an index-scope operation", d.Kind()), nil)
	}
}

// purge deletes every document of index that belongs to tenantID, or every
// document of index when tenantID is empty.
func (l *Local) purge(ctx context.Context, index, tenantID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return errors.New(errors.ErrCodeStorage, "local index is closed", nil)
	}

	q := scopeQuery(bleve.NewMatchAllQuery(), index, tenantID)

	deleted := 0
	for {
		req := bleve.NewSearchRequest(q)
		req.Size = purgePageSize
		res, err := l.index.SearchInContext(ctx, req)
		if err != nil {
			return errors.StorageError("purge search failed", err)
		}
		if len(res.Hits) == 0 {
			break
		}
		b := l.index.NewBatch()
		for _, hit := range res.Hits {
			b.Delete(hit.ID)
		}
		if err := l.index.Batch(b); err != nil {
			return errors.StorageError("purge delete failed", err)
		}
		deleted += len(res.Hits)
	}

	l.logger.Info("local_index_purged",
		slog.String("index", index),
		slog.String("tenant", tenantID),
		slog.Int("deleted", deleted))
	return nil
}

// scopeQuery restricts q to one index and, when tenantID is set, one tenant.
// An empty index leaves q unrestricted by index.
func scopeQuery(q query.Query, index, tenantID string) query.Query {
	conjuncts := []query.Query{q}
	if index != "" {
		conjuncts = append(conjuncts, termQuery(IndexField, index))
	}
	if tenantID != "" {
		conjuncts = append(conjuncts, termQuery(TenantField, tenantID))
	}
	if len(conjuncts) == 1 {
		return q
	}
	return bleve.NewConjunctionQuery(conjuncts...)
}

func termQuery(field, value string) query.Query {
	tq := bleve.NewTermQuery(value)
	tq.SetField(field)
	return tq
}

// Count returns the number of stored documents.
func (l *Local) Count() (uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		return 0, errors.New(errors.ErrCodeStorage, "local index is closed", nil)
	}
	return l.index.DocCount()
}

// Has reports whether a document is stored in index.
func (l *Local) Has(index, tenantID, documentID string) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		return false, errors.New(errors.ErrCodeStorage, "local index is closed", nil)
	}
	doc, err := l.index.Document(localDocID(index, tenantID, documentID))
	if err != nil {
		return false, errors.StorageError("document lookup failed", err)
	}
	return doc != nil, nil
}

// Query returns a cursor searcher for a full-text match. A non-empty index or
// tenantID restricts the match to it. Hit ids are the document ids, and the
// hit fields carry the index and tenant.
func (l *Local) Query(index, text, tenantID string) cursor.Searcher {
	return cursor.SearcherFunc(func(ctx context.Context, size int) ([]cursor.Hit, uint64, error) {
		l.mu.RLock()
		defer l.mu.RUnlock()

		if l.closed {
			return nil, 0, errors.New(errors.ErrCodeStorage, "local index is closed", nil)
		}

		var q query.Query
		if strings.TrimSpace(text) == "" {
			q = bleve.NewMatchAllQuery()
		} else {
			q = bleve.NewMatchQuery(text)
		}
		q = scopeQuery(q, index, tenantID)

		req := bleve.NewSearchRequestOptions(q, size, 0, false)
		req.Fields = []string{IndexField, TenantField}
		res, err := l.index.SearchInContext(ctx, req)
		if err != nil {
			return nil, 0, errors.StorageError("search failed", err)
		}

		hits := make([]cursor.Hit, 0, len(res.Hits))
		for _, h := range res.Hits {
			hitIndex, _ := h.Fields[IndexField].(string)
			hitTenant, _ := h.Fields[TenantField].(string)
			hits = append(hits, cursor.Hit{
				ID:     strings.TrimPrefix(h.ID, localDocID(hitIndex, hitTenant, "")),
				Score:  h.Score,
				Fields: h.Fields,
			})
		}
		return hits, res.Total, nil
	})
}

// Close closes the index and releases the directory lock.
func (l *Local) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	err := l.index.Close()
	if l.lock != nil {
		if unlockErr := l.lock.Unlock(); unlockErr != nil && err == nil {
			err = unlockErr
		}
	}
	return err
}

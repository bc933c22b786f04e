// Package backend applies work descriptors to a search engine.
//
// Two backends are provided: Local writes to an embedded bleve index and
// Remote speaks the newline-delimited bulk protocol of a document-search
// cluster. Version-specific wire behavior of remote clusters lives in Dialect.
package backend

import (
	"context"

	"github.com/Aman-CERP/indexsync/pkg/work"
)

// ItemStatus is the outcome of one document-scope descriptor.
type ItemStatus int

const (
	// ItemApplied means the backend accepted the item.
	ItemApplied ItemStatus = iota
	// ItemFailed means the backend rejected the item; see ItemResult.Retryable.
	ItemFailed
)

// ItemResult is the per-item outcome of ExecuteDocuments, in request order.
type ItemResult struct {
	Status    ItemStatus
	Err       error
	Retryable bool
}

// Applied is the ItemResult of a successful item.
var Applied = ItemResult{Status: ItemApplied}

// Backend executes descriptors against one search engine.
type Backend interface {
	// Name identifies the backend in logs and metrics.
	Name() string

	// ExecuteDocuments applies document-scope descriptors as one physical request.
	// It returns one result per descriptor. A non-nil error means the request
	// as a whole failed and nothing was applied.
	ExecuteDocuments(ctx context.Context, batch []*work.Descriptor) ([]ItemResult, error)

	// ExecuteIndexScope runs a flush, refresh, merge or purge.
	ExecuteIndexScope(ctx context.Context, d *work.Descriptor) error

	// Close releases the backend's resources.
	Close() error
}

func failed(err error, retryable bool) ItemResult {
	return ItemResult{Status: ItemFailed, Err: err, Retryable: retryable}
}

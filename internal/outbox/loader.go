package outbox

import (
	"context"

	"github.com/Aman-CERP/indexsync/pkg/document"
	"github.com/Aman-CERP/indexsync/pkg/work"
)

// DocumentLoader produces the current document of the entity an event is
// about. It returns a nil document when the entity no longer exists, which
// turns the event into a delete.
type DocumentLoader interface {
	Load(ctx context.Context, ev work.Event) (*document.Node, error)
}

// LoaderFunc adapts a function to DocumentLoader.
type LoaderFunc func(ctx context.Context, ev work.Event) (*document.Node, error)

// Load calls f.
func (f LoaderFunc) Load(ctx context.Context, ev work.Event) (*document.Node, error) {
	return f(ctx, ev)
}

// SnapshotLoader reads the document snapshot carried by the event payload.
// Events without a snapshot load as deleted entities.
type SnapshotLoader struct{}

// Load implements DocumentLoader.
func (SnapshotLoader) Load(_ context.Context, ev work.Event) (*document.Node, error) {
	if ev.Payload.Document == nil {
		return nil, nil
	}
	return document.FromMap(ev.Payload.Document), nil
}

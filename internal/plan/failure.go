package plan

import (
	"context"
	"log/slog"

	"github.com/Aman-CERP/indexsync/internal/errors"
	"github.com/Aman-CERP/indexsync/internal/executor"
	"github.com/Aman-CERP/indexsync/pkg/work"
)

// FailureContext describes indexing work that did not complete.
type FailureContext struct {
	// Refs are the entities whose work failed. Empty when the whole
	// submission failed before reaching the backend; see Pending.
	Refs []work.EntityReference
	// Pending are all entities of the failed submission.
	Pending []work.EntityReference
	Err     error
	Report  *executor.Report
}

// FailureHandler receives failures no caller is waiting for.
type FailureHandler interface {
	HandleFailure(ctx context.Context, fc FailureContext)
}

// FailureHandlerFunc adapts a function to FailureHandler.
type FailureHandlerFunc func(ctx context.Context, fc FailureContext)

// HandleFailure calls f.
func (f FailureHandlerFunc) HandleFailure(ctx context.Context, fc FailureContext) {
	f(ctx, fc)
}

// LogFailureHandler logs failures at error level.
func LogFailureHandler(logger *slog.Logger) FailureHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return FailureHandlerFunc(func(ctx context.Context, fc FailureContext) {
		refs := make([]string, 0, len(fc.Refs))
		for _, r := range fc.Refs {
			refs = append(refs, r.String())
		}
		attrs := []any{
			slog.Int("failed", len(fc.Refs)),
			slog.Int("pending", len(fc.Pending)),
			slog.Any("entities", refs),
		}
		logger.Error("indexing_failed", append(attrs, errors.LogAttrs(fc.Err)...)...)
	})
}

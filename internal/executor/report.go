package executor

import (
	"fmt"

	"github.com/Aman-CERP/indexsync/internal/errors"
	"github.com/Aman-CERP/indexsync/pkg/work"
)

// Failure is one work item the backend did not apply.
type Failure struct {
	// Ref is the entity the item belongs to; zero for index-scope work.
	Ref  work.EntityReference
	Work *work.Descriptor
	Err  error
}

// Report is the outcome of a submission whose requests reached the backend.
// A submission that could not reach the backend at all yields no Report.
// When the backend fails after some requests were applied, the items not
// yet settled are reported as failures carrying that error.
type Report struct {
	// Err summarizes the failures, nil when every item was applied.
	Err       error
	Failures  []Failure
	Succeeded int
	Submitted int
}

// FullySuccessful reports whether every submitted item was applied.
func (r *Report) FullySuccessful() bool {
	return r != nil && r.Err == nil && len(r.Failures) == 0
}

// FailedRefs returns the distinct entity references of failed document items.
func (r *Report) FailedRefs() []work.EntityReference {
	if r == nil {
		return nil
	}
	seen := make(map[work.EntityReference]struct{}, len(r.Failures))
	var refs []work.EntityReference
	for _, f := range r.Failures {
		if f.Ref.IsZero() {
			continue
		}
		if _, ok := seen[f.Ref]; ok {
			continue
		}
		seen[f.Ref] = struct{}{}
		refs = append(refs, f.Ref)
	}
	return refs
}

func (r *Report) fail(w *work.Descriptor, err error) {
	r.Failures = append(r.Failures, Failure{Ref: w.Entity(), Work: w, Err: err})
}

func (r *Report) seal() {
	if len(r.Failures) == 0 {
		return
	}
	r.Err = errors.New(errors.ErrCodePartialFailure,
		fmt.Sprintf("%d of %d work items failed", len(r.Failures), r.Submitted),
		r.Failures[0].Err)
}

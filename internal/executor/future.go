package executor

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/Aman-CERP/indexsync/internal/errors"
)

const (
	futurePending int32 = iota
	futureRunning
	futureCancelled
	futureDone
)

// Future is the pending result of a submission.
type Future struct {
	state  atomic.Int32
	done   chan struct{}
	once   sync.Once
	report *Report
	err    error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func completedFuture(report *Report, err error) *Future {
	f := newFuture()
	f.complete(report, err)
	return f
}

// Done is closed when the result is available.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the submission finishes or ctx ends. A nil Report with a
// non-nil error means nothing was applied, or the future was cancelled.
func (f *Future) Wait(ctx context.Context) (*Report, error) {
	select {
	case <-f.done:
		return f.report, f.err
	case <-ctx.Done():
		return nil, errors.New(errors.ErrCodeCancelled, "stopped waiting for submission", ctx.Err())
	}
}

// Cancel abandons the submission. Pending work is skipped; work already sent
// to the backend runs to completion and its result is discarded. Cancel
// returns false if the result was already available.
func (f *Future) Cancel() bool {
	for {
		s := f.state.Load()
		switch s {
		case futureDone, futureCancelled:
			return false
		}
		if f.state.CompareAndSwap(s, futureCancelled) {
			f.once.Do(func() {
				f.err = errors.New(errors.ErrCodeCancelled, "submission cancelled", nil)
				close(f.done)
			})
			return true
		}
	}
}

// start moves a pending future to running. It returns false if it was cancelled.
func (f *Future) start() bool {
	return f.state.CompareAndSwap(futurePending, futureRunning)
}

func (f *Future) complete(report *Report, err error) {
	for {
		s := f.state.Load()
		if s == futureCancelled || s == futureDone {
			return
		}
		if f.state.CompareAndSwap(s, futureDone) {
			break
		}
	}
	f.once.Do(func() {
		f.report = report
		f.err = err
		close(f.done)
	})
}

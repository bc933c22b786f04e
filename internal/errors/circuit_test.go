package errors

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	errRefused     = New(ErrCodeNoConnection, "dial tcp 127.0.0.1:9200: connection refused", nil)
	errUnavailable = BackendUnavailable("503 all shards failed", nil)
	errThrottled   = New(ErrCodeBackendThrottled, "429 es_rejected_execution_exception", nil)
	errRejected    = New(ErrCodeDocumentRejected, "mapper_parsing_exception", nil)
)

// backendDown trips only on errors that mean the cluster cannot serve work.
func backendDown(err error) bool {
	return HasCode(err, ErrCodeNoConnection) || HasCode(err, ErrCodeBackendUnavailable)
}

func newBackendBreaker(maxFailures int, reset time.Duration, opts ...CircuitBreakerOption) *CircuitBreaker {
	opts = append([]CircuitBreakerOption{
		WithMaxFailures(maxFailures),
		WithResetTimeout(reset),
		WithTripOn(backendDown),
	}, opts...)
	return NewCircuitBreaker("es-primary", opts...)
}

func fail(err error) func() error { return func() error { return err } }

func succeed() error { return nil }

func TestCircuitBreaker_OpensOnUnreachableBackend(t *testing.T) {
	// Given: a breaker allowing three consecutive outages
	cb := newBackendBreaker(3, time.Minute)

	// When: the cluster refuses connections, then answers 503
	_ = cb.Execute(fail(errRefused))
	_ = cb.Execute(fail(errRefused))
	require.Equal(t, StateClosed, cb.State())
	err := cb.Execute(fail(errUnavailable))

	// Then: the last error is passed through and the circuit opens
	assert.Same(t, errUnavailable, err)
	assert.Equal(t, StateOpen, cb.State())
	assert.Equal(t, 3, cb.Failures())

	// And: the next bulk request is not sent at all
	sent := false
	err = cb.Execute(func() error {
		sent = true
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, sent)
}

func TestCircuitBreaker_ItemLevelErrorsKeepItClosed(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{name: "throttled request", err: errThrottled},
		{name: "rejected document", err: errRejected},
		{name: "partial failure", err: New(ErrCodePartialFailure, "1 of 10 work items failed", errRejected)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Given: a breaker one outage away from opening
			cb := newBackendBreaker(2, time.Minute)
			_ = cb.Execute(fail(errRefused))
			require.Equal(t, 1, cb.Failures())

			// When: the backend answers with an item-level error
			err := cb.Execute(fail(tt.err))

			// Then: the error surfaces, the outage streak resets and the circuit stays closed
			assert.Same(t, tt.err, err)
			assert.Zero(t, cb.Failures())
			assert.Equal(t, StateClosed, cb.State())
		})
	}
}

func TestCircuitBreaker_DefaultTripsOnAnyError(t *testing.T) {
	cb := NewCircuitBreaker("kafka", WithMaxFailures(1))

	_ = cb.Execute(fail(errors.New("broken pipe")))

	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreaker_TrialOutcome(t *testing.T) {
	tests := []struct {
		name      string
		trial     func() error
		wantState State
	}{
		{name: "cluster back closes the circuit", trial: succeed, wantState: StateClosed},
		{name: "cluster throttling still closes the circuit", trial: fail(errThrottled), wantState: StateClosed},
		{name: "cluster still down reopens the circuit", trial: fail(errRefused), wantState: StateOpen},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Given: a tripped breaker whose reset timeout has passed
			cb := newBackendBreaker(2, 20*time.Millisecond)
			_ = cb.Execute(fail(errRefused))
			_ = cb.Execute(fail(errRefused))
			require.Equal(t, StateOpen, cb.State())
			time.Sleep(30 * time.Millisecond)
			require.Equal(t, StateHalfOpen, cb.State())

			// When: the single trial runs
			ran := false
			_ = cb.Execute(func() error {
				ran = true
				return tt.trial()
			})

			// Then: its outcome decides the state
			assert.True(t, ran)
			assert.Equal(t, tt.wantState, cb.State())
		})
	}
}

func TestCircuitBreaker_ReopenedCircuitWaitsAgain(t *testing.T) {
	cb := newBackendBreaker(1, 50*time.Millisecond)
	_ = cb.Execute(fail(errRefused))
	time.Sleep(60 * time.Millisecond)

	// A failed trial restarts the reset timeout.
	_ = cb.Execute(fail(errUnavailable))

	assert.Equal(t, StateOpen, cb.State())
	assert.False(t, cb.Allow())
	assert.ErrorIs(t, cb.Execute(succeed), ErrCircuitOpen)
}

func TestCircuitBreaker_HalfOpenAllowsSingleTrial(t *testing.T) {
	// Given: a tripped breaker past its reset timeout
	cb := newBackendBreaker(1, 20*time.Millisecond)
	_ = cb.Execute(fail(errRefused))
	time.Sleep(30 * time.Millisecond)
	require.True(t, cb.Allow())

	// When: a trial bulk request is in flight
	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- cb.Execute(func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	// Then: concurrent requests fail fast
	assert.False(t, cb.Allow())
	assert.ErrorIs(t, cb.Execute(succeed), ErrCircuitOpen)

	// And: the successful trial closes the circuit
	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, StateClosed, cb.State())
	assert.True(t, cb.Allow())
}

func TestCircuitExecuteWithResult_FallbackWhileOpen(t *testing.T) {
	// Given: an open breaker
	cb := newBackendBreaker(1, time.Minute)
	_ = cb.Execute(fail(errRefused))

	// When: submitting a bulk request with a fallback
	applied, err := CircuitExecuteWithResult(cb,
		func() (int, error) { return 10, nil },
		func() (int, error) { return 0, New(ErrCodeBackendUnavailable, "circuit open", ErrCircuitOpen) },
	)

	// Then: the fallback answers for the skipped request
	assert.Zero(t, applied)
	assert.True(t, HasCode(err, ErrCodeBackendUnavailable))
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestCircuitExecuteWithResult_PassesResultThrough(t *testing.T) {
	cb := newBackendBreaker(1, time.Minute)

	applied, err := CircuitExecuteWithResult(cb,
		func() (int, error) { return 9, errRejected },
		func() (int, error) { return 0, ErrCircuitOpen },
	)

	assert.Equal(t, 9, applied)
	assert.Same(t, errRejected, err)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_ManualRecording(t *testing.T) {
	// Given: a breaker fed outcomes observed elsewhere
	cb := newBackendBreaker(3, time.Minute)

	// When: two failures are recorded, then a success
	cb.RecordFailure()
	cb.RecordFailure()
	assert.Equal(t, 2, cb.Failures())
	cb.RecordSuccess()

	// Then: the streak resets
	assert.Zero(t, cb.Failures())
	assert.Equal(t, StateClosed, cb.State())

	// And: failures bypass the trip predicate
	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreaker_ConcurrentBulkRequests(t *testing.T) {
	// Given: a breaker that tolerates many outages
	cb := newBackendBreaker(100, time.Minute)

	// When: workers alternate between applied and refused requests
	var wg sync.WaitGroup
	var applied, refused atomic.Int32
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := cb.Execute(func() error {
				if i%2 == 0 {
					return nil
				}
				return errRefused
			})
			if err == nil {
				applied.Add(1)
			} else {
				refused.Add(1)
			}
		}(i)
	}
	wg.Wait()

	// Then: every request ran and the circuit never opened
	assert.Equal(t, int32(20), applied.Load())
	assert.Equal(t, int32(20), refused.Load())
	assert.Equal(t, StateClosed, cb.State())
}

func TestNewCircuitBreaker_Defaults(t *testing.T) {
	cb := NewCircuitBreaker("es-primary")

	assert.Equal(t, "es-primary", cb.Name())
	assert.Equal(t, 5, cb.maxFailures)
	assert.Equal(t, 30*time.Second, cb.resetTimeout)
	assert.Equal(t, StateClosed, cb.State())
	assert.True(t, cb.Allow())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(9).String())
}

func TestCircuitBreaker_StateChangeHook(t *testing.T) {
	// Given: a breaker that records its transitions
	var mu sync.Mutex
	var changes []string
	cb := newBackendBreaker(2, 20*time.Millisecond,
		WithStateChange(func(name string, from, to State) {
			mu.Lock()
			defer mu.Unlock()
			changes = append(changes, name+":"+from.String()+"->"+to.String())
		}),
	)

	// When: tripping, waiting, then recovering
	_ = cb.Execute(fail(errRefused))
	_ = cb.Execute(fail(errRefused))
	_ = cb.Execute(fail(errRefused))
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, cb.Execute(succeed))

	// Then: each transition is reported once, in order
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		"es-primary:closed->open",
		"es-primary:open->half-open",
		"es-primary:half-open->closed",
	}, changes)
}

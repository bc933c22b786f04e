package errors

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the circuit breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the circuit breaker state.
type State int

const (
	// StateClosed is the normal state where requests are allowed.
	StateClosed State = iota
	// StateOpen is when the circuit is tripped and requests are blocked.
	StateOpen
	// StateHalfOpen lets a single trial through to test whether the backend recovered.
	StateHalfOpen
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker fails submissions fast while a search backend keeps
// refusing work.
//
// Only errors accepted by the trip predicate count as failures. Any other
// outcome, including a rejected document, proves the backend is answering
// and resets the failure count. After the reset timeout one trial request is
// let through; its outcome closes or reopens the circuit.
type CircuitBreaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	tripOn       func(error) bool
	onChange     func(name string, from, to State)

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

// CircuitBreakerOption configures a CircuitBreaker.
type CircuitBreakerOption func(*CircuitBreaker)

// WithMaxFailures sets the number of consecutive failures before opening the circuit.
func WithMaxFailures(n int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.maxFailures = n
	}
}

// WithResetTimeout sets the time to wait before attempting recovery.
func WithResetTimeout(d time.Duration) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.resetTimeout = d
	}
}

// WithTripOn limits which errors count as failures. By default every
// non-nil error does.
func WithTripOn(fn func(error) bool) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.tripOn = fn
	}
}

// WithStateChange registers fn to be called after every state transition.
// fn runs without the breaker lock held.
func WithStateChange(fn func(name string, from, to State)) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.onChange = fn
	}
}

// NewCircuitBreaker creates a new circuit breaker with the given name.
// Default: 5 failures, 30 second reset timeout.
func NewCircuitBreaker(name string, opts ...CircuitBreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:         name,
		maxFailures:  5,
		resetTimeout: 30 * time.Second,
		tripOn:       func(err error) bool { return err != nil },
		state:        StateClosed,
	}

	for _, opt := range opts {
		opt(cb)
	}

	return cb
}

// Name returns the circuit breaker name.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// State returns the current circuit breaker state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentState()
}

// currentState reports an open circuit whose timeout elapsed as half-open.
// Must be called with the lock held.
func (cb *CircuitBreaker) currentState() State {
	if cb.state == StateOpen && time.Since(cb.openedAt) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Failures returns the current consecutive failure count.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// Allow reports whether a request would be let through right now.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.currentState() {
	case StateClosed:
		return true
	case StateHalfOpen:
		return !cb.probing
	default:
		return false
	}
}

// RecordSuccess records a request the backend answered.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.record(false, false)
}

// RecordFailure records a failed request regardless of the trip predicate.
func (cb *CircuitBreaker) RecordFailure() {
	cb.record(true, false)
}

// Execute runs fn through the circuit breaker.
// Returns ErrCircuitOpen if the circuit is open.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	_, err := CircuitExecuteWithResult(cb,
		func() (struct{}, error) { return struct{}{}, fn() },
		func() (struct{}, error) { return struct{}{}, ErrCircuitOpen })
	return err
}

// CircuitExecuteWithResult runs fn through the breaker, calling fallback
// instead while the circuit is open or a recovery trial is in flight.
func CircuitExecuteWithResult[T any](cb *CircuitBreaker, fn func() (T, error), fallback func() (T, error)) (T, error) {
	ok, trial := cb.acquire()
	if !ok {
		return fallback()
	}

	result, err := fn()
	cb.record(err != nil && cb.tripOn(err), trial)
	return result, err
}

// acquire decides whether a request may run and whether it is the
// half-open trial.
func (cb *CircuitBreaker) acquire() (ok, trial bool) {
	cb.mu.Lock()
	var notify func()
	defer func() {
		cb.mu.Unlock()
		if notify != nil {
			notify()
		}
	}()

	switch cb.currentState() {
	case StateClosed:
		return true, false
	case StateHalfOpen:
		if cb.probing {
			return false, false
		}
		cb.probing = true
		notify = cb.transition(StateHalfOpen)
		return true, true
	default:
		return false, false
	}
}

// record applies the outcome of one request.
func (cb *CircuitBreaker) record(failed, trial bool) {
	cb.mu.Lock()
	var notify func()
	defer func() {
		cb.mu.Unlock()
		if notify != nil {
			notify()
		}
	}()

	if trial {
		cb.probing = false
	}
	if !failed {
		cb.failures = 0
		notify = cb.transition(StateClosed)
		return
	}

	cb.failures++
	if trial || cb.failures >= cb.maxFailures {
		cb.openedAt = time.Now()
		notify = cb.transition(StateOpen)
	}
}

// transition moves to state to and returns the pending change callback, or
// nil when nothing changed. Must be called with the lock held.
func (cb *CircuitBreaker) transition(to State) func() {
	from := cb.state
	cb.state = to
	if from == to || cb.onChange == nil {
		return nil
	}
	name, onChange := cb.name, cb.onChange
	return func() { onChange(name, from, to) }
}

package deadline

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/Aman-CERP/indexsync/internal/errors"
)

// Policy decides what happens when a budget runs out.
type Policy int

const (
	// PolicyNone never expires.
	PolicyNone Policy = iota
	// PolicySoftLimit reports expiry and lets callers truncate results.
	PolicySoftLimit
	// PolicyHardException reports expiry as a timeout error.
	PolicyHardException
)

func (p Policy) String() string {
	switch p {
	case PolicySoftLimit:
		return "soft"
	case PolicyHardException:
		return "hard"
	default:
		return "none"
	}
}

// ParsePolicy parses "none", "soft" or "hard".
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "none":
		return PolicyNone, nil
	case "soft":
		return PolicySoftLimit, nil
	case "hard":
		return PolicyHardException, nil
	default:
		return PolicyNone, fmt.Errorf("unknown deadline policy %q", s)
	}
}

// State of a Manager.
type State int32

const (
	StateNotStarted State = iota
	StateRunning
	StateTimedOut
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateTimedOut:
		return "timed_out"
	case StateStopped:
		return "stopped"
	default:
		return "not_started"
	}
}

// Manager tracks one query's budget. IsTimedOut latches: once it reports
// true it keeps reporting true. Checks do not allocate.
//
// A Manager may be checked from several goroutines; Start and Stop must not
// race with each other.
type Manager struct {
	clock  Clock
	budget time.Duration
	policy Policy

	state   atomic.Int32
	partial atomic.Bool
	start   time.Time
	err     error
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces the shared approximate clock.
func WithClock(c Clock) Option {
	return func(m *Manager) {
		m.clock = c
	}
}

// NewManager creates a manager with the given budget and policy.
// A non-positive budget or PolicyNone means unbounded.
func NewManager(budget time.Duration, policy Policy, opts ...Option) *Manager {
	m := &Manager{budget: budget, policy: policy}
	for _, opt := range opts {
		opt(m)
	}
	if m.clock == nil {
		m.clock = Shared()
	}
	return m
}

// Unbounded returns a started manager that never expires.
func Unbounded() *Manager {
	m := NewManager(0, PolicyNone)
	m.Start()
	return m
}

func (m *Manager) bounded() bool {
	return m.policy != PolicyNone && m.budget > 0
}

// Start records the start time. Calling Start on a started manager is a no-op.
func (m *Manager) Start() {
	if State(m.state.Load()) != StateNotStarted {
		return
	}
	m.start = m.clock.Now()
	m.err = errors.New(errors.ErrCodeSearchTimeout,
		fmt.Sprintf("query exceeded its %s budget", m.budget), nil)
	m.state.Store(int32(StateRunning))
}

// State returns the current state.
func (m *Manager) State() State {
	return State(m.state.Load())
}

// Policy returns the manager's policy.
func (m *Manager) Policy() Policy {
	return m.policy
}

// IsTimedOut reports whether the budget is spent, latching the TimedOut
// state the first time it is. Under PolicyHardException the latched call and
// every later one also return the timeout error.
func (m *Manager) IsTimedOut() (bool, error) {
	switch State(m.state.Load()) {
	case StateTimedOut:
		return true, m.timeoutErr()
	case StateRunning:
	default:
		return false, nil
	}
	if !m.bounded() {
		return false, nil
	}
	if m.clock.Now().Sub(m.start) <= m.budget {
		return false, nil
	}
	m.state.CompareAndSwap(int32(StateRunning), int32(StateTimedOut))
	if State(m.state.Load()) != StateTimedOut {
		return false, nil
	}
	return true, m.timeoutErr()
}

// Check returns the timeout error under PolicyHardException once expired and nil otherwise.
func (m *Manager) Check() error {
	_, err := m.IsTimedOut()
	return err
}

func (m *Manager) timeoutErr() error {
	if m.policy == PolicyHardException {
		return m.err
	}
	return nil
}

// RemainingMillis returns the remaining budget rounded up to whole
// milliseconds. ok is false when the budget is unbounded; an expired budget
// returns 0.
func (m *Manager) RemainingMillis() (millis int64, ok bool) {
	if !m.bounded() {
		return 0, false
	}
	switch State(m.state.Load()) {
	case StateNotStarted:
		return ceilMillis(m.budget), true
	case StateTimedOut:
		return 0, true
	}
	left := m.budget - m.clock.Now().Sub(m.start)
	if left <= 0 {
		return 0, true
	}
	return ceilMillis(left), true
}

func ceilMillis(d time.Duration) int64 {
	return int64((d + time.Millisecond - 1) / time.Millisecond)
}

// Stop marks the query finished. A timed-out manager stays timed out.
func (m *Manager) Stop() {
	m.state.CompareAndSwap(int32(StateRunning), int32(StateStopped))
	m.state.CompareAndSwap(int32(StateNotStarted), int32(StateStopped))
}

// MarkPartial flags the results as truncated.
func (m *Manager) MarkPartial() {
	m.partial.Store(true)
}

// IsPartial reports whether results were truncated by a soft limit.
func (m *Manager) IsPartial() bool {
	return m.partial.Load()
}

// Elapsed returns the time since Start, zero if not started.
func (m *Manager) Elapsed() time.Duration {
	if State(m.state.Load()) == StateNotStarted {
		return 0
	}
	return m.clock.Now().Sub(m.start)
}

package deadline

import "time"

// LegacyTimeoutManager exposes the older mutable timeout shape on top of a Manager.
// Each SetTimeout replaces the underlying manager.
type LegacyTimeoutManager struct {
	m      *Manager
	clock  Clock
	policy Policy
}

// NewLegacyTimeoutManager creates an adapter with no timeout configured.
func NewLegacyTimeoutManager(opts ...Option) *LegacyTimeoutManager {
	l := &LegacyTimeoutManager{policy: PolicyHardException}
	scratch := &Manager{}
	for _, opt := range opts {
		opt(scratch)
	}
	l.clock = scratch.clock
	l.reset(0)
	return l
}

func (l *LegacyTimeoutManager) reset(timeout time.Duration) {
	opts := []Option{}
	if l.clock != nil {
		opts = append(opts, WithClock(l.clock))
	}
	l.m = NewManager(timeout, l.policy, opts...)
}

// SetTimeout sets the budget for the next query.
func (l *LegacyTimeoutManager) SetTimeout(timeout time.Duration) {
	l.reset(timeout)
}

// RaiseExceptionOnTimeout selects the hard policy.
func (l *LegacyTimeoutManager) RaiseExceptionOnTimeout() {
	l.policy = PolicyHardException
	l.reset(l.m.budget)
}

// LimitFetchingOnTimeout selects the soft policy.
func (l *LegacyTimeoutManager) LimitFetchingOnTimeout() {
	l.policy = PolicySoftLimit
	l.reset(l.m.budget)
}

// Start starts the current query.
func (l *LegacyTimeoutManager) Start() { l.m.Start() }

// Stop ends the current query.
func (l *LegacyTimeoutManager) Stop() { l.m.Stop() }

// IsTimedOut reports expiry without raising.
func (l *LegacyTimeoutManager) IsTimedOut() bool {
	timedOut, _ := l.m.IsTimedOut()
	return timedOut
}

// TimeoutLeftInMilliseconds returns the remaining budget, or -1 when unbounded.
func (l *LegacyTimeoutManager) TimeoutLeftInMilliseconds() int64 {
	ms, ok := l.m.RemainingMillis()
	if !ok {
		return -1
	}
	return ms
}

// Manager returns the underlying manager.
func (l *LegacyTimeoutManager) Manager() *Manager {
	return l.m
}

package deadline

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/indexsync/internal/errors"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestManager_StateMachine(t *testing.T) {
	clock := newFakeClock()
	m := NewManager(100*time.Millisecond, PolicySoftLimit, WithClock(clock))
	assert.Equal(t, StateNotStarted, m.State())

	m.Start()
	assert.Equal(t, StateRunning, m.State())

	clock.Advance(150 * time.Millisecond)
	timedOut, err := m.IsTimedOut()
	assert.True(t, timedOut)
	assert.NoError(t, err)
	assert.Equal(t, StateTimedOut, m.State())

	// Stop does not clear the timeout
	m.Stop()
	assert.Equal(t, StateTimedOut, m.State())
}

func TestManager_StopBeforeExpiry(t *testing.T) {
	clock := newFakeClock()
	m := NewManager(100*time.Millisecond, PolicyHardException, WithClock(clock))
	m.Start()
	m.Stop()

	clock.Advance(time.Second)
	timedOut, err := m.IsTimedOut()
	assert.False(t, timedOut)
	assert.NoError(t, err)
	assert.Equal(t, StateStopped, m.State())
}

func TestManager_TimeoutIsMonotonic(t *testing.T) {
	for _, policy := range []Policy{PolicySoftLimit, PolicyHardException} {
		t.Run(policy.String(), func(t *testing.T) {
			// Given a manager that has expired once
			clock := newFakeClock()
			m := NewManager(10*time.Millisecond, policy, WithClock(clock))
			m.Start()
			clock.Advance(11 * time.Millisecond)
			first, _ := m.IsTimedOut()
			require.True(t, first)

			// When the clock is read again, even moved backwards
			clock.Advance(-time.Hour)

			// Then it stays timed out
			for i := 0; i < 5; i++ {
				timedOut, _ := m.IsTimedOut()
				assert.True(t, timedOut)
			}
		})
	}
}

func TestManager_HardPolicyRaises(t *testing.T) {
	clock := newFakeClock()
	m := NewManager(10*time.Millisecond, PolicyHardException, WithClock(clock))
	m.Start()

	assert.NoError(t, m.Check())

	clock.Advance(20 * time.Millisecond)
	err := m.Check()
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeSearchTimeout))

	// The same preallocated error is returned each time
	assert.Same(t, err, m.Check())
}

func TestManager_RemainingMillis(t *testing.T) {
	clock := newFakeClock()
	m := NewManager(100*time.Millisecond, PolicySoftLimit, WithClock(clock))

	ms, ok := m.RemainingMillis()
	assert.True(t, ok)
	assert.Equal(t, int64(100), ms)

	m.Start()
	clock.Advance(40*time.Millisecond + 500*time.Microsecond)
	ms, ok = m.RemainingMillis()
	assert.True(t, ok)
	assert.Equal(t, int64(60), ms, "59.5ms rounds up")

	clock.Advance(time.Second)
	ms, ok = m.RemainingMillis()
	assert.True(t, ok)
	assert.Equal(t, int64(0), ms)
}

func TestManager_Unbounded(t *testing.T) {
	m := Unbounded()
	_, ok := m.RemainingMillis()
	assert.False(t, ok)

	timedOut, err := m.IsTimedOut()
	assert.False(t, timedOut)
	assert.NoError(t, err)

	// Zero budget with a policy is unbounded too
	m = NewManager(0, PolicyHardException, WithClock(newFakeClock()))
	m.Start()
	timedOut, _ = m.IsTimedOut()
	assert.False(t, timedOut)
}

func TestManager_Partial(t *testing.T) {
	m := NewManager(time.Second, PolicySoftLimit, WithClock(newFakeClock()))
	assert.False(t, m.IsPartial())
	m.MarkPartial()
	assert.True(t, m.IsPartial())
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("hard")
	require.NoError(t, err)
	assert.Equal(t, PolicyHardException, p)

	_, err = ParsePolicy("strict")
	assert.Error(t, err)
}

func TestApproxClock_AdvancesAndStops(t *testing.T) {
	// Given a started clock
	c := NewApproxClock(time.Millisecond)
	c.EnsureStarted()
	c.EnsureStarted()
	start := c.Now()

	// When time passes
	require.Eventually(t, func() bool {
		return c.Now().After(start)
	}, time.Second, time.Millisecond)

	// Then after Stop the reading freezes
	c.Stop()
	frozen := c.Now()
	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, frozen, c.Now())

	// And Stop is idempotent
	c.Stop()
}

func TestApproxClock_NeverGoesBackwards(t *testing.T) {
	c := NewApproxClock(time.Millisecond)
	c.EnsureStarted()
	defer c.Stop()

	prev := c.Now()
	for i := 0; i < 1000; i++ {
		now := c.Now()
		assert.False(t, now.Before(prev))
		prev = now
	}
}

func TestLegacyTimeoutManager(t *testing.T) {
	clock := newFakeClock()
	l := NewLegacyTimeoutManager(WithClock(clock))
	assert.Equal(t, int64(-1), l.TimeoutLeftInMilliseconds())

	l.SetTimeout(50 * time.Millisecond)
	l.LimitFetchingOnTimeout()
	l.Start()
	assert.Equal(t, int64(50), l.TimeoutLeftInMilliseconds())

	clock.Advance(60 * time.Millisecond)
	assert.True(t, l.IsTimedOut())
	assert.Equal(t, PolicySoftLimit, l.Manager().Policy())
	assert.NoError(t, l.Manager().Check())
}

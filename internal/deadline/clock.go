// Package deadline tracks per-query time budgets.
//
// Budgets are checked from hot loops, so the current time comes from an
// ApproxClock: one ticker goroutine refreshes a shared atomic counter and
// readers never make a syscall.
package deadline

import (
	"sync"
	"sync/atomic"
	"time"
)

// DefaultResolution is the refresh interval of the shared clock.
const DefaultResolution = 5 * time.Millisecond

// Clock reports the current time.
type Clock interface {
	Now() time.Time
}

// ApproxClock is a lazily started, coarse monotonic clock.
type ApproxClock struct {
	base       time.Time
	elapsed    atomic.Int64
	resolution time.Duration

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// NewApproxClock creates a stopped clock ticking every resolution once started.
func NewApproxClock(resolution time.Duration) *ApproxClock {
	if resolution <= 0 {
		resolution = DefaultResolution
	}
	return &ApproxClock{
		base:       time.Now(),
		resolution: resolution,
	}
}

var shared = NewApproxClock(DefaultResolution)

// Shared returns the process-wide clock, starting it on first use.
func Shared() *ApproxClock {
	shared.EnsureStarted()
	return shared
}

// EnsureStarted starts the ticker goroutine if it is not running.
func (c *ApproxClock) EnsureStarted() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return
	}
	c.running = true
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	c.tick()
	go c.loop(c.stop, c.done)
}

// Stop halts the ticker. The clock keeps returning its last reading until restarted.
func (c *ApproxClock) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	stop, done := c.stop, c.done
	c.mu.Unlock()

	close(stop)
	<-done
}

// Now returns the last sampled time. It never goes backwards.
func (c *ApproxClock) Now() time.Time {
	return c.base.Add(time.Duration(c.elapsed.Load()))
}

func (c *ApproxClock) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(c.resolution)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.tick()
		}
	}
}

func (c *ApproxClock) tick() {
	// time.Since uses the monotonic reading taken with base.
	next := int64(time.Since(c.base))
	for {
		cur := c.elapsed.Load()
		if next <= cur || c.elapsed.CompareAndSwap(cur, next) {
			return
		}
	}
}

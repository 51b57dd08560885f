package testutil

import (
	"context"
	"sync"
	"time"
)

// FakeClock provides a thread-safe manual physical clock for tests.
//
// It satisfies the runtime's Clock interface without importing it, so
// the engine package can use FakeClock in its own tests. Time moves
// only when the test calls Advance or SetNow, or when the runtime
// sleeps until a deadline (WaitUntil jumps straight to it). The same
// scenario with the same FakeClock produces identical timestamps on
// every run.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type FakeClock struct {
	mu  sync.Mutex
	now int64
}

// NewFakeClock creates a clock reading t nanoseconds.
func NewFakeClock(t int64) *FakeClock {
	return &FakeClock{now: t}
}

// Now returns the current reading in nanoseconds.
//
// Thread-safe: uses mutex to protect the reading.
func (c *FakeClock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d and returns the new reading.
//
// Negative d is ignored: the clock never runs backward through Advance.
func (c *FakeClock) Advance(d time.Duration) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d > 0 {
		c.now += int64(d)
	}
	return c.now
}

// SetNow jumps the clock to an absolute reading. Unlike Advance it may
// move backward, which clock-synchronization tests need.
func (c *FakeClock) SetNow(t int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// WaitUntil jumps the clock forward to t and reports that the deadline
// arrived. It never blocks: tests drive time without real sleeping, and
// the caller re-checks its own state on return anyway. The context and
// wake channel are ignored for the same reason.
func (c *FakeClock) WaitUntil(_ context.Context, t int64, _ <-chan struct{}) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t > c.now {
		c.now = t
	}
	return true
}

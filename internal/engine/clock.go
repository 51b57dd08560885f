package engine

import (
	"context"
	"sync/atomic"
	"time"
)

// Clock supplies physical time to the engine. Logical time never reads
// the clock directly; the run loop consults it to pace real-time
// execution, stamp physical actions, and check deadlines.
type Clock interface {
	// Now returns the current physical time in nanoseconds.
	Now() int64

	// WaitUntil blocks until physical time reaches t, the context is
	// cancelled, or wake fires. Returns true only when t was reached.
	WaitUntil(ctx context.Context, t int64, wake <-chan struct{}) bool
}

// SystemClock reads the operating system clock, shifted by an offset
// that clock synchronization may adjust while the engine runs.
type SystemClock struct {
	offset atomic.Int64
}

// NewSystemClock returns a SystemClock with zero offset.
func NewSystemClock() *SystemClock {
	return &SystemClock{}
}

// Now returns the adjusted physical time in nanoseconds.
func (c *SystemClock) Now() int64 {
	return time.Now().UnixNano() + c.offset.Load()
}

// Adjust shifts the clock by delta. Positive values move it forward.
func (c *SystemClock) Adjust(delta time.Duration) {
	c.offset.Add(int64(delta))
}

// Offset returns the accumulated adjustment.
func (c *SystemClock) Offset() time.Duration {
	return time.Duration(c.offset.Load())
}

// WaitUntil sleeps until the adjusted clock reaches t. The loop
// re-reads the clock after every timer fire so offset adjustments made
// during the sleep shorten or extend it.
func (c *SystemClock) WaitUntil(ctx context.Context, t int64, wake <-chan struct{}) bool {
	for {
		now := c.Now()
		if now >= t {
			return true
		}
		timer := time.NewTimer(time.Duration(t - now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-wake:
			timer.Stop()
			return false
		case <-timer.C:
		}
	}
}

package clock

import (
	"sync/atomic"
	"time"
)

// Manual is a deterministic Clock for tests. Every BusyWait advances the
// clock by exactly the requested duration, so code that polls with bounded
// waits observes precise, repeatable timeouts.
type Manual struct {
	ticks atomic.Uint64
}

// NewManual returns a Manual clock starting at tick zero.
func NewManual() *Manual {
	return &Manual{}
}

func (c *Manual) BusyWait(d time.Duration) {
	if d <= 0 {
		return
	}
	c.ticks.Add(uint64(d / TickGranularity))
}

func (c *Manual) Ticks() uint64 {
	return c.ticks.Load()
}

// Advance moves the clock forward without a waiter.
func (c *Manual) Advance(d time.Duration) {
	c.BusyWait(d)
}

var _ Clock = (*Manual)(nil)

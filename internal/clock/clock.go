// Package clock provides the reference time source used for boot timing and
// timer calibration. It is deliberately separate from spin-hint backoff: a
// Clock supplies known-duration delays and a monotonic tick count, nothing
// else.
package clock

import "time"

// TickGranularity is the resolution of the monotonic tick count.
const TickGranularity = time.Microsecond

// Clock is the external time source consumed by the bring-up core.
type Clock interface {
	// BusyWait blocks the caller for at least d.
	BusyWait(d time.Duration)

	// Ticks returns a monotonic microsecond count.
	Ticks() uint64
}

type realClock struct {
	start time.Time
}

// New returns a Clock backed by the host monotonic clock.
func New() Clock {
	return &realClock{start: time.Now()}
}

func (c *realClock) BusyWait(d time.Duration) {
	// time.Sleep has the required lower bound; a true busy loop would only
	// burn host CPU for the same observable effect.
	time.Sleep(d)
}

func (c *realClock) Ticks() uint64 {
	return uint64(time.Since(c.start) / TickGranularity)
}

// Package spin implements the test-and-set spinlock used to guard short
// critical sections shared across CPUs. Locks are non-reentrant and do not
// touch the interrupt state; callers that need both compose the interrupt
// primitives with the lock.
package spin

import (
	"runtime"
	"sync/atomic"

	"github.com/tinyrange/smpcore/internal/assert"
)

// NoOwner marks an acquisition from a context with no CPU identity (early
// boot, or a non-CPU goroutine).
const NoOwner int32 = -1

// Lock is a word-sized test-and-set spinlock with debug owner tracking.
// The zero value is an unlocked lock.
type Lock struct {
	state atomic.Uint32

	// owner is debug bookkeeping only; it is written while the lock is held.
	owner atomic.Int32
	site  atomic.Pointer[string]
}

// Acquire spins until the lock is held, recording owner as the holder.
// Acquiring a lock the caller already holds deadlocks; with assertions on it
// panics instead.
func (l *Lock) Acquire(owner int32) {
	if owner != NoOwner && assert.Enabled() && l.state.Load() == 1 && l.owner.Load() == owner {
		assert.Failf("spinlock recursion on cpu %d (held at %s)", owner, l.heldAt())
	}
	for !l.state.CompareAndSwap(0, 1) {
		// Relaxed-read backoff: stay off the contended line until it looks
		// free, yielding in place of a hardware pause hint.
		for l.state.Load() == 1 {
			runtime.Gosched()
		}
	}
	l.owner.Store(owner)
	if assert.Enabled() {
		l.recordSite()
	}
}

// TryAcquire attempts a single test-and-set and reports success.
func (l *Lock) TryAcquire(owner int32) bool {
	if !l.state.CompareAndSwap(0, 1) {
		return false
	}
	l.owner.Store(owner)
	if assert.Enabled() {
		l.recordSite()
	}
	return true
}

// Release unlocks the lock. Releasing an unheld lock trips an assertion.
func (l *Lock) Release() {
	if l.state.Load() == 0 {
		assert.Failf("release of unheld spinlock")
		return
	}
	l.owner.Store(NoOwner)
	l.state.Store(0)
}

// Held reports whether the lock is currently held by anyone.
func (l *Lock) Held() bool { return l.state.Load() == 1 }

// Holder returns the owner recorded at acquire, or NoOwner.
func (l *Lock) Holder() int32 {
	if l.state.Load() == 0 {
		return NoOwner
	}
	return l.owner.Load()
}

func (l *Lock) recordSite() {
	if _, file, line, ok := runtime.Caller(2); ok {
		site := file + ":" + itoa(line)
		l.site.Store(&site)
	}
}

func (l *Lock) heldAt() string {
	if s := l.site.Load(); s != nil {
		return *s
	}
	return "unknown"
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [12]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

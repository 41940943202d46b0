// Package assert implements the debug-only assertion switch. When Enabled is
// false the checks cost a branch and the offending operation proceeds as the
// hardware would; when true, programming errors panic with a diagnostic.
package assert

import (
	"fmt"
	"sync/atomic"
)

var enabled atomic.Bool

// SetEnabled toggles debug assertions process-wide.
func SetEnabled(on bool) { enabled.Store(on) }

// Enabled reports whether debug assertions are active.
func Enabled() bool { return enabled.Load() }

// Failf panics with a formatted diagnostic when assertions are enabled.
// It returns (rather than panicking) when they are not.
func Failf(format string, args ...any) {
	if enabled.Load() {
		panic("assert: " + fmt.Sprintf(format, args...))
	}
}

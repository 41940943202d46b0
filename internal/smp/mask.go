package smp

import (
	"fmt"
	"math/bits"
	"strings"
)

// CPUMask is a set of logical CPU ids. The fixed CPU limit keeps it a single
// word, so reads and writes are cheap and lock-free snapshots are trivial.
type CPUMask uint64

// Set returns the mask with id added.
func (m CPUMask) Set(id int) CPUMask {
	if id < 0 || id >= MaxCPUs {
		return m
	}
	return m | 1<<id
}

// Clear returns the mask with id removed.
func (m CPUMask) Clear(id int) CPUMask {
	if id < 0 || id >= MaxCPUs {
		return m
	}
	return m &^ (1 << id)
}

// Test reports whether id is in the mask.
func (m CPUMask) Test(id int) bool {
	if id < 0 || id >= MaxCPUs {
		return false
	}
	return m&(1<<id) != 0
}

// Weight returns the number of CPUs in the mask.
func (m CPUMask) Weight() int { return bits.OnesCount64(uint64(m)) }

// Empty reports whether no CPU is in the mask.
func (m CPUMask) Empty() bool { return m == 0 }

// ForEach calls fn for each id in the mask in ascending order.
func (m CPUMask) ForEach(fn func(id int)) {
	for v := uint64(m); v != 0; {
		id := bits.TrailingZeros64(v)
		v &^= 1 << id
		fn(id)
	}
}

// String renders the mask as a compact id list, e.g. "{0,1,3}".
func (m CPUMask) String() string {
	var b strings.Builder
	b.WriteByte('{')
	first := true
	m.ForEach(func(id int) {
		if !first {
			b.WriteByte(',')
		}
		first = false
		fmt.Fprintf(&b, "%d", id)
	})
	b.WriteByte('}')
	return b.String()
}

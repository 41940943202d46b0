package apic

import (
	"errors"

	"github.com/tinyrange/smpcore/internal/spin"
)

// Fixed vector assignments. Vectors below 0x20 belong to CPU exceptions and
// are never handed out; the top of the space is reserved for system sources.
const (
	VectorExceptionLimit uint8 = 0x20

	VectorCMCI     uint8 = 0xEB
	VectorPerf     uint8 = 0xEC
	VectorThermal  uint8 = 0xED
	VectorError    uint8 = 0xEE
	VectorTimer    uint8 = 0xEF
	VectorIPIBase  uint8 = 0xF0
	VectorSpurious uint8 = 0xFF
)

// ErrVectorExhausted is returned when every allocatable vector is in use.
var ErrVectorExhausted = errors.New("apic: vector space exhausted")

// VectorAllocator owns the 256-bit bitmap of assigned interrupt vectors.
// A vector is either free, system-reserved, or owned by exactly one handler.
type VectorAllocator struct {
	lock     spin.Lock
	bitmap   [4]uint64 // allocated vectors
	reserved [4]uint64 // fixed at construction, never allocated
}

// NewVectorAllocator builds an allocator with the architectural reservations
// in place.
func NewVectorAllocator() *VectorAllocator {
	a := &VectorAllocator{}
	for v := 0; v < int(VectorExceptionLimit); v++ {
		a.reserved[v/64] |= 1 << (v % 64)
	}
	for v := int(VectorCMCI); v <= int(VectorSpurious); v++ {
		a.reserved[v/64] |= 1 << (v % 64)
	}
	return a
}

// Alloc returns the lowest free vector in the general allocation pool.
func (a *VectorAllocator) Alloc() (uint8, error) {
	a.lock.Acquire(spin.NoOwner)
	defer a.lock.Release()

	for v := int(VectorExceptionLimit); v < int(VectorCMCI); v++ {
		word, bit := v/64, uint64(1)<<(v%64)
		if a.bitmap[word]&bit == 0 {
			a.bitmap[word] |= bit
			return uint8(v), nil
		}
	}
	return 0, ErrVectorExhausted
}

// Free releases a previously allocated vector. Freeing a reserved or
// unallocated vector is ignored.
func (a *VectorAllocator) Free(vector uint8) {
	a.lock.Acquire(spin.NoOwner)
	defer a.lock.Release()

	word, bit := int(vector)/64, uint64(1)<<(vector%64)
	if a.reserved[word]&bit != 0 {
		return
	}
	a.bitmap[word] &^= bit
}

// Allocated reports whether the vector is currently owned by a handler.
func (a *VectorAllocator) Allocated(vector uint8) bool {
	a.lock.Acquire(spin.NoOwner)
	defer a.lock.Release()
	return a.bitmap[vector/64]&(1<<(vector%64)) != 0
}

// Reserved reports whether the vector belongs to the fixed system set.
func (a *VectorAllocator) Reserved(vector uint8) bool {
	return a.reserved[vector/64]&(1<<(vector%64)) != 0
}

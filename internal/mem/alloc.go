// Package mem implements the page allocator collaborator: single-page
// allocation over guest RAM with a dedicated low-memory pool for real-mode
// bootstrap code.
package mem

import (
	"errors"
	"fmt"
	"math/bits"
	"sync"

	"github.com/tinyrange/smpcore/internal/hw"
)

// PageSize is the allocation granule.
const PageSize = 4096

// lowLimit is the first address above the real-mode addressable window.
const lowLimit = 0x100000

// ErrOutOfMemory is returned when no free page satisfies a request.
var ErrOutOfMemory = errors.New("mem: out of memory")

// Allocator hands out single physical pages from guest RAM. Page zero is
// never allocated. Pages below 1 MiB form the low pool used for the AP
// trampoline; general allocations come from the region above it.
type Allocator struct {
	mu sync.Mutex

	base   uint64
	pages  uint64
	bitmap []uint64 // set bit = allocated
}

// NewAllocator builds an allocator managing every page of the given RAM.
func NewAllocator(m *hw.Memory) *Allocator {
	pages := m.Size() / PageSize
	a := &Allocator{
		base:   m.Base(),
		pages:  pages,
		bitmap: make([]uint64, (pages+63)/64),
	}
	// Page zero stays reserved so a zero address can signal failure.
	if pages > 0 && a.base == 0 {
		a.setBit(0)
	}
	return a
}

// AllocPage returns one free page at or above 1 MiB.
func (a *Allocator) AllocPage() (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.scan(a.pageIndex(lowLimit), a.pages)
}

// AllocLowPage returns one free page below 1 MiB, for code that must be
// reachable from real mode.
func (a *Allocator) AllocLowPage() (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.scan(0, a.pageIndex(lowLimit))
}

// FreePage releases a previously allocated page.
func (a *Allocator) FreePage(addr uint64) error {
	if addr%PageSize != 0 {
		return fmt.Errorf("mem: free of unaligned address 0x%x", addr)
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	idx := (addr - a.base) / PageSize
	if addr < a.base || idx >= a.pages {
		return fmt.Errorf("mem: free of address 0x%x outside RAM", addr)
	}
	if !a.testBit(idx) {
		return fmt.Errorf("mem: double free of page 0x%x", addr)
	}
	a.clearBit(idx)
	return nil
}

// Reserve marks every page overlapping [addr, addr+size) as allocated, so
// firmware regions never get handed out. Already-allocated pages are left
// alone.
func (a *Allocator) Reserve(addr, size uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	first := a.pageIndex(addr)
	last := a.pageIndex(addr + size + PageSize - 1)
	for idx := first; idx < last && idx < a.pages; idx++ {
		a.setBit(idx)
	}
}

// FreePages reports how many pages are currently free.
func (a *Allocator) FreePages() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	var used uint64
	for _, word := range a.bitmap {
		used += uint64(bits.OnesCount64(word))
	}
	return a.pages - used
}

func (a *Allocator) scan(start, end uint64) (uint64, error) {
	if end > a.pages {
		end = a.pages
	}
	for idx := start; idx < end; idx++ {
		if !a.testBit(idx) {
			a.setBit(idx)
			return a.base + idx*PageSize, nil
		}
	}
	return 0, ErrOutOfMemory
}

func (a *Allocator) pageIndex(addr uint64) uint64 {
	if addr <= a.base {
		return 0
	}
	return (addr - a.base) / PageSize
}

func (a *Allocator) testBit(idx uint64) bool { return a.bitmap[idx/64]&(1<<(idx%64)) != 0 }
func (a *Allocator) setBit(idx uint64)       { a.bitmap[idx/64] |= 1 << (idx % 64) }
func (a *Allocator) clearBit(idx uint64)     { a.bitmap[idx/64] &^= 1 << (idx % 64) }

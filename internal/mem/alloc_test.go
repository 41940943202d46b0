package mem

import (
	"errors"
	"testing"

	"github.com/tinyrange/smpcore/internal/hw"
)

func TestAllocPageAboveLowMemory(t *testing.T) {
	a := NewAllocator(hw.NewMemory(0, 4<<20))

	addr, err := a.AllocPage()
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if addr < 0x100000 {
		t.Fatalf("general allocation at 0x%x, want at or above 1 MiB", addr)
	}
	if addr%PageSize != 0 {
		t.Fatalf("allocation at 0x%x not page aligned", addr)
	}
}

func TestAllocLowPage(t *testing.T) {
	a := NewAllocator(hw.NewMemory(0, 4<<20))

	addr, err := a.AllocLowPage()
	if err != nil {
		t.Fatalf("alloc low: %v", err)
	}
	if addr == 0 {
		t.Fatalf("page zero handed out")
	}
	if addr >= 0x100000 {
		t.Fatalf("low allocation at 0x%x, want below 1 MiB", addr)
	}
}

func TestFreePageErrors(t *testing.T) {
	a := NewAllocator(hw.NewMemory(0, 4<<20))

	addr, err := a.AllocPage()
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if err := a.FreePage(addr + 8); err == nil {
		t.Fatalf("expected error for unaligned free")
	}
	if err := a.FreePage(1 << 40); err == nil {
		t.Fatalf("expected error for free outside RAM")
	}
	if err := a.FreePage(addr); err != nil {
		t.Fatalf("free: %v", err)
	}
	if err := a.FreePage(addr); err == nil {
		t.Fatalf("expected error for double free")
	}
}

func TestAllocFreeRoundTrip(t *testing.T) {
	a := NewAllocator(hw.NewMemory(0, 4<<20))

	before := a.FreePages()
	addr, err := a.AllocPage()
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if got := a.FreePages(); got != before-1 {
		t.Fatalf("free pages = %d after alloc, want %d", got, before-1)
	}
	if err := a.FreePage(addr); err != nil {
		t.Fatalf("free: %v", err)
	}
	if got := a.FreePages(); got != before {
		t.Fatalf("free pages = %d after free, want %d", got, before)
	}

	// The freed page is reusable.
	again, err := a.AllocPage()
	if err != nil {
		t.Fatalf("realloc: %v", err)
	}
	if again != addr {
		t.Fatalf("realloc at 0x%x, want lowest free page 0x%x", again, addr)
	}
}

func TestReserve(t *testing.T) {
	a := NewAllocator(hw.NewMemory(0, 4<<20))

	before := a.FreePages()
	a.Reserve(0x100000, 3*PageSize)
	if got := a.FreePages(); got != before-3 {
		t.Fatalf("free pages = %d after reserve, want %d", got, before-3)
	}

	// Allocation skips past the reserved region.
	addr, err := a.AllocPage()
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if addr != 0x100000+3*PageSize {
		t.Fatalf("alloc at 0x%x, want first page past the reservation", addr)
	}

	// Reserving over an allocated page is a no-op for that page.
	a.Reserve(addr, PageSize)
	if err := a.FreePage(addr); err != nil {
		t.Fatalf("free: %v", err)
	}
}

func TestExhaustion(t *testing.T) {
	// 2 MiB of RAM: 256 low pages (one reserved) and 256 general pages.
	a := NewAllocator(hw.NewMemory(0, 2<<20))

	for i := 0; i < 256; i++ {
		if _, err := a.AllocPage(); err != nil {
			t.Fatalf("alloc %d: %v", i, err)
		}
	}
	if _, err := a.AllocPage(); !errors.Is(err, ErrOutOfMemory) {
		t.Fatalf("err = %v, want ErrOutOfMemory", err)
	}

	// The low pool is independent and still has pages.
	if _, err := a.AllocLowPage(); err != nil {
		t.Fatalf("low pool exhausted early: %v", err)
	}
}

package hw

import (
	"fmt"
	"sync"
)

type mmioBinding struct {
	region  MMIORegion
	handler MemoryMappedIODevice
}

// Bus dispatches physical memory accesses to either RAM or a registered MMIO
// device. Device windows take priority over RAM; overlapping windows are
// rejected at registration time.
type Bus struct {
	mu sync.RWMutex

	mem      *Memory
	bindings []mmioBinding
}

// NewBus builds a bus backed by the provided RAM.
func NewBus(mem *Memory) *Bus {
	return &Bus{mem: mem}
}

// Memory returns the RAM backing the bus.
func (b *Bus) Memory() *Memory { return b.mem }

// MapDevice registers all MMIO windows of a device on the bus.
func (b *Bus) MapDevice(dev MemoryMappedIODevice) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, region := range dev.MMIORegions() {
		if region.Size == 0 {
			return fmt.Errorf("hw: MMIO region at 0x%x has zero size", region.Address)
		}
		if region.Address+region.Size < region.Address {
			return fmt.Errorf("hw: MMIO region at 0x%x with size 0x%x overflows", region.Address, region.Size)
		}
		for _, existing := range b.bindings {
			if regionsOverlap(region, existing.region) {
				return fmt.Errorf(
					"hw: MMIO region 0x%x-0x%x overlaps existing region 0x%x-0x%x",
					region.Address, region.Address+region.Size-1,
					existing.region.Address, existing.region.Address+existing.region.Size-1)
			}
		}
		b.bindings = append(b.bindings, mmioBinding{region: region, handler: dev})
	}
	return nil
}

// Read dispatches a physical read to a device window or RAM.
func (b *Bus) Read(addr uint64, data []byte) error {
	if dev := b.lookup(addr, uint64(len(data))); dev != nil {
		return dev.ReadMMIO(addr, data)
	}
	_, err := b.mem.ReadAt(data, int64(addr))
	return err
}

// Write dispatches a physical write to a device window or RAM.
func (b *Bus) Write(addr uint64, data []byte) error {
	if dev := b.lookup(addr, uint64(len(data))); dev != nil {
		return dev.WriteMMIO(addr, data)
	}
	_, err := b.mem.WriteAt(data, int64(addr))
	return err
}

func (b *Bus) lookup(addr, size uint64) MemoryMappedIODevice {
	b.mu.RLock()
	defer b.mu.RUnlock()

	end := addr + size
	if end < addr {
		return nil
	}
	for _, binding := range b.bindings {
		start := binding.region.Address
		if addr >= start && end <= start+binding.region.Size {
			return binding.handler
		}
	}
	return nil
}

func regionsOverlap(a, b MMIORegion) bool {
	return a.Address < b.Address+b.Size && b.Address < a.Address+a.Size
}

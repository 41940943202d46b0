package hw

import "fmt"

// MMIORegion describes a contiguous memory-mapped register window.
type MMIORegion struct {
	Address uint64
	Size    uint64
}

// MemoryMappedIODevice is implemented by devices exposing MMIO register files.
type MemoryMappedIODevice interface {
	MMIORegions() []MMIORegion

	ReadMMIO(addr uint64, data []byte) error
	WriteMMIO(addr uint64, data []byte) error
}

// SimpleMMIODevice adapts plain functions to MemoryMappedIODevice.
type SimpleMMIODevice struct {
	Regions []MMIORegion

	ReadFunc  func(addr uint64, data []byte) error
	WriteFunc func(addr uint64, data []byte) error
}

func (d SimpleMMIODevice) MMIORegions() []MMIORegion { return d.Regions }

func (d SimpleMMIODevice) ReadMMIO(addr uint64, data []byte) error {
	if d.ReadFunc != nil {
		return d.ReadFunc(addr, data)
	}
	return fmt.Errorf("hw: unhandled read from MMIO address 0x%X", addr)
}

func (d SimpleMMIODevice) WriteMMIO(addr uint64, data []byte) error {
	if d.WriteFunc != nil {
		return d.WriteFunc(addr, data)
	}
	return fmt.Errorf("hw: unhandled write to MMIO address 0x%X", addr)
}

var _ MemoryMappedIODevice = SimpleMMIODevice{}

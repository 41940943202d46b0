package hw

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Memory models guest physical RAM as a flat byte slice starting at a base
// physical address. It implements io.ReaderAt and io.WriterAt over physical
// addresses so firmware tables and boot structures can be written with
// ordinary I/O patterns.
type Memory struct {
	base uint64
	data []byte
}

// NewMemory allocates size bytes of guest RAM at the given physical base.
func NewMemory(base, size uint64) *Memory {
	return &Memory{base: base, data: make([]byte, size)}
}

func (m *Memory) Base() uint64 { return m.base }
func (m *Memory) Size() uint64 { return uint64(len(m.data)) }

// Contains reports whether [addr, addr+size) lies entirely inside RAM.
func (m *Memory) Contains(addr, size uint64) bool {
	if addr < m.base {
		return false
	}
	end := addr + size
	if end < addr {
		return false
	}
	return end <= m.base+uint64(len(m.data))
}

// ReadAt implements io.ReaderAt over physical addresses.
func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	if !m.Contains(uint64(off), uint64(len(p))) {
		return 0, fmt.Errorf("hw: read outside RAM: 0x%x+%d", off, len(p))
	}
	copy(p, m.data[uint64(off)-m.base:])
	return len(p), nil
}

// WriteAt implements io.WriterAt over physical addresses.
func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	if !m.Contains(uint64(off), uint64(len(p))) {
		return 0, fmt.Errorf("hw: write outside RAM: 0x%x+%d", off, len(p))
	}
	copy(m.data[uint64(off)-m.base:], p)
	return len(p), nil
}

// Read32 reads a little-endian 32-bit word at addr.
func (m *Memory) Read32(addr uint64) (uint32, error) {
	var buf [4]byte
	if _, err := m.ReadAt(buf[:], int64(addr)); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// Write32 writes a little-endian 32-bit word at addr.
func (m *Memory) Write32(addr uint64, value uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	_, err := m.WriteAt(buf[:], int64(addr))
	return err
}

// Read64 reads a little-endian 64-bit word at addr.
func (m *Memory) Read64(addr uint64) (uint64, error) {
	var buf [8]byte
	if _, err := m.ReadAt(buf[:], int64(addr)); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

var (
	_ io.ReaderAt = (*Memory)(nil)
	_ io.WriterAt = (*Memory)(nil)
)

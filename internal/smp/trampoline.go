package smp

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"github.com/tinyrange/smpcore/internal/hw"
)

// trampolineLandingOffset is where the 32-bit landing address sits inside
// the trampoline page.
const trampolineLandingOffset = 0xFF8

// trampolineCode is the real-mode startup stub. A CPU entering here runs
// with cs set to the trampoline page segment; the stub normalizes the data
// segments, loads the patched landing address, and jumps to it.
var trampolineCode = []byte{
	0xFA,       // cli
	0xFC,       // cld
	0x8C, 0xC8, // mov ax, cs
	0x8E, 0xD8, // mov ds, ax
	0x8E, 0xC0, // mov es, ax
	0x8E, 0xD0, // mov ss, ax
	0x66, 0xA1, 0xF8, 0x0F, // mov eax, [0x0ff8]
	0x66, 0xFF, 0xE0, // jmp eax
	0xF4, // hlt
}

// Trampoline is the low-memory page application processors start from. The
// coordinator owns it for the duration of bring-up and frees it afterwards.
type Trampoline struct {
	mem     *hw.Memory
	alloc   PageAllocator
	addr    uint64
	landing uint32
}

// NewTrampoline allocates a page below 1 MiB and installs the startup stub.
func NewTrampoline(m *hw.Memory, alloc PageAllocator) (*Trampoline, error) {
	addr, err := alloc.AllocLowPage()
	if err != nil {
		return nil, fmt.Errorf("smp: allocate trampoline page: %w", err)
	}
	if _, err := m.WriteAt(trampolineCode, int64(addr)); err != nil {
		alloc.FreePage(addr)
		return nil, fmt.Errorf("smp: install trampoline: %w", err)
	}
	return &Trampoline{mem: m, alloc: alloc, addr: addr}, nil
}

// Addr returns the page's physical address.
func (t *Trampoline) Addr() uint64 { return t.addr }

// Page returns the page number carried in a STARTUP message.
func (t *Trampoline) Page() uint8 { return uint8(t.addr >> 12) }

// Patch writes the landing address into the page's landing word. The next
// CPU started through the trampoline jumps there.
func (t *Trampoline) Patch(landing uint32) error {
	if err := t.mem.Write32(t.addr+trampolineLandingOffset, landing); err != nil {
		return fmt.Errorf("smp: patch trampoline: %w", err)
	}
	t.landing = landing
	return nil
}

// Landing returns the last patched landing address.
func (t *Trampoline) Landing() uint32 { return t.landing }

// Free releases the page back to the allocator.
func (t *Trampoline) Free() error {
	return t.alloc.FreePage(t.addr)
}

// Disassemble decodes the startup stub as 16-bit code, one line per
// instruction. Used for debug logging.
func (t *Trampoline) Disassemble() ([]string, error) {
	var lines []string
	for off := 0; off < len(trampolineCode); {
		inst, err := x86asm.Decode(trampolineCode[off:], 16)
		if err != nil {
			return nil, fmt.Errorf("smp: trampoline byte 0x%x: %w", off, err)
		}
		lines = append(lines, fmt.Sprintf("%04x: %s", off,
			x86asm.IntelSyntax(inst, uint64(t.addr)+uint64(off), nil)))
		off += inst.Len
	}
	return lines, nil
}

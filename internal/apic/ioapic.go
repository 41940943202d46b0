package apic

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/smpcore/internal/hw"
	"github.com/tinyrange/smpcore/internal/spin"
)

const (
	ioapicRegisterWindowSize = 0x20

	ioapicRegisterSelect = 0x00
	ioapicRegisterData   = 0x10

	ioapicIDRegister           = 0x00
	ioapicVersionRegister      = 0x01
	ioapicArbitrationRegister  = 0x02
	ioapicRedirectionTableBase = 0x10

	ioapicVersion = 0x11
)

// Redirection bits a driver is permitted to write.
const redirectionWriteMask uint64 = 0xFFFF0000000000FF |
	(0x7 << 8) | // delivery mode
	(1 << 11) | // destination mode
	(1 << 13) | // polarity
	(1 << 15) | // trigger mode
	(1 << 16) // mask bit

// Routing carries interrupt assertions from a router to the rest of the
// machine.
type Routing interface {
	// Assert requests an interrupt injection.
	// vector: the IDT vector (0-255).
	// dest: the target controller id.
	// destMode: 0 for physical, 1 for logical.
	// deliveryMode: 0 for fixed, 1 for lowest priority, etc.
	// level: true when the redirection entry is level-triggered.
	Assert(vector uint8, dest uint8, destMode uint8, deliveryMode uint8, level bool)
}

// RoutingFunc adapts a simple function to Routing.
type RoutingFunc func(vector uint8, dest uint8, destMode uint8, deliveryMode uint8, level bool)

// Assert implements Routing.
func (f RoutingFunc) Assert(vector uint8, dest uint8, destMode uint8, deliveryMode uint8, level bool) {
	if f != nil {
		f(vector, dest, destMode, deliveryMode, level)
	}
}

type noopRouting struct{}

func (noopRouting) Assert(uint8, uint8, uint8, uint8, bool) {}

// IOAPIC models one I/O interrupt router: an indirect register window at an
// MMIO base, a block of redirection entries, and the global-interrupt range
// it claims. Indirect access from multiple CPUs is serialized by a
// per-router spinlock.
type IOAPIC struct {
	lock spin.Lock

	entries []irqRedirection
	index   uint8
	id      uint8

	base    uint64
	gsiBase uint32
	enabled bool

	routing Routing
	stats   ioapicStats
}

// NewIOAPIC builds a router with numEntries redirection slots claiming
// global interrupts [gsiBase, gsiBase+numEntries).
func NewIOAPIC(id uint8, base uint64, gsiBase uint32, numEntries int) *IOAPIC {
	if numEntries <= 0 {
		numEntries = 24
	}
	entries := make([]irqRedirection, numEntries)
	for i := range entries {
		entries[i] = newIRQRedirection()
	}
	return &IOAPIC{
		entries: entries,
		id:      id,
		base:    base,
		gsiBase: gsiBase,
		routing: noopRouting{},
		stats: ioapicStats{
			perPin: make([]uint64, numEntries),
		},
	}
}

// ID returns the firmware-assigned router id.
func (i *IOAPIC) ID() uint8 { return i.id }

// GSIBase returns the first global interrupt the router claims.
func (i *IOAPIC) GSIBase() uint32 { return i.gsiBase }

// Pins returns the redirection-entry count.
func (i *IOAPIC) Pins() int { return len(i.entries) }

// Covers reports whether gsi falls inside this router's range.
func (i *IOAPIC) Covers(gsi uint32) bool {
	return gsi >= i.gsiBase && gsi < i.gsiBase+uint32(len(i.entries))
}

// PinFor converts a covered global interrupt to a pin number.
func (i *IOAPIC) PinFor(gsi uint32) uint8 {
	return uint8(gsi - i.gsiBase)
}

// SetRouting overrides the destination used when an interrupt fires.
func (i *IOAPIC) SetRouting(r Routing) {
	i.lock.Acquire(spin.NoOwner)
	defer i.lock.Release()
	if r == nil {
		i.routing = noopRouting{}
	} else {
		i.routing = r
	}
}

// Enable marks the router initialized.
func (i *IOAPIC) Enable() {
	i.lock.Acquire(spin.NoOwner)
	defer i.lock.Release()
	i.enabled = true
}

// Enabled reports whether Enable has run.
func (i *IOAPIC) Enabled() bool {
	i.lock.Acquire(spin.NoOwner)
	defer i.lock.Release()
	return i.enabled
}

// HandleEOI clears remote-IRR for any pin targeting the supplied vector and
// re-evaluates pending level-triggered interrupts.
func (i *IOAPIC) HandleEOI(vector uint32) {
	i.lock.Acquire(spin.NoOwner)
	defer i.lock.Release()
	for pin := range i.entries {
		entry := &i.entries[pin]
		if entry.redirection.vector() == uint8(vector) {
			entry.redirection.setRemoteIRR(false)
			entry.evaluate(i.routing, &i.stats, uint8(pin), false)
		}
	}
}

// SetPin changes the level of a given input pin.
func (i *IOAPIC) SetPin(pin uint32, high bool) {
	i.lock.Acquire(spin.NoOwner)
	defer i.lock.Release()
	if pin >= uint32(len(i.entries)) {
		return
	}
	entry := &i.entries[pin]
	if high {
		entry.assert(i.routing, &i.stats, uint8(pin))
	} else {
		entry.deassert()
	}
}

// ---------------------------------------------------------------------------
// Driver operations. All go through the indirect register protocol.

// Redirection describes the programmable fields of one redirection entry.
type Redirection struct {
	Vector    uint8
	Dest      uint8
	ActiveLow bool
	Level     bool
	Masked    bool
}

// Program writes a full redirection entry for the given pin.
func (i *IOAPIC) Program(pin uint8, r Redirection) error {
	if int(pin) >= len(i.entries) {
		return fmt.Errorf("ioapic %d: pin %d out of range", i.id, pin)
	}
	var value uint64
	value |= uint64(r.Vector)
	value |= uint64(r.Dest) << 56
	if r.ActiveLow {
		value |= 1 << 13
	}
	if r.Level {
		value |= 1 << 15
	}
	if r.Masked {
		value |= 1 << 16
	}
	i.WriteIndirect(ioapicRedirectionTableBase+2*pin, uint32(value))
	i.WriteIndirect(ioapicRedirectionTableBase+2*pin+1, uint32(value>>32))
	return nil
}

// MaskPin sets the mask bit of a redirection entry, leaving all other bits
// unchanged.
func (i *IOAPIC) MaskPin(pin uint8) {
	low := i.ReadIndirect(ioapicRedirectionTableBase + 2*pin)
	i.WriteIndirect(ioapicRedirectionTableBase+2*pin, low|1<<16)
}

// UnmaskPin clears the mask bit of a redirection entry.
func (i *IOAPIC) UnmaskPin(pin uint8) {
	low := i.ReadIndirect(ioapicRedirectionTableBase + 2*pin)
	i.WriteIndirect(ioapicRedirectionTableBase+2*pin, low&^(1<<16))
}

// PinMasked reports the mask bit of a redirection entry.
func (i *IOAPIC) PinMasked(pin uint8) bool {
	return i.ReadIndirect(ioapicRedirectionTableBase+2*pin)&(1<<16) != 0
}

// ReadIndirect performs the index-then-data read sequence.
func (i *IOAPIC) ReadIndirect(index uint8) uint32 {
	i.lock.Acquire(spin.NoOwner)
	defer i.lock.Release()
	i.index = index
	return i.readRegister(index)
}

// WriteIndirect performs the index-then-data write sequence.
func (i *IOAPIC) WriteIndirect(index uint8, value uint32) {
	i.lock.Acquire(spin.NoOwner)
	defer i.lock.Release()
	i.index = index
	i.writeRegister(index, value)
}

// ---------------------------------------------------------------------------
// MMIO access.

// MMIORegions implements hw.MemoryMappedIODevice.
func (i *IOAPIC) MMIORegions() []hw.MMIORegion {
	return []hw.MMIORegion{
		{Address: i.base, Size: ioapicRegisterWindowSize},
	}
}

// ReadMMIO implements hw.MemoryMappedIODevice.
func (i *IOAPIC) ReadMMIO(addr uint64, data []byte) error {
	if !i.inRange(addr, uint64(len(data))) {
		return fmt.Errorf("ioapic: read outside MMIO window: 0x%x", addr)
	}

	offset := addr - i.base
	var value uint32

	i.lock.Acquire(spin.NoOwner)
	switch offset {
	case ioapicRegisterSelect:
		value = uint32(i.index)
	case ioapicRegisterData:
		value = i.readRegister(i.index)
	default:
		i.lock.Release()
		return fmt.Errorf("ioapic: invalid read offset 0x%x", offset)
	}
	i.lock.Release()

	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf, value)
	copy(data, buf[:min(len(data), 8)])
	return nil
}

// WriteMMIO implements hw.MemoryMappedIODevice.
func (i *IOAPIC) WriteMMIO(addr uint64, data []byte) error {
	if !i.inRange(addr, uint64(len(data))) {
		return fmt.Errorf("ioapic: write outside MMIO window: 0x%x", addr)
	}
	offset := addr - i.base

	i.lock.Acquire(spin.NoOwner)
	defer i.lock.Release()

	switch offset {
	case ioapicRegisterSelect:
		if len(data) == 0 {
			return fmt.Errorf("ioapic: empty write to select register")
		}
		// Wider writes take the LSB (little endian).
		i.index = data[0]
	case ioapicRegisterData:
		if len(data) != 4 && len(data) != 8 {
			return fmt.Errorf("ioapic: invalid data register write size %d", len(data))
		}
		value := binary.LittleEndian.Uint32(data)
		i.writeRegister(i.index, value)
	default:
		return fmt.Errorf("ioapic: invalid write offset 0x%x", offset)
	}
	return nil
}

func (i *IOAPIC) readRegister(index uint8) uint32 {
	switch {
	case index == ioapicIDRegister:
		return encodeIoApicID(i.id)
	case index == ioapicVersionRegister:
		return encodeIoApicVersion(uint8(len(i.entries) - 1))
	case index == ioapicArbitrationRegister:
		return 0
	case index >= ioapicRedirectionTableBase:
		return i.readRedirection(index - ioapicRedirectionTableBase)
	default:
		return 0
	}
}

func (i *IOAPIC) writeRegister(index uint8, value uint32) {
	switch {
	case index == ioapicIDRegister:
		i.id = decodeIoApicID(value)
	case index == ioapicVersionRegister, index == ioapicArbitrationRegister:
		// Read-only in hardware, ignore.
	case index >= ioapicRedirectionTableBase:
		i.writeRedirection(index-ioapicRedirectionTableBase, value)
	}
}

func (i *IOAPIC) readRedirection(index uint8) uint32 {
	entry := i.entryForIndex(index)
	if entry == nil {
		return 0
	}
	raw := entry.redirection.raw()
	if index&1 == 1 {
		return uint32(raw >> 32)
	}
	return uint32(raw & 0xffffffff)
}

func (i *IOAPIC) writeRedirection(index uint8, value uint32) {
	entry := i.entryForIndex(index)
	if entry == nil {
		return
	}

	raw := entry.redirection.raw()
	val := uint64(value)
	lowMask := redirectionWriteMask & 0xffffffff
	highMask := redirectionWriteMask & 0xffffffff00000000
	pin := uint8(index / 2)

	wasMasked := entry.redirection.masked()

	if index&1 == 1 {
		raw &= ^highMask
		raw |= (val << 32) & highMask
	} else {
		raw &= ^lowMask
		raw |= val & lowMask
	}
	entry.redirection.setRaw(raw)

	isMasked := entry.redirection.masked()

	// A masked-to-unmasked transition while the line sits high must count as
	// a rising edge, or edge-triggered sources wedge waiting for one.
	forceEdge := wasMasked && !isMasked && entry.lineLevel

	entry.evaluate(i.routing, &i.stats, pin, forceEdge)
}

func (i *IOAPIC) entryForIndex(index uint8) *irqRedirection {
	n := int(index / 2)
	if n < 0 || n >= len(i.entries) {
		return nil
	}
	return &i.entries[n]
}

func (i *IOAPIC) inRange(addr uint64, size uint64) bool {
	if addr < i.base {
		return false
	}
	end := addr + size
	return end <= i.base+ioapicRegisterWindowSize
}

type irqRedirection struct {
	redirection redirectionEntry
	lineLevel   bool
}

func newIRQRedirection() irqRedirection {
	return irqRedirection{
		redirection: newRedirectionEntry(),
	}
}

func (r *irqRedirection) assert(router Routing, stats *ioapicStats, pin uint8) {
	edge := !r.lineLevel
	r.lineLevel = true
	r.evaluate(router, stats, pin, edge)
}

func (r *irqRedirection) deassert() {
	r.lineLevel = false
	r.redirection.setRemoteIRR(false)
}

func (r *irqRedirection) evaluate(router Routing, stats *ioapicStats, pin uint8, edge bool) {
	if r.redirection.masked() {
		return
	}
	isLevel := r.redirection.isLevelCapable()
	switch {
	case isLevel && (!r.lineLevel || r.redirection.remoteIRR()):
		return
	case !isLevel && !edge:
		return
	}

	r.redirection.setRemoteIRR(isLevel)
	stats.interrupts++
	if int(pin) < len(stats.perPin) {
		stats.perPin[pin]++
	}

	destMode := uint8(0) // physical
	if r.redirection.destinationModeLogical() {
		destMode = 1
	}

	router.Assert(
		r.redirection.vector(),
		r.redirection.destination(),
		destMode,
		r.redirection.deliveryMode(),
		isLevel,
	)
}

type redirectionEntry struct {
	value uint64
}

func newRedirectionEntry() redirectionEntry {
	var value uint64
	value |= 1 << 16 // masked by default
	return redirectionEntry{value: value}
}

func (r redirectionEntry) raw() uint64 {
	return r.value
}

func (r *redirectionEntry) setRaw(value uint64) {
	r.value = value
}

// destination returns bits 56-63 (destination field).
func (r redirectionEntry) destination() uint8 {
	return uint8((r.value >> 56) & 0xFF)
}

func (r redirectionEntry) vector() uint8 {
	return uint8(r.value & 0xff)
}

func (r redirectionEntry) deliveryMode() uint8 {
	return uint8((r.value >> 8) & 0x7)
}

func (r redirectionEntry) masked() bool {
	return (r.value>>16)&1 == 1
}

func (r redirectionEntry) remoteIRR() bool {
	return (r.value>>14)&1 == 1
}

func (r *redirectionEntry) setRemoteIRR(val bool) {
	if val {
		r.value |= 1 << 14
	} else {
		r.value &^= 1 << 14
	}
}

func (r redirectionEntry) triggerModeLevel() bool {
	return (r.value>>15)&1 == 1
}

func (r redirectionEntry) destinationModeLogical() bool {
	return (r.value>>11)&1 == 1
}

func (r redirectionEntry) isLevelCapable() bool {
	if !r.triggerModeLevel() {
		return false
	}
	mode := r.deliveryMode()
	return mode == 0x0 || mode == 0x1 // fixed or lowest priority
}

type ioapicStats struct {
	interrupts uint64
	perPin     []uint64
}

func encodeIoApicID(id uint8) uint32 {
	return uint32(id&0x0f) << 24
}

func decodeIoApicID(value uint32) uint8 {
	return uint8((value >> 24) & 0x0f)
}

func encodeIoApicVersion(maxEntry uint8) uint32 {
	val := uint32(ioapicVersion)
	val |= uint32(maxEntry) << 16
	return val
}

var _ hw.MemoryMappedIODevice = (*IOAPIC)(nil)

// Package acpi builds and parses the firmware tables the bring-up core
// consumes: the root pointer structure, the root table (RSDT/XSDT), and the
// Multiple APIC Description Table.
package acpi

// MADT entry type codes.
const (
	EntryLocalAPIC               uint8 = 0
	EntryIOAPIC                  uint8 = 1
	EntryInterruptSourceOverride uint8 = 2
	EntryNMISource               uint8 = 3
	EntryLocalNMI                uint8 = 4
	EntryLocalX2APIC             uint8 = 9
)

// Local APIC flag bits (processor entries).
const (
	ProcessorEnabled       uint32 = 1 << 0
	ProcessorOnlineCapable uint32 = 1 << 1
)

// MADT table flag bits.
const (
	// PCATCompatible indicates the machine also carries legacy dual 8259s.
	PCATCompatible uint32 = 1 << 0
)

// MPS INTI polarity/trigger fields (two 2-bit fields in override flags).
const (
	PolarityConforms   uint16 = 0x0
	PolarityActiveHigh uint16 = 0x1
	PolarityActiveLow  uint16 = 0x3

	TriggerConforms uint16 = 0x0 << 2
	TriggerEdge     uint16 = 0x1 << 2
	TriggerLevel    uint16 = 0x3 << 2
)

// Table is a parsed MADT.
type Table struct {
	// LAPICBase is the legacy-controller MMIO base declared by the table.
	LAPICBase uint32
	// Flags carries the MADT flag word (bit 0: PC-AT compatible).
	Flags uint32

	Processors []Processor
	IOAPICs    []IOAPICEntry
	Overrides  []InterruptOverride
	NMISources []NMISource
	LocalNMIs  []LocalNMI
}

// Processor describes one local interrupt controller entry (type 0 or 9).
type Processor struct {
	// ProcessorID is the firmware processor UID.
	ProcessorID uint32
	// APICID is the hardware controller id. Entries of type 9 carry the
	// full 32-bit id; type 0 entries are limited to 8 bits.
	APICID uint32
	Flags  uint32
	// Extended is set for type 9 (x2APIC) entries.
	Extended bool
}

// Enabled reports whether the processor is usable immediately. An entry that
// only carries the online-capable bit may be enabled later but must not be
// started at boot.
func (p Processor) Enabled() bool {
	return p.Flags&ProcessorEnabled != 0
}

// OnlineCapable reports whether a disabled entry may be enabled later.
func (p Processor) OnlineCapable() bool {
	return p.Flags&ProcessorOnlineCapable != 0
}

// IOAPICEntry describes one I/O interrupt router (type 1).
type IOAPICEntry struct {
	ID      uint8
	Address uint32
	GSIBase uint32
}

// InterruptOverride describes a single interrupt source override (type 2).
type InterruptOverride struct {
	Bus   uint8  // typically 0 (ISA)
	IRQ   uint8  // source IRQ
	GSI   uint32 // destination global system interrupt
	Flags uint16 // MPS INTI polarity/trigger encoding
}

// ActiveLow reports whether the override requests active-low polarity.
func (o InterruptOverride) ActiveLow() bool {
	return o.Flags&0x3 == PolarityActiveLow
}

// LevelTriggered reports whether the override requests level trigger mode.
func (o InterruptOverride) LevelTriggered() bool {
	return o.Flags&(0x3<<2) == TriggerLevel
}

// NMISource describes a non-maskable interrupt source routed through an I/O
// router (type 3).
type NMISource struct {
	Flags uint16
	GSI   uint32
}

// LocalNMI describes a local controller NMI pin assignment (type 4).
type LocalNMI struct {
	// ProcessorID is the target processor UID, 0xFF for all processors.
	ProcessorID uint8
	Flags       uint16
	// LINT selects local interrupt pin 0 or 1.
	LINT uint8
}

// Fallback synthesizes the single-CPU configuration used when no root
// pointer can be located: one enabled processor at the given controller id,
// the architectural LAPIC base, and no I/O routers.
func Fallback(bootAPICID uint32) *Table {
	return &Table{
		LAPICBase: 0xFEE00000,
		Flags:     PCATCompatible,
		Processors: []Processor{
			{ProcessorID: 0, APICID: bootAPICID, Flags: ProcessorEnabled},
		},
	}
}

package acpi

import "github.com/tinyrange/smpcore/internal/hw"

// Config controls how the firmware tables are laid out and populated inside
// guest memory. All addresses are physical guest addresses.
type Config struct {
	MemoryBase uint64
	MemorySize uint64
	TablesBase uint64
	TablesSize uint64
	RSDPBase   uint64

	NumCPUs   int
	LAPICBase uint32

	// APICIDs optionally assigns an explicit controller id per processor
	// entry; the default is the entry index.
	APICIDs []uint32

	// X2APIC forces extended (type 9) processor entries.
	X2APIC bool

	// LocalNMIs emits a LINT1 NMI entry per processor.
	LocalNMIs bool

	IOAPICs []IOAPICEntry

	// ISAOverrides emits MADT interrupt source overrides for legacy IRQs.
	ISAOverrides []InterruptOverride

	OEM OEMInfo
}

// OEMInfo mirrors the ACPI table header OEM fields.
type OEMInfo struct {
	OEMID           [6]byte
	OEMTableID      [8]byte
	OEMRevision     uint32
	CreatorID       [4]byte
	CreatorRevision uint32
}

// DefaultOEMInfo returns the default table header metadata.
func DefaultOEMInfo() OEMInfo {
	return OEMInfo{
		OEMID:           [6]byte{'S', 'M', 'P', 'C', 'R', ' '},
		OEMTableID:      [8]byte{'S', 'M', 'P', 'C', 'D', 'E', 'F', ' '},
		OEMRevision:     1,
		CreatorID:       [4]byte{'S', 'M', 'P', 'C'},
		CreatorRevision: 1,
	}
}

func (c *Config) normalize(mem *hw.Memory) {
	if c.MemoryBase == 0 {
		c.MemoryBase = mem.Base()
	}
	if c.MemorySize == 0 {
		c.MemorySize = mem.Size()
	}
	if c.TablesSize == 0 {
		c.TablesSize = 0x10000
	}
	if c.TablesBase == 0 {
		c.TablesBase = c.MemoryBase + c.MemorySize - c.TablesSize
	}
	if c.RSDPBase == 0 {
		c.RSDPBase = c.MemoryBase + 0x000E0000
	}
	if c.NumCPUs <= 0 {
		c.NumCPUs = 1
	}
	if c.LAPICBase == 0 {
		c.LAPICBase = 0xFEE00000
	}
	if c.OEM == (OEMInfo{}) {
		c.OEM = DefaultOEMInfo()
	}
}

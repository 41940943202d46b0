package acpi

import (
	"fmt"

	"github.com/tinyrange/smpcore/internal/hw"
)

// Install writes the firmware tables into guest memory using the provided
// config: an XSDT pointing at the MADT, and an RSDP in the BIOS extended
// data window pointing at the XSDT.
func Install(mem *hw.Memory, cfg Config) error {
	cfg.normalize(mem)

	if cfg.TablesBase < cfg.MemoryBase || cfg.TablesBase+cfg.TablesSize > cfg.MemoryBase+cfg.MemorySize {
		return fmt.Errorf("acpi: table region out of guest RAM")
	}
	if cfg.RSDPBase < cfg.MemoryBase || cfg.RSDPBase+rsdpSize > cfg.MemoryBase+cfg.MemorySize {
		return fmt.Errorf("acpi: RSDP location out of guest RAM")
	}

	writer := newTableWriter(cfg.TablesBase, cfg.OEM)

	madtAddr := writer.Append(tableParams{
		Signature:  sig(madtSignature),
		Revision:   1,
		OEMTableID: tableID("SMPCAPC "),
		Body:       buildMADTBody(cfg),
	})

	xsdtAddr := writer.Append(tableParams{
		Signature:  sig(xsdtSignature),
		Revision:   1,
		OEMTableID: tableID("SMPCXSD "),
		Body:       buildXSDTBody([]uint64{madtAddr}),
	})

	tables := writer.Bytes()
	if uint64(len(tables)) > cfg.TablesSize {
		return fmt.Errorf("acpi: tables require %d bytes, region only %d bytes", len(tables), cfg.TablesSize)
	}

	if _, err := mem.WriteAt(tables, int64(cfg.TablesBase)); err != nil {
		return fmt.Errorf("acpi: write tables: %w", err)
	}

	rsdp := buildRSDP(xsdtAddr, cfg.OEM)
	if _, err := mem.WriteAt(rsdp, int64(cfg.RSDPBase)); err != nil {
		return fmt.Errorf("acpi: write RSDP: %w", err)
	}

	return nil
}

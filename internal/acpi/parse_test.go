package acpi

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/tinyrange/smpcore/internal/hw"
)

func installed(t *testing.T, cfg Config) (*hw.Memory, Config) {
	t.Helper()
	mem := hw.NewMemory(0, 4<<20)
	cfg.normalize(mem)
	if err := Install(mem, cfg); err != nil {
		t.Fatalf("install tables: %v", err)
	}
	return mem, cfg
}

func TestParseRoundTrip(t *testing.T) {
	mem, _ := installed(t, Config{
		NumCPUs: 4,
		IOAPICs: []IOAPICEntry{
			{ID: 0, Address: 0xFEC00000, GSIBase: 0},
		},
		ISAOverrides: []InterruptOverride{
			{Bus: 0, IRQ: 9, GSI: 20, Flags: PolarityActiveLow | TriggerLevel},
		},
		LocalNMIs: true,
	})

	table, err := Parse(mem)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if table.LAPICBase != 0xFEE00000 {
		t.Fatalf("LAPIC base = 0x%x, want 0xFEE00000", table.LAPICBase)
	}
	if table.Flags&PCATCompatible == 0 {
		t.Fatalf("PC-AT compatible flag missing")
	}
	if len(table.Processors) != 4 {
		t.Fatalf("processor count = %d, want 4", len(table.Processors))
	}
	for i, proc := range table.Processors {
		if proc.APICID != uint32(i) {
			t.Fatalf("processor %d controller id = %d, want %d", i, proc.APICID, i)
		}
		if !proc.Enabled() {
			t.Fatalf("processor %d not enabled", i)
		}
	}
	if len(table.IOAPICs) != 1 {
		t.Fatalf("I/O APIC count = %d, want 1", len(table.IOAPICs))
	}
	if got := table.IOAPICs[0]; got.Address != 0xFEC00000 || got.GSIBase != 0 {
		t.Fatalf("I/O APIC entry = %+v", got)
	}
	if len(table.Overrides) != 1 {
		t.Fatalf("override count = %d, want 1", len(table.Overrides))
	}
	ovr := table.Overrides[0]
	if ovr.IRQ != 9 || ovr.GSI != 20 {
		t.Fatalf("override = %+v", ovr)
	}
	if !ovr.ActiveLow() || !ovr.LevelTriggered() {
		t.Fatalf("override flags = 0x%x, want active-low level", ovr.Flags)
	}
	if len(table.LocalNMIs) != 4 {
		t.Fatalf("local NMI count = %d, want 4", len(table.LocalNMIs))
	}
	if table.LocalNMIs[0].LINT != 1 {
		t.Fatalf("local NMI pin = %d, want 1", table.LocalNMIs[0].LINT)
	}
}

func TestParseX2APICEntries(t *testing.T) {
	mem, _ := installed(t, Config{
		NumCPUs: 2,
		X2APIC:  true,
		APICIDs: []uint32{0x100, 0x101},
	})

	table, err := Parse(mem)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(table.Processors) != 2 {
		t.Fatalf("processor count = %d, want 2", len(table.Processors))
	}
	for i, proc := range table.Processors {
		if !proc.Extended {
			t.Fatalf("processor %d not marked extended", i)
		}
		if proc.APICID != 0x100+uint32(i) {
			t.Fatalf("processor %d controller id = 0x%x", i, proc.APICID)
		}
	}
}

func TestParseMissingRootPointer(t *testing.T) {
	mem := hw.NewMemory(0, 4<<20)
	if _, err := Parse(mem); !errors.Is(err, ErrRootPointerNotFound) {
		t.Fatalf("err = %v, want ErrRootPointerNotFound", err)
	}

	table := Fallback(7)
	if len(table.Processors) != 1 || table.Processors[0].APICID != 7 {
		t.Fatalf("fallback table = %+v", table)
	}
}

func TestParseChecksumMismatch(t *testing.T) {
	mem, cfg := installed(t, Config{NumCPUs: 2})

	// Corrupt one byte inside the MADT body.
	var buf [1]byte
	addr := int64(cfg.TablesBase) + headerSize + 2
	if _, err := mem.ReadAt(buf[:], addr); err != nil {
		t.Fatalf("read: %v", err)
	}
	buf[0] ^= 0xFF
	if _, err := mem.WriteAt(buf[:], addr); err != nil {
		t.Fatalf("write: %v", err)
	}

	if _, err := Parse(mem); !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("err = %v, want ErrChecksumMismatch", err)
	}
}

func TestParseDuplicateProcessor(t *testing.T) {
	mem, _ := installed(t, Config{
		NumCPUs: 2,
		APICIDs: []uint32{3, 3},
	})
	if _, err := Parse(mem); !errors.Is(err, ErrDuplicateProcessor) {
		t.Fatalf("err = %v, want ErrDuplicateProcessor", err)
	}
}

func TestParseMADTBodyRejectsMalformedEntries(t *testing.T) {
	prefix := make([]byte, 8) // LAPIC base + flags

	// Zero-length entry.
	body := append(append([]byte{}, prefix...), EntryLocalAPIC, 0)
	if _, err := parseMADTBody(body); !errors.Is(err, ErrInvalidTable) {
		t.Fatalf("zero length: err = %v, want ErrInvalidTable", err)
	}

	// Entry overruns the declared table length.
	body = append(append([]byte{}, prefix...), EntryLocalAPIC, 16, 0, 0)
	if _, err := parseMADTBody(body); !errors.Is(err, ErrTruncatedEntry) {
		t.Fatalf("overrun: err = %v, want ErrTruncatedEntry", err)
	}

	// Known kind with a length below its fixed size.
	body = append(append([]byte{}, prefix...), EntryIOAPIC, 4, 0, 0)
	if _, err := parseMADTBody(body); !errors.Is(err, ErrTruncatedEntry) {
		t.Fatalf("short ioapic: err = %v, want ErrTruncatedEntry", err)
	}

	// Body shorter than the fixed MADT prefix.
	if _, err := parseMADTBody(prefix[:4]); !errors.Is(err, ErrInvalidTable) {
		t.Fatalf("short body: err = %v, want ErrInvalidTable", err)
	}
}

func TestParseSkipsUnknownEntries(t *testing.T) {
	body := make([]byte, 8)
	binary.LittleEndian.PutUint32(body[0:4], 0xFEE00000)
	// Unknown kind 0x7F, skipped by declared length, then one processor.
	body = append(body, 0x7F, 4, 0xAA, 0xBB)
	body = append(body, EntryLocalAPIC, 8, 0, 5, 1, 0, 0, 0)

	table, err := parseMADTBody(body)
	if err != nil {
		t.Fatalf("parse body: %v", err)
	}
	if len(table.Processors) != 1 || table.Processors[0].APICID != 5 {
		t.Fatalf("processors = %+v", table.Processors)
	}
}

func TestParseSkipsDisabledProcessors(t *testing.T) {
	body := make([]byte, 8)
	body = append(body, EntryLocalAPIC, 8, 0, 1, 0, 0, 0, 0) // disabled, not online-capable
	body = append(body, EntryLocalAPIC, 8, 1, 2, 2, 0, 0, 0) // online-capable

	table, err := parseMADTBody(body)
	if err != nil {
		t.Fatalf("parse body: %v", err)
	}
	if len(table.Processors) != 1 || table.Processors[0].APICID != 2 {
		t.Fatalf("processors = %+v", table.Processors)
	}
	proc := table.Processors[0]
	if proc.Enabled() || !proc.OnlineCapable() {
		t.Fatalf("flags = 0x%x, want online-capable without enabled", proc.Flags)
	}
}

func TestFindRSDPValidatesChecksum(t *testing.T) {
	mem, cfg := installed(t, Config{NumCPUs: 1})

	// Flip a bit inside the first 20 RSDP bytes.
	var buf [1]byte
	addr := int64(cfg.RSDPBase) + 16
	if _, err := mem.ReadAt(buf[:], addr); err != nil {
		t.Fatalf("read: %v", err)
	}
	buf[0] ^= 0x01
	if _, err := mem.WriteAt(buf[:], addr); err != nil {
		t.Fatalf("write: %v", err)
	}

	if _, err := FindRSDP(mem); !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("err = %v, want ErrChecksumMismatch", err)
	}
}

func TestParseRSDTPath(t *testing.T) {
	mem := hw.NewMemory(0, 4<<20)

	oem := DefaultOEMInfo()
	writer := newTableWriter(0x100000, oem)
	madtAddr := writer.Append(tableParams{
		Signature: sig(madtSignature),
		Revision:  1,
		Body:      buildMADTBody(Config{NumCPUs: 1, LAPICBase: 0xFEE00000}),
	})

	rsdtBody := make([]byte, 4)
	binary.LittleEndian.PutUint32(rsdtBody, uint32(madtAddr))
	rsdtAddr := writer.Append(tableParams{
		Signature: sig(rsdtSignature),
		Revision:  1,
		Body:      rsdtBody,
	})
	if _, err := mem.WriteAt(writer.Bytes(), 0x100000); err != nil {
		t.Fatalf("write tables: %v", err)
	}

	// Revision 0 RSDP pointing at the RSDT.
	rsdp := make([]byte, 20)
	copy(rsdp, rsdpSignature)
	binary.LittleEndian.PutUint32(rsdp[16:], uint32(rsdtAddr))
	rsdp[8] = checksum(rsdp)
	if _, err := mem.WriteAt(rsdp, rsdpScanStart); err != nil {
		t.Fatalf("write RSDP: %v", err)
	}

	table, err := Parse(mem)
	if err != nil {
		t.Fatalf("parse via RSDT: %v", err)
	}
	if len(table.Processors) != 1 {
		t.Fatalf("processor count = %d, want 1", len(table.Processors))
	}
}

func TestInstallRejectsTinyRegion(t *testing.T) {
	mem := hw.NewMemory(0, 4<<20)
	err := Install(mem, Config{
		NumCPUs:    64,
		TablesBase: 0x100000,
		TablesSize: 64,
	})
	if err == nil {
		t.Fatalf("expected error for undersized table region")
	}
}

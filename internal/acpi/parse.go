package acpi

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/tinyrange/smpcore/internal/hw"
)

const (
	rsdpSignature = "RSD PTR "
	rsdpSize      = 36
	headerSize    = 36

	madtSignature = "APIC"
	rsdtSignature = "RSDT"
	xsdtSignature = "XSDT"

	// The RSDP lives on a 16-byte boundary in the BIOS read-only window.
	rsdpScanStart = 0x000E0000
	rsdpScanEnd   = 0x00100000
)

// Parse failure modes. All are fatal at boot.
var (
	ErrRootPointerNotFound = errors.New("acpi: root pointer not found")
	ErrChecksumMismatch    = errors.New("acpi: checksum mismatch")
	ErrSignatureMismatch   = errors.New("acpi: signature mismatch")
	ErrTruncatedEntry      = errors.New("acpi: truncated entry")
	ErrDuplicateProcessor  = errors.New("acpi: duplicate processor id")
	ErrInvalidTable        = errors.New("acpi: invalid table")
	ErrTableNotFound       = errors.New("acpi: table not found")
)

// RSDP is the parsed root pointer structure.
type RSDP struct {
	Revision uint8
	RSDTAddr uint32
	XSDTAddr uint64
}

// FindRSDP scans the BIOS window of guest memory for a valid root pointer.
func FindRSDP(mem *hw.Memory) (*RSDP, error) {
	start := mem.Base() + rsdpScanStart
	end := mem.Base() + rsdpScanEnd
	if limit := mem.Base() + mem.Size(); end > limit {
		end = limit
	}

	buf := make([]byte, rsdpSize)
	for addr := start; addr+rsdpSize <= end; addr += 16 {
		if _, err := mem.ReadAt(buf[:8], int64(addr)); err != nil {
			break
		}
		if string(buf[:8]) != rsdpSignature {
			continue
		}
		if _, err := mem.ReadAt(buf, int64(addr)); err != nil {
			return nil, fmt.Errorf("%w: RSDP at 0x%x overruns RAM", ErrInvalidTable, addr)
		}
		return parseRSDP(buf)
	}
	return nil, ErrRootPointerNotFound
}

func parseRSDP(buf []byte) (*RSDP, error) {
	if sumBytes(buf[:20]) != 0 {
		return nil, fmt.Errorf("%w: RSDP", ErrChecksumMismatch)
	}
	rsdp := &RSDP{
		Revision: buf[15],
		RSDTAddr: binary.LittleEndian.Uint32(buf[16:20]),
	}
	if rsdp.Revision >= 2 {
		length := binary.LittleEndian.Uint32(buf[20:24])
		if length < rsdpSize {
			return nil, fmt.Errorf("%w: RSDP length %d", ErrInvalidTable, length)
		}
		if sumBytes(buf[:rsdpSize]) != 0 {
			return nil, fmt.Errorf("%w: extended RSDP", ErrChecksumMismatch)
		}
		rsdp.XSDTAddr = binary.LittleEndian.Uint64(buf[24:32])
	}
	return rsdp, nil
}

// Parse walks the firmware tables from the root pointer to the MADT and
// returns the parsed result. ErrRootPointerNotFound is the only error the
// caller may recover from (by synthesizing Fallback).
func Parse(mem *hw.Memory) (*Table, error) {
	rsdp, err := FindRSDP(mem)
	if err != nil {
		return nil, err
	}
	return parseFromRSDP(mem, rsdp)
}

func parseFromRSDP(mem *hw.Memory, rsdp *RSDP) (*Table, error) {
	var (
		rootAddr  uint64
		rootSig   string
		entrySize int
	)
	if rsdp.Revision >= 2 && rsdp.XSDTAddr != 0 {
		rootAddr, rootSig, entrySize = rsdp.XSDTAddr, xsdtSignature, 8
	} else {
		rootAddr, rootSig, entrySize = uint64(rsdp.RSDTAddr), rsdtSignature, 4
	}

	root, err := readTable(mem, rootAddr)
	if err != nil {
		return nil, err
	}
	if string(root[:4]) != rootSig {
		return nil, fmt.Errorf("%w: root table %q, want %q", ErrSignatureMismatch, root[:4], rootSig)
	}

	body := root[headerSize:]
	for pos := 0; pos+entrySize <= len(body); pos += entrySize {
		var addr uint64
		if entrySize == 8 {
			addr = binary.LittleEndian.Uint64(body[pos:])
		} else {
			addr = uint64(binary.LittleEndian.Uint32(body[pos:]))
		}
		if addr == 0 {
			continue
		}
		table, err := readTable(mem, addr)
		if err != nil {
			return nil, err
		}
		if string(table[:4]) == madtSignature {
			return parseMADTBody(table[headerSize:])
		}
	}
	return nil, fmt.Errorf("%w: no MADT in %s", ErrTableNotFound, rootSig)
}

// readTable reads one table, validating the header length and the byte-wise
// checksum over the declared length.
func readTable(mem *hw.Memory, addr uint64) ([]byte, error) {
	header := make([]byte, headerSize)
	if _, err := mem.ReadAt(header, int64(addr)); err != nil {
		return nil, fmt.Errorf("%w: header at 0x%x overruns RAM", ErrInvalidTable, addr)
	}

	length := binary.LittleEndian.Uint32(header[4:8])
	if length < headerSize {
		return nil, fmt.Errorf("%w: %q declares length %d", ErrInvalidTable, header[:4], length)
	}
	if !mem.Contains(addr, uint64(length)) {
		return nil, fmt.Errorf("%w: %q at 0x%x overruns RAM", ErrInvalidTable, header[:4], addr)
	}

	table := make([]byte, length)
	if _, err := mem.ReadAt(table, int64(addr)); err != nil {
		return nil, fmt.Errorf("%w: %q at 0x%x", ErrInvalidTable, header[:4], addr)
	}
	if sumBytes(table) != 0 {
		return nil, fmt.Errorf("%w: %q at 0x%x", ErrChecksumMismatch, header[:4], addr)
	}
	return table, nil
}

// parseMADTBody enumerates the variable-length entry stream following the
// MADT header.
func parseMADTBody(body []byte) (*Table, error) {
	if len(body) < 8 {
		return nil, fmt.Errorf("%w: MADT body %d bytes", ErrInvalidTable, len(body))
	}

	table := &Table{
		LAPICBase: binary.LittleEndian.Uint32(body[0:4]),
		Flags:     binary.LittleEndian.Uint32(body[4:8]),
	}

	seen := make(map[uint32]bool)
	for pos := 8; pos < len(body); {
		if pos+2 > len(body) {
			return nil, fmt.Errorf("%w: entry header at offset %d", ErrTruncatedEntry, pos)
		}
		kind := body[pos]
		length := int(body[pos+1])
		if length == 0 {
			return nil, fmt.Errorf("%w: zero-length entry at offset %d", ErrInvalidTable, pos)
		}
		if pos+length > len(body) {
			return nil, fmt.Errorf("%w: entry type %d at offset %d overruns table", ErrTruncatedEntry, kind, pos)
		}
		entry := body[pos : pos+length]

		switch kind {
		case EntryLocalAPIC:
			if length < 8 {
				return nil, fmt.Errorf("%w: local APIC entry length %d", ErrTruncatedEntry, length)
			}
			proc := Processor{
				ProcessorID: uint32(entry[2]),
				APICID:      uint32(entry[3]),
				Flags:       binary.LittleEndian.Uint32(entry[4:8]),
			}
			if err := addProcessor(table, seen, proc); err != nil {
				return nil, err
			}

		case EntryIOAPIC:
			if length < 12 {
				return nil, fmt.Errorf("%w: I/O APIC entry length %d", ErrTruncatedEntry, length)
			}
			table.IOAPICs = append(table.IOAPICs, IOAPICEntry{
				ID:      entry[2],
				Address: binary.LittleEndian.Uint32(entry[4:8]),
				GSIBase: binary.LittleEndian.Uint32(entry[8:12]),
			})

		case EntryInterruptSourceOverride:
			if length < 10 {
				return nil, fmt.Errorf("%w: override entry length %d", ErrTruncatedEntry, length)
			}
			table.Overrides = append(table.Overrides, InterruptOverride{
				Bus:   entry[2],
				IRQ:   entry[3],
				GSI:   binary.LittleEndian.Uint32(entry[4:8]),
				Flags: binary.LittleEndian.Uint16(entry[8:10]),
			})

		case EntryNMISource:
			if length < 8 {
				return nil, fmt.Errorf("%w: NMI source entry length %d", ErrTruncatedEntry, length)
			}
			table.NMISources = append(table.NMISources, NMISource{
				Flags: binary.LittleEndian.Uint16(entry[2:4]),
				GSI:   binary.LittleEndian.Uint32(entry[4:8]),
			})

		case EntryLocalNMI:
			if length < 6 {
				return nil, fmt.Errorf("%w: local NMI entry length %d", ErrTruncatedEntry, length)
			}
			table.LocalNMIs = append(table.LocalNMIs, LocalNMI{
				ProcessorID: entry[2],
				Flags:       binary.LittleEndian.Uint16(entry[3:5]),
				LINT:        entry[5],
			})

		case EntryLocalX2APIC:
			if length < 16 {
				return nil, fmt.Errorf("%w: x2APIC entry length %d", ErrTruncatedEntry, length)
			}
			proc := Processor{
				APICID:      binary.LittleEndian.Uint32(entry[4:8]),
				Flags:       binary.LittleEndian.Uint32(entry[8:12]),
				ProcessorID: binary.LittleEndian.Uint32(entry[12:16]),
				Extended:    true,
			}
			if err := addProcessor(table, seen, proc); err != nil {
				return nil, err
			}

		default:
			// Unrecognized entry kinds are skipped by their declared length.
		}

		pos += length
	}

	return table, nil
}

func addProcessor(table *Table, seen map[uint32]bool, proc Processor) error {
	if !proc.Enabled() && !proc.OnlineCapable() {
		return nil
	}
	if seen[proc.APICID] {
		return fmt.Errorf("%w: controller id %d", ErrDuplicateProcessor, proc.APICID)
	}
	seen[proc.APICID] = true
	table.Processors = append(table.Processors, proc)
	return nil
}

func sumBytes(b []byte) byte {
	var total byte
	for _, v := range b {
		total += v
	}
	return total
}

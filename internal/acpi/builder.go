package acpi

import (
	"bytes"
	"encoding/binary"
)

type tableWriter struct {
	buf  bytes.Buffer
	base uint64
	oem  OEMInfo
}

func newTableWriter(base uint64, oem OEMInfo) *tableWriter {
	return &tableWriter{base: base, oem: oem}
}

type tableParams struct {
	Signature  [4]byte
	Revision   uint8
	OEMTableID [8]byte
	Body       []byte
}

func (w *tableWriter) Append(params tableParams) uint64 {
	start := w.buf.Len()
	w.buf.Grow(headerSize + len(params.Body))

	header := make([]byte, headerSize)
	copy(header[:4], params.Signature[:])
	copy(header[10:16], w.oem.OEMID[:])

	tableID := params.OEMTableID
	if tableID == ([8]byte{}) {
		tableID = w.oem.OEMTableID
	}
	copy(header[16:24], tableID[:])

	binary.LittleEndian.PutUint32(header[24:28], w.oem.OEMRevision)
	binary.LittleEndian.PutUint32(header[28:32], binary.LittleEndian.Uint32(w.oem.CreatorID[:]))
	binary.LittleEndian.PutUint32(header[32:36], w.oem.CreatorRevision)
	header[8] = params.Revision

	w.buf.Write(header)
	if len(params.Body) > 0 {
		w.buf.Write(params.Body)
	}

	tableBytes := w.buf.Bytes()[start:]
	binary.LittleEndian.PutUint32(tableBytes[4:8], uint32(len(tableBytes)))
	tableBytes[9] = checksum(tableBytes)

	if pad := len(tableBytes) % 8; pad != 0 {
		padding := make([]byte, 8-pad)
		w.buf.Write(padding)
	}

	return w.base + uint64(start)
}

func (w *tableWriter) Bytes() []byte {
	return w.buf.Bytes()
}

// checksum returns the byte that makes the sum over b equal zero.
func checksum(b []byte) byte {
	var sum uint8
	for _, v := range b {
		sum += v
	}
	return byte(0 - sum)
}

func sig(name string) [4]byte {
	var out [4]byte
	copy(out[:], []byte(name))
	return out
}

func tableID(name string) [8]byte {
	var out [8]byte
	copy(out[:], []byte(name))
	return out
}

func buildMADTBody(cfg Config) []byte {
	buf := &bytes.Buffer{}

	binary.Write(buf, binary.LittleEndian, cfg.LAPICBase)
	binary.Write(buf, binary.LittleEndian, PCATCompatible)

	for cpu := 0; cpu < cfg.NumCPUs; cpu++ {
		apicID := uint32(cpu)
		if cfg.APICIDs != nil {
			apicID = cfg.APICIDs[cpu]
		}
		if cfg.X2APIC || apicID > 0xFE {
			buf.WriteByte(EntryLocalX2APIC)
			buf.WriteByte(16)
			buf.Write([]byte{0, 0}) // reserved
			binary.Write(buf, binary.LittleEndian, apicID)
			binary.Write(buf, binary.LittleEndian, ProcessorEnabled)
			binary.Write(buf, binary.LittleEndian, uint32(cpu))
		} else {
			buf.WriteByte(EntryLocalAPIC)
			buf.WriteByte(8)
			buf.WriteByte(uint8(cpu))
			buf.WriteByte(uint8(apicID))
			binary.Write(buf, binary.LittleEndian, ProcessorEnabled)
		}
	}

	for _, ioapic := range cfg.IOAPICs {
		buf.WriteByte(EntryIOAPIC)
		buf.WriteByte(12)
		buf.WriteByte(ioapic.ID)
		buf.WriteByte(0)
		binary.Write(buf, binary.LittleEndian, ioapic.Address)
		binary.Write(buf, binary.LittleEndian, ioapic.GSIBase)
	}

	for _, ovr := range cfg.ISAOverrides {
		buf.WriteByte(EntryInterruptSourceOverride)
		buf.WriteByte(10)
		buf.WriteByte(ovr.Bus)
		buf.WriteByte(ovr.IRQ)
		binary.Write(buf, binary.LittleEndian, ovr.GSI)
		binary.Write(buf, binary.LittleEndian, ovr.Flags)
	}

	if cfg.LocalNMIs {
		// LINT1 wired as NMI on every processor, the usual PC arrangement.
		for cpu := 0; cpu < cfg.NumCPUs; cpu++ {
			buf.WriteByte(EntryLocalNMI)
			buf.WriteByte(6)
			buf.WriteByte(uint8(cpu))
			binary.Write(buf, binary.LittleEndian, PolarityActiveHigh|TriggerEdge)
			buf.WriteByte(1)
		}
	}

	return buf.Bytes()
}

func buildXSDTBody(entries []uint64) []byte {
	buf := &bytes.Buffer{}
	for _, entry := range entries {
		binary.Write(buf, binary.LittleEndian, entry)
	}
	return buf.Bytes()
}

func buildRSDP(xsdtAddr uint64, oem OEMInfo) []byte {
	rsdp := make([]byte, rsdpSize)
	copy(rsdp[0:], []byte(rsdpSignature))
	copy(rsdp[9:], oem.OEMID[:])
	rsdp[15] = 2 // revision
	binary.LittleEndian.PutUint32(rsdp[16:], 0)
	binary.LittleEndian.PutUint32(rsdp[20:], uint32(len(rsdp)))
	binary.LittleEndian.PutUint64(rsdp[24:], xsdtAddr)

	rsdp[8] = checksum(rsdp[:20])
	rsdp[32] = checksum(rsdp)
	return rsdp
}

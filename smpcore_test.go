package smpcore

import (
	"context"
	"encoding/binary"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"

	"github.com/tinyrange/smpcore/internal/clock"
	"github.com/tinyrange/smpcore/internal/hw"
)

func newTestMachine(t *testing.T, cfg Config, opts ...Option) *Machine {
	t.Helper()
	opts = append([]Option{
		WithClock(clock.NewManual()),
		WithLogger(slog.New(slog.DiscardHandler)),
	}, opts...)
	m, err := New(cfg, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m
}

func bootTestMachine(t *testing.T, cfg Config, opts ...Option) *Machine {
	t.Helper()
	m := newTestMachine(t, cfg, opts...)
	if err := m.Boot(context.Background()); err != nil {
		t.Fatalf("Boot: %v", err)
	}
	t.Cleanup(m.Shutdown)
	return m
}

func TestMachineBoot(t *testing.T) {
	m := bootTestMachine(t, DefaultConfig())

	if got := m.OnlineCount(); got != 4 {
		t.Fatalf("online count = %d, want 4", got)
	}
	if m.OnlineCPUs() != m.PossibleCPUs() {
		t.Fatalf("online %v != possible %v", m.OnlineCPUs(), m.PossibleCPUs())
	}
}

func TestMachineBootX2APIC(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NumCPUs = 2
	cfg.X2APIC = true

	m := bootTestMachine(t, cfg)
	if got := m.OnlineCount(); got != 2 {
		t.Fatalf("online count = %d, want 2", got)
	}
	for _, p := range m.Firmware().Processors {
		if !p.Extended {
			t.Fatalf("processor %d not an extended entry", p.ProcessorID)
		}
	}
}

func TestMachineFirmwareRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NumCPUs = 6
	cfg.Overrides = []Override{{IRQ: 9, GSI: 20, ActiveLow: true, Level: true}}

	m := newTestMachine(t, cfg)
	fw := m.Firmware()

	if got := len(fw.Processors); got != 6 {
		t.Fatalf("parsed %d processors, want 6", got)
	}
	if fw.LAPICBase != cfg.LAPICBase {
		t.Fatalf("local controller base = 0x%x, want 0x%x", fw.LAPICBase, cfg.LAPICBase)
	}
	if got := len(fw.IOAPICs); got != 1 {
		t.Fatalf("parsed %d routers, want 1", got)
	}
	if got := len(fw.Overrides); got != 1 {
		t.Fatalf("parsed %d overrides, want 1", got)
	}
	ovr := fw.Overrides[0]
	if ovr.IRQ != 9 || ovr.GSI != 20 || !ovr.ActiveLow() || !ovr.LevelTriggered() {
		t.Fatalf("override round trip: %+v", ovr)
	}
}

func TestMachineMMIOWindows(t *testing.T) {
	m := newTestMachine(t, DefaultConfig())

	read32 := func(addr uint64) uint32 {
		t.Helper()
		var buf [4]byte
		if err := m.MMIO().Read(addr, buf[:]); err != nil {
			t.Fatalf("read 0x%x: %v", addr, err)
		}
		return binary.LittleEndian.Uint32(buf[:])
	}
	write32 := func(addr uint64, value uint32) {
		t.Helper()
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], value)
		if err := m.MMIO().Write(addr, buf[:]); err != nil {
			t.Fatalf("write 0x%x: %v", addr, err)
		}
	}

	// Local controller ID register on the boot CPU's window.
	if got := read32(uint64(m.Firmware().LAPICBase) + 0x20); got != 0 {
		t.Fatalf("boot controller id register = 0x%x, want 0", got)
	}

	// Router version register through the indirect window.
	routerBase := uint64(DefaultConfig().IOAPICs[0].Address)
	write32(routerBase, 0x01)
	version := read32(routerBase + 0x10)
	if version&0xFF != 0x11 {
		t.Fatalf("router version = 0x%x, want low byte 0x11", version)
	}
	if got := (version >> 16) & 0xFF; got != 23 {
		t.Fatalf("max redirection entry = %d, want 23", got)
	}

	// Addresses outside any window fall through to RAM.
	write32(0x2000, 0xDEADBEEF)
	if got := read32(0x2000); got != 0xDEADBEEF {
		t.Fatalf("RAM read = 0x%x, want 0xDEADBEEF", got)
	}
}

func TestMachineIRQDelivery(t *testing.T) {
	m := bootTestMachine(t, DefaultConfig())

	var fired atomic.Int32
	var gotIRQ atomic.Int32
	if err := m.InstallIRQHandler(4, func(irq int) {
		fired.Add(1)
		gotIRQ.Store(int32(irq))
	}); err != nil {
		t.Fatalf("install handler: %v", err)
	}
	if err := m.UnmaskIRQ(4); err != nil {
		t.Fatalf("unmask: %v", err)
	}

	if err := m.SetIRQLine(4, true); err != nil {
		t.Fatalf("raise line: %v", err)
	}
	if err := m.SetIRQLine(4, false); err != nil {
		t.Fatalf("lower line: %v", err)
	}

	if got := fired.Load(); got != 1 {
		t.Fatalf("handler fired %d times, want 1", got)
	}
	if got := gotIRQ.Load(); got != 4 {
		t.Fatalf("handler saw irq %d, want 4", got)
	}
}

func TestMachineIRQLineUnrouted(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IOAPICs = nil

	m := newTestMachine(t, cfg)
	if err := m.SetIRQLine(4, true); !errors.Is(err, ErrNotRouted) {
		t.Fatalf("err = %v, want ErrNotRouted", err)
	}
}

func TestMachineLaunchFailure(t *testing.T) {
	m := bootTestMachine(t, DefaultConfig(), withLaunchHook(func(cpu int) bool {
		return cpu != 3
	}))

	if got := m.OnlineCount(); got != 3 {
		t.Fatalf("online count = %d, want 3", got)
	}
	if m.OnlineCPUs().Test(3) {
		t.Fatalf("CPU 3 reported online after failed bring-up")
	}
	if err := m.SendMessage(3, MsgReschedule); !errors.Is(err, ErrCPUOffline) {
		t.Fatalf("err = %v, want ErrCPUOffline", err)
	}
}

func TestMachineIPIRoundTrip(t *testing.T) {
	m := bootTestMachine(t, DefaultConfig())

	var seen atomic.Int32
	if err := m.InstallIPIHandler(MsgReschedule, func(cpu int, msg Message) {
		if msg == MsgReschedule {
			seen.Add(1)
		}
	}); err != nil {
		t.Fatalf("install handler: %v", err)
	}

	mask := m.OnlineCPUs().Clear(0)
	if err := m.SendMessageMask(mask, MsgReschedule); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got := seen.Load(); got != 3 {
		t.Fatalf("handler ran on %d CPUs, want 3", got)
	}
}

func TestMachineTopology(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NUMA = []NUMANode{
		{ID: 0, CPUs: []int{0, 1}},
		{ID: 1, CPUs: []int{2, 3}},
	}

	m := newTestMachine(t, cfg)
	topo := m.Topology()
	if got := len(topo.Nodes); got != 2 {
		t.Fatalf("topology has %d nodes, want 2", got)
	}
	if got := topo.NodeOf(2); got != 1 {
		t.Fatalf("CPU 2 on node %d, want 1", got)
	}
	if topo.Distance[0][1] <= topo.Distance[0][0] {
		t.Fatalf("remote distance %d not above local %d", topo.Distance[0][1], topo.Distance[0][0])
	}
}

func TestParseFirmwareFallback(t *testing.T) {
	// RAM with no tables installed: the fallback single CPU table applies.
	ram := hw.NewMemory(0, 16<<20)
	table, err := ParseFirmware(ram, 5)
	if err != nil {
		t.Fatalf("ParseFirmware: %v", err)
	}
	if len(table.Processors) != 1 || table.Processors[0].APICID != 5 {
		t.Fatalf("fallback table = %+v, want one processor with controller id 5", table.Processors)
	}

	// A machine's RAM parses back to what was installed.
	m := newTestMachine(t, DefaultConfig())
	table, err = ParseFirmware(m.Memory(), 0)
	if err != nil {
		t.Fatalf("ParseFirmware: %v", err)
	}
	if len(table.Processors) != DefaultConfig().NumCPUs {
		t.Fatalf("parsed %d processors, want %d", len(table.Processors), DefaultConfig().NumCPUs)
	}
}

func TestMachineRejectsBadConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NumCPUs = 0
	if _, err := New(cfg); err == nil {
		t.Fatalf("expected error for zero CPU machine")
	}
}

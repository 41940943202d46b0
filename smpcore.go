// Package smpcore emulates the multiprocessor bring-up path of an x86-64
// machine: ACPI MADT firmware tables, local and I/O interrupt controllers,
// and INIT-SIPI application processor startup. A Machine is a self-contained
// emulated platform; the firmware tables it installs are the same tables its
// bring-up core parses back, so the boot path exercises the full
// firmware-to-OS handoff.
package smpcore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/smpcore/internal/acpi"
	"github.com/tinyrange/smpcore/internal/apic"
	"github.com/tinyrange/smpcore/internal/assert"
	"github.com/tinyrange/smpcore/internal/clock"
	"github.com/tinyrange/smpcore/internal/config"
	"github.com/tinyrange/smpcore/internal/hw"
	"github.com/tinyrange/smpcore/internal/mem"
	"github.com/tinyrange/smpcore/internal/smp"
	"github.com/tinyrange/smpcore/internal/spin"
)

// -----------------------------------------------------------------------------
// Type Aliases - These re-export types from the internal packages
// -----------------------------------------------------------------------------

// Config is the machine description. Load one from YAML with LoadConfig or
// start from DefaultConfig.
type Config = config.Machine

// IOAPIC declares one I/O interrupt router in a Config.
type IOAPIC = config.IOAPIC

// Override declares one legacy interrupt source override in a Config.
type Override = config.Override

// NUMANode assigns CPUs to a node in a Config.
type NUMANode = config.NUMANode

// Core owns the CPU table and drives multiprocessor bring-up.
type Core = smp.Core

// CPU is one logical processor slot.
type CPU = smp.CPU

// CPUMask is a set of CPU indexes.
type CPUMask = smp.CPUMask

// State is a CPU lifecycle state.
type State = smp.State

// Message is an inter-processor message type.
type Message = smp.Message

// Topology describes the machine's NUMA layout.
type Topology = smp.Topology

// Capabilities records the feature bits detected on a CPU.
type Capabilities = smp.Capabilities

// Scheduler receives timer ticks on each online CPU.
type Scheduler = smp.Scheduler

// IPIHandler handles one inter-processor message on the target CPU.
type IPIHandler = smp.IPIHandler

// IRQHandler handles one routed device interrupt.
type IRQHandler = smp.IRQHandler

// BootProgress is called after each application processor attempt.
type BootProgress = smp.BootProgress

// Clock is the machine's time source. Tests inject a manual one.
type Clock = clock.Clock

// SpinLock is a word-sized test-and-set lock with debug owner tracking.
type SpinLock = spin.Lock

// FirmwareTable is the parsed MADT contents.
type FirmwareTable = acpi.Table

// CPU lifecycle states.
const (
	StateAbsent  = smp.StateAbsent
	StateOffline = smp.StateOffline
	StateBooting = smp.StateBooting
	StateOnline  = smp.StateOnline
	StateIdle    = smp.StateIdle
	StateHalted  = smp.StateHalted
)

// Inter-processor message types.
const (
	MsgReschedule   = smp.MsgReschedule
	MsgWakeup       = smp.MsgWakeup
	MsgCallFunction = smp.MsgCallFunction
	MsgHalt         = smp.MsgHalt
)

// MaxCPUs bounds the number of processor slots.
const MaxCPUs = smp.MaxCPUs

// NumLegacyIRQs is the size of the legacy ISA interrupt space.
const NumLegacyIRQs = apic.NumLegacyIRQs

// NoOwner marks a spinlock acquisition with no CPU identity behind it.
const NoOwner = spin.NoOwner

// SetDebugAssertions toggles debug assertions process-wide. When off,
// programming errors like a double end-of-interrupt proceed the way the
// hardware would.
func SetDebugAssertions(on bool) { assert.SetEnabled(on) }

// Common sentinel errors.
var (
	ErrNoProcessors   = smp.ErrNoProcessors
	ErrBootTimeout    = smp.ErrBootTimeout
	ErrInvalidCPU     = smp.ErrInvalidCPU
	ErrCPUOffline     = smp.ErrCPUOffline
	ErrInvalidMessage = smp.ErrInvalidMessage
	ErrNotRouted      = apic.ErrNotRouted
	ErrOutOfMemory    = mem.ErrOutOfMemory
)

// DefaultConfig returns a four CPU machine with one interrupt router.
func DefaultConfig() Config { return config.Default() }

// LoadConfig reads a YAML machine description from disk.
func LoadConfig(path string) (Config, error) { return config.Load(path) }

// ParseConfig decodes a YAML machine description.
func ParseConfig(data []byte) (Config, error) { return config.Parse(data) }

// ParseFirmware reads the firmware tables out of guest RAM. When no root
// pointer exists a single CPU fallback table is synthesized around the
// given boot controller id; every other parse failure is fatal.
func ParseFirmware(ram *hw.Memory, bootAPICID uint32) (FirmwareTable, error) {
	table, err := acpi.Parse(ram)
	if errors.Is(err, acpi.ErrRootPointerNotFound) {
		return *acpi.Fallback(bootAPICID), nil
	}
	if err != nil {
		return FirmwareTable{}, err
	}
	return *table, nil
}

// -----------------------------------------------------------------------------
// Machine Options
// -----------------------------------------------------------------------------

// Option configures a Machine.
type Option func(*machineOptions)

type machineOptions struct {
	log      *slog.Logger
	clk      clock.Clock
	sched    smp.Scheduler
	progress smp.BootProgress
	launch   smp.LaunchHook
}

// WithLogger sets the machine's logger. The default is slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(o *machineOptions) { o.log = log }
}

// WithClock replaces the real time source, usually with a manual clock so
// boot timing is deterministic.
func WithClock(clk Clock) Option {
	return func(o *machineOptions) { o.clk = clk }
}

// WithScheduler installs the scheduler that receives local timer ticks.
func WithScheduler(s Scheduler) Option {
	return func(o *machineOptions) { o.sched = s }
}

// WithBootProgress reports bring-up progress after each processor attempt.
func WithBootProgress(fn BootProgress) Option {
	return func(o *machineOptions) { o.progress = fn }
}

// withLaunchHook gates each application processor launch. Test seam.
func withLaunchHook(fn smp.LaunchHook) Option {
	return func(o *machineOptions) { o.launch = fn }
}

// -----------------------------------------------------------------------------
// Machine
// -----------------------------------------------------------------------------

// Firmware table placement inside guest RAM.
const (
	firmwareTablesSize = 0x10000
	rsdpWindowBase     = 0x000E0000
)

// Machine is a complete emulated platform: guest RAM with firmware tables
// installed, an MMIO bus exposing the interrupt controllers, and the
// bring-up core that boots every processor the tables describe.
type Machine struct {
	cfg Config
	log *slog.Logger

	ram   *hw.Memory
	mmio  *hw.Bus
	alloc *mem.Allocator
	table acpi.Table
	core  *smp.Core
}

// New builds a Machine from the given description. Firmware tables are
// installed into fresh guest RAM and parsed back, so the core boots from
// exactly what an operating system would read. Call Boot to start the
// processors and Shutdown to stop them.
func New(cfg Config, opts ...Option) (*Machine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var o machineOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = slog.Default()
	}

	ram := hw.NewMemory(0, cfg.MemorySize)

	tablesBase := cfg.MemorySize - firmwareTablesSize
	fw := acpi.Config{
		TablesBase:   tablesBase,
		TablesSize:   firmwareTablesSize,
		RSDPBase:     rsdpWindowBase,
		NumCPUs:      cfg.NumCPUs,
		LAPICBase:    cfg.LAPICBase,
		X2APIC:       cfg.X2APIC,
		LocalNMIs:    true,
		IOAPICs:      ioapicEntries(cfg.IOAPICs),
		ISAOverrides: isaOverrides(cfg.Overrides),
	}
	if err := acpi.Install(ram, fw); err != nil {
		return nil, fmt.Errorf("install firmware tables: %w", err)
	}

	table, err := acpi.Parse(ram)
	if err != nil {
		return nil, fmt.Errorf("parse firmware tables: %w", err)
	}

	alloc := mem.NewAllocator(ram)
	alloc.Reserve(tablesBase, firmwareTablesSize)
	alloc.Reserve(rsdpWindowBase, mem.PageSize)

	core, err := smp.New(smp.Config{
		Table:     *table,
		Memory:    ram,
		Allocator: alloc,
		Clock:     o.clk,
		Logger:    o.log,
		X2APIC:    cfg.X2APIC,
		TimerHz:   timerOverrides(cfg.TimerHz, table),
		Affinity:  nodeAffinity(cfg.NUMA),
		Scheduler: o.sched,
		Launch:    o.launch,
		Progress:  o.progress,
	})
	if err != nil {
		return nil, err
	}

	mmio := hw.NewBus(ram)
	for _, router := range core.Routers() {
		if err := mmio.MapDevice(router); err != nil {
			return nil, fmt.Errorf("map interrupt router: %w", err)
		}
	}
	// Every local controller decodes the same physical window, so only the
	// boot CPU's is visible on the bus. x2APIC mode is MSR based and maps
	// nothing.
	if !cfg.X2APIC {
		if lapic, ok := core.InterruptBus().LAPIC(table.Processors[0].APICID); ok {
			if err := mmio.MapDevice(lapic); err != nil {
				return nil, fmt.Errorf("map local controller: %w", err)
			}
		}
	}

	return &Machine{
		cfg:   cfg,
		log:   o.log,
		ram:   ram,
		mmio:  mmio,
		alloc: alloc,
		table: *table,
		core:  core,
	}, nil
}

// Boot starts the boot processor and brings every application processor
// online. Processors that fail bring-up are logged and left offline; Boot
// fails only when the boot processor itself cannot start or ctx expires.
func (m *Machine) Boot(ctx context.Context) error { return m.core.Boot(ctx) }

// Shutdown halts every online processor and waits for them to exit.
func (m *Machine) Shutdown() { m.core.Shutdown() }

// Core returns the bring-up core for direct access.
func (m *Machine) Core() *Core { return m.core }

// Memory returns the guest RAM.
func (m *Machine) Memory() *hw.Memory { return m.ram }

// MMIO returns the bus carrying guest RAM and the controller windows.
func (m *Machine) MMIO() *hw.Bus { return m.mmio }

// Firmware returns the parsed MADT the machine booted from.
func (m *Machine) Firmware() FirmwareTable { return m.table }

// OnlineCPUs returns the mask of CPUs currently online.
func (m *Machine) OnlineCPUs() CPUMask { return m.core.OnlineMask() }

// PossibleCPUs returns the mask of CPUs the firmware tables describe.
func (m *Machine) PossibleCPUs() CPUMask { return m.core.PossibleMask() }

// OnlineCount returns the number of CPUs currently online.
func (m *Machine) OnlineCount() int { return m.core.OnlineCount() }

// Topology returns the machine's NUMA layout.
func (m *Machine) Topology() Topology { return m.core.Topology() }

// SendMessage posts an inter-processor message to one CPU.
func (m *Machine) SendMessage(target int, msg Message) error {
	return m.core.SendMessage(target, msg)
}

// SendMessageMask posts an inter-processor message to every CPU in the mask.
func (m *Machine) SendMessageMask(mask CPUMask, msg Message) error {
	return m.core.SendMessageMask(mask, msg)
}

// InstallIPIHandler registers the handler for one message type.
func (m *Machine) InstallIPIHandler(msg Message, fn IPIHandler) error {
	return m.core.InstallIPIHandler(msg, fn)
}

// InstallIRQHandler registers the handler for one legacy interrupt.
func (m *Machine) InstallIRQHandler(irq int, fn IRQHandler) error {
	return m.core.InstallIRQHandler(irq, fn)
}

// UninstallIRQHandler masks a legacy interrupt and removes its handler.
func (m *Machine) UninstallIRQHandler(irq int) error {
	return m.core.UninstallIRQHandler(irq)
}

// MaskIRQ masks a legacy interrupt at its router.
func (m *Machine) MaskIRQ(irq int) error { return m.core.MaskIRQ(irq) }

// UnmaskIRQ unmasks a legacy interrupt at its router.
func (m *Machine) UnmaskIRQ(irq int) error { return m.core.UnmaskIRQ(irq) }

// SetIRQLine drives a legacy interrupt line high or low at the router pin
// it is routed through.
func (m *Machine) SetIRQLine(irq int, high bool) error {
	route, ok := m.core.Routing().Route(irq)
	if !ok {
		return fmt.Errorf("irq %d: %w", irq, ErrNotRouted)
	}
	route.Router.SetPin(uint32(route.Pin), high)
	return nil
}

// RunOn queues fn for execution on the given online CPU.
func (m *Machine) RunOn(cpu int, fn func()) error { return m.core.RunOn(cpu, fn) }

// CurrentCPUID returns the index of the CPU this call executes on.
func (m *Machine) CurrentCPUID() int { return m.core.CurrentCPUID() }

// CPUIsOnline reports whether the given CPU is online.
func (m *Machine) CPUIsOnline(cpu int) bool { return m.core.CPUIsOnline(cpu) }

// EndOfInterrupt signals completion of the in-service interrupt.
func (m *Machine) EndOfInterrupt() { m.core.EndOfInterrupt() }

// -----------------------------------------------------------------------------
// Config conversion
// -----------------------------------------------------------------------------

func ioapicEntries(routers []config.IOAPIC) []acpi.IOAPICEntry {
	entries := make([]acpi.IOAPICEntry, len(routers))
	for i, r := range routers {
		entries[i] = acpi.IOAPICEntry{ID: r.ID, Address: r.Address, GSIBase: r.GSIBase}
	}
	return entries
}

func isaOverrides(overrides []config.Override) []acpi.InterruptOverride {
	out := make([]acpi.InterruptOverride, len(overrides))
	for i, ovr := range overrides {
		flags := acpi.PolarityActiveHigh | acpi.TriggerEdge
		if ovr.ActiveLow {
			flags = flags&^uint16(0x3) | acpi.PolarityActiveLow
		}
		if ovr.Level {
			flags = flags&^uint16(0x3<<2) | acpi.TriggerLevel
		}
		out[i] = acpi.InterruptOverride{IRQ: ovr.IRQ, GSI: ovr.GSI, Flags: flags}
	}
	return out
}

func timerOverrides(hz uint64, table *acpi.Table) map[uint32]uint64 {
	if hz == 0 {
		return nil
	}
	out := make(map[uint32]uint64, len(table.Processors))
	for _, p := range table.Processors {
		out[p.APICID] = hz
	}
	return out
}

func nodeAffinity(nodes []config.NUMANode) []smp.NodeAffinity {
	var out []smp.NodeAffinity
	for _, node := range nodes {
		for _, cpu := range node.CPUs {
			out = append(out, smp.NodeAffinity{CPU: cpu, Node: node.ID})
		}
	}
	return out
}

package smp

import (
	"sync/atomic"
	"unsafe"

	xcpu "golang.org/x/sys/cpu"

	"github.com/tinyrange/smpcore/internal/apic"
)

// MaxCPUs bounds the CPU table. One 64-bit word covers every mask.
const MaxCPUs = 64

// coresPerPackage fixes the emulated processor hierarchy: eight cores per
// package, one thread per core. Controller ids decompose accordingly.
const coresPerPackage = 8

// cacheLineSize is the coherence granule hint recorded on every CPU.
var cacheLineSize = int(unsafe.Sizeof(xcpu.CacheLinePad{}))

// State is a CPU's lifecycle phase.
type State int32

const (
	// StateAbsent marks a slot with no firmware entry behind it.
	StateAbsent State = iota
	// StateOffline means the CPU exists but is not running.
	StateOffline
	// StateBooting means a start-up sequence is in flight.
	StateBooting
	// StateOnline means the CPU finished bring-up and is running.
	StateOnline
	// StateIdle means the CPU is halted waiting for an interrupt.
	StateIdle
	// StateHalted is terminal.
	StateHalted
)

func (s State) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StateOffline:
		return "offline"
	case StateBooting:
		return "booting"
	case StateOnline:
		return "online"
	case StateIdle:
		return "idle"
	case StateHalted:
		return "halted"
	default:
		return "unknown"
	}
}

// Running reports whether the state counts toward the online mask.
func (s State) Running() bool { return s == StateOnline || s == StateIdle }

// Capabilities records what the processor reported during bring-up.
type Capabilities struct {
	SSE42  bool
	AVX    bool
	AVX2   bool
	POPCNT bool
	RDRAND bool
	ERMS   bool
}

func detectCapabilities() Capabilities {
	return Capabilities{
		SSE42:  xcpu.X86.HasSSE42,
		AVX:    xcpu.X86.HasAVX,
		AVX2:   xcpu.X86.HasAVX2,
		POPCNT: xcpu.X86.HasPOPCNT,
		RDRAND: xcpu.X86.HasRDRAND,
		ERMS:   xcpu.X86.HasERMS,
	}
}

// stackSet holds the three per-CPU stack pages handed out during bring-up.
type stackSet struct {
	kernel uint64
	irq    uint64
	nmi    uint64
}

func (s stackSet) pages() []uint64 { return []uint64{s.kernel, s.irq, s.nmi} }

// CPU is one slot in the CPU table. Lifecycle fields are written by the
// owning CPU after it comes online, or by the coordinator before that point;
// the pending-message word is written by any CPU.
type CPU struct {
	index       int
	apicID      uint32
	processorID uint32
	pkg         int
	core        int
	thread      int
	node        int
	cacheLine   int

	state   atomic.Int32
	pending atomic.Uint64

	stacks    stackSet
	caps      Capabilities
	bootTicks uint64
	timerHz   uint64

	// hotPluggable marks a firmware entry that may be enabled later. The
	// slot counts as possible but is never started at boot.
	hotPluggable bool

	lapic *apic.LAPIC

	// initSeen gates STARTUP: hardware ignores it on a CPU that was not
	// reset first.
	initSeen    atomic.Bool
	started     atomic.Bool
	needResched atomic.Bool

	wake chan struct{}
	work chan func()
}

// ID returns the logical CPU id (the slot index).
func (c *CPU) ID() int { return c.index }

// APICID returns the local controller id.
func (c *CPU) APICID() uint32 { return c.apicID }

// ProcessorID returns the firmware processor uid.
func (c *CPU) ProcessorID() uint32 { return c.processorID }

// Package returns the physical package the CPU sits in.
func (c *CPU) Package() int { return c.pkg }

// Core returns the core index within the package.
func (c *CPU) Core() int { return c.core }

// Thread returns the hardware thread within the core. Always zero; the
// emulated hierarchy has no SMT.
func (c *CPU) Thread() int { return c.thread }

// Node returns the NUMA node the CPU belongs to.
func (c *CPU) Node() int { return c.node }

// CacheLineSize returns the coherence granule hint in bytes.
func (c *CPU) CacheLineSize() int { return c.cacheLine }

// HotPluggable reports whether the firmware deferred this CPU to a later
// enable.
func (c *CPU) HotPluggable() bool { return c.hotPluggable }

// State returns the current lifecycle phase.
func (c *CPU) State() State { return State(c.state.Load()) }

func (c *CPU) setState(s State) { c.state.Store(int32(s)) }

// Pending returns the unhandled message bits.
func (c *CPU) Pending() uint64 { return c.pending.Load() }

// Capabilities returns what the CPU detected at bring-up.
func (c *CPU) Capabilities() Capabilities { return c.caps }

// TimerHz returns the calibrated local timer input frequency, zero before
// calibration.
func (c *CPU) TimerHz() uint64 { return c.timerHz }

// BootTicks returns the clock reading taken when the CPU came online.
func (c *CPU) BootTicks() uint64 { return c.bootTicks }

// NeedReschedule reports and clears the reschedule flag.
func (c *CPU) NeedReschedule() bool { return c.needResched.Swap(false) }

func (c *CPU) wakeUp() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

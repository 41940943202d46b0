package smp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyrange/smpcore/internal/acpi"
	"github.com/tinyrange/smpcore/internal/apic"
	"github.com/tinyrange/smpcore/internal/clock"
	"github.com/tinyrange/smpcore/internal/hw"
)

// Bring-up timing. The INIT to STARTUP gap is a hardware requirement; the
// online timeout is policy.
const (
	initStartupDelay = 10 * time.Millisecond
	apOnlineTimeout  = time.Second
)

// apEntryPoint is the landing address patched into the trampoline. A started
// CPU must read back exactly this value before it may come online.
const apEntryPoint uint32 = 0x0010_0000

var (
	// ErrNoProcessors is returned when the firmware table lists no usable CPU.
	ErrNoProcessors = errors.New("smp: no processors in firmware table")
	// ErrBootTimeout is returned when an AP misses the online deadline.
	ErrBootTimeout = errors.New("smp: CPU failed to come online")
)

// PageAllocator hands out the physical pages used for stacks and the
// trampoline.
type PageAllocator interface {
	AllocPage() (uint64, error)
	AllocLowPage() (uint64, error)
	FreePage(addr uint64) error
}

// Scheduler is consulted on each local timer interrupt. A true return sets
// the CPU's reschedule flag.
type Scheduler interface {
	TimerTick(cpu int) bool
}

// LaunchHook intercepts an AP just after STARTUP. A false return abandons
// the launch, leaving the CPU to time out. Used to model bring-up failures.
type LaunchHook func(cpu int) bool

// BootProgress reports bring-up progress: CPUs finished (booted or given up
// on) out of the total attempted.
type BootProgress func(done, total int)

// IRQHandler services one legacy IRQ. The core acknowledges the interrupt
// after the handler returns.
type IRQHandler func(irq int)

type irqHandlerEntry struct {
	irq int
	fn  IRQHandler
}

// Config assembles a Core's collaborators.
type Config struct {
	Table     acpi.Table
	Memory    *hw.Memory
	Allocator PageAllocator

	// Clock defaults to the real time source; tests inject a manual one.
	Clock  clock.Clock
	Logger *slog.Logger

	// BootAPICID selects the boot CPU's controller id. When no enabled
	// entry matches, the first enabled entry becomes the boot CPU.
	BootAPICID uint32
	X2APIC     bool

	// IOAPICPins sets the redirection-entry count per router.
	IOAPICPins int

	// TimerHz overrides the emulated timer input frequency per controller
	// id. Heterogeneous platforms calibrate each CPU separately.
	TimerHz map[uint32]uint64

	Affinity  []NodeAffinity
	Scheduler Scheduler
	Launch    LaunchHook
	Progress  BootProgress
}

// Core owns the CPU table and drives multiprocessor bring-up.
type Core struct {
	log   *slog.Logger
	clk   clock.Clock
	mem   *hw.Memory
	alloc PageAllocator
	sched Scheduler

	launch   LaunchHook
	progress BootProgress

	bus     *apic.Bus
	routers []*apic.IOAPIC
	vectors *apic.VectorAllocator
	routing *apic.RoutingTable
	tramp   *Trampoline

	cpus     []*CPU
	boot     *CPU
	possible CPUMask
	topology Topology

	online      atomic.Uint64
	onlineCount atomic.Int32

	ipiHandlers    [NumMessages]atomic.Pointer[IPIHandler]
	vectorHandlers [256]atomic.Pointer[irqHandlerEntry]

	shutdown     chan struct{}
	shutdownOnce sync.Once
	wg           sync.WaitGroup
}

// New builds a Core from a parsed firmware table. No CPU other than the
// caller's runs until Boot.
func New(cfg Config) (*Core, error) {
	if len(cfg.Table.Processors) == 0 {
		return nil, ErrNoProcessors
	}
	if cfg.Memory == nil || cfg.Allocator == nil {
		return nil, errors.New("smp: memory and allocator are required")
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	pins := cfg.IOAPICPins
	if pins <= 0 {
		pins = 24
	}

	c := &Core{
		log:      log,
		clk:      clk,
		mem:      cfg.Memory,
		alloc:    cfg.Allocator,
		sched:    cfg.Scheduler,
		launch:   cfg.Launch,
		progress: cfg.Progress,
		bus:      apic.NewBus(),
		vectors:  apic.NewVectorAllocator(),
		shutdown: make(chan struct{}),
	}

	bootEntry, ok := pickBootEntry(cfg.Table.Processors, cfg.BootAPICID)
	if !ok {
		return nil, fmt.Errorf("%w: every entry is deferred to hot-plug", ErrNoProcessors)
	}

	// The boot CPU always takes logical id 0.
	c.addCPU(bootEntry, cfg)
	for _, p := range cfg.Table.Processors {
		if p.APICID == bootEntry.APICID {
			continue
		}
		if len(c.cpus) >= MaxCPUs {
			log.Warn("processor entry beyond CPU limit ignored", "apic_id", p.APICID)
			continue
		}
		c.addCPU(p, cfg)
	}
	c.boot = c.cpus[0]

	for _, ioa := range cfg.Table.IOAPICs {
		router := apic.NewIOAPIC(ioa.ID, uint64(ioa.Address), ioa.GSIBase, pins)
		router.SetRouting(c.bus)
		c.bus.AttachEOITarget(router)
		c.routers = append(c.routers, router)
	}

	topo, err := BuildTopology(c.possible, cfg.Affinity)
	if err != nil {
		return nil, err
	}
	c.topology = topo
	for _, cpu := range c.cpus {
		cpu.node = topo.NodeOf(cpu.index)
	}

	routing, err := apic.InitLegacyRouting(c.routers, cfg.Table.Overrides, c.vectors, c.boot.apicID)
	if err != nil {
		return nil, fmt.Errorf("smp: legacy interrupt routing: %w", err)
	}
	c.routing = routing

	return c, nil
}

// pickBootEntry selects the boot CPU's firmware entry: the one matching
// bootAPICID when it is immediately enabled, otherwise the first enabled
// entry. A table with only hot-pluggable entries has no boot CPU.
func pickBootEntry(procs []acpi.Processor, bootAPICID uint32) (acpi.Processor, bool) {
	for _, p := range procs {
		if p.APICID == bootAPICID && p.Enabled() {
			return p, true
		}
	}
	for _, p := range procs {
		if p.Enabled() {
			return p, true
		}
	}
	return acpi.Processor{}, false
}

func (c *Core) addCPU(p acpi.Processor, cfg Config) {
	index := len(c.cpus)
	cpu := &CPU{
		index:        index,
		apicID:       p.APICID,
		processorID:  p.ProcessorID,
		pkg:          int(p.APICID) / coresPerPackage,
		core:         int(p.APICID) % coresPerPackage,
		cacheLine:    cacheLineSize,
		hotPluggable: !p.Enabled(),
		wake:         make(chan struct{}, 1),
		work:         make(chan func(), 16),
	}
	cpu.setState(StateOffline)

	var opts []apic.LAPICOption
	if cfg.X2APIC {
		opts = append(opts, apic.WithAccessMode(apic.ModeX2APIC))
	}
	if hz, ok := cfg.TimerHz[p.APICID]; ok {
		opts = append(opts, apic.WithTimerInputHz(hz))
	}
	cpu.lapic = apic.NewLAPIC(p.APICID, uint64(cfg.Table.LAPICBase), c.bus, &cpuSink{core: c, cpu: cpu}, c.clk, opts...)

	c.cpus = append(c.cpus, cpu)
	c.possible = c.possible.Set(index)
}

// Boot brings the boot CPU online and then starts every other possible CPU
// in turn. A CPU that fails bring-up stays offline; Boot succeeds as long
// as the boot CPU is up.
func (c *Core) Boot(ctx context.Context) error {
	bsp := c.boot
	bsp.lapic.InitBSP()
	bsp.caps = detectCapabilities()
	bsp.timerHz = bsp.lapic.Calibrate(c.clk)
	bsp.bootTicks = c.clk.Ticks()
	bsp.setState(StateOnline)
	c.online.Or(1)
	c.onlineCount.Store(1)
	c.log.Info("boot CPU online", "cpu", 0, "apic_id", bsp.apicID, "timer_hz", bsp.timerHz)

	aps := 0
	for _, cpu := range c.cpus[1:] {
		if !cpu.hotPluggable {
			aps++
		}
	}
	if aps == 0 {
		return nil
	}

	tramp, err := NewTrampoline(c.mem, c.alloc)
	if err != nil {
		return err
	}
	c.tramp = tramp
	defer func() {
		tramp.Free()
		c.tramp = nil
	}()

	if lines, err := tramp.Disassemble(); err == nil {
		for _, line := range lines {
			c.log.Debug("trampoline", "inst", line)
		}
	}

	done := 0
	for _, cpu := range c.cpus[1:] {
		if cpu.hotPluggable {
			c.log.Info("hot-pluggable CPU left offline", "cpu", cpu.index, "apic_id", cpu.apicID)
			continue
		}
		if err := c.bringUp(ctx, cpu); err != nil {
			c.log.Warn("CPU bring-up failed", "cpu", cpu.index, "apic_id", cpu.apicID, "err", err)
		}
		done++
		if c.progress != nil {
			c.progress(done, aps)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	c.log.Info("bring-up complete",
		"online", c.OnlineMask().String(),
		"count", c.OnlineCount(),
		"possible", c.possible.Weight())
	return nil
}

func (c *Core) bringUp(ctx context.Context, cpu *CPU) error {
	stacks, err := c.allocStacks()
	if err != nil {
		return fmt.Errorf("allocate stacks: %w", err)
	}
	cpu.stacks = stacks

	if err := c.tramp.Patch(apEntryPoint); err != nil {
		c.freeStacks(stacks)
		return err
	}

	cpu.setState(StateBooting)
	c.boot.lapic.SendINIT(cpu.apicID)
	c.clk.BusyWait(initStartupDelay)
	c.boot.lapic.SendStartup(cpu.apicID, c.tramp.Page())

	deadline := c.clk.Ticks() + uint64(apOnlineTimeout/clock.TickGranularity)
	for c.clk.Ticks() < deadline && ctx.Err() == nil {
		if cpu.State().Running() {
			break
		}
		runtime.Gosched()
		c.clk.BusyWait(clock.TickGranularity)
	}

	if cpu.state.CompareAndSwap(int32(StateBooting), int32(StateOffline)) {
		c.freeStacks(stacks)
		cpu.stacks = stackSet{}
		return fmt.Errorf("%w: cpu %d after %v", ErrBootTimeout, cpu.index, apOnlineTimeout)
	}

	c.online.Or(1 << cpu.index)
	c.onlineCount.Add(1)
	c.log.Info("CPU online",
		"cpu", cpu.index,
		"apic_id", cpu.apicID,
		"node", cpu.node,
		"timer_hz", cpu.timerHz)
	return nil
}

func (c *Core) allocStacks() (stackSet, error) {
	var s stackSet
	pages := []*uint64{&s.kernel, &s.irq, &s.nmi}
	for i, page := range pages {
		addr, err := c.alloc.AllocPage()
		if err != nil {
			for _, p := range pages[:i] {
				c.alloc.FreePage(*p)
			}
			return stackSet{}, err
		}
		*page = addr
	}
	return s, nil
}

func (c *Core) freeStacks(s stackSet) {
	for _, page := range s.pages() {
		if page != 0 {
			c.alloc.FreePage(page)
		}
	}
}

// apMain is the landing routine: the first code a started CPU runs.
func (c *Core) apMain(cpu *CPU, page uint8) {
	defer c.wg.Done()

	if c.launch != nil && !c.launch(cpu.index) {
		return
	}

	landing, err := c.mem.Read32(uint64(page)<<12 + trampolineLandingOffset)
	if err != nil || landing != apEntryPoint {
		c.log.Error("bad trampoline landing word", "cpu", cpu.index, "landing", landing, "err", err)
		return
	}

	// Identify self through the local controller, as real startup code
	// must. The table is small, a linear scan is fine.
	self := c.cpuByAPICID(cpu.lapic.ID())
	if self == nil {
		return
	}

	self.lapic.InitAP()
	self.caps = detectCapabilities()
	self.timerHz = self.lapic.Calibrate(c.clk)
	self.bootTicks = c.clk.Ticks()

	// The coordinator may already have given up on this CPU.
	if !self.state.CompareAndSwap(int32(StateBooting), int32(StateOnline)) {
		return
	}
	self.lapic.Enable()
	c.idleLoop(self)
}

// idleLoop halts until an interrupt or assigned work arrives. Interrupt
// dispatch runs elsewhere; the loop's job is to park the CPU between events.
func (c *Core) idleLoop(cpu *CPU) {
	for {
		// A failed swap means a halt landed in the window; never overwrite
		// a terminal state.
		if !cpu.state.CompareAndSwap(int32(StateOnline), int32(StateIdle)) {
			return
		}
		select {
		case <-cpu.wake:
		case fn := <-cpu.work:
			if !cpu.state.CompareAndSwap(int32(StateIdle), int32(StateOnline)) {
				return
			}
			fn()
			continue
		case <-c.shutdown:
			c.haltCPU(cpu)
			return
		}
		if !cpu.state.CompareAndSwap(int32(StateIdle), int32(StateOnline)) {
			return
		}
	}
}

// haltCPU moves a running CPU to the terminal state. Exactly one caller wins
// the swap, so the mask bit and the count drop exactly once per CPU.
func (c *Core) haltCPU(cpu *CPU) {
	for {
		s := cpu.State()
		if !s.Running() {
			return
		}
		if cpu.state.CompareAndSwap(int32(s), int32(StateHalted)) {
			break
		}
	}
	c.online.And(^(uint64(1) << cpu.index))
	c.onlineCount.Add(-1)
	cpu.wakeUp()
}

// Shutdown halts every application processor and waits for them to park.
func (c *Core) Shutdown() {
	mask := c.OnlineMask().Clear(0)
	if !mask.Empty() {
		c.SendMessageMask(mask, MsgHalt)
	}
	c.shutdownOnce.Do(func() { close(c.shutdown) })
	c.wg.Wait()
	if c.boot != nil && c.boot.State().Running() {
		c.haltCPU(c.boot)
	}
}

// ---------------------------------------------------------------------------
// Interrupt dispatch.

// cpuSink receives what the local controller accepts for one CPU.
type cpuSink struct {
	core *Core
	cpu  *CPU
}

func (s *cpuSink) Interrupt(vector uint8) { s.core.handleInterrupt(s.cpu, vector) }

func (s *cpuSink) NMI() {
	s.core.log.Warn("NMI", "cpu", s.cpu.index)
}

func (s *cpuSink) INIT() {
	s.cpu.pending.Store(0)
	s.cpu.initSeen.Store(true)
}

func (s *cpuSink) Startup(page uint8) {
	// Hardware ignores STARTUP on a CPU that was not reset first.
	if !s.cpu.initSeen.Load() {
		return
	}
	if s.cpu.started.Swap(true) {
		return
	}
	s.core.wg.Add(1)
	go s.core.apMain(s.cpu, page)
}

func (c *Core) handleInterrupt(cpu *CPU, vector uint8) {
	switch {
	case vector == apic.VectorSpurious:
		// Spurious deliveries are not acknowledged.
		return
	case vector == apic.VectorTimer:
		if c.sched != nil && c.sched.TimerTick(cpu.index) {
			cpu.needResched.Store(true)
		}
		cpu.lapic.EOI()
		cpu.wakeUp()
	case vector >= apic.VectorIPIBase:
		c.handleIPI(cpu)
	case vector >= apic.VectorCMCI:
		c.log.Warn("system interrupt", "cpu", cpu.index, "vector", vector)
		cpu.lapic.EOI()
	default:
		if entry := c.vectorHandlers[vector].Load(); entry != nil {
			entry.fn(entry.irq)
		}
		cpu.lapic.EOI()
		cpu.wakeUp()
	}
}

// ---------------------------------------------------------------------------
// Exported surface.

// CurrentCPUID returns the logical id of the CPU executing the call,
// resolved by matching the local controller id against the table.
func (c *Core) CurrentCPUID() int {
	if cpu := c.cpuByAPICID(c.current().lapic.ID()); cpu != nil {
		return cpu.index
	}
	return 0
}

// current returns the CPU the calling context runs on. Coordinator code
// runs on the boot CPU.
func (c *Core) current() *CPU { return c.boot }

func (c *Core) cpuByAPICID(id uint32) *CPU {
	for _, cpu := range c.cpus {
		if cpu.apicID == id {
			return cpu
		}
	}
	return nil
}

// CPU returns the descriptor for a logical id.
func (c *Core) CPU(id int) (*CPU, bool) {
	if id < 0 || id >= len(c.cpus) {
		return nil, false
	}
	return c.cpus[id], true
}

func (c *Core) runningCPU(id int) (*CPU, error) {
	cpu, ok := c.CPU(id)
	if !ok || !c.possible.Test(id) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidCPU, id)
	}
	if !c.OnlineMask().Test(id) {
		return nil, fmt.Errorf("%w: %d", ErrCPUOffline, id)
	}
	return cpu, nil
}

// CPUIsOnline reports whether the CPU is in the online mask.
func (c *Core) CPUIsOnline(id int) bool { return c.OnlineMask().Test(id) }

// OnlineMask returns a snapshot of the online CPUs.
func (c *Core) OnlineMask() CPUMask { return CPUMask(c.online.Load()) }

// PossibleMask returns the CPUs the firmware declared.
func (c *Core) PossibleMask() CPUMask { return c.possible }

// OnlineCount returns the number of online CPUs.
func (c *Core) OnlineCount() int { return int(c.onlineCount.Load()) }

// Topology returns the NUMA layout.
func (c *Core) Topology() Topology { return c.topology }

// Routing returns the legacy IRQ routing table.
func (c *Core) Routing() *apic.RoutingTable { return c.routing }

// Routers returns the I/O interrupt routers.
func (c *Core) Routers() []*apic.IOAPIC { return c.routers }

// InterruptBus returns the bus connecting the local controllers.
func (c *Core) InterruptBus() *apic.Bus { return c.bus }

// Vectors returns the interrupt vector allocator.
func (c *Core) Vectors() *apic.VectorAllocator { return c.vectors }

// InstallIRQHandler registers fn for a routed legacy IRQ. The entry stays
// masked; call UnmaskIRQ to start receiving interrupts.
func (c *Core) InstallIRQHandler(irq int, fn IRQHandler) error {
	route, ok := c.routing.Route(irq)
	if !ok {
		return fmt.Errorf("%w: %d", apic.ErrNotRouted, irq)
	}
	c.vectorHandlers[route.Vector].Store(&irqHandlerEntry{irq: irq, fn: fn})
	return nil
}

// UninstallIRQHandler masks the IRQ at its router and removes the handler.
func (c *Core) UninstallIRQHandler(irq int) error {
	route, ok := c.routing.Route(irq)
	if !ok {
		return fmt.Errorf("%w: %d", apic.ErrNotRouted, irq)
	}
	if err := c.routing.MaskIRQ(irq); err != nil {
		return err
	}
	c.vectorHandlers[route.Vector].Store(nil)
	return nil
}

// MaskIRQ masks a legacy IRQ at its router.
func (c *Core) MaskIRQ(irq int) error { return c.routing.MaskIRQ(irq) }

// UnmaskIRQ unmasks a legacy IRQ at its router.
func (c *Core) UnmaskIRQ(irq int) error { return c.routing.UnmaskIRQ(irq) }

// EndOfInterrupt acknowledges the current interrupt on the calling CPU.
func (c *Core) EndOfInterrupt() { c.current().lapic.EOI() }

// RunOn schedules fn to run on an online application processor, flipping it
// out of idle. The boot CPU runs the coordinator and cannot take work.
func (c *Core) RunOn(id int, fn func()) error {
	cpu, err := c.runningCPU(id)
	if err != nil {
		return err
	}
	if cpu == c.boot {
		return fmt.Errorf("%w: %d is the boot CPU", ErrInvalidCPU, id)
	}
	select {
	case cpu.work <- fn:
	default:
		return fmt.Errorf("smp: cpu %d work queue full", id)
	}
	cpu.wakeUp()
	return nil
}

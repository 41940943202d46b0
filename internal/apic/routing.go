package apic

import (
	"errors"
	"fmt"

	"github.com/tinyrange/smpcore/internal/acpi"
	"github.com/tinyrange/smpcore/internal/assert"
	"github.com/tinyrange/smpcore/internal/spin"
)

// NumLegacyIRQs is the size of the legacy (ISA) interrupt space.
const NumLegacyIRQs = 16

var (
	// ErrNoRouter is returned when no router claims a global interrupt.
	ErrNoRouter = errors.New("apic: no router covers global interrupt")
	// ErrNotRouted is returned for operations on an unrouted legacy IRQ.
	ErrNotRouted = errors.New("apic: legacy IRQ not routed")
)

// Route records where one legacy IRQ ended up.
type Route struct {
	Router    *IOAPIC
	Pin       uint8
	GSI       uint32
	Vector    uint8
	Dest      uint32
	ActiveLow bool
	Level     bool
	Enabled   bool
}

// RoutingTable maps legacy IRQ numbers to their programmed redirection
// entries. Built once at boot; mask state changes afterwards.
type RoutingTable struct {
	lock    spin.Lock
	routes  [NumLegacyIRQs]Route
	routers []*IOAPIC
}

// InitLegacyRouting initializes every router, then routes legacy IRQs 0-15:
// apply the source override if present, otherwise identity-map to the same
// global interrupt; pick the owning router; allocate a vector; program the
// redirection entry targeting the boot CPU; leave it masked until a handler
// is installed.
func InitLegacyRouting(routers []*IOAPIC, overrides []acpi.InterruptOverride, alloc *VectorAllocator, bootAPICID uint32) (*RoutingTable, error) {
	for a, ra := range routers {
		for b, rb := range routers {
			if a < b && rangesOverlap(ra, rb) {
				return nil, fmt.Errorf("apic: routers %d and %d claim overlapping global interrupts", ra.ID(), rb.ID())
			}
		}
	}

	rt := &RoutingTable{routers: routers}
	for _, router := range routers {
		router.Enable()
	}

	byIRQ := make(map[uint8]acpi.InterruptOverride)
	for _, ovr := range overrides {
		byIRQ[ovr.IRQ] = ovr
	}

	// Vectors are shared when two legacy IRQs collapse onto one global
	// interrupt.
	byGSI := make(map[uint32]uint8)

	for irq := 0; irq < NumLegacyIRQs; irq++ {
		gsi := uint32(irq)
		activeLow, level := false, false
		if ovr, ok := byIRQ[uint8(irq)]; ok {
			gsi = ovr.GSI
			activeLow = ovr.ActiveLow()
			level = ovr.LevelTriggered()
		}

		router := routerFor(routers, gsi)
		if router == nil {
			// A machine without routers still boots; the IRQ stays unrouted.
			continue
		}

		vector, ok := byGSI[gsi]
		if !ok {
			var err error
			vector, err = alloc.Alloc()
			if err != nil {
				return nil, fmt.Errorf("apic: route legacy IRQ %d: %w", irq, err)
			}
			byGSI[gsi] = vector
		}

		pin := router.PinFor(gsi)
		if err := router.Program(pin, Redirection{
			Vector:    vector,
			Dest:      uint8(bootAPICID),
			ActiveLow: activeLow,
			Level:     level,
			Masked:    true,
		}); err != nil {
			return nil, err
		}

		rt.routes[irq] = Route{
			Router:    router,
			Pin:       pin,
			GSI:       gsi,
			Vector:    vector,
			Dest:      bootAPICID,
			ActiveLow: activeLow,
			Level:     level,
			Enabled:   true,
		}
	}

	return rt, nil
}

// Route returns the routing record for a legacy IRQ.
func (rt *RoutingTable) Route(irq int) (Route, bool) {
	if irq < 0 || irq >= NumLegacyIRQs {
		return Route{}, false
	}
	rt.lock.Acquire(spin.NoOwner)
	defer rt.lock.Release()
	route := rt.routes[irq]
	return route, route.Enabled
}

// MaskIRQ masks the redirection entry backing a legacy IRQ.
func (rt *RoutingTable) MaskIRQ(irq int) error {
	route, ok := rt.Route(irq)
	if !ok {
		return fmt.Errorf("%w: %d", ErrNotRouted, irq)
	}
	route.Router.MaskPin(route.Pin)
	return nil
}

// UnmaskIRQ unmasks the redirection entry backing a legacy IRQ. Unmasking an
// unrouted IRQ is a programming error.
func (rt *RoutingTable) UnmaskIRQ(irq int) error {
	route, ok := rt.Route(irq)
	if !ok {
		assert.Failf("unmask of unrouted legacy IRQ %d", irq)
		return fmt.Errorf("%w: %d", ErrNotRouted, irq)
	}
	route.Router.UnmaskPin(route.Pin)
	return nil
}

// IRQMasked reports the mask state of a legacy IRQ's redirection entry.
func (rt *RoutingTable) IRQMasked(irq int) (bool, error) {
	route, ok := rt.Route(irq)
	if !ok {
		return false, fmt.Errorf("%w: %d", ErrNotRouted, irq)
	}
	return route.Router.PinMasked(route.Pin), nil
}

// Routers returns the routers the table was built over.
func (rt *RoutingTable) Routers() []*IOAPIC { return rt.routers }

func routerFor(routers []*IOAPIC, gsi uint32) *IOAPIC {
	for _, router := range routers {
		if router.Covers(gsi) {
			return router
		}
	}
	return nil
}

func rangesOverlap(a, b *IOAPIC) bool {
	aEnd := a.GSIBase() + uint32(a.Pins())
	bEnd := b.GSIBase() + uint32(b.Pins())
	return a.GSIBase() < bEnd && b.GSIBase() < aEnd
}

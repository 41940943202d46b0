package apic

import "sync"

// EOITarget receives end-of-interrupt broadcasts (e.g. an I/O router that
// must clear remote-IRR state).
type EOITarget interface {
	HandleEOI(vector uint32)
}

// Bus connects every local controller in the machine and routes
// inter-processor messages and I/O router assertions between them.
type Bus struct {
	mu sync.RWMutex

	lapics     map[uint32]*LAPIC
	eoiTargets []EOITarget
}

// NewBus returns an empty interrupt bus.
func NewBus() *Bus {
	return &Bus{lapics: make(map[uint32]*LAPIC)}
}

func (b *Bus) register(l *LAPIC) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lapics[l.id] = l
}

// LAPIC returns the controller with the given id, if any.
func (b *Bus) LAPIC(id uint32) (*LAPIC, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	l, ok := b.lapics[id]
	return l, ok
}

// AttachEOITarget wires EOI broadcasts to an additional receiver.
func (b *Bus) AttachEOITarget(target EOITarget) {
	if target == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.eoiTargets = append(b.eoiTargets, target)
}

// BroadcastEOI notifies every attached receiver that vector was acknowledged.
func (b *Bus) BroadcastEOI(vector uint8) {
	b.mu.RLock()
	targets := append([]EOITarget{}, b.eoiTargets...)
	b.mu.RUnlock()
	for _, target := range targets {
		target.HandleEOI(uint32(vector))
	}
}

// route delivers an ICR command word from src, returning how many
// controllers accepted it.
func (b *Bus) route(src *LAPIC, high, low uint32) int {
	shorthand := uint8((low & icrShorthandMask) >> icrShorthandShift)

	var targets []*LAPIC
	switch shorthand {
	case ShorthandSelf:
		targets = []*LAPIC{src}
	case ShorthandAll, ShorthandAllButSelf:
		b.mu.RLock()
		for _, l := range b.lapics {
			if shorthand == ShorthandAllButSelf && l == src {
				continue
			}
			targets = append(targets, l)
		}
		b.mu.RUnlock()
	default:
		dest := high
		if src.mode != ModeX2APIC {
			dest = high >> 24
		}
		if l, ok := b.LAPIC(dest); ok {
			targets = []*LAPIC{l}
		}
	}

	delivery := uint8(low>>icrDeliveryShift) & 0x7
	vector := uint8(low & icrVectorMask)
	for _, target := range targets {
		switch delivery {
		case DeliverFixed:
			target.accept(vector)
		case DeliverNMI:
			target.sink.NMI()
		case DeliverINIT:
			target.sink.INIT()
		case DeliverStartup:
			// STARTUP carries the trampoline page number in the vector field.
			target.sink.Startup(vector)
		}
	}
	return len(targets)
}

// Assert delivers an I/O router interrupt. destMode and deliveryMode follow
// the redirection-entry encoding; level deliveries are re-evaluated by the
// router after EOI.
func (b *Bus) Assert(vector uint8, dest uint8, destMode uint8, deliveryMode uint8, level bool) {
	_ = destMode // physical and logical ids coincide in this machine
	_ = level

	switch deliveryMode {
	case DeliverFixed:
		if l, ok := b.LAPIC(uint32(dest)); ok {
			l.accept(vector)
		}
	case DeliverNMI:
		if l, ok := b.LAPIC(uint32(dest)); ok {
			l.sink.NMI()
		}
	}
}

package smp

import (
	"errors"
	"fmt"

	"github.com/tinyrange/smpcore/internal/apic"
)

// Message is an inter-processor message type. Each type owns one bit of the
// per-CPU pending word and one vector above the IPI base.
type Message uint8

const (
	// MsgReschedule asks the target to re-run scheduling decisions.
	MsgReschedule Message = iota
	// MsgWakeup pulls the target out of its idle halt.
	MsgWakeup
	// MsgCallFunction asks the target to drain its function-call queue.
	MsgCallFunction
	// MsgHalt asks the target to stop. Handled by the core itself.
	MsgHalt

	// NumMessages bounds the message space. The vector window above the
	// IPI base caps it at 15.
	NumMessages
)

func (m Message) String() string {
	switch m {
	case MsgReschedule:
		return "reschedule"
	case MsgWakeup:
		return "wakeup"
	case MsgCallFunction:
		return "call-function"
	case MsgHalt:
		return "halt"
	default:
		return fmt.Sprintf("message-%d", uint8(m))
	}
}

// Vector returns the interrupt vector carrying this message type.
func (m Message) Vector() uint8 { return apic.VectorIPIBase + uint8(m) }

// IPIHandler processes one message type on the receiving CPU.
type IPIHandler func(cpu int, msg Message)

var (
	// ErrInvalidCPU is returned for ids outside the possible mask.
	ErrInvalidCPU = errors.New("smp: no such CPU")
	// ErrCPUOffline is returned when the target is not running.
	ErrCPUOffline = errors.New("smp: CPU is offline")
	// ErrInvalidMessage is returned for out-of-range message types.
	ErrInvalidMessage = errors.New("smp: invalid message type")
)

// SendMessage posts a message to one CPU: the message bit is OR'd into the
// target's pending word, then a hardware interrupt nudges the target. The
// bit is visible before the target's handler runs.
func (c *Core) SendMessage(target int, msg Message) error {
	if msg >= NumMessages {
		return fmt.Errorf("%w: %d", ErrInvalidMessage, msg)
	}
	cpu, err := c.runningCPU(target)
	if err != nil {
		return err
	}
	cpu.pending.Or(1 << msg)
	c.current().lapic.SendIPI(cpu.apicID, msg.Vector())
	return nil
}

// SendMessageMask posts a message to every CPU in the mask. Offline targets
// are reported but do not stop delivery to the rest.
func (c *Core) SendMessageMask(mask CPUMask, msg Message) error {
	if msg >= NumMessages {
		return fmt.Errorf("%w: %d", ErrInvalidMessage, msg)
	}
	var errs []error
	mask.ForEach(func(id int) {
		if err := c.SendMessage(id, msg); err != nil {
			errs = append(errs, fmt.Errorf("cpu %d: %w", id, err))
		}
	})
	return errors.Join(errs...)
}

// InstallIPIHandler registers fn for one message type, replacing any previous
// handler. MsgHalt is owned by the core and cannot be overridden.
func (c *Core) InstallIPIHandler(msg Message, fn IPIHandler) error {
	if msg >= NumMessages {
		return fmt.Errorf("%w: %d", ErrInvalidMessage, msg)
	}
	if msg == MsgHalt {
		return fmt.Errorf("%w: halt is reserved", ErrInvalidMessage)
	}
	c.ipiHandlers[msg].Store(&fn)
	return nil
}

// handleIPI drains the pending word and dispatches each set bit in ascending
// message-type order. Messages from one sender are delivered together; the
// interleaving across senders is unspecified. One acknowledgement covers the
// whole batch.
func (c *Core) handleIPI(cpu *CPU) {
	bits := cpu.pending.Swap(0)
	for msg := Message(0); msg < NumMessages; msg++ {
		if bits&(1<<msg) == 0 {
			continue
		}
		if msg == MsgHalt {
			c.haltCPU(cpu)
			continue
		}
		if fn := c.ipiHandlers[msg].Load(); fn != nil {
			(*fn)(cpu.index, msg)
		}
	}
	cpu.lapic.EOI()
	cpu.wakeUp()
}

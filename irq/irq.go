// Package irq is the interrupt delivery path between devices and vCPUs.
// Devices hold non-owning Line handles and never touch vCPU state; the
// controller serializes delivery per line and tracks EOI for level-triggered
// lines so repeated asserts coalesce instead of double-counting.
package irq

import (
	"fmt"
	"sync"
)

// Sink is the downstream receiver of interrupt state, normally the
// in-kernel interrupt controller.
type Sink interface {
	// SetLine drives a GSI level input high or low.
	SetLine(line uint32, high bool) error

	// SignalMSI posts a one-shot message-signaled interrupt.
	SignalMSI(addr uint64, data uint32) error
}

// Message describes an MSI write.
type Message struct {
	Addr uint64
	Data uint32
}

type lineState struct {
	asserted   bool // device-side level
	pendingEOI bool // delivered, not yet acknowledged by the guest
}

// Controller owns all interrupt lines of a VM.
type Controller struct {
	mu    sync.Mutex
	sink  Sink
	lines map[uint32]*lineState

	// onDeliver, if set, is called (outside the lock) after any delivery.
	// The VM uses it to wake halted vCPUs.
	onDeliver func()
}

// New returns a controller forwarding to sink.
func New(sink Sink) *Controller {
	return &Controller{
		sink:  sink,
		lines: make(map[uint32]*lineState),
	}
}

// OnDeliver registers fn to run after every delivered interrupt.
// It must be called before any device starts asserting lines.
func (c *Controller) OnDeliver(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDeliver = fn
}

// Line returns a handle for the given line number. Devices keep the handle;
// the controller keeps the state.
func (c *Controller) Line(n uint32) *Line {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.lines[n]; !ok {
		c.lines[n] = &lineState{}
	}

	return &Line{c: c, n: n}
}

// Assert raises a level-triggered line. Asserting an already-asserted line
// is idempotent: while an earlier delivery is pending EOI, no second
// delivery is produced.
func (c *Controller) Assert(n uint32) error {
	c.mu.Lock()

	l := c.line(n)
	if l.asserted {
		c.mu.Unlock()
		return nil
	}

	l.asserted = true

	deliver := !l.pendingEOI
	if deliver {
		l.pendingEOI = true
	}

	c.mu.Unlock()

	if !deliver {
		return nil
	}

	if err := c.sink.SetLine(n, true); err != nil {
		return fmt.Errorf("irq: assert line %d: %w", n, err)
	}

	c.notify()
	return nil
}

// Deassert lowers a level-triggered line.
func (c *Controller) Deassert(n uint32) error {
	c.mu.Lock()

	l := c.line(n)
	if !l.asserted {
		c.mu.Unlock()
		return nil
	}

	l.asserted = false
	c.mu.Unlock()

	if err := c.sink.SetLine(n, false); err != nil {
		return fmt.Errorf("irq: deassert line %d: %w", n, err)
	}

	return nil
}

// EOI acknowledges the pending interrupt on a line. If the device is still
// asserting the line, the interrupt is delivered again; otherwise the line
// goes idle.
func (c *Controller) EOI(n uint32) error {
	c.mu.Lock()

	l := c.line(n)
	if !l.pendingEOI {
		c.mu.Unlock()
		return nil
	}

	redeliver := l.asserted
	l.pendingEOI = redeliver

	c.mu.Unlock()

	if !redeliver {
		return nil
	}

	if err := c.sink.SetLine(n, true); err != nil {
		return fmt.Errorf("irq: redeliver line %d: %w", n, err)
	}

	c.notify()
	return nil
}

// SignalMSI posts a one-shot message-signaled interrupt. MSIs carry no level
// and no EOI bookkeeping.
func (c *Controller) SignalMSI(m Message) error {
	if err := c.sink.SignalMSI(m.Addr, m.Data); err != nil {
		return fmt.Errorf("irq: signal MSI 0x%x: %w", m.Addr, err)
	}

	c.notify()
	return nil
}

// Pending reports whether the line has a delivered interrupt awaiting EOI.
func (c *Controller) Pending(n uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	l, ok := c.lines[n]
	return ok && l.pendingEOI
}

// line returns the state for n, creating it if needed. Callers hold c.mu.
func (c *Controller) line(n uint32) *lineState {
	l, ok := c.lines[n]
	if !ok {
		l = &lineState{}
		c.lines[n] = l
	}

	return l
}

func (c *Controller) notify() {
	c.mu.Lock()
	fn := c.onDeliver
	c.mu.Unlock()

	if fn != nil {
		fn()
	}
}

// Line is a device-held handle to one interrupt line. The Controller owns
// the state; the handle only refers to it by number.
type Line struct {
	c *Controller
	n uint32
}

// Number returns the line number, for device config registers.
func (l *Line) Number() uint32 {
	return l.n
}

func (l *Line) Assert() error {
	return l.c.Assert(l.n)
}

func (l *Line) Deassert() error {
	return l.c.Deassert(l.n)
}

func (l *Line) EOI() error {
	return l.c.EOI(l.n)
}

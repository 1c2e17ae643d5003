// Package serial implements a 16550-style UART, enough for a Linux guest
// console on COM1.
package serial

import (
	"io"
	"log/slog"
	"sync"

	"github.com/skiffvm/skiff/irq"
)

// COM1Addr is the conventional pio base of the first serial port.
const COM1Addr = 0x3f8

// PortSize is the size of the UART register block.
const PortSize = 8

// register offsets (DLAB=0 unless noted)

const (
	regData    = 0 // RBR on read, THR on write; DLL with DLAB=1
	regIER     = 1 // interrupt enable; DLM with DLAB=1
	regIIR     = 2 // interrupt identification on read, FCR on write
	regLCR     = 3 // line control
	regMCR     = 4 // modem control
	regLSR     = 5 // line status
	regMSR     = 6 // modem status
	regScratch = 7
)

const (
	ierRxAvailable = 1 << 0
	ierTHREmpty    = 1 << 1

	iirNone     = 0x01
	iirTHREmpty = 0x02
	iirRxData   = 0x04

	lcrDLAB = 1 << 7

	lsrRxReady  = 1 << 0
	lsrTHREmpty = 1 << 5
	lsrIdle     = 1 << 6

	msrCTS = 1 << 4
	msrDSR = 1 << 5
	msrCD  = 1 << 7
)

// Device is a UART. Output bytes are written directly to out; input bytes
// are queued with Input and drained by the guest reading the data register.
type Device struct {
	out  io.Writer
	line *irq.Line

	mu   sync.Mutex
	rx   []byte
	thre bool // THR-empty interrupt pending

	ier, lcr, mcr, scr byte
	dll, dlm           byte
}

// New returns a UART writing guest output to out and interrupting on line.
func New(out io.Writer, line *irq.Line) *Device {
	return &Device{out: out, line: line}
}

// Input queues guest input and interrupts the guest if it asked for
// receive interrupts.
func (d *Device) Input(p []byte) {
	d.mu.Lock()
	d.rx = append(d.rx, p...)
	d.mu.Unlock()

	d.updateLine()
}

// Read handles a register read at off.
func (d *Device) Read(off uint64, p []byte) error {
	d.mu.Lock()

	var v byte
	switch off {
	case regData:
		if d.dlab() {
			v = d.dll
			break
		}

		if len(d.rx) > 0 {
			v = d.rx[0]
			d.rx = d.rx[1:]
		}

	case regIER:
		if d.dlab() {
			v = d.dlm
			break
		}

		v = d.ier

	case regIIR:
		switch {
		case d.ier&ierRxAvailable != 0 && len(d.rx) > 0:
			v = iirRxData

		case d.thre:
			v = iirTHREmpty
			d.thre = false

		default:
			v = iirNone
		}

	case regLCR:
		v = d.lcr

	case regMCR:
		v = d.mcr

	case regLSR:
		v = lsrTHREmpty | lsrIdle
		if len(d.rx) > 0 {
			v |= lsrRxReady
		}

	case regMSR:
		v = msrCTS | msrDSR | msrCD

	case regScratch:
		v = d.scr
	}

	d.mu.Unlock()

	p[0] = v
	for i := 1; i < len(p); i++ {
		p[i] = 0
	}

	d.updateLine()
	return nil
}

// Write handles a register write at off.
func (d *Device) Write(off uint64, p []byte) error {
	var err error

	d.mu.Lock()

	switch off {
	case regData:
		if d.dlab() {
			d.dll = p[0]
			break
		}

		_, err = d.out.Write(p[:1])

		if d.ier&ierTHREmpty != 0 {
			d.thre = true
		}

	case regIER:
		if d.dlab() {
			d.dlm = p[0]
			break
		}

		was := d.ier
		d.ier = p[0] & 0x0f

		if d.ier&ierTHREmpty != 0 && was&ierTHREmpty == 0 {
			d.thre = true
		}

	case regLCR:
		d.lcr = p[0]

	case regMCR:
		d.mcr = p[0]

	case regScratch:
		d.scr = p[0]
	}

	d.mu.Unlock()

	d.updateLine()
	return err
}

// Reset drops queued input and clears the registers.
func (d *Device) Reset() error {
	d.mu.Lock()
	d.rx = nil
	d.thre = false
	d.ier, d.lcr, d.mcr, d.scr = 0, 0, 0, 0
	d.dll, d.dlm = 0, 0
	d.mu.Unlock()

	return d.line.Deassert()
}

func (d *Device) dlab() bool {
	return d.lcr&lcrDLAB != 0
}

// updateLine drives the interrupt line to match the current interrupt
// conditions.
func (d *Device) updateLine() {
	d.mu.Lock()
	want := (d.ier&ierRxAvailable != 0 && len(d.rx) > 0) || d.thre
	d.mu.Unlock()

	if want {
		if err := d.line.Assert(); err != nil {
			slog.Error("serial interrupt assert failed", "err", err)
		}

		return
	}

	if err := d.line.Deassert(); err != nil {
		slog.Error("serial interrupt deassert failed", "err", err)
		return
	}

	if err := d.line.EOI(); err != nil {
		slog.Error("serial interrupt eoi failed", "err", err)
	}
}

//go:build linux

package vmm

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync/atomic"
	"unsafe"

	"github.com/skiffvm/skiff/bus"
	"github.com/skiffvm/skiff/kvm"
	"golang.org/x/sys/unix"
)

// vcpu collects a VCPU fd, its mmaped run page, and the bookkeeping needed
// to kick it out of KVM_RUN from another goroutine.
type vcpu struct {
	m    *VM
	slot int
	fd   *kvm.VCPU
	mm   []byte

	tid  atomic.Int64
	stop atomic.Bool
	wake chan struct{}
}

func newVCPU(m *VM, slot, mmsz int) (*vcpu, error) {
	fd, err := kvm.CreateVCPU(m.vm, slot)
	if err != nil {
		return nil, err
	}

	mm, err := unix.Mmap(int(fd.Fd()), 0, mmsz,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)

	if err != nil {
		fd.Close()
		return nil, fmt.Errorf("mmap run page: %w", err)
	}

	return &vcpu{
		m:    m,
		slot: slot,
		fd:   fd,
		mm:   mm,
		wake: make(chan struct{}, 1),
	}, nil
}

func (c *vcpu) State() *kvm.VCPUState {
	return (*kvm.VCPUState)(unsafe.Pointer(&c.mm[0]))
}

// kick forces the vCPU out of KVM_RUN: the next entry is aborted via
// ImmediateExit, a thread already inside KVM_RUN is interrupted with a
// signal, and a parked thread gets a wake token.
func (c *vcpu) kick() {
	c.State().ImmediateExit = 1

	if tid := c.tid.Load(); tid != 0 {
		unix.Tgkill(unix.Getpid(), int(tid), unix.SIGUSR1)
	}

	c.wakeIfHalted()
}

// wakeIfHalted posts a wake token. The buffered token covers interrupts
// delivered just before the vCPU actually parks.
func (c *vcpu) wakeIfHalted() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// run is the vCPU thread. KVM_RUN is tied to the calling thread, so the
// goroutine stays locked to its OS thread for the life of the VM.
func (c *vcpu) run() error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	c.tid.Store(int64(unix.Gettid()))
	defer c.tid.Store(0)

	state := c.State()

	for {
		// Cleared before the stop and gate checks. A kicker stores its
		// condition first and sets the flag second, so a flag wiped here
		// is always backed by a condition the checks below observe.
		state.ImmediateExit = 0

		if c.stop.Load() {
			return nil
		}

		if gate := c.m.pauseGateRef(); gate != nil {
			gate.wait()
			continue
		}

		if err := kvm.Run(c.fd); err != nil {
			if err == unix.EINTR || err == unix.EAGAIN {
				continue
			}

			return c.fail(fmt.Errorf("%w: KVM_RUN: %w", ErrKVMFailure, err))
		}

		switch reason := state.ExitReason; reason {
		case kvm.ExitIntr:
			// kicked, or a stray signal: loop to re-check stop and pause

		case kvm.ExitIO:
			if err := c.handleIO(state.IOExitData()); err != nil {
				return err
			}

		case kvm.ExitMMIO:
			if err := c.handleMMIO(state.MMIOExitData()); err != nil {
				return err
			}

		case kvm.ExitHLT:
			c.park()

		case kvm.ExitShutdown, kvm.ExitSystemEvent:
			// triple fault, or an explicit shutdown/reset hypercall
			c.m.fatal(ErrGuestShutdown)
			return nil

		case kvm.ExitInternalError:
			c.dumpInternalError(state.InternalErrorExitData())
			return c.fail(fmt.Errorf("%w: %s", ErrKVMFailure, reason))

		case kvm.ExitFailEntry:
			return c.fail(fmt.Errorf("%w: %s", ErrKVMFailure, reason))

		default:
			return c.fail(fmt.Errorf("%w: unhandled exit %s", ErrKVMFailure, reason))
		}
	}
}

// park blocks a halted vCPU until an interrupt is delivered or the VM
// stops. A spurious wake is fine: the guest just re-executes HLT.
func (c *vcpu) park() {
	if c.stop.Load() {
		return
	}

	<-c.wake
}

// handleIO dispatches a port access to the pio bus. The transfer buffer
// lives inside the run page, at Offset, with Count back-to-back elements
// for string instructions.
func (c *vcpu) handleIO(xd *kvm.IOExitData) error {
	var (
		off  = xd.Offset
		size = uint64(xd.Size)
	)

	for i := uint32(0); i < xd.Count; i++ {
		p := c.mm[off : off+size]

		var err error
		if xd.IsOut {
			err = c.m.pio.Write(uint64(xd.Port), p)
		} else {
			err = c.m.pio.Read(uint64(xd.Port), p)
		}

		switch {
		case err == nil:

		case errors.Is(err, bus.ErrUnmappedAccess):
			// Debug level: Linux probes plenty of legacy ports at boot.
			slog.Debug("unmapped pio access",
				"slot", c.slot, "port", fmt.Sprintf("%#x", xd.Port), "write", xd.IsOut)

			// reads of unbacked ports float high, writes are dropped
			if !xd.IsOut {
				for i := range p {
					p[i] = 0xff
				}
			}

		default:
			return c.fail(fmt.Errorf("pio port 0x%x: %w", xd.Port, err))
		}

		off += size
	}

	return nil
}

// handleMMIO dispatches a memory-mapped access to the mmio bus. Unbacked
// addresses read as zero and swallow writes, with a log line to help debug
// guest misconfiguration.
func (c *vcpu) handleMMIO(xd *kvm.MMIOExitData) error {
	p := xd.Data[:xd.Len]

	var err error
	if xd.IsWrite {
		err = c.m.mmio.Write(xd.PhysAddr, p)
	} else {
		err = c.m.mmio.Read(xd.PhysAddr, p)
	}

	switch {
	case err == nil:

	case errors.Is(err, bus.ErrUnmappedAccess):
		slog.Warn("unmapped mmio access",
			"slot", c.slot, "addr", fmt.Sprintf("%#x", xd.PhysAddr),
			"len", xd.Len, "write", xd.IsWrite)

		if !xd.IsWrite {
			for i := range p {
				p[i] = 0
			}
		}

	default:
		return c.fail(fmt.Errorf("mmio %#x: %w", xd.PhysAddr, err))
	}

	return nil
}

// fail stops the sibling vCPUs and returns the annotated error.
func (c *vcpu) fail(err error) error {
	err = fmt.Errorf("vcpu %d: %w", c.slot, err)
	c.m.fatal(err)
	return err
}

func (c *vcpu) Close() error {
	c.fd.Close()
	unix.Munmap(c.mm)
	c.mm = nil
	return nil
}

package mmio

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/skiffvm/skiff/irq"
	"github.com/skiffvm/skiff/virtio"
	"github.com/skiffvm/skiff/virtio/virtq"
	"golang.org/x/sys/unix"
)

// Device exposes a virtio device handler as an mmio register block. Its Read
// and Write methods implement the dispatch bus device interface, with
// offsets relative to the start of the block.
type Device struct {
	handler virtio.DeviceHandler
	sizes   []uint16
	memAt   func(addr uint64, size int) ([]byte, error)
	line    *irq.Line

	mu      sync.Mutex
	state   deviceState
	workers []chan struct{}
	wg      sync.WaitGroup
}

type deviceState struct {
	status  uint32
	version uint32

	deviceFeaturesSel uint32
	driverFeaturesSel uint32
	driverFeatures    uint64

	queueSel uint32
	queue    []queueState

	intStatus uint32
}

type queueState struct {
	Ready      uint32
	NumDesc    uint32
	DescAddr   uint64 // address of the descriptor area
	DriverAddr uint64 // address of the driver area
	DeviceAddr uint64 // address of the device area
}

const (
	statusAcknowledge = 1   // recognized by the guest
	statusDriver      = 2   // the guest has a driver
	statusFeaturesOK  = 8   // features negotiated
	statusDriverOK    = 4   // ready to drive
	statusNeedsReset  = 64  // fatal device error
	statusFailed      = 128 // fatal driver error

	negotiatingFeatures = statusAcknowledge | statusDriver
	configuringQueues   = negotiatingFeatures | statusFeaturesOK
	operatingNormally   = configuringQueues | statusDriverOK
)

var le = binary.LittleEndian

// New wraps a handler in an mmio transport device. The memAt callback is
// called when the device needs to access a virtqueue in guest memory. The
// device asserts line when it has used a buffer or changed its config, and
// deasserts it when the driver acknowledges the interrupt.
func New(h virtio.DeviceHandler, line *irq.Line, memAt func(addr uint64, size int) ([]byte, error)) *Device {
	sizes := h.QueueSizes()

	return &Device{
		handler: h,
		sizes:   sizes,
		memAt:   memAt,
		line:    line,
		state:   deviceState{queue: make([]queueState, len(sizes))},
		workers: make([]chan struct{}, len(sizes)),
	}
}

// Read handles a read of the register block at off. A register error marks
// the device failed rather than propagate to the caller: the guest sees the
// read as zero and learns about the failure through the status register.
func (d *Device) Read(off uint64, p []byte) error {
	d.mu.Lock()
	err := d.readMMIO(int(off), p)
	d.mu.Unlock()

	if err != nil {
		slog.Warn("virtio register read failed",
			"device", d.handler.GetType(), "off", fmt.Sprintf("%#x", off), "err", err)

		for i := range p {
			p[i] = 0
		}

		d.fail()
	}

	return nil
}

// Write handles a write of the register block at off. Register errors fail
// the device like Read: a misbehaving driver can't take the VM down.
func (d *Device) Write(off uint64, p []byte) error {
	d.mu.Lock()
	err := d.writeMMIO(int(off), p)
	d.mu.Unlock()

	if err != nil {
		slog.Warn("virtio register write failed",
			"device", d.handler.GetType(), "off", fmt.Sprintf("%#x", off), "err", err)

		d.fail()
	}

	return nil
}

// Reset returns the device to its initial state, stops its queue workers,
// and joins them. The workers must be gone before Reset returns: the caller
// may be about to unmap the guest memory they dereference. A handler
// blocked in a backend read holds its worker, so handlers implementing
// io.Closer are closed first to unblock it.
func (d *Device) Reset() error {
	d.mu.Lock()
	d.reset()
	d.mu.Unlock()

	if c, ok := d.handler.(io.Closer); ok {
		c.Close()
	}

	d.wg.Wait()

	return d.line.Deassert()
}

// reset is called with d.mu held.
func (d *Device) reset() {
	for i, ch := range d.workers {
		if ch != nil {
			close(ch)
			d.workers[i] = nil
		}
	}

	d.state = deviceState{queue: make([]queueState, len(d.sizes))}
}

// fail latches the needs-reset status bit and tells the driver the device
// config changed, which prompts it to read the status.
func (d *Device) fail() {
	d.mu.Lock()

	if d.state.status&(statusNeedsReset|statusFailed) != 0 {
		d.mu.Unlock()
		return
	}

	notify := d.state.status == operatingNormally
	d.state.status |= statusNeedsReset
	d.state.version++

	if notify {
		d.state.intStatus |= intStatusConfigChange
	}

	d.mu.Unlock()

	if notify {
		if err := d.line.Assert(); err != nil {
			slog.Error("virtio config change notification failed",
				"device", d.handler.GetType(), "err", err)
		}
	}
}

func (d *Device) readMMIO(off int, p []byte) error {
	switch off {
	case regMagicValue:
		le.PutUint32(p, virtio.MagicValue)

	case regVersion:
		le.PutUint32(p, virtio.Version)

	case regDeviceID:
		le.PutUint32(p, uint32(d.handler.GetType()))

	case regVendorID:
		le.PutUint32(p, 0xffff)

	case regDeviceFeatures:
		le.PutUint32(p, uint32(d.getFeatures()>>(32*d.state.deviceFeaturesSel)))

	case regQueueNumMax:
		if int(d.state.queueSel) < len(d.sizes) {
			le.PutUint32(p, uint32(d.sizes[d.state.queueSel]))
		} else {
			le.PutUint32(p, 0)
		}

	case regQueueReady:
		le.PutUint32(p, d.selectedQueue().Ready)

	case regInterruptStatus:
		le.PutUint32(p, d.state.intStatus)

	case regStatus:
		le.PutUint32(p, d.state.status)

	case regConfigGeneration:
		le.PutUint32(p, d.state.version)

	default:
		if off < regDeviceConfigStart {
			return fmt.Errorf("virtio-mmio: bad register read at %#x", off)
		}

		return d.handler.ReadConfig(p, off-regDeviceConfigStart)
	}

	return nil
}

func (d *Device) writeMMIO(off int, p []byte) error {
	// if the device or driver has failed, only allow status register writes (to reset)
	if d.state.status&(statusNeedsReset|statusFailed) > 0 && off != regStatus {
		return unix.EPERM
	}

	switch off {
	case regDeviceFeaturesSel:
		return d.writeDeviceFeaturesSel(le.Uint32(p))

	case regDriverFeatures:
		return d.writeDriverFeatures(le.Uint32(p))

	case regDriverFeaturesSel:
		return d.writeDriverFeaturesSel(le.Uint32(p))

	case regQueueSel:
		return d.writeQueueSel(le.Uint32(p))

	case regQueueNum:
		return d.writeQueueNum(le.Uint32(p))

	case regQueueReady:
		return d.writeQueueReady(le.Uint32(p))

	case regQueueNotify:
		return d.writeQueueNotify(le.Uint32(p))

	case regInterruptAck:
		return d.writeInterruptAck(le.Uint32(p))

	case regStatus:
		return d.writeStatus(le.Uint32(p))

	case regQueueDescLow:
		return d.writeQueueAddr(&d.selectedQueue().DescAddr, le.Uint32(p), 0)

	case regQueueDescHigh:
		return d.writeQueueAddr(&d.selectedQueue().DescAddr, le.Uint32(p), 32)

	case regQueueDriverLow:
		return d.writeQueueAddr(&d.selectedQueue().DriverAddr, le.Uint32(p), 0)

	case regQueueDriverHigh:
		return d.writeQueueAddr(&d.selectedQueue().DriverAddr, le.Uint32(p), 32)

	case regQueueDeviceLow:
		return d.writeQueueAddr(&d.selectedQueue().DeviceAddr, le.Uint32(p), 0)

	case regQueueDeviceHigh:
		return d.writeQueueAddr(&d.selectedQueue().DeviceAddr, le.Uint32(p), 32)

	default:
		return fmt.Errorf("virtio-mmio: bad register write at %#x", off)
	}
}

func (d *Device) writeStatus(v uint32) error {
	if v == 0 {
		d.reset()
		return nil
	}

	if v&statusNeedsReset > 0 || v < d.state.status {
		return fmt.Errorf("virtio-mmio: bad status write %#x (was %#x)", v, d.state.status)
	}

	d.state.status = v
	d.state.version++

	if v&statusFailed > 0 {
		return fmt.Errorf("virtio-mmio: driver failed")
	}

	if d.state.status == operatingNormally {
		if d.state.driverFeatures&virtio.RequiredFeatures != virtio.RequiredFeatures {
			return fmt.Errorf("virtio-mmio: driver features %#x are missing required bits",
				d.state.driverFeatures)
		}

		return d.handler.Ready(d.state.driverFeatures)
	}

	return nil
}

func (d *Device) writeDeviceFeaturesSel(v uint32) error {
	if d.state.status != negotiatingFeatures {
		return unix.EPERM
	}

	if v > 1 {
		return unix.EINVAL
	}

	d.state.deviceFeaturesSel = v

	return nil
}

func (d *Device) writeDriverFeaturesSel(v uint32) error {
	if d.state.status != negotiatingFeatures {
		return unix.EPERM
	}

	if v > 1 {
		return unix.EINVAL
	}

	d.state.driverFeaturesSel = v
	return nil
}

func (d *Device) writeDriverFeatures(v uint32) error {
	if d.state.status != negotiatingFeatures {
		return unix.EPERM
	}

	d.state.driverFeatures |= uint64(v) << (32 * d.state.driverFeaturesSel)

	if d.state.driverFeatures&^d.getFeatures() != 0 {
		return unix.EINVAL
	}

	return nil
}

func (d *Device) writeQueueSel(v uint32) error {
	if d.state.status != configuringQueues {
		return unix.EPERM
	}

	if int(v) >= len(d.state.queue) {
		return unix.EINVAL
	}

	d.state.queueSel = v
	return nil
}

func (d *Device) writeQueueNum(v uint32) error {
	if d.state.status != configuringQueues {
		return unix.EPERM
	}

	if v == 0 || v > uint32(d.sizes[d.state.queueSel]) {
		return unix.EINVAL
	}

	d.selectedQueue().NumDesc = v
	return nil
}

func (d *Device) writeQueueAddr(field *uint64, v uint32, shift uint) error {
	if d.state.status != configuringQueues || d.selectedQueue().Ready == 1 {
		return unix.EPERM
	}

	*field |= uint64(v) << shift
	return nil
}

func (d *Device) writeQueueReady(v uint32) error {
	if d.state.status != configuringQueues {
		return unix.EPERM
	}

	if v != 1 {
		return unix.EINVAL
	}

	if d.selectedQueue().Ready == 1 {
		return unix.EPERM
	}

	qs := d.selectedQueue()

	vq, err := virtq.New(uint16(qs.NumDesc), qs.DescAddr, qs.DriverAddr, qs.DeviceAddr, virtq.Config{
		MemAt:    d.memAt,
		Notify:   d.notifyUsedBuffer,
		EventIdx: d.state.driverFeatures&virtio.FEventIdx != 0,
	})

	if err != nil {
		return err
	}

	qs.Ready = 1
	d.state.version++

	qn := d.state.queueSel
	ch := make(chan struct{}, 1)
	d.workers[qn] = ch

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		for range ch {
			if err := d.handler.Handle(int(qn), vq); err != nil {
				slog.Error("virtio queue handler failed",
					"device", d.handler.GetType(), "queue", qn, "err", err)
				d.fail()
				return
			}
		}
	}()

	return nil
}

func (d *Device) writeQueueNotify(v uint32) error {
	if d.state.status != operatingNormally {
		return unix.EPERM
	}

	if int(v) >= len(d.state.queue) || d.state.queue[v].Ready != 1 {
		return unix.EPERM
	}

	select {
	case d.workers[v] <- struct{}{}:
	default:
	}

	return nil
}

func (d *Device) writeInterruptAck(v uint32) error {
	if d.state.status != operatingNormally {
		return unix.EPERM
	}

	// clear flags
	d.state.intStatus &^= v

	if d.state.intStatus == 0 {
		if err := d.line.Deassert(); err != nil {
			return err
		}

		return d.line.EOI()
	}

	return nil
}

// notifyUsedBuffer is the used-buffer notification callback for the
// device's virtqueues. It runs on a queue worker goroutine.
func (d *Device) notifyUsedBuffer() error {
	d.mu.Lock()
	d.state.intStatus |= intStatusUsedBuffer
	d.mu.Unlock()

	return d.line.Assert()
}

func (d *Device) getFeatures() uint64 {
	return virtio.RequiredFeatures | d.handler.GetFeatures()
}

func (d *Device) selectedQueue() *queueState {
	return &d.state.queue[d.state.queueSel]
}

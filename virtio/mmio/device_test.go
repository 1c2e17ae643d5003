package mmio_test

import (
	"encoding/binary"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/skiffvm/skiff/irq"
	"github.com/skiffvm/skiff/virtio"
	"github.com/skiffvm/skiff/virtio/mmio"
	"github.com/skiffvm/skiff/virtio/virtq"
)

var le = binary.LittleEndian

const (
	descAddr  = 0x1000
	availAddr = 0x2000
	usedAddr  = 0x3000
	bufAddr   = 0x4000
)

// chanSink reports line state changes on a channel.
type chanSink struct {
	ch chan bool
}

func (s *chanSink) SetLine(line uint32, high bool) error {
	s.ch <- high
	return nil
}

func (s *chanSink) SignalMSI(addr uint64, data uint32) error {
	return nil
}

// upperHandler upcases the ascii bytes of every buffer in place.
type upperHandler struct {
	ready chan uint64
}

func (h *upperHandler) GetType() virtio.DeviceID { return virtio.ConsoleDeviceID }
func (h *upperHandler) GetFeatures() uint64      { return 0 }
func (h *upperHandler) QueueSizes() []uint16     { return []uint16{8} }

func (h *upperHandler) Ready(negotiated uint64) error {
	select {
	case h.ready <- negotiated:
	default:
	}

	return nil
}

func (h *upperHandler) Handle(queueNum int, q *virtq.Q) error {
	for {
		c, err := q.Next()
		if err != nil {
			return err
		}

		if c == nil {
			return nil
		}

		buf, err := c.Buf(0)
		if err != nil {
			return err
		}

		for i, b := range buf {
			if 'a' <= b && b <= 'z' {
				buf[i] = b - 'a' + 'A'
			}
		}

		if err := c.Release(len(buf)); err != nil {
			return err
		}
	}
}

func (h *upperHandler) ReadConfig(p []byte, off int) error {
	if off > 0 {
		return errors.New("bad config read")
	}

	copy(p, "cfg")
	return nil
}

type harness struct {
	t    *testing.T
	mem  []byte
	dev  *mmio.Device
	sink *chanSink
	h    *upperHandler
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	u := &upperHandler{ready: make(chan uint64, 1)}
	h := newHarnessFor(t, u)
	h.h = u

	return h
}

func newHarnessFor(t *testing.T, dh virtio.DeviceHandler) *harness {
	t.Helper()

	h := &harness{
		t:    t,
		mem:  make([]byte, 0x10000),
		sink: &chanSink{ch: make(chan bool, 16)},
	}

	ctl := irq.New(h.sink)
	h.dev = mmio.New(dh, ctl.Line(5), h.memAt)

	t.Cleanup(func() {
		if err := h.dev.Reset(); err != nil {
			t.Error(err)
		}
	})

	return h
}

func (h *harness) memAt(addr uint64, size int) ([]byte, error) {
	if addr+uint64(size) > uint64(len(h.mem)) {
		return nil, errors.New("out of range")
	}

	return h.mem[addr : addr+uint64(size) : addr+uint64(size)], nil
}

func (h *harness) r32(off uint64) uint32 {
	h.t.Helper()

	var p [4]byte
	if err := h.dev.Read(off, p[:]); err != nil {
		h.t.Fatalf("read %#x: %v", off, err)
	}

	return le.Uint32(p[:])
}

func (h *harness) w32(off uint64, v uint32) {
	h.t.Helper()

	var p [4]byte
	le.PutUint32(p[:], v)
	if err := h.dev.Write(off, p[:]); err != nil {
		h.t.Fatalf("write %#x = %#x: %v", off, v, err)
	}
}

// negotiate drives the driver side of the handshake up to DRIVER_OK.
func (h *harness) negotiate() {
	h.t.Helper()

	h.w32(0x070, 1|2) // ACKNOWLEDGE|DRIVER

	h.w32(0x014, 0)
	lo := h.r32(0x010)
	h.w32(0x014, 1)
	hi := h.r32(0x010)

	h.w32(0x024, 0)
	h.w32(0x020, lo)
	h.w32(0x024, 1)
	h.w32(0x020, hi)

	h.w32(0x070, 1|2|8) // |FEATURES_OK

	h.w32(0x030, 0) // queue 0
	h.w32(0x038, 8)
	h.w32(0x080, descAddr)
	h.w32(0x090, availAddr)
	h.w32(0x0a0, usedAddr)
	h.w32(0x044, 1) // ready

	h.w32(0x070, 1|2|8|4) // |DRIVER_OK
}

// pushAvail publishes a descriptor in the ring and notifies the device.
func (h *harness) pushAvail(head uint16) {
	off := descAddr + 16*uint64(head)
	le.PutUint64(h.mem[off:], bufAddr)
	le.PutUint32(h.mem[off+8:], 5)
	le.PutUint16(h.mem[off+12:], virtq.DescFWrite)

	idx := le.Uint16(h.mem[availAddr+2:])
	le.PutUint16(h.mem[availAddr+4+2*uint64(idx%8):], head)
	le.PutUint16(h.mem[availAddr+2:], idx+1)

	h.w32(0x050, 0) // notify queue 0
}

func (h *harness) waitLine(want bool) {
	h.t.Helper()

	select {
	case high := <-h.sink.ch:
		if high != want {
			h.t.Fatalf("line high=%v, want %v", high, want)
		}

	case <-time.After(time.Second):
		h.t.Fatal("no line state change")
	}
}

func TestIdentity(t *testing.T) {
	h := newHarness(t)

	if v := h.r32(0x000); v != virtio.MagicValue {
		t.Errorf("magic %#x", v)
	}

	if v := h.r32(0x004); v != virtio.Version {
		t.Errorf("version %#x", v)
	}

	if v := h.r32(0x008); v != uint32(virtio.ConsoleDeviceID) {
		t.Errorf("device id %d", v)
	}
}

func TestConfigSpace(t *testing.T) {
	h := newHarness(t)

	p := make([]byte, 3)
	if err := h.dev.Read(0x100, p); err != nil {
		t.Fatal(err)
	}

	if string(p) != "cfg" {
		t.Errorf("config %q", p)
	}
}

func TestHandshake(t *testing.T) {
	h := newHarness(t)
	h.negotiate()

	select {
	case features := <-h.h.ready:
		if features&virtio.RequiredFeatures != virtio.RequiredFeatures {
			t.Errorf("negotiated features %#x are missing required bits", features)
		}

	default:
		t.Fatal("handler isn't ready")
	}
}

func TestGating(t *testing.T) {
	h := newHarness(t)

	// queue config before FEATURES_OK fails the device instead of the VM
	h.w32(0x070, 1|2)
	h.w32(0x030, 0)

	if v := h.r32(0x070); v&64 == 0 {
		t.Errorf("status %#x isn't NEEDS_RESET after an early queue sel", v)
	}
}

func TestBadAccessFailsDevice(t *testing.T) {
	h := newHarness(t)
	h.negotiate()

	// notify of a queue that was never made ready
	h.w32(0x050, 7)

	if v := h.r32(0x070); v&64 == 0 {
		t.Errorf("status %#x isn't NEEDS_RESET", v)
	}

	// the driver learns about it through a config change interrupt
	h.waitLine(true)

	if v := h.r32(0x060); v&2 == 0 {
		t.Errorf("interrupt status %#x doesn't have the config change bit", v)
	}
}

func TestBadRegisterReadsAsZero(t *testing.T) {
	h := newHarness(t)

	p := []byte{0xee, 0xee, 0xee, 0xee}
	if err := h.dev.Read(0x018, p); err != nil {
		t.Fatal(err)
	}

	for i, b := range p {
		if b != 0 {
			t.Errorf("byte %d = %#x, want 0", i, b)
		}
	}

	if v := h.r32(0x070); v&64 == 0 {
		t.Errorf("status %#x isn't NEEDS_RESET", v)
	}
}

func TestRoundTrip(t *testing.T) {
	h := newHarness(t)
	h.negotiate()

	copy(h.mem[bufAddr:], "hello")
	h.pushAvail(0)

	// used buffer interrupt
	h.waitLine(true)

	if v := h.r32(0x060); v&1 == 0 {
		t.Errorf("interrupt status %#x doesn't have the used buffer bit", v)
	}

	if got := string(h.mem[bufAddr : bufAddr+5]); got != "HELLO" {
		t.Errorf("buffer %q != %q", got, "HELLO")
	}

	if id, n := le.Uint32(h.mem[usedAddr+4:]), le.Uint32(h.mem[usedAddr+8:]); id != 0 || n != 5 {
		t.Errorf("used elem id=%d len=%d", id, n)
	}

	h.w32(0x064, 1) // ack
	h.waitLine(false)

	if v := h.r32(0x060); v != 0 {
		t.Errorf("interrupt status %#x after ack", v)
	}
}

// stuckHandler blocks inside Handle until its backend is closed, like a
// network backend waiting for a frame.
type stuckHandler struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
	exited  atomic.Bool
}

func (h *stuckHandler) GetType() virtio.DeviceID       { return virtio.NetworkDeviceID }
func (h *stuckHandler) GetFeatures() uint64            { return 0 }
func (h *stuckHandler) QueueSizes() []uint16           { return []uint16{8} }
func (h *stuckHandler) Ready(uint64) error             { return nil }
func (h *stuckHandler) ReadConfig(p []byte, off int) error { return nil }

func (h *stuckHandler) Handle(queueNum int, q *virtq.Q) error {
	h.entered <- struct{}{}
	<-h.release
	h.exited.Store(true)
	return nil
}

func (h *stuckHandler) Close() error {
	h.once.Do(func() { close(h.release) })
	return nil
}

func TestResetJoinsWorkers(t *testing.T) {
	sh := &stuckHandler{
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}

	h := newHarnessFor(t, sh)
	h.negotiate()
	h.pushAvail(0)

	select {
	case <-sh.entered:
	case <-time.After(time.Second):
		t.Fatal("handler never entered")
	}

	if err := h.dev.Reset(); err != nil {
		t.Fatal(err)
	}

	if !sh.exited.Load() {
		t.Error("reset returned before the handler exited")
	}
}

func TestDeviceReset(t *testing.T) {
	h := newHarness(t)
	h.negotiate()

	h.w32(0x070, 0)

	if v := h.r32(0x070); v != 0 {
		t.Errorf("status %#x after reset", v)
	}

	// the device is back in its initial state
	h.negotiate()
}

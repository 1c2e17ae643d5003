package virtio

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/skiffvm/skiff/virtio/virtq"
)

// Net is a virtio network device backed by a raw frame transport,
// typically a tap interface.
type Net struct {

	// Conn carries ethernet frames to and from the guest, one frame
	// per Read or Write.
	Conn io.ReadWriter

	// MAC is reported to the guest in the device config. If nil, the
	// guest picks its own address.
	MAC net.HardwareAddr
}

const (
	netRxQ = 0
	netTxQ = 1
)

// netHdrSize is the size of struct virtio_net_hdr with VIRTIO_F_VERSION_1.
// The device offers no checksum or GSO features, so every field but
// num_buffers is zero.
const netHdrSize = 12

// features

const (
	netFMac    = 1 << 5  // device has given mac address
	netFStatus = 1 << 16 // virtio_net_config.status available
)

const netSLinkUp = 1

func (dev *Net) GetType() DeviceID {
	return NetworkDeviceID
}

func (dev *Net) GetFeatures() (features uint64) {
	features = netFStatus

	if dev.MAC != nil {
		features |= netFMac
	}

	return
}

func (dev *Net) QueueSizes() []uint16 {
	return []uint16{256, 256}
}

func (dev *Net) Ready(negotiatedFeatures uint64) error {
	return nil
}

func (dev *Net) Handle(queueNum int, q *virtq.Q) error {
	switch queueNum {
	case netRxQ:
		return dev.handleRx(q)

	case netTxQ:
		return dev.handleTx(q)
	}

	return nil
}

// handleRx fills driver-supplied buffers with incoming frames. Each chain
// receives a virtio_net_hdr followed by exactly one frame.
func (dev *Net) handleRx(q *virtq.Q) error {
	frame := make([]byte, 65536)

	for {
		c, err := q.Next()
		if err != nil {
			return err
		}

		if c == nil {
			return nil
		}

		n, err := dev.Conn.Read(frame)
		if err != nil {
			return err
		}

		total, err := scatter(c, frame[:n])
		if err != nil {
			return err
		}

		if err := c.Release(total); err != nil {
			return err
		}
	}
}

// scatter writes a virtio_net_hdr and the frame across the chain's buffers.
func scatter(c *virtq.C, frame []byte) (total int, err error) {
	var hdr [netHdrSize]byte
	binary.LittleEndian.PutUint16(hdr[10:], 1) // num_buffers

	src, pending := frame, hdr[:]

	for i := range c.Desc {
		if !c.Desc[i].IsWO() {
			return 0, fmt.Errorf("net: rx descriptor %d isn't write-only", i)
		}

		buf, err := c.Buf(i)
		if err != nil {
			return 0, err
		}

		for len(buf) > 0 && len(pending) > 0 {
			n := copy(buf, pending)
			buf = buf[n:]
			total += n

			if pending = pending[n:]; len(pending) == 0 && src != nil {
				pending, src = src, nil
			}
		}
	}

	return total, nil
}

// handleTx forwards driver frames to the backing transport, dropping the
// leading virtio_net_hdr from each chain.
func (dev *Net) handleTx(q *virtq.Q) error {
	var frame []byte

	for {
		c, err := q.Next()
		if err != nil {
			return err
		}

		if c == nil {
			return nil
		}

		frame = frame[:0]
		for i := range c.Desc {
			if !c.Desc[i].IsRO() {
				return fmt.Errorf("net: tx descriptor %d isn't read-only", i)
			}

			buf, err := c.Buf(i)
			if err != nil {
				return err
			}

			frame = append(frame, buf...)
		}

		if len(frame) < netHdrSize {
			return fmt.Errorf("net: short tx frame (%d bytes)", len(frame))
		}

		if _, err := dev.Conn.Write(frame[netHdrSize:]); err != nil {
			return err
		}

		if err := c.Release(0); err != nil {
			return err
		}
	}
}

// Close closes the backing transport if it supports it, unblocking a
// pending frame read.
func (dev *Net) Close() error {
	if c, ok := dev.Conn.(io.Closer); ok {
		return c.Close()
	}

	return nil
}

// ReadConfig serves struct virtio_net_config: the mac address and a
// link-up status.
func (dev *Net) ReadConfig(p []byte, off int) error {
	var raw [8]byte
	copy(raw[:6], dev.MAC)
	binary.LittleEndian.PutUint16(raw[6:], netSLinkUp)

	if off >= len(raw) {
		return fmt.Errorf("net: config read at %#x out of range", off)
	}

	copy(p, raw[off:])

	return nil
}

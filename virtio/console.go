package virtio

import (
	"fmt"
	"io"

	"github.com/skiffvm/skiff/virtio/virtq"
)

// Console is a virtio console device backed by an io.Reader and an io.Writer.
type Console struct {
	In  io.Reader
	Out io.Writer
}

const (
	consoleRxQ = 0
	consoleTxQ = 1
)

func (c *Console) GetType() DeviceID {
	return ConsoleDeviceID
}

func (*Console) GetFeatures() uint64 {
	return 0
}

func (*Console) QueueSizes() []uint16 {
	return []uint16{64, 64}
}

func (*Console) Ready(negotiatedFeatures uint64) error {
	return nil
}

func (c *Console) Handle(queueNum int, q *virtq.Q) error {
	switch queueNum {
	case consoleRxQ:
		if c.In != nil {
			return c.handleRx(q)
		}

	case consoleTxQ:
		if c.Out != nil {
			return c.handleTx(q)
		}
	}

	return nil
}

func (dev *Console) handleRx(q *virtq.Q) error {
	for {
		c, err := q.Next()
		if err != nil {
			return err
		}

		if c == nil {
			return nil
		}

		var total int
		for i := range c.Desc {
			if !c.Desc[i].IsWO() {
				return fmt.Errorf("console: rx descriptor %d isn't write-only", i)
			}

			buf, err := c.Buf(i)
			if err != nil {
				return err
			}

			n, err := dev.In.Read(buf)
			if err != nil {
				return err
			}

			total += n

			if n < len(buf) {
				break
			}
		}

		if err := c.Release(total); err != nil {
			return err
		}
	}
}

func (dev *Console) handleTx(q *virtq.Q) error {
	for {
		c, err := q.Next()
		if err != nil {
			return err
		}

		if c == nil {
			return nil
		}

		for i := range c.Desc {
			if !c.Desc[i].IsRO() {
				return fmt.Errorf("console: tx descriptor %d isn't read-only", i)
			}

			buf, err := c.Buf(i)
			if err != nil {
				return err
			}

			if _, err := dev.Out.Write(buf); err != nil {
				return err
			}
		}

		if err := c.Release(0); err != nil {
			return err
		}
	}
}

// Close closes the input stream if it supports it, unblocking a pending
// read.
func (c *Console) Close() error {
	if cl, ok := c.In.(io.Closer); ok {
		return cl.Close()
	}

	return nil
}

func (*Console) ReadConfig(p []byte, off int) error {
	// cols/rows and friends are unimplemented, read as zero
	for i := range p {
		p[i] = 0
	}

	return nil
}

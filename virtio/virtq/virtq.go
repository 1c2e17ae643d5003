// Package virtq implements split virtqueues as described by the Virtual I/O
// Device (VIRTIO) Version 1.2 spec. Packed virtqueues are not supported.
package virtq

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"
)

var le = binary.LittleEndian

// ErrBadChain is returned by Next when the driver publishes a malformed
// descriptor chain. Once a bad chain is observed the queue is broken and
// all further calls fail.
var ErrBadChain = errors.New("virtq: bad descriptor chain")

// Config configures access to guest memory and event notification for a
// split virtqueue.
type Config struct {
	// MemAt returns a slice aliasing size bytes of guest memory at the
	// given physical address.
	MemAt func(addr uint64, size int) ([]byte, error)

	// Notify is called by Release when the driver should be notified of a
	// used buffer. It may be nil, in which case no notification is sent.
	Notify func() error

	// EventIdx enables notification suppression as negotiated by the
	// VIRTIO_F_EVENT_IDX feature. If unset, Release falls back to the
	// avail ring's NO_INTERRUPT flag.
	EventIdx bool
}

// Q is a split virtqueue.
type Q struct {
	num  uint16
	desc []Desc
	avl  []byte
	used []byte
	cfg  Config

	avlIdx  uint16
	usedIdx uint16
	sigIdx  uint16
	err     error
}

// C is a chain of descriptors in a split virtqueue.
type C struct {
	q    *Q
	head uint16
	Desc []Desc
}

// Desc is a descriptor in a split virtqueue's descriptor table.
type Desc struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

const (
	DescFNext     = 1 // buffer continues in the descriptor named by Next
	DescFWrite    = 2 // buffer is device wo (otherwise ro)
	DescFIndirect = 4 // buffer contains a descriptor table
)

const (
	avlFNoInterrupt = 1 // driver doesn't want used buffer notifications
)

// usedElem is an entry in the used ring.
type usedElem struct {
	ID  uint32
	Len uint32
}

const (
	ringHdrSize  = 4 // flags u16, idx u16
	descSize     = int(unsafe.Sizeof(Desc{}))
	usedElemSize = int(unsafe.Sizeof(usedElem{}))
)

// New returns a new split virtqueue of num descriptors with its descriptor
// table, available ring, and used ring at the given guest physical addresses.
// It returns an error if num isn't a power of two or if any ring area is
// misaligned or out of bounds.
func New(num uint16, descAddr, availAddr, usedAddr uint64, cfg Config) (*Q, error) {
	if num == 0 || num&(num-1) != 0 {
		return nil, fmt.Errorf("virtq: queue size %d isn't a power of two", num)
	}

	if descAddr%16 != 0 || availAddr%2 != 0 || usedAddr%4 != 0 {
		return nil, fmt.Errorf("virtq: misaligned ring (desc %#x avail %#x used %#x)",
			descAddr, availAddr, usedAddr)
	}

	dt, err := cfg.MemAt(descAddr, int(num)*descSize)
	if err != nil {
		return nil, fmt.Errorf("virtq: descriptor table: %w", err)
	}

	// ring header, ring, and one trailing u16 for the event index
	av, err := cfg.MemAt(availAddr, ringHdrSize+2*int(num)+2)
	if err != nil {
		return nil, fmt.Errorf("virtq: available ring: %w", err)
	}

	ur, err := cfg.MemAt(usedAddr, ringHdrSize+usedElemSize*int(num)+2)
	if err != nil {
		return nil, fmt.Errorf("virtq: used ring: %w", err)
	}

	return &Q{
		num:  num,
		desc: unsafe.Slice((*Desc)(unsafe.Pointer(&dt[0])), num),
		avl:  av,
		used: ur,
		cfg:  cfg,
	}, nil
}

// Next returns the next available descriptor chain or nil if no descriptors
// are available. The caller must call the returned chain's Release method
// before calling Next again. The returned chain is only valid until its
// Release method is called.
func (q *Q) Next() (*C, error) {
	if q.err != nil {
		return nil, q.err
	}

	if q.avlIdx == q.loadAvlIdx() {
		// ask for a notification on the next avail, then look again in
		// case the driver raced us
		if q.cfg.EventIdx {
			le.PutUint16(q.used[ringHdrSize+usedElemSize*int(q.num):], q.avlIdx)
		}

		if q.avlIdx == q.loadAvlIdx() {
			return nil, nil
		}
	}

	head := le.Uint16(q.avl[ringHdrSize+2*int(q.avlIdx%q.num):])
	q.avlIdx++

	desc, err := q.walk(head)
	if err != nil {
		q.err = err
		return nil, err
	}

	return &C{q: q, head: head, Desc: desc}, nil
}

// walk collects the descriptor chain starting at head. The walk fails if an
// index is out of range or the chain is longer than the queue size, which
// also catches cycles.
func (q *Q) walk(head uint16) ([]Desc, error) {
	var chain []Desc

	for i := head; ; {
		if i >= q.num {
			return nil, fmt.Errorf("%w: descriptor index %d out of range", ErrBadChain, i)
		}

		if len(chain) == int(q.num) {
			return nil, fmt.Errorf("%w: chain at %d exceeds queue size %d", ErrBadChain, head, q.num)
		}

		d := q.desc[i]

		if d.Flags&DescFIndirect != 0 {
			if d.Flags&DescFNext != 0 {
				return nil, fmt.Errorf("%w: indirect descriptor %d has the next flag set", ErrBadChain, i)
			}

			ind, err := q.indirect(d)
			if err != nil {
				return nil, err
			}

			return append(chain, ind...), nil
		}

		chain = append(chain, d)

		if d.Flags&DescFNext == 0 {
			return chain, nil
		}

		i = d.Next
	}
}

// indirect collects the chain inside an indirect descriptor's table.
func (q *Q) indirect(d Desc) ([]Desc, error) {
	if d.Len == 0 || d.Len%uint32(descSize) != 0 {
		return nil, fmt.Errorf("%w: indirect table size %d", ErrBadChain, d.Len)
	}

	n := int(d.Len) / descSize
	if n > int(q.num) {
		return nil, fmt.Errorf("%w: indirect table of %d exceeds queue size %d", ErrBadChain, n, q.num)
	}

	data, err := q.cfg.MemAt(d.Addr, int(d.Len))
	if err != nil {
		return nil, fmt.Errorf("%w: indirect table at %#x: %v", ErrBadChain, d.Addr, err)
	}

	tbl := unsafe.Slice((*Desc)(unsafe.Pointer(&data[0])), n)
	chain := make([]Desc, 0, n)

	for i := 0; ; {
		if i >= n || len(chain) == n {
			return nil, fmt.Errorf("%w: indirect chain at %#x", ErrBadChain, d.Addr)
		}

		id := tbl[i]
		if id.Flags&DescFIndirect != 0 {
			return nil, fmt.Errorf("%w: nested indirect descriptor", ErrBadChain)
		}

		chain = append(chain, id)

		if id.Flags&DescFNext == 0 {
			return chain, nil
		}

		i = int(id.Next)
	}
}

func (q *Q) loadAvlIdx() uint16 {
	if uintptr(unsafe.Pointer(&q.avl[0]))%4 == 0 {
		return uint16(atomic.LoadUint32((*uint32)(unsafe.Pointer(&q.avl[0]))) >> 16)
	}

	return le.Uint16(q.avl[2:])
}

func (q *Q) release(c *C, bytesWritten int) error {
	e := q.used[ringHdrSize+usedElemSize*int(q.usedIdx%q.num):]
	le.PutUint32(e, uint32(c.head))
	le.PutUint32(e[4:], uint32(bytesWritten))

	q.usedIdx++

	// publish the new index. The flags half of the word is device-owned
	// and always zero, so storing the whole word is safe and orders the
	// element write before the index becomes visible.
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&q.used[0])), uint32(q.usedIdx)<<16)

	if !q.shouldNotify() {
		return nil
	}

	q.sigIdx = q.usedIdx

	if q.cfg.Notify != nil {
		return q.cfg.Notify()
	}

	return nil
}

// shouldNotify reports whether the driver wants to know about the buffer
// just released. With EventIdx it compares the driver's used event index
// against the range of indices published since the last notification.
func (q *Q) shouldNotify() bool {
	if !q.cfg.EventIdx {
		return le.Uint16(q.avl)&avlFNoInterrupt == 0
	}

	evt := le.Uint16(q.avl[ringHdrSize+2*int(q.num):])
	return q.usedIdx-evt-1 < q.usedIdx-q.sigIdx
}

// Buf returns a slice aliasing the i'th descriptor's data.
func (c *C) Buf(i int) ([]byte, error) {
	d := &c.Desc[i]
	return c.q.cfg.MemAt(d.Addr, int(d.Len))
}

// Release writes a used ring entry marking the chain as used and notifies
// the driver unless it has suppressed notification. For device-writable
// chains, bytesWritten is the total number of bytes the device wrote.
func (c *C) Release(bytesWritten int) error {
	return c.q.release(c, bytesWritten)
}

// IsRO reports whether the descriptor's buffer is device-readable.
func (d *Desc) IsRO() bool {
	return d.Flags&DescFWrite == 0
}

// IsWO reports whether the descriptor's buffer is device-writable.
func (d *Desc) IsWO() bool {
	return d.Flags&DescFWrite != 0
}

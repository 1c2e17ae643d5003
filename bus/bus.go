// Package bus routes guest I/O accesses to device handlers. A VM has two
// buses, one for memory-mapped I/O and one for port I/O; both use the same
// dispatch machinery over a sorted range table.
package bus

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrRangeConflict  = errors.New("bus: range conflict")
	ErrUnmappedAccess = errors.New("bus: unmapped access")
)

// Device is the capability set shared by every emulated device. Offsets are
// relative to the base of the range the device registered.
type Device interface {
	Read(off uint64, p []byte) error
	Write(off uint64, p []byte) error
}

// Resetter is implemented by devices that have state to drop when the VM
// stops or the guest requests a device reset.
type Resetter interface {
	Reset() error
}

// Range is a half-open [Base, Base+Size) span of bus address space.
type Range struct {
	Base uint64
	Size uint64
}

func (r Range) end() uint64 {
	return r.Base + r.Size
}

func (r Range) overlaps(o Range) bool {
	return r.Base < o.end() && o.Base < r.end()
}

// contains reports whether [addr, addr+size) falls entirely inside r.
func (r Range) contains(addr uint64, size int) bool {
	end := addr + uint64(size)
	return addr >= r.Base && end >= addr && end <= r.end()
}

func (r Range) String() string {
	return fmt.Sprintf("[0x%x, 0x%x)", r.Base, r.end())
}

type entry struct {
	r   Range
	dev Device

	// mu serializes handler calls per device: two vCPUs faulting into the
	// same device take turns, different devices dispatch in parallel.
	mu *sync.Mutex
}

// Bus maps address ranges to devices. Lookup is a binary search over the
// table sorted by range base, since dispatch runs on every guest I/O exit.
type Bus struct {
	name string

	mu      sync.RWMutex
	entries []entry
	locks   map[Device]*sync.Mutex
}

// New returns an empty bus. The name appears in error messages ("mmio",
// "pio").
func New(name string) *Bus {
	return &Bus{
		name:  name,
		locks: make(map[Device]*sync.Mutex),
	}
}

// Register installs dev at r. It fails with ErrRangeConflict if r overlaps
// any registered range, leaving the bus unchanged. A device registered under
// multiple ranges shares one dispatch lock across all of them.
func (b *Bus) Register(r Range, dev Device) error {
	if r.Size == 0 || r.end() < r.Base {
		return fmt.Errorf("%s bus: register %v: empty or overflowing range", b.name, r)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	i := sort.Search(len(b.entries), func(i int) bool {
		return b.entries[i].r.Base >= r.Base
	})

	if i > 0 && b.entries[i-1].r.overlaps(r) {
		return fmt.Errorf("%w: %s %v overlaps %v", ErrRangeConflict, b.name, r, b.entries[i-1].r)
	}

	if i < len(b.entries) && b.entries[i].r.overlaps(r) {
		return fmt.Errorf("%w: %s %v overlaps %v", ErrRangeConflict, b.name, r, b.entries[i].r)
	}

	lock := b.locks[dev]
	if lock == nil {
		lock = new(sync.Mutex)
		b.locks[dev] = lock
	}

	b.entries = append(b.entries, entry{})
	copy(b.entries[i+1:], b.entries[i:])
	b.entries[i] = entry{r: r, dev: dev, mu: lock}

	return nil
}

// Read dispatches a read of len(p) bytes at addr to the owning device.
// It fails with ErrUnmappedAccess if no single range contains the access.
func (b *Bus) Read(addr uint64, p []byte) error {
	e, off, err := b.lookup(addr, len(p))
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	return e.dev.Read(off, p)
}

// Write dispatches a write of p at addr to the owning device.
// It fails with ErrUnmappedAccess if no single range contains the access.
func (b *Bus) Write(addr uint64, p []byte) error {
	e, off, err := b.lookup(addr, len(p))
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	return e.dev.Write(off, p)
}

func (b *Bus) lookup(addr uint64, size int) (e entry, off uint64, err error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	// first entry ending after addr
	i := sort.Search(len(b.entries), func(i int) bool {
		return addr < b.entries[i].r.end()
	})

	if i == len(b.entries) || !b.entries[i].r.contains(addr, size) {
		return entry{}, 0, fmt.Errorf("%w: %s 0x%x+%d", ErrUnmappedAccess, b.name, addr, size)
	}

	e = b.entries[i]
	return e, addr - e.r.Base, nil
}

// Reset resets every registered device that implements Resetter, in range
// order. Devices registered under multiple ranges are reset once.
func (b *Bus) Reset() error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var firstErr error
	done := make(map[Device]bool, len(b.entries))

	for _, e := range b.entries {
		if done[e.dev] {
			continue
		}

		done[e.dev] = true

		if rs, ok := e.dev.(Resetter); ok {
			if err := rs.Reset(); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("%s bus: reset %v: %w", b.name, e.r, err)
			}
		}
	}

	return firstErr
}

// Ranges returns the registered ranges in address order.
func (b *Bus) Ranges() []Range {
	b.mu.RLock()
	defer b.mu.RUnlock()

	rr := make([]Range, len(b.entries))
	for i, e := range b.entries {
		rr[i] = e.r
	}

	return rr
}

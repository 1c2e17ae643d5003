//go:build linux

// Package mem implements the guest physical memory arena. Every guest
// address used by the rest of the module resolves through the Slice
// accessor, which is the only place host offsets are computed from guest
// physical addresses.
package mem

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"unsafe"

	"golang.org/x/sys/unix"
)

var (
	ErrConfig     = errors.New("mem: invalid config")
	ErrOutOfRange = errors.New("mem: address out of range")
	ErrClosed     = errors.New("mem: memory is released")
)

// Region is one contiguous run of guest physical memory backed by a slice
// of the host mapping.
type Region struct {
	GuestAddr uint64
	host      []byte
}

// Size returns the region size in bytes.
func (r *Region) Size() uint64 {
	return uint64(len(r.host))
}

// HostAddr returns the host virtual address of the region's backing, for
// installing the region into the hypervisor.
func (r *Region) HostAddr() uint64 {
	return uint64(uintptr(unsafe.Pointer(&r.host[0])))
}

// Memory is the set of mapped regions visible to the guest. Regions never
// overlap and are kept sorted by guest address. Concurrent byte-level access
// from vCPU threads and device backends is deliberately unsynchronized, like
// real RAM; bounds checks always happen before any dereference.
type Memory struct {
	raw     []byte
	regions []*Region
}

// New maps size bytes of anonymous memory and exposes it to the guest as a
// single region starting at guest address 0. If size extends past holeStart,
// the memory is split into two regions and the range [holeStart, holeEnd) is
// left unmapped for MMIO devices. size must be a multiple of the host page
// size; holeStart and holeEnd must be page-aligned.
func New(size int, holeStart, holeEnd uint64) (*Memory, error) {
	if pgsz := os.Getpagesize(); size <= 0 || size%pgsz != 0 {
		return nil, fmt.Errorf("%w: size must be a positive multiple of the host page size", ErrConfig)
	}

	if holeEnd < holeStart {
		return nil, fmt.Errorf("%w: hole end 0x%x < hole start 0x%x", ErrConfig, holeEnd, holeStart)
	}

	raw, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)

	if err != nil {
		return nil, fmt.Errorf("mem: mmap: %w", err)
	}

	m := &Memory{raw: raw}

	if holeStart == 0 || uint64(size) <= holeStart {
		m.regions = []*Region{{GuestAddr: 0, host: raw}}
		return m, nil
	}

	m.regions = []*Region{
		{GuestAddr: 0, host: raw[:holeStart]},
		{GuestAddr: holeEnd, host: raw[holeStart:]},
	}

	return m, nil
}

// Regions returns the mapped regions in guest address order.
func (m *Memory) Regions() []*Region {
	return m.regions
}

// Size returns the total mapped size in bytes.
func (m *Memory) Size() int {
	return len(m.raw)
}

// Slice returns the host bytes backing [addr, addr+size). The access must
// fall entirely within a single region; otherwise Slice fails with
// ErrOutOfRange. This is the bounds-checked accessor everything else builds
// on.
func (m *Memory) Slice(addr uint64, size int) ([]byte, error) {
	if m.raw == nil {
		return nil, ErrClosed
	}

	if size < 0 {
		return nil, fmt.Errorf("%w: negative size %d", ErrOutOfRange, size)
	}

	end := addr + uint64(size)
	if end < addr {
		return nil, fmt.Errorf("%w: 0x%x+0x%x overflows", ErrOutOfRange, addr, size)
	}

	i := sort.Search(len(m.regions), func(i int) bool {
		r := m.regions[i]
		return addr < r.GuestAddr+r.Size()
	})

	if i == len(m.regions) {
		return nil, fmt.Errorf("%w: 0x%x+0x%x", ErrOutOfRange, addr, size)
	}

	r := m.regions[i]
	if addr < r.GuestAddr || end > r.GuestAddr+r.Size() {
		return nil, fmt.Errorf("%w: 0x%x+0x%x", ErrOutOfRange, addr, size)
	}

	off := addr - r.GuestAddr
	return r.host[off : off+uint64(size) : off+uint64(size)], nil
}

// ReadAt implements io.ReaderAt over guest physical addresses.
func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("%w: negative offset %d", ErrOutOfRange, off)
	}

	src, err := m.Slice(uint64(off), len(p))
	if err != nil {
		return 0, err
	}

	return copy(p, src), nil
}

// WriteAt implements io.WriterAt over guest physical addresses.
func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("%w: negative offset %d", ErrOutOfRange, off)
	}

	dst, err := m.Slice(uint64(off), len(p))
	if err != nil {
		return 0, err
	}

	return copy(dst, p), nil
}

// LoadInto copies b into guest memory at addr. It is the entry point for
// boot and image loaders.
func (m *Memory) LoadInto(addr uint64, b []byte) error {
	dst, err := m.Slice(addr, len(b))
	if err != nil {
		return err
	}

	copy(dst, b)
	return nil
}

// Close unmaps the backing memory. Slices returned by earlier Slice calls
// must no longer be used.
func (m *Memory) Close() error {
	if m.raw == nil {
		return nil
	}

	err := unix.Munmap(m.raw)
	m.raw = nil
	m.regions = nil

	return err
}

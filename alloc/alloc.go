// Package alloc hands out guest physical address ranges and interrupt lines
// from fixed pools. Allocations are permanent for the life of the VM; there
// is no reclamation.
package alloc

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrExhausted = errors.New("alloc: resource exhausted")
	ErrAlignment = errors.New("alloc: alignment is not a power of two")
)

// Range is an allocated span of guest physical address space.
type Range struct {
	Name string
	Base uint64
	Size uint64
}

// Pool allocates MMIO ranges from a fixed window and IRQ lines from a fixed
// numeric span. The window normally sits in the MMIO hole above RAM.
type Pool struct {
	mu sync.Mutex

	next uint64
	end  uint64

	nextIRQ uint32
	endIRQ  uint32

	mmio []Range
	irqs []uint32
}

// New returns a pool allocating MMIO from [base, base+size) and IRQ lines
// from [firstIRQ, lastIRQ].
func New(base, size uint64, firstIRQ, lastIRQ uint32) *Pool {
	return &Pool{
		next:    base,
		end:     base + size,
		nextIRQ: firstIRQ,
		endIRQ:  lastIRQ,
	}
}

// MMIO allocates an aligned range of the given size. align must be a power
// of two; zero means 4K. It fails with ErrExhausted when the window can't
// fit the request.
func (p *Pool) MMIO(name string, size, align uint64) (Range, error) {
	if align == 0 {
		align = 0x1000
	}

	if align&(align-1) != 0 {
		return Range{}, fmt.Errorf("%w: 0x%x", ErrAlignment, align)
	}

	if size == 0 {
		return Range{}, fmt.Errorf("alloc: zero-size request for %q", name)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	base := alignUp(p.next, align)
	if base < p.next || base+size < base || base+size > p.end {
		return Range{}, fmt.Errorf("%w: mmio %q size 0x%x align 0x%x", ErrExhausted, name, size, align)
	}

	r := Range{Name: name, Base: base, Size: size}
	p.mmio = append(p.mmio, r)
	p.next = base + size

	return r, nil
}

// IRQ allocates the next free interrupt line.
func (p *Pool) IRQ() (uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.nextIRQ > p.endIRQ {
		return 0, fmt.Errorf("%w: irq", ErrExhausted)
	}

	n := p.nextIRQ
	p.nextIRQ++
	p.irqs = append(p.irqs, n)

	return n, nil
}

// MMIOAllocations returns a copy of every allocated range, in allocation
// order. Firmware table builders read this.
func (p *Pool) MMIOAllocations() []Range {
	p.mu.Lock()
	defer p.mu.Unlock()

	rr := make([]Range, len(p.mmio))
	copy(rr, p.mmio)
	return rr
}

// IRQs returns a copy of every allocated line number.
func (p *Pool) IRQs() []uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()

	nn := make([]uint32, len(p.irqs))
	copy(nn, p.irqs)
	return nn
}

func alignUp(v, align uint64) uint64 {
	mask := align - 1
	return (v + mask) &^ mask
}

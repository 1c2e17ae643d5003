//go:build linux

package mem_test

import (
	"bytes"
	"errors"
	"os"
	"testing"

	"github.com/skiffvm/skiff/mem"
)

func TestNew(t *testing.T) {
	pgsz := os.Getpagesize()

	m, err := mem.New(4*pgsz, 0, 0)
	if err != nil {
		t.Fatal(err)
	}

	defer m.Close()

	if len(m.Regions()) != 1 {
		t.Fatalf("regions %d != 1", len(m.Regions()))
	}

	if m.Size() != 4*pgsz {
		t.Fatalf("size %d != %d", m.Size(), 4*pgsz)
	}
}

func TestNewBadSize(t *testing.T) {
	if _, err := mem.New(123, 0, 0); !errors.Is(err, mem.ErrConfig) {
		t.Fatalf("err %v is not ErrConfig", err)
	}
}

func TestHole(t *testing.T) {
	pgsz := uint64(os.Getpagesize())

	m, err := mem.New(int(4*pgsz), 2*pgsz, 0x100000000)
	if err != nil {
		t.Fatal(err)
	}

	defer m.Close()

	rr := m.Regions()
	if len(rr) != 2 {
		t.Fatalf("regions %d != 2", len(rr))
	}

	if rr[0].GuestAddr != 0 || rr[0].Size() != 2*pgsz {
		t.Errorf("low region [0x%x, +0x%x)", rr[0].GuestAddr, rr[0].Size())
	}

	if rr[1].GuestAddr != 0x100000000 || rr[1].Size() != 2*pgsz {
		t.Errorf("high region [0x%x, +0x%x)", rr[1].GuestAddr, rr[1].Size())
	}

	// the hole itself must not resolve
	if _, err := m.Slice(2*pgsz, 1); !errors.Is(err, mem.ErrOutOfRange) {
		t.Errorf("hole access err %v is not ErrOutOfRange", err)
	}

	// but the high region must
	if _, err := m.Slice(0x100000000, int(pgsz)); err != nil {
		t.Errorf("high region access: %v", err)
	}
}

func TestSliceBounds(t *testing.T) {
	pgsz := os.Getpagesize()

	m, err := mem.New(pgsz, 0, 0)
	if err != nil {
		t.Fatal(err)
	}

	defer m.Close()

	if _, err := m.Slice(uint64(pgsz)-4, 8); !errors.Is(err, mem.ErrOutOfRange) {
		t.Errorf("straddling access err %v is not ErrOutOfRange", err)
	}

	if _, err := m.Slice(^uint64(0)-1, 4); !errors.Is(err, mem.ErrOutOfRange) {
		t.Errorf("overflowing access err %v is not ErrOutOfRange", err)
	}

	b, err := m.Slice(16, 4)
	if err != nil {
		t.Fatal(err)
	}

	copy(b, "abcd")

	p := make([]byte, 4)
	if _, err := m.ReadAt(p, 16); err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(p, []byte("abcd")) {
		t.Errorf("read %q != %q", p, "abcd")
	}
}

func TestLoadInto(t *testing.T) {
	pgsz := os.Getpagesize()

	m, err := mem.New(pgsz, 0, 0)
	if err != nil {
		t.Fatal(err)
	}

	defer m.Close()

	if err := m.LoadInto(32, []byte("kernel")); err != nil {
		t.Fatal(err)
	}

	b, err := m.Slice(32, 6)
	if err != nil {
		t.Fatal(err)
	}

	if string(b) != "kernel" {
		t.Errorf("loaded %q != %q", b, "kernel")
	}

	if err := m.LoadInto(uint64(pgsz), []byte("x")); !errors.Is(err, mem.ErrOutOfRange) {
		t.Errorf("oob load err %v is not ErrOutOfRange", err)
	}
}

func TestClosed(t *testing.T) {
	m, err := mem.New(os.Getpagesize(), 0, 0)
	if err != nil {
		t.Fatal(err)
	}

	if err := m.Close(); err != nil {
		t.Fatal(err)
	}

	if _, err := m.Slice(0, 1); !errors.Is(err, mem.ErrClosed) {
		t.Errorf("err %v is not ErrClosed", err)
	}
}

//go:build linux && amd64

package linux_test

import (
	"bytes"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/skiffvm/skiff/kvm"
	"github.com/skiffvm/skiff/mem"
	"github.com/skiffvm/skiff/os/linux"
	"github.com/skiffvm/skiff/virtio"
	"github.com/skiffvm/skiff/virtio/mmio"
	"github.com/skiffvm/skiff/vmm"
)

// fakeBzImage builds a minimal image: a zeropage with a valid setup header
// followed by the given protected-mode payload.
func fakeBzImage(t *testing.T, payload []byte) []byte {
	t.Helper()

	if len(payload)%16 != 0 {
		t.Fatal("payload must be a multiple of 16 bytes")
	}

	params := linux.BootParams{
		Hdr: linux.SetupHeader{
			Header:        linux.SetupHeaderMagic,
			Xloadflags:    0b1,
			SetupSects:    7, // payload starts at 0x1000
			Syssize:       uint32(len(payload) / 16),
			InitrdAddrMax: 0x37ffffff,
		},
	}

	zpg, err := params.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}

	return append(zpg, payload...)
}

func newTestMemory(t *testing.T) *mem.Memory {
	t.Helper()

	mm, err := mem.New(8<<20, 0xd0000000, 0x100000000)
	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() { mm.Close() })
	return mm
}

func TestLoadMemory(t *testing.T) {
	payload := bytes.Repeat([]byte{0x90}, 1024) // nop sled
	img := fakeBzImage(t, payload)

	ldr := &linux.Loader{
		Kernel:  bytes.NewReader(img),
		Cmdline: "console=hvc0",
	}

	info := vmm.VMInfo{
		MemSize: 8 << 20,
		NumCPU:  1,
		Devices: []mmio.DeviceInfo{
			{Type: virtio.ConsoleDeviceID, IRQ: 5, Addr: 0xd0000000, Size: 0x1000},
		},
	}

	mm := newTestMemory(t)
	if err := ldr.LoadMemory(info, mm); err != nil {
		t.Fatal(err)
	}

	t.Run("kernel", func(t *testing.T) {
		loaded, err := mm.Slice(0x100000, len(payload))
		if err != nil {
			t.Fatal(err)
		}

		if !bytes.Equal(loaded, payload) {
			t.Error("kernel text doesn't match the payload")
		}
	})

	t.Run("cmdline", func(t *testing.T) {
		raw, err := mm.Slice(0x20000, 256)
		if err != nil {
			t.Fatal(err)
		}

		cmdline := string(raw[:bytes.IndexByte(raw, 0)])
		if want := "virtio_mmio.device=4K@0xd0000000:5 console=hvc0"; cmdline != want {
			t.Errorf("cmdline is %q, want %q", cmdline, want)
		}
	})

	t.Run("zeropage", func(t *testing.T) {
		raw, err := mm.Slice(0x10000, linux.ZeropageSize)
		if err != nil {
			t.Fatal(err)
		}

		var zpg linux.BootParams
		if err := zpg.UnmarshalBinary(raw); err != nil {
			t.Fatal(err)
		}

		if zpg.Hdr.Header != linux.SetupHeaderMagic {
			t.Error("zeropage doesn't have the magic")
		}

		if zpg.E820Entries != 2 {
			t.Errorf("e820 has %d entries, want 2", zpg.E820Entries)
		}

		if e := zpg.E820Table[1]; e.Addr != 0x100000 || e.Size != 8<<20-0x100000 {
			t.Errorf("bad high e820 entry: %+v", e)
		}
	})
}

func TestLoadMemoryInitrd(t *testing.T) {
	initrd, err := linux.BuildInitrd([]linux.InitrdFile{
		{Name: "init", Mode: 0755, Data: []byte("#!/bin/sh\n")},
	})

	if err != nil {
		t.Fatal(err)
	}

	img := fakeBzImage(t, bytes.Repeat([]byte{0x90}, 16))
	ldr := &linux.Loader{
		Kernel: bytes.NewReader(img),
		Initrd: bytes.NewReader(initrd),
	}

	mm := newTestMemory(t)
	if err := ldr.LoadMemory(vmm.VMInfo{MemSize: mm.Size()}, mm); err != nil {
		t.Fatal(err)
	}

	raw, err := mm.Slice(0x10000, linux.ZeropageSize)
	if err != nil {
		t.Fatal(err)
	}

	var zpg linux.BootParams
	if err := zpg.UnmarshalBinary(raw); err != nil {
		t.Fatal(err)
	}

	if zpg.Hdr.RamdiskSize != uint32(len(initrd)) {
		t.Errorf("ramdisk size is %d, want %d", zpg.Hdr.RamdiskSize, len(initrd))
	}

	if zpg.Hdr.RamdiskImage%0x1000 != 0 {
		t.Errorf("ramdisk addr %#x isn't page-aligned", zpg.Hdr.RamdiskImage)
	}

	loaded, err := mm.Slice(uint64(zpg.Hdr.RamdiskImage), len(initrd))
	if err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(loaded, initrd) {
		t.Error("loaded initrd doesn't match")
	}
}

func TestLoadMemoryBadKernel(t *testing.T) {
	ldr := &linux.Loader{
		Kernel: bytes.NewReader(make([]byte, 0x2000)),
	}

	mm := newTestMemory(t)
	err := ldr.LoadMemory(vmm.VMInfo{MemSize: mm.Size()}, mm)

	if !errors.Is(err, linux.ErrBadKernel) {
		t.Errorf("error isn't ErrBadKernel: %v", err)
	}
}

func TestLoadVCPU(t *testing.T) {
	var (
		ldr   linux.Loader
		regs  kvm.Regs
		sregs kvm.Sregs
	)

	if err := ldr.LoadVCPU(vmm.VMInfo{}, 0, &regs, &sregs); err != nil {
		t.Fatal(err)
	}

	if regs.RIP != 0x100200 {
		t.Errorf("RIP is %#x, want the 64-bit entrypoint", regs.RIP)
	}

	if regs.RSI != 0x10000 {
		t.Errorf("RSI is %#x, not the zeropage addr", regs.RSI)
	}

	if sregs.CS.L != 1 {
		t.Error("CS isn't a long-mode segment")
	}

	if sregs.CR0&(1<<31) == 0 || sregs.EFER&(1<<10) == 0 {
		t.Error("paging or long mode isn't active")
	}

	if err := ldr.LoadVCPU(vmm.VMInfo{}, 1, &regs, &sregs); err == nil {
		t.Error("loading a second vCPU should fail")
	}
}

// TestBootReboot boots a real kernel when one is available. The guest's
// init immediately forces a reboot, which lands as a guest shutdown.
func TestBootReboot(t *testing.T) {
	kpath := os.Getenv("SKIFF_TEST_KERNEL")
	if kpath == "" {
		t.Skip("skipping: SKIFF_TEST_KERNEL is not set")
	}

	if _, err := os.Stat("/dev/kvm"); err != nil {
		t.Skipf("skipping: %v", err)
	}

	bzImage, err := os.Open(kpath)
	if err != nil {
		t.Fatal(err)
	}

	defer bzImage.Close()

	var out strings.Builder
	m, err := vmm.New(vmm.Config{
		SerialOut: &out,
		Loader: &linux.Loader{
			Kernel:  bzImage,
			Cmdline: "reboot=t console=ttyS0 panic=-1",
		},
	})

	if err != nil {
		t.Fatal(err)
	}

	defer m.Close()

	if err := m.Start(); err != nil {
		t.Fatal(err)
	}

	// no initrd: init can't start and panic=-1 reboots immediately
	if err := m.Wait(); !errors.Is(err, vmm.ErrGuestShutdown) {
		t.Errorf("error isn't ErrGuestShutdown: %v", err)
	}

	if !strings.Contains(out.String(), "Linux version") {
		t.Error("no kernel banner on the serial console")
	}
}

//go:build linux

package vmm_test

import (
	"bytes"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/skiffvm/skiff/kvm"
	"github.com/skiffvm/skiff/mem"
	"github.com/skiffvm/skiff/virtio"
	"github.com/skiffvm/skiff/vmm"
)

func TestValidateMemSize(t *testing.T) {
	badSizes := []int{
		os.Getpagesize() - 1,
		os.Getpagesize() + 1,
		vmm.MemSizeMin - os.Getpagesize(),
		vmm.MemSizeMax + os.Getpagesize(),
	}

	for _, sz := range badSizes {
		_, err := vmm.New(vmm.Config{
			Loader:  &nopLoader{},
			MemSize: sz,
		})

		if !errors.Is(err, vmm.ErrConfig) {
			t.Errorf("MemSize %d: error isn't ErrConfig: %v", sz, err)
		}
	}
}

func TestValidateNumCPUs(t *testing.T) {
	for _, n := range []int{-1, vmm.NumCPUsMax + 1} {
		_, err := vmm.New(vmm.Config{
			Loader:  &nopLoader{},
			NumCPUs: n,
		})

		if !errors.Is(err, vmm.ErrConfig) {
			t.Errorf("NumCPUs %d: error isn't ErrConfig: %v", n, err)
		}
	}
}

func TestValidateMissingLoader(t *testing.T) {
	_, err := vmm.New(vmm.Config{})

	if !errors.Is(err, vmm.ErrConfig) {
		t.Errorf("error isn't ErrConfig: %v", err)
	}
}

func TestSetupVMError(t *testing.T) {
	requireKVM(t)

	boom := errors.New("boom")
	m, err := vmm.New(vmm.Config{
		Loader: nopLoader{},
		Arch: nopArch{
			SetupVMError: boom,
		},
	})

	if m != nil {
		t.Fatalf("vm is present: %v", m)
	}

	if !errors.Is(err, vmm.ErrSetup) {
		t.Errorf("error isn't ErrSetup: %v", err)
	}

	if !errors.Is(err, boom) {
		t.Errorf("no boom: %v", err)
	}
}

func TestSetupVCPUError(t *testing.T) {
	requireKVM(t)

	boom := errors.New("boom")
	m, err := vmm.New(vmm.Config{
		Loader: nopLoader{},
		Arch: nopArch{
			SetupVCPUError: boom,
		},
	})

	if m != nil {
		t.Fatalf("vm is present: %v", m)
	}

	if !errors.Is(err, vmm.ErrSetupVCPU) {
		t.Errorf("error isn't ErrSetupVCPU: %v", err)
	}

	if !errors.Is(err, boom) {
		t.Errorf("no boom: %v", err)
	}
}

func TestLoadMemoryError(t *testing.T) {
	requireKVM(t)

	boom := errors.New("boom")
	m, err := vmm.New(vmm.Config{
		Loader: &nopLoader{
			LoadMemoryError: boom,
		},
	})

	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() { m.Close() })

	err = m.Start()
	if !errors.Is(err, vmm.ErrLoadMemory) {
		t.Errorf("error isn't ErrLoadMemory: %v", err)
	}

	if !errors.Is(err, boom) {
		t.Error("no boom")
	}
}

func TestLoadVCPUError(t *testing.T) {
	requireKVM(t)

	boom := errors.New("boom")
	m, err := vmm.New(vmm.Config{
		Loader: &nopLoader{
			LoadVCPUError: boom,
		},
	})

	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() { m.Close() })

	err = m.Start()
	if !errors.Is(err, vmm.ErrLoadVCPU) {
		t.Errorf("error isn't ErrLoadVCPU: %v", err)
	}

	if !errors.Is(err, boom) {
		t.Error("no boom")
	}
}

func TestStateBeforeStart(t *testing.T) {
	requireKVM(t)

	m, err := vmm.New(vmm.Config{Loader: nopLoader{}})
	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() { m.Close() })

	if s := m.State(); s != vmm.StateCreated {
		t.Errorf("state is %v, not created", s)
	}

	if err := m.Pause(); !errors.Is(err, vmm.ErrState) {
		t.Errorf("pausing an unstarted VM: error isn't ErrState: %v", err)
	}

	if err := m.Resume(); !errors.Is(err, vmm.ErrState) {
		t.Errorf("resuming an unstarted VM: error isn't ErrState: %v", err)
	}

	if err := m.Stop(); err != nil {
		t.Errorf("stopping an unstarted VM: %v", err)
	}

	if s := m.State(); s != vmm.StateStopped {
		t.Errorf("state is %v, not stopped", s)
	}
}

// TestGuestShutdown boots a tiny real-mode guest that writes "hi" to the
// COM1 data port and then pokes the shutdown register.
func TestGuestShutdown(t *testing.T) {
	requireKVM(t)

	code := []byte{
		0xba, 0xf8, 0x03, // mov dx, 0x3f8
		0xb0, 'h', // mov al, 'h'
		0xee,      // out dx, al
		0xb0, 'i', // mov al, 'i'
		0xee, // out dx, al

		// unmapped port: the read floats high, the write is dropped,
		// and the guest keeps running
		0xba, 0xf8, 0x02, // mov dx, 0x2f8
		0xec, // in al, dx
		0xee, // out dx, al

		0xba, 0x00, 0x06, // mov dx, 0x600
		0xb0, 0x34, // mov al, 0x34
		0xee, // out dx, al
		0xf4, // hlt
	}

	var out bytes.Buffer
	m, err := vmm.New(vmm.Config{
		MemSize:   vmm.MemSizeMin,
		SerialOut: &out,
		Loader:    realModeLoader{code: code},
	})

	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() { m.Close() })

	if err := m.AddDevice(&virtio.Console{}); err != nil {
		t.Fatal(err)
	}

	if err := m.Start(); err != nil {
		t.Fatal(err)
	}

	if err := m.AddDevice(&virtio.Console{}); !errors.Is(err, vmm.ErrState) {
		t.Errorf("adding a device to a running VM: error isn't ErrState: %v", err)
	}

	if err := m.Wait(); !errors.Is(err, vmm.ErrGuestShutdown) {
		t.Errorf("error isn't ErrGuestShutdown: %v", err)
	}

	if err := m.FatalErr(); !errors.Is(err, vmm.ErrGuestShutdown) {
		t.Errorf("FatalErr isn't ErrGuestShutdown: %v", err)
	}

	if got := out.String(); got != "hi" {
		t.Errorf("serial output is %q, not %q", got, "hi")
	}
}

// TestPauseResume spins a guest in a tight loop and drives it through the
// whole lifecycle.
func TestPauseResume(t *testing.T) {
	requireKVM(t)

	code := []byte{
		0xeb, 0xfe, // spin: jmp spin
	}

	m, err := vmm.New(vmm.Config{
		MemSize: vmm.MemSizeMin,
		Loader:  realModeLoader{code: code},
	})

	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() { m.Close() })

	if err := m.Start(); err != nil {
		t.Fatal(err)
	}

	if s := m.State(); s != vmm.StateRunning {
		t.Errorf("state is %v, not running", s)
	}

	time.Sleep(10 * time.Millisecond)

	if err := m.Pause(); err != nil {
		t.Fatal(err)
	}

	if s := m.State(); s != vmm.StatePaused {
		t.Errorf("state is %v, not paused", s)
	}

	if err := m.Pause(); !errors.Is(err, vmm.ErrState) {
		t.Errorf("double pause: error isn't ErrState: %v", err)
	}

	if err := m.Resume(); err != nil {
		t.Fatal(err)
	}

	time.Sleep(10 * time.Millisecond)

	if err := m.Stop(); err != nil {
		t.Errorf("stop: %v", err)
	}

	if s := m.State(); s != vmm.StateStopped {
		t.Errorf("state is %v, not stopped", s)
	}

	if err := m.FatalErr(); err != nil {
		t.Errorf("clean stop left a fatal error: %v", err)
	}

	want := []vmm.State{
		vmm.StateRunning,
		vmm.StatePaused,
		vmm.StateRunning,
		vmm.StateStopping,
		vmm.StateStopped,
	}

	for i, w := range want {
		if s := <-m.StateC(); s != w {
			t.Fatalf("transition %d is %v, want %v", i, s, w)
		}
	}
}

// TestStopSpinningGuest stops a guest that never exits on its own, right
// after Start, when the vCPU thread is still between its run-loop checks
// and KVM_RUN. Stop has to land regardless of where the thread is.
func TestStopSpinningGuest(t *testing.T) {
	requireKVM(t)

	m, err := vmm.New(vmm.Config{
		MemSize: vmm.MemSizeMin,
		Loader:  realModeLoader{code: []byte{0xeb, 0xfe}}, // jmp $
	})

	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() { m.Close() })

	if err := m.Start(); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- m.Stop() }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}

	case <-time.After(10 * time.Second):
		t.Fatal("stop didn't finish")
	}
}

func requireKVM(t *testing.T) {
	t.Helper()

	if _, err := os.Stat("/dev/kvm"); err != nil {
		t.Skipf("skipping: %v", err)
	}
}

// realModeLoader drops code at 0x1000 and points the vCPU at it with flat
// real-mode segments.
type realModeLoader struct {
	code []byte
}

func (l realModeLoader) LoadMemory(info vmm.VMInfo, mm *mem.Memory) error {
	return mm.LoadInto(0x1000, l.code)
}

func (l realModeLoader) LoadVCPU(info vmm.VMInfo, slot int, regs *kvm.Regs, sregs *kvm.Sregs) error {
	sregs.CS.Base = 0
	sregs.CS.Selector = 0
	regs.RIP = 0x1000
	regs.RFlags = 2
	return nil
}

type nopLoader struct {
	LoadMemoryError error
	LoadVCPUError   error
}

func (l nopLoader) LoadMemory(info vmm.VMInfo, mm *mem.Memory) error {
	return l.LoadMemoryError
}

func (l nopLoader) LoadVCPU(info vmm.VMInfo, slot int, regs *kvm.Regs, sregs *kvm.Sregs) error {
	return l.LoadVCPUError
}

type nopArch struct {
	SetupVMError   error
	SetupVCPUError error
}

func (a nopArch) SetupVM(vm *kvm.VM) error {
	return a.SetupVMError
}

func (a nopArch) SetupVCPU(slot int, vcpu *kvm.VCPU, state *kvm.VCPUState) error {
	return a.SetupVCPUError
}

//go:build linux

// Package kvm wraps the subset of the KVM ioctl API used by the rest of the
// module. The three kinds of KVM file descriptors (system, VM, VCPU) get
// distinct types so an ioctl can't be issued against the wrong fd.
package kvm

import (
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// StableAPIVersion is the only KVM API version this package supports.
// From api.txt: "Applications should refuse to run if KVM_GET_API_VERSION
// returns a value other than 12."
const StableAPIVersion = 12

// System is an open handle to /dev/kvm.
type System struct {
	f *os.File
}

// VM is a VM fd created by KVM_CREATE_VM.
type VM struct {
	fd uintptr
}

// VCPU is a VCPU fd created by KVM_CREATE_VCPU.
type VCPU struct {
	fd uintptr
}

// UserspaceMemoryRegion has the same layout as the C struct
// kvm_userspace_memory_region.
type UserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// IRQLevel has the same layout as the C struct kvm_irq_level.
type IRQLevel struct {
	IRQ   uint32
	Level uint32
}

// MSI has the same layout as the C struct kvm_msi.
type MSI struct {
	AddressLo uint32
	AddressHi uint32
	Data      uint32
	Flags     uint32
	DevID     uint32
	_         [12]uint8
}

// Open opens /dev/kvm.
func Open() (*System, error) {
	f, err := os.OpenFile("/dev/kvm", os.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}

	return &System{f: f}, nil
}

func (sys *System) Fd() uintptr {
	return sys.f.Fd()
}

func (sys *System) Close() error {
	return sys.f.Close()
}

func (vm *VM) Fd() uintptr {
	return vm.fd
}

func (vm *VM) Close() error {
	return unix.Close(int(vm.fd))
}

func (vcpu *VCPU) Fd() uintptr {
	return vcpu.fd
}

func (vcpu *VCPU) Close() error {
	return unix.Close(int(vcpu.fd))
}

// GetAPIVersion returns "the constant KVM_API_VERSION (=12)".
func GetAPIVersion(sys *System) (int, error) {
	v, err := ioctl(sys.Fd(), kGetAPIVersion, 0)
	return int(v), err
}

// CreateVM creates a new VM with no memory and no VCPUs.
func CreateVM(sys *System) (*VM, error) {
	fd, err := ioctl(sys.Fd(), kCreateVM, 0)
	if err != nil {
		return nil, err
	}

	return &VM{fd: fd}, nil
}

// CheckExtension queries support for an extension on the system fd. A
// positive value means the extension is available; the meaning of values
// greater than 1 is extension-specific.
func CheckExtension(f interface{ Fd() uintptr }, cap Cap) (int, error) {
	v, err := ioctl(f.Fd(), kCheckExtension, uintptr(cap))
	return int(v), err
}

// GetVCPUMmapSize returns "the size of the shared memory region that the
// KVM_RUN ioctl uses to communicate with userspace".
func GetVCPUMmapSize(sys *System) (int, error) {
	v, err := ioctl(sys.Fd(), kGetVCPUMmapSize, 0)
	return int(v), err
}

// CreateVCPU adds a VCPU to the VM. "The vcpu id is an integer in the range
// [0, max_vcpu_id)."
func CreateVCPU(vm *VM, slot int) (*VCPU, error) {
	fd, err := ioctl(vm.Fd(), kCreateVCPU, uintptr(slot))
	if err != nil {
		return nil, err
	}

	return &VCPU{fd: fd}, nil
}

// SetUserMemoryRegion installs a guest physical memory slot.
func SetUserMemoryRegion(vm *VM, region *UserspaceMemoryRegion) error {
	_, err := ioctl(vm.Fd(), kSetUserMemoryRegion, uintptr(unsafe.Pointer(region)))
	return err
}

// Run enters the guest. It returns when the guest exits to userspace or the
// calling thread takes a signal, in which case the error is unix.EINTR. Run
// must be called from the thread that will keep running the VCPU: KVM
// associates the VCPU with the first thread that runs it.
func Run(vcpu *VCPU) error {
	_, err := ioctl(vcpu.Fd(), kRun, 0)
	return err
}

// CreateIRQChip creates the in-kernel interrupt controller model (two PICs
// and an IOAPIC on x86).
func CreateIRQChip(vm *VM) error {
	_, err := ioctl(vm.Fd(), kCreateIRQChip, 0)
	return err
}

// IRQLine sets the level of a GSI input to the in-kernel interrupt
// controller. "On some architectures it is required that an interrupt to be
// triggered must be set and then cleared"; level-triggered sources hold the
// line high until the device deasserts it.
func IRQLine(vm *VM, irq uint32, level uint32) error {
	lvl := IRQLevel{IRQ: irq, Level: level}
	_, err := ioctl(vm.Fd(), kIRQLine, uintptr(unsafe.Pointer(&lvl)))
	return err
}

// SignalMSI injects a message-signaled interrupt described by msi. It is
// one-shot: there is no level to deassert.
func SignalMSI(vm *VM, msi *MSI) error {
	_, err := ioctl(vm.Fd(), kSignalMSI, uintptr(unsafe.Pointer(msi)))
	return err
}

func ioctl(fd, op, arg uintptr) (uintptr, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, op, arg)
	if errno != 0 {
		return 0, errno
	}

	return r, nil
}

// ioctl request encoding, per include/uapi/asm-generic/ioctl.h.

const (
	iocWrite = 1
	iocRead  = 2

	iocTypeKVM = 0xae
)

func io_(nr uintptr) uintptr {
	return ioc(0, nr, 0)
}

func iow(nr, size uintptr) uintptr {
	return ioc(iocWrite, nr, size)
}

func ior(nr, size uintptr) uintptr {
	return ioc(iocRead, nr, size)
}

func iowr(nr, size uintptr) uintptr {
	return ioc(iocWrite|iocRead, nr, size)
}

func ioc(dir, nr, size uintptr) uintptr {
	return dir<<30 | size<<16 | iocTypeKVM<<8 | nr
}

var (
	kGetAPIVersion       = io_(0x00)
	kCreateVM            = io_(0x01)
	kCheckExtension      = io_(0x03)
	kGetVCPUMmapSize     = io_(0x04)
	kCreateVCPU          = io_(0x41)
	kSetUserMemoryRegion = iow(0x46, unsafe.Sizeof(UserspaceMemoryRegion{}))
	kCreateIRQChip       = io_(0x60)
	kIRQLine             = iow(0x61, unsafe.Sizeof(IRQLevel{}))
	kRun                 = io_(0x80)
	kSignalMSI           = iow(0xa5, unsafe.Sizeof(MSI{}))
)

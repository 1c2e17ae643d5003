//go:build linux

package kvm

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

const nrInterrupts = 256

// Regs holds a VCPU's general-purpose registers.
// It has the same layout as the C struct kvm_regs.
type Regs struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RSP, RBP uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	RIP, RFlags        uint64
}

// Sregs holds a VCPU's special registers.
// It has the same layout as the C struct kvm_sregs.
type Sregs struct {
	CS, DS, ES, FS, GS, SS  Segment
	TR, LDT                 Segment
	GDT, IDT                Dtable
	CR0, CR2, CR3, CR4, CR8 uint64
	EFER                    uint64
	APICBase                uint64
	InterruptBitmap         [((nrInterrupts + 63) / 64)]uint64
}

// Segment has the same layout as the C struct kvm_segment.
type Segment struct {
	Base                           uint64
	Limit                          uint32
	Selector                       uint16
	Type                           uint8
	Present, DPL, DB, S, L, G, Avl uint8
	Unusable                       uint8
	_                              byte
}

// Dtable has the same layout as the C struct kvm_dtable.
type Dtable struct {
	Base  uint64
	Limit uint16
	_     [6]byte
}

// CPUIDEntry2 has the same layout as the C struct kvm_cpuid_entry2.
type CPUIDEntry2 struct {
	Function uint32
	Index    uint32
	Flags    uint32
	EAX      uint32
	EBX      uint32
	ECX      uint32
	EDX      uint32
	_        [3]uint32
}

// PITConfig has the same layout as the C struct kvm_pit_config.
type PITConfig struct {
	Flags uint32
	_     [15]uint32
}

// VCPUState has roughly the same layout as struct kvm_run. It aliases the
// VCPU's mmaped run page, so writes (ImmediateExit in particular) are seen
// by the kernel on the next KVM_RUN.
type VCPUState struct {
	_/*requestInterruptWindow*/ uint8 // in
	ImmediateExit                     uint8 // in
	_                                 [6]uint8
	ExitReason                        Exit
	ReadyForInterruptInjection        uint8
	IFFlag                            uint8
	_/*flags*/ uint16
	_/*cr8*/ uint64
	_/*apicBase*/ uint64

	// exitData is a union of anonymous structs in the C struct.
	exitData [256]uint8

	_/*kvmValidRegs*/ uint64
	_/*kvmDirtyRegs*/ uint64
	_ [2048]uint8
}

// IOExitData is the result of a KVM_EXIT_IO vmexit. It has the same layout
// as the "io" member of the union of vmexit data in struct kvm_run. Offset
// locates the transfer buffer relative to the start of the run page.
type IOExitData struct {
	IsOut  bool
	Size   uint8
	Port   uint16
	Count  uint32
	Offset uint64
}

// MMIOExitData is the result of a KVM_EXIT_MMIO vmexit. It has the same
// layout as the "mmio" member of the union of vmexit data in struct kvm_run.
type MMIOExitData struct {
	PhysAddr uint64
	Data     [8]uint8
	Len      uint32
	IsWrite  bool
	_        [3]byte
}

// InternalErrorExitData describes a KVM_EXIT_INTERNAL_ERROR vmexit.
type InternalErrorExitData struct {
	Suberror uint32
	NData    uint32
	Data     [16]uint64
}

// kvm_cpuid2 is similar to the C struct kvm_cpuid2. The entries array has a
// fixed size because Go doesn't directly support C flexible array members.
type kvm_cpuid2 struct {
	nent    uint32
	_       uint32
	entries [255]CPUIDEntry2
}

// MSREntry corresponds to struct kvm_msr_entry.
type MSREntry struct {
	Index uint32
	_     uint32
	Data  uint64
}

// kvm_msrs is similar to the C struct kvm_msrs, with a fixed-size entries
// array for the same reason as kvm_cpuid2.
type kvm_msrs struct {
	nmsrs   uint32
	_       uint32
	entries [64]MSREntry
}

// GetRegs reads the vcpu's general-purpose registers.
func GetRegs(vcpu *VCPU, regs *Regs) error {
	_, err := ioctl(vcpu.Fd(), kGetRegs, uintptr(unsafe.Pointer(regs)))
	return err
}

// SetRegs writes the vcpu's general-purpose registers.
func SetRegs(vcpu *VCPU, regs *Regs) error {
	_, err := ioctl(vcpu.Fd(), kSetRegs, uintptr(unsafe.Pointer(regs)))
	return err
}

// GetSregs reads the vcpu's special registers.
func GetSregs(vcpu *VCPU, sregs *Sregs) error {
	_, err := ioctl(vcpu.Fd(), kGetSregs, uintptr(unsafe.Pointer(sregs)))
	return err
}

// SetSregs writes the vcpu's special registers.
func SetSregs(vcpu *VCPU, sregs *Sregs) error {
	_, err := ioctl(vcpu.Fd(), kSetSregs, uintptr(unsafe.Pointer(sregs)))
	return err
}

// GetSupportedCPUID "returns x86 cpuid features which are supported by both
// the hardware and kvm in its default configuration."
//
// This ioctl is available if CheckExtension(CapExtCPUID) returns 1.
func GetSupportedCPUID(sys *System) ([]CPUIDEntry2, error) {
	var cpuid kvm_cpuid2
	cpuid.nent = uint32(len(cpuid.entries))

	if _, err := ioctl(sys.Fd(), kGetSupportedCPUID, uintptr(unsafe.Pointer(&cpuid))); err != nil {
		return nil, err
	}

	return cpuid.entries[:cpuid.nent], nil
}

// SetCPUID2 "defines the vcpu responses to the cpuid instruction."
// This ioctl is available if CheckExtension(CapExtCPUID) returns 1.
func SetCPUID2(vcpu *VCPU, entries []CPUIDEntry2) error {
	cpuid := kvm_cpuid2{nent: uint32(len(entries))}
	if copy(cpuid.entries[:], entries) != len(entries) {
		return unix.E2BIG
	}

	_, err := ioctl(vcpu.Fd(), kSetCPUID2, uintptr(unsafe.Pointer(&cpuid)))
	return err
}

// SetMSRs "writes model-specific registers to the vcpu."
func SetMSRs(vcpu *VCPU, entries []MSREntry) error {
	msrs := kvm_msrs{nmsrs: uint32(len(entries))}
	if copy(msrs.entries[:], entries) != len(entries) {
		return unix.E2BIG
	}

	_, err := ioctl(vcpu.Fd(), kSetMSRs, uintptr(unsafe.Pointer(&msrs)))
	return err
}

// CreatePIT2 "Creates an in-kernel device model for the i8254 PIT. This call
// is only valid after enabling in-kernel irqchip support via
// KVM_CREATE_IRQCHIP."
//
// This ioctl is available if CheckExtension(CapPIT2) returns 1.
func CreatePIT2(vm *VM, cfg *PITConfig) error {
	_, err := ioctl(vm.Fd(), kCreatePIT2, uintptr(unsafe.Pointer(cfg)))
	return err
}

// SetTSSAddr "defines the physical address of a three-page region in the
// guest physical address space. The region must be within the first 4GB of
// the guest physical address space and must not conflict with any memory
// slot or any mmio address."
//
// This ioctl is available if CheckExtension(CapSetTSSAddr) returns 1.
func SetTSSAddr(vm *VM, addr uint64) error {
	_, err := ioctl(vm.Fd(), kSetTSSAddr, uintptr(addr))
	return err
}

// IOExitData returns data describing the present KVM_EXIT_IO vmexit.
// The result is undefined (but bad) if the exit reason is not KVM_EXIT_IO.
func (s *VCPUState) IOExitData() *IOExitData {
	return (*IOExitData)(unsafe.Pointer(&s.exitData[0]))
}

// MMIOExitData returns data describing the present KVM_EXIT_MMIO vmexit.
// The result is undefined (but bad) if the exit reason is not KVM_EXIT_MMIO.
func (s *VCPUState) MMIOExitData() *MMIOExitData {
	return (*MMIOExitData)(unsafe.Pointer(&s.exitData[0]))
}

// InternalErrorExitData returns data describing the present
// KVM_EXIT_INTERNAL_ERROR vmexit.
func (s *VCPUState) InternalErrorExitData() *InternalErrorExitData {
	return (*InternalErrorExitData)(unsafe.Pointer(&s.exitData[0]))
}

var (
	kGetSupportedCPUID = iowr(0x05, 8)
	kSetTSSAddr        = io_(0x47)
	kCreatePIT2        = iow(0x77, unsafe.Sizeof(PITConfig{}))
	kGetRegs           = ior(0x81, unsafe.Sizeof(Regs{}))
	kSetRegs           = iow(0x82, unsafe.Sizeof(Regs{}))
	kGetSregs          = ior(0x83, unsafe.Sizeof(Sregs{}))
	kSetSregs          = iow(0x84, unsafe.Sizeof(Sregs{}))
	kSetMSRs           = iow(0x89, 8)
	kSetCPUID2         = iow(0x90, 8)
)

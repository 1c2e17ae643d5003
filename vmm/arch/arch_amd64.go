//go:build linux

// Package arch does the machine-specific parts of VM setup: the in-kernel
// interrupt chips, guest physical address layout, and per-vCPU identity.
package arch

import (
	"fmt"

	"github.com/skiffvm/skiff/kvm"
)

// Guest physical address layout. RAM starts at 0 and is split around a hole
// below 4G where mmio device registers live. RAM beyond the hole continues
// at AfterMMIOHoleAddr.
const (
	MMIOHoleAddr      = 0x0d0000000
	AfterMMIOHoleAddr = 0x100000000
)

// TSSAddr is a three-page region just below the mmio hole reserved for the
// hypervisor's task state segment on Intel hosts.
const TSSAddr = MMIOHoleAddr - 4*0x1000

// Legacy interrupt lines claimed by platform devices. Lines between
// FirstDynamicIRQ and LastDynamicIRQ are free for allocation.
const (
	SerialIRQ       = 4
	FirstDynamicIRQ = 5
	LastDynamicIRQ  = 15
)

// archCaps are the amd64-specific KVM extensions required by Arch.
var archCaps = []kvm.Cap{
	kvm.CapExtCPUID,
	kvm.CapSetTSSAddr,
	kvm.CapPIT2,
}

// Arch holds host capabilities gathered once at startup.
type Arch struct {
	supportedCPUID []kvm.CPUIDEntry2
}

func New(sys *kvm.System) (*Arch, error) {
	supp, err := kvm.GetSupportedCPUID(sys)
	if err != nil {
		return nil, fmt.Errorf("get supported cpuid: %w", err)
	}

	return &Arch{supportedCPUID: supp}, nil
}

// SetupVM installs the in-kernel PIC, IOAPIC, and PIT, and reserves the TSS
// region.
func (*Arch) SetupVM(vm *kvm.VM) error {
	if err := kvm.CreateIRQChip(vm); err != nil {
		return fmt.Errorf("create irqchip: %w", err)
	}

	if err := kvm.CreatePIT2(vm, &kvm.PITConfig{}); err != nil {
		return fmt.Errorf("create pit: %w", err)
	}

	if err := kvm.SetTSSAddr(vm, TSSAddr); err != nil {
		return fmt.Errorf("set tss addr: %w", err)
	}

	return nil
}

// SetupVCPU gives the vCPU the default cpuid supported by KVM and enables
// fast string operations.
func (a *Arch) SetupVCPU(slot int, vcpu *kvm.VCPU, state *kvm.VCPUState) error {
	if err := kvm.SetCPUID2(vcpu, a.supportedCPUID); err != nil {
		return fmt.Errorf("set cpuid: %w", err)
	}

	const msrIA32MiscEnable = 0x1a0
	const msrIA32MiscEnableFastString = 1 << 0

	msrs := []kvm.MSREntry{
		{
			Index: msrIA32MiscEnable,
			Data:  msrIA32MiscEnableFastString,
		},
	}

	if err := kvm.SetMSRs(vcpu, msrs); err != nil {
		return fmt.Errorf("set msrs: %w", err)
	}

	return nil
}

//go:build linux

package kvm

import "fmt"

// Cap identifies a KVM extension for CheckExtension.
type Cap uint32

const (
	CapIRQChip          = Cap(0)
	CapHLT              = Cap(1)
	CapUserMemory       = Cap(3)
	CapExtCPUID         = Cap(7)
	CapNRVCPUs          = Cap(9)
	CapNRMemslots       = Cap(10)
	CapPIT2             = Cap(33)
	CapIRQFD            = Cap(32)
	CapSetTSSAddr       = Cap(4)
	CapAdjustClock      = Cap(39)
	CapSignalMSI        = Cap(77)
	CapCheckExtensionVM = Cap(105)
	CapImmediateExit    = Cap(136)
	CapMaxVCPUs         = Cap(66)
	CapMaxVCPUID        = Cap(128)
)

var capNames = map[Cap]string{
	CapIRQChip:          "KVM_CAP_IRQCHIP",
	CapHLT:              "KVM_CAP_HLT",
	CapUserMemory:       "KVM_CAP_USER_MEMORY",
	CapSetTSSAddr:       "KVM_CAP_SET_TSS_ADDR",
	CapExtCPUID:         "KVM_CAP_EXT_CPUID",
	CapNRVCPUs:          "KVM_CAP_NR_VCPUS",
	CapNRMemslots:       "KVM_CAP_NR_MEMSLOTS",
	CapIRQFD:            "KVM_CAP_IRQFD",
	CapPIT2:             "KVM_CAP_PIT2",
	CapAdjustClock:      "KVM_CAP_ADJUST_CLOCK",
	CapMaxVCPUs:         "KVM_CAP_MAX_VCPUS",
	CapSignalMSI:        "KVM_CAP_SIGNAL_MSI",
	CapCheckExtensionVM: "KVM_CAP_CHECK_EXTENSION_VM",
	CapMaxVCPUID:        "KVM_CAP_MAX_VCPU_ID",
	CapImmediateExit:    "KVM_CAP_IMMEDIATE_EXIT",
}

// AllCaps returns every Cap known to this package.
func AllCaps() []Cap {
	cc := make([]Cap, 0, len(capNames))
	for c := range capNames {
		cc = append(cc, c)
	}

	return cc
}

func (c Cap) String() string {
	if s, ok := capNames[c]; ok {
		return s
	}

	return fmt.Sprintf("Cap(%d)", uint32(c))
}

// Exit is a KVM_RUN exit reason.
type Exit uint32

const (
	ExitUnknown       = Exit(0)
	ExitException     = Exit(1)
	ExitIO            = Exit(2)
	ExitHypercall     = Exit(3)
	ExitDebug         = Exit(4)
	ExitHLT           = Exit(5)
	ExitMMIO          = Exit(6)
	ExitIRQWindowOpen = Exit(7)
	ExitShutdown      = Exit(8)
	ExitFailEntry     = Exit(9)
	ExitIntr          = Exit(10)
	ExitSetTPR        = Exit(11)
	ExitTPRAccess     = Exit(12)
	ExitNMI           = Exit(16)
	ExitInternalError = Exit(17)
	ExitSystemEvent   = Exit(24)
)

var exitNames = map[Exit]string{
	ExitUnknown:       "KVM_EXIT_UNKNOWN",
	ExitException:     "KVM_EXIT_EXCEPTION",
	ExitIO:            "KVM_EXIT_IO",
	ExitHypercall:     "KVM_EXIT_HYPERCALL",
	ExitDebug:         "KVM_EXIT_DEBUG",
	ExitHLT:           "KVM_EXIT_HLT",
	ExitMMIO:          "KVM_EXIT_MMIO",
	ExitIRQWindowOpen: "KVM_EXIT_IRQ_WINDOW_OPEN",
	ExitShutdown:      "KVM_EXIT_SHUTDOWN",
	ExitFailEntry:     "KVM_EXIT_FAIL_ENTRY",
	ExitIntr:          "KVM_EXIT_INTR",
	ExitSetTPR:        "KVM_EXIT_SET_TPR",
	ExitTPRAccess:     "KVM_EXIT_TPR_ACCESS",
	ExitNMI:           "KVM_EXIT_NMI",
	ExitInternalError: "KVM_EXIT_INTERNAL_ERROR",
	ExitSystemEvent:   "KVM_EXIT_SYSTEM_EVENT",
}

func (e Exit) String() string {
	if s, ok := exitNames[e]; ok {
		return s
	}

	return fmt.Sprintf("Exit(%d)", uint32(e))
}

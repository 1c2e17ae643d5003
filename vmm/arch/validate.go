//go:build linux

package arch

import (
	"fmt"
	"strings"

	"github.com/skiffvm/skiff/kvm"
)

// requiredCaps are the KVM extensions required for all architectures.
// See archCaps for required arch-specific extensions.
var requiredCaps = []kvm.Cap{
	kvm.CapIRQChip,
	kvm.CapHLT,
	kvm.CapUserMemory,
	kvm.CapSignalMSI,
	kvm.CapCheckExtensionVM,
	kvm.CapImmediateExit,
}

// ValidateKVM returns an error if KVM doesn't support the required extensions.
func ValidateKVM(sys *kvm.System) error {
	version, err := kvm.GetAPIVersion(sys)
	if err != nil {
		return err
	}

	if version != kvm.StableAPIVersion {
		return fmt.Errorf("unstable API version: %d != %d", version, kvm.StableAPIVersion)
	}

	caps := append([]kvm.Cap(nil), requiredCaps...)
	caps = append(caps, archCaps...)

	var missing []string
	for _, cap := range caps {
		val, err := kvm.CheckExtension(sys, cap)
		if err != nil {
			return err
		}

		if val < 1 {
			missing = append(missing, cap.String())
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing %s", strings.Join(missing, ","))
	}

	return nil
}

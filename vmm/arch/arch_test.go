//go:build linux

package arch_test

import (
	"os"
	"testing"

	"github.com/skiffvm/skiff/kvm"
	"github.com/skiffvm/skiff/vmm/arch"
)

func TestArch(t *testing.T) {
	if _, err := os.Stat("/dev/kvm"); err != nil {
		t.Skipf("skipping: %v", err)
	}

	sys, err := kvm.Open()
	if err != nil {
		t.Fatal(err)
	}

	defer sys.Close()

	if err := arch.ValidateKVM(sys); err != nil {
		t.Fatal(err)
	}

	a, err := arch.New(sys)
	if err != nil {
		t.Fatal(err)
	}

	vm, err := kvm.CreateVM(sys)
	if err != nil {
		t.Fatal(err)
	}

	defer vm.Close()

	if err := a.SetupVM(vm); err != nil {
		t.Fatal(err)
	}

	vc, err := kvm.CreateVCPU(vm, 0)
	if err != nil {
		t.Fatal(err)
	}

	defer vc.Close()

	if err := a.SetupVCPU(0, vc, nil); err != nil {
		t.Fatal(err)
	}
}

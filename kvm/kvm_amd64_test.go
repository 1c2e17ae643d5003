//go:build linux && amd64

package kvm_test

import (
	"testing"

	"github.com/skiffvm/skiff/kvm"
)

func TestGetSupportedCPUID(t *testing.T) {
	sys := openKVM(t)

	ext, err := kvm.CheckExtension(sys, kvm.CapExtCPUID)
	if err != nil {
		t.Fatal(err)
	}

	if ext != 1 {
		t.Skipf("%v is %d", kvm.CapExtCPUID, ext)
	}

	entries, err := kvm.GetSupportedCPUID(sys)
	if err != nil {
		t.Fatal(err)
	}

	if len(entries) == 0 {
		t.Fatal("no cpuid entries")
	}
}

package tap_test

import (
	"errors"
	"os"
	"testing"

	"github.com/skiffvm/skiff/tap"
	"golang.org/x/sys/unix"
)

func TestOpen(t *testing.T) {
	iface, err := tap.Open("tap%d")

	switch {
	case errors.Is(err, os.ErrNotExist):
		t.Skip("/dev/net/tun is missing")

	case errors.Is(err, unix.EPERM), errors.Is(err, unix.EACCES):
		t.Skip("no permission to create tap interfaces")

	case err != nil:
		t.Fatal(err)
	}

	defer iface.Close()

	if iface.Name() == "" || iface.Name() == "tap%d" {
		t.Errorf("bad interface name %q", iface.Name())
	}
}

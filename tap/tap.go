// Package tap attaches to Linux tap interfaces, the usual backend for a
// virtio network device.
package tap

import (
	"fmt"
	"os"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// Interface is an open tap interface. Read and Write carry one ethernet
// frame each.
type Interface struct {
	*os.File
	name string
}

// Open attaches to the named tap interface, creating it if needed, and
// brings the link up. A name like "tap%d" lets the kernel pick a free
// suffix.
func Open(name string) (*Interface, error) {
	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("tap: open /dev/net/tun: %w", err)
	}

	ifr, err := unix.NewIfreq(name)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("tap: bad interface name %q: %w", name, err)
	}

	ifr.SetUint16(unix.IFF_TAP | unix.IFF_NO_PI)

	if err := unix.IoctlIfreq(fd, unix.TUNSETIFF, ifr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("tap: attach %q: %w", name, err)
	}

	iface := &Interface{
		File: os.NewFile(uintptr(fd), ifr.Name()),
		name: ifr.Name(),
	}

	if err := iface.setUp(); err != nil {
		iface.Close()
		return nil, err
	}

	return iface, nil
}

// Name returns the interface name as picked by the kernel.
func (i *Interface) Name() string {
	return i.name
}

func (i *Interface) setUp() error {
	link, err := netlink.LinkByName(i.name)
	if err != nil {
		return fmt.Errorf("tap: find link %q: %w", i.name, err)
	}

	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("tap: set %q up: %w", i.name, err)
	}

	return nil
}

// skiff boots a Linux guest under KVM with virtio console, block, and
// network devices. Devices come from a yaml config file, with flags for
// the common knobs.
package main

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"

	"github.com/skiffvm/skiff/os/linux"
	"github.com/skiffvm/skiff/tap"
	"github.com/skiffvm/skiff/virtio"
	"github.com/skiffvm/skiff/vmm"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

type config struct {
	MemMiB  int    `yaml:"mem"`
	CPUs    int    `yaml:"cpus"`
	Kernel  string `yaml:"kernel"`
	Initrd  string `yaml:"initrd"`
	Cmdline string `yaml:"cmdline"`

	Disks []diskConfig `yaml:"disks"`
	Nets  []netConfig  `yaml:"net"`

	// SerialStdin routes stdin to the COM1 UART instead of the virtio
	// console.
	SerialStdin bool `yaml:"serial-stdin"`
}

type diskConfig struct {
	Path     string `yaml:"path"`
	ReadOnly bool   `yaml:"readonly"`
	URL      string `yaml:"url"`
}

type netConfig struct {
	Tap string `yaml:"tap"`
	MAC string `yaml:"mac"`
}

func main() {
	if err := run(); err != nil {
		slog.Error("skiff failed", "err", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		cfgPath     = flag.String("config", "", "load VM config from a yaml file")
		memSize     = flag.Int("mem", 0, "set the VM's memory size in MiB")
		numCPUs     = flag.Int("cpus", 0, "set the number of vCPUs")
		kernelPath  = flag.String("kernel", "", "load bzImage from file or URL")
		initrdPath  = flag.String("initrd", "", "load initial ramdisk from file or URL")
		cmdline     = flag.String("cmdline", "", "set the kernel command line")
		serialStdin = flag.Bool("serial-stdin", false, "route stdin to the COM1 UART instead of the virtio console")
	)

	flag.Parse()

	cfg := config{
		Kernel:  "bzImage",
		Cmdline: "console=hvc0 reboot=t",
	}

	if *cfgPath != "" {
		raw, err := os.ReadFile(*cfgPath)
		if err != nil {
			return err
		}

		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return fmt.Errorf("parse %s: %w", *cfgPath, err)
		}
	}

	// flags override the file
	if *memSize != 0 {
		cfg.MemMiB = *memSize
	}

	if *numCPUs != 0 {
		cfg.CPUs = *numCPUs
	}

	if *kernelPath != "" {
		cfg.Kernel = *kernelPath
	}

	if *initrdPath != "" {
		cfg.Initrd = *initrdPath
	}

	if *cmdline != "" {
		cfg.Cmdline = *cmdline
	}

	if *serialStdin {
		cfg.SerialStdin = true
	}

	ldr, err := buildLoader(cfg)
	if err != nil {
		return err
	}

	devices, err := buildDevices(cfg)
	if err != nil {
		return err
	}

	m, err := vmm.New(vmm.Config{
		MemSize:   cfg.MemMiB << 20,
		NumCPUs:   cfg.CPUs,
		Devices:   devices,
		SerialOut: os.Stdout,
		Loader:    ldr,
	})

	if err != nil {
		return err
	}

	defer m.Close()

	if term.IsTerminal(int(os.Stdin.Fd())) {
		old, err := term.MakeRaw(int(os.Stdin.Fd()))
		if err != nil {
			return err
		}

		defer term.Restore(int(os.Stdin.Fd()), old)
	}

	if cfg.SerialStdin {
		go pumpSerial(m)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, unix.SIGTERM)

	go func() {
		<-sig
		m.Stop()
	}()

	err = func() error {
		if err := m.Start(); err != nil {
			return err
		}

		return m.Wait()
	}()

	switch {
	case err == nil, errors.Is(err, vmm.ErrGuestShutdown), errors.Is(err, vmm.ErrGuestReboot):
		return nil
	}

	return err
}

func buildLoader(cfg config) (*linux.Loader, error) {
	bzImage, err := readURL(cfg.Kernel)
	if err != nil {
		return nil, err
	}

	ldr := &linux.Loader{
		Kernel:  bytes.NewReader(bzImage),
		Cmdline: cfg.Cmdline,
	}

	if cfg.Initrd != "" {
		initrd, err := readURL(cfg.Initrd)
		if err != nil {
			return nil, err
		}

		ldr.Initrd = bytes.NewReader(initrd)
	}

	return ldr, nil
}

func buildDevices(cfg config) ([]virtio.DeviceHandler, error) {
	var devices []virtio.DeviceHandler

	console := &virtio.Console{Out: os.Stdout}
	if !cfg.SerialStdin {
		console.In = os.Stdin
	}

	devices = append(devices, console)

	for _, d := range cfg.Disks {
		blk, err := buildDisk(d)
		if err != nil {
			return nil, err
		}

		devices = append(devices, blk)
	}

	for _, n := range cfg.Nets {
		ifc, err := tap.Open(n.Tap)
		if err != nil {
			return nil, err
		}

		dev := &virtio.Net{Conn: ifc}
		if n.MAC != "" {
			mac, err := net.ParseMAC(n.MAC)
			if err != nil {
				return nil, err
			}

			dev.MAC = mac
		}

		devices = append(devices, dev)
	}

	return devices, nil
}

func buildDisk(d diskConfig) (*virtio.Block, error) {
	if d.URL != "" {
		return &virtio.Block{
			ReadOnly: true,
			Storage:  &virtio.HTTPStorage{URL: d.URL},
		}, nil
	}

	mode := os.O_RDWR
	if d.ReadOnly {
		mode = os.O_RDONLY
	}

	f, err := os.OpenFile(d.Path, mode, 0)
	if err != nil {
		return nil, err
	}

	return &virtio.Block{
		ReadOnly: d.ReadOnly,
		Storage:  &virtio.FileStorage{File: f},
	}, nil
}

// pumpSerial copies stdin into the UART's receive buffer.
func pumpSerial(m *vmm.VM) {
	buf := make([]byte, 256)
	for {
		n, err := os.Stdin.Read(buf)
		if n > 0 {
			m.Serial().Input(buf[:n])
		}

		if err != nil {
			return
		}
	}
}

func readURL(s string) (body []byte, err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("skiff: read URL %s: %w", s, err)
		}
	}()

	u, err := url.Parse(s)
	if err != nil {
		return nil, err
	}

	switch u.Scheme {
	case "", "file":
		return os.ReadFile(u.Path)

	case "http", "https":
		res, err := http.Get(u.String())
		if err != nil {
			return nil, err
		}

		defer res.Body.Close()

		if res.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("response status %d != %d", res.StatusCode, 200)
		}

		return io.ReadAll(res.Body)

	default:
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
}

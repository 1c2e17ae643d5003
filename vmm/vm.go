//go:build linux

// Package vmm assembles and runs a KVM virtual machine: guest memory, the
// pio and mmio dispatch buses, interrupt routing, virtio devices, and the
// vCPU threads that tie them together.
package vmm

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"

	"github.com/skiffvm/skiff/alloc"
	"github.com/skiffvm/skiff/bus"
	"github.com/skiffvm/skiff/iodev"
	"github.com/skiffvm/skiff/irq"
	"github.com/skiffvm/skiff/kvm"
	"github.com/skiffvm/skiff/mem"
	"github.com/skiffvm/skiff/serial"
	"github.com/skiffvm/skiff/virtio"
	"github.com/skiffvm/skiff/virtio/mmio"
	"github.com/skiffvm/skiff/vmm/arch"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// Config describes a new VM.
type Config struct {

	// MemSize is the size of the VM's memory in bytes.
	// It must be a multiple of the host's page size.
	// If MemSize is 0, the VM will have 1G of memory.
	MemSize int

	// NumCPUs is the number of vCPUs. If 0, the VM gets one.
	NumCPUs int

	// Devices configures the VM's virtio-mmio devices.
	Devices []virtio.DeviceHandler

	// SerialOut receives guest output from the COM1 UART.
	// If nil, UART output is dropped.
	SerialOut io.Writer

	// Loader configures the VM's memory and registers.
	Loader Loader

	// Arch, if set, is called to do arch-specific setup during VM creation.
	// If Arch is nil, a default implementation is used. Setting Arch is
	// probably only useful for testing, debugging, and development.
	Arch Arch
}

// VMInfo describes a configured VM in a form useful to the Loader.
// It is passed to the Loader's LoadMemory and LoadVCPU methods.
type VMInfo struct {

	// MemSize is the size of the VM's memory in bytes.
	MemSize int

	// NumCPU is the number of vCPUs attached to the VM.
	NumCPU int

	// Devices enumerates the VM's virtio-mmio devices.
	Devices []mmio.DeviceInfo
}

type Loader interface {

	// LoadMemory prepares the VM's memory before it boots.
	LoadMemory(info VMInfo, mem *mem.Memory) error

	// LoadVCPU prepares a vCPU before the VM boots.
	LoadVCPU(info VMInfo, slot int, regs *kvm.Regs, sregs *kvm.Sregs) error
}

type Arch interface {

	// SetupVM is called after the VM is created.
	// It sets up arch-specific "hardware" like the PIC.
	SetupVM(vm *kvm.VM) error

	// SetupVCPU is called after the vCPU is created and mmaped.
	// It sets up arch-specific features like MSRs and cpuid.
	SetupVCPU(slot int, vcpu *kvm.VCPU, state *kvm.VCPUState) error
}

// State is the lifecycle state of a VM.
type State int

const (
	StateCreated State = iota
	StateRunning
	StatePaused
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	}

	return fmt.Sprintf("State(%d)", int(s))
}

const (
	MemSizeMin     = 1 << 20 // 1M
	MemSizeDefault = 1 << 30 // 1G
	MemSizeMax     = 1 << 40 // 1T

	NumCPUsMax = 64
)

var (
	ErrOpenKVM       = errors.New("vm: KVM is not available")
	ErrCompat        = errors.New("vm: incompatible KVM")
	ErrConfig        = errors.New("vm: invalid config")
	ErrCreate        = errors.New("vm: create failed")
	ErrSetup         = errors.New("vm: setup failed")
	ErrAllocMemory   = errors.New("vm: memory allocation failed")
	ErrLoadMemory    = errors.New("vm: memory load failed")
	ErrCreateVCPU    = errors.New("vm: vCPU create failed")
	ErrSetupVCPU     = errors.New("vm: vCPU setup failed")
	ErrLoadVCPU      = errors.New("vm: vCPU load failed")
	ErrState         = errors.New("vm: bad lifecycle state")
	ErrKVMFailure    = errors.New("vm: KVM failure")
	ErrGuestShutdown = errors.New("vm: guest shut down")
	ErrGuestReboot   = errors.New("vm: guest requested reboot")
)

// VM is a configured virtual machine.
type VM struct {
	vm   *kvm.VM
	mem  *mem.Memory
	pio  *bus.Bus
	mmio *bus.Bus
	intc *irq.Controller
	pool *alloc.Pool
	vdev []mmio.DeviceInfo
	ldr  Loader
	com1 *serial.Device
	cpus []*vcpu
	info VMInfo

	mu     sync.Mutex
	state  State
	stateC chan State
	gate   *pauseGate
	group  *errgroup.Group
	cause  error
	closed bool
}

// kvmSink drives the in-kernel interrupt chips.
type kvmSink struct {
	vm *kvm.VM
}

func (s kvmSink) SetLine(line uint32, high bool) error {
	var level uint32
	if high {
		level = 1
	}

	return kvm.IRQLine(s.vm, line, level)
}

func (s kvmSink) SignalMSI(addr uint64, data uint32) error {
	return kvm.SignalMSI(s.vm, &kvm.MSI{
		AddressLo: uint32(addr),
		AddressHi: uint32(addr >> 32),
		Data:      data,
	})
}

// New creates a new VM. The VM doesn't run until Start is called.
func New(cfg Config) (*VM, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	sys, err := kvm.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOpenKVM, err)
	}

	defer sys.Close()

	if err := arch.ValidateKVM(sys); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCompat, err)
	}

	if cfg.Arch == nil {
		a, err := arch.New(sys)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrSetup, err)
		}

		cfg.Arch = a
	}

	vm, err := kvm.CreateVM(sys)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCreate, err)
	}

	m := &VM{vm: vm, stateC: make(chan State, 16)}
	if err := m.setup(sys, cfg); err != nil {
		m.release()
		return nil, err
	}

	return m, nil
}

func (m *VM) setup(sys *kvm.System, cfg Config) error {

	// install arch-specific "hardware"
	if err := cfg.Arch.SetupVM(m.vm); err != nil {
		return fmt.Errorf("%w: %w", ErrSetup, err)
	}

	// create and install memory
	gm, err := mem.New(cfg.MemSize, arch.MMIOHoleAddr, arch.AfterMMIOHoleAddr)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrAllocMemory, err)
	}

	m.mem = gm

	for slot, r := range gm.Regions() {
		err := kvm.SetUserMemoryRegion(m.vm, &kvm.UserspaceMemoryRegion{
			Slot:          uint32(slot),
			GuestPhysAddr: r.GuestAddr,
			MemorySize:    r.Size(),
			UserspaceAddr: r.HostAddr(),
		})

		if err != nil {
			return fmt.Errorf("%w: slot %d: %w", ErrAllocMemory, slot, err)
		}
	}

	// interrupt routing and address allocation
	m.intc = irq.New(kvmSink{m.vm})
	m.intc.OnDeliver(m.wakeHalted)

	m.pool = alloc.New(arch.MMIOHoleAddr, arch.AfterMMIOHoleAddr-arch.MMIOHoleAddr,
		arch.FirstDynamicIRQ, arch.LastDynamicIRQ)

	if err := m.setupPlatformDevices(cfg); err != nil {
		return fmt.Errorf("%w: %w", ErrSetup, err)
	}

	m.mmio = bus.New("mmio")
	for _, h := range cfg.Devices {
		if err := m.addVirtioDevice(h); err != nil {
			return fmt.Errorf("%w: %w", ErrSetup, err)
		}
	}

	m.ldr = cfg.Loader

	// create vCPUs
	mmsz, err := kvm.GetVCPUMmapSize(sys)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCreateVCPU, err)
	}

	m.cpus = make([]*vcpu, cfg.NumCPUs)
	for slot := range m.cpus {
		c, err := newVCPU(m, slot, mmsz)
		if err != nil {
			return fmt.Errorf("%w: slot %d: %w", ErrCreateVCPU, slot, err)
		}

		m.cpus[slot] = c

		if err := cfg.Arch.SetupVCPU(slot, c.fd, c.State()); err != nil {
			return fmt.Errorf("%w: slot %d: %w", ErrSetupVCPU, slot, err)
		}
	}

	return nil
}

// load runs the loader over memory and vCPUs. It is deferred until Start so
// AddDevice can still change what the guest will see.
func (m *VM) load() error {
	m.info = VMInfo{
		MemSize: m.mem.Size(),
		NumCPU:  len(m.cpus),
		Devices: m.vdev,
	}

	if err := m.ldr.LoadMemory(m.info, m.mem); err != nil {
		return fmt.Errorf("%w: %w", ErrLoadMemory, err)
	}

	for slot, c := range m.cpus {
		if err := m.loadVCPU(m.ldr, slot, c); err != nil {
			return fmt.Errorf("%w: slot %d: %w", ErrLoadVCPU, slot, err)
		}
	}

	return nil
}

// setupPlatformDevices registers the UART, RTC, shutdown register, and POST
// port on the pio bus.
func (m *VM) setupPlatformDevices(cfg Config) error {
	m.pio = bus.New("pio")

	out := cfg.SerialOut
	if out == nil {
		out = io.Discard
	}

	m.com1 = serial.New(out, m.intc.Line(arch.SerialIRQ))

	sd := &iodev.Shutdown{
		OnShutdown: func(reboot bool) {
			if reboot {
				m.fatal(ErrGuestReboot)
				return
			}

			m.fatal(ErrGuestShutdown)
		},
	}

	for _, d := range []struct {
		r   bus.Range
		dev bus.Device
	}{
		{bus.Range{Base: serial.COM1Addr, Size: serial.PortSize}, m.com1},
		{bus.Range{Base: iodev.RTCIndexPort, Size: 2}, new(iodev.RTC)},
		{bus.Range{Base: iodev.ShutdownPort, Size: 8}, sd},
		{bus.Range{Base: iodev.PostPort, Size: 1}, iodev.Nop{}},
	} {
		if err := m.pio.Register(d.r, d.dev); err != nil {
			return err
		}
	}

	return nil
}

// addVirtioDevice wraps a handler in an mmio transport, assigning a
// register window and an interrupt line from the allocator.
func (m *VM) addVirtioDevice(h virtio.DeviceHandler) error {
	rng, err := m.pool.MMIO(h.GetType().String(), mmio.DeviceSize, 0)
	if err != nil {
		return err
	}

	irqn, err := m.pool.IRQ()
	if err != nil {
		return err
	}

	dev := mmio.New(h, m.intc.Line(irqn), m.memAt)

	if err := m.mmio.Register(bus.Range{Base: rng.Base, Size: rng.Size}, dev); err != nil {
		return err
	}

	m.vdev = append(m.vdev, mmio.DeviceInfo{
		Type: h.GetType(),
		IRQ:  irqn,
		Addr: rng.Base,
		Size: rng.Size,
	})

	return nil
}

// AddDevice attaches another virtio device. Devices can only be added
// before the VM starts: the guest learns its device set at boot.
func (m *VM) AddDevice(h virtio.DeviceHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateCreated {
		return fmt.Errorf("%w: can't add a device to a %s VM", ErrState, m.state)
	}

	return m.addVirtioDevice(h)
}

func (m *VM) loadVCPU(l Loader, slot int, c *vcpu) error {
	var (
		regs  kvm.Regs
		sregs kvm.Sregs
	)

	if err := kvm.GetRegs(c.fd, &regs); err != nil {
		return fmt.Errorf("get regs: %w", err)
	}

	if err := kvm.GetSregs(c.fd, &sregs); err != nil {
		return fmt.Errorf("get sregs: %w", err)
	}

	if err := l.LoadVCPU(m.info, slot, &regs, &sregs); err != nil {
		return err
	}

	if err := kvm.SetRegs(c.fd, &regs); err != nil {
		return fmt.Errorf("set regs: %w", err)
	}

	if err := kvm.SetSregs(c.fd, &sregs); err != nil {
		return fmt.Errorf("set sregs: %w", err)
	}

	return nil
}

// sigOnce arms the vCPU kick signal. The handler is a no-op: delivery alone
// interrupts a thread blocked in KVM_RUN.
var sigOnce sync.Once

func armKickSignal() {
	sigOnce.Do(func() {
		signal.Notify(make(chan os.Signal, 1), unix.SIGUSR1)
	})
}

// Start loads the guest and launches the vCPU threads.
func (m *VM) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateCreated {
		return fmt.Errorf("%w: can't start a %s VM", ErrState, m.state)
	}

	if err := m.load(); err != nil {
		return err
	}

	armKickSignal()

	m.group = new(errgroup.Group)
	for _, c := range m.cpus {
		c := c
		m.group.Go(c.run)
	}

	m.setStateLocked(StateRunning)
	return nil
}

// setStateLocked records a state transition and notifies StateC. Callers
// hold m.mu.
func (m *VM) setStateLocked(s State) {
	m.state = s

	select {
	case m.stateC <- s:
	default:
	}
}

// Pause stops the vCPUs at the next VM exit. Device backends keep running.
func (m *VM) Pause() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateRunning {
		return fmt.Errorf("%w: can't pause a %s VM", ErrState, m.state)
	}

	m.gate = newPauseGate()
	m.setStateLocked(StatePaused)

	for _, c := range m.cpus {
		c.kick()
	}

	return nil
}

// Resume releases vCPUs parked by Pause.
func (m *VM) Resume() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StatePaused {
		return fmt.Errorf("%w: can't resume a %s VM", ErrState, m.state)
	}

	m.gate.open()
	m.gate = nil
	m.setStateLocked(StateRunning)

	return nil
}

// Stop signals the vCPUs to exit, waits for them to join, and resets the
// devices. It is the clean end of a VM started with Start.
func (m *VM) Stop() error {
	m.mu.Lock()

	switch m.state {
	case StateStopping, StateStopped:
		m.mu.Unlock()
		return m.Wait()

	case StateCreated:
		m.setStateLocked(StateStopped)
		m.mu.Unlock()
		return nil
	}

	m.stopLocked()
	m.mu.Unlock()

	return m.Wait()
}

// stopLocked signals every vCPU to exit. Callers hold m.mu.
func (m *VM) stopLocked() {
	m.setStateLocked(StateStopping)

	if m.gate != nil {
		m.gate.open()
		m.gate = nil
	}

	for _, c := range m.cpus {
		c.stop.Store(true)
		c.kick()
	}
}

// fatal records the cause of an unplanned stop. The first cause wins.
func (m *VM) fatal(cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateStopping || m.state == StateStopped {
		return
	}

	m.cause = cause
	m.stopLocked()
}

// Wait joins the vCPU threads and resets the devices. It returns the reason
// the VM stopped: nil after a clean Stop, ErrGuestShutdown or ErrGuestReboot
// when the guest asked to stop, or the error that killed a vCPU.
func (m *VM) Wait() error {
	m.mu.Lock()
	group := m.group
	m.mu.Unlock()

	var err error
	if group != nil {
		err = group.Wait()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateStopped {
		m.setStateLocked(StateStopped)

		if rerr := m.resetDevices(); rerr != nil && err == nil {
			err = rerr
		}
	}

	if m.cause != nil {
		return m.cause
	}

	return err
}

func (m *VM) resetDevices() error {
	if err := m.mmio.Reset(); err != nil {
		return err
	}

	return m.pio.Reset()
}

// pauseGateRef returns the current pause gate, or nil when running.
func (m *VM) pauseGateRef() *pauseGate {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gate
}

// State returns the VM's lifecycle state.
func (m *VM) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// StateC returns a channel carrying state transitions. The channel is
// buffered; a slow reader misses transitions rather than stalling the VM.
func (m *VM) StateC() <-chan State {
	return m.stateC
}

// FatalErr returns the error that forced the VM to stop, if any. It is nil
// while the VM is healthy and after a clean Stop.
func (m *VM) FatalErr() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cause
}

// Serial returns the COM1 UART, for feeding guest console input.
func (m *VM) Serial() *serial.Device {
	return m.com1
}

// Close stops the VM if needed and releases its resources.
func (m *VM) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}

	m.closed = true
	needWait := m.state == StateRunning || m.state == StatePaused || m.state == StateStopping
	if m.state == StateRunning || m.state == StatePaused {
		m.stopLocked()
	}

	m.mu.Unlock()

	if needWait {
		m.Wait()
	}

	m.release()
	return nil
}

func (m *VM) release() {
	for _, c := range m.cpus {
		c.Close()
	}

	if m.vm != nil {
		m.vm.Close()
	}

	if m.mem != nil {
		m.mem.Close()
	}
}

func (m *VM) memAt(addr uint64, size int) ([]byte, error) {
	return m.mem.Slice(addr, size)
}

// wakeHalted nudges vCPUs parked in HLT after an interrupt is delivered.
func (m *VM) wakeHalted() {
	for _, c := range m.cpus {
		c.wakeIfHalted()
	}
}

// pauseGate parks vCPU threads while the VM is paused.
type pauseGate struct {
	ch chan struct{}
}

func newPauseGate() *pauseGate {
	return &pauseGate{ch: make(chan struct{})}
}

func (g *pauseGate) open() {
	close(g.ch)
}

func (g *pauseGate) wait() {
	<-g.ch
}

func (cfg Config) validate() error {
	if pgsz := os.Getpagesize(); cfg.MemSize%pgsz != 0 {
		return fmt.Errorf("memory size must be a multiple of the host page size (%d)", pgsz)
	}

	if cfg.MemSize < MemSizeMin {
		return fmt.Errorf("memory is too small: %d < %d", cfg.MemSize, MemSizeMin)
	}

	if cfg.MemSize > MemSizeMax {
		return fmt.Errorf("memory is too large: %d > %d", cfg.MemSize, MemSizeMax)
	}

	if cfg.NumCPUs < 1 || cfg.NumCPUs > NumCPUsMax {
		return fmt.Errorf("bad vCPU count %d", cfg.NumCPUs)
	}

	if cfg.Loader == nil {
		return errors.New("loader is not set")
	}

	return nil
}

func (cfg Config) withDefaults() Config {
	if cfg.MemSize == 0 {
		cfg.MemSize = MemSizeDefault
	}

	if cfg.NumCPUs == 0 {
		cfg.NumCPUs = 1
	}

	return cfg
}

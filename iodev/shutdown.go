package iodev

// ShutdownPort is the ACPI shutdown register described to the guest by the
// DSDT. Writing the S5 sleep state here powers off the VM.
const ShutdownPort = 0x600

const (
	s5SleepVal       = 5
	sleepStatusENBit = 5
	sleepValBit      = 2

	shutdownVal = s5SleepVal<<sleepValBit | 1<<sleepStatusENBit
	rebootVal   = 1
)

// Shutdown watches the ACPI shutdown port for power-off and reboot
// requests from the guest.
type Shutdown struct {

	// OnShutdown is called when the guest requests a power-off or reboot.
	OnShutdown func(reboot bool)
}

func (s *Shutdown) Read(off uint64, p []byte) error {
	for i := range p {
		p[i] = 0
	}

	return nil
}

func (s *Shutdown) Write(off uint64, p []byte) error {
	if len(p) == 0 || s.OnShutdown == nil {
		return nil
	}

	switch p[0] {
	case shutdownVal:
		s.OnShutdown(false)

	case rebootVal:
		s.OnShutdown(true)
	}

	return nil
}

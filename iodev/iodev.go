// Package iodev holds the small x86 platform port devices that a Linux
// guest pokes at boot: the CMOS RTC, the ACPI shutdown port, and a sink for
// the POST debug port.
package iodev

// Nop is a device that ignores writes and reads as zero. The BIOS POST
// debug port at 0x80 gets one.
type Nop struct{}

func (Nop) Read(off uint64, p []byte) error {
	for i := range p {
		p[i] = 0
	}

	return nil
}

func (Nop) Write(off uint64, p []byte) error {
	return nil
}

// PostPort is the BIOS POST debug port.
const PostPort = 0x80

package iodev

import (
	"sync"
	"time"
)

// RTC register ports.
const (
	RTCIndexPort = 0x70
	RTCDataPort  = 0x71
)

// CMOS register indexes.
const (
	cmosSeconds = 0x00
	cmosMinutes = 0x02
	cmosHours   = 0x04
	cmosWeekday = 0x06
	cmosDay     = 0x07
	cmosMonth   = 0x08
	cmosYear    = 0x09
	cmosStatusA = 0x0a
	cmosStatusB = 0x0b
	cmosStatusC = 0x0c
	cmosStatusD = 0x0d
	cmosCentury = 0x32
)

const (
	statusB24Hour = 1 << 1
	statusDValid  = 1 << 7
)

// RTC is a read-only CMOS real-time clock. The index and data ports form a
// single 2-byte device. Time registers are served in BCD from Now, which
// defaults to time.Now in UTC.
type RTC struct {
	Now func() time.Time

	mu    sync.Mutex
	index byte
}

func (rtc *RTC) Read(off uint64, p []byte) error {
	rtc.mu.Lock()
	defer rtc.mu.Unlock()

	switch off {
	case 0:
		p[0] = rtc.index

	case 1:
		p[0] = rtc.register(rtc.index)
	}

	for i := 1; i < len(p); i++ {
		p[i] = 0
	}

	return nil
}

func (rtc *RTC) Write(off uint64, p []byte) error {
	if off == 0 {
		rtc.mu.Lock()
		rtc.index = p[0] &^ 0x80 // the top bit gates NMI, not the index
		rtc.mu.Unlock()
	}

	// clock registers are read-only

	return nil
}

func (rtc *RTC) register(index byte) byte {
	now := time.Now
	if rtc.Now != nil {
		now = rtc.Now
	}

	t := now().UTC()

	switch index {
	case cmosSeconds:
		return bcd(t.Second())

	case cmosMinutes:
		return bcd(t.Minute())

	case cmosHours:
		return bcd(t.Hour())

	case cmosWeekday:
		return bcd(int(t.Weekday()) + 1)

	case cmosDay:
		return bcd(t.Day())

	case cmosMonth:
		return bcd(int(t.Month()))

	case cmosYear:
		return bcd(t.Year() % 100)

	case cmosCentury:
		return bcd(t.Year() / 100)

	case cmosStatusA:
		return 0 // never mid-update

	case cmosStatusB:
		return statusB24Hour

	case cmosStatusC:
		return 0

	case cmosStatusD:
		return statusDValid
	}

	return 0
}

func bcd(v int) byte {
	return byte(v/10<<4 | v%10)
}

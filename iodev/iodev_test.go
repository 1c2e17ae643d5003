package iodev_test

import (
	"testing"
	"time"

	"github.com/skiffvm/skiff/iodev"
)

func TestRTC(t *testing.T) {
	rtc := &iodev.RTC{
		Now: func() time.Time {
			return time.Date(2024, time.March, 7, 15, 42, 9, 0, time.UTC)
		},
	}

	read := func(index byte) byte {
		t.Helper()

		if err := rtc.Write(0, []byte{index}); err != nil {
			t.Fatal(err)
		}

		var p [1]byte
		if err := rtc.Read(1, p[:]); err != nil {
			t.Fatal(err)
		}

		return p[0]
	}

	for _, tt := range []struct {
		index byte
		want  byte
	}{
		{0x00, 0x09}, // seconds
		{0x02, 0x42}, // minutes
		{0x04, 0x15}, // hours
		{0x07, 0x07}, // day
		{0x08, 0x03}, // month
		{0x09, 0x24}, // year
		{0x32, 0x20}, // century
		{0x0b, 0x02}, // status B: 24-hour, BCD
	} {
		if got := read(tt.index); got != tt.want {
			t.Errorf("register %#02x = %#02x, want %#02x", tt.index, got, tt.want)
		}
	}

	t.Run("nmi bit is not part of the index", func(t *testing.T) {
		if err := rtc.Write(0, []byte{0x80 | 0x02}); err != nil {
			t.Fatal(err)
		}

		var p [1]byte
		if err := rtc.Read(1, p[:]); err != nil {
			t.Fatal(err)
		}

		if p[0] != 0x42 {
			t.Errorf("register = %#02x, want minutes", p[0])
		}
	})
}

func TestShutdown(t *testing.T) {
	var gotReboot []bool
	dev := &iodev.Shutdown{
		OnShutdown: func(reboot bool) {
			gotReboot = append(gotReboot, reboot)
		},
	}

	if err := dev.Write(0, []byte{0x34}); err != nil { // S5 | EN
		t.Fatal(err)
	}

	if err := dev.Write(0, []byte{1}); err != nil {
		t.Fatal(err)
	}

	if err := dev.Write(0, []byte{0x42}); err != nil {
		t.Fatal(err)
	}

	if len(gotReboot) != 2 || gotReboot[0] || !gotReboot[1] {
		t.Errorf("callbacks %v, want [false true]", gotReboot)
	}
}

package linux_test

import (
	"bytes"
	"compress/gzip"
	"io"
	"testing"

	"github.com/cavaliergopher/cpio"
	"github.com/skiffvm/skiff/os/linux"
)

func TestBuildInitrd(t *testing.T) {
	want := []linux.InitrdFile{
		{Name: "init", Mode: 0755, Data: []byte("#!/bin/sh\necho hi\n")},
		{Name: "etc/motd", Mode: 0644, Data: []byte("welcome\n")},
	}

	data, err := linux.BuildInitrd(want)
	if err != nil {
		t.Fatal(err)
	}

	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}

	cr := cpio.NewReader(zr)
	for _, f := range want {
		hdr, err := cr.Next()
		if err != nil {
			t.Fatal(err)
		}

		if hdr.Name != f.Name {
			t.Errorf("entry is %q, want %q", hdr.Name, f.Name)
		}

		body, err := io.ReadAll(cr)
		if err != nil {
			t.Fatal(err)
		}

		if !bytes.Equal(body, f.Data) {
			t.Errorf("%s: content doesn't match", f.Name)
		}
	}

	if _, err := cr.Next(); err != io.EOF {
		t.Errorf("expected EOF, got %v", err)
	}
}

package linux

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io/fs"

	"github.com/cavaliergopher/cpio"
)

// InitrdFile is one entry in an initial ramdisk.
type InitrdFile struct {
	Name string
	Mode fs.FileMode
	Data []byte
}

// BuildInitrd packs files into a gzipped cpio archive suitable for the
// Loader's Initrd field. Entries are written in the given order; parent
// directories are not created automatically.
func BuildInitrd(files []InitrdFile) ([]byte, error) {
	var buf bytes.Buffer

	zw := gzip.NewWriter(&buf)
	cw := cpio.NewWriter(zw)

	for _, f := range files {
		err := cw.WriteHeader(&cpio.Header{
			Name: f.Name,
			Mode: cpio.FileMode(f.Mode),
			Size: int64(len(f.Data)),
		})

		if err != nil {
			return nil, fmt.Errorf("linux: initrd %s: %w", f.Name, err)
		}

		if _, err := cw.Write(f.Data); err != nil {
			return nil, fmt.Errorf("linux: initrd %s: %w", f.Name, err)
		}
	}

	if err := cw.Close(); err != nil {
		return nil, fmt.Errorf("linux: initrd: %w", err)
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("linux: initrd: %w", err)
	}

	return buf.Bytes(), nil
}

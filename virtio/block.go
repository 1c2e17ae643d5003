package virtio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"

	"github.com/skiffvm/skiff/virtio/virtq"
)

// Block is a virtio block device with pluggable storage.
type Block struct {

	// ReadOnly forces the device to be read-only.
	ReadOnly bool

	// Storage is the backing storage for the device. Storage may also
	// implement the io.WriterAt interface to enable writes.
	Storage BlockStorage

	writerAt io.WriterAt
}

// BlockStorage is the basic interface to a block device's backing storage. It is
// read-only: To enable writes, storage types should also implement io.WriterAt.
type BlockStorage interface {
	io.ReaderAt

	// Size returns the storage size in bytes.
	Size() (int64, error)
}

// MemStorage is read-write block storage backed by a byte slice.
type MemStorage struct {
	Bytes []byte
}

// FileStorage is read-write block storage backed by a file.
type FileStorage struct {
	File *os.File
}

// HTTPStorage is read-only block storage backed by an HTTP URL.
// The server must support HEAD requests and GET requests with a Range header.
type HTTPStorage struct {
	URL string
}

// blkConfig has the same fields as struct virtio_blk_config.
type blkConfig struct {
	Capacity uint64 // expressed in 512-byte sectors
	SizeMax  uint32
	SegMax   uint32
	Geometry struct {
		Cylinders uint16
		Heads     uint8
		Sectors   uint8
	}
	BlkSize  uint32
	Topology struct {
		PhysicalBlockExp uint8
		AlignmentOffset  uint8
		MinIOSize        uint16
		OptIOSize        uint32
	}
	Writeback uint8
	_         byte
	NumQueues uint16
}

// features

const (
	blkFSizeMax  = 1 << 0 // max size of any single segment is in size_max
	blkFSegMax   = 1 << 1 // max number of segments in a request is in seg_max
	blkFGeometry = 1 << 3 // disk-style geometry specified in geometry
	blkFRO       = 1 << 4 // device is read-only
	blkFBlkSize  = 1 << 5 // block size of disk is in blk_size
	blkFFlush    = 1 << 8 // cache flush command support
)

// op type

const (
	blkTIn    = 0
	blkTOut   = 1
	blkTFlush = 4
	blkTGetID = 8
)

// op status

const (
	blkSOK     = 0
	blkSIOErr  = 1
	blkSUnsupp = 2
)

func (dev *Block) GetType() DeviceID {
	return BlockDeviceID
}

func (dev *Block) GetFeatures() (features uint64) {
	features = blkFFlush

	if _, ok := dev.Storage.(io.WriterAt); dev.ReadOnly || !ok {
		features |= blkFRO
	}

	return
}

func (dev *Block) QueueSizes() []uint16 {
	return []uint16{256}
}

func (dev *Block) Ready(negotiatedFeatures uint64) error {
	if !dev.ReadOnly {
		dev.writerAt, _ = dev.Storage.(io.WriterAt)
	}

	return nil
}

func (dev *Block) Handle(queueNum int, q *virtq.Q) error {
	if queueNum != 0 {
		panic("queueNum != 0")
	}

	for {
		c, err := q.Next()
		if err != nil {
			return err
		}

		if c == nil {
			return nil
		}

		n, err := dev.request(c)
		if err != nil {
			return err
		}

		if err := c.Release(n); err != nil {
			return err
		}
	}
}

// request carries out a single block request. It returns the number of bytes
// written to the chain, including the status byte. IO errors are reported to
// the driver in the status byte rather than failing the device.
func (dev *Block) request(c *virtq.C) (int, error) {
	if len(c.Desc) < 2 {
		return 0, fmt.Errorf("block: bad chain length %d", len(c.Desc))
	}

	if !c.Desc[0].IsRO() {
		return 0, fmt.Errorf("block: hdr descriptor isn't read-only")
	}

	last := len(c.Desc) - 1
	if !c.Desc[last].IsWO() || c.Desc[last].Len != 1 {
		return 0, fmt.Errorf("block: bad status descriptor")
	}

	hdr, err := c.Buf(0)
	if err != nil {
		return 0, err
	}

	status, err := c.Buf(last)
	if err != nil {
		return 0, err
	}

	if len(hdr) != 16 {
		return 0, fmt.Errorf("block: bad hdr length %d", len(hdr))
	}

	var (
		optype = binary.LittleEndian.Uint32(hdr)
		offsec = binary.LittleEndian.Uint64(hdr[8:])
	)

	var data []byte
	if last == 2 {
		if data, err = c.Buf(1); err != nil {
			return 0, err
		}
	}

	var n int
	var ioerr error

	status[0] = blkSOK

	switch optype {
	case blkTIn:
		if !c.Desc[1].IsWO() {
			return 0, fmt.Errorf("block: data descriptor isn't write-only")
		}

		n, ioerr = dev.Storage.ReadAt(data, int64(offsec)*512)

	case blkTOut:
		if dev.writerAt == nil {
			status[0] = blkSUnsupp
			break
		}

		if !c.Desc[1].IsRO() {
			return 0, fmt.Errorf("block: data descriptor isn't read-only")
		}

		_, ioerr = dev.writerAt.WriteAt(data, int64(offsec)*512)
		n = 0

	case blkTFlush:
		if s, ok := dev.Storage.(interface{ Sync() error }); ok {
			ioerr = s.Sync()
		}

	case blkTGetID:
		n = copy(data, "skiff-blk0")

	default:
		status[0] = blkSUnsupp
	}

	if ioerr != nil {
		status[0] = blkSIOErr
		slog.Error("block io error", "op", optype, "sector", offsec, "err", ioerr)
		n = 0
	}

	return n + 1, nil
}

func (dev *Block) ReadConfig(p []byte, off int) error {
	cfg, err := dev.getConfig()
	if err != nil {
		return err
	}

	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, cfg); err != nil {
		return err
	}

	raw := buf.Bytes()
	if off >= len(raw) {
		return fmt.Errorf("block: config read at %#x out of range", off)
	}

	copy(p, raw[off:])

	return nil
}

func (dev *Block) getConfig() (*blkConfig, error) {
	sz, err := dev.Storage.Size()
	if err != nil {
		return nil, err
	}

	if sz%512 != 0 {
		return nil, fmt.Errorf("block: storage size %d isn't a multiple of 512", sz)
	}

	cfg := blkConfig{
		Capacity:  uint64(sz / 512),
		NumQueues: 1,
	}

	return &cfg, nil
}

// ReadAt copies from the backing slice at off into p.
func (ms *MemStorage) ReadAt(p []byte, off int64) (n int, err error) {
	return copy(p, ms.Bytes[off:]), nil
}

// Size returns the size of the backing slice in bytes.
func (ms *MemStorage) Size() (int64, error) {
	return int64(len(ms.Bytes)), nil
}

// WriteAt copies p into the backing slice at off.
func (ms *MemStorage) WriteAt(p []byte, off int64) (n int, err error) {
	return copy(ms.Bytes[off:], p), nil
}

// ReadAt reads from the backing file.
func (fs *FileStorage) ReadAt(p []byte, off int64) (n int, err error) {
	return fs.File.ReadAt(p, off)
}

// Size stats the backing file and returns its size in bytes.
func (fs *FileStorage) Size() (int64, error) {
	info, err := fs.File.Stat()
	if err != nil {
		return 0, err
	}

	return info.Size(), nil
}

// WriteAt writes to the backing file.
func (fs *FileStorage) WriteAt(p []byte, off int64) (n int, err error) {
	return fs.File.WriteAt(p, off)
}

// Sync flushes the backing file.
func (fs *FileStorage) Sync() error {
	return fs.File.Sync()
}

// ReadAt gets the backing URL with a Range header generated from off and len(p).
func (hs *HTTPStorage) ReadAt(p []byte, off int64) (n int, err error) {
	req, err := http.NewRequest(http.MethodGet, hs.URL, nil)
	if err != nil {
		return 0, err
	}

	req.Header.Set("range", fmt.Sprintf("bytes=%d-%d", off, off+int64(len(p))-1))

	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return
	}

	defer res.Body.Close()

	if res.StatusCode != http.StatusPartialContent {
		return 0, fmt.Errorf("block device http request failed: GET %s: status %d != %d",
			hs.URL, res.StatusCode, http.StatusPartialContent)
	}

	return io.ReadFull(res.Body, p)
}

// Size sends a HEAD request to the backing URL and parses the Content-Length response header.
func (hs *HTTPStorage) Size() (int64, error) {
	res, err := http.Head(hs.URL)
	if err != nil {
		return 0, err
	}

	if res.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("block device http request failed: HEAD %s: status %d != %d",
			hs.URL, res.StatusCode, http.StatusOK)
	}

	cl := res.Header.Get("content-length")
	return strconv.ParseInt(cl, 10, 64)
}

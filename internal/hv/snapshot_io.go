package hv

import (
	"bufio"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
)

const (
	headerSize  = 12
	maxBlobSize = 64 << 20
)

type header struct {
	magic, version, flags uint32
}

func (h header) marshal() []byte {
	b := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(b[0:], h.magic)
	binary.LittleEndian.PutUint32(b[4:], h.version)
	binary.LittleEndian.PutUint32(b[8:], h.flags)
	return b
}

func readHeader(r io.Reader) (header, error) {
	b := make([]byte, headerSize)
	if _, err := io.ReadFull(r, b); err != nil {
		return header{}, fmt.Errorf("%w: header: %v", ErrSnapshotCorrupted, err)
	}
	h := header{
		magic:   binary.LittleEndian.Uint32(b[0:]),
		version: binary.LittleEndian.Uint32(b[4:]),
		flags:   binary.LittleEndian.Uint32(b[8:]),
	}
	if h.magic != SnapshotMagic {
		return h, fmt.Errorf("%w: bad magic %#x", ErrSnapshotCorrupted, h.magic)
	}
	if h.version != SnapshotVersion {
		return h, fmt.Errorf("snapshot version %d not supported", h.version)
	}
	if h.flags&^SnapshotFlagCompressed != 0 {
		return h, fmt.Errorf("snapshot flags %#x not supported", h.flags)
	}
	return h, nil
}

// SaveSnapshot writes snap to path. The file is replaced atomically.
func SaveSnapshot(path string, snap *Snapshot, compress bool) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	bw := bufio.NewWriter(tmp)
	err = WriteSnapshot(bw, snap, compress)
	if err == nil {
		err = bw.Flush()
	}
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("save snapshot %s: %w", path, err)
	}
	return os.Rename(tmp.Name(), path)
}

// LoadSnapshot reads a snapshot file written by SaveSnapshot.
func LoadSnapshot(path string) (*Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	snap, err := ReadSnapshot(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("load snapshot %s: %w", path, err)
	}
	return snap, nil
}

// WriteSnapshot encodes snap with devices in id order.
func WriteSnapshot(w io.Writer, snap *Snapshot, compress bool) error {
	h := header{magic: SnapshotMagic, version: SnapshotVersion}
	if compress {
		h.flags |= SnapshotFlagCompressed
	}
	if _, err := w.Write(h.marshal()); err != nil {
		return err
	}
	if !compress {
		return writeTable(w, snap)
	}

	zw := gzip.NewWriter(w)
	if err := writeTable(zw, snap); err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}

// ReadSnapshot decodes a snapshot written by WriteSnapshot.
func ReadSnapshot(r io.Reader) (*Snapshot, error) {
	h, err := readHeader(r)
	if err != nil {
		return nil, err
	}
	if h.flags&SnapshotFlagCompressed == 0 {
		return readTable(r)
	}

	zr, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSnapshotCorrupted, err)
	}
	defer zr.Close()
	return readTable(zr)
}

// tableWriter keeps the first write error.
type tableWriter struct {
	w   io.Writer
	err error
}

func (t *tableWriter) raw(p []byte) {
	if t.err == nil {
		_, t.err = t.w.Write(p)
	}
}

func (t *tableWriter) u32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	t.raw(b[:])
}

func (t *tableWriter) blob(p []byte) {
	t.u32(uint32(len(p)))
	t.raw(p)
}

func writeTable(w io.Writer, snap *Snapshot) error {
	sum := crc32.NewIEEE()
	tw := &tableWriter{w: io.MultiWriter(w, sum)}

	ids := snap.DeviceIDs()
	tw.u32(uint32(len(ids)))
	for _, id := range ids {
		tw.blob([]byte(id))
		tw.blob(snap.Devices[id])
	}
	if tw.err != nil {
		return fmt.Errorf("write device table: %w", tw.err)
	}

	tw.w = w
	tw.u32(sum.Sum32())
	return tw.err
}

type tableReader struct {
	r   io.Reader
	err error
}

func (t *tableReader) u32() uint32 {
	var b [4]byte
	if t.err == nil {
		_, t.err = io.ReadFull(t.r, b[:])
	}
	return binary.LittleEndian.Uint32(b[:])
}

func (t *tableReader) blob() []byte {
	n := t.u32()
	if t.err != nil {
		return nil
	}
	if n > maxBlobSize {
		t.err = fmt.Errorf("blob length %d exceeds %d", n, maxBlobSize)
		return nil
	}
	b := make([]byte, n)
	_, t.err = io.ReadFull(t.r, b)
	return b
}

func readTable(r io.Reader) (*Snapshot, error) {
	sum := crc32.NewIEEE()
	tr := &tableReader{r: io.TeeReader(r, sum)}

	snap := NewSnapshot()
	count := tr.u32()
	for i := uint32(0); i < count && tr.err == nil; i++ {
		id, data := tr.blob(), tr.blob()
		if tr.err != nil {
			break
		}
		if _, dup := snap.Devices[string(id)]; dup {
			return nil, fmt.Errorf("%w: device %q stored twice", ErrSnapshotCorrupted, id)
		}
		snap.Add(string(id), data)
	}
	if tr.err != nil {
		return nil, fmt.Errorf("%w: device table: %v", ErrSnapshotCorrupted, tr.err)
	}

	want := sum.Sum32()
	tr.r = r
	if got := tr.u32(); tr.err != nil || got != want {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrSnapshotCorrupted)
	}
	return snap, nil
}

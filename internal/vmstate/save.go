package vmstate

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

type encoder struct {
	w   io.Writer
	buf [8]byte
	err error
}

func (e *encoder) write(p []byte) {
	if e.err != nil {
		return
	}
	_, e.err = e.w.Write(p)
}

func (e *encoder) u8(v uint8) {
	e.buf[0] = v
	e.write(e.buf[:1])
}

func (e *encoder) be32(v uint32) {
	binary.BigEndian.PutUint32(e.buf[:4], v)
	e.write(e.buf[:4])
}

func (e *encoder) be64(v uint64) {
	binary.BigEndian.PutUint64(e.buf[:8], v)
	e.write(e.buf[:8])
}

func (e *encoder) header(name string, version int) error {
	if len(name) == 0 || len(name) > 255 {
		return fmt.Errorf("vmstate: invalid record name %q", name)
	}
	e.u8(uint8(len(name)))
	e.write([]byte(name))
	e.be32(uint32(version))
	return nil
}

// Save writes the record described by d for opaque.
func Save(w io.Writer, d *Description, opaque any) error {
	e := &encoder{w: w}
	if err := e.header(d.Name, d.VersionID); err != nil {
		return err
	}
	if err := e.state(d, opaque); err != nil {
		return err
	}
	e.u8(markerFooter)
	if e.err != nil {
		return fmt.Errorf("vmstate: save %s: %w", d.Name, e.err)
	}
	return nil
}

// Marshal returns the record described by d for opaque.
func Marshal(d *Description, opaque any) ([]byte, error) {
	var buf bytes.Buffer
	if err := Save(&buf, d, opaque); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (e *encoder) state(d *Description, opaque any) error {
	if d.PreSave != nil {
		if err := d.PreSave(opaque); err != nil {
			return fmt.Errorf("vmstate: %s: pre-save: %w", d.Name, err)
		}
	}

	for _, f := range d.Fields {
		if f.Version > d.VersionID {
			continue
		}
		if err := e.field(d, f, opaque); err != nil {
			return err
		}
	}

	for _, sub := range d.Subsections {
		if sub.Needed != nil && !sub.Needed(opaque) {
			continue
		}
		e.u8(markerSubsection)
		if err := e.header(sub.Description.Name, sub.Description.VersionID); err != nil {
			return err
		}
		if err := e.state(sub.Description, opaque); err != nil {
			return err
		}
	}

	return e.err
}

func (e *encoder) field(d *Description, f Field, opaque any) error {
	switch f.Kind {
	case KindUnused:
		e.write(make([]byte, f.Size))
	case KindUint8:
		e.u8(*f.ptr(opaque).(*uint8))
	case KindBool:
		if *f.ptr(opaque).(*bool) {
			e.u8(1)
		} else {
			e.u8(0)
		}
	case KindUint32:
		e.be32(*f.ptr(opaque).(*uint32))
	case KindInt32:
		e.be32(uint32(*f.ptr(opaque).(*int32)))
	case KindUint64:
		e.be64(*f.ptr(opaque).(*uint64))
	case KindUint32Array:
		arr := f.ptr(opaque).([]uint32)
		if len(arr) != f.Size {
			return fmt.Errorf("vmstate: %s.%s: %w: have %d, want %d", d.Name, f.Name, ErrArrayLength, len(arr), f.Size)
		}
		for _, v := range arr {
			e.be32(v)
		}
	case KindStruct:
		if err := e.state(f.Description, f.ptr(opaque)); err != nil {
			return err
		}
	default:
		return fmt.Errorf("vmstate: %s.%s: unsupported kind %d", d.Name, f.Name, f.Kind)
	}
	return nil
}

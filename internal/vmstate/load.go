package vmstate

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
)

type decoder struct {
	r   *bufio.Reader
	buf [8]byte
}

func (dec *decoder) read(n int) ([]byte, error) {
	if _, err := io.ReadFull(dec.r, dec.buf[:n]); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return dec.buf[:n], nil
}

func (dec *decoder) u8() (uint8, error) {
	b, err := dec.read(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (dec *decoder) be32() (uint32, error) {
	b, err := dec.read(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (dec *decoder) be64() (uint64, error) {
	b, err := dec.read(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

func (dec *decoder) skip(n int) error {
	if _, err := dec.r.Discard(n); err != nil {
		return io.ErrUnexpectedEOF
	}
	return nil
}

func (dec *decoder) header() (string, int, error) {
	n, err := dec.u8()
	if err != nil {
		return "", 0, err
	}
	name := make([]byte, n)
	if _, err := io.ReadFull(dec.r, name); err != nil {
		return "", 0, io.ErrUnexpectedEOF
	}
	version, err := dec.be32()
	if err != nil {
		return "", 0, err
	}
	return string(name), int(version), nil
}

// peekSubsection returns the name of the subsection at the read position, if
// there is one, without consuming it.
func (dec *decoder) peekSubsection() (string, bool, error) {
	b, err := dec.r.Peek(1)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return "", false, nil
		}
		return "", false, err
	}
	if b[0] != markerSubsection {
		return "", false, nil
	}
	hdr, err := dec.r.Peek(2)
	if err != nil {
		return "", false, io.ErrUnexpectedEOF
	}
	raw, err := dec.r.Peek(2 + int(hdr[1]))
	if err != nil {
		return "", false, io.ErrUnexpectedEOF
	}
	return string(raw[2:]), true, nil
}

// Load reads a record described by d into opaque. Fields are written as they
// are decoded, so on error opaque may be partially updated; callers that need
// an all-or-nothing restore load into a copy and commit it on success.
//
// Load may read ahead of the record when r is not a *bufio.Reader.
func Load(r io.Reader, d *Description, opaque any) error {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	dec := &decoder{r: br}

	name, version, err := dec.header()
	if err != nil {
		return fmt.Errorf("vmstate: read header: %w", err)
	}
	if name != d.Name {
		return fmt.Errorf("vmstate: %w: got %q, want %q", ErrNameMismatch, name, d.Name)
	}
	if err := d.checkVersion(version); err != nil {
		return fmt.Errorf("vmstate: %w", err)
	}

	if err := dec.state(d, opaque, version); err != nil {
		return err
	}

	if sub, ok, err := dec.peekSubsection(); err != nil {
		return fmt.Errorf("vmstate: %s: %w", d.Name, err)
	} else if ok {
		return fmt.Errorf("vmstate: %s: %w %q", d.Name, ErrUnknownSubsection, sub)
	}

	footer, err := dec.u8()
	if err != nil || footer != markerFooter {
		return fmt.Errorf("vmstate: %s: %w", d.Name, ErrMissingFooter)
	}
	return nil
}

// Unmarshal loads a record from data, which must contain exactly one record.
func Unmarshal(data []byte, d *Description, opaque any) error {
	br := bufio.NewReader(bytes.NewReader(data))
	if err := Load(br, d, opaque); err != nil {
		return err
	}
	if _, err := br.ReadByte(); err != io.EOF {
		return fmt.Errorf("vmstate: %s: %w", d.Name, ErrTrailingData)
	}
	return nil
}

func (dec *decoder) state(d *Description, opaque any, version int) error {
	if d.PreLoad != nil {
		if err := d.PreLoad(opaque); err != nil {
			return fmt.Errorf("vmstate: %s: pre-load: %w", d.Name, err)
		}
	}

	for _, f := range d.Fields {
		if f.Version > version {
			continue
		}
		if err := dec.field(d, f, opaque); err != nil {
			return err
		}
	}

	if err := dec.subsections(d, opaque); err != nil {
		return err
	}

	if d.PostLoad != nil {
		if err := d.PostLoad(opaque, version); err != nil {
			return fmt.Errorf("vmstate: %s: post-load: %w", d.Name, err)
		}
	}
	return nil
}

func (dec *decoder) field(d *Description, f Field, opaque any) error {
	var err error
	switch f.Kind {
	case KindUnused:
		err = dec.skip(f.Size)
	case KindUint8:
		*f.ptr(opaque).(*uint8), err = dec.u8()
	case KindBool:
		var v uint8
		v, err = dec.u8()
		*f.ptr(opaque).(*bool) = v != 0
	case KindUint32:
		*f.ptr(opaque).(*uint32), err = dec.be32()
	case KindInt32:
		var v uint32
		v, err = dec.be32()
		*f.ptr(opaque).(*int32) = int32(v)
	case KindUint64:
		*f.ptr(opaque).(*uint64), err = dec.be64()
	case KindUint32Array:
		arr := f.ptr(opaque).([]uint32)
		if len(arr) != f.Size {
			return fmt.Errorf("vmstate: %s.%s: %w: have %d, want %d", d.Name, f.Name, ErrArrayLength, len(arr), f.Size)
		}
		for i := range arr {
			if arr[i], err = dec.be32(); err != nil {
				break
			}
		}
	case KindStruct:
		return dec.state(f.Description, f.ptr(opaque), f.Description.VersionID)
	default:
		return fmt.Errorf("vmstate: %s.%s: unsupported kind %d", d.Name, f.Name, f.Kind)
	}
	if err != nil {
		return fmt.Errorf("vmstate: %s.%s: %w", d.Name, f.Name, err)
	}
	return nil
}

func (dec *decoder) subsections(d *Description, opaque any) error {
	seen := make(map[string]bool)
	for {
		name, ok, err := dec.peekSubsection()
		if err != nil {
			return fmt.Errorf("vmstate: %s: %w", d.Name, err)
		}
		if !ok {
			break
		}
		sub, known := d.subsection(name)
		if !known {
			if strings.HasPrefix(name, d.Name+"/") {
				return fmt.Errorf("vmstate: %s: %w %q", d.Name, ErrUnknownSubsection, name)
			}
			// Belongs to an enclosing description.
			break
		}
		if seen[name] {
			return fmt.Errorf("vmstate: %s: %w: duplicate %q", d.Name, ErrSubsectionMismatch, name)
		}
		if sub.Strict && sub.Needed != nil && !sub.Needed(opaque) {
			return fmt.Errorf("vmstate: %s: %w: %q present but not expected", d.Name, ErrSubsectionMismatch, name)
		}

		if err := dec.skip(1); err != nil {
			return err
		}
		_, version, err := dec.header()
		if err != nil {
			return fmt.Errorf("vmstate: %s: read header: %w", name, err)
		}
		if err := sub.Description.checkVersion(version); err != nil {
			return fmt.Errorf("vmstate: %w", err)
		}
		if err := dec.state(sub.Description, opaque, version); err != nil {
			return err
		}
		seen[name] = true
	}

	for _, sub := range d.Subsections {
		if !sub.Strict || seen[sub.Description.Name] {
			continue
		}
		if sub.Needed == nil || sub.Needed(opaque) {
			return fmt.Errorf("vmstate: %s: %w: %q expected but absent", d.Name, ErrSubsectionMismatch, sub.Description.Name)
		}
	}
	return nil
}

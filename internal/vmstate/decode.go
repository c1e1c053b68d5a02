package vmstate

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"
)

// Value is one decoded field of a Record.
type Value struct {
	Name   string
	Kind   Kind
	Uint   uint64
	Int    int64
	Array  []uint32
	Struct *Record
}

// Record is a decoded description, independent of any device instance.
type Record struct {
	Name        string
	Version     int
	Fields      []Value
	Subsections []*Record
}

// Field returns the named field of r.
func (r *Record) Field(name string) (Value, bool) {
	for _, v := range r.Fields {
		if v.Name == name {
			return v, true
		}
	}
	return Value{}, false
}

// Subsection returns the named subsection of r.
func (r *Record) Subsection(name string) (*Record, bool) {
	for _, sub := range r.Subsections {
		if sub.Name == name {
			return sub, true
		}
	}
	return nil, false
}

// Decode parses a record laid out as d without loading it into a device.
// Hooks and subsection predicates are not evaluated.
func Decode(data []byte, d *Description) (*Record, error) {
	dec := &decoder{r: bufio.NewReader(bytes.NewReader(data))}

	name, version, err := dec.header()
	if err != nil {
		return nil, fmt.Errorf("vmstate: read header: %w", err)
	}
	if name != d.Name {
		return nil, fmt.Errorf("vmstate: %w: got %q, want %q", ErrNameMismatch, name, d.Name)
	}
	if err := d.checkVersion(version); err != nil {
		return nil, fmt.Errorf("vmstate: %w", err)
	}

	rec, err := dec.decodeState(d, version)
	if err != nil {
		return nil, err
	}

	footer, err := dec.u8()
	if err != nil || footer != markerFooter {
		return nil, fmt.Errorf("vmstate: %s: %w", d.Name, ErrMissingFooter)
	}
	if _, err := dec.r.ReadByte(); err != io.EOF {
		return nil, fmt.Errorf("vmstate: %s: %w", d.Name, ErrTrailingData)
	}
	return rec, nil
}

func (dec *decoder) decodeState(d *Description, version int) (*Record, error) {
	rec := &Record{Name: d.Name, Version: version}

	for _, f := range d.Fields {
		if f.Version > version {
			continue
		}
		v := Value{Name: f.Name, Kind: f.Kind}
		var err error
		switch f.Kind {
		case KindUnused:
			err = dec.skip(f.Size)
			v.Uint = uint64(f.Size)
		case KindUint8, KindBool:
			var b uint8
			b, err = dec.u8()
			v.Uint = uint64(b)
		case KindUint32:
			var u uint32
			u, err = dec.be32()
			v.Uint = uint64(u)
		case KindInt32:
			var u uint32
			u, err = dec.be32()
			v.Int = int64(int32(u))
		case KindUint64:
			v.Uint, err = dec.be64()
		case KindUint32Array:
			v.Array = make([]uint32, f.Size)
			for i := range v.Array {
				if v.Array[i], err = dec.be32(); err != nil {
					break
				}
			}
		case KindStruct:
			v.Struct, err = dec.decodeState(f.Description, f.Description.VersionID)
			if err != nil {
				return nil, err
			}
		default:
			err = fmt.Errorf("unsupported kind %d", f.Kind)
		}
		if err != nil {
			return nil, fmt.Errorf("vmstate: %s.%s: %w", d.Name, f.Name, err)
		}
		rec.Fields = append(rec.Fields, v)
	}

	for {
		name, ok, err := dec.peekSubsection()
		if err != nil {
			return nil, fmt.Errorf("vmstate: %s: %w", d.Name, err)
		}
		if !ok {
			break
		}
		sub, known := d.subsection(name)
		if !known {
			if strings.HasPrefix(name, d.Name+"/") {
				return nil, fmt.Errorf("vmstate: %s: %w %q", d.Name, ErrUnknownSubsection, name)
			}
			break
		}
		if err := dec.skip(1); err != nil {
			return nil, err
		}
		_, version, err := dec.header()
		if err != nil {
			return nil, fmt.Errorf("vmstate: %s: read header: %w", name, err)
		}
		if err := sub.Description.checkVersion(version); err != nil {
			return nil, fmt.Errorf("vmstate: %w", err)
		}
		subRec, err := dec.decodeState(sub.Description, version)
		if err != nil {
			return nil, err
		}
		rec.Subsections = append(rec.Subsections, subRec)
	}

	return rec, nil
}

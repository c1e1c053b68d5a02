// Package vmstate serializes device state through declarative, versioned
// descriptions.
//
// A Description lists the fields of a device in wire order. Each field is a
// typed accessor into the device's state, so the same table drives both
// saving and loading. Descriptions may embed other descriptions (Struct),
// reserve padding (Unused) and carry optional Subsections whose presence is
// decided by a predicate at save time.
//
// The wire format is big-endian:
//
//	record     := u8 len, name, be32 version, state, u8 footer(0x7e)
//	state      := field* subsection*
//	subsection := u8 0x05, u8 len, name, be32 version, state
//
// Embedded structs carry no header; they are read at their own VersionID.
package vmstate

import (
	"errors"
	"fmt"
)

const (
	markerSubsection byte = 0x05
	markerFooter     byte = 0x7e
)

var (
	ErrVersionTooOld      = errors.New("stream version below minimum")
	ErrVersionTooNew      = errors.New("stream version newer than supported")
	ErrNameMismatch       = errors.New("record name mismatch")
	ErrSubsectionMismatch = errors.New("subsection presence mismatch")
	ErrUnknownSubsection  = errors.New("unknown subsection")
	ErrMissingFooter      = errors.New("missing record footer")
	ErrTrailingData       = errors.New("trailing data after record")
	ErrArrayLength        = errors.New("array length mismatch")
)

// Kind identifies the wire representation of a Field.
type Kind int

const (
	KindUint8 Kind = iota + 1
	KindBool
	KindUint32
	KindInt32
	KindUint64
	KindUint32Array
	KindStruct
	KindUnused
)

func (k Kind) String() string {
	switch k {
	case KindUint8:
		return "uint8"
	case KindBool:
		return "bool"
	case KindUint32:
		return "uint32"
	case KindInt32:
		return "int32"
	case KindUint64:
		return "uint64"
	case KindUint32Array:
		return "uint32[]"
	case KindStruct:
		return "struct"
	case KindUnused:
		return "unused"
	default:
		return "invalid"
	}
}

// Field is one entry of a Description.
type Field struct {
	Name string
	Kind Kind

	// Size is the byte count of an Unused field or the element count of an
	// array field.
	Size int

	// Version is the first stream version that carries this field.
	Version int

	// Description is the embedded layout of a Struct field.
	Description *Description

	ptr func(opaque any) any
}

// Since marks a field as added in stream version v. Older streams are read
// without it and the field keeps its current value.
func (f Field) Since(v int) Field {
	f.Version = v
	return f
}

// Subsection is an optional block appended after a description's fields.
type Subsection struct {
	Description *Description

	// Needed decides at save time whether the block is written.
	Needed func(opaque any) bool

	// Strict subsections must be present on restore exactly when Needed
	// holds for the target. Non-strict subsections are accepted whenever
	// they appear, for blocks whose presence depends on the saved data
	// rather than on configuration.
	Strict bool
}

// Description is a named, versioned field layout.
type Description struct {
	Name             string
	VersionID        int
	MinimumVersionID int

	Fields      []Field
	Subsections []Subsection

	PreSave  func(opaque any) error
	PreLoad  func(opaque any) error
	PostLoad func(opaque any, versionID int) error
}

func (d *Description) subsection(name string) (Subsection, bool) {
	for _, sub := range d.Subsections {
		if sub.Description.Name == name {
			return sub, true
		}
	}
	return Subsection{}, false
}

func (d *Description) checkVersion(v int) error {
	if v > d.VersionID {
		return fmt.Errorf("%w: %s version %d > %d", ErrVersionTooNew, d.Name, v, d.VersionID)
	}
	if v < d.MinimumVersionID {
		return fmt.Errorf("%w: %s version %d < %d", ErrVersionTooOld, d.Name, v, d.MinimumVersionID)
	}
	return nil
}

func Uint8[T any](name string, get func(*T) *uint8) Field {
	return Field{Name: name, Kind: KindUint8, ptr: func(o any) any { return get(o.(*T)) }}
}

func Bool[T any](name string, get func(*T) *bool) Field {
	return Field{Name: name, Kind: KindBool, ptr: func(o any) any { return get(o.(*T)) }}
}

func Uint32[T any](name string, get func(*T) *uint32) Field {
	return Field{Name: name, Kind: KindUint32, ptr: func(o any) any { return get(o.(*T)) }}
}

func Int32[T any](name string, get func(*T) *int32) Field {
	return Field{Name: name, Kind: KindInt32, ptr: func(o any) any { return get(o.(*T)) }}
}

func Uint64[T any](name string, get func(*T) *uint64) Field {
	return Field{Name: name, Kind: KindUint64, ptr: func(o any) any { return get(o.(*T)) }}
}

// Uint32Array describes a fixed-length array. get must return a slice
// aliasing the array so loads write through.
func Uint32Array[T any](name string, n int, get func(*T) []uint32) Field {
	return Field{Name: name, Kind: KindUint32Array, Size: n, ptr: func(o any) any { return get(o.(*T)) }}
}

// Struct embeds the layout d for the value returned by get.
func Struct[T, U any](name string, d *Description, get func(*T) *U) Field {
	return Field{Name: name, Kind: KindStruct, Description: d, ptr: func(o any) any { return get(o.(*T)) }}
}

// Unused reserves n bytes. They are written as zero and skipped on load.
func Unused(n int) Field {
	return Field{Name: "unused", Kind: KindUnused, Size: n}
}

// Needed adapts a typed predicate for Subsection.Needed.
func Needed[T any](fn func(*T) bool) func(any) bool {
	return func(o any) bool { return fn(o.(*T)) }
}

// Hook adapts a typed function for PreSave and PreLoad.
func Hook[T any](fn func(*T) error) func(any) error {
	return func(o any) error { return fn(o.(*T)) }
}

// PostLoadHook adapts a typed function for PostLoad.
func PostLoadHook[T any](fn func(*T, int) error) func(any, int) error {
	return func(o any, v int) error { return fn(o.(*T), v) }
}

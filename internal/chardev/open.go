package chardev

import (
	"fmt"
	"log/slog"
	"os"
	"time"
)

// Kind names a backend type.
type Kind string

const (
	KindNull   Kind = "null"
	KindStdio  Kind = "stdio"
	KindPTY    Kind = "pty"
	KindScreen Kind = "screen"
	KindLog    Kind = "log"
	KindBuffer Kind = "buffer"
	KindHost   Kind = "host"
)

// Kinds lists the accepted backend names.
func Kinds() []Kind {
	return []Kind{KindNull, KindStdio, KindPTY, KindScreen, KindLog, KindBuffer, KindHost}
}

// OpenOptions configures Open.
type OpenOptions struct {
	// Paced wraps the backend so output leaves at the device line rate.
	Paced bool
	// CharTime is the initial pacing interval.
	CharTime time.Duration

	// Path is the host device for the host backend.
	Path string

	// ScreenCols and ScreenRows size the screen backend.
	ScreenCols int
	ScreenRows int

	Logger *slog.Logger
}

// Open constructs a backend by name.
func Open(kind Kind, opts OpenOptions) (Backend, error) {
	var (
		b   Backend
		err error
	)
	switch kind {
	case KindNull, "":
		b = Null{}
	case KindStdio:
		b, err = NewStdio(os.Stdin, os.Stdout)
	case KindPTY:
		b, err = NewPTY()
	case KindScreen:
		cols, rows := opts.ScreenCols, opts.ScreenRows
		if cols <= 0 {
			cols = 80
		}
		if rows <= 0 {
			rows = 25
		}
		b = NewScreen(cols, rows, true)
	case KindLog:
		b = NewLog(opts.Logger, nil)
	case KindBuffer:
		b = NewBuffer()
	case KindHost:
		if opts.Path == "" {
			return nil, fmt.Errorf("chardev: host backend needs a device path")
		}
		b, err = NewHost(opts.Path)
	default:
		return nil, fmt.Errorf("chardev: unknown backend %q", kind)
	}
	if err != nil {
		return nil, err
	}
	if opts.Paced {
		b = NewPaced(b, opts.CharTime, DefaultPacedDepth)
	}
	return b, nil
}

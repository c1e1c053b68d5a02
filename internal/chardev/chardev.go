// Package chardev provides the host-side byte streams a serial device is
// connected to.
package chardev

import (
	"errors"
	"io"
	"sync"
	"time"
)

// ErrClosed is returned by Write after Close.
var ErrClosed = errors.New("chardev: backend closed")

// Receiver accepts input arriving from the host side.
type Receiver interface {
	// Receive delivers bytes in arrival order.
	Receive(p []byte)
	// Break signals a line break condition.
	Break()
}

// Backend is a character stream attached to a device. Write must not block
// for longer than it takes to hand the bytes to the host.
type Backend interface {
	io.Writer

	// SetReceiver installs the input sink. A nil receiver discards input.
	SetReceiver(r Receiver)

	Close() error
}

// Pacer is implemented by backends that emit output at line rate.
type Pacer interface {
	SetCharTime(d time.Duration)
}

// Parity is the parity mode of a serial line.
type Parity int

const (
	ParityNone Parity = iota
	ParityOdd
	ParityEven
	ParityMark
	ParitySpace
)

func (p Parity) String() string {
	switch p {
	case ParityNone:
		return "none"
	case ParityOdd:
		return "odd"
	case ParityEven:
		return "even"
	case ParityMark:
		return "mark"
	case ParitySpace:
		return "space"
	default:
		return "unknown"
	}
}

// LineParams are the framing settings programmed into a device.
type LineParams struct {
	Baud     int
	DataBits int
	Parity   Parity
	StopBits int
}

// LineConfigurer is implemented by backends attached to a real serial line,
// which follow the framing the guest programs.
type LineConfigurer interface {
	SetLineParams(p LineParams) error
}

// ReceiverFunc adapts a function to Receiver. Breaks are ignored.
type ReceiverFunc func(p []byte)

// Receive implements Receiver.
func (f ReceiverFunc) Receive(p []byte) { f(p) }

// Break implements Receiver.
func (f ReceiverFunc) Break() {}

// receiverSlot holds the installed Receiver for backends that deliver input
// from their own goroutine.
type receiverSlot struct {
	mu sync.Mutex
	r  Receiver
}

func (s *receiverSlot) set(r Receiver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.r = r
}

func (s *receiverSlot) get() Receiver {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.r
}

func (s *receiverSlot) deliver(p []byte) {
	if r := s.get(); r != nil && len(p) > 0 {
		r.Receive(p)
	}
}

func (s *receiverSlot) sendBreak() {
	if r := s.get(); r != nil {
		r.Break()
	}
}

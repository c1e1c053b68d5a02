package chardev

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"golang.org/x/term"
)

// EscapeChar introduces console commands on the Stdio backend (Ctrl-A).
const EscapeChar = 0x01

// Stdio connects the device to the process terminal. When in is a terminal
// it is switched to raw mode until Close.
//
// Console commands: Ctrl-A x quits, Ctrl-A b sends a break, Ctrl-A Ctrl-A
// sends a literal Ctrl-A.
type Stdio struct {
	in  io.Reader
	out io.Writer

	fd       int
	oldState *term.State

	slot receiverSlot

	mu       sync.Mutex
	closed   bool
	quit     chan struct{}
	quitOnce sync.Once
}

// NewStdio starts reading from in and writes output to out.
func NewStdio(in *os.File, out io.Writer) (*Stdio, error) {
	s := &Stdio{
		in:   in,
		out:  out,
		fd:   -1,
		quit: make(chan struct{}),
	}

	fd := int(in.Fd())
	if term.IsTerminal(fd) {
		state, err := term.MakeRaw(fd)
		if err != nil {
			return nil, fmt.Errorf("chardev: set raw mode: %w", err)
		}
		s.fd = fd
		s.oldState = state
	}

	go s.readLoop()
	return s, nil
}

func (s *Stdio) readLoop() {
	buf := make([]byte, 256)
	escaped := false
	for {
		n, err := s.in.Read(buf)
		if n > 0 {
			var data []byte
			data, escaped = s.filterEscapes(buf[:n], escaped)
			s.slot.deliver(data)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				slog.Debug("chardev: stdin read failed", "err", err)
			}
			s.signalQuit()
			return
		}
	}
}

// filterEscapes strips console commands from p and executes them.
func (s *Stdio) filterEscapes(p []byte, escaped bool) ([]byte, bool) {
	out := p[:0:0]
	for _, b := range p {
		if !escaped {
			if b == EscapeChar {
				escaped = true
				continue
			}
			out = append(out, b)
			continue
		}
		escaped = false
		switch b {
		case 'x', 'X':
			s.signalQuit()
		case 'b', 'B':
			s.slot.deliver(out)
			out = out[:0]
			s.slot.sendBreak()
		case EscapeChar:
			out = append(out, EscapeChar)
		}
	}
	return out, escaped
}

func (s *Stdio) signalQuit() {
	s.quitOnce.Do(func() { close(s.quit) })
}

// Quit is closed when the user asks to leave the console or stdin ends.
func (s *Stdio) Quit() <-chan struct{} { return s.quit }

// Write implements Backend.
func (s *Stdio) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	return s.out.Write(p)
}

// SetReceiver implements Backend.
func (s *Stdio) SetReceiver(r Receiver) { s.slot.set(r) }

// Close restores the terminal mode.
func (s *Stdio) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.slot.set(nil)
	if s.oldState != nil {
		if err := term.Restore(s.fd, s.oldState); err != nil {
			return fmt.Errorf("chardev: restore terminal: %w", err)
		}
	}
	return nil
}

var _ Backend = (*Stdio)(nil)

package chardev

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"go.bug.st/serial"
)

// hostQueueDepth bounds output waiting for a stalled line.
const hostQueueDepth = 1024

// Host passes the device through to a serial port on the host. The port
// follows the baud rate and framing programmed by the guest.
//
// Output is queued to a writer goroutine and dropped when the queue is full,
// so flow control on the physical line never stalls the device.
type Host struct {
	port serial.Port
	path string
	slot receiverSlot

	queue   chan []byte
	dropped atomic.Uint64
	wdone   chan struct{}

	mu     sync.Mutex
	mode   serial.Mode
	closed bool
	done   chan struct{}
}

// HostPorts lists the serial ports present on the host.
func HostPorts() ([]string, error) {
	return serial.GetPortsList()
}

// NewHost opens path at 115200 8N1 until the guest programs the line.
func NewHost(path string) (*Host, error) {
	mode := serial.Mode{BaudRate: 115200, DataBits: 8, Parity: serial.NoParity, StopBits: serial.OneStopBit}
	port, err := serial.Open(path, &mode)
	if err != nil {
		return nil, fmt.Errorf("chardev: open %s: %w", path, err)
	}
	slog.Info("chardev: host serial port opened", "path", path)
	return newHost(port, path, mode), nil
}

func newHost(port serial.Port, path string, mode serial.Mode) *Host {
	h := &Host{
		port:  port,
		path:  path,
		mode:  mode,
		queue: make(chan []byte, hostQueueDepth),
		wdone: make(chan struct{}),
		done:  make(chan struct{}),
	}
	go h.readLoop()
	go h.writeLoop()
	return h
}

// Dropped returns how many output bytes were discarded.
func (h *Host) Dropped() uint64 { return h.dropped.Load() }

func (h *Host) writeLoop() {
	defer close(h.wdone)
	for b := range h.queue {
		if _, err := h.port.Write(b); err != nil {
			slog.Debug("chardev: host write failed", "path", h.path, "err", err)
			h.dropped.Add(uint64(len(b)))
		}
	}
}

// Path returns the host device path.
func (h *Host) Path() string { return h.path }

func (h *Host) readLoop() {
	defer close(h.done)
	buf := make([]byte, 256)
	for {
		n, err := h.port.Read(buf)
		if n > 0 {
			h.slot.deliver(buf[:n])
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				slog.Debug("chardev: host read stopped", "path", h.path, "err", err)
			}
			return
		}
		if n == 0 && h.isClosed() {
			return
		}
	}
}

func (h *Host) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// hostMode converts line settings to a port mode.
func hostMode(p LineParams) (serial.Mode, error) {
	m := serial.Mode{BaudRate: p.Baud, DataBits: p.DataBits}
	switch p.Parity {
	case ParityNone:
		m.Parity = serial.NoParity
	case ParityOdd:
		m.Parity = serial.OddParity
	case ParityEven:
		m.Parity = serial.EvenParity
	case ParityMark:
		m.Parity = serial.MarkParity
	case ParitySpace:
		m.Parity = serial.SpaceParity
	default:
		return m, fmt.Errorf("unsupported parity %v", p.Parity)
	}
	switch p.StopBits {
	case 1:
		m.StopBits = serial.OneStopBit
	case 2:
		m.StopBits = serial.TwoStopBits
	default:
		return m, fmt.Errorf("unsupported stop bits %d", p.StopBits)
	}
	if m.BaudRate <= 0 {
		return m, fmt.Errorf("invalid baud rate %d", m.BaudRate)
	}
	return m, nil
}

// SetLineParams implements LineConfigurer.
func (h *Host) SetLineParams(p LineParams) error {
	mode, err := hostMode(p)
	if err != nil {
		return fmt.Errorf("chardev: %s: %w", h.path, err)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || mode == h.mode {
		return nil
	}
	if err := h.port.SetMode(&mode); err != nil {
		return fmt.Errorf("chardev: %s: set mode: %w", h.path, err)
	}
	h.mode = mode
	slog.Debug("chardev: host line configured", "path", h.path, "baud", mode.BaudRate, "data_bits", mode.DataBits, "parity", p.Parity, "stop_bits", p.StopBits)
	return nil
}

// Write implements Backend.
func (h *Host) Write(p []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0, ErrClosed
	}
	select {
	case h.queue <- append([]byte(nil), p...):
	default:
		h.dropped.Add(uint64(len(p)))
	}
	return len(p), nil
}

// SetReceiver implements Backend.
func (h *Host) SetReceiver(r Receiver) { h.slot.set(r) }

// Close implements Backend.
func (h *Host) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	close(h.queue)
	h.mu.Unlock()

	err := h.port.Close()
	<-h.wdone
	<-h.done
	return err
}

var (
	_ Backend        = (*Host)(nil)
	_ LineConfigurer = (*Host)(nil)
)

package chardev

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
)

// ptyQueueDepth bounds output buffered for a slow or absent client.
const ptyQueueDepth = 1024

// PTY exposes the device on a host pseudo-terminal. Clients attach with a
// terminal program on Path, for example `screen /dev/pts/3`.
//
// Output is queued to a writer goroutine and dropped when the queue is full,
// so Write never blocks on the client.
type PTY struct {
	master *os.File
	slave  *os.File
	path   string
	slot   receiverSlot

	queue   chan []byte
	dropped atomic.Uint64
	done    chan struct{}

	mu     sync.Mutex
	closed bool
}

// NewPTY allocates a pseudo-terminal and starts forwarding its input.
func NewPTY() (*PTY, error) {
	master, slave, path, err := openPTY()
	if err != nil {
		return nil, fmt.Errorf("chardev: %w", err)
	}
	p := &PTY{
		master: master,
		slave:  slave,
		path:   path,
		queue:  make(chan []byte, ptyQueueDepth),
		done:   make(chan struct{}),
	}
	go p.readLoop()
	go p.writeLoop()
	slog.Info("chardev: pty allocated", "path", path)
	return p, nil
}

// Path returns the slave device path.
func (p *PTY) Path() string { return p.path }

// Dropped returns how many output bytes were discarded.
func (p *PTY) Dropped() uint64 { return p.dropped.Load() }

func (p *PTY) readLoop() {
	buf := make([]byte, 256)
	for {
		n, err := p.master.Read(buf)
		if n > 0 {
			p.slot.deliver(buf[:n])
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				slog.Debug("chardev: pty read stopped", "path", p.path, "err", err)
			}
			return
		}
	}
}

func (p *PTY) writeLoop() {
	defer close(p.done)
	for b := range p.queue {
		if _, err := p.master.Write(b); err != nil {
			slog.Debug("chardev: pty write failed", "path", p.path, "err", err)
			return
		}
	}
}

// Write implements Backend.
func (p *PTY) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, ErrClosed
	}
	select {
	case p.queue <- append([]byte(nil), b...):
	default:
		p.dropped.Add(uint64(len(b)))
	}
	return len(b), nil
}

// SetReceiver implements Backend.
func (p *PTY) SetReceiver(r Receiver) { p.slot.set(r) }

// Close implements Backend.
func (p *PTY) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	err := p.master.Close()
	<-p.done
	if serr := p.slave.Close(); err == nil {
		err = serr
	}
	return err
}

var _ Backend = (*PTY)(nil)

package chardev

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// DefaultPacedDepth is the output queue size of a Paced backend.
const DefaultPacedDepth = 4096

// Paced emits output to an inner backend at the line rate programmed by the
// device. Writes are queued and never block; bytes beyond the queue depth
// are dropped.
type Paced struct {
	inner   Backend
	limiter *rate.Limiter
	queue   chan byte
	dropped atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	closed bool
}

// NewPaced wraps inner. A zero charTime leaves output unpaced until the
// device reports its line rate.
func NewPaced(inner Backend, charTime time.Duration, depth int) *Paced {
	if depth <= 0 {
		depth = DefaultPacedDepth
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Paced{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Inf, 1),
		queue:   make(chan byte, depth),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	p.SetCharTime(charTime)
	go p.run()
	return p
}

// SetCharTime implements Pacer.
func (p *Paced) SetCharTime(d time.Duration) {
	if d <= 0 {
		p.limiter.SetLimit(rate.Inf)
		return
	}
	p.limiter.SetLimit(rate.Every(d))
}

// Inner returns the wrapped backend.
func (p *Paced) Inner() Backend { return p.inner }

// Dropped returns how many bytes were discarded because the queue was full.
func (p *Paced) Dropped() uint64 { return p.dropped.Load() }

func (p *Paced) run() {
	defer close(p.done)
	for {
		select {
		case <-p.ctx.Done():
			return
		case b := <-p.queue:
			if err := p.limiter.Wait(p.ctx); err != nil {
				return
			}
			if _, err := p.inner.Write([]byte{b}); err != nil {
				slog.Debug("chardev: paced write failed", "err", err)
			}
		}
	}
}

// Write implements Backend.
func (p *Paced) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, ErrClosed
	}
	for _, c := range b {
		select {
		case p.queue <- c:
		default:
			p.dropped.Add(1)
		}
	}
	return len(b), nil
}

// SetLineParams forwards line settings to the inner backend.
func (p *Paced) SetLineParams(lp LineParams) error {
	if lc, ok := p.inner.(LineConfigurer); ok {
		return lc.SetLineParams(lp)
	}
	return nil
}

// SetReceiver implements Backend.
func (p *Paced) SetReceiver(r Receiver) { p.inner.SetReceiver(r) }

// Close stops pacing, discarding queued output, and closes the inner
// backend.
func (p *Paced) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	<-p.done
	return p.inner.Close()
}

var (
	_ Backend        = (*Paced)(nil)
	_ Pacer          = (*Paced)(nil)
	_ LineConfigurer = (*Paced)(nil)
)

package chardev

import (
	"bytes"
	"sync"
)

// Null discards output and never produces input.
type Null struct{}

func (Null) Write(p []byte) (int, error) { return len(p), nil }
func (Null) SetReceiver(Receiver)        {}
func (Null) Close() error                { return nil }

// Buffer captures output in memory and lets callers inject input. It is
// used by tests and by the built-in console driver.
type Buffer struct {
	mu     sync.Mutex
	out    bytes.Buffer
	closed bool
	slot   receiverSlot
}

// NewBuffer returns an empty Buffer.
func NewBuffer() *Buffer {
	return &Buffer{}
}

// Write implements Backend.
func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, ErrClosed
	}
	return b.out.Write(p)
}

// SetReceiver implements Backend.
func (b *Buffer) SetReceiver(r Receiver) { b.slot.set(r) }

// Close implements Backend.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// Inject delivers p to the receiver as if it arrived from the host.
func (b *Buffer) Inject(p []byte) { b.slot.deliver(p) }

// InjectBreak signals a break to the receiver.
func (b *Buffer) InjectBreak() { b.slot.sendBreak() }

// String returns everything written so far.
func (b *Buffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.out.String()
}

// Take returns and clears the captured output.
func (b *Buffer) Take() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := append([]byte(nil), b.out.Bytes()...)
	b.out.Reset()
	return out
}

var (
	_ Backend = Null{}
	_ Backend = (*Buffer)(nil)
)

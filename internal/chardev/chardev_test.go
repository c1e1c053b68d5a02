package chardev

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"go.bug.st/serial"
)

// recorder is a Receiver that keeps every byte and counts breaks.
type recorder struct {
	mu     sync.Mutex
	data   []byte
	breaks int
	events []string
}

func (r *recorder) Receive(p []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data = append(r.data, p...)
	r.events = append(r.events, "data:"+string(p))
}

func (r *recorder) Break() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.breaks++
	r.events = append(r.events, "break")
}

func (r *recorder) snapshot() ([]byte, int, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]byte(nil), r.data...), r.breaks, append([]string(nil), r.events...)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %v", timeout)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestBufferCaptureAndInject(t *testing.T) {
	b := NewBuffer()
	rec := &recorder{}
	b.SetReceiver(rec)

	if _, err := b.Write([]byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := b.String(); got != "hello" {
		t.Fatalf("String = %q", got)
	}
	if got := string(b.Take()); got != "hello" {
		t.Fatalf("Take = %q", got)
	}
	if got := b.String(); got != "" {
		t.Fatalf("after Take String = %q", got)
	}

	b.Inject([]byte("in"))
	b.InjectBreak()
	data, breaks, _ := rec.snapshot()
	if string(data) != "in" || breaks != 1 {
		t.Fatalf("receiver got %q breaks=%d", data, breaks)
	}

	b.SetReceiver(nil)
	b.Inject([]byte("dropped"))
	if data, _, _ := rec.snapshot(); string(data) != "in" {
		t.Fatalf("detached receiver got %q", data)
	}

	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := b.Write([]byte("x")); err != ErrClosed {
		t.Fatalf("Write after Close err = %v, want ErrClosed", err)
	}
}

func TestNullBackend(t *testing.T) {
	var n Null
	if c, err := n.Write([]byte("abc")); c != 3 || err != nil {
		t.Fatalf("Write = %d, %v", c, err)
	}
	n.SetReceiver(&recorder{})
	if err := n.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestStdioEscapes(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("Pipe: %v", err)
	}
	defer r.Close()

	var out bytes.Buffer
	s, err := NewStdio(r, &out)
	if err != nil {
		t.Fatalf("NewStdio: %v", err)
	}
	defer s.Close()
	rec := &recorder{}
	s.SetReceiver(rec)

	if _, err := w.Write([]byte("ab\x01bc\x01\x01d")); err != nil {
		t.Fatalf("pipe write: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		data, _, _ := rec.snapshot()
		return len(data) == 5
	})
	data, breaks, events := rec.snapshot()
	if string(data) != "abc\x01d" {
		t.Fatalf("data = %q", data)
	}
	if breaks != 1 {
		t.Fatalf("breaks = %d, want 1", breaks)
	}
	if events[0] != "data:ab" || events[1] != "break" {
		t.Fatalf("events = %q, want data before break", events)
	}

	select {
	case <-s.Quit():
		t.Fatal("quit signalled early")
	default:
	}
	if _, err := w.Write([]byte{EscapeChar, 'x'}); err != nil {
		t.Fatalf("pipe write: %v", err)
	}
	select {
	case <-s.Quit():
	case <-time.After(2 * time.Second):
		t.Fatal("Ctrl-A x did not quit")
	}
	w.Close()

	if _, err := s.Write([]byte("out")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if out.String() != "out" {
		t.Fatalf("out = %q", out.String())
	}
}

func TestStdioEscapeSplitAcrossReads(t *testing.T) {
	s := &Stdio{quit: make(chan struct{})}
	rec := &recorder{}
	s.SetReceiver(rec)

	out, escaped := s.filterEscapes([]byte("z\x01"), false)
	if string(out) != "z" || !escaped {
		t.Fatalf("first = %q escaped=%v", out, escaped)
	}
	out, escaped = s.filterEscapes([]byte("b"), escaped)
	if len(out) != 0 || escaped {
		t.Fatalf("second = %q escaped=%v", out, escaped)
	}
	if _, breaks, _ := rec.snapshot(); breaks != 1 {
		t.Fatalf("breaks = %d, want 1", breaks)
	}
}

func TestPacedOrderAndRate(t *testing.T) {
	inner := NewBuffer()
	p := NewPaced(inner, 2*time.Millisecond, 0)
	defer p.Close()

	start := time.Now()
	if _, err := p.Write([]byte("0123456789")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return inner.String() == "0123456789" })
	// The first byte uses the burst token; nine more wait a char time each.
	if elapsed := time.Since(start); elapsed < 15*time.Millisecond {
		t.Fatalf("10 bytes took %v, want >= 18ms of pacing", elapsed)
	}
}

func TestPacedUnlimited(t *testing.T) {
	inner := NewBuffer()
	p := NewPaced(inner, 0, 0)
	defer p.Close()

	payload := strings.Repeat("x", 512)
	p.Write([]byte(payload))
	waitFor(t, time.Second, func() bool { return inner.String() == payload })
}

func TestPacedDropsWhenFull(t *testing.T) {
	inner := NewBuffer()
	p := NewPaced(inner, time.Hour, 4)

	n, err := p.Write([]byte("abcdefgh"))
	if err != nil || n != 8 {
		t.Fatalf("Write = %d, %v", n, err)
	}
	// Up to two bytes may already have left the queue for the limiter.
	if d := p.Dropped(); d < 2 || d > 4 {
		t.Fatalf("Dropped = %d, want 2..4", d)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := p.Write([]byte("x")); err != ErrClosed {
		t.Fatalf("Write after Close err = %v", err)
	}
}

func TestPacedForwardsReceiver(t *testing.T) {
	inner := NewBuffer()
	p := NewPaced(inner, 0, 0)
	defer p.Close()
	rec := &recorder{}
	p.SetReceiver(rec)
	inner.Inject([]byte("k"))
	if data, _, _ := rec.snapshot(); string(data) != "k" {
		t.Fatalf("data = %q", data)
	}
}

func TestLogStripsEscapes(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelInfo}))
	inner := NewBuffer()
	l := NewLog(logger, inner)

	l.Write([]byte("\x1b[1mboot\x1b[0m ok\r\n"))
	l.Write([]byte("partial"))
	if !strings.Contains(logs.String(), "line=\"boot ok\"") {
		t.Fatalf("log output %q missing stripped line", logs.String())
	}
	if strings.Contains(logs.String(), "partial") {
		t.Fatalf("partial line logged before newline: %q", logs.String())
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !strings.Contains(logs.String(), "line=partial") {
		t.Fatalf("Close did not flush partial line: %q", logs.String())
	}
	if got := inner.String(); got != "\x1b[1mboot\x1b[0m ok\r\npartial" {
		t.Fatalf("inner = %q", got)
	}
}

func TestScreenRendersOutput(t *testing.T) {
	s := NewScreen(40, 5, true)
	defer s.Close()

	s.Write([]byte("hello\r\n\x1b[31mworld\x1b[0m"))
	lines := s.Lines()
	if len(lines) != 5 {
		t.Fatalf("len(lines) = %d, want 5", len(lines))
	}
	if lines[0] != "hello" || lines[1] != "world" {
		t.Fatalf("lines = %q", lines[:2])
	}
	if got := s.String(); got != "hello\nworld" {
		t.Fatalf("String = %q", got)
	}
}

// lockedReceiver takes a lock that the writer may be holding, the way a
// device does when its output reaches the backend.
type lockedReceiver struct {
	lock *sync.Mutex
	rec  *recorder
}

func (l lockedReceiver) Receive(p []byte) {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.rec.Receive(p)
}

func (l lockedReceiver) Break() {}

func TestScreenRepliesWhileWriterHoldsLock(t *testing.T) {
	s := NewScreen(80, 24, true)
	defer s.Close()
	var lock sync.Mutex
	rec := &recorder{}
	s.SetReceiver(lockedReceiver{lock: &lock, rec: rec})

	done := make(chan struct{})
	go func() {
		defer close(done)
		lock.Lock()
		defer lock.Unlock()
		for i := 0; i < 4; i++ {
			s.Write([]byte("\x1b[?25$p"))
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Write blocked on a reply the receiver could not take")
	}
	waitFor(t, 2*time.Second, func() bool {
		data, _, _ := rec.snapshot()
		return len(data) > 0
	})
}

func TestScreenQueryReplies(t *testing.T) {
	for _, tc := range []struct {
		name  string
		quiet bool
		want  bool
	}{
		{"default", false, true},
		{"quiet", true, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			s := NewScreen(80, 24, tc.quiet)
			rec := &recorder{}
			s.SetReceiver(rec)

			s.Write([]byte("\x1b[6n"))
			if tc.want {
				waitFor(t, 2*time.Second, func() bool {
					data, _, _ := rec.snapshot()
					return len(data) > 0
				})
			}
			if err := s.Close(); err != nil && err != io.EOF {
				t.Fatalf("Close: %v", err)
			}
			data, _, _ := rec.snapshot()
			if got := len(data) > 0; got != tc.want {
				t.Fatalf("reply %q, want reply=%v", data, tc.want)
			}
		})
	}
}

func TestOpenKinds(t *testing.T) {
	for _, kind := range []Kind{KindNull, KindBuffer, KindLog, KindScreen} {
		b, err := Open(kind, OpenOptions{})
		if err != nil {
			t.Fatalf("Open(%s): %v", kind, err)
		}
		if _, err := b.Write([]byte("x")); err != nil {
			t.Fatalf("%s Write: %v", kind, err)
		}
		b.Close()
	}

	b, err := Open(KindBuffer, OpenOptions{Paced: true})
	if err != nil {
		t.Fatalf("Open paced: %v", err)
	}
	if _, ok := b.(Pacer); !ok {
		t.Fatalf("paced backend %T does not implement Pacer", b)
	}
	b.Close()

	if _, err := Open("serial-over-carrier-pigeon", OpenOptions{}); err == nil {
		t.Fatal("Open accepted unknown kind")
	}
}

func TestHostMode(t *testing.T) {
	m, err := hostMode(LineParams{Baud: 9600, DataBits: 7, Parity: ParityEven, StopBits: 2})
	if err != nil {
		t.Fatalf("hostMode: %v", err)
	}
	if m.BaudRate != 9600 || m.DataBits != 7 || m.Parity != serial.EvenParity || m.StopBits != serial.TwoStopBits {
		t.Fatalf("mode = %+v", m)
	}
	for _, bad := range []LineParams{
		{Baud: 0, DataBits: 8, StopBits: 1},
		{Baud: 9600, DataBits: 8, StopBits: 3},
		{Baud: 9600, DataBits: 8, Parity: Parity(9), StopBits: 1},
	} {
		if _, err := hostMode(bad); err == nil {
			t.Errorf("hostMode(%+v) accepted", bad)
		}
	}
	if _, err := Open(KindHost, OpenOptions{}); err == nil {
		t.Fatal("host backend opened without a path")
	}
}

type lineRecorder struct {
	Buffer
	params []LineParams
}

func (l *lineRecorder) SetLineParams(p LineParams) error {
	l.params = append(l.params, p)
	return nil
}

func TestPacedForwardsLineParams(t *testing.T) {
	inner := &lineRecorder{}
	p := NewPaced(inner, 0, 0)
	defer p.Close()
	want := LineParams{Baud: 115200, DataBits: 8, StopBits: 1}
	if err := p.SetLineParams(want); err != nil {
		t.Fatalf("SetLineParams: %v", err)
	}
	if len(inner.params) != 1 || inner.params[0] != want {
		t.Fatalf("inner params = %+v", inner.params)
	}

	plain := NewPaced(NewBuffer(), 0, 0)
	defer plain.Close()
	if err := plain.SetLineParams(want); err != nil {
		t.Fatalf("SetLineParams without configurer: %v", err)
	}
}

// stalledPort is a serial port whose line accepts nothing until released.
type stalledPort struct {
	release chan struct{}
	closed  chan struct{}
	once    sync.Once

	mu      sync.Mutex
	written []byte
}

func newStalledPort() *stalledPort {
	return &stalledPort{release: make(chan struct{}), closed: make(chan struct{})}
}

func (p *stalledPort) SetMode(*serial.Mode) error { return nil }

func (p *stalledPort) Read(b []byte) (int, error) {
	<-p.closed
	return 0, io.EOF
}

func (p *stalledPort) Write(b []byte) (int, error) {
	select {
	case <-p.release:
	case <-p.closed:
		return 0, io.ErrClosedPipe
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.written = append(p.written, b...)
	return len(b), nil
}

func (p *stalledPort) ResetInputBuffer() error  { return nil }
func (p *stalledPort) ResetOutputBuffer() error { return nil }
func (p *stalledPort) SetDTR(bool) error        { return nil }
func (p *stalledPort) SetRTS(bool) error        { return nil }

func (p *stalledPort) GetModemStatusBits() (*serial.ModemStatusBits, error) {
	return &serial.ModemStatusBits{}, nil
}

func (p *stalledPort) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func (p *stalledPort) output() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.written...)
}

func TestHostWriteDoesNotWaitForLine(t *testing.T) {
	port := newStalledPort()
	h := newHost(port, "stalled", serial.Mode{BaudRate: 115200})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < hostQueueDepth+10; i++ {
			h.Write([]byte{'x'})
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Write blocked on a stalled line")
	}
	if h.Dropped() < 9 {
		t.Fatalf("Dropped = %d, want at least 9", h.Dropped())
	}

	close(port.release)
	waitFor(t, 2*time.Second, func() bool { return len(port.output()) >= hostQueueDepth })
	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := h.Write([]byte{'y'}); !errors.Is(err, ErrClosed) {
		t.Fatalf("Write after Close = %v, want ErrClosed", err)
	}
}

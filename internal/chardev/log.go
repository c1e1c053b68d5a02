package chardev

import (
	"bytes"
	"log/slog"
	"sync"

	"github.com/charmbracelet/x/ansi"
)

// maxLogLine bounds a buffered console line before it is flushed.
const maxLogLine = 4096

// Log turns device output into structured log records, one per line,
// with terminal escape sequences removed. Output is optionally copied to
// an inner backend, which also provides input.
type Log struct {
	logger *slog.Logger
	inner  Backend

	mu     sync.Mutex
	line   bytes.Buffer
	closed bool
}

// NewLog returns a Log that writes to logger. inner may be nil.
func NewLog(logger *slog.Logger, inner Backend) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger, inner: inner}
}

// Write implements Backend.
func (l *Log) Write(p []byte) (int, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return 0, ErrClosed
	}
	for _, c := range p {
		switch c {
		case '\n':
			l.flushLocked()
		case '\r':
		default:
			l.line.WriteByte(c)
			if l.line.Len() >= maxLogLine {
				l.flushLocked()
			}
		}
	}
	l.mu.Unlock()

	if l.inner != nil {
		return l.inner.Write(p)
	}
	return len(p), nil
}

func (l *Log) flushLocked() {
	if l.line.Len() == 0 {
		return
	}
	l.logger.Info("pl011: console", "line", ansi.Strip(l.line.String()))
	l.line.Reset()
}

// SetReceiver implements Backend.
func (l *Log) SetReceiver(r Receiver) {
	if l.inner != nil {
		l.inner.SetReceiver(r)
	}
}

// Close flushes a partial line and closes the inner backend.
func (l *Log) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.flushLocked()
	l.mu.Unlock()

	if l.inner != nil {
		return l.inner.Close()
	}
	return nil
}

var _ Backend = (*Log)(nil)

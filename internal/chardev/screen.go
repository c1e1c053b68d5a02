package chardev

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/x/ansi"
	"github.com/charmbracelet/x/vt"
)

// screenQueueDepth bounds terminal replies waiting for the device.
const screenQueueDepth = 64

// Screen renders device output into a virtual terminal. Terminal replies
// and text sent with SendText are delivered back to the device as input.
//
// Replies are queued between the emulator and the receiver, so a Write made
// with the device lock held never waits on the device. Replies beyond the
// queue depth are dropped.
type Screen struct {
	emu     *vt.SafeEmulator
	slot    receiverSlot
	replies chan []byte
	dropped atomic.Uint64

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// NewScreen returns a cols x rows virtual terminal. When quiet is set,
// status and attribute queries are answered with nothing, so guests that
// probe the terminal do not receive unsolicited input.
func NewScreen(cols, rows int, quiet bool) *Screen {
	s := &Screen{
		emu:     vt.NewSafeEmulator(cols, rows),
		replies: make(chan []byte, screenQueueDepth),
		done:    make(chan struct{}),
	}
	if quiet {
		suppressQueries(s.emu)
	}
	go s.readLoop()
	go s.deliverLoop()
	return s
}

// suppressQueries swallows device status reports (CSI n, CSI ? n) and
// device attribute requests (CSI c, CSI > c).
func suppressQueries(emu *vt.SafeEmulator) {
	emu.RegisterCsiHandler('n', func(params ansi.Params) bool {
		n, _, ok := params.Param(0, 1)
		return ok && (n == 5 || n == 6)
	})
	emu.RegisterCsiHandler(ansi.Command('?', 0, 'n'), func(params ansi.Params) bool {
		n, _, ok := params.Param(0, 1)
		return ok && n == 6
	})
	emu.RegisterCsiHandler('c', func(params ansi.Params) bool {
		n, _, _ := params.Param(0, 0)
		return n == 0
	})
	emu.RegisterCsiHandler(ansi.Command('>', 0, 'c'), func(params ansi.Params) bool {
		n, _, _ := params.Param(0, 0)
		return n == 0
	})
}

func (s *Screen) readLoop() {
	defer close(s.replies)
	buf := make([]byte, 256)
	for {
		n, err := s.emu.Read(buf)
		if n > 0 {
			select {
			case s.replies <- append([]byte(nil), buf[:n]...):
			default:
				s.dropped.Add(uint64(n))
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *Screen) deliverLoop() {
	defer close(s.done)
	for b := range s.replies {
		s.slot.deliver(b)
	}
}

// Dropped returns how many reply bytes were discarded.
func (s *Screen) Dropped() uint64 { return s.dropped.Load() }

// Write implements Backend.
func (s *Screen) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	return s.emu.Write(p)
}

// SetReceiver implements Backend.
func (s *Screen) SetReceiver(r Receiver) { s.slot.set(r) }

// SendText types text into the terminal.
func (s *Screen) SendText(text string) {
	s.emu.SendText(text)
}

// Lines returns the visible screen contents with trailing blanks trimmed.
func (s *Screen) Lines() []string {
	width, height := s.emu.Width(), s.emu.Height()
	lines := make([]string, 0, height)
	for y := 0; y < height; y++ {
		var sb strings.Builder
		for x := 0; x < width; {
			cell := s.emu.CellAt(x, y)
			if cell == nil || cell.Content == "" {
				sb.WriteByte(' ')
				x++
				continue
			}
			sb.WriteString(cell.Content)
			if cell.Width > 1 {
				x += cell.Width
			} else {
				x++
			}
		}
		lines = append(lines, strings.TrimRight(sb.String(), " "))
	}
	return lines
}

// String returns the visible screen contents without trailing empty lines.
func (s *Screen) String() string {
	return strings.TrimRight(strings.Join(s.Lines(), "\n"), "\n")
}

// Close implements Backend.
func (s *Screen) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.emu.Close()
	<-s.done
	return err
}

var _ Backend = (*Screen)(nil)

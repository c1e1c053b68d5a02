// Package timeslice records the duration of device events (checkpoint save,
// restore, receive bursts) into a compact binary trace.
package timeslice

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	Magic   uint32 = 0x504c5453 // "PLTS"
	Version uint32 = 1
)

var ErrAlreadyRecording = errors.New("timeslice: already recording")

type header struct {
	Magic       uint32
	Version     uint32
	KindsLength uint32
}

type KindID uint32

const InvalidKind = KindID(0)

type KindFlags uint32

const (
	// KindSnapshot marks checkpoint save and restore events.
	KindSnapshot KindFlags = 1 << iota
	// KindIO marks guest-visible data movement.
	KindIO
)

func (f KindFlags) String() string {
	var flags []string
	if f&KindSnapshot != 0 {
		flags = append(flags, "snapshot")
	}
	if f&KindIO != 0 {
		flags = append(flags, "io")
	}
	return strings.Join(flags, ",")
}

// KindInfo names a registered event kind.
type KindInfo struct {
	Name  string    `yaml:"name"`
	Flags KindFlags `yaml:"flags"`
}

var (
	kindsMu sync.Mutex
	kinds   = make(map[KindID]KindInfo)
)

// RegisterKind allocates an identifier for an event kind. Kinds are
// normally registered from package-level variables.
func RegisterKind(name string, flags KindFlags) KindID {
	kindsMu.Lock()
	defer kindsMu.Unlock()

	id := KindID(len(kinds) + 1)
	kinds[id] = KindInfo{Name: name, Flags: flags}
	return id
}

type record struct {
	Kind     uint32
	_        uint32
	Offset   int64
	Duration int64
}

var recordSize = binary.Size(record{})

type writer struct {
	w       io.Writer
	started time.Time
	records chan record
	done    chan error
}

func (w *writer) run() {
	defer close(w.done)

	bw := bufio.NewWriterSize(w.w, 4096)
	var buf [32]byte
	for rec := range w.records {
		binary.LittleEndian.PutUint32(buf[0:4], rec.Kind)
		binary.LittleEndian.PutUint32(buf[4:8], 0)
		binary.LittleEndian.PutUint64(buf[8:16], uint64(rec.Offset))
		binary.LittleEndian.PutUint64(buf[16:24], uint64(rec.Duration))
		if _, err := bw.Write(buf[:recordSize]); err != nil {
			w.done <- err
			return
		}
	}
	w.done <- bw.Flush()
}

// Close stops recording and flushes pending records.
func (w *writer) Close() error {
	if !current.CompareAndSwap(w, nil) {
		return fmt.Errorf("timeslice: already closed")
	}
	close(w.records)
	if err := <-w.done; err != nil {
		return fmt.Errorf("timeslice: flush: %w", err)
	}
	return nil
}

var current atomic.Pointer[writer]

// Record stores one event of the given kind. It is a no-op unless a
// recording is active.
func Record(id KindID, start time.Time, duration time.Duration) {
	w := current.Load()
	if w == nil {
		return
	}
	w.records <- record{
		Kind:     uint32(id),
		Offset:   start.Sub(w.started).Nanoseconds(),
		Duration: duration.Nanoseconds(),
	}
}

// Span measures an event from now until the returned function is called.
func Span(id KindID) func() {
	if current.Load() == nil {
		return func() {}
	}
	start := time.Now()
	return func() { Record(id, start, time.Since(start)) }
}

// StartRecording writes the trace header and kind table to w and begins
// accepting records. The returned closer ends the recording.
func StartRecording(w io.Writer) (io.Closer, error) {
	if current.Load() != nil {
		return nil, ErrAlreadyRecording
	}

	kindsMu.Lock()
	table, err := yaml.Marshal(kinds)
	kindsMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("timeslice: encode kinds: %w", err)
	}

	if err := binary.Write(w, binary.LittleEndian, header{
		Magic:       Magic,
		Version:     Version,
		KindsLength: uint32(len(table)),
	}); err != nil {
		return nil, fmt.Errorf("timeslice: write header: %w", err)
	}
	if _, err := w.Write(table); err != nil {
		return nil, fmt.Errorf("timeslice: write kinds: %w", err)
	}

	wr := &writer{
		w:       w,
		started: time.Now(),
		records: make(chan record, 1024),
		done:    make(chan error, 1),
	}
	if !current.CompareAndSwap(nil, wr) {
		return nil, ErrAlreadyRecording
	}
	go wr.run()
	return wr, nil
}

// Event is one decoded record.
type Event struct {
	Kind     string
	Flags    KindFlags
	Offset   time.Duration
	Duration time.Duration
}

// ReadAllRecords decodes a trace, calling fn for every event in order.
func ReadAllRecords(r io.Reader, fn func(ev Event) error) error {
	buf := bufio.NewReaderSize(r, 4096)

	var hdr header
	if err := binary.Read(buf, binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("timeslice: read header: %w", err)
	}
	if hdr.Magic != Magic {
		return fmt.Errorf("timeslice: invalid magic %#x", hdr.Magic)
	}
	if hdr.Version != Version {
		return fmt.Errorf("timeslice: unsupported version %d", hdr.Version)
	}

	table := make([]byte, hdr.KindsLength)
	if _, err := io.ReadFull(buf, table); err != nil {
		return fmt.Errorf("timeslice: read kinds: %w", err)
	}
	var known map[KindID]KindInfo
	if err := yaml.Unmarshal(table, &known); err != nil {
		return fmt.Errorf("timeslice: decode kinds: %w", err)
	}

	for {
		var rec record
		if err := binary.Read(buf, binary.LittleEndian, &rec); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("timeslice: read record: %w", err)
		}
		kind, ok := known[KindID(rec.Kind)]
		if !ok {
			return fmt.Errorf("timeslice: unknown kind %d", rec.Kind)
		}
		if err := fn(Event{
			Kind:     kind.Name,
			Flags:    kind.Flags,
			Offset:   time.Duration(rec.Offset),
			Duration: time.Duration(rec.Duration),
		}); err != nil {
			return err
		}
	}
}

// KindSummary aggregates the events of one kind.
type KindSummary struct {
	Kind  string        `yaml:"kind"`
	Count int           `yaml:"count"`
	Total time.Duration `yaml:"total"`
	Max   time.Duration `yaml:"max"`
}

// Summarize aggregates a trace per kind, sorted by name.
func Summarize(r io.Reader) ([]KindSummary, error) {
	byKind := make(map[string]*KindSummary)
	err := ReadAllRecords(r, func(ev Event) error {
		s, ok := byKind[ev.Kind]
		if !ok {
			s = &KindSummary{Kind: ev.Kind}
			byKind[ev.Kind] = s
		}
		s.Count++
		s.Total += ev.Duration
		if ev.Duration > s.Max {
			s.Max = ev.Duration
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]KindSummary, 0, len(byKind))
	for _, s := range byKind {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out, nil
}

package timeslice

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

var (
	kindSave = RegisterKind("save", KindSnapshot)
	kindRx   = RegisterKind("rx", KindIO)
)

func captureTrace(t *testing.T, fn func()) []byte {
	t.Helper()
	var buf bytes.Buffer
	closer, err := StartRecording(&buf)
	if err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	fn()
	if err := closer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return buf.Bytes()
}

func TestRecordAndRead(t *testing.T) {
	start := time.Now()
	data := captureTrace(t, func() {
		Record(kindSave, start, 100*time.Millisecond)
		Record(kindRx, start, 200*time.Millisecond)
	})

	var seen []Event
	if err := ReadAllRecords(bytes.NewReader(data), func(ev Event) error {
		seen = append(seen, ev)
		return nil
	}); err != nil {
		t.Fatalf("ReadAllRecords: %v", err)
	}
	if len(seen) != 2 {
		t.Fatalf("expected 2 records, got %d", len(seen))
	}
	if seen[0].Kind != "save" || seen[0].Flags != KindSnapshot || seen[0].Duration != 100*time.Millisecond {
		t.Fatalf("unexpected first event %+v", seen[0])
	}
	if seen[1].Kind != "rx" || seen[1].Flags != KindIO {
		t.Fatalf("unexpected second event %+v", seen[1])
	}
}

func TestRecordWithoutRecordingIsNoop(t *testing.T) {
	Record(kindSave, time.Now(), time.Second)
	Span(kindRx)()
}

func TestDoubleStart(t *testing.T) {
	var buf bytes.Buffer
	closer, err := StartRecording(&buf)
	if err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	defer closer.Close()

	if _, err := StartRecording(&buf); !errors.Is(err, ErrAlreadyRecording) {
		t.Fatalf("expected ErrAlreadyRecording, got %v", err)
	}
}

func TestSummarize(t *testing.T) {
	start := time.Now()
	data := captureTrace(t, func() {
		Record(kindRx, start, 10*time.Millisecond)
		Record(kindRx, start, 30*time.Millisecond)
		Record(kindSave, start, 5*time.Millisecond)
	})

	summary, err := Summarize(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if len(summary) != 2 {
		t.Fatalf("expected 2 kinds, got %d", len(summary))
	}
	rx := summary[0]
	if rx.Kind != "rx" || rx.Count != 2 || rx.Total != 40*time.Millisecond || rx.Max != 30*time.Millisecond {
		t.Fatalf("unexpected rx summary %+v", rx)
	}
	if summary[1].Kind != "save" || summary[1].Count != 1 {
		t.Fatalf("unexpected save summary %+v", summary[1])
	}
}

func TestBadMagic(t *testing.T) {
	data := captureTrace(t, func() {})
	data[0] ^= 0xff
	if err := ReadAllRecords(bytes.NewReader(data), func(Event) error { return nil }); err == nil {
		t.Fatal("expected error for corrupted magic")
	}
}

func BenchmarkRecord(b *testing.B) {
	var buf bytes.Buffer
	closer, err := StartRecording(&buf)
	if err != nil {
		b.Fatalf("StartRecording: %v", err)
	}
	defer closer.Close()

	start := time.Now()
	for b.Loop() {
		Record(kindRx, start, time.Microsecond)
	}
}

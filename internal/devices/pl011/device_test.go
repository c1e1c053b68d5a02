package pl011

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tinyrange/pl011/internal/chardev"
	"github.com/tinyrange/pl011/internal/chipset"
	"github.com/tinyrange/pl011/internal/hv"
	"github.com/tinyrange/pl011/internal/vmstate"
)

type countingLocker struct {
	mu    sync.Mutex
	locks int
	held  bool
}

func (l *countingLocker) Lock() {
	l.mu.Lock()
	l.locks++
	l.held = true
}

func (l *countingLocker) Unlock() {
	l.held = false
	l.mu.Unlock()
}

func write32(t *testing.T, d *Device, off Offset, value uint32) {
	t.Helper()
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	if err := d.WriteMMIO(d.Base()+uint64(off), buf[:]); err != nil {
		t.Fatalf("WriteMMIO(%#x): %v", off, err)
	}
}

func read32(t *testing.T, d *Device, off Offset) uint32 {
	t.Helper()
	var buf [4]byte
	if err := d.ReadMMIO(d.Base()+uint64(off), buf[:]); err != nil {
		t.Fatalf("ReadMMIO(%#x): %v", off, err)
	}
	return binary.LittleEndian.Uint32(buf[:])
}

func newTestDevice(t *testing.T, opts Options) (*Device, *testBackend, *testLine) {
	t.Helper()
	backend := &testBackend{}
	line := &testLine{}
	opts.Backend = backend
	opts.IRQ = line
	d := New(DefaultBase, opts)
	if err := d.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	write32(t, d, RegLCRH, LCRFIFOEnable|LCRWordLenMask)
	write32(t, d, RegCR, CREnable|CRTXE|CRRXE)
	return d, backend, line
}

func TestDeviceMMIO(t *testing.T) {
	d, backend, line := newTestDevice(t, DefaultOptions())

	write32(t, d, RegIMSC, IntRX)
	write32(t, d, RegIFLS, 0)
	for _, b := range []byte("ok") {
		write32(t, d, RegDR, uint32(b))
	}
	if backend.out.String() != "ok" {
		t.Fatalf("backend output = %q", backend.out.String())
	}

	backend.receiver.Receive([]byte("in"))
	if !line.level {
		t.Fatal("RX interrupt not raised at trigger 2")
	}
	if got := read32(t, d, RegDR); got != 'i' {
		t.Fatalf("DR = %q, want 'i'", got)
	}
	if got := read32(t, d, RegFR); got&FlagRXFE != 0 {
		t.Fatalf("FR = %#x, want data pending", got)
	}
	if got := read32(t, d, RegPeriphID0); got != 0x11 {
		t.Fatalf("PeriphID0 = %#x", got)
	}
}

func TestDeviceByteAccess(t *testing.T) {
	d, _, _ := newTestDevice(t, DefaultOptions())
	d.Receive([]byte{'x'})

	b := make([]byte, 1)
	if err := d.ReadMMIO(d.Base()+uint64(RegDR), b); err != nil {
		t.Fatalf("ReadMMIO: %v", err)
	}
	if b[0] != 'x' {
		t.Fatalf("byte read = %q", b[0])
	}

	h := make([]byte, 2)
	if err := d.ReadMMIO(d.Base()+uint64(RegCR), h); err != nil {
		t.Fatalf("ReadMMIO: %v", err)
	}
	if got := uint32(binary.LittleEndian.Uint16(h)); got != CREnable|CRTXE|CRRXE {
		t.Fatalf("CR halfword = %#x", got)
	}
}

func TestDeviceBusErrors(t *testing.T) {
	d, _, _ := newTestDevice(t, DefaultOptions())

	if err := d.ReadMMIO(d.Base()+DefaultSize, make([]byte, 4)); err == nil {
		t.Fatal("expected error outside the window")
	}
	if err := d.WriteMMIO(d.Base(), make([]byte, 8)); err == nil {
		t.Fatal("expected error for 8-byte access")
	}

	before := d.Registers()
	if err := d.WriteMMIO(d.Base()+uint64(RegCR)+1, []byte{0xff}); err != nil {
		t.Fatalf("unaligned write: %v", err)
	}
	buf := []byte{0xaa, 0xaa}
	if err := d.ReadMMIO(d.Base()+uint64(RegCR)+2, buf); err != nil {
		t.Fatalf("unaligned read: %v", err)
	}
	if buf[0] != 0 || buf[1] != 0 {
		t.Fatalf("unaligned read = % x, want zeros", buf)
	}
	if d.Registers() != before {
		t.Fatal("unaligned access changed state")
	}
}

func TestDeviceStopDetachesBackend(t *testing.T) {
	d, backend, _ := newTestDevice(t, DefaultOptions())
	if backend.receiver == nil {
		t.Fatal("Start did not attach the receiver")
	}
	if err := d.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if backend.receiver != nil {
		t.Fatal("Stop did not detach the receiver")
	}
}

func TestDeviceBreak(t *testing.T) {
	d, backend, _ := newTestDevice(t, DefaultOptions())
	backend.receiver.Break()
	if got := read32(t, d, RegDR); got != DataBE {
		t.Fatalf("DR = %#x, want break", got)
	}
}

func TestDevicePollTimeout(t *testing.T) {
	now := &testClock{now: time.Unix(0, 0)}
	opts := DefaultOptions()
	opts.Now = now.Now
	d, _, line := newTestDevice(t, opts)
	write32(t, d, RegIMSC, IntRT)

	d.Receive([]byte{'a'})
	if err := d.Poll(context.Background()); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if line.level {
		t.Fatal("RT raised without idle time")
	}
	now.Advance(10 * time.Millisecond)
	if err := d.Poll(context.Background()); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if !line.level || read32(t, d, RegMIS) != IntRT {
		t.Fatal("RT not raised after idle period")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := d.Poll(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Poll with cancelled context: %v", err)
	}
}

func TestDeviceSnapshot(t *testing.T) {
	src, _, _ := newTestDevice(t, DefaultOptions())
	src.Receive([]byte("abc"))
	snap, err := src.CaptureSnapshot()
	if err != nil {
		t.Fatalf("CaptureSnapshot: %v", err)
	}

	dst, _, _ := newTestDevice(t, DefaultOptions())
	if err := dst.RestoreSnapshot(snap); err != nil {
		t.Fatalf("RestoreSnapshot: %v", err)
	}
	if dst.Registers() != src.Registers() {
		t.Fatal("registers differ after snapshot restore")
	}

	if err := dst.RestoreSnapshot(hv.DeviceSnapshot(snap[:10])); err == nil {
		t.Fatal("expected error for truncated snapshot")
	}
	if dst.Registers() != src.Registers() {
		t.Fatal("failed restore mutated the device")
	}
}

func TestDeviceSharesChipsetLock(t *testing.T) {
	lock := &countingLocker{}
	b := chipset.NewBuilder(lock)

	irqs := chipset.NewController(nil)
	opts := DefaultOptions()
	opts.IRQ = irqs.Line(33)
	d := New(DefaultBase, opts)
	if err := b.Attach("uart0", d); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	cs, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	data := make([]byte, 4)
	if err := cs.Dispatch(DefaultBase+uint64(RegFR), data, false); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if binary.LittleEndian.Uint32(data) != FlagTXFE|FlagRXFE {
		t.Fatalf("FR via chipset = % x", data)
	}
	if lock.locks == 0 {
		t.Fatal("MMIO access did not take the chipset lock")
	}

	snap, err := cs.CaptureSnapshot()
	if err != nil {
		t.Fatalf("CaptureSnapshot: %v", err)
	}
	if ids := snap.DeviceIDs(); len(ids) != 1 || ids[0] != d.DeviceId() {
		t.Fatalf("snapshot devices = %v", ids)
	}
	if err := cs.RestoreSnapshot(snap); err != nil {
		t.Fatalf("RestoreSnapshot: %v", err)
	}
	if lock.held {
		t.Fatal("lock left held")
	}
}

func TestDeviceConcurrentAccess(t *testing.T) {
	d, _, _ := newTestDevice(t, DefaultOptions())

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			d.Receive([]byte{byte(i)})
		}
	}()
	go func() {
		defer wg.Done()
		var buf [4]byte
		for i := 0; i < 1000; i++ {
			_ = d.ReadMMIO(d.Base()+uint64(RegDR), buf[:])
		}
	}()
	wg.Wait()

	r := d.Registers()
	if r.ReadCount < 0 || r.ReadCount > FIFODepth {
		t.Fatalf("read_count %d out of range", r.ReadCount)
	}
	if stats := d.Stats(); stats.RxBytes != 1000 {
		t.Fatalf("rx bytes = %d, want 1000", stats.RxBytes)
	}
}

func TestDeviceScreenRepliesDoNotBlockOutput(t *testing.T) {
	screen := chardev.NewScreen(80, 24, true)
	defer screen.Close()
	opts := DefaultOptions()
	opts.Backend = screen
	d := New(DefaultBase, opts)
	if err := d.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	write32(t, d, RegLCRH, LCRFIFOEnable|LCRWordLenMask)
	write32(t, d, RegCR, CREnable|CRTXE|CRRXE)

	done := make(chan error, 1)
	go func() {
		var err error
		for i := 0; i < 2 && err == nil; i++ {
			for _, b := range []byte("\x1b[?25$p") {
				if err = d.WriteMMIO(d.Base()+uint64(RegDR), []byte{b, 0, 0, 0}); err != nil {
					break
				}
			}
		}
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("WriteMMIO: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("DR write blocked while the terminal replied")
	}

	deadline := time.Now().Add(2 * time.Second)
	for read32(t, d, RegFR)&FlagRXFE != 0 {
		if time.Now().After(deadline) {
			t.Fatal("terminal reply never reached the receive FIFO")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestChipsetRestoreLeavesEveryDeviceOnFailure(t *testing.T) {
	b := chipset.NewBuilder(nil)
	a := New(DefaultBase, DefaultOptions())
	c := New(DefaultBase+DefaultSize, DefaultOptions())
	for name, d := range map[string]*Device{"uart0": a, "uart1": c} {
		if err := b.Attach(name, d); err != nil {
			t.Fatalf("Attach(%s): %v", name, err)
		}
	}
	cs, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	write32(t, a, RegIBRD, 42)
	write32(t, c, RegIBRD, 7)
	snap, err := cs.CaptureSnapshot()
	if err != nil {
		t.Fatalf("CaptureSnapshot: %v", err)
	}
	if err := cs.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	blob := append(hv.DeviceSnapshot(nil), snap.Devices[c.DeviceId()]...)
	blob[10] = 1 // last byte of the record version
	snap.Add(c.DeviceId(), blob)
	if err := cs.RestoreSnapshot(snap); !errors.Is(err, vmstate.ErrVersionTooOld) {
		t.Fatalf("RestoreSnapshot = %v, want ErrVersionTooOld", err)
	}
	if got := read32(t, a, RegIBRD); got != 0 {
		t.Fatalf("uart0 IBRD = %d after failed restore, want 0", got)
	}
	if got := read32(t, c, RegIBRD); got != 0 {
		t.Fatalf("uart1 IBRD = %d after failed restore, want 0", got)
	}
}

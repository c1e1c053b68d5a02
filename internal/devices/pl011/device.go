package pl011

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tinyrange/pl011/internal/chardev"
	"github.com/tinyrange/pl011/internal/chipset"
	"github.com/tinyrange/pl011/internal/hv"
	"github.com/tinyrange/pl011/internal/timeslice"
)

// Default MMIO window of the first UART on the arm64 virt machine.
const (
	DefaultBase = 0x09000000
	DefaultSize = 0x1000
)

var (
	sliceSave    = timeslice.RegisterKind("pl011_save", timeslice.KindSnapshot)
	sliceRestore = timeslice.RegisterKind("pl011_restore", timeslice.KindSnapshot)
	sliceReceive = timeslice.RegisterKind("pl011_receive", timeslice.KindIO)
)

// Device attaches a UART to the chipset bus and a character backend. All
// entry points hold the device lock, which the chipset replaces with the
// machine-wide lock on registration.
type Device struct {
	lock sync.Locker

	base uint64
	size uint64

	backend chardev.Backend
	uart    *UART
	now     func() time.Time
}

// New creates a PL011 at base.
func New(base uint64, opts Options) *Device {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Device{
		lock:    new(sync.Mutex),
		base:    base,
		size:    DefaultSize,
		backend: opts.Backend,
		uart:    NewUART(opts),
		now:     opts.Now,
	}
}

// SetLock implements chipset.Serialized.
func (d *Device) SetLock(l sync.Locker) {
	d.lock = l
}

// Start implements chipset.Device.
func (d *Device) Start() error {
	if d.backend != nil {
		d.backend.SetReceiver(d)
	}
	return nil
}

// Stop implements chipset.Device.
func (d *Device) Stop() error {
	if d.backend != nil {
		d.backend.SetReceiver(nil)
	}
	return nil
}

// Reset implements chipset.Device.
func (d *Device) Reset() error {
	d.lock.Lock()
	defer d.lock.Unlock()

	d.uart.Reset()
	return nil
}

// MMIORegions implements chipset.MMIODevice.
func (d *Device) MMIORegions() []hv.MMIORegion {
	return []hv.MMIORegion{{Address: d.base, Size: d.size}}
}

func (d *Device) offset(addr uint64, data []byte) (Offset, bool, error) {
	if len(data) == 0 || len(data) > 4 {
		return 0, false, fmt.Errorf("pl011: unsupported access size %d", len(data))
	}
	region := hv.MMIORegion{Address: d.base, Size: d.size}
	if !region.Contains(addr, len(data)) {
		return 0, false, fmt.Errorf("pl011: address 0x%x out of bounds", addr)
	}
	off := addr - d.base
	if off&3 != 0 {
		slog.Debug("pl011: unaligned access ignored", "offset", fmt.Sprintf("%#x", off), "size", len(data))
		return 0, false, nil
	}
	return Offset(off), true, nil
}

// ReadMMIO implements chipset.MMIODevice.
func (d *Device) ReadMMIO(addr uint64, data []byte) error {
	off, ok, err := d.offset(addr, data)
	if err != nil {
		return err
	}
	clear(data)
	if !ok {
		return nil
	}

	d.lock.Lock()
	value := d.uart.Read(off)
	d.lock.Unlock()

	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	copy(data, buf[:])
	return nil
}

// WriteMMIO implements chipset.MMIODevice.
func (d *Device) WriteMMIO(addr uint64, data []byte) error {
	off, ok, err := d.offset(addr, data)
	if err != nil || !ok {
		return err
	}

	var buf [4]byte
	copy(buf[:], data)
	value := binary.LittleEndian.Uint32(buf[:])

	d.lock.Lock()
	defer d.lock.Unlock()
	d.uart.Write(off, value)
	return nil
}

// Poll implements chipset.Poller. It drives the receive timeout.
func (d *Device) Poll(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.lock.Lock()
	defer d.lock.Unlock()

	d.uart.CheckReceiveTimeout(d.now())
	return nil
}

// Receive implements chardev.Receiver.
func (d *Device) Receive(p []byte) {
	done := timeslice.Span(sliceReceive)
	defer done()

	d.lock.Lock()
	defer d.lock.Unlock()
	for _, b := range p {
		d.uart.ReceiveByte(b)
	}
}

// Break implements chardev.Receiver.
func (d *Device) Break() {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.uart.ReceiveBreak()
}

// DeviceId implements hv.DeviceSnapshotter.
func (d *Device) DeviceId() string {
	return fmt.Sprintf("pl011@%x", d.base)
}

// CaptureSnapshot implements hv.DeviceSnapshotter.
func (d *Device) CaptureSnapshot() (hv.DeviceSnapshot, error) {
	done := timeslice.Span(sliceSave)
	defer done()

	d.lock.Lock()
	defer d.lock.Unlock()

	data, err := d.uart.SaveState()
	if err != nil {
		return nil, err
	}
	return hv.DeviceSnapshot(data), nil
}

// RestoreSnapshot implements hv.DeviceSnapshotter.
func (d *Device) RestoreSnapshot(snap hv.DeviceSnapshot) error {
	done := timeslice.Span(sliceRestore)
	defer done()

	d.lock.Lock()
	defer d.lock.Unlock()

	if err := d.uart.RestoreState(snap); err != nil {
		return err
	}
	slog.Debug("pl011: state restored", "device", d.DeviceId(), "read_count", d.uart.regs.ReadCount)
	return nil
}

// StageSnapshot implements hv.SnapshotStager.
func (d *Device) StageSnapshot(snap hv.DeviceSnapshot) (func(), error) {
	d.lock.Lock()
	commit, err := d.uart.PrepareState(snap)
	d.lock.Unlock()
	if err != nil {
		return nil, err
	}
	return func() {
		done := timeslice.Span(sliceRestore)
		defer done()
		commit()
		slog.Debug("pl011: state restored", "device", d.DeviceId(), "read_count", d.uart.regs.ReadCount)
	}, nil
}

// Registers returns a copy of the register file.
func (d *Device) Registers() Registers {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.uart.Registers()
}

// Stats returns the traffic counters.
func (d *Device) Stats() Stats {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.uart.Stats()
}

// BaudRate returns the programmed line rate, or 0 when unknown.
func (d *Device) BaudRate() uint64 {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.uart.BaudRate()
}

// InterruptLine reports the combined interrupt output.
func (d *Device) InterruptLine() bool {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.uart.InterruptLine()
}

// Base returns the MMIO base address.
func (d *Device) Base() uint64 {
	return d.base
}

// Size returns the MMIO region size.
func (d *Device) Size() uint64 {
	return d.size
}

var (
	_ chipset.MMIODevice   = (*Device)(nil)
	_ chipset.Poller       = (*Device)(nil)
	_ chipset.Serialized   = (*Device)(nil)
	_ chardev.Receiver     = (*Device)(nil)
	_ hv.SnapshotStager    = (*Device)(nil)
)

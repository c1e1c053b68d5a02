package chipset

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/tinyrange/pl011/internal/hv"
)

// ErrUnmapped is returned for bus accesses that no window fully contains.
var ErrUnmapped = errors.New("chipset: unmapped access")

// Chipset is a fixed set of devices sharing one bus and one lock.
// Devices are visited in name order.
type Chipset struct {
	lock    sync.Locker
	order   []string
	devices map[string]Device
	windows []window
	pollers []Poller
}

// Lock returns the lock shared by serialized devices.
func (c *Chipset) Lock() sync.Locker { return c.lock }

// Device looks up an attached device.
func (c *Chipset) Device(name string) (Device, bool) {
	dev, ok := c.devices[name]
	return dev, ok
}

// Start starts every device.
func (c *Chipset) Start() error {
	return c.each("start", Device.Start)
}

// Stop stops every device.
func (c *Chipset) Stop() error {
	return c.each("stop", Device.Stop)
}

// Reset resets every device.
func (c *Chipset) Reset() error {
	return c.each("reset", Device.Reset)
}

func (c *Chipset) each(op string, fn func(Device) error) error {
	for _, name := range c.order {
		if err := fn(c.devices[name]); err != nil {
			return fmt.Errorf("chipset: %s %s: %w", op, name, err)
		}
	}
	return nil
}

// Dispatch routes a guest access of len(data) bytes at addr to the device
// owning it.
func (c *Chipset) Dispatch(addr uint64, data []byte, write bool) error {
	i := sort.Search(len(c.windows), func(i int) bool {
		return c.windows[i].end() > addr
	})
	if i == len(c.windows) || !c.windows[i].Contains(addr, len(data)) {
		return fmt.Errorf("%w: %#x/%d", ErrUnmapped, addr, len(data))
	}
	if write {
		return c.windows[i].dev.WriteMMIO(addr, data)
	}
	return c.windows[i].dev.ReadMMIO(addr, data)
}

// Poll runs every Poller once.
func (c *Chipset) Poll(ctx context.Context) error {
	for _, p := range c.pollers {
		if err := p.Poll(ctx); err != nil {
			return err
		}
	}
	return nil
}

// CaptureSnapshot gathers the state of every snapshottable device.
func (c *Chipset) CaptureSnapshot() (*hv.Snapshot, error) {
	snap := hv.NewSnapshot()
	err := c.eachSnapshotter(func(name string, s hv.DeviceSnapshotter) error {
		blob, err := s.CaptureSnapshot()
		if err != nil {
			return fmt.Errorf("chipset: capture %s: %w", name, err)
		}
		snap.Add(s.DeviceId(), blob)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// RestoreSnapshot loads every snapshottable device from snap. A device
// absent from snap is an error. Either every device is restored or none is:
// stagers are validated first and committed together under the chipset
// lock, other devices are rolled back when a later one fails.
func (c *Chipset) RestoreSnapshot(snap *hv.Snapshot) error {
	var (
		commits []func()
		plain   []pendingRestore
	)
	err := c.eachSnapshotter(func(name string, s hv.DeviceSnapshotter) error {
		blob, err := snap.Device(s.DeviceId())
		if err != nil {
			return fmt.Errorf("chipset: restore %s: %w", name, err)
		}
		st, ok := s.(hv.SnapshotStager)
		if !ok {
			plain = append(plain, pendingRestore{name: name, dev: s, blob: blob})
			return nil
		}
		commit, err := st.StageSnapshot(blob)
		if err != nil {
			return fmt.Errorf("chipset: restore %s: %w", name, err)
		}
		commits = append(commits, commit)
		return nil
	})
	if err != nil {
		return err
	}
	if err := restoreWithRollback(plain); err != nil {
		return err
	}

	c.lock.Lock()
	defer c.lock.Unlock()
	for _, commit := range commits {
		commit()
	}
	return nil
}

type pendingRestore struct {
	name       string
	dev        hv.DeviceSnapshotter
	blob, prev hv.DeviceSnapshot
}

func restoreWithRollback(list []pendingRestore) error {
	for i := range list {
		p := &list[i]
		prev, err := p.dev.CaptureSnapshot()
		if err == nil {
			err = p.dev.RestoreSnapshot(p.blob)
		}
		if err != nil {
			for j := i - 1; j >= 0; j-- {
				if rerr := list[j].dev.RestoreSnapshot(list[j].prev); rerr != nil {
					slog.Warn("chipset: rollback failed", "device", list[j].name, "err", rerr)
				}
			}
			return fmt.Errorf("chipset: restore %s: %w", p.name, err)
		}
		p.prev = prev
	}
	return nil
}

func (c *Chipset) eachSnapshotter(fn func(string, hv.DeviceSnapshotter) error) error {
	for _, name := range c.order {
		if s, ok := c.devices[name].(hv.DeviceSnapshotter); ok {
			if err := fn(name, s); err != nil {
				return err
			}
		}
	}
	return nil
}

package chipset

import (
	"fmt"
	"sort"
	"sync"

	"github.com/tinyrange/pl011/internal/hv"
)

// Builder collects devices and checks their bus layout.
type Builder struct {
	lock    sync.Locker
	devices map[string]Device
	windows []window
}

// NewBuilder starts a chipset whose devices serialize on lock. A nil lock
// selects a fresh mutex.
func NewBuilder(lock sync.Locker) *Builder {
	if lock == nil {
		lock = new(sync.Mutex)
	}
	return &Builder{lock: lock, devices: make(map[string]Device)}
}

// Attach adds dev under a unique name and claims its MMIO windows.
func (b *Builder) Attach(name string, dev Device) error {
	switch {
	case name == "":
		return fmt.Errorf("chipset: empty device name")
	case dev == nil:
		return fmt.Errorf("chipset: device %q is nil", name)
	}
	if _, dup := b.devices[name]; dup {
		return fmt.Errorf("chipset: device %q attached twice", name)
	}

	if m, ok := dev.(MMIODevice); ok {
		claimed := len(b.windows)
		for _, r := range m.MMIORegions() {
			if err := b.claim(name, m, r); err != nil {
				b.windows = b.windows[:claimed]
				return err
			}
		}
	}
	if s, ok := dev.(Serialized); ok {
		s.SetLock(b.lock)
	}
	b.devices[name] = dev
	return nil
}

func (b *Builder) claim(name string, dev MMIODevice, r hv.MMIORegion) error {
	if r.Size == 0 || r.Address+r.Size < r.Address {
		return fmt.Errorf("chipset: %s: bad window %#x+%#x", name, r.Address, r.Size)
	}
	for _, w := range b.windows {
		if r.Address < w.end() && w.Address < r.Address+r.Size {
			return fmt.Errorf("chipset: %s window %#x+%#x overlaps %s window %#x+%#x",
				name, r.Address, r.Size, w.owner, w.Address, w.Size)
		}
	}
	b.windows = append(b.windows, window{MMIORegion: r, owner: name, dev: dev})
	return nil
}

// Build freezes the layout. The builder must not be reused.
func (b *Builder) Build() (*Chipset, error) {
	if len(b.devices) == 0 {
		return nil, fmt.Errorf("chipset: no devices attached")
	}
	c := &Chipset{
		lock:    b.lock,
		devices: b.devices,
		windows: b.windows,
	}
	for name := range b.devices {
		c.order = append(c.order, name)
	}
	sort.Strings(c.order)
	sort.Slice(c.windows, func(i, j int) bool {
		return c.windows[i].Address < c.windows[j].Address
	})
	for _, name := range c.order {
		if p, ok := b.devices[name].(Poller); ok {
			c.pollers = append(c.pollers, p)
		}
	}
	b.devices, b.windows = nil, nil
	return c, nil
}

type window struct {
	hv.MMIORegion
	owner string
	dev   MMIODevice
}

func (w window) end() uint64 { return w.Address + w.Size }

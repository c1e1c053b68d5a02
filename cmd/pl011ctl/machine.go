package main

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/pl011/internal/chardev"
	"github.com/tinyrange/pl011/internal/chipset"
	"github.com/tinyrange/pl011/internal/clock"
	"github.com/tinyrange/pl011/internal/config"
	"github.com/tinyrange/pl011/internal/devices/pl011"
)

// port is one instantiated serial device.
type port struct {
	cfg     config.Serial
	dev     *pl011.Device
	backend chardev.Backend
	clk     *clock.Clock
}

// machine is a chipset holding the configured serial ports.
type machine struct {
	chipset *chipset.Chipset
	irqs    *chipset.Controller
	ports   []*port
}

// backendOpener returns the backend for a port.
type backendOpener func(s config.Serial) (chardev.Backend, error)

func openConfigured(s config.Serial) (chardev.Backend, error) {
	return chardev.Open(chardev.Kind(s.Chardev), chardev.OpenOptions{Paced: s.Paced, Path: s.ChardevPath})
}

func buildMachine(m config.Machine, open backendOpener) (*machine, error) {
	irqs := chipset.NewController(func(irq uint8, high bool) {
		slog.Debug("pl011ctl: irq", "line", irq, "level", high)
	})
	b := chipset.NewBuilder(nil)
	mach := &machine{irqs: irqs}

	for _, s := range m.Serial {
		opts, err := s.Options()
		if err != nil {
			mach.closeBackends()
			return nil, fmt.Errorf("%s: %w", s.Name, err)
		}
		backend, err := open(s)
		if err != nil {
			mach.closeBackends()
			return nil, fmt.Errorf("%s: open %s backend: %w", s.Name, s.Chardev, err)
		}
		clk := clock.NewHz(s.Name+".uartclk", s.ClockHz)
		opts.Backend = backend
		opts.Clock = clk
		opts.IRQ = irqs.Line(s.IRQ)

		p := &port{cfg: s, dev: pl011.New(s.Base, opts), backend: backend, clk: clk}
		mach.ports = append(mach.ports, p)
		if err := b.Attach(s.Name, p.dev); err != nil {
			mach.closeBackends()
			return nil, err
		}
	}

	cs, err := b.Build()
	if err != nil {
		mach.closeBackends()
		return nil, err
	}
	mach.chipset = cs
	return mach, nil
}

func (m *machine) closeBackends() {
	for _, p := range m.ports {
		if err := p.backend.Close(); err != nil {
			slog.Warn("pl011ctl: close backend", "port", p.cfg.Name, "err", err)
		}
	}
}

func (m *machine) close() error {
	err := m.chipset.Stop()
	m.closeBackends()
	return err
}

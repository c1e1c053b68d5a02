package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tinyrange/pl011/internal/chardev"
	"github.com/tinyrange/pl011/internal/config"
	"github.com/tinyrange/pl011/internal/hv"
	"github.com/tinyrange/pl011/internal/timeslice"
)

func loadMachineConfig(path, chardevOverride, chardevPath string) (config.Machine, error) {
	cfg := config.Default()
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return config.Machine{}, err
		}
	}
	if chardevOverride != "" {
		cfg.Serial[0].Chardev = chardevOverride
		cfg.Serial[0].ChardevPath = chardevPath
		if err := cfg.Validate(); err != nil {
			return config.Machine{}, err
		}
	}
	return cfg, nil
}

func startTimeslice(path string) (func(), error) {
	if path == "" {
		return func() {}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create timeslice file: %w", err)
	}
	rec, err := timeslice.StartRecording(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return func() {
		if err := rec.Close(); err != nil {
			slog.Warn("pl011ctl: close timeslice recording", "err", err)
		}
		f.Close()
	}, nil
}

func runConsole(args []string) error {
	fs, debug := newFlagSet("console", "Run a polled console guest on the first configured serial port.\nCtrl-A x quits and Ctrl-A b sends a break on the stdio backend.")
	configPath := fs.String("config", "", "Machine config file (YAML)")
	chardevKind := fs.String("chardev", "", "Override the first port's backend (null, stdio, pty, screen, log, buffer, host)")
	chardevPath := fs.String("chardev-path", "", "Device path for the host backend")
	listPorts := fs.Bool("list-host-ports", false, "List host serial ports and exit")
	baud := fs.Uint64("baud", 115200, "Baud rate programmed by the guest")
	restorePath := fs.String("restore", "", "Restore device state from a snapshot file instead of programming the port")
	savePath := fs.String("save", "", "Write a snapshot file on exit")
	timesliceFile := fs.String("timeslice-file", "", "Write timeslice data to file")
	pollInterval := fs.Duration("poll-interval", time.Millisecond, "Guest polling interval")
	duration := fs.Duration("duration", 0, "Exit after this long (0 runs until quit)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	setupLogging(*debug)

	if *listPorts {
		ports, err := chardev.HostPorts()
		if err != nil {
			return err
		}
		for _, p := range ports {
			fmt.Println(p)
		}
		return nil
	}

	cfg, err := loadMachineConfig(*configPath, *chardevKind, *chardevPath)
	if err != nil {
		return err
	}

	stopTrace, err := startTimeslice(*timesliceFile)
	if err != nil {
		return err
	}
	defer stopTrace()

	var quit <-chan struct{}
	var screen *chardev.Screen
	open := func(s config.Serial) (chardev.Backend, error) {
		b, err := openConfigured(s)
		if err != nil {
			return nil, err
		}
		var inner chardev.Backend = b
		if p, ok := b.(*chardev.Paced); ok {
			inner = p.Inner()
		}
		switch v := inner.(type) {
		case *chardev.Stdio:
			if quit == nil {
				quit = v.Quit()
			}
		case *chardev.Screen:
			if screen == nil {
				screen = v
			}
		case *chardev.PTY:
			fmt.Fprintf(os.Stderr, "%s: attach to %s\n", s.Name, v.Path())
		case *chardev.Host:
			fmt.Fprintf(os.Stderr, "%s: connected to %s\n", s.Name, v.Path())
		}
		return b, nil
	}

	mach, err := buildMachine(cfg, open)
	if err != nil {
		return err
	}
	defer func() {
		if err := mach.close(); err != nil {
			slog.Warn("pl011ctl: stop machine", "err", err)
		}
	}()

	if err := mach.chipset.Start(); err != nil {
		return fmt.Errorf("start chipset: %w", err)
	}

	first := mach.ports[0]
	g := newGuest(mach.chipset, first.cfg.Base, first.cfg.ClockHz, *baud)
	if *restorePath != "" {
		snap, err := hv.LoadSnapshot(*restorePath)
		if err != nil {
			return err
		}
		if err := mach.chipset.RestoreSnapshot(snap); err != nil {
			return err
		}
		slog.Info("pl011ctl: restored", "path", *restorePath, "devices", len(snap.Devices))
		if err := g.puts("\n" + guestPrompt); err != nil {
			return err
		}
	} else {
		if err := g.setup(); err != nil {
			return err
		}
		if err := g.banner(); err != nil {
			return err
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if *duration > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, *duration)
		defer cancelTimeout()
	}

	runErr := runGuest(ctx, mach, g, quit, *pollInterval)

	if *savePath != "" {
		snap, err := mach.chipset.CaptureSnapshot()
		if err != nil {
			return err
		}
		if err := hv.SaveSnapshot(*savePath, snap, true); err != nil {
			return err
		}
		slog.Info("pl011ctl: saved", "path", *savePath, "devices", len(snap.Devices))
	}
	if screen != nil {
		fmt.Println(screen.String())
	}
	for _, p := range mach.ports {
		st := p.dev.Stats()
		slog.Info("pl011ctl: port stats", "port", p.cfg.Name, "tx", st.TxBytes, "rx", st.RxBytes, "dropped", st.Dropped, "overruns", st.Overruns, "irqs", mach.irqs.Edges(p.cfg.IRQ))
	}
	return runErr
}

// runGuest polls the chipset and the guest until ctx ends or quit closes.
func runGuest(ctx context.Context, mach *machine, g *guest, quit <-chan struct{}, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-quit:
			return nil
		case <-ticker.C:
		}
		if err := mach.chipset.Poll(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
		if _, err := g.step(); err != nil {
			return fmt.Errorf("guest: %w", err)
		}
	}
}

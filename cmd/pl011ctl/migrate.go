package main

import (
	"bytes"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/tinyrange/pl011/internal/chardev"
	"github.com/tinyrange/pl011/internal/config"
	"github.com/tinyrange/pl011/internal/hv"
	"github.com/tinyrange/pl011/internal/migration"
	"golang.org/x/net/netutil"
)

func runMigrate(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: %s migrate send|recv [flags]", os.Args[0])
	}
	switch args[0] {
	case "send":
		return runMigrateSend(args[1:])
	case "recv":
		return runMigrateRecv(args[1:])
	default:
		return fmt.Errorf("unknown migrate mode %q (want send or recv)", args[0])
	}
}

func runMigrateSend(args []string) error {
	fs, debug := newFlagSet("migrate send", "Stream the devices of a snapshot file to a waiting receiver.")
	addr := fs.String("addr", "127.0.0.1:4444", "Receiver address")
	in := fs.String("snapshot", "", "Snapshot file to send")
	timeout := fs.Duration("timeout", 10*time.Second, "Dial timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}
	setupLogging(*debug)
	if *in == "" {
		fs.Usage()
		return fmt.Errorf("-snapshot is required")
	}

	snap, err := hv.LoadSnapshot(*in)
	if err != nil {
		return err
	}
	total := 0
	for _, state := range snap.Devices {
		total += len(state)
	}

	conn, err := net.DialTimeout("tcp", *addr, *timeout)
	if err != nil {
		return fmt.Errorf("dial %s: %w", *addr, err)
	}
	defer conn.Close()

	bar := progressbar.DefaultBytes(int64(total), "migrating")
	err = migration.Send(conn, snap, func(n int) { _ = bar.Add(n) })
	_ = bar.Finish()
	if err != nil {
		return err
	}
	slog.Info("pl011ctl: migration complete", "addr", *addr, "devices", len(snap.Devices), "bytes", total)
	return nil
}

func runMigrateRecv(args []string) error {
	fs, debug := newFlagSet("migrate recv", "Accept one migration stream, restore it into the configured machine and save it.")
	listen := fs.String("listen", "127.0.0.1:4444", "Listen address")
	configPath := fs.String("config", "", "Machine config file (YAML) the state is restored into")
	out := fs.String("out", "", "Write the received snapshot to this file")
	dump := fs.Bool("dump", false, "Print the received records as YAML")
	if err := fs.Parse(args); err != nil {
		return err
	}
	setupLogging(*debug)

	cfg, err := loadMachineConfig(*configPath, "", "")
	if err != nil {
		return err
	}
	// The restored machine only validates the incoming state.
	mach, err := buildMachine(cfg, func(config.Serial) (chardev.Backend, error) {
		return chardev.Null{}, nil
	})
	if err != nil {
		return err
	}
	defer mach.close()

	ln, err := net.Listen("tcp", *listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", *listen, err)
	}
	ln = netutil.LimitListener(ln, 1)
	defer ln.Close()
	slog.Info("pl011ctl: waiting for migration", "addr", ln.Addr())

	conn, err := ln.Accept()
	if err != nil {
		return fmt.Errorf("accept: %w", err)
	}
	defer conn.Close()
	slog.Info("pl011ctl: migration source connected", "remote", conn.RemoteAddr())

	snap, err := migration.Receive(conn, mach.chipset.RestoreSnapshot)
	if err != nil {
		return err
	}
	slog.Info("pl011ctl: migration restored", "devices", len(snap.Devices))

	if *out != "" {
		if err := hv.SaveSnapshot(*out, snap, true); err != nil {
			return err
		}
	}
	if *dump {
		var buf bytes.Buffer
		if err := hv.WriteSnapshot(&buf, snap, false); err != nil {
			return err
		}
		report, err := inspect("migration", buf.Bytes())
		if err != nil {
			return err
		}
		return writeYAML(os.Stdout, report)
	}
	return nil
}

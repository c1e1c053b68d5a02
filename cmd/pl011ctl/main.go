// Command pl011ctl drives PL011 serial ports outside a full machine: an
// interactive console, checkpoint inspection, live migration of device
// state and trace summaries.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
)

type command struct {
	name  string
	usage string
	run   func(args []string) error
}

var commands = []command{
	{"console", "run a console guest against a serial backend", runConsole},
	{"inspect", "decode a checkpoint or snapshot file to YAML", runInspect},
	{"migrate", "send or receive device state over TCP", runMigrate},
	{"trace", "print events recorded with -timeslice-file", runTrace},
	{"config", "print the effective machine config", runConfig},
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s <command> [flags]\n\nCommands:\n", os.Args[0])
	for _, c := range commands {
		fmt.Fprintf(os.Stderr, "  %-8s %s\n", c.name, c.usage)
	}
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	name, args := os.Args[1], os.Args[2:]
	if name == "-h" || name == "-help" || name == "help" {
		usage()
		return
	}
	for _, c := range commands {
		if c.name != name {
			continue
		}
		if err := c.run(args); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}
	fmt.Fprintf(os.Stderr, "unknown command %q\n\n", name)
	usage()
	os.Exit(2)
}

// newFlagSet returns a flag set with the flags every command shares.
func newFlagSet(name, summary string) (*flag.FlagSet, *bool) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	debug := fs.Bool("debug", false, "Enable debug logging")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s %s [flags]\n\n%s\n\nFlags:\n", os.Args[0], name, summary)
		fs.PrintDefaults()
	}
	return fs, debug
}

func setupLogging(debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

package main

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/google/shlex"
	"github.com/tinyrange/pl011/internal/chipset"
	"github.com/tinyrange/pl011/internal/devices/pl011"
)

const guestPrompt = "pl011> "

// guest is a polled-mode console program that talks to a PL011 through
// MMIO, the way a boot loader would.
type guest struct {
	bus     *chipset.Chipset
	base    uint64
	clockHz uint64
	baud    uint64

	line []byte
}

func newGuest(bus *chipset.Chipset, base, clockHz, baud uint64) *guest {
	return &guest{bus: bus, base: base, clockHz: clockHz, baud: baud}
}

func (g *guest) read(off pl011.Offset) (uint32, error) {
	var buf [4]byte
	if err := g.bus.Dispatch(g.base+uint64(off), buf[:], false); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func (g *guest) write(off pl011.Offset, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return g.bus.Dispatch(g.base+uint64(off), buf[:], true)
}

// divisors returns IBRD and FBRD for the requested baud rate, rounding the
// 6-bit fraction to nearest.
func divisors(clockHz, baud uint64) (uint32, uint32) {
	div := (clockHz*4 + baud/2) / baud
	return uint32(div >> 6), uint32(div & 0x3f)
}

// setup programs the line for 8N1 with FIFOs and enables the port.
func (g *guest) setup() error {
	ibrd, fbrd := divisors(g.clockHz, g.baud)
	steps := []struct {
		off pl011.Offset
		val uint32
	}{
		{pl011.RegCR, 0},
		{pl011.RegICR, 0x7ff},
		{pl011.RegIBRD, ibrd},
		{pl011.RegFBRD, fbrd},
		{pl011.RegLCRH, pl011.LCRFIFOEnable | pl011.LCRWordLenMask},
		{pl011.RegIMSC, pl011.IntRX | pl011.IntRT},
		{pl011.RegCR, pl011.CREnable | pl011.CRTXE | pl011.CRRXE},
	}
	for _, s := range steps {
		if err := g.write(s.off, s.val); err != nil {
			return fmt.Errorf("guest: write %#x: %w", s.off, err)
		}
	}
	return nil
}

func (g *guest) puts(s string) error {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			if err := g.write(pl011.RegDR, '\r'); err != nil {
				return err
			}
		}
		if err := g.write(pl011.RegDR, uint32(s[i])); err != nil {
			return err
		}
	}
	return nil
}

// banner prints the greeting shown after setup or restore.
func (g *guest) banner() error {
	return g.puts("PL011 console. Type 'help' for commands.\n" + guestPrompt)
}

// step drains the receive FIFO and handles each character. It reports
// whether any input was consumed.
func (g *guest) step() (bool, error) {
	consumed := false
	for {
		fr, err := g.read(pl011.RegFR)
		if err != nil {
			return consumed, err
		}
		if fr&pl011.FlagRXFE != 0 {
			return consumed, nil
		}
		dr, err := g.read(pl011.RegDR)
		if err != nil {
			return consumed, err
		}
		consumed = true
		if err := g.handle(dr); err != nil {
			return consumed, err
		}
	}
}

func (g *guest) handle(dr uint32) error {
	if dr&pl011.DataBE != 0 {
		g.line = g.line[:0]
		if err := g.write(pl011.RegRSR, 0); err != nil {
			return err
		}
		return g.puts("<break>\n" + guestPrompt)
	}

	c := byte(dr)
	switch c {
	case '\r', '\n':
		cmd := strings.TrimSpace(string(g.line))
		g.line = g.line[:0]
		if err := g.puts("\n"); err != nil {
			return err
		}
		if err := g.exec(cmd); err != nil {
			return err
		}
		return g.puts(guestPrompt)
	case 0x7f, '\b':
		if len(g.line) == 0 {
			return nil
		}
		g.line = g.line[:len(g.line)-1]
		return g.puts("\b \b")
	default:
		if c < 0x20 {
			return nil
		}
		g.line = append(g.line, c)
		return g.write(pl011.RegDR, uint32(c))
	}
}

func (g *guest) exec(line string) error {
	args, err := shlex.Split(line)
	if err != nil {
		return g.puts(fmt.Sprintf("parse error: %v\n", err))
	}
	if len(args) == 0 {
		return nil
	}
	switch cmd := args[0]; cmd {
	case "echo":
		return g.puts(strings.Join(args[1:], " ") + "\n")
	case "help":
		return g.puts("help      this text\nbaud      show the programmed baud rate\nregs      dump status registers\necho ARGS print ARGS\n")
	case "baud":
		ibrd, err := g.read(pl011.RegIBRD)
		if err != nil {
			return err
		}
		fbrd, err := g.read(pl011.RegFBRD)
		if err != nil {
			return err
		}
		div := uint64(ibrd)<<6 | uint64(fbrd)
		if div == 0 {
			return g.puts("baud: divisor not programmed\n")
		}
		return g.puts(fmt.Sprintf("baud: %d (ibrd=%d fbrd=%d)\n", (g.clockHz/div)<<2, ibrd, fbrd))
	case "regs":
		var sb strings.Builder
		for _, r := range []struct {
			name string
			off  pl011.Offset
		}{
			{"FR", pl011.RegFR}, {"RSR", pl011.RegRSR}, {"LCRH", pl011.RegLCRH},
			{"CR", pl011.RegCR}, {"IFLS", pl011.RegIFLS}, {"IMSC", pl011.RegIMSC},
			{"RIS", pl011.RegRIS}, {"MIS", pl011.RegMIS},
		} {
			v, err := g.read(r.off)
			if err != nil {
				return err
			}
			fmt.Fprintf(&sb, "%-5s %#06x\n", r.name, v)
		}
		return g.puts(sb.String())
	default:
		return g.puts(fmt.Sprintf("unknown command %q\n", cmd))
	}
}

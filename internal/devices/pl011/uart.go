// Package pl011 implements the ARM PrimeCell PL011 UART.
//
// UART is the register-level state machine. It does no locking and never
// blocks; Device wraps it for the chipset and serializes every entry point.
package pl011

import (
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/tinyrange/pl011/internal/chardev"
	"github.com/tinyrange/pl011/internal/chipset"
	"github.com/tinyrange/pl011/internal/clock"
)

// Variant selects the PrimeCell identification values.
type Variant int

const (
	VariantARM Variant = iota
	VariantLuminary
)

var (
	idARM      = [8]uint32{0x11, 0x10, 0x14, 0x00, 0x0d, 0xf0, 0x05, 0xb1}
	idLuminary = [8]uint32{0x11, 0x00, 0x18, 0x01, 0x0d, 0xf0, 0x05, 0xb1}
)

func (v Variant) String() string {
	switch v {
	case VariantARM:
		return "arm"
	case VariantLuminary:
		return "luminary"
	default:
		return fmt.Sprintf("Variant(%d)", int(v))
	}
}

func (v Variant) id() *[8]uint32 {
	if v == VariantLuminary {
		return &idLuminary
	}
	return &idARM
}

// Line rate assumed until the guest programs a divisor.
const defaultBaud = 115200

// Stats counts traffic through the UART.
type Stats struct {
	TxBytes  uint64
	RxBytes  uint64
	Dropped  uint64
	Overruns uint64
}

// Options configures a UART.
type Options struct {
	// Backend receives transmitted bytes. Nil discards output.
	Backend chardev.Backend
	// Clock is the reference clock feeding the baud rate generator.
	Clock *clock.Clock
	// IRQ is driven with the combined interrupt output.
	IRQ chipset.Line

	Variant       Variant
	TriggerPolicy TriggerPolicy
	OverrunPolicy OverrunPolicy

	// MigrateClock includes the reference clock state in checkpoints.
	MigrateClock bool

	// Now overrides the time source for the receive timeout.
	Now func() time.Time
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{MigrateClock: true}
}

// UART is the PL011 register state machine.
type UART struct {
	regs Registers

	backend       chardev.Backend
	clk           *clock.Clock
	irq           chipset.Line
	variant       Variant
	triggerPolicy TriggerPolicy
	overrunPolicy OverrunPolicy
	migrateClock  bool
	now           func() time.Time

	// clockState stages the reference clock across save and load.
	clockState clock.State

	clockDirty    atomic.Bool
	charTime      time.Duration
	charTimeValid bool

	lastRx       time.Time
	timeoutArmed bool
	dmaWarned    bool
	stats        Stats
}

// NewUART returns a UART in its reset state.
func NewUART(opts Options) *UART {
	u := &UART{
		backend:       opts.Backend,
		clk:           opts.Clock,
		irq:           opts.IRQ,
		variant:       opts.Variant,
		triggerPolicy: opts.TriggerPolicy,
		overrunPolicy: opts.OverrunPolicy,
		migrateClock:  opts.MigrateClock,
		now:           opts.Now,
		clockState:    clock.State{Multiplier: 1, Divider: 1},
	}
	if u.irq == nil {
		u.irq = chipset.NoLine()
	}
	if u.now == nil {
		u.now = time.Now
	}
	if u.clk != nil {
		u.clk.OnUpdate(func() { u.clockDirty.Store(true) })
	}
	u.Reset()
	return u
}

// Reset returns the registers to their power-on values and lowers the
// interrupt line.
func (u *UART) Reset() {
	u.regs.Reset()
	u.regs.ReadTrigger = u.regs.TriggerFor(u.triggerPolicy)
	u.regs.UpdateRXLevel()
	u.charTimeValid = false
	u.timeoutArmed = false
	u.lastRx = time.Time{}
	u.updateInterrupt()
}

// Registers returns a copy of the register file.
func (u *UART) Registers() Registers { return u.regs }

// Stats returns the traffic counters.
func (u *UART) Stats() Stats { return u.stats }

// InterruptLine reports the combined interrupt output.
func (u *UART) InterruptLine() bool {
	return u.regs.IntLevel&u.regs.IntEnabled != 0
}

func (u *UART) updateInterrupt() {
	u.irq.SetLevel(u.InterruptLine())
}

// Read returns the value of the register at off. Reading DR pops the
// receive FIFO.
func (u *UART) Read(off Offset) uint32 {
	r := &u.regs

	if off >= RegPeriphID0 && off <= RegPCellID3 {
		return u.variant.id()[(off-RegPeriphID0)>>2]
	}

	switch off {
	case RegDR:
		entry, err := r.Pop()
		if err != nil {
			slog.Debug("pl011: read from empty receive FIFO")
			return 0
		}
		u.updateInterrupt()
		return entry & (0xff | dataErrors)
	case RegRSR:
		return r.ReceiveStatusErrorClear
	case RegFR:
		return r.Flags
	case RegILPR:
		return r.ILPR
	case RegIBRD:
		return r.IBRD
	case RegFBRD:
		return r.FBRD
	case RegLCRH:
		return r.LineControl
	case RegCR:
		return r.Control
	case RegIFLS:
		return r.IFL
	case RegIMSC:
		return r.IntEnabled
	case RegRIS:
		return r.IntLevel
	case RegMIS:
		return r.IntLevel & r.IntEnabled
	case RegDMACR:
		return r.DMACR
	default:
		slog.Debug("pl011: read from unknown register", "offset", fmt.Sprintf("%#x", uint32(off)))
		return 0
	}
}

// Write stores value into the register at off.
func (u *UART) Write(off Offset, value uint32) {
	r := &u.regs

	switch off {
	case RegDR:
		u.transmit(byte(value))
	case RegRSR:
		r.ReceiveStatusErrorClear = 0
	case RegILPR:
		r.ILPR = value
	case RegIBRD:
		r.IBRD = value & ibrdMask
		u.charTimeValid = false
	case RegFBRD:
		r.FBRD = value & fbrdMask
		u.charTimeValid = false
	case RegLCRH:
		changed := r.LineControl ^ value
		r.LineControl = value
		if changed&LCRFIFOEnable != 0 {
			r.ResetFIFO()
		}
		if changed&value&LCRBreak != 0 && r.Control&CRLoopback != 0 {
			u.receive(DataBE)
		}
		u.charTimeValid = false
		u.updateTrigger()
	case RegCR:
		enabled := value &^ r.Control & CREnable
		r.Control = value
		r.RecomputeFlags()
		u.updateModemInterrupts()
		if enabled != 0 {
			u.refreshCharTime()
		}
	case RegIFLS:
		r.IFL = value
		u.updateTrigger()
	case RegIMSC:
		r.IntEnabled = value
	case RegICR:
		r.IntLevel &^= value
	case RegDMACR:
		r.DMACR = value
		if value&3 != 0 && !u.dmaWarned {
			slog.Warn("pl011: DMA requested but not implemented", "dmacr", value)
			u.dmaWarned = true
		}
	case RegFR, RegRIS, RegMIS:
		slog.Debug("pl011: write to read-only register", "offset", fmt.Sprintf("%#x", uint32(off)))
	default:
		slog.Debug("pl011: write to unknown register", "offset", fmt.Sprintf("%#x", uint32(off)), "value", value)
	}

	u.updateInterrupt()
}

func (u *UART) updateTrigger() {
	u.regs.ReadTrigger = u.regs.TriggerFor(u.triggerPolicy)
	u.regs.UpdateRXLevel()
}

// updateModemInterrupts mirrors the looped-back modem inputs into the
// modem status interrupts.
func (u *UART) updateModemInterrupts() {
	r := &u.regs
	if r.Control&CRLoopback == 0 {
		return
	}
	level := r.IntLevel &^ intModem
	if r.Flags&FlagDSR != 0 {
		level |= IntDSR
	}
	if r.Flags&FlagDCD != 0 {
		level |= IntDCD
	}
	if r.Flags&FlagCTS != 0 {
		level |= IntCTS
	}
	if r.Flags&FlagRI != 0 {
		level |= IntRI
	}
	r.IntLevel = level
}

func (u *UART) transmit(b byte) {
	r := &u.regs
	if r.Control&CREnable == 0 || r.Control&CRTXE == 0 {
		slog.Debug("pl011: transmit with transmitter disabled", "cr", fmt.Sprintf("%#x", r.Control))
	}
	u.refreshCharTime()

	if r.Control&CRLoopback != 0 {
		u.receive(uint32(b))
	} else if u.backend != nil {
		if _, err := u.backend.Write([]byte{b}); err != nil {
			slog.Debug("pl011: backend write failed", "err", err)
		}
	}
	u.stats.TxBytes++
	r.IntLevel |= IntTX
}

// ReceiveByte queues one byte arriving from the backend.
func (u *UART) ReceiveByte(b byte) {
	u.receive(uint32(b))
}

// ReceiveWithErrors queues a byte tagged with DataFE, DataPE, DataBE or
// DataOE error bits.
func (u *UART) ReceiveWithErrors(b byte, errs uint32) {
	u.receive(uint32(b) | errs&dataErrors)
}

// ReceiveBreak queues a break condition.
func (u *UART) ReceiveBreak() {
	u.receive(DataBE)
}

func (u *UART) receive(entry uint32) {
	r := &u.regs
	if r.Control&CREnable == 0 || r.Control&CRRXE == 0 {
		u.stats.Dropped++
		slog.Debug("pl011: input dropped, receiver disabled", "cr", fmt.Sprintf("%#x", r.Control))
		return
	}
	if r.Push(entry, u.overrunPolicy) {
		u.stats.Overruns++
	}
	u.stats.RxBytes++
	u.lastRx = u.now()
	u.timeoutArmed = true
	u.updateInterrupt()
}

// CheckReceiveTimeout raises the receive timeout interrupt when data has
// waited in the FIFO for 32 bit periods without new input. It reports
// whether the interrupt was raised.
func (u *UART) CheckReceiveTimeout(now time.Time) bool {
	r := &u.regs
	if !u.timeoutArmed || r.ReadCount == 0 {
		return false
	}
	if now.Sub(u.lastRx) < u.receiveTimeout() {
		return false
	}
	u.timeoutArmed = false
	r.IntLevel |= IntRT
	u.updateInterrupt()
	return true
}

// receiveTimeout is 32 bit periods, saturating at the longest Duration.
func (u *UART) receiveTimeout() time.Duration {
	bit := u.bitTime()
	if bit > math.MaxInt64/32 {
		return math.MaxInt64
	}
	return 32 * bit
}

func (u *UART) divisor() uint64 {
	return uint64(u.regs.IBRD)<<6 + uint64(u.regs.FBRD)
}

func (u *UART) clockRunning() bool {
	return u.clk != nil && u.clk.Enabled()
}

// BaudRate returns the programmed line rate, or 0 when the divisor or the
// reference clock is unset.
func (u *UART) BaudRate() uint64 {
	div := u.divisor()
	if div == 0 || !u.clockRunning() {
		return 0
	}
	return (u.clk.Hz() / div) << 2
}

func (u *UART) frameBits() uint64 {
	lcr := u.regs.LineControl
	bits := 1 + 5 + uint64((lcr&LCRWordLenMask)>>5) + 1
	if lcr&LCRParity != 0 {
		bits++
	}
	if lcr&LCRTwoStop != 0 {
		bits++
	}
	return bits
}

func (u *UART) bitTime() time.Duration {
	div := u.divisor()
	if div == 0 || !u.clockRunning() {
		return time.Second / defaultBaud
	}
	// Sixteen reference ticks per bit at a divisor of div/64.
	return u.clk.TicksToDuration(div) / 4
}

// CharTime returns the time needed to shift one frame at the current line
// settings.
func (u *UART) CharTime() time.Duration {
	u.refreshCharTime()
	return u.charTime
}

func (u *UART) refreshCharTime() {
	if u.clockDirty.Swap(false) {
		u.charTimeValid = false
	}
	if u.charTimeValid {
		return
	}
	u.charTime = time.Duration(u.frameBits()) * u.bitTime()
	u.charTimeValid = true

	slog.Debug("pl011: line rate changed", "baud", u.BaudRate(), "char_time", u.charTime)
	if pacer, ok := u.backend.(chardev.Pacer); ok {
		pacer.SetCharTime(u.charTime)
	}
	if line, ok := u.backend.(chardev.LineConfigurer); ok {
		if err := line.SetLineParams(u.LineParams()); err != nil {
			slog.Warn("pl011: backend rejected line settings", "err", err)
		}
	}
}

// LineParams returns the framing programmed into LCR_H and the divisors.
func (u *UART) LineParams() chardev.LineParams {
	lcr := u.regs.LineControl
	p := chardev.LineParams{
		Baud:     defaultBaud,
		DataBits: 5 + int((lcr&LCRWordLenMask)>>5),
		Parity:   chardev.ParityNone,
		StopBits: 1,
	}
	if baud := u.BaudRate(); baud != 0 {
		p.Baud = int(baud)
	}
	if lcr&LCRParity != 0 {
		switch {
		case lcr&LCRStickParity != 0 && lcr&LCREvenParity != 0:
			p.Parity = chardev.ParitySpace
		case lcr&LCRStickParity != 0:
			p.Parity = chardev.ParityMark
		case lcr&LCREvenParity != 0:
			p.Parity = chardev.ParityEven
		default:
			p.Parity = chardev.ParityOdd
		}
	}
	if lcr&LCRTwoStop != 0 {
		p.StopBits = 2
	}
	return p
}

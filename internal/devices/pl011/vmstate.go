package pl011

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/pl011/internal/clock"
	"github.com/tinyrange/pl011/internal/vmstate"
)

var vmstateRegisters = &vmstate.Description{
	Name:             "serial/regs",
	VersionID:        2,
	MinimumVersionID: 2,
	Fields: []vmstate.Field{
		vmstate.Uint32("flags", func(r *Registers) *uint32 { return &r.Flags }),
		vmstate.Uint32("lcr", func(r *Registers) *uint32 { return &r.LineControl }),
		vmstate.Uint32("rsr", func(r *Registers) *uint32 { return &r.ReceiveStatusErrorClear }),
		vmstate.Uint32("cr", func(r *Registers) *uint32 { return &r.Control }),
		vmstate.Uint32("dmacr", func(r *Registers) *uint32 { return &r.DMACR }),
		vmstate.Uint32("int_enabled", func(r *Registers) *uint32 { return &r.IntEnabled }),
		vmstate.Uint32("int_level", func(r *Registers) *uint32 { return &r.IntLevel }),
		vmstate.Uint32Array("read_fifo", FIFODepth, func(r *Registers) []uint32 { return r.ReadFIFO[:] }),
		vmstate.Uint32("ilpr", func(r *Registers) *uint32 { return &r.ILPR }),
		vmstate.Uint32("ibrd", func(r *Registers) *uint32 { return &r.IBRD }),
		vmstate.Uint32("fbrd", func(r *Registers) *uint32 { return &r.FBRD }),
		vmstate.Uint32("ifl", func(r *Registers) *uint32 { return &r.IFL }),
		vmstate.Int32("read_pos", func(r *Registers) *int32 { return &r.ReadPos }),
		vmstate.Int32("read_count", func(r *Registers) *int32 { return &r.ReadCount }),
		vmstate.Int32("read_trigger", func(r *Registers) *int32 { return &r.ReadTrigger }),
	},
}

var vmstateClock = &vmstate.Description{
	Name:             "serial/clock",
	VersionID:        1,
	MinimumVersionID: 1,
	Fields: []vmstate.Field{
		vmstate.Struct("clk", clock.VMState, func(u *UART) *clock.State { return &u.clockState }),
	},
}

// VMState describes the checkpoint layout of a UART.
var VMState = &vmstate.Description{
	Name:             "serial",
	VersionID:        2,
	MinimumVersionID: 2,
	Fields: []vmstate.Field{
		vmstate.Unused(4),
		vmstate.Struct("regs", vmstateRegisters, func(u *UART) *Registers { return &u.regs }),
	},
	Subsections: []vmstate.Subsection{
		{
			Description: vmstateClock,
			Needed:      vmstate.Needed(func(u *UART) bool { return u.migrateClock }),
			Strict:      true,
		},
	},
	PreSave:  vmstate.Hook((*UART).preSave),
	PostLoad: vmstate.PostLoadHook((*UART).postLoad),
}

func (u *UART) preSave() error {
	if u.clk != nil {
		u.clockState = u.clk.State()
	}
	return nil
}

// postLoad validates restored FIFO bookkeeping and rebuilds derived state.
func (u *UART) postLoad(versionID int) error {
	r := &u.regs
	if err := r.Validate(); err != nil {
		return err
	}

	// In character mode the held byte lives in slot 0.
	if !r.fifoEnabled() && r.ReadCount > 0 && r.ReadPos > 0 {
		r.ReadFIFO[0] = r.ReadFIFO[r.ReadPos]
		r.ReadPos = 0
	}
	r.IBRD &= ibrdMask
	r.FBRD &= fbrdMask

	if want := r.TriggerFor(u.triggerPolicy); r.ReadTrigger != want {
		slog.Debug("pl011: restored read trigger disagrees with IFLS",
			"restored", r.ReadTrigger, "derived", want, "policy", u.triggerPolicy)
		r.ReadTrigger = want
	}
	r.RecomputeFlags()
	return nil
}

// SaveState serializes the UART into a checkpoint record.
func (u *UART) SaveState() ([]byte, error) {
	data, err := vmstate.Marshal(VMState, u)
	if err != nil {
		return nil, fmt.Errorf("pl011: save state: %w", err)
	}
	return data, nil
}

// RestoreState loads a checkpoint record. On failure the UART is left
// untouched.
func (u *UART) RestoreState(data []byte) error {
	commit, err := u.PrepareState(data)
	if err != nil {
		return err
	}
	commit()
	return nil
}

// PrepareState decodes and validates a checkpoint record without touching
// the UART. The returned commit applies it.
func (u *UART) PrepareState(data []byte) (commit func(), err error) {
	scratch := &UART{
		regs:          u.regs,
		clk:           u.clk,
		variant:       u.variant,
		triggerPolicy: u.triggerPolicy,
		overrunPolicy: u.overrunPolicy,
		migrateClock:  u.migrateClock,
		clockState:    u.clockState,
	}
	if err := vmstate.Unmarshal(data, VMState, scratch); err != nil {
		return nil, fmt.Errorf("pl011: restore state: %w", err)
	}
	return func() { u.adopt(scratch) }, nil
}

func (u *UART) adopt(scratch *UART) {
	u.regs = scratch.regs
	if u.migrateClock {
		u.clockState = scratch.clockState
		if u.clk != nil {
			u.clk.Restore(u.clockState)
		}
	}
	u.charTimeValid = false
	u.lastRx = u.now()
	u.timeoutArmed = u.regs.ReadCount > 0
	u.updateInterrupt()
}

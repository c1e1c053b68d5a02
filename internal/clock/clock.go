// Package clock models a frequency reference feeding a device.
//
// Periods are kept in units of 2^-32 ns so that common UART reference
// frequencies are represented without rounding drift.
package clock

import (
	"math"
	"math/bits"
	"sync"
	"time"

	"github.com/tinyrange/pl011/internal/vmstate"
)

// PeriodPerNanosecond is one nanosecond expressed in period units.
const PeriodPerNanosecond uint64 = 1 << 32

// periodOneSecond is one second in period units.
const periodOneSecond uint64 = uint64(time.Second) << 32

// PeriodFromHz converts a frequency to a period. Zero means disabled.
func PeriodFromHz(hz uint64) uint64 {
	if hz == 0 {
		return 0
	}
	return periodOneSecond / hz
}

// State is the migratable part of a Clock.
type State struct {
	Period     uint64
	Multiplier uint32
	Divider    uint32
}

// Clock is a frequency reference with an optional multiplier/divider stage.
// It is safe for concurrent use.
type Clock struct {
	name string

	mu        sync.Mutex
	state     State
	callbacks []func()
}

// New returns a disabled clock.
func New(name string) *Clock {
	return &Clock{
		name:  name,
		state: State{Multiplier: 1, Divider: 1},
	}
}

// NewHz returns a clock running at hz.
func NewHz(name string, hz uint64) *Clock {
	c := New(name)
	c.state.Period = PeriodFromHz(hz)
	return c
}

// Name returns the clock name.
func (c *Clock) Name() string { return c.name }

// OnUpdate registers fn to be called after the effective period changes.
func (c *Clock) OnUpdate(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callbacks = append(c.callbacks, fn)
}

// SetHz sets the source frequency.
func (c *Clock) SetHz(hz uint64) {
	c.SetPeriod(PeriodFromHz(hz))
}

// SetPeriod sets the source period.
func (c *Clock) SetPeriod(period uint64) {
	c.update(func(s *State) { s.Period = period })
}

// SetMulDiv configures the multiplier/divider stage. Zero values are
// treated as 1.
func (c *Clock) SetMulDiv(multiplier, divider uint32) {
	if multiplier == 0 {
		multiplier = 1
	}
	if divider == 0 {
		divider = 1
	}
	c.update(func(s *State) {
		s.Multiplier = multiplier
		s.Divider = divider
	})
}

// State returns the migratable state.
func (c *Clock) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Restore replaces the clock state, notifying listeners when the effective
// period changed.
func (c *Clock) Restore(s State) {
	if s.Multiplier == 0 {
		s.Multiplier = 1
	}
	if s.Divider == 0 {
		s.Divider = 1
	}
	c.update(func(dst *State) { *dst = s })
}

func (c *Clock) update(fn func(*State)) {
	c.mu.Lock()
	before := c.state.effectivePeriod()
	fn(&c.state)
	changed := c.state.effectivePeriod() != before
	callbacks := append([]func(){}, c.callbacks...)
	c.mu.Unlock()

	if changed {
		for _, cb := range callbacks {
			cb()
		}
	}
}

// Period returns the effective period after the multiplier/divider stage.
func (c *Clock) Period() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.effectivePeriod()
}

// Hz returns the effective frequency, or 0 when the clock is disabled.
func (c *Clock) Hz() uint64 {
	period := c.Period()
	if period == 0 {
		return 0
	}
	return periodOneSecond / period
}

// Enabled reports whether the clock is running.
func (c *Clock) Enabled() bool {
	return c.Period() != 0
}

// TicksToDuration converts a number of clock ticks to wall time.
func (c *Clock) TicksToDuration(ticks uint64) time.Duration {
	hi, lo := bits.Mul64(ticks, c.Period())
	if hi >= PeriodPerNanosecond/2 {
		return time.Duration(math.MaxInt64)
	}
	ns, _ := bits.Div64(hi, lo, PeriodPerNanosecond)
	return time.Duration(ns)
}

func (s State) effectivePeriod() uint64 {
	if s.Multiplier == 0 || s.Divider == 0 {
		return s.Period
	}
	hi, lo := bits.Mul64(s.Period, uint64(s.Multiplier))
	if hi >= uint64(s.Divider) {
		return ^uint64(0)
	}
	q, _ := bits.Div64(hi, lo, uint64(s.Divider))
	return q
}

var vmstateMulDiv = &vmstate.Description{
	Name:             "clock/muldiv",
	VersionID:        1,
	MinimumVersionID: 1,
	Fields: []vmstate.Field{
		vmstate.Uint32("multiplier", func(s *State) *uint32 { return &s.Multiplier }),
		vmstate.Uint32("divider", func(s *State) *uint32 { return &s.Divider }),
	},
}

// VMState describes State for embedding in device records. The multiplier
// and divider are only carried when they differ from 1.
var VMState = &vmstate.Description{
	Name:             "clock",
	VersionID:        0,
	MinimumVersionID: 0,
	Fields: []vmstate.Field{
		vmstate.Uint64("period", func(s *State) *uint64 { return &s.Period }),
	},
	Subsections: []vmstate.Subsection{{
		Description: vmstateMulDiv,
		Needed:      vmstate.Needed(func(s *State) bool { return s.Multiplier != 1 || s.Divider != 1 }),
	}},
	PreLoad: vmstate.Hook(func(s *State) error {
		s.Multiplier = 1
		s.Divider = 1
		return nil
	}),
}

package chipset

import "sync"

// Line is one interrupt output of a device.
type Line interface {
	SetLevel(high bool)
	Pulse()
}

type noLine struct{}

func (noLine) SetLevel(bool) {}
func (noLine) Pulse()        {}

// NoLine returns a Line that is not wired to anything.
func NoLine() Line { return noLine{} }

// Sink observes level changes on controller inputs.
type Sink func(irq uint8, high bool)

// Controller is a minimal interrupt controller: 256 level-sensitive inputs
// with an optional observer.
type Controller struct {
	sink Sink

	mu    sync.Mutex
	level [256]bool
	edges [256]uint64
}

// NewController returns a controller reporting changes to sink, which may
// be nil.
func NewController(sink Sink) *Controller {
	return &Controller{sink: sink}
}

// Line returns the input irq as a Line for a device to drive.
func (c *Controller) Line(irq uint8) Line {
	return input{c: c, irq: irq}
}

// Level reports whether irq is asserted.
func (c *Controller) Level(irq uint8) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.level[irq]
}

// Edges counts the rising edges seen on irq.
func (c *Controller) Edges(irq uint8) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.edges[irq]
}

func (c *Controller) drive(irq uint8, high bool) {
	c.mu.Lock()
	if c.level[irq] == high {
		c.mu.Unlock()
		return
	}
	c.level[irq] = high
	if high {
		c.edges[irq]++
	}
	c.mu.Unlock()

	if c.sink != nil {
		c.sink(irq, high)
	}
}

type input struct {
	c   *Controller
	irq uint8
}

func (in input) SetLevel(high bool) { in.c.drive(in.irq, high) }

func (in input) Pulse() {
	in.c.drive(in.irq, true)
	in.c.drive(in.irq, false)
}

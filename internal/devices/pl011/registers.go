package pl011

import (
	"errors"
	"fmt"
)

// Offset is a register offset inside the 4 KiB PL011 window.
type Offset uint32

// PL011 register offsets
const (
	RegDR    Offset = 0x000 // Data Register
	RegRSR   Offset = 0x004 // Receive Status (read) / Error Clear (write)
	RegFR    Offset = 0x018 // Flag Register (RO)
	RegILPR  Offset = 0x020 // IrDA Low-Power Counter
	RegIBRD  Offset = 0x024 // Integer Baud Rate Divisor
	RegFBRD  Offset = 0x028 // Fractional Baud Rate Divisor
	RegLCRH  Offset = 0x02c // Line Control
	RegCR    Offset = 0x030 // Control
	RegIFLS  Offset = 0x034 // Interrupt FIFO Level Select
	RegIMSC  Offset = 0x038 // Interrupt Mask Set/Clear
	RegRIS   Offset = 0x03c // Raw Interrupt Status (RO)
	RegMIS   Offset = 0x040 // Masked Interrupt Status (RO)
	RegICR   Offset = 0x044 // Interrupt Clear (WO)
	RegDMACR Offset = 0x048 // DMA Control

	// PrimeCell identification registers
	RegPeriphID0 Offset = 0xfe0
	RegPCellID3  Offset = 0xffc
)

// Flag register bits
const (
	FlagCTS  uint32 = 1 << 0
	FlagDSR  uint32 = 1 << 1
	FlagDCD  uint32 = 1 << 2
	FlagBUSY uint32 = 1 << 3
	FlagRXFE uint32 = 1 << 4
	FlagTXFF uint32 = 1 << 5
	FlagRXFF uint32 = 1 << 6
	FlagTXFE uint32 = 1 << 7
	FlagRI   uint32 = 1 << 8
)

// Data register error bits, as stored in FIFO entries and returned by DR.
const (
	DataFE uint32 = 1 << 8
	DataPE uint32 = 1 << 9
	DataBE uint32 = 1 << 10
	DataOE uint32 = 1 << 11

	dataErrors = DataFE | DataPE | DataBE | DataOE
)

// Receive status bits
const (
	RSRFE uint32 = 1 << 0
	RSRPE uint32 = 1 << 1
	RSRBE uint32 = 1 << 2
	RSROE uint32 = 1 << 3
)

// Line control bits
const (
	LCRBreak       uint32 = 1 << 0
	LCRParity      uint32 = 1 << 1
	LCREvenParity  uint32 = 1 << 2
	LCRTwoStop     uint32 = 1 << 3
	LCRFIFOEnable  uint32 = 1 << 4
	LCRWordLenMask uint32 = 3 << 5
	LCRStickParity uint32 = 1 << 7
)

// Control register bits
const (
	CREnable   uint32 = 1 << 0
	CRLoopback uint32 = 1 << 7
	CRTXE      uint32 = 1 << 8
	CRRXE      uint32 = 1 << 9
	CRDTR      uint32 = 1 << 10
	CRRTS      uint32 = 1 << 11
	CROut1     uint32 = 1 << 12
	CROut2     uint32 = 1 << 13
)

// Interrupt bits, shared by IMSC, RIS, MIS and ICR
const (
	IntRI  uint32 = 1 << 0
	IntCTS uint32 = 1 << 1
	IntDCD uint32 = 1 << 2
	IntDSR uint32 = 1 << 3
	IntRX  uint32 = 1 << 4
	IntTX  uint32 = 1 << 5
	IntRT  uint32 = 1 << 6
	IntFE  uint32 = 1 << 7
	IntPE  uint32 = 1 << 8
	IntBE  uint32 = 1 << 9
	IntOE  uint32 = 1 << 10

	intModem = IntRI | IntCTS | IntDCD | IntDSR
)

const (
	// FIFODepth is the receive FIFO capacity with FIFOs enabled.
	FIFODepth = 16

	ibrdMask = 0xffff
	fbrdMask = 0x3f

	resetFlags   = FlagTXFE | FlagRXFE
	resetControl = CRTXE | CRRXE
	resetIFLS    = 0x12
)

// ErrFIFOEmpty is returned by Pop when no entry is queued.
var ErrFIFOEmpty = errors.New("pl011: receive FIFO empty")

// ErrInvalidState is returned when restored registers violate the FIFO
// bounds.
var ErrInvalidState = errors.New("pl011: inconsistent register state")

// TriggerPolicy selects how the receive interrupt threshold is derived.
type TriggerPolicy int

const (
	// TriggerIFLS derives the threshold from IFLS like the hardware.
	TriggerIFLS TriggerPolicy = iota
	// TriggerEager raises the receive interrupt as soon as any data is
	// queued.
	TriggerEager
)

func (p TriggerPolicy) String() string {
	switch p {
	case TriggerIFLS:
		return "ifls"
	case TriggerEager:
		return "eager"
	default:
		return fmt.Sprintf("TriggerPolicy(%d)", int(p))
	}
}

// OverrunPolicy selects what happens to a byte that arrives with the FIFO
// full. Both policies latch the overrun error.
type OverrunPolicy int

const (
	// OverrunOverwriteOldest discards the oldest queued entry.
	OverrunOverwriteOldest OverrunPolicy = iota
	// OverrunDropNewest discards the arriving byte.
	OverrunDropNewest
)

func (p OverrunPolicy) String() string {
	switch p {
	case OverrunOverwriteOldest:
		return "overwrite-oldest"
	case OverrunDropNewest:
		return "drop-newest"
	default:
		return fmt.Sprintf("OverrunPolicy(%d)", int(p))
	}
}

// rxTriggerLevels maps IFLS RXIFLSEL (bits 5:3) to a FIFO occupancy.
var rxTriggerLevels = [...]int32{
	0: 2,  // 1/8 full
	1: 4,  // 1/4 full
	2: 8,  // 1/2 full
	3: 12, // 3/4 full
	4: 14, // 7/8 full
}

func validTrigger(t int32) bool {
	if t == 1 {
		return true
	}
	for _, level := range rxTriggerLevels {
		if t == level {
			return true
		}
	}
	return false
}

// Registers is the PL011 register file and receive FIFO. It has no locking;
// the owner serializes access.
type Registers struct {
	Flags                   uint32
	LineControl             uint32
	ReceiveStatusErrorClear uint32
	Control                 uint32
	DMACR                   uint32
	IntEnabled              uint32
	IntLevel                uint32
	ReadFIFO                [FIFODepth]uint32
	ILPR                    uint32
	IBRD                    uint32
	FBRD                    uint32
	IFL                     uint32
	ReadPos                 int32
	ReadCount               int32
	ReadTrigger             int32
}

// Reset puts the registers into their power-on state.
func (r *Registers) Reset() {
	*r = Registers{
		Flags:       resetFlags,
		Control:     resetControl,
		IFL:         resetIFLS,
		ReadTrigger: 1,
	}
	r.RecomputeFlags()
}

func (r *Registers) fifoEnabled() bool {
	return r.LineControl&LCRFIFOEnable != 0
}

// Capacity is the usable FIFO depth: 16 with FIFOs enabled, 1 in character
// mode.
func (r *Registers) Capacity() int32 {
	if r.fifoEnabled() {
		return FIFODepth
	}
	return 1
}

// Push queues a received entry (data in bits 7:0, error bits in 11:8). It
// reports whether the FIFO overran.
func (r *Registers) Push(entry uint32, policy OverrunPolicy) bool {
	capacity := r.Capacity()
	overrun := r.ReadCount >= capacity

	if overrun {
		r.ReceiveStatusErrorClear |= RSROE
		r.IntLevel |= IntOE
		if policy == OverrunOverwriteOldest {
			r.ReadFIFO[r.ReadPos] = entry
			r.ReadPos = (r.ReadPos + 1) % capacity
		}
	} else {
		slot := (r.ReadPos + r.ReadCount) % capacity
		r.ReadFIFO[slot] = entry
		r.ReadCount++
	}

	r.latchEntryErrors(entry)
	r.RecomputeFlags()
	r.UpdateRXLevel()
	return overrun
}

// Pop removes the oldest entry.
func (r *Registers) Pop() (uint32, error) {
	if r.ReadCount == 0 {
		return 0, ErrFIFOEmpty
	}
	entry := r.ReadFIFO[r.ReadPos]
	r.ReadPos = (r.ReadPos + 1) % r.Capacity()
	r.ReadCount--

	r.ReceiveStatusErrorClear |= (entry & dataErrors) >> 8
	if r.ReadCount == 0 {
		r.IntLevel &^= IntRT
	}
	r.RecomputeFlags()
	r.UpdateRXLevel()
	return entry, nil
}

func (r *Registers) latchEntryErrors(entry uint32) {
	if entry&DataFE != 0 {
		r.IntLevel |= IntFE
	}
	if entry&DataPE != 0 {
		r.IntLevel |= IntPE
	}
	if entry&DataBE != 0 {
		r.IntLevel |= IntBE
	}
}

// ResetFIFO empties the receive FIFO.
func (r *Registers) ResetFIFO() {
	r.ReadCount = 0
	r.ReadPos = 0
	r.RecomputeFlags()
	r.UpdateRXLevel()
}

// RecomputeFlags derives FR from the FIFO occupancy, line control and
// control registers. Transmission completes synchronously, so the transmit
// side always reads empty.
func (r *Registers) RecomputeFlags() {
	flags := FlagTXFE
	if r.ReadCount == 0 {
		flags |= FlagRXFE
	}
	if r.ReadCount >= r.Capacity() {
		flags |= FlagRXFF
	}
	if r.Control&CRLoopback != 0 {
		if r.Control&CROut2 != 0 {
			flags |= FlagRI
		}
		if r.Control&CROut1 != 0 {
			flags |= FlagDCD
		}
		if r.Control&CRRTS != 0 {
			flags |= FlagCTS
		}
		if r.Control&CRDTR != 0 {
			flags |= FlagDSR
		}
	}
	r.Flags = flags
}

// UpdateRXLevel re-evaluates the receive level interrupt against the
// trigger threshold.
func (r *Registers) UpdateRXLevel() {
	if r.ReadCount >= r.ReadTrigger {
		r.IntLevel |= IntRX
	} else {
		r.IntLevel &^= IntRX
	}
}

// TriggerFor returns the receive threshold implied by IFLS and LCR_H.
func (r *Registers) TriggerFor(policy TriggerPolicy) int32 {
	if policy == TriggerEager || !r.fifoEnabled() {
		return 1
	}
	sel := (r.IFL >> 3) & 7
	if int(sel) >= len(rxTriggerLevels) {
		return rxTriggerLevels[2]
	}
	return rxTriggerLevels[sel]
}

// Validate checks the FIFO bookkeeping against the fixed capacity.
func (r *Registers) Validate() error {
	if r.ReadPos < 0 || r.ReadPos >= FIFODepth {
		return fmt.Errorf("%w: read_pos %d outside [0, %d)", ErrInvalidState, r.ReadPos, FIFODepth)
	}
	if r.ReadCount < 0 || r.ReadCount > FIFODepth {
		return fmt.Errorf("%w: read_count %d outside [0, %d]", ErrInvalidState, r.ReadCount, FIFODepth)
	}
	if !r.fifoEnabled() && r.ReadCount > 1 {
		return fmt.Errorf("%w: read_count %d with FIFO disabled", ErrInvalidState, r.ReadCount)
	}
	if !validTrigger(r.ReadTrigger) {
		return fmt.Errorf("%w: read_trigger %d", ErrInvalidState, r.ReadTrigger)
	}
	return nil
}

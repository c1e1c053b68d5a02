// Package migration streams device state between two processes.
//
// Wire format for each message:
//
//	[4-byte big-endian type][8-byte big-endian payload length][payload bytes]
package migration

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MsgType identifies a migration protocol message.
type MsgType uint32

const (
	MsgDeviceState MsgType = 1 // one device's checkpoint record
	MsgDone        MsgType = 2 // source has sent every device
	MsgReady       MsgType = 3 // destination restored and is running
	MsgError       MsgType = 4 // destination failed; payload is the reason
)

func (t MsgType) String() string {
	switch t {
	case MsgDeviceState:
		return "device-state"
	case MsgDone:
		return "done"
	case MsgReady:
		return "ready"
	case MsgError:
		return "error"
	default:
		return fmt.Sprintf("MsgType(%d)", uint32(t))
	}
}

// MaxPayload bounds a single message.
const MaxPayload = 16 << 20

const headerSize = 12

var (
	ErrPayloadTooLarge   = errors.New("migration: payload too large")
	ErrUnexpectedMessage = errors.New("migration: unexpected message")
	ErrRemote            = errors.New("migration: remote failed")

	errDevicePayloadTooShort = errors.New("device payload too short")
	errDevicePayloadBadName  = errors.New("device payload name truncated")
)

// Sender writes framed messages to an underlying writer.
type Sender struct {
	w io.Writer
}

// NewSender wraps w as a migration Sender.
func NewSender(w io.Writer) *Sender { return &Sender{w: w} }

func (s *Sender) send(t MsgType, payload []byte) error {
	if len(payload) > MaxPayload {
		return fmt.Errorf("%w: %s with %d bytes", ErrPayloadTooLarge, t, len(payload))
	}
	hdr := make([]byte, headerSize)
	binary.BigEndian.PutUint32(hdr[0:4], uint32(t))
	binary.BigEndian.PutUint64(hdr[4:12], uint64(len(payload)))

	if _, err := s.w.Write(hdr); err != nil {
		return fmt.Errorf("send header: %w", err)
	}
	if len(payload) > 0 {
		if _, err := s.w.Write(payload); err != nil {
			return fmt.Errorf("send payload: %w", err)
		}
	}
	return nil
}

// SendDeviceState sends the state of one device.
//
// Payload layout: [2-byte id length][id][state].
func (s *Sender) SendDeviceState(id string, state []byte) error {
	if len(id) > 0xffff {
		return fmt.Errorf("device id %q too long", id)
	}
	payload := make([]byte, 0, 2+len(id)+len(state))
	payload = binary.BigEndian.AppendUint16(payload, uint16(len(id)))
	payload = append(payload, id...)
	payload = append(payload, state...)
	return s.send(MsgDeviceState, payload)
}

// SendDone signals the end of the device stream.
func (s *Sender) SendDone() error { return s.send(MsgDone, nil) }

// SendReady signals that the destination is running.
func (s *Sender) SendReady() error { return s.send(MsgReady, nil) }

// SendError reports a destination failure to the source.
func (s *Sender) SendError(err error) error { return s.send(MsgError, []byte(err.Error())) }

// Receiver reads framed messages from an underlying reader.
type Receiver struct {
	r io.Reader
}

// NewReceiver wraps r as a migration Receiver.
func NewReceiver(r io.Reader) *Receiver { return &Receiver{r: r} }

// Next reads the next message and returns its type and payload.
func (r *Receiver) Next() (MsgType, []byte, error) {
	hdr := make([]byte, headerSize)
	if _, err := io.ReadFull(r.r, hdr); err != nil {
		return 0, nil, fmt.Errorf("read header: %w", err)
	}

	t := MsgType(binary.BigEndian.Uint32(hdr[0:4]))
	length := binary.BigEndian.Uint64(hdr[4:12])
	if length > MaxPayload {
		return 0, nil, fmt.Errorf("%w: %s with %d bytes", ErrPayloadTooLarge, t, length)
	}
	if length == 0 {
		return t, nil, nil
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		return 0, nil, fmt.Errorf("read payload (type=%s len=%d): %w", t, length, err)
	}
	return t, payload, nil
}

// DecodeDeviceState splits a MsgDeviceState payload.
func DecodeDeviceState(payload []byte) (id string, state []byte, err error) {
	if len(payload) < 2 {
		return "", nil, fmt.Errorf("%w: %d bytes", errDevicePayloadTooShort, len(payload))
	}
	n := int(binary.BigEndian.Uint16(payload[0:2]))
	if len(payload) < 2+n {
		return "", nil, errDevicePayloadBadName
	}
	return string(payload[2 : 2+n]), payload[2+n:], nil
}

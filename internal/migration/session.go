package migration

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/tinyrange/pl011/internal/hv"
)

// Progress is called after each device is sent with the payload size.
type Progress func(n int)

// Send streams every device in snap over rw and waits for the destination
// to confirm it restored them.
func Send(rw io.ReadWriter, snap *hv.Snapshot, progress Progress) error {
	tx := NewSender(rw)
	for _, id := range snap.DeviceIDs() {
		state := snap.Devices[id]
		if err := tx.SendDeviceState(id, state); err != nil {
			return fmt.Errorf("migration: send %s: %w", id, err)
		}
		slog.Debug("migration: sent device", "id", id, "bytes", len(state))
		if progress != nil {
			progress(len(state))
		}
	}
	if err := tx.SendDone(); err != nil {
		return fmt.Errorf("migration: %w", err)
	}

	t, payload, err := NewReceiver(rw).Next()
	if err != nil {
		return fmt.Errorf("migration: wait for ready: %w", err)
	}
	switch t {
	case MsgReady:
		return nil
	case MsgError:
		return fmt.Errorf("%w: %s", ErrRemote, payload)
	default:
		return fmt.Errorf("%w: got %s, want %s", ErrUnexpectedMessage, t, MsgReady)
	}
}

// Receive collects device states from rw until the source is done, passes
// them to apply and reports the outcome back to the source.
func Receive(rw io.ReadWriter, apply func(*hv.Snapshot) error) (*hv.Snapshot, error) {
	rx := NewReceiver(rw)
	tx := NewSender(rw)
	snap := hv.NewSnapshot()

recv:
	for {
		t, payload, err := rx.Next()
		if err != nil {
			return nil, fmt.Errorf("migration: %w", err)
		}
		switch t {
		case MsgDeviceState:
			id, state, err := DecodeDeviceState(payload)
			if err != nil {
				return nil, fmt.Errorf("migration: %w", err)
			}
			snap.Add(id, hv.DeviceSnapshot(state))
			slog.Debug("migration: received device", "id", id, "bytes", len(state))
		case MsgDone:
			break recv
		default:
			err := fmt.Errorf("%w: got %s during device stream", ErrUnexpectedMessage, t)
			_ = tx.SendError(err)
			return nil, err
		}
	}

	if apply != nil {
		if err := apply(snap); err != nil {
			if serr := tx.SendError(err); serr != nil {
				slog.Warn("migration: report failure", "err", serr)
			}
			return nil, fmt.Errorf("migration: apply: %w", err)
		}
	}
	if err := tx.SendReady(); err != nil {
		return nil, fmt.Errorf("migration: %w", err)
	}
	return snap, nil
}

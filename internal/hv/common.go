package hv

import (
	"errors"
)

var (
	ErrDeviceNotFound    = errors.New("device not found in snapshot")
	ErrSnapshotCorrupted = errors.New("snapshot corrupted")
)

type MMIORegion struct {
	Address uint64
	Size    uint64
}

// Contains reports whether the access [addr, addr+size) lies inside the region.
func (r MMIORegion) Contains(addr uint64, size int) bool {
	end := addr + uint64(size)
	if end < addr {
		return false
	}
	return addr >= r.Address && end <= r.Address+r.Size
}

// DeviceSnapshot is the opaque serialized state of a single device.
type DeviceSnapshot []byte

// DeviceSnapshotter is implemented by devices whose state survives a
// checkpoint. RestoreSnapshot must either apply the whole snapshot or leave
// the device untouched.
type DeviceSnapshotter interface {
	DeviceId() string
	CaptureSnapshot() (DeviceSnapshot, error)
	RestoreSnapshot(snap DeviceSnapshot) error
}

// SnapshotStager is a DeviceSnapshotter that can decode and validate a
// snapshot before applying it. The returned commit cannot fail and runs with
// the device's lock held.
type SnapshotStager interface {
	DeviceSnapshotter
	StageSnapshot(snap DeviceSnapshot) (commit func(), err error)
}

package hv

import "sort"

// Container header. The device table that follows ends with a CRC-32
// (IEEE) of its own bytes, computed before compression.
const (
	SnapshotMagic   uint32 = 0x44455653 // "DEVS"
	SnapshotVersion uint32 = 2

	SnapshotFlagCompressed uint32 = 1 << 0
)

// Snapshot holds the device state of a machine keyed by device id.
type Snapshot struct {
	Devices map[string]DeviceSnapshot
}

// NewSnapshot returns an empty snapshot.
func NewSnapshot() *Snapshot {
	return &Snapshot{Devices: make(map[string]DeviceSnapshot)}
}

// Add stores the state for id, replacing any previous entry.
func (s *Snapshot) Add(id string, data DeviceSnapshot) {
	if s.Devices == nil {
		s.Devices = make(map[string]DeviceSnapshot)
	}
	s.Devices[id] = data
}

// Device returns the state stored for id.
func (s *Snapshot) Device(id string) (DeviceSnapshot, error) {
	data, ok := s.Devices[id]
	if !ok {
		return nil, ErrDeviceNotFound
	}
	return data, nil
}

// DeviceIDs returns the stored device ids in sorted order.
func (s *Snapshot) DeviceIDs() []string {
	ids := make([]string, 0, len(s.Devices))
	for id := range s.Devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

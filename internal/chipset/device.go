package chipset

import (
	"context"
	"sync"

	"github.com/tinyrange/pl011/internal/hv"
)

// Device is a model attached to a Chipset. Everything beyond the lifecycle
// is discovered through the optional interfaces below.
type Device interface {
	Start() error
	Stop() error
	Reset() error
}

// MMIODevice decodes guest accesses that fall inside the windows it reports.
// Addresses passed to ReadMMIO and WriteMMIO are absolute bus addresses.
type MMIODevice interface {
	Device
	MMIORegions() []hv.MMIORegion
	ReadMMIO(addr uint64, data []byte) error
	WriteMMIO(addr uint64, data []byte) error
}

// Poller is a device with timer-driven work.
type Poller interface {
	Poll(ctx context.Context) error
}

// Serialized devices run every entry point (bus access, backend input,
// snapshot) while holding the lock handed to SetLock.
type Serialized interface {
	SetLock(l sync.Locker)
}

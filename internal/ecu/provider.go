package ecu

import (
	"github.com/shaunagostinho/obd-dash/internal/elm"
	"github.com/shaunagostinho/obd-dash/internal/obd"
)

// Provider is the interface that all adapter backends implement.
type Provider interface {
	// Name returns the human-readable name of this provider.
	Name() string
	// Connect opens the transport and runs the adapter handshake.
	Connect() error
	// Close stops polling and releases the transport.
	Close() error
	// IsConnected reports whether the handshake has completed and the
	// transport is still usable.
	IsConnected() bool
	// Snapshot returns the latest reading of every subscribed PID.
	// It never blocks on I/O and is safe from any goroutine.
	Snapshot() *DataFrame
}

// DataFrame is a point-in-time copy of the provider state.
type DataFrame struct {
	Adapter   string        `json:"adapter"`
	Banner    string        `json:"banner,omitempty"`
	Connected bool          `json:"connected"`
	Readings  []obd.Reading `json:"readings"`
	Errors    uint64        `json:"errors"` // failed PID polls since connect
	Stats     elm.Stats     `json:"stats"`
}

// Reading returns the entry for pid, if present.
func (f *DataFrame) Reading(pid uint16) (obd.Reading, bool) {
	for _, r := range f.Readings {
		if r.PID == pid {
			return r, true
		}
	}
	return obd.Reading{}, false
}

// Package device defines the capability set every USB device driver
// implements and the closed, ordered table of known driver variants.
package device

import (
	"encoding/json"

	"github.com/pixelbridge/pixelbridge-server/opc"
	"github.com/pixelbridge/pixelbridge-server/usb"
)

// Driver is the polymorphic capability set of a device driver. A Driver is
// constructed for exactly one physical attachment and owned by the registry
// from successful registration until removal. All methods except Open and
// ProbeAfterOpening are called with the registry lock held.
type Driver interface {
	// Open opens the device. May block for real-world I/O time.
	Open() error
	// ProbeAfterOpening confirms the device's identity with a hardware
	// round-trip. Some hardware cannot be told apart by enumeration metadata
	// alone.
	ProbeAfterOpening() bool
	// MatchConfiguration reports whether the opened device satisfies the given
	// configuration entry. The entry is the opaque per-device blob from the
	// config file.
	MatchConfiguration(entry json.RawMessage) bool
	// WriteColorCorrection forwards the opaque color-correction payload to the
	// device.
	WriteColorCorrection(color json.RawMessage) error
	// WriteMessage queues one frame for the device.
	WriteMessage(msg opc.Message) error
	// Flush pushes queued writes out and reclaims completed transfers.
	Flush() error
	// Name returns a human-readable device name for logging.
	Name() string
	// Info returns the enumeration info the driver was created for.
	Info() usb.DeviceInfo
	// Close releases the device. No other method may be called afterwards.
	Close() error
}

package device

import (
	"github.com/pixelbridge/pixelbridge-server/dmxdevice"
	"github.com/pixelbridge/pixelbridge-server/fcdevice"
	"github.com/pixelbridge/pixelbridge-server/usb"
	"go.uber.org/zap"
)

// Variant is one known driver family.
type Variant struct {
	// Name of the driver family for logging.
	Name string
	// Probe reports whether this variant recognizes the enumerated device.
	// Cheap, uses enumeration metadata only.
	Probe func(info usb.DeviceInfo) bool
	// New constructs the driver for a recognized device. Called at most once
	// per attachment.
	New func(logger *zap.Logger, info usb.DeviceInfo, transport usb.Transport) Driver
}

// Variants is the closed set of known driver families. Probe order is slice
// order: the first variant whose Probe accepts a device wins and no later
// variant is consulted.
var Variants = []Variant{
	{
		Name:  "fadecandy",
		Probe: fcdevice.Probe,
		New: func(logger *zap.Logger, info usb.DeviceInfo, transport usb.Transport) Driver {
			return fcdevice.New(logger, info, transport)
		},
	},
	{
		Name:  "enttec-dmx-usb-pro",
		Probe: dmxdevice.Probe,
		New: func(logger *zap.Logger, info usb.DeviceInfo, transport usb.Transport) Driver {
			return dmxdevice.New(logger, info, transport)
		},
	},
}

// Match returns the first variant recognizing the given device, or nil if no
// variant does.
func Match(variants []Variant, info usb.DeviceInfo) *Variant {
	for i := range variants {
		if variants[i].Probe(info) {
			return &variants[i]
		}
	}
	return nil
}

// Package usb abstracts the USB transport the server runs on: device
// enumeration, hotplug notification where the platform supports it, opening
// devices for writing and pumping transfer completions.
package usb

import (
	"context"
	"fmt"
)

// ID identifies a physically attached device. It is stable only while the
// device stays attached and is reused by the bus afterwards, which is exactly
// the lifetime the registry needs.
type ID struct {
	// Bus is the bus number the device is attached to.
	Bus int
	// Address is the address on the bus, assigned at attach time.
	Address int
}

func (id ID) String() string {
	return fmt.Sprintf("%d:%d", id.Bus, id.Address)
}

// DeviceInfo describes an enumerated device. It carries only enumeration
// metadata, no opened resources.
type DeviceInfo struct {
	// ID identifies the attachment.
	ID ID
	// Vendor is the USB vendor id.
	Vendor uint16
	// Product is the USB product id.
	Product uint16
}

// HotplugEvent describes what happened to a device.
type HotplugEvent int

const (
	// HotplugArrived means the device was attached.
	HotplugArrived HotplugEvent = iota
	// HotplugLeft means the device was detached.
	HotplugLeft
)

// HotplugFunc is called for every hotplug event. It runs synchronously on the
// transport's delivery goroutine and must return quickly.
type HotplugFunc func(info DeviceInfo, event HotplugEvent)

// Conn is an opened device. Writes go to the device's first OUT endpoint.
type Conn interface {
	// Write sends the given bytes to the device. May block for transfer time.
	Write(p []byte) (int, error)
	// SerialNumber reads the device's serial number string. Requires a hardware
	// round-trip.
	SerialNumber() (string, error)
	// Close releases the device.
	Close() error
}

// Transport is the USB transport consumed by the registry and the hotplug
// controller.
type Transport interface {
	// Devices enumerates all currently visible devices. May block and must
	// therefore never be called while holding the registry lock.
	Devices() ([]DeviceInfo, error)
	// Open opens the device with the given info for writing. May block.
	Open(info DeviceInfo) (Conn, error)
	// HasHotplug reports whether the transport delivers hotplug events itself.
	// When false, callers fall back to polling.
	HasHotplug() bool
	// RegisterHotplug registers the one hotplug callback and synchronously
	// delivers an arrival for every already-attached device.
	RegisterHotplug(fn HotplugFunc) error
	// PumpEvents processes pending transfer completions. It returns when there
	// is nothing left to do or the context is done. Errors are expected noise
	// under load and never fatal to the caller.
	PumpEvents(ctx context.Context) error
}

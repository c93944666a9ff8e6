// Package registry owns the set of currently attached, matched devices. All
// mutation and traversal is serialized under one lock: a device is never
// written to concurrently with its own removal, and a broadcast never sees a
// device mid-removal.
package registry

import (
	"encoding/json"
	"sync"

	"github.com/pixelbridge/pixelbridge-server/device"
	"github.com/pixelbridge/pixelbridge-server/opc"
	"github.com/pixelbridge/pixelbridge-server/usb"
	"go.uber.org/zap"
)

// AttachResult is the outcome of a TryAttach.
type AttachResult int

const (
	// ResultAttached means the device is now registered and color-corrected.
	ResultAttached AttachResult = iota
	// ResultAlreadyAttached means a device with the same id is already
	// registered.
	ResultAlreadyAttached
	// ResultUnknownDevice means no driver variant recognizes the device.
	ResultUnknownDevice
	// ResultOpenFailed means a driver recognized the device but opening it
	// failed. Retried naturally on the next arrival or poll observation.
	ResultOpenFailed
	// ResultProbeRejected means the device opened but the post-open probe
	// rejected it.
	ResultProbeRejected
	// ResultNoConfigMatch means no configuration entry accepted the device.
	ResultNoConfigMatch
)

func (result AttachResult) String() string {
	switch result {
	case ResultAttached:
		return "attached"
	case ResultAlreadyAttached:
		return "already-attached"
	case ResultUnknownDevice:
		return "unknown-device"
	case ResultOpenFailed:
		return "open-failed"
	case ResultProbeRejected:
		return "probe-rejected"
	case ResultNoConfigMatch:
		return "no-config-match"
	}
	return "unknown"
}

// EventType describes what happened to a registered device.
type EventType string

const (
	// EventAttached is emitted after successful registration.
	EventAttached EventType = "attached"
	// EventDetached is emitted after removal.
	EventDetached EventType = "detached"
)

// Event notifies about a registration change.
type Event struct {
	Type EventType
	Info usb.DeviceInfo
	Name string
}

// eventBuffer is the capacity of the event channel. Sends never block;
// events beyond the buffer are dropped.
const eventBuffer = 16

// Config is what New needs.
type Config struct {
	// Logger for attach/detach and error lines.
	Logger *zap.Logger
	// Transport devices are opened on.
	Transport usb.Transport
	// Variants is the ordered driver table, usually device.Variants.
	Variants []device.Variant
	// Color is the opaque color-correction payload, forwarded verbatim to
	// every device once at registration.
	Color json.RawMessage
	// DeviceConfigs are the opaque per-device configuration entries, matched
	// in declaration order.
	DeviceConfigs []json.RawMessage
}

// managedDevice pairs a driver with the configuration entry it satisfied.
type managedDevice struct {
	driver device.Driver
	// configIndex is the index of the matched entry in DeviceConfigs.
	configIndex int
}

// Registry is the device registry. Create it with New.
type Registry struct {
	config Config
	// m guards devices, order and every call into a registered driver.
	m sync.Mutex
	// devices holds the registered devices keyed by attachment id. The map
	// owns them: removal and destruction are one operation.
	devices map[usb.ID]*managedDevice
	// order keeps iteration in registration order. Not stable across
	// detach/reattach cycles.
	order  []usb.ID
	events chan Event
}

// New creates an empty Registry.
func New(config Config) *Registry {
	return &Registry{
		config:  config,
		devices: make(map[usb.ID]*managedDevice),
		events:  make(chan Event, eventBuffer),
	}
}

// TryAttach probes, opens and matches the given device against every known
// driver variant in table order and then every configuration entry in
// declaration order. Every rejection path closes the probed driver and
// leaves the registry unchanged. Holds the registry lock for its duration.
func (reg *Registry) TryAttach(info usb.DeviceInfo) AttachResult {
	reg.m.Lock()
	defer reg.m.Unlock()
	return reg.tryAttachLocked(info)
}

func (reg *Registry) tryAttachLocked(info usb.DeviceInfo) AttachResult {
	if _, ok := reg.devices[info.ID]; ok {
		return ResultAlreadyAttached
	}
	variant := device.Match(reg.config.Variants, info)
	if variant == nil {
		// Not hardware we know. Routine, not an error.
		return ResultUnknownDevice
	}
	drv := variant.New(reg.config.Logger, info, reg.config.Transport)
	if err := drv.Open(); err != nil {
		// Transient open failures (drivers still installing and the like) are
		// retried via the next arrival or poll observation, not here.
		reg.config.Logger.Debug("error opening device",
			zap.String("device_name", drv.Name()),
			zap.String("device", info.ID.String()),
			zap.Error(err))
		_ = drv.Close()
		return ResultOpenFailed
	}
	if !drv.ProbeAfterOpening() {
		// We were mistaken, this device is not actually one we want.
		_ = drv.Close()
		return ResultProbeRejected
	}
	for i, entry := range reg.config.DeviceConfigs {
		if !drv.MatchConfiguration(entry) {
			continue
		}
		// First matching configuration wins. We are keeping this device.
		if err := drv.WriteColorCorrection(reg.config.Color); err != nil {
			reg.config.Logger.Debug("write color correction",
				zap.String("device_name", drv.Name()), zap.Error(err))
		}
		reg.devices[info.ID] = &managedDevice{driver: drv, configIndex: i}
		reg.order = append(reg.order, info.ID)
		reg.config.Logger.Debug("usb device attached",
			zap.String("device_name", drv.Name()),
			zap.String("device", info.ID.String()),
			zap.Int("config_index", i))
		reg.emit(Event{Type: EventAttached, Info: info, Name: drv.Name()})
		return ResultAttached
	}
	reg.config.Logger.Debug("usb device has no matching configuration, not using it",
		zap.String("device_name", drv.Name()),
		zap.String("device", info.ID.String()))
	_ = drv.Close()
	return ResultNoConfigMatch
}

// Detach removes and closes the device with the given id. Reports whether a
// device was removed.
func (reg *Registry) Detach(id usb.ID) bool {
	reg.m.Lock()
	defer reg.m.Unlock()
	return reg.detachLocked(id)
}

func (reg *Registry) detachLocked(id usb.ID) bool {
	md, ok := reg.devices[id]
	if !ok {
		return false
	}
	delete(reg.devices, id)
	for i, orderedID := range reg.order {
		if orderedID == id {
			reg.order = append(reg.order[:i], reg.order[i+1:]...)
			break
		}
	}
	info := md.driver.Info()
	name := md.driver.Name()
	if err := md.driver.Close(); err != nil {
		reg.config.Logger.Debug("close removed device",
			zap.String("device_name", name), zap.Error(err))
	}
	reg.config.Logger.Debug("usb device removed",
		zap.String("device_name", name),
		zap.String("device", id.String()))
	reg.emit(Event{Type: EventDetached, Info: info, Name: name})
	return true
}

// Sync reconciles the registry with a fresh enumeration: attaches every
// enumerated device not yet registered and detaches every registered device
// no longer enumerated. Devices present on both sides are left untouched, not
// re-probed. The whole diff runs under one lock hold; enumeration itself must
// happen before calling, without the lock.
func (reg *Registry) Sync(enumerated []usb.DeviceInfo) {
	reg.m.Lock()
	defer reg.m.Unlock()
	seen := make(map[usb.ID]struct{}, len(enumerated))
	for _, info := range enumerated {
		seen[info.ID] = struct{}{}
		if _, ok := reg.devices[info.ID]; !ok {
			reg.tryAttachLocked(info)
		}
	}
	// Copy the order slice because detaching mutates it.
	registered := make([]usb.ID, len(reg.order))
	copy(registered, reg.order)
	for _, id := range registered {
		if _, ok := seen[id]; !ok {
			reg.detachLocked(id)
		}
	}
}

// Broadcast writes the frame to every registered device in registration
// order. A per-device write failure never aborts the fan-out.
func (reg *Registry) Broadcast(msg opc.Message) {
	reg.m.Lock()
	defer reg.m.Unlock()
	for _, id := range reg.order {
		md := reg.devices[id]
		if err := md.driver.WriteMessage(msg); err != nil {
			reg.config.Logger.Debug("write message to device",
				zap.String("device_name", md.driver.Name()), zap.Error(err))
		}
	}
}

// FlushAll lets every registered device push queued writes out.
func (reg *Registry) FlushAll() {
	reg.m.Lock()
	defer reg.m.Unlock()
	for _, id := range reg.order {
		md := reg.devices[id]
		if err := md.driver.Flush(); err != nil {
			reg.config.Logger.Debug("flush device",
				zap.String("device_name", md.driver.Name()), zap.Error(err))
		}
	}
}

// ForEach applies fn to every registered device in registration order while
// holding the registry lock. fn must not block on transport or network I/O.
func (reg *Registry) ForEach(fn func(drv device.Driver)) {
	reg.m.Lock()
	defer reg.m.Unlock()
	for _, id := range reg.order {
		fn(reg.devices[id].driver)
	}
}

// Handles returns a snapshot of the registered attachment ids in
// registration order.
func (reg *Registry) Handles() []usb.ID {
	reg.m.Lock()
	defer reg.m.Unlock()
	handles := make([]usb.ID, len(reg.order))
	copy(handles, reg.order)
	return handles
}

// Events returns the attach/detach notification channel.
func (reg *Registry) Events() <-chan Event {
	return reg.events
}

func (reg *Registry) emit(event Event) {
	select {
	case reg.events <- event:
	default:
		// Nobody is consuming fast enough. Presence events are advisory, so
		// dropping beats blocking the registry.
	}
}

package usb

import (
	"context"
	"time"

	"github.com/google/gousb"
	"github.com/pixelbridge/pixelbridge-server/errors"
	"go.uber.org/zap"
)

// pumpInterval paces PumpEvents for the gousb transport. gousb runs its own
// libusb event goroutine, so the pump only has to give the flush loop a
// heartbeat instead of busy-spinning.
const pumpInterval = 5 * time.Millisecond

// GoUSBTransport is the Transport implementation over github.com/google/gousb.
// gousb exposes no libusb hotplug callbacks, so HasHotplug reports false and
// attachment tracking runs in poll mode.
type GoUSBTransport struct {
	logger *zap.Logger
	ctx    *gousb.Context
}

// NewGoUSBTransport creates a GoUSBTransport with its own gousb context.
// Close it when done.
func NewGoUSBTransport(logger *zap.Logger) *GoUSBTransport {
	return &GoUSBTransport{
		logger: logger,
		ctx:    gousb.NewContext(),
	}
}

// Devices enumerates all attached devices via a descriptor walk without
// opening any of them.
func (t *GoUSBTransport) Devices() ([]DeviceInfo, error) {
	infos := make([]DeviceInfo, 0, 8)
	// The opener rejects everything, so OpenDevices only visits descriptors.
	_, err := t.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		infos = append(infos, DeviceInfo{
			ID:      ID{Bus: desc.Bus, Address: desc.Address},
			Vendor:  uint16(desc.Vendor),
			Product: uint16(desc.Product),
		})
		return false
	})
	if err != nil {
		return nil, errors.FromErr("enumerate devices", errors.ErrUSB, err, nil)
	}
	return infos, nil
}

// Open opens the device at the info's bus address and claims its default
// interface.
func (t *GoUSBTransport) Open(info DeviceInfo) (Conn, error) {
	devs, err := t.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Bus == info.ID.Bus && desc.Address == info.ID.Address
	})
	// gousb may report an error while still handing out opened devices. Keep
	// the first one, close the rest.
	for i, dev := range devs {
		if i > 0 {
			_ = dev.Close()
		}
	}
	if len(devs) == 0 {
		if err == nil {
			err = gousb.ErrorNotFound
		}
		return nil, errors.FromErr("open device", errors.ErrUSB, err,
			errors.Details{"device": info.ID.String()})
	}
	dev := devs[0]
	// Detach a possibly bound kernel driver so the interface claim succeeds.
	_ = dev.SetAutoDetach(true)
	intf, done, err := dev.DefaultInterface()
	if err != nil {
		_ = dev.Close()
		return nil, errors.FromErr("claim default interface", errors.ErrUSB, err,
			errors.Details{"device": info.ID.String()})
	}
	out, err := firstOutEndpoint(intf)
	if err != nil {
		done()
		_ = dev.Close()
		return nil, err
	}
	return &gousbConn{dev: dev, intf: intf, done: done, out: out}, nil
}

func firstOutEndpoint(intf *gousb.Interface) (*gousb.OutEndpoint, error) {
	for _, ep := range intf.Setting.Endpoints {
		if ep.Direction == gousb.EndpointDirectionOut {
			out, err := intf.OutEndpoint(ep.Number)
			if err != nil {
				return nil, errors.FromErr("open out endpoint", errors.ErrUSB, err,
					errors.Details{"endpoint": ep.Number})
			}
			return out, nil
		}
	}
	return nil, errors.FromErr("no out endpoint on default interface", errors.ErrUSB, nil, nil)
}

func (t *GoUSBTransport) HasHotplug() bool {
	return false
}

func (t *GoUSBTransport) RegisterHotplug(_ HotplugFunc) error {
	return errors.FromErr("hotplug not supported by gousb", errors.ErrUSB, nil, nil)
}

// PumpEvents waits one pump interval. Transfer completion handling itself
// happens on gousb's internal event goroutine.
func (t *GoUSBTransport) PumpEvents(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(pumpInterval):
		return nil
	}
}

// Close releases the gousb context.
func (t *GoUSBTransport) Close() error {
	return t.ctx.Close()
}

// gousbConn is the Conn for an opened gousb device.
type gousbConn struct {
	dev  *gousb.Device
	intf *gousb.Interface
	done func()
	out  *gousb.OutEndpoint
}

func (c *gousbConn) Write(p []byte) (int, error) {
	return c.out.Write(p)
}

func (c *gousbConn) SerialNumber() (string, error) {
	return c.dev.SerialNumber()
}

func (c *gousbConn) Close() error {
	c.done()
	return c.dev.Close()
}

// Package dmxdevice drives the Enttec DMX USB Pro: incoming frame data is
// packed into one DMX universe and sent in the Enttec serial envelope.
package dmxdevice

import (
	"encoding/json"

	"github.com/gobuffalo/nulls"
	"github.com/pixelbridge/pixelbridge-server/errors"
	"github.com/pixelbridge/pixelbridge-server/opc"
	"github.com/pixelbridge/pixelbridge-server/usb"
	"go.uber.org/zap"
)

// The widget enumerates as a plain FTDI serial converter.
const (
	vendorID  = 0x0403
	productID = 0x6001
)

const (
	// universeSize is the number of DMX slots in one universe.
	universeSize = 512
	// Enttec envelope bytes.
	startOfMessage = 0x7e
	endOfMessage   = 0xe7
	labelSendDMX   = 0x06
)

// Probe reports whether the enumerated device looks like an Enttec widget.
// FTDI's vendor/product ids are shared across many serial devices, which is
// why ProbeAfterOpening has to confirm.
func Probe(info usb.DeviceInfo) bool {
	return info.Vendor == vendorID && info.Product == productID
}

// configEntry is the shape of an Enttec device-configuration entry.
type configEntry struct {
	Type    string       `json:"type"`
	Serial  nulls.String `json:"serial"`
	Channel uint8        `json:"channel"`
}

// Device is an attached Enttec DMX USB Pro.
type Device struct {
	logger    *zap.Logger
	info      usb.DeviceInfo
	transport usb.Transport
	conn      usb.Conn
	serial    string
	// channel is the OPC channel this universe listens to.
	channel uint8
	// universe holds the DMX start code followed by 512 slots.
	universe [1 + universeSize]byte
	dirty    bool
}

// New creates the driver for the given enumerated device.
func New(logger *zap.Logger, info usb.DeviceInfo, transport usb.Transport) *Device {
	return &Device{
		logger:    logger,
		info:      info,
		transport: transport,
	}
}

func (d *Device) Open() error {
	conn, err := d.transport.Open(d.info)
	if err != nil {
		return errors.Wrap(err, "open enttec widget", nil)
	}
	d.conn = conn
	return nil
}

// ProbeAfterOpening confirms the widget answers a serial string request.
// Plenty of non-Enttec FTDI hardware matches Probe; hardware that will not
// even answer string requests is rejected here.
func (d *Device) ProbeAfterOpening() bool {
	serial, err := d.conn.SerialNumber()
	if err != nil {
		d.logger.Debug("ftdi device did not answer serial request",
			zap.String("device", d.info.ID.String()), zap.Error(err))
		return false
	}
	d.serial = serial
	return true
}

// MatchConfiguration requires an explicit "enttec" type. An FTDI descriptor
// alone is too generic to claim by default.
func (d *Device) MatchConfiguration(entry json.RawMessage) bool {
	var cfg configEntry
	if err := json.Unmarshal(entry, &cfg); err != nil {
		return false
	}
	if cfg.Type != "enttec" {
		return false
	}
	if cfg.Serial.Valid && cfg.Serial.String != d.serial {
		return false
	}
	d.channel = cfg.Channel
	return true
}

// WriteColorCorrection is a no-op: DMX slot values pass through uncorrected.
func (d *Device) WriteColorCorrection(_ json.RawMessage) error {
	return nil
}

// WriteMessage copies the frame data into the universe buffer. Each data byte
// is one DMX slot value.
func (d *Device) WriteMessage(msg opc.Message) error {
	if msg.Command != opc.CommandSetPixelColors {
		return nil
	}
	if msg.Channel != opc.BroadcastChannel && msg.Channel != d.channel {
		return nil
	}
	n := len(msg.Data)
	if n > universeSize {
		n = universeSize
	}
	copy(d.universe[1:1+n], msg.Data[:n])
	d.dirty = true
	return nil
}

// Flush sends the universe in one SendDMX envelope if it changed.
func (d *Device) Flush() error {
	if !d.dirty {
		return nil
	}
	d.dirty = false
	packet := make([]byte, 0, 5+len(d.universe))
	packet = append(packet, startOfMessage, labelSendDMX,
		byte(len(d.universe)&0xff), byte(len(d.universe)>>8))
	packet = append(packet, d.universe[:]...)
	packet = append(packet, endOfMessage)
	if _, err := d.conn.Write(packet); err != nil {
		return errors.Wrap(err, "write dmx packet", nil)
	}
	return nil
}

func (d *Device) Name() string {
	if d.serial != "" {
		return "Enttec DMX USB Pro (" + d.serial + ")"
	}
	return "Enttec DMX USB Pro"
}

func (d *Device) Info() usb.DeviceInfo {
	return d.info
}

func (d *Device) Close() error {
	if d.conn == nil {
		return nil
	}
	return d.conn.Close()
}

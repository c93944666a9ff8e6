// Package fcdevice drives Fadecandy LED controllers: 512 pixels, written as
// 64-byte framebuffer packets over the bulk OUT endpoint, with a 16-bit color
// lookup table uploaded once at registration.
package fcdevice

import (
	"encoding/binary"
	"encoding/json"
	"math"

	"github.com/gobuffalo/nulls"
	"github.com/pixelbridge/pixelbridge-server/errors"
	"github.com/pixelbridge/pixelbridge-server/opc"
	"github.com/pixelbridge/pixelbridge-server/usb"
	"go.uber.org/zap"
)

const (
	vendorID  = 0x1d50
	productID = 0x607a
)

const (
	// numPixels is the framebuffer size of the controller.
	numPixels = 512
	// pixelsPerPacket is how many RGB pixels fit one 64-byte packet after the
	// header byte.
	pixelsPerPacket = 21
	// packetSize is the fixed USB packet size.
	packetSize = 64
	// framebufferPackets covers all of numPixels.
	framebufferPackets = (numPixels + pixelsPerPacket - 1) / pixelsPerPacket
	// lutEntries is the per-channel size of the color lookup table.
	lutEntries = 257
	// lutEntriesPerPacket is how many 16-bit entries fit one packet after the
	// two header bytes.
	lutEntriesPerPacket = 31
	// lutPackets covers all three channels of the lookup table.
	lutPackets = (3*lutEntries + lutEntriesPerPacket - 1) / lutEntriesPerPacket
)

// Packet header bits.
const (
	typeFramebuffer = 0x00
	typeLUT         = 0x40
	finalBit        = 0x20
)

// Probe reports whether the enumerated device is a Fadecandy controller.
func Probe(info usb.DeviceInfo) bool {
	return info.Vendor == vendorID && info.Product == productID
}

// mapEntry routes a run of OPC pixels into the framebuffer:
// [opcChannel, firstOPCPixel, firstOutputPixel, pixelCount].
type mapEntry struct {
	channel     uint8
	firstOPC    int
	firstOutput int
	count       int
}

// configEntry is the shape of a Fadecandy device-configuration entry. Only
// consulted here; the rest of the server treats entries as opaque.
type configEntry struct {
	Type   string       `json:"type"`
	Serial nulls.String `json:"serial"`
	Map    [][]int64    `json:"map"`
}

// colorConfig is the shape of the color-correction payload this driver
// understands.
type colorConfig struct {
	Gamma      float64    `json:"gamma"`
	Whitepoint [3]float64 `json:"whitepoint"`
}

// Device is an attached Fadecandy controller.
type Device struct {
	logger    *zap.Logger
	info      usb.DeviceInfo
	transport usb.Transport
	conn      usb.Conn
	serial    string
	// mapping routes OPC frames into the framebuffer. Set by
	// MatchConfiguration.
	mapping []mapEntry
	// framebuffer packets, headers pre-set. Flushed when dirty.
	framebuffer [framebufferPackets][packetSize]byte
	dirty       bool
}

// New creates the driver for the given enumerated device. The registry
// serializes all calls on the returned Device under its lock, so the Device
// keeps no lock of its own.
func New(logger *zap.Logger, info usb.DeviceInfo, transport usb.Transport) *Device {
	d := &Device{
		logger:    logger,
		info:      info,
		transport: transport,
	}
	for i := 0; i < framebufferPackets; i++ {
		d.framebuffer[i][0] = typeFramebuffer | byte(i)
	}
	d.framebuffer[framebufferPackets-1][0] |= finalBit
	return d
}

func (d *Device) Open() error {
	conn, err := d.transport.Open(d.info)
	if err != nil {
		return errors.Wrap(err, "open fadecandy", nil)
	}
	d.conn = conn
	return nil
}

// ProbeAfterOpening reads the serial number. A device that does not answer
// the string request is not a working Fadecandy, whatever its descriptor
// claims.
func (d *Device) ProbeAfterOpening() bool {
	serial, err := d.conn.SerialNumber()
	if err != nil {
		d.logger.Debug("fadecandy did not answer serial request",
			zap.String("device", d.info.ID.String()), zap.Error(err))
		return false
	}
	d.serial = serial
	return true
}

func (d *Device) MatchConfiguration(entry json.RawMessage) bool {
	var cfg configEntry
	if err := json.Unmarshal(entry, &cfg); err != nil {
		return false
	}
	if cfg.Type != "" && cfg.Type != "fadecandy" {
		return false
	}
	if cfg.Serial.Valid && cfg.Serial.String != d.serial {
		return false
	}
	d.mapping = d.mapping[:0]
	for _, raw := range cfg.Map {
		if !validMapEntry(raw) {
			d.logger.Debug("ignoring malformed map entry", zap.Int64s("entry", raw))
			continue
		}
		d.mapping = append(d.mapping, mapEntry{
			channel:     uint8(raw[0]),
			firstOPC:    int(raw[1]),
			firstOutput: int(raw[2]),
			count:       int(raw[3]),
		})
	}
	if len(d.mapping) == 0 {
		// No explicit map: route channel 0 straight through.
		d.mapping = append(d.mapping, mapEntry{count: numPixels})
	}
	return true
}

// validMapEntry reports whether the raw map entry has the
// [channel, firstOPC, firstOutput, count] shape with every field in range.
// Negative offsets or counts would index outside the framebuffer, and a
// channel beyond 255 cannot appear in an OPC header.
func validMapEntry(raw []int64) bool {
	if len(raw) != 4 {
		return false
	}
	if raw[0] < 0 || raw[0] > 255 {
		return false
	}
	return raw[1] >= 0 && raw[2] >= 0 && raw[3] >= 0
}

// WriteColorCorrection computes the gamma/whitepoint lookup table and uploads
// it immediately.
func (d *Device) WriteColorCorrection(color json.RawMessage) error {
	cfg := colorConfig{Gamma: 1.0, Whitepoint: [3]float64{1, 1, 1}}
	if len(color) > 0 {
		if err := json.Unmarshal(color, &cfg); err != nil {
			d.logger.Debug("unparseable color correction, using defaults", zap.Error(err))
		}
	}
	if cfg.Gamma <= 0 {
		cfg.Gamma = 1.0
	}
	var entries [3 * lutEntries]uint16
	for ch := 0; ch < 3; ch++ {
		for i := 0; i < lutEntries; i++ {
			v := cfg.Whitepoint[ch] * math.Pow(float64(i)/(lutEntries-1), cfg.Gamma)
			if v < 0 {
				v = 0
			}
			if v > 1 {
				v = 1
			}
			entries[ch*lutEntries+i] = uint16(v*0xffff + 0.5)
		}
	}
	var packet [packetSize]byte
	for p := 0; p < lutPackets; p++ {
		packet[0] = typeLUT | byte(p)
		if p == lutPackets-1 {
			packet[0] |= finalBit
		}
		packet[1] = 0
		for e := 0; e < lutEntriesPerPacket; e++ {
			idx := p*lutEntriesPerPacket + e
			var v uint16
			if idx < len(entries) {
				v = entries[idx]
			}
			binary.LittleEndian.PutUint16(packet[2+e*2:], v)
		}
		if _, err := d.conn.Write(packet[:]); err != nil {
			return errors.Wrap(err, "write lut packet", errors.Details{"packet": p})
		}
	}
	return nil
}

// WriteMessage routes the frame's pixels through the configured mapping into
// the framebuffer. The actual USB write happens in Flush.
func (d *Device) WriteMessage(msg opc.Message) error {
	if msg.Command != opc.CommandSetPixelColors {
		return nil
	}
	pixels := len(msg.Data) / 3
	for _, entry := range d.mapping {
		if msg.Channel != opc.BroadcastChannel && msg.Channel != entry.channel {
			continue
		}
		for p := 0; p < entry.count; p++ {
			src := entry.firstOPC + p
			dst := entry.firstOutput + p
			if src >= pixels || dst >= numPixels {
				break
			}
			pkt := dst / pixelsPerPacket
			off := 1 + (dst%pixelsPerPacket)*3
			copy(d.framebuffer[pkt][off:off+3], msg.Data[src*3:src*3+3])
		}
		d.dirty = true
	}
	return nil
}

// Flush writes the framebuffer out if it changed since the last flush.
func (d *Device) Flush() error {
	if !d.dirty {
		return nil
	}
	d.dirty = false
	for i := range d.framebuffer {
		if _, err := d.conn.Write(d.framebuffer[i][:]); err != nil {
			return errors.Wrap(err, "write framebuffer packet", errors.Details{"packet": i})
		}
	}
	return nil
}

func (d *Device) Name() string {
	if d.serial != "" {
		return "Fadecandy (" + d.serial + ")"
	}
	return "Fadecandy"
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

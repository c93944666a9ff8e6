package fcdevice

import (
	"encoding/binary"
	"encoding/json"
	"testing"

	"github.com/pixelbridge/pixelbridge-server/opc"
	"github.com/pixelbridge/pixelbridge-server/usb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func fcInfo() usb.DeviceInfo {
	return usb.DeviceInfo{ID: usb.ID{Bus: 1, Address: 4}, Vendor: vendorID, Product: productID}
}

// openedDevice returns an opened, post-open-probed device plus the mock conn
// recording its writes.
func openedDevice(t *testing.T, serial string) (*Device, *usb.MockConn) {
	t.Helper()
	transport := usb.NewMockTransport()
	conn := transport.AddDevice(fcInfo())
	conn.Serial = serial
	d := New(zap.New(zapcore.NewNopCore()), fcInfo(), transport)
	require.NoError(t, d.Open(), "open should not fail")
	require.True(t, d.ProbeAfterOpening(), "post-open probe should accept")
	return d, conn
}

func TestProbe(t *testing.T) {
	assert.True(t, Probe(fcInfo()), "fadecandy ids should be recognized")
	assert.False(t, Probe(usb.DeviceInfo{Vendor: 0x0403, Product: 0x6001}),
		"foreign ids should be rejected")
}

func TestProbeAfterOpeningRejectsSilentDevice(t *testing.T) {
	transport := usb.NewMockTransport()
	conn := transport.AddDevice(fcInfo())
	conn.SerialErr = assert.AnError
	d := New(zap.New(zapcore.NewNopCore()), fcInfo(), transport)
	require.NoError(t, d.Open(), "open should not fail")
	assert.False(t, d.ProbeAfterOpening(), "device without serial should be rejected")
}

func TestMatchConfiguration(t *testing.T) {
	tests := []struct {
		name  string
		entry string
		want  bool
	}{
		{name: "empty entry", entry: `{}`, want: true},
		{name: "explicit type", entry: `{"type":"fadecandy"}`, want: true},
		{name: "wrong type", entry: `{"type":"enttec"}`, want: false},
		{name: "matching serial", entry: `{"serial":"FC-1"}`, want: true},
		{name: "wrong serial", entry: `{"serial":"FC-2"}`, want: false},
		{name: "not an object", entry: `[1,2]`, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, _ := openedDevice(t, "FC-1")
			assert.Equal(t, tt.want, d.MatchConfiguration(json.RawMessage(tt.entry)),
				"match result should be as expected")
		})
	}
}

// TestWriteMessageDefaultMapping assures that without an explicit map,
// channel 0 pixels route straight into the framebuffer.
func TestWriteMessageDefaultMapping(t *testing.T) {
	d, conn := openedDevice(t, "FC-1")
	require.True(t, d.MatchConfiguration(json.RawMessage(`{}`)), "wildcard entry should match")
	require.NoError(t, d.WriteMessage(opc.Message{
		Command: opc.CommandSetPixelColors,
		Data:    []byte{10, 20, 30, 40, 50, 60},
	}), "write should not fail")
	require.NoError(t, d.Flush(), "flush should not fail")

	writes := conn.Writes()
	require.Len(t, writes, framebufferPackets, "flush should write the whole framebuffer")
	first := writes[0]
	assert.EqualValues(t, typeFramebuffer|0, first[0], "first packet header should carry index 0")
	assert.Equal(t, []byte{10, 20, 30}, first[1:4], "pixel 0 should land at the packet start")
	assert.Equal(t, []byte{40, 50, 60}, first[4:7], "pixel 1 should follow")
	last := writes[len(writes)-1]
	assert.EqualValues(t, typeFramebuffer|finalBit|byte(framebufferPackets-1), last[0],
		"last packet should carry the final bit")
}

// TestWriteMessageMapRouting assures map entries route OPC pixel runs to
// their configured output positions and channels.
func TestWriteMessageMapRouting(t *testing.T) {
	d, conn := openedDevice(t, "FC-1")
	// Route two pixels of OPC channel 3, starting at OPC pixel 1, to output
	// pixels 21 and 22 (the start of the second packet).
	require.True(t, d.MatchConfiguration(json.RawMessage(`{"map":[[3,1,21,2]]}`)),
		"entry with map should match")
	require.NoError(t, d.WriteMessage(opc.Message{
		Channel: 3,
		Command: opc.CommandSetPixelColors,
		Data:    []byte{1, 1, 1, 2, 2, 2, 3, 3, 3},
	}), "write should not fail")
	require.NoError(t, d.Flush(), "flush should not fail")
	writes := conn.Writes()
	require.Len(t, writes, framebufferPackets, "flush should write the whole framebuffer")
	second := writes[1]
	assert.Equal(t, []byte{2, 2, 2}, second[1:4], "OPC pixel 1 should land on output pixel 21")
	assert.Equal(t, []byte{3, 3, 3}, second[4:7], "OPC pixel 2 should land on output pixel 22")

	// A frame for an unrelated channel must not dirty the framebuffer.
	before := len(conn.Writes())
	require.NoError(t, d.WriteMessage(opc.Message{
		Channel: 7,
		Command: opc.CommandSetPixelColors,
		Data:    []byte{9, 9, 9},
	}), "write should not fail")
	require.NoError(t, d.Flush(), "flush should not fail")
	assert.Len(t, conn.Writes(), before, "frame for another channel should not trigger a flush")
}

// TestMatchConfigurationRejectsBadMapEntries assures that map entries with
// out-of-range fields are dropped at match time: a config typo must route
// nothing instead of corrupting framebuffer indexing on the first frame.
func TestMatchConfigurationRejectsBadMapEntries(t *testing.T) {
	d, conn := openedDevice(t, "FC-1")
	// One valid entry among rejects: wrong arity, negative source, negative
	// destination, negative count, channel beyond the OPC header range.
	require.True(t, d.MatchConfiguration(json.RawMessage(
		`{"map":[[0,0],[0,-1,0,4],[0,0,-5,4],[0,0,0,-1],[256,0,0,4],[3,0,21,1]]}`)),
		"entry with a valid map line should match")
	require.NoError(t, d.WriteMessage(opc.Message{
		Channel: 3,
		Command: opc.CommandSetPixelColors,
		Data:    []byte{8, 8, 8},
	}), "write should not fail")
	require.NoError(t, d.Flush(), "flush should not fail")
	writes := conn.Writes()
	require.Len(t, writes, framebufferPackets, "flush should write the whole framebuffer")
	assert.Equal(t, []byte{8, 8, 8}, writes[1][1:4], "only the valid map line should route")
}

// TestWriteMessageNegativeMapOffsets assures that a map consisting solely of
// out-of-range entries degrades to the default routing and frames are still
// handled without touching memory outside the framebuffer.
func TestWriteMessageNegativeMapOffsets(t *testing.T) {
	d, conn := openedDevice(t, "FC-1")
	require.True(t, d.MatchConfiguration(json.RawMessage(`{"map":[[0,-1,0,4]]}`)),
		"entry should still match")
	require.NoError(t, d.WriteMessage(opc.Message{
		Command: opc.CommandSetPixelColors,
		Data:    []byte{1, 2, 3},
	}), "frame handling should not fail")
	require.NoError(t, d.Flush(), "flush should not fail")
	writes := conn.Writes()
	require.Len(t, writes, framebufferPackets, "default routing should take over")
	assert.Equal(t, []byte{1, 2, 3}, writes[0][1:4], "pixels should land via the default map")
}

func TestFlushOnlyWhenDirty(t *testing.T) {
	d, conn := openedDevice(t, "FC-1")
	require.True(t, d.MatchConfiguration(json.RawMessage(`{}`)), "wildcard entry should match")
	require.NoError(t, d.Flush(), "flush should not fail")
	assert.Empty(t, conn.Writes(), "flush without pending pixels should write nothing")
	require.NoError(t, d.WriteMessage(opc.Message{Command: opc.CommandSetPixelColors, Data: []byte{1, 2, 3}}),
		"write should not fail")
	require.NoError(t, d.Flush(), "flush should not fail")
	require.NoError(t, d.Flush(), "second flush should not fail")
	assert.Len(t, conn.Writes(), framebufferPackets, "only the first flush should write")
}

// TestWriteColorCorrection assures the lookup table upload shape: all
// packets, headers and a monotonic identity-gamma curve.
func TestWriteColorCorrection(t *testing.T) {
	d, conn := openedDevice(t, "FC-1")
	require.NoError(t, d.WriteColorCorrection(json.RawMessage(`{"gamma":1.0,"whitepoint":[1,1,1]}`)),
		"color correction should not fail")
	writes := conn.Writes()
	require.Len(t, writes, lutPackets, "upload should cover the whole lookup table")
	assert.EqualValues(t, typeLUT|0, writes[0][0], "first packet header should carry index 0")
	assert.EqualValues(t, typeLUT|finalBit|byte(lutPackets-1), writes[lutPackets-1][0],
		"last packet should carry the final bit")
	assert.EqualValues(t, 0, binary.LittleEndian.Uint16(writes[0][2:4]),
		"identity curve should start at 0")
	// Entry 256 of channel 0 is full scale.
	pkt := 256 / lutEntriesPerPacket
	off := 2 + (256%lutEntriesPerPacket)*2
	assert.EqualValues(t, 0xffff, binary.LittleEndian.Uint16(writes[pkt][off:off+2]),
		"identity curve should end at full scale")
}

func TestName(t *testing.T) {
	d, _ := openedDevice(t, "FC-1")
	assert.Equal(t, "Fadecandy (FC-1)", d.Name(), "name should include the serial")
}

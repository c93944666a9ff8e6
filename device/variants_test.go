package device_test

import (
	"testing"

	"github.com/pixelbridge/pixelbridge-server/device"
	"github.com/pixelbridge/pixelbridge-server/usb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchKnownDevices(t *testing.T) {
	tests := []struct {
		name string
		info usb.DeviceInfo
		want string
	}{
		{
			name: "fadecandy",
			info: usb.DeviceInfo{Vendor: 0x1d50, Product: 0x607a},
			want: "fadecandy",
		},
		{
			name: "enttec widget",
			info: usb.DeviceInfo{Vendor: 0x0403, Product: 0x6001},
			want: "enttec-dmx-usb-pro",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := device.Match(device.Variants, tt.info)
			require.NotNil(t, v, "variant should be found")
			assert.Equal(t, tt.want, v.Name, "variant name should match")
		})
	}
}

func TestMatchUnknownDevice(t *testing.T) {
	v := device.Match(device.Variants, usb.DeviceInfo{Vendor: 0x05ac, Product: 0x0250})
	assert.Nil(t, v, "unknown ids should match no variant")
}

// TestMatchFirstWins assures probe order is slice order.
func TestMatchFirstWins(t *testing.T) {
	all := func(usb.DeviceInfo) bool { return true }
	variants := []device.Variant{
		{Name: "first", Probe: all},
		{Name: "second", Probe: all},
	}
	v := device.Match(variants, usb.DeviceInfo{})
	require.NotNil(t, v, "variant should be found")
	assert.Equal(t, "first", v.Name, "earlier variant should win")
}

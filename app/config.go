package app

import (
	"encoding/json"
	"net"
	"strconv"
	"strings"

	"github.com/gobuffalo/nulls"
	"github.com/pixelbridge/pixelbridge-server/errors"
	"github.com/pixelbridge/pixelbridge-server/logging"
)

// Config is the configuration needed in order to boot an App.
type Config struct {
	// Listen is where the TCP OPC sink accepts connections.
	Listen ListenAddr
	// Color is the opaque color-correction payload, forwarded verbatim to
	// devices.
	Color json.RawMessage
	// Devices are the opaque device-configuration entries in declaration
	// order.
	Devices []json.RawMessage
	// Verbose enables debug-level console output.
	Verbose bool
	// WSListen is the optional address for the websocket OPC sink.
	WSListen nulls.String
	// MQTTAddr is the optional address of an MQTT server for presence
	// announcements.
	MQTTAddr nulls.String
	// Log configures file outputs.
	Log logging.Config
}

// ListenAddr is a parsed [host, port] listen tuple. An absent host means
// wildcard.
type ListenAddr struct {
	Host nulls.String
	Port uint16
}

// Addr renders the address for net.Listen.
func (addr ListenAddr) Addr() string {
	host := ""
	if addr.Host.Valid {
		host = addr.Host.String
	}
	return net.JoinHostPort(host, strconv.Itoa(int(addr.Port)))
}

// rawConfig keeps the problematic keys raw so that validation can report
// every problem at once instead of halting at the first one.
type rawConfig struct {
	Listen   json.RawMessage `json:"listen"`
	Color    json.RawMessage `json:"color"`
	Devices  json.RawMessage `json:"devices"`
	Verbose  bool            `json:"verbose"`
	WSListen nulls.String    `json:"ws_listen"`
	MQTTAddr nulls.String    `json:"mqtt_addr"`
	Log      logging.Config  `json:"log"`
}

// ParseConfig parses and validates the configuration. Validation problems
// accumulate into one error report so that a broken config file is fixed in
// one round.
func ParseConfig(data []byte) (Config, error) {
	var raw rawConfig
	if err := json.Unmarshal(data, &raw); err != nil {
		return Config{}, errors.FromErr("config is not valid json", errors.ErrBadConfig, err, nil)
	}
	report := make([]string, 0)
	config := Config{
		Color:    raw.Color,
		Verbose:  raw.Verbose,
		WSListen: raw.WSListen,
		MQTTAddr: raw.MQTTAddr,
		Log:      raw.Log,
	}
	config.Listen = parseListen(raw.Listen, &report)
	config.Devices = parseDevices(raw.Devices, &report)
	if len(report) > 0 {
		return Config{}, errors.Error{
			Code:    errors.ErrBadConfig,
			Message: strings.Join(report, "\n"),
		}
	}
	return config, nil
}

// parseListen parses the [host, port] tuple.
func parseListen(raw json.RawMessage, report *[]string) ListenAddr {
	var addr ListenAddr
	if raw == nil {
		*report = append(*report, "the required 'listen' configuration key must be a [host, port] list")
		return addr
	}
	var tuple []json.RawMessage
	if err := json.Unmarshal(raw, &tuple); err != nil || len(tuple) != 2 {
		*report = append(*report, "the required 'listen' configuration key must be a [host, port] list")
		return addr
	}
	if err := json.Unmarshal(tuple[0], &addr.Host); err != nil {
		*report = append(*report, "hostname in 'listen' must be null (any) or a hostname string")
	}
	var port int
	if err := json.Unmarshal(tuple[1], &port); err != nil || port < 1 || port > 65535 {
		*report = append(*report, "the 'listen' port must be an integer between 1 and 65535")
	} else {
		addr.Port = uint16(port)
	}
	return addr
}

// parseDevices validates that the devices key is an array and keeps the
// entries opaque.
func parseDevices(raw json.RawMessage, report *[]string) []json.RawMessage {
	if raw == nil {
		*report = append(*report, "the required 'devices' configuration key must be an array")
		return nil
	}
	var devices []json.RawMessage
	if err := json.Unmarshal(raw, &devices); err != nil {
		*report = append(*report, "the required 'devices' configuration key must be an array")
		return nil
	}
	return devices
}

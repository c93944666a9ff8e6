// Package statuspub announces device attach/detach events over MQTT so that
// deployment tooling can watch which controllers a server currently drives.
package statuspub

import (
	"context"
	"encoding/json"
	"fmt"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pixelbridge/pixelbridge-server/errors"
	"github.com/pixelbridge/pixelbridge-server/registry"
	"go.uber.org/zap"
)

const mqttQOS = 0

// disconnectQuiesce is the maximum time in milliseconds granted for a clean
// MQTT disconnect.
const disconnectQuiesce = 5000

// Topics.
const (
	// topicDeviceOnline is where attached devices are announced.
	topicDeviceOnline = "pixelbridge/devices/online"
	// topicDeviceOffline is where removed devices are announced.
	topicDeviceOffline = "pixelbridge/devices/offline"
)

// Config is the config for the Publisher.
type Config struct {
	// MQTTAddr is the address where the MQTT-server is found.
	MQTTAddr string
	// ClientID for the MQTT connection.
	ClientID string
}

// announcement is the published payload.
type announcement struct {
	Device  string `json:"device"`
	Name    string `json:"name"`
	Vendor  string `json:"vendor"`
	Product string `json:"product"`
}

// Publisher forwards registry events to MQTT. Create it with NewPublisher and
// run it with Run. Never run it twice.
type Publisher struct {
	logger *zap.Logger
	config Config
	events <-chan registry.Event
}

// NewPublisher creates a Publisher consuming the given event channel.
func NewPublisher(logger *zap.Logger, config Config, events <-chan registry.Event) *Publisher {
	return &Publisher{
		logger: logger,
		config: config,
		events: events,
	}
}

// Run connects and publishes until the given context is done.
func (p *Publisher) Run(ctx context.Context) error {
	clientOptions := mqtt.NewClientOptions().AddBroker(p.config.MQTTAddr).
		SetClientID(p.config.ClientID)
	c := mqtt.NewClient(clientOptions)
	if token := c.Connect(); token.Wait() && token.Error() != nil {
		return errors.Error{
			Code:    errors.ErrCommunication,
			Err:     token.Error(),
			Message: "connect to mqtt",
			Details: errors.Details{"mqtt_addr": p.config.MQTTAddr},
		}
	}
	p.logger.Info("connected to mqtt server", zap.String("mqtt_addr", p.config.MQTTAddr))
	defer c.Disconnect(disconnectQuiesce)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event := <-p.events:
			p.publish(c, event)
		}
	}
}

func (p *Publisher) publish(c mqtt.Client, event registry.Event) {
	topic := topicDeviceOnline
	if event.Type == registry.EventDetached {
		topic = topicDeviceOffline
	}
	payload, err := json.Marshal(announcement{
		Device:  event.Info.ID.String(),
		Name:    event.Name,
		Vendor:  fmt.Sprintf("%04x", event.Info.Vendor),
		Product: fmt.Sprintf("%04x", event.Info.Product),
	})
	if err != nil {
		errors.Log(p.logger, errors.Wrap(err, "marshal announcement", nil))
		return
	}
	if token := c.Publish(topic, mqttQOS, false, payload); token.Wait() && token.Error() != nil {
		errors.Log(p.logger, errors.FromErr("publish announcement", errors.ErrCommunication,
			token.Error(), errors.Details{"topic": topic}))
	}
}

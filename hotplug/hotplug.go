// Package hotplug turns USB arrival and removal observations into registry
// attach/detach calls. On transports with native hotplug notification it
// registers one event callback; everywhere else it approximates the same
// guarantees with a polling loop.
package hotplug

import (
	"context"
	"time"

	"github.com/pixelbridge/pixelbridge-server/errors"
	"github.com/pixelbridge/pixelbridge-server/registry"
	"github.com/pixelbridge/pixelbridge-server/usb"
	"go.uber.org/zap"
)

// DefaultPollInterval is how often poll mode re-enumerates the bus.
const DefaultPollInterval = time.Second

// Registry is what the controller needs from the device registry.
type Registry interface {
	// TryAttach attempts the full attach sequence for a newly seen device.
	TryAttach(info usb.DeviceInfo) registry.AttachResult
	// Detach removes the device with the given id if registered.
	Detach(id usb.ID) bool
	// Sync reconciles the registry with a fresh enumeration under one lock
	// hold.
	Sync(enumerated []usb.DeviceInfo)
}

// Controller feeds one Registry from one Transport. Create it with
// NewController and drive it with Run.
type Controller struct {
	logger    *zap.Logger
	transport usb.Transport
	registry  Registry
	// pollInterval is the poll-mode interval. Variable for tests.
	pollInterval time.Duration
}

// NewController creates a Controller with the default poll interval.
func NewController(logger *zap.Logger, transport usb.Transport, reg Registry) *Controller {
	return &Controller{
		logger:       logger,
		transport:    transport,
		registry:     reg,
		pollInterval: DefaultPollInterval,
	}
}

// Run selects the operating mode once from the transport's capability and
// runs until the given context is done. In event mode the transport delivers
// events on its own goroutine; Run only keeps the registration alive. In poll
// mode Run's goroutine does the polling.
func (c *Controller) Run(ctx context.Context) error {
	if c.transport.HasHotplug() {
		if err := c.transport.RegisterHotplug(c.handleEvent); err != nil {
			return errors.Wrap(err, "register hotplug callback", nil)
		}
		c.logger.Info("hotplug events in native mode")
		<-ctx.Done()
		return ctx.Err()
	}
	c.logger.Info("no native hotplug support, emulating with polling",
		zap.Duration("poll_interval", c.pollInterval))
	return c.runPollLoop(ctx)
}

// handleEvent runs synchronously on the transport's delivery goroutine and
// must complete quickly: it holds the registry lock for its duration.
func (c *Controller) handleEvent(info usb.DeviceInfo, event usb.HotplugEvent) {
	switch event {
	case usb.HotplugArrived:
		c.registry.TryAttach(info)
	case usb.HotplugLeft:
		c.registry.Detach(info.ID)
	}
}

// runPollLoop diffs the bus against the registry once per interval until the
// context is done. An enumeration failure is logged and the loop carries on;
// a transient failure must not kill attachment tracking for the rest of the
// process lifetime.
func (c *Controller) runPollLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		c.poll()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// poll enumerates without holding the registry lock, then hands the snapshot
// to the registry for the locked diff-and-mutate step.
func (c *Controller) poll() {
	devices, err := c.transport.Devices()
	if err != nil {
		errors.Log(c.logger, errors.Wrap(err, "poll for usb devices", nil))
		return
	}
	c.registry.Sync(devices)
}

package app

import (
	"context"
	stderrors "errors"

	"github.com/pixelbridge/pixelbridge-server/device"
	"github.com/pixelbridge/pixelbridge-server/errors"
	"github.com/pixelbridge/pixelbridge-server/hotplug"
	"github.com/pixelbridge/pixelbridge-server/logging"
	"github.com/pixelbridge/pixelbridge-server/opc"
	"github.com/pixelbridge/pixelbridge-server/registry"
	"github.com/pixelbridge/pixelbridge-server/statuspub"
	"github.com/pixelbridge/pixelbridge-server/usb"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// mqttClientID identifies this server on the MQTT broker.
const mqttClientID = "pixelbridge-server"

// App is a complete pixelbridge server instance.
type App struct {
	// config is the main config used for the App.
	config Config
}

// NewApp creates an App from the given parsed Config.
func NewApp(config Config) *App {
	return &App{config: config}
}

// Boot sets everything up based on the set config and runs until the given
// context is done.
func (app *App) Boot(ctx context.Context) error {
	stdoutLevel := zap.InfoLevel
	if app.config.Verbose {
		stdoutLevel = zap.DebugLevel
	}
	logger := logging.NewLogger(app.config.Log, stdoutLevel)
	defer func() { _ = logger.Sync() }()
	if err := app.boot(ctx, logger); err != nil {
		err = errors.Wrap(err, "boot", nil)
		errors.Log(logging.ForTopic(logger, "app"), err)
		return err
	}
	return nil
}

func (app *App) boot(ctx context.Context, logger *zap.Logger) error {
	appLogger := logging.ForTopic(logger, "app")
	appLogger.Info("booting up")
	// Create the USB transport.
	transport := usb.NewGoUSBTransport(logging.ForTopic(logger, "usb"))
	defer func() { _ = transport.Close() }()
	// Create the registry.
	reg := registry.New(registry.Config{
		Logger:        logging.ForTopic(logger, "registry"),
		Transport:     transport,
		Variants:      device.Variants,
		Color:         app.config.Color,
		DeviceConfigs: app.config.Devices,
	})
	// Create the hotplug controller.
	controller := hotplug.NewController(logging.ForTopic(logger, "hotplug"), transport, reg)
	// Create the sinks, broadcasting every decoded frame to all registered
	// devices.
	tcpSink := opc.NewTCPSink(logging.ForTopic(logger, "opc"), app.config.Listen.Addr(), reg.Broadcast)
	if err := tcpSink.Listen(); err != nil {
		return errors.Wrap(err, "listen for opc connections", nil)
	}
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return ignoreCanceled(tcpSink.Run(egCtx))
	})
	if app.config.WSListen.Valid {
		wsSink := opc.NewWSSink(logging.ForTopic(logger, "opc-ws"), app.config.WSListen.String, reg.Broadcast)
		eg.Go(func() error {
			return ignoreCanceled(wsSink.Run(egCtx))
		})
	}
	eg.Go(func() error {
		return ignoreCanceled(controller.Run(egCtx))
	})
	eg.Go(func() error {
		return ignoreCanceled(runFlushLoop(egCtx, logging.ForTopic(logger, "usb"), transport, reg))
	})
	if app.config.MQTTAddr.Valid {
		publisher := statuspub.NewPublisher(logging.ForTopic(logger, "mqtt"), statuspub.Config{
			MQTTAddr: app.config.MQTTAddr.String,
			ClientID: mqttClientID,
		}, reg.Events())
		eg.Go(func() error {
			// Presence announcements are best effort and never take the
			// server down.
			if err := ignoreCanceled(publisher.Run(egCtx)); err != nil {
				errors.Log(logging.ForTopic(logger, "mqtt"), errors.Wrap(err, "run status publisher", nil))
			}
			return nil
		})
	}
	appLogger.Info("pixelbridge server running",
		zap.String("listen", app.config.Listen.Addr()),
		zap.Int("configured_devices", len(app.config.Devices)))
	err := eg.Wait()
	appLogger.Info("shutting down")
	return ignoreCanceled(err)
}

// ignoreCanceled drops context cancellation errors: a requested shutdown is
// not a failure.
func ignoreCanceled(err error) error {
	if stderrors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

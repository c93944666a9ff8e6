package app

import (
	"context"

	"github.com/pixelbridge/pixelbridge-server/usb"
	"go.uber.org/zap"
)

// flusher is what the flush loop needs from the registry.
type flusher interface {
	// FlushAll lets every registered device push queued writes out.
	FlushAll()
}

// runFlushLoop is the USB main loop: pump the transport's completed-event
// queue, then flush every registered device, until the given context is
// done. Pump errors are expected noise when queueing a lot of output
// transfers and never end the loop.
func runFlushLoop(ctx context.Context, logger *zap.Logger, transport usb.Transport, reg flusher) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := transport.PumpEvents(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Warn("error handling usb events", zap.Error(err))
		}
		reg.FlushAll()
	}
}

package opc

import (
	"context"
	"io"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/pixelbridge/pixelbridge-server/errors"
	"go.uber.org/zap"
)

// acceptRetryDelay is how long the accept loop backs off after a transient
// accept error.
const acceptRetryDelay = 100 * time.Millisecond

// TCPSink accepts raw OPC connections and delivers every decoded frame to its
// Handler. Create it with NewTCPSink, bind the listener with Listen and run
// it with Run.
type TCPSink struct {
	logger  *zap.Logger
	addr    string
	handler Handler

	listener net.Listener
}

// NewTCPSink creates a TCPSink listening on the given address once run.
func NewTCPSink(logger *zap.Logger, addr string, handler Handler) *TCPSink {
	return &TCPSink{
		logger:  logger,
		addr:    addr,
		handler: handler,
	}
}

// Listen binds the listening socket. Split from Run so that callers know the
// sink accepts connections, and the bound address, before clients connect.
func (sink *TCPSink) Listen() error {
	listener, err := net.Listen("tcp", sink.addr)
	if err != nil {
		return errors.FromErr("listen", errors.ErrCommunication, err,
			errors.Details{"addr": sink.addr})
	}
	sink.listener = listener
	sink.logger.Info("listening for opc connections", zap.String("addr", listener.Addr().String()))
	return nil
}

// Addr returns the bound listener address. Only valid after Listen.
func (sink *TCPSink) Addr() net.Addr {
	return sink.listener.Addr()
}

// Run accepts connections until the given context is done. Call Listen first.
func (sink *TCPSink) Run(ctx context.Context) error {
	if sink.listener == nil {
		return errors.FromErr("run without listen", errors.ErrInternal, nil, nil)
	}
	// Close the listener when the context is done in order to unblock Accept.
	go func() {
		<-ctx.Done()
		_ = sink.listener.Close()
	}()
	for {
		conn, err := sink.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			errors.Log(sink.logger, errors.FromErr("accept", errors.ErrCommunication, err, nil))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(acceptRetryDelay):
			}
			continue
		}
		go sink.serveConn(ctx, conn)
	}
}

// serveConn reads frames from one connection until it closes or the context
// is done.
func (sink *TCPSink) serveConn(ctx context.Context, conn net.Conn) {
	logger := sink.logger.With(
		zap.String("client_id", uuid.New().String()),
		zap.String("remote_addr", conn.RemoteAddr().String()))
	logger.Debug("opc client connected")
	defer func() {
		_ = conn.Close()
		logger.Debug("opc client disconnected")
	}()
	// Unblock the read when the context is done.
	stopWatch := make(chan struct{})
	defer close(stopWatch)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stopWatch:
		}
	}()
	for {
		msg, err := ReadMessage(conn)
		if err != nil {
			if err != io.EOF && ctx.Err() == nil {
				logger.Debug("read frame", zap.Error(err))
			}
			return
		}
		sink.handler(msg)
	}
}

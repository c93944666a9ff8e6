package opc

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pixelbridge/pixelbridge-server/errors"
	"go.uber.org/zap"
)

const (
	// wsReadTimeout is the timeout for waiting for the next message from the
	// peer. Pixel streams are high-frequency, so a silent peer is gone.
	wsReadTimeout = 60 * time.Second
	// wsMaxMessageSize is the maximum message size allowed from the peer. An
	// OPC frame is at most a header plus 64 KiB of data.
	wsMaxMessageSize = 65536 + 16
	// wsShutdownTimeout is the grace period for the http server on shutdown.
	wsShutdownTimeout = 2 * time.Second
)

// WSSink serves a websocket endpoint that accepts binary OPC frames and
// delivers them to its Handler. Browsers stream pixels through this; native
// clients use the TCPSink.
type WSSink struct {
	logger  *zap.Logger
	addr    string
	handler Handler
}

// NewWSSink creates a WSSink serving on the given address once run.
func NewWSSink(logger *zap.Logger, addr string, handler Handler) *WSSink {
	return &WSSink{
		logger:  logger,
		addr:    addr,
		handler: handler,
	}
}

// Run serves the websocket endpoint until the given context is done.
func (sink *WSSink) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", sink.handleWS(ctx))
	server := &http.Server{Addr: sink.addr, Handler: mux}
	// The watcher must not outlive a failed ListenAndServe, or a bind error
	// would block Run until app shutdown.
	serveDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), wsShutdownTimeout)
			defer cancel()
			_ = server.Shutdown(shutdownCtx)
		case <-serveDone:
		}
	}()
	sink.logger.Info("serving websocket opc endpoint", zap.String("addr", sink.addr))
	err := server.ListenAndServe()
	close(serveDone)
	if err == http.ErrServerClosed || ctx.Err() != nil {
		return ctx.Err()
	}
	return errors.FromErr("serve websocket endpoint", errors.ErrCommunication, err,
		errors.Details{"addr": sink.addr})
}

// handleWS upgrades requests and pumps received binary messages through the
// frame parser.
func (sink *WSSink) handleWS(ctx context.Context) http.HandlerFunc {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			sink.logger.Debug("upgrade", zap.Error(err))
			return
		}
		go sink.readPump(ctx, conn)
	}
}

// readPump forwards frames from the websocket connection to the handler. A
// single websocket message may carry several OPC frames back to back.
func (sink *WSSink) readPump(ctx context.Context, conn *websocket.Conn) {
	logger := sink.logger.With(zap.String("client_id", uuid.New().String()))
	logger.Debug("opc websocket client connected")
	defer func() {
		_ = conn.Close()
		logger.Debug("opc websocket client disconnected")
	}()
	stopWatch := make(chan struct{})
	defer close(stopWatch)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stopWatch:
		}
	}()
	conn.SetReadLimit(wsMaxMessageSize)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && ctx.Err() == nil {
				logger.Debug("unexpected close", zap.Error(err))
			}
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		reader := bytes.NewReader(message)
		for {
			msg, err := ReadMessage(reader)
			if err == io.EOF {
				break
			}
			if err != nil {
				logger.Debug("malformed frame in websocket message", zap.Error(err))
				break
			}
			sink.handler(msg)
		}
	}
}

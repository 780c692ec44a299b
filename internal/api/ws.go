package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/jasonkneen/claudelet/internal/common/logger"
	"github.com/jasonkneen/claudelet/internal/runtime"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// In production, validate origin
		return true
	},
}

// EventStreamHandler streams the aggregated event feed over WebSocket.
type EventStreamHandler struct {
	runtime *runtime.Runtime
	logger  *logger.Logger
}

// NewEventStreamHandler creates a WebSocket handler over the runtime's event
// stream.
func NewEventStreamHandler(rt *runtime.Runtime, log *logger.Logger) *EventStreamHandler {
	return &EventStreamHandler{
		runtime: rt,
		logger:  log.WithFields(zap.String("component", "ws-events")),
	}
}

// Stream upgrades the connection and forwards aggregated events as JSON,
// starting with the buffered backlog.
// WS /ws/events
func (h *EventStreamHandler) Stream(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	it := h.runtime.Events()
	defer it.Close()

	// Read pump: the client sends no application messages; the loop handles
	// pongs and detects the close.
	go func() {
		defer cancel()
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer func() { _ = conn.Close() }()

	events := make(chan any, 1)
	errs := make(chan error, 1)
	go func() {
		for {
			ev, err := it.Next(ctx)
			if err != nil {
				errs <- err
				return
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case ev := <-events:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				h.logger.Debug("event write failed, closing stream", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case err := <-errs:
			if ctx.Err() == nil {
				h.logger.Debug("event stream ended", zap.Error(err))
			}
			return
		case <-ctx.Done():
			return
		}
	}
}

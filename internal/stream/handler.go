package stream

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeTimeout = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = pongWait * 9 / 10
	maxReadSize  = 4096
)

// Handler upgrades requests to WebSocket and streams the Broadcaster's
// messages until either side closes the connection.
type Handler struct {
	b        *Broadcaster
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewHandler returns a Handler serving b. Cross-origin upgrades are refused.
func NewHandler(b *Broadcaster, logger *slog.Logger) *Handler {
	return &Handler{
		b:      b,
		logger: logger,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: writeTimeout,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error.
		h.logger.Debug("stream: upgrade failed", slog.Any("error", err))
		return
	}
	defer conn.Close()

	sub := h.b.Subscribe()
	defer h.b.Unsubscribe(sub.ID())

	h.logger.Info("stream: client connected",
		slog.String("subscriber", sub.ID()),
		slog.String("remote_addr", r.RemoteAddr),
	)

	// Clients only send control frames; the read loop processes pongs and
	// notices disconnects.
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		conn.SetReadLimit(maxReadSize)
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

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-readDone:
			h.logger.Info("stream: client disconnected", slog.String("subscriber", sub.ID()))
			return
		case msg, ok := <-sub.Messages():
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}

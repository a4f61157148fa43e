package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/fleetplane/fleetplane/internal/fanout"
)

const (
	streamBuffer     = 64
	streamWriteWait  = 5 * time.Second
	streamPingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The capability header already gates this endpoint.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleStream upgrades to a websocket fed from a fanout subscription.
// A client that stops reading fills its queue and is disconnected like
// any other slow consumer; ingestion is never throttled by a viewer.
func (h *Handlers) handleStream(w http.ResponseWriter, r *http.Request) {
	sub, err := h.hub.Subscribe("ws-"+uuid.NewString(), streamBuffer)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		sub.Close()
		h.logger.Debug("websocket upgrade failed", slog.Any("error", err))
		return
	}

	// Reader loop exists only to observe client close.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	go h.pumpEvents(conn, sub, done)
}

func (h *Handlers) pumpEvents(conn *websocket.Conn, sub *fanout.Subscription, done <-chan struct{}) {
	defer conn.Close()
	defer sub.Close()

	ping := time.NewTicker(streamPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case stored, ok := <-sub.Events():
			if !ok {
				// Hub closed us, typically for falling behind.
				reason := "stream closed"
				if err := sub.CloseReason(); err != nil {
					reason = err.Error()
				}
				_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason),
					time.Now().Add(streamWriteWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteJSON(stored); err != nil {
				return
			}
		}
	}
}

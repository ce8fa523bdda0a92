package handlers

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"gatewatch/internal/logger"
	hub "gatewatch/internal/services/websocket"
)

var Upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// LiveEventsHandler upgrades the connection and subscribes it to accepted crossing events.
// Viewers only receive; anything they send is discarded.
func LiveEventsHandler(h *hub.HubService, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		connection, err := Upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warning("WebSocket upgrade error: %v", err)
			return
		}
		// the hub pings every viewer, so the deadline only fires for dead peers
		pongWait := h.PongWait()
		connection.SetReadLimit(512)
		connection.SetReadDeadline(time.Now().Add(pongWait))
		connection.SetPongHandler(func(appData string) error {
			connection.SetReadDeadline(time.Now().Add(pongWait))
			return nil
		})

		h.Register(connection)
		defer h.Unregister(connection)

		for {
			if _, _, err := connection.ReadMessage(); err != nil {
				break
			}
			connection.SetReadDeadline(time.Now().Add(pongWait))
		}
	}
}

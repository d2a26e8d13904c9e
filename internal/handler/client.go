package handler

import (
	"net/http"
	"time"

	"brivet/internal/logger"
	"brivet/internal/service/stream"

	"github.com/gorilla/websocket"
)

const (
	viewerReadLimit = 512
	pongWait        = 60 * time.Second
	pingPeriod      = pongWait * 9 / 10
)

// Upgrader upgrades HTTP connections to WebSocket; CheckOrigin allows all origins.
var Upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ViewWebsocketHandler registers preview viewers in the hub. Viewers only
// receive; the read loop exists to notice disconnects and pongs.
func ViewWebsocketHandler(hub *stream.Hub, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		connection, err := Upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Error("WebSocket upgrade error: %v", err)
			return
		}

		connection.SetReadLimit(viewerReadLimit)
		connection.SetReadDeadline(time.Now().Add(pongWait))
		connection.SetPongHandler(func(string) error {
			return connection.SetReadDeadline(time.Now().Add(pongWait))
		})

		hub.Register(connection)
		defer hub.Unregister(connection)

		done := make(chan struct{})
		defer close(done)
		go keepAlive(connection, done)

		logger.Info("👀 Viewer connected from %s", r.RemoteAddr)

		for {
			if _, _, err := connection.ReadMessage(); err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					logger.Info("Viewer %s disconnected", r.RemoteAddr)
				} else {
					logger.Warning("Viewer %s dropped: %v", r.RemoteAddr, err)
				}
				return
			}
		}
	}
}

// keepAlive pings the viewer until done. WriteControl may run alongside the
// hub's frame writes.
func keepAlive(connection *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := connection.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}
}

// Package server exposes HTTP handlers, including the WebSocket upgrade
// into relay sessions and the health check.
package server

import (
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
)

// WebSocketHandler returns a handler that upgrades GET requests to WebSocket
// and runs a relay session over the connection until it ends. The session
// shares the hub's registry with TCP clients.
func WebSocketHandler(hub *Hub) http.HandlerFunc {
	policy := newOriginPolicy(hub.cfg.AllowedOrigins, hub.logger)
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     policy.checkOrigin,
	}
	opts := optionsFromConfig(hub.cfg)

	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			hub.logger.Warn("WebSocket upgrade failed", "remote", r.RemoteAddr, "error", err)
			return
		}

		hub.HandleConn(NewWebSocketConn(conn, r.RemoteAddr, opts))
	}
}

// HealthHandler returns a handler reporting that the relay is up together
// with its live session and user counts.
func HealthHandler(hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		sessions, users := hub.registry.Count()
		w.Header().Set("Content-Type", "text/plain")
		_, _ = fmt.Fprintf(w, "GoChat relay is running! sessions=%d users=%d", sessions, users)
	}
}

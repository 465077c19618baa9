// Package server wires HTTP handlers into a ServeMux for the relay's
// WebSocket gateway.
package server

import "net/http"

// SetupRoutes configures and returns an HTTP ServeMux with the gateway routes.
// It sets up handlers for the health check and the WebSocket endpoint.
func SetupRoutes(hub *Hub) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", HealthHandler(hub))
	mux.HandleFunc("/ws", WebSocketHandler(hub))
	return mux
}

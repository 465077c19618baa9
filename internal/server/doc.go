// Package server implements the GoChat relay: the session registry, the
// protocol router, fan-out delivery and the TCP and WebSocket transports that
// feed them.
//
// The implementation is organized into specialized files for configuration,
// sessions, the registry, routing, dispatch, transports and HTTP handlers.
package server

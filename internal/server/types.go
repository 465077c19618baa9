// Package server defines shared sentinel errors and utility helpers that are
// reused across session, registry and hub logic.
package server

import (
	"errors"
	"strings"
)

var (
	// ErrNameTaken is returned by Registry.Claim when another live session
	// already holds the requested username.
	ErrNameTaken = errors.New("username already taken")

	// ErrSessionGone is returned when operating on a session that has been
	// closed or removed from the registry.
	ErrSessionGone = errors.New("session closed")

	// ErrSlowConsumer is returned when a session's outbound queue is full.
	ErrSlowConsumer = errors.New("session outbound queue full")

	// ErrServerClosed is returned by Hub.Serve after Shutdown has been called.
	ErrServerClosed = errors.New("relay: server closed")
)

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "connection reset by peer")
}

// Package server builds the structured logger shared by the hub, its
// sessions and the HTTP gateway.
package server

import (
	"io"
	"log/slog"
	"strings"
)

// NewLogger returns a text logger writing to w at the named level. Unknown
// levels fall back to info.
func NewLogger(level string, w io.Writer) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
}

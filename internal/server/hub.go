// Package server coordinates connection acceptance, per-session read loops
// and shutdown for the relay via the Hub type.
package server

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/gochat/internal/protocol"
)

const maxAcceptDelay = time.Second

// Hub owns the registry and runs one read loop per connection. Connections
// arrive either from Serve's accept loop or from HandleConn (the WebSocket
// gateway).
type Hub struct {
	cfg        Config
	logger     *slog.Logger
	registry   *Registry
	dispatcher *Dispatcher
	router     *Router

	mu        sync.Mutex
	closed    bool
	listeners map[net.Listener]struct{}
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewHub creates a hub with its own empty registry. Zero fields in cfg are
// replaced by defaults.
func NewHub(cfg Config, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = sanitizeConfig(cfg)
	registry := NewRegistry()
	dispatcher := NewDispatcher(registry, logger)
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		cfg:        cfg,
		logger:     logger,
		registry:   registry,
		dispatcher: dispatcher,
		router:     NewRouter(registry, dispatcher, logger),
		listeners:  make(map[net.Listener]struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Registry exposes the hub's session registry.
func (h *Hub) Registry() *Registry {
	return h.registry
}

// Config returns the sanitized configuration the hub runs with.
func (h *Hub) Config() Config {
	return h.cfg
}

// Serve accepts stream connections from ln until Shutdown is called or ln
// fails permanently. Transient accept errors are retried with backoff; a
// failing connection never stops the loop. After Shutdown it returns
// ErrServerClosed.
func (h *Hub) Serve(ln net.Listener) error {
	if !h.trackListener(ln, true) {
		return ErrServerClosed
	}
	defer h.trackListener(ln, false)

	h.logger.Info("accepting connections", "addr", ln.Addr().String())
	opts := optionsFromConfig(h.cfg)

	var delay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if h.ctx.Err() != nil {
				return ErrServerClosed
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			delay = nextAcceptDelay(delay)
			h.logger.Warn("accept failed; retrying", "error", err, "delay", delay)
			select {
			case <-time.After(delay):
			case <-h.ctx.Done():
				return ErrServerClosed
			}
			continue
		}
		delay = 0

		if !h.begin() {
			_ = conn.Close()
			return ErrServerClosed
		}
		go func() {
			defer h.wg.Done()
			h.serveSession(NewTCPConn(conn, opts))
		}()
	}
}

func nextAcceptDelay(delay time.Duration) time.Duration {
	if delay == 0 {
		return 5 * time.Millisecond
	}
	delay *= 2
	if delay > maxAcceptDelay {
		delay = maxAcceptDelay
	}
	return delay
}

// HandleConn runs the session for an already established connection and
// blocks until it ends.
func (h *Hub) HandleConn(conn Conn) {
	if !h.begin() {
		_ = conn.Close()
		return
	}
	defer h.wg.Done()
	h.serveSession(conn)
}

// begin registers a connection goroutine unless the hub is shutting down.
func (h *Hub) begin() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.wg.Add(1)
	return true
}

func (h *Hub) trackListener(ln net.Listener, add bool) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if add {
		if h.closed {
			return false
		}
		h.listeners[ln] = struct{}{}
		return true
	}
	delete(h.listeners, ln)
	return true
}

// serveSession is the read loop of one connection. Every exit path closes
// the session and runs the departure cleanup exactly once.
func (h *Hub) serveSession(conn Conn) {
	s := NewSession(conn, h.cfg.SendQueueSize, h.logger)
	h.registry.Add(s)
	s.Start()
	defer func() {
		s.Close()
		s.Wait()
		h.router.Depart(s)
		s.logger.Info("session closed")
	}()

	if h.ctx.Err() != nil {
		return
	}
	s.logger.Info("session opened")

	limiter := newRateLimiter(h.cfg.RateLimit, nil)
	dropping := false
	for {
		line, err := conn.ReadLine()
		if err != nil {
			h.logReadError(s, err)
			return
		}

		env, ok, err := protocol.Decode(line)
		if err != nil {
			s.logger.Warn("discarding malformed record", "error", err)
			continue
		}
		if !ok {
			continue
		}

		if env.Type != protocol.TypeLeave {
			if !limiter.allow() {
				s.logger.Warn("rate limit exceeded; discarding envelope",
					"type", env.Type, "burst", h.cfg.RateLimit.Burst, "interval", h.cfg.RateLimit.RefillInterval)
				if !dropping {
					dropping = true
					h.router.throttled(s)
				}
				continue
			}
			dropping = false
		}

		if h.router.Route(s, env) == closeSession {
			return
		}
	}
}

// logReadError logs why a read loop ended at a level matching how expected
// the cause is.
func (h *Hub) logReadError(s *Session, err error) {
	var netErr net.Error
	switch {
	case errors.Is(err, io.EOF):
		s.logger.Info("peer closed connection")
	case errors.Is(err, bufio.ErrTooLong), errors.Is(err, websocket.ErrReadLimit):
		s.logger.Warn("record exceeded maximum size", "limit", h.cfg.MaxLineSize)
	case !s.Alive() || isExpectedCloseError(err):
		s.logger.Debug("connection closed", "error", err)
	case errors.As(err, &netErr) && netErr.Timeout():
		s.logger.Info("connection timed out", "error", err)
	default:
		s.logger.Warn("read error", "error", err)
	}
}

// Shutdown stops every accept loop, closes all sessions and waits for their
// goroutines. It returns context.DeadlineExceeded if they do not finish
// within timeout.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	listeners := make([]net.Listener, 0, len(h.listeners))
	for ln := range h.listeners {
		listeners = append(listeners, ln)
	}
	h.mu.Unlock()

	h.logger.Info("initiating hub shutdown")
	h.cancel()

	for _, ln := range listeners {
		if err := ln.Close(); err != nil && !isExpectedCloseError(err) {
			h.logger.Warn("error closing listener", "error", err)
		}
	}
	h.shutdownSessions()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info("hub shutdown completed")
		return nil
	case <-time.After(timeout):
		h.logger.Warn("hub shutdown timeout reached; some sessions may still be running")
		return context.DeadlineExceeded
	}
}

// shutdownSessions closes all live sessions.
func (h *Hub) shutdownSessions() {
	sessions := h.registry.Sessions()
	for _, s := range sessions {
		s.Close()
	}
	h.logger.Info("closed sessions", "count", len(sessions))
}

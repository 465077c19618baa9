// Package server manages individual relay sessions: the per-connection state,
// the ordered outbound queue and the writer goroutine that drains it.
package server

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// outbound is one queued record. result is nil for fire-and-forget
// broadcasts and receives the write outcome for unicasts.
type outbound struct {
	data   []byte
	result chan error
}

// Session represents one live connection, named or not. Writes are
// serialized through a single writer goroutine so records never interleave
// and are delivered in the order they were queued.
type Session struct {
	id     string
	conn   Conn
	logger *slog.Logger

	send chan outbound

	mu       sync.RWMutex
	username string

	closeOnce sync.Once
	done      chan struct{}
	written   chan struct{}
}

// NewSession wraps conn with an outbound queue of queueSize records.
// The writer is not running until Start is called.
func NewSession(conn Conn, queueSize int, logger *slog.Logger) *Session {
	if queueSize <= 0 {
		queueSize = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.NewString()
	return &Session{
		id:      id,
		conn:    conn,
		logger:  logger.With("session", id, "remote", conn.RemoteAddr()),
		send:    make(chan outbound, queueSize),
		done:    make(chan struct{}),
		written: make(chan struct{}),
	}
}

// ID returns the session's opaque handle.
func (s *Session) ID() string {
	return s.id
}

// RemoteAddr returns the peer address for logging.
func (s *Session) RemoteAddr() string {
	return s.conn.RemoteAddr()
}

// Username returns the claimed name, or "" while the session is unnamed.
func (s *Session) Username() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.username
}

func (s *Session) setUsername(name string) {
	s.mu.Lock()
	s.username = name
	s.mu.Unlock()
}

// Alive reports whether the session has not been closed.
func (s *Session) Alive() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// Done is closed once the session is closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) String() string {
	if name := s.Username(); name != "" {
		return fmt.Sprintf("%s(%s)", name, s.id)
	}
	return s.id
}

// Start launches the writer goroutine.
func (s *Session) Start() {
	go s.writePump()
}

// Close closes the underlying connection exactly once, which unblocks the
// read loop and stops the writer. It is safe to call from any goroutine.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		if err := s.conn.Close(); err != nil && !isExpectedCloseError(err) {
			s.logger.Debug("error closing connection", "error", err)
		}
	})
}

// Wait blocks until the writer goroutine has exited.
func (s *Session) Wait() {
	<-s.written
}

// Enqueue queues data without waiting for it to be written.
func (s *Session) Enqueue(data []byte) error {
	return s.enqueue(outbound{data: data})
}

// Send queues data and waits for the writer to report the outcome.
func (s *Session) Send(data []byte) error {
	result := make(chan error, 1)
	if err := s.enqueue(outbound{data: data, result: result}); err != nil {
		return err
	}
	select {
	case err := <-result:
		return err
	case <-s.done:
		// The writer may have finished this record just before closing.
		select {
		case err := <-result:
			return err
		default:
			return ErrSessionGone
		}
	}
}

func (s *Session) enqueue(msg outbound) error {
	select {
	case <-s.done:
		return ErrSessionGone
	default:
	}
	select {
	case s.send <- msg:
		return nil
	case <-s.done:
		return ErrSessionGone
	default:
		return ErrSlowConsumer
	}
}

func (s *Session) writePump() {
	defer close(s.written)
	for {
		select {
		case msg := <-s.send:
			if !s.handleMessage(msg) {
				s.Close()
				return
			}
		case <-s.done:
			return
		}
	}
}

// handleMessage writes one record and returns false if the session should
// be closed.
func (s *Session) handleMessage(msg outbound) bool {
	err := s.conn.WriteLine(msg.data)
	if msg.result != nil {
		msg.result <- err
	}
	if err != nil {
		if isExpectedCloseError(err) {
			s.logger.Debug("write on closing connection", "error", err)
		} else {
			s.logger.Warn("error writing to session", "error", err)
		}
		return false
	}
	return true
}

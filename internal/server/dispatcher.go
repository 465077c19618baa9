// Package server fans envelopes out to relay sessions through the Dispatcher,
// which queues records without waiting on any peer's writer.
package server

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/Tyrowin/gochat/internal/protocol"
)

// Dispatcher delivers envelopes to sessions known to a Registry.
//
// Broadcast is best effort: a session that cannot accept the record is
// closed and the remaining sessions still receive it. Deliver and Unicast
// report the failure to the caller instead.
type Dispatcher struct {
	registry *Registry
	logger   *slog.Logger
}

// NewDispatcher creates a dispatcher over registry.
func NewDispatcher(registry *Registry, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{registry: registry, logger: logger}
}

// Broadcast queues env for every live session and returns how many sessions
// accepted it.
func (d *Dispatcher) Broadcast(env protocol.Envelope) int {
	data, err := protocol.Encode(env)
	if err != nil {
		d.logger.Error("dropping broadcast", "type", env.Type, "error", err)
		return 0
	}

	sessions := d.registry.Sessions()
	d.logger.Debug("broadcasting", "type", env.Type, "targets", len(sessions))

	delivered := 0
	for _, s := range sessions {
		if err := s.Enqueue(data); err != nil {
			d.dropFailed(s, err)
			continue
		}
		delivered++
	}
	return delivered
}

// dropFailed closes a session that could not accept a broadcast. Its read
// loop observes the close and runs the departure cleanup.
func (d *Dispatcher) dropFailed(s *Session, err error) {
	if errors.Is(err, ErrSlowConsumer) {
		s.logger.Warn("closing session with full send queue")
	} else {
		s.logger.Debug("skipping closed session", "error", err)
	}
	s.Close()
}

// Deliver queues env for s without waiting for it to be written. It fails
// only with ErrSessionGone or ErrSlowConsumer; a later write failure closes
// s from its own writer.
func (d *Dispatcher) Deliver(s *Session, env protocol.Envelope) error {
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	if err := s.Enqueue(data); err != nil {
		return fmt.Errorf("deliver %s to %s: %w", env.Type, s, err)
	}
	return nil
}

// Unicast writes env to s and waits for the outcome. Only use it for
// records addressed to the calling session itself.
func (d *Dispatcher) Unicast(s *Session, env protocol.Envelope) error {
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	if err := s.Send(data); err != nil {
		return fmt.Errorf("unicast %s to %s: %w", env.Type, s, err)
	}
	return nil
}

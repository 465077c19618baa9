// Package server routes inbound envelopes through the Unnamed and Named
// session states and announces membership changes.
package server

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/Tyrowin/gochat/internal/protocol"
)

// Notices sent to clients as sys envelopes.
const (
	NoticeMustJoin          = "You must join first"
	NoticeNameRequired      = "Username required"
	NoticeNameInvalid       = "Username must not contain commas"
	NoticeNameTaken         = "Username already used"
	NoticeRecipientRequired = "Recipient required"
	NoticeRateLimited       = "Rate limit exceeded; messages are being dropped"
)

func noticeJoined(name string) string { return name + " joined" }
func noticeLeft(name string) string { return name + " left" }
func noticeNoSuchUser(name string) string { return fmt.Sprintf("User %s not found", name) }

// action tells the read loop what to do after an envelope was routed.
type action int

const (
	keepOpen action = iota
	closeSession
)

// Router applies the protocol state machine to inbound envelopes. A session
// is Unnamed until its join succeeds, Named afterwards, and Closed once its
// read loop ends.
type Router struct {
	registry   *Registry
	dispatcher *Dispatcher
	logger     *slog.Logger
	now        func() time.Time

	// membership serializes a registry change with the notice and userlist
	// that announce it, so every session sees rosters in registry order.
	membership sync.Mutex
}

// NewRouter creates a router over the given registry and dispatcher.
func NewRouter(registry *Registry, dispatcher *Dispatcher, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		registry:   registry,
		dispatcher: dispatcher,
		logger:     logger,
		now:        time.Now,
	}
}

// Route handles one envelope from s.
func (r *Router) Route(s *Session, env protocol.Envelope) action {
	if env.Type == protocol.TypeLeave {
		s.logger.Debug("leave requested")
		return closeSession
	}
	if !env.Type.Known() {
		s.logger.Debug("ignoring unrecognized envelope type", "type", env.Type)
		return keepOpen
	}

	name := s.Username()
	if name == "" {
		if env.Type == protocol.TypeJoin {
			return r.join(s, env)
		}
		r.reject(s, NoticeMustJoin)
		return keepOpen
	}

	switch env.Type {
	case protocol.TypeJoin:
		s.logger.Debug("ignoring repeated join", "requested", env.From)
	case protocol.TypeMsg:
		r.dispatcher.Broadcast(protocol.Envelope{
			Type:      protocol.TypeMsg,
			From:      name,
			Text:      env.Text,
			Timestamp: r.now().Unix(),
		})
	case protocol.TypePM:
		r.privateMessage(s, name, env)
	case protocol.TypeTyping, protocol.TypeStopTyping:
		r.dispatcher.Broadcast(protocol.Envelope{
			Type:      env.Type,
			From:      name,
			Timestamp: r.now().Unix(),
		})
	default:
		s.logger.Debug("ignoring server-originated envelope type", "type", env.Type)
	}
	return keepOpen
}

func (r *Router) join(s *Session, env protocol.Envelope) action {
	name := strings.TrimSpace(env.From)
	switch {
	case name == "":
		r.reject(s, NoticeNameRequired)
		return keepOpen
	case strings.Contains(name, ","):
		r.reject(s, NoticeNameInvalid)
		return keepOpen
	}

	r.membership.Lock()
	err := r.registry.Claim(s, name)
	if err == nil {
		r.announce(noticeJoined(name))
	}
	r.membership.Unlock()

	if err != nil {
		if errors.Is(err, ErrNameTaken) {
			s.logger.Info("rejecting duplicate username", "username", name)
			r.reject(s, NoticeNameTaken)
		}
		return closeSession
	}
	s.logger.Info("user joined", "username", name)
	return keepOpen
}

func (r *Router) privateMessage(s *Session, from string, env protocol.Envelope) {
	to := strings.TrimSpace(env.To)
	if to == "" {
		r.reject(s, NoticeRecipientRequired)
		return
	}
	target, ok := r.registry.Lookup(to)
	if !ok {
		r.reject(s, noticeNoSuchUser(to))
		return
	}

	pm := protocol.Envelope{
		Type:      protocol.TypePM,
		From:      from,
		To:        to,
		Text:      env.Text,
		Timestamp: r.now().Unix(),
	}
	if err := r.dispatcher.Deliver(target, pm); err != nil {
		r.logger.Warn("private message delivery failed", "from", from, "to", to, "error", err)
		target.Close()
	}
	if target != s {
		if err := r.dispatcher.Deliver(s, pm); err != nil {
			s.logger.Debug("private message echo failed", "error", err)
			s.Close()
		}
	}
}

// reject reports a policy violation to the sender only.
func (r *Router) reject(s *Session, notice string) {
	if err := r.dispatcher.Unicast(s, protocol.System(notice, r.now())); err != nil {
		s.logger.Debug("could not deliver notice", "notice", notice, "error", err)
	}
}

// throttled tells s, once per run of dropped envelopes, that its input is
// being discarded.
func (r *Router) throttled(s *Session) {
	if err := r.dispatcher.Deliver(s, protocol.System(NoticeRateLimited, r.now())); err != nil {
		s.logger.Debug("could not deliver rate limit notice", "error", err)
	}
}

// announce broadcasts notice followed by the current roster. Callers hold
// membership.
func (r *Router) announce(notice string) {
	now := r.now()
	r.dispatcher.Broadcast(protocol.System(notice, now))
	r.dispatcher.Broadcast(protocol.UserList(r.registry.Names(), now))
}

// Depart removes s from the registry. Only the call that actually removed a
// named session announces the departure.
func (r *Router) Depart(s *Session) {
	r.membership.Lock()
	defer r.membership.Unlock()

	if !r.registry.Remove(s) {
		return
	}
	name := s.Username()
	if name == "" {
		return
	}
	s.logger.Info("user left", "username", name)
	r.announce(noticeLeft(name))
}

// Package server tracks live sessions and their claimed usernames in the
// Registry.
package server

import (
	"slices"
	"sync"

	"github.com/samber/lo"
)

// Registry is the authoritative set of live sessions and the username index
// over the named ones. A username maps to at most one live session at any
// time; all mutation goes through its methods.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session // session ID -> session
	names    map[string]*Session // username -> session
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		names:    make(map[string]*Session),
	}
}

// Add registers a freshly accepted, unnamed session.
func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.id] = s
}

// Claim atomically reserves name for s. It returns ErrNameTaken without
// mutating anything when the name is held, and ErrSessionGone when s is no
// longer registered.
func (r *Registry) Claim(s *Session, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, live := r.sessions[s.id]; !live {
		return ErrSessionGone
	}
	if _, taken := r.names[name]; taken {
		return ErrNameTaken
	}
	if previous := s.Username(); previous != "" && r.names[previous] == s {
		delete(r.names, previous)
	}
	r.names[name] = s
	s.setUsername(name)
	return nil
}

// Lookup finds the session holding name.
func (r *Registry) Lookup(name string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.names[name]
	return s, ok
}

// Names returns the claimed usernames in ascending order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := lo.Keys(r.names)
	r.mu.RUnlock()

	slices.Sort(names)
	return names
}

// Remove drops s from both views. It reports true only for the call that
// actually removed it, so concurrent removals announce a departure once.
func (r *Registry) Remove(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[s.id]; !ok {
		return false
	}
	delete(r.sessions, s.id)
	if name := s.Username(); name != "" && r.names[name] == s {
		delete(r.names, name)
	}
	return true
}

// Sessions returns a snapshot of every live session, named or not.
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Values(r.sessions)
}

// Count returns the number of live sessions and how many of them are named.
func (r *Registry) Count() (sessions, named int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions), len(r.names)
}

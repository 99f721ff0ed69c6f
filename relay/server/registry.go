package server

import (
	"sync"
)

const DefaultCapacity = 4

// Registry is the set of admitted sessions of a room. Admission, removal and full iteration are mutually exclusive,
// so membership never changes while a broadcast is in progress.
type Registry struct {
	capacity int

	sessions map[string]*Session // key is the session id
	mu       sync.Mutex
}

func NewRegistry(capacity int) *Registry {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Registry{
		capacity: capacity,
		sessions: make(map[string]*Session),
	}
}

// Admit constructs and registers a session if the room has a free slot. The capacity is checked before newSession is
// called, so a rejected connection never gets a session.
func (r *Registry) Admit(newSession func() *Session) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.sessions) >= r.capacity {
		return nil, false
	}

	s := newSession()
	r.sessions[s.ID()] = s
	return s, true
}

// Remove deletes the session. It reports false if the session was not registered.
func (r *Registry) Remove(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[s.ID()]; !ok {
		return false
	}
	delete(r.sessions, s.ID())
	return true
}

// ForEach calls fn for every registered session while holding the registry lock. fn must not call back into the
// registry.
func (r *Registry) ForEach(fn func(s *Session)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range r.sessions {
		fn(s)
	}
}

// Sessions returns a snapshot of the registered sessions
func (r *Registry) Sessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	return sessions
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Registry) Capacity() int {
	return r.capacity
}

package thread

import (
	"sync"

	"github.com/google/uuid"
)

// Session is one request's ephemeral execution context, nested under a
// Thread. Its state and metadata live only for the request and are never
// persisted.
type Session struct {
	id     string
	thread *Thread

	mu       sync.RWMutex
	state    map[string]any
	metadata map[string]any
}

// NewSession creates a request-scoped session under t.
func NewSession(t *Thread) *Session {
	return &Session{
		id:       uuid.New().String(),
		thread:   t,
		state:    make(map[string]any),
		metadata: make(map[string]any),
	}
}

// ID returns the per-request session identifier.
func (s *Session) ID() string { return s.id }

// Thread returns the owning thread. The session does not own it.
func (s *Session) Thread() *Thread { return s.thread }

// Get returns the session-scoped value for key.
func (s *Session) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.state[key]
	return v, ok
}

// Set writes a session-scoped value.
func (s *Session) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state[key] = value
}

// Delete removes a session-scoped value.
func (s *Session) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.state, key)
}

// Metadata returns a copy of the session metadata map.
func (s *Session) Metadata() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return deepCopyMap(s.metadata)
}

// SetMetadata merges patch into the session metadata.
func (s *Session) SetMetadata(patch map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range patch {
		s.metadata[k] = v
	}
}

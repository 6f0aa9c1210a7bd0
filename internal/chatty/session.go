package chatty

import (
	"maps"
	"sync"
)

// Session is the per-request view of the signed session cookie.
type Session struct {
	mu      sync.Mutex
	values  map[string]any
	dirty   bool
	cleared bool
}

// NewSession returns a session seeded with values. The map is copied.
func NewSession(values map[string]any) *Session {
	v := make(map[string]any, len(values))
	maps.Copy(v, values)
	return &Session{values: v}
}

// Get returns the value stored under key.
func (s *Session) Get(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok
}

// Set stores a value and marks the session for re-issue.
func (s *Session) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	s.dirty = true
	s.cleared = false
}

// Delete removes key from the session.
func (s *Session) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.values[key]; ok {
		delete(s.values, key)
		s.dirty = true
	}
}

// Clear empties the session; the cookie is expired on the response.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = make(map[string]any)
	s.dirty = true
	s.cleared = true
}

// MarkDirty forces the session to be re-issued even if unchanged.
func (s *Session) MarkDirty() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dirty = true
}

// Snapshot returns a copy of the values with the dirty and cleared flags.
func (s *Session) Snapshot() (values map[string]any, dirty, cleared bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := make(map[string]any, len(s.values))
	maps.Copy(v, s.values)
	return v, s.dirty, s.cleared
}

// Len returns the number of stored values.
func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.values)
}

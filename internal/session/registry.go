package session

import (
	"sort"
	"sync"

	"github.com/g960059/ctrmux/internal/model"
)

// Registry is the table of active sessions keyed by (client, unit, kind).
// Every operation holds the single registry lock for its whole duration.
type Registry struct {
	mu       sync.Mutex
	sessions map[model.SessionKey]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: map[model.SessionKey]*Session{}}
}

// Register installs s under its key. A session already holding the key is
// flagged to stop and returned; its worker exits on its next poll.
func (r *Registry) Register(s *Session) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.sessions[s.Key]
	if prev == s {
		return nil
	}
	if prev != nil {
		prev.requestStop(model.EndReasonPreempted)
	}
	r.sessions[s.Key] = s
	return prev
}

func (r *Registry) Lookup(key model.SessionKey) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[key]
	return s, ok
}

// Remove deletes s only while the key still maps to it, so a preempted
// worker never removes its successor.
func (r *Registry) Remove(s *Session) bool {
	if s == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[s.Key]; ok && cur == s {
		delete(r.sessions, s.Key)
		return true
	}
	return false
}

// Unregister flags and removes the session under key.
func (r *Registry) Unregister(key model.SessionKey, reason string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[key]
	if !ok {
		return nil, false
	}
	s.requestStop(reason)
	delete(r.sessions, key)
	return s, true
}

// RemoveAllForClient flags every session owned by clientID and then drops
// it from the table.
func (r *Registry) RemoveAllForClient(clientID string) []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Session
	for key, s := range r.sessions {
		if key.ClientID != clientID {
			continue
		}
		s.requestStop(model.EndReasonDisconnect)
		delete(r.sessions, key)
		out = append(out, s)
	}
	return out
}

// StopAll flags every session and leaves removal to the workers.
func (r *Registry) StopAll(reason string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		s.requestStop(reason)
	}
	return len(r.sessions)
}

func (r *Registry) Snapshot() []Info {
	r.mu.Lock()
	out := make([]Info, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.info())
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].ClientID != out[j].ClientID {
			return out[i].ClientID < out[j].ClientID
		}
		if out[i].UnitID != out[j].UnitID {
			return out[i].UnitID < out[j].UnitID
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

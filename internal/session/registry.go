package session

import "sync"

// Registry is the shared mapping of active sessions, keyed by job identifier
// for transfers and by a synthetic key for extractions. The poll loop reads
// it to skip jobs that are already downloading; the transfer path writes it.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]Session)}
}

// Add registers a session under the given key, replacing any previous entry.
func (r *Registry) Add(key string, s Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sessions[key] = s
}

// Remove drops a session. Removing an unknown key is a no-op.
func (r *Registry) Remove(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.sessions, key)
}

// Has reports whether a session is registered under the key.
func (r *Registry) Has(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.sessions[key]

	return ok
}

// Snapshot returns a copy of the registry contents.
func (r *Registry) Snapshot() map[string]Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]Session, len(r.sessions))
	for k, v := range r.sessions {
		out[k] = v
	}

	return out
}

// Len returns the number of active sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.sessions)
}

package session

import (
	"fmt"
	"sync"

	"github.com/charmbracelet/log"
)

// Registry is the single authority for session existence. All lookups
// and lifecycle operations go through it; callers never hold session
// references past Remove.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	logger   *log.Logger
}

func NewRegistry(logger *log.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		logger:   logger,
	}
}

// Create registers a new session under id. Fails if a session with the
// same id already exists.
func (r *Registry) Create(id string, cfg Config) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[id]; exists {
		return nil, fmt.Errorf("session %s already exists", id)
	}

	s := newSession(id, cfg)
	r.sessions[id] = s

	r.logger.Info("session created", "session", id, "diagram", cfg.DiagramID)
	return s, nil
}

func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	return s, ok
}

// Remove deregisters and closes the session. Idempotent; closing
// releases the upstream connection, the debounce timer, and the
// generation queue without blocking on in-flight work.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()

	if !ok {
		return
	}

	s.Close()
	r.logger.Info("session removed", "session", id)
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

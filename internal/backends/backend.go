package backends

import (
	"fmt"
	"sync"

	"github.com/escalor/escalor/internal/database"
)

// Message is one notification to one user about one alert group
type Message struct {
	User       *database.User
	AlertGroup *database.AlertGroup
	Title      string
	Body       string
	Important  bool
}

// NotificationBackend delivers a message over one channel (slack, telegram,
// email, ...). Implementations must be safe for concurrent use.
type NotificationBackend interface {
	ID() string
	Send(msg *Message) error
}

// Registry holds the configured delivery backends by id
type Registry struct {
	mu       sync.RWMutex
	backends map[string]NotificationBackend
}

// NewRegistry creates an empty backend registry
func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]NotificationBackend)}
}

// Register adds a backend, replacing any previous one with the same id
func (r *Registry) Register(backend NotificationBackend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[backend.ID()] = backend
}

// Get returns the backend registered under id
func (r *Registry) Get(id string) (NotificationBackend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	backend, ok := r.backends[id]
	if !ok {
		return nil, fmt.Errorf("notification backend %q is not configured", id)
	}
	return backend, nil
}

// IDs returns the ids of all registered backends
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.backends))
	for id := range r.backends {
		ids = append(ids, id)
	}
	return ids
}

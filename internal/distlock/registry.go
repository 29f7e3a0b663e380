package distlock

import (
	"sync"

	goerrors "github.com/go-errors/errors"
)

// Registry holds the one Manager of a process. Create it once during
// startup, before anything calls Get.
type Registry struct {
	mu      sync.RWMutex
	manager *Manager
}

// Create installs m. Panics if a Manager was already installed.
func (r *Registry) Create(m *Manager) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.manager != nil {
		panic(goerrors.WrapPrefix(ErrInvariantViolation, "lock manager already created", 1))
	}
	r.manager = m
}

// Get returns the installed Manager, or nil before Create.
func (r *Registry) Get() *Manager {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.manager
}

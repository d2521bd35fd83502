// Package obj implements the Ring/Instance/Module/Thread/Port/Token object
// model described in §3: the entities a Module's Instances are built from,
// layered on top of kernel/registry for identity and kernel/mm/vmm for
// per-instance address spaces.
package obj

import (
	"sync"

	"oro/kernel"

	"github.com/google/uuid"
)

var errModuleExists = kernel.NewError("obj", "module already registered")
var errModuleNotFound = kernel.NewError("obj", "module not found")

// Module is an immutable, content-addressed loadable image (§3). It is
// deliberately not a registry kind: a Module's identity is its 128-bit ID,
// not a reusable slot, so it lives in its own content-addressed store
// instead of churning through generations like a mutable kernel object.
type Module struct {
	ID    uuid.UUID
	Image []byte
}

// ModuleStore holds every Module available to spawn Instances from.
type ModuleStore struct {
	mu      sync.RWMutex
	modules map[uuid.UUID]*Module
}

// NewModuleStore returns an empty store.
func NewModuleStore() *ModuleStore {
	return &ModuleStore{modules: make(map[uuid.UUID]*Module)}
}

// Put registers a Module. Re-registering the same ID fails: Modules are
// immutable once published.
func (s *ModuleStore) Put(m *Module) *kernel.Error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.modules[m.ID]; exists {
		return errModuleExists
	}
	s.modules[m.ID] = m
	return nil
}

// Get resolves a Module by ID.
func (s *ModuleStore) Get(id uuid.UUID) (*Module, *kernel.Error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.modules[id]
	if !ok {
		return nil, errModuleNotFound
	}
	return m, nil
}

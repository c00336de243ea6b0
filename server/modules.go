package server

import (
	"sync"
	"time"

	"github.com/chazu/cashier/ssa"
)

// compiledModule is a server-side reference to a compiled module.
type compiledModule struct {
	id       string
	module   *ssa.Module
	created  time.Time
	lastUsed time.Time
}

// ModuleStore maps artifact IDs to compiled modules so that a client can
// compile once and run many times.
type ModuleStore struct {
	mu      sync.Mutex
	modules map[string]*compiledModule
}

// NewModuleStore creates an empty module store.
func NewModuleStore() *ModuleStore {
	return &ModuleStore{modules: make(map[string]*compiledModule)}
}

// Put registers mod under id, replacing any module stored there.
func (s *ModuleStore) Put(id string, mod *ssa.Module) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	s.modules[id] = &compiledModule{
		id:       id,
		module:   mod,
		created:  now,
		lastUsed: now,
	}
}

// Lookup retrieves the module for id and marks it used.
func (s *ModuleStore) Lookup(id string) (*ssa.Module, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.modules[id]
	if !ok {
		return nil, false
	}
	m.lastUsed = time.Now()
	return m.module, true
}

// Release removes a module.
func (s *ModuleStore) Release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.modules, id)
}

// Len returns the number of stored modules.
func (s *ModuleStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.modules)
}

// Sweep removes modules that haven't been used within the TTL.
func (s *ModuleStore) Sweep(ttl time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-ttl)
	removed := 0
	for id, m := range s.modules {
		if m.lastUsed.Before(cutoff) {
			delete(s.modules, id)
			removed++
		}
	}
	if removed > 0 {
		log.Debugf("swept %d idle modules", removed)
	}
	return removed
}

// StartSweeper runs periodic TTL sweeps in the background.
// Returns a stop function.
func (s *ModuleStore) StartSweeper(interval, ttl time.Duration) func() {
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				s.Sweep(ttl)
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()
	return func() { close(done) }
}

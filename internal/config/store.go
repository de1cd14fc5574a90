package config

import (
	"sync"
)

// Store holds the live configuration. Components read a snapshot at the start
// of each unit of work, so updates take effect on the next cycle.
type Store struct {
	mu        sync.RWMutex
	cfg       Config
	listeners []func(old, updated Config)
}

// NewStore creates a store holding cfg
func NewStore(cfg Config) *Store {
	return &Store{cfg: cfg}
}

// Get returns a copy of the current configuration
func (s *Store) Get() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Update validates and installs a new configuration. It reports whether any
// field that is only read at startup changed.
func (s *Store) Update(next Config) (bool, error) {
	if err := next.Validate(); err != nil {
		return false, err
	}

	s.mu.Lock()
	old := s.cfg
	s.cfg = next
	listeners := make([]func(old, updated Config), len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(old, next)
	}

	return requiresRestart(old, next), nil
}

// OnChange registers fn to run after every successful Update
func (s *Store) OnChange(fn func(old, updated Config)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func requiresRestart(old, next Config) bool {
	return old.DatabasePath != next.DatabasePath ||
		old.DatabaseURL != next.DatabaseURL ||
		old.Admin.Address != next.Admin.Address ||
		old.Admin.APIKey != next.Admin.APIKey ||
		old.Admin.APIKeyHash != next.Admin.APIKeyHash ||
		old.Admin.APIKeyHeader != next.Admin.APIKeyHeader
}

package phoneconfig

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory Store for tests and ephemeral runs.
type MemoryStore struct {
	mu    sync.Mutex
	saved *Configuration
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Load(ctx context.Context) (Configuration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saved == nil {
		return Defaults(), nil
	}
	return s.saved.WithDefaults(), nil
}

func (s *MemoryStore) Save(ctx context.Context, c Configuration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c = c.WithDefaults()
	s.saved = &c
	return nil
}

func (s *MemoryStore) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = nil
	return nil
}

package routing

import (
	"context"
	"sync"
)

// MemoryStore is an in-process Store used by tests and local development.
type MemoryStore struct {
	mu sync.Mutex
	d  Directive
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{d: DefaultDirective()}
}

func (s *MemoryStore) Publish(_ context.Context, d Directive) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.d = d
	return nil
}

func (s *MemoryStore) Get(_ context.Context) (Directive, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d, nil
}

package text

import (
	"context"
	"sync"
)

type MemoryStore struct {
	mu    sync.RWMutex
	texts map[string]string
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{texts: make(map[string]string)}
}

func (s *MemoryStore) Read(_ context.Context, docID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.texts[docID], nil
}

func (s *MemoryStore) Write(_ context.Context, docID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts[docID] = text
	return nil
}

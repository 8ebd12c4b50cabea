package checkpoint

import (
	"context"
	"sync"
)

// Compile-time interface check.
var _ Store = (*MemStore)(nil)

// MemStore keeps the latest snapshot in memory. Useful for tests and for
// runs that do not need crash recovery.
type MemStore struct {
	mu    sync.Mutex
	cp    *Checkpoint
	saves int
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{}
}

// Save implements Store.
func (s *MemStore) Save(_ context.Context, cp *Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cp = cp
	s.saves++
	return nil
}

// Load implements Store.
func (s *MemStore) Load(_ context.Context) (*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cp, nil
}

// Saves reports how many snapshots have been stored.
func (s *MemStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

package store

import (
	"context"
	"sync"

	"subwatch/internal/snapshot"
)

type memoryStore struct {
	mu    sync.RWMutex
	snaps map[string]snapshot.Snapshot
}

func newMemory() *memoryStore {
	return &memoryStore{snaps: map[string]snapshot.Snapshot{}}
}

func (s *memoryStore) Get(_ context.Context, name string) (*snapshot.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snaps[name]
	if !ok {
		return nil, nil
	}
	return &snap, nil
}

func (s *memoryStore) Commit(_ context.Context, name string, snap snapshot.Snapshot) error {
	s.mu.Lock()
	s.snaps[name] = snap
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) Close() error { return nil }

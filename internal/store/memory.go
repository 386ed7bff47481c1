package store

import (
	"context"
	"sync"

	"github.com/tiderank/tiderank/internal/domain"
)

// MemoryStore keeps snapshots in process memory. Default backend for
// single-instance deployments and tests; state is lost on restart.
type MemoryStore struct {
	mu    sync.RWMutex
	snaps map[string]*domain.PositionSnapshot
}

// NewMemoryStore creates an empty in-memory position store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		snaps: make(map[string]*domain.PositionSnapshot),
	}
}

func snapKey(userID, category string) string {
	return userID + "\x00" + category
}

func (s *MemoryStore) Get(_ context.Context, userID, category string) (*domain.PositionSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snaps[snapKey(userID, category)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *snap
	return &cp, nil
}

func (s *MemoryStore) Put(_ context.Context, snap *domain.PositionSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *snap
	s.snaps[snapKey(snap.UserID, snap.Category)] = &cp
	return nil
}

func (s *MemoryStore) Ping(_ context.Context) error { return nil }

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps = nil
	return nil
}

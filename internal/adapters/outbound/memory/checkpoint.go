// checkpoint.go provides an in-memory implementation of CheckpointStore.
//
// Checkpoints are cloned on the way in and on the way out so that callers
// can never mutate stored state. Data is lost on process restart; see the
// filestore, redis and postgres adapters for durable storage.
package memory

import (
	"context"
	"sync"

	"github.com/archon-research/stl/baddebt/internal/domain/entity"
	"github.com/archon-research/stl/baddebt/internal/ports/outbound"
)

var _ outbound.CheckpointStore = (*CheckpointStore)(nil)

// CheckpointStore is an in-memory CheckpointStore.
type CheckpointStore struct {
	mu          sync.RWMutex
	checkpoints map[string]*entity.Checkpoint
	saves       int

	// SaveErr, when set, fails every Save.
	SaveErr error
}

// NewCheckpointStore creates an empty store.
func NewCheckpointStore() *CheckpointStore {
	return &CheckpointStore{checkpoints: make(map[string]*entity.Checkpoint)}
}

// Load returns a copy of the stored checkpoint.
func (s *CheckpointStore) Load(ctx context.Context, name string) (*entity.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.checkpoints[name]
	if !ok {
		return nil, outbound.ErrCheckpointNotFound
	}
	return cp.Clone(), nil
}

// Save replaces the stored checkpoint.
func (s *CheckpointStore) Save(ctx context.Context, name string, cp *entity.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SaveErr != nil {
		return s.SaveErr
	}
	s.checkpoints[name] = cp.Clone()
	s.saves++
	return nil
}

// Saves returns how many saves succeeded.
func (s *CheckpointStore) Saves() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saves
}

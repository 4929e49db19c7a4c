package workflow

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps checkpoints in process. It is used by tests and by
// single-process deployments without Postgres.
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[string]Checkpoint
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[string]Checkpoint)}
}

// Create stores a new checkpoint.
func (s *MemoryStore) Create(_ context.Context, cp Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[cp.RunID]; exists {
		return ErrRunExists
	}
	s.runs[cp.RunID] = cp.Clone()
	return nil
}

// Save overwrites an existing checkpoint.
func (s *MemoryStore) Save(_ context.Context, cp Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[cp.RunID]; !exists {
		return ErrRunNotFound
	}
	s.runs[cp.RunID] = cp.Clone()
	return nil
}

// Load returns a copy of the checkpoint.
func (s *MemoryStore) Load(_ context.Context, runID string) (Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.runs[runID]
	if !ok {
		return Checkpoint{}, ErrRunNotFound
	}
	return cp.Clone(), nil
}

// ListIncomplete returns running checkpoints, oldest first.
func (s *MemoryStore) ListIncomplete(_ context.Context) ([]Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Checkpoint
	for _, cp := range s.runs {
		if !cp.Status.Terminal() {
			out = append(out, cp.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

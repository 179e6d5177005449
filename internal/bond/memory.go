package bond

import (
	"context"
	"sync"

	"github.com/dere/dere/internal/common/errors"
)

// MemoryRepository is an in-memory Repository used by tests.
type MemoryRepository struct {
	mu     sync.Mutex
	states map[string]*State
}

// NewMemoryRepository creates an empty in-memory bond repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{states: make(map[string]*State)}
}

func cloneState(s *State) *State {
	cp := *s
	cp.History = append([]HistoryEntry(nil), s.History...)
	return &cp
}

func (r *MemoryRepository) Get(_ context.Context, userID string) (*State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.states[userID]
	if !ok {
		return nil, errors.NotFound("bond state", userID)
	}
	return cloneState(s), nil
}

func (r *MemoryRepository) Put(_ context.Context, s *State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states[s.UserID] = cloneState(s)
	return nil
}

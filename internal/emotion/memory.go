package emotion

import (
	"context"
	"sync"

	"github.com/dere/dere/internal/common/errors"
)

// MemoryRepository is an in-memory Repository used by tests.
type MemoryRepository struct {
	mu      sync.Mutex
	states  map[string]*State
	stimuli map[string][]*Stimulus
}

// NewMemoryRepository creates an empty in-memory emotion repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		states:  make(map[string]*State),
		stimuli: make(map[string][]*Stimulus),
	}
}

func cloneEmotionState(s *State) *State {
	cp := *s
	cp.Active = append([]ActiveEmotion(nil), s.Active...)
	return &cp
}

func (r *MemoryRepository) GetState(_ context.Context, sessionID string) (*State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.states[sessionID]
	if !ok {
		return nil, errors.NotFound("emotion state", sessionID)
	}
	return cloneEmotionState(s), nil
}

func (r *MemoryRepository) PutState(_ context.Context, s *State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states[s.SessionID] = cloneEmotionState(s)
	return nil
}

func (r *MemoryRepository) AppendStimulus(_ context.Context, stim *Stimulus, cap int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *stim
	hist := append(r.stimuli[stim.SessionID], &cp)
	if cap > 0 && len(hist) > cap {
		hist = hist[len(hist)-cap:]
	}
	r.stimuli[stim.SessionID] = hist
	return nil
}

func (r *MemoryRepository) ListStimuli(_ context.Context, sessionID string, limit int) ([]*Stimulus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	hist := r.stimuli[sessionID]
	var out []*Stimulus
	for i := len(hist) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		cp := *hist[i]
		out = append(out, &cp)
	}
	return out, nil
}

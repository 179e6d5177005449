package rareevent

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dere/dere/internal/common/errors"
)

// MemoryRepository is an in-memory Repository used by tests.
type MemoryRepository struct {
	mu     sync.Mutex
	events map[string]*RareEvent
}

// NewMemoryRepository creates an empty in-memory rare event repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{events: make(map[string]*RareEvent)}
}

func cloneEvent(e *RareEvent) *RareEvent {
	cp := *e
	return &cp
}

func (r *MemoryRepository) Create(_ context.Context, e *RareEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.events[e.ID]; ok {
		return errors.Conflict("rare event already exists: " + e.ID)
	}
	r.events[e.ID] = cloneEvent(e)
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, id string) (*RareEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.events[id]
	if !ok {
		return nil, errors.NotFound("rare event", id)
	}
	return cloneEvent(e), nil
}

func (r *MemoryRepository) userEvents(userID string) []*RareEvent {
	var out []*RareEvent
	for _, e := range r.events {
		if e.UserID == userID {
			out = append(out, cloneEvent(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (r *MemoryRepository) List(_ context.Context, userID string, limit int) ([]*RareEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.userEvents(userID)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepository) Latest(_ context.Context, userID string) (*RareEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.userEvents(userID)
	if len(out) == 0 {
		return nil, nil
	}
	return out[0], nil
}

func (r *MemoryRepository) CountSince(_ context.Context, userID string, since time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.UserID == userID && !e.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (r *MemoryRepository) MarkShown(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.events[id]
	if !ok {
		return errors.NotFound("rare event", id)
	}
	if e.ShownAt == nil {
		e.ShownAt = &at
	}
	return nil
}

func (r *MemoryRepository) MarkDismissed(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.events[id]
	if !ok {
		return errors.NotFound("rare event", id)
	}
	if e.DismissedAt == nil {
		e.DismissedAt = &at
	}
	return nil
}

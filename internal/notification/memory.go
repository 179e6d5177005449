package notification

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dere/dere/internal/common/errors"
)

// MemoryRepository is an in-memory Repository used by tests.
type MemoryRepository struct {
	mu            sync.Mutex
	notifications map[string]*Notification
}

// NewMemoryRepository creates an empty in-memory notification repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{notifications: make(map[string]*Notification)}
}

func cloneNotification(n *Notification) *Notification {
	cp := *n
	return &cp
}

func (r *MemoryRepository) Create(_ context.Context, n *Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.notifications[n.ID]; ok {
		return errors.Conflict("notification already exists: " + n.ID)
	}
	r.notifications[n.ID] = cloneNotification(n)
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, id string) (*Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.notifications[id]
	if !ok {
		return nil, errors.NotFound("notification", id)
	}
	return cloneNotification(n), nil
}

func (r *MemoryRepository) List(_ context.Context, userID string, limit int) ([]*Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Notification
	for _, n := range r.notifications {
		if n.UserID == userID {
			out = append(out, cloneNotification(n))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepository) SetStatus(_ context.Context, id string, status Status, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.notifications[id]
	if !ok {
		return errors.NotFound("notification", id)
	}
	n.Status = status
	n.Error = errMsg
	if status == StatusSent && n.SentAt == nil {
		now := time.Now().UTC()
		n.SentAt = &now
	}
	return nil
}

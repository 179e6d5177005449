package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dere/dere/internal/common/errors"
)

// MemoryRepository is an in-memory Repository used by tests.
type MemoryRepository struct {
	mu            sync.RWMutex
	sessions      map[string]*Session
	conversations map[string][]*Conversation
}

// NewMemoryRepository creates an empty in-memory session repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		sessions:      make(map[string]*Session),
		conversations: make(map[string][]*Conversation),
	}
}

func (r *MemoryRepository) CreateSession(_ context.Context, s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.ID]; ok {
		return errors.Conflict("session already exists: " + s.ID)
	}
	cp := *s
	r.sessions[s.ID] = &cp
	return nil
}

func (r *MemoryRepository) GetSession(_ context.Context, id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, errors.NotFound("session", id)
	}
	cp := *s
	return &cp, nil
}

func (r *MemoryRepository) ListSessions(_ context.Context, activeOnly bool, limit, offset int) ([]*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var all []*Session
	for _, s := range r.sessions {
		if activeOnly && s.Ended() {
			continue
		}
		cp := *s
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].StartedAt.After(all[j].StartedAt)
	})

	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (r *MemoryRepository) SetExternalID(_ context.Context, id, externalID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return errors.NotFound("session", id)
	}
	s.ExternalID = externalID
	return nil
}

func (r *MemoryRepository) TouchSession(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		s.LastActivityAt = at
	}
	return nil
}

func (r *MemoryRepository) EndSession(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok && !s.Ended() {
		t := at
		s.EndedAt = &t
		s.LastActivityAt = at
	}
	return nil
}

func (r *MemoryRepository) AppendConversation(_ context.Context, c *Conversation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *c
	r.conversations[c.SessionID] = append(r.conversations[c.SessionID], &cp)
	return nil
}

func (r *MemoryRepository) ListConversation(_ context.Context, sessionID string, limit int) ([]*Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	msgs := r.conversations[sessionID]
	out := make([]*Conversation, 0, len(msgs))
	for _, m := range msgs {
		cp := *m
		out = append(out, &cp)
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

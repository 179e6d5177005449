package swarm

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/dere/dere/internal/common/errors"
)

// MemoryRepository is an in-memory Repository used by tests.
type MemoryRepository struct {
	mu         sync.Mutex
	swarms     map[string]*Swarm
	agents     map[string][]*Agent          // keyed by swarm id
	scratchpad map[string]*ScratchpadEntry  // keyed by swarm id + "\x00" + key
}

// NewMemoryRepository creates an empty in-memory swarm repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		swarms:     make(map[string]*Swarm),
		agents:     make(map[string][]*Agent),
		scratchpad: make(map[string]*ScratchpadEntry),
	}
}

func cloneSwarm(s *Swarm) *Swarm {
	cp := *s
	return &cp
}

func cloneAgent(a *Agent) *Agent {
	cp := *a
	cp.Plugins = append([]string(nil), a.Plugins...)
	cp.DependsOn = append([]DependencySpec(nil), a.DependsOn...)
	return &cp
}

func (r *MemoryRepository) CreateSwarm(_ context.Context, s *Swarm, agents []*Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.swarms[s.ID]; ok {
		return errors.Conflict("swarm already exists: " + s.ID)
	}
	seen := map[string]bool{}
	for _, a := range agents {
		if seen[a.Name] {
			return errors.Conflict("duplicate agent name: " + a.Name)
		}
		seen[a.Name] = true
	}
	r.swarms[s.ID] = cloneSwarm(s)
	stored := make([]*Agent, 0, len(agents))
	for _, a := range agents {
		stored = append(stored, cloneAgent(a))
	}
	r.agents[s.ID] = stored
	return nil
}

func (r *MemoryRepository) GetSwarm(_ context.Context, id string) (*Swarm, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.swarms[id]
	if !ok {
		return nil, errors.NotFound("swarm", id)
	}
	return cloneSwarm(s), nil
}

func (r *MemoryRepository) ListSwarms(_ context.Context, limit int) ([]*Swarm, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Swarm
	for _, s := range r.swarms {
		out = append(out, cloneSwarm(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepository) UpdateSwarm(_ context.Context, s *Swarm) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.swarms[s.ID]; !ok {
		return errors.NotFound("swarm", s.ID)
	}
	r.swarms[s.ID] = cloneSwarm(s)
	return nil
}

func (r *MemoryRepository) ListAgents(_ context.Context, swarmID string) ([]*Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	agents := r.agents[swarmID]
	out := make([]*Agent, 0, len(agents))
	for _, a := range agents {
		out = append(out, cloneAgent(a))
	}
	return out, nil
}

func (r *MemoryRepository) GetAgentByName(_ context.Context, swarmID, name string) (*Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.agents[swarmID] {
		if a.Name == name {
			return cloneAgent(a), nil
		}
	}
	return nil, errors.NotFound("swarm agent", name)
}

func (r *MemoryRepository) UpdateAgent(_ context.Context, a *Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, stored := range r.agents[a.SwarmID] {
		if stored.ID == a.ID {
			r.agents[a.SwarmID][i] = cloneAgent(a)
			return nil
		}
	}
	return errors.NotFound("swarm agent", a.ID)
}

func (r *MemoryRepository) IsSwarmAgentSession(_ context.Context, sessionID string) (bool, error) {
	if sessionID == "" {
		return false, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, agents := range r.agents {
		for _, a := range agents {
			if a.SessionID == sessionID {
				return true, nil
			}
		}
	}
	return false, nil
}

func padKey(swarmID, key string) string { return swarmID + "\x00" + key }

func (r *MemoryRepository) ScratchpadGet(_ context.Context, swarmID, key string) (*ScratchpadEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.scratchpad[padKey(swarmID, key)]
	if !ok {
		return nil, errors.NotFound("scratchpad key", key)
	}
	cp := *e
	return &cp, nil
}

func (r *MemoryRepository) ScratchpadPut(_ context.Context, e *ScratchpadEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := padKey(e.SwarmID, e.Key)
	cp := *e
	if prev, ok := r.scratchpad[k]; ok {
		cp.CreatedAt = prev.CreatedAt
	} else {
		cp.CreatedAt = e.UpdatedAt
	}
	r.scratchpad[k] = &cp
	return nil
}

func (r *MemoryRepository) ScratchpadList(_ context.Context, swarmID, prefix string) ([]*ScratchpadEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*ScratchpadEntry
	for _, e := range r.scratchpad {
		if e.SwarmID != swarmID || !strings.HasPrefix(e.Key, prefix) {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (r *MemoryRepository) ScratchpadDelete(_ context.Context, swarmID, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := padKey(swarmID, key)
	if _, ok := r.scratchpad[k]; !ok {
		return errors.NotFound("scratchpad key", key)
	}
	delete(r.scratchpad, k)
	return nil
}

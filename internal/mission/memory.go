package mission

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dere/dere/internal/common/errors"
)

// MemoryRepository is an in-memory Repository used by tests.
type MemoryRepository struct {
	mu         sync.Mutex
	missions   map[string]*Mission
	executions map[string]*MissionExecution
}

// NewMemoryRepository creates an empty in-memory mission repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		missions:   make(map[string]*Mission),
		executions: make(map[string]*MissionExecution),
	}
}

func cloneMission(m *Mission) *Mission {
	cp := *m
	cp.AllowedTools = append([]string(nil), m.AllowedTools...)
	if m.NextExecutionAt != nil {
		v := *m.NextExecutionAt
		cp.NextExecutionAt = &v
	}
	if m.LastExecutionAt != nil {
		v := *m.LastExecutionAt
		cp.LastExecutionAt = &v
	}
	return &cp
}

func (r *MemoryRepository) CreateMission(_ context.Context, m *Mission) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.missions[m.ID]; ok {
		return errors.Conflict("mission already exists: " + m.ID)
	}
	r.missions[m.ID] = cloneMission(m)
	return nil
}

func (r *MemoryRepository) GetMission(_ context.Context, id string) (*Mission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.missions[id]
	if !ok {
		return nil, errors.NotFound("mission", id)
	}
	return cloneMission(m), nil
}

func (r *MemoryRepository) ListMissions(_ context.Context, status MissionStatus) ([]*Mission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Mission
	for _, m := range r.missions {
		if status != "" && m.Status != status {
			continue
		}
		out = append(out, cloneMission(m))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *MemoryRepository) ListDue(_ context.Context, now time.Time) ([]*Mission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Mission
	for _, m := range r.missions {
		if m.Status != StatusActive || m.NextExecutionAt == nil {
			continue
		}
		if m.NextExecutionAt.After(now) {
			continue
		}
		out = append(out, cloneMission(m))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].NextExecutionAt.Before(*out[j].NextExecutionAt)
	})
	return out, nil
}

func (r *MemoryRepository) UpdateMission(_ context.Context, m *Mission) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.missions[m.ID]; !ok {
		return errors.NotFound("mission", m.ID)
	}
	r.missions[m.ID] = cloneMission(m)
	return nil
}

func (r *MemoryRepository) AdvanceSchedule(_ context.Context, id string, next, last time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.missions[id]
	if !ok {
		return errors.NotFound("mission", id)
	}
	n, l := next, last
	m.NextExecutionAt = &n
	m.LastExecutionAt = &l
	m.UpdatedAt = l
	return nil
}

func (r *MemoryRepository) DeleteMission(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.missions[id]; !ok {
		return errors.NotFound("mission", id)
	}
	delete(r.missions, id)
	return nil
}

func (r *MemoryRepository) CreateExecution(_ context.Context, e *MissionExecution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *e
	r.executions[e.ID] = &cp
	return nil
}

func (r *MemoryRepository) UpdateExecution(_ context.Context, e *MissionExecution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.executions[e.ID]; !ok {
		return errors.NotFound("mission execution", e.ID)
	}
	cp := *e
	r.executions[e.ID] = &cp
	return nil
}

func (r *MemoryRepository) GetExecution(_ context.Context, missionID, execID string) (*MissionExecution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.executions[execID]
	if !ok || e.MissionID != missionID {
		return nil, errors.NotFound("mission execution", execID)
	}
	cp := *e
	return &cp, nil
}

func (r *MemoryRepository) ListExecutions(_ context.Context, missionID string, limit int) ([]*MissionExecution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*MissionExecution
	for _, e := range r.executions {
		if e.MissionID != missionID {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

package workqueue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dere/dere/internal/common/errors"
)

// MemoryRepository is an in-memory Repository mirroring the SQL
// semantics, including single-winner claims. Used by tests.
type MemoryRepository struct {
	mu    sync.Mutex
	tasks map[string]*ProjectTask
}

// NewMemoryRepository creates an empty in-memory task repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{tasks: make(map[string]*ProjectTask)}
}

func cloneTask(t *ProjectTask) *ProjectTask {
	cp := *t
	cp.Tags = append([]string(nil), t.Tags...)
	cp.RequiredTools = append([]string(nil), t.RequiredTools...)
	cp.BlockedBy = append([]string(nil), t.BlockedBy...)
	cp.RelatedTaskIDs = append([]string(nil), t.RelatedTaskIDs...)
	cp.FilesChanged = append([]string(nil), t.FilesChanged...)
	cp.FollowUpTaskIDs = append([]string(nil), t.FollowUpTaskIDs...)
	if t.ClaimedBySessionID != nil {
		v := *t.ClaimedBySessionID
		cp.ClaimedBySessionID = &v
	}
	if t.ClaimedByAgentID != nil {
		v := *t.ClaimedByAgentID
		cp.ClaimedByAgentID = &v
	}
	return &cp
}

func (r *MemoryRepository) Create(_ context.Context, t *ProjectTask) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[t.ID]; ok {
		return errors.Conflict("task already exists: " + t.ID)
	}
	r.tasks[t.ID] = cloneTask(t)
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, id string) (*ProjectTask, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return nil, errors.NotFound("task", id)
	}
	return cloneTask(t), nil
}

func (r *MemoryRepository) List(_ context.Context, f Filter) ([]*ProjectTask, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*ProjectTask
	for _, t := range r.tasks {
		if f.WorkingDir != "" && t.WorkingDir != f.WorkingDir {
			continue
		}
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		if f.TaskType != "" && t.TaskType != f.TaskType {
			continue
		}
		if len(f.Tags) > 0 && !overlaps(t.Tags, f.Tags) {
			continue
		}
		out = append(out, cloneTask(t))
	}
	sortTasks(out)

	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (r *MemoryRepository) ListReady(_ context.Context, workingDir, taskType string, callerTools []string, limit int) ([]*ProjectTask, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*ProjectTask
	for _, t := range r.tasks {
		if t.Status != StatusReady || t.Claimed() || t.WorkingDir != workingDir {
			continue
		}
		if taskType != "" && t.TaskType != taskType {
			continue
		}
		if callerTools != nil && !subset(t.RequiredTools, callerTools) {
			continue
		}
		out = append(out, cloneTask(t))
	}
	sortTasks(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepository) Claim(_ context.Context, id, sessionID, agentID string, at time.Time) (*ProjectTask, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok {
		return nil, errors.NotFound("task", id)
	}
	if t.Claimed() {
		return nil, errors.Conflict(fmt.Sprintf("task '%s' is already claimed", id))
	}
	if t.Status != StatusReady {
		return nil, errors.Conflict(fmt.Sprintf("task '%s' is not ready (status: %s)", id, t.Status))
	}

	t.Status = StatusClaimed
	if sessionID != "" {
		v := sessionID
		t.ClaimedBySessionID = &v
	} else {
		v := agentID
		t.ClaimedByAgentID = &v
	}
	claimTime := at
	t.ClaimedAt = &claimTime
	t.AttemptCount++
	t.UpdatedAt = at
	return cloneTask(t), nil
}

func (r *MemoryRepository) Release(_ context.Context, id, reason string, at time.Time) (*ProjectTask, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok {
		return nil, errors.NotFound("task", id)
	}
	if t.Status != StatusClaimed && t.Status != StatusInProgress {
		return nil, errors.Conflict(fmt.Sprintf("task '%s' cannot be released (status: %s)", id, t.Status))
	}

	t.Status = StatusReady
	t.ClaimedBySessionID = nil
	t.ClaimedByAgentID = nil
	t.ClaimedAt = nil
	t.StartedAt = nil
	if reason != "" {
		t.LastError = reason
	}
	t.UpdatedAt = at
	return cloneTask(t), nil
}

func (r *MemoryRepository) Update(_ context.Context, t *ProjectTask) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[t.ID]; !ok {
		return errors.NotFound("task", t.ID)
	}
	r.tasks[t.ID] = cloneTask(t)
	return nil
}

func (r *MemoryRepository) Complete(_ context.Context, t *ProjectTask, at time.Time) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.tasks[t.ID]
	if !ok {
		return nil, errors.NotFound("task", t.ID)
	}

	completedAt := at
	stored.Status = StatusDone
	stored.CompletedAt = &completedAt
	stored.UpdatedAt = at
	stored.Outcome = t.Outcome
	stored.Notes = t.Notes
	stored.FilesChanged = append([]string(nil), t.FilesChanged...)
	stored.LastError = t.LastError

	t.Status = StatusDone
	t.CompletedAt = &completedAt
	t.UpdatedAt = at

	var newlyReady []string
	for _, dep := range r.tasks {
		idx := indexOf(dep.BlockedBy, t.ID)
		if idx < 0 {
			continue
		}
		dep.BlockedBy = append(dep.BlockedBy[:idx], dep.BlockedBy[idx+1:]...)
		dep.UpdatedAt = at
		if len(dep.BlockedBy) == 0 && dep.Status == StatusBlocked {
			dep.Status = StatusReady
			newlyReady = append(newlyReady, dep.ID)
		}
	}
	sort.Strings(newlyReady)
	return newlyReady, nil
}

func (r *MemoryRepository) PromoteUnblocked(_ context.Context, workingDir string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var promoted []string
	for _, t := range r.tasks {
		if t.Status != StatusBlocked || t.WorkingDir != workingDir {
			continue
		}
		allDone := true
		for _, blockerID := range t.BlockedBy {
			if blocker, ok := r.tasks[blockerID]; ok && blocker.Status != StatusDone {
				allDone = false
				break
			}
		}
		if allDone {
			t.Status = StatusReady
			t.UpdatedAt = time.Now().UTC()
			promoted = append(promoted, t.ID)
		}
	}
	sort.Strings(promoted)
	return promoted, nil
}

func (r *MemoryRepository) AppendFollowUp(_ context.Context, parentID, childID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[parentID]
	if !ok {
		return errors.NotFound("task", parentID)
	}
	if indexOf(t.FollowUpTaskIDs, childID) >= 0 {
		return nil
	}
	t.FollowUpTaskIDs = append(t.FollowUpTaskIDs, childID)
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *MemoryRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[id]; !ok {
		return errors.NotFound("task", id)
	}
	delete(r.tasks, id)
	return nil
}

func sortTasks(tasks []*ProjectTask) {
	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].Priority != tasks[j].Priority {
			return tasks[i].Priority > tasks[j].Priority
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
}

func indexOf(list []string, v string) int {
	for i, s := range list {
		if s == v {
			return i
		}
	}
	return -1
}

func subset(needles, haystack []string) bool {
	for _, n := range needles {
		if indexOf(haystack, n) < 0 {
			return false
		}
	}
	return true
}

func overlaps(a, b []string) bool {
	for _, v := range a {
		if indexOf(b, v) >= 0 {
			return true
		}
	}
	return false
}

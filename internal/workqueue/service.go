package workqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dere/dere/internal/common/errors"
	"github.com/dere/dere/internal/common/logger"
	"github.com/dere/dere/internal/events/bus"
)

// Service is the work queue coordinator. Claim races are settled by the
// repository; the service validates input, applies status transition
// rules, and publishes lifecycle events.
type Service struct {
	repo     Repository
	eventBus bus.EventBus
	logger   *logger.Logger
}

// NewService creates the work queue coordinator.
func NewService(repo Repository, eventBus bus.EventBus, log *logger.Logger) *Service {
	return &Service{
		repo:     repo,
		eventBus: eventBus,
		logger:   log.WithFields(zap.String("component", "workqueue")),
	}
}

// CreateTaskRequest carries the fields of a new task.
type CreateTaskRequest struct {
	WorkingDir  string `json:"working_dir"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Acceptance  string `json:"acceptance,omitempty"`

	TaskType      string   `json:"task_type,omitempty"`
	Tags          []string `json:"tags,omitempty"`
	Effort        string   `json:"effort,omitempty"`
	Priority      int      `json:"priority,omitempty"`
	RequiredTools []string `json:"required_tools,omitempty"`

	BlockedBy      []string `json:"blocked_by,omitempty"`
	RelatedTaskIDs []string `json:"related_task_ids,omitempty"`

	CreatedBySessionID string `json:"created_by_session_id,omitempty"`
	CreatedByAgentID   string `json:"created_by_agent_id,omitempty"`
	ParentTaskID       string `json:"parent_task_id,omitempty"`
	DiscoveryReason    string `json:"discovery_reason,omitempty"`

	// Backlog parks the task instead of making it claimable.
	Backlog bool `json:"backlog,omitempty"`

	Extra map[string]any `json:"extra,omitempty"`
}

// CreateTask creates a task. Initial status is blocked when any listed
// blocker is not yet done, otherwise ready (or backlog on request).
func (s *Service) CreateTask(ctx context.Context, req CreateTaskRequest) (*ProjectTask, error) {
	if req.Title == "" {
		return nil, errors.ValidationField("title", "must not be empty")
	}
	if req.WorkingDir == "" {
		return nil, errors.ValidationField("working_dir", "must not be empty")
	}

	status := StatusReady
	if req.Backlog {
		status = StatusBacklog
	} else if len(req.BlockedBy) > 0 {
		blocked, err := s.anyBlockerPending(ctx, req.BlockedBy)
		if err != nil {
			return nil, err
		}
		if blocked {
			status = StatusBlocked
		}
	}

	now := time.Now().UTC()
	t := &ProjectTask{
		ID:                 uuid.NewString(),
		WorkingDir:         req.WorkingDir,
		Title:              req.Title,
		Description:        req.Description,
		Acceptance:         req.Acceptance,
		TaskType:           req.TaskType,
		Tags:               req.Tags,
		Effort:             req.Effort,
		Priority:           req.Priority,
		RequiredTools:      req.RequiredTools,
		Status:             status,
		BlockedBy:          req.BlockedBy,
		RelatedTaskIDs:     req.RelatedTaskIDs,
		CreatedBySessionID: req.CreatedBySessionID,
		CreatedByAgentID:   req.CreatedByAgentID,
		ParentTaskID:       req.ParentTaskID,
		DiscoveryReason:    req.DiscoveryReason,
		Extra:              req.Extra,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	if err := s.repo.Create(ctx, t); err != nil {
		return nil, err
	}

	if req.ParentTaskID != "" {
		if err := s.repo.AppendFollowUp(ctx, req.ParentTaskID, t.ID); err != nil && !errors.IsNotFound(err) {
			s.logger.WithTaskID(t.ID).Warn("failed to link follow-up", zap.Error(err))
		}
	}

	s.publish("workqueue.task.created", t.ID, map[string]any{
		"status":      string(t.Status),
		"working_dir": t.WorkingDir,
	})
	return t, nil
}

func (s *Service) anyBlockerPending(ctx context.Context, blockerIDs []string) (bool, error) {
	for _, id := range blockerIDs {
		blocker, err := s.repo.Get(ctx, id)
		if errors.IsNotFound(err) {
			// Unknown blockers are treated as trivially satisfied.
			continue
		}
		if err != nil {
			return false, err
		}
		if blocker.Status != StatusDone {
			return true, nil
		}
	}
	return false, nil
}

// GetTask returns one task.
func (s *Service) GetTask(ctx context.Context, id string) (*ProjectTask, error) {
	return s.repo.Get(ctx, id)
}

// ListTasks returns tasks matching the filter.
func (s *Service) ListTasks(ctx context.Context, f Filter) ([]*ProjectTask, error) {
	if f.Status != "" && !validStatus(f.Status) {
		return nil, errors.ValidationField("status", fmt.Sprintf("unknown status '%s'", f.Status))
	}
	if f.Limit <= 0 {
		f.Limit = 100
	}
	return s.repo.List(ctx, f)
}

// GetReadyTasks lists claimable tasks. Advisory only; a listed task may
// be gone by the time a claim lands. Blocked tasks whose blockers have
// all finished are promoted first.
func (s *Service) GetReadyTasks(ctx context.Context, workingDir, taskType string, callerTools []string, limit int) ([]*ProjectTask, error) {
	if workingDir == "" {
		return nil, errors.ValidationField("working_dir", "must not be empty")
	}
	if limit <= 0 {
		limit = 20
	}

	promoted, err := s.repo.PromoteUnblocked(ctx, workingDir)
	if err != nil {
		s.logger.Warn("blocked-task re-evaluation failed", zap.Error(err))
	} else {
		for _, id := range promoted {
			s.publish("workqueue.task.ready", id, nil)
		}
	}

	return s.repo.ListReady(ctx, workingDir, taskType, callerTools, limit)
}

// ClaimTask claims a ready task for exactly one of session or agent.
// A lost race surfaces as a conflict error; the coordinator does not
// retry on the caller's behalf.
func (s *Service) ClaimTask(ctx context.Context, id, sessionID, agentID string) (*ProjectTask, error) {
	if (sessionID == "") == (agentID == "") {
		return nil, errors.Validation("exactly one of session_id and agent_id must be set")
	}

	t, err := s.repo.Claim(ctx, id, sessionID, agentID, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	s.publish("workqueue.task.claimed", t.ID, map[string]any{
		"attempt_count": t.AttemptCount,
	})
	return t, nil
}

// ReleaseTask returns a claimed or in-progress task to the queue.
// attempt_count is preserved so claim history survives.
func (s *Service) ReleaseTask(ctx context.Context, id, reason string) (*ProjectTask, error) {
	t, err := s.repo.Release(ctx, id, reason, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	s.publish("workqueue.task.released", t.ID, map[string]any{"reason": reason})
	return t, nil
}

// UpdateTaskRequest carries partial task updates. Nil pointers leave
// the field untouched.
type UpdateTaskRequest struct {
	Title         *string     `json:"title,omitempty"`
	Description   *string     `json:"description,omitempty"`
	Acceptance    *string     `json:"acceptance,omitempty"`
	TaskType      *string     `json:"task_type,omitempty"`
	Tags          []string    `json:"tags,omitempty"`
	Effort        *string     `json:"effort,omitempty"`
	Priority      *int        `json:"priority,omitempty"`
	RequiredTools []string    `json:"required_tools,omitempty"`
	Status        *TaskStatus `json:"status,omitempty"`
	Outcome       *string     `json:"outcome,omitempty"`
	Notes         *string     `json:"notes,omitempty"`
	FilesChanged  []string    `json:"files_changed,omitempty"`
	LastError     *string     `json:"last_error,omitempty"`

	Extra map[string]any `json:"extra,omitempty"`
}

// UpdateTask applies field updates and a controlled status transition.
// Completing a task refreshes its dependents in the same transaction;
// the ids of newly-ready dependents are returned for optional fan-out.
func (s *Service) UpdateTask(ctx context.Context, id string, req UpdateTaskRequest) (*ProjectTask, []string, error) {
	t, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	applyString := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	applyString(&t.Title, req.Title)
	applyString(&t.Description, req.Description)
	applyString(&t.Acceptance, req.Acceptance)
	applyString(&t.TaskType, req.TaskType)
	applyString(&t.Effort, req.Effort)
	applyString(&t.Outcome, req.Outcome)
	applyString(&t.Notes, req.Notes)
	applyString(&t.LastError, req.LastError)
	if req.Priority != nil {
		t.Priority = *req.Priority
	}
	if req.Tags != nil {
		t.Tags = req.Tags
	}
	if req.RequiredTools != nil {
		t.RequiredTools = req.RequiredTools
	}
	if req.FilesChanged != nil {
		t.FilesChanged = req.FilesChanged
	}
	if req.Extra != nil {
		t.Extra = req.Extra
	}

	now := time.Now().UTC()
	t.UpdatedAt = now

	if req.Status == nil || *req.Status == t.Status {
		if err := s.repo.Update(ctx, t); err != nil {
			return nil, nil, err
		}
		s.publish("workqueue.task.updated", t.ID, nil)
		return t, nil, nil
	}

	next := *req.Status
	if !validStatus(next) {
		return nil, nil, errors.ValidationField("status", fmt.Sprintf("unknown status '%s'", next))
	}
	if t.Status.Terminal() {
		return nil, nil, errors.Conflict(
			fmt.Sprintf("task '%s' is %s and cannot transition to %s", id, t.Status, next))
	}

	switch next {
	case StatusDone:
		newlyReady, err := s.repo.Complete(ctx, t, now)
		if err != nil {
			return nil, nil, err
		}
		s.publish("workqueue.task.completed", t.ID, map[string]any{
			"newly_ready": newlyReady,
		})
		for _, readyID := range newlyReady {
			s.publish("workqueue.task.ready", readyID, nil)
		}
		return t, newlyReady, nil

	case StatusInProgress:
		startedAt := now
		t.StartedAt = &startedAt
		t.Status = next

	case StatusReady:
		t.ClaimedBySessionID = nil
		t.ClaimedByAgentID = nil
		t.ClaimedAt = nil
		t.Status = next

	default:
		t.Status = next
	}

	if err := s.repo.Update(ctx, t); err != nil {
		return nil, nil, err
	}
	s.publish("workqueue.task.updated", t.ID, map[string]any{"status": string(t.Status)})
	return t, nil, nil
}

// AddFollowUpTask idempotently links child as a follow-up of parent.
func (s *Service) AddFollowUpTask(ctx context.Context, parentID, childID string) error {
	if _, err := s.repo.Get(ctx, childID); err != nil {
		return err
	}
	return s.repo.AppendFollowUp(ctx, parentID, childID)
}

// DeleteTask removes a task permanently.
func (s *Service) DeleteTask(ctx context.Context, id string) error {
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	s.publish("workqueue.task.deleted", id, nil)
	return nil
}

func (s *Service) publish(subject, taskID string, data map[string]any) {
	if s.eventBus == nil {
		return
	}
	if data == nil {
		data = map[string]any{}
	}
	data["task_id"] = taskID
	ev := bus.NewEvent(subject, "workqueue", data)
	if err := s.eventBus.Publish(context.Background(), subject, ev); err != nil {
		s.logger.Debug("event publish failed", zap.String("subject", subject), zap.Error(err))
	}
}

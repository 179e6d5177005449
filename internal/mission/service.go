package mission

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dere/dere/internal/common/errors"
	"github.com/dere/dere/internal/common/logger"
	"github.com/dere/dere/internal/events/bus"
)

// Service manages mission CRUD and manual triggers. The background
// scheduler drives the cron-based fires.
type Service struct {
	repo     Repository
	executor *Executor
	parser   ScheduleParser
	eventBus bus.EventBus
	logger   *logger.Logger
}

// NewService creates the mission service. parser may be nil; missions
// must then carry an explicit cron expression.
func NewService(repo Repository, executor *Executor, parser ScheduleParser,
	eventBus bus.EventBus, log *logger.Logger) *Service {
	return &Service{
		repo:     repo,
		executor: executor,
		parser:   parser,
		eventBus: eventBus,
		logger:   log.WithFields(zap.String("component", "mission-service")),
	}
}

// CreateMissionRequest carries the fields of a new mission. Exactly one
// of CronExpr and ScheduleSource must be set; a natural-language source
// is parsed into cron + timezone by the LLM helper.
type CreateMissionRequest struct {
	Name           string `json:"name"`
	Prompt         string `json:"prompt"`
	CronExpr       string `json:"cron_expr,omitempty"`
	ScheduleSource string `json:"schedule_source,omitempty"`
	Timezone       string `json:"timezone,omitempty"`

	Personality  string   `json:"personality,omitempty"`
	AllowedTools []string `json:"allowed_tools,omitempty"`
	Model        string   `json:"model,omitempty"`
	WorkingDir   string   `json:"working_dir"`
	Sandbox      bool     `json:"sandbox,omitempty"`
}

// CreateMission validates the schedule and stores the mission with its
// first fire time computed.
func (s *Service) CreateMission(ctx context.Context, req CreateMissionRequest) (*Mission, error) {
	if req.Name == "" {
		return nil, errors.ValidationField("name", "must not be empty")
	}
	if req.Prompt == "" {
		return nil, errors.ValidationField("prompt", "must not be empty")
	}
	if req.WorkingDir == "" {
		return nil, errors.ValidationField("working_dir", "must not be empty")
	}

	cronExpr, timezone := req.CronExpr, req.Timezone
	if cronExpr == "" {
		if req.ScheduleSource == "" {
			return nil, errors.Validation("either cron_expr or schedule_source is required")
		}
		if s.parser == nil {
			return nil, errors.ServiceUnavailable("schedule parser")
		}
		parsed, tz, err := s.parser.ParseSchedule(ctx, req.ScheduleSource)
		if err != nil {
			return nil, errors.Validation("could not parse schedule: " + err.Error())
		}
		cronExpr, timezone = parsed, tz
	}
	if timezone == "" {
		timezone = "UTC"
	}
	if err := ValidateSchedule(cronExpr, timezone); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	next, err := NextOccurrence(cronExpr, timezone, now)
	if err != nil {
		return nil, err
	}

	m := &Mission{
		ID:              uuid.NewString(),
		Name:            req.Name,
		Prompt:          req.Prompt,
		CronExpr:        cronExpr,
		ScheduleSource:  req.ScheduleSource,
		Timezone:        timezone,
		Status:          StatusActive,
		NextExecutionAt: &next,
		Personality:     req.Personality,
		AllowedTools:    req.AllowedTools,
		Model:           req.Model,
		WorkingDir:      req.WorkingDir,
		Sandbox:         req.Sandbox,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.repo.CreateMission(ctx, m); err != nil {
		return nil, err
	}

	s.publish("mission.created", m.ID, map[string]any{"cron": cronExpr, "timezone": timezone})
	return m, nil
}

// GetMission returns one mission.
func (s *Service) GetMission(ctx context.Context, id string) (*Mission, error) {
	return s.repo.GetMission(ctx, id)
}

// ListMissions returns missions, optionally filtered by status.
func (s *Service) ListMissions(ctx context.Context, status MissionStatus) ([]*Mission, error) {
	if status != "" && status != StatusActive && status != StatusPaused {
		return nil, errors.ValidationField("status", "must be active or paused")
	}
	return s.repo.ListMissions(ctx, status)
}

// UpdateMissionRequest carries partial mission updates.
type UpdateMissionRequest struct {
	Name         *string  `json:"name,omitempty"`
	Prompt       *string  `json:"prompt,omitempty"`
	CronExpr     *string  `json:"cron_expr,omitempty"`
	Timezone     *string  `json:"timezone,omitempty"`
	Personality  *string  `json:"personality,omitempty"`
	AllowedTools []string `json:"allowed_tools,omitempty"`
	Model        *string  `json:"model,omitempty"`
	WorkingDir   *string  `json:"working_dir,omitempty"`
	Sandbox      *bool    `json:"sandbox,omitempty"`
}

// UpdateMission applies field updates. A schedule change revalidates
// and recomputes the next fire time.
func (s *Service) UpdateMission(ctx context.Context, id string, req UpdateMissionRequest) (*Mission, error) {
	m, err := s.repo.GetMission(ctx, id)
	if err != nil {
		return nil, err
	}

	scheduleChanged := false
	if req.CronExpr != nil && *req.CronExpr != m.CronExpr {
		m.CronExpr = *req.CronExpr
		scheduleChanged = true
	}
	if req.Timezone != nil && *req.Timezone != m.Timezone {
		m.Timezone = *req.Timezone
		scheduleChanged = true
	}
	if req.Name != nil {
		m.Name = *req.Name
	}
	if req.Prompt != nil {
		m.Prompt = *req.Prompt
	}
	if req.Personality != nil {
		m.Personality = *req.Personality
	}
	if req.AllowedTools != nil {
		m.AllowedTools = req.AllowedTools
	}
	if req.Model != nil {
		m.Model = *req.Model
	}
	if req.WorkingDir != nil {
		m.WorkingDir = *req.WorkingDir
	}
	if req.Sandbox != nil {
		m.Sandbox = *req.Sandbox
	}

	if scheduleChanged {
		if err := ValidateSchedule(m.CronExpr, m.Timezone); err != nil {
			return nil, err
		}
		if m.Status == StatusActive {
			next, err := NextOccurrence(m.CronExpr, m.Timezone, time.Now().UTC())
			if err != nil {
				return nil, err
			}
			m.NextExecutionAt = &next
		}
	}

	m.UpdatedAt = time.Now().UTC()
	if err := s.repo.UpdateMission(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// PauseMission stops scheduled fires until resumed.
func (s *Service) PauseMission(ctx context.Context, id string) (*Mission, error) {
	m, err := s.repo.GetMission(ctx, id)
	if err != nil {
		return nil, err
	}
	m.Status = StatusPaused
	m.UpdatedAt = time.Now().UTC()
	if err := s.repo.UpdateMission(ctx, m); err != nil {
		return nil, err
	}
	s.publish("mission.paused", m.ID, nil)
	return m, nil
}

// ResumeMission reactivates a mission and recomputes its next fire.
func (s *Service) ResumeMission(ctx context.Context, id string) (*Mission, error) {
	m, err := s.repo.GetMission(ctx, id)
	if err != nil {
		return nil, err
	}
	next, err := NextOccurrence(m.CronExpr, m.Timezone, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	m.Status = StatusActive
	m.NextExecutionAt = &next
	m.UpdatedAt = time.Now().UTC()
	if err := s.repo.UpdateMission(ctx, m); err != nil {
		return nil, err
	}
	s.publish("mission.resumed", m.ID, nil)
	return m, nil
}

// DeleteMission removes a mission.
func (s *Service) DeleteMission(ctx context.Context, id string) error {
	return s.repo.DeleteMission(ctx, id)
}

// ExecuteNow triggers a mission manually in a fresh background task,
// bypassing the scheduler. The next scheduled fire is unaffected.
func (s *Service) ExecuteNow(ctx context.Context, id, triggeredBy string) error {
	m, err := s.repo.GetMission(ctx, id)
	if err != nil {
		return err
	}

	go func() {
		if _, err := s.executor.Execute(context.Background(), m, TriggerManual, triggeredBy); err != nil {
			s.logger.WithMissionID(m.ID).Error("manual execution failed", zap.Error(err))
		}
		s.publish("mission.execution.finished", m.ID, map[string]any{"trigger": string(TriggerManual)})
	}()
	return nil
}

// GetExecution returns one execution of a mission.
func (s *Service) GetExecution(ctx context.Context, missionID, execID string) (*MissionExecution, error) {
	return s.repo.GetExecution(ctx, missionID, execID)
}

// ListExecutions returns recent executions, newest first.
func (s *Service) ListExecutions(ctx context.Context, missionID string, limit int) ([]*MissionExecution, error) {
	if _, err := s.repo.GetMission(ctx, missionID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 20
	}
	return s.repo.ListExecutions(ctx, missionID, limit)
}

func (s *Service) publish(eventType, missionID string, data map[string]any) {
	if s.eventBus == nil {
		return
	}
	if data == nil {
		data = map[string]any{}
	}
	data["mission_id"] = missionID
	ev := bus.NewEvent(eventType, "mission-service", data)
	if err := s.eventBus.Publish(context.Background(), eventType, ev); err != nil {
		s.logger.Debug("event publish failed", zap.String("subject", eventType), zap.Error(err))
	}
}

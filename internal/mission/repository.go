package mission

import (
	"context"
	"time"
)

// Repository persists missions and their executions.
type Repository interface {
	CreateMission(ctx context.Context, m *Mission) error
	GetMission(ctx context.Context, id string) (*Mission, error)
	ListMissions(ctx context.Context, status MissionStatus) ([]*Mission, error)
	UpdateMission(ctx context.Context, m *Mission) error
	DeleteMission(ctx context.Context, id string) error

	// ListDue returns active missions with next_execution_at at or
	// before now.
	ListDue(ctx context.Context, now time.Time) ([]*Mission, error)

	// AdvanceSchedule writes the next fire time and last execution time
	// after a run.
	AdvanceSchedule(ctx context.Context, id string, next, last time.Time) error

	CreateExecution(ctx context.Context, e *MissionExecution) error
	UpdateExecution(ctx context.Context, e *MissionExecution) error
	GetExecution(ctx context.Context, missionID, execID string) (*MissionExecution, error)
	ListExecutions(ctx context.Context, missionID string, limit int) ([]*MissionExecution, error)
}

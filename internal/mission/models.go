// Package mission implements cron-scheduled agent runs: the mission
// store, the background scheduler, and the executor that drives the
// session service.
package mission

import "time"

// MissionStatus is the scheduling state of a mission.
type MissionStatus string

const (
	StatusActive MissionStatus = "active"
	StatusPaused MissionStatus = "paused"
)

// Mission is a durable, schedulable unit of agent work.
//
// Invariant: while active, NextExecutionAt is set and advances
// monotonically.
type Mission struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Prompt         string `json:"prompt"`
	CronExpr       string `json:"cron_expr"`
	ScheduleSource string `json:"schedule_source,omitempty"`
	Timezone       string `json:"timezone"`

	Status          MissionStatus `json:"status"`
	NextExecutionAt *time.Time    `json:"next_execution_at,omitempty"`
	LastExecutionAt *time.Time    `json:"last_execution_at,omitempty"`

	Personality  string   `json:"personality,omitempty"`
	AllowedTools []string `json:"allowed_tools,omitempty"`
	Model        string   `json:"model,omitempty"`
	WorkingDir   string   `json:"working_dir"`
	Sandbox      bool     `json:"sandbox"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TriggerKind distinguishes scheduled fires from manual ones.
type TriggerKind string

const (
	TriggerScheduled TriggerKind = "scheduled"
	TriggerManual    TriggerKind = "manual"
)

// ExecutionStatus is the lifecycle state of one mission run.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
)

// MissionExecution records one run of a mission.
type MissionExecution struct {
	ID          string      `json:"id"`
	MissionID   string      `json:"mission_id"`
	Trigger     TriggerKind `json:"trigger"`
	TriggeredBy string      `json:"triggered_by,omitempty"`

	Status       ExecutionStatus `json:"status"`
	StartedAt    time.Time       `json:"started_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	Output       string          `json:"output,omitempty"`
	Summary      string          `json:"summary,omitempty"`
	ToolUseCount int             `json:"tool_use_count"`
	Error        string          `json:"error,omitempty"`
}

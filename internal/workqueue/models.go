// Package workqueue implements the project task queue: task CRUD,
// atomic claiming, and dependency-driven status transitions.
package workqueue

import "time"

// TaskStatus is the lifecycle state of a project task.
type TaskStatus string

const (
	StatusBacklog    TaskStatus = "backlog"
	StatusReady      TaskStatus = "ready"
	StatusClaimed    TaskStatus = "claimed"
	StatusInProgress TaskStatus = "in_progress"
	StatusDone       TaskStatus = "done"
	StatusBlocked    TaskStatus = "blocked"
	StatusCancelled  TaskStatus = "cancelled"
)

// Terminal reports whether a status admits no further transitions.
func (s TaskStatus) Terminal() bool {
	return s == StatusDone || s == StatusCancelled
}

func validStatus(s TaskStatus) bool {
	switch s {
	case StatusBacklog, StatusReady, StatusClaimed, StatusInProgress,
		StatusDone, StatusBlocked, StatusCancelled:
		return true
	}
	return false
}

// ProjectTask is one unit of queued work.
//
// Invariants: status is ready iff blocked_by is empty (or all done) and
// both claim fields are null; claimed implies exactly one claim id and
// claimed_at set; done implies completed_at set.
type ProjectTask struct {
	ID          string `json:"id"`
	WorkingDir  string `json:"working_dir"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Acceptance  string `json:"acceptance,omitempty"`

	TaskType      string   `json:"task_type,omitempty"`
	Tags          []string `json:"tags,omitempty"`
	Effort        string   `json:"effort,omitempty"`
	Priority      int      `json:"priority"`
	RequiredTools []string `json:"required_tools,omitempty"`

	Status             TaskStatus `json:"status"`
	ClaimedBySessionID *string    `json:"claimed_by_session_id,omitempty"`
	ClaimedByAgentID   *string    `json:"claimed_by_agent_id,omitempty"`
	ClaimedAt          *time.Time `json:"claimed_at,omitempty"`
	AttemptCount       int        `json:"attempt_count"`

	BlockedBy      []string `json:"blocked_by,omitempty"`
	RelatedTaskIDs []string `json:"related_task_ids,omitempty"`

	CreatedBySessionID string `json:"created_by_session_id,omitempty"`
	CreatedByAgentID   string `json:"created_by_agent_id,omitempty"`
	ParentTaskID       string `json:"parent_task_id,omitempty"`
	DiscoveryReason    string `json:"discovery_reason,omitempty"`

	Outcome         string   `json:"outcome,omitempty"`
	Notes           string   `json:"notes,omitempty"`
	FilesChanged    []string `json:"files_changed,omitempty"`
	FollowUpTaskIDs []string `json:"follow_up_task_ids,omitempty"`
	LastError       string   `json:"last_error,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Extra map[string]any `json:"extra,omitempty"`
}

// Claimed reports whether the task currently carries a claim.
func (t *ProjectTask) Claimed() bool {
	return t.ClaimedBySessionID != nil || t.ClaimedByAgentID != nil
}

// Filter narrows task listings.
type Filter struct {
	WorkingDir string
	Status     TaskStatus
	TaskType   string
	Tags       []string
	Limit      int
	Offset     int
}

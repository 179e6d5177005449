package workqueue

import (
	"context"
	"time"
)

// Repository persists project tasks. The claim, release, and complete
// operations are transactional; Claim uses the store's locked-fetch
// primitive so concurrent claims of one ready task have exactly one
// winner.
type Repository interface {
	Create(ctx context.Context, t *ProjectTask) error
	Get(ctx context.Context, id string) (*ProjectTask, error)
	List(ctx context.Context, f Filter) ([]*ProjectTask, error)

	// ListReady returns claimable tasks ordered by priority descending
	// then creation ascending. callerTools, when non-nil, filters to
	// tasks whose required_tools is a subset of it. Advisory only.
	ListReady(ctx context.Context, workingDir, taskType string, callerTools []string, limit int) ([]*ProjectTask, error)

	// Claim atomically claims a ready unclaimed task for exactly one of
	// (sessionID, agentID), bumping attempt_count. Lost races and bad
	// states surface as typed not-found / conflict errors.
	Claim(ctx context.Context, id, sessionID, agentID string, at time.Time) (*ProjectTask, error)

	// Release returns a claimed or in_progress task to ready, clearing
	// the claim. attempt_count is preserved.
	Release(ctx context.Context, id, reason string, at time.Time) (*ProjectTask, error)

	// Update persists field changes on a task row.
	Update(ctx context.Context, t *ProjectTask) error

	// Complete marks the task done and, in the same transaction,
	// removes it from every dependent's blocked_by, promoting newly
	// unblocked tasks to ready. Returns the ids promoted.
	Complete(ctx context.Context, t *ProjectTask, at time.Time) ([]string, error)

	// PromoteUnblocked re-evaluates blocked tasks in a working
	// directory, promoting those whose every blocker is done. Used when
	// a completion transaction's dependency refresh was lost.
	PromoteUnblocked(ctx context.Context, workingDir string) ([]string, error)

	// AppendFollowUp idempotently appends childID to the parent's
	// follow_up_task_ids.
	AppendFollowUp(ctx context.Context, parentID, childID string) error

	Delete(ctx context.Context, id string) error
}

package workqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/dere/dere/internal/common/database"
	"github.com/dere/dere/internal/common/errors"
)

// PostgresRepository implements Repository against PostgreSQL. Claim
// correctness relies on FOR UPDATE SKIP LOCKED.
type PostgresRepository struct {
	db *database.DB
}

// NewPostgresRepository creates a PostgreSQL-backed task repository.
func NewPostgresRepository(db *database.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const taskColumns = `id, working_dir, title, description, acceptance,
	task_type, tags, effort, priority, required_tools,
	status, claimed_by_session_id, claimed_by_agent_id, claimed_at, attempt_count,
	blocked_by, related_task_ids,
	created_by_session_id, created_by_agent_id, parent_task_id, discovery_reason,
	outcome, notes, files_changed, follow_up_task_ids, last_error,
	created_at, updated_at, started_at, completed_at, extra`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*ProjectTask, error) {
	var t ProjectTask
	err := row.Scan(
		&t.ID, &t.WorkingDir, &t.Title, &t.Description, &t.Acceptance,
		&t.TaskType, &t.Tags, &t.Effort, &t.Priority, &t.RequiredTools,
		&t.Status, &t.ClaimedBySessionID, &t.ClaimedByAgentID, &t.ClaimedAt, &t.AttemptCount,
		&t.BlockedBy, &t.RelatedTaskIDs,
		&t.CreatedBySessionID, &t.CreatedByAgentID, &t.ParentTaskID, &t.DiscoveryReason,
		&t.Outcome, &t.Notes, &t.FilesChanged, &t.FollowUpTaskIDs, &t.LastError,
		&t.CreatedAt, &t.UpdatedAt, &t.StartedAt, &t.CompletedAt, &t.Extra,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *PostgresRepository) Create(ctx context.Context, t *ProjectTask) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO project_tasks (`+taskColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,
			$18,$19,$20,$21,$22,$23,$24,$25,$26,$27,$28,$29,$30,$31)`,
		t.ID, t.WorkingDir, t.Title, t.Description, t.Acceptance,
		t.TaskType, t.Tags, t.Effort, t.Priority, t.RequiredTools,
		t.Status, t.ClaimedBySessionID, t.ClaimedByAgentID, t.ClaimedAt, t.AttemptCount,
		t.BlockedBy, t.RelatedTaskIDs,
		t.CreatedBySessionID, t.CreatedByAgentID, t.ParentTaskID, t.DiscoveryReason,
		t.Outcome, t.Notes, t.FilesChanged, t.FollowUpTaskIDs, t.LastError,
		t.CreatedAt, t.UpdatedAt, t.StartedAt, t.CompletedAt, t.Extra,
	)
	if err != nil {
		if database.IsConstraintViolation(err) {
			return errors.Validation("task violates a constraint: " + err.Error())
		}
		return errors.Wrap(err, "failed to create task")
	}
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (*ProjectTask, error) {
	row := r.db.QueryRow(ctx, `SELECT `+taskColumns+` FROM project_tasks WHERE id = $1`, id)
	t, err := scanTask(row)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("task", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get task")
	}
	return t, nil
}

func (r *PostgresRepository) List(ctx context.Context, f Filter) ([]*ProjectTask, error) {
	query := `SELECT ` + taskColumns + ` FROM project_tasks WHERE 1=1`
	args := []any{}
	n := 0
	arg := func(v any) string {
		n++
		args = append(args, v)
		return fmt.Sprintf("$%d", n)
	}

	if f.WorkingDir != "" {
		query += ` AND working_dir = ` + arg(f.WorkingDir)
	}
	if f.Status != "" {
		query += ` AND status = ` + arg(string(f.Status))
	}
	if f.TaskType != "" {
		query += ` AND task_type = ` + arg(f.TaskType)
	}
	if len(f.Tags) > 0 {
		query += ` AND tags && ` + arg(f.Tags)
	}
	query += ` ORDER BY priority DESC, created_at ASC`
	if f.Limit > 0 {
		query += ` LIMIT ` + arg(f.Limit)
	}
	if f.Offset > 0 {
		query += ` OFFSET ` + arg(f.Offset)
	}

	return r.queryTasks(ctx, query, args...)
}

func (r *PostgresRepository) ListReady(ctx context.Context, workingDir, taskType string, callerTools []string, limit int) ([]*ProjectTask, error) {
	query := `SELECT ` + taskColumns + ` FROM project_tasks
		WHERE status = 'ready'
		  AND claimed_by_session_id IS NULL AND claimed_by_agent_id IS NULL
		  AND working_dir = $1`
	args := []any{workingDir}
	n := 1
	if taskType != "" {
		n++
		query += fmt.Sprintf(` AND task_type = $%d`, n)
		args = append(args, taskType)
	}
	if callerTools != nil {
		n++
		query += fmt.Sprintf(` AND required_tools <@ $%d`, n)
		args = append(args, callerTools)
	}
	n++
	query += fmt.Sprintf(` ORDER BY priority DESC, created_at ASC LIMIT $%d`, n)
	args = append(args, limit)

	return r.queryTasks(ctx, query, args...)
}

func (r *PostgresRepository) queryTasks(ctx context.Context, query string, args ...any) ([]*ProjectTask, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list tasks")
	}
	defer rows.Close()

	var tasks []*ProjectTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan task")
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (r *PostgresRepository) Claim(ctx context.Context, id, sessionID, agentID string, at time.Time) (*ProjectTask, error) {
	var claimed *ProjectTask
	err := r.db.WithTx(ctx, func(tx pgx.Tx) error {
		// Locked fetch with skip-locked: a contended row is treated the
		// same as an already-claimed one.
		row := tx.QueryRow(ctx, `
			SELECT `+taskColumns+` FROM project_tasks
			WHERE id = $1 AND status = 'ready'
			  AND claimed_by_session_id IS NULL AND claimed_by_agent_id IS NULL
			FOR UPDATE SKIP LOCKED`, id)
		t, err := scanTask(row)
		if err == pgx.ErrNoRows {
			return r.classifyClaimFailure(ctx, tx, id)
		}
		if err != nil {
			return errors.Wrap(err, "failed to lock task")
		}

		t.Status = StatusClaimed
		if sessionID != "" {
			t.ClaimedBySessionID = &sessionID
		} else {
			t.ClaimedByAgentID = &agentID
		}
		claimTime := at
		t.ClaimedAt = &claimTime
		t.AttemptCount++
		t.UpdatedAt = at

		_, err = tx.Exec(ctx, `
			UPDATE project_tasks
			SET status = 'claimed', claimed_by_session_id = $2, claimed_by_agent_id = $3,
			    claimed_at = $4, attempt_count = $5, updated_at = $4
			WHERE id = $1`,
			t.ID, t.ClaimedBySessionID, t.ClaimedByAgentID, at, t.AttemptCount)
		if err != nil {
			return errors.Wrap(err, "failed to claim task")
		}
		claimed = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// classifyClaimFailure distinguishes not-found, not-ready, and
// already-claimed after a claim fetch returned nothing.
func (r *PostgresRepository) classifyClaimFailure(ctx context.Context, tx pgx.Tx, id string) error {
	var status TaskStatus
	var sessID, agentID *string
	err := tx.QueryRow(ctx, `
		SELECT status, claimed_by_session_id, claimed_by_agent_id
		FROM project_tasks WHERE id = $1`, id).Scan(&status, &sessID, &agentID)
	if err == pgx.ErrNoRows {
		return errors.NotFound("task", id)
	}
	if err != nil {
		return errors.Wrap(err, "failed to inspect task")
	}
	if sessID != nil || agentID != nil {
		return errors.Conflict(fmt.Sprintf("task '%s' is already claimed", id))
	}
	return errors.Conflict(fmt.Sprintf("task '%s' is not ready (status: %s)", id, status))
}

func (r *PostgresRepository) Release(ctx context.Context, id, reason string, at time.Time) (*ProjectTask, error) {
	var released *ProjectTask
	err := r.db.WithTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			UPDATE project_tasks
			SET status = 'ready', claimed_by_session_id = NULL, claimed_by_agent_id = NULL,
			    claimed_at = NULL, started_at = NULL,
			    last_error = CASE WHEN $2 <> '' THEN $2 ELSE last_error END,
			    updated_at = $3
			WHERE id = $1 AND status IN ('claimed', 'in_progress')
			RETURNING `+taskColumns, id, reason, at)
		t, err := scanTask(row)
		if err == pgx.ErrNoRows {
			var status TaskStatus
			scanErr := tx.QueryRow(ctx,
				`SELECT status FROM project_tasks WHERE id = $1`, id).Scan(&status)
			if scanErr == pgx.ErrNoRows {
				return errors.NotFound("task", id)
			}
			if scanErr != nil {
				return errors.Wrap(scanErr, "failed to inspect task")
			}
			return errors.Conflict(fmt.Sprintf("task '%s' cannot be released (status: %s)", id, status))
		}
		if err != nil {
			return errors.Wrap(err, "failed to release task")
		}
		released = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return released, nil
}

func (r *PostgresRepository) Update(ctx context.Context, t *ProjectTask) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE project_tasks SET
			title = $2, description = $3, acceptance = $4,
			task_type = $5, tags = $6, effort = $7, priority = $8, required_tools = $9,
			status = $10, claimed_by_session_id = $11, claimed_by_agent_id = $12,
			claimed_at = $13, attempt_count = $14,
			blocked_by = $15, related_task_ids = $16,
			outcome = $17, notes = $18, files_changed = $19, follow_up_task_ids = $20,
			last_error = $21, updated_at = $22, started_at = $23, completed_at = $24,
			extra = $25
		WHERE id = $1`,
		t.ID, t.Title, t.Description, t.Acceptance,
		t.TaskType, t.Tags, t.Effort, t.Priority, t.RequiredTools,
		t.Status, t.ClaimedBySessionID, t.ClaimedByAgentID,
		t.ClaimedAt, t.AttemptCount,
		t.BlockedBy, t.RelatedTaskIDs,
		t.Outcome, t.Notes, t.FilesChanged, t.FollowUpTaskIDs,
		t.LastError, t.UpdatedAt, t.StartedAt, t.CompletedAt,
		t.Extra,
	)
	if err != nil {
		return errors.Wrap(err, "failed to update task")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("task", t.ID)
	}
	return nil
}

func (r *PostgresRepository) Complete(ctx context.Context, t *ProjectTask, at time.Time) ([]string, error) {
	var newlyReady []string
	err := r.db.WithTx(ctx, func(tx pgx.Tx) error {
		completedAt := at
		t.Status = StatusDone
		t.CompletedAt = &completedAt
		t.UpdatedAt = at

		_, err := tx.Exec(ctx, `
			UPDATE project_tasks
			SET status = 'done', completed_at = $2, updated_at = $2,
			    outcome = $3, notes = $4, files_changed = $5, last_error = $6
			WHERE id = $1`,
			t.ID, at, t.Outcome, t.Notes, t.FilesChanged, t.LastError)
		if err != nil {
			return errors.Wrap(err, "failed to complete task")
		}

		// Refresh dependents: drop the completed id from every
		// blocked_by, then promote rows left with no blockers.
		rows, err := tx.Query(ctx, `
			UPDATE project_tasks
			SET blocked_by = array_remove(blocked_by, $1), updated_at = $2
			WHERE $1 = ANY(blocked_by)
			RETURNING id, cardinality(blocked_by) = 0, status`, t.ID, at)
		if err != nil {
			return errors.Wrap(err, "failed to refresh dependents")
		}
		var candidates []string
		for rows.Next() {
			var depID string
			var unblocked bool
			var status TaskStatus
			if err := rows.Scan(&depID, &unblocked, &status); err != nil {
				rows.Close()
				return errors.Wrap(err, "failed to scan dependent")
			}
			if unblocked && status == StatusBlocked {
				candidates = append(candidates, depID)
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return errors.Wrap(err, "failed to read dependents")
		}

		if len(candidates) > 0 {
			_, err = tx.Exec(ctx, `
				UPDATE project_tasks SET status = 'ready', updated_at = $2
				WHERE id = ANY($1) AND status = 'blocked'`, candidates, at)
			if err != nil {
				return errors.Wrap(err, "failed to promote dependents")
			}
			newlyReady = candidates
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return newlyReady, nil
}

func (r *PostgresRepository) PromoteUnblocked(ctx context.Context, workingDir string) ([]string, error) {
	rows, err := r.db.Query(ctx, `
		UPDATE project_tasks t
		SET status = 'ready', updated_at = $2
		WHERE t.status = 'blocked' AND t.working_dir = $1
		  AND NOT EXISTS (
			SELECT 1 FROM project_tasks d
			WHERE d.id = ANY(t.blocked_by) AND d.status <> 'done')
		RETURNING t.id`, workingDir, time.Now().UTC())
	if err != nil {
		return nil, errors.Wrap(err, "failed to promote unblocked tasks")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "failed to scan promoted task")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *PostgresRepository) AppendFollowUp(ctx context.Context, parentID, childID string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE project_tasks
		SET follow_up_task_ids = array_append(follow_up_task_ids, $2), updated_at = $3
		WHERE id = $1 AND NOT ($2 = ANY(follow_up_task_ids))`,
		parentID, childID, time.Now().UTC())
	if err != nil {
		return errors.Wrap(err, "failed to append follow-up task")
	}
	if tag.RowsAffected() == 0 {
		// Either absent or already appended; disambiguate.
		if _, err := r.Get(ctx, parentID); err != nil {
			return err
		}
	}
	return nil
}

func (r *PostgresRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM project_tasks WHERE id = $1`, id)
	if err != nil {
		return errors.Wrap(err, "failed to delete task")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("task", id)
	}
	return nil
}

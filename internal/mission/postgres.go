package mission

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/dere/dere/internal/common/database"
	"github.com/dere/dere/internal/common/errors"
)

// PostgresRepository implements Repository against PostgreSQL.
type PostgresRepository struct {
	db *database.DB
}

// NewPostgresRepository creates a PostgreSQL-backed mission repository.
func NewPostgresRepository(db *database.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const missionColumns = `id, name, prompt, cron_expr, schedule_source, timezone,
	status, next_execution_at, last_execution_at,
	personality, allowed_tools, model, working_dir, sandbox,
	created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMission(row rowScanner) (*Mission, error) {
	var m Mission
	err := row.Scan(
		&m.ID, &m.Name, &m.Prompt, &m.CronExpr, &m.ScheduleSource, &m.Timezone,
		&m.Status, &m.NextExecutionAt, &m.LastExecutionAt,
		&m.Personality, &m.AllowedTools, &m.Model, &m.WorkingDir, &m.Sandbox,
		&m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *PostgresRepository) CreateMission(ctx context.Context, m *Mission) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO missions (`+missionColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		m.ID, m.Name, m.Prompt, m.CronExpr, m.ScheduleSource, m.Timezone,
		m.Status, m.NextExecutionAt, m.LastExecutionAt,
		m.Personality, m.AllowedTools, m.Model, m.WorkingDir, m.Sandbox,
		m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "failed to create mission")
	}
	return nil
}

func (r *PostgresRepository) GetMission(ctx context.Context, id string) (*Mission, error) {
	row := r.db.QueryRow(ctx, `SELECT `+missionColumns+` FROM missions WHERE id = $1`, id)
	m, err := scanMission(row)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("mission", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get mission")
	}
	return m, nil
}

func (r *PostgresRepository) ListMissions(ctx context.Context, status MissionStatus) ([]*Mission, error) {
	query := `SELECT ` + missionColumns + ` FROM missions`
	args := []any{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC`

	return r.queryMissions(ctx, query, args...)
}

func (r *PostgresRepository) ListDue(ctx context.Context, now time.Time) ([]*Mission, error) {
	return r.queryMissions(ctx, `
		SELECT `+missionColumns+` FROM missions
		WHERE status = 'active' AND next_execution_at IS NOT NULL AND next_execution_at <= $1
		ORDER BY next_execution_at ASC`, now)
}

func (r *PostgresRepository) queryMissions(ctx context.Context, query string, args ...any) ([]*Mission, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list missions")
	}
	defer rows.Close()

	var missions []*Mission
	for rows.Next() {
		m, err := scanMission(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan mission")
		}
		missions = append(missions, m)
	}
	return missions, rows.Err()
}

func (r *PostgresRepository) UpdateMission(ctx context.Context, m *Mission) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE missions SET
			name = $2, prompt = $3, cron_expr = $4, schedule_source = $5, timezone = $6,
			status = $7, next_execution_at = $8, last_execution_at = $9,
			personality = $10, allowed_tools = $11, model = $12, working_dir = $13,
			sandbox = $14, updated_at = $15
		WHERE id = $1`,
		m.ID, m.Name, m.Prompt, m.CronExpr, m.ScheduleSource, m.Timezone,
		m.Status, m.NextExecutionAt, m.LastExecutionAt,
		m.Personality, m.AllowedTools, m.Model, m.WorkingDir,
		m.Sandbox, m.UpdatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "failed to update mission")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("mission", m.ID)
	}
	return nil
}

func (r *PostgresRepository) AdvanceSchedule(ctx context.Context, id string, next, last time.Time) error {
	_, err := r.db.Exec(ctx, `
		UPDATE missions SET next_execution_at = $2, last_execution_at = $3, updated_at = $3
		WHERE id = $1`, id, next, last)
	if err != nil {
		return errors.Wrap(err, "failed to advance mission schedule")
	}
	return nil
}

func (r *PostgresRepository) DeleteMission(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM missions WHERE id = $1`, id)
	if err != nil {
		return errors.Wrap(err, "failed to delete mission")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("mission", id)
	}
	return nil
}

const executionColumns = `id, mission_id, trigger_kind, triggered_by,
	status, started_at, completed_at, output, summary, tool_use_count, error`

func scanExecution(row rowScanner) (*MissionExecution, error) {
	var e MissionExecution
	err := row.Scan(
		&e.ID, &e.MissionID, &e.Trigger, &e.TriggeredBy,
		&e.Status, &e.StartedAt, &e.CompletedAt, &e.Output, &e.Summary,
		&e.ToolUseCount, &e.Error,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *PostgresRepository) CreateExecution(ctx context.Context, e *MissionExecution) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO mission_executions (`+executionColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		e.ID, e.MissionID, e.Trigger, e.TriggeredBy,
		e.Status, e.StartedAt, e.CompletedAt, e.Output, e.Summary,
		e.ToolUseCount, e.Error,
	)
	if err != nil {
		return errors.Wrap(err, "failed to create mission execution")
	}
	return nil
}

func (r *PostgresRepository) UpdateExecution(ctx context.Context, e *MissionExecution) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE mission_executions SET
			status = $2, completed_at = $3, output = $4, summary = $5,
			tool_use_count = $6, error = $7
		WHERE id = $1`,
		e.ID, e.Status, e.CompletedAt, e.Output, e.Summary,
		e.ToolUseCount, e.Error,
	)
	if err != nil {
		return errors.Wrap(err, "failed to update mission execution")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("mission execution", e.ID)
	}
	return nil
}

func (r *PostgresRepository) GetExecution(ctx context.Context, missionID, execID string) (*MissionExecution, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+executionColumns+` FROM mission_executions
		WHERE id = $1 AND mission_id = $2`, execID, missionID)
	e, err := scanExecution(row)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("mission execution", execID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get mission execution")
	}
	return e, nil
}

func (r *PostgresRepository) ListExecutions(ctx context.Context, missionID string, limit int) ([]*MissionExecution, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+executionColumns+` FROM mission_executions
		WHERE mission_id = $1 ORDER BY started_at DESC LIMIT $2`, missionID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list mission executions")
	}
	defer rows.Close()

	var execs []*MissionExecution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan mission execution")
		}
		execs = append(execs, e)
	}
	return execs, rows.Err()
}

package rareevent

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

// NewPostgresRepository creates a PostgreSQL-backed rare event repository.
func NewPostgresRepository(db *database.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const eventColumns = `id, user_id, event_type, content, trigger_reason,
	trigger_context, shown_at, dismissed_at, created_at`

func scanEvent(row pgx.Row) (*RareEvent, error) {
	var e RareEvent
	err := row.Scan(&e.ID, &e.UserID, &e.EventType, &e.Content, &e.TriggerReason,
		&e.TriggerContext, &e.ShownAt, &e.DismissedAt, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *PostgresRepository) Create(ctx context.Context, e *RareEvent) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO rare_events (id, user_id, event_type, content, trigger_reason,
			trigger_context, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.UserID, e.EventType, e.Content, e.TriggerReason, e.TriggerContext, e.CreatedAt)
	if err != nil {
		return errors.Wrap(err, "failed to create rare event")
	}
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (*RareEvent, error) {
	row := r.db.QueryRow(ctx, `SELECT `+eventColumns+` FROM rare_events WHERE id = $1`, id)
	e, err := scanEvent(row)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("rare event", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get rare event")
	}
	return e, nil
}

func (r *PostgresRepository) List(ctx context.Context, userID string, limit int) ([]*RareEvent, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+eventColumns+` FROM rare_events
		WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list rare events")
	}
	defer rows.Close()

	var events []*RareEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan rare event")
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (r *PostgresRepository) Latest(ctx context.Context, userID string) (*RareEvent, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+eventColumns+` FROM rare_events
		WHERE user_id = $1 ORDER BY created_at DESC LIMIT 1`, userID)
	e, err := scanEvent(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get latest rare event")
	}
	return e, nil
}

func (r *PostgresRepository) CountSince(ctx context.Context, userID string, since time.Time) (int, error) {
	var n int
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM rare_events WHERE user_id = $1 AND created_at >= $2`,
		userID, since).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, "failed to count rare events")
	}
	return n, nil
}

func (r *PostgresRepository) MarkShown(ctx context.Context, id string, at time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE rare_events SET shown_at = $2 WHERE id = $1 AND shown_at IS NULL`, id, at)
	if err != nil {
		return errors.Wrap(err, "failed to mark rare event shown")
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.Get(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (r *PostgresRepository) MarkDismissed(ctx context.Context, id string, at time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE rare_events SET dismissed_at = $2 WHERE id = $1 AND dismissed_at IS NULL`, id, at)
	if err != nil {
		return errors.Wrap(err, "failed to mark rare event dismissed")
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.Get(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

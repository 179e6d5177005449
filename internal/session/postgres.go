package session

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

// NewPostgresRepository creates a PostgreSQL-backed session repository.
func NewPostgresRepository(db *database.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const sessionColumns = `id, working_dir, personality, medium, user_id,
	parent_session_id, external_id, started_at, last_activity_at, ended_at`

func scanSession(row pgx.Row) (*Session, error) {
	var s Session
	err := row.Scan(&s.ID, &s.WorkingDir, &s.Personality, &s.Medium, &s.UserID,
		&s.ParentSessionID, &s.ExternalID, &s.StartedAt, &s.LastActivityAt, &s.EndedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *PostgresRepository) CreateSession(ctx context.Context, s *Session) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO sessions (id, working_dir, personality, medium, user_id,
			parent_session_id, external_id, started_at, last_activity_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		s.ID, s.WorkingDir, s.Personality, s.Medium, s.UserID,
		s.ParentSessionID, s.ExternalID, s.StartedAt, s.LastActivityAt)
	if err != nil {
		return errors.Wrap(err, "failed to create session")
	}
	return nil
}

func (r *PostgresRepository) GetSession(ctx context.Context, id string) (*Session, error) {
	row := r.db.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	s, err := scanSession(row)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("session", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get session")
	}
	return s, nil
}

func (r *PostgresRepository) ListSessions(ctx context.Context, activeOnly bool, limit, offset int) ([]*Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions`
	if activeOnly {
		query += ` WHERE ended_at IS NULL`
	}
	query += ` ORDER BY started_at DESC LIMIT $1 OFFSET $2`

	rows, err := r.db.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list sessions")
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan session")
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

func (r *PostgresRepository) SetExternalID(ctx context.Context, id, externalID string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE sessions SET external_id = $2 WHERE id = $1`, id, externalID)
	if err != nil {
		return errors.Wrap(err, "failed to set external session id")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("session", id)
	}
	return nil
}

func (r *PostgresRepository) TouchSession(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.Exec(ctx,
		`UPDATE sessions SET last_activity_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return errors.Wrap(err, "failed to touch session")
	}
	return nil
}

func (r *PostgresRepository) EndSession(ctx context.Context, id string, at time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE sessions SET ended_at = $2, last_activity_at = $2 WHERE id = $1 AND ended_at IS NULL`,
		id, at)
	if err != nil {
		return errors.Wrap(err, "failed to end session")
	}
	if tag.RowsAffected() == 0 {
		// Already ended or absent; idempotent close.
		return nil
	}
	return nil
}

func (r *PostgresRepository) AppendConversation(ctx context.Context, c *Conversation) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO conversations (id, session_id, role, text, medium, user_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		c.ID, c.SessionID, c.Role, c.Text, c.Medium, c.UserID, c.CreatedAt)
	if err != nil {
		return errors.Wrap(err, "failed to append conversation")
	}
	return nil
}

func (r *PostgresRepository) ListConversation(ctx context.Context, sessionID string, limit int) ([]*Conversation, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, session_id, role, text, medium, user_id, created_at
		FROM conversations WHERE session_id = $1
		ORDER BY created_at ASC LIMIT $2`, sessionID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list conversation")
	}
	defer rows.Close()

	var msgs []*Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.SessionID, &c.Role, &c.Text, &c.Medium, &c.UserID, &c.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan conversation")
		}
		msgs = append(msgs, &c)
	}
	return msgs, rows.Err()
}

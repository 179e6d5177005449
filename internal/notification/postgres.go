package notification

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

// NewPostgresRepository creates a PostgreSQL-backed notification repository.
func NewPostgresRepository(db *database.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const notificationColumns = `id, user_id, medium, location, message,
	priority, status, error, created_at, sent_at`

func scanNotification(row pgx.Row) (*Notification, error) {
	var n Notification
	err := row.Scan(&n.ID, &n.UserID, &n.Medium, &n.Location, &n.Message,
		&n.Priority, &n.Status, &n.Error, &n.CreatedAt, &n.SentAt)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func (r *PostgresRepository) Create(ctx context.Context, n *Notification) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO notifications (id, user_id, medium, location, message,
			priority, status, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		n.ID, n.UserID, n.Medium, n.Location, n.Message,
		n.Priority, n.Status, n.Error, n.CreatedAt)
	if err != nil {
		return errors.Wrap(err, "failed to create notification")
	}
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (*Notification, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+notificationColumns+` FROM notifications WHERE id = $1`, id)
	n, err := scanNotification(row)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("notification", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get notification")
	}
	return n, nil
}

func (r *PostgresRepository) List(ctx context.Context, userID string, limit int) ([]*Notification, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+notificationColumns+` FROM notifications
		WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list notifications")
	}
	defer rows.Close()

	var out []*Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan notification")
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) SetStatus(ctx context.Context, id string, status Status, errMsg string) error {
	var sentAt *time.Time
	if status == StatusSent {
		now := time.Now().UTC()
		sentAt = &now
	}
	tag, err := r.db.Exec(ctx, `
		UPDATE notifications SET status = $2, error = $3, sent_at = COALESCE($4, sent_at)
		WHERE id = $1`, id, status, errMsg, sentAt)
	if err != nil {
		return errors.Wrap(err, "failed to update notification status")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("notification", id)
	}
	return nil
}

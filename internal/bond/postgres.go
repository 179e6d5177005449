package bond

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/dere/dere/internal/common/database"
	"github.com/dere/dere/internal/common/errors"
)

// PostgresRepository implements Repository against PostgreSQL.
type PostgresRepository struct {
	db *database.DB
}

// NewPostgresRepository creates a PostgreSQL-backed bond repository.
func NewPostgresRepository(db *database.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Get(ctx context.Context, userID string) (*State, error) {
	var s State
	var history []byte
	err := r.db.QueryRow(ctx, `
		SELECT user_id, affection, trend, last_interaction_at, last_meaningful_at,
			streak_days, streak_last_date, history, updated_at
		FROM bond_states WHERE user_id = $1`, userID).
		Scan(&s.UserID, &s.Affection, &s.Trend, &s.LastInteractionAt, &s.LastMeaningfulAt,
			&s.StreakDays, &s.StreakLastDate, &history, &s.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("bond state", userID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get bond state")
	}
	if len(history) > 0 {
		if err := json.Unmarshal(history, &s.History); err != nil {
			return nil, errors.Wrap(err, "failed to decode bond history")
		}
	}
	return &s, nil
}

func (r *PostgresRepository) Put(ctx context.Context, s *State) error {
	history, err := json.Marshal(s.History)
	if err != nil {
		return errors.Wrap(err, "failed to encode bond history")
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO bond_states (user_id, affection, trend, last_interaction_at,
			last_meaningful_at, streak_days, streak_last_date, history, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (user_id) DO UPDATE SET
			affection = EXCLUDED.affection,
			trend = EXCLUDED.trend,
			last_interaction_at = EXCLUDED.last_interaction_at,
			last_meaningful_at = EXCLUDED.last_meaningful_at,
			streak_days = EXCLUDED.streak_days,
			streak_last_date = EXCLUDED.streak_last_date,
			history = EXCLUDED.history,
			updated_at = EXCLUDED.updated_at`,
		s.UserID, s.Affection, s.Trend, s.LastInteractionAt, s.LastMeaningfulAt,
		s.StreakDays, s.StreakLastDate, history, s.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, "failed to put bond state")
	}
	return nil
}

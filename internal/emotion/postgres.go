package emotion

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

// NewPostgresRepository creates a PostgreSQL-backed emotion repository.
func NewPostgresRepository(db *database.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) GetState(ctx context.Context, sessionID string) (*State, error) {
	var s State
	var active []byte
	err := r.db.QueryRow(ctx, `
		SELECT session_id, "primary", primary_intensity, secondary, secondary_intensity,
			overall, active, appraisal, trigger, updated_at
		FROM emotion_states WHERE session_id = $1`, sessionID).
		Scan(&s.SessionID, &s.Primary, &s.PrimaryIntensity, &s.Secondary, &s.SecondaryIntensity,
			&s.Overall, &active, &s.Appraisal, &s.Trigger, &s.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("emotion state", sessionID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get emotion state")
	}
	if len(active) > 0 {
		if err := json.Unmarshal(active, &s.Active); err != nil {
			return nil, errors.Wrap(err, "failed to decode active emotions")
		}
	}
	return &s, nil
}

func (r *PostgresRepository) PutState(ctx context.Context, s *State) error {
	active, err := json.Marshal(s.Active)
	if err != nil {
		return errors.Wrap(err, "failed to encode active emotions")
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO emotion_states (session_id, "primary", primary_intensity,
			secondary, secondary_intensity, overall, active, appraisal, trigger, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (session_id) DO UPDATE SET
			"primary" = EXCLUDED."primary",
			primary_intensity = EXCLUDED.primary_intensity,
			secondary = EXCLUDED.secondary,
			secondary_intensity = EXCLUDED.secondary_intensity,
			overall = EXCLUDED.overall,
			active = EXCLUDED.active,
			appraisal = EXCLUDED.appraisal,
			trigger = EXCLUDED.trigger,
			updated_at = EXCLUDED.updated_at`,
		s.SessionID, s.Primary, s.PrimaryIntensity, s.Secondary, s.SecondaryIntensity,
		s.Overall, active, s.Appraisal, s.Trigger, s.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, "failed to put emotion state")
	}
	return nil
}

func (r *PostgresRepository) AppendStimulus(ctx context.Context, stim *Stimulus, cap int) error {
	return r.db.WithTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO stimulus_history (session_id, text, valence, intensity, context, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			stim.SessionID, stim.Text, stim.Valence, stim.Intensity, stim.Context, stim.Timestamp)
		if err != nil {
			return errors.Wrap(err, "failed to append stimulus")
		}
		_, err = tx.Exec(ctx, `
			DELETE FROM stimulus_history
			WHERE session_id = $1 AND created_at NOT IN (
				SELECT created_at FROM stimulus_history
				WHERE session_id = $1 ORDER BY created_at DESC LIMIT $2)`,
			stim.SessionID, cap)
		if err != nil {
			return errors.Wrap(err, "failed to trim stimulus history")
		}
		return nil
	})
}

func (r *PostgresRepository) ListStimuli(ctx context.Context, sessionID string, limit int) ([]*Stimulus, error) {
	rows, err := r.db.Query(ctx, `
		SELECT session_id, text, valence, intensity, context, created_at
		FROM stimulus_history WHERE session_id = $1
		ORDER BY created_at DESC LIMIT $2`, sessionID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list stimuli")
	}
	defer rows.Close()

	var stimuli []*Stimulus
	for rows.Next() {
		var s Stimulus
		if err := rows.Scan(&s.SessionID, &s.Text, &s.Valence, &s.Intensity, &s.Context, &s.Timestamp); err != nil {
			return nil, errors.Wrap(err, "failed to scan stimulus")
		}
		stimuli = append(stimuli, &s)
	}
	return stimuli, rows.Err()
}

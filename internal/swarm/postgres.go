package swarm

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/dere/dere/internal/common/database"
	"github.com/dere/dere/internal/common/errors"
)

// PostgresRepository implements Repository against PostgreSQL.
type PostgresRepository struct {
	db *database.DB
}

// NewPostgresRepository creates a PostgreSQL-backed swarm repository.
func NewPostgresRepository(db *database.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const swarmColumns = `id, name, parent_session_id, working_dir,
	git_branch_prefix, base_branch, auto_synthesize, run_synthesis_on_failure,
	status, created_at, started_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSwarm(row rowScanner) (*Swarm, error) {
	var s Swarm
	err := row.Scan(
		&s.ID, &s.Name, &s.ParentSessionID, &s.WorkingDir,
		&s.GitBranchPrefix, &s.BaseBranch, &s.AutoSynthesize, &s.RunSynthesisOnFailure,
		&s.Status, &s.CreatedAt, &s.StartedAt, &s.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

const agentColumns = `id, swarm_id, name, role, prompt,
	personality, plugins, model, git_branch, depends_on, run_on_failure,
	session_id, status, output, summary, error, tool_use_count,
	created_at, started_at, completed_at`

func scanAgent(row rowScanner) (*Agent, error) {
	var a Agent
	var deps []byte
	err := row.Scan(
		&a.ID, &a.SwarmID, &a.Name, &a.Role, &a.Prompt,
		&a.Personality, &a.Plugins, &a.Model, &a.GitBranch, &deps, &a.RunOnFailure,
		&a.SessionID, &a.Status, &a.Output, &a.Summary, &a.Error, &a.ToolUseCount,
		&a.CreatedAt, &a.StartedAt, &a.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	if a.DependsOn, err = unmarshalDeps(deps); err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *PostgresRepository) CreateSwarm(ctx context.Context, s *Swarm, agents []*Agent) error {
	return r.db.WithTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO swarms (`+swarmColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
			s.ID, s.Name, s.ParentSessionID, s.WorkingDir,
			s.GitBranchPrefix, s.BaseBranch, s.AutoSynthesize, s.RunSynthesisOnFailure,
			s.Status, s.CreatedAt, s.StartedAt, s.CompletedAt,
		)
		if err != nil {
			return errors.Wrap(err, "failed to create swarm")
		}

		for _, a := range agents {
			deps, err := marshalDeps(a.DependsOn)
			if err != nil {
				return errors.Wrap(err, "failed to encode dependencies")
			}
			_, err = tx.Exec(ctx, `
				INSERT INTO swarm_agents (`+agentColumns+`)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`,
				a.ID, a.SwarmID, a.Name, a.Role, a.Prompt,
				a.Personality, a.Plugins, a.Model, a.GitBranch, deps, a.RunOnFailure,
				a.SessionID, a.Status, a.Output, a.Summary, a.Error, a.ToolUseCount,
				a.CreatedAt, a.StartedAt, a.CompletedAt,
			)
			if err != nil {
				if database.IsUniqueViolation(err) {
					return errors.Conflict("duplicate agent name: " + a.Name)
				}
				return errors.Wrap(err, "failed to create swarm agent")
			}
		}
		return nil
	})
}

func (r *PostgresRepository) GetSwarm(ctx context.Context, id string) (*Swarm, error) {
	row := r.db.QueryRow(ctx, `SELECT `+swarmColumns+` FROM swarms WHERE id = $1`, id)
	s, err := scanSwarm(row)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("swarm", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get swarm")
	}
	return s, nil
}

func (r *PostgresRepository) ListSwarms(ctx context.Context, limit int) ([]*Swarm, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+swarmColumns+` FROM swarms ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list swarms")
	}
	defer rows.Close()

	var swarms []*Swarm
	for rows.Next() {
		s, err := scanSwarm(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan swarm")
		}
		swarms = append(swarms, s)
	}
	return swarms, rows.Err()
}

func (r *PostgresRepository) UpdateSwarm(ctx context.Context, s *Swarm) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE swarms SET status = $2, started_at = $3, completed_at = $4
		WHERE id = $1`,
		s.ID, s.Status, s.StartedAt, s.CompletedAt)
	if err != nil {
		return errors.Wrap(err, "failed to update swarm")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("swarm", s.ID)
	}
	return nil
}

func (r *PostgresRepository) ListAgents(ctx context.Context, swarmID string) ([]*Agent, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+agentColumns+` FROM swarm_agents
		WHERE swarm_id = $1 ORDER BY created_at ASC`, swarmID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list swarm agents")
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan swarm agent")
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

func (r *PostgresRepository) GetAgentByName(ctx context.Context, swarmID, name string) (*Agent, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+agentColumns+` FROM swarm_agents
		WHERE swarm_id = $1 AND name = $2`, swarmID, name)
	a, err := scanAgent(row)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("swarm agent", name)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get swarm agent")
	}
	return a, nil
}

func (r *PostgresRepository) UpdateAgent(ctx context.Context, a *Agent) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE swarm_agents SET
			git_branch = $2, session_id = $3, status = $4,
			output = $5, summary = $6, error = $7, tool_use_count = $8,
			started_at = $9, completed_at = $10
		WHERE id = $1`,
		a.ID, a.GitBranch, a.SessionID, a.Status,
		a.Output, a.Summary, a.Error, a.ToolUseCount,
		a.StartedAt, a.CompletedAt)
	if err != nil {
		return errors.Wrap(err, "failed to update swarm agent")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("swarm agent", a.ID)
	}
	return nil
}

func (r *PostgresRepository) IsSwarmAgentSession(ctx context.Context, sessionID string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM swarm_agents WHERE session_id = $1)`,
		sessionID).Scan(&exists)
	if err != nil {
		return false, errors.Wrap(err, "failed to check session ownership")
	}
	return exists, nil
}

func (r *PostgresRepository) ScratchpadGet(ctx context.Context, swarmID, key string) (*ScratchpadEntry, error) {
	var e ScratchpadEntry
	err := r.db.QueryRow(ctx, `
		SELECT swarm_id, key, value, set_by_agent_id, set_by_agent_name, created_at, updated_at
		FROM swarm_scratchpad WHERE swarm_id = $1 AND key = $2`, swarmID, key).
		Scan(&e.SwarmID, &e.Key, &e.Value, &e.SetByAgentID, &e.SetByAgentName, &e.CreatedAt, &e.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("scratchpad key", key)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get scratchpad entry")
	}
	return &e, nil
}

func (r *PostgresRepository) ScratchpadPut(ctx context.Context, e *ScratchpadEntry) error {
	// Last writer wins.
	_, err := r.db.Exec(ctx, `
		INSERT INTO swarm_scratchpad (swarm_id, key, value, set_by_agent_id, set_by_agent_name, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (swarm_id, key) DO UPDATE
		SET value = EXCLUDED.value,
		    set_by_agent_id = EXCLUDED.set_by_agent_id,
		    set_by_agent_name = EXCLUDED.set_by_agent_name,
		    updated_at = EXCLUDED.updated_at`,
		e.SwarmID, e.Key, e.Value, e.SetByAgentID, e.SetByAgentName, e.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, "failed to put scratchpad entry")
	}
	return nil
}

func (r *PostgresRepository) ScratchpadList(ctx context.Context, swarmID, prefix string) ([]*ScratchpadEntry, error) {
	rows, err := r.db.Query(ctx, `
		SELECT swarm_id, key, value, set_by_agent_id, set_by_agent_name, created_at, updated_at
		FROM swarm_scratchpad
		WHERE swarm_id = $1 AND key LIKE $2 || '%'
		ORDER BY key ASC`, swarmID, prefix)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list scratchpad entries")
	}
	defer rows.Close()

	var entries []*ScratchpadEntry
	for rows.Next() {
		var e ScratchpadEntry
		if err := rows.Scan(&e.SwarmID, &e.Key, &e.Value, &e.SetByAgentID,
			&e.SetByAgentName, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan scratchpad entry")
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

func (r *PostgresRepository) ScratchpadDelete(ctx context.Context, swarmID, key string) error {
	tag, err := r.db.Exec(ctx, `
		DELETE FROM swarm_scratchpad WHERE swarm_id = $1 AND key = $2`, swarmID, key)
	if err != nil {
		return errors.Wrap(err, "failed to delete scratchpad entry")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("scratchpad key", key)
	}
	return nil
}

package coremem

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

// NewPostgresRepository creates a PostgreSQL-backed core memory repository.
func NewPostgresRepository(db *database.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const blockColumns = `id, user_id, session_id, block_type, content,
	char_limit, version, created_at, updated_at`

func scanBlock(row pgx.Row) (*Block, error) {
	var b Block
	err := row.Scan(&b.ID, &b.UserID, &b.SessionID, &b.BlockType, &b.Content,
		&b.CharLimit, &b.Version, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (r *PostgresRepository) CreateBlock(ctx context.Context, b *Block, v *Version) error {
	return r.db.WithTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO core_memory_blocks (id, user_id, session_id, block_type,
				content, char_limit, version, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			b.ID, b.UserID, b.SessionID, b.BlockType, b.Content,
			b.CharLimit, b.Version, b.CreatedAt, b.UpdatedAt)
		if err != nil {
			if database.IsUniqueViolation(err) {
				return errors.Conflict("core memory block already exists for this scope and type")
			}
			return errors.Wrap(err, "failed to create core memory block")
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO core_memory_versions (id, block_id, version, content, reason, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			v.ID, v.BlockID, v.Version, v.Content, v.Reason, v.CreatedAt)
		if err != nil {
			return errors.Wrap(err, "failed to append core memory version")
		}
		return nil
	})
}

func (r *PostgresRepository) UpdateBlock(ctx context.Context, b *Block, v *Version) error {
	return r.db.WithTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE core_memory_blocks
			SET content = $2, char_limit = $3, version = $4, updated_at = $5
			WHERE id = $1`,
			b.ID, b.Content, b.CharLimit, b.Version, b.UpdatedAt)
		if err != nil {
			return errors.Wrap(err, "failed to update core memory block")
		}
		if tag.RowsAffected() == 0 {
			return errors.NotFound("core memory block", b.ID)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO core_memory_versions (id, block_id, version, content, reason, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			v.ID, v.BlockID, v.Version, v.Content, v.Reason, v.CreatedAt)
		if err != nil {
			if database.IsUniqueViolation(err) {
				return errors.Conflict("core memory version already recorded")
			}
			return errors.Wrap(err, "failed to append core memory version")
		}
		return nil
	})
}

// scopeClause builds the WHERE fragment selecting one scope. Blocks
// carry exactly one of user_id and session_id.
func scopeClause(scope Scope) (string, any) {
	if scope.UserID != "" {
		return "user_id = $1", scope.UserID
	}
	return "session_id = $1", scope.SessionID
}

func (r *PostgresRepository) GetBlock(ctx context.Context, scope Scope, blockType BlockType) (*Block, error) {
	clause, arg := scopeClause(scope)
	row := r.db.QueryRow(ctx,
		`SELECT `+blockColumns+` FROM core_memory_blocks WHERE `+clause+` AND block_type = $2`,
		arg, blockType)
	b, err := scanBlock(row)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("core memory block", string(blockType))
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get core memory block")
	}
	return b, nil
}

func (r *PostgresRepository) GetBlockByID(ctx context.Context, id string) (*Block, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+blockColumns+` FROM core_memory_blocks WHERE id = $1`, id)
	b, err := scanBlock(row)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("core memory block", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get core memory block")
	}
	return b, nil
}

func (r *PostgresRepository) ListBlocks(ctx context.Context, scope Scope) ([]*Block, error) {
	clause, arg := scopeClause(scope)
	rows, err := r.db.Query(ctx,
		`SELECT `+blockColumns+` FROM core_memory_blocks WHERE `+clause+` ORDER BY block_type`, arg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list core memory blocks")
	}
	defer rows.Close()

	var blocks []*Block
	for rows.Next() {
		b, err := scanBlock(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan core memory block")
		}
		blocks = append(blocks, b)
	}
	return blocks, rows.Err()
}

func (r *PostgresRepository) ListVersions(ctx context.Context, blockID string, limit int) ([]*Version, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, block_id, version, content, reason, created_at
		FROM core_memory_versions WHERE block_id = $1
		ORDER BY version DESC LIMIT $2`, blockID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list core memory versions")
	}
	defer rows.Close()

	var versions []*Version
	for rows.Next() {
		var v Version
		if err := rows.Scan(&v.ID, &v.BlockID, &v.Version, &v.Content, &v.Reason, &v.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan core memory version")
		}
		versions = append(versions, &v)
	}
	return versions, rows.Err()
}

func (r *PostgresRepository) GetVersion(ctx context.Context, blockID string, version int) (*Version, error) {
	var v Version
	err := r.db.QueryRow(ctx, `
		SELECT id, block_id, version, content, reason, created_at
		FROM core_memory_versions WHERE block_id = $1 AND version = $2`,
		blockID, version).
		Scan(&v.ID, &v.BlockID, &v.Version, &v.Content, &v.Reason, &v.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("core memory version", blockID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get core memory version")
	}
	return &v, nil
}

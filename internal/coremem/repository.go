package coremem

import "context"

// Repository persists core memory blocks and their versions. Both
// write operations insert the version row in the same transaction as
// the block write.
type Repository interface {
	// CreateBlock inserts a new block and its first version.
	CreateBlock(ctx context.Context, b *Block, v *Version) error

	// UpdateBlock writes new content and version to an existing block
	// and appends the version row.
	UpdateBlock(ctx context.Context, b *Block, v *Version) error

	// GetBlock fetches a block by scope and type.
	GetBlock(ctx context.Context, scope Scope, blockType BlockType) (*Block, error)

	// GetBlockByID fetches a block by id.
	GetBlockByID(ctx context.Context, id string) (*Block, error)

	// ListBlocks returns all blocks in a scope.
	ListBlocks(ctx context.Context, scope Scope) ([]*Block, error)

	// ListVersions returns a block's versions, newest first.
	ListVersions(ctx context.Context, blockID string, limit int) ([]*Version, error)

	// GetVersion fetches one revision of a block.
	GetVersion(ctx context.Context, blockID string, version int) (*Version, error)
}

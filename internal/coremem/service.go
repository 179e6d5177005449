package coremem

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dere/dere/internal/common/errors"
	"github.com/dere/dere/internal/common/logger"
)

// Service owns core memory block edits, history, and rollback.
type Service struct {
	repo   Repository
	logger *logger.Logger
}

// NewService creates the core memory service.
func NewService(repo Repository, log *logger.Logger) *Service {
	return &Service{repo: repo, logger: log}
}

// EditRequest carries one block edit.
type EditRequest struct {
	Scope     Scope     `json:"scope"`
	BlockType BlockType `json:"block_type"`
	Content   string    `json:"content"`
	Reason    string    `json:"reason,omitempty"`
	CharLimit int       `json:"char_limit,omitempty"`
}

// Edit creates the block on first write and versions it on every
// subsequent write. The block row and the version row commit together.
func (s *Service) Edit(ctx context.Context, req EditRequest) (*Block, error) {
	if !req.Scope.Valid() {
		return nil, errors.Validation("exactly one of user_id and session_id must be set")
	}
	if !validBlockType(req.BlockType) {
		return nil, errors.ValidationField("block_type", "must be persona, human, or task")
	}
	if req.CharLimit < 0 {
		return nil, errors.ValidationField("char_limit", "must not be negative")
	}

	now := time.Now().UTC()

	existing, err := s.repo.GetBlock(ctx, req.Scope, req.BlockType)
	if err != nil && !errors.IsNotFound(err) {
		return nil, err
	}

	charLimit := req.CharLimit
	if charLimit == 0 {
		if existing != nil {
			charLimit = existing.CharLimit
		} else {
			charLimit = DefaultCharLimit
		}
	}
	if len(req.Content) > charLimit {
		return nil, errors.ValidationField("content",
			fmt.Sprintf("exceeds char limit of %d (%d chars)", charLimit, len(req.Content)))
	}

	if existing == nil {
		block := &Block{
			ID:        uuid.NewString(),
			UserID:    req.Scope.UserID,
			SessionID: req.Scope.SessionID,
			BlockType: req.BlockType,
			Content:   req.Content,
			CharLimit: charLimit,
			Version:   1,
			CreatedAt: now,
			UpdatedAt: now,
		}
		version := &Version{
			ID:        uuid.NewString(),
			BlockID:   block.ID,
			Version:   1,
			Content:   req.Content,
			Reason:    req.Reason,
			CreatedAt: now,
		}
		if err := s.repo.CreateBlock(ctx, block, version); err != nil {
			return nil, err
		}
		return block, nil
	}

	existing.Content = req.Content
	existing.CharLimit = charLimit
	existing.Version++
	existing.UpdatedAt = now
	version := &Version{
		ID:        uuid.NewString(),
		BlockID:   existing.ID,
		Version:   existing.Version,
		Content:   req.Content,
		Reason:    req.Reason,
		CreatedAt: now,
	}
	if err := s.repo.UpdateBlock(ctx, existing, version); err != nil {
		return nil, err
	}
	return existing, nil
}

// Get returns one block by scope and type.
func (s *Service) Get(ctx context.Context, scope Scope, blockType BlockType) (*Block, error) {
	if !scope.Valid() {
		return nil, errors.Validation("exactly one of user_id and session_id must be set")
	}
	if !validBlockType(blockType) {
		return nil, errors.ValidationField("block_type", "must be persona, human, or task")
	}
	return s.repo.GetBlock(ctx, scope, blockType)
}

// List returns every block in a scope.
func (s *Service) List(ctx context.Context, scope Scope) ([]*Block, error) {
	if !scope.Valid() {
		return nil, errors.Validation("exactly one of user_id and session_id must be set")
	}
	return s.repo.ListBlocks(ctx, scope)
}

// History returns a block's versions, newest first.
func (s *Service) History(ctx context.Context, scope Scope, blockType BlockType, limit int) ([]*Version, error) {
	block, err := s.Get(ctx, scope, blockType)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	return s.repo.ListVersions(ctx, block.ID, limit)
}

// Rollback restores a block to an earlier version by writing that
// version's content as a new edit. History stays append-only.
func (s *Service) Rollback(ctx context.Context, scope Scope, blockType BlockType, toVersion int, reason string) (*Block, error) {
	block, err := s.Get(ctx, scope, blockType)
	if err != nil {
		return nil, err
	}
	if toVersion <= 0 || toVersion >= block.Version {
		return nil, errors.ValidationField("version",
			fmt.Sprintf("must be between 1 and %d", block.Version-1))
	}

	target, err := s.repo.GetVersion(ctx, block.ID, toVersion)
	if err != nil {
		return nil, err
	}

	if reason == "" {
		reason = fmt.Sprintf("rollback to version %d", toVersion)
	}
	return s.Edit(ctx, EditRequest{
		Scope:     scope,
		BlockType: blockType,
		Content:   target.Content,
		Reason:    reason,
		CharLimit: block.CharLimit,
	})
}

// ContextBlock renders the scope's blocks as a prompt-injection
// fragment. An empty string means no blocks exist.
func (s *Service) ContextBlock(ctx context.Context, scope Scope) (string, error) {
	blocks, err := s.repo.ListBlocks(ctx, scope)
	if err != nil {
		return "", err
	}
	if len(blocks) == 0 {
		return "", nil
	}

	var sb strings.Builder
	sb.WriteString("Core memory:\n")
	for _, b := range blocks {
		fmt.Fprintf(&sb, "[%s] %s\n", b.BlockType, b.Content)
	}
	return sb.String(), nil
}

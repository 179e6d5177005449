package coremem

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dere/dere/internal/common/errors"
	"github.com/dere/dere/internal/common/logger"
)

func newTestService() *Service {
	return NewService(NewMemoryRepository(), logger.Default())
}

func userScope(userID string) Scope { return Scope{UserID: userID} }

func TestEditCreatesAndVersions(t *testing.T) {
	s := newTestService()
	ctx := context.Background()

	block, err := s.Edit(ctx, EditRequest{
		Scope:     userScope("alice"),
		BlockType: BlockHuman,
		Content:   "Prefers terse answers.",
		Reason:    "initial observation",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, block.Version)
	assert.Equal(t, DefaultCharLimit, block.CharLimit)

	block, err = s.Edit(ctx, EditRequest{
		Scope:     userScope("alice"),
		BlockType: BlockHuman,
		Content:   "Prefers terse answers. Works late.",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, block.Version)

	got, err := s.Get(ctx, userScope("alice"), BlockHuman)
	require.NoError(t, err)
	assert.Equal(t, "Prefers terse answers. Works late.", got.Content)
}

func TestEditValidation(t *testing.T) {
	s := newTestService()
	ctx := context.Background()

	// Both or neither scope field set.
	_, err := s.Edit(ctx, EditRequest{BlockType: BlockHuman, Content: "x"})
	assert.True(t, errors.IsValidation(err))
	_, err = s.Edit(ctx, EditRequest{
		Scope:     Scope{UserID: "a", SessionID: "s"},
		BlockType: BlockHuman, Content: "x",
	})
	assert.True(t, errors.IsValidation(err))

	_, err = s.Edit(ctx, EditRequest{
		Scope: userScope("a"), BlockType: BlockType("journal"), Content: "x",
	})
	assert.True(t, errors.IsValidation(err))
}

func TestEditCharLimit(t *testing.T) {
	s := newTestService()
	ctx := context.Background()

	_, err := s.Edit(ctx, EditRequest{
		Scope:     userScope("alice"),
		BlockType: BlockPersona,
		Content:   strings.Repeat("x", 101),
		CharLimit: 100,
	})
	assert.True(t, errors.IsValidation(err))

	block, err := s.Edit(ctx, EditRequest{
		Scope:     userScope("alice"),
		BlockType: BlockPersona,
		Content:   strings.Repeat("x", 100),
		CharLimit: 100,
	})
	require.NoError(t, err)
	assert.Equal(t, 100, block.CharLimit)

	// Subsequent edits inherit the stored limit.
	_, err = s.Edit(ctx, EditRequest{
		Scope:     userScope("alice"),
		BlockType: BlockPersona,
		Content:   strings.Repeat("y", 101),
	})
	assert.True(t, errors.IsValidation(err))
}

func TestHistoryNewestFirst(t *testing.T) {
	s := newTestService()
	ctx := context.Background()

	for _, content := range []string{"one", "two", "three"} {
		_, err := s.Edit(ctx, EditRequest{
			Scope:     userScope("alice"),
			BlockType: BlockTask,
			Content:   content,
		})
		require.NoError(t, err)
	}

	versions, err := s.History(ctx, userScope("alice"), BlockTask, 0)
	require.NoError(t, err)
	require.Len(t, versions, 3)
	assert.Equal(t, 3, versions[0].Version)
	assert.Equal(t, "three", versions[0].Content)
	assert.Equal(t, 1, versions[2].Version)

	limited, err := s.History(ctx, userScope("alice"), BlockTask, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	_, err = s.History(ctx, userScope("nobody"), BlockTask, 0)
	assert.True(t, errors.IsNotFound(err))
}

func TestRollbackAppendsVersion(t *testing.T) {
	s := newTestService()
	ctx := context.Background()

	for _, content := range []string{"one", "two", "three"} {
		_, err := s.Edit(ctx, EditRequest{
			Scope:     userScope("alice"),
			BlockType: BlockTask,
			Content:   content,
		})
		require.NoError(t, err)
	}

	block, err := s.Rollback(ctx, userScope("alice"), BlockTask, 1, "")
	require.NoError(t, err)
	assert.Equal(t, 4, block.Version, "rollback writes a new version")
	assert.Equal(t, "one", block.Content)

	versions, err := s.History(ctx, userScope("alice"), BlockTask, 0)
	require.NoError(t, err)
	require.Len(t, versions, 4)
	assert.Equal(t, "rollback to version 1", versions[0].Reason)

	// Only strictly earlier versions are valid targets.
	_, err = s.Rollback(ctx, userScope("alice"), BlockTask, 4, "")
	assert.True(t, errors.IsValidation(err))
	_, err = s.Rollback(ctx, userScope("alice"), BlockTask, 0, "")
	assert.True(t, errors.IsValidation(err))
}

func TestListAndContextBlock(t *testing.T) {
	s := newTestService()
	ctx := context.Background()

	_, err := s.Edit(ctx, EditRequest{
		Scope: userScope("alice"), BlockType: BlockPersona, Content: "Warm but direct.",
	})
	require.NoError(t, err)
	_, err = s.Edit(ctx, EditRequest{
		Scope: userScope("alice"), BlockType: BlockHuman, Content: "Night owl.",
	})
	require.NoError(t, err)
	_, err = s.Edit(ctx, EditRequest{
		Scope: Scope{SessionID: "sess-1"}, BlockType: BlockTask, Content: "Refactoring the parser.",
	})
	require.NoError(t, err)

	blocks, err := s.List(ctx, userScope("alice"))
	require.NoError(t, err)
	assert.Len(t, blocks, 2)

	fragment, err := s.ContextBlock(ctx, userScope("alice"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(fragment, "Core memory:\n"))
	assert.Contains(t, fragment, "[persona] Warm but direct.")
	assert.Contains(t, fragment, "[human] Night owl.")
	assert.NotContains(t, fragment, "Refactoring")

	empty, err := s.ContextBlock(ctx, userScope("nobody"))
	require.NoError(t, err)
	assert.Empty(t, empty)
}

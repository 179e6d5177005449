package bond

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dere/dere/internal/common/errors"
	"github.com/dere/dere/internal/common/logger"
)

func newTestManager(at time.Time) (*Manager, *MemoryRepository, *time.Time) {
	repo := NewMemoryRepository()
	m := NewManager(repo, logger.Default())
	clock := at
	m.SetClock(func() time.Time { return clock })
	return m, repo, &clock
}

func TestGetInitializesFreshState(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	m, _, _ := newTestManager(now)

	s, err := m.Get(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, startAffection, s.Affection)
	assert.Equal(t, TrendStable, s.Trend)
	assert.Equal(t, 0, s.StreakDays)
	assert.Equal(t, now, s.LastInteractionAt)
}

func TestApplyDecayReducesAffection(t *testing.T) {
	start := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	m, repo, _ := newTestManager(start)
	ctx := context.Background()

	require.NoError(t, repo.Put(ctx, &State{
		UserID:            "alice",
		Affection:         60,
		Trend:             TrendStable,
		LastInteractionAt: start.Add(-24 * time.Hour),
		UpdatedAt:         start.Add(-24 * time.Hour),
	}))

	s, err := m.ApplyDecay(ctx, "alice")
	require.NoError(t, err)
	assert.Less(t, s.Affection, 60.0)
	assert.GreaterOrEqual(t, s.Affection, 0.0)

	// Decay with no elapsed time is a no-op.
	again, err := m.ApplyDecay(ctx, "alice")
	require.NoError(t, err)
	assert.InDelta(t, s.Affection, again.Affection, 1e-9)

	// Low affection decays faster than high affection over the same gap.
	require.NoError(t, repo.Put(ctx, &State{
		UserID: "high", Affection: 90,
		LastInteractionAt: start.Add(-24 * time.Hour),
		UpdatedAt:         start.Add(-24 * time.Hour),
	}))
	require.NoError(t, repo.Put(ctx, &State{
		UserID: "low", Affection: 30,
		LastInteractionAt: start.Add(-24 * time.Hour),
		UpdatedAt:         start.Add(-24 * time.Hour),
	}))
	high, err := m.ApplyDecay(ctx, "high")
	require.NoError(t, err)
	low, err := m.ApplyDecay(ctx, "low")
	require.NoError(t, err)
	assert.Greater(t, (30-low.Affection)/30, (90-high.Affection)/90,
		"relative loss is larger below the threshold")
}

func TestDecayBreaksStaleStreak(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	m, repo, _ := newTestManager(now)
	ctx := context.Background()

	require.NoError(t, repo.Put(ctx, &State{
		UserID:            "alice",
		Affection:         70,
		StreakDays:        9,
		StreakLastDate:    "2026-03-07",
		LastInteractionAt: now.Add(-72 * time.Hour),
		UpdatedAt:         now.Add(-72 * time.Hour),
	}))

	s, err := m.ApplyDecay(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 0, s.StreakDays)
	assert.Empty(t, s.StreakLastDate)
}

func TestRecordInteraction(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	m, _, clock := newTestManager(now)
	ctx := context.Background()

	s, err := m.RecordInteraction(ctx, "alice", QualityMeaningful, 20*time.Minute)
	require.NoError(t, err)
	assert.Greater(t, s.Affection, startAffection)
	assert.Equal(t, 1, s.StreakDays)
	require.NotNil(t, s.LastMeaningfulAt)
	assert.Equal(t, now, s.LastInteractionAt)

	// Same calendar day keeps the streak.
	*clock = now.Add(4 * time.Hour)
	s, err = m.RecordInteraction(ctx, "alice", QualityStandard, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, s.StreakDays)

	// Next day extends it.
	*clock = now.Add(26 * time.Hour)
	s, err = m.RecordInteraction(ctx, "alice", QualityStandard, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, s.StreakDays)

	// A two-day gap restarts at one.
	*clock = now.Add(26*time.Hour + 72*time.Hour)
	s, err = m.RecordInteraction(ctx, "alice", QualityStandard, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, s.StreakDays)
}

func TestRecordInteractionQualityGains(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	m, _, _ := newTestManager(now)
	ctx := context.Background()

	minimal, err := m.RecordInteraction(ctx, "a", QualityMinimal, 0)
	require.NoError(t, err)
	exceptional, err := m.RecordInteraction(ctx, "b", QualityExceptional, 0)
	require.NoError(t, err)
	assert.Greater(t, exceptional.Affection, minimal.Affection)

	// A long session earns a capped duration bonus.
	short, err := m.RecordInteraction(ctx, "c", QualityStandard, time.Minute)
	require.NoError(t, err)
	long, err := m.RecordInteraction(ctx, "d", QualityStandard, 90*time.Minute)
	require.NoError(t, err)
	assert.Greater(t, long.Affection, short.Affection)
	assert.LessOrEqual(t, long.Affection-short.Affection,
		durationBonusCap*(1+streakMultiplierCap))

	_, err = m.RecordInteraction(ctx, "e", Quality("amazing"), 0)
	assert.True(t, errors.IsValidation(err))
}

func TestDiminishingReturnsNearCeiling(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	m, repo, _ := newTestManager(now)
	ctx := context.Background()

	require.NoError(t, repo.Put(ctx, &State{
		UserID: "mid", Affection: 50,
		LastInteractionAt: now, UpdatedAt: now,
	}))
	require.NoError(t, repo.Put(ctx, &State{
		UserID: "near", Affection: 95,
		LastInteractionAt: now, UpdatedAt: now,
	}))

	mid, err := m.RecordInteraction(ctx, "mid", QualityExceptional, 0)
	require.NoError(t, err)
	near, err := m.RecordInteraction(ctx, "near", QualityExceptional, 0)
	require.NoError(t, err)

	assert.Greater(t, mid.Affection-50, near.Affection-95)
	assert.LessOrEqual(t, near.Affection, 100.0)
}

func TestTrendClassification(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	m, repo, _ := newTestManager(now)
	ctx := context.Background()

	// Distant overrides direction.
	require.NoError(t, repo.Put(ctx, &State{
		UserID: "gone", Affection: 20,
		LastInteractionAt: now, UpdatedAt: now,
	}))
	s, err := m.ApplyDecay(ctx, "gone")
	require.NoError(t, err)
	assert.Equal(t, TrendDistant, s.Trend)

	// A gain beyond the delta over the window reads as rising.
	require.NoError(t, repo.Put(ctx, &State{
		UserID: "up", Affection: 60,
		LastInteractionAt: now, UpdatedAt: now,
		History: []HistoryEntry{
			{Timestamp: now.Add(-48 * time.Hour), Affection: 52, Reason: "interaction: standard"},
		},
	}))
	s, err = m.RecordInteraction(ctx, "up", QualityMeaningful, 0)
	require.NoError(t, err)
	assert.Equal(t, TrendRising, s.Trend)

	// A steep drop reads as falling.
	require.NoError(t, repo.Put(ctx, &State{
		UserID: "down", Affection: 40,
		LastInteractionAt: now.Add(-60 * time.Hour), UpdatedAt: now,
		History: []HistoryEntry{
			{Timestamp: now.Add(-60 * time.Hour), Affection: 48, Reason: "interaction: standard"},
		},
	}))
	s, err = m.ApplyDecay(ctx, "down")
	require.NoError(t, err)
	assert.Equal(t, TrendFalling, s.Trend)
}

func TestHistoryBounded(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	m, _, clock := newTestManager(now)
	ctx := context.Background()

	for i := 0; i < historyLimit+20; i++ {
		*clock = clock.Add(time.Hour)
		_, err := m.RecordInteraction(ctx, "alice", QualityMinimal, 0)
		require.NoError(t, err)
	}

	s, err := m.Get(ctx, "alice")
	require.NoError(t, err)
	assert.LessOrEqual(t, len(s.History), historyLimit)
}

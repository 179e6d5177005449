package rareevent

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dere/dere/internal/common/errors"
	"github.com/dere/dere/internal/common/logger"
)

// fixedSource drives rand.Float64 to a constant: 0 always wins a draw,
// one half always loses against the candidate probabilities.
type fixedSource struct{ v int64 }

func (s fixedSource) Int63() int64 { return s.v }
func (s fixedSource) Seed(int64)   {}

func alwaysWin() *rand.Rand { return rand.New(fixedSource{v: 0}) }
func neverWin() *rand.Rand  { return rand.New(fixedSource{v: 1 << 62}) }

type fakeSnapshots struct{ snap Snapshot }

func (f *fakeSnapshots) Snapshot(_ context.Context, userID string) (*Snapshot, error) {
	s := f.snap
	s.UserID = userID
	return &s, nil
}

type fakeNotifier struct{ events []*RareEvent }

func (f *fakeNotifier) NotifyRareEvent(_ context.Context, e *RareEvent) error {
	f.events = append(f.events, e)
	return nil
}

func newTestGenerator(snap Snapshot, opts Options) (*Generator, *fakeNotifier, *MemoryRepository, *time.Time) {
	repo := NewMemoryRepository()
	notifier := &fakeNotifier{}
	g := NewGenerator(repo, &fakeSnapshots{snap: snap}, nil, notifier, nil, opts, logger.Default())
	clock := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	g.SetClock(func() time.Time { return clock })
	g.SetRand(alwaysWin())
	return g, notifier, repo, &clock
}

func morningSnapshot() Snapshot {
	return Snapshot{
		Affection:          60,
		Trend:              "stable",
		StreakDays:         4,
		ActivityCategory:   "recent",
		HoursSinceActivity: 1,
		Hour:               8,
	}
}

func TestGenerateForEmitsEvent(t *testing.T) {
	g, notifier, repo, _ := newTestGenerator(morningSnapshot(), Options{})
	ctx := context.Background()

	event, err := g.GenerateFor(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, event)
	assert.Equal(t, MorningGreeting, event.EventType)
	assert.Equal(t, "morning hours", event.TriggerReason)
	assert.Equal(t, "alice", event.UserID)
	assert.NotEmpty(t, event.TriggerContext)

	stored, err := repo.Get(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, event.EventType, stored.EventType)
	require.Len(t, notifier.events, 1)
}

func TestGenerateForCooldown(t *testing.T) {
	g, _, _, clock := newTestGenerator(morningSnapshot(), Options{Cooldown: 90 * time.Minute})
	ctx := context.Background()

	first, err := g.GenerateFor(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, first)

	// Within the cooldown nothing fires even with a winning draw.
	*clock = clock.Add(30 * time.Minute)
	second, err := g.GenerateFor(ctx, "alice")
	require.NoError(t, err)
	assert.Nil(t, second)

	// Another user is unaffected.
	other, err := g.GenerateFor(ctx, "bob")
	require.NoError(t, err)
	assert.NotNil(t, other)

	*clock = clock.Add(61 * time.Minute)
	third, err := g.GenerateFor(ctx, "alice")
	require.NoError(t, err)
	assert.NotNil(t, third)
}

func TestGenerateForDailyCap(t *testing.T) {
	g, _, _, clock := newTestGenerator(morningSnapshot(), Options{
		Cooldown: time.Minute,
		DailyCap: 2,
	})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		event, err := g.GenerateFor(ctx, "alice")
		require.NoError(t, err)
		require.NotNil(t, event)
		*clock = clock.Add(2 * time.Minute)
	}

	capped, err := g.GenerateFor(ctx, "alice")
	require.NoError(t, err)
	assert.Nil(t, capped, "daily cap reached")

	// The cap resets at UTC midnight.
	*clock = time.Date(2026, 3, 11, 8, 0, 0, 0, time.UTC)
	event, err := g.GenerateFor(ctx, "alice")
	require.NoError(t, err)
	assert.NotNil(t, event)
}

func TestGenerateForLosingDraws(t *testing.T) {
	g, notifier, _, _ := newTestGenerator(morningSnapshot(), Options{})
	g.SetRand(neverWin())

	event, err := g.GenerateFor(context.Background(), "alice")
	require.NoError(t, err)
	assert.Nil(t, event)
	assert.Empty(t, notifier.events)
}

func TestCandidates(t *testing.T) {
	quiet := &Snapshot{Hour: 12, HoursSinceActivity: 1, Affection: 50}
	assert.Empty(t, candidates(quiet))

	morning := &Snapshot{Hour: 7, HoursSinceActivity: 1, Affection: 50}
	types := candidateTypes(candidates(morning))
	assert.Equal(t, []EventType{MorningGreeting}, types)

	evening := &Snapshot{Hour: 20, HoursSinceActivity: 1, Affection: 50}
	assert.Equal(t, []EventType{EveningGreeting}, candidateTypes(candidates(evening)))

	busy := &Snapshot{Hour: 14, ActivityCategory: "productive", Affection: 50}
	assert.Equal(t, []EventType{ProductiveActivity}, candidateTypes(candidates(busy)))

	idle := &Snapshot{Hour: 14, HoursSinceActivity: 9, Affection: 50}
	assert.Equal(t, []EventType{LongIdle}, candidateTypes(candidates(idle)))

	agitated := &Snapshot{Hour: 14, EmotionIntensity: 80, Affection: 50}
	assert.Equal(t, []EventType{MoodShift}, candidateTypes(candidates(agitated)))

	bonded := &Snapshot{Hour: 14, Affection: 85, StreakDays: 10}
	assert.Equal(t, []EventType{HighBondMemory}, candidateTypes(candidates(bonded)))

	// Probabilities scale with the snapshot.
	cold := candidates(&Snapshot{Hour: 7, Affection: 0})[0]
	warm := candidates(&Snapshot{Hour: 7, Affection: 100})[0]
	assert.Greater(t, warm.probability, cold.probability)
}

func candidateTypes(cands []candidate) []EventType {
	var out []EventType
	for _, c := range cands {
		out = append(out, c.eventType)
	}
	return out
}

func TestMarkShownAndDismissed(t *testing.T) {
	g, _, repo, clock := newTestGenerator(morningSnapshot(), Options{})
	ctx := context.Background()

	event, err := g.GenerateFor(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, event)

	require.NoError(t, g.MarkShown(ctx, event.ID))
	stored, err := repo.Get(ctx, event.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.ShownAt)
	firstShown := *stored.ShownAt

	// Marking again keeps the original timestamp.
	*clock = clock.Add(time.Hour)
	require.NoError(t, g.MarkShown(ctx, event.ID))
	stored, err = repo.Get(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, firstShown, *stored.ShownAt)

	require.NoError(t, g.MarkDismissed(ctx, event.ID))
	stored, err = repo.Get(ctx, event.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.DismissedAt)

	assert.True(t, errors.IsNotFound(g.MarkShown(ctx, "missing")))
}

package emotion

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dere/dere/internal/common/logger"
)

type fakeAppraiser struct {
	emotions []AppraisedEmotion
	err      error
	calls    int
}

func (f *fakeAppraiser) Appraise(_ context.Context, _ Stimulus) (*Appraisal, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &Appraisal{EventOutcome: "test", Emotions: f.emotions}, nil
}

func newTestEmotionManager(appraiser Appraiser, at time.Time) (*Manager, *time.Time) {
	m := NewManager(NewMemoryRepository(), appraiser, logger.Default())
	clock := at
	m.SetClock(func() time.Time { return clock })
	return m, &clock
}

func stimulus(sessionID string, valence float64) Stimulus {
	return Stimulus{
		SessionID: sessionID,
		Text:      "something happened",
		Valence:   valence,
		Intensity: 50,
	}
}

func TestProcessStimulusActivatesEmotion(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	appraiser := &fakeAppraiser{emotions: []AppraisedEmotion{
		{Type: Joy, Intensity: 40, Reason: "good news"},
	}}
	m, _ := newTestEmotionManager(appraiser, now)

	state, err := m.ProcessStimulus(context.Background(), stimulus("s1", 5), ContextFactors{Hour: 12})
	require.NoError(t, err)
	assert.Equal(t, Joy, state.Primary)
	assert.Greater(t, state.PrimaryIntensity, 0.0)
	assert.NotEmpty(t, state.Appraisal)
	assert.NotEmpty(t, state.Trigger)
}

func TestProcessStimulusIgnoresInvalidTypes(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	appraiser := &fakeAppraiser{emotions: []AppraisedEmotion{
		{Type: Type("melancholy-ish"), Intensity: 60},
		{Type: Neutral, Intensity: 60},
		{Type: Gratitude, Intensity: 30},
	}}
	m, _ := newTestEmotionManager(appraiser, now)

	state, err := m.ProcessStimulus(context.Background(), stimulus("s1", 3), ContextFactors{Hour: 12})
	require.NoError(t, err)
	assert.Equal(t, Gratitude, state.Primary)
	for _, a := range state.Active {
		assert.NotEqual(t, Type("melancholy-ish"), a.Type)
	}
}

func TestAppraisalFailureYieldsDecayedState(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	appraiser := &fakeAppraiser{emotions: []AppraisedEmotion{
		{Type: Anger, Intensity: 70},
	}}
	m, clock := newTestEmotionManager(appraiser, now)
	ctx := context.Background()

	_, err := m.ProcessStimulus(ctx, stimulus("s1", -6), ContextFactors{Hour: 12})
	require.NoError(t, err)
	before, err := m.GetState(ctx, "s1")
	require.NoError(t, err)

	appraiser.err = fmt.Errorf("llm unavailable")
	*clock = now.Add(30 * time.Minute)
	state, err := m.ProcessStimulus(ctx, stimulus("s1", -6), ContextFactors{Hour: 12})
	require.NoError(t, err)
	assert.Less(t, state.PrimaryIntensity, before.PrimaryIntensity,
		"failure path still applies decay")
	assert.Empty(t, state.Appraisal)
}

func TestDecayRemovesFadedEmotions(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	appraiser := &fakeAppraiser{emotions: []AppraisedEmotion{
		{Type: Relief, Intensity: 30},
	}}
	m, clock := newTestEmotionManager(appraiser, now)
	ctx := context.Background()

	_, err := m.ProcessStimulus(ctx, stimulus("s1", 4), ContextFactors{Hour: 12})
	require.NoError(t, err)

	// Relief has a 20-minute half-life; six hours wipes it out.
	*clock = now.Add(6 * time.Hour)
	state, err := m.ApplyDecay(ctx, "s1", ContextFactors{Hour: 18})
	require.NoError(t, err)
	for _, a := range state.Active {
		assert.NotEqual(t, Relief, a.Type)
	}
}

func TestContextModifierBounds(t *testing.T) {
	p := profileFor(Joy)

	calm := contextModifier(p, ContextFactors{
		UserPresent: true, UserEngaged: true, SocialSupport: 1, ActivityLevel: 1, Hour: 12,
	})
	stressed := contextModifier(p, ContextFactors{EnvironmentalStress: 1, Hour: 23})
	assert.Less(t, calm, stressed, "presence and support slow decay")
	assert.GreaterOrEqual(t, calm, 0.25)
}

func TestRepeatedStimuliDiminish(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	appraiser := &fakeAppraiser{emotions: []AppraisedEmotion{
		{Type: Joy, Intensity: 40},
	}}
	m, _ := newTestEmotionManager(appraiser, now)
	ctx := context.Background()

	first, err := m.ProcessStimulus(ctx, stimulus("s1", 5), ContextFactors{Hour: 12})
	require.NoError(t, err)
	firstGain := first.PrimaryIntensity

	var prev = firstGain
	for i := 0; i < 3; i++ {
		state, err := m.ProcessStimulus(ctx, stimulus("s1", 5), ContextFactors{Hour: 12})
		require.NoError(t, err)
		gain := state.PrimaryIntensity - prev
		assert.Less(t, gain, firstGain, "later identical stimuli add less")
		prev = state.PrimaryIntensity
	}
}

func TestDominantEmotionAndSummary(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	appraiser := &fakeAppraiser{emotions: []AppraisedEmotion{
		{Type: Pride, Intensity: 55},
		{Type: Joy, Intensity: 25},
	}}
	m, _ := newTestEmotionManager(appraiser, now)
	ctx := context.Background()

	// No state yet reads as calm.
	dom, intensity, err := m.DominantEmotion(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, Neutral, dom)
	assert.Zero(t, intensity)
	text, err := m.Summary(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, "Feeling calm and even.", text)

	_, err = m.ProcessStimulus(ctx, stimulus("s1", 6), ContextFactors{Hour: 12})
	require.NoError(t, err)

	dom, intensity, err = m.DominantEmotion(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, Pride, dom)
	assert.Greater(t, intensity, 0.0)

	text, err = m.Summary(ctx, "s1")
	require.NoError(t, err)
	assert.Contains(t, text, "pride")
}

func TestStateSurvivesCacheEviction(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	repo := NewMemoryRepository()
	appraiser := &fakeAppraiser{emotions: []AppraisedEmotion{
		{Type: Love, Intensity: 50},
	}}

	m := NewManager(repo, appraiser, logger.Default())
	m.SetClock(func() time.Time { return now })
	_, err := m.ProcessStimulus(context.Background(), stimulus("s1", 8), ContextFactors{Hour: 12})
	require.NoError(t, err)

	// A fresh manager over the same repository rebuilds the live state.
	m2 := NewManager(repo, appraiser, logger.Default())
	m2.SetClock(func() time.Time { return now })
	dom, intensity, err := m2.DominantEmotion(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, Love, dom)
	assert.Greater(t, intensity, 0.0)
}

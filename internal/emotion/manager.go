package emotion

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dere/dere/internal/common/errors"
	"github.com/dere/dere/internal/common/logger"
)

const (
	stimulusHistoryCap = 20

	// removalBase scales with (1 - MinPersistence); persistent
	// emotions survive at lower intensities.
	removalBase = 5.0

	momentumFactor           = 0.5
	valenceCompetitionFactor = 0.15
	diminishingPerSimilar    = 0.15
	moodBiasBoost            = 1.15
	moodBiasDampen           = 0.85
	driftRate                = 0.05
)

// personalityBaseline is the resting disposition each pipeline run
// drifts toward.
var personalityBaseline = map[Type]float64{
	Joy: 10,
}

type sessionEmotions struct {
	active    map[Type]float64
	updatedAt time.Time
}

// Manager runs the per-session emotion pipeline. Live state is a
// hot-path cache; the Store row is canonical and rebuilt from on
// first use.
type Manager struct {
	repo      Repository
	appraiser Appraiser
	logger    *logger.Logger
	now       func() time.Time

	mu       sync.Mutex
	sessions map[string]*sessionEmotions
}

// NewManager creates the emotion manager.
func NewManager(repo Repository, appraiser Appraiser, log *logger.Logger) *Manager {
	return &Manager{
		repo:      repo,
		appraiser: appraiser,
		logger:    log.WithFields(zap.String("component", "emotion")),
		now:       func() time.Time { return time.Now().UTC() },
		sessions:  make(map[string]*sessionEmotions),
	}
}

// SetClock overrides the time source. Tests only.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

func (m *Manager) load(ctx context.Context, sessionID string) (*sessionEmotions, error) {
	if se, ok := m.sessions[sessionID]; ok {
		return se, nil
	}
	se := &sessionEmotions{active: make(map[Type]float64), updatedAt: m.now()}
	state, err := m.repo.GetState(ctx, sessionID)
	if err == nil {
		for _, a := range state.Active {
			se.active[a.Type] = a.Intensity
		}
		se.updatedAt = state.UpdatedAt
	} else if !errors.IsNotFound(err) {
		return nil, err
	}
	m.sessions[sessionID] = se
	return se, nil
}

// ProcessStimulus runs decay, appraisal, and intensity physics for one
// stimulus, records it, and persists the resulting snapshot. An
// appraisal failure is logged and yields the post-decay state.
func (m *Manager) ProcessStimulus(ctx context.Context, stim Stimulus, factors ContextFactors) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	se, err := m.load(ctx, stim.SessionID)
	if err != nil {
		return nil, err
	}

	now := m.now()
	if stim.Timestamp.IsZero() {
		stim.Timestamp = now
	}
	m.decayLocked(se, now, factors)

	appraisal, err := m.appraiser.Appraise(ctx, stim)
	if err != nil {
		m.logger.WithSessionID(stim.SessionID).Warn("appraisal failed", zap.Error(err))
		return m.persistLocked(ctx, stim.SessionID, se, nil, nil)
	}

	recent, err := m.repo.ListStimuli(ctx, stim.SessionID, stimulusHistoryCap)
	if err != nil {
		return nil, err
	}

	for _, ae := range appraisal.Emotions {
		if !ae.Type.Valid() || ae.Type == Neutral {
			continue
		}
		m.applyPhysics(se, ae, stim, recent)
	}
	m.drift(se)
	m.prune(se)

	if err := m.repo.AppendStimulus(ctx, &stim, stimulusHistoryCap); err != nil {
		return nil, err
	}

	appraisalJSON, _ := json.Marshal(appraisal)
	triggerJSON, _ := json.Marshal(stim)
	return m.persistLocked(ctx, stim.SessionID, se, appraisalJSON, triggerJSON)
}

// ApplyDecay runs the decay step alone, for the background tick.
func (m *Manager) ApplyDecay(ctx context.Context, sessionID string, factors ContextFactors) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	se, err := m.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	m.decayLocked(se, m.now(), factors)
	return m.persistLocked(ctx, sessionID, se, nil, nil)
}

// decayLocked halves each intensity per modulated half-life and drops
// emotions below their persistence-scaled removal threshold.
func (m *Manager) decayLocked(se *sessionEmotions, now time.Time, factors ContextFactors) {
	elapsed := now.Sub(se.updatedAt)
	if elapsed <= 0 {
		return
	}
	for t, intensity := range se.active {
		p := profileFor(t)
		halves := elapsed.Hours() / p.HalfLife.Hours() * p.BaseRate * contextModifier(p, factors)
		intensity *= math.Pow(0.5, halves)
		if intensity < removalBase*(1-p.MinPersistence) {
			delete(se.active, t)
			continue
		}
		se.active[t] = intensity
	}
	se.updatedAt = now
}

// contextModifier scales a profile's decay rate by the ambient
// context; presence and support slow decay, stress and late hours
// speed it.
func contextModifier(p Profile, f ContextFactors) float64 {
	mod := 1.0
	if f.UserPresent {
		mod -= 0.2 * p.ContextSensitivity
	}
	if f.UserEngaged {
		mod -= 0.1 * p.ContextSensitivity
	}
	mod += (f.EnvironmentalStress - f.SocialSupport) * 0.3 * p.ContextSensitivity
	mod -= f.ActivityLevel * 0.1 * p.ContextSensitivity
	if f.Hour < 6 || f.Hour >= 22 {
		mod += 0.2 * p.ContextSensitivity
	}
	return math.Max(0.25, mod)
}

// applyPhysics folds one appraised emotion into the active set.
func (m *Manager) applyPhysics(se *sessionEmotions, ae AppraisedEmotion, stim Stimulus, recent []*Stimulus) {
	p := profileFor(ae.Type)
	cur := se.active[ae.Type]
	delta := ae.Intensity

	// Momentum: an already-intense state resists change.
	delta /= 1 + momentumFactor*cur/100

	// Valence competition: opposing active mass dampens the new
	// emotion, attenuated by its resilience.
	opposing := 0.0
	for t, intensity := range se.active {
		if t.Valence() == -ae.Type.Valence() && t.Valence() != 0 {
			opposing += intensity
		}
	}
	delta *= 1 - math.Min(0.8, valenceCompetitionFactor*opposing/100*(1-p.Resilience)*10)

	// Diminishing returns against similar recent stimuli.
	similar := 0
	for _, s := range recent {
		if sameSign(s.Valence, stim.Valence) {
			similar++
		}
	}
	delta /= 1 + diminishingPerSimilar*float64(similar)

	// Mood bias from the current dominant emotion.
	if dom, _ := dominant(se.active); dom != "" && dom.Valence() != 0 {
		switch {
		case dom.Valence() == ae.Type.Valence():
			delta *= moodBiasBoost
		default:
			delta *= moodBiasDampen
		}
	}

	se.active[ae.Type] = clampIntensity(cur + delta)
}

// drift nudges the baseline disposition emotions toward their resting
// levels.
func (m *Manager) drift(se *sessionEmotions) {
	for t, baseline := range personalityBaseline {
		cur := se.active[t]
		se.active[t] = clampIntensity(cur + (baseline-cur)*driftRate)
	}
}

func (m *Manager) prune(se *sessionEmotions) {
	for t, intensity := range se.active {
		p := profileFor(t)
		if intensity < removalBase*(1-p.MinPersistence) {
			delete(se.active, t)
		}
	}
}

func (m *Manager) persistLocked(ctx context.Context, sessionID string, se *sessionEmotions,
	appraisal, trigger json.RawMessage) (*State, error) {
	state := snapshot(sessionID, se)
	state.Appraisal = appraisal
	state.Trigger = trigger
	if err := m.repo.PutState(ctx, state); err != nil {
		return nil, err
	}
	return state, nil
}

func snapshot(sessionID string, se *sessionEmotions) *State {
	active := make([]ActiveEmotion, 0, len(se.active))
	for t, intensity := range se.active {
		active = append(active, ActiveEmotion{Type: t, Intensity: intensity, UpdatedAt: se.updatedAt})
	}
	sort.Slice(active, func(i, j int) bool { return active[i].Intensity > active[j].Intensity })

	state := &State{
		SessionID: sessionID,
		Primary:   Neutral,
		Active:    active,
		UpdatedAt: se.updatedAt,
	}
	if len(active) > 0 {
		state.Primary = active[0].Type
		state.PrimaryIntensity = active[0].Intensity
		state.Overall = active[0].Intensity
	}
	if len(active) > 1 {
		state.Secondary = active[1].Type
		state.SecondaryIntensity = active[1].Intensity
	}
	return state
}

// GetState returns the persisted snapshot for a session.
func (m *Manager) GetState(ctx context.Context, sessionID string) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	se, err := m.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return snapshot(sessionID, se), nil
}

// DominantEmotion returns the highest-intensity non-neutral emotion,
// or Neutral when none is active.
func (m *Manager) DominantEmotion(ctx context.Context, sessionID string) (Type, float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	se, err := m.load(ctx, sessionID)
	if err != nil {
		return Neutral, 0, err
	}
	t, intensity := dominant(se.active)
	if t == "" {
		return Neutral, 0, nil
	}
	return t, intensity, nil
}

// Summary renders a short sentence describing the session's state,
// used for prompt injection.
func (m *Manager) Summary(ctx context.Context, sessionID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	se, err := m.load(ctx, sessionID)
	if err != nil {
		return "", err
	}

	t, intensity := dominant(se.active)
	if t == "" {
		return "Feeling calm and even.", nil
	}
	sentence := fmt.Sprintf("Feeling %s %s", intensityBand(intensity), t)
	if second, si := secondDominant(se.active, t); second != "" && si >= removalBase {
		sentence += fmt.Sprintf(" with a trace of %s", second)
	}
	return sentence + ".", nil
}

func dominant(active map[Type]float64) (Type, float64) {
	var best Type
	bestIntensity := 0.0
	for t, intensity := range active {
		if t == Neutral {
			continue
		}
		if intensity > bestIntensity || (intensity == bestIntensity && t < best) {
			best, bestIntensity = t, intensity
		}
	}
	return best, bestIntensity
}

func secondDominant(active map[Type]float64, skip Type) (Type, float64) {
	var best Type
	bestIntensity := 0.0
	for t, intensity := range active {
		if t == Neutral || t == skip {
			continue
		}
		if intensity > bestIntensity || (intensity == bestIntensity && t < best) {
			best, bestIntensity = t, intensity
		}
	}
	return best, bestIntensity
}

func intensityBand(intensity float64) string {
	switch {
	case intensity < 20:
		return "faint"
	case intensity < 40:
		return "mild"
	case intensity < 60:
		return "moderate"
	case intensity < 80:
		return "strong"
	default:
		return "intense"
	}
}

func clampIntensity(v float64) float64 {
	return math.Max(0, math.Min(100, v))
}

func sameSign(a, b float64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}

package bond

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dere/dere/internal/common/errors"
	"github.com/dere/dere/internal/common/logger"
)

const (
	startAffection = 50.0

	decayBaseRate  = 0.5
	decayMaxRate   = 2.0
	decayThreshold = 70.0

	streakBreakPenalty   = 2.0
	streakMultiplierStep = 0.02
	streakMultiplierCap  = 0.5

	durationBonusFloor = 5 * time.Minute
	durationBonusScale = 0.8
	durationBonusCap   = 3.0

	diminishingThreshold = 85.0
	distantThreshold     = 25.0

	trendWindow = 7 * 24 * time.Hour
	trendDelta  = 2.0

	historyLimit = 50

	dateLayout = "2006-01-02"
)

var qualityGains = map[Quality]float64{
	QualityMinimal:     0.5,
	QualityStandard:    1.5,
	QualityMeaningful:  3.0,
	QualityExceptional: 5.0,
}

// Manager owns per-user affection state. Mutations serialize on one
// mutex; the Store row is canonical and the cache only serves reads.
type Manager struct {
	repo   Repository
	logger *logger.Logger
	now    func() time.Time

	mu    sync.Mutex
	cache map[string]*State
}

// NewManager creates the bond manager.
func NewManager(repo Repository, log *logger.Logger) *Manager {
	return &Manager{
		repo:   repo,
		logger: log.WithFields(zap.String("component", "bond")),
		now:    func() time.Time { return time.Now().UTC() },
		cache:  make(map[string]*State),
	}
}

// SetClock overrides the time source. Tests only.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// Get returns a user's bond state, initializing a fresh one at the
// starting affection when none is stored yet.
func (m *Manager) Get(ctx context.Context, userID string) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.load(ctx, userID)
}

func (m *Manager) load(ctx context.Context, userID string) (*State, error) {
	if s, ok := m.cache[userID]; ok {
		return cloneState(s), nil
	}
	s, err := m.repo.Get(ctx, userID)
	if errors.IsNotFound(err) {
		now := m.now()
		s = &State{
			UserID:            userID,
			Affection:         startAffection,
			Trend:             TrendStable,
			LastInteractionAt: now,
			UpdatedAt:         now,
		}
	} else if err != nil {
		return nil, err
	}
	m.cache[userID] = cloneState(s)
	return s, nil
}

func (m *Manager) commit(ctx context.Context, s *State) error {
	if err := m.repo.Put(ctx, s); err != nil {
		return err
	}
	m.cache[s.UserID] = cloneState(s)
	return nil
}

// ApplyDecay decays a user's affection by the time elapsed since the
// last interaction. Affection never increases here.
func (m *Manager) ApplyDecay(ctx context.Context, userID string) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.load(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := m.now()
	m.decay(s, now)
	m.retrend(s)
	s.UpdatedAt = now
	if err := m.commit(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// decay applies the exponential curve plus the streak-break penalty.
// The rate is the base at or above the threshold and rises linearly
// toward the maximum as affection falls to zero.
func (m *Manager) decay(s *State, now time.Time) {
	// Anchor on the last state write so repeated decay passes do not
	// re-apply the whole gap since the last interaction.
	anchor := s.LastInteractionAt
	if s.UpdatedAt.After(anchor) {
		anchor = s.UpdatedAt
	}
	hours := now.Sub(anchor).Hours()
	if hours <= 0 {
		return
	}

	rate := decayBaseRate
	if s.Affection < decayThreshold {
		rate += (decayMaxRate - decayBaseRate) * (decayThreshold - s.Affection) / decayThreshold
	}
	s.Affection *= math.Exp(-rate * hours / 100)

	if s.StreakLastDate != "" && s.StreakDays > 0 {
		last, err := time.Parse(dateLayout, s.StreakLastDate)
		if err == nil && daysBetween(last, now) > 1 {
			s.StreakDays = 0
			s.StreakLastDate = ""
			s.Affection -= streakBreakPenalty
			m.logger.Debug("streak broken", zap.String("user_id", s.UserID))
		}
	}

	s.Affection = clamp(s.Affection)
	m.record(s, now, fmt.Sprintf("decay after %.1fh", hours))
}

// RecordInteraction applies pending decay, then the quality gain with
// duration bonus, streak multiplier, and diminishing returns.
func (m *Manager) RecordInteraction(ctx context.Context, userID string, quality Quality, duration time.Duration) (*State, error) {
	if !validQuality(quality) {
		return nil, errors.ValidationField("quality",
			"must be minimal, standard, meaningful, or exceptional")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.load(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := m.now()
	m.decay(s, now)

	today := now.Format(dateLayout)
	switch s.StreakLastDate {
	case today:
	case "":
		s.StreakDays = 1
	default:
		last, err := time.Parse(dateLayout, s.StreakLastDate)
		if err == nil && daysBetween(last, now) == 1 {
			s.StreakDays++
		} else {
			s.StreakDays = 1
		}
	}
	s.StreakLastDate = today

	gain := qualityGains[quality]
	if duration > durationBonusFloor {
		extra := duration.Minutes() - durationBonusFloor.Minutes()
		gain += math.Min(math.Log1p(extra)*durationBonusScale, durationBonusCap)
	}
	gain *= 1 + math.Min(float64(s.StreakDays)*streakMultiplierStep, streakMultiplierCap)
	if s.Affection > diminishingThreshold {
		gain *= (100 - s.Affection) / (100 - diminishingThreshold)
	}

	s.Affection = clamp(s.Affection + gain)
	s.LastInteractionAt = now
	if quality == QualityMeaningful || quality == QualityExceptional {
		s.LastMeaningfulAt = &now
	}

	m.record(s, now, "interaction: "+string(quality))
	m.retrend(s)
	s.UpdatedAt = now
	if err := m.commit(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

func (m *Manager) record(s *State, now time.Time, reason string) {
	s.History = append(s.History, HistoryEntry{
		Timestamp: now,
		Affection: s.Affection,
		Reason:    reason,
	})
	if len(s.History) > historyLimit {
		s.History = s.History[len(s.History)-historyLimit:]
	}
}

// retrend classifies the trend against the oldest history entry inside
// the window. Distance overrides direction.
func (m *Manager) retrend(s *State) {
	if s.Affection < distantThreshold {
		s.Trend = TrendDistant
		return
	}

	cutoff := m.now().Add(-trendWindow)
	var oldest *HistoryEntry
	for i := range s.History {
		if s.History[i].Timestamp.Before(cutoff) {
			continue
		}
		oldest = &s.History[i]
		break
	}
	if oldest == nil {
		s.Trend = TrendStable
		return
	}

	switch diff := s.Affection - oldest.Affection; {
	case diff > trendDelta:
		s.Trend = TrendRising
	case diff < -trendDelta:
		s.Trend = TrendFalling
	default:
		s.Trend = TrendStable
	}
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(100, v))
}

// daysBetween counts calendar days from a to b in UTC.
func daysBetween(a, b time.Time) int {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	start := time.Date(ay, am, ad, 0, 0, 0, 0, time.UTC)
	end := time.Date(by, bm, bd, 0, 0, 0, 0, time.UTC)
	return int(end.Sub(start).Hours() / 24)
}

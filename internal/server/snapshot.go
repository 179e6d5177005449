package server

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/dere/dere/internal/bond"
	"github.com/dere/dere/internal/common/logger"
	"github.com/dere/dere/internal/emotion"
	"github.com/dere/dere/internal/rareevent"
	"github.com/dere/dere/internal/session"
)

// DashboardProvider builds the rare-event snapshot from the bond and
// emotion managers plus recent session activity. It also lists the
// users the generator considers each tick.
type DashboardProvider struct {
	bond     *bond.Manager
	emotion  *emotion.Manager
	sessions *session.Service
	logger   *logger.Logger
	now      func() time.Time
}

// NewDashboardProvider creates the dashboard snapshot provider.
func NewDashboardProvider(b *bond.Manager, e *emotion.Manager, s *session.Service,
	log *logger.Logger) *DashboardProvider {
	return &DashboardProvider{
		bond:     b,
		emotion:  e,
		sessions: s,
		logger:   log.WithFields(zap.String("component", "dashboard")),
		now:      time.Now,
	}
}

// Snapshot assembles one user's dashboard state.
func (d *DashboardProvider) Snapshot(ctx context.Context, userID string) (*rareevent.Snapshot, error) {
	now := d.now()
	snap := &rareevent.Snapshot{
		UserID:             userID,
		Hour:               now.Local().Hour(),
		ActivityCategory:   "idle",
		HoursSinceActivity: 24,
	}

	state, err := d.bond.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	snap.Affection = state.Affection
	snap.Trend = string(state.Trend)
	snap.StreakDays = state.StreakDays

	latest, err := d.latestSession(ctx, userID)
	if err != nil {
		return nil, err
	}
	if latest != nil {
		since := now.UTC().Sub(latest.LastActivityAt)
		snap.HoursSinceActivity = since.Hours()
		switch {
		case !latest.Ended() && since < 30*time.Minute:
			snap.ActivityCategory = "productive"
		case since < 3*time.Hour:
			snap.ActivityCategory = "recent"
		}

		dom, intensity, err := d.emotion.DominantEmotion(ctx, latest.ID)
		if err != nil {
			d.logger.Warn("emotion snapshot failed", zap.Error(err))
		} else {
			snap.DominantEmotion = string(dom)
			snap.EmotionIntensity = intensity
		}
	}
	return snap, nil
}

// ActiveUsers lists the distinct users with a live session.
func (d *DashboardProvider) ActiveUsers(ctx context.Context) ([]string, error) {
	sessions, err := d.sessions.ListSessions(ctx, true, 200, 0)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var users []string
	for _, s := range sessions {
		if s.UserID == "" || seen[s.UserID] {
			continue
		}
		seen[s.UserID] = true
		users = append(users, s.UserID)
	}
	return users, nil
}

func (d *DashboardProvider) latestSession(ctx context.Context, userID string) (*session.Session, error) {
	sessions, err := d.sessions.ListSessions(ctx, false, 100, 0)
	if err != nil {
		return nil, err
	}
	var latest *session.Session
	for _, s := range sessions {
		if s.UserID != userID {
			continue
		}
		if latest == nil || s.LastActivityAt.After(latest.LastActivityAt) {
			latest = s
		}
	}
	return latest, nil
}

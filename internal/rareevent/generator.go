package rareevent

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dere/dere/internal/common/logger"
	"github.com/dere/dere/internal/events/bus"
)

// SnapshotProvider assembles the dashboard state for one user.
type SnapshotProvider interface {
	Snapshot(ctx context.Context, userID string) (*Snapshot, error)
}

// UserSource lists the users the generator considers each tick.
type UserSource interface {
	ActiveUsers(ctx context.Context) ([]string, error)
}

// Notifier records an outbound notification for a generated event.
type Notifier interface {
	NotifyRareEvent(ctx context.Context, e *RareEvent) error
}

// Options tunes the generator loop.
type Options struct {
	Interval time.Duration
	Cooldown time.Duration
	DailyCap int
}

// Generator wakes on an interval and draws candidate events against
// the dashboard snapshot.
type Generator struct {
	repo      Repository
	snapshots SnapshotProvider
	users     UserSource
	notifier  Notifier
	eventBus  bus.EventBus
	logger    *logger.Logger
	opts      Options

	randMu sync.Mutex
	rand   *rand.Rand
	now    func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// NewGenerator creates the rare event generator.
func NewGenerator(repo Repository, snapshots SnapshotProvider, users UserSource,
	notifier Notifier, eventBus bus.EventBus, opts Options, log *logger.Logger) *Generator {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Minute
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = 90 * time.Minute
	}
	if opts.DailyCap <= 0 {
		opts.DailyCap = 3
	}
	return &Generator{
		repo:      repo,
		snapshots: snapshots,
		users:     users,
		notifier:  notifier,
		eventBus:  eventBus,
		logger:    log.WithFields(zap.String("component", "rareevent")),
		opts:      opts,
		rand:      rand.New(rand.NewSource(time.Now().UnixNano())),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetRand overrides the random source. Tests only.
func (g *Generator) SetRand(r *rand.Rand) { g.rand = r }

// SetClock overrides the time source. Tests only.
func (g *Generator) SetClock(now func() time.Time) { g.now = now }

// Start launches the interval loop.
func (g *Generator) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	g.cancel = cancel
	g.done = make(chan struct{})

	go func() {
		defer close(g.done)
		ticker := time.NewTicker(g.opts.Interval)
		defer ticker.Stop()
		g.logger.Info("rare event generator started",
			zap.Duration("interval", g.opts.Interval))
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				g.runTick(ctx)
			}
		}
	}()
}

// Stop cancels the loop and waits for the current tick.
func (g *Generator) Stop() {
	if g.cancel == nil {
		return
	}
	g.cancel()
	<-g.done
	g.logger.Info("rare event generator stopped")
}

func (g *Generator) runTick(ctx context.Context) {
	users, err := g.users.ActiveUsers(ctx)
	if err != nil {
		g.logger.Error("failed to list active users", zap.Error(err))
		return
	}
	for _, userID := range users {
		if ctx.Err() != nil {
			return
		}
		if _, err := g.GenerateFor(ctx, userID); err != nil {
			g.logger.Warn("rare event generation failed",
				zap.String("user_id", userID), zap.Error(err))
		}
	}
}

// GenerateFor runs one generation attempt for a user. Returns nil with
// no error when the guards reject or no draw succeeds.
func (g *Generator) GenerateFor(ctx context.Context, userID string) (*RareEvent, error) {
	now := g.now()

	latest, err := g.repo.Latest(ctx, userID)
	if err != nil {
		return nil, err
	}
	if latest != nil && now.Sub(latest.CreatedAt) < g.opts.Cooldown {
		return nil, nil
	}

	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	count, err := g.repo.CountSince(ctx, userID, dayStart)
	if err != nil {
		return nil, err
	}
	if count >= g.opts.DailyCap {
		return nil, nil
	}

	snap, err := g.snapshots.Snapshot(ctx, userID)
	if err != nil {
		return nil, err
	}

	for _, cand := range candidates(snap) {
		if !g.draw(cand.probability) {
			continue
		}
		event, err := g.emit(ctx, snap, cand, now)
		if err != nil {
			return nil, err
		}
		return event, nil
	}
	return nil, nil
}

type candidate struct {
	eventType   EventType
	probability float64
	reason      string
	content     map[string]any
}

// candidates enumerates the event types eligible under the snapshot
// with their context-modulated probabilities.
func candidates(s *Snapshot) []candidate {
	var out []candidate

	if s.Hour >= 6 && s.Hour < 10 {
		out = append(out, candidate{
			eventType:   MorningGreeting,
			probability: 0.15 * (1 + s.Affection/200),
			reason:      "morning hours",
			content:     map[string]any{"hour": s.Hour, "streak_days": s.StreakDays},
		})
	}
	if s.Hour >= 19 && s.Hour < 23 {
		out = append(out, candidate{
			eventType:   EveningGreeting,
			probability: 0.12,
			reason:      "evening hours",
			content:     map[string]any{"hour": s.Hour},
		})
	}
	if s.ActivityCategory == "productive" {
		out = append(out, candidate{
			eventType:   ProductiveActivity,
			probability: 0.2,
			reason:      "productive activity observed",
			content:     map[string]any{"activity": s.ActivityCategory},
		})
	}
	if s.HoursSinceActivity > 6 {
		out = append(out, candidate{
			eventType:   LongIdle,
			probability: 0.1,
			reason:      fmt.Sprintf("idle for %.1fh", s.HoursSinceActivity),
			content:     map[string]any{"idle_hours": s.HoursSinceActivity},
		})
	}
	if s.EmotionIntensity >= 70 {
		out = append(out, candidate{
			eventType:   MoodShift,
			probability: 0.25,
			reason:      "high emotional intensity",
			content: map[string]any{
				"emotion":   s.DominantEmotion,
				"intensity": s.EmotionIntensity,
			},
		})
	}
	if s.Affection >= 80 {
		out = append(out, candidate{
			eventType:   HighBondMemory,
			probability: 0.1 * (1 + float64(s.StreakDays)/20),
			reason:      "high bond",
			content: map[string]any{
				"affection":   s.Affection,
				"streak_days": s.StreakDays,
			},
		})
	}
	return out
}

func (g *Generator) draw(p float64) bool {
	g.randMu.Lock()
	defer g.randMu.Unlock()
	return g.rand.Float64() < p
}

func (g *Generator) emit(ctx context.Context, snap *Snapshot, cand candidate, now time.Time) (*RareEvent, error) {
	content, _ := json.Marshal(cand.content)
	triggerCtx, _ := json.Marshal(snap)
	event := &RareEvent{
		ID:             uuid.NewString(),
		UserID:         snap.UserID,
		EventType:      cand.eventType,
		Content:        content,
		TriggerReason:  cand.reason,
		TriggerContext: triggerCtx,
		CreatedAt:      now,
	}
	if err := g.repo.Create(ctx, event); err != nil {
		return nil, err
	}

	if g.notifier != nil {
		if err := g.notifier.NotifyRareEvent(ctx, event); err != nil {
			g.logger.Warn("rare event notification failed", zap.Error(err))
		}
	}
	if g.eventBus != nil {
		ev := bus.NewEvent("rareevent.created", "rareevent-generator", map[string]any{
			"event_id":   event.ID,
			"user_id":    event.UserID,
			"event_type": string(event.EventType),
		})
		if err := g.eventBus.Publish(ctx, "rareevent.created", ev); err != nil {
			g.logger.Debug("event publish failed", zap.Error(err))
		}
	}

	g.logger.Info("rare event generated",
		zap.String("user_id", event.UserID),
		zap.String("event_type", string(event.EventType)))
	return event, nil
}

// Get returns one event.
func (g *Generator) Get(ctx context.Context, id string) (*RareEvent, error) {
	return g.repo.Get(ctx, id)
}

// List returns a user's recent events.
func (g *Generator) List(ctx context.Context, userID string, limit int) ([]*RareEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	return g.repo.List(ctx, userID, limit)
}

// MarkShown acknowledges that an event was surfaced to the user.
func (g *Generator) MarkShown(ctx context.Context, id string) error {
	return g.repo.MarkShown(ctx, id, g.now())
}

// MarkDismissed acknowledges that the user dismissed an event.
func (g *Generator) MarkDismissed(ctx context.Context, id string) error {
	return g.repo.MarkDismissed(ctx, id, g.now())
}

package notification

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dere/dere/internal/common/logger"
	"github.com/dere/dere/internal/events/bus"
	"github.com/dere/dere/internal/rareevent"
)

// Service records notifications and dispatches them onto the event
// bus; mediums subscribe to notification.created and deliver.
type Service struct {
	repo     Repository
	eventBus bus.EventBus
	logger   *logger.Logger
}

// NewService creates the notification service.
func NewService(repo Repository, eventBus bus.EventBus, log *logger.Logger) *Service {
	return &Service{
		repo:     repo,
		eventBus: eventBus,
		logger:   log.WithFields(zap.String("component", "notification")),
	}
}

// Notify persists the notification and publishes it.
func (s *Service) Notify(ctx context.Context, n *Notification) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.Status == "" {
		n.Status = StatusPending
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	if err := s.repo.Create(ctx, n); err != nil {
		return err
	}

	if s.eventBus != nil {
		ev := bus.NewEvent("notification.created", "notification-service", map[string]any{
			"notification_id": n.ID,
			"user_id":         n.UserID,
			"medium":          n.Medium,
			"priority":        n.Priority,
		})
		if err := s.eventBus.Publish(ctx, "notification.created", ev); err != nil {
			s.logger.Debug("event publish failed", zap.Error(err))
		}
	}
	return nil
}

// NotifyRareEvent records a notification for a generated rare event.
func (s *Service) NotifyRareEvent(ctx context.Context, e *rareevent.RareEvent) error {
	hint, _ := json.Marshal(map[string]any{
		"event_id":   e.ID,
		"event_type": string(e.EventType),
		"reason":     e.TriggerReason,
	})
	return s.Notify(ctx, &Notification{
		UserID:   e.UserID,
		Medium:   "default",
		Message:  string(hint),
		Priority: 1,
	})
}

// MarkSent records successful delivery.
func (s *Service) MarkSent(ctx context.Context, id string) error {
	return s.repo.SetStatus(ctx, id, StatusSent, "")
}

// MarkFailed records a delivery failure.
func (s *Service) MarkFailed(ctx context.Context, id, errMsg string) error {
	return s.repo.SetStatus(ctx, id, StatusFailed, errMsg)
}

// List returns a user's notifications.
func (s *Service) List(ctx context.Context, userID string, limit int) ([]*Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.repo.List(ctx, userID, limit)
}

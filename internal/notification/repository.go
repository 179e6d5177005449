package notification

import "context"

// Repository persists notifications.
type Repository interface {
	// Create inserts one notification.
	Create(ctx context.Context, n *Notification) error

	// Get fetches one notification.
	Get(ctx context.Context, id string) (*Notification, error)

	// List returns a user's notifications, newest first.
	List(ctx context.Context, userID string, limit int) ([]*Notification, error)

	// SetStatus updates delivery status and error.
	SetStatus(ctx context.Context, id string, status Status, errMsg string) error
}

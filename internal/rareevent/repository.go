package rareevent

import (
	"context"
	"time"
)

// Repository persists rare events.
type Repository interface {
	// Create inserts one event.
	Create(ctx context.Context, e *RareEvent) error

	// Get fetches one event.
	Get(ctx context.Context, id string) (*RareEvent, error)

	// List returns a user's events, newest first.
	List(ctx context.Context, userID string, limit int) ([]*RareEvent, error)

	// Latest returns the user's most recent event, or nil when none.
	Latest(ctx context.Context, userID string) (*RareEvent, error)

	// CountSince counts the user's events created at or after a time.
	CountSince(ctx context.Context, userID string, since time.Time) (int, error)

	// MarkShown stamps shown_at.
	MarkShown(ctx context.Context, id string, at time.Time) error

	// MarkDismissed stamps dismissed_at.
	MarkDismissed(ctx context.Context, id string, at time.Time) error
}

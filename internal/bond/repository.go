package bond

import "context"

// Repository persists per-user bond state. History rides along as a
// JSONB column on the state row.
type Repository interface {
	// Get fetches a user's bond state.
	Get(ctx context.Context, userID string) (*State, error)

	// Put upserts a user's bond state.
	Put(ctx context.Context, s *State) error
}

package emotion

import "context"

// Repository persists emotion states and the bounded stimulus history.
type Repository interface {
	// GetState fetches a session's emotion snapshot.
	GetState(ctx context.Context, sessionID string) (*State, error)

	// PutState upserts a session's emotion snapshot.
	PutState(ctx context.Context, s *State) error

	// AppendStimulus records a stimulus, trimming the oldest rows
	// beyond the cap.
	AppendStimulus(ctx context.Context, stim *Stimulus, cap int) error

	// ListStimuli returns a session's recent stimuli, newest first.
	ListStimuli(ctx context.Context, sessionID string, limit int) ([]*Stimulus, error)
}

package session

import (
	"context"
	"time"
)

// Repository persists sessions and their conversations.
type Repository interface {
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	ListSessions(ctx context.Context, activeOnly bool, limit, offset int) ([]*Session, error)
	SetExternalID(ctx context.Context, id, externalID string) error
	TouchSession(ctx context.Context, id string, at time.Time) error
	EndSession(ctx context.Context, id string, at time.Time) error

	AppendConversation(ctx context.Context, c *Conversation) error
	ListConversation(ctx context.Context, sessionID string, limit int) ([]*Conversation, error)
}

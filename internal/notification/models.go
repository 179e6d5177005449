package notification

import "time"

// Status tracks delivery of one notification.
type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

// Notification is one outbound message to a medium.
type Notification struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	Medium    string     `json:"medium"`
	Location  string     `json:"location,omitempty"`
	Message   string     `json:"message"`
	Priority  int        `json:"priority"`
	Status    Status     `json:"status"`
	Error     string     `json:"error,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	SentAt    *time.Time `json:"sent_at,omitempty"`
}

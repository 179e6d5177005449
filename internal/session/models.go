// Package session owns the lifecycle of live agent sessions and fans
// their event streams out to subscribers.
package session

import "time"

// Session is one conversation with an agent subprocess.
type Session struct {
	ID              string     `json:"id"`
	WorkingDir      string     `json:"working_dir"`
	Personality     string     `json:"personality,omitempty"`
	Medium          string     `json:"medium,omitempty"`
	UserID          string     `json:"user_id,omitempty"`
	ParentSessionID string     `json:"parent_session_id,omitempty"`
	ExternalID      string     `json:"external_id,omitempty"`
	StartedAt       time.Time  `json:"started_at"`
	LastActivityAt  time.Time  `json:"last_activity_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
}

// Ended reports whether the session has been closed.
func (s *Session) Ended() bool {
	return s.EndedAt != nil
}

// Conversation roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Conversation is one persisted message within a session. Append-only.
type Conversation struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	Medium    string    `json:"medium,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Config describes how to spawn or respawn one session's agent.
type Config struct {
	WorkingDir      string   `json:"working_dir"`
	Personality     string   `json:"personality,omitempty"`
	Medium          string   `json:"medium,omitempty"`
	UserID          string   `json:"user_id,omitempty"`
	ParentSessionID string   `json:"parent_session_id,omitempty"`
	Model           string   `json:"model,omitempty"`
	AllowedTools    []string `json:"allowed_tools,omitempty"`
	Env             []string `json:"env,omitempty"`
	Sandbox         bool     `json:"sandbox,omitempty"`

	// LeanMode skips context injection. Used by swarm agents and
	// mission executions.
	LeanMode bool `json:"lean_mode,omitempty"`
}

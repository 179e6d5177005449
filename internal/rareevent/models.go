package rareevent

import (
	"encoding/json"
	"time"
)

// EventType enumerates the candidate rare event kinds.
type EventType string

const (
	MorningGreeting    EventType = "morning_greeting"
	EveningGreeting    EventType = "evening_greeting"
	ProductiveActivity EventType = "productive_activity"
	LongIdle           EventType = "long_idle"
	MoodShift          EventType = "mood_shift"
	HighBondMemory     EventType = "high_bond_memory"
)

// RareEvent is one generated event awaiting rendering by the
// personality layer. Content is a structured hint, not final text.
type RareEvent struct {
	ID             string          `json:"id"`
	UserID         string          `json:"user_id"`
	EventType      EventType       `json:"event_type"`
	Content        json.RawMessage `json:"content,omitempty"`
	TriggerReason  string          `json:"trigger_reason"`
	TriggerContext json.RawMessage `json:"trigger_context,omitempty"`
	ShownAt        *time.Time      `json:"shown_at,omitempty"`
	DismissedAt    *time.Time      `json:"dismissed_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Snapshot is the dashboard state a generation tick draws against.
type Snapshot struct {
	UserID             string  `json:"user_id"`
	Affection          float64 `json:"affection"`
	Trend              string  `json:"trend"`
	StreakDays         int     `json:"streak_days"`
	DominantEmotion    string  `json:"dominant_emotion"`
	EmotionIntensity   float64 `json:"emotion_intensity"`
	ActivityCategory   string  `json:"activity_category"`
	HoursSinceActivity float64 `json:"hours_since_activity"`
	Hour               int     `json:"hour"`
}

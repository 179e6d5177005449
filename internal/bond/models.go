package bond

import "time"

// Trend classifies the recent direction of a bond.
type Trend string

const (
	TrendRising  Trend = "rising"
	TrendStable  Trend = "stable"
	TrendFalling Trend = "falling"
	TrendDistant Trend = "distant"
)

// Quality grades an interaction for affection gain.
type Quality string

const (
	QualityMinimal     Quality = "minimal"
	QualityStandard    Quality = "standard"
	QualityMeaningful  Quality = "meaningful"
	QualityExceptional Quality = "exceptional"
)

func validQuality(q Quality) bool {
	switch q {
	case QualityMinimal, QualityStandard, QualityMeaningful, QualityExceptional:
		return true
	}
	return false
}

// HistoryEntry records one affection mutation.
type HistoryEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Affection float64   `json:"affection"`
	Reason    string    `json:"reason"`
}

// State is the per-user bond state.
type State struct {
	UserID              string         `json:"user_id"`
	Affection           float64        `json:"affection"`
	Trend               Trend          `json:"trend"`
	LastInteractionAt   time.Time      `json:"last_interaction_at"`
	LastMeaningfulAt    *time.Time     `json:"last_meaningful_at,omitempty"`
	StreakDays          int            `json:"streak_days"`
	StreakLastDate      string         `json:"streak_last_date,omitempty"` // YYYY-MM-DD in UTC
	History             []HistoryEntry `json:"history,omitempty"`
	UpdatedAt           time.Time      `json:"updated_at"`
}

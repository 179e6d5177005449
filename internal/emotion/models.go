package emotion

import (
	"encoding/json"
	"time"
)

// Type enumerates the OCC emotion taxonomy the appraiser may emit.
type Type string

const (
	Joy            Type = "joy"
	Distress       Type = "distress"
	Hope           Type = "hope"
	Fear           Type = "fear"
	Relief         Type = "relief"
	Disappointment Type = "disappointment"
	Pride          Type = "pride"
	Shame          Type = "shame"
	Admiration     Type = "admiration"
	Reproach       Type = "reproach"
	Gratitude      Type = "gratitude"
	Anger          Type = "anger"
	Love           Type = "love"
	Hate           Type = "hate"
	Neutral        Type = "neutral"
)

// valences maps each emotion to its sign. Neutral carries none.
var valences = map[Type]int{
	Joy: 1, Hope: 1, Relief: 1, Pride: 1, Admiration: 1, Gratitude: 1, Love: 1,
	Distress: -1, Fear: -1, Disappointment: -1, Shame: -1, Reproach: -1,
	Anger: -1, Hate: -1,
	Neutral: 0,
}

// Valid reports whether t belongs to the taxonomy.
func (t Type) Valid() bool {
	_, ok := valences[t]
	return ok
}

// Valence returns -1, 0, or +1 for t.
func (t Type) Valence() int { return valences[t] }

// Profile controls how one emotion decays over time.
type Profile struct {
	// BaseRate scales decay speed; 1.0 is nominal.
	BaseRate float64
	// HalfLife is the time for intensity to halve at nominal rate.
	HalfLife time.Duration
	// MinPersistence in [0,1] raises the floor before removal.
	MinPersistence float64
	// Resilience in [0,1] resists displacement by opposite emotions.
	Resilience float64
	// ContextSensitivity in [0,1] scales how much context modulates decay.
	ContextSensitivity float64
}

// profiles holds the per-emotion decay tuning. Emotions absent here
// fall back to defaultProfile.
var profiles = map[Type]Profile{
	Joy:            {BaseRate: 1.0, HalfLife: 45 * time.Minute, MinPersistence: 0.2, Resilience: 0.4, ContextSensitivity: 0.6},
	Distress:       {BaseRate: 0.8, HalfLife: 90 * time.Minute, MinPersistence: 0.3, Resilience: 0.6, ContextSensitivity: 0.5},
	Hope:           {BaseRate: 0.9, HalfLife: 60 * time.Minute, MinPersistence: 0.2, Resilience: 0.5, ContextSensitivity: 0.7},
	Fear:           {BaseRate: 1.2, HalfLife: 30 * time.Minute, MinPersistence: 0.3, Resilience: 0.7, ContextSensitivity: 0.8},
	Relief:         {BaseRate: 1.4, HalfLife: 20 * time.Minute, MinPersistence: 0.1, Resilience: 0.2, ContextSensitivity: 0.4},
	Disappointment: {BaseRate: 0.9, HalfLife: 70 * time.Minute, MinPersistence: 0.2, Resilience: 0.5, ContextSensitivity: 0.5},
	Pride:          {BaseRate: 0.8, HalfLife: 80 * time.Minute, MinPersistence: 0.2, Resilience: 0.4, ContextSensitivity: 0.4},
	Shame:          {BaseRate: 0.7, HalfLife: 120 * time.Minute, MinPersistence: 0.4, Resilience: 0.6, ContextSensitivity: 0.5},
	Admiration:     {BaseRate: 1.1, HalfLife: 40 * time.Minute, MinPersistence: 0.1, Resilience: 0.3, ContextSensitivity: 0.5},
	Reproach:       {BaseRate: 1.0, HalfLife: 50 * time.Minute, MinPersistence: 0.2, Resilience: 0.5, ContextSensitivity: 0.5},
	Gratitude:      {BaseRate: 1.0, HalfLife: 55 * time.Minute, MinPersistence: 0.2, Resilience: 0.3, ContextSensitivity: 0.5},
	Anger:          {BaseRate: 1.1, HalfLife: 45 * time.Minute, MinPersistence: 0.3, Resilience: 0.7, ContextSensitivity: 0.7},
	Love:           {BaseRate: 0.5, HalfLife: 240 * time.Minute, MinPersistence: 0.5, Resilience: 0.8, ContextSensitivity: 0.3},
	Hate:           {BaseRate: 0.6, HalfLife: 180 * time.Minute, MinPersistence: 0.4, Resilience: 0.8, ContextSensitivity: 0.4},
}

var defaultProfile = Profile{
	BaseRate: 1.0, HalfLife: time.Hour, MinPersistence: 0.2,
	Resilience: 0.5, ContextSensitivity: 0.5,
}

func profileFor(t Type) Profile {
	if p, ok := profiles[t]; ok {
		return p
	}
	return defaultProfile
}

// ActiveEmotion is one currently-held emotion with its intensity.
type ActiveEmotion struct {
	Type      Type      `json:"type"`
	Intensity float64   `json:"intensity"`
	UpdatedAt time.Time `json:"updated_at"`
}

// State is the persisted per-session emotional snapshot.
type State struct {
	SessionID          string          `json:"session_id"`
	Primary            Type            `json:"primary"`
	PrimaryIntensity   float64         `json:"primary_intensity"`
	Secondary          Type            `json:"secondary,omitempty"`
	SecondaryIntensity float64         `json:"secondary_intensity,omitempty"`
	Overall            float64         `json:"overall"`
	Active             []ActiveEmotion `json:"active,omitempty"`
	Appraisal          json.RawMessage `json:"appraisal,omitempty"`
	Trigger            json.RawMessage `json:"trigger,omitempty"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// Stimulus is one input to the emotion pipeline.
type Stimulus struct {
	SessionID string          `json:"session_id"`
	Text      string          `json:"text"`
	Valence   float64         `json:"valence"`   // -10..+10
	Intensity float64         `json:"intensity"` // 0..100
	Context   json.RawMessage `json:"context,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// ContextFactors modulate decay rates per tick.
type ContextFactors struct {
	UserPresent         bool    `json:"user_present"`
	UserEngaged         bool    `json:"user_engaged"`
	ActivityLevel       float64 `json:"activity_level"`       // 0..1
	EnvironmentalStress float64 `json:"environmental_stress"` // 0..1
	SocialSupport       float64 `json:"social_support"`       // 0..1
	Hour                int     `json:"hour"`                 // 0..23 local
}

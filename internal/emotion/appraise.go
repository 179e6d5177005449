package emotion

import "context"

// Appraisal is the structured OCC classification of one stimulus.
type Appraisal struct {
	EventOutcome    string             `json:"event_outcome,omitempty"`
	AgentAction     string             `json:"agent_action,omitempty"`
	ObjectAttribute string             `json:"object_attribute,omitempty"`
	Emotions        []AppraisedEmotion `json:"emotions"`
}

// AppraisedEmotion is one emotion the appraiser derived, constrained
// to the taxonomy.
type AppraisedEmotion struct {
	Type      Type    `json:"type"`
	Intensity float64 `json:"intensity"`
	Reason    string  `json:"reason,omitempty"`
}

// Appraiser classifies a stimulus along the OCC dimensions. The
// concrete implementation delegates to an LLM helper.
type Appraiser interface {
	Appraise(ctx context.Context, stim Stimulus) (*Appraisal, error)
}

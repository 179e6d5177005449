// Package llm adapts the agent runtime into the small helper
// interfaces the core consumes: summarization, natural-language
// schedule parsing, and OCC appraisal. Each call runs a one-shot lean
// session so no personality context leaks into helper output.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dere/dere/internal/agent/runtime"
	"github.com/dere/dere/internal/common/errors"
	"github.com/dere/dere/internal/common/logger"
	"github.com/dere/dere/internal/emotion"
	"github.com/dere/dere/internal/session"
)

const oneShotTimeout = 2 * time.Minute

// SessionRunner is the slice of the session service the helpers use.
type SessionRunner interface {
	CreateSession(ctx context.Context, cfg session.Config) (*session.Session, error)
	Query(ctx context.Context, sessionID, prompt string) (<-chan runtime.StreamEvent, error)
	CloseSession(ctx context.Context, sessionID string) error
}

// Client implements mission.Summarizer, mission.ScheduleParser, and
// emotion.Appraiser over one-shot sessions.
type Client struct {
	runner     SessionRunner
	workingDir string
	model      string
	logger     *logger.Logger
}

// NewClient creates the LLM helper client.
func NewClient(runner SessionRunner, workingDir, model string, log *logger.Logger) *Client {
	return &Client{
		runner:     runner,
		workingDir: workingDir,
		model:      model,
		logger:     log.WithFields(zap.String("component", "llm-helper")),
	}
}

// runOnce spawns a lean session, sends one prompt, and returns the
// accumulated text output.
func (c *Client) runOnce(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, oneShotTimeout)
	defer cancel()

	sess, err := c.runner.CreateSession(ctx, session.Config{
		WorkingDir: c.workingDir,
		Model:      c.model,
		LeanMode:   true,
	})
	if err != nil {
		return "", errors.Runtime("failed to spawn helper session", err)
	}
	defer func() {
		if err := c.runner.CloseSession(context.Background(), sess.ID); err != nil {
			c.logger.Warn("failed to close helper session", zap.Error(err))
		}
	}()

	events, err := c.runner.Query(ctx, sess.ID, prompt)
	if err != nil {
		return "", errors.Runtime("helper query failed", err)
	}

	var out strings.Builder
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return "", errors.Runtime("helper stream ended unexpectedly", nil)
			}
			switch ev.Kind {
			case runtime.EventText:
				if ev.Text != nil {
					out.WriteString(ev.Text.Text)
				}
			case runtime.EventError:
				if ev.Error != nil {
					return "", errors.Runtime("helper error: "+ev.Error.Message, nil)
				}
			case runtime.EventDone:
				return out.String(), nil
			case runtime.EventCancelled:
				return "", errors.Runtime("helper query cancelled", nil)
			}
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// extractJSON pulls the first JSON object out of helper output,
// tolerating fenced blocks and surrounding prose.
func extractJSON(raw string, v any) error {
	if start := strings.Index(raw, "```json"); start >= 0 {
		rest := raw[start+len("```json"):]
		if end := strings.Index(rest, "```"); end >= 0 {
			raw = rest[:end]
		}
	}
	idx := strings.Index(raw, "{")
	if idx < 0 {
		return fmt.Errorf("no JSON object in helper output")
	}
	dec := json.NewDecoder(strings.NewReader(raw[idx:]))
	return dec.Decode(v)
}

// Summarize produces a one-sentence summary of a long text.
func (c *Client) Summarize(ctx context.Context, text string) (string, error) {
	prompt := "Summarize the following output in one sentence. Reply with the sentence only.\n\n" + text
	out, err := c.runOnce(ctx, prompt)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// ParseSchedule turns a natural-language schedule into a five-field
// cron expression plus an IANA timezone.
func (c *Client) ParseSchedule(ctx context.Context, natural string) (string, string, error) {
	prompt := fmt.Sprintf(`Convert this schedule description into a five-field cron expression.
Reply with JSON only: {"cron": "<expr>", "timezone": "<IANA zone or UTC>"}.

Schedule: %s`, natural)

	out, err := c.runOnce(ctx, prompt)
	if err != nil {
		return "", "", err
	}

	var parsed struct {
		Cron     string `json:"cron"`
		Timezone string `json:"timezone"`
	}
	if err := extractJSON(out, &parsed); err != nil {
		return "", "", errors.Validation(fmt.Sprintf("unparseable schedule response: %v", err))
	}
	if parsed.Timezone == "" {
		parsed.Timezone = "UTC"
	}
	return parsed.Cron, parsed.Timezone, nil
}

// Appraise classifies a stimulus along the OCC dimensions.
func (c *Client) Appraise(ctx context.Context, stim emotion.Stimulus) (*emotion.Appraisal, error) {
	prompt := fmt.Sprintf(`Appraise this stimulus using the OCC model.
Reply with JSON only:
{"event_outcome": "...", "agent_action": "...", "object_attribute": "...",
 "emotions": [{"type": "<occ emotion>", "intensity": 0-100, "reason": "..."}]}
Allowed emotion types: joy, distress, hope, fear, relief, disappointment,
pride, shame, admiration, reproach, gratitude, anger, love, hate.

Stimulus (valence %.1f, intensity %.1f): %s`, stim.Valence, stim.Intensity, stim.Text)

	out, err := c.runOnce(ctx, prompt)
	if err != nil {
		return nil, err
	}

	var appraisal emotion.Appraisal
	if err := extractJSON(out, &appraisal); err != nil {
		return nil, errors.Runtime("unparseable appraisal response", err)
	}

	valid := appraisal.Emotions[:0]
	for _, e := range appraisal.Emotions {
		if e.Type.Valid() && e.Type != emotion.Neutral {
			valid = append(valid, e)
		}
	}
	appraisal.Emotions = valid
	return &appraisal, nil
}

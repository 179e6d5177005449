package mission

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dere/dere/internal/agent/runtime"
	"github.com/dere/dere/internal/common/logger"
	"github.com/dere/dere/internal/session"
)

const (
	// Output is capped so a chatty agent cannot bloat the row.
	outputByteCap = 50 * 1024

	// Outputs above this size get a one-sentence summary.
	summaryThreshold = 600
)

// AgentRunner is the slice of the session service the executor needs.
type AgentRunner interface {
	CreateSession(ctx context.Context, cfg session.Config) (*session.Session, error)
	Query(ctx context.Context, sessionID, prompt string) (<-chan runtime.StreamEvent, error)
	CloseSession(ctx context.Context, sessionID string) error
}

// Executor runs one mission to completion through a lean agent session.
type Executor struct {
	repo       Repository
	runner     AgentRunner
	summarizer Summarizer
	logger     *logger.Logger
}

// NewExecutor creates a mission executor. summarizer may be nil; long
// outputs then go unsummarized.
func NewExecutor(repo Repository, runner AgentRunner, summarizer Summarizer, log *logger.Logger) *Executor {
	return &Executor{
		repo:       repo,
		runner:     runner,
		summarizer: summarizer,
		logger:     log.WithFields(zap.String("component", "mission-executor")),
	}
}

// Execute runs the mission and records a MissionExecution. Failures are
// captured on the execution row; the returned error is reserved for
// store failures that prevented recording anything.
func (e *Executor) Execute(ctx context.Context, m *Mission, trigger TriggerKind, triggeredBy string) (*MissionExecution, error) {
	log := e.logger.WithMissionID(m.ID)

	exec := &MissionExecution{
		ID:          uuid.NewString(),
		MissionID:   m.ID,
		Trigger:     trigger,
		TriggeredBy: triggeredBy,
		Status:      ExecutionRunning,
		StartedAt:   time.Now().UTC(),
	}
	if err := e.repo.CreateExecution(ctx, exec); err != nil {
		return nil, err
	}

	defer func() {
		if p := recover(); p != nil {
			e.fail(exec, fmt.Sprintf("panic during execution: %v", p))
			log.Error("mission execution panicked", zap.Any("panic", p))
		}
	}()

	output, toolUses, runErr := e.run(ctx, m)
	exec.ToolUseCount = toolUses
	exec.Output = capOutput(output)

	if runErr != nil {
		e.fail(exec, runErr.Error())
		log.Warn("mission execution failed", zap.Error(runErr))
		return exec, nil
	}

	if e.summarizer != nil && len(exec.Output) > summaryThreshold {
		summary, err := e.summarizer.Summarize(ctx, exec.Output)
		if err != nil {
			log.Warn("summary generation failed", zap.Error(err))
		} else {
			exec.Summary = summary
		}
	}

	now := time.Now().UTC()
	exec.Status = ExecutionCompleted
	exec.CompletedAt = &now
	if err := e.repo.UpdateExecution(context.Background(), exec); err != nil {
		log.Error("failed to persist execution result", zap.Error(err))
	}
	log.Info("mission executed",
		zap.String("execution_id", exec.ID),
		zap.Int("tool_uses", toolUses),
		zap.Int("output_bytes", len(exec.Output)))
	return exec, nil
}

// run spawns the lean session, sends the prompt, and accumulates the
// stream until a terminal event.
func (e *Executor) run(ctx context.Context, m *Mission) (string, int, error) {
	sess, err := e.runner.CreateSession(ctx, session.Config{
		WorkingDir:   m.WorkingDir,
		Personality:  m.Personality,
		Model:        m.Model,
		AllowedTools: m.AllowedTools,
		Sandbox:      m.Sandbox,
		LeanMode:     true,
	})
	if err != nil {
		return "", 0, err
	}
	defer func() {
		if err := e.runner.CloseSession(context.Background(), sess.ID); err != nil {
			e.logger.WithSessionID(sess.ID).Warn("failed to close mission session", zap.Error(err))
		}
	}()

	events, err := e.runner.Query(ctx, sess.ID, m.Prompt)
	if err != nil {
		return "", 0, err
	}

	var output strings.Builder
	toolUses := 0
	var termErr error
	for ev := range events {
		switch ev.Kind {
		case runtime.EventText:
			if ev.Text != nil {
				output.WriteString(ev.Text.Text)
			}
		case runtime.EventToolUse:
			toolUses++
		case runtime.EventError:
			if ev.Error != nil {
				termErr = fmt.Errorf("agent error: %s", ev.Error.Message)
			}
		case runtime.EventDone:
			return output.String(), toolUses, termErr
		case runtime.EventCancelled:
			return output.String(), toolUses, fmt.Errorf("execution cancelled")
		}
	}
	if termErr == nil {
		termErr = fmt.Errorf("agent stream ended without done")
	}
	return output.String(), toolUses, termErr
}

func (e *Executor) fail(exec *MissionExecution, msg string) {
	now := time.Now().UTC()
	exec.Status = ExecutionFailed
	exec.Error = msg
	exec.CompletedAt = &now
	if err := e.repo.UpdateExecution(context.Background(), exec); err != nil {
		e.logger.Error("failed to persist failed execution", zap.Error(err))
	}
}

func capOutput(s string) string {
	if len(s) <= outputByteCap {
		return s
	}
	return s[:outputByteCap]
}

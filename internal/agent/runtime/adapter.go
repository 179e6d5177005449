// Package runtime launches and controls external LLM agent subprocesses.
// One adapter instance corresponds to one agent session. The child speaks
// newline-delimited JSON on stdin/stdout.
package runtime

import (
	"context"

	"github.com/dere/dere/internal/common/logger"
)

// Config describes how to spawn one agent subprocess.
type Config struct {
	Binary       string
	Args         []string
	WorkingDir   string
	Env          []string // KEY=VALUE pairs appended to the daemon environment
	ResumeID     string   // external session id to resume, if any
	Model        string
	AllowedTools []string

	// SandboxPrefix, when non-empty, is prepended to the argv so the
	// child runs inside a container (e.g. ["docker","run","-i","--rm",...]).
	SandboxPrefix []string
}

// Adapter is the control surface of one agent subprocess.
type Adapter interface {
	// Start spawns the child and blocks until it reports ready or the
	// context expires.
	Start(ctx context.Context) error

	// Query writes a query command carrying the prompt. Events stream on
	// Events() until a terminal done or error.
	Query(prompt string) error

	// CancelQuery asks the child to abandon the in-flight query. The
	// child answers with a cancelled event; the session stays usable.
	CancelQuery() error

	// Close asks the child to exit, waits for a grace period, then
	// terminates it. The Events channel is closed once the child is gone.
	Close(ctx context.Context) error

	// Events returns the stream of child events. Closed on child exit.
	// Events carry Seq 0; sequencing is the session service's job.
	Events() <-chan StreamEvent

	// ExternalSessionID returns the runtime's own session identifier
	// reported in the ready event, or empty before Start completes.
	ExternalSessionID() string
}

// Factory builds adapters. The session service receives a factory rather
// than constructing processes itself so tests can substitute fakes.
type Factory func(cfg Config, log *logger.Logger) Adapter

// NewProcessFactory returns the production factory spawning real
// subprocesses.
func NewProcessFactory() Factory {
	return func(cfg Config, log *logger.Logger) Adapter {
		return NewProcessAdapter(cfg, log)
	}
}

package server

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/dere/dere/internal/bond"
	"github.com/dere/dere/internal/common/errors"
	"github.com/dere/dere/internal/common/logger"
	"github.com/dere/dere/internal/coremem"
	"github.com/dere/dere/internal/emotion"
)

// ContextComposite assembles the context block injected into the first
// message of a non-lean session: core memory, bond, and emotional
// state. Each subsystem is best-effort; a failing one is logged and
// skipped so session creation never blocks on context.
type ContextComposite struct {
	bond    *bond.Manager
	emotion *emotion.Manager
	memory  *coremem.Service
	logger  *logger.Logger
}

// NewContextComposite creates the composite context provider.
func NewContextComposite(b *bond.Manager, e *emotion.Manager, m *coremem.Service,
	log *logger.Logger) *ContextComposite {
	return &ContextComposite{
		bond:    b,
		emotion: e,
		memory:  m,
		logger:  log.WithFields(zap.String("component", "context-provider")),
	}
}

// ContextBlock renders the injected prefix. An empty string means
// nothing to inject.
func (c *ContextComposite) ContextBlock(ctx context.Context, userID, sessionID string) (string, error) {
	var parts []string

	if userID != "" {
		if block, err := c.memory.ContextBlock(ctx, coremem.Scope{UserID: userID}); err == nil && block != "" {
			parts = append(parts, strings.TrimRight(block, "\n"))
		} else if err != nil {
			c.logger.Warn("core memory context failed", zap.Error(err))
		}

		if state, err := c.bond.Get(ctx, userID); err == nil {
			parts = append(parts, fmt.Sprintf("Bond: affection %.0f (%s), streak %d days.",
				state.Affection, state.Trend, state.StreakDays))
		} else {
			c.logger.Warn("bond context failed", zap.Error(err))
		}
	}

	if sessionID != "" {
		if block, err := c.memory.ContextBlock(ctx, coremem.Scope{SessionID: sessionID}); err == nil && block != "" {
			parts = append(parts, strings.TrimRight(block, "\n"))
		} else if err != nil && !errors.IsNotFound(err) {
			c.logger.Warn("session memory context failed", zap.Error(err))
		}

		if summary, err := c.emotion.Summary(ctx, sessionID); err == nil && summary != "" {
			parts = append(parts, summary)
		} else if err != nil {
			c.logger.Warn("emotion context failed", zap.Error(err))
		}
	}

	return strings.Join(parts, "\n"), nil
}

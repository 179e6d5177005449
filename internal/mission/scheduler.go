package mission

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/dere/dere/internal/common/logger"
)

// Scheduler is the background loop that fires due missions. Due
// missions execute serially within a tick; one mission's failure does
// not stop the next.
type Scheduler struct {
	repo     Repository
	executor *Executor
	tick     time.Duration
	logger   *logger.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler creates the mission scheduler.
func NewScheduler(repo Repository, executor *Executor, tick time.Duration, log *logger.Logger) *Scheduler {
	if tick <= 0 {
		tick = time.Minute
	}
	return &Scheduler{
		repo:     repo,
		executor: executor,
		tick:     tick,
		logger:   log.WithFields(zap.String("component", "mission-scheduler")),
	}
}

// Start launches the tick loop.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.tick)
		defer ticker.Stop()

		s.logger.Info("mission scheduler started", zap.Duration("tick", s.tick))
		for {
			select {
			case <-ctx.Done():
				s.logger.Info("mission scheduler stopped")
				return
			case <-ticker.C:
				s.runTick(ctx)
			}
		}
	}()
}

// Stop cancels the loop and waits for the current tick to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

// runTick executes every due mission serially, then advances each
// mission's schedule from the current instant. Errors are contained
// per mission so a bad record cannot stall the loop.
func (s *Scheduler) runTick(ctx context.Context) {
	now := time.Now().UTC()
	due, err := s.repo.ListDue(ctx, now)
	if err != nil {
		s.logger.Error("failed to list due missions", zap.Error(err))
		return
	}

	for _, m := range due {
		if ctx.Err() != nil {
			return
		}
		log := s.logger.WithMissionID(m.ID)

		if _, err := s.executor.Execute(ctx, m, TriggerScheduled, "scheduler"); err != nil {
			log.Error("mission execution errored", zap.Error(err))
		}

		fireTime := time.Now().UTC()
		next, err := NextOccurrence(m.CronExpr, m.Timezone, fireTime)
		if err != nil {
			log.Error("cannot compute next fire time", zap.Error(err))
			continue
		}
		if err := s.repo.AdvanceSchedule(ctx, m.ID, next, fireTime); err != nil {
			log.Error("failed to advance schedule", zap.Error(err))
			continue
		}
		log.Debug("mission schedule advanced", zap.Time("next", next))
	}
}

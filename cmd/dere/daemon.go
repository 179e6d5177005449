package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dere/dere/internal/agent/runtime"
	"github.com/dere/dere/internal/agent/sandbox"
	"github.com/dere/dere/internal/bond"
	"github.com/dere/dere/internal/common/config"
	"github.com/dere/dere/internal/common/database"
	"github.com/dere/dere/internal/common/logger"
	"github.com/dere/dere/internal/coremem"
	"github.com/dere/dere/internal/emotion"
	"github.com/dere/dere/internal/events/bus"
	wsgateway "github.com/dere/dere/internal/gateway/websocket"
	"github.com/dere/dere/internal/llm"
	"github.com/dere/dere/internal/mission"
	"github.com/dere/dere/internal/notification"
	"github.com/dere/dere/internal/rareevent"
	"github.com/dere/dere/internal/server"
	"github.com/dere/dere/internal/session"
	"github.com/dere/dere/internal/swarm"
	"github.com/dere/dere/internal/workqueue"
)

// runDaemon brings every subsystem up in dependency order, serves
// until SIGINT/SIGTERM, and tears down in reverse.
func runDaemon() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	logger.SetDefault(log)
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Store.
	db, err := database.NewDB(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer db.Close()

	// Event bus.
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		eventBus, err = bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
	} else {
		eventBus = bus.NewMemoryEventBus(log)
	}
	defer eventBus.Close()

	// Sandbox (nil manager when disabled).
	sandboxMgr, err := sandbox.NewManager(cfg.Sandbox, log)
	if err != nil {
		return fmt.Errorf("init sandbox: %w", err)
	}
	if err := sandboxMgr.EnsureImage(ctx); err != nil {
		return fmt.Errorf("ensure sandbox image: %w", err)
	}

	// Session service.
	sessionSvc := session.NewService(session.NewPostgresRepository(db),
		runtime.NewProcessFactory(), eventBus, sandboxMgr, cfg.Agent, log)

	// LLM helpers run one-shot sessions through the same service.
	helper := llm.NewClient(sessionSvc, cfg.Agent.DefaultWorkingDir, cfg.Agent.DefaultModel, log)

	// Personality subsystems.
	bondMgr := bond.NewManager(bond.NewPostgresRepository(db), log)
	emotionMgr := emotion.NewManager(emotion.NewPostgresRepository(db), helper, log)
	memorySvc := coremem.NewService(coremem.NewPostgresRepository(db), log)
	sessionSvc.SetContextProvider(server.NewContextComposite(bondMgr, emotionMgr, memorySvc, log))

	// Work queue.
	queueSvc := workqueue.NewService(workqueue.NewPostgresRepository(db), eventBus, log)

	// Missions.
	missionRepo := mission.NewPostgresRepository(db)
	executor := mission.NewExecutor(missionRepo, sessionSvc, helper, log)
	missionSvc := mission.NewService(missionRepo, executor, helper, eventBus, log)
	scheduler := mission.NewScheduler(missionRepo, executor, cfg.Scheduler.TickIntervalDuration(), log)

	// Swarms.
	coordinator := swarm.NewCoordinator(swarm.NewPostgresRepository(db),
		sessionSvc, swarm.NewExecGitRunner(), eventBus, log)

	// Rare events and notifications.
	notifySvc := notification.NewService(notification.NewPostgresRepository(db), eventBus, log)
	dashboards := server.NewDashboardProvider(bondMgr, emotionMgr, sessionSvc, log)
	generator := rareevent.NewGenerator(rareevent.NewPostgresRepository(db),
		dashboards, dashboards, notifySvc, eventBus, rareevent.Options{
			Interval: cfg.RareEvent.IntervalDuration(),
			Cooldown: cfg.RareEvent.CooldownDuration(),
			DailyCap: cfg.RareEvent.DailyCap,
		}, log)

	// HTTP and WebSocket facade.
	srv := server.New(cfg.Server, log,
		workqueue.NewHandlers(queueSvc),
		mission.NewHandlers(missionSvc),
		swarm.NewHandlers(coordinator),
		coremem.NewHandlers(memorySvc),
		rareevent.NewHandlers(generator, dashboards),
		wsgateway.NewHandler(sessionSvc, log),
	)

	scheduler.Start(ctx)
	generator.Start()
	log.Info("dere daemon started", zap.Int("port", cfg.Server.Port))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("http shutdown failed", zap.Error(err))
		}
		generator.Stop()
		scheduler.Stop()
		sessionSvc.Shutdown(shutdownCtx)
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("dere daemon stopped")
	return nil
}

package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dere/dere/internal/agent/runtime"
	"github.com/dere/dere/internal/agent/sandbox"
	"github.com/dere/dere/internal/common/config"
	"github.com/dere/dere/internal/common/errors"
	"github.com/dere/dere/internal/common/logger"
	"github.com/dere/dere/internal/events/bus"
)

// ContextProvider builds the context block injected as a prefix of the
// first user message of a non-lean session. Wired from the bond,
// emotion, and core-memory subsystems at assembly time.
type ContextProvider interface {
	ContextBlock(ctx context.Context, userID, sessionID string) (string, error)
}

// Service owns the registry of live sessions. Per-session operations
// are serialized on the session's own mutex; the registry lock only
// guards map mutation.
type Service struct {
	repo      Repository
	factory   runtime.Factory
	eventBus  bus.EventBus
	sandbox   *sandbox.Manager
	agentCfg  config.AgentConfig
	logger    *logger.Logger
	contextFn ContextProvider

	mu      sync.RWMutex
	running map[string]*runningSession
}

// NewService creates the session service. sandboxMgr may be nil when
// sandboxing is disabled.
func NewService(repo Repository, factory runtime.Factory, eventBus bus.EventBus,
	sandboxMgr *sandbox.Manager, agentCfg config.AgentConfig, log *logger.Logger) *Service {
	return &Service{
		repo:     repo,
		factory:  factory,
		eventBus: eventBus,
		sandbox:  sandboxMgr,
		agentCfg: agentCfg,
		logger:   log.WithFields(zap.String("component", "session-service")),
		running:  make(map[string]*runningSession),
	}
}

// SetContextProvider installs the context-injection hook. Passed after
// construction because the providers themselves need the store the
// service shares.
func (s *Service) SetContextProvider(p ContextProvider) {
	s.contextFn = p
}

// runningSession is the live state of one session.
type runningSession struct {
	id      string
	config  Config
	adapter runtime.Adapter
	replay  *replayBuffer

	// opMu serializes operations against the adapter; the child
	// process is single-threaded.
	opMu sync.Mutex

	subMu       sync.Mutex
	nextSeq     uint64
	subscribers map[string]chan runtime.StreamEvent

	pendingContext string
	closeOnce      sync.Once
}

// dispatch assigns the next sequence number, records the event in the
// replay buffer, and fans it out. A subscriber that cannot keep up has
// its channel closed; it must resubscribe and recover via replay.
func (rs *runningSession) dispatch(ev runtime.StreamEvent) runtime.StreamEvent {
	rs.subMu.Lock()
	rs.nextSeq++
	ev.Seq = rs.nextSeq
	rs.replay.Append(ev)

	var stalled []string
	for id, ch := range rs.subscribers {
		select {
		case ch <- ev:
		default:
			stalled = append(stalled, id)
		}
	}
	for _, id := range stalled {
		close(rs.subscribers[id])
		delete(rs.subscribers, id)
	}
	rs.subMu.Unlock()
	return ev
}

func (rs *runningSession) subscribe(buffer int) (string, <-chan runtime.StreamEvent) {
	ch := make(chan runtime.StreamEvent, buffer)
	id := uuid.NewString()
	rs.subMu.Lock()
	rs.subscribers[id] = ch
	rs.subMu.Unlock()
	return id, ch
}

func (rs *runningSession) unsubscribe(id string) {
	rs.subMu.Lock()
	if ch, ok := rs.subscribers[id]; ok {
		delete(rs.subscribers, id)
		close(ch)
	}
	rs.subMu.Unlock()
}

func (rs *runningSession) closeSubscribers() {
	rs.subMu.Lock()
	for id, ch := range rs.subscribers {
		delete(rs.subscribers, id)
		close(ch)
	}
	rs.subMu.Unlock()
}

// CreateSession allocates a session row, spawns the agent, and waits
// for it to report ready. Unless lean mode is set, the next query will
// carry an injected context block.
func (s *Service) CreateSession(ctx context.Context, cfg Config) (*Session, error) {
	if cfg.WorkingDir == "" {
		cfg.WorkingDir = s.agentCfg.DefaultWorkingDir
	}
	if cfg.Model == "" {
		cfg.Model = s.agentCfg.DefaultModel
	}

	now := time.Now().UTC()
	sess := &Session{
		ID:              uuid.NewString(),
		WorkingDir:      cfg.WorkingDir,
		Personality:     cfg.Personality,
		Medium:          cfg.Medium,
		UserID:          cfg.UserID,
		ParentSessionID: cfg.ParentSessionID,
		StartedAt:       now,
		LastActivityAt:  now,
	}
	if err := s.repo.CreateSession(ctx, sess); err != nil {
		return nil, err
	}

	rs, err := s.spawn(ctx, sess, cfg, "")
	if err != nil {
		_ = s.repo.EndSession(context.Background(), sess.ID, time.Now().UTC())
		return nil, err
	}

	sess.ExternalID = rs.adapter.ExternalSessionID()
	if sess.ExternalID != "" {
		_ = s.repo.SetExternalID(ctx, sess.ID, sess.ExternalID)
	}

	if !cfg.LeanMode && s.contextFn != nil {
		block, err := s.contextFn.ContextBlock(ctx, cfg.UserID, sess.ID)
		if err != nil {
			s.logger.WithSessionID(sess.ID).Warn("context injection failed", zap.Error(err))
		} else {
			rs.pendingContext = block
		}
	}

	s.publish(sess.ID, "session.created", map[string]any{"working_dir": cfg.WorkingDir})
	return sess, nil
}

// ResumeSession attaches a fresh adapter bound to the stored external
// session identifier. Returns false when the external runtime cannot
// resume the conversation.
func (s *Service) ResumeSession(ctx context.Context, sessionID string) (bool, error) {
	s.mu.RLock()
	_, alive := s.running[sessionID]
	s.mu.RUnlock()
	if alive {
		return true, nil
	}

	sess, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if sess.ExternalID == "" {
		return false, nil
	}

	cfg := Config{
		WorkingDir:  sess.WorkingDir,
		Personality: sess.Personality,
		Medium:      sess.Medium,
		UserID:      sess.UserID,
		LeanMode:    true, // context was injected on the original create
	}
	if _, err := s.spawn(ctx, sess, cfg, sess.ExternalID); err != nil {
		s.logger.WithSessionID(sessionID).Warn("resume failed", zap.Error(err))
		return false, nil
	}

	_ = s.repo.TouchSession(ctx, sessionID, time.Now().UTC())
	s.publish(sessionID, "session.resumed", nil)
	return true, nil
}

// spawn starts the adapter, registers the running session, and starts
// its event pump.
func (s *Service) spawn(ctx context.Context, sess *Session, cfg Config, resumeID string) (*runningSession, error) {
	rcfg := runtime.Config{
		Binary:       s.agentCfg.Binary,
		Args:         s.agentCfg.Args,
		WorkingDir:   cfg.WorkingDir,
		Model:        cfg.Model,
		AllowedTools: cfg.AllowedTools,
		ResumeID:     resumeID,
		Env: append(append([]string{}, cfg.Env...),
			"DERE_SESSION_ID="+sess.ID),
	}
	if cfg.Sandbox {
		rcfg.SandboxPrefix = s.sandbox.Prefix(cfg.WorkingDir)
	}

	adapter := s.factory(rcfg, s.logger.WithSessionID(sess.ID))

	startCtx, cancel := context.WithTimeout(ctx, s.agentCfg.ReadyTimeoutDuration())
	defer cancel()
	if err := adapter.Start(startCtx); err != nil {
		return nil, errors.Runtime("agent failed to start", err)
	}

	rs := &runningSession{
		id:          sess.ID,
		config:      cfg,
		adapter:     adapter,
		replay:      newReplayBuffer(s.agentCfg.ReplayBufferSize),
		subscribers: make(map[string]chan runtime.StreamEvent),
	}

	s.mu.Lock()
	s.running[sess.ID] = rs
	s.mu.Unlock()

	go s.pump(rs)
	return rs, nil
}

// pump is the single reader of the adapter's event channel. It runs
// until the child exits, then tears the session down.
func (s *Service) pump(rs *runningSession) {
	log := s.logger.WithSessionID(rs.id)
	for ev := range rs.adapter.Events() {
		seqEv := rs.dispatch(ev)
		s.publish(rs.id, "session.event", map[string]any{
			"kind": string(seqEv.Kind),
			"seq":  seqEv.Seq,
		})

		if ev.Kind == runtime.EventError && ev.Error != nil && !ev.Error.Recoverable {
			log.Error("non-recoverable agent error", zap.String("message", ev.Error.Message))
			rs.closeOnce.Do(func() {
				go func() { _ = rs.adapter.Close(context.Background()) }()
			})
		}
	}

	s.mu.Lock()
	delete(s.running, rs.id)
	s.mu.Unlock()

	rs.closeSubscribers()
	_ = s.repo.EndSession(context.Background(), rs.id, time.Now().UTC())
	s.publish(rs.id, "session.closed", nil)
	log.Info("session ended")
}

// Query dispatches a prompt on the session and returns a channel of
// the resulting events, ending with a terminal done, cancelled, or
// non-recoverable error. Cancelling ctx cancels the in-flight query;
// other subscribers observe a synthetic cancelled event.
func (s *Service) Query(ctx context.Context, sessionID, prompt string) (<-chan runtime.StreamEvent, error) {
	rs := s.get(sessionID)
	if rs == nil {
		return nil, errors.NotFound("session", sessionID)
	}

	out := make(chan runtime.StreamEvent, 256)
	go func() {
		defer close(out)
		rs.opMu.Lock()
		defer rs.opMu.Unlock()

		full := prompt
		if rs.pendingContext != "" {
			full = rs.pendingContext + "\n\n" + prompt
			rs.pendingContext = ""
		}

		s.persistMessage(rs, RoleUser, prompt)

		subID, sub := rs.subscribe(256)
		defer rs.unsubscribe(subID)

		if err := rs.adapter.Query(full); err != nil {
			s.logger.WithSessionID(rs.id).Error("query dispatch failed", zap.Error(err))
			rs.dispatch(runtime.StreamEvent{
				Kind:      runtime.EventError,
				Timestamp: time.Now().UTC(),
				Error:     &runtime.ErrorPayload{Message: err.Error(), Recoverable: true},
			})
			return
		}

		var text strings.Builder
		for {
			select {
			case ev, ok := <-sub:
				if !ok {
					return
				}
				if ev.Kind == runtime.EventText && ev.Text != nil {
					text.WriteString(ev.Text.Text)
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					s.cancelInFlight(rs)
					return
				}
				if ev.IsTerminal() {
					if text.Len() > 0 {
						s.persistMessage(rs, RoleAssistant, text.String())
					}
					_ = s.repo.TouchSession(context.Background(), rs.id, time.Now().UTC())
					return
				}
			case <-ctx.Done():
				s.cancelInFlight(rs)
				return
			}
		}
	}()
	return out, nil
}

// cancelInFlight asks the child to abandon the current query and
// surfaces a synthetic cancelled event to the remaining subscribers.
func (s *Service) cancelInFlight(rs *runningSession) {
	if err := rs.adapter.CancelQuery(); err != nil {
		s.logger.WithSessionID(rs.id).Warn("cancel failed", zap.Error(err))
	}
	rs.dispatch(runtime.StreamEvent{
		Kind:      runtime.EventCancelled,
		Timestamp: time.Now().UTC(),
	})
}

// Subscribe returns the replay snapshot followed by a live channel.
// The returned cancel func detaches the subscriber.
func (s *Service) Subscribe(sessionID string) ([]runtime.StreamEvent, <-chan runtime.StreamEvent, func(), error) {
	rs := s.get(sessionID)
	if rs == nil {
		return nil, nil, nil, errors.NotFound("session", sessionID)
	}

	// Snapshot and registration happen under the same lock so the
	// replay prefix and the live range do not overlap or gap.
	rs.subMu.Lock()
	replay := rs.replay.Snapshot()
	ch := make(chan runtime.StreamEvent, 256)
	id := uuid.NewString()
	rs.subscribers[id] = ch
	rs.subMu.Unlock()

	cancel := func() { rs.unsubscribe(id) }
	return replay, ch, cancel, nil
}

// UpdateConfig merges mutable fields into the running session's
// configuration. Takes effect on the next respawn (resume).
func (s *Service) UpdateConfig(sessionID string, cfg Config) error {
	rs := s.get(sessionID)
	if rs == nil {
		return errors.NotFound("session", sessionID)
	}
	rs.opMu.Lock()
	defer rs.opMu.Unlock()
	if cfg.Model != "" {
		rs.config.Model = cfg.Model
	}
	if cfg.AllowedTools != nil {
		rs.config.AllowedTools = cfg.AllowedTools
	}
	if cfg.Personality != "" {
		rs.config.Personality = cfg.Personality
	}
	return nil
}

// CloseSession closes the adapter and persists the end time. The pump
// finishes the teardown when the child exits.
func (s *Service) CloseSession(ctx context.Context, sessionID string) error {
	rs := s.get(sessionID)
	if rs == nil {
		// Not running; persist the end time for a stale row.
		return s.repo.EndSession(ctx, sessionID, time.Now().UTC())
	}

	rs.opMu.Lock()
	defer rs.opMu.Unlock()
	var closeErr error
	rs.closeOnce.Do(func() {
		closeErr = rs.adapter.Close(ctx)
	})
	return closeErr
}

// GetSession returns the persisted session row.
func (s *Service) GetSession(ctx context.Context, id string) (*Session, error) {
	return s.repo.GetSession(ctx, id)
}

// ListSessions returns persisted sessions, newest first.
func (s *Service) ListSessions(ctx context.Context, activeOnly bool, limit, offset int) ([]*Session, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.repo.ListSessions(ctx, activeOnly, limit, offset)
}

// History returns the persisted conversation for a session.
func (s *Service) History(ctx context.Context, sessionID string, limit int) ([]*Conversation, error) {
	if limit <= 0 {
		limit = 200
	}
	return s.repo.ListConversation(ctx, sessionID, limit)
}

// IsRunning reports whether a session has a live adapter.
func (s *Service) IsRunning(sessionID string) bool {
	return s.get(sessionID) != nil
}

// Shutdown closes every running session. Called on daemon stop.
func (s *Service) Shutdown(ctx context.Context) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.running))
	for id := range s.running {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	for _, id := range ids {
		if err := s.CloseSession(ctx, id); err != nil {
			s.logger.WithSessionID(id).Warn("close on shutdown failed", zap.Error(err))
		}
	}
}

func (s *Service) get(sessionID string) *runningSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running[sessionID]
}

func (s *Service) persistMessage(rs *runningSession, role, text string) {
	c := &Conversation{
		ID:        uuid.NewString(),
		SessionID: rs.id,
		Role:      role,
		Text:      text,
		Medium:    rs.config.Medium,
		UserID:    rs.config.UserID,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.repo.AppendConversation(context.Background(), c); err != nil {
		s.logger.WithSessionID(rs.id).Warn("failed to persist message",
			zap.String("role", role), zap.Error(err))
	}
}

func (s *Service) publish(sessionID, eventType string, data map[string]any) {
	if s.eventBus == nil {
		return
	}
	subject := fmt.Sprintf("session.%s.events", sessionID)
	ev := bus.NewEvent(eventType, "session-service", data)
	if err := s.eventBus.Publish(context.Background(), subject, ev); err != nil {
		s.logger.Debug("event publish failed",
			zap.String("subject", subject), zap.Error(err))
	}
}

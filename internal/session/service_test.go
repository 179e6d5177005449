package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dere/dere/internal/agent/runtime"
	"github.com/dere/dere/internal/common/config"
	"github.com/dere/dere/internal/common/errors"
	"github.com/dere/dere/internal/common/logger"
)

// fakeAdapter echoes every prompt as one text event followed by done.
type fakeAdapter struct {
	mu       sync.Mutex
	events   chan runtime.StreamEvent
	prompts  []string
	external string
	closed   bool
}

func newFakeAdapter(external string) *fakeAdapter {
	return &fakeAdapter{
		events:   make(chan runtime.StreamEvent, 32),
		external: external,
	}
}

func (f *fakeAdapter) Start(context.Context) error { return nil }

func (f *fakeAdapter) Query(prompt string) error {
	f.mu.Lock()
	f.prompts = append(f.prompts, prompt)
	f.mu.Unlock()
	f.events <- runtime.StreamEvent{
		Kind: runtime.EventText,
		Text: &runtime.TextPayload{Text: "echo: " + prompt},
	}
	f.events <- runtime.StreamEvent{
		Kind: runtime.EventDone,
		Done: &runtime.DonePayload{Turns: 1},
	}
	return nil
}

func (f *fakeAdapter) CancelQuery() error { return nil }

func (f *fakeAdapter) Close(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.events)
	}
	return nil
}

func (f *fakeAdapter) Events() <-chan runtime.StreamEvent { return f.events }
func (f *fakeAdapter) ExternalSessionID() string          { return f.external }

func (f *fakeAdapter) promptList() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.prompts...)
}

// fakeFactory hands out one adapter per spawn and records the runtime
// configs it saw.
type fakeFactory struct {
	mu       sync.Mutex
	adapters []*fakeAdapter
	configs  []runtime.Config
	external string
}

func (f *fakeFactory) factory() runtime.Factory {
	return func(cfg runtime.Config, _ *logger.Logger) runtime.Adapter {
		f.mu.Lock()
		defer f.mu.Unlock()
		a := newFakeAdapter(f.external)
		f.adapters = append(f.adapters, a)
		f.configs = append(f.configs, cfg)
		return a
	}
}

func (f *fakeFactory) last() *fakeAdapter {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.adapters[len(f.adapters)-1]
}

type staticContext struct{ block string }

func (s staticContext) ContextBlock(context.Context, string, string) (string, error) {
	return s.block, nil
}

func testAgentConfig() config.AgentConfig {
	return config.AgentConfig{
		Binary:           "dere-agent",
		ReadyTimeout:     5,
		ReplayBufferSize: 64,
	}
}

func newTestSessionService(external string) (*Service, *fakeFactory) {
	f := &fakeFactory{external: external}
	svc := NewService(NewMemoryRepository(), f.factory(), nil, nil, testAgentConfig(), logger.Default())
	return svc, f
}

func collect(t *testing.T, events <-chan runtime.StreamEvent) []runtime.StreamEvent {
	t.Helper()
	var out []runtime.StreamEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("timed out draining events")
		}
	}
}

func waitForEnded(t *testing.T, svc *Service, id string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if !svc.IsRunning(id) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("session did not end")
}

func TestCreateSessionAndQuery(t *testing.T) {
	svc, factory := newTestSessionService("ext-1")
	ctx := context.Background()

	sess, err := svc.CreateSession(ctx, Config{WorkingDir: "/work", UserID: "alice"})
	require.NoError(t, err)
	assert.Equal(t, "ext-1", sess.ExternalID)
	assert.True(t, svc.IsRunning(sess.ID))

	events, err := svc.Query(ctx, sess.ID, "hello")
	require.NoError(t, err)
	got := collect(t, events)
	require.Len(t, got, 2)
	assert.Equal(t, runtime.EventText, got[0].Kind)
	assert.Equal(t, "echo: hello", got[0].Text.Text)
	assert.Equal(t, runtime.EventDone, got[1].Kind)

	// Sequence numbers are assigned in order starting at one.
	assert.Equal(t, uint64(1), got[0].Seq)
	assert.Equal(t, uint64(2), got[1].Seq)

	// The session config reaches the adapter spawn.
	require.Len(t, factory.configs, 1)
	assert.Equal(t, "/work", factory.configs[0].WorkingDir)
	assert.Contains(t, factory.configs[0].Env, "DERE_SESSION_ID="+sess.ID)
}

func TestQueryUnknownSession(t *testing.T) {
	svc, _ := newTestSessionService("")
	_, err := svc.Query(context.Background(), "missing", "hi")
	assert.True(t, errors.IsNotFound(err))
}

func TestContextInjectedOnFirstQueryOnly(t *testing.T) {
	svc, factory := newTestSessionService("")
	svc.SetContextProvider(staticContext{block: "Core memory:\n[human] Night owl."})
	ctx := context.Background()

	sess, err := svc.CreateSession(ctx, Config{WorkingDir: "/work", UserID: "alice"})
	require.NoError(t, err)

	events, err := svc.Query(ctx, sess.ID, "hello")
	require.NoError(t, err)
	collect(t, events)

	events, err = svc.Query(ctx, sess.ID, "again")
	require.NoError(t, err)
	collect(t, events)

	prompts := factory.last().promptList()
	require.Len(t, prompts, 2)
	assert.Equal(t, "Core memory:\n[human] Night owl.\n\nhello", prompts[0])
	assert.Equal(t, "again", prompts[1])
}

func TestLeanModeSkipsContextInjection(t *testing.T) {
	svc, factory := newTestSessionService("")
	svc.SetContextProvider(staticContext{block: "should not appear"})
	ctx := context.Background()

	sess, err := svc.CreateSession(ctx, Config{WorkingDir: "/work", LeanMode: true})
	require.NoError(t, err)

	events, err := svc.Query(ctx, sess.ID, "hello")
	require.NoError(t, err)
	collect(t, events)

	prompts := factory.last().promptList()
	require.Len(t, prompts, 1)
	assert.Equal(t, "hello", prompts[0])
}

func TestSubscribeReplayThenLive(t *testing.T) {
	svc, _ := newTestSessionService("")
	ctx := context.Background()

	sess, err := svc.CreateSession(ctx, Config{WorkingDir: "/work"})
	require.NoError(t, err)

	events, err := svc.Query(ctx, sess.ID, "first")
	require.NoError(t, err)
	collect(t, events)

	replay, live, cancel, err := svc.Subscribe(sess.ID)
	require.NoError(t, err)
	defer cancel()

	require.Len(t, replay, 2)
	assert.Equal(t, uint64(1), replay[0].Seq)
	assert.Equal(t, uint64(2), replay[1].Seq)

	events, err = svc.Query(ctx, sess.ID, "second")
	require.NoError(t, err)
	collect(t, events)

	var liveSeqs []uint64
	timeout := time.After(5 * time.Second)
	for len(liveSeqs) < 2 {
		select {
		case ev := <-live:
			liveSeqs = append(liveSeqs, ev.Seq)
		case <-timeout:
			t.Fatal("timed out waiting for live events")
		}
	}

	// Replay and live stitch into one gapless ordered stream.
	assert.Equal(t, []uint64{3, 4}, liveSeqs)
}

func TestConversationPersisted(t *testing.T) {
	svc, _ := newTestSessionService("")
	ctx := context.Background()

	sess, err := svc.CreateSession(ctx, Config{WorkingDir: "/work", UserID: "alice"})
	require.NoError(t, err)

	events, err := svc.Query(ctx, sess.ID, "hello")
	require.NoError(t, err)
	collect(t, events)

	history, err := svc.History(ctx, sess.ID, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, RoleUser, history[0].Role)
	assert.Equal(t, "hello", history[0].Text)
	assert.Equal(t, RoleAssistant, history[1].Role)
	assert.Equal(t, "echo: hello", history[1].Text)
}

func TestCloseSessionTearsDown(t *testing.T) {
	svc, _ := newTestSessionService("")
	ctx := context.Background()

	sess, err := svc.CreateSession(ctx, Config{WorkingDir: "/work"})
	require.NoError(t, err)
	require.NoError(t, svc.CloseSession(ctx, sess.ID))
	waitForEnded(t, svc, sess.ID)

	stored, err := svc.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, stored.Ended())
}

func TestResumeSession(t *testing.T) {
	svc, factory := newTestSessionService("ext-42")
	ctx := context.Background()

	sess, err := svc.CreateSession(ctx, Config{WorkingDir: "/work", UserID: "alice"})
	require.NoError(t, err)
	require.NoError(t, svc.CloseSession(ctx, sess.ID))
	waitForEnded(t, svc, sess.ID)

	ok, err := svc.ResumeSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, svc.IsRunning(sess.ID))

	// The respawn binds to the stored external id.
	require.Len(t, factory.configs, 2)
	assert.Equal(t, "ext-42", factory.configs[1].ResumeID)

	// Resuming a live session is a no-op.
	ok, err = svc.ResumeSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	require.Len(t, factory.configs, 2)
}

func TestResumeWithoutExternalID(t *testing.T) {
	svc, _ := newTestSessionService("")
	ctx := context.Background()

	sess, err := svc.CreateSession(ctx, Config{WorkingDir: "/work"})
	require.NoError(t, err)
	require.NoError(t, svc.CloseSession(ctx, sess.ID))
	waitForEnded(t, svc, sess.ID)

	ok, err := svc.ResumeSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

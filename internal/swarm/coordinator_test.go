package swarm

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dere/dere/internal/agent/runtime"
	"github.com/dere/dere/internal/common/errors"
	"github.com/dere/dere/internal/common/logger"
	"github.com/dere/dere/internal/session"
)

// fakeRunner scripts agent sessions by prompt: each query emits the
// configured text (or error) followed by a done event.
type fakeRunner struct {
	mu       sync.Mutex
	outputs  map[string]string
	failures map[string]string
	sessions int
	closed   []string
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		outputs:  make(map[string]string),
		failures: make(map[string]string),
	}
}

func (f *fakeRunner) CreateSession(_ context.Context, _ session.Config) (*session.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions++
	return &session.Session{ID: fmt.Sprintf("sess-%d", f.sessions)}, nil
}

func (f *fakeRunner) Query(_ context.Context, _, prompt string) (<-chan runtime.StreamEvent, error) {
	f.mu.Lock()
	text := f.outputs[prompt]
	failMsg := f.failures[prompt]
	f.mu.Unlock()

	ch := make(chan runtime.StreamEvent, 4)
	if failMsg != "" {
		ch <- runtime.StreamEvent{Kind: runtime.EventError, Error: &runtime.ErrorPayload{Message: failMsg}}
	} else if text != "" {
		ch <- runtime.StreamEvent{Kind: runtime.EventText, Text: &runtime.TextPayload{Text: text}}
	}
	ch <- runtime.StreamEvent{Kind: runtime.EventDone, Done: &runtime.DonePayload{}}
	close(ch)
	return ch, nil
}

func (f *fakeRunner) CloseSession(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, sessionID)
	return nil
}

type noopGit struct{}

func (noopGit) CreateBranch(context.Context, string, string, string) error { return nil }
func (noopGit) Checkout(context.Context, string, string) error             { return nil }
func (noopGit) Merge(context.Context, string, string) error                { return nil }

func newTestCoordinator(runner AgentRunner) (*Coordinator, *MemoryRepository) {
	repo := NewMemoryRepository()
	return NewCoordinator(repo, runner, noopGit{}, nil, logger.Default()), repo
}

func baseRequest(agents ...AgentSpec) CreateSwarmRequest {
	return CreateSwarmRequest{
		Name:       "test-swarm",
		WorkingDir: "/work",
		Agents:     agents,
	}
}

func TestCreateSwarmValidation(t *testing.T) {
	c, _ := newTestCoordinator(newFakeRunner())
	ctx := context.Background()

	_, err := c.CreateSwarm(ctx, CreateSwarmRequest{WorkingDir: "/work"})
	assert.True(t, errors.IsValidation(err))

	_, err = c.CreateSwarm(ctx, baseRequest())
	assert.True(t, errors.IsValidation(err))

	_, err = c.CreateSwarm(ctx, baseRequest(AgentSpec{Name: "a"}))
	assert.True(t, errors.IsValidation(err), "empty prompt must be rejected")

	_, err = c.CreateSwarm(ctx, baseRequest(
		AgentSpec{Name: "a", Prompt: "p"},
		AgentSpec{Name: "a", Prompt: "p"},
	))
	assert.True(t, errors.IsConflict(err), "duplicate names must be rejected")
}

func TestCreateSwarmCycleDetection(t *testing.T) {
	c, _ := newTestCoordinator(newFakeRunner())

	_, err := c.CreateSwarm(context.Background(), baseRequest(
		AgentSpec{Name: "a", Prompt: "p", DependsOn: []DependencySpec{{Agent: "c"}}},
		AgentSpec{Name: "b", Prompt: "p", DependsOn: []DependencySpec{{Agent: "a"}}},
		AgentSpec{Name: "c", Prompt: "p", DependsOn: []DependencySpec{{Agent: "b"}}},
	))
	require.Error(t, err)

	appErr, ok := err.(*errors.AppError)
	require.True(t, ok)
	assert.Equal(t, errors.ErrCodeDependency, appErr.Code)
	require.Len(t, appErr.CyclePath, 4)
	assert.Equal(t, appErr.CyclePath[0], appErr.CyclePath[3])
}

func TestCreateSwarmUnknownDependencyAllowed(t *testing.T) {
	c, _ := newTestCoordinator(newFakeRunner())

	sw, err := c.CreateSwarm(context.Background(), baseRequest(
		AgentSpec{Name: "a", Prompt: "p", DependsOn: []DependencySpec{{Agent: "ghost"}}},
	))
	require.NoError(t, err)
	assert.Equal(t, SwarmPending, sw.Status)
}

func TestCreateSwarmRecursionForbidden(t *testing.T) {
	c, repo := newTestCoordinator(newFakeRunner())
	ctx := context.Background()

	sw, err := c.CreateSwarm(ctx, baseRequest(AgentSpec{Name: "worker", Prompt: "p"}))
	require.NoError(t, err)

	agents, err := repo.ListAgents(ctx, sw.ID)
	require.NoError(t, err)
	require.Len(t, agents, 1)
	agents[0].SessionID = "agent-session-1"
	require.NoError(t, repo.UpdateAgent(ctx, agents[0]))

	req := baseRequest(AgentSpec{Name: "nested", Prompt: "p"})
	req.ParentSessionID = "agent-session-1"
	_, err = c.CreateSwarm(ctx, req)
	require.Error(t, err)
	appErr, ok := err.(*errors.AppError)
	require.True(t, ok)
	assert.Equal(t, errors.ErrCodeForbidden, appErr.Code)
}

func TestCreateSwarmAutoSynthesize(t *testing.T) {
	c, repo := newTestCoordinator(newFakeRunner())
	ctx := context.Background()

	req := baseRequest(
		AgentSpec{Name: "one", Prompt: "p"},
		AgentSpec{Name: "two", Prompt: "p"},
	)
	req.AutoSynthesize = true
	req.RunSynthesisOnFailure = true

	sw, err := c.CreateSwarm(ctx, req)
	require.NoError(t, err)

	agents, err := repo.ListAgents(ctx, sw.ID)
	require.NoError(t, err)
	require.Len(t, agents, 3)

	var synth *Agent
	for _, a := range agents {
		if a.Name == "synthesis" {
			synth = a
		}
	}
	require.NotNil(t, synth)
	assert.True(t, synth.RunOnFailure)
	assert.Len(t, synth.DependsOn, 2)
}

func waitForSwarm(t *testing.T, c *Coordinator, id string) []*Agent {
	t.Helper()
	agents, settled, err := c.WaitForAgents(context.Background(), id, nil, 10*time.Second)
	require.NoError(t, err)
	require.True(t, settled, "swarm did not settle in time")
	return agents
}

func agentByName(t *testing.T, agents []*Agent, name string) *Agent {
	t.Helper()
	for _, a := range agents {
		if a.Name == name {
			return a
		}
	}
	t.Fatalf("agent %q not found", name)
	return nil
}

func TestSwarmRunLinearChain(t *testing.T) {
	runner := newFakeRunner()
	runner.outputs["first"] = "first done"
	runner.outputs["second"] = "second done"
	c, _ := newTestCoordinator(runner)
	ctx := context.Background()

	sw, err := c.CreateSwarm(ctx, baseRequest(
		AgentSpec{Name: "a", Prompt: "first"},
		AgentSpec{Name: "b", Prompt: "second", DependsOn: []DependencySpec{{Agent: "a"}}},
	))
	require.NoError(t, err)
	require.NoError(t, c.StartSwarm(ctx, sw.ID))

	agents := waitForSwarm(t, c, sw.ID)
	a := agentByName(t, agents, "a")
	b := agentByName(t, agents, "b")
	assert.Equal(t, AgentCompleted, a.Status)
	assert.Equal(t, "first done", a.Output)
	assert.Equal(t, AgentCompleted, b.Status)

	final, err := c.GetSwarm(ctx, sw.ID)
	require.NoError(t, err)
	assert.Equal(t, SwarmCompleted, final.Status)
	require.NotNil(t, final.CompletedAt)
}

func TestSwarmRunConditionalSkipCascades(t *testing.T) {
	runner := newFakeRunner()
	runner.outputs["assess"] = "```json\n{\"risk\": \"low\"}\n```"
	c, _ := newTestCoordinator(runner)
	ctx := context.Background()

	sw, err := c.CreateSwarm(ctx, baseRequest(
		AgentSpec{Name: "gate", Prompt: "assess"},
		AgentSpec{Name: "worker", Prompt: "mitigate", DependsOn: []DependencySpec{
			{Agent: "gate", Condition: `output.risk == "high"`},
		}},
		AgentSpec{Name: "follow", Prompt: "report", DependsOn: []DependencySpec{{Agent: "worker"}}},
	))
	require.NoError(t, err)
	require.NoError(t, c.StartSwarm(ctx, sw.ID))

	agents := waitForSwarm(t, c, sw.ID)
	assert.Equal(t, AgentCompleted, agentByName(t, agents, "gate").Status)

	worker := agentByName(t, agents, "worker")
	assert.Equal(t, AgentSkipped, worker.Status)
	assert.Contains(t, worker.Error, "condition")

	follow := agentByName(t, agents, "follow")
	assert.Equal(t, AgentSkipped, follow.Status)

	final, err := c.GetSwarm(ctx, sw.ID)
	require.NoError(t, err)
	assert.Equal(t, SwarmCompleted, final.Status)
}

func TestSwarmRunFailureSkipsDependents(t *testing.T) {
	runner := newFakeRunner()
	runner.failures["explode"] = "tool crashed"
	c, _ := newTestCoordinator(runner)
	ctx := context.Background()

	sw, err := c.CreateSwarm(ctx, baseRequest(
		AgentSpec{Name: "boom", Prompt: "explode"},
		AgentSpec{Name: "after", Prompt: "cleanup", DependsOn: []DependencySpec{{Agent: "boom"}}},
	))
	require.NoError(t, err)
	require.NoError(t, c.StartSwarm(ctx, sw.ID))

	agents := waitForSwarm(t, c, sw.ID)
	boom := agentByName(t, agents, "boom")
	assert.Equal(t, AgentFailed, boom.Status)
	assert.Equal(t, "tool crashed", boom.Error)
	assert.Equal(t, AgentSkipped, agentByName(t, agents, "after").Status)

	final, err := c.GetSwarm(ctx, sw.ID)
	require.NoError(t, err)
	assert.Equal(t, SwarmFailed, final.Status)
}

func TestSwarmRunSynthesisAfterFailure(t *testing.T) {
	runner := newFakeRunner()
	runner.failures["explode"] = "boom"
	c, _ := newTestCoordinator(runner)
	ctx := context.Background()

	req := baseRequest(AgentSpec{Name: "boom", Prompt: "explode"})
	req.AutoSynthesize = true
	req.RunSynthesisOnFailure = true

	sw, err := c.CreateSwarm(ctx, req)
	require.NoError(t, err)
	require.NoError(t, c.StartSwarm(ctx, sw.ID))

	agents := waitForSwarm(t, c, sw.ID)
	assert.Equal(t, AgentFailed, agentByName(t, agents, "boom").Status)
	assert.Equal(t, AgentCompleted, agentByName(t, agents, "synthesis").Status)
}

func TestStartSwarmTwiceRejected(t *testing.T) {
	runner := newFakeRunner()
	c, _ := newTestCoordinator(runner)
	ctx := context.Background()

	sw, err := c.CreateSwarm(ctx, baseRequest(AgentSpec{Name: "a", Prompt: "p"}))
	require.NoError(t, err)
	require.NoError(t, c.StartSwarm(ctx, sw.ID))
	waitForSwarm(t, c, sw.ID)

	err = c.StartSwarm(ctx, sw.ID)
	assert.True(t, errors.IsConflict(err))
}

func TestWaitForAgentsUnknownName(t *testing.T) {
	c, _ := newTestCoordinator(newFakeRunner())
	ctx := context.Background()

	sw, err := c.CreateSwarm(ctx, baseRequest(AgentSpec{Name: "a", Prompt: "p"}))
	require.NoError(t, err)

	_, _, err = c.WaitForAgents(ctx, sw.ID, []string{"missing"}, time.Second)
	assert.True(t, errors.IsNotFound(err))

	_, _, err = c.WaitForAgents(ctx, "no-such-swarm", nil, time.Second)
	assert.True(t, errors.IsNotFound(err))
}

func TestScratchpad(t *testing.T) {
	c, repo := newTestCoordinator(newFakeRunner())
	ctx := context.Background()

	sw, err := c.CreateSwarm(ctx, baseRequest(AgentSpec{Name: "writer", Prompt: "p"}))
	require.NoError(t, err)

	agents, err := repo.ListAgents(ctx, sw.ID)
	require.NoError(t, err)
	writer := agents[0]

	entry, err := c.ScratchpadPut(ctx, sw.ID, "results/first", []byte(`{"n": 1}`), writer.ID)
	require.NoError(t, err)
	assert.Equal(t, "writer", entry.SetByAgentName)

	_, err = c.ScratchpadPut(ctx, sw.ID, "results/second", []byte(`"two"`), "")
	require.NoError(t, err)
	_, err = c.ScratchpadPut(ctx, sw.ID, "notes", []byte(`{"misc": true}`), "")
	require.NoError(t, err)

	// Last writer wins.
	updated, err := c.ScratchpadPut(ctx, sw.ID, "results/first", []byte(`{"n": 2}`), "")
	require.NoError(t, err)
	got, err := c.ScratchpadGet(ctx, sw.ID, "results/first")
	require.NoError(t, err)
	assert.JSONEq(t, `{"n": 2}`, string(got.Value))
	assert.Equal(t, updated.UpdatedAt, got.UpdatedAt)

	all, err := c.ScratchpadList(ctx, sw.ID, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	results, err := c.ScratchpadList(ctx, sw.ID, "results/")
	require.NoError(t, err)
	assert.Len(t, results, 2)

	require.NoError(t, c.ScratchpadDelete(ctx, sw.ID, "notes"))
	_, err = c.ScratchpadGet(ctx, sw.ID, "notes")
	assert.True(t, errors.IsNotFound(err))
}

func TestScratchpadValidation(t *testing.T) {
	c, _ := newTestCoordinator(newFakeRunner())
	ctx := context.Background()

	sw, err := c.CreateSwarm(ctx, baseRequest(AgentSpec{Name: "a", Prompt: "p"}))
	require.NoError(t, err)

	_, err = c.ScratchpadPut(ctx, sw.ID, "", []byte(`1`), "")
	assert.True(t, errors.IsValidation(err))

	_, err = c.ScratchpadPut(ctx, sw.ID, "key", []byte(`{broken`), "")
	assert.True(t, errors.IsValidation(err))

	_, err = c.ScratchpadPut(ctx, "no-such-swarm", "key", []byte(`1`), "")
	assert.True(t, errors.IsNotFound(err))
}

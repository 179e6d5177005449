package swarm

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dere/dere/internal/agent/runtime"
	"github.com/dere/dere/internal/common/errors"
	"github.com/dere/dere/internal/common/logger"
	"github.com/dere/dere/internal/events/bus"
	"github.com/dere/dere/internal/session"
)

const synthesisAgentName = "synthesis"

const synthesisPrompt = `Every other agent in this swarm has finished.
Read their outputs from the scratchpad and the conversation so far,
aggregate the results into a single report, and propose follow-up tasks
for anything left undone or discovered along the way.`

// AgentRunner is the slice of the session service the coordinator needs.
type AgentRunner interface {
	CreateSession(ctx context.Context, cfg session.Config) (*session.Session, error)
	Query(ctx context.Context, sessionID, prompt string) (<-chan runtime.StreamEvent, error)
	CloseSession(ctx context.Context, sessionID string) error
}

// Coordinator owns swarm creation, scheduling, and control.
type Coordinator struct {
	repo     Repository
	runner   AgentRunner
	git      GitRunner
	eventBus bus.EventBus
	logger   *logger.Logger

	mu   sync.Mutex
	runs map[string]*swarmRun
}

type swarmRun struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewCoordinator creates the swarm coordinator.
func NewCoordinator(repo Repository, runner AgentRunner, git GitRunner,
	eventBus bus.EventBus, log *logger.Logger) *Coordinator {
	return &Coordinator{
		repo:     repo,
		runner:   runner,
		git:      git,
		eventBus: eventBus,
		logger:   log.WithFields(zap.String("component", "swarm-coordinator")),
		runs:     make(map[string]*swarmRun),
	}
}

// AgentSpec describes one agent of a new swarm.
type AgentSpec struct {
	Name        string           `json:"name"`
	Role        string           `json:"role,omitempty"`
	Prompt      string           `json:"prompt"`
	Personality string           `json:"personality,omitempty"`
	Plugins     []string         `json:"plugins,omitempty"`
	Model       string           `json:"model,omitempty"`
	DependsOn   []DependencySpec `json:"depends_on,omitempty"`
}

// CreateSwarmRequest carries the fields of a new swarm.
type CreateSwarmRequest struct {
	Name            string      `json:"name"`
	ParentSessionID string      `json:"parent_session_id"`
	WorkingDir      string      `json:"working_dir"`
	Agents          []AgentSpec `json:"agents"`

	GitBranchPrefix string `json:"git_branch_prefix,omitempty"`
	BaseBranch      string `json:"base_branch,omitempty"`

	AutoSynthesize        bool `json:"auto_synthesize,omitempty"`
	RunSynthesisOnFailure bool `json:"run_synthesis_on_failure,omitempty"`
}

// CreateSwarm validates the DAG and persists the swarm with its agents.
// Recursion (a swarm created from inside a swarm agent's session) is a
// policy error; a dependency cycle is a dependency error carrying the
// cycle path.
func (c *Coordinator) CreateSwarm(ctx context.Context, req CreateSwarmRequest) (*Swarm, error) {
	if req.Name == "" {
		return nil, errors.ValidationField("name", "must not be empty")
	}
	if req.WorkingDir == "" {
		return nil, errors.ValidationField("working_dir", "must not be empty")
	}
	if len(req.Agents) == 0 {
		return nil, errors.ValidationField("agents", "must not be empty")
	}

	if req.ParentSessionID != "" {
		nested, err := c.repo.IsSwarmAgentSession(ctx, req.ParentSessionID)
		if err != nil {
			return nil, err
		}
		if nested {
			return nil, errors.Forbidden("swarm agents cannot create swarms")
		}
	}

	seen := make(map[string]bool, len(req.Agents))
	for _, spec := range req.Agents {
		if spec.Name == "" {
			return nil, errors.ValidationField("agents", "agent name must not be empty")
		}
		if spec.Prompt == "" {
			return nil, errors.ValidationField("agents",
				fmt.Sprintf("agent '%s' has an empty prompt", spec.Name))
		}
		if seen[spec.Name] {
			return nil, errors.Conflict("duplicate agent name: " + spec.Name)
		}
		seen[spec.Name] = true
	}

	if cycle := detectCycle(req.Agents); cycle != nil {
		return nil, errors.Dependency("agent dependency cycle", cycle)
	}

	specs := req.Agents
	if req.AutoSynthesize {
		if seen[synthesisAgentName] {
			return nil, errors.Conflict(
				"auto_synthesize conflicts with an agent named '" + synthesisAgentName + "'")
		}
		deps := make([]DependencySpec, 0, len(req.Agents))
		for _, spec := range req.Agents {
			deps = append(deps, DependencySpec{Agent: spec.Name})
		}
		specs = append(specs, AgentSpec{
			Name:      synthesisAgentName,
			Role:      "synthesis",
			Prompt:    synthesisPrompt,
			DependsOn: deps,
		})
	}

	now := time.Now().UTC()
	sw := &Swarm{
		ID:                    uuid.NewString(),
		Name:                  req.Name,
		ParentSessionID:       req.ParentSessionID,
		WorkingDir:            req.WorkingDir,
		GitBranchPrefix:       req.GitBranchPrefix,
		BaseBranch:            req.BaseBranch,
		AutoSynthesize:        req.AutoSynthesize,
		RunSynthesisOnFailure: req.RunSynthesisOnFailure,
		Status:                SwarmPending,
		CreatedAt:             now,
	}

	agents := make([]*Agent, 0, len(specs))
	for i, spec := range specs {
		a := &Agent{
			ID:          uuid.NewString(),
			SwarmID:     sw.ID,
			Name:        spec.Name,
			Role:        spec.Role,
			Prompt:      spec.Prompt,
			Personality: spec.Personality,
			Plugins:     spec.Plugins,
			Model:       spec.Model,
			DependsOn:   spec.DependsOn,
			Status:      AgentPending,
			CreatedAt:   now.Add(time.Duration(i) * time.Microsecond),
		}
		if spec.Name == synthesisAgentName && req.AutoSynthesize {
			a.RunOnFailure = req.RunSynthesisOnFailure
		}
		agents = append(agents, a)
	}

	if err := c.repo.CreateSwarm(ctx, sw, agents); err != nil {
		return nil, err
	}

	c.publish("swarm.created", sw.ID, map[string]any{"agents": len(agents)})
	return sw, nil
}

// detectCycle runs a depth-first search over the name graph. Edges to
// unknown names are ignored. Returns the discovered cycle path
// (first node repeated at the end) or nil.
func detectCycle(specs []AgentSpec) []string {
	known := make(map[string][]string, len(specs))
	names := make([]string, 0, len(specs))
	for _, spec := range specs {
		names = append(names, spec.Name)
		for _, dep := range spec.DependsOn {
			known[spec.Name] = append(known[spec.Name], dep.Agent)
		}
	}
	sort.Strings(names)

	const (
		unvisited = 0
		inStack   = 1
		finished  = 2
	)
	state := make(map[string]int, len(specs))
	exists := make(map[string]bool, len(specs))
	for _, n := range names {
		exists[n] = true
	}

	var stack []string
	var cycle []string

	var dfs func(n string) bool
	dfs = func(n string) bool {
		state[n] = inStack
		stack = append(stack, n)
		for _, dep := range known[n] {
			if !exists[dep] {
				continue
			}
			switch state[dep] {
			case inStack:
				for i, s := range stack {
					if s == dep {
						cycle = append(append([]string{}, stack[i:]...), dep)
						return true
					}
				}
			case unvisited:
				if dfs(dep) {
					return true
				}
			}
		}
		state[n] = finished
		stack = stack[:len(stack)-1]
		return false
	}

	for _, n := range names {
		if state[n] == unvisited && dfs(n) {
			return cycle
		}
	}
	return nil
}

// StartSwarm launches the scheduling loop for a pending swarm.
func (c *Coordinator) StartSwarm(ctx context.Context, id string) error {
	sw, err := c.repo.GetSwarm(ctx, id)
	if err != nil {
		return err
	}
	if sw.Status != SwarmPending {
		return errors.Conflict(fmt.Sprintf("swarm '%s' is %s, not pending", id, sw.Status))
	}

	now := time.Now().UTC()
	sw.Status = SwarmRunning
	sw.StartedAt = &now
	if err := c.repo.UpdateSwarm(ctx, sw); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	run := &swarmRun{cancel: cancel, done: make(chan struct{})}
	c.mu.Lock()
	c.runs[id] = run
	c.mu.Unlock()

	go func() {
		defer close(run.done)
		defer func() {
			c.mu.Lock()
			delete(c.runs, id)
			c.mu.Unlock()
		}()
		c.run(runCtx, sw)
	}()

	c.publish("swarm.started", id, nil)
	return nil
}

// run is the fixed-point scheduling loop: launch every runnable agent,
// wait for the batch, re-evaluate, repeat until nothing is pending.
func (c *Coordinator) run(ctx context.Context, sw *Swarm) {
	log := c.logger.WithSwarmID(sw.ID)

	for ctx.Err() == nil {
		agents, err := c.repo.ListAgents(ctx, sw.ID)
		if err != nil {
			log.Error("failed to list agents", zap.Error(err))
			break
		}
		byName := make(map[string]*Agent, len(agents))
		for _, a := range agents {
			byName[a.Name] = a
		}

		var runnable []*Agent
		skippedAny := false
		pendingLeft := false
		for _, a := range agents {
			if a.Status != AgentPending {
				continue
			}
			pendingLeft = true
			switch decision, reason := evaluateDeps(a, byName); decision {
			case depsRunnable:
				runnable = append(runnable, a)
			case depsSkip:
				c.skipAgent(ctx, a, reason)
				skippedAny = true
			case depsWait:
			}
		}

		if !pendingLeft {
			break
		}
		if len(runnable) > 0 {
			// Failures do not cancel siblings; each launch contains
			// its own error.
			g, gctx := errgroup.WithContext(ctx)
			for _, a := range runnable {
				agent := a
				g.Go(func() error {
					c.runAgent(gctx, sw, agent)
					return nil
				})
			}
			_ = g.Wait()
			continue
		}
		if skippedAny {
			continue
		}
		// Pending agents remain but none can ever run; should be
		// unreachable given cycle validation.
		log.Warn("pending agents are unreachable, stopping")
		break
	}

	c.finish(sw)
}

type depDecision int

const (
	depsRunnable depDecision = iota
	depsWait
	depsSkip
)

// evaluateDeps decides whether a pending agent can run. A skip decision
// cascades through later iterations: dependents observe the skipped
// parent as not completed and are skipped in turn.
func evaluateDeps(a *Agent, byName map[string]*Agent) (depDecision, string) {
	for _, dep := range a.DependsOn {
		parent, ok := byName[dep.Agent]
		if !ok {
			// Unknown names are trivially satisfied.
			continue
		}
		switch parent.Status {
		case AgentPending, AgentRunning:
			return depsWait, ""
		case AgentCompleted:
			if dep.Condition == "" {
				continue
			}
			pass, err := EvaluateCondition(dep.Condition, DecodeAgentOutput(parent.Output))
			if err != nil {
				return depsSkip, err.Error()
			}
			if !pass {
				return depsSkip, fmt.Sprintf("condition on '%s' not met: %s", dep.Agent, dep.Condition)
			}
		case AgentFailed:
			if a.RunOnFailure {
				continue
			}
			return depsSkip, fmt.Sprintf("dependency '%s' failed", dep.Agent)
		default: // skipped, cancelled
			return depsSkip, fmt.Sprintf("dependency '%s' was %s", dep.Agent, parent.Status)
		}
	}
	return depsRunnable, ""
}

func (c *Coordinator) skipAgent(ctx context.Context, a *Agent, reason string) {
	now := time.Now().UTC()
	a.Status = AgentSkipped
	a.Error = reason
	a.CompletedAt = &now
	if err := c.repo.UpdateAgent(ctx, a); err != nil {
		c.logger.WithSwarmID(a.SwarmID).Error("failed to mark agent skipped", zap.Error(err))
	}
	c.publish("swarm.agent.skipped", a.SwarmID, map[string]any{
		"agent": a.Name, "reason": reason,
	})
}

// runAgent launches one agent as an isolated lean session and records
// its result. Branch isolation, when configured, happens before launch.
func (c *Coordinator) runAgent(ctx context.Context, sw *Swarm, a *Agent) {
	log := c.logger.WithSwarmID(sw.ID).WithFields(zap.String("agent", a.Name))

	if sw.GitBranchPrefix != "" {
		branch := sw.GitBranchPrefix + "/" + a.Name
		if err := c.git.CreateBranch(ctx, sw.WorkingDir, branch, sw.BaseBranch); err != nil {
			c.failAgent(a, "branch creation failed: "+err.Error())
			log.Warn("branch creation failed", zap.Error(err))
			return
		}
		a.GitBranch = branch
	}

	now := time.Now().UTC()
	a.Status = AgentRunning
	a.StartedAt = &now
	if err := c.repo.UpdateAgent(ctx, a); err != nil {
		log.Error("failed to mark agent running", zap.Error(err))
		return
	}

	sess, err := c.runner.CreateSession(ctx, session.Config{
		WorkingDir:  sw.WorkingDir,
		Personality: a.Personality,
		Model:       a.Model,
		LeanMode:    true,
		Env: []string{
			"DERE_SWARM_ID=" + sw.ID,
			"DERE_SWARM_AGENT_ID=" + a.ID,
		},
	})
	if err != nil {
		c.failAgent(a, "session spawn failed: "+err.Error())
		log.Warn("session spawn failed", zap.Error(err))
		return
	}
	a.SessionID = sess.ID
	if err := c.repo.UpdateAgent(ctx, a); err != nil {
		log.Error("failed to record agent session", zap.Error(err))
	}
	defer func() {
		if err := c.runner.CloseSession(context.Background(), sess.ID); err != nil {
			log.Warn("failed to close agent session", zap.Error(err))
		}
	}()

	events, err := c.runner.Query(ctx, sess.ID, a.Prompt)
	if err != nil {
		c.failAgent(a, "query failed: "+err.Error())
		return
	}

	var output strings.Builder
	toolUses := 0
	var runErr string
	terminal := false
stream:
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				break stream
			}
			switch ev.Kind {
			case runtime.EventText:
				if ev.Text != nil {
					output.WriteString(ev.Text.Text)
				}
			case runtime.EventToolUse:
				toolUses++
			case runtime.EventError:
				if ev.Error != nil {
					runErr = ev.Error.Message
				}
			case runtime.EventDone:
				terminal = true
				break stream
			case runtime.EventCancelled:
				break stream
			}
		case <-ctx.Done():
			break stream
		}
	}

	a.Output = output.String()
	a.ToolUseCount = toolUses
	end := time.Now().UTC()
	a.CompletedAt = &end

	switch {
	case runErr != "":
		a.Status = AgentFailed
		a.Error = runErr
	case !terminal:
		a.Status = AgentCancelled
	default:
		a.Status = AgentCompleted
	}
	if err := c.repo.UpdateAgent(context.Background(), a); err != nil {
		log.Error("failed to record agent result", zap.Error(err))
	}

	c.publish("swarm.agent.finished", sw.ID, map[string]any{
		"agent": a.Name, "status": string(a.Status),
	})
	log.Info("agent finished", zap.String("status", string(a.Status)))
}

func (c *Coordinator) failAgent(a *Agent, msg string) {
	now := time.Now().UTC()
	a.Status = AgentFailed
	a.Error = msg
	a.CompletedAt = &now
	if err := c.repo.UpdateAgent(context.Background(), a); err != nil {
		c.logger.WithSwarmID(a.SwarmID).Error("failed to record agent failure", zap.Error(err))
	}
}

// finish settles the swarm's terminal status from its agents.
func (c *Coordinator) finish(sw *Swarm) {
	agents, err := c.repo.ListAgents(context.Background(), sw.ID)
	if err != nil {
		c.logger.WithSwarmID(sw.ID).Error("failed to list agents for settlement", zap.Error(err))
		return
	}

	status := SwarmCompleted
	for _, a := range agents {
		switch a.Status {
		case AgentFailed:
			status = SwarmFailed
		case AgentCancelled:
			if status != SwarmFailed {
				status = SwarmCancelled
			}
		}
	}

	now := time.Now().UTC()
	sw.Status = status
	sw.CompletedAt = &now
	if err := c.repo.UpdateSwarm(context.Background(), sw); err != nil {
		c.logger.WithSwarmID(sw.ID).Error("failed to settle swarm", zap.Error(err))
	}
	c.publish("swarm.finished", sw.ID, map[string]any{"status": string(status)})
}

// WaitForAgents blocks until every named agent (all agents when names
// is empty) is terminal, or the timeout elapses. Returns the agents and
// whether they all settled.
func (c *Coordinator) WaitForAgents(ctx context.Context, swarmID string, names []string, timeout time.Duration) ([]*Agent, bool, error) {
	if _, err := c.repo.GetSwarm(ctx, swarmID); err != nil {
		return nil, false, err
	}

	deadline := time.Now().Add(timeout)
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}

	for {
		agents, err := c.repo.ListAgents(ctx, swarmID)
		if err != nil {
			return nil, false, err
		}

		settled := true
		var selected []*Agent
		for _, a := range agents {
			if len(want) > 0 && !want[a.Name] {
				continue
			}
			selected = append(selected, a)
			if !a.Status.Terminal() {
				settled = false
			}
		}
		if len(want) > 0 && len(selected) < len(want) {
			for _, n := range names {
				found := false
				for _, a := range selected {
					if a.Name == n {
						found = true
						break
					}
				}
				if !found {
					return nil, false, errors.NotFound("swarm agent", n)
				}
			}
		}

		if settled {
			return selected, true, nil
		}
		if timeout > 0 && time.Now().After(deadline) {
			return selected, false, nil
		}
		select {
		case <-ctx.Done():
			return selected, false, ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// CancelSwarm stops the scheduling loop, cancels pending agents, and
// closes running ones. Completed results are left intact.
func (c *Coordinator) CancelSwarm(ctx context.Context, id string) error {
	sw, err := c.repo.GetSwarm(ctx, id)
	if err != nil {
		return err
	}

	c.mu.Lock()
	run := c.runs[id]
	c.mu.Unlock()
	if run != nil {
		run.cancel()
	}

	agents, err := c.repo.ListAgents(ctx, id)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, a := range agents {
		switch a.Status {
		case AgentPending:
			a.Status = AgentCancelled
			a.CompletedAt = &now
			if err := c.repo.UpdateAgent(ctx, a); err != nil {
				c.logger.WithSwarmID(id).Error("failed to cancel agent", zap.Error(err))
			}
		case AgentRunning:
			if a.SessionID != "" {
				if err := c.runner.CloseSession(ctx, a.SessionID); err != nil {
					c.logger.WithSwarmID(id).Warn("failed to close running agent", zap.Error(err))
				}
			}
		}
	}

	if run != nil {
		<-run.done
	}

	sw.Status = SwarmCancelled
	sw.CompletedAt = &now
	if err := c.repo.UpdateSwarm(ctx, sw); err != nil {
		return err
	}
	c.publish("swarm.cancelled", id, nil)
	return nil
}

// MergeSwarm merges completed agent branches into the target branch in
// the caller-selected order (completion order when order is empty).
// A conflict is reported per agent; later merges still proceed.
func (c *Coordinator) MergeSwarm(ctx context.Context, id, target string, order []string) ([]MergeResult, error) {
	sw, err := c.repo.GetSwarm(ctx, id)
	if err != nil {
		return nil, err
	}
	if sw.GitBranchPrefix == "" {
		return nil, errors.Validation("swarm has no branch isolation configured")
	}
	if target == "" {
		target = sw.BaseBranch
	}
	if target == "" {
		return nil, errors.ValidationField("target", "must not be empty")
	}

	agents, err := c.repo.ListAgents(ctx, id)
	if err != nil {
		return nil, err
	}

	var mergeable []*Agent
	for _, a := range agents {
		if a.Status == AgentCompleted && a.GitBranch != "" {
			mergeable = append(mergeable, a)
		}
	}

	if len(order) > 0 {
		byName := make(map[string]*Agent, len(mergeable))
		for _, a := range mergeable {
			byName[a.Name] = a
		}
		ordered := make([]*Agent, 0, len(order))
		for _, n := range order {
			if a, ok := byName[n]; ok {
				ordered = append(ordered, a)
			}
		}
		mergeable = ordered
	} else {
		sort.Slice(mergeable, func(i, j int) bool {
			ti, tj := mergeable[i].CompletedAt, mergeable[j].CompletedAt
			if ti == nil || tj == nil {
				return tj == nil
			}
			return ti.Before(*tj)
		})
	}

	if err := c.git.Checkout(ctx, sw.WorkingDir, target); err != nil {
		return nil, errors.Runtime("cannot check out target branch", err)
	}

	results := make([]MergeResult, 0, len(mergeable))
	for _, a := range mergeable {
		res := MergeResult{AgentName: a.Name, Branch: a.GitBranch, Merged: true}
		if err := c.git.Merge(ctx, sw.WorkingDir, a.GitBranch); err != nil {
			res.Merged = false
			res.Error = err.Error()
		}
		results = append(results, res)
	}
	return results, nil
}

// GetSwarm returns one swarm.
func (c *Coordinator) GetSwarm(ctx context.Context, id string) (*Swarm, error) {
	return c.repo.GetSwarm(ctx, id)
}

// ListSwarms returns recent swarms.
func (c *Coordinator) ListSwarms(ctx context.Context, limit int) ([]*Swarm, error) {
	if limit <= 0 {
		limit = 50
	}
	return c.repo.ListSwarms(ctx, limit)
}

// ListAgents returns a swarm's agents.
func (c *Coordinator) ListAgents(ctx context.Context, swarmID string) ([]*Agent, error) {
	if _, err := c.repo.GetSwarm(ctx, swarmID); err != nil {
		return nil, err
	}
	return c.repo.ListAgents(ctx, swarmID)
}

// GetAgent returns one agent by name.
func (c *Coordinator) GetAgent(ctx context.Context, swarmID, name string) (*Agent, error) {
	return c.repo.GetAgentByName(ctx, swarmID, name)
}

func (c *Coordinator) publish(eventType, swarmID string, data map[string]any) {
	if c.eventBus == nil {
		return
	}
	if data == nil {
		data = map[string]any{}
	}
	data["swarm_id"] = swarmID
	ev := bus.NewEvent(eventType, "swarm-coordinator", data)
	if err := c.eventBus.Publish(context.Background(), eventType, ev); err != nil {
		c.logger.Debug("event publish failed", zap.String("subject", eventType), zap.Error(err))
	}
}

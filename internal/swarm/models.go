// Package swarm coordinates DAGs of dependent agents sharing a working
// directory, an optional git branch family, and a persisted scratchpad.
package swarm

import (
	"encoding/json"
	"time"
)

// SwarmStatus is the lifecycle state of a swarm.
type SwarmStatus string

const (
	SwarmPending   SwarmStatus = "pending"
	SwarmRunning   SwarmStatus = "running"
	SwarmCompleted SwarmStatus = "completed"
	SwarmFailed    SwarmStatus = "failed"
	SwarmCancelled SwarmStatus = "cancelled"
)

// AgentStatus is the lifecycle state of one swarm agent.
type AgentStatus string

const (
	AgentPending   AgentStatus = "pending"
	AgentRunning   AgentStatus = "running"
	AgentCompleted AgentStatus = "completed"
	AgentFailed    AgentStatus = "failed"
	AgentCancelled AgentStatus = "cancelled"
	AgentSkipped   AgentStatus = "skipped"
)

// Terminal reports whether the status admits no further transitions.
func (s AgentStatus) Terminal() bool {
	switch s {
	case AgentCompleted, AgentFailed, AgentCancelled, AgentSkipped:
		return true
	}
	return false
}

// DependencySpec names a dependency on another agent, optionally gated
// by a condition over that agent's decoded output. A bare dependency is
// satisfied when the agent completes; a failing condition skips the
// dependent.
type DependencySpec struct {
	Agent     string `json:"agent"`
	Condition string `json:"condition,omitempty"`
}

// Swarm is one DAG of agents.
type Swarm struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	ParentSessionID string `json:"parent_session_id"`
	WorkingDir      string `json:"working_dir"`

	GitBranchPrefix string `json:"git_branch_prefix,omitempty"`
	BaseBranch      string `json:"base_branch,omitempty"`

	AutoSynthesize bool `json:"auto_synthesize,omitempty"`

	// RunSynthesisOnFailure lets the synthesis agent run even when a
	// sibling failed.
	RunSynthesisOnFailure bool `json:"run_synthesis_on_failure,omitempty"`

	Status      SwarmStatus `json:"status"`
	CreatedAt   time.Time   `json:"created_at"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
}

// Agent is one node of a swarm DAG. Name is unique within the swarm.
type Agent struct {
	ID      string `json:"id"`
	SwarmID string `json:"swarm_id"`
	Name    string `json:"name"`
	Role    string `json:"role,omitempty"`
	Prompt  string `json:"prompt"`

	Personality string   `json:"personality,omitempty"`
	Plugins     []string `json:"plugins,omitempty"`
	Model       string   `json:"model,omitempty"`
	GitBranch   string   `json:"git_branch,omitempty"`

	DependsOn []DependencySpec `json:"depends_on,omitempty"`

	// RunOnFailure treats failed dependencies as satisfied. Set on the
	// synthesis agent when the swarm allows synthesis after failures.
	RunOnFailure bool `json:"run_on_failure,omitempty"`

	SessionID string `json:"session_id,omitempty"`

	Status       AgentStatus `json:"status"`
	Output       string      `json:"output,omitempty"`
	Summary      string      `json:"summary,omitempty"`
	Error        string      `json:"error,omitempty"`
	ToolUseCount int         `json:"tool_use_count"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// ScratchpadEntry is one key of a swarm's shared scratchpad. Writes are
// last-writer-wins and record the setter's identity.
type ScratchpadEntry struct {
	SwarmID        string          `json:"swarm_id"`
	Key            string          `json:"key"`
	Value          json.RawMessage `json:"value"`
	SetByAgentID   string          `json:"set_by_agent_id,omitempty"`
	SetByAgentName string          `json:"set_by_agent_name,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// MergeResult reports the outcome of merging one agent branch.
type MergeResult struct {
	AgentName string `json:"agent_name"`
	Branch    string `json:"branch"`
	Merged    bool   `json:"merged"`
	Error     string `json:"error,omitempty"`
}

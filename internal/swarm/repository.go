package swarm

import (
	"context"
	"encoding/json"
	"time"
)

// Repository persists swarms, their agents, and the scratchpad.
type Repository interface {
	// CreateSwarm stores the swarm and all its agents in one
	// transaction.
	CreateSwarm(ctx context.Context, s *Swarm, agents []*Agent) error

	GetSwarm(ctx context.Context, id string) (*Swarm, error)
	ListSwarms(ctx context.Context, limit int) ([]*Swarm, error)
	UpdateSwarm(ctx context.Context, s *Swarm) error

	ListAgents(ctx context.Context, swarmID string) ([]*Agent, error)
	GetAgentByName(ctx context.Context, swarmID, name string) (*Agent, error)
	UpdateAgent(ctx context.Context, a *Agent) error

	// IsSwarmAgentSession reports whether the session belongs to a
	// swarm agent. Used to reject recursive swarm creation.
	IsSwarmAgentSession(ctx context.Context, sessionID string) (bool, error)

	ScratchpadGet(ctx context.Context, swarmID, key string) (*ScratchpadEntry, error)
	ScratchpadPut(ctx context.Context, e *ScratchpadEntry) error
	ScratchpadList(ctx context.Context, swarmID, prefix string) ([]*ScratchpadEntry, error)
	ScratchpadDelete(ctx context.Context, swarmID, key string) error
}

func marshalDeps(deps []DependencySpec) ([]byte, error) {
	if deps == nil {
		deps = []DependencySpec{}
	}
	return json.Marshal(deps)
}

func unmarshalDeps(raw []byte) ([]DependencySpec, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var deps []DependencySpec
	if err := json.Unmarshal(raw, &deps); err != nil {
		return nil, err
	}
	return deps, nil
}

func timePtr(t time.Time) *time.Time { return &t }

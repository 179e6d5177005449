package swarm

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dere/dere/internal/common/errors"
)

// ScratchpadPut writes a key for a swarm. Concurrent writers race with
// last-writer-wins semantics. When agentID identifies a swarm agent,
// the setter identity is recorded on the entry.
func (c *Coordinator) ScratchpadPut(ctx context.Context, swarmID, key string, value json.RawMessage, agentID string) (*ScratchpadEntry, error) {
	if key == "" {
		return nil, errors.ValidationField("key", "must not be empty")
	}
	if !json.Valid(value) {
		return nil, errors.ValidationField("value", "must be valid JSON")
	}
	if _, err := c.repo.GetSwarm(ctx, swarmID); err != nil {
		return nil, err
	}

	entry := &ScratchpadEntry{
		SwarmID:   swarmID,
		Key:       key,
		Value:     value,
		UpdatedAt: time.Now().UTC(),
	}
	if agentID != "" {
		entry.SetByAgentID = agentID
		agents, err := c.repo.ListAgents(ctx, swarmID)
		if err != nil {
			return nil, err
		}
		for _, a := range agents {
			if a.ID == agentID {
				entry.SetByAgentName = a.Name
				break
			}
		}
	}

	if err := c.repo.ScratchpadPut(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// ScratchpadGet reads one key.
func (c *Coordinator) ScratchpadGet(ctx context.Context, swarmID, key string) (*ScratchpadEntry, error) {
	if _, err := c.repo.GetSwarm(ctx, swarmID); err != nil {
		return nil, err
	}
	return c.repo.ScratchpadGet(ctx, swarmID, key)
}

// ScratchpadList lists entries whose keys start with prefix; an empty
// prefix lists the whole pad.
func (c *Coordinator) ScratchpadList(ctx context.Context, swarmID, prefix string) ([]*ScratchpadEntry, error) {
	if _, err := c.repo.GetSwarm(ctx, swarmID); err != nil {
		return nil, err
	}
	return c.repo.ScratchpadList(ctx, swarmID, prefix)
}

// ScratchpadDelete removes one key.
func (c *Coordinator) ScratchpadDelete(ctx context.Context, swarmID, key string) error {
	if _, err := c.repo.GetSwarm(ctx, swarmID); err != nil {
		return err
	}
	return c.repo.ScratchpadDelete(ctx, swarmID, key)
}

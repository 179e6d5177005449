package coremem

import (
	"context"
	"sort"
	"sync"

	"github.com/dere/dere/internal/common/errors"
)

// MemoryRepository is an in-memory Repository used by tests.
type MemoryRepository struct {
	mu       sync.Mutex
	blocks   map[string]*Block    // keyed by block id
	versions map[string][]*Version // keyed by block id
}

// NewMemoryRepository creates an empty in-memory core memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		blocks:   make(map[string]*Block),
		versions: make(map[string][]*Version),
	}
}

func cloneBlock(b *Block) *Block {
	cp := *b
	return &cp
}

func (b *Block) scope() Scope {
	return Scope{UserID: b.UserID, SessionID: b.SessionID}
}

func (r *MemoryRepository) findByScope(scope Scope, blockType BlockType) *Block {
	for _, b := range r.blocks {
		if b.scope() == scope && b.BlockType == blockType {
			return b
		}
	}
	return nil
}

func (r *MemoryRepository) CreateBlock(_ context.Context, b *Block, v *Version) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.findByScope(b.scope(), b.BlockType) != nil {
		return errors.Conflict("core memory block already exists for this scope and type")
	}
	r.blocks[b.ID] = cloneBlock(b)
	cp := *v
	r.versions[b.ID] = append(r.versions[b.ID], &cp)
	return nil
}

func (r *MemoryRepository) UpdateBlock(_ context.Context, b *Block, v *Version) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.blocks[b.ID]; !ok {
		return errors.NotFound("core memory block", b.ID)
	}
	for _, prev := range r.versions[b.ID] {
		if prev.Version == v.Version {
			return errors.Conflict("core memory version already recorded")
		}
	}
	r.blocks[b.ID] = cloneBlock(b)
	cp := *v
	r.versions[b.ID] = append(r.versions[b.ID], &cp)
	return nil
}

func (r *MemoryRepository) GetBlock(_ context.Context, scope Scope, blockType BlockType) (*Block, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b := r.findByScope(scope, blockType); b != nil {
		return cloneBlock(b), nil
	}
	return nil, errors.NotFound("core memory block", string(blockType))
}

func (r *MemoryRepository) GetBlockByID(_ context.Context, id string) (*Block, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.blocks[id]; ok {
		return cloneBlock(b), nil
	}
	return nil, errors.NotFound("core memory block", id)
}

func (r *MemoryRepository) ListBlocks(_ context.Context, scope Scope) ([]*Block, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Block
	for _, b := range r.blocks {
		if b.scope() == scope {
			out = append(out, cloneBlock(b))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BlockType < out[j].BlockType })
	return out, nil
}

func (r *MemoryRepository) ListVersions(_ context.Context, blockID string, limit int) ([]*Version, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	versions := r.versions[blockID]
	out := make([]*Version, 0, len(versions))
	for _, v := range versions {
		cp := *v
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version > out[j].Version })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepository) GetVersion(_ context.Context, blockID string, version int) (*Version, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, v := range r.versions[blockID] {
		if v.Version == version {
			cp := *v
			return &cp, nil
		}
	}
	return nil, errors.NotFound("core memory version", blockID)
}

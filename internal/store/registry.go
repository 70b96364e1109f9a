package store

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"rangevault/internal/model"
)

// Registry holds every position and its current allocation set. The reshape
// engine is the only writer; other callers get read-only projections. The
// allocation nonce lives on the position record, independent of the set
// length, so removed keys are never minted again.
type Registry struct {
	nextID      uint64
	positions   map[uint64]*model.Position
	allocations map[uint64][]model.RangeAllocation
}

// NewRegistry returns an empty registry. Position ids start at 1.
func NewRegistry() *Registry {
	return &Registry{
		nextID:      1,
		positions:   make(map[uint64]*model.Position),
		allocations: make(map[uint64][]model.RangeAllocation),
	}
}

// Allocate reserves the next position id and stores the position with a
// zeroed nonce and an immutable pool reference.
func (r *Registry) Allocate(poolRef common.Hash) *model.Position {
	pos := &model.Position{ID: r.nextID, PoolRef: poolRef}
	r.nextID++
	r.positions[pos.ID] = pos
	r.allocations[pos.ID] = nil
	return pos
}

// Get returns the position record for id.
func (r *Registry) Get(id uint64) (*model.Position, error) {
	pos, ok := r.positions[id]
	if !ok {
		return nil, fmt.Errorf("position %d: unknown id", id)
	}
	return pos, nil
}

// Discard removes a position that never committed its first deployment.
// The id stays burned; Allocate never hands it out again.
func (r *Registry) Discard(id uint64) {
	delete(r.positions, id)
	delete(r.allocations, id)
}

// Allocations returns a copy of the position's current allocation set.
func (r *Registry) Allocations(id uint64) []model.RangeAllocation {
	current := r.allocations[id]
	if len(current) == 0 {
		return nil
	}
	out := make([]model.RangeAllocation, len(current))
	copy(out, current)
	return out
}

// Positions returns copies of every stored position, ordered by id.
func (r *Registry) Positions() []model.Position {
	out := make([]model.Position, 0, len(r.positions))
	for id := uint64(1); id < r.nextID; id++ {
		if pos, ok := r.positions[id]; ok {
			out = append(out, *pos)
		}
	}
	return out
}

// Commit replaces the position's allocation set and advances its nonce.
// Called by the engine once per successful session, after settlement.
func (r *Registry) Commit(id uint64, kept []model.RangeAllocation, nextNonce uint64) error {
	pos, ok := r.positions[id]
	if !ok {
		return fmt.Errorf("position %d: unknown id", id)
	}
	if nextNonce < pos.NextAllocationNonce {
		return fmt.Errorf("position %d: nonce went backwards (%d -> %d)", id, pos.NextAllocationNonce, nextNonce)
	}
	replacement := make([]model.RangeAllocation, len(kept))
	copy(replacement, kept)
	r.allocations[id] = replacement
	pos.NextAllocationNonce = nextNonce
	return nil
}

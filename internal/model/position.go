package model

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// Position aggregates liquidity across multiple tick ranges in one pool
// under a single ownership-token id. Created on first deployment and never
// deleted here; closure is handled outside this module.
type Position struct {
	ID                  uint64
	PoolRef             common.Hash
	NextAllocationNonce uint64
}

// RangeAllocation is one contiguous tick-bounded liquidity deployment
// belonging to a position. LowerTick < UpperTick, both aligned to the
// pool's tick spacing.
type RangeAllocation struct {
	LowerTick          int32
	UpperTick          int32
	LiquidityMagnitude *uint256.Int
	AllocationKey      common.Hash
}

// Width returns the tick span of the allocation.
func (a RangeAllocation) Width() int32 {
	return a.UpperTick - a.LowerTick
}

// Contains reports whether tick falls inside the allocation's half-open
// range [LowerTick, UpperTick).
func (a RangeAllocation) Contains(tick int32) bool {
	return a.LowerTick <= tick && tick < a.UpperTick
}

// TargetRange is a client-supplied deployment target for one reshape call.
// Never persisted.
type TargetRange struct {
	LowerTick          int32
	UpperTick          int32
	LiquidityMagnitude *uint256.Int
}

// AllocationKey derives the permanent key for a new allocation from the
// position id and its monotonic nonce. Keys are never reused, even after
// the allocation is withdrawn.
func AllocationKey(positionID, nonce uint64) common.Hash {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], positionID)
	binary.BigEndian.PutUint64(buf[8:], nonce)
	return crypto.Keccak256Hash(buf[:])
}

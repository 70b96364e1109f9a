package model

import "github.com/ethereum/go-ethereum/common"

// PositionCreated is emitted once per position, on first deployment.
type PositionCreated struct {
	PositionID uint64
	Owner      common.Address
	PoolRef    common.Hash
}

// PositionReshaped is emitted after every successful reshape, carrying the
// counts of ranges withdrawn and deployed in that session.
type PositionReshaped struct {
	PositionID      uint64
	RangesWithdrawn int
	RangesDeployed  int
}

// EventRecord is the storage form of an engine event. Big amounts are
// string-encoded so JSON consumers never lose precision.
type EventRecord struct {
	Kind            string `json:"kind"`
	PositionID      uint64 `json:"position_id"`
	Owner           string `json:"owner,omitempty"`
	PoolRef         string `json:"pool_ref,omitempty"`
	RangesWithdrawn int    `json:"ranges_withdrawn"`
	RangesDeployed  int    `json:"ranges_deployed"`
	NetDelta0       string `json:"net_delta0,omitempty"`
	NetDelta1       string `json:"net_delta1,omitempty"`
	EmittedAtUnix   int64  `json:"emitted_at_unix"`
}

// Event kinds stored in EventRecord.Kind.
const (
	KindPositionCreated  = "position_created"
	KindPositionReshaped = "position_reshaped"
)

// AllocationRecord is the storage form of one stored RangeAllocation.
type AllocationRecord struct {
	PositionID    uint64 `json:"position_id"`
	LowerTick     int32  `json:"lower_tick"`
	UpperTick     int32  `json:"upper_tick"`
	Liquidity     string `json:"liquidity"`
	AllocationKey string `json:"allocation_key"`
}

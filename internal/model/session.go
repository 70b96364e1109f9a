package model

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// SessionPayload carries one atomic session's inputs from the engine's
// outer entry point to its venue callback. Scoped to a single session.
type SessionPayload struct {
	PositionID    uint64
	TargetRanges  []TargetRange
	MaxAsset0Debt *big.Int
	MaxAsset1Debt *big.Int
	Payer         common.Address
}

// NetDelta accumulates the signed per-asset amounts observed during one
// session. Negative means owed to the venue, positive means owed to the
// position owner.
type NetDelta struct {
	Asset0 *big.Int
	Asset1 *big.Int
}

// ZeroDelta returns a NetDelta with both amounts initialized to zero.
func ZeroDelta() NetDelta {
	return NetDelta{Asset0: new(big.Int), Asset1: new(big.Int)}
}

// Accumulate adds the given per-asset amounts in place.
func (d *NetDelta) Accumulate(amount0, amount1 *big.Int) {
	d.Asset0.Add(d.Asset0, amount0)
	d.Asset1.Add(d.Asset1, amount1)
}

// WithinTolerance reports whether both amounts are within tol of zero.
func (d NetDelta) WithinTolerance(tol *big.Int) bool {
	return new(big.Int).Abs(d.Asset0).Cmp(tol) <= 0 &&
		new(big.Int).Abs(d.Asset1).Cmp(tol) <= 0
}

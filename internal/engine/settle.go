package engine

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"rangevault/internal/model"
)

// TransferKind distinguishes the two settlement directions.
type TransferKind int

const (
	// Pull collects a debt from the payer.
	Pull TransferKind = iota
	// Push pays a surplus out to the position owner.
	Push
)

// Transfer is one settlement call to make against the venue, in order.
type Transfer struct {
	Kind         TransferKind
	Asset        common.Address
	Counterparty common.Address
	Amount       *big.Int
}

// PlanSettlement turns a session's final net delta into the ordered
// pull/push calls that zero it out. Per asset: a negative delta is a debt
// pulled from payer, a positive delta is a surplus pushed to owner, zero
// is no call.
//
// The maxDebt bounds are enforced only when firstDeployment is set. On a
// pure reshape conservation has already pinned the net delta near zero,
// so the bounds are accepted and ignored there. A nil bound means
// unbounded.
func PlanSettlement(delta model.NetDelta, payer, owner common.Address, asset0, asset1 common.Address, firstDeployment bool, maxDebt0, maxDebt1 *big.Int) ([]Transfer, error) {
	var transfers []Transfer

	plan := func(asset common.Address, amount, maxDebt *big.Int) error {
		switch {
		case amount.Sign() < 0:
			debt := new(big.Int).Neg(amount)
			if firstDeployment && maxDebt != nil && debt.Cmp(maxDebt) > 0 {
				return fmt.Errorf("asset %s debt %s over bound %s: %w", asset, debt, maxDebt, ErrSlippageExceeded)
			}
			transfers = append(transfers, Transfer{Kind: Pull, Asset: asset, Counterparty: payer, Amount: debt})
		case amount.Sign() > 0:
			transfers = append(transfers, Transfer{Kind: Push, Asset: asset, Counterparty: owner, Amount: new(big.Int).Set(amount)})
		}
		return nil
	}

	if err := plan(asset0, delta.Asset0, maxDebt0); err != nil {
		return nil, err
	}
	if err := plan(asset1, delta.Asset1, maxDebt1); err != nil {
		return nil, err
	}
	return transfers, nil
}

package venue

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"rangevault/internal/model"
)

// SessionHandler is implemented by the reshape engine. The venue calls it
// back synchronously, inside the atomic session it was asked to open,
// passing itself so the handler can verify who is calling.
type SessionHandler interface {
	HandleSession(ctx context.Context, caller Adapter, payload model.SessionPayload) (model.NetDelta, error)
}

// Adapter is the call surface of the external liquidity venue. The venue
// owns all pool liquidity state and token custody; this module only ever
// touches it through these calls.
//
// Liquidity changes and settlement are legal only inside an atomic session:
// RequestAtomicSession opens one, invokes the handler, and either commits
// everything the handler did or none of it.
type Adapter interface {
	RequestAtomicSession(ctx context.Context, handler SessionHandler, payload model.SessionPayload) (model.NetDelta, error)

	// ModifyLiquidity applies liquidityDelta (positive deploys, negative
	// withdraws) to the allocation identified by allocationKey and returns
	// the signed per-asset amounts: negative means owed to the venue,
	// positive means owed back to the caller.
	ModifyLiquidity(ctx context.Context, poolRef common.Hash, lowerTick, upperTick int32, liquidityDelta *big.Int, allocationKey common.Hash) (amount0, amount1 *big.Int, err error)

	ActiveTick(ctx context.Context, poolRef common.Hash) (int32, error)
	TickSpacing(ctx context.Context, poolRef common.Hash) (int32, error)
	PoolAssets(ctx context.Context, poolRef common.Hash) (asset0, asset1 common.Address, err error)

	PullSettlement(ctx context.Context, asset, payer common.Address, amount *big.Int) error
	PushSettlement(ctx context.Context, asset, recipient common.Address, amount *big.Int) error
}

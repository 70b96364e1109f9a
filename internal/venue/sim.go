package venue

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"rangevault/internal/model"
)

// Sim is an in-process venue for tests and offline simulation. It keeps a
// token ledger and per-pool liquidity state, and runs atomic sessions with
// flash accounting: every amount a session incurs must be settled by its
// end, and a failed session restores the pre-session snapshot wholesale.
//
// A range is priced linearly: liquidity times tick width, split at the
// active tick (all asset0 above it, all asset1 at or below). The real
// curve belongs to the production venue; the engine only relies on
// withdraw/redeploy amounts being consistent with each other.
type Sim struct {
	pools     map[common.Hash]*simPool
	balances  map[common.Address]map[common.Address]*big.Int
	inSession bool
	flash     map[common.Address]*big.Int
}

type simPool struct {
	asset0      common.Address
	asset1      common.Address
	tickSpacing int32
	activeTick  int32
	liquidity   map[common.Hash]*big.Int
}

func NewSim() *Sim {
	return &Sim{
		pools:    make(map[common.Hash]*simPool),
		balances: make(map[common.Address]map[common.Address]*big.Int),
	}
}

// CreatePool registers a pool under ref. The pair order is fixed: asset0
// is quoted above the active tick, asset1 at or below it.
func (s *Sim) CreatePool(ref common.Hash, asset0, asset1 common.Address, tickSpacing, initialTick int32) error {
	if _, ok := s.pools[ref]; ok {
		return fmt.Errorf("pool %s: already exists", ref)
	}
	if tickSpacing <= 0 {
		return fmt.Errorf("pool %s: tick spacing must be positive", ref)
	}
	s.pools[ref] = &simPool{
		asset0:      asset0,
		asset1:      asset1,
		tickSpacing: tickSpacing,
		activeTick:  initialTick,
		liquidity:   make(map[common.Hash]*big.Int),
	}
	return nil
}

// SetActiveTick moves the pool's price coordinate. Scenario control only;
// the sim has no swap path.
func (s *Sim) SetActiveTick(ref common.Hash, tick int32) error {
	pool, ok := s.pools[ref]
	if !ok {
		return fmt.Errorf("pool %s: unknown", ref)
	}
	pool.activeTick = tick
	return nil
}

// Fund credits holder with amount of asset.
func (s *Sim) Fund(asset, holder common.Address, amount *big.Int) {
	if s.balances[asset] == nil {
		s.balances[asset] = make(map[common.Address]*big.Int)
	}
	bal, ok := s.balances[asset][holder]
	if !ok {
		bal = new(big.Int)
		s.balances[asset][holder] = bal
	}
	bal.Add(bal, amount)
}

// BalanceOf returns holder's ledger balance of asset.
func (s *Sim) BalanceOf(asset, holder common.Address) *big.Int {
	if s.balances[asset] == nil || s.balances[asset][holder] == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(s.balances[asset][holder])
}

// LiquidityOf returns the liquidity held under an allocation key.
func (s *Sim) LiquidityOf(ref, allocationKey common.Hash) *big.Int {
	pool, ok := s.pools[ref]
	if !ok || pool.liquidity[allocationKey] == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(pool.liquidity[allocationKey])
}

func (s *Sim) RequestAtomicSession(ctx context.Context, handler SessionHandler, payload model.SessionPayload) (model.NetDelta, error) {
	if s.inSession {
		return model.NetDelta{}, fmt.Errorf("session already open")
	}

	snap := s.snapshot()
	s.inSession = true
	s.flash = make(map[common.Address]*big.Int)

	delta, err := handler.HandleSession(ctx, s, payload)

	s.inSession = false
	flash := s.flash
	s.flash = nil

	if err != nil {
		s.restore(snap)
		return model.NetDelta{}, err
	}
	for asset, owed := range flash {
		if owed.Sign() != 0 {
			s.restore(snap)
			return model.NetDelta{}, fmt.Errorf("session left %s of %s unsettled", owed, asset)
		}
	}
	return delta, nil
}

func (s *Sim) ModifyLiquidity(ctx context.Context, poolRef common.Hash, lowerTick, upperTick int32, liquidityDelta *big.Int, allocationKey common.Hash) (*big.Int, *big.Int, error) {
	if !s.inSession {
		return nil, nil, fmt.Errorf("modify liquidity outside session")
	}
	pool, ok := s.pools[poolRef]
	if !ok {
		return nil, nil, fmt.Errorf("pool %s: unknown", poolRef)
	}
	if lowerTick >= upperTick {
		return nil, nil, fmt.Errorf("tick order: %d >= %d", lowerTick, upperTick)
	}
	if lowerTick%pool.tickSpacing != 0 || upperTick%pool.tickSpacing != 0 {
		return nil, nil, fmt.Errorf("ticks %d/%d not aligned to spacing %d", lowerTick, upperTick, pool.tickSpacing)
	}
	if liquidityDelta.Sign() == 0 {
		return new(big.Int), new(big.Int), nil
	}

	held, ok := pool.liquidity[allocationKey]
	if !ok {
		held = new(big.Int)
	}
	next := new(big.Int).Add(held, liquidityDelta)
	if next.Sign() < 0 {
		return nil, nil, fmt.Errorf("allocation %s: withdraw exceeds held liquidity", allocationKey)
	}
	if next.Sign() == 0 {
		delete(pool.liquidity, allocationKey)
	} else {
		pool.liquidity[allocationKey] = next
	}

	mag := new(big.Int).Abs(liquidityDelta)
	amt0, amt1 := rangeAmounts(mag, lowerTick, upperTick, pool.activeTick)
	if liquidityDelta.Sign() > 0 {
		amt0.Neg(amt0)
		amt1.Neg(amt1)
	}

	s.addFlash(pool.asset0, amt0)
	s.addFlash(pool.asset1, amt1)
	return amt0, amt1, nil
}

// rangeAmounts splits liquidity x width at the active tick: the part of
// the range above the tick is denominated in asset0, the rest in asset1.
func rangeAmounts(liquidity *big.Int, lower, upper, tick int32) (*big.Int, *big.Int) {
	var ticks0, ticks1 int64
	switch {
	case tick < lower:
		ticks0 = int64(upper) - int64(lower)
	case tick >= upper:
		ticks1 = int64(upper) - int64(lower)
	default:
		ticks0 = int64(upper) - int64(tick)
		ticks1 = int64(tick) - int64(lower)
	}
	amt0 := new(big.Int).Mul(liquidity, big.NewInt(ticks0))
	amt1 := new(big.Int).Mul(liquidity, big.NewInt(ticks1))
	return amt0, amt1
}

func (s *Sim) ActiveTick(ctx context.Context, poolRef common.Hash) (int32, error) {
	pool, ok := s.pools[poolRef]
	if !ok {
		return 0, fmt.Errorf("pool %s: unknown", poolRef)
	}
	return pool.activeTick, nil
}

func (s *Sim) TickSpacing(ctx context.Context, poolRef common.Hash) (int32, error) {
	pool, ok := s.pools[poolRef]
	if !ok {
		return 0, fmt.Errorf("pool %s: unknown", poolRef)
	}
	return pool.tickSpacing, nil
}

func (s *Sim) PoolAssets(ctx context.Context, poolRef common.Hash) (common.Address, common.Address, error) {
	pool, ok := s.pools[poolRef]
	if !ok {
		return common.Address{}, common.Address{}, fmt.Errorf("pool %s: unknown", poolRef)
	}
	return pool.asset0, pool.asset1, nil
}

// PullSettlement collects amount of asset from payer to cover a session
// debt.
func (s *Sim) PullSettlement(ctx context.Context, asset, payer common.Address, amount *big.Int) error {
	if !s.inSession {
		return fmt.Errorf("pull settlement outside session")
	}
	if amount.Sign() < 0 {
		return fmt.Errorf("pull amount must not be negative")
	}
	bal := s.balances[asset][payer]
	if bal == nil || bal.Cmp(amount) < 0 {
		return fmt.Errorf("payer %s: insufficient %s balance", payer, asset)
	}
	bal.Sub(bal, amount)
	s.addFlash(asset, amount)
	return nil
}

// PushSettlement pays amount of asset out of the session surplus to
// recipient.
func (s *Sim) PushSettlement(ctx context.Context, asset, recipient common.Address, amount *big.Int) error {
	if !s.inSession {
		return fmt.Errorf("push settlement outside session")
	}
	if amount.Sign() < 0 {
		return fmt.Errorf("push amount must not be negative")
	}
	s.Fund(asset, recipient, amount)
	s.addFlash(asset, new(big.Int).Neg(amount))
	return nil
}

func (s *Sim) addFlash(asset common.Address, amount *big.Int) {
	if amount.Sign() == 0 {
		return
	}
	owed, ok := s.flash[asset]
	if !ok {
		owed = new(big.Int)
		s.flash[asset] = owed
	}
	owed.Add(owed, amount)
}

type simSnapshot struct {
	pools    map[common.Hash]*simPool
	balances map[common.Address]map[common.Address]*big.Int
}

func (s *Sim) snapshot() simSnapshot {
	pools := make(map[common.Hash]*simPool, len(s.pools))
	for ref, pool := range s.pools {
		liq := make(map[common.Hash]*big.Int, len(pool.liquidity))
		for key, amount := range pool.liquidity {
			liq[key] = new(big.Int).Set(amount)
		}
		clone := *pool
		clone.liquidity = liq
		pools[ref] = &clone
	}
	balances := make(map[common.Address]map[common.Address]*big.Int, len(s.balances))
	for asset, holders := range s.balances {
		copied := make(map[common.Address]*big.Int, len(holders))
		for holder, bal := range holders {
			copied[holder] = new(big.Int).Set(bal)
		}
		balances[asset] = copied
	}
	return simSnapshot{pools: pools, balances: balances}
}

func (s *Sim) restore(snap simSnapshot) {
	s.pools = snap.pools
	s.balances = snap.balances
}

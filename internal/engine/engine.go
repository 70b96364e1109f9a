package engine

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"rangevault/internal/auth"
	"rangevault/internal/model"
	"rangevault/internal/storage"
	"rangevault/internal/store"
	"rangevault/internal/venue"
)

// DefaultDustTolerance bounds the absolute per-asset net delta a reshape
// may leave behind. Rounding in the venue's math is the only legitimate
// source of imbalance, so the tolerance is tiny relative to any real
// deployment.
var DefaultDustTolerance = big.NewInt(100)

// Config holds engine settings.
type Config struct {
	// DustTolerance overrides DefaultDustTolerance when non-nil.
	DustTolerance *big.Int
}

// Engine orchestrates atomic reshape sessions: classify existing
// allocations against the active tick, withdraw the inactive ones, deploy
// the requested targets, enforce token conservation, settle, and commit
// the new allocation set. Everything happens inside one venue session;
// any failure unwinds the whole operation.
//
// The enclosing environment serializes operations, so the engine holds at
// most one open session and never locks.
type Engine struct {
	registry *store.Registry
	venue    venue.Adapter
	owners   auth.Ownership
	events   storage.EventSink
	logger   *zap.Logger
	dust     *big.Int

	session *activeSession
}

// activeSession tracks the one in-flight session between the outer call
// and the venue's synchronous callback.
type activeSession struct {
	positionID uint64
	owner      common.Address

	// staged by the callback, committed by the outer call once the venue
	// finalizes the session
	kept      []model.RangeAllocation
	nextNonce uint64
	withdrawn int
	deployed  int
}

// New builds an Engine. events may be nil (no journal); logger may be nil.
func New(cfg Config, registry *store.Registry, venueAdapter venue.Adapter, owners auth.Ownership, events storage.EventSink, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	dust := cfg.DustTolerance
	if dust == nil {
		dust = DefaultDustTolerance
	}
	return &Engine{
		registry: registry,
		venue:    venueAdapter,
		owners:   owners,
		events:   events,
		logger:   logger,
		dust:     dust,
	}
}

// Create deploys initial liquidity into a fresh position and returns its
// id. It is a reshape against zero prior allocations: the straddle rule
// and the conservation check do not apply, and the maxDebt bounds cap what
// settlement may pull from the caller. The caller pays and becomes the
// position's owner; minting the matching ownership token is the external
// collaborator's job.
func (e *Engine) Create(ctx context.Context, caller common.Address, poolRef common.Hash, initial model.TargetRange, maxAsset0Debt, maxAsset1Debt *big.Int) (uint64, error) {
	if e.session != nil {
		return 0, fmt.Errorf("session already open")
	}

	pos := e.registry.Allocate(poolRef)
	payload := model.SessionPayload{
		PositionID:    pos.ID,
		TargetRanges:  []model.TargetRange{initial},
		MaxAsset0Debt: maxAsset0Debt,
		MaxAsset1Debt: maxAsset1Debt,
		Payer:         caller,
	}

	s := &activeSession{positionID: pos.ID, owner: caller}
	e.session = s
	_, err := e.venue.RequestAtomicSession(ctx, e, payload)
	e.session = nil
	if err != nil {
		e.registry.Discard(pos.ID)
		return 0, err
	}
	if err := e.registry.Commit(pos.ID, s.kept, s.nextNonce); err != nil {
		e.registry.Discard(pos.ID)
		return 0, fmt.Errorf("commit allocations: %w", err)
	}

	e.logger.Info("position created",
		zap.Uint64("position", pos.ID),
		zap.String("pool", poolRef.Hex()),
		zap.String("owner", caller.Hex()),
		zap.Int("ranges_deployed", s.deployed),
	)
	e.emit(model.EventRecord{
		Kind:           model.KindPositionCreated,
		PositionID:     pos.ID,
		Owner:          caller.Hex(),
		PoolRef:        poolRef.Hex(),
		RangesDeployed: s.deployed,
		EmittedAtUnix:  time.Now().Unix(),
	})
	return pos.ID, nil
}

// Reshape atomically withdraws the position's inactive allocations and
// deploys the target ranges, without swapping. Callable by the position's
// owner or an authorized delegate. The returned net delta is what
// settlement moved: negative amounts were pulled from payer, positive
// amounts pushed to the owner.
func (e *Engine) Reshape(ctx context.Context, caller common.Address, positionID uint64, targets []model.TargetRange, maxAsset0Debt, maxAsset1Debt *big.Int, payer common.Address) (model.NetDelta, error) {
	if e.session != nil {
		return model.NetDelta{}, fmt.Errorf("session already open")
	}

	if _, err := e.registry.Get(positionID); err != nil {
		return model.NetDelta{}, fmt.Errorf("position %d: %w", positionID, ErrNotFound)
	}
	owner, err := e.owners.OwnerOf(positionID)
	if err != nil {
		return model.NetDelta{}, fmt.Errorf("resolve owner: %w", err)
	}
	if caller != owner && !e.owners.IsAuthorized(owner, caller, positionID) {
		return model.NetDelta{}, fmt.Errorf("caller %s: %w", caller.Hex(), ErrUnauthorized)
	}

	payload := model.SessionPayload{
		PositionID:    positionID,
		TargetRanges:  targets,
		MaxAsset0Debt: maxAsset0Debt,
		MaxAsset1Debt: maxAsset1Debt,
		Payer:         payer,
	}

	s := &activeSession{positionID: positionID, owner: owner}
	e.session = s
	delta, err := e.venue.RequestAtomicSession(ctx, e, payload)
	e.session = nil
	if err != nil {
		return model.NetDelta{}, err
	}
	if err := e.registry.Commit(positionID, s.kept, s.nextNonce); err != nil {
		return model.NetDelta{}, fmt.Errorf("commit allocations: %w", err)
	}

	e.logger.Info("position reshaped",
		zap.Uint64("position", positionID),
		zap.Int("ranges_withdrawn", s.withdrawn),
		zap.Int("ranges_deployed", s.deployed),
	)
	e.emit(model.EventRecord{
		Kind:            model.KindPositionReshaped,
		PositionID:      positionID,
		RangesWithdrawn: s.withdrawn,
		RangesDeployed:  s.deployed,
		NetDelta0:       delta.Asset0.String(),
		NetDelta1:       delta.Asset1.String(),
		EmittedAtUnix:   time.Now().Unix(),
	})
	return delta, nil
}

// GetAllocations returns a read-only copy of the position's current
// allocation set.
func (e *Engine) GetAllocations(positionID uint64) ([]model.RangeAllocation, error) {
	if _, err := e.registry.Get(positionID); err != nil {
		return nil, fmt.Errorf("position %d: %w", positionID, ErrNotFound)
	}
	return e.registry.Allocations(positionID), nil
}

// HandleSession is the venue's synchronous callback. Only the adapter this
// engine was built with may call it, and only during a session the engine
// itself opened.
func (e *Engine) HandleSession(ctx context.Context, caller venue.Adapter, payload model.SessionPayload) (model.NetDelta, error) {
	s := e.session
	if s == nil || caller != e.venue || payload.PositionID != s.positionID {
		return model.NetDelta{}, ErrUntrustedCaller
	}

	pos, err := e.registry.Get(payload.PositionID)
	if err != nil {
		return model.NetDelta{}, fmt.Errorf("position %d: %w", payload.PositionID, ErrNotFound)
	}

	currentTick, err := e.venue.ActiveTick(ctx, pos.PoolRef)
	if err != nil {
		return model.NetDelta{}, fmt.Errorf("query active tick: %w", err)
	}
	spacing, err := e.venue.TickSpacing(ctx, pos.PoolRef)
	if err != nil {
		return model.NetDelta{}, fmt.Errorf("query tick spacing: %w", err)
	}

	existing := e.registry.Allocations(payload.PositionID)
	hadAllocations := len(existing) > 0
	delta := model.ZeroDelta()

	// Withdraw every inactive allocation; an allocation containing the
	// active tick stays untouched until price leaves it.
	kept := make([]model.RangeAllocation, 0, len(existing)+len(payload.TargetRanges))
	withdrawn := 0
	for _, alloc := range existing {
		if alloc.Contains(currentTick) {
			kept = append(kept, alloc)
			continue
		}
		liquidityOut := new(big.Int).Neg(alloc.LiquidityMagnitude.ToBig())
		amount0, amount1, err := e.venue.ModifyLiquidity(ctx, pos.PoolRef, alloc.LowerTick, alloc.UpperTick, liquidityOut, alloc.AllocationKey)
		if err != nil {
			return model.NetDelta{}, fmt.Errorf("withdraw [%d,%d): %w", alloc.LowerTick, alloc.UpperTick, err)
		}
		delta.Accumulate(amount0, amount1)
		withdrawn++
	}

	nonce := pos.NextAllocationNonce
	deployed := 0
	for _, target := range payload.TargetRanges {
		if target.LiquidityMagnitude == nil || target.LiquidityMagnitude.IsZero() {
			continue
		}
		if target.LowerTick >= target.UpperTick {
			return model.NetDelta{}, fmt.Errorf("[%d,%d): %w", target.LowerTick, target.UpperTick, ErrInvalidRange)
		}
		if target.LowerTick%spacing != 0 || target.UpperTick%spacing != 0 {
			return model.NetDelta{}, fmt.Errorf("[%d,%d) not aligned to spacing %d: %w", target.LowerTick, target.UpperTick, spacing, ErrInvalidRange)
		}
		if hadAllocations && target.LowerTick <= currentTick && currentTick < target.UpperTick {
			return model.NetDelta{}, fmt.Errorf("[%d,%d) contains tick %d: %w", target.LowerTick, target.UpperTick, currentTick, ErrRangeBlocked)
		}

		key := model.AllocationKey(payload.PositionID, nonce)
		nonce++
		amount0, amount1, err := e.venue.ModifyLiquidity(ctx, pos.PoolRef, target.LowerTick, target.UpperTick, target.LiquidityMagnitude.ToBig(), key)
		if err != nil {
			return model.NetDelta{}, fmt.Errorf("deploy [%d,%d): %w", target.LowerTick, target.UpperTick, err)
		}
		delta.Accumulate(amount0, amount1)
		kept = append(kept, model.RangeAllocation{
			LowerTick:          target.LowerTick,
			UpperTick:          target.UpperTick,
			LiquidityMagnitude: target.LiquidityMagnitude.Clone(),
			AllocationKey:      key,
		})
		deployed++
	}

	// Conservation: a reshape of a non-empty position must not net-swap.
	// First deployments are exempt; their inflow is bounded below by the
	// slippage check instead.
	if hadAllocations && !delta.WithinTolerance(e.dust) {
		return model.NetDelta{}, fmt.Errorf("delta (%s, %s): %w", delta.Asset0, delta.Asset1, ErrImbalanced)
	}

	asset0, asset1, err := e.venue.PoolAssets(ctx, pos.PoolRef)
	if err != nil {
		return model.NetDelta{}, fmt.Errorf("query pool assets: %w", err)
	}
	transfers, err := PlanSettlement(delta, payload.Payer, s.owner, asset0, asset1, !hadAllocations, payload.MaxAsset0Debt, payload.MaxAsset1Debt)
	if err != nil {
		return model.NetDelta{}, err
	}
	for _, transfer := range transfers {
		switch transfer.Kind {
		case Pull:
			err = e.venue.PullSettlement(ctx, transfer.Asset, transfer.Counterparty, transfer.Amount)
		case Push:
			err = e.venue.PushSettlement(ctx, transfer.Asset, transfer.Counterparty, transfer.Amount)
		}
		if err != nil {
			return model.NetDelta{}, fmt.Errorf("settle asset %s: %w", transfer.Asset, err)
		}
	}

	s.kept = kept
	s.nextNonce = nonce
	s.withdrawn = withdrawn
	s.deployed = deployed
	return delta, nil
}

// emit journals an event. Sinks are advisory: a failed write is logged
// and swallowed, it never unwinds a committed session.
func (e *Engine) emit(record model.EventRecord) {
	if e.events == nil {
		return
	}
	if err := e.events.PutEventBatch([]model.EventRecord{record}); err != nil {
		e.logger.Warn("event sink write failed", zap.Error(err))
	}
}

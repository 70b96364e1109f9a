package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"rangevault/internal/auth"
	"rangevault/internal/config"
	"rangevault/internal/engine"
	"rangevault/internal/model"
	"rangevault/internal/storage"
	"rangevault/internal/storage/postgres"
	"rangevault/internal/store"
	"rangevault/internal/venue"
)

// Fixed identities for the simulated world.
var (
	simPoolRef = crypto.Keccak256Hash([]byte("rangevault/sim-pool"))
	simAsset0  = common.HexToAddress("0x00000000000000000000000000000000000000a0")
	simAsset1  = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	simTrader  = common.HexToAddress("0x000000000000000000000000000000000000beef")
)

// scenarioOp is one line of a scenario JSONL file.
type scenarioOp struct {
	Op        string          `json:"op"`
	Asset     int             `json:"asset,omitempty"`
	Amount    string          `json:"amount,omitempty"`
	Tick      int32           `json:"tick,omitempty"`
	Lower     int32           `json:"lower,omitempty"`
	Upper     int32           `json:"upper,omitempty"`
	Liquidity string          `json:"liquidity,omitempty"`
	Position  uint64          `json:"position,omitempty"`
	Ranges    []scenarioRange `json:"ranges,omitempty"`
	MaxDebt0  string          `json:"max_debt0,omitempty"`
	MaxDebt1  string          `json:"max_debt1,omitempty"`
}

type scenarioRange struct {
	Lower     int32  `json:"lower"`
	Upper     int32  `json:"upper"`
	Liquidity string `json:"liquidity"`
}

// harness wires the engine, its collaborators, and the event sinks for
// one simulator run.
type harness struct {
	sim      *venue.Sim
	registry *store.Registry
	tokens   *auth.TokenRegistry
	eng      *engine.Engine
	memory   *storage.MemorySink
	logger   *zap.Logger
}

func newHarness(cfg config.Config, logger *zap.Logger) (*harness, error) {
	sim := venue.NewSim()
	if err := sim.CreatePool(simPoolRef, simAsset0, simAsset1, cfg.TickSpacing, cfg.InitialTick); err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	registry := store.NewRegistry()
	tokens := auth.NewTokenRegistry()
	memory := storage.NewMemorySink()
	sinks := storage.Fanout{storage.NewJsonlSink(cfg.Out), memory}

	eng := engine.New(engine.Config{DustTolerance: cfg.DustTolerance}, registry, sim, tokens, sinks, logger)

	return &harness{
		sim:      sim,
		registry: registry,
		tokens:   tokens,
		eng:      eng,
		memory:   memory,
		logger:   logger,
	}, nil
}

func (h *harness) apply(ctx context.Context, op scenarioOp) error {
	switch op.Op {
	case "fund":
		amount, err := parseBig(op.Amount)
		if err != nil {
			return fmt.Errorf("fund amount: %w", err)
		}
		h.sim.Fund(assetByIndex(op.Asset), simTrader, amount)
		return nil

	case "set-tick":
		return h.sim.SetActiveTick(simPoolRef, op.Tick)

	case "create":
		liquidity, err := uint256.FromDecimal(op.Liquidity)
		if err != nil {
			return fmt.Errorf("create liquidity: %w", err)
		}
		maxDebt0, maxDebt1, err := parseDebtBounds(op.MaxDebt0, op.MaxDebt1)
		if err != nil {
			return err
		}
		target := model.TargetRange{LowerTick: op.Lower, UpperTick: op.Upper, LiquidityMagnitude: liquidity}
		id, err := h.eng.Create(ctx, simTrader, simPoolRef, target, maxDebt0, maxDebt1)
		if err != nil {
			return err
		}
		h.tokens.Mint(id, simTrader)
		return nil

	case "reshape":
		targets := make([]model.TargetRange, 0, len(op.Ranges))
		for _, r := range op.Ranges {
			liquidity, err := uint256.FromDecimal(r.Liquidity)
			if err != nil {
				return fmt.Errorf("reshape liquidity: %w", err)
			}
			targets = append(targets, model.TargetRange{LowerTick: r.Lower, UpperTick: r.Upper, LiquidityMagnitude: liquidity})
		}
		maxDebt0, maxDebt1, err := parseDebtBounds(op.MaxDebt0, op.MaxDebt1)
		if err != nil {
			return err
		}
		delta, err := h.eng.Reshape(ctx, simTrader, op.Position, targets, maxDebt0, maxDebt1, simTrader)
		if err != nil {
			return err
		}
		h.logger.Debug("reshape delta",
			zap.Uint64("position", op.Position),
			zap.String("asset0", delta.Asset0.String()),
			zap.String("asset1", delta.Asset1.String()),
		)
		return nil

	default:
		return fmt.Errorf("unknown op %q", op.Op)
	}
}

func runScenario(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	if cfg.Scenario == "" {
		return fmt.Errorf("scenario path is required")
	}

	h, err := newHarness(cfg, logger)
	if err != nil {
		return err
	}

	file, err := os.Open(cfg.Scenario)
	if err != nil {
		return fmt.Errorf("open scenario: %w", err)
	}
	defer file.Close()

	logger.Info("simulate start",
		zap.String("scenario", cfg.Scenario),
		zap.String("out", cfg.Out),
		zap.Int32("tick_spacing", cfg.TickSpacing),
		zap.Int32("initial_tick", cfg.InitialTick),
		zap.String("dust_tolerance", cfg.DustTolerance.String()),
	)

	scanner := bufio.NewScanner(file)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var op scenarioOp
		if err := json.Unmarshal(line, &op); err != nil {
			return fmt.Errorf("scenario line %d: %w", lineNo, err)
		}
		if err := h.apply(ctx, op); err != nil {
			return fmt.Errorf("scenario line %d (%s): %w", lineNo, op.Op, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read scenario: %w", err)
	}

	if cfg.PgDSN != "" {
		if err := snapshotToPostgres(ctx, cfg.PgDSN, h); err != nil {
			return err
		}
	}

	logger.Info("simulate complete", zap.Int("positions", len(h.registry.Positions())))
	return nil
}

// runFixedDemo walks the canonical sequence: fund, first deployment,
// price move, pure reshape onto the same side of the tick.
func runFixedDemo(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	cfg.InitialTick = 0

	h, err := newHarness(cfg, logger)
	if err != nil {
		return err
	}

	spacing := int64(cfg.TickSpacing)
	liquidity := "1000000000000000000000"
	funding, _ := new(big.Int).SetString("1000000000000000000000000000", 10)
	h.sim.Fund(simAsset0, simTrader, funding)
	h.sim.Fund(simAsset1, simTrader, funding)

	ops := []scenarioOp{
		{Op: "create", Lower: int32(-spacing), Upper: int32(spacing), Liquidity: liquidity},
		{Op: "set-tick", Tick: int32(4 * spacing)},
		{Op: "reshape", Position: 1, Ranges: []scenarioRange{{Lower: 0, Upper: int32(2 * spacing), Liquidity: liquidity}}},
	}
	for i, op := range ops {
		if err := h.apply(ctx, op); err != nil {
			return fmt.Errorf("demo step %d (%s): %w", i+1, op.Op, err)
		}
	}

	allocations, err := h.eng.GetAllocations(1)
	if err != nil {
		return err
	}
	for _, alloc := range allocations {
		logger.Info("allocation",
			zap.Int32("lower", alloc.LowerTick),
			zap.Int32("upper", alloc.UpperTick),
			zap.String("liquidity", alloc.LiquidityMagnitude.Dec()),
			zap.String("key", alloc.AllocationKey.Hex()),
		)
	}
	return nil
}

func snapshotToPostgres(ctx context.Context, dsn string, h *harness) error {
	pg, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pg.Close()

	positions := h.registry.Positions()
	poolRefs := make([]string, len(positions))
	for i := range positions {
		poolRefs[i] = positions[i].PoolRef.Hex()
	}
	if err := pg.UpsertPositions(ctx, positions, poolRefs); err != nil {
		return fmt.Errorf("upsert positions: %w", err)
	}

	for _, pos := range positions {
		allocations := h.registry.Allocations(pos.ID)
		records := make([]model.AllocationRecord, 0, len(allocations))
		for _, alloc := range allocations {
			records = append(records, model.AllocationRecord{
				PositionID:    pos.ID,
				LowerTick:     alloc.LowerTick,
				UpperTick:     alloc.UpperTick,
				Liquidity:     alloc.LiquidityMagnitude.Dec(),
				AllocationKey: alloc.AllocationKey.Hex(),
			})
		}
		if err := pg.ReplaceAllocations(ctx, pos.ID, records); err != nil {
			return fmt.Errorf("replace allocations for position %d: %w", pos.ID, err)
		}
	}

	if err := pg.InsertEvents(ctx, h.memory.Events()); err != nil {
		return fmt.Errorf("insert events: %w", err)
	}
	return nil
}

func assetByIndex(index int) common.Address {
	if index == 1 {
		return simAsset1
	}
	return simAsset0
}

func parseBig(raw string) (*big.Int, error) {
	amount, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("not a base-10 integer: %q", raw)
	}
	return amount, nil
}

// parseDebtBounds turns optional decimal strings into bounds; empty means
// unbounded.
func parseDebtBounds(raw0, raw1 string) (*big.Int, *big.Int, error) {
	var maxDebt0, maxDebt1 *big.Int
	if raw0 != "" {
		parsed, err := parseBig(raw0)
		if err != nil {
			return nil, nil, fmt.Errorf("max_debt0: %w", err)
		}
		maxDebt0 = parsed
	}
	if raw1 != "" {
		parsed, err := parseBig(raw1)
		if err != nil {
			return nil, nil, fmt.Errorf("max_debt1: %w", err)
		}
		maxDebt1 = parsed
	}
	return maxDebt0, maxDebt1, nil
}

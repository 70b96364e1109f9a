package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"rangevault/internal/model"
)

// Store provides Postgres persistence for position snapshots and the
// event journal.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("pg dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// UpsertPositions inserts or updates position records.
func (s *Store) UpsertPositions(ctx context.Context, positions []model.Position, poolRefs []string) error {
	if len(positions) == 0 {
		return nil
	}
	if len(poolRefs) != len(positions) {
		return fmt.Errorf("pool refs length %d does not match positions %d", len(poolRefs), len(positions))
	}
	batch := &pgx.Batch{}
	for i, pos := range positions {
		batch.Queue(`
			INSERT INTO positions (
				position_id, pool_ref, next_allocation_nonce, created_at, updated_at
			) VALUES ($1, $2, $3, now(), now())
			ON CONFLICT (position_id)
			DO UPDATE SET
				next_allocation_nonce = EXCLUDED.next_allocation_nonce,
				updated_at = now()
		`,
			int64(pos.ID),
			poolRefs[i],
			int64(pos.NextAllocationNonce),
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range positions {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

// ReplaceAllocations swaps a position's stored allocation set for the
// given one, atomically.
func (s *Store) ReplaceAllocations(ctx context.Context, positionID uint64, allocations []model.AllocationRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM range_allocations WHERE position_id = $1`, int64(positionID)); err != nil {
		return fmt.Errorf("clear allocations: %w", err)
	}
	for _, alloc := range allocations {
		if _, err := tx.Exec(ctx, `
			INSERT INTO range_allocations (
				position_id, lower_tick, upper_tick, liquidity, allocation_key, created_at
			) VALUES ($1, $2, $3, $4, $5, now())
		`,
			int64(alloc.PositionID),
			alloc.LowerTick,
			alloc.UpperTick,
			alloc.Liquidity,
			alloc.AllocationKey,
		); err != nil {
			return fmt.Errorf("insert allocation: %w", err)
		}
	}

	return tx.Commit(ctx)
}

// InsertEvents appends event records to the journal.
func (s *Store) InsertEvents(ctx context.Context, events []model.EventRecord) error {
	if len(events) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, event := range events {
		batch.Queue(`
			INSERT INTO position_events (
				kind, position_id, owner, pool_ref, ranges_withdrawn, ranges_deployed,
				net_delta0, net_delta1, emitted_at_unix, created_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,now())
		`,
			event.Kind,
			int64(event.PositionID),
			event.Owner,
			event.PoolRef,
			event.RangesWithdrawn,
			event.RangesDeployed,
			event.NetDelta0,
			event.NetDelta1,
			event.EmittedAtUnix,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range events {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/efreitasn/holdings/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var schema = []string{
	`create table if not exists holdings (
		instrument     text primary key,
		quantity       bigint not null check (quantity > 0),
		average_cost   numeric not null,
		cost_basis     numeric not null,
		last_price     numeric not null,
		day_change_pct numeric not null default 0,
		net_change_pct numeric not null default 0,
		updated_at     timestamptz not null
	)`,
	`create table if not exists order_ledger (
		instrument          text not null,
		side                text not null check (side in ('BUY', 'SELL')),
		cumulative_quantity bigint not null check (cumulative_quantity >= 0),
		last_price          numeric not null,
		updated_at          timestamptz not null,
		primary key (instrument, side)
	)`,
}

// NewPool opens a pgx connection pool and checks connectivity.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// Migrate creates the holdings and order_ledger tables if missing.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// PostgresHoldingsStore keeps holdings in the holdings table. Each method
// is a single statement, so every read and write is atomic per row.
type PostgresHoldingsStore struct {
	pool *pgxpool.Pool
}

// NewPostgresHoldingsStore creates a holdings store backed by pool.
func NewPostgresHoldingsStore(pool *pgxpool.Pool) *PostgresHoldingsStore {
	return &PostgresHoldingsStore{pool: pool}
}

const holdingColumns = `instrument, quantity, average_cost::text, cost_basis::text, last_price::text, day_change_pct::text, net_change_pct::text, updated_at`

func (s *PostgresHoldingsStore) Get(ctx context.Context, instrument string) (domain.Holding, bool, error) {
	row := s.pool.QueryRow(ctx, `select `+holdingColumns+` from holdings where instrument = $1`, instrument)
	h, err := scanHolding(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Holding{}, false, nil
	}
	if err != nil {
		return domain.Holding{}, false, err
	}
	return h, true, nil
}

func (s *PostgresHoldingsStore) Put(ctx context.Context, h domain.Holding) error {
	_, err := s.pool.Exec(ctx, `
		insert into holdings (instrument, quantity, average_cost, cost_basis, last_price, day_change_pct, net_change_pct, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
		on conflict (instrument) do update set
			quantity = excluded.quantity,
			average_cost = excluded.average_cost,
			cost_basis = excluded.cost_basis,
			last_price = excluded.last_price,
			day_change_pct = excluded.day_change_pct,
			net_change_pct = excluded.net_change_pct,
			updated_at = excluded.updated_at`,
		h.Instrument, h.Quantity, h.AverageCost, h.CostBasis, h.LastPrice, h.DayChangePct, h.NetChangePct, h.UpdatedAt.UTC())
	return err
}

func (s *PostgresHoldingsStore) Remove(ctx context.Context, instrument string) error {
	_, err := s.pool.Exec(ctx, `delete from holdings where instrument = $1`, instrument)
	return err
}

func (s *PostgresHoldingsStore) List(ctx context.Context) ([]domain.Holding, error) {
	rows, err := s.pool.Query(ctx, `select `+holdingColumns+` from holdings order by instrument`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]domain.Holding, 0)
	for rows.Next() {
		h, err := scanHolding(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func scanHolding(row pgx.Row) (domain.Holding, error) {
	var h domain.Holding
	var avg, cost, last, day, net string
	if err := row.Scan(&h.Instrument, &h.Quantity, &avg, &cost, &last, &day, &net, &h.UpdatedAt); err != nil {
		return domain.Holding{}, err
	}
	var err error
	if h.AverageCost, err = decimal.NewFromString(avg); err != nil {
		return domain.Holding{}, fmt.Errorf("parse average_cost: %w", err)
	}
	if h.CostBasis, err = decimal.NewFromString(cost); err != nil {
		return domain.Holding{}, fmt.Errorf("parse cost_basis: %w", err)
	}
	if h.LastPrice, err = decimal.NewFromString(last); err != nil {
		return domain.Holding{}, fmt.Errorf("parse last_price: %w", err)
	}
	if h.DayChangePct, err = decimal.NewFromString(day); err != nil {
		return domain.Holding{}, fmt.Errorf("parse day_change_pct: %w", err)
	}
	if h.NetChangePct, err = decimal.NewFromString(net); err != nil {
		return domain.Holding{}, fmt.Errorf("parse net_change_pct: %w", err)
	}
	return h, nil
}

// PostgresLedgerStore keeps ledger entries in the order_ledger table.
type PostgresLedgerStore struct {
	pool *pgxpool.Pool
}

// NewPostgresLedgerStore creates a ledger store backed by pool.
func NewPostgresLedgerStore(pool *pgxpool.Pool) *PostgresLedgerStore {
	return &PostgresLedgerStore{pool: pool}
}

// RecordActivity is a single increment-or-insert statement, so concurrent
// callers on the same key never observe or write a stale tally. The update
// is skipped when the sum would leave bigint range; no row comes back and
// domain.ErrQuantityOverflow is returned.
func (s *PostgresLedgerStore) RecordActivity(ctx context.Context, instrument string, side domain.Side, quantity int64, price decimal.Decimal) (domain.LedgerEntry, error) {
	row := s.pool.QueryRow(ctx, `
		insert into order_ledger (instrument, side, cumulative_quantity, last_price, updated_at)
		values ($1, $2, $3, $4, $5)
		on conflict (instrument, side) do update set
			cumulative_quantity = order_ledger.cumulative_quantity + excluded.cumulative_quantity,
			last_price = excluded.last_price,
			updated_at = excluded.updated_at
		where order_ledger.cumulative_quantity <= $6 - excluded.cumulative_quantity
		returning instrument, side, cumulative_quantity, last_price::text, updated_at`,
		instrument, string(side), quantity, price, time.Now().UTC(), int64(math.MaxInt64))
	e, err := scanLedgerEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.LedgerEntry{}, fmt.Errorf("%w: %s/%s activity of %d",
			domain.ErrQuantityOverflow, instrument, side, quantity)
	}
	return e, err
}

func (s *PostgresLedgerStore) Get(ctx context.Context, instrument string, side domain.Side) (domain.LedgerEntry, bool, error) {
	row := s.pool.QueryRow(ctx, `
		select instrument, side, cumulative_quantity, last_price::text, updated_at
		from order_ledger where instrument = $1 and side = $2`, instrument, string(side))
	e, err := scanLedgerEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.LedgerEntry{}, false, nil
	}
	if err != nil {
		return domain.LedgerEntry{}, false, err
	}
	return e, true, nil
}

func (s *PostgresLedgerStore) List(ctx context.Context) ([]domain.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx, `
		select instrument, side, cumulative_quantity, last_price::text, updated_at
		from order_ledger order by instrument, side`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]domain.LedgerEntry, 0)
	for rows.Next() {
		e, err := scanLedgerEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanLedgerEntry(row pgx.Row) (domain.LedgerEntry, error) {
	var e domain.LedgerEntry
	var side, last string
	if err := row.Scan(&e.Instrument, &side, &e.CumulativeQuantity, &last, &e.UpdatedAt); err != nil {
		return domain.LedgerEntry{}, err
	}
	e.Side = domain.Side(side)
	var err error
	if e.LastPrice, err = decimal.NewFromString(last); err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("parse last_price: %w", err)
	}
	return e, nil
}

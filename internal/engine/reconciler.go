package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/efreitasn/holdings/internal/domain"
	"github.com/shopspring/decimal"
)

// HoldingsStore is the keyed holdings mapping the reconciler mutates.
// Implementations need atomic single-key reads and writes only.
type HoldingsStore interface {
	Get(ctx context.Context, instrument string) (domain.Holding, bool, error)
	Put(ctx context.Context, h domain.Holding) error
	Remove(ctx context.Context, instrument string) error
	List(ctx context.Context) ([]domain.Holding, error)
}

// LedgerStore is the (instrument, side) activity tally. RecordActivity
// must be an atomic increment-or-insert.
type LedgerStore interface {
	RecordActivity(ctx context.Context, instrument string, side domain.Side, quantity int64, price decimal.Decimal) (domain.LedgerEntry, error)
	List(ctx context.Context) ([]domain.LedgerEntry, error)
}

// LedgerMode decides whether a rejected sell is still recorded in the
// ledger.
type LedgerMode string

const (
	// LedgerAttempted records every validated order before the holding is
	// checked, so the ledger tallies attempted activity.
	LedgerAttempted LedgerMode = "attempted"
	// LedgerSettled records only orders that changed the holding.
	LedgerSettled LedgerMode = "settled"
)

// Outcome labels reported to the Observer.
const (
	OutcomeAccepted     = "accepted"
	OutcomeInsufficient = "insufficient_quantity"
	OutcomeOverflow     = "quantity_overflow"
	OutcomeLockTimeout  = "lock_timeout"
	OutcomeError        = "error"
)

// Observer receives engine measurements. Implementations must be safe for
// concurrent use.
type Observer interface {
	ObserveApply(side domain.Side, outcome string, lockWait, total time.Duration)
	ObservePositions(delta int)
}

type nopObserver struct{}

func (nopObserver) ObserveApply(domain.Side, string, time.Duration, time.Duration) {}
func (nopObserver) ObservePositions(int)                                           {}

// Result is the outcome of applying one order.
type Result struct {
	// Holding is the state after the order. When Removed is true it carries
	// zero quantity and is no longer stored. On ErrInsufficientQuantity it
	// is the untouched holding.
	Holding domain.Holding
	Removed bool
	// Entry is the ledger entry after recording, valid when Recorded.
	Entry    domain.LedgerEntry
	Recorded bool
}

// Options configures a Reconciler. The zero value is usable.
type Options struct {
	Mode LedgerMode
	// LockTimeout bounds the wait for the per-instrument lock. Zero waits
	// as long as the caller's context allows.
	LockTimeout time.Duration
	Observer    Observer
	Now         func() time.Time
}

// Reconciler folds validated orders into the holdings store. Holdings are
// only ever mutated here, under the per-instrument lock, with the ledger
// update and the holding read-modify-write done as one unit.
type Reconciler struct {
	holdings    HoldingsStore
	ledger      LedgerStore
	locks       *PositionSerializer
	mode        LedgerMode
	lockTimeout time.Duration
	observer    Observer
	now         func() time.Time
}

// NewReconciler creates a Reconciler over the given stores.
func NewReconciler(holdings HoldingsStore, ledger LedgerStore, locks *PositionSerializer, opts Options) *Reconciler {
	r := &Reconciler{
		holdings:    holdings,
		ledger:      ledger,
		locks:       locks,
		mode:        opts.Mode,
		lockTimeout: opts.LockTimeout,
		observer:    opts.Observer,
		now:         opts.Now,
	}
	if r.mode == "" {
		r.mode = LedgerAttempted
	}
	if r.observer == nil {
		r.observer = nopObserver{}
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// Mode returns the configured ledger mode.
func (r *Reconciler) Mode() LedgerMode {
	return r.mode
}

// Apply reconciles one order:
//
//  1. acquire the lock for the order's instrument (bounded by LockTimeout
//     and ctx, failing with domain.ErrLockTimeout);
//  2. record ledger activity (attempted mode);
//  3. read the current holding;
//  4. fold the order into it, failing a short sell with
//     domain.ErrInsufficientQuantity and an int64 overflow with
//     domain.ErrQuantityOverflow;
//  5. record ledger activity (settled mode) and write or remove the holding.
//
// Steps 2–5 run under the lock and are not interrupted by ctx once the lock
// is held. The engine never retries.
func (r *Reconciler) Apply(ctx context.Context, order domain.ValidatedOrder) (Result, error) {
	start := time.Now()

	lockCtx := ctx
	if r.lockTimeout > 0 {
		var cancel context.CancelFunc
		lockCtx, cancel = context.WithTimeout(ctx, r.lockTimeout)
		defer cancel()
	}

	var (
		res      Result
		lockWait time.Duration
	)
	err := r.locks.WithLock(lockCtx, order.Instrument(), func() error {
		lockWait = time.Since(start)
		var err error
		res, err = r.reconcile(context.WithoutCancel(ctx), order)
		return err
	})

	outcome := OutcomeAccepted
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrLockTimeout):
		lockWait = time.Since(start)
		outcome = OutcomeLockTimeout
	case errors.Is(err, domain.ErrInsufficientQuantity):
		outcome = OutcomeInsufficient
	case errors.Is(err, domain.ErrQuantityOverflow):
		outcome = OutcomeOverflow
	default:
		outcome = OutcomeError
	}
	r.observer.ObserveApply(order.Side(), outcome, lockWait, time.Since(start))
	return res, err
}

// reconcile runs with the instrument lock held.
func (r *Reconciler) reconcile(ctx context.Context, order domain.ValidatedOrder) (Result, error) {
	var res Result

	if r.mode == LedgerAttempted {
		if err := r.record(ctx, order, &res); err != nil {
			return res, err
		}
	}

	existing, found, err := r.holdings.Get(ctx, order.Instrument())
	if err != nil {
		return res, fmt.Errorf("read holding %s: %w", order.Instrument(), err)
	}
	if !found {
		existing = domain.Holding{Instrument: order.Instrument()}
	}

	next, err := Fold(existing, order, r.now().UTC())
	if err != nil {
		res.Holding = existing
		return res, err
	}

	if r.mode == LedgerSettled {
		if err := r.record(ctx, order, &res); err != nil {
			return res, err
		}
	}

	if next.Quantity == 0 {
		if err := r.holdings.Remove(ctx, order.Instrument()); err != nil {
			return res, fmt.Errorf("remove holding %s: %w", order.Instrument(), err)
		}
		res.Holding = next
		res.Removed = true
		r.observer.ObservePositions(-1)
		return res, nil
	}

	if err := r.holdings.Put(ctx, next); err != nil {
		return res, fmt.Errorf("write holding %s: %w", order.Instrument(), err)
	}
	res.Holding = next
	if !found {
		r.observer.ObservePositions(1)
	}
	return res, nil
}

func (r *Reconciler) record(ctx context.Context, order domain.ValidatedOrder, res *Result) error {
	entry, err := r.ledger.RecordActivity(ctx, order.Instrument(), order.Side(), order.Quantity(), order.Price())
	if err != nil {
		return fmt.Errorf("record ledger activity %s/%s: %w", order.Instrument(), order.Side(), err)
	}
	res.Entry = entry
	res.Recorded = true
	return nil
}

// Holdings returns a snapshot of all open holdings without taking any
// instrument lock.
func (r *Reconciler) Holdings(ctx context.Context) ([]domain.Holding, error) {
	return r.holdings.List(ctx)
}

// Holding returns the open holding for instrument, or
// domain.ErrHoldingNotFound.
func (r *Reconciler) Holding(ctx context.Context, instrument string) (domain.Holding, error) {
	h, ok, err := r.holdings.Get(ctx, instrument)
	if err != nil {
		return domain.Holding{}, err
	}
	if !ok {
		return domain.Holding{}, domain.ErrHoldingNotFound
	}
	return h, nil
}

// OrderActivity returns a snapshot of the ledger without taking any
// instrument lock.
func (r *Reconciler) OrderActivity(ctx context.Context) ([]domain.LedgerEntry, error) {
	return r.ledger.List(ctx)
}

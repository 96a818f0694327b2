package engine

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/efreitasn/holdings/internal/domain"
	"github.com/efreitasn/holdings/internal/store"
)

// recordingObserver counts outcomes and tracks the open position delta.
type recordingObserver struct {
	mu        sync.Mutex
	outcomes  map[string]int
	positions int
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{outcomes: make(map[string]int)}
}

func (o *recordingObserver) ObserveApply(_ domain.Side, outcome string, _, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes[outcome]++
}

func (o *recordingObserver) ObservePositions(delta int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.positions += delta
}

// slowHoldings delays every Get to widen race windows.
type slowHoldings struct {
	*store.HoldingsStore
	delay time.Duration
}

func (s slowHoldings) Get(ctx context.Context, instrument string) (domain.Holding, bool, error) {
	time.Sleep(s.delay)
	return s.HoldingsStore.Get(ctx, instrument)
}

// failingHoldings fails every Put.
type failingHoldings struct {
	*store.HoldingsStore
}

func (failingHoldings) Put(context.Context, domain.Holding) error {
	return errors.New("disk full")
}

type testEngine struct {
	*Reconciler
	holdings *store.HoldingsStore
	ledger   *store.LedgerStore
	locks    *PositionSerializer
	observer *recordingObserver
}

func newTestEngine(mode LedgerMode) *testEngine {
	te := &testEngine{
		holdings: store.NewHoldingsStore(),
		ledger:   store.NewLedgerStore(),
		locks:    NewPositionSerializer(),
		observer: newRecordingObserver(),
	}
	te.Reconciler = NewReconciler(te.holdings, te.ledger, te.locks, Options{Mode: mode, Observer: te.observer})
	return te
}

func TestReconciler_WorkedExample(t *testing.T) {
	e := newTestEngine(LedgerAttempted)
	ctx := context.Background()

	res, err := e.Apply(ctx, mustOrder(t, "INFY", domain.SideBuy, 10, "100"))
	if err != nil {
		t.Fatalf("buy 10: %v", err)
	}
	if res.Holding.Quantity != 10 || !res.Holding.AverageCost.Equal(dec("100")) {
		t.Fatalf("after buy 10: %+v", res.Holding)
	}

	res, err = e.Apply(ctx, mustOrder(t, "INFY", domain.SideBuy, 5, "120"))
	if err != nil {
		t.Fatalf("buy 5: %v", err)
	}
	wantAvg := dec("1600").Div(dec("15"))
	if res.Holding.Quantity != 15 || !res.Holding.AverageCost.Equal(wantAvg) {
		t.Fatalf("after buy 5: qty=%d avg=%s, want 15 / %s", res.Holding.Quantity, res.Holding.AverageCost, wantAvg)
	}
	if !res.Holding.AverageCost.Round(3).Equal(dec("106.667")) {
		t.Fatalf("AverageCost = %s, want ~106.667", res.Holding.AverageCost)
	}

	res, err = e.Apply(ctx, mustOrder(t, "INFY", domain.SideSell, 15, "130"))
	if err != nil {
		t.Fatalf("sell 15: %v", err)
	}
	if !res.Removed {
		t.Fatal("expected holding to be removed")
	}
	if _, err := e.Holding(ctx, "INFY"); !errors.Is(err, domain.ErrHoldingNotFound) {
		t.Fatalf("expected ErrHoldingNotFound, got %v", err)
	}

	_, err = e.Apply(ctx, mustOrder(t, "INFY", domain.SideSell, 1, "130"))
	if !errors.Is(err, domain.ErrInsufficientQuantity) {
		t.Fatalf("expected ErrInsufficientQuantity, got %v", err)
	}

	if e.observer.outcomes[OutcomeAccepted] != 3 || e.observer.outcomes[OutcomeInsufficient] != 1 {
		t.Fatalf("unexpected outcomes %v", e.observer.outcomes)
	}
	if e.observer.positions != 0 {
		t.Fatalf("open position delta = %d, want 0", e.observer.positions)
	}
}

func TestReconciler_OversellLeavesHoldingUnchanged(t *testing.T) {
	e := newTestEngine(LedgerAttempted)
	ctx := context.Background()
	_, _ = e.Apply(ctx, mustOrder(t, "TCS", domain.SideBuy, 5, "3000"))

	res, err := e.Apply(ctx, mustOrder(t, "TCS", domain.SideSell, 6, "3100"))
	if !errors.Is(err, domain.ErrInsufficientQuantity) {
		t.Fatalf("expected ErrInsufficientQuantity, got %v", err)
	}
	if res.Holding.Quantity != 5 {
		t.Fatalf("result holding = %+v, want untouched", res.Holding)
	}

	h, err := e.Holding(ctx, "TCS")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h.Quantity != 5 || !h.AverageCost.Equal(dec("3000")) || !h.LastPrice.Equal(dec("3000")) {
		t.Fatalf("holding changed by rejected sell: %+v", h)
	}
}

func TestReconciler_LedgerModes(t *testing.T) {
	tests := []struct {
		mode         LedgerMode
		wantSellQty  int64
		wantRecorded bool
	}{
		{LedgerAttempted, 6, true},
		{LedgerSettled, 0, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			e := newTestEngine(tt.mode)
			ctx := context.Background()
			_, _ = e.Apply(ctx, mustOrder(t, "TCS", domain.SideBuy, 5, "3000"))

			res, err := e.Apply(ctx, mustOrder(t, "TCS", domain.SideSell, 6, "3100"))
			if !errors.Is(err, domain.ErrInsufficientQuantity) {
				t.Fatalf("expected ErrInsufficientQuantity, got %v", err)
			}
			if res.Recorded != tt.wantRecorded {
				t.Fatalf("Recorded = %v, want %v", res.Recorded, tt.wantRecorded)
			}

			entry, ok, _ := e.ledger.Get(ctx, "TCS", domain.SideSell)
			if entry.CumulativeQuantity != tt.wantSellQty || ok != tt.wantRecorded {
				t.Fatalf("sell ledger = %+v (present %v), want qty %d", entry, ok, tt.wantSellQty)
			}

			buy, _, _ := e.ledger.Get(ctx, "TCS", domain.SideBuy)
			if buy.CumulativeQuantity != 5 {
				t.Fatalf("buy ledger = %d, want 5", buy.CumulativeQuantity)
			}
		})
	}
}

func TestReconciler_ConcurrentBuysLoseNothing(t *testing.T) {
	e := newTestEngine(LedgerAttempted)
	ctx := context.Background()
	const n = 200
	order := mustOrder(t, "RELIANCE", domain.SideBuy, 1, "2850.5")
	var wg sync.WaitGroup

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := e.Apply(ctx, order); err != nil {
				t.Errorf("apply: %v", err)
			}
		}()
	}
	wg.Wait()

	h, err := e.Holding(ctx, "RELIANCE")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h.Quantity != n {
		t.Fatalf("Quantity = %d, want %d", h.Quantity, n)
	}
	if !h.AverageCost.Equal(dec("2850.5")) {
		t.Fatalf("AverageCost = %s, want 2850.5", h.AverageCost)
	}
	entry, _, _ := e.ledger.Get(ctx, "RELIANCE", domain.SideBuy)
	if entry.CumulativeQuantity != n {
		t.Fatalf("ledger CumulativeQuantity = %d, want %d", entry.CumulativeQuantity, n)
	}
}

func TestReconciler_ConcurrentSellsCannotOversell(t *testing.T) {
	holdings := store.NewHoldingsStore()
	r := NewReconciler(slowHoldings{holdings, 5 * time.Millisecond}, store.NewLedgerStore(), NewPositionSerializer(), Options{})
	ctx := context.Background()
	if _, err := r.Apply(ctx, mustOrder(t, "INFY", domain.SideBuy, 10, "100")); err != nil {
		t.Fatalf("seed: %v", err)
	}

	sell := mustOrder(t, "INFY", domain.SideSell, 6, "110")
	var (
		wg           sync.WaitGroup
		succeeded    atomic.Int32
		insufficient atomic.Int32
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Apply(ctx, sell)
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, domain.ErrInsufficientQuantity):
				insufficient.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if succeeded.Load() != 1 || insufficient.Load() != 1 {
		t.Fatalf("succeeded=%d insufficient=%d, want 1/1", succeeded.Load(), insufficient.Load())
	}
	h, _, _ := holdings.Get(ctx, "INFY")
	if h.Quantity != 4 {
		t.Fatalf("Quantity = %d, want 4", h.Quantity)
	}
}

func TestReconciler_DifferentInstrumentsDoNotBlock(t *testing.T) {
	const delay = 100 * time.Millisecond
	r := NewReconciler(slowHoldings{store.NewHoldingsStore(), delay}, store.NewLedgerStore(), NewPositionSerializer(), Options{})
	ctx := context.Background()

	orders := []domain.ValidatedOrder{
		mustOrder(t, "A", domain.SideBuy, 1, "10"),
		mustOrder(t, "B", domain.SideBuy, 1, "10"),
	}

	start := time.Now()
	var wg sync.WaitGroup
	for _, o := range orders {
		wg.Add(1)
		go func(o domain.ValidatedOrder) {
			defer wg.Done()
			if _, err := r.Apply(ctx, o); err != nil {
				t.Errorf("apply %s: %v", o.Instrument(), err)
			}
		}(o)
	}
	wg.Wait()

	if elapsed := time.Since(start); elapsed >= 2*delay-20*time.Millisecond {
		t.Fatalf("elapsed %v suggests A and B were serialized", elapsed)
	}
}

func TestReconciler_LockTimeout(t *testing.T) {
	holdings := store.NewHoldingsStore()
	ledger := store.NewLedgerStore()
	locks := NewPositionSerializer()
	obs := newRecordingObserver()
	r := NewReconciler(holdings, ledger, locks, Options{LockTimeout: 20 * time.Millisecond, Observer: obs})
	ctx := context.Background()

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = locks.WithLock(ctx, "INFY", func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	_, err := r.Apply(ctx, mustOrder(t, "INFY", domain.SideBuy, 1, "100"))
	close(release)

	if !errors.Is(err, domain.ErrLockTimeout) {
		t.Fatalf("expected ErrLockTimeout, got %v", err)
	}
	if errors.Is(err, domain.ErrInsufficientQuantity) {
		t.Fatal("lock timeout must not surface as insufficient quantity")
	}
	if _, ok, _ := ledger.Get(ctx, "INFY", domain.SideBuy); ok {
		t.Fatal("ledger mutated despite lock timeout")
	}
	if _, ok, _ := holdings.Get(ctx, "INFY"); ok {
		t.Fatal("holding mutated despite lock timeout")
	}
	if obs.outcomes[OutcomeLockTimeout] != 1 {
		t.Fatalf("unexpected outcomes %v", obs.outcomes)
	}
}

func TestReconciler_StoreErrorIsWrapped(t *testing.T) {
	obs := newRecordingObserver()
	r := NewReconciler(failingHoldings{store.NewHoldingsStore()}, store.NewLedgerStore(), NewPositionSerializer(), Options{Observer: obs})

	_, err := r.Apply(context.Background(), mustOrder(t, "INFY", domain.SideBuy, 1, "100"))
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, domain.ErrInsufficientQuantity) || errors.Is(err, domain.ErrLockTimeout) {
		t.Fatalf("store failure misclassified: %v", err)
	}
	if obs.outcomes[OutcomeError] != 1 {
		t.Fatalf("unexpected outcomes %v", obs.outcomes)
	}
}

func TestReconciler_ViewsDoNotTakeLock(t *testing.T) {
	e := newTestEngine(LedgerAttempted)
	ctx := context.Background()
	_, _ = e.Apply(ctx, mustOrder(t, "INFY", domain.SideBuy, 3, "100"))

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = e.locks.WithLock(ctx, "INFY", func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started
	defer close(release)

	done := make(chan struct{})
	go func() {
		defer close(done)
		holdings, _ := e.Holdings(ctx)
		activity, _ := e.OrderActivity(ctx)
		if len(holdings) != 1 || len(activity) != 1 {
			t.Errorf("holdings=%d activity=%d", len(holdings), len(activity))
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("views blocked on the instrument lock")
	}
}

func TestReconciler_IndependentInstances(t *testing.T) {
	a := newTestEngine(LedgerAttempted)
	b := newTestEngine(LedgerAttempted)
	ctx := context.Background()

	_, _ = a.Apply(ctx, mustOrder(t, "INFY", domain.SideBuy, 1, "100"))

	if list, _ := b.Holdings(ctx); len(list) != 0 {
		t.Fatalf("engines share state: %v", list)
	}
}

func TestNewReconciler_Defaults(t *testing.T) {
	r := NewReconciler(store.NewHoldingsStore(), store.NewLedgerStore(), NewPositionSerializer(), Options{})
	if r.Mode() != LedgerAttempted {
		t.Fatalf("Mode = %q, want %q", r.Mode(), LedgerAttempted)
	}
	if _, err := r.Apply(context.Background(), mustOrder(t, "X", domain.SideBuy, 1, "1")); err != nil {
		t.Fatalf("nil observer should be a no-op: %v", err)
	}
}

func TestReconciler_QuantityOverflowIsRejected(t *testing.T) {
	for _, mode := range []LedgerMode{LedgerAttempted, LedgerSettled} {
		t.Run(string(mode), func(t *testing.T) {
			e := newTestEngine(mode)
			ctx := context.Background()
			order := mustOrder(t, "X", domain.SideBuy, math.MaxInt64-1, "1")

			if _, err := e.Apply(ctx, order); err != nil {
				t.Fatalf("first buy: %v", err)
			}
			if _, err := e.Apply(ctx, order); !errors.Is(err, domain.ErrQuantityOverflow) {
				t.Fatalf("expected ErrQuantityOverflow, got %v", err)
			}

			h, err := e.Holding(ctx, "X")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if h.Quantity != math.MaxInt64-1 || !h.AverageCost.Equal(dec("1")) {
				t.Fatalf("holding changed by rejected buy: %+v", h)
			}
			entry, _, _ := e.ledger.Get(ctx, "X", domain.SideBuy)
			if entry.CumulativeQuantity != math.MaxInt64-1 {
				t.Fatalf("ledger tally = %d, want %d", entry.CumulativeQuantity, int64(math.MaxInt64-1))
			}
			if got := e.observer.outcomes[OutcomeOverflow]; got != 1 {
				t.Fatalf("overflow outcomes = %d, want 1", got)
			}
		})
	}
}

package service

import (
	"context"
	"errors"
	"math"
	"net/http"
	"testing"
	"time"

	"github.com/efreitasn/holdings/internal/domain"
	"github.com/efreitasn/holdings/internal/engine"
	"github.com/efreitasn/holdings/internal/marketdata"
	"github.com/efreitasn/holdings/internal/store"
	"github.com/shopspring/decimal"
)

// testEnv wires the services over fresh in-memory stores.
type testEnv struct {
	holdings   *store.HoldingsStore
	ledger     *store.LedgerStore
	locks      *engine.PositionSerializer
	reconciler *engine.Reconciler
	webhooks   *WebhookService
	orders     *OrderService
	portfolio  *PortfolioService
	feed       *marketdata.MockFeed
}

func newTestEnv(mode engine.LedgerMode) *testEnv {
	env := &testEnv{
		holdings: store.NewHoldingsStore(),
		ledger:   store.NewLedgerStore(),
		locks:    engine.NewPositionSerializer(),
		feed:     marketdata.NewMockFeed(),
	}
	env.reconciler = engine.NewReconciler(env.holdings, env.ledger, env.locks, engine.Options{
		Mode:        mode,
		LockTimeout: 50 * time.Millisecond,
	})
	env.webhooks = newTestWebhookService()
	env.orders = NewOrderService(env.reconciler, env.webhooks, discardLogger())
	env.portfolio = NewPortfolioService(env.reconciler, env.feed)
	return env
}

func (env *testEnv) submit(t *testing.T, instrument, side string, qty int64, price string) (*OrderResult, error) {
	t.Helper()
	return env.orders.Submit(context.Background(), SubmitOrderRequest{
		Instrument: instrument,
		Side:       side,
		Quantity:   qty,
		Price:      decimal.RequireFromString(price),
	})
}

func TestSubmit_Buy_CreatesHolding(t *testing.T) {
	env := newTestEnv(engine.LedgerAttempted)

	res, err := env.submit(t, "infy", "buy", 10, "100")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.OrderID == "" {
		t.Error("expected an order id")
	}
	if res.Order.Instrument != "INFY" || res.Order.Side != domain.SideBuy {
		t.Errorf("order not normalized: %+v", res.Order)
	}
	if res.Holding.Quantity != 10 || !res.Holding.AverageCost.Equal(decimal.NewFromInt(100)) {
		t.Errorf("unexpected holding %+v", res.Holding)
	}
	if res.Entry.CumulativeQuantity != 10 {
		t.Errorf("ledger entry = %+v", res.Entry)
	}
}

func TestSubmit_SellAll_RemovesHolding(t *testing.T) {
	env := newTestEnv(engine.LedgerAttempted)
	_, _ = env.submit(t, "TCS", "BUY", 5, "3180")

	res, err := env.submit(t, "TCS", "SELL", 5, "3245.20")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Removed {
		t.Fatal("expected the holding to be removed")
	}
	if _, err := env.portfolio.GetHolding(context.Background(), "TCS"); !errors.Is(err, domain.ErrHoldingNotFound) {
		t.Fatalf("expected ErrHoldingNotFound, got %v", err)
	}
}

func TestSubmit_ValidationErrors(t *testing.T) {
	tests := []struct {
		name       string
		instrument string
		side       string
		qty        int64
		price      string
	}{
		{"empty instrument", "", "BUY", 1, "1"},
		{"bad side", "INFY", "HOLD", 1, "1"},
		{"zero quantity", "INFY", "BUY", 0, "1"},
		{"negative quantity", "INFY", "BUY", -3, "1"},
		{"zero price", "INFY", "BUY", 1, "0"},
		{"negative price", "INFY", "SELL", 1, "-5"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(engine.LedgerAttempted)
			_, err := env.submit(t, tt.instrument, tt.side, tt.qty, tt.price)
			if !errors.Is(err, domain.ErrInvalidOrder) {
				t.Fatalf("expected ErrInvalidOrder, got %v", err)
			}
			activity, _ := env.portfolio.ListOrderActivity(context.Background())
			if len(activity) != 0 {
				t.Fatal("invalid order must not touch the ledger")
			}
		})
	}
}

func TestSubmit_InsufficientQuantity_DispatchesRejection(t *testing.T) {
	env := newTestEnv(engine.LedgerAttempted)
	rcv := newWebhookReceiver(t, http.StatusOK)
	_, _, _ = env.webhooks.Upsert(UpsertWebhookRequest{URL: rcv.URL, Events: []string{domain.EventOrderRejected}})

	_, err := env.submit(t, "INFY", "SELL", 1, "130")
	if !errors.Is(err, domain.ErrInsufficientQuantity) {
		t.Fatalf("expected ErrInsufficientQuantity, got %v", err)
	}
	env.webhooks.Wait()

	hooks := rcv.hooks()
	if len(hooks) != 1 || hooks[0].Payload["event"] != domain.EventOrderRejected {
		t.Fatalf("expected one order.rejected delivery, got %v", hooks)
	}
}

func TestSubmit_DispatchesHoldingEvents(t *testing.T) {
	env := newTestEnv(engine.LedgerAttempted)
	rcv := newWebhookReceiver(t, http.StatusOK)
	_, _, _ = env.webhooks.Upsert(UpsertWebhookRequest{
		URL:    rcv.URL,
		Events: []string{domain.EventHoldingUpdated, domain.EventHoldingClosed},
	})

	_, _ = env.submit(t, "INFY", "BUY", 2, "100")
	_, _ = env.submit(t, "INFY", "SELL", 2, "110")
	env.webhooks.Wait()

	events := map[string]int{}
	for _, h := range rcv.hooks() {
		events[h.Header.Get("X-Event-Type")]++
	}
	if events[domain.EventHoldingUpdated] != 1 || events[domain.EventHoldingClosed] != 1 {
		t.Fatalf("unexpected events %v", events)
	}
}

func TestSubmit_LockTimeout(t *testing.T) {
	env := newTestEnv(engine.LedgerAttempted)

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = env.locks.WithLock(context.Background(), "INFY", func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started
	defer close(release)

	_, err := env.submit(t, "INFY", "BUY", 1, "100")
	if !errors.Is(err, domain.ErrLockTimeout) {
		t.Fatalf("expected ErrLockTimeout, got %v", err)
	}
}

func TestSubmit_WithoutWebhookService(t *testing.T) {
	env := newTestEnv(engine.LedgerSettled)
	env.orders = NewOrderService(env.reconciler, nil, nil)

	if _, err := env.submit(t, "INFY", "BUY", 1, "100"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := env.submit(t, "INFY", "SELL", 5, "100"); !errors.Is(err, domain.ErrInsufficientQuantity) {
		t.Fatalf("expected ErrInsufficientQuantity, got %v", err)
	}
}

func TestSubmit_QuantityOverflow_DispatchesRejection(t *testing.T) {
	env := newTestEnv(engine.LedgerSettled)
	rcv := newWebhookReceiver(t, http.StatusOK)
	_, _, _ = env.webhooks.Upsert(UpsertWebhookRequest{URL: rcv.URL, Events: []string{domain.EventOrderRejected}})

	if _, err := env.submit(t, "INFY", "BUY", math.MaxInt64-1, "1"); err != nil {
		t.Fatalf("first buy: %v", err)
	}
	_, err := env.submit(t, "INFY", "BUY", math.MaxInt64-1, "1")
	if !errors.Is(err, domain.ErrQuantityOverflow) {
		t.Fatalf("expected ErrQuantityOverflow, got %v", err)
	}
	env.webhooks.Wait()

	hooks := rcv.hooks()
	if len(hooks) != 1 {
		t.Fatalf("expected one order.rejected delivery, got %d", len(hooks))
	}
	data, _ := hooks[0].Payload["data"].(map[string]any)
	if data["reason"] != domain.ErrQuantityOverflow.Error() {
		t.Fatalf("reason = %v", data["reason"])
	}

	v, err := env.portfolio.GetHolding(context.Background(), "INFY")
	if err != nil || v.Quantity != math.MaxInt64-1 {
		t.Fatalf("holding = %+v, %v", v, err)
	}
}

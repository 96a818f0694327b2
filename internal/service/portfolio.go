package service

import (
	"context"
	"strings"

	"github.com/efreitasn/holdings/internal/domain"
	"github.com/efreitasn/holdings/internal/engine"
	"github.com/efreitasn/holdings/internal/marketdata"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// HoldingView is a holding enriched with market data for display.
type HoldingView struct {
	Instrument   string
	Quantity     int64
	AverageCost  decimal.Decimal
	LastPrice    decimal.Decimal
	DayChangePct decimal.Decimal
	NetChangePct decimal.Decimal
	CurrentValue decimal.Decimal
	PnL          decimal.Decimal
	IsLoss       bool
	HasQuote     bool
}

// PortfolioSummary totals the open holdings.
type PortfolioSummary struct {
	Positions       int
	TotalInvestment decimal.Decimal
	CurrentValue    decimal.Decimal
	PnL             decimal.Decimal
	PnLPct          decimal.Decimal
}

// PortfolioService serves the read side: holdings and order activity.
// None of its methods take an instrument lock.
type PortfolioService struct {
	reconciler *engine.Reconciler
	feed       marketdata.PriceFeed
}

// NewPortfolioService creates a PortfolioService. feed may be nil, in
// which case stored prices are shown as-is.
func NewPortfolioService(reconciler *engine.Reconciler, feed marketdata.PriceFeed) *PortfolioService {
	return &PortfolioService{reconciler: reconciler, feed: feed}
}

// ListHoldings returns all open holdings ordered by instrument.
func (s *PortfolioService) ListHoldings(ctx context.Context) ([]HoldingView, error) {
	holdings, err := s.reconciler.Holdings(ctx)
	if err != nil {
		return nil, err
	}
	views := make([]HoldingView, 0, len(holdings))
	for _, h := range holdings {
		views = append(views, s.view(h))
	}
	return views, nil
}

// GetHolding returns the open holding for instrument, or
// domain.ErrHoldingNotFound.
func (s *PortfolioService) GetHolding(ctx context.Context, instrument string) (HoldingView, error) {
	h, err := s.reconciler.Holding(ctx, strings.ToUpper(strings.TrimSpace(instrument)))
	if err != nil {
		return HoldingView{}, err
	}
	return s.view(h), nil
}

// Summary totals investment, current value and P&L across holdings.
func (s *PortfolioService) Summary(ctx context.Context) (PortfolioSummary, error) {
	views, err := s.ListHoldings(ctx)
	if err != nil {
		return PortfolioSummary{}, err
	}
	sum := PortfolioSummary{
		Positions:       len(views),
		TotalInvestment: decimal.Zero,
		CurrentValue:    decimal.Zero,
	}
	for _, v := range views {
		sum.TotalInvestment = sum.TotalInvestment.Add(v.AverageCost.Mul(decimal.NewFromInt(v.Quantity)))
		sum.CurrentValue = sum.CurrentValue.Add(v.CurrentValue)
	}
	sum.PnL = sum.CurrentValue.Sub(sum.TotalInvestment)
	sum.PnLPct = decimal.Zero
	if sum.TotalInvestment.IsPositive() {
		sum.PnLPct = sum.PnL.Div(sum.TotalInvestment).Mul(hundred).Round(2)
	}
	return sum, nil
}

// ListOrderActivity returns the ledger ordered by instrument, then side.
func (s *PortfolioService) ListOrderActivity(ctx context.Context) ([]domain.LedgerEntry, error) {
	return s.reconciler.OrderActivity(ctx)
}

// view overlays the latest quote on h and derives NetChangePct from it.
// Without a quote the stored pass-through fields are returned as-is.
func (s *PortfolioService) view(h domain.Holding) HoldingView {
	v := HoldingView{
		Instrument:   h.Instrument,
		Quantity:     h.Quantity,
		AverageCost:  h.AverageCost,
		LastPrice:    h.LastPrice,
		DayChangePct: h.DayChangePct,
		NetChangePct: h.NetChangePct,
	}
	if s.feed != nil {
		if q, ok := s.feed.Quote(h.Instrument); ok {
			v.LastPrice = q.LastPrice
			v.DayChangePct = q.DayChangePct
			v.HasQuote = true
			if h.AverageCost.IsPositive() {
				v.NetChangePct = v.LastPrice.Sub(h.AverageCost).Div(h.AverageCost).Mul(hundred).Round(2)
			}
		}
	}
	qty := decimal.NewFromInt(h.Quantity)
	v.CurrentValue = v.LastPrice.Mul(qty)
	v.PnL = v.CurrentValue.Sub(h.AverageCost.Mul(qty))
	v.IsLoss = v.NetChangePct.IsNegative()
	return v
}

package handler

import (
	"errors"
	"net/http"

	"github.com/efreitasn/holdings/internal/domain"
	"github.com/efreitasn/holdings/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
)

// HoldingsHandler handles HTTP requests for the holdings views.
type HoldingsHandler struct {
	portfolioSvc *service.PortfolioService
}

// NewHoldingsHandler creates a new HoldingsHandler.
func NewHoldingsHandler(portfolioSvc *service.PortfolioService) *HoldingsHandler {
	return &HoldingsHandler{portfolioSvc: portfolioSvc}
}

type holdingResponse struct {
	Instrument   string          `json:"instrument"`
	Quantity     int64           `json:"quantity"`
	AverageCost  decimal.Decimal `json:"average_cost"`
	LastPrice    decimal.Decimal `json:"last_price"`
	DayChangePct decimal.Decimal `json:"day_change_pct"`
	NetChangePct decimal.Decimal `json:"net_change_pct"`
	CurrentValue decimal.Decimal `json:"current_value"`
	PnL          decimal.Decimal `json:"pnl"`
	IsLoss       bool            `json:"is_loss"`
	LiveQuote    bool            `json:"live_quote"`
}

type holdingListResponse struct {
	Holdings []holdingResponse `json:"holdings"`
}

type summaryResponse struct {
	Positions       int             `json:"positions"`
	TotalInvestment decimal.Decimal `json:"total_investment"`
	CurrentValue    decimal.Decimal `json:"current_value"`
	PnL             decimal.Decimal `json:"pnl"`
	PnLPct          decimal.Decimal `json:"pnl_pct"`
}

// List handles GET /holdings.
func (h *HoldingsHandler) List(w http.ResponseWriter, r *http.Request) {
	views, err := h.portfolioSvc.ListHoldings(r.Context())
	if err != nil {
		mapHoldingError(w, err)
		return
	}

	resp := holdingListResponse{Holdings: make([]holdingResponse, len(views))}
	for i, v := range views {
		resp.Holdings[i] = buildHoldingResponse(v)
	}
	WriteJSON(w, http.StatusOK, resp)
}

// Get handles GET /holdings/{instrument}.
func (h *HoldingsHandler) Get(w http.ResponseWriter, r *http.Request) {
	v, err := h.portfolioSvc.GetHolding(r.Context(), chi.URLParam(r, "instrument"))
	if err != nil {
		mapHoldingError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, buildHoldingResponse(v))
}

// Summary handles GET /holdings/summary.
func (h *HoldingsHandler) Summary(w http.ResponseWriter, r *http.Request) {
	sum, err := h.portfolioSvc.Summary(r.Context())
	if err != nil {
		mapHoldingError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, summaryResponse{
		Positions:       sum.Positions,
		TotalInvestment: sum.TotalInvestment,
		CurrentValue:    sum.CurrentValue,
		PnL:             sum.PnL,
		PnLPct:          sum.PnLPct,
	})
}

func buildHoldingResponse(v service.HoldingView) holdingResponse {
	return holdingResponse{
		Instrument:   v.Instrument,
		Quantity:     v.Quantity,
		AverageCost:  v.AverageCost,
		LastPrice:    v.LastPrice,
		DayChangePct: v.DayChangePct,
		NetChangePct: v.NetChangePct,
		CurrentValue: v.CurrentValue,
		PnL:          v.PnL,
		IsLoss:       v.IsLoss,
		LiveQuote:    v.HasQuote,
	}
}

func mapHoldingError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrHoldingNotFound):
		WriteError(w, http.StatusNotFound, "holding_not_found", err.Error())
	default:
		WriteError(w, http.StatusInternalServerError, "internal_error", "An unexpected error occurred")
	}
}

package handler

import (
	"errors"
	"net/http"

	"github.com/efreitasn/holdings/internal/domain"
	"github.com/efreitasn/holdings/internal/service"
	"github.com/shopspring/decimal"
)

// OrderHandler handles HTTP requests for order endpoints.
type OrderHandler struct {
	orderSvc     *service.OrderService
	portfolioSvc *service.PortfolioService
}

// NewOrderHandler creates a new OrderHandler.
func NewOrderHandler(orderSvc *service.OrderService, portfolioSvc *service.PortfolioService) *OrderHandler {
	return &OrderHandler{orderSvc: orderSvc, portfolioSvc: portfolioSvc}
}

// submitOrderRequest is the JSON request body for POST /orders. Price
// accepts a JSON number or a decimal string.
type submitOrderRequest struct {
	Instrument string          `json:"instrument"`
	Side       string          `json:"side"`
	Quantity   int64           `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
}

// holdingStateResponse is the stored position after an order.
type holdingStateResponse struct {
	Instrument  string          `json:"instrument"`
	Quantity    int64           `json:"quantity"`
	AverageCost decimal.Decimal `json:"average_cost"`
	LastPrice   decimal.Decimal `json:"last_price"`
	UpdatedAt   string          `json:"updated_at"`
}

// ledgerEntryResponse is one (instrument, side) tally.
type ledgerEntryResponse struct {
	Instrument         string          `json:"instrument"`
	Side               string          `json:"side"`
	CumulativeQuantity int64           `json:"cumulative_quantity"`
	LastPrice          decimal.Decimal `json:"last_price"`
	UpdatedAt          string          `json:"updated_at"`
}

// orderResponse is the JSON response for POST /orders. Holding is null
// when the order closed the position.
type orderResponse struct {
	OrderID    string                `json:"order_id"`
	Instrument string                `json:"instrument"`
	Side       string                `json:"side"`
	Quantity   int64                 `json:"quantity"`
	Price      decimal.Decimal       `json:"price"`
	Holding    *holdingStateResponse `json:"holding"`
	Closed     bool                  `json:"closed"`
	Ledger     ledgerEntryResponse   `json:"ledger"`
}

type orderActivityResponse struct {
	Orders []ledgerEntryResponse `json:"orders"`
}

// SubmitOrder handles POST /orders.
func (h *OrderHandler) SubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req submitOrderRequest
	if err := ParseJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	res, err := h.orderSvc.Submit(r.Context(), service.SubmitOrderRequest{
		Instrument: req.Instrument,
		Side:       req.Side,
		Quantity:   req.Quantity,
		Price:      req.Price,
	})
	if err != nil {
		mapOrderError(w, err)
		return
	}

	resp := orderResponse{
		OrderID:    res.OrderID,
		Instrument: res.Order.Instrument,
		Side:       string(res.Order.Side),
		Quantity:   res.Order.Quantity,
		Price:      res.Order.Price,
		Closed:     res.Removed,
		Ledger:     buildLedgerEntryResponse(res.Entry),
	}
	if !res.Removed {
		resp.Holding = &holdingStateResponse{
			Instrument:  res.Holding.Instrument,
			Quantity:    res.Holding.Quantity,
			AverageCost: res.Holding.AverageCost,
			LastPrice:   res.Holding.LastPrice,
			UpdatedAt:   formatTime(res.Holding.UpdatedAt),
		}
	}

	WriteJSON(w, http.StatusCreated, resp)
}

// ListActivity handles GET /orders.
func (h *OrderHandler) ListActivity(w http.ResponseWriter, r *http.Request) {
	entries, err := h.portfolioSvc.ListOrderActivity(r.Context())
	if err != nil {
		mapOrderError(w, err)
		return
	}

	resp := orderActivityResponse{Orders: make([]ledgerEntryResponse, len(entries))}
	for i, e := range entries {
		resp.Orders[i] = buildLedgerEntryResponse(e)
	}
	WriteJSON(w, http.StatusOK, resp)
}

func buildLedgerEntryResponse(e domain.LedgerEntry) ledgerEntryResponse {
	return ledgerEntryResponse{
		Instrument:         e.Instrument,
		Side:               string(e.Side),
		CumulativeQuantity: e.CumulativeQuantity,
		LastPrice:          e.LastPrice,
		UpdatedAt:          formatTime(e.UpdatedAt),
	}
}

// mapOrderError maps domain errors to HTTP responses for order endpoints.
// A lock timeout is the only retryable failure.
func mapOrderError(w http.ResponseWriter, err error) {
	var validationErr *domain.ValidationError
	if errors.As(err, &validationErr) {
		WriteError(w, http.StatusBadRequest, "validation_error", validationErr.Message)
		return
	}

	switch {
	case errors.Is(err, domain.ErrInsufficientQuantity):
		WriteError(w, http.StatusConflict, "insufficient_quantity", err.Error())
	case errors.Is(err, domain.ErrQuantityOverflow):
		WriteError(w, http.StatusConflict, "quantity_overflow", err.Error())
	case errors.Is(err, domain.ErrLockTimeout):
		w.Header().Set("Retry-After", "1")
		WriteError(w, http.StatusServiceUnavailable, "lock_timeout", "Instrument is busy, retry the order")
	default:
		WriteError(w, http.StatusInternalServerError, "internal_error", "An unexpected error occurred")
	}
}

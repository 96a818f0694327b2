package service

import (
	"context"
	"errors"
	"log/slog"

	"github.com/efreitasn/holdings/internal/domain"
	"github.com/efreitasn/holdings/internal/engine"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SubmitOrderRequest represents the input for order submission.
type SubmitOrderRequest struct {
	Instrument string
	Side       string
	Quantity   int64
	Price      decimal.Decimal
}

// OrderResult is what a successful submission produced.
type OrderResult struct {
	OrderID string
	Order   domain.Order
	// Holding is the position after the order. When Removed is true the
	// position was closed and Holding carries zero quantity.
	Holding domain.Holding
	Removed bool
	Entry   domain.LedgerEntry
}

// OrderService admits orders into the reconciliation engine.
type OrderService struct {
	reconciler *engine.Reconciler
	webhookSvc *WebhookService
	logger     *slog.Logger
}

// NewOrderService creates a new OrderService. webhookSvc may be nil.
func NewOrderService(reconciler *engine.Reconciler, webhookSvc *WebhookService, logger *slog.Logger) *OrderService {
	if logger == nil {
		logger = slog.Default()
	}
	return &OrderService{
		reconciler: reconciler,
		webhookSvc: webhookSvc,
		logger:     logger,
	}
}

// Submit assigns an order ID, validates the request, and applies it.
// Webhooks are dispatched after the instrument lock has been released.
//
// Errors: a *domain.ValidationError (ErrInvalidOrder),
// domain.ErrInsufficientQuantity, domain.ErrQuantityOverflow,
// domain.ErrLockTimeout, or a store failure.
func (s *OrderService) Submit(ctx context.Context, req SubmitOrderRequest) (*OrderResult, error) {
	order := domain.Order{
		OrderID:    uuid.New().String(),
		Instrument: req.Instrument,
		Side:       domain.ParseSide(req.Side),
		Quantity:   req.Quantity,
		Price:      req.Price,
	}

	validated, err := domain.Validate(order)
	if err != nil {
		s.logger.Info("order invalid",
			slog.String("order_id", order.OrderID),
			slog.String("error", err.Error()),
		)
		return nil, err
	}
	order = validated.Order()

	attrs := []any{
		slog.String("order_id", order.OrderID),
		slog.String("instrument", order.Instrument),
		slog.String("side", string(order.Side)),
		slog.Int64("quantity", order.Quantity),
		slog.String("price", order.Price.String()),
	}

	res, err := s.reconciler.Apply(ctx, validated)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrInsufficientQuantity), errors.Is(err, domain.ErrQuantityOverflow):
		reason := domain.ErrInsufficientQuantity
		if errors.Is(err, domain.ErrQuantityOverflow) {
			reason = domain.ErrQuantityOverflow
		}
		s.logger.Warn("order rejected", append(attrs,
			slog.String("reason", reason.Error()),
			slog.Int64("held", res.Holding.Quantity),
			slog.Bool("ledger_recorded", res.Recorded),
		)...)
		if s.webhookSvc != nil {
			s.webhookSvc.DispatchOrderRejected(order, reason.Error())
		}
		return nil, err
	case errors.Is(err, domain.ErrLockTimeout):
		s.logger.Warn("order lock timeout", attrs...)
		return nil, err
	default:
		s.logger.Error("order failed", append(attrs, slog.String("error", err.Error()))...)
		return nil, err
	}

	s.logger.Info("order applied", append(attrs,
		slog.Int64("holding_quantity", res.Holding.Quantity),
		slog.String("average_cost", res.Holding.AverageCost.String()),
	)...)

	if s.webhookSvc != nil {
		if res.Removed {
			s.webhookSvc.DispatchHoldingClosed(order.OrderID, res.Holding)
		} else {
			s.webhookSvc.DispatchHoldingUpdated(order.OrderID, res.Holding)
		}
	}

	return &OrderResult{
		OrderID: order.OrderID,
		Order:   order,
		Holding: res.Holding,
		Removed: res.Removed,
		Entry:   res.Entry,
	}, nil
}

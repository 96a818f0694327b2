package engine

import (
	"fmt"
	"math"
	"time"

	"github.com/efreitasn/holdings/internal/domain"
	"github.com/shopspring/decimal"
)

// Fold folds one order into the existing holding and returns the next
// state. An absent holding is passed as the zero Holding. A returned
// holding with zero quantity must be removed rather than stored.
//
// Buys grow CostBasis by quantity × price and derive AverageCost from it, so
// the result of any set of buys is independent of their order. Sells keep
// AverageCost and shrink CostBasis proportionally. A sell larger than the
// open quantity fails with domain.ErrInsufficientQuantity, and a buy whose
// total would not fit in an int64 fails with domain.ErrQuantityOverflow. In
// both cases existing is returned unchanged.
func Fold(existing domain.Holding, order domain.ValidatedOrder, now time.Time) (domain.Holding, error) {
	next := existing
	next.Instrument = order.Instrument()
	next.LastPrice = order.Price()
	next.UpdatedAt = now

	costBasis := existing.CostBasis
	if existing.Quantity > 0 && costBasis.IsZero() {
		costBasis = existing.AverageCost.Mul(decimal.NewFromInt(existing.Quantity))
	}

	switch order.Side() {
	case domain.SideBuy:
		if order.Quantity() > math.MaxInt64-existing.Quantity {
			return existing, fmt.Errorf("%w: %s holds %d, buy of %d",
				domain.ErrQuantityOverflow, order.Instrument(), existing.Quantity, order.Quantity())
		}
		next.Quantity = existing.Quantity + order.Quantity()
		next.CostBasis = costBasis.Add(order.Price().Mul(decimal.NewFromInt(order.Quantity())))
		next.AverageCost = next.CostBasis.Div(decimal.NewFromInt(next.Quantity))
		return next, nil

	case domain.SideSell:
		if existing.Quantity < order.Quantity() {
			return existing, fmt.Errorf("%w: %s holds %d, sell of %d",
				domain.ErrInsufficientQuantity, order.Instrument(), existing.Quantity, order.Quantity())
		}
		next.Quantity = existing.Quantity - order.Quantity()
		if next.Quantity == 0 {
			next.AverageCost = decimal.Zero
			next.CostBasis = decimal.Zero
			return next, nil
		}
		next.AverageCost = existing.AverageCost
		next.CostBasis = existing.AverageCost.Mul(decimal.NewFromInt(next.Quantity))
		return next, nil
	}

	// Unreachable for a ValidatedOrder.
	return existing, &domain.ValidationError{Message: fmt.Sprintf("side must be BUY or SELL, got %q", order.Side())}
}

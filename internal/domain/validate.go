package domain

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Validate checks an order's shape and numeric ranges. It has no side
// effects; the instrument is trimmed and upper-cased and the side normalized
// in the result.
func Validate(o Order) (ValidatedOrder, error) {
	o.Instrument = strings.ToUpper(strings.TrimSpace(o.Instrument))
	if o.Instrument == "" {
		return ValidatedOrder{}, &ValidationError{Message: "instrument is required"}
	}

	o.Side = ParseSide(string(o.Side))
	if !o.Side.Valid() {
		return ValidatedOrder{}, &ValidationError{Message: "side must be one of: BUY, SELL"}
	}

	if o.Quantity <= 0 {
		return ValidatedOrder{}, &ValidationError{Message: "quantity must be > 0"}
	}

	if o.Price.LessThanOrEqual(decimal.Zero) {
		return ValidatedOrder{}, &ValidationError{Message: "price must be > 0"}
	}

	return ValidatedOrder{order: o}, nil
}

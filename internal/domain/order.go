package domain

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Side indicates whether an order buys or sells the instrument.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// ParseSide normalizes s to a Side. Unknown values are returned as-is and
// rejected later by Validate.
func ParseSide(s string) Side {
	return Side(strings.ToUpper(strings.TrimSpace(s)))
}

// Valid reports whether s is BUY or SELL.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Order is a trade instruction as submitted by a caller. It is not stored
// on its own; its effect is folded into the ledger and the holding.
type Order struct {
	OrderID    string
	Instrument string
	Side       Side
	Quantity   int64
	Price      decimal.Decimal
}

// ValidatedOrder is an Order that passed Validate. It can only be obtained
// from Validate, so the engine never sees an unchecked order.
type ValidatedOrder struct {
	order Order
}

// Order returns a copy of the underlying order.
func (v ValidatedOrder) Order() Order { return v.order }

func (v ValidatedOrder) Instrument() string     { return v.order.Instrument }
func (v ValidatedOrder) Side() Side             { return v.order.Side }
func (v ValidatedOrder) Quantity() int64        { return v.order.Quantity }
func (v ValidatedOrder) Price() decimal.Decimal { return v.order.Price }

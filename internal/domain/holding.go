package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Holding is the aggregate open position in one instrument. A holding with
// zero quantity is never stored.
type Holding struct {
	Instrument string
	Quantity   int64
	// AverageCost is the quantity-weighted mean acquisition price of the
	// open shares. Sells leave it unchanged.
	AverageCost decimal.Decimal
	// CostBasis is the total acquisition cost of the open shares. Keeping
	// the exact sum lets AverageCost be derived with a single division, so
	// buys commute.
	CostBasis decimal.Decimal
	LastPrice decimal.Decimal
	// Display-only, passed through unchanged by reconciliation.
	DayChangePct decimal.Decimal
	NetChangePct decimal.Decimal
	UpdatedAt    time.Time
}

// LedgerEntry is the running tally of order activity for one
// (instrument, side) pair.
type LedgerEntry struct {
	Instrument         string
	Side               Side
	CumulativeQuantity int64
	LastPrice          decimal.Decimal
	UpdatedAt          time.Time
}

// Package marketdata provides display quotes for open holdings. Quotes
// never take part in quantity or average-cost reconciliation.
package marketdata

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Quote is the latest market snapshot for one instrument.
type Quote struct {
	Instrument   string          `json:"instrument"`
	LastPrice    decimal.Decimal `json:"last_price"`
	DayChangePct decimal.Decimal `json:"day_change_pct"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// PriceFeed is a source of quotes. Run blocks, keeping the feed current,
// until ctx is cancelled.
type PriceFeed interface {
	Quote(instrument string) (Quote, bool)
	Run(ctx context.Context) error
}

// quoteCache is a thread-safe instrument → quote map shared by the feed
// variants.
type quoteCache struct {
	mu     sync.RWMutex
	quotes map[string]Quote
}

func newQuoteCache() *quoteCache {
	return &quoteCache{quotes: make(map[string]Quote)}
}

func (c *quoteCache) get(instrument string) (Quote, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	q, ok := c.quotes[strings.ToUpper(instrument)]
	return q, ok
}

func (c *quoteCache) set(q Quote) {
	q.Instrument = strings.ToUpper(strings.TrimSpace(q.Instrument))
	c.mu.Lock()
	defer c.mu.Unlock()
	c.quotes[q.Instrument] = q
}

// MockFeed serves a fixed quote table. It is the default variant for local
// runs and tests.
type MockFeed struct {
	cache *quoteCache
}

// DefaultMockQuotes returns the quote table MockFeed starts with.
func DefaultMockQuotes() []Quote {
	now := time.Now().UTC()
	return []Quote{
		{Instrument: "RELIANCE", LastPrice: decimal.RequireFromString("2485.75"), DayChangePct: decimal.RequireFromString("1.44"), UpdatedAt: now},
		{Instrument: "TCS", LastPrice: decimal.RequireFromString("3245.20"), DayChangePct: decimal.RequireFromString("0.85"), UpdatedAt: now},
		{Instrument: "INFY", LastPrice: decimal.RequireFromString("1465.80"), DayChangePct: decimal.RequireFromString("1.07"), UpdatedAt: now},
	}
}

// NewMockFeed creates a MockFeed seeded with quotes.
func NewMockFeed(quotes ...Quote) *MockFeed {
	f := &MockFeed{cache: newQuoteCache()}
	for _, q := range quotes {
		f.cache.set(q)
	}
	return f
}

// Quote returns the quote for instrument, if known.
func (f *MockFeed) Quote(instrument string) (Quote, bool) {
	return f.cache.get(instrument)
}

// Set replaces the quote for q.Instrument.
func (f *MockFeed) Set(q Quote) {
	f.cache.set(q)
}

// Run blocks until ctx is cancelled. The mock table never changes on its
// own.
func (f *MockFeed) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

package store

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/efreitasn/holdings/internal/domain"
	"github.com/google/btree"
	"github.com/shopspring/decimal"
)

// ledgerLess orders entries by instrument, then side.
func ledgerLess(a, b domain.LedgerEntry) bool {
	if a.Instrument != b.Instrument {
		return a.Instrument < b.Instrument
	}
	return a.Side < b.Side
}

// LedgerStore is a thread-safe in-memory order ledger keyed by
// (instrument, side). Entries are created on first activity and never
// deleted.
type LedgerStore struct {
	mu      sync.RWMutex
	entries *btree.BTreeG[domain.LedgerEntry]
	now     func() time.Time
}

// NewLedgerStore creates an empty LedgerStore.
func NewLedgerStore() *LedgerStore {
	const degree = 32
	return &LedgerStore{
		entries: btree.NewG[domain.LedgerEntry](degree, ledgerLess),
		now:     time.Now,
	}
}

// RecordActivity adds quantity to the (instrument, side) tally and
// overwrites its last price, creating the entry if needed. The increment
// and the insert happen under one write lock. An increment past
// math.MaxInt64 fails with domain.ErrQuantityOverflow and leaves the entry
// untouched.
func (s *LedgerStore) RecordActivity(_ context.Context, instrument string, side domain.Side, quantity int64, price decimal.Decimal) (domain.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := domain.LedgerEntry{Instrument: instrument, Side: side}
	entry, ok := s.entries.Get(key)
	if !ok {
		entry = key
	}
	if quantity > math.MaxInt64-entry.CumulativeQuantity {
		return entry, fmt.Errorf("%w: %s/%s tally %d, activity of %d",
			domain.ErrQuantityOverflow, instrument, side, entry.CumulativeQuantity, quantity)
	}
	entry.CumulativeQuantity += quantity
	entry.LastPrice = price
	entry.UpdatedAt = s.now().UTC()
	s.entries.ReplaceOrInsert(entry)
	return entry, nil
}

// Get returns the entry for (instrument, side) and whether it exists.
func (s *LedgerStore) Get(_ context.Context, instrument string, side domain.Side) (domain.LedgerEntry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries.Get(domain.LedgerEntry{Instrument: instrument, Side: side})
	return e, ok, nil
}

// List returns a snapshot of all entries ordered by instrument, then side.
func (s *LedgerStore) List(_ context.Context) ([]domain.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.LedgerEntry, 0, s.entries.Len())
	s.entries.Ascend(func(e domain.LedgerEntry) bool {
		result = append(result, e)
		return true
	})
	return result, nil
}

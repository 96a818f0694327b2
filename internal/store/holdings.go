package store

import (
	"context"
	"sync"

	"github.com/efreitasn/holdings/internal/domain"
	"github.com/google/btree"
)

func holdingLess(a, b domain.Holding) bool {
	return a.Instrument < b.Instrument
}

// HoldingsStore is a thread-safe in-memory store for holdings, keyed by
// instrument and kept in instrument order. Every operation touches a single
// key under the store lock, so readers see whole values only.
type HoldingsStore struct {
	mu       sync.RWMutex
	holdings *btree.BTreeG[domain.Holding]
}

// NewHoldingsStore creates an empty HoldingsStore.
func NewHoldingsStore() *HoldingsStore {
	const degree = 32
	return &HoldingsStore{
		holdings: btree.NewG[domain.Holding](degree, holdingLess),
	}
}

// Get returns the holding for instrument and whether it exists.
func (s *HoldingsStore) Get(_ context.Context, instrument string) (domain.Holding, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h, ok := s.holdings.Get(domain.Holding{Instrument: instrument})
	return h, ok, nil
}

// Put creates or replaces the holding for h.Instrument.
func (s *HoldingsStore) Put(_ context.Context, h domain.Holding) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.holdings.ReplaceOrInsert(h)
	return nil
}

// Remove deletes the holding for instrument. Removing an absent holding is
// a no-op.
func (s *HoldingsStore) Remove(_ context.Context, instrument string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.holdings.Delete(domain.Holding{Instrument: instrument})
	return nil
}

// List returns a snapshot of all holdings ordered by instrument.
func (s *HoldingsStore) List(_ context.Context) ([]domain.Holding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Holding, 0, s.holdings.Len())
	s.holdings.Ascend(func(h domain.Holding) bool {
		result = append(result, h)
		return true
	})
	return result, nil
}

// Len returns the number of open holdings.
func (s *HoldingsStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.holdings.Len()
}

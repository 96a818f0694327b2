package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/efreitasn/holdings/internal/domain"
)

// instrumentLock is a one-slot semaphore so that waiting for it can be
// bounded by a context.
type instrumentLock struct {
	sem      chan struct{}
	refs     atomic.Int64 // holders plus waiters
	lastUsed atomic.Int64 // unix nanos
}

// PositionSerializer is a thread-safe map of instrument → lock. At most one
// function runs per instrument at a time; different instruments never
// contend with each other.
type PositionSerializer struct {
	mu    sync.RWMutex
	locks map[string]*instrumentLock
	now   func() time.Time
}

// NewPositionSerializer creates an empty PositionSerializer.
func NewPositionSerializer() *PositionSerializer {
	return &PositionSerializer{
		locks: make(map[string]*instrumentLock),
		now:   time.Now,
	}
}

// acquireRef returns the lock for instrument, creating one if it doesn't
// already exist, with its reference count already incremented. The count
// is taken under the map lock so the sweeper never drops a lock somebody
// is about to wait on.
func (s *PositionSerializer) acquireRef(instrument string) *instrumentLock {
	s.mu.RLock()
	l, ok := s.locks[instrument]
	if ok {
		l.refs.Add(1)
	}
	s.mu.RUnlock()
	if ok {
		return l
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Double-check after acquiring write lock.
	if l, ok = s.locks[instrument]; !ok {
		l = &instrumentLock{sem: make(chan struct{}, 1)}
		s.locks[instrument] = l
	}
	l.refs.Add(1)
	return l
}

func (s *PositionSerializer) releaseRef(l *instrumentLock) {
	l.lastUsed.Store(s.now().UnixNano())
	l.refs.Add(-1)
}

// WithLock runs fn while holding the lock for instrument. If ctx ends
// before the lock is obtained, fn is not called and the returned error
// wraps domain.ErrLockTimeout. Once fn starts, ctx no longer matters.
func (s *PositionSerializer) WithLock(ctx context.Context, instrument string, fn func() error) error {
	l := s.acquireRef(instrument)
	defer s.releaseRef(l)

	// An uncontended lock is taken even if ctx is already done.
	select {
	case l.sem <- struct{}{}:
	default:
		select {
		case l.sem <- struct{}{}:
		case <-ctx.Done():
			return fmt.Errorf("%w: %s: %v", domain.ErrLockTimeout, instrument, ctx.Err())
		}
	}
	defer func() { <-l.sem }()

	return fn()
}

// Sweep drops locks that nobody holds or waits on and that have been idle
// for at least idle. It returns the number of locks removed.
func (s *PositionSerializer) Sweep(idle time.Duration) int {
	cutoff := s.now().Add(-idle).UnixNano()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for instrument, l := range s.locks {
		if l.refs.Load() == 0 && l.lastUsed.Load() <= cutoff {
			delete(s.locks, instrument)
			removed++
		}
	}
	return removed
}

// StartSweeper launches a background goroutine that calls Sweep every
// interval, dropping locks idle for a full interval. It stops when ctx is
// cancelled.
func (s *PositionSerializer) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Sweep(interval)
			}
		}
	}()
}

// Len returns the number of instrument locks currently tracked.
func (s *PositionSerializer) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.locks)
}

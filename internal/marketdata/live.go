package marketdata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sony/gobreaker"
)

// LiveOptions tunes a LiveFeed. Zero fields take defaults.
type LiveOptions struct {
	// ReconnectDelay is the pause between a dropped or refused connection
	// and the next attempt.
	ReconnectDelay time.Duration
	// ReadTimeout closes a connection that delivers nothing for this long.
	ReadTimeout time.Duration
	// MaxFailures is the number of consecutive failed dials that opens the
	// breaker.
	MaxFailures uint32
	// BreakerTimeout is how long the breaker stays open before a trial dial.
	BreakerTimeout time.Duration
}

func (o LiveOptions) withDefaults() LiveOptions {
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = 2 * time.Second
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 30 * time.Second
	}
	if o.MaxFailures == 0 {
		o.MaxFailures = 5
	}
	if o.BreakerTimeout <= 0 {
		o.BreakerTimeout = 30 * time.Second
	}
	return o
}

// LiveFeed keeps quotes current from a websocket stream. Each text frame
// is one JSON quote; frames without an instrument or a positive last price
// are dropped:
//
//	{"instrument":"INFY","last_price":"1465.80","day_change_pct":"1.07"}
//
// Dials go through a circuit breaker so a dead upstream is retried at a
// bounded rate instead of on every reconnect.
type LiveFeed struct {
	url     string
	opts    LiveOptions
	dialer  *websocket.Dialer
	breaker *gobreaker.CircuitBreaker
	cache   *quoteCache
	logger  *slog.Logger
}

// NewLiveFeed creates a LiveFeed for the websocket at url.
func NewLiveFeed(url string, opts LiveOptions, logger *slog.Logger) *LiveFeed {
	opts = opts.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	f := &LiveFeed{
		url:    url,
		opts:   opts,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		cache:  newQuoteCache(),
		logger: logger,
	}
	f.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "price-feed",
		Timeout: opts.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("price feed breaker state changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	})
	return f
}

// Quote returns the latest streamed quote for instrument, if any.
func (f *LiveFeed) Quote(instrument string) (Quote, bool) {
	return f.cache.get(instrument)
}

// BreakerState reports the dial breaker state.
func (f *LiveFeed) BreakerState() gobreaker.State {
	return f.breaker.State()
}

// Run connects, streams quotes, and reconnects after failures until ctx is
// cancelled. It returns nil on cancellation.
func (f *LiveFeed) Run(ctx context.Context) error {
	for {
		conn, err := f.dial(ctx)
		if err == nil {
			err = f.stream(ctx, conn)
		}
		if ctx.Err() != nil {
			return nil
		}
		if err != nil && !errors.Is(err, gobreaker.ErrOpenState) {
			f.logger.Warn("price feed disconnected", slog.String("error", err.Error()))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(f.opts.ReconnectDelay):
		}
	}
}

func (f *LiveFeed) dial(ctx context.Context) (*websocket.Conn, error) {
	res, err := f.breaker.Execute(func() (interface{}, error) {
		conn, _, err := f.dialer.DialContext(ctx, f.url, nil)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", f.url, err)
		}
		return conn, nil
	})
	if err != nil {
		return nil, err
	}
	f.logger.Info("price feed connected", slog.String("url", f.url))
	return res.(*websocket.Conn), nil
}

// stream reads frames until the connection fails or ctx ends.
func (f *LiveFeed) stream(ctx context.Context, conn *websocket.Conn) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()
	defer conn.Close()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(f.opts.ReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var q Quote
		if err := json.Unmarshal(msg, &q); err != nil {
			f.logger.Debug("price feed: skipping malformed frame", slog.String("error", err.Error()))
			continue
		}
		if q.Instrument == "" || !q.LastPrice.IsPositive() {
			continue
		}
		if q.UpdatedAt.IsZero() {
			q.UpdatedAt = time.Now().UTC()
		}
		f.cache.set(q)
	}
}

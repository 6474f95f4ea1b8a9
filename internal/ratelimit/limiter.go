// Package ratelimit implements the client-side request budget for the
// exchange REST API: fixed windows per bucket, blocking acquisition, and a
// background reset sweep. A caller is delayed, never failed, when a bucket
// is exhausted.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"binance-market-feed/internal/clock"
	"binance-market-feed/internal/market"
)

// BucketType identifies one of the exchange's limit windows.
type BucketType string

const (
	BucketWeight BucketType = "weight" // request weight, 60s window
	BucketOrders BucketType = "orders" // order mutations, 10s window
	BucketRaw    BucketType = "raw"    // raw request count, 300s window
)

// smallSlack is added to every computed wait so the re-check lands after the
// window has actually rolled over.
const smallSlack = 50 * time.Millisecond

// Config sets the per-window limits. Windows themselves are fixed.
type Config struct {
	WeightLimit int `json:"weight_limit"`
	OrdersLimit int `json:"orders_limit"`
	RawLimit    int `json:"raw_limit"`
}

// DefaultConfig mirrors the Binance futures limits.
func DefaultConfig() Config {
	return Config{
		WeightLimit: 2400,
		OrdersLimit: 300,
		RawLimit:    61000,
	}
}

type bucket struct {
	limit   int
	window  time.Duration
	count   int
	resetAt time.Time
}

// Limiter is the multi-bucket token accountant. Acquire is the only mutator
// of a bucket's count; all accounting runs under one short mutex.
type Limiter struct {
	mu      sync.Mutex
	clk     clock.Clock
	sink    market.EventSink
	buckets map[BucketType]*bucket

	stopCh   chan struct{}
	stopOnce sync.Once
	waits    int64
}

// New creates a limiter with all three buckets primed.
func New(cfg Config, clk clock.Clock, sink market.EventSink) *Limiter {
	if clk == nil {
		clk = clock.Real()
	}
	if sink == nil {
		sink = market.NopSink{}
	}
	now := clk.Now()
	mk := func(limit int, window time.Duration) *bucket {
		return &bucket{limit: limit, window: window, resetAt: now.Add(window)}
	}
	return &Limiter{
		clk:  clk,
		sink: sink,
		buckets: map[BucketType]*bucket{
			BucketWeight: mk(cfg.WeightLimit, time.Minute),
			BucketOrders: mk(cfg.OrdersLimit, 10*time.Second),
			BucketRaw:    mk(cfg.RawLimit, 5*time.Minute),
		},
		stopCh: make(chan struct{}),
	}
}

// Start launches the background sweep that resets any elapsed window every
// second, so idle buckets do not stay pinned at their old counts.
func (l *Limiter) Start() {
	go func() {
		ctx := context.Background()
		for {
			select {
			case <-l.stopCh:
				return
			default:
			}
			if err := l.clk.Sleep(ctx, time.Second); err != nil {
				return
			}
			l.mu.Lock()
			now := l.clk.Now()
			for _, b := range l.buckets {
				if !now.Before(b.resetAt) {
					b.count = 0
					b.resetAt = now.Add(b.window)
				}
			}
			l.mu.Unlock()
		}
	}()
}

// Stop terminates the background sweep.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

// Acquire charges weight against the bucket, suspending the caller until the
// charge fits. It returns an error only when ctx is cancelled.
func (l *Limiter) Acquire(ctx context.Context, bt BucketType, weight int) error {
	for {
		l.mu.Lock()
		b, ok := l.buckets[bt]
		if !ok {
			l.mu.Unlock()
			return nil
		}
		now := l.clk.Now()
		if !now.Before(b.resetAt) {
			b.count = 0
			b.resetAt = now.Add(b.window)
		}
		if b.count+weight <= b.limit {
			b.count += weight
			l.mu.Unlock()
			return nil
		}
		wait := b.resetAt.Sub(now) + smallSlack
		l.waits++
		l.mu.Unlock()

		l.sink.Emit(market.Event{
			Type: market.EventRateLimit,
			Time: now,
			Fields: map[string]interface{}{
				"bucket":  string(bt),
				"wait_ms": wait.Milliseconds(),
				"weight":  weight,
			},
		})
		log.Debug().Str("component", "ratelimit").Str("bucket", string(bt)).
			Dur("wait", wait).Msg("bucket exhausted, delaying caller")

		if err := l.clk.Sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// AcquireRequest charges a read-only REST call: weight by endpoint plus one
// raw request.
func (l *Limiter) AcquireRequest(ctx context.Context, endpoint string) error {
	if err := l.Acquire(ctx, BucketRaw, 1); err != nil {
		return err
	}
	return l.Acquire(ctx, BucketWeight, EndpointWeight(endpoint))
}

// AcquireOrder charges a state-mutating call: weight 1 plus one order slot
// plus one raw request.
func (l *Limiter) AcquireOrder(ctx context.Context, endpoint string) error {
	if err := l.Acquire(ctx, BucketRaw, 1); err != nil {
		return err
	}
	if err := l.Acquire(ctx, BucketWeight, 1); err != nil {
		return err
	}
	return l.Acquire(ctx, BucketOrders, 1)
}

// Status returns a point-in-time snapshot of every bucket.
func (l *Limiter) Status() map[string]interface{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clk.Now()
	status := map[string]interface{}{"waits": l.waits}
	for bt, b := range l.buckets {
		resetIn := b.resetAt.Sub(now)
		if resetIn < 0 {
			resetIn = 0
		}
		status[string(bt)] = map[string]interface{}{
			"count":        b.count,
			"limit":        b.limit,
			"window_sec":   int(b.window.Seconds()),
			"reset_in_sec": int(resetIn.Seconds()),
		}
	}
	return status
}

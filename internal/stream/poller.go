package stream

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"binance-market-feed/internal/clock"
	"binance-market-feed/internal/market"
	"binance-market-feed/internal/metrics"
)

// PollFunc performs one fallback fetch-and-deliver cycle for a key. The
// implementation decides whether to keep polling or hand back to push.
type PollFunc func(ctx context.Context, key market.StreamKey)

// Poller drives periodic REST fetches for stream keys whose push delivery
// is down. All keys share one aggregate pacing limiter so a broad outage
// cannot stampede the REST quota.
type Poller struct {
	interval time.Duration
	limiter  *rate.Limiter
	clk      clock.Clock
	met      *metrics.Metrics
	poll     PollFunc

	mu     sync.Mutex
	active map[market.StreamKey]chan struct{}
	wg     sync.WaitGroup
}

// NewPoller builds a poller. maxPollsPerSec bounds the aggregate cycle rate
// across all keys.
func NewPoller(interval time.Duration, maxPollsPerSec float64, clk clock.Clock, met *metrics.Metrics, poll PollFunc) *Poller {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if maxPollsPerSec <= 0 {
		maxPollsPerSec = 5
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Poller{
		interval: interval,
		limiter:  rate.NewLimiter(rate.Limit(maxPollsPerSec), int(maxPollsPerSec)+1),
		clk:      clk,
		met:      met,
		poll:     poll,
		active:   make(map[market.StreamKey]chan struct{}),
	}
}

// Start begins polling key. Starting an already polled key is a no-op.
func (p *Poller) Start(key market.StreamKey) {
	p.mu.Lock()
	if _, ok := p.active[key]; ok {
		p.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	p.active[key] = stop
	p.wg.Add(1)
	p.mu.Unlock()

	log.Info().Str("component", "poller").Str("stream", string(key)).Msg("fallback polling started")
	go p.loop(key, stop)
}

func (p *Poller) loop(key market.StreamKey, stop <-chan struct{}) {
	defer p.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		cancel()
	}()

	for {
		if err := p.clk.Sleep(ctx, p.interval); err != nil {
			return
		}
		if err := p.limiter.Wait(ctx); err != nil {
			return
		}
		p.met.IncPoll()
		p.poll(ctx, key)
	}
}

// Stop ends polling for key. Stopping an idle key is a no-op.
func (p *Poller) Stop(key market.StreamKey) {
	p.mu.Lock()
	stop, ok := p.active[key]
	if ok {
		delete(p.active, key)
	}
	p.mu.Unlock()
	if ok {
		close(stop)
		log.Info().Str("component", "poller").Str("stream", string(key)).Msg("fallback polling stopped")
	}
}

// Active reports whether key is currently being polled.
func (p *Poller) Active(key market.StreamKey) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.active[key]
	return ok
}

// ActiveKeys lists the keys currently being polled.
func (p *Poller) ActiveKeys() []market.StreamKey {
	p.mu.Lock()
	defer p.mu.Unlock()
	keys := make([]market.StreamKey, 0, len(p.active))
	for k := range p.active {
		keys = append(keys, k)
	}
	return keys
}

// StopAll stops every poll loop and waits for them to exit.
func (p *Poller) StopAll() {
	p.mu.Lock()
	for key, stop := range p.active {
		close(stop)
		delete(p.active, key)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

// Package marketdata is the engine facade: one-shot reads served
// cache-first then REST, and push subscriptions primed over REST with
// automatic fallback polling when the stream is down.
package marketdata

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"binance-market-feed/config"
	"binance-market-feed/internal/cache"
	"binance-market-feed/internal/clock"
	"binance-market-feed/internal/decode"
	"binance-market-feed/internal/errs"
	"binance-market-feed/internal/market"
	"binance-market-feed/internal/metrics"
	"binance-market-feed/internal/ratelimit"
	"binance-market-feed/internal/rest"
	"binance-market-feed/internal/stream"
)

const (
	cacheNamespace = "market"
	tradeRingSize  = 100
	klineBufSize   = 100
	primeTimeout   = 15 * time.Second
)

// deliverFunc adapts a typed subscriber callback; exactly one of data/err is
// set per delivery.
type deliverFunc func(data interface{}, err error, src market.Source, at time.Time)

// Options tunes one subscription. The zero value is the default.
type Options struct {
	// RefreshOnError triggers a one-shot REST refresh after a push decode
	// failure so the subscriber recovers without waiting for the next frame.
	RefreshOnError bool
	// MaxRetries and RetryInterval bound the refresh attempts.
	MaxRetries    int
	RetryInterval time.Duration
	// BufferSize overrides the trade ring / kline buffer size for the key.
	// The largest value across a key's subscribers wins.
	BufferSize int
}

func firstOption(opts []Options) Options {
	if len(opts) > 0 {
		return opts[0]
	}
	return Options{}
}

// subscriber pairs one delivery adapter with its options.
type subscriber struct {
	deliver deliverFunc
	opts    Options
}

// keySubs holds everything the service tracks per stream key.
type keySubs struct {
	unsub       stream.Unsubscribe
	subscribers map[string]*subscriber
	bufSize     int                    // trade ring / kline buffer bound
	trades      []market.Trade         // newest first, bounded
	klines      map[int64]market.Kline // keyed by openTime, bounded
}

// Service composes the gateway, supervisor, poller and cache into the
// public engine API.
type Service struct {
	cfg     *config.Config
	clk     clock.Clock
	met     *metrics.Metrics
	dec     *decode.Decoder
	limiter *ratelimit.Limiter
	gateway *rest.Client
	store   *cache.Cache
	sup     *stream.Supervisor
	poller  *stream.Poller

	mu   sync.RWMutex
	subs map[market.StreamKey]*keySubs

	closeOnce sync.Once
}

// New wires the engine from configuration. Call Close when done.
func New(cfg *config.Config) *Service {
	if cfg == nil {
		cfg = config.Default()
	}
	clk := clock.Real()
	met := metrics.New()
	dec := decode.New()
	sink := market.LogSink{Component: "engine"}

	limiter := ratelimit.New(ratelimit.Config{
		WeightLimit: cfg.RateLimitConfig.WeightLimit,
		OrdersLimit: cfg.RateLimitConfig.OrdersLimit,
		RawLimit:    cfg.RateLimitConfig.RawLimit,
	}, clk, sink)
	limiter.Start()

	gateway := rest.New(rest.Config{
		BaseURL:       cfg.BinanceConfig.BaseURL,
		APIKey:        cfg.BinanceConfig.APIKey,
		SecretKey:     cfg.BinanceConfig.SecretKey,
		Timeout:       cfg.RESTConfig.Timeout(),
		RecvWindow:    cfg.RESTConfig.RecvWindowMs,
		MaxRetries:    cfg.RESTConfig.MaxRetries,
		RetryInitial:  cfg.RESTConfig.RetryInitial(),
		RetryMax:      cfg.RESTConfig.RetryMax(),
		BackoffFactor: cfg.RESTConfig.BackoffFactor,
	}, limiter, clk, dec, met)

	store := cache.New(cache.Config{
		MaxSize: cfg.CacheConfig.MaxSize,
		TTL:     cfg.CacheConfig.TTL(),
		Policy:  cache.Policy(cfg.CacheConfig.Policy),
	}, clk, met)
	store.Start()

	sup := stream.NewSupervisor(stream.Config{
		WSBaseURL:            cfg.BinanceConfig.WSBaseURL,
		APIKey:               cfg.BinanceConfig.APIKey,
		HeartbeatInterval:    cfg.StreamConfig.HeartbeatInterval(),
		HeartbeatTimeout:     cfg.StreamConfig.HeartbeatTimeout(),
		InitialBackoff:       cfg.StreamConfig.InitialBackoff(),
		MaxBackoff:           cfg.StreamConfig.MaxBackoff(),
		BackoffFactor:        cfg.StreamConfig.BackoffFactor,
		MaxReconnectAttempts: cfg.StreamConfig.MaxReconnectAttempts,
		DialTimeout:          cfg.StreamConfig.DialTimeout(),
		StaleThreshold:       cfg.StreamConfig.StaleThreshold(),
		BreakerThreshold:     uint32(cfg.StreamConfig.BreakerThreshold),
		BreakerResetTimeout:  cfg.StreamConfig.BreakerReset(),
	}, clk, sink, met)

	s := &Service{
		cfg:     cfg,
		clk:     clk,
		met:     met,
		dec:     dec,
		limiter: limiter,
		gateway: gateway,
		store:   store,
		sup:     sup,
		subs:    make(map[market.StreamKey]*keySubs),
	}
	s.poller = stream.NewPoller(cfg.FallbackConfig.PollInterval(),
		cfg.FallbackConfig.MaxPollsPerSec, clk, met, s.pollOnce)
	sup.SetStreamListener(s.onStreamChange)
	return s
}

// Gateway exposes the REST client for order placement and account calls.
func (s *Service) Gateway() *rest.Client { return s.gateway }

// Metrics exposes the prometheus registry holder.
func (s *Service) Metrics() *metrics.Metrics { return s.met }

// Close shuts the engine down: sessions closed with code 1000, pollers and
// sweepers stopped. Idempotent.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		s.sup.DisconnectAll()
		s.poller.StopAll()
		s.store.Stop()
		s.limiter.Stop()
		log.Info().Str("component", "engine").Msg("engine closed")
	})
}

// ==================== ONE-SHOT READS ====================

// GetPrice returns the best bid/ask for symbol, cache first.
func (s *Service) GetPrice(ctx context.Context, symbol string) market.Result[market.PriceTick] {
	sym := market.NormalizeSymbol(symbol)
	now := s.clk.Now()
	key := cache.Key(cacheNamespace, "price", sym, nil)
	if v, ok := s.store.Get(key); ok {
		return market.Ok(v.(*market.PriceTick), market.SourceCache, now)
	}
	tick, err := s.gateway.GetCurrentPrice(ctx, sym)
	if err != nil {
		return market.Fail[market.PriceTick](err, market.SourceREST, s.clk.Now())
	}
	s.store.Set(key, tick)
	return market.Ok(tick, market.SourceREST, s.clk.Now())
}

// GetOrderBook returns a depth snapshot for symbol, cache first.
func (s *Service) GetOrderBook(ctx context.Context, symbol string, limit int) market.Result[market.OrderBook] {
	sym := market.NormalizeSymbol(symbol)
	now := s.clk.Now()
	key := cache.Key(cacheNamespace, "orderbook", sym, nil)
	if v, ok := s.store.Get(key); ok {
		return market.Ok(v.(*market.OrderBook), market.SourceCache, now)
	}
	book, err := s.gateway.GetOrderBook(ctx, sym, limit)
	if err != nil {
		return market.Fail[market.OrderBook](err, market.SourceREST, s.clk.Now())
	}
	s.store.Set(key, book)
	return market.Ok(book, market.SourceREST, s.clk.Now())
}

// GetRecentTrades returns up to limit recent trades, newest first.
func (s *Service) GetRecentTrades(ctx context.Context, symbol string, limit int) market.Result[[]market.Trade] {
	sym := market.NormalizeSymbol(symbol)
	now := s.clk.Now()
	key := cache.Key(cacheNamespace, "trades", sym, nil)
	if v, ok := s.store.Get(key); ok {
		trades := clip(v.([]market.Trade), limit)
		return market.Ok(&trades, market.SourceCache, now)
	}
	trades, err := s.gateway.GetRecentTrades(ctx, sym, limit)
	if err != nil {
		return market.Fail[[]market.Trade](err, market.SourceREST, s.clk.Now())
	}
	// REST returns oldest first; the engine convention is newest first
	reverse(trades)
	trades = s.dropInvalidTrades(trades)
	s.store.Set(key, trades)
	trades = clip(trades, limit)
	return market.Ok(&trades, market.SourceREST, s.clk.Now())
}

// GetKlines returns up to limit candles for symbol/interval, oldest first.
func (s *Service) GetKlines(ctx context.Context, symbol, interval string, limit int) market.Result[[]market.Kline] {
	sym := market.NormalizeSymbol(symbol)
	now := s.clk.Now()
	key := cache.Key(cacheNamespace, "klines", sym, map[string]string{"interval": interval})
	if v, ok := s.store.Get(key); ok {
		klines := clip(v.([]market.Kline), limit)
		return market.Ok(&klines, market.SourceCache, now)
	}
	klines, err := s.gateway.GetKlines(ctx, sym, interval, limit)
	if err != nil {
		return market.Fail[[]market.Kline](err, market.SourceREST, s.clk.Now())
	}
	s.store.Set(key, klines)
	klines = clip(klines, limit)
	return market.Ok(&klines, market.SourceREST, s.clk.Now())
}

// Get24hrTicker returns the 24h rolling statistics for symbol.
func (s *Service) Get24hrTicker(ctx context.Context, symbol string) market.Result[market.Ticker24h] {
	sym := market.NormalizeSymbol(symbol)
	now := s.clk.Now()
	key := cache.Key(cacheNamespace, "ticker", sym, nil)
	if v, ok := s.store.Get(key); ok {
		return market.Ok(v.(*market.Ticker24h), market.SourceCache, now)
	}
	t, err := s.gateway.Get24hrTicker(ctx, sym)
	if err != nil {
		return market.Fail[market.Ticker24h](err, market.SourceREST, s.clk.Now())
	}
	s.store.Set(key, t)
	return market.Ok(t, market.SourceREST, s.clk.Now())
}

// GetMarkPrice returns the mark/index price and funding fields.
func (s *Service) GetMarkPrice(ctx context.Context, symbol string) market.Result[market.MarkPrice] {
	sym := market.NormalizeSymbol(symbol)
	now := s.clk.Now()
	key := cache.Key(cacheNamespace, "markprice", sym, nil)
	if v, ok := s.store.Get(key); ok {
		return market.Ok(v.(*market.MarkPrice), market.SourceCache, now)
	}
	mp, err := s.gateway.GetMarkPrice(ctx, sym)
	if err != nil {
		return market.Fail[market.MarkPrice](err, market.SourceREST, s.clk.Now())
	}
	s.store.Set(key, mp)
	return market.Ok(mp, market.SourceREST, s.clk.Now())
}

// GetFundingRate returns the current funding view for symbol.
func (s *Service) GetFundingRate(ctx context.Context, symbol string) market.Result[market.FundingRate] {
	sym := market.NormalizeSymbol(symbol)
	now := s.clk.Now()
	key := cache.Key(cacheNamespace, "funding", sym, nil)
	if v, ok := s.store.Get(key); ok {
		return market.Ok(v.(*market.FundingRate), market.SourceCache, now)
	}
	fr, err := s.gateway.GetFundingRate(ctx, sym)
	if err != nil {
		return market.Fail[market.FundingRate](err, market.SourceREST, s.clk.Now())
	}
	s.store.Set(key, fr)
	return market.Ok(fr, market.SourceREST, s.clk.Now())
}

// ==================== SUBSCRIPTIONS ====================

// SubscribePrice streams best bid/ask updates for symbol. The first
// delivery is an immediate REST snapshot.
func (s *Service) SubscribePrice(symbol string, cb func(market.Result[market.PriceTick]), opts ...Options) (stream.Unsubscribe, error) {
	key := market.BookTickerKey(symbol)
	return s.subscribe(key, firstOption(opts), func(data interface{}, err error, src market.Source, at time.Time) {
		if err != nil {
			cb(market.Fail[market.PriceTick](err, src, at))
			return
		}
		cb(market.Ok(data.(*market.PriceTick), src, at))
	})
}

// SubscribeOrderBook streams depth updates for symbol.
func (s *Service) SubscribeOrderBook(symbol string, cb func(market.Result[market.OrderBook]), opts ...Options) (stream.Unsubscribe, error) {
	key := market.DepthKey(symbol)
	return s.subscribe(key, firstOption(opts), func(data interface{}, err error, src market.Source, at time.Time) {
		if err != nil {
			cb(market.Fail[market.OrderBook](err, src, at))
			return
		}
		cb(market.Ok(data.(*market.OrderBook), src, at))
	})
}

// SubscribeTrades streams the rolling trade buffer for symbol. Each delivery
// is a snapshot copy, newest first.
func (s *Service) SubscribeTrades(symbol string, cb func(market.Result[[]market.Trade]), opts ...Options) (stream.Unsubscribe, error) {
	key := market.AggTradeKey(symbol)
	return s.subscribe(key, firstOption(opts), func(data interface{}, err error, src market.Source, at time.Time) {
		if err != nil {
			cb(market.Fail[[]market.Trade](err, src, at))
			return
		}
		v := data.([]market.Trade)
		cb(market.Ok(&v, src, at))
	})
}

// SubscribeKlines streams the rolling candle buffer for symbol/interval. Each
// delivery is a snapshot copy sorted by open time; an in-progress candle
// replaces its open time slot on every update.
func (s *Service) SubscribeKlines(symbol, interval string, cb func(market.Result[[]market.Kline]), opts ...Options) (stream.Unsubscribe, error) {
	key := market.KlineKey(symbol, interval)
	return s.subscribe(key, firstOption(opts), func(data interface{}, err error, src market.Source, at time.Time) {
		if err != nil {
			cb(market.Fail[[]market.Kline](err, src, at))
			return
		}
		v := data.([]market.Kline)
		cb(market.Ok(&v, src, at))
	})
}

// SubscribeTicker streams 24h rolling statistics for symbol.
func (s *Service) SubscribeTicker(symbol string, cb func(market.Result[market.Ticker24h]), opts ...Options) (stream.Unsubscribe, error) {
	key := market.TickerKey(symbol)
	return s.subscribe(key, firstOption(opts), func(data interface{}, err error, src market.Source, at time.Time) {
		if err != nil {
			cb(market.Fail[market.Ticker24h](err, src, at))
			return
		}
		cb(market.Ok(data.(*market.Ticker24h), src, at))
	})
}

// subscribe registers one typed subscriber under key. The first subscriber
// for a key claims the push stream and kicks off the REST prime; the last
// unsubscribe releases both.
func (s *Service) subscribe(key market.StreamKey, opts Options, deliver deliverFunc) (stream.Unsubscribe, error) {
	if _, _, _, err := key.Parse(); err != nil {
		return nil, errs.Validation(err.Error())
	}
	id := uuid.NewString()

	s.mu.Lock()
	ks := s.subs[key]
	first := ks == nil
	if first {
		ks = &keySubs{subscribers: make(map[string]*subscriber), bufSize: tradeRingSize}
		s.subs[key] = ks
	}
	ks.subscribers[id] = &subscriber{deliver: deliver, opts: opts}
	if opts.BufferSize > ks.bufSize {
		ks.bufSize = opts.BufferSize
	}
	s.mu.Unlock()

	unsub := func() {
		s.mu.Lock()
		ks, ok := s.subs[key]
		if !ok {
			s.mu.Unlock()
			return
		}
		delete(ks.subscribers, id)
		last := len(ks.subscribers) == 0
		var release stream.Unsubscribe
		if last {
			release = ks.unsub
			delete(s.subs, key)
		}
		s.mu.Unlock()
		if last {
			if release != nil {
				release()
			}
			s.poller.Stop(key)
		}
	}

	if !first {
		// later subscribers still get an immediate snapshot: the cached
		// value when one is live, a fresh REST prime otherwise
		if v, ok := s.cachedSnapshot(key); ok {
			go deliver(v, nil, market.SourceCache, s.clk.Now())
		} else {
			go s.prime(key)
		}
		return unsub, nil
	}

	streamUnsub, err := s.sup.SubscribeToStream(key, s.handlePush)
	s.mu.Lock()
	if cur, ok := s.subs[key]; ok {
		cur.unsub = streamUnsub
	}
	s.mu.Unlock()
	if err != nil {
		// circuit open or invalid: fall back to polling, keep the
		// registration so push resumes when the breaker closes
		if errs.KindOf(err) == errs.KindCircuitOpen {
			s.poller.Start(key)
		}
	}

	go s.prime(key)
	return unsub, nil
}

// prime fetches the initial REST snapshot for a fresh subscription so the
// subscriber sees data before the first push frame.
func (s *Service) prime(key market.StreamKey) {
	ctx, cancel := context.WithTimeout(context.Background(), primeTimeout)
	defer cancel()
	s.fetchAndDeliver(ctx, key)
}

// cachedSnapshot returns the live cached value for a stream key in the shape
// its subscription adapter expects.
func (s *Service) cachedSnapshot(key market.StreamKey) (interface{}, bool) {
	sym := key.Symbol()
	switch key.Topic() {
	case market.TopicBookTicker:
		return s.store.Get(cache.Key(cacheNamespace, "price", sym, nil))
	case market.TopicDepth:
		return s.store.Get(cache.Key(cacheNamespace, "orderbook", sym, nil))
	case market.TopicAggTrade, market.TopicTrade:
		return s.store.Get(cache.Key(cacheNamespace, "trades", sym, nil))
	case market.TopicKline:
		return s.store.Get(cache.Key(cacheNamespace, "klines", sym,
			map[string]string{"interval": key.Param()}))
	case market.TopicTicker:
		return s.store.Get(cache.Key(cacheNamespace, "ticker", sym, nil))
	default:
		return nil, false
	}
}

// ==================== PUSH PATH ====================

// handlePush decodes one push payload, updates the cache, then fans out.
// Cache update strictly precedes delivery so a read during a callback never
// sees older data than the callback argument.
func (s *Service) handlePush(key market.StreamKey, payload []byte, receivedAt time.Time) {
	sym := key.Symbol()
	var data interface{}
	var err error

	switch key.Topic() {
	case market.TopicBookTicker:
		var tick *market.PriceTick
		if tick, err = s.dec.PriceTick(payload); err == nil {
			s.store.Set(cache.Key(cacheNamespace, "price", sym, nil), tick)
			data = tick
		}
	case market.TopicDepth:
		var book *market.OrderBook
		if book, err = s.dec.OrderBook(payload); err == nil {
			s.store.Set(cache.Key(cacheNamespace, "orderbook", sym, nil), book)
			data = book
		}
	case market.TopicAggTrade, market.TopicTrade:
		var trade *market.Trade
		if trade, err = s.dec.Trade(payload); err == nil {
			// the decoder has no clock; the timestamp invariant lands here
			if err = trade.Validate(s.clk.Now()); err == nil {
				data = s.pushTrade(key, sym, *trade)
			}
		}
	case market.TopicKline:
		var k *market.Kline
		if k, err = s.dec.Kline(payload); err == nil {
			data = s.pushKline(key, sym, *k)
		}
	case market.TopicTicker:
		var t *market.Ticker24h
		if t, err = s.dec.Ticker24h(payload); err == nil {
			s.store.Set(cache.Key(cacheNamespace, "ticker", sym, nil), t)
			data = t
		}
	default:
		return
	}

	if err != nil {
		s.met.IncDecodeErrors()
		log.Warn().Str("component", "engine").Str("stream", string(key)).
			Err(err).Msg("push payload rejected")
		s.fanout(key, nil, err, market.SourcePush, receivedAt)
		if refresh := s.refreshPolicy(key); refresh != nil {
			go s.refreshAfterError(key, *refresh)
		}
		return
	}
	s.fanout(key, data, nil, market.SourcePush, receivedAt)
}

// refreshPolicy returns the refresh options for key when at least one
// subscriber opted in, nil otherwise.
func (s *Service) refreshPolicy(key market.StreamKey) *Options {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ks := s.subs[key]
	if ks == nil {
		return nil
	}
	var out *Options
	for _, sub := range ks.subscribers {
		if !sub.opts.RefreshOnError {
			continue
		}
		o := sub.opts
		if out == nil || o.MaxRetries > out.MaxRetries {
			out = &o
		}
	}
	return out
}

// refreshAfterError replaces a rejected push frame with fresh REST state.
func (s *Service) refreshAfterError(key market.StreamKey, opts Options) {
	interval := opts.RetryInterval
	if interval <= 0 {
		interval = time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), primeTimeout)
	defer cancel()
	for attempt := 0; ; attempt++ {
		if err := s.fetchAndDeliver(ctx, key); err == nil || attempt >= opts.MaxRetries {
			return
		}
		if err := s.clk.Sleep(ctx, interval); err != nil {
			return
		}
	}
}

// pushTrade prepends one trade to the per-key ring and refreshes the cache.
// It returns the new snapshot, newest first.
func (s *Service) pushTrade(key market.StreamKey, sym string, t market.Trade) []market.Trade {
	s.mu.Lock()
	ks := s.subs[key]
	var snapshot []market.Trade
	if ks != nil {
		ks.trades = append([]market.Trade{t}, ks.trades...)
		if len(ks.trades) > ks.bufSize {
			ks.trades = ks.trades[:ks.bufSize]
		}
		snapshot = append([]market.Trade(nil), ks.trades...)
	}
	s.mu.Unlock()
	if snapshot != nil {
		s.store.Set(cache.Key(cacheNamespace, "trades", sym, nil), snapshot)
	}
	return snapshot
}

// pushKline upserts one candle into the per-key buffer, keyed by open time,
// and refreshes the cached sorted series. It returns the new snapshot.
func (s *Service) pushKline(key market.StreamKey, sym string, k market.Kline) []market.Kline {
	s.mu.Lock()
	ks := s.subs[key]
	var snapshot []market.Kline
	if ks != nil {
		if ks.klines == nil {
			ks.klines = make(map[int64]market.Kline)
		}
		ks.klines[k.OpenTime] = k
		for len(ks.klines) > ks.bufSize {
			oldest := int64(0)
			for t := range ks.klines {
				if oldest == 0 || t < oldest {
					oldest = t
				}
			}
			delete(ks.klines, oldest)
		}
		snapshot = make([]market.Kline, 0, len(ks.klines))
		for _, v := range ks.klines {
			snapshot = append(snapshot, v)
		}
		sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].OpenTime < snapshot[j].OpenTime })
	}
	s.mu.Unlock()
	if snapshot != nil {
		s.store.Set(cache.Key(cacheNamespace, "klines", sym,
			map[string]string{"interval": key.Param()}), snapshot)
	}
	return snapshot
}

func (s *Service) fanout(key market.StreamKey, data interface{}, err error, src market.Source, at time.Time) {
	s.mu.RLock()
	ks := s.subs[key]
	var targets []deliverFunc
	if ks != nil {
		targets = make([]deliverFunc, 0, len(ks.subscribers))
		for _, sub := range ks.subscribers {
			targets = append(targets, sub.deliver)
		}
	}
	s.mu.RUnlock()
	for _, d := range targets {
		d(data, err, src, at)
	}
}

// ==================== FALLBACK PATH ====================

// onStreamChange reacts to push availability flips from the supervisor.
func (s *Service) onStreamChange(key market.StreamKey, up bool) {
	if up {
		s.poller.Stop(key)
		return
	}
	s.mu.RLock()
	hasSubs := s.subs[key] != nil
	s.mu.RUnlock()
	if hasSubs {
		s.poller.Start(key)
	}
}

// pollOnce runs one fallback cycle: hand back to push when it is available
// again, otherwise fetch over REST and deliver.
func (s *Service) pollOnce(ctx context.Context, key market.StreamKey) {
	s.mu.RLock()
	hasSubs := s.subs[key] != nil
	s.mu.RUnlock()
	if !hasSubs {
		s.poller.Stop(key)
		return
	}
	if s.sup.TryResume(key) {
		s.poller.Stop(key)
		return
	}
	s.fetchAndDeliver(ctx, key)
}

// fetchAndDeliver fetches the REST equivalent of one push stream, updates
// the cache and fans the result out with SourceREST. The fetch error, if
// any, is both fanned out and returned.
func (s *Service) fetchAndDeliver(ctx context.Context, key market.StreamKey) error {
	sym := key.Symbol()
	now := s.clk.Now()
	var data interface{}
	var err error

	switch key.Topic() {
	case market.TopicBookTicker:
		var tick *market.PriceTick
		if tick, err = s.gateway.GetCurrentPrice(ctx, sym); err == nil {
			s.store.Set(cache.Key(cacheNamespace, "price", sym, nil), tick)
			data = tick
		}
	case market.TopicDepth:
		var book *market.OrderBook
		if book, err = s.gateway.GetOrderBook(ctx, sym, 20); err == nil {
			s.store.Set(cache.Key(cacheNamespace, "orderbook", sym, nil), book)
			data = book
		}
	case market.TopicAggTrade, market.TopicTrade:
		var trades []market.Trade
		if trades, err = s.gateway.GetRecentTrades(ctx, sym, tradeRingSize); err == nil {
			reverse(trades)
			trades = s.dropInvalidTrades(trades)
			s.mu.Lock()
			if ks := s.subs[key]; ks != nil {
				ks.trades = append([]market.Trade(nil), trades...)
			}
			s.mu.Unlock()
			s.store.Set(cache.Key(cacheNamespace, "trades", sym, nil), trades)
			data = trades
		}
	case market.TopicKline:
		var klines []market.Kline
		if klines, err = s.gateway.GetKlines(ctx, sym, key.Param(), klineBufSize); err == nil {
			s.mu.Lock()
			if ks := s.subs[key]; ks != nil {
				ks.klines = make(map[int64]market.Kline, len(klines))
				for _, k := range klines {
					ks.klines[k.OpenTime] = k
				}
			}
			s.mu.Unlock()
			s.store.Set(cache.Key(cacheNamespace, "klines", sym,
				map[string]string{"interval": key.Param()}), klines)
			data = klines
		}
	case market.TopicTicker:
		var t *market.Ticker24h
		if t, err = s.gateway.Get24hrTicker(ctx, sym); err == nil {
			s.store.Set(cache.Key(cacheNamespace, "ticker", sym, nil), t)
			data = t
		}
	default:
		return nil
	}

	if err != nil {
		s.fanout(key, nil, err, market.SourceREST, now)
		return err
	}
	s.fanout(key, data, nil, market.SourceREST, s.clk.Now())
	return nil
}

// ==================== DIAGNOSTICS & CONTROL ====================

// ForceReconnect drops every live socket; sessions reconnect on schedule.
func (s *Service) ForceReconnect() {
	s.sup.ForceReconnect()
}

// ResetCircuitBreaker closes the connect circuit after operator review.
func (s *Service) ResetCircuitBreaker() {
	s.sup.ResetCircuitBreaker()
}

// CacheStats returns cache hit/miss/eviction counters.
func (s *Service) CacheStats() cache.Stats {
	return s.store.Stats()
}

// StreamMetrics returns per-session metrics keyed by the session key set.
func (s *Service) StreamMetrics() map[string]stream.SessionMetrics {
	return s.sup.Metrics()
}

// Status aggregates engine diagnostics.
func (s *Service) Status() map[string]interface{} {
	s.mu.RLock()
	subCount := 0
	for _, ks := range s.subs {
		subCount += len(ks.subscribers)
	}
	s.mu.RUnlock()
	return map[string]interface{}{
		"supervisor":    s.sup.Status(),
		"rate_limiter":  s.limiter.Status(),
		"cache":         s.store.Stats(),
		"subscriptions": subCount,
		"polling":       len(s.poller.ActiveKeys()),
	}
}

// dropInvalidTrades removes rows violating the trade invariants, counting
// each drop as a decode error.
func (s *Service) dropInvalidTrades(in []market.Trade) []market.Trade {
	now := s.clk.Now()
	out := in[:0]
	for _, t := range in {
		if err := t.Validate(now); err != nil {
			s.met.IncDecodeErrors()
			log.Warn().Str("component", "engine").Int64("trade_id", t.ID).
				Err(err).Msg("trade dropped")
			continue
		}
		out = append(out, t)
	}
	return out
}

func clip[T any](in []T, limit int) []T {
	out := append([]T(nil), in...)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func reverse(t []market.Trade) {
	for i, j := 0, len(t)-1; i < j; i, j = i+1, j-1 {
		t[i], t[j] = t[j], t[i]
	}
}

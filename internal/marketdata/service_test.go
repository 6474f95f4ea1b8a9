package marketdata

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"binance-market-feed/config"
	"binance-market-feed/internal/cache"
	"binance-market-feed/internal/market"
)

func testConfig(restURL, wsURL string) *config.Config {
	cfg := config.Default()
	cfg.BinanceConfig.BaseURL = restURL
	cfg.BinanceConfig.WSBaseURL = wsURL
	cfg.StreamConfig.HeartbeatIntervalSecs = 3600 // heartbeats off in tests
	cfg.StreamConfig.InitialBackoffSecs = 0.01
	cfg.StreamConfig.MaxBackoffSecs = 0.05
	cfg.StreamConfig.MaxReconnectAttempts = 1
	cfg.StreamConfig.DialTimeoutSecs = 2
	cfg.RESTConfig.MaxRetries = 1
	cfg.RESTConfig.RetryInitialMs = 1
	cfg.RESTConfig.RetryMaxSecs = 1
	return cfg
}

func newEngine(t *testing.T, restURL, wsURL string) *Service {
	t.Helper()
	s := New(testConfig(restURL, wsURL))
	t.Cleanup(s.Close)
	return s
}

// pushServer accepts websocket upgrades and writes every frame queued on
// send to each new connection.
type pushServer struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader
	frames   []string
}

func newPushServer(t *testing.T, frames ...string) *pushServer {
	t.Helper()
	p := &pushServer{frames: frames}
	p.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := p.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		for _, f := range p.frames {
			conn.WriteMessage(websocket.TextMessage, []byte(f))
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(p.srv.Close)
	return p
}

func (p *pushServer) url() string {
	return "ws" + strings.TrimPrefix(p.srv.URL, "http")
}

func awaitCond(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func bookTickerJSON() string {
	return `{"symbol":"BTCUSDT","bidPrice":"42000.5","bidQty":"1","askPrice":"42000.6","askQty":"2","time":1700000000000}`
}

func TestGetPriceCacheFirst(t *testing.T) {
	hits := int32(0)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Write([]byte(bookTickerJSON()))
	}))
	defer srv.Close()

	s := newEngine(t, srv.URL, "ws://127.0.0.1:1")

	first := s.GetPrice(context.Background(), "btcusdt")
	require.NoError(t, first.Err)
	assert.Equal(t, market.SourceREST, first.Source)
	assert.Equal(t, 42000.5, first.Data.Bid)

	second := s.GetPrice(context.Background(), "BTCUSDT")
	require.NoError(t, second.Err)
	assert.Equal(t, market.SourceCache, second.Source, "second read is served from cache")
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestGetRecentTradesNewestFirst(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// exchange order: oldest first
		w.Write([]byte(`[
			{"id":1,"price":"100","qty":"1","time":1700000001000,"isBuyerMaker":false},
			{"id":2,"price":"101","qty":"1","time":1700000002000,"isBuyerMaker":false},
			{"id":3,"price":"102","qty":"1","time":1700000003000,"isBuyerMaker":true}
		]`))
	}))
	defer srv.Close()

	s := newEngine(t, srv.URL, "ws://127.0.0.1:1")
	res := s.GetRecentTrades(context.Background(), "btcusdt", 2)
	require.NoError(t, res.Err)
	trades := *res.Data
	require.Len(t, trades, 2, "limit clips the result")
	assert.Equal(t, int64(3), trades[0].ID, "newest trade comes first")
	assert.Equal(t, int64(2), trades[1].ID)
}

func TestGetPriceRESTFailurePropagates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":-1121,"msg":"Invalid symbol."}`))
	}))
	defer srv.Close()

	s := newEngine(t, srv.URL, "ws://127.0.0.1:1")
	res := s.GetPrice(context.Background(), "NOSUCH")
	require.Error(t, res.Err)
	assert.Nil(t, res.Data)
	assert.Equal(t, market.SourceREST, res.Source)
}

func TestSubscribePriceDeliversPrimeAndPush(t *testing.T) {
	rest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(bookTickerJSON()))
	}))
	defer rest.Close()

	frame := fmt.Sprintf(`{"e":"bookTicker","E":%d,"s":"BTCUSDT","b":"42001","B":"1","a":"42002","A":"1"}`,
		time.Now().UnixMilli())
	ws := newPushServer(t, frame)

	s := newEngine(t, rest.URL, ws.url())

	var mu sync.Mutex
	var sources []market.Source
	unsub, err := s.SubscribePrice("btcusdt", func(res market.Result[market.PriceTick]) {
		assert.NoError(t, res.Err)
		mu.Lock()
		sources = append(sources, res.Source)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer unsub()

	has := func(want market.Source) func() bool {
		return func() bool {
			mu.Lock()
			defer mu.Unlock()
			for _, src := range sources {
				if src == want {
					return true
				}
			}
			return false
		}
	}
	awaitCond(t, 3*time.Second, has(market.SourceREST))
	awaitCond(t, 3*time.Second, has(market.SourcePush))

	// the push frame landed in the cache, so a read never leaves the process
	res := s.GetPrice(context.Background(), "btcusdt")
	require.NoError(t, res.Err)
	assert.Equal(t, market.SourceCache, res.Source)
}

func TestUnsubscribeIsIdempotentAndReleasesKey(t *testing.T) {
	rest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(bookTickerJSON()))
	}))
	defer rest.Close()
	ws := newPushServer(t)

	s := newEngine(t, rest.URL, ws.url())
	unsub, err := s.SubscribePrice("btcusdt", func(market.Result[market.PriceTick]) {})
	require.NoError(t, err)

	key := market.BookTickerKey("btcusdt")
	s.mu.RLock()
	_, present := s.subs[key]
	s.mu.RUnlock()
	assert.True(t, present)

	unsub()
	unsub() // second call is a no-op
	s.mu.RLock()
	_, present = s.subs[key]
	s.mu.RUnlock()
	assert.False(t, present, "last unsubscribe releases the key")
}

func TestPushTradeRingBoundedNewestFirst(t *testing.T) {
	s := New(testConfig("http://127.0.0.1:1", "ws://127.0.0.1:1"))
	defer s.Close()

	key := market.AggTradeKey("btcusdt")
	var mu sync.Mutex
	var deliveries int
	var last []market.Trade
	s.mu.Lock()
	s.subs[key] = &keySubs{bufSize: tradeRingSize, subscribers: map[string]*subscriber{
		"t": {deliver: func(data interface{}, err error, src market.Source, at time.Time) {
			require.NoError(t, err)
			mu.Lock()
			deliveries++
			last = data.([]market.Trade)
			mu.Unlock()
		}},
	}}
	s.mu.Unlock()

	for i := 1; i <= tradeRingSize+5; i++ {
		payload := fmt.Sprintf(`{"e":"aggTrade","E":%d,"s":"BTCUSDT","a":%d,"p":"100","q":"1","T":%d,"m":false}`,
			time.Now().UnixMilli(), i, time.Now().UnixMilli())
		s.handlePush(key, []byte(payload), time.Now())
	}

	mu.Lock()
	assert.Equal(t, tradeRingSize+5, deliveries, "one snapshot per push")
	require.Len(t, last, tradeRingSize, "ring is bounded")
	assert.Equal(t, int64(tradeRingSize+5), last[0].ID, "newest trade sits at the front")
	assert.Equal(t, int64(6), last[tradeRingSize-1].ID, "oldest overflow was dropped")
	mu.Unlock()

	v, ok := s.store.Get(cache.Key("market", "trades", "BTCUSDT", nil))
	require.True(t, ok)
	assert.Len(t, v.([]market.Trade), tradeRingSize)
}

func TestPushKlineUpsertsByOpenTimeAndCaps(t *testing.T) {
	s := New(testConfig("http://127.0.0.1:1", "ws://127.0.0.1:1"))
	defer s.Close()

	key := market.KlineKey("btcusdt", "1m")
	s.mu.Lock()
	s.subs[key] = &keySubs{bufSize: klineBufSize, subscribers: map[string]*subscriber{}}
	s.mu.Unlock()

	push := func(openTime int64, close string) {
		payload := fmt.Sprintf(`{"e":"kline","E":%d,"s":"BTCUSDT","k":{"t":%d,"T":%d,"i":"1m","o":"100","c":%q,"h":"110","l":"95","v":"1","n":1,"q":"100","V":"1","Q":"50"}}`,
			time.Now().UnixMilli(), openTime, openTime+59999, close)
		s.handlePush(key, []byte(payload), time.Now())
	}

	base := int64(1_700_000_000_000)
	// same candle updated in place while it is forming
	push(base, "101")
	push(base, "102")
	s.mu.RLock()
	assert.Len(t, s.subs[key].klines, 1)
	assert.Equal(t, 102.0, s.subs[key].klines[base].Close)
	s.mu.RUnlock()

	for i := 1; i <= klineBufSize+4; i++ {
		push(base+int64(i)*60_000, "105")
	}
	s.mu.RLock()
	assert.Len(t, s.subs[key].klines, klineBufSize, "buffer is bounded")
	_, oldestPresent := s.subs[key].klines[base]
	s.mu.RUnlock()
	assert.False(t, oldestPresent, "oldest open time was evicted")

	v, ok := s.store.Get(cache.Key("market", "klines", "BTCUSDT", map[string]string{"interval": "1m"}))
	require.True(t, ok)
	series := v.([]market.Kline)
	require.Len(t, series, klineBufSize)
	for i := 1; i < len(series); i++ {
		assert.Less(t, series[i-1].OpenTime, series[i].OpenTime, "cached series is sorted by open time")
	}
}

func TestHandlePushDecodeErrorFansOutFailure(t *testing.T) {
	s := New(testConfig("http://127.0.0.1:1", "ws://127.0.0.1:1"))
	defer s.Close()

	key := market.BookTickerKey("btcusdt")
	var mu sync.Mutex
	var gotErr error
	s.mu.Lock()
	s.subs[key] = &keySubs{bufSize: tradeRingSize, subscribers: map[string]*subscriber{
		"t": {deliver: func(data interface{}, err error, src market.Source, at time.Time) {
			mu.Lock()
			gotErr = err
			mu.Unlock()
			assert.Nil(t, data)
			assert.Equal(t, market.SourcePush, src)
		}},
	}}
	s.mu.Unlock()

	s.handlePush(key, []byte(`{"e":"bookTicker","s":"BTCUSDT","b":"not-a-number"}`), time.Now())
	mu.Lock()
	assert.Error(t, gotErr)
	mu.Unlock()
}

func TestFutureDatedTradeNeverDelivered(t *testing.T) {
	s := New(testConfig("http://127.0.0.1:1", "ws://127.0.0.1:1"))
	defer s.Close()

	key := market.AggTradeKey("btcusdt")
	var mu sync.Mutex
	var deliveries int
	var gotErr error
	s.mu.Lock()
	s.subs[key] = &keySubs{bufSize: tradeRingSize, subscribers: map[string]*subscriber{
		"t": {deliver: func(data interface{}, err error, src market.Source, at time.Time) {
			mu.Lock()
			deliveries++
			gotErr = err
			mu.Unlock()
		}},
	}}
	s.mu.Unlock()

	future := time.Now().Add(time.Hour).UnixMilli()
	payload := fmt.Sprintf(`{"e":"aggTrade","E":%d,"s":"BTCUSDT","a":1,"p":"100","q":"1","T":%d,"m":false}`,
		time.Now().UnixMilli(), future)
	s.handlePush(key, []byte(payload), time.Now())

	mu.Lock()
	assert.Equal(t, 1, deliveries, "subscriber gets exactly one error envelope")
	assert.Error(t, gotErr, "a trade timestamped beyond the skew bound is rejected")
	mu.Unlock()

	s.mu.RLock()
	assert.Empty(t, s.subs[key].trades, "rejected trade never enters the ring")
	s.mu.RUnlock()
	_, cached := s.store.Get(cache.Key("market", "trades", "BTCUSDT", nil))
	assert.False(t, cached, "rejected trade never enters the cache")
}

func TestGetRecentTradesDropsFutureDatedRows(t *testing.T) {
	future := time.Now().Add(time.Hour).UnixMilli()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(fmt.Sprintf(`[
			{"id":1,"price":"100","qty":"1","time":1700000001000,"isBuyerMaker":false},
			{"id":2,"price":"101","qty":"1","time":%d,"isBuyerMaker":false}
		]`, future)))
	}))
	defer srv.Close()

	s := newEngine(t, srv.URL, "ws://127.0.0.1:1")
	res := s.GetRecentTrades(context.Background(), "btcusdt", 10)
	require.NoError(t, res.Err)
	trades := *res.Data
	require.Len(t, trades, 1)
	assert.Equal(t, int64(1), trades[0].ID)
}

func TestSecondSubscriberGetsImmediateSnapshot(t *testing.T) {
	hits := int32(0)
	rest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Write([]byte(bookTickerJSON()))
	}))
	defer rest.Close()
	ws := newPushServer(t)

	s := newEngine(t, rest.URL, ws.url())

	first := int32(0)
	unsub1, err := s.SubscribePrice("btcusdt", func(r market.Result[market.PriceTick]) {
		if r.Err == nil {
			atomic.AddInt32(&first, 1)
		}
	})
	require.NoError(t, err)
	defer unsub1()
	awaitCond(t, 3*time.Second, func() bool { return atomic.LoadInt32(&first) >= 1 })

	var mu sync.Mutex
	var sources []market.Source
	unsub2, err := s.SubscribePrice("btcusdt", func(r market.Result[market.PriceTick]) {
		assert.NoError(t, r.Err)
		mu.Lock()
		sources = append(sources, r.Source)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer unsub2()

	awaitCond(t, 3*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(sources) >= 1
	})
	mu.Lock()
	assert.Equal(t, market.SourceCache, sources[0],
		"a later subscriber is served the cached snapshot without waiting for a push frame")
	mu.Unlock()
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits), "the cached snapshot avoids a second prime")
}

func TestRefreshOnErrorReplacesRejectedFrame(t *testing.T) {
	rest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(bookTickerJSON()))
	}))
	defer rest.Close()

	s := New(testConfig(rest.URL, "ws://127.0.0.1:1"))
	defer s.Close()

	key := market.BookTickerKey("btcusdt")
	var mu sync.Mutex
	var sources []market.Source
	s.mu.Lock()
	s.subs[key] = &keySubs{bufSize: tradeRingSize, subscribers: map[string]*subscriber{
		"t": {
			opts: Options{RefreshOnError: true},
			deliver: func(data interface{}, err error, src market.Source, at time.Time) {
				mu.Lock()
				sources = append(sources, src)
				mu.Unlock()
			},
		},
	}}
	s.mu.Unlock()

	s.handlePush(key, []byte(`{"e":"bookTicker","s":"BTCUSDT","b":"garbage"}`), time.Now())

	awaitCond(t, 3*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, src := range sources {
			if src == market.SourceREST {
				return true
			}
		}
		return false
	})
	mu.Lock()
	assert.Equal(t, market.SourcePush, sources[0], "the error envelope is delivered first")
	mu.Unlock()
}

func TestFetchAndDeliverTickerFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/fapi/v1/ticker/24hr", r.URL.Path)
		w.Write([]byte(`{"symbol":"BTCUSDT","priceChange":"100","priceChangePercent":"0.24","lastPrice":"42000","highPrice":"43000","lowPrice":"41000","volume":"1000","quoteVolume":"42000000","openTime":1700000000000,"closeTime":1700086400000,"count":10}`))
	}))
	defer srv.Close()

	s := New(testConfig(srv.URL, "ws://127.0.0.1:1"))
	defer s.Close()

	key := market.TickerKey("btcusdt")
	var mu sync.Mutex
	var gotSrc market.Source
	var gotLast float64
	s.mu.Lock()
	s.subs[key] = &keySubs{bufSize: tradeRingSize, subscribers: map[string]*subscriber{
		"t": {deliver: func(data interface{}, err error, src market.Source, at time.Time) {
			require.NoError(t, err)
			mu.Lock()
			gotSrc = src
			gotLast = data.(*market.Ticker24h).LastPrice
			mu.Unlock()
		}},
	}}
	s.mu.Unlock()

	require.NoError(t, s.fetchAndDeliver(context.Background(), key))
	mu.Lock()
	assert.Equal(t, market.SourceREST, gotSrc)
	assert.Equal(t, 42000.0, gotLast)
	mu.Unlock()

	_, ok := s.store.Get(cache.Key("market", "ticker", "BTCUSDT", nil))
	assert.True(t, ok, "fallback fetch refreshes the cache before fanout")
}

func TestStatusShape(t *testing.T) {
	s := New(testConfig("http://127.0.0.1:1", "ws://127.0.0.1:1"))
	defer s.Close()

	st := s.Status()
	assert.Contains(t, st, "supervisor")
	assert.Contains(t, st, "rate_limiter")
	assert.Contains(t, st, "cache")
	assert.Equal(t, 0, st["subscriptions"])
	assert.Equal(t, 0, st["polling"])
}

package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"binance-market-feed/internal/clock"
	"binance-market-feed/internal/metrics"
)

func newTestCache(cfg Config) (*Cache, *clock.FakeClock) {
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	return New(cfg, clk, nil), clk
}

func TestCountersFlowToPrometheus(t *testing.T) {
	met := metrics.New()
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	c := New(Config{MaxSize: 1, TTL: time.Hour}, clk, met)

	c.Set("market:price:A", 1)
	_, ok := c.Get("market:price:A")
	require.True(t, ok)
	_, ok = c.Get("market:price:B")
	require.False(t, ok)
	c.Set("market:price:B", 2) // evicts A

	assert.Equal(t, 1.0, testutil.ToFloat64(met.CacheHits))
	assert.Equal(t, 1.0, testutil.ToFloat64(met.CacheMisses))
	assert.Equal(t, 1.0, testutil.ToFloat64(met.CacheEvictions))
}

func TestPolicyStringIsCaseInsensitive(t *testing.T) {
	c, clk := newTestCache(Config{MaxSize: 2, TTL: time.Hour, Policy: "FIFO"})

	c.Set("market:price:A", 1)
	clk.Advance(time.Second)
	c.Set("market:price:B", 2)
	clk.Advance(time.Second)

	// touch the oldest entry so LRU would pick B instead
	_, ok := c.Get("market:price:A")
	require.True(t, ok)

	c.Set("market:price:C", 3)
	assert.False(t, c.Has("market:price:A"), "FIFO evicts the oldest insertion")
	assert.True(t, c.Has("market:price:B"))
	assert.True(t, c.Has("market:price:C"))
}

func TestUnknownPolicyFallsBackToLRU(t *testing.T) {
	c, clk := newTestCache(Config{MaxSize: 2, TTL: time.Hour, Policy: "random"})

	c.Set("market:price:A", 1)
	clk.Advance(time.Second)
	c.Set("market:price:B", 2)
	clk.Advance(time.Second)
	_, _ = c.Get("market:price:A") // A is now most recently used

	c.Set("market:price:C", 3)
	assert.False(t, c.Has("market:price:B"), "LRU evicts the least recently used")
	assert.True(t, c.Has("market:price:A"))
}

func TestKeyCanonicalization(t *testing.T) {
	a := Key("market", "klines", "BTCUSDT", map[string]string{"interval": "1m", "limit": "100"})
	b := Key("market", "klines", "BTCUSDT", map[string]string{"limit": "100", "interval": "1m"})
	assert.Equal(t, a, b)
	assert.Equal(t, "market:price:BTCUSDT", Key("market", "price", "BTCUSDT", nil))
}

func TestGetSetAndTTLExpiry(t *testing.T) {
	c, clk := newTestCache(Config{MaxSize: 10, TTL: 30 * time.Second})

	c.Set("market:price:BTCUSDT", 42)
	v, ok := c.Get("market:price:BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, 42, v)

	clk.Advance(29 * time.Second)
	_, ok = c.Get("market:price:BTCUSDT")
	assert.True(t, ok, "entry inside TTL must be served")

	clk.Advance(2 * time.Second)
	_, ok = c.Get("market:price:BTCUSDT")
	assert.False(t, ok, "expired entry must be a miss")
	assert.Equal(t, 0, c.Size(), "expired entry is removed on access")
}

func TestSetRefreshesTTL(t *testing.T) {
	c, clk := newTestCache(Config{MaxSize: 10, TTL: 30 * time.Second})

	c.Set("k", 1)
	clk.Advance(20 * time.Second)
	c.Set("k", 2)
	clk.Advance(20 * time.Second)

	v, ok := c.Get("k")
	require.True(t, ok, "rewrite resets the entry TTL")
	assert.Equal(t, 2, v)
}

func TestLRUEviction(t *testing.T) {
	c, clk := newTestCache(Config{MaxSize: 3, TTL: time.Hour, Policy: LRU})

	c.Set("a", 1)
	clk.Advance(time.Second)
	c.Set("b", 2)
	clk.Advance(time.Second)
	c.Set("c", 3)
	clk.Advance(time.Second)

	// touch "a" so "b" becomes least recently used
	_, ok := c.Get("a")
	require.True(t, ok)
	clk.Advance(time.Second)

	c.Set("d", 4)
	assert.Equal(t, 3, c.Size())
	assert.False(t, c.Has("b"), "least recently used entry is evicted")
	assert.True(t, c.Has("a"))
	assert.True(t, c.Has("c"))
	assert.True(t, c.Has("d"))
}

func TestFIFOEviction(t *testing.T) {
	c, clk := newTestCache(Config{MaxSize: 3, TTL: time.Hour, Policy: FIFO})

	c.Set("a", 1)
	clk.Advance(time.Second)
	c.Set("b", 2)
	clk.Advance(time.Second)
	c.Set("c", 3)
	clk.Advance(time.Second)

	// access order must not matter for FIFO
	c.Get("a")
	clk.Advance(time.Second)

	c.Set("d", 4)
	assert.False(t, c.Has("a"), "oldest insertion is evicted")
	assert.True(t, c.Has("b"))
}

func TestLFUEviction(t *testing.T) {
	c, clk := newTestCache(Config{MaxSize: 3, TTL: time.Hour, Policy: LFU})

	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("c", 3)
	for i := 0; i < 3; i++ {
		c.Get("a")
		c.Get("c")
	}
	c.Get("b")
	clk.Advance(time.Second)

	c.Set("d", 4)
	assert.False(t, c.Has("b"), "least frequently used entry is evicted")
	assert.True(t, c.Has("a"))
	assert.True(t, c.Has("c"))
}

func TestClearNamespace(t *testing.T) {
	c, _ := newTestCache(Config{MaxSize: 10, TTL: time.Hour})

	c.Set(Key("market", "price", "BTCUSDT", nil), 1)
	c.Set(Key("market", "price", "ETHUSDT", nil), 2)
	c.Set(Key("account", "balance", "", nil), 3)

	c.Clear("market")
	assert.Equal(t, 1, c.Size())
	assert.True(t, c.Has(Key("account", "balance", "", nil)))
}

func TestStatsCounters(t *testing.T) {
	c, _ := newTestCache(Config{MaxSize: 2, TTL: time.Hour})

	c.Set("a", 1)
	c.Get("a")
	c.Get("a")
	c.Get("missing")
	c.Set("b", 2)
	c.Set("c", 3) // evicts one

	st := c.Stats()
	assert.Equal(t, int64(2), st.Hits)
	assert.Equal(t, int64(1), st.Misses)
	assert.Equal(t, int64(1), st.Evictions)
	assert.InDelta(t, 2.0/3.0, st.HitRate, 0.001)

	c.ClearStats()
	st = c.Stats()
	assert.Zero(t, st.Hits)
	assert.Zero(t, st.Misses)
}

func TestBoundedSizeUnderChurn(t *testing.T) {
	c, _ := newTestCache(Config{MaxSize: 5, TTL: time.Hour})
	for i := 0; i < 50; i++ {
		c.Set(fmt.Sprintf("key-%d", i), i)
		assert.LessOrEqual(t, c.Size(), 5)
	}
}

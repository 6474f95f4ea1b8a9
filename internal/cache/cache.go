// Package cache is the in-memory TTL cache that sits between the push
// streams and subscribers. Keys are namespaced; eviction policy is fixed at
// construction.
package cache

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"binance-market-feed/internal/clock"
	"binance-market-feed/internal/metrics"
)

// Policy selects which entry goes first when the cache is full.
type Policy string

const (
	LRU  Policy = "lru"
	FIFO Policy = "fifo"
	LFU  Policy = "lfu"
)

// Config sizes one cache instance.
type Config struct {
	MaxSize int           `json:"max_size"`
	TTL     time.Duration `json:"ttl"`
	Policy  Policy        `json:"policy"`
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{MaxSize: 1000, TTL: 30 * time.Second, Policy: LRU}
}

type entry struct {
	fullKey      string
	value        interface{}
	timestamp    time.Time // creation
	lastAccessed time.Time
	accessCount  int64
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Size      int     `json:"size"`
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Evictions int64   `json:"evictions"`
	HitRate   float64 `json:"hit_rate"`
}

// Cache is a TTL cache with bounded size and a configurable eviction policy.
// All mutations run under one short-held mutex.
type Cache struct {
	mu      sync.Mutex
	cfg     Config
	clk     clock.Clock
	met     *metrics.Metrics
	entries map[string]*entry

	hits      int64
	misses    int64
	evictions int64

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates a cache. Zero/empty config fields fall back to defaults; the
// policy string is case-insensitive and unknown values fall back to LRU.
// met may be nil.
func New(cfg Config, clk clock.Clock, met *metrics.Metrics) *Cache {
	def := DefaultConfig()
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = def.MaxSize
	}
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	switch Policy(strings.ToLower(strings.TrimSpace(string(cfg.Policy)))) {
	case LRU:
		cfg.Policy = LRU
	case FIFO:
		cfg.Policy = FIFO
	case LFU:
		cfg.Policy = LFU
	case "":
		cfg.Policy = def.Policy
	default:
		log.Warn().Str("component", "cache").Str("policy", string(cfg.Policy)).
			Msg("unknown eviction policy, using LRU")
		cfg.Policy = LRU
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Cache{
		cfg:     cfg,
		clk:     clk,
		met:     met,
		entries: make(map[string]*entry),
		stopCh:  make(chan struct{}),
	}
}

// Key builds the canonical "<namespace>:<type>:<symbol>[:<k=v&...>]" cache
// key. Params are sorted so equal lookups share a key.
func Key(namespace, typ, symbol string, params map[string]string) string {
	var b strings.Builder
	b.WriteString(namespace)
	b.WriteByte(':')
	b.WriteString(typ)
	b.WriteByte(':')
	b.WriteString(symbol)
	if len(params) > 0 {
		keys := make([]string, 0, len(params))
		for k := range params {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte(':')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte('&')
			}
			b.WriteString(k)
			b.WriteByte('=')
			b.WriteString(params[k])
		}
	}
	return b.String()
}

// Get returns the live value for key. A TTL-expired entry counts as a miss
// and is removed.
func (c *Cache) Get(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.misses++
		c.met.IncCacheMiss()
		return nil, false
	}
	now := c.clk.Now()
	if now.Sub(e.timestamp) >= c.cfg.TTL {
		delete(c.entries, key)
		c.misses++
		c.met.IncCacheMiss()
		return nil, false
	}
	e.lastAccessed = now
	e.accessCount++
	c.hits++
	c.met.IncCacheHit()
	return e.value, true
}

// Set stores value under key, evicting exactly one entry first when a new
// key would exceed MaxSize.
func (c *Cache) Set(key string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clk.Now()
	if e, ok := c.entries[key]; ok {
		e.value = value
		e.timestamp = now
		e.lastAccessed = now
		return
	}
	if len(c.entries) >= c.cfg.MaxSize {
		c.evictOne()
	}
	c.entries[key] = &entry{
		fullKey:      key,
		value:        value,
		timestamp:    now,
		lastAccessed: now,
	}
}

// evictOne removes the entry selected by the configured policy.
// Caller holds the mutex.
func (c *Cache) evictOne() {
	var victim *entry
	for _, e := range c.entries {
		if victim == nil {
			victim = e
			continue
		}
		switch c.cfg.Policy {
		case FIFO:
			if e.timestamp.Before(victim.timestamp) {
				victim = e
			}
		case LFU:
			if e.accessCount < victim.accessCount ||
				(e.accessCount == victim.accessCount && e.lastAccessed.Before(victim.lastAccessed)) {
				victim = e
			}
		default: // LRU
			if e.lastAccessed.Before(victim.lastAccessed) {
				victim = e
			}
		}
	}
	if victim != nil {
		delete(c.entries, victim.fullKey)
		c.evictions++
		c.met.IncCacheEviction()
	}
}

// Has reports whether key holds a live entry, without touching access
// tracking.
func (c *Cache) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return false
	}
	return c.clk.Now().Sub(e.timestamp) < c.cfg.TTL
}

// Delete removes key if present.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Clear removes every entry in the namespace ("" clears all).
func (c *Cache) Clear(namespace string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if namespace == "" {
		c.entries = make(map[string]*entry)
		return
	}
	prefix := namespace + ":"
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
		}
	}
}

// Size returns the current entry count.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns counter snapshots.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{
		Size:      len(c.entries),
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total) * 100
	}
	return s
}

// ClearStats resets hit/miss/eviction counters.
func (c *Cache) ClearStats() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hits, c.misses, c.evictions = 0, 0, 0
}

// Start launches the background sweep removing expired entries every
// min(TTL/2, 30s).
func (c *Cache) Start() {
	interval := c.cfg.TTL / 2
	if interval > 30*time.Second {
		interval = 30 * time.Second
	}
	if interval <= 0 {
		interval = time.Second
	}
	go func() {
		for {
			select {
			case <-c.stopCh:
				return
			default:
			}
			if err := c.clk.Sleep(context.Background(), interval); err != nil {
				return
			}
			c.sweep()
		}
	}()
}

func (c *Cache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clk.Now()
	for k, e := range c.entries {
		if now.Sub(e.timestamp) >= c.cfg.TTL {
			delete(c.entries, k)
		}
	}
}

// Stop terminates the background sweep.
func (c *Cache) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

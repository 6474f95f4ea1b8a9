// Package metrics holds the engine's prometheus collectors. Everything is
// registered on a private registry so multiple engines can coexist in one
// process (and in tests).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the engine counters. A nil *Metrics is a no-op so
// components can run unmetered.
type Metrics struct {
	registry *prometheus.Registry

	MessagesReceived *prometheus.CounterVec
	Reconnects       prometheus.Counter
	StaleFrames      prometheus.Counter
	DecodeErrors     prometheus.Counter
	CacheHits        prometheus.Counter
	CacheMisses      prometheus.Counter
	CacheEvictions   prometheus.Counter
	RateLimitWaits   prometheus.Counter
	PollCycles       prometheus.Counter
	RESTRequests     *prometheus.CounterVec
}

// New builds and registers all collectors.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.MessagesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "marketfeed",
		Name:      "ws_messages_received_total",
		Help:      "Push frames received, by stream key.",
	}, []string{"stream"})
	m.Reconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "marketfeed",
		Name:      "ws_reconnects_total",
		Help:      "WebSocket reconnect attempts.",
	})
	m.StaleFrames = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "marketfeed",
		Name:      "ws_stale_frames_total",
		Help:      "Frames delivered with an event time older than the staleness threshold.",
	})
	m.DecodeErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "marketfeed",
		Name:      "decode_errors_total",
		Help:      "Wire records rejected by the decoder.",
	})
	m.CacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "marketfeed",
		Name:      "cache_hits_total",
		Help:      "Cache lookups served.",
	})
	m.CacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "marketfeed",
		Name:      "cache_misses_total",
		Help:      "Cache lookups missed.",
	})
	m.CacheEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "marketfeed",
		Name:      "cache_evictions_total",
		Help:      "Entries evicted to stay under the size bound.",
	})
	m.RateLimitWaits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "marketfeed",
		Name:      "ratelimit_waits_total",
		Help:      "REST calls delayed by an exhausted bucket.",
	})
	m.PollCycles = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "marketfeed",
		Name:      "fallback_poll_cycles_total",
		Help:      "Fallback REST poll cycles executed.",
	})
	m.RESTRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "marketfeed",
		Name:      "rest_requests_total",
		Help:      "REST requests by endpoint and outcome.",
	}, []string{"endpoint", "outcome"})

	m.registry.MustRegister(
		m.MessagesReceived, m.Reconnects, m.StaleFrames, m.DecodeErrors,
		m.CacheHits, m.CacheMisses, m.CacheEvictions,
		m.RateLimitWaits, m.PollCycles, m.RESTRequests,
	)
	return m
}

// Registry exposes the private registry for scraping.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// IncMessages bumps the per-stream frame counter.
func (m *Metrics) IncMessages(stream string) {
	if m != nil {
		m.MessagesReceived.WithLabelValues(stream).Inc()
	}
}

// IncReconnects bumps the reconnect counter.
func (m *Metrics) IncReconnects() {
	if m != nil {
		m.Reconnects.Inc()
	}
}

// IncStale bumps the stale-frame counter.
func (m *Metrics) IncStale() {
	if m != nil {
		m.StaleFrames.Inc()
	}
}

// IncDecodeErrors bumps the decode-error counter.
func (m *Metrics) IncDecodeErrors() {
	if m != nil {
		m.DecodeErrors.Inc()
	}
}

// IncCacheHit bumps the cache hit counter.
func (m *Metrics) IncCacheHit() {
	if m != nil {
		m.CacheHits.Inc()
	}
}

// IncCacheMiss bumps the cache miss counter.
func (m *Metrics) IncCacheMiss() {
	if m != nil {
		m.CacheMisses.Inc()
	}
}

// IncCacheEviction bumps the cache eviction counter.
func (m *Metrics) IncCacheEviction() {
	if m != nil {
		m.CacheEvictions.Inc()
	}
}

// IncPoll bumps the fallback poll counter.
func (m *Metrics) IncPoll() {
	if m != nil {
		m.PollCycles.Inc()
	}
}

// IncRateLimitWait bumps the rate-limit delay counter.
func (m *Metrics) IncRateLimitWait() {
	if m != nil {
		m.RateLimitWaits.Inc()
	}
}

// IncREST bumps the REST request counter.
func (m *Metrics) IncREST(endpoint, outcome string) {
	if m != nil {
		m.RESTRequests.WithLabelValues(endpoint, outcome).Inc()
	}
}

package stream

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"binance-market-feed/internal/clock"
	"binance-market-feed/internal/errs"
	"binance-market-feed/internal/market"
	"binance-market-feed/internal/metrics"
)

// Callback receives push payloads for one stream key.
type Callback func(key market.StreamKey, payload []byte, receivedAt time.Time)

// Unsubscribe removes one registered callback. Safe to call more than once.
type Unsubscribe func()

// Config configures the supervisor and the sessions it spawns.
type Config struct {
	WSBaseURL string // e.g. wss://fstream.binance.com
	APIKey    string

	HeartbeatInterval    time.Duration
	HeartbeatTimeout     time.Duration
	InitialBackoff       time.Duration
	MaxBackoff           time.Duration
	BackoffFactor        float64
	MaxReconnectAttempts int
	DialTimeout          time.Duration
	StaleThreshold       time.Duration

	BreakerThreshold    uint32        // failed sessions before the circuit opens
	BreakerResetTimeout time.Duration // open -> half-open delay
}

func (c *Config) applyDefaults() {
	if c.WSBaseURL == "" {
		c.WSBaseURL = "wss://fstream.binance.com"
	}
	if c.BreakerThreshold == 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerResetTimeout <= 0 {
		c.BreakerResetTimeout = 5 * time.Minute
	}
}

// StreamListener is notified when push delivery for a key comes up or goes
// down, so the caller can start or stop fallback polling.
type StreamListener func(key market.StreamKey, up bool)

// sessionEntry pairs a session with its one-shot circuit breaker token.
type sessionEntry struct {
	session *Session
	settled sync.Once
	done    func(bool)
}

func (e *sessionEntry) settle(success bool) {
	e.settled.Do(func() {
		if e.done != nil {
			e.done(success)
		}
	})
}

// Supervisor owns every push session, fans payloads out to per-key
// callbacks, and gates new connections behind a circuit breaker.
type Supervisor struct {
	cfg  Config
	clk  clock.Clock
	sink market.EventSink
	met  *metrics.Metrics

	mu        sync.RWMutex
	sessions  map[string]*sessionEntry                // canonical joined key set -> entry
	callbacks map[market.StreamKey]map[string]Callback // key -> subscriber id -> cb
	listener  StreamListener
	closed    bool

	breakerMu sync.Mutex
	breaker   *gobreaker.TwoStepCircuitBreaker
}

// NewSupervisor builds a supervisor. All arguments but cfg may be nil.
func NewSupervisor(cfg Config, clk clock.Clock, sink market.EventSink, met *metrics.Metrics) *Supervisor {
	cfg.applyDefaults()
	if clk == nil {
		clk = clock.Real()
	}
	if sink == nil {
		sink = market.NopSink{}
	}
	s := &Supervisor{
		cfg:       cfg,
		clk:       clk,
		sink:      sink,
		met:       met,
		sessions:  make(map[string]*sessionEntry),
		callbacks: make(map[market.StreamKey]map[string]Callback),
	}
	s.breaker = s.newBreaker()
	return s
}

func (s *Supervisor) newBreaker() *gobreaker.TwoStepCircuitBreaker {
	threshold := s.cfg.BreakerThreshold
	return gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        "ws-connect",
		MaxRequests: 1,
		Timeout:     s.cfg.BreakerResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("component", "stream").
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state change")
		},
	})
}

// SetStreamListener registers the up/down notifier. Must be called before
// the first subscription.
func (s *Supervisor) SetStreamListener(fn StreamListener) {
	s.mu.Lock()
	s.listener = fn
	s.mu.Unlock()
}

// BreakerState reports the connect breaker state.
func (s *Supervisor) BreakerState() gobreaker.State {
	s.breakerMu.Lock()
	defer s.breakerMu.Unlock()
	return s.breaker.State()
}

// ResetCircuitBreaker forces the circuit closed by replacing the breaker.
func (s *Supervisor) ResetCircuitBreaker() {
	s.breakerMu.Lock()
	s.breaker = s.newBreaker()
	s.breakerMu.Unlock()
	log.Info().Str("component", "stream").Msg("circuit breaker reset")
}

// SubscribeToStream registers cb for one stream key and ensures a session
// carries it. When the circuit is open the callback stays registered and an
// errs.KindCircuitOpen error is returned so the caller can fall back to
// polling.
func (s *Supervisor) SubscribeToStream(key market.StreamKey, cb Callback) (Unsubscribe, error) {
	if _, _, _, err := key.Parse(); err != nil {
		return nil, errs.Validation(err.Error())
	}
	id := s.register(key, cb)
	unsub := s.unsubscribeFunc(map[market.StreamKey]string{key: id})
	if err := s.ensureSession([]market.StreamKey{key}); err != nil {
		return unsub, err
	}
	return unsub, nil
}

// ConnectToStreams registers cb for several keys on one combined session.
// The callback fires per key; one unsubscribe handle covers all of them.
func (s *Supervisor) ConnectToStreams(keys []market.StreamKey, cb Callback) (Unsubscribe, error) {
	if len(keys) == 0 {
		return nil, errs.Validation("no stream keys")
	}
	for _, k := range keys {
		if _, _, _, err := k.Parse(); err != nil {
			return nil, errs.Validation(err.Error())
		}
	}
	ids := make(map[market.StreamKey]string, len(keys))
	for _, k := range keys {
		ids[k] = s.register(k, cb)
	}
	unsub := s.unsubscribeFunc(ids)
	if err := s.ensureSession(keys); err != nil {
		return unsub, err
	}
	return unsub, nil
}

func (s *Supervisor) register(key market.StreamKey, cb Callback) string {
	id := uuid.NewString()
	s.mu.Lock()
	m := s.callbacks[key]
	if m == nil {
		m = make(map[string]Callback)
		s.callbacks[key] = m
	}
	m[id] = cb
	s.mu.Unlock()
	return id
}

func (s *Supervisor) unsubscribeFunc(ids map[market.StreamKey]string) Unsubscribe {
	var once sync.Once
	return func() {
		once.Do(func() {
			for key, id := range ids {
				s.removeCallback(key, id)
			}
		})
	}
}

// removeCallback drops one subscriber and closes any session whose entire
// key set has no subscribers left.
func (s *Supervisor) removeCallback(key market.StreamKey, id string) {
	s.mu.Lock()
	if m, ok := s.callbacks[key]; ok {
		delete(m, id)
		if len(m) == 0 {
			delete(s.callbacks, key)
		}
	}
	var toClose []*sessionEntry
	for canon, e := range s.sessions {
		carries := false
		live := false
		for _, k := range e.session.Keys() {
			if k == key {
				carries = true
			}
			if len(s.callbacks[k]) > 0 {
				live = true
			}
		}
		if carries && !live {
			toClose = append(toClose, e)
			delete(s.sessions, canon)
		}
	}
	s.mu.Unlock()

	for _, e := range toClose {
		e.session.Close()
	}
}

// ensureSession guarantees a live (or connecting) session for the exact key
// set, creating one behind the circuit breaker when needed.
func (s *Supervisor) ensureSession(keys []market.StreamKey) error {
	canon := market.JoinKeys(keys)

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return errs.New(errs.KindValidation, "supervisor is shut down")
	}
	if e, ok := s.sessions[canon]; ok && e.session.State() != StateFailed {
		s.mu.RUnlock()
		return nil
	}
	s.mu.RUnlock()

	s.breakerMu.Lock()
	done, err := s.breaker.Allow()
	s.breakerMu.Unlock()
	if err != nil {
		return errs.CircuitOpen("ws-connect")
	}

	url := s.cfg.WSBaseURL + "/ws/" + string(keys[0])
	if len(keys) > 1 {
		url = s.cfg.WSBaseURL + "/stream?streams=" + canon
	}

	sess := newSession(SessionConfig{
		URL:                  url,
		Keys:                 keys,
		APIKey:               s.cfg.APIKey,
		HeartbeatInterval:    s.cfg.HeartbeatInterval,
		HeartbeatTimeout:     s.cfg.HeartbeatTimeout,
		InitialBackoff:       s.cfg.InitialBackoff,
		MaxBackoff:           s.cfg.MaxBackoff,
		BackoffFactor:        s.cfg.BackoffFactor,
		MaxReconnectAttempts: s.cfg.MaxReconnectAttempts,
		DialTimeout:          s.cfg.DialTimeout,
		StaleThreshold:       s.cfg.StaleThreshold,
	}, s.clk, s.sink, s.met, s.dispatch)

	entry := &sessionEntry{session: sess, done: done}
	sess.onOpen = func(sn *Session) {
		entry.settle(true)
		s.notify(sn.Keys(), true)
	}
	sess.onFailed = func(sn *Session) {
		entry.settle(false)
		s.mu.Lock()
		if s.sessions[canon] == entry {
			delete(s.sessions, canon)
		}
		s.mu.Unlock()
		s.notify(sn.Keys(), false)
	}
	sess.onClosed = func(sn *Session) {
		// a session retired without ever opening should not trip the breaker
		entry.settle(true)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		entry.settle(true)
		return errs.New(errs.KindValidation, "supervisor is shut down")
	}
	if prev, ok := s.sessions[canon]; ok && prev.session.State() != StateFailed {
		// lost the race; another caller created it first
		s.mu.Unlock()
		entry.settle(true)
		return nil
	}
	s.sessions[canon] = entry
	s.mu.Unlock()

	sess.Open()
	return nil
}

// dispatch fans one payload out to every callback registered for its key.
func (s *Supervisor) dispatch(key market.StreamKey, payload []byte, receivedAt time.Time) {
	s.mu.RLock()
	cbs := make([]Callback, 0, len(s.callbacks[key]))
	for _, cb := range s.callbacks[key] {
		cbs = append(cbs, cb)
	}
	s.mu.RUnlock()
	for _, cb := range cbs {
		cb(key, payload, receivedAt)
	}
}

func (s *Supervisor) notify(keys []market.StreamKey, up bool) {
	s.mu.RLock()
	fn := s.listener
	s.mu.RUnlock()
	if fn == nil {
		return
	}
	for _, k := range keys {
		fn(k, up)
	}
}

// PushAvailable reports whether an open session currently carries key.
func (s *Supervisor) PushAvailable(key market.StreamKey) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.sessions {
		if e.session.State() != StateOpen {
			continue
		}
		for _, k := range e.session.Keys() {
			if k == key {
				return true
			}
		}
	}
	return false
}

// TryResume attempts to restore push delivery for key. It reports true only
// once an open session carries the key; a connect kicked off here completes
// asynchronously and shows up on a later call.
func (s *Supervisor) TryResume(key market.StreamKey) bool {
	if s.PushAvailable(key) {
		return true
	}
	s.mu.RLock()
	hasSubs := len(s.callbacks[key]) > 0
	s.mu.RUnlock()
	if !hasSubs {
		return false
	}
	_ = s.ensureSession([]market.StreamKey{key})
	return s.PushAvailable(key)
}

// ForceReconnect drops every live socket; sessions run their reconnect
// schedules. Used after transport-level wedges.
func (s *Supervisor) ForceReconnect() {
	s.mu.RLock()
	entries := make([]*sessionEntry, 0, len(s.sessions))
	for _, e := range s.sessions {
		entries = append(entries, e)
	}
	s.mu.RUnlock()
	for _, e := range entries {
		e.session.ForceReconnect()
	}
}

// DisconnectAll closes every session with code 1000 and clears all
// subscriptions. Idempotent.
func (s *Supervisor) DisconnectAll() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	entries := make([]*sessionEntry, 0, len(s.sessions))
	for _, e := range s.sessions {
		entries = append(entries, e)
	}
	s.sessions = make(map[string]*sessionEntry)
	s.callbacks = make(map[market.StreamKey]map[string]Callback)
	s.mu.Unlock()

	for _, e := range entries {
		e.session.Close()
	}
	for _, e := range entries {
		<-e.session.Done()
	}
	log.Info().Str("component", "stream").Int("sessions", len(entries)).Msg("all sessions disconnected")
}

// Metrics returns a snapshot per session keyed by the canonical key set.
func (s *Supervisor) Metrics() map[string]SessionMetrics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]SessionMetrics, len(s.sessions))
	for canon, e := range s.sessions {
		out[canon] = e.session.Metrics()
	}
	return out
}

// Status summarizes the supervisor for diagnostics.
func (s *Supervisor) Status() map[string]interface{} {
	s.mu.RLock()
	sessions := len(s.sessions)
	subs := 0
	for _, m := range s.callbacks {
		subs += len(m)
	}
	open := 0
	for _, e := range s.sessions {
		if e.session.State() == StateOpen {
			open++
		}
	}
	s.mu.RUnlock()
	return map[string]interface{}{
		"sessions":      sessions,
		"open_sessions": open,
		"subscriptions": subs,
		"breaker_state": s.BreakerState().String(),
	}
}

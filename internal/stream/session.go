// Package stream owns the push side of the engine: WebSocket sessions, the
// supervisor that multiplexes them, and the REST fallback poller used when
// push is unavailable.
package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"binance-market-feed/internal/clock"
	"binance-market-feed/internal/errs"
	"binance-market-feed/internal/market"
	"binance-market-feed/internal/metrics"
)

// State is the session lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateReconnecting
	StateClosing
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	case StateClosing:
		return "closing"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// DispatchFunc receives every classified push payload with its stream key.
type DispatchFunc func(key market.StreamKey, payload []byte, receivedAt time.Time)

// SessionConfig configures one push connection.
type SessionConfig struct {
	URL    string
	Keys   []market.StreamKey
	APIKey string // used only for the user-data ping envelope

	HeartbeatInterval    time.Duration
	HeartbeatTimeout     time.Duration
	InitialBackoff       time.Duration
	MaxBackoff           time.Duration
	BackoffFactor        float64
	MaxReconnectAttempts int
	DialTimeout          time.Duration
	StaleThreshold       time.Duration
}

func (c *SessionConfig) applyDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 10 * time.Second
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 3 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.BackoffFactor <= 1 {
		c.BackoffFactor = 1.7
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 8
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.StaleThreshold <= 0 {
		c.StaleThreshold = 10 * time.Second
	}
}

// SessionMetrics is a point-in-time snapshot of one session.
type SessionMetrics struct {
	State            string   `json:"state"`
	Keys             []string `json:"keys"`
	UptimeMs         int64    `json:"uptime_ms"`
	Messages         int64    `json:"messages"`
	MessageRate      float64  `json:"message_rate"` // msgs/s over the last 1s window
	AvgPingLatencyMs float64  `json:"avg_ping_latency_ms"`
	Errors           int64    `json:"errors"`
	LastError        string   `json:"last_error"`
	DataGaps         int64    `json:"data_gaps"`
	StaleFrames      int64    `json:"stale_frames"`
	Reconnects       int64    `json:"reconnects"`
	EstimatedMemory  int64    `json:"estimated_memory_bytes"`
	Health           int      `json:"health"`
}

// Session owns exactly one push connection carrying one or more stream keys.
// All state transitions run on the session's own goroutine; external calls
// only flip flags and close channels.
type Session struct {
	cfg      SessionConfig
	clk      clock.Clock
	sink     market.EventSink
	met      *metrics.Metrics
	dispatch DispatchFunc

	// set by the supervisor before Open
	onOpen   func(*Session)
	onFailed func(*Session)
	onClosed func(*Session)

	mu             sync.RWMutex
	state          State
	conn           *websocket.Conn
	listenKey      string
	closeRequested bool

	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once

	pendingPings map[string]time.Time
	pongCh       chan struct{}
	lastPongAt   time.Time
	everPonged   bool

	connectedAt    time.Time
	messages       int64
	msgSizeSum     int64
	errorCount     int64
	lastError      string
	staleCount     int64
	dataGaps       int64
	reconnects     int64
	pingLatencySum time.Duration
	pingLatencyN   int64
	winStart       time.Time
	winCount       int
	lastRate       float64
}

func newSession(cfg SessionConfig, clk clock.Clock, sink market.EventSink, met *metrics.Metrics, dispatch DispatchFunc) *Session {
	cfg.applyDefaults()
	if clk == nil {
		clk = clock.Real()
	}
	if sink == nil {
		sink = market.NopSink{}
	}
	return &Session{
		cfg:          cfg,
		clk:          clk,
		sink:         sink,
		met:          met,
		dispatch:     dispatch,
		state:        StateIdle,
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
		pendingPings: make(map[string]time.Time),
		pongCh:       make(chan struct{}, 1),
	}
}

// Open starts the session's connect loop. Calling Open twice is a no-op.
func (s *Session) Open() {
	s.once.Do(func() {
		go s.run()
	})
}

// Close requests normal termination (close code 1000). Closing an Idle
// session is a no-op; Close never blocks on in-flight callbacks.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closeRequested {
		s.mu.Unlock()
		return
	}
	s.closeRequested = true
	conn := s.conn
	s.mu.Unlock()

	close(s.stopCh)
	if conn != nil {
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = conn.Close()
	}
}

// ForceReconnect drops the socket without marking the close intentional,
// which drives the session through its reconnect schedule.
func (s *Session) ForceReconnect() {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// Done is closed when the session goroutine exits.
func (s *Session) Done() <-chan struct{} { return s.doneCh }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Keys returns the stream keys this session carries.
func (s *Session) Keys() []market.StreamKey {
	return s.cfg.Keys
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) isCloseRequested() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closeRequested
}

func (s *Session) recordError(err error) {
	s.mu.Lock()
	s.errorCount++
	s.lastError = err.Error()
	s.mu.Unlock()
	s.sink.Emit(market.Event{
		Type: market.EventError,
		Time: s.clk.Now(),
		Fields: map[string]interface{}{
			"url":   s.cfg.URL,
			"error": err.Error(),
		},
	})
}

// run is the session event loop: connect, read until failure, back off,
// repeat until closed or the attempt budget is spent.
func (s *Session) run() {
	defer close(s.doneCh)

	schedule := clock.NewBackoffSchedule(s.cfg.InitialBackoff, s.cfg.MaxBackoff, s.cfg.BackoffFactor)
	attempts := 0

	for {
		if s.isCloseRequested() {
			s.setState(StateIdle)
			s.notifyClosed()
			return
		}
		s.setState(StateConnecting)

		dialer := websocket.Dialer{HandshakeTimeout: s.cfg.DialTimeout}
		conn, resp, err := dialer.Dial(s.cfg.URL, nil)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			s.recordError(errs.WebSocket("dial failed", err))
			if !s.backOff(schedule, &attempts) {
				return
			}
			continue
		}

		attempts = 0
		schedule.Reset()
		now := s.clk.Now()
		s.mu.Lock()
		s.conn = conn
		s.state = StateOpen
		s.connectedAt = now
		s.everPonged = false
		s.mu.Unlock()

		log.Debug().Str("component", "stream").Str("url", s.cfg.URL).Msg("session open")
		s.sink.Emit(market.Event{Type: market.EventConnect, Time: now,
			Fields: map[string]interface{}{"url": s.cfg.URL}})
		if s.onOpen != nil {
			s.onOpen(s)
		}

		hbStop := make(chan struct{})
		go s.heartbeatLoop(conn, hbStop)

		normal := s.readLoop(conn)

		close(hbStop)
		_ = conn.Close()
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()

		if s.isCloseRequested() || normal {
			s.setState(StateClosing)
			s.setState(StateIdle)
			s.sink.Emit(market.Event{Type: market.EventDisconnect, Time: s.clk.Now(),
				Fields: map[string]interface{}{"url": s.cfg.URL}})
			s.notifyClosed()
			return
		}

		// Abnormal close: frames may have been lost until we are back.
		s.mu.Lock()
		s.reconnects++
		s.dataGaps++
		s.mu.Unlock()
		s.met.IncReconnects()
		s.sink.Emit(market.Event{Type: market.EventReconnect, Time: s.clk.Now(),
			Fields: map[string]interface{}{"url": s.cfg.URL}})
		if !s.backOff(schedule, &attempts) {
			return
		}
	}
}

func (s *Session) notifyClosed() {
	if s.onClosed != nil {
		s.onClosed(s)
	}
}

// backOff sleeps the next scheduled delay. It returns false when the session
// is finished (budget spent or close requested during the wait).
func (s *Session) backOff(schedule interface{ NextBackOff() time.Duration }, attempts *int) bool {
	*attempts++
	if *attempts > s.cfg.MaxReconnectAttempts {
		s.setState(StateFailed)
		log.Warn().Str("component", "stream").Str("url", s.cfg.URL).
			Int("attempts", *attempts-1).Msg("session failed, attempt budget spent")
		if s.onFailed != nil {
			s.onFailed(s)
		}
		return false
	}
	s.setState(StateReconnecting)
	if err := s.sleep(schedule.NextBackOff()); err != nil {
		s.setState(StateIdle)
		s.notifyClosed()
		return false
	}
	return true
}

// sleep waits d, interrupted by a close request.
func (s *Session) sleep(d time.Duration) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	return s.clk.Sleep(ctx, d)
}

// readLoop pumps frames until the connection drops. It reports whether the
// termination was a requested/normal close.
func (s *Session) readLoop(conn *websocket.Conn) (normal bool) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return true
			}
			if s.isCloseRequested() {
				return true
			}
			s.recordError(errs.WebSocket("read failed", err))
			return false
		}
		s.handleFrame(data)
	}
}

// frameProbe covers the three inbound shapes: ping responses {id,result},
// combined envelopes {stream,data} and single-stream events {e,s,...}.
type frameProbe struct {
	ID        json.RawMessage `json:"id"`
	Result    json.RawMessage `json:"result"`
	Stream    string          `json:"stream"`
	Data      json.RawMessage `json:"data"`
	EventType string          `json:"e"`
	Symbol    string          `json:"s"`
	EventTime int64           `json:"E"`
}

func (s *Session) handleFrame(data []byte) {
	now := s.clk.Now()
	s.trackMessage(len(data), now)

	var probe frameProbe
	if err := json.Unmarshal(data, &probe); err != nil {
		s.recordError(errs.WebSocket("unparseable frame", err))
		return
	}

	if len(probe.ID) > 0 && !bytes.Equal(probe.ID, []byte("null")) {
		s.handlePingResponse(string(bytes.Trim(probe.ID, `"`)), probe.Result)
		return
	}

	var key market.StreamKey
	var payload []byte
	eventTime := probe.EventTime

	switch {
	case probe.Stream != "":
		key = market.StreamKey(probe.Stream)
		payload = probe.Data
		var inner struct {
			EventTime int64 `json:"E"`
		}
		if json.Unmarshal(probe.Data, &inner) == nil {
			eventTime = inner.EventTime
		}
	case probe.EventType != "":
		key = keyForEvent(probe.EventType, probe.Symbol, data)
		payload = data
	default:
		return
	}
	if key == "" {
		return
	}

	if eventTime > 0 && now.UnixMilli()-eventTime > s.cfg.StaleThreshold.Milliseconds() {
		s.mu.Lock()
		s.staleCount++
		s.mu.Unlock()
		s.met.IncStale()
		s.sink.Emit(market.Event{Type: market.EventStaleData, Time: now,
			Fields: map[string]interface{}{
				"stream": string(key),
				"age_ms": now.UnixMilli() - eventTime,
			}})
		// stale frames are flagged but still delivered
	}

	s.met.IncMessages(string(key))
	if s.dispatch != nil {
		s.dispatch(key, payload, now)
	}
}

// keyForEvent derives the canonical stream key from a single-stream event.
func keyForEvent(eventType, symbol string, raw []byte) market.StreamKey {
	sym := strings.ToLower(symbol)
	switch eventType {
	case "bookTicker":
		return market.BookTickerKey(sym)
	case "depthUpdate":
		return market.DepthKey(sym)
	case "aggTrade":
		return market.AggTradeKey(sym)
	case "trade":
		return market.NewStreamKey(sym, market.TopicTrade, "")
	case "24hrTicker":
		return market.TickerKey(sym)
	case "kline":
		var w struct {
			K struct {
				Interval string `json:"i"`
			} `json:"k"`
		}
		if json.Unmarshal(raw, &w) != nil || w.K.Interval == "" {
			return ""
		}
		return market.KlineKey(sym, w.K.Interval)
	default:
		return ""
	}
}

func (s *Session) handlePingResponse(id string, result json.RawMessage) {
	now := s.clk.Now()
	var latency time.Duration

	s.mu.Lock()
	if sent, ok := s.pendingPings[id]; ok {
		delete(s.pendingPings, id)
		latency = now.Sub(sent)
		s.pingLatencySum += latency
		s.pingLatencyN++
	}
	s.lastPongAt = now
	s.everPonged = true
	if len(result) > 0 {
		var lk struct {
			ListenKey string `json:"listenKey"`
		}
		if json.Unmarshal(result, &lk) == nil && lk.ListenKey != "" {
			s.listenKey = lk.ListenKey
		}
	}
	s.mu.Unlock()

	select {
	case s.pongCh <- struct{}{}:
	default:
	}
	s.sink.Emit(market.Event{Type: market.EventHeartbeat, Time: now,
		Fields: map[string]interface{}{"latency_ms": latency.Milliseconds()}})
}

// heartbeatLoop sends a correlated ping every HeartbeatInterval and forces a
// reconnect when no response lands within HeartbeatTimeout. When a listen
// key has been observed, the user-data ping envelope is used instead of the
// generic one.
func (s *Session) heartbeatLoop(conn *websocket.Conn, stop <-chan struct{}) {
	for {
		if err := s.sleepUntil(s.cfg.HeartbeatInterval, stop); err != nil {
			return
		}

		id := uuid.NewString()
		s.mu.Lock()
		s.pendingPings[id] = s.clk.Now()
		listenKey := s.listenKey
		s.mu.Unlock()

		var msg interface{}
		if listenKey != "" {
			msg = map[string]interface{}{
				"id":     id,
				"method": "userDataStream.ping",
				"params": map[string]string{"apiKey": s.cfg.APIKey, "listenKey": listenKey},
			}
		} else {
			msg = map[string]interface{}{
				"id":     id,
				"method": "ping",
				"params": map[string]string{},
			}
		}

		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(msg); err != nil {
			s.recordError(errs.WebSocket("ping write failed", err))
			_ = conn.Close()
			return
		}

		// Wait for the pong, the timeout, or shutdown.
		timeout := make(chan struct{})
		tctx, tcancel := context.WithCancel(context.Background())
		go func() {
			if s.clk.Sleep(tctx, s.cfg.HeartbeatTimeout) == nil {
				close(timeout)
			}
		}()
		select {
		case <-s.pongCh:
			tcancel()
		case <-timeout:
			tcancel()
			s.recordError(errs.New(errs.KindWebSocket, "heartbeat timeout"))
			_ = conn.Close() // readLoop unblocks and schedules the reconnect
			return
		case <-stop:
			tcancel()
			return
		}
	}
}

func (s *Session) sleepUntil(d time.Duration, stop <-chan struct{}) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-s.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	return s.clk.Sleep(ctx, d)
}

func (s *Session) trackMessage(size int, now time.Time) {
	s.mu.Lock()
	s.messages++
	s.msgSizeSum += int64(size)
	if s.winStart.IsZero() || now.Sub(s.winStart) >= time.Second {
		if !s.winStart.IsZero() {
			s.lastRate = float64(s.winCount)
		}
		s.winStart = now
		s.winCount = 1
	} else {
		s.winCount++
	}
	s.mu.Unlock()
}

// Health maps pong recency to the 0-100 connection health scale.
func (s *Session) Health() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != StateOpen {
		return 0
	}
	if !s.everPonged {
		return 20
	}
	age := s.clk.Now().Sub(s.lastPongAt)
	switch {
	case age <= 30*time.Second:
		return 100
	case age <= 60*time.Second:
		return 75
	case age <= 120*time.Second:
		return 50
	default:
		return 25
	}
}

// Metrics returns a snapshot of the session counters.
func (s *Session) Metrics() SessionMetrics {
	health := s.Health()

	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, len(s.cfg.Keys))
	for i, k := range s.cfg.Keys {
		keys[i] = string(k)
	}
	// the rate is per 1s window; with no frame for over a second it is zero
	rate := s.lastRate
	if s.winStart.IsZero() || s.clk.Now().Sub(s.winStart) > time.Second {
		rate = 0
	}
	m := SessionMetrics{
		State:           s.state.String(),
		Keys:            keys,
		Messages:        s.messages,
		MessageRate:     rate,
		Errors:          s.errorCount,
		LastError:       s.lastError,
		DataGaps:        s.dataGaps,
		StaleFrames:     s.staleCount,
		Reconnects:      s.reconnects,
		EstimatedMemory: s.msgSizeSum * 2,
		Health:          health,
	}
	if s.state == StateOpen && !s.connectedAt.IsZero() {
		m.UptimeMs = s.clk.Now().Sub(s.connectedAt).Milliseconds()
	}
	if s.pingLatencyN > 0 {
		m.AvgPingLatencyMs = float64(s.pingLatencySum.Milliseconds()) / float64(s.pingLatencyN)
	}
	return m
}

// Package rest is the HTTP gateway to the exchange: rate-limited, retried,
// and signed where required. It returns typed records and typed errors;
// envelope wrapping happens at the service boundary.
package rest

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"binance-market-feed/internal/clock"
	"binance-market-feed/internal/decode"
	"binance-market-feed/internal/errs"
	"binance-market-feed/internal/market"
	"binance-market-feed/internal/metrics"
	"binance-market-feed/internal/ratelimit"
	"binance-market-feed/internal/retry"
)

// auth selects how a request is authenticated.
type auth int

const (
	authNone   auth = iota
	authAPIKey      // X-MBX-APIKEY header only (listen key endpoints)
	authSigned      // header plus timestamp + HMAC signature
)

const serverTimeRefreshInterval = 5 * time.Minute

// Config configures the gateway.
type Config struct {
	BaseURL    string
	APIKey     string
	SecretKey  string
	Timeout    time.Duration // per-request deadline
	RecvWindow int64         // ms, clock-skew tolerance on signed calls

	MaxRetries    int
	RetryInitial  time.Duration
	RetryMax      time.Duration
	BackoffFactor float64
}

// DefaultConfig returns the production endpoint defaults.
func DefaultConfig() Config {
	return Config{
		BaseURL:       "https://fapi.binance.com",
		Timeout:       10 * time.Second,
		RecvWindow:    10000,
		MaxRetries:    3,
		RetryInitial:  500 * time.Millisecond,
		RetryMax:      10 * time.Second,
		BackoffFactor: 2.0,
	}
}

// Client is the REST gateway.
type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    *ratelimit.Limiter
	clk        clock.Clock
	dec        *decode.Decoder
	met        *metrics.Metrics

	offsetMu        sync.Mutex
	serverOffsetMs  int64
	offsetFetchedAt time.Time
}

// New creates a gateway. The limiter may be shared with other components.
func New(cfg Config, limiter *ratelimit.Limiter, clk clock.Clock, dec *decode.Decoder, met *metrics.Metrics) *Client {
	def := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.RecvWindow <= 0 {
		cfg.RecvWindow = def.RecvWindow
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = def.RetryInitial
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = def.RetryMax
	}
	if cfg.BackoffFactor <= 1 {
		cfg.BackoffFactor = def.BackoffFactor
	}
	if clk == nil {
		clk = clock.Real()
	}
	if dec == nil {
		dec = decode.New()
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{},
		limiter:    limiter,
		clk:        clk,
		dec:        dec,
		met:        met,
	}
}

// Decoder returns the decoder the gateway parses with.
func (c *Client) Decoder() *decode.Decoder { return c.dec }

// HasCredentials reports whether signed calls can be made.
func (c *Client) HasCredentials() bool {
	return c.cfg.APIKey != "" && c.cfg.SecretKey != ""
}

// ==================== PLUMBING ====================

func (c *Client) retryPolicy() retry.Policy {
	return retry.Policy{
		MaxRetries:    c.cfg.MaxRetries,
		InitialDelay:  c.cfg.RetryInitial,
		BackoffFactor: c.cfg.BackoffFactor,
		MaxDelay:      c.cfg.RetryMax,
		ShouldRetry:   errs.IsRetryable,
	}
}

// request runs one REST call end to end: rate-limit charge, signing, retry
// on transient failure, error classification.
func (c *Client) request(ctx context.Context, method, endpoint string, q *queryParams, a auth, mutating bool) ([]byte, error) {
	if a != authNone && c.cfg.APIKey == "" {
		return nil, errs.Auth(0, 0, "api key not configured")
	}
	if a == authSigned && c.cfg.SecretKey == "" {
		return nil, errs.Auth(0, 0, "api secret not configured")
	}
	if q == nil {
		q = newParams()
	}

	var body []byte
	err := retry.Do(ctx, c.clk, c.retryPolicy(), func(ctx context.Context) error {
		if c.limiter != nil {
			var err error
			if mutating {
				err = c.limiter.AcquireOrder(ctx, endpoint)
			} else {
				err = c.limiter.AcquireRequest(ctx, endpoint)
			}
			if err != nil {
				return errs.Wrap(errs.KindNetwork, "rate limit wait cancelled", err)
			}
		}
		var err error
		body, err = c.doOnce(ctx, method, endpoint, q, a)
		return err
	})
	if err != nil {
		c.met.IncREST(endpoint, "error")
		return nil, err
	}
	c.met.IncREST(endpoint, "ok")
	return body, nil
}

// doOnce performs a single attempt. The signature is recomputed per attempt
// so the timestamp stays fresh.
func (c *Client) doOnce(ctx context.Context, method, endpoint string, q *queryParams, a auth) ([]byte, error) {
	query := q.clone()
	if a == authSigned {
		query.Add("timestamp", strconv.FormatInt(c.timestamp(ctx), 10))
		query.Add("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))
		encoded := query.Encode()
		query.pairs = append(query.pairs, kv{"signature", c.sign(encoded)})
	}

	reqURL := c.cfg.BaseURL + endpoint
	if encoded := query.Encode(); encoded != "" {
		reqURL += "?" + encoded
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, reqURL, nil)
	if err != nil {
		return nil, errs.Network(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if a != authNone {
		req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
			return nil, errs.Timeout(err)
		}
		return nil, errs.Network(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.Network(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, c.classify(resp, body, endpoint)
	}
	return body, nil
}

// classify maps a non-2xx response to the error taxonomy.
func (c *Client) classify(resp *http.Response, body []byte, endpoint string) error {
	code, msg := parseErrorBody(body)
	status := resp.StatusCode

	switch {
	case status == http.StatusTooManyRequests || status == 418:
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		log.Warn().Str("component", "rest").Str("endpoint", endpoint).
			Int("status", status).Dur("retry_after", retryAfter).Msg("rate limited by server")
		c.met.IncRateLimitWait()
		return errs.RateLimit(status, code, msg, retryAfter)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return errs.Auth(status, code, msg)
	default:
		return errs.API(status, code, msg)
	}
}

// parseErrorBody decodes the exchange {code,msg} error shape, falling back
// to the raw body as a string.
func parseErrorBody(body []byte) (int, string) {
	var apiErr struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Msg != "" {
		return apiErr.Code, apiErr.Msg
	}
	return 0, string(body)
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

func (c *Client) sign(query string) string {
	mac := hmac.New(sha256.New, []byte(c.cfg.SecretKey))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

// timestamp returns local time adjusted by the cached server offset. The
// offset is refreshed at most every five minutes; a failed refresh keeps the
// previous value.
func (c *Client) timestamp(ctx context.Context) int64 {
	c.offsetMu.Lock()
	stale := c.offsetFetchedAt.IsZero() ||
		c.clk.Now().Sub(c.offsetFetchedAt) > serverTimeRefreshInterval
	c.offsetMu.Unlock()

	if stale {
		c.refreshServerOffset(ctx)
	}

	c.offsetMu.Lock()
	defer c.offsetMu.Unlock()
	return c.clk.Now().UnixMilli() + c.serverOffsetMs
}

func (c *Client) refreshServerOffset(ctx context.Context) {
	serverTime, err := c.ServerTime(ctx)
	if err != nil {
		log.Debug().Str("component", "rest").Err(err).Msg("server time refresh failed, keeping cached offset")
		return
	}
	c.offsetMu.Lock()
	c.serverOffsetMs = serverTime - c.clk.Now().UnixMilli()
	c.offsetFetchedAt = c.clk.Now()
	c.offsetMu.Unlock()
}

// ==================== PUBLIC MARKET DATA ====================

// Ping checks connectivity to the REST endpoint.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.request(ctx, http.MethodGet, "/fapi/v1/ping", nil, authNone, false)
	return err
}

// ServerTime returns the exchange clock in ms.
func (c *Client) ServerTime(ctx context.Context) (int64, error) {
	body, err := c.request(ctx, http.MethodGet, "/fapi/v1/time", nil, authNone, false)
	if err != nil {
		return 0, err
	}
	var out struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return 0, errs.Wrap(errs.KindValidation, "server time response", err)
	}
	return out.ServerTime, nil
}

// GetCurrentPrice returns the best bid/ask for a symbol.
func (c *Client) GetCurrentPrice(ctx context.Context, symbol string) (*market.PriceTick, error) {
	q := newParams().Add("symbol", market.NormalizeSymbol(symbol))
	body, err := c.request(ctx, http.MethodGet, "/fapi/v1/ticker/bookTicker", q, authNone, false)
	if err != nil {
		return nil, err
	}
	return c.dec.PriceTick(body)
}

// GetOrderBook returns a depth snapshot. limit defaults to 20.
func (c *Client) GetOrderBook(ctx context.Context, symbol string, limit int) (*market.OrderBook, error) {
	if limit <= 0 {
		limit = 20
	}
	q := newParams().
		Add("symbol", market.NormalizeSymbol(symbol)).
		Add("limit", strconv.Itoa(limit))
	body, err := c.request(ctx, http.MethodGet, "/fapi/v1/depth", q, authNone, false)
	if err != nil {
		return nil, err
	}
	return c.dec.OrderBook(body)
}

// GetRecentTrades returns recent trades, newest last. limit defaults to 100.
func (c *Client) GetRecentTrades(ctx context.Context, symbol string, limit int) ([]market.Trade, error) {
	if limit <= 0 {
		limit = 100
	}
	q := newParams().
		Add("symbol", market.NormalizeSymbol(symbol)).
		Add("limit", strconv.Itoa(limit))
	body, err := c.request(ctx, http.MethodGet, "/fapi/v1/trades", q, authNone, false)
	if err != nil {
		return nil, err
	}
	return c.dec.Trades(body)
}

// GetKlines returns candlesticks for the interval. limit defaults to 100.
func (c *Client) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]market.Kline, error) {
	if limit <= 0 {
		limit = 100
	}
	q := newParams().
		Add("symbol", market.NormalizeSymbol(symbol)).
		Add("interval", interval).
		Add("limit", strconv.Itoa(limit))
	body, err := c.request(ctx, http.MethodGet, "/fapi/v1/klines", q, authNone, false)
	if err != nil {
		return nil, err
	}
	return c.dec.Klines(body)
}

// Get24hrTicker returns the rolling 24h statistics for a symbol.
func (c *Client) Get24hrTicker(ctx context.Context, symbol string) (*market.Ticker24h, error) {
	q := newParams().Add("symbol", market.NormalizeSymbol(symbol))
	body, err := c.request(ctx, http.MethodGet, "/fapi/v1/ticker/24hr", q, authNone, false)
	if err != nil {
		return nil, err
	}
	return c.dec.Ticker24h(body)
}

// GetMarkPrice returns mark/index price and funding data for a symbol.
func (c *Client) GetMarkPrice(ctx context.Context, symbol string) (*market.MarkPrice, error) {
	q := newParams().Add("symbol", market.NormalizeSymbol(symbol))
	body, err := c.request(ctx, http.MethodGet, "/fapi/v1/premiumIndex", q, authNone, false)
	if err != nil {
		return nil, err
	}
	return c.dec.MarkPrice(body)
}

// GetFundingRate returns the funding view for a symbol.
func (c *Client) GetFundingRate(ctx context.Context, symbol string) (*market.FundingRate, error) {
	mp, err := c.GetMarkPrice(ctx, symbol)
	if err != nil {
		return nil, err
	}
	return &market.FundingRate{
		Symbol:          mp.Symbol,
		FundingRate:     mp.LastFundingRate,
		FundingTime:     mp.Time,
		NextFundingTime: mp.NextFundingTime,
	}, nil
}

// GetExchangeInfo returns exchange metadata including tradable symbols.
func (c *Client) GetExchangeInfo(ctx context.Context) (*ExchangeInfo, error) {
	body, err := c.request(ctx, http.MethodGet, "/fapi/v1/exchangeInfo", nil, authNone, false)
	if err != nil {
		return nil, err
	}
	var info ExchangeInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, errs.Wrap(errs.KindValidation, "exchange info response", err)
	}
	return &info, nil
}

// ==================== SIGNED ACCOUNT / ORDER OPS ====================

// PlaceOrder submits a new order. Failures wrap the order parameters.
func (c *Client) PlaceOrder(ctx context.Context, params OrderParams) (*OrderResponse, error) {
	q := newParams().
		Add("symbol", market.NormalizeSymbol(params.Symbol)).
		Add("side", params.Side).
		Add("type", params.Type).
		Add("quantity", params.Quantity).
		Add("price", params.Price).
		Add("timeInForce", params.TimeInForce).
		Add("stopPrice", params.StopPrice).
		Add("positionSide", params.PositionSide)
	if params.ReduceOnly {
		q.Add("reduceOnly", "true")
	}
	if params.ClosePosition {
		q.Add("closePosition", "true")
	}

	body, err := c.request(ctx, http.MethodPost, "/fapi/v1/order", q, authSigned, true)
	if err != nil {
		return nil, errs.OrderExecution(err, map[string]interface{}{
			"symbol": params.Symbol, "side": params.Side, "type": params.Type,
			"quantity": params.Quantity, "price": params.Price,
		})
	}
	var out OrderResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, errs.Wrap(errs.KindValidation, "order response", err)
	}
	return &out, nil
}

// CancelOrder cancels one order by id.
func (c *Client) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	q := newParams().
		Add("symbol", market.NormalizeSymbol(symbol)).
		Add("orderId", strconv.FormatInt(orderID, 10))
	_, err := c.request(ctx, http.MethodDelete, "/fapi/v1/order", q, authSigned, true)
	if err != nil {
		return errs.OrderExecution(err, map[string]interface{}{
			"symbol": symbol, "orderId": orderID,
		})
	}
	return nil
}

// GetOrderStatus returns one order's current state.
func (c *Client) GetOrderStatus(ctx context.Context, symbol string, orderID int64) (*Order, error) {
	q := newParams().
		Add("symbol", market.NormalizeSymbol(symbol)).
		Add("orderId", strconv.FormatInt(orderID, 10))
	body, err := c.request(ctx, http.MethodGet, "/fapi/v1/order", q, authSigned, false)
	if err != nil {
		return nil, err
	}
	var out Order
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, errs.Wrap(errs.KindValidation, "order status response", err)
	}
	return &out, nil
}

// GetOpenOrders lists open orders; symbol "" lists all (heavier weight).
func (c *Client) GetOpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	q := newParams().Add("symbol", market.NormalizeSymbol(symbol))
	body, err := c.request(ctx, http.MethodGet, "/fapi/v1/openOrders", q, authSigned, false)
	if err != nil {
		return nil, err
	}
	var out []Order
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, errs.Wrap(errs.KindValidation, "open orders response", err)
	}
	return out, nil
}

// CancelAllOpenOrders cancels every open order for a symbol.
func (c *Client) CancelAllOpenOrders(ctx context.Context, symbol string) error {
	q := newParams().Add("symbol", market.NormalizeSymbol(symbol))
	_, err := c.request(ctx, http.MethodDelete, "/fapi/v1/allOpenOrders", q, authSigned, true)
	if err != nil {
		return errs.OrderExecution(err, map[string]interface{}{"symbol": symbol})
	}
	return nil
}

// GetPositionRisk returns position rows; symbol "" returns all.
func (c *Client) GetPositionRisk(ctx context.Context, symbol string) ([]Position, error) {
	q := newParams().Add("symbol", market.NormalizeSymbol(symbol))
	body, err := c.request(ctx, http.MethodGet, "/fapi/v2/positionRisk", q, authSigned, false)
	if err != nil {
		return nil, err
	}
	var out []Position
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, errs.Wrap(errs.KindValidation, "position risk response", err)
	}
	return out, nil
}

// GetAccountInfo returns the futures account snapshot.
func (c *Client) GetAccountInfo(ctx context.Context) (*AccountInfo, error) {
	body, err := c.request(ctx, http.MethodGet, "/fapi/v2/account", nil, authSigned, false)
	if err != nil {
		return nil, err
	}
	var out AccountInfo
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, errs.Wrap(errs.KindValidation, "account info response", err)
	}
	return &out, nil
}

// ChangeLeverage sets the leverage for a symbol.
func (c *Client) ChangeLeverage(ctx context.Context, symbol string, leverage int) (*LeverageResponse, error) {
	q := newParams().
		Add("symbol", market.NormalizeSymbol(symbol)).
		Add("leverage", strconv.Itoa(leverage))
	body, err := c.request(ctx, http.MethodPost, "/fapi/v1/leverage", q, authSigned, true)
	if err != nil {
		return nil, err
	}
	var out LeverageResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, errs.Wrap(errs.KindValidation, "leverage response", err)
	}
	return &out, nil
}

// ChangeMarginType sets ISOLATED or CROSSED margin for a symbol. The
// exchange rejects a no-op change; that rejection is swallowed.
func (c *Client) ChangeMarginType(ctx context.Context, symbol, marginType string) error {
	q := newParams().
		Add("symbol", market.NormalizeSymbol(symbol)).
		Add("marginType", marginType)
	_, err := c.request(ctx, http.MethodPost, "/fapi/v1/marginType", q, authSigned, true)
	var e *errs.Error
	if errors.As(err, &e) && e.Code == -4046 { // "No need to change margin type"
		return nil
	}
	return err
}

// ==================== LISTEN KEY ====================

// CreateListenKey starts a user-data stream and returns its key.
func (c *Client) CreateListenKey(ctx context.Context) (string, error) {
	body, err := c.request(ctx, http.MethodPost, "/fapi/v1/listenKey", nil, authAPIKey, false)
	if err != nil {
		return "", err
	}
	var out struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", errs.Wrap(errs.KindValidation, "listen key response", err)
	}
	return out.ListenKey, nil
}

// KeepAliveListenKey extends a listen key's lifetime.
func (c *Client) KeepAliveListenKey(ctx context.Context) error {
	_, err := c.request(ctx, http.MethodPut, "/fapi/v1/listenKey", nil, authAPIKey, false)
	return err
}

// CloseListenKey terminates a user-data stream.
func (c *Client) CloseListenKey(ctx context.Context) error {
	_, err := c.request(ctx, http.MethodDelete, "/fapi/v1/listenKey", nil, authAPIKey, false)
	return err
}

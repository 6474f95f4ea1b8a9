package rest

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"binance-market-feed/internal/errs"
)

func testConfig(baseURL string) Config {
	return Config{
		BaseURL:       baseURL,
		Timeout:       5 * time.Second,
		RecvWindow:    10000,
		MaxRetries:    2,
		RetryInitial:  time.Millisecond,
		RetryMax:      5 * time.Millisecond,
		BackoffFactor: 2.0,
	}
}

func signedConfig(baseURL string) Config {
	cfg := testConfig(baseURL)
	cfg.APIKey = "test-api-key"
	cfg.SecretKey = "test-secret"
	return cfg
}

// serveTime answers the server-time probe used for clock-offset calibration.
func serveTime(w http.ResponseWriter) {
	w.Write([]byte(`{"serverTime":` + "1700000000000" + `}`))
}

func TestGetCurrentPriceDecodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/fapi/v1/ticker/bookTicker", r.URL.Path)
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		w.Write([]byte(`{"symbol":"BTCUSDT","bidPrice":"42000.5","bidQty":"1","askPrice":"42000.6","askQty":"2","time":1700000000000}`))
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL), nil, nil, nil, nil)
	tick, err := c.GetCurrentPrice(context.Background(), "btcusdt")
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", tick.Symbol)
	assert.Equal(t, 42000.5, tick.Bid)
}

func TestSignedRequestShape(t *testing.T) {
	var captured *http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/fapi/v1/time" {
			serveTime(w)
			return
		}
		captured = r.Clone(context.Background())
		w.Write([]byte(`{"totalWalletBalance":"100.0","totalUnrealizedProfit":"0","totalMarginBalance":"100.0","availableBalance":"100.0","assets":[],"canTrade":true,"updateTime":1}`))
	}))
	defer srv.Close()

	c := New(signedConfig(srv.URL), nil, nil, nil, nil)
	_, err := c.GetAccountInfo(context.Background())
	require.NoError(t, err)
	require.NotNil(t, captured)

	assert.Equal(t, "test-api-key", captured.Header.Get("X-MBX-APIKEY"))

	raw := captured.URL.RawQuery
	sigIdx := strings.Index(raw, "&signature=")
	require.Greater(t, sigIdx, 0, "signature must be present and last")
	payload := raw[:sigIdx]
	sig := raw[sigIdx+len("&signature="):]

	mac := hmac.New(sha256.New, []byte("test-secret"))
	mac.Write([]byte(payload))
	assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), sig, "signature covers everything before it")

	q, err := url.ParseQuery(payload)
	require.NoError(t, err)
	assert.NotEmpty(t, q.Get("timestamp"))
	assert.Equal(t, "10000", q.Get("recvWindow"))
}

func TestSignedCallWithoutCredentialsFailsFast(t *testing.T) {
	calls := int32(0)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL), nil, nil, nil, nil)
	_, err := c.GetAccountInfo(context.Background())
	assert.Equal(t, errs.KindAuth, errs.KindOf(err))
	assert.Zero(t, atomic.LoadInt32(&calls), "no request leaves the process without credentials")
}

func TestClientErrorNotRetried(t *testing.T) {
	calls := int32(0)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":-1121,"msg":"Invalid symbol."}`))
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL), nil, nil, nil, nil)
	_, err := c.GetOrderBook(context.Background(), "NOSUCH", 20)
	require.Error(t, err)
	assert.Equal(t, errs.KindAPI, errs.KindOf(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "4xx must not be retried")

	var e *errs.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, -1121, e.Code)
	assert.Equal(t, "Invalid symbol.", e.Message)
}

func TestServerErrorRetriedThenSucceeds(t *testing.T) {
	calls := int32(0)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"serverTime":1700000000000}`))
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL), nil, nil, nil, nil)
	ts, err := c.ServerTime(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000000), ts)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestRateLimitResponseCarriesRetryAfter(t *testing.T) {
	calls := int32(0)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"code":-1003,"msg":"Too many requests."}`))
			return
		}
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL), nil, nil, nil, nil)
	err := c.Ping(context.Background())
	require.NoError(t, err, "429 is retryable and the second attempt succeeds")
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestRateLimitExhaustedPropagatesKind(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"code":-1003,"msg":"banned"}`))
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL), nil, nil, nil, nil)
	err := c.Ping(context.Background())
	require.Error(t, err)
	assert.Equal(t, errs.KindRateLimit, errs.KindOf(err))
}

func TestAuthErrorPropagates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/fapi/v1/time" {
			serveTime(w)
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"code":-2015,"msg":"Invalid API-key."}`))
	}))
	defer srv.Close()

	c := New(signedConfig(srv.URL), nil, nil, nil, nil)
	_, err := c.GetAccountInfo(context.Background())
	assert.Equal(t, errs.KindAuth, errs.KindOf(err))
}

func TestGetKlinesDecodesArrayRows(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1m", r.URL.Query().Get("interval"))
		w.Write([]byte(`[[1700000000000,"100","110","95","105","10",1700000059999,"1000",7,"5","500","0"]]`))
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL), nil, nil, nil, nil)
	ks, err := c.GetKlines(context.Background(), "BTCUSDT", "1m", 1)
	require.NoError(t, err)
	require.Len(t, ks, 1)
	assert.Equal(t, 105.0, ks[0].Close)
}

func TestGetFundingRateDerivedFromMarkPrice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/fapi/v1/premiumIndex", r.URL.Path)
		w.Write([]byte(`{"symbol":"BTCUSDT","markPrice":"42000","indexPrice":"41999","lastFundingRate":"0.0001","nextFundingTime":1700028800000,"time":1700000000000}`))
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL), nil, nil, nil, nil)
	fr, err := c.GetFundingRate(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 0.0001, fr.FundingRate)
	assert.Equal(t, int64(1700028800000), fr.NextFundingTime)
}

func TestListenKeyUsesAPIKeyHeaderOnly(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-api-key", r.Header.Get("X-MBX-APIKEY"))
		assert.Empty(t, r.URL.Query().Get("signature"), "listen key calls are not signed")
		w.Write([]byte(`{"listenKey":"abc123"}`))
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.APIKey = "test-api-key"
	c := New(cfg, nil, nil, nil, nil)
	key, err := c.CreateListenKey(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc123", key)
}

func TestChangeMarginTypeSwallowsNoOpRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/fapi/v1/time" {
			serveTime(w)
			return
		}
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":-4046,"msg":"No need to change margin type."}`))
	}))
	defer srv.Close()

	c := New(signedConfig(srv.URL), nil, nil, nil, nil)
	assert.NoError(t, c.ChangeMarginType(context.Background(), "BTCUSDT", "CROSSED"))
}

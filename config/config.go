// Package config loads the engine configuration from file and environment.
// Environment variables take precedence over file values.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	BinanceConfig   BinanceConfig   `json:"binance" yaml:"binance"`
	StreamConfig    StreamConfig    `json:"stream" yaml:"stream"`
	RESTConfig      RESTConfig      `json:"rest" yaml:"rest"`
	CacheConfig     CacheConfig     `json:"cache" yaml:"cache"`
	RateLimitConfig RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`
	FallbackConfig  FallbackConfig  `json:"fallback" yaml:"fallback"`
	LoggingConfig   LoggingConfig   `json:"logging" yaml:"logging"`
}

type BinanceConfig struct {
	APIKey    string `json:"api_key" yaml:"api_key"`
	SecretKey string `json:"secret_key" yaml:"secret_key"`
	BaseURL   string `json:"base_url" yaml:"base_url"`
	WSBaseURL string `json:"ws_base_url" yaml:"ws_base_url"`
	TestNet   bool   `json:"testnet" yaml:"testnet"`
}

// StreamConfig tunes the push sessions and their supervisor.
type StreamConfig struct {
	HeartbeatIntervalSecs int     `json:"heartbeat_interval_secs" yaml:"heartbeat_interval_secs"`
	HeartbeatTimeoutSecs  int     `json:"heartbeat_timeout_secs" yaml:"heartbeat_timeout_secs"`
	InitialBackoffSecs    float64 `json:"initial_backoff_secs" yaml:"initial_backoff_secs"`
	MaxBackoffSecs        float64 `json:"max_backoff_secs" yaml:"max_backoff_secs"`
	BackoffFactor         float64 `json:"backoff_factor" yaml:"backoff_factor"`
	MaxReconnectAttempts  int     `json:"max_reconnect_attempts" yaml:"max_reconnect_attempts"`
	DialTimeoutSecs       int     `json:"dial_timeout_secs" yaml:"dial_timeout_secs"`
	StaleThresholdSecs    int     `json:"stale_threshold_secs" yaml:"stale_threshold_secs"`
	BreakerThreshold      int     `json:"breaker_threshold" yaml:"breaker_threshold"`
	BreakerResetMins      int     `json:"breaker_reset_mins" yaml:"breaker_reset_mins"`
}

// RESTConfig tunes the HTTP gateway.
type RESTConfig struct {
	TimeoutSecs    int     `json:"timeout_secs" yaml:"timeout_secs"`
	RecvWindowMs   int64   `json:"recv_window_ms" yaml:"recv_window_ms"`
	MaxRetries     int     `json:"max_retries" yaml:"max_retries"`
	RetryInitialMs int     `json:"retry_initial_ms" yaml:"retry_initial_ms"`
	RetryMaxSecs   int     `json:"retry_max_secs" yaml:"retry_max_secs"`
	BackoffFactor  float64 `json:"backoff_factor" yaml:"backoff_factor"`
}

// CacheConfig tunes the read-through cache.
type CacheConfig struct {
	MaxSize int    `json:"max_size" yaml:"max_size"`
	TTLSecs int    `json:"ttl_secs" yaml:"ttl_secs"`
	Policy  string `json:"policy" yaml:"policy"` // LRU, FIFO, LFU
}

// RateLimitConfig tunes the shared request budget windows.
type RateLimitConfig struct {
	WeightLimit int `json:"weight_limit" yaml:"weight_limit"` // per 60s
	OrdersLimit int `json:"orders_limit" yaml:"orders_limit"` // per 10s
	RawLimit    int `json:"raw_limit" yaml:"raw_limit"`       // per 300s
}

// FallbackConfig tunes the REST poller used when push is down.
type FallbackConfig struct {
	PollIntervalSecs int     `json:"poll_interval_secs" yaml:"poll_interval_secs"`
	MaxPollsPerSec   float64 `json:"max_polls_per_sec" yaml:"max_polls_per_sec"`
}

type LoggingConfig struct {
	Level      string `json:"level" yaml:"level"`             // debug, info, warn, error
	Output     string `json:"output" yaml:"output"`           // stdout, stderr, or file path
	JSONFormat bool   `json:"json_format" yaml:"json_format"` // raw zerolog JSON instead of console
}

// Default returns the production defaults.
func Default() *Config {
	return &Config{
		BinanceConfig: BinanceConfig{
			BaseURL:   "https://fapi.binance.com",
			WSBaseURL: "wss://fstream.binance.com",
		},
		StreamConfig: StreamConfig{
			HeartbeatIntervalSecs: 30,
			HeartbeatTimeoutSecs:  10,
			InitialBackoffSecs:    3,
			MaxBackoffSecs:        30,
			BackoffFactor:         1.7,
			MaxReconnectAttempts:  8,
			DialTimeoutSecs:       10,
			StaleThresholdSecs:    10,
			BreakerThreshold:      5,
			BreakerResetMins:      5,
		},
		RESTConfig: RESTConfig{
			TimeoutSecs:    10,
			RecvWindowMs:   10000,
			MaxRetries:     3,
			RetryInitialMs: 500,
			RetryMaxSecs:   10,
			BackoffFactor:  2.0,
		},
		CacheConfig: CacheConfig{
			MaxSize: 1000,
			TTLSecs: 30,
			Policy:  "LRU",
		},
		RateLimitConfig: RateLimitConfig{
			WeightLimit: 2400,
			OrdersLimit: 300,
			RawLimit:    61000,
		},
		FallbackConfig: FallbackConfig{
			PollIntervalSecs: 5,
			MaxPollsPerSec:   5,
		},
		LoggingConfig: LoggingConfig{
			Level:      "info",
			Output:     "stdout",
			JSONFormat: false,
		},
	}
}

// Load reads config.yaml or config.json from the working directory when
// present and applies environment overrides on top of the defaults.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile loads the named config file. An empty path probes config.yaml
// then config.json; a missing file is not an error.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	paths := []string{path}
	if path == "" {
		paths = []string{"config.yaml", "config.yml", "config.json"}
	}
	for _, p := range paths {
		if p == "" {
			continue
		}
		data, err := os.ReadFile(p)
		if err != nil {
			if path == "" && os.IsNotExist(err) {
				continue
			}
			if path == "" {
				continue
			}
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		if strings.HasSuffix(p, ".json") {
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("error parsing config file %s: %w", p, err)
			}
		} else {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("error parsing config file %s: %w", p, err)
			}
		}
		break
	}

	applyEnvOverrides(cfg)

	if cfg.BinanceConfig.TestNet {
		if cfg.BinanceConfig.BaseURL == Default().BinanceConfig.BaseURL {
			cfg.BinanceConfig.BaseURL = "https://testnet.binancefuture.com"
		}
		if cfg.BinanceConfig.WSBaseURL == Default().BinanceConfig.WSBaseURL {
			cfg.BinanceConfig.WSBaseURL = "wss://stream.binancefuture.com"
		}
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	cfg.BinanceConfig.APIKey = getEnvOrDefault("BINANCE_API_KEY", cfg.BinanceConfig.APIKey)
	cfg.BinanceConfig.SecretKey = getEnvOrDefault("BINANCE_SECRET_KEY", cfg.BinanceConfig.SecretKey)
	cfg.BinanceConfig.BaseURL = getEnvOrDefault("BINANCE_BASE_URL", cfg.BinanceConfig.BaseURL)
	cfg.BinanceConfig.WSBaseURL = getEnvOrDefault("BINANCE_WS_BASE_URL", cfg.BinanceConfig.WSBaseURL)
	if v := os.Getenv("BINANCE_TESTNET"); v != "" {
		cfg.BinanceConfig.TestNet = v == "true"
	}

	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", cfg.LoggingConfig.Level)
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", cfg.LoggingConfig.Output)
	if v := os.Getenv("LOG_JSON"); v != "" {
		cfg.LoggingConfig.JSONFormat = v == "true"
	}

	cfg.CacheConfig.TTLSecs = getEnvIntOrDefault("CACHE_TTL_SECS", cfg.CacheConfig.TTLSecs)
	cfg.CacheConfig.MaxSize = getEnvIntOrDefault("CACHE_MAX_SIZE", cfg.CacheConfig.MaxSize)
	cfg.FallbackConfig.PollIntervalSecs = getEnvIntOrDefault("FALLBACK_POLL_INTERVAL_SECS", cfg.FallbackConfig.PollIntervalSecs)
}

// The integer second/minute fields convert to time.Duration through the
// accessors below.

func (s *StreamConfig) HeartbeatInterval() time.Duration {
	return time.Duration(s.HeartbeatIntervalSecs) * time.Second
}

func (s *StreamConfig) HeartbeatTimeout() time.Duration {
	return time.Duration(s.HeartbeatTimeoutSecs) * time.Second
}

func (s *StreamConfig) InitialBackoff() time.Duration {
	return time.Duration(s.InitialBackoffSecs * float64(time.Second))
}

func (s *StreamConfig) MaxBackoff() time.Duration {
	return time.Duration(s.MaxBackoffSecs * float64(time.Second))
}

func (s *StreamConfig) DialTimeout() time.Duration {
	return time.Duration(s.DialTimeoutSecs) * time.Second
}

func (s *StreamConfig) StaleThreshold() time.Duration {
	return time.Duration(s.StaleThresholdSecs) * time.Second
}

func (s *StreamConfig) BreakerReset() time.Duration {
	return time.Duration(s.BreakerResetMins) * time.Minute
}

func (r *RESTConfig) Timeout() time.Duration {
	return time.Duration(r.TimeoutSecs) * time.Second
}

func (r *RESTConfig) RetryInitial() time.Duration {
	return time.Duration(r.RetryInitialMs) * time.Millisecond
}

func (r *RESTConfig) RetryMax() time.Duration {
	return time.Duration(r.RetryMaxSecs) * time.Second
}

func (c *CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLSecs) * time.Second
}

func (f *FallbackConfig) PollInterval() time.Duration {
	return time.Duration(f.PollIntervalSecs) * time.Second
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// GenerateSampleConfig writes a starter YAML config.
func GenerateSampleConfig(filename string) error {
	cfg := Default()
	cfg.BinanceConfig.APIKey = "your_api_key_here"
	cfg.BinanceConfig.SecretKey = "your_secret_key_here"
	cfg.BinanceConfig.TestNet = true

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0644)
}

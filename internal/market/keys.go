package market

import (
	"fmt"
	"strings"
)

// Topic identifies a push stream family.
type Topic string

const (
	TopicBookTicker Topic = "bookTicker"
	TopicDepth      Topic = "depth"
	TopicAggTrade   Topic = "aggTrade"
	TopicTrade      Topic = "trade"
	TopicKline      Topic = "kline"
	TopicTicker     Topic = "ticker"
)

// StreamKey is the canonical lowercase subscription identifier
// "<symbol>@<topic>[_<param>]".
type StreamKey string

// NewStreamKey builds a canonical stream key. The symbol is lowercased; the
// optional param (kline interval) is appended with an underscore.
func NewStreamKey(symbol string, topic Topic, param string) StreamKey {
	key := strings.ToLower(strings.TrimSpace(symbol)) + "@" + string(topic)
	if param != "" {
		key += "_" + param
	}
	return StreamKey(key)
}

// BookTickerKey returns "<symbol>@bookTicker".
func BookTickerKey(symbol string) StreamKey { return NewStreamKey(symbol, TopicBookTicker, "") }

// DepthKey returns "<symbol>@depth".
func DepthKey(symbol string) StreamKey { return NewStreamKey(symbol, TopicDepth, "") }

// AggTradeKey returns "<symbol>@aggTrade".
func AggTradeKey(symbol string) StreamKey { return NewStreamKey(symbol, TopicAggTrade, "") }

// KlineKey returns "<symbol>@kline_<interval>".
func KlineKey(symbol, interval string) StreamKey { return NewStreamKey(symbol, TopicKline, interval) }

// TickerKey returns "<symbol>@ticker".
func TickerKey(symbol string) StreamKey { return NewStreamKey(symbol, TopicTicker, "") }

// Parse splits the key into symbol, topic and optional param.
func (k StreamKey) Parse() (symbol string, topic Topic, param string, err error) {
	parts := strings.SplitN(string(k), "@", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", "", fmt.Errorf("malformed stream key %q", k)
	}
	symbol = parts[0]
	rest := parts[1]
	if i := strings.IndexByte(rest, '_'); i > 0 {
		topic = Topic(rest[:i])
		param = rest[i+1:]
	} else {
		topic = Topic(rest)
	}
	switch topic {
	case TopicBookTicker, TopicDepth, TopicAggTrade, TopicTrade, TopicKline, TopicTicker:
		return symbol, topic, param, nil
	default:
		return "", "", "", fmt.Errorf("unknown topic in stream key %q", k)
	}
}

// Symbol returns the uppercase REST symbol for the key.
func (k StreamKey) Symbol() string {
	sym, _, _, err := k.Parse()
	if err != nil {
		return ""
	}
	return strings.ToUpper(sym)
}

// Topic returns the topic portion of the key.
func (k StreamKey) Topic() Topic {
	_, topic, _, _ := k.Parse()
	return topic
}

// Param returns the parameter portion of the key ("" if absent).
func (k StreamKey) Param() string {
	_, _, param, _ := k.Parse()
	return param
}

// JoinKeys builds the combined-stream query value "<k1>/<k2>/...".
func JoinKeys(keys []StreamKey) string {
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = string(k)
	}
	return strings.Join(parts, "/")
}

// NormalizeSymbol strips whitespace and uppercases for REST use.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(symbol), " ", ""))
}

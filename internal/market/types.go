package market

import (
	"time"

	"binance-market-feed/internal/errs"
)

// ClockSkewBound is the tolerance applied when validating trade timestamps
// against the local clock.
const ClockSkewBound = 5 * time.Second

// PriceTick is the best bid/ask snapshot from the bookTicker stream.
type PriceTick struct {
	Symbol    string  `json:"symbol"`
	Bid       float64 `json:"bid"`
	BidQty    float64 `json:"bidQty"`
	Ask       float64 `json:"ask"`
	AskQty    float64 `json:"askQty"`
	EventTime int64   `json:"eventTime"` // ms, 0 for REST snapshots
}

// Level is a single order-book price level. Valid levels always have
// positive price and quantity; the decoder drops the rest.
type Level struct {
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
}

// OrderBook is a depth snapshot or partial update.
type OrderBook struct {
	LastUpdateID int64   `json:"lastUpdateId"`
	Bids         []Level `json:"bids"`
	Asks         []Level `json:"asks"`
	EventTime    int64   `json:"eventTime"`
}

// Trade is a single (possibly aggregated) trade.
type Trade struct {
	ID           int64   `json:"id"`
	Price        float64 `json:"price"`
	Quantity     float64 `json:"quantity"`
	Time         int64   `json:"time"` // ms
	IsBuyerMaker bool    `json:"isBuyerMaker"`
}

// Kline is one candlestick. OpenTime is the identity within a series.
type Kline struct {
	OpenTime            int64   `json:"openTime"`
	Open                float64 `json:"open"`
	High                float64 `json:"high"`
	Low                 float64 `json:"low"`
	Close               float64 `json:"close"`
	Volume              float64 `json:"volume"`
	CloseTime           int64   `json:"closeTime"`
	QuoteVolume         float64 `json:"quoteVolume"`
	Trades              int64   `json:"trades"`
	TakerBuyBaseVolume  float64 `json:"takerBuyBaseVolume"`
	TakerBuyQuoteVolume float64 `json:"takerBuyQuoteVolume"`
}

// Ticker24h is the rolling 24h statistics for a symbol.
type Ticker24h struct {
	Symbol             string  `json:"symbol"`
	LastPrice          float64 `json:"lastPrice"`
	PriceChange        float64 `json:"priceChange"`
	PriceChangePercent float64 `json:"priceChangePercent"`
	WeightedAvgPrice   float64 `json:"weightedAvgPrice"`
	HighPrice          float64 `json:"highPrice"`
	LowPrice           float64 `json:"lowPrice"`
	Volume             float64 `json:"volume"`
	QuoteVolume        float64 `json:"quoteVolume"`
	OpenTime           int64   `json:"openTime"`
	CloseTime          int64   `json:"closeTime"`
	Count              int64   `json:"count"`
	EventTime          int64   `json:"eventTime"`
}

// MarkPrice carries mark/index price and funding data.
type MarkPrice struct {
	Symbol          string  `json:"symbol"`
	MarkPrice       float64 `json:"markPrice"`
	IndexPrice      float64 `json:"indexPrice"`
	LastFundingRate float64 `json:"lastFundingRate"`
	NextFundingTime int64   `json:"nextFundingTime"`
	Time            int64   `json:"time"`
}

// FundingRate is the funding view derived from mark-price data.
type FundingRate struct {
	Symbol          string  `json:"symbol"`
	FundingRate     float64 `json:"fundingRate"`
	FundingTime     int64   `json:"fundingTime"`
	NextFundingTime int64   `json:"nextFundingTime"`
}

// Validate checks the record invariants for an order book. The decoder has
// already dropped non-positive levels, so any survivor here is a bug.
func (b *OrderBook) Validate() error {
	for _, l := range b.Bids {
		if l.Price <= 0 || l.Quantity <= 0 {
			return errs.Validation("order book bid with non-positive price or quantity")
		}
	}
	for _, l := range b.Asks {
		if l.Price <= 0 || l.Quantity <= 0 {
			return errs.Validation("order book ask with non-positive price or quantity")
		}
	}
	return nil
}

// Validate checks trade invariants against the local clock.
func (t *Trade) Validate(now time.Time) error {
	if t.Price <= 0 || t.Quantity <= 0 {
		return errs.Validation("trade with non-positive price or quantity")
	}
	if t.Time > now.Add(ClockSkewBound).UnixMilli() {
		return errs.Validation("trade timestamp beyond clock skew bound")
	}
	return nil
}

// Validate checks kline invariants.
func (k *Kline) Validate() error {
	if k.CloseTime < k.OpenTime {
		return errs.Validation("kline closeTime before openTime")
	}
	if k.Trades < 0 {
		return errs.Validation("kline with negative trade count")
	}
	return nil
}

// Validate checks the 24h ticker invariants.
func (t *Ticker24h) Validate() error {
	if t.Symbol == "" {
		return errs.Validation("24hr ticker with empty symbol")
	}
	return nil
}

// Package decode turns wire payloads into canonical records. It is pure:
// no I/O, no clocks beyond the timestamps already in the payloads. Both the
// REST encodings (arrays, full field names) and the push encodings
// (single-letter tags) are accepted for every record type.
package decode

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"sync/atomic"

	"binance-market-feed/internal/errs"
	"binance-market-feed/internal/market"
)

// Decoder parses wire frames. Decode failures produce no record and bump the
// error counter; the caller decides whether to emit an event.
type Decoder struct {
	errorCount atomic.Int64
}

// New returns a Decoder.
func New() *Decoder {
	return &Decoder{}
}

// ErrorCount returns the number of rejected records so far.
func (d *Decoder) ErrorCount() int64 {
	return d.errorCount.Load()
}

func (d *Decoder) reject(format string, args ...interface{}) error {
	d.errorCount.Add(1)
	return errs.Validation(fmt.Sprintf(format, args...))
}

// parseDecimal parses a numeric string strictly. Empty, non-numeric, NaN and
// infinite values are failures, never silent zeros.
func parseDecimal(s string) (float64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty numeric string")
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("non-finite value %q", s)
	}
	return f, nil
}

// ==================== PRICE TICK ====================

type priceTickWire struct {
	// REST /fapi/v1/ticker/bookTicker
	Symbol   string `json:"symbol"`
	BidPrice string `json:"bidPrice"`
	BidQty   string `json:"bidQty"`
	AskPrice string `json:"askPrice"`
	AskQty   string `json:"askQty"`
	Time     int64  `json:"time"`

	// push bookTicker
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	S         string `json:"s"`
	B         string `json:"b"`
	BQ        string `json:"B"`
	A         string `json:"a"`
	AQ        string `json:"A"`
}

// PriceTick decodes either encoding of a best bid/ask update.
func (d *Decoder) PriceTick(raw []byte) (*market.PriceTick, error) {
	var w priceTickWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, d.reject("price tick: %v", err)
	}

	tick := &market.PriceTick{}
	var bidS, bidQS, askS, askQS string
	if w.S != "" || w.EventType != "" {
		tick.Symbol = market.NormalizeSymbol(w.S)
		tick.EventTime = w.EventTime
		bidS, bidQS, askS, askQS = w.B, w.BQ, w.A, w.AQ
	} else {
		tick.Symbol = market.NormalizeSymbol(w.Symbol)
		tick.EventTime = w.Time
		bidS, bidQS, askS, askQS = w.BidPrice, w.BidQty, w.AskPrice, w.AskQty
	}
	if tick.Symbol == "" {
		return nil, d.reject("price tick without symbol")
	}

	var err error
	if tick.Bid, err = parseDecimal(bidS); err != nil {
		return nil, d.reject("price tick bid: %v", err)
	}
	if tick.BidQty, err = parseDecimal(bidQS); err != nil {
		return nil, d.reject("price tick bid qty: %v", err)
	}
	if tick.Ask, err = parseDecimal(askS); err != nil {
		return nil, d.reject("price tick ask: %v", err)
	}
	if tick.AskQty, err = parseDecimal(askQS); err != nil {
		return nil, d.reject("price tick ask qty: %v", err)
	}
	return tick, nil
}

// ==================== ORDER BOOK ====================

type orderBookWire struct {
	// REST /fapi/v1/depth
	LastUpdateID int64      `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`

	// push depthUpdate
	EventType string     `json:"e"`
	EventTime int64      `json:"E"`
	FinalID   int64      `json:"u"`
	B         [][]string `json:"b"`
	A         [][]string `json:"a"`
}

// OrderBook decodes a depth snapshot or push update. Levels with
// non-positive price or quantity are dropped; the record survives.
func (d *Decoder) OrderBook(raw []byte) (*market.OrderBook, error) {
	var w orderBookWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, d.reject("order book: %v", err)
	}

	book := &market.OrderBook{LastUpdateID: w.LastUpdateID, EventTime: w.EventTime}
	bids, asks := w.Bids, w.Asks
	if w.EventType != "" {
		book.LastUpdateID = w.FinalID
		bids, asks = w.B, w.A
	}

	var err error
	if book.Bids, err = d.levels(bids); err != nil {
		return nil, err
	}
	if book.Asks, err = d.levels(asks); err != nil {
		return nil, err
	}
	return book, nil
}

func (d *Decoder) levels(raw [][]string) ([]market.Level, error) {
	out := make([]market.Level, 0, len(raw))
	for _, pair := range raw {
		if len(pair) < 2 {
			return nil, d.reject("order book level with %d fields", len(pair))
		}
		price, err := parseDecimal(pair[0])
		if err != nil {
			return nil, d.reject("order book level price: %v", err)
		}
		qty, err := parseDecimal(pair[1])
		if err != nil {
			return nil, d.reject("order book level quantity: %v", err)
		}
		if price <= 0 || qty <= 0 {
			continue // zero-quantity levels are deletions on the wire
		}
		out = append(out, market.Level{Price: price, Quantity: qty})
	}
	return out, nil
}

// ==================== TRADES ====================

type tradeWire struct {
	// REST /fapi/v1/trades and /fapi/v1/aggTrades
	ID           int64  `json:"id"`
	AggID        int64  `json:"a"`
	Price        string `json:"price"`
	Qty          string `json:"qty"`
	Time         int64  `json:"time"`
	IsBuyerMaker bool   `json:"isBuyerMaker"`

	// push aggTrade / trade
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	TradeID   int64  `json:"t"`
	P         string `json:"p"`
	Q         string `json:"q"`
	T         int64  `json:"T"`
	M         bool   `json:"m"`
}

// Trade decodes a single trade in either encoding.
func (d *Decoder) Trade(raw []byte) (*market.Trade, error) {
	var w tradeWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, d.reject("trade: %v", err)
	}

	t := &market.Trade{}
	var priceS, qtyS string
	if w.EventType != "" {
		t.ID = w.AggID
		if t.ID == 0 {
			t.ID = w.TradeID
		}
		t.Time = w.T
		t.IsBuyerMaker = w.M
		priceS, qtyS = w.P, w.Q
	} else {
		t.ID = w.ID
		if t.ID == 0 {
			t.ID = w.AggID
		}
		t.Time = w.Time
		if t.Time == 0 {
			t.Time = w.T
		}
		t.IsBuyerMaker = w.IsBuyerMaker || w.M
		priceS, qtyS = w.Price, w.Qty
		if priceS == "" {
			priceS, qtyS = w.P, w.Q
		}
	}

	var err error
	if t.Price, err = parseDecimal(priceS); err != nil {
		return nil, d.reject("trade price: %v", err)
	}
	if t.Quantity, err = parseDecimal(qtyS); err != nil {
		return nil, d.reject("trade quantity: %v", err)
	}
	if t.Price <= 0 || t.Quantity <= 0 {
		return nil, d.reject("trade with non-positive price or quantity")
	}
	return t, nil
}

// Trades decodes a REST trade list, skipping records that fail to decode.
func (d *Decoder) Trades(raw []byte) ([]market.Trade, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, d.reject("trade list: %v", err)
	}
	out := make([]market.Trade, 0, len(items))
	for _, item := range items {
		t, err := d.Trade(item)
		if err != nil {
			continue
		}
		out = append(out, *t)
	}
	return out, nil
}

// ==================== KLINES ====================

type klineStreamWire struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	K         struct {
		OpenTime    int64  `json:"t"`
		CloseTime   int64  `json:"T"`
		Interval    string `json:"i"`
		Open        string `json:"o"`
		Close       string `json:"c"`
		High        string `json:"h"`
		Low         string `json:"l"`
		Volume      string `json:"v"`
		Trades      int64  `json:"n"`
		QuoteVolume string `json:"q"`
		TakerBase   string `json:"V"`
		TakerQuote  string `json:"Q"`
	} `json:"k"`
}

// Kline decodes either the REST array form
// [openTime,"o","h","l","c","v",closeTime,"q",n,"V","Q",...] or the push
// object form {e:"kline", k:{...}}.
func (d *Decoder) Kline(raw []byte) (*market.Kline, error) {
	if len(raw) > 0 && raw[0] == '[' {
		return d.klineFromArray(raw)
	}
	var w klineStreamWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, d.reject("kline: %v", err)
	}
	k := &market.Kline{
		OpenTime:  w.K.OpenTime,
		CloseTime: w.K.CloseTime,
		Trades:    w.K.Trades,
	}
	var err error
	if k.Open, err = parseDecimal(w.K.Open); err != nil {
		return nil, d.reject("kline open: %v", err)
	}
	if k.High, err = parseDecimal(w.K.High); err != nil {
		return nil, d.reject("kline high: %v", err)
	}
	if k.Low, err = parseDecimal(w.K.Low); err != nil {
		return nil, d.reject("kline low: %v", err)
	}
	if k.Close, err = parseDecimal(w.K.Close); err != nil {
		return nil, d.reject("kline close: %v", err)
	}
	if k.Volume, err = parseDecimal(w.K.Volume); err != nil {
		return nil, d.reject("kline volume: %v", err)
	}
	if k.QuoteVolume, err = parseDecimal(w.K.QuoteVolume); err != nil {
		return nil, d.reject("kline quote volume: %v", err)
	}
	if k.TakerBuyBaseVolume, err = parseDecimal(w.K.TakerBase); err != nil {
		return nil, d.reject("kline taker base volume: %v", err)
	}
	if k.TakerBuyQuoteVolume, err = parseDecimal(w.K.TakerQuote); err != nil {
		return nil, d.reject("kline taker quote volume: %v", err)
	}
	if err := k.Validate(); err != nil {
		d.errorCount.Add(1)
		return nil, err
	}
	return k, nil
}

func (d *Decoder) klineFromArray(raw []byte) (*market.Kline, error) {
	var fields []json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, d.reject("kline array: %v", err)
	}
	if len(fields) < 11 {
		return nil, d.reject("kline array with %d fields", len(fields))
	}

	k := &market.Kline{}
	var err error
	if k.OpenTime, err = jsonInt(fields[0]); err != nil {
		return nil, d.reject("kline openTime: %v", err)
	}
	if k.Open, err = jsonDecimal(fields[1]); err != nil {
		return nil, d.reject("kline open: %v", err)
	}
	if k.High, err = jsonDecimal(fields[2]); err != nil {
		return nil, d.reject("kline high: %v", err)
	}
	if k.Low, err = jsonDecimal(fields[3]); err != nil {
		return nil, d.reject("kline low: %v", err)
	}
	if k.Close, err = jsonDecimal(fields[4]); err != nil {
		return nil, d.reject("kline close: %v", err)
	}
	if k.Volume, err = jsonDecimal(fields[5]); err != nil {
		return nil, d.reject("kline volume: %v", err)
	}
	if k.CloseTime, err = jsonInt(fields[6]); err != nil {
		return nil, d.reject("kline closeTime: %v", err)
	}
	if k.QuoteVolume, err = jsonDecimal(fields[7]); err != nil {
		return nil, d.reject("kline quote volume: %v", err)
	}
	if k.Trades, err = jsonInt(fields[8]); err != nil {
		return nil, d.reject("kline trade count: %v", err)
	}
	if k.TakerBuyBaseVolume, err = jsonDecimal(fields[9]); err != nil {
		return nil, d.reject("kline taker base volume: %v", err)
	}
	if k.TakerBuyQuoteVolume, err = jsonDecimal(fields[10]); err != nil {
		return nil, d.reject("kline taker quote volume: %v", err)
	}
	if err := k.Validate(); err != nil {
		d.errorCount.Add(1)
		return nil, err
	}
	return k, nil
}

// Klines decodes the REST array-of-arrays form, skipping bad rows.
func (d *Decoder) Klines(raw []byte) ([]market.Kline, error) {
	var rows []json.RawMessage
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, d.reject("kline list: %v", err)
	}
	out := make([]market.Kline, 0, len(rows))
	for _, row := range rows {
		k, err := d.klineFromArray(row)
		if err != nil {
			continue
		}
		out = append(out, *k)
	}
	return out, nil
}

// ==================== 24HR TICKER ====================

type ticker24hWire struct {
	// REST /fapi/v1/ticker/24hr
	Symbol             string `json:"symbol"`
	PriceChange        string `json:"priceChange"`
	PriceChangePercent string `json:"priceChangePercent"`
	WeightedAvgPrice   string `json:"weightedAvgPrice"`
	LastPrice          string `json:"lastPrice"`
	HighPrice          string `json:"highPrice"`
	LowPrice           string `json:"lowPrice"`
	Volume             string `json:"volume"`
	QuoteVolume        string `json:"quoteVolume"`
	OpenTime           int64  `json:"openTime"`
	CloseTime          int64  `json:"closeTime"`
	Count              int64  `json:"count"`

	// push 24hrTicker
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	S         string `json:"s"`
	P         string `json:"p"`
	PP        string `json:"P"`
	W         string `json:"w"`
	C         string `json:"c"`
	H         string `json:"h"`
	L         string `json:"l"`
	V         string `json:"v"`
	Q         string `json:"q"`
	O         int64  `json:"O"`
	CT        int64  `json:"C"`
	N         int64  `json:"n"`
}

// Ticker24h decodes either encoding of the 24h statistics.
func (d *Decoder) Ticker24h(raw []byte) (*market.Ticker24h, error) {
	var w ticker24hWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, d.reject("24hr ticker: %v", err)
	}

	t := &market.Ticker24h{}
	type numField struct {
		dst *float64
		src string
		tag string
	}
	var fields []numField
	if w.EventType != "" {
		t.Symbol = market.NormalizeSymbol(w.S)
		t.OpenTime, t.CloseTime, t.Count, t.EventTime = w.O, w.CT, w.N, w.EventTime
		fields = []numField{
			{&t.PriceChange, w.P, "priceChange"},
			{&t.PriceChangePercent, w.PP, "priceChangePercent"},
			{&t.WeightedAvgPrice, w.W, "weightedAvgPrice"},
			{&t.LastPrice, w.C, "lastPrice"},
			{&t.HighPrice, w.H, "highPrice"},
			{&t.LowPrice, w.L, "lowPrice"},
			{&t.Volume, w.V, "volume"},
			{&t.QuoteVolume, w.Q, "quoteVolume"},
		}
	} else {
		t.Symbol = market.NormalizeSymbol(w.Symbol)
		t.OpenTime, t.CloseTime, t.Count = w.OpenTime, w.CloseTime, w.Count
		fields = []numField{
			{&t.PriceChange, w.PriceChange, "priceChange"},
			{&t.PriceChangePercent, w.PriceChangePercent, "priceChangePercent"},
			{&t.WeightedAvgPrice, w.WeightedAvgPrice, "weightedAvgPrice"},
			{&t.LastPrice, w.LastPrice, "lastPrice"},
			{&t.HighPrice, w.HighPrice, "highPrice"},
			{&t.LowPrice, w.LowPrice, "lowPrice"},
			{&t.Volume, w.Volume, "volume"},
			{&t.QuoteVolume, w.QuoteVolume, "quoteVolume"},
		}
	}
	for _, f := range fields {
		v, err := parseDecimal(f.src)
		if err != nil {
			return nil, d.reject("24hr ticker %s: %v", f.tag, err)
		}
		*f.dst = v
	}
	if err := t.Validate(); err != nil {
		d.errorCount.Add(1)
		return nil, err
	}
	return t, nil
}

// ==================== MARK PRICE ====================

type markPriceWire struct {
	// REST /fapi/v1/premiumIndex
	Symbol          string `json:"symbol"`
	MarkPrice       string `json:"markPrice"`
	IndexPrice      string `json:"indexPrice"`
	LastFundingRate string `json:"lastFundingRate"`
	NextFundingTime int64  `json:"nextFundingTime"`
	Time            int64  `json:"time"`

	// push markPriceUpdate
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	S         string `json:"s"`
	P         string `json:"p"`
	I         string `json:"i"`
	R         string `json:"r"`
	T         int64  `json:"T"`
}

// MarkPrice decodes either encoding of a mark-price update.
func (d *Decoder) MarkPrice(raw []byte) (*market.MarkPrice, error) {
	var w markPriceWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, d.reject("mark price: %v", err)
	}

	mp := &market.MarkPrice{}
	var markS, indexS, rateS string
	if w.EventType != "" {
		mp.Symbol = market.NormalizeSymbol(w.S)
		mp.NextFundingTime = w.T
		mp.Time = w.EventTime
		markS, indexS, rateS = w.P, w.I, w.R
	} else {
		mp.Symbol = market.NormalizeSymbol(w.Symbol)
		mp.NextFundingTime = w.NextFundingTime
		mp.Time = w.Time
		markS, indexS, rateS = w.MarkPrice, w.IndexPrice, w.LastFundingRate
	}
	if mp.Symbol == "" {
		return nil, d.reject("mark price without symbol")
	}

	var err error
	if mp.MarkPrice, err = parseDecimal(markS); err != nil {
		return nil, d.reject("mark price value: %v", err)
	}
	if indexS != "" {
		if mp.IndexPrice, err = parseDecimal(indexS); err != nil {
			return nil, d.reject("index price value: %v", err)
		}
	}
	if rateS != "" {
		if mp.LastFundingRate, err = parseDecimal(rateS); err != nil {
			return nil, d.reject("funding rate value: %v", err)
		}
	}
	return mp, nil
}

func jsonInt(raw json.RawMessage) (int64, error) {
	var v int64
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, err
	}
	return v, nil
}

func jsonDecimal(raw json.RawMessage) (float64, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return parseDecimal(s)
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return 0, err
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("non-finite value")
	}
	return f, nil
}

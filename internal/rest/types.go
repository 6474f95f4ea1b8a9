package rest

// OrderParams carries the fields for a new futures order. Empty optional
// fields are omitted from the query string.
type OrderParams struct {
	Symbol        string
	Side          string // BUY, SELL
	Type          string // MARKET, LIMIT, STOP_MARKET, ...
	Quantity      string
	Price         string
	TimeInForce   string
	StopPrice     string
	PositionSide  string
	ReduceOnly    bool
	ClosePosition bool
}

// OrderResponse is the acknowledgment for a placed order.
type OrderResponse struct {
	Symbol        string  `json:"symbol"`
	OrderID       int64   `json:"orderId"`
	ClientOrderID string  `json:"clientOrderId"`
	Status        string  `json:"status"`
	Side          string  `json:"side"`
	Type          string  `json:"type"`
	Price         float64 `json:"price,string"`
	OrigQty       float64 `json:"origQty,string"`
	ExecutedQty   float64 `json:"executedQty,string"`
	UpdateTime    int64   `json:"updateTime"`
}

// Order is an existing order's state.
type Order struct {
	Symbol        string  `json:"symbol"`
	OrderID       int64   `json:"orderId"`
	ClientOrderID string  `json:"clientOrderId"`
	Status        string  `json:"status"`
	Side          string  `json:"side"`
	Type          string  `json:"type"`
	Price         float64 `json:"price,string"`
	OrigQty       float64 `json:"origQty,string"`
	ExecutedQty   float64 `json:"executedQty,string"`
	StopPrice     float64 `json:"stopPrice,string"`
	Time          int64   `json:"time"`
	UpdateTime    int64   `json:"updateTime"`
	ReduceOnly    bool    `json:"reduceOnly"`
	PositionSide  string  `json:"positionSide"`
}

// Position is one row from the position-risk endpoint.
type Position struct {
	Symbol           string  `json:"symbol"`
	PositionAmt      float64 `json:"positionAmt,string"`
	EntryPrice       float64 `json:"entryPrice,string"`
	MarkPrice        float64 `json:"markPrice,string"`
	UnrealizedProfit float64 `json:"unRealizedProfit,string"`
	LiquidationPrice float64 `json:"liquidationPrice,string"`
	Leverage         float64 `json:"leverage,string"`
	MarginType       string  `json:"marginType"`
	PositionSide     string  `json:"positionSide"`
}

// AssetBalance is one asset row of the account snapshot.
type AssetBalance struct {
	Asset            string  `json:"asset"`
	WalletBalance    float64 `json:"walletBalance,string"`
	AvailableBalance float64 `json:"availableBalance,string"`
	UnrealizedProfit float64 `json:"unrealizedProfit,string"`
}

// AccountInfo is the futures account snapshot.
type AccountInfo struct {
	TotalWalletBalance    float64        `json:"totalWalletBalance,string"`
	TotalUnrealizedProfit float64        `json:"totalUnrealizedProfit,string"`
	TotalMarginBalance    float64        `json:"totalMarginBalance,string"`
	AvailableBalance      float64        `json:"availableBalance,string"`
	Assets                []AssetBalance `json:"assets"`
	CanTrade              bool           `json:"canTrade"`
	UpdateTime            int64          `json:"updateTime"`
}

// LeverageResponse acknowledges a leverage change.
type LeverageResponse struct {
	Symbol           string  `json:"symbol"`
	Leverage         int     `json:"leverage"`
	MaxNotionalValue float64 `json:"maxNotionalValue,string"`
}

// SymbolInfo is one tradable symbol from exchange info.
type SymbolInfo struct {
	Symbol            string `json:"symbol"`
	Status            string `json:"status"`
	BaseAsset         string `json:"baseAsset"`
	QuoteAsset        string `json:"quoteAsset"`
	PricePrecision    int    `json:"pricePrecision"`
	QuantityPrecision int    `json:"quantityPrecision"`
}

// ExchangeInfo is the exchange metadata snapshot.
type ExchangeInfo struct {
	Timezone   string       `json:"timezone"`
	ServerTime int64        `json:"serverTime"`
	Symbols    []SymbolInfo `json:"symbols"`
}

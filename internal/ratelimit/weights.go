package ratelimit

// Endpoint weights for the Binance Futures API. Unlisted endpoints cost 1.
var endpointWeights = map[string]int{
	// Market data
	"/fapi/v1/ticker/bookTicker": 2,
	"/fapi/v1/ticker/price":      1,
	"/fapi/v1/ticker/24hr":       1, // 40 without a symbol
	"/fapi/v1/klines":            5,
	"/fapi/v1/depth":             5, // grows with limit
	"/fapi/v1/trades":            5,
	"/fapi/v1/aggTrades":         20,
	"/fapi/v1/premiumIndex":      1,
	"/fapi/v1/fundingRate":       1,
	"/fapi/v1/exchangeInfo":      1,
	"/fapi/v1/time":              1,
	"/fapi/v1/ping":              1,

	// Account and orders
	"/fapi/v2/account":       5,
	"/fapi/v2/positionRisk":  5,
	"/fapi/v1/order":         1,
	"/fapi/v1/openOrders":    1, // 40 without a symbol
	"/fapi/v1/allOpenOrders": 40,
	"/fapi/v1/leverage":      1,
	"/fapi/v1/marginType":    1,

	// Listen key
	"/fapi/v1/listenKey": 1,
}

// EndpointWeight returns the weight charged for a REST endpoint.
func EndpointWeight(endpoint string) int {
	if w, ok := endpointWeights[endpoint]; ok {
		return w
	}
	return 1
}

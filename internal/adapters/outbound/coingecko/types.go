package coingecko

// simplePriceResponse represents the response from /simple/price endpoint.
// Example response:
//
//	{
//	  "cream-2": {"usd": 12.5},
//	  "ethereum": {"usd": 3456.78}
//	}
type simplePriceResponse map[string]simplePriceData

type simplePriceData struct {
	USD float64 `json:"usd"`
}

// coinGeckoError represents an error response from the CoinGecko API.
type coinGeckoError struct {
	Error string `json:"error"`
}

// Package coingecko implements CoinPriceProvider using CoinGecko's simple
// price endpoint. It is used for assets the primary price service cannot
// price and that are identified by a CoinGecko coin id.
//
// Without an API key the public endpoint is used; with one, the Pro endpoint
// and its key header.
package coingecko

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/archon-research/stl/baddebt/internal/pkg/fixedpoint"
	"github.com/archon-research/stl/baddebt/internal/pkg/httpclient"
	"github.com/archon-research/stl/baddebt/internal/pkg/retry"
	"github.com/archon-research/stl/baddebt/internal/ports/outbound"
)

// Compile-time check that Client implements outbound.CoinPriceProvider.
var _ outbound.CoinPriceProvider = (*Client)(nil)

const (
	publicBaseURL = "https://api.coingecko.com/api/v3"
	proBaseURL    = "https://pro-api.coingecko.com/api/v3"
)

// ErrUnknownCoin is returned when the response has no entry for a coin id.
var ErrUnknownCoin = errors.New("unknown coin id")

// ClientConfig holds configuration for the CoinGecko client.
type ClientConfig struct {
	// APIKey is the CoinGecko Pro API key. Optional.
	APIKey string

	// BaseURL defaults to the public or Pro endpoint depending on APIKey.
	BaseURL string

	// Timeout is the maximum time to wait for a single HTTP request.
	Timeout time.Duration

	// MaxRetries is the maximum number of retry attempts for transient failures.
	MaxRetries int

	// InitialBackoff is the initial delay before the first retry.
	InitialBackoff time.Duration

	// MaxBackoff is the maximum delay between retries.
	MaxBackoff time.Duration

	// BackoffFactor is the multiplier applied to backoff after each retry.
	BackoffFactor float64

	// RateLimitPerMin is the rate limit in requests per minute.
	// Defaults to 25 to stay under the public tier limit.
	RateLimitPerMin int

	// Logger is the structured logger for the client.
	Logger *slog.Logger
}

// ClientConfigDefaults returns a config with default values.
func ClientConfigDefaults() ClientConfig {
	return ClientConfig{
		Timeout:         30 * time.Second,
		MaxRetries:      3,
		InitialBackoff:  500 * time.Millisecond,
		MaxBackoff:      10 * time.Second,
		BackoffFactor:   2.0,
		RateLimitPerMin: 25,
		Logger:          slog.Default(),
	}
}

// Client implements CoinPriceProvider using CoinGecko's API.
type Client struct {
	config ClientConfig
	http   *httpclient.Client
	logger *slog.Logger
}

// NewClient creates a new CoinGecko API client.
func NewClient(config ClientConfig) (*Client, error) {
	applyDefaults(&config, ClientConfigDefaults())

	if _, err := url.Parse(config.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}

	logger := config.Logger.With("component", "coingecko-client")
	client := httpclient.NewClient(httpclient.Config{
		Timeout: config.Timeout,
		Retry: retry.Config{
			MaxRetries:     config.MaxRetries,
			InitialBackoff: config.InitialBackoff,
			MaxBackoff:     config.MaxBackoff,
			BackoffFactor:  config.BackoffFactor,
			Jitter:         false, // Keep deterministic for API rate limiting
		},
		RateLimit: rate.Limit(float64(config.RateLimitPerMin) / 60.0),
		RateBurst: 1,
	}, logger, parseError)

	return &Client{
		config: config,
		http:   client,
		logger: logger,
	}, nil
}

func applyDefaults(config *ClientConfig, defaults ClientConfig) {
	if config.BaseURL == "" {
		config.BaseURL = publicBaseURL
		if config.APIKey != "" {
			config.BaseURL = proBaseURL
		}
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	if config.Timeout == 0 {
		config.Timeout = defaults.Timeout
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.InitialBackoff == 0 {
		config.InitialBackoff = defaults.InitialBackoff
	}
	if config.MaxBackoff == 0 {
		config.MaxBackoff = defaults.MaxBackoff
	}
	if config.BackoffFactor == 0 {
		config.BackoffFactor = defaults.BackoffFactor
	}
	if config.RateLimitPerMin == 0 {
		config.RateLimitPerMin = defaults.RateLimitPerMin
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}
}

// SimplePrice returns the USD price of one coin id.
func (c *Client) SimplePrice(ctx context.Context, coinID string) (decimal.Decimal, error) {
	prices, err := c.SimplePrices(ctx, []string{coinID})
	if err != nil {
		return decimal.Zero, err
	}
	return prices[coinID], nil
}

// SimplePrices returns USD prices for coin ids. An id absent from the
// response fails the call with ErrUnknownCoin.
func (c *Client) SimplePrices(ctx context.Context, coinIDs []string) (map[string]decimal.Decimal, error) {
	if len(coinIDs) == 0 {
		return map[string]decimal.Decimal{}, nil
	}

	params := url.Values{
		"ids":           {strings.Join(coinIDs, ",")},
		"vs_currencies": {"usd"},
	}
	headers := map[string]string{}
	if c.config.APIKey != "" {
		headers["x-cg-pro-api-key"] = c.config.APIKey
	}

	var response simplePriceResponse
	if err := c.http.Get(ctx, c.config.BaseURL+"/simple/price", params, headers, &response); err != nil {
		return nil, fmt.Errorf("fetching simple price for %s: %w", strings.Join(coinIDs, ","), err)
	}

	prices := make(map[string]decimal.Decimal, len(coinIDs))
	for _, id := range coinIDs {
		data, ok := response[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownCoin, id)
		}
		prices[id] = fixedpoint.FromFloat(data.USD)
	}
	return prices, nil
}

func parseError(statusCode int, body []byte) error {
	if statusCode < 400 {
		return nil
	}
	var apiErr coinGeckoError
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error != "" {
		return fmt.Errorf("API error (HTTP %d): %s", statusCode, apiErr.Error)
	}
	return nil
}

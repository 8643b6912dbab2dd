// Package priceapi implements PriceSource over the primary HTTP price
// service: GET {base}/api/price?network=N&tokenAddress=A -> {"priceUSD": x}.
package priceapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/archon-research/stl/baddebt/internal/pkg/httpclient"
	"github.com/archon-research/stl/baddebt/internal/pkg/retry"
	"github.com/archon-research/stl/baddebt/internal/ports/outbound"
)

var _ outbound.PriceSource = (*Client)(nil)

// Config holds configuration for the price service client.
type Config struct {
	BaseURL string

	Timeout time.Duration

	// Retry applies to each request. The price resolver retries every
	// source as well, so the default makes a single attempt.
	Retry retry.Config

	// RequestsPerSecond caps the request rate.
	RequestsPerSecond float64

	Logger *slog.Logger
}

// ConfigDefaults returns the default configuration.
func ConfigDefaults() Config {
	return Config{
		BaseURL:           "https://web3.api.la-tribu.xyz",
		Timeout:           15 * time.Second,
		Retry:             retry.Config{MaxRetries: 0, InitialBackoff: time.Second},
		RequestsPerSecond: 10,
		Logger:            slog.Default(),
	}
}

// Client queries the primary price service.
type Client struct {
	baseURL string
	http    *httpclient.Client
}

type priceResponse struct {
	PriceUSD *json.Number `json:"priceUSD"`
}

// NewClient creates a price service client.
func NewClient(config Config) (*Client, error) {
	defaults := ConfigDefaults()
	if config.BaseURL == "" {
		config.BaseURL = defaults.BaseURL
	}
	if _, err := url.ParseRequestURI(config.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid base URL %q: %w", config.BaseURL, err)
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.Retry == (retry.Config{}) {
		config.Retry = defaults.Retry
	}
	if config.RequestsPerSecond <= 0 {
		config.RequestsPerSecond = defaults.RequestsPerSecond
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}

	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		http: httpclient.NewClient(httpclient.Config{
			Timeout:   config.Timeout,
			Retry:     config.Retry,
			RateLimit: rate.Limit(config.RequestsPerSecond),
			RateBurst: 1,
		}, config.Logger.With("component", "price-api"), nil),
	}, nil
}

// Price returns the USD price of asset on network. A response without a
// price, or with null, is a zero price.
func (c *Client) Price(ctx context.Context, network string, asset common.Address) (decimal.Decimal, error) {
	params := url.Values{
		"network":      {network},
		"tokenAddress": {asset.Hex()},
	}

	var resp priceResponse
	if err := c.http.Get(ctx, c.baseURL+"/api/price", params, nil, &resp); err != nil {
		return decimal.Zero, fmt.Errorf("price of %s on %s: %w", asset.Hex(), network, err)
	}
	if resp.PriceUSD == nil {
		return decimal.Zero, nil
	}

	price, err := decimal.NewFromString(resp.PriceUSD.String())
	if err != nil {
		return decimal.Zero, httpclient.WrapNonRetryable(fmt.Errorf("malformed priceUSD %q: %w", resp.PriceUSD.String(), err))
	}
	if price.IsNegative() {
		return decimal.Zero, httpclient.WrapNonRetryable(errors.New("negative priceUSD"))
	}
	return price, nil
}

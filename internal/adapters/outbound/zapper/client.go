// Package zapper implements PortfolioProvider over the Zapper balances API.
//
// A total is obtained in three steps: POST a balance refresh job, poll the
// job status until it completes, then GET the app balances and sum the USD
// value of every entry on the configured network.
package zapper

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/archon-research/stl/baddebt/internal/pkg/fixedpoint"
	"github.com/archon-research/stl/baddebt/internal/pkg/httpclient"
	"github.com/archon-research/stl/baddebt/internal/pkg/retry"
	"github.com/archon-research/stl/baddebt/internal/ports/outbound"
)

var _ outbound.PortfolioProvider = (*Client)(nil)

// ErrJobNotCompleted is returned when a refresh job does not complete within
// the configured polls.
var ErrJobNotCompleted = errors.New("zapper job did not complete")

const (
	jobCompleted = "completed"
	jobUnknown   = "unknown"
)

// Config holds configuration for the Zapper client.
type Config struct {
	// APIKey is sent base64-encoded as HTTP Basic credentials.
	APIKey string

	BaseURL string

	// Network filters both the refresh job and the summed balances.
	Network string

	// PollInterval is the wait between job status checks.
	PollInterval time.Duration

	// MaxPolls bounds status checks per job.
	MaxPolls int

	// MaxRestarts bounds how often a job reported as unknown is resubmitted.
	MaxRestarts int

	RequestsPerSecond float64

	Retry  retry.Config
	Logger *slog.Logger
}

// ConfigDefaults returns the default configuration.
func ConfigDefaults() Config {
	return Config{
		BaseURL:           "https://api.zapper.fi",
		Network:           "ethereum",
		PollInterval:      5 * time.Second,
		MaxPolls:          60,
		MaxRestarts:       3,
		RequestsPerSecond: 2,
		Retry:             retry.DefaultConfig(),
		Logger:            slog.Default(),
	}
}

// Client queries Zapper portfolio totals.
type Client struct {
	config  Config
	http    *httpclient.Client
	headers map[string]string
	logger  *slog.Logger
}

// NewClient creates a Zapper client.
func NewClient(config Config) (*Client, error) {
	if config.APIKey == "" {
		return nil, errors.New("APIKey is required")
	}

	defaults := ConfigDefaults()
	if config.BaseURL == "" {
		config.BaseURL = defaults.BaseURL
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	if config.Network == "" {
		config.Network = defaults.Network
	}
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.MaxPolls <= 0 {
		config.MaxPolls = defaults.MaxPolls
	}
	if config.MaxRestarts < 0 {
		config.MaxRestarts = 0
	}
	if config.RequestsPerSecond <= 0 {
		config.RequestsPerSecond = defaults.RequestsPerSecond
	}
	if config.Retry == (retry.Config{}) {
		config.Retry = defaults.Retry
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}

	logger := config.Logger.With("component", "zapper-client")
	return &Client{
		config: config,
		http: httpclient.NewClient(httpclient.Config{
			Retry:     config.Retry,
			RateLimit: rate.Limit(config.RequestsPerSecond),
			RateBurst: 1,
		}, logger, nil),
		headers: map[string]string{
			"Authorization": "Basic " + base64.StdEncoding.EncodeToString([]byte(config.APIKey)),
			"Cache-Control": "no-cache",
		},
		logger: logger,
	}, nil
}

type jobResponse struct {
	JobID string `json:"jobId"`
}

type jobStatusResponse struct {
	Status string `json:"status"`
}

type appBalance struct {
	Network    string  `json:"network"`
	BalanceUSD float64 `json:"balanceUSD"`
}

// TotalUSD refreshes and sums the app balances of address on the configured
// network.
func (c *Client) TotalUSD(ctx context.Context, address common.Address) (decimal.Decimal, error) {
	for restart := 0; ; restart++ {
		jobID, err := c.submitJob(ctx, address)
		if err != nil {
			return decimal.Zero, err
		}

		status, err := c.awaitJob(ctx, jobID)
		if err != nil {
			return decimal.Zero, err
		}
		if status == jobCompleted {
			break
		}
		if restart >= c.config.MaxRestarts {
			return decimal.Zero, fmt.Errorf("%w: job %s status %s after %d restarts", ErrJobNotCompleted, jobID, status, restart)
		}
		c.logger.Warn("zapper job status unknown, resubmitting", "jobId", jobID, "address", address.Hex())
	}

	var balances []appBalance
	if err := c.http.Get(ctx, c.config.BaseURL+"/v2/balances/apps", c.balanceQuery(address), c.headers, &balances); err != nil {
		return decimal.Zero, fmt.Errorf("fetching balances of %s: %w", address.Hex(), err)
	}

	total := decimal.Zero
	for _, b := range balances {
		if b.Network == c.config.Network {
			total = total.Add(fixedpoint.FromFloat(b.BalanceUSD))
		}
	}

	c.logger.Debug("zapper total fetched", "address", address.Hex(), "totalUSD", total)
	return total, nil
}

func (c *Client) submitJob(ctx context.Context, address common.Address) (string, error) {
	var job jobResponse
	req := httpclient.Request{
		Method:  http.MethodPost,
		URL:     c.config.BaseURL + "/v2/balances/apps",
		Query:   c.balanceQuery(address),
		Headers: c.headers,
	}
	if err := c.http.Do(ctx, req, &job); err != nil {
		return "", fmt.Errorf("submitting balance job for %s: %w", address.Hex(), err)
	}
	if job.JobID == "" {
		return "", errors.New("balance job response has no jobId")
	}
	return job.JobID, nil
}

// awaitJob polls until the job is completed or unknown.
func (c *Client) awaitJob(ctx context.Context, jobID string) (string, error) {
	query := url.Values{"jobId": {jobID}}

	for poll := 0; poll < c.config.MaxPolls; poll++ {
		var status jobStatusResponse
		if err := c.http.Get(ctx, c.config.BaseURL+"/v2/balances/job-status", query, c.headers, &status); err != nil {
			return "", fmt.Errorf("polling job %s: %w", jobID, err)
		}

		switch status.Status {
		case jobCompleted, jobUnknown:
			return status.Status, nil
		}

		c.logger.Debug("zapper job pending", "jobId", jobID, "status", status.Status)

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(c.config.PollInterval):
		}
	}
	return "", fmt.Errorf("%w: job %s after %d polls", ErrJobNotCompleted, jobID, c.config.MaxPolls)
}

func (c *Client) balanceQuery(address common.Address) url.Values {
	return url.Values{
		"addresses[]": {strings.ToLower(address.Hex())},
		"network[]":   {c.config.Network},
	}
}

// Package httpclient provides a rate-limited JSON HTTP client with retry
// logic, shared by the price and portfolio adapters.
package httpclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/archon-research/stl/baddebt/internal/pkg/retry"
)

// Config holds the configuration for the HTTP client.
type Config struct {
	Timeout   time.Duration
	Retry     retry.Config
	RateLimit rate.Limit
	RateBurst int
	UserAgent string
}

// DefaultConfig returns sensible defaults for the HTTP client.
func DefaultConfig() Config {
	return Config{
		Timeout: 30 * time.Second,
		Retry: retry.Config{
			MaxRetries:     5,
			InitialBackoff: 1 * time.Second,
			MaxBackoff:     30 * time.Second,
			BackoffFactor:  2.0,
			Jitter:         true,
		},
		RateLimit: rate.Limit(5),
		RateBurst: 1,
		UserAgent: "baddebt-monitor",
	}
}

// Request describes a single JSON call.
type Request struct {
	Method  string
	URL     string
	Query   url.Values
	Headers map[string]string
}

// ErrorParser inspects a response and returns an API error, or nil.
type ErrorParser func(statusCode int, body []byte) error

// Client wraps an HTTP client with retry logic and rate limiting.
type Client struct {
	httpClient  *http.Client
	limiter     *rate.Limiter
	retryConfig retry.Config
	userAgent   string
	logger      *slog.Logger
	errorParser ErrorParser
}

// NewClient creates a new HTTP client. Zero fields of cfg take their defaults.
func NewClient(cfg Config, logger *slog.Logger, errorParser ErrorParser) *Client {
	defaults := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}
	if cfg.Retry == (retry.Config{}) {
		cfg.Retry = defaults.Retry
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = defaults.RateLimit
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = defaults.RateBurst
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaults.UserAgent
	}
	if logger == nil {
		logger = slog.Default()
	}
	if errorParser == nil {
		errorParser = func(_ int, _ []byte) error { return nil }
	}

	return &Client{
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		limiter:     rate.NewLimiter(cfg.RateLimit, cfg.RateBurst),
		retryConfig: cfg.Retry,
		userAgent:   cfg.UserAgent,
		logger:      logger,
		errorParser: errorParser,
	}
}

// Get performs a GET request and decodes the JSON body into result.
func (c *Client) Get(ctx context.Context, rawURL string, query url.Values, headers map[string]string, result any) error {
	return c.Do(ctx, Request{Method: http.MethodGet, URL: rawURL, Query: query, Headers: headers}, result)
}

// Do performs the request with retry and rate limiting. 429 and 5xx
// responses and transport errors are retried; other 4xx responses and
// undecodable bodies are not.
func (c *Client) Do(ctx context.Context, req Request, result any) error {
	isRetryable := func(err error) bool {
		var nonRetryable *NonRetryableError
		return !errors.As(err, &nonRetryable)
	}

	onRetry := func(attempt int, err error, backoff time.Duration) {
		c.logger.Warn("request failed, retrying",
			"url", req.URL,
			"attempt", attempt,
			"maxRetries", c.retryConfig.MaxRetries,
			"backoff", backoff,
			"error", err,
		)
	}

	return retry.DoVoid(ctx, c.retryConfig, isRetryable, onRetry, func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return WrapNonRetryable(fmt.Errorf("rate limiter: %w", err))
		}
		return c.doOnce(ctx, req, result)
	})
}

func (c *Client) doOnce(ctx context.Context, r Request, result any) error {
	method := r.Method
	if method == "" {
		method = http.MethodGet
	}

	target := r.URL
	if len(r.Query) > 0 {
		target += "?" + r.Query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return WrapNonRetryable(fmt.Errorf("creating request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	for key, value := range r.Headers {
		req.Header.Set(key, value)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Warn("failed to close response body", "error", closeErr)
		}
	}()

	if resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("rate limited (HTTP 429)")
	}
	if resp.StatusCode >= 500 {
		return fmt.Errorf("server error (HTTP %d)", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		if apiErr := c.errorParser(resp.StatusCode, body); apiErr != nil {
			return WrapNonRetryable(apiErr)
		}
		return WrapNonRetryable(fmt.Errorf("client error (HTTP %d): %s", resp.StatusCode, string(body)))
	}

	if apiErr := c.errorParser(resp.StatusCode, body); apiErr != nil {
		return apiErr
	}

	if result == nil {
		return nil
	}
	if err := json.Unmarshal(body, result); err != nil {
		return WrapNonRetryable(fmt.Errorf("parsing response: %w", err))
	}
	return nil
}

// NonRetryableError wraps errors that should not be retried.
type NonRetryableError struct {
	err error
}

func (e *NonRetryableError) Error() string {
	return e.err.Error()
}

func (e *NonRetryableError) Unwrap() error {
	return e.err
}

// WrapNonRetryable wraps an error to indicate it should not be retried.
func WrapNonRetryable(err error) error {
	return &NonRetryableError{err: err}
}

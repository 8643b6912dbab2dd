// Package ethereum implements LedgerClient over a go-ethereum JSON-RPC
// client. Every call is retried with backoff; reverts are returned as is.
package ethereum

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/archon-research/stl/baddebt/internal/pkg/retry"
	"github.com/archon-research/stl/baddebt/internal/ports/outbound"
)

// Compile-time check that Client implements outbound.LedgerClient
var _ outbound.LedgerClient = (*Client)(nil)

// Backend is the subset of *ethclient.Client used by Client.
type Backend interface {
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// Config holds configuration for the ledger client.
type Config struct {
	Retry  retry.Config
	Logger *slog.Logger
}

// ConfigDefaults returns a config with default values.
func ConfigDefaults() Config {
	return Config{
		Retry:  retry.DefaultConfig(),
		Logger: slog.Default(),
	}
}

// Client implements outbound.LedgerClient.
type Client struct {
	backend Backend
	config  Config
	logger  *slog.Logger
}

// NewClient wraps backend.
func NewClient(backend Backend, config Config) (*Client, error) {
	if backend == nil {
		return nil, errors.New("backend cannot be nil")
	}
	defaults := ConfigDefaults()
	if config.Retry == (retry.Config{}) {
		config.Retry = defaults.Retry
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}
	return &Client{
		backend: backend,
		config:  config,
		logger:  config.Logger.With("component", "ledger-client"),
	}, nil
}

// Dial connects to an RPC endpoint with a pooled HTTP transport. The
// returned rpc.Client also serves JSON-RPC batches.
func Dial(ctx context.Context, url string, maxConns int) (*ethclient.Client, *rpc.Client, error) {
	if maxConns <= 0 {
		maxConns = 10
	}
	httpClient := &http.Client{
		Timeout: 120 * time.Second,
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          maxConns * 2,
			MaxIdleConnsPerHost:   maxConns,
			MaxConnsPerHost:       maxConns,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}

	rpcClient, err := rpc.DialOptions(ctx, url, rpc.WithHTTPClient(httpClient))
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to RPC: %w", err)
	}
	return ethclient.NewClient(rpcClient), rpcClient, nil
}

// CurrentBlock returns the latest block number.
func (c *Client) CurrentBlock(ctx context.Context) (uint64, error) {
	block, err := retry.Do(ctx, c.config.Retry, isRetryable, c.onRetry("eth_blockNumber"), func() (uint64, error) {
		return c.backend.BlockNumber(ctx)
	})
	if err != nil {
		return 0, fmt.Errorf("fetching current block: %w", err)
	}
	return block, nil
}

// BlockTimestamp returns the unix timestamp of block.
func (c *Client) BlockTimestamp(ctx context.Context, block uint64) (uint64, error) {
	header, err := retry.Do(ctx, c.config.Retry, isRetryable, c.onRetry("eth_getBlockByNumber"), func() (*types.Header, error) {
		return c.backend.HeaderByNumber(ctx, new(big.Int).SetUint64(block))
	})
	if err != nil {
		return 0, fmt.Errorf("fetching header %d: %w", block, err)
	}
	return header.Time, nil
}

// CallContract executes a read-only call at block (nil is latest).
func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error) {
	return retry.Do(ctx, c.config.Retry, isRetryable, c.onRetry("eth_call"), func() ([]byte, error) {
		return c.backend.CallContract(ctx, msg, block)
	})
}

// FilterLogs returns the logs matching query. Range splitting is the
// caller's concern.
func (c *Client) FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error) {
	return retry.Do(ctx, c.config.Retry, isRetryable, c.onRetry("eth_getLogs"), func() ([]types.Log, error) {
		return c.backend.FilterLogs(ctx, query)
	})
}

func (c *Client) onRetry(method string) retry.OnRetryFunc {
	return func(attempt int, err error, backoff time.Duration) {
		c.logger.Warn("rpc call failed, retrying",
			"method", method,
			"attempt", attempt,
			"backoff", backoff,
			"error", err)
	}
}

// isRetryable treats reverts and cancellation as final.
func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		return false
	}
	return !strings.Contains(err.Error(), "execution reverted")
}

// Package price_resolver resolves token unit prices through an ordered chain
// of sources: the primary price service, per-asset special resolvers, then a
// protocol-supplied fallback. Resolved prices live in a Cycle and are never
// reused across cycles.
package price_resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/archon-research/stl/baddebt/internal/domain/entity"
	"github.com/archon-research/stl/baddebt/internal/pkg/httpclient"
	"github.com/archon-research/stl/baddebt/internal/pkg/retry"
	"github.com/archon-research/stl/baddebt/internal/ports/outbound"
)

// ErrUnresolved is returned when every source failed or returned zero.
var ErrUnresolved = errors.New("price unresolved")

// FallbackFunc is the protocol's own price for an asset, usually read from
// the lending protocol's oracle.
type FallbackFunc func(ctx context.Context) (decimal.Decimal, error)

// SpecialResolver prices an asset the primary service cannot price
// generically. It may resolve other assets through the cycle.
type SpecialResolver interface {
	Kind() string
	Resolve(ctx context.Context, cycle *Cycle) (decimal.Decimal, error)
}

// Asset identifies a token on a network.
type Asset struct {
	Network string
	Address common.Address
}

func (a Asset) key() string {
	return strings.ToUpper(a.Network) + ":" + a.Address.Hex()
}

// Config configures a Resolver.
type Config struct {
	// Network is used for assets requested without one.
	Network string

	// Retry is applied to every source call.
	Retry retry.Config

	// Concurrency bounds how many assets ResolveAll prices at once.
	Concurrency int

	Logger *slog.Logger
}

// ConfigDefaults returns the default resolver configuration.
func ConfigDefaults() Config {
	return Config{
		Retry:       retry.DefaultConfig(),
		Concurrency: 5,
		Logger:      slog.Default(),
	}
}

// Resolver holds the price sources shared by every cycle.
type Resolver struct {
	primary outbound.PriceSource
	special map[string]SpecialResolver
	config  Config
	logger  *slog.Logger
}

// NewResolver creates a Resolver. special is keyed by network and asset.
func NewResolver(primary outbound.PriceSource, special map[Asset]SpecialResolver, config Config) (*Resolver, error) {
	if primary == nil {
		return nil, errors.New("primary price source cannot be nil")
	}
	if config.Network == "" {
		return nil, errors.New("network is required")
	}

	defaults := ConfigDefaults()
	if config.Retry == (retry.Config{}) {
		config.Retry = defaults.Retry
	}
	if config.Concurrency <= 0 {
		config.Concurrency = defaults.Concurrency
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}

	byKey := make(map[string]SpecialResolver, len(special))
	for asset, s := range special {
		if s == nil {
			return nil, fmt.Errorf("special resolver for %s cannot be nil", asset.Address.Hex())
		}
		if asset.Network == "" {
			asset.Network = config.Network
		}
		byKey[asset.key()] = s
	}

	return &Resolver{
		primary: primary,
		special: byKey,
		config:  config,
		logger:  config.Logger.With("component", "price-resolver", "network", config.Network),
	}, nil
}

// Network returns the resolver's default network.
func (r *Resolver) Network() string {
	return r.config.Network
}

// NewCycle starts a price cycle reading on-chain sources at block (nil for
// the latest block).
func (r *Resolver) NewCycle(block *big.Int) *Cycle {
	return &Cycle{
		resolver: r,
		block:    block,
		cache:    make(map[string]decimal.Decimal),
	}
}

// Cycle caches prices resolved during one polling cycle.
type Cycle struct {
	resolver *Resolver
	block    *big.Int

	mu    sync.Mutex
	cache map[string]decimal.Decimal
}

// Block returns the block on-chain sources are read at.
func (c *Cycle) Block() *big.Int {
	return c.block
}

// Resolve prices asset on the resolver's network.
func (c *Cycle) Resolve(ctx context.Context, asset common.Address, fallback FallbackFunc) (decimal.Decimal, error) {
	return c.ResolveAsset(ctx, Asset{Network: c.resolver.config.Network, Address: asset}, fallback)
}

// ResolveAsset walks the source chain for asset until one yields a positive
// price. A cached price is returned without calling any source.
func (c *Cycle) ResolveAsset(ctx context.Context, asset Asset, fallback FallbackFunc) (decimal.Decimal, error) {
	if asset.Network == "" {
		asset.Network = c.resolver.config.Network
	}
	key := asset.key()

	c.mu.Lock()
	if p, ok := c.cache[key]; ok {
		c.mu.Unlock()
		return p, nil
	}
	c.mu.Unlock()

	price, err := c.resolve(ctx, asset, fallback)
	if err != nil {
		return decimal.Zero, err
	}

	c.mu.Lock()
	c.cache[key] = price
	c.mu.Unlock()
	return price, nil
}

type source struct {
	name string
	fn   func(ctx context.Context) (decimal.Decimal, error)
}

func (c *Cycle) resolve(ctx context.Context, asset Asset, fallback FallbackFunc) (decimal.Decimal, error) {
	r := c.resolver
	logger := r.logger.With("asset", asset.Address.Hex(), "assetNetwork", asset.Network)

	sources := []source{{
		name: "primary",
		fn: func(ctx context.Context) (decimal.Decimal, error) {
			return r.primary.Price(ctx, asset.Network, asset.Address)
		},
	}}
	if s, ok := r.special[asset.key()]; ok {
		sources = append(sources, source{
			name: s.Kind(),
			fn: func(ctx context.Context) (decimal.Decimal, error) {
				return s.Resolve(ctx, c)
			},
		})
	}
	if fallback != nil {
		sources = append(sources, source{name: "fallback", fn: fallback})
	}

	var errs []error
	for _, src := range sources {
		price, err := c.try(ctx, logger, src)
		if err != nil {
			if ctx.Err() != nil {
				return decimal.Zero, ctx.Err()
			}
			logger.Warn("price source failed", "source", src.name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", src.name, err))
			continue
		}
		if !price.IsPositive() {
			logger.Debug("price source returned no price", "source", src.name)
			errs = append(errs, fmt.Errorf("%s: returned %s", src.name, price))
			continue
		}
		logger.Debug("price resolved", "source", src.name, "price", price)
		return price, nil
	}

	return decimal.Zero, fmt.Errorf("%w for %s on %s: %w", ErrUnresolved, asset.Address.Hex(), asset.Network, errors.Join(errs...))
}

func (c *Cycle) try(ctx context.Context, logger *slog.Logger, src source) (decimal.Decimal, error) {
	onRetry := func(attempt int, err error, backoff time.Duration) {
		logger.Debug("price source retrying",
			"source", src.name,
			"attempt", attempt,
			"backoff", backoff,
			"error", err)
	}
	return retry.Do(ctx, c.resolver.config.Retry, isRetryable, onRetry, func() (decimal.Decimal, error) {
		return src.fn(ctx)
	})
}

// isRetryable excludes failures that a repeat cannot fix: an API that
// rejected the request, or a nested asset that already exhausted its chain.
func isRetryable(err error) bool {
	var nonRetryable *httpclient.NonRetryableError
	if errors.As(err, &nonRetryable) {
		return false
	}
	return !errors.Is(err, ErrUnresolved) && !errors.Is(err, context.Canceled)
}

// Request is one entry of a ResolveAll call. Key is the price table key the
// result is stored under, which may differ from the asset (for example a
// market priced by its underlying).
type Request struct {
	Key      string
	Asset    common.Address
	Fallback FallbackFunc
}

// ResolveAll prices every request concurrently and returns a table keyed by
// Request.Key. Any unresolved request fails the call, naming every asset
// that could not be priced.
func (c *Cycle) ResolveAll(ctx context.Context, requests []Request) (entity.PriceTable, error) {
	table := make(entity.PriceTable, len(requests))
	if len(requests) == 0 {
		return table, nil
	}

	pool := pond.NewPool(c.resolver.config.Concurrency, pond.WithContext(ctx))
	defer pool.StopAndWait()

	var (
		mu   sync.Mutex
		errs []error
	)
	group := pool.NewGroup()
	for _, req := range requests {
		group.Submit(func() {
			price, err := c.Resolve(ctx, req.Asset, req.Fallback)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", req.Key, err))
				return
			}
			if err := table.Set(req.Key, price); err != nil {
				errs = append(errs, err)
			}
		})
	}
	if err := group.Wait(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	c.resolver.logger.Info("prices resolved", "count", len(table))
	return table, nil
}

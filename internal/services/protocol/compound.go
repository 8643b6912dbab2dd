package protocol

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/archon-research/stl/baddebt/internal/domain/entity"
	"github.com/archon-research/stl/baddebt/internal/pkg/blockchain/abis"
	"github.com/archon-research/stl/baddebt/internal/pkg/blockchain/batch"
	"github.com/archon-research/stl/baddebt/internal/pkg/blockchain/events"
	"github.com/archon-research/stl/baddebt/internal/pkg/fixedpoint"
	"github.com/archon-research/stl/baddebt/internal/services/discovery"
	"github.com/archon-research/stl/baddebt/internal/services/price_resolver"
)

// ErrMarketsNotLoaded is returned when positions or discovery are requested
// before Prices has listed the markets.
var ErrMarketsNotLoaded = errors.New("markets not loaded")

var _ Protocol = (*Compound)(nil)

const (
	sigGetAllMarkets       = "getAllMarkets()"
	sigOracle              = "oracle()"
	sigUnderlying          = "underlying()"
	sigGetUnderlyingPrice  = "getUnderlyingPrice(address)"
	sigGetAssetsIn         = "getAssetsIn(address)"
	sigBalanceOfUnderlying = "balanceOfUnderlying(address)"
	sigBorrowBalance       = "borrowBalanceCurrent(address)"
	sigBalanceOf           = "balanceOf(address)"
)

// oracleDecimals is the scale of a Compound oracle price before the
// underlying's decimals are taken out: price * 10^(36 - decimals).
const oracleDecimals = 36

// CompoundConfig configures a Compound v2 style protocol instance.
type CompoundConfig struct {
	Name string

	Comptroller common.Address
	DeployBlock uint64

	// NativeMarkets hold the chain's native coin. They have no underlying()
	// and are priced and sized as WETH.
	NativeMarkets []common.Address
	WETH          common.Address

	// RektMarkets count as zero collateral.
	RektMarkets []common.Address

	// NonBorrowableMarkets count as zero debt.
	NonBorrowableMarkets []common.Address

	Logger *slog.Logger
}

func (c CompoundConfig) validate() error {
	if c.Name == "" {
		return errors.New("name is required")
	}
	if c.Comptroller == (common.Address{}) {
		return errors.New("comptroller address is required")
	}
	if len(c.NativeMarkets) > 0 && c.WETH == (common.Address{}) {
		return errors.New("native markets require a WETH address")
	}
	return nil
}

// Compound is a Compound v2 comptroller and its cToken markets.
type Compound struct {
	noAdditionalCollateral

	reader Reader
	tokens *Registry
	config CompoundConfig
	logger *slog.Logger

	native        addressSet
	rekt          addressSet
	nonBorrowable addressSet

	mu          sync.RWMutex
	markets     []common.Address
	underlyings map[common.Address]common.Address
	oracle      common.Address
}

// NewCompound creates a Compound strategy.
func NewCompound(reader Reader, tokens *Registry, config CompoundConfig) (*Compound, error) {
	if reader == nil {
		return nil, errors.New("reader cannot be nil")
	}
	if tokens == nil {
		return nil, errors.New("token registry cannot be nil")
	}
	if err := config.validate(); err != nil {
		return nil, err
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	return &Compound{
		reader:        reader,
		tokens:        tokens,
		config:        config,
		logger:        config.Logger.With("component", "compound", "protocol", config.Name),
		native:        newAddressSet(config.NativeMarkets),
		rekt:          newAddressSet(config.RektMarkets),
		nonBorrowable: newAddressSet(config.NonBorrowableMarkets),
		underlyings:   make(map[common.Address]common.Address),
	}, nil
}

func (c *Compound) Name() string { return c.config.Name }

// Prices lists the markets and prices each one by its underlying, keyed by
// market address. The oracle is the last resort for every market.
func (c *Compound) Prices(ctx context.Context, cycle *price_resolver.Cycle) (entity.PriceTable, error) {
	return c.prices(ctx, cycle, c.oracleFallback)
}

// fallbackFactory builds the last-resort price function of one market.
type fallbackFactory func(cycle *price_resolver.Cycle, market, underlying common.Address) price_resolver.FallbackFunc

func (c *Compound) prices(ctx context.Context, cycle *price_resolver.Cycle, fallback fallbackFactory) (entity.PriceTable, error) {
	start := time.Now()

	if err := c.loadMarkets(ctx, cycle.Block()); err != nil {
		return nil, err
	}

	markets, underlyings, _ := c.snapshot()
	requests := make([]price_resolver.Request, 0, len(markets))
	for _, m := range markets {
		u := underlyings[m]
		requests = append(requests, price_resolver.Request{
			Key:      m.Hex(),
			Asset:    u,
			Fallback: fallback(cycle, m, u),
		})
	}

	prices, err := cycle.ResolveAll(ctx, requests)
	if err != nil {
		return nil, fmt.Errorf("pricing %d markets: %w", len(markets), err)
	}

	c.logger.Info("markets priced", "marketCount", len(markets), "duration", time.Since(start))
	return prices, nil
}

// loadMarkets reads the market list, the oracle and each market's underlying,
// then loads token metadata for markets and underlyings.
func (c *Compound) loadMarkets(ctx context.Context, block *big.Int) error {
	out, err := c.reader.ExecuteChunked(ctx, []batch.Call{
		{Target: c.config.Comptroller, Signature: sigGetAllMarkets, Returns: []string{"address[]"}},
		{Target: c.config.Comptroller, Signature: sigOracle, Returns: []string{"address"}, AllowFailure: true},
	}, block)
	if err != nil {
		return fmt.Errorf("listing markets of %s: %w", c.config.Comptroller.Hex(), err)
	}
	markets, err := batch.Addresses(out[0], 0)
	if err != nil {
		return fmt.Errorf("decoding market list: %w", err)
	}
	var oracle common.Address
	if out[1] != nil {
		if oracle, err = batch.Address(out[1], 0); err != nil {
			return fmt.Errorf("decoding oracle: %w", err)
		}
	}

	underlyings := make(map[common.Address]common.Address, len(markets))
	var calls []batch.Call
	var pending []common.Address
	for _, m := range markets {
		if c.native.has(m) {
			underlyings[m] = c.config.WETH
			continue
		}
		calls = append(calls, batch.Call{Target: m, Signature: sigUnderlying, Returns: []string{"address"}})
		pending = append(pending, m)
	}

	if len(calls) > 0 {
		out, err := c.reader.ExecuteChunked(ctx, calls, block)
		if err != nil {
			return fmt.Errorf("reading market underlyings: %w", err)
		}
		for i, m := range pending {
			u, err := batch.Address(out[i], 0)
			if err != nil {
				return fmt.Errorf("decoding underlying of %s: %w", m.Hex(), err)
			}
			underlyings[m] = u
		}
	}

	tokens := make([]common.Address, 0, 2*len(markets))
	for _, m := range markets {
		tokens = append(tokens, m, underlyings[m])
	}
	if err := c.tokens.Load(ctx, tokens, block); err != nil {
		return err
	}

	c.mu.Lock()
	c.markets = markets
	c.underlyings = underlyings
	c.oracle = oracle
	c.mu.Unlock()

	c.logger.Debug("markets loaded", "marketCount", len(markets), "oracle", oracle.Hex())
	return nil
}

func (c *Compound) snapshot() ([]common.Address, map[common.Address]common.Address, common.Address) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.markets, c.underlyings, c.oracle
}

// oracleFallback reads getUnderlyingPrice(market) / 10^(36 - decimals).
func (c *Compound) oracleFallback(cycle *price_resolver.Cycle, market, underlying common.Address) price_resolver.FallbackFunc {
	return func(ctx context.Context) (decimal.Decimal, error) {
		return c.oraclePrice(ctx, cycle.Block(), market, underlying)
	}
}

func (c *Compound) oraclePrice(ctx context.Context, block *big.Int, market, underlying common.Address) (decimal.Decimal, error) {
	_, _, oracle := c.snapshot()
	if oracle == (common.Address{}) {
		return decimal.Zero, errors.New("comptroller has no oracle")
	}

	out, err := c.reader.Execute(ctx, []batch.Call{
		{Target: oracle, Signature: sigGetUnderlyingPrice, Args: []any{market}, Returns: []string{"uint256"}},
	}, block)
	if err != nil {
		return decimal.Zero, fmt.Errorf("oracle price of %s: %w", market.Hex(), err)
	}
	raw, err := batch.BigInt(out[0], 0)
	if err != nil {
		return decimal.Zero, err
	}
	return fixedpoint.Normalize(raw, oracleDecimals-c.tokens.Decimals(underlying)), nil
}

// DiscoverySpec returns MarketEntered on the comptroller as the entry event
// and the cToken balance events on every market as activity.
func (c *Compound) DiscoverySpec() (discovery.Spec, error) {
	markets, _, _ := c.snapshot()
	if len(markets) == 0 {
		return discovery.Spec{}, ErrMarketsNotLoaded
	}

	compoundABI := abis.GetCompoundEventsABI()
	return discovery.Spec{
		DeployBlock: c.config.DeployBlock,
		Entry: []events.Watch{{
			Contracts:   []common.Address{c.config.Comptroller},
			Event:       compoundABI.Events["MarketEntered"],
			AccountArgs: []string{"account"},
		}},
		Activity: marketActivity(markets),
	}, nil
}

func marketActivity(markets []common.Address) []events.Watch {
	compoundABI := abis.GetCompoundEventsABI()
	watch := func(name string, args ...string) events.Watch {
		return events.Watch{Contracts: markets, Event: compoundABI.Events[name], AccountArgs: args}
	}
	return []events.Watch{
		watch("Mint", "minter"),
		watch("Redeem", "redeemer"),
		watch("Borrow", "borrower"),
		watch("RepayBorrow", "borrower"),
		watch("LiquidateBorrow", "liquidator", "borrower"),
		watch("Transfer", "from", "to"),
	}
}

// membership is one (account, market) pair an account has entered.
type membership struct {
	account string
	market  common.Address
}

// FetchPositions reads each account's entered markets, then the underlying
// supplied and borrowed in each. Markets outside the listed markets are
// skipped.
func (c *Compound) FetchPositions(ctx context.Context, accounts []string, block *big.Int) (map[string]*entity.AccountPosition, error) {
	members, err := c.memberships(ctx, accounts, block)
	if err != nil {
		return nil, err
	}

	var calls []batch.Call
	type slot struct{ collateral, debt int }
	slots := make([]slot, len(members))
	for i, m := range members {
		account := common.HexToAddress(m.account)
		slots[i] = slot{-1, -1}
		if !c.rekt.has(m.market) {
			slots[i].collateral = len(calls)
			calls = append(calls, batch.Call{Target: m.market, Signature: sigBalanceOfUnderlying, Args: []any{account}, Returns: []string{"uint256"}})
		}
		if !c.nonBorrowable.has(m.market) {
			slots[i].debt = len(calls)
			calls = append(calls, batch.Call{Target: m.market, Signature: sigBorrowBalance, Args: []any{account}, Returns: []string{"uint256"}})
		}
	}

	out, err := c.reader.ExecuteChunked(ctx, calls, block)
	if err != nil {
		return nil, fmt.Errorf("reading balances of %d accounts: %w", len(accounts), err)
	}

	_, underlyings, _ := c.snapshot()
	positions := emptyPositions(accounts)
	for i, m := range members {
		decimals := c.tokens.Decimals(underlyings[m.market])
		key := m.market.Hex()
		p := positions[m.account]

		if s := slots[i].collateral; s >= 0 {
			raw, err := batch.BigInt(out[s], 0)
			if err != nil {
				return nil, fmt.Errorf("collateral of %s in %s: %w", m.account, key, err)
			}
			if err := p.SetCollateral(key, fixedpoint.Normalize(raw, decimals)); err != nil {
				return nil, err
			}
		}
		if s := slots[i].debt; s >= 0 {
			raw, err := batch.BigInt(out[s], 0)
			if err != nil {
				return nil, fmt.Errorf("debt of %s in %s: %w", m.account, key, err)
			}
			if err := p.SetDebt(key, fixedpoint.Normalize(raw, decimals)); err != nil {
				return nil, err
			}
		}
	}

	c.logger.Info("positions fetched", "accountCount", len(accounts), "marketEntries", len(members))
	return positions, nil
}

// memberships reads getAssetsIn for every account and keeps the listed markets.
func (c *Compound) memberships(ctx context.Context, accounts []string, block *big.Int) ([]membership, error) {
	markets, _, _ := c.snapshot()
	if len(markets) == 0 {
		return nil, ErrMarketsNotLoaded
	}
	listed := newAddressSet(markets)

	addresses, err := parseAccounts(accounts)
	if err != nil {
		return nil, err
	}

	calls := make([]batch.Call, len(addresses))
	for i, a := range addresses {
		calls[i] = batch.Call{Target: c.config.Comptroller, Signature: sigGetAssetsIn, Args: []any{a}, Returns: []string{"address[]"}}
	}
	out, err := c.reader.ExecuteChunked(ctx, calls, block)
	if err != nil {
		return nil, fmt.Errorf("reading entered markets of %d accounts: %w", len(accounts), err)
	}

	var members []membership
	for i, account := range accounts {
		entered, err := batch.Addresses(out[i], 0)
		if err != nil {
			return nil, fmt.Errorf("decoding entered markets of %s: %w", account, err)
		}
		for _, m := range entered {
			if !listed.has(m) {
				c.logger.Debug("skipping unlisted market", "account", account, "market", m.Hex())
				continue
			}
			members = append(members, membership{account: account, market: m})
		}
	}
	return members, nil
}

func emptyPositions(accounts []string) map[string]*entity.AccountPosition {
	positions := make(map[string]*entity.AccountPosition, len(accounts))
	for _, a := range accounts {
		positions[a] = entity.NewAccountPosition(a)
	}
	return positions
}

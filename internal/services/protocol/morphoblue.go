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

var _ Protocol = (*MorphoBlue)(nil)

const (
	sigWithdrawQueueLength = "withdrawQueueLength()"
	sigWithdrawQueue       = "withdrawQueue(uint256)"
	sigIDToMarketParams    = "idToMarketParams(bytes32)"
	sigMarket              = "market(bytes32)"
	sigPosition            = "position(bytes32,address)"
	sigOraclePrice         = "price()"

	// morphoOracleDecimals is the scale of a Morpho oracle price before the
	// token decimals are applied: price * 10^(36 + loan - collateral).
	morphoOracleDecimals = 36
)

// Morpho converts shares with a virtual offset so empty markets cannot be
// inflated: assets = shares * (totalAssets + 1) / (totalShares + 1e6).
var (
	virtualShares = big.NewInt(1_000_000)
	virtualAssets = big.NewInt(1)
)

// MorphoBlueConfig configures the Morpho Blue markets used by a set of
// MetaMorpho vaults.
type MorphoBlueConfig struct {
	Name string

	Morpho common.Address
	// Vaults are MetaMorpho vaults; every market in their withdraw queues
	// is monitored.
	Vaults []common.Address

	DeployBlock uint64

	Logger *slog.Logger
}

type morphoMarket struct {
	id              [32]byte
	loanToken       common.Address
	collateralToken common.Address
	oracle          common.Address

	totalBorrowAssets *big.Int
	totalBorrowShares *big.Int
}

// MorphoBlue is a set of isolated Morpho Blue markets. Collateral in one
// market never backs debt in another, so positions are keyed by account and
// market (see PositionKey) rather than by account alone.
type MorphoBlue struct {
	noAdditionalCollateral

	reader Reader
	tokens *Registry
	config MorphoBlueConfig
	logger *slog.Logger

	mu      sync.RWMutex
	loaded  bool
	markets []morphoMarket
}

// NewMorphoBlue creates a Morpho Blue strategy.
func NewMorphoBlue(reader Reader, tokens *Registry, config MorphoBlueConfig) (*MorphoBlue, error) {
	if reader == nil {
		return nil, errors.New("reader cannot be nil")
	}
	if tokens == nil {
		return nil, errors.New("token registry cannot be nil")
	}
	if config.Name == "" {
		return nil, errors.New("name is required")
	}
	if config.Morpho == (common.Address{}) {
		return nil, errors.New("morpho address is required")
	}
	if len(config.Vaults) == 0 {
		return nil, errors.New("at least one vault is required")
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	return &MorphoBlue{
		reader: reader,
		tokens: tokens,
		config: config,
		logger: config.Logger.With("component", "morphoblue", "protocol", config.Name),
	}, nil
}

func (m *MorphoBlue) Name() string { return m.config.Name }

// PositionKey is the book key of account's position in market id.
func PositionKey(account string, id [32]byte) string {
	return account + ":" + common.Hash(id).Hex()
}

// Prices loads the vaults' markets and prices every loan and collateral
// token, keyed by token address. A collateral token the price chain cannot
// value falls back to the market oracle times the loan token price.
func (m *MorphoBlue) Prices(ctx context.Context, cycle *price_resolver.Cycle) (entity.PriceTable, error) {
	start := time.Now()

	if err := m.loadMarkets(ctx, cycle.Block()); err != nil {
		return nil, err
	}

	markets := m.snapshot()
	var requests []price_resolver.Request
	index := make(map[common.Address]int)
	add := func(token common.Address, fallback price_resolver.FallbackFunc) {
		if i, ok := index[token]; ok {
			if requests[i].Fallback == nil {
				requests[i].Fallback = fallback
			}
			return
		}
		index[token] = len(requests)
		requests = append(requests, price_resolver.Request{Key: token.Hex(), Asset: token, Fallback: fallback})
	}
	for _, mk := range markets {
		add(mk.loanToken, nil)
		add(mk.collateralToken, m.oracleFallback(cycle, mk))
	}

	prices, err := cycle.ResolveAll(ctx, requests)
	if err != nil {
		return nil, fmt.Errorf("pricing %d tokens of %d markets: %w", len(requests), len(markets), err)
	}

	m.logger.Info("markets priced", "marketCount", len(markets), "tokenCount", len(requests), "duration", time.Since(start))
	return prices, nil
}

// loadMarkets reads every vault's withdraw queue, then the parameters and
// totals of each distinct market. Idle markets, which have no collateral
// token and cannot be borrowed from, are skipped.
func (m *MorphoBlue) loadMarkets(ctx context.Context, block *big.Int) error {
	calls := make([]batch.Call, len(m.config.Vaults))
	for i, v := range m.config.Vaults {
		calls[i] = batch.Call{Target: v, Signature: sigWithdrawQueueLength, Returns: []string{"uint256"}}
	}
	out, err := m.reader.ExecuteChunked(ctx, calls, block)
	if err != nil {
		return fmt.Errorf("reading withdraw queue lengths: %w", err)
	}

	var queue []batch.Call
	for i, v := range m.config.Vaults {
		n, err := batch.BigInt(out[i], 0)
		if err != nil {
			return fmt.Errorf("queue length of vault %s: %w", v.Hex(), err)
		}
		for slot := int64(0); slot < n.Int64(); slot++ {
			queue = append(queue, batch.Call{Target: v, Signature: sigWithdrawQueue, Args: []any{big.NewInt(slot)}, Returns: []string{"bytes32"}})
		}
	}
	out, err = m.reader.ExecuteChunked(ctx, queue, block)
	if err != nil {
		return fmt.Errorf("reading withdraw queues: %w", err)
	}

	var ids [][32]byte
	seen := make(map[[32]byte]struct{})
	for i := range queue {
		id, err := batch.Bytes32(out[i], 0)
		if err != nil {
			return fmt.Errorf("decoding queued market: %w", err)
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}

	calls = make([]batch.Call, 0, 2*len(ids))
	for _, id := range ids {
		calls = append(calls,
			batch.Call{Target: m.config.Morpho, Signature: sigIDToMarketParams, Args: []any{id}, Returns: []string{"address", "address", "address", "address", "uint256"}},
			batch.Call{Target: m.config.Morpho, Signature: sigMarket, Args: []any{id}, Returns: []string{"uint128", "uint128", "uint128", "uint128", "uint128", "uint128"}},
		)
	}
	out, err = m.reader.ExecuteChunked(ctx, calls, block)
	if err != nil {
		return fmt.Errorf("reading %d markets: %w", len(ids), err)
	}

	markets := make([]morphoMarket, 0, len(ids))
	tokens := make([]common.Address, 0, 2*len(ids))
	for i, id := range ids {
		mk, err := decodeMarket(id, out[2*i], out[2*i+1])
		if err != nil {
			return fmt.Errorf("market %s: %w", common.Hash(id).Hex(), err)
		}
		if mk.collateralToken == (common.Address{}) {
			m.logger.Debug("skipping idle market", "market", common.Hash(id).Hex())
			continue
		}
		markets = append(markets, mk)
		tokens = append(tokens, mk.loanToken, mk.collateralToken)
	}
	if err := m.tokens.Load(ctx, tokens, block); err != nil {
		return err
	}

	m.mu.Lock()
	m.markets = markets
	m.loaded = true
	m.mu.Unlock()

	m.logger.Debug("markets loaded", "vaultCount", len(m.config.Vaults), "marketCount", len(markets))
	return nil
}

func decodeMarket(id [32]byte, params, totals []any) (morphoMarket, error) {
	mk := morphoMarket{id: id}
	var err error
	if mk.loanToken, err = batch.Address(params, 0); err != nil {
		return mk, err
	}
	if mk.collateralToken, err = batch.Address(params, 1); err != nil {
		return mk, err
	}
	if mk.oracle, err = batch.Address(params, 2); err != nil {
		return mk, err
	}
	if mk.totalBorrowAssets, err = batch.BigInt(totals, 2); err != nil {
		return mk, err
	}
	if mk.totalBorrowShares, err = batch.BigInt(totals, 3); err != nil {
		return mk, err
	}
	return mk, nil
}

func (m *MorphoBlue) snapshot() []morphoMarket {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.markets
}

func (m *MorphoBlue) isLoaded() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loaded
}

// oracleFallback prices the collateral token as the market oracle price in
// loan tokens times the loan token price.
func (m *MorphoBlue) oracleFallback(cycle *price_resolver.Cycle, mk morphoMarket) price_resolver.FallbackFunc {
	return func(ctx context.Context) (decimal.Decimal, error) {
		if mk.oracle == (common.Address{}) {
			return decimal.Zero, errors.New("market has no oracle")
		}
		out, err := m.reader.Execute(ctx, []batch.Call{
			{Target: mk.oracle, Signature: sigOraclePrice, Returns: []string{"uint256"}},
		}, cycle.Block())
		if err != nil {
			return decimal.Zero, fmt.Errorf("oracle price of %s: %w", mk.collateralToken.Hex(), err)
		}
		raw, err := batch.BigInt(out[0], 0)
		if err != nil {
			return decimal.Zero, err
		}
		loanPrice, err := cycle.Resolve(ctx, mk.loanToken, nil)
		if err != nil {
			return decimal.Zero, fmt.Errorf("pricing loan token %s: %w", mk.loanToken.Hex(), err)
		}
		scale := morphoOracleDecimals + m.tokens.Decimals(mk.loanToken) - m.tokens.Decimals(mk.collateralToken)
		return fixedpoint.Normalize(raw, scale).Mul(loanPrice), nil
	}
}

// DiscoverySpec returns Borrow on the Morpho contract as the entry event:
// only borrowers can hold bad debt. Activity covers every event that moves
// a borrower's collateral or debt.
func (m *MorphoBlue) DiscoverySpec() (discovery.Spec, error) {
	if !m.isLoaded() {
		return discovery.Spec{}, ErrMarketsNotLoaded
	}

	morphoABI := abis.GetMorphoBlueEventsABI()
	watch := func(name string, args ...string) events.Watch {
		return events.Watch{Contracts: []common.Address{m.config.Morpho}, Event: morphoABI.Events[name], AccountArgs: args}
	}
	return discovery.Spec{
		DeployBlock: m.config.DeployBlock,
		Entry:       []events.Watch{watch("Borrow", "onBehalf")},
		Activity: []events.Watch{
			watch("SupplyCollateral", "onBehalf"),
			watch("WithdrawCollateral", "onBehalf"),
			watch("Borrow", "onBehalf"),
			watch("Repay", "onBehalf"),
			watch("Liquidate", "borrower"),
		},
	}, nil
}

// FetchPositions reads position(id, account) for every account in every
// market. The result holds one entry per account and market, keyed by
// PositionKey and empty when the account has nothing there, so a refresh
// replaces every market position of the refreshed accounts. Debt shares are
// converted to assets rounding up, as the protocol does for borrowers.
func (m *MorphoBlue) FetchPositions(ctx context.Context, accounts []string, block *big.Int) (map[string]*entity.AccountPosition, error) {
	if !m.isLoaded() {
		return nil, ErrMarketsNotLoaded
	}
	markets := m.snapshot()
	addresses, err := parseAccounts(accounts)
	if err != nil {
		return nil, err
	}

	calls := make([]batch.Call, 0, len(addresses)*len(markets))
	for _, a := range addresses {
		for _, mk := range markets {
			calls = append(calls, batch.Call{
				Target:    m.config.Morpho,
				Signature: sigPosition,
				Args:      []any{mk.id, a},
				Returns:   []string{"uint256", "uint128", "uint128"},
			})
		}
	}
	out, err := m.reader.ExecuteChunked(ctx, calls, block)
	if err != nil {
		return nil, fmt.Errorf("reading positions of %d accounts in %d markets: %w", len(accounts), len(markets), err)
	}

	positions := make(map[string]*entity.AccountPosition, len(calls))
	for i, account := range accounts {
		for j, mk := range markets {
			values := out[i*len(markets)+j]
			key := PositionKey(account, mk.id)

			borrowShares, err := batch.BigInt(values, 1)
			if err != nil {
				return nil, fmt.Errorf("borrow shares of %s: %w", key, err)
			}
			collateral, err := batch.BigInt(values, 2)
			if err != nil {
				return nil, fmt.Errorf("collateral of %s: %w", key, err)
			}

			p := entity.NewAccountPosition(key)
			debt := toAssetsUp(borrowShares, mk.totalBorrowAssets, mk.totalBorrowShares)
			if err := p.SetDebt(mk.loanToken.Hex(), fixedpoint.Normalize(debt, m.tokens.Decimals(mk.loanToken))); err != nil {
				return nil, err
			}
			if err := p.SetCollateral(mk.collateralToken.Hex(), fixedpoint.Normalize(collateral, m.tokens.Decimals(mk.collateralToken))); err != nil {
				return nil, err
			}
			positions[key] = p
		}
	}

	m.logger.Info("positions fetched", "accountCount", len(accounts), "marketCount", len(markets))
	return positions, nil
}

// toAssetsUp converts borrow shares to assets, rounding up.
func toAssetsUp(shares, totalAssets, totalShares *big.Int) *big.Int {
	if shares == nil || shares.Sign() == 0 {
		return new(big.Int)
	}
	num := new(big.Int).Mul(shares, new(big.Int).Add(totalAssets, virtualAssets))
	den := new(big.Int).Add(totalShares, virtualShares)
	num.Add(num, den)
	num.Sub(num, big.NewInt(1))
	return num.Div(num, den)
}

package protocol

import (
	"context"
	"errors"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/archon-research/stl/baddebt/internal/domain/entity"
	"github.com/archon-research/stl/baddebt/internal/pkg/blockchain/abis"
	"github.com/archon-research/stl/baddebt/internal/pkg/fixedpoint"
	"github.com/archon-research/stl/baddebt/internal/services/discovery"
	"github.com/archon-research/stl/baddebt/internal/services/price_resolver"
)

var _ Protocol = (*Aave3)(nil)

const (
	sigGetPool = "getPool()"

	// baseCurrencyDecimals is the scale of the USD amounts in user account data.
	baseCurrencyDecimals = 8
)

// Aave3Config configures an Aave v3 pool.
type Aave3Config struct {
	Name string

	// AddressesProvider resolves the pool when Pool is not set.
	AddressesProvider common.Address
	Pool              common.Address

	DeployBlock uint64

	Logger *slog.Logger
}

// Aave3 is an Aave v3 pool. The pool reports each account's collateral and
// debt already in USD, so every balance is held under entity.USD.
type Aave3 struct {
	noAdditionalCollateral
	*aavePool

	config Aave3Config
}

// NewAave3 creates an Aave v3 strategy.
func NewAave3(reader Reader, config Aave3Config) (*Aave3, error) {
	if reader == nil {
		return nil, errors.New("reader cannot be nil")
	}
	if config.Name == "" {
		return nil, errors.New("name is required")
	}
	if config.Pool == (common.Address{}) && config.AddressesProvider == (common.Address{}) {
		return nil, errors.New("pool or addresses provider is required")
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	return &Aave3{
		aavePool: &aavePool{
			reader:   reader,
			provider: config.AddressesProvider,
			getPool:  sigGetPool,
			logger:   config.Logger.With("component", "aave3", "protocol", config.Name),
			pool:     config.Pool,
		},
		config: config,
	}, nil
}

func (a *Aave3) Name() string { return a.config.Name }

// Prices resolves the pool and returns the single USD unit price.
func (a *Aave3) Prices(ctx context.Context, cycle *price_resolver.Cycle) (entity.PriceTable, error) {
	if _, err := a.resolvePool(ctx, cycle.Block()); err != nil {
		return nil, err
	}
	prices := entity.PriceTable{}
	if err := prices.Set(entity.USD, decimal.NewFromInt(1)); err != nil {
		return nil, err
	}
	return prices, nil
}

// DiscoverySpec returns Supply as the entry event and every balance changing
// pool event as activity.
func (a *Aave3) DiscoverySpec() (discovery.Spec, error) {
	return a.discoverySpec(abis.GetAave3PoolEventsABI(), a.config.DeployBlock, "Supply")
}

// FetchPositions reads getUserAccountData for every account. Total
// collateral and total debt are USD with 8 decimals.
func (a *Aave3) FetchPositions(ctx context.Context, accounts []string, block *big.Int) (map[string]*entity.AccountPosition, error) {
	collateral, debt, err := a.accountTotals(ctx, accounts, block)
	if err != nil {
		return nil, err
	}

	positions := emptyPositions(accounts)
	for i, account := range accounts {
		p := positions[account]
		if err := p.SetCollateral(entity.USD, fixedpoint.Normalize(collateral[i], baseCurrencyDecimals)); err != nil {
			return nil, err
		}
		if err := p.SetDebt(entity.USD, fixedpoint.Normalize(debt[i], baseCurrencyDecimals)); err != nil {
			return nil, err
		}
	}

	a.logger.Info("positions fetched", "accountCount", len(accounts))
	return positions, nil
}

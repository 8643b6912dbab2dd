package protocol

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/archon-research/stl/baddebt/internal/domain/entity"
	"github.com/archon-research/stl/baddebt/internal/pkg/blockchain/abis"
	"github.com/archon-research/stl/baddebt/internal/pkg/fixedpoint"
	"github.com/archon-research/stl/baddebt/internal/services/discovery"
	"github.com/archon-research/stl/baddebt/internal/services/price_resolver"
)

var _ Protocol = (*Aave2)(nil)

const (
	sigGetLendingPool = "getLendingPool()"

	// nativeDecimals is the scale of the native-coin amounts in v2 user
	// account data.
	nativeDecimals = 18
)

// Aave2Config configures an Aave v2 lending pool.
type Aave2Config struct {
	Name string

	// AddressesProvider resolves the lending pool when LendingPool is not set.
	AddressesProvider common.Address
	LendingPool       common.Address

	// NativeAsset is the wrapped native coin. Account totals are denominated
	// in the native coin and are held and priced under this asset.
	NativeAsset common.Address

	DeployBlock uint64

	Logger *slog.Logger
}

// Aave2 is an Aave v2 lending pool.
type Aave2 struct {
	noAdditionalCollateral
	*aavePool

	config Aave2Config
	key    string
}

// NewAave2 creates an Aave v2 strategy.
func NewAave2(reader Reader, config Aave2Config) (*Aave2, error) {
	if reader == nil {
		return nil, errors.New("reader cannot be nil")
	}
	if config.Name == "" {
		return nil, errors.New("name is required")
	}
	if config.LendingPool == (common.Address{}) && config.AddressesProvider == (common.Address{}) {
		return nil, errors.New("lending pool or addresses provider is required")
	}
	if config.NativeAsset == (common.Address{}) {
		return nil, errors.New("native asset is required")
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	return &Aave2{
		aavePool: &aavePool{
			reader:   reader,
			provider: config.AddressesProvider,
			getPool:  sigGetLendingPool,
			logger:   config.Logger.With("component", "aave2", "protocol", config.Name),
			pool:     config.LendingPool,
		},
		config: config,
		key:    config.NativeAsset.Hex(),
	}, nil
}

func (a *Aave2) Name() string { return a.config.Name }

// Prices resolves the lending pool and prices the native asset, the only
// key v2 positions hold.
func (a *Aave2) Prices(ctx context.Context, cycle *price_resolver.Cycle) (entity.PriceTable, error) {
	if _, err := a.resolvePool(ctx, cycle.Block()); err != nil {
		return nil, err
	}
	prices, err := cycle.ResolveAll(ctx, []price_resolver.Request{{Key: a.key, Asset: a.config.NativeAsset}})
	if err != nil {
		return nil, fmt.Errorf("pricing native asset: %w", err)
	}
	return prices, nil
}

// DiscoverySpec returns Deposit as the entry event and every balance
// changing lending pool event as activity.
func (a *Aave2) DiscoverySpec() (discovery.Spec, error) {
	return a.discoverySpec(abis.GetAave2LendingPoolEventsABI(), a.config.DeployBlock, "Deposit")
}

// FetchPositions reads getUserAccountData for every account. Total
// collateral and total debt are native-coin amounts with 18 decimals.
func (a *Aave2) FetchPositions(ctx context.Context, accounts []string, block *big.Int) (map[string]*entity.AccountPosition, error) {
	collateral, debt, err := a.accountTotals(ctx, accounts, block)
	if err != nil {
		return nil, err
	}

	positions := emptyPositions(accounts)
	for i, account := range accounts {
		p := positions[account]
		if err := p.SetCollateral(a.key, fixedpoint.Normalize(collateral[i], nativeDecimals)); err != nil {
			return nil, err
		}
		if err := p.SetDebt(a.key, fixedpoint.Normalize(debt[i], nativeDecimals)); err != nil {
			return nil, err
		}
	}

	a.logger.Info("positions fetched", "accountCount", len(accounts))
	return positions, nil
}

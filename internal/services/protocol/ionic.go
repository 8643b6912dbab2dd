package protocol

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/archon-research/stl/baddebt/internal/domain/entity"
	"github.com/archon-research/stl/baddebt/internal/pkg/blockchain/batch"
	"github.com/archon-research/stl/baddebt/internal/pkg/fixedpoint"
	"github.com/archon-research/stl/baddebt/internal/services/price_resolver"
)

var _ Protocol = (*Ionic)(nil)

const (
	sigGetAccountSnapshot = "getAccountSnapshot(address)"

	// exchangeRateDecimals is the mantissa scale of an Ionic exchange rate.
	exchangeRateDecimals = 18
)

// Ionic is a Compound fork whose oracle quotes prices in WETH and whose
// balances are read from one account snapshot per market.
type Ionic struct {
	*Compound
}

// NewIonic creates an Ionic strategy. WETH is required: oracle prices are
// converted to USD through it.
func NewIonic(reader Reader, tokens *Registry, config CompoundConfig) (*Ionic, error) {
	if config.WETH == (common.Address{}) {
		return nil, errors.New("ionic requires a WETH address")
	}
	compound, err := NewCompound(reader, tokens, config)
	if err != nil {
		return nil, err
	}
	compound.logger = compound.config.Logger.With("component", "ionic", "protocol", config.Name)
	return &Ionic{Compound: compound}, nil
}

// Prices prices markets by underlying, falling back to the oracle price in
// WETH multiplied by the WETH price.
func (i *Ionic) Prices(ctx context.Context, cycle *price_resolver.Cycle) (entity.PriceTable, error) {
	return i.prices(ctx, cycle, i.ethOracleFallback)
}

func (i *Ionic) ethOracleFallback(cycle *price_resolver.Cycle, market, underlying common.Address) price_resolver.FallbackFunc {
	return func(ctx context.Context) (decimal.Decimal, error) {
		inEth, err := i.oraclePrice(ctx, cycle.Block(), market, underlying)
		if err != nil {
			return decimal.Zero, err
		}
		wethPrice, err := cycle.Resolve(ctx, i.config.WETH, nil)
		if err != nil {
			return decimal.Zero, fmt.Errorf("pricing WETH: %w", err)
		}
		return inEth.Mul(wethPrice), nil
	}
}

// FetchPositions reads getAccountSnapshot for every entered market:
// (error, cTokenBalance, borrowBalance, exchangeRateMantissa). Collateral is
// the cToken balance times the exchange rate.
func (i *Ionic) FetchPositions(ctx context.Context, accounts []string, block *big.Int) (map[string]*entity.AccountPosition, error) {
	members, err := i.memberships(ctx, accounts, block)
	if err != nil {
		return nil, err
	}

	calls := make([]batch.Call, len(members))
	for n, m := range members {
		calls[n] = batch.Call{
			Target:    m.market,
			Signature: sigGetAccountSnapshot,
			Args:      []any{common.HexToAddress(m.account)},
			Returns:   []string{"uint256", "uint256", "uint256", "uint256"},
		}
	}
	out, err := i.reader.ExecuteChunked(ctx, calls, block)
	if err != nil {
		return nil, fmt.Errorf("reading snapshots of %d accounts: %w", len(accounts), err)
	}

	_, underlyings, _ := i.snapshot()
	positions := emptyPositions(accounts)
	for n, m := range members {
		key := m.market.Hex()
		values := make([]*big.Int, 3)
		for slot := range values {
			if values[slot], err = batch.BigInt(out[n], slot+1); err != nil {
				return nil, fmt.Errorf("snapshot of %s in %s: %w", m.account, key, err)
			}
		}

		p := positions[m.account]
		if !i.rekt.has(m.market) {
			shares := fixedpoint.Normalize(values[0], i.tokens.Decimals(m.market))
			rate := fixedpoint.Normalize(values[2], exchangeRateDecimals)
			if err := p.SetCollateral(key, shares.Mul(rate)); err != nil {
				return nil, err
			}
		}
		if !i.nonBorrowable.has(m.market) {
			debt := fixedpoint.Normalize(values[1], i.tokens.Decimals(underlyings[m.market]))
			if err := p.SetDebt(key, debt); err != nil {
				return nil, err
			}
		}
	}

	i.logger.Info("positions fetched", "accountCount", len(accounts), "marketEntries", len(members))
	return positions, nil
}

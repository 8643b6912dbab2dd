package protocol

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/archon-research/stl/baddebt/internal/domain/entity"
	"github.com/archon-research/stl/baddebt/internal/pkg/blockchain/abis"
	"github.com/archon-research/stl/baddebt/internal/pkg/blockchain/batch"
	"github.com/archon-research/stl/baddebt/internal/pkg/blockchain/events"
	"github.com/archon-research/stl/baddebt/internal/pkg/fixedpoint"
	"github.com/archon-research/stl/baddebt/internal/services/discovery"
	"github.com/archon-research/stl/baddebt/internal/services/price_resolver"
)

var _ Protocol = (*Venus)(nil)

// VAIAddress is the VAI stablecoin minted by the Venus core pool comptroller.
var VAIAddress = common.HexToAddress("0x4BD17003473389A42DAF6a0a729f6Fdb328BbBd7")

const (
	sigMintedVAIs = "mintedVAIs(address)"
	vaiDecimals   = 18
	vaiBatchSize  = 1000
)

// VenusConfig configures a Venus pool.
type VenusConfig struct {
	CompoundConfig

	// CutoverBlock is the first block where the comptroller emits
	// MarketEntered with both arguments indexed. Zero means every block uses
	// the indexed shape.
	CutoverBlock uint64

	// VAI, when set, adds each account's minted VAI to its debt.
	VAI common.Address
}

// Venus is a Compound fork whose comptroller changed its MarketEntered
// encoding at a diamond proxy upgrade and can mint VAI against collateral.
type Venus struct {
	*Compound

	cutover uint64
	vai     common.Address
}

// NewVenus creates a Venus strategy.
func NewVenus(reader Reader, tokens *Registry, config VenusConfig) (*Venus, error) {
	if config.CutoverBlock > 0 && config.CutoverBlock <= config.DeployBlock {
		return nil, fmt.Errorf("cutover block %d must be after deploy block %d", config.CutoverBlock, config.DeployBlock)
	}

	compound, err := NewCompound(reader, tokens, config.CompoundConfig)
	if err != nil {
		return nil, err
	}
	compound.logger = compound.config.Logger.With("component", "venus", "protocol", config.Name)

	return &Venus{
		Compound: compound,
		cutover:  config.CutoverBlock,
		vai:      config.VAI,
	}, nil
}

// Prices adds the VAI price to the market prices when VAI debt is tracked.
func (v *Venus) Prices(ctx context.Context, cycle *price_resolver.Cycle) (entity.PriceTable, error) {
	prices, err := v.Compound.Prices(ctx, cycle)
	if err != nil {
		return nil, err
	}
	if v.vai == (common.Address{}) {
		return prices, nil
	}

	price, err := cycle.Resolve(ctx, v.vai, nil)
	if err != nil {
		return nil, fmt.Errorf("pricing VAI: %w", err)
	}
	if err := prices.Set(v.vai.Hex(), price); err != nil {
		return nil, err
	}
	return prices, nil
}

// DiscoverySpec scans the legacy non-indexed MarketEntered before the
// cutover block and the indexed one from it on.
func (v *Venus) DiscoverySpec() (discovery.Spec, error) {
	spec, err := v.Compound.DiscoverySpec()
	if err != nil {
		return discovery.Spec{}, err
	}

	indexed := []events.Watch{{
		Contracts:   []common.Address{v.config.Comptroller},
		Event:       abis.GetVenusDiamondEventsABI().Events["MarketEntered"],
		AccountArgs: []string{"account"},
	}}
	if v.cutover == 0 {
		spec.Entry = indexed
		return spec, nil
	}

	spec.LegacyEntry = spec.Entry
	spec.Entry = indexed
	spec.CutoverBlock = v.cutover
	return spec, nil
}

// FetchPositions reads market balances, then adds minted VAI as debt.
func (v *Venus) FetchPositions(ctx context.Context, accounts []string, block *big.Int) (map[string]*entity.AccountPosition, error) {
	positions, err := v.Compound.FetchPositions(ctx, accounts, block)
	if err != nil {
		return nil, err
	}
	if v.vai == (common.Address{}) {
		return positions, nil
	}
	if err := v.addMintedVAI(ctx, accounts, positions, block); err != nil {
		return nil, err
	}
	return positions, nil
}

func (v *Venus) addMintedVAI(ctx context.Context, accounts []string, positions map[string]*entity.AccountPosition, block *big.Int) error {
	addresses, err := parseAccounts(accounts)
	if err != nil {
		return err
	}
	key := v.vai.Hex()

	for start := 0; start < len(addresses); start += vaiBatchSize {
		end := min(start+vaiBatchSize, len(addresses))

		calls := make([]batch.Call, 0, end-start)
		for _, a := range addresses[start:end] {
			calls = append(calls, batch.Call{Target: v.config.Comptroller, Signature: sigMintedVAIs, Args: []any{a}, Returns: []string{"uint256"}})
		}
		out, err := v.reader.ExecuteChunked(ctx, calls, block)
		if err != nil {
			return fmt.Errorf("reading minted VAI [%d, %d): %w", start, end, err)
		}

		for i, account := range accounts[start:end] {
			raw, err := batch.BigInt(out[i], 0)
			if err != nil {
				return fmt.Errorf("minted VAI of %s: %w", account, err)
			}
			minted := fixedpoint.Normalize(raw, vaiDecimals)
			if !minted.IsPositive() {
				continue
			}
			p, ok := positions[account]
			if !ok {
				return fmt.Errorf("position missing for %s", account)
			}
			if err := p.AddDebt(key, minted); err != nil {
				return err
			}
		}

		v.logger.Debug("minted VAI fetched", "from", start, "to", end, "accountCount", len(addresses))
	}
	return nil
}

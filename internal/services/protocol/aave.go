package protocol

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/archon-research/stl/baddebt/internal/pkg/blockchain/batch"
	"github.com/archon-research/stl/baddebt/internal/pkg/blockchain/events"
	"github.com/archon-research/stl/baddebt/internal/services/discovery"
)

const sigGetUserAccountData = "getUserAccountData(address)"

// aavePool is the part Aave v2 and v3 share: a lending pool resolved once
// from an addresses provider, reporting account totals in one call.
type aavePool struct {
	reader   Reader
	provider common.Address
	// getPool is the provider getter: getLendingPool() on v2, getPool() on v3.
	getPool string
	logger  *slog.Logger

	mu   sync.RWMutex
	pool common.Address
}

func (a *aavePool) resolvePool(ctx context.Context, block *big.Int) (common.Address, error) {
	if pool := a.currentPool(); pool != (common.Address{}) {
		return pool, nil
	}

	out, err := a.reader.ExecuteChunked(ctx, []batch.Call{
		{Target: a.provider, Signature: a.getPool, Returns: []string{"address"}},
	}, block)
	if err != nil {
		return common.Address{}, fmt.Errorf("resolving pool from %s: %w", a.provider.Hex(), err)
	}
	pool, err := batch.Address(out[0], 0)
	if err != nil {
		return common.Address{}, err
	}
	if pool == (common.Address{}) {
		return common.Address{}, errors.New("addresses provider returned the zero pool")
	}

	a.mu.Lock()
	a.pool = pool
	a.mu.Unlock()

	a.logger.Info("pool resolved", "pool", pool.Hex())
	return pool, nil
}

func (a *aavePool) currentPool() common.Address {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.pool
}

// accountTotals reads getUserAccountData for every account and returns the
// raw total collateral and total debt, slots 0 and 1.
func (a *aavePool) accountTotals(ctx context.Context, accounts []string, block *big.Int) (collateral, debt []*big.Int, err error) {
	pool := a.currentPool()
	if pool == (common.Address{}) {
		return nil, nil, ErrMarketsNotLoaded
	}
	addresses, err := parseAccounts(accounts)
	if err != nil {
		return nil, nil, err
	}

	calls := make([]batch.Call, len(addresses))
	for i, addr := range addresses {
		calls[i] = batch.Call{
			Target:    pool,
			Signature: sigGetUserAccountData,
			Args:      []any{addr},
			Returns:   []string{"uint256", "uint256", "uint256", "uint256", "uint256", "uint256"},
		}
	}
	out, err := a.reader.ExecuteChunked(ctx, calls, block)
	if err != nil {
		return nil, nil, fmt.Errorf("reading account data of %d accounts: %w", len(accounts), err)
	}

	collateral = make([]*big.Int, len(accounts))
	debt = make([]*big.Int, len(accounts))
	for i, account := range accounts {
		if collateral[i], err = batch.BigInt(out[i], 0); err != nil {
			return nil, nil, fmt.Errorf("collateral of %s: %w", account, err)
		}
		if debt[i], err = batch.BigInt(out[i], 1); err != nil {
			return nil, nil, fmt.Errorf("debt of %s: %w", account, err)
		}
	}
	return collateral, debt, nil
}

// discoverySpec watches the pool: entry is the deposit event, activity every
// balance changing event.
func (a *aavePool) discoverySpec(poolABI *abi.ABI, deployBlock uint64, deposit string) (discovery.Spec, error) {
	pool := a.currentPool()
	if pool == (common.Address{}) {
		return discovery.Spec{}, ErrMarketsNotLoaded
	}

	watch := func(name string, args ...string) events.Watch {
		return events.Watch{Contracts: []common.Address{pool}, Event: poolABI.Events[name], AccountArgs: args}
	}
	return discovery.Spec{
		DeployBlock: deployBlock,
		Entry:       []events.Watch{watch(deposit, "onBehalfOf")},
		Activity: []events.Watch{
			watch(deposit, "onBehalfOf"),
			watch("Withdraw", "user"),
			watch("Borrow", "onBehalfOf"),
			watch("Repay", "user"),
			watch("LiquidationCall", "user", "liquidator"),
		},
	}, nil
}

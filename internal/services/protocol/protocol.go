// Package protocol holds the lending protocol strategies. A strategy lists
// the protocol's markets, prices them through a price cycle, describes the
// events that reveal accounts, and reads account balances in batches.
package protocol

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/archon-research/stl/baddebt/internal/domain/entity"
	"github.com/archon-research/stl/baddebt/internal/pkg/blockchain/batch"
	"github.com/archon-research/stl/baddebt/internal/services/discovery"
	"github.com/archon-research/stl/baddebt/internal/services/price_resolver"
)

// Reader executes typed contract reads. batch.Aggregator satisfies it.
type Reader interface {
	Execute(ctx context.Context, calls []batch.Call, block *big.Int) ([][]any, error)
	ExecuteChunked(ctx context.Context, calls []batch.Call, block *big.Int) ([][]any, error)
}

var _ Reader = (*batch.Aggregator)(nil)

// Book is the position book a runner keeps between cycles, keyed by account.
type Book map[string]*entity.AccountPosition

// Protocol is one lending protocol instance.
//
// Prices must run before DiscoverySpec and FetchPositions in a cycle: it
// loads the market list both of them depend on.
type Protocol interface {
	Name() string

	// Prices returns the unit price of every asset key positions may hold.
	Prices(ctx context.Context, cycle *price_resolver.Cycle) (entity.PriceTable, error)

	DiscoverySpec() (discovery.Spec, error)

	// FetchPositions reads the balances of accounts at block. The result has
	// an entry per account, empty when the account holds nothing. Protocols
	// with isolated markets return an entry per account and market instead.
	FetchPositions(ctx context.Context, accounts []string, block *big.Int) (map[string]*entity.AccountPosition, error)

	// AdditionalCollateral returns value held outside the protocol that
	// backs the account's debt. Most protocols return zero.
	AdditionalCollateral(ctx context.Context, account string, book Book, prices entity.PriceTable, block *big.Int) (decimal.Decimal, error)
}

// noAdditionalCollateral is embedded by protocols without off-protocol collateral.
type noAdditionalCollateral struct{}

func (noAdditionalCollateral) AdditionalCollateral(context.Context, string, Book, entity.PriceTable, *big.Int) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

type addressSet map[common.Address]struct{}

func newAddressSet(addresses []common.Address) addressSet {
	s := make(addressSet, len(addresses))
	for _, a := range addresses {
		s[a] = struct{}{}
	}
	return s
}

func (s addressSet) has(a common.Address) bool {
	_, ok := s[a]
	return ok
}

// parseAccounts converts account strings to addresses, keeping the order.
func parseAccounts(accounts []string) ([]common.Address, error) {
	out := make([]common.Address, len(accounts))
	for i, a := range accounts {
		if !common.IsHexAddress(a) {
			return nil, fmt.Errorf("invalid account address %q", a)
		}
		out[i] = common.HexToAddress(a)
	}
	return out, nil
}

package protocol

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/archon-research/stl/baddebt/internal/pkg/blockchain/batch"
)

// DefaultDecimals is used for tokens whose decimals() call fails.
const DefaultDecimals = 18

// Token is the ERC20 metadata the strategies need.
type Token struct {
	Address  common.Address
	Symbol   string
	Decimals int
}

// Registry caches token metadata for the lifetime of the process. Metadata
// is immutable on chain, so entries are never refreshed.
type Registry struct {
	reader Reader

	mu     sync.RWMutex
	tokens map[common.Address]Token
}

// NewRegistry creates an empty registry reading through reader.
func NewRegistry(reader Reader) *Registry {
	return &Registry{
		reader: reader,
		tokens: make(map[common.Address]Token),
	}
}

// Load fetches metadata for every address not cached yet, in one batch.
func (r *Registry) Load(ctx context.Context, addresses []common.Address, block *big.Int) error {
	r.mu.RLock()
	var missing []common.Address
	seen := make(map[common.Address]struct{}, len(addresses))
	for _, a := range addresses {
		if _, ok := r.tokens[a]; ok {
			continue
		}
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		missing = append(missing, a)
	}
	r.mu.RUnlock()

	if len(missing) == 0 {
		return nil
	}

	calls := make([]batch.Call, 0, 2*len(missing))
	for _, a := range missing {
		calls = append(calls,
			batch.Call{Target: a, Signature: "decimals()", Returns: []string{"uint8"}, AllowFailure: true},
			batch.Call{Target: a, Signature: "symbol()", Returns: []string{"string"}, AllowFailure: true},
		)
	}

	out, err := r.reader.ExecuteChunked(ctx, calls, block)
	if err != nil {
		return fmt.Errorf("loading metadata of %d tokens: %w", len(missing), err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for i, a := range missing {
		token := Token{Address: a, Decimals: DefaultDecimals}
		if d, ok := batch.Uint8(out[2*i], 0); ok {
			token.Decimals = int(d)
		}
		if s, ok := batch.String(out[2*i+1], 0); ok {
			token.Symbol = s
		}
		r.tokens[a] = token
	}
	return nil
}

// Get returns cached metadata. An unknown token reports DefaultDecimals.
func (r *Registry) Get(address common.Address) Token {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if t, ok := r.tokens[address]; ok {
		return t
	}
	return Token{Address: address, Decimals: DefaultDecimals}
}

// Decimals returns the cached decimals of address.
func (r *Registry) Decimals(address common.Address) int {
	return r.Get(address).Decimals
}

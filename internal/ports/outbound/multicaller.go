package outbound

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Multicaller submits a group of contract calls as a single round trip
// through an on-chain batched-call contract.
type Multicaller interface {
	// Execute returns one Result per call, in call order. A nil blockNumber
	// reads at the latest block.
	Execute(ctx context.Context, calls []Call, blockNumber *big.Int) ([]Result, error)
	Address() common.Address
}

// Call is one encoded contract call inside a batch.
type Call struct {
	Target       common.Address
	AllowFailure bool
	CallData     []byte
}

// Result is the raw outcome of one call inside a batch.
type Result struct {
	Success    bool
	ReturnData []byte
}

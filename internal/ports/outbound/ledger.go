package outbound

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
)

// LedgerClient is read access to the remote ledger: point reads, block
// metadata and historical event logs. Batched reads go through Multicaller.
type LedgerClient interface {
	CurrentBlock(ctx context.Context) (uint64, error)
	BlockTimestamp(ctx context.Context, block uint64) (uint64, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error)
	FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error)
}

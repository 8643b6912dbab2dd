package multicall

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/archon-research/stl/baddebt/internal/ports/outbound"
)

// Compile-time check that DirectCaller implements outbound.Multicaller.
var _ outbound.Multicaller = (*DirectCaller)(nil)

// BatchCaller is the subset of *rpc.Client used by DirectCaller.
type BatchCaller interface {
	BatchCallContext(ctx context.Context, b []rpc.BatchElem) error
}

// DirectCaller sends every call as its own eth_call inside a single
// JSON-RPC batch request. It serves networks without a Multicall3 deployment.
type DirectCaller struct {
	rpcClient BatchCaller
}

// NewDirectCaller creates a DirectCaller over an RPC client.
func NewDirectCaller(rpcClient BatchCaller) *DirectCaller {
	return &DirectCaller{rpcClient: rpcClient}
}

type ethCallArg struct {
	To   common.Address `json:"to"`
	Data hexutil.Bytes  `json:"data"`
}

// Execute sends all calls in one JSON-RPC batch. A failed element becomes an
// unsuccessful Result when its call allows failure, otherwise it fails the batch.
func (c *DirectCaller) Execute(ctx context.Context, calls []outbound.Call, blockNumber *big.Int) ([]outbound.Result, error) {
	if len(calls) == 0 {
		return []outbound.Result{}, nil
	}

	block := "latest"
	if blockNumber != nil && blockNumber.Sign() >= 0 {
		block = hexutil.EncodeBig(blockNumber)
	}

	elems := make([]rpc.BatchElem, len(calls))
	out := make([]hexutil.Bytes, len(calls))
	for i, call := range calls {
		elems[i] = rpc.BatchElem{
			Method: "eth_call",
			Args:   []any{ethCallArg{To: call.Target, Data: call.CallData}, block},
			Result: &out[i],
		}
	}

	if err := c.rpcClient.BatchCallContext(ctx, elems); err != nil {
		return nil, fmt.Errorf("batch eth_call: %w", err)
	}

	results := make([]outbound.Result, len(calls))
	for i, elem := range elems {
		if elem.Error != nil {
			if !calls[i].AllowFailure {
				return nil, fmt.Errorf("eth_call to %s: %w", calls[i].Target.Hex(), elem.Error)
			}
			continue
		}
		results[i] = outbound.Result{Success: true, ReturnData: out[i]}
	}
	return results, nil
}

// Address returns the zero address: no contract is involved.
func (c *DirectCaller) Address() common.Address {
	return common.Address{}
}

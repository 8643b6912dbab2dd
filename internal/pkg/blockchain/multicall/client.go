// Package multicall submits batches of contract reads through the Multicall3
// aggregate3 entry point, or through a JSON-RPC batch of eth_call on
// networks where no Multicall3 deployment is available.
package multicall

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/archon-research/stl/baddebt/internal/pkg/blockchain/abis"
	"github.com/archon-research/stl/baddebt/internal/ports/outbound"
)

// Multicall3Address is the canonical Multicall3 deployment shared by most EVM networks.
var Multicall3Address = common.HexToAddress("0xcA11bde05977b3631167028862bE2a173976CA11")

// Compile-time check that Client implements outbound.Multicaller.
var _ outbound.Multicaller = (*Client)(nil)

// Client calls aggregate3 on a Multicall3 contract.
type Client struct {
	caller  ethereum.ContractCaller
	address common.Address
	abi     *abi.ABI
}

// call3 mirrors the Multicall3.Call3 tuple for ABI packing.
type call3 struct {
	Target       common.Address
	AllowFailure bool
	CallData     []byte
}

// NewClient creates a client for the Multicall3 contract at address.
func NewClient(caller ethereum.ContractCaller, address common.Address) (*Client, error) {
	if caller == nil {
		return nil, fmt.Errorf("contract caller cannot be nil")
	}
	multicallABI, err := abis.GetMulticall3ABI()
	if err != nil {
		return nil, fmt.Errorf("loading multicall3 ABI: %w", err)
	}
	return &Client{caller: caller, address: address, abi: multicallABI}, nil
}

// Address returns the Multicall3 contract address.
func (c *Client) Address() common.Address {
	return c.address
}

// Execute submits every call in one eth_call to aggregate3.
func (c *Client) Execute(ctx context.Context, calls []outbound.Call, blockNumber *big.Int) ([]outbound.Result, error) {
	if len(calls) == 0 {
		return []outbound.Result{}, nil
	}

	packedCalls := make([]call3, len(calls))
	for i, call := range calls {
		packedCalls[i] = call3(call)
	}

	data, err := c.abi.Pack("aggregate3", packedCalls)
	if err != nil {
		return nil, fmt.Errorf("packing aggregate3: %w", err)
	}

	raw, err := c.caller.CallContract(ctx, ethereum.CallMsg{To: &c.address, Data: data}, blockNumber)
	if err != nil {
		return nil, fmt.Errorf("calling multicall at %s block=%s calls=%d: %w",
			c.address.Hex(), blockLabel(blockNumber), len(calls), err)
	}

	unpacked, err := c.abi.Unpack("aggregate3", raw)
	if err != nil {
		return nil, fmt.Errorf("unpacking aggregate3 at block=%s: %w", blockLabel(blockNumber), err)
	}
	if len(unpacked) != 1 {
		return nil, fmt.Errorf("unexpected aggregate3 output count %d", len(unpacked))
	}

	decoded, ok := unpacked[0].([]struct {
		Success    bool   `json:"success"`
		ReturnData []byte `json:"returnData"`
	})
	if !ok {
		return nil, fmt.Errorf("unexpected aggregate3 output type %T", unpacked[0])
	}

	results := make([]outbound.Result, len(decoded))
	for i, r := range decoded {
		results[i] = outbound.Result{Success: r.Success, ReturnData: r.ReturnData}
	}
	return results, nil
}

func blockLabel(blockNumber *big.Int) string {
	if blockNumber == nil {
		return "latest"
	}
	return blockNumber.String()
}

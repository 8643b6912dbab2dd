package testutil

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/archon-research/stl/baddebt/internal/pkg/blockchain/multicall"
	"github.com/archon-research/stl/baddebt/internal/ports/outbound"
)

// ContractFunc answers one simulated contract read. Returning an error makes
// the call revert.
type ContractFunc func(args []any) ([]any, error)

type simKey struct {
	target   common.Address
	selector [4]byte
}

type simHandler struct {
	inputs  abi.Arguments
	outputs abi.Arguments
	fn      ContractFunc
}

// ContractSim is an outbound.Multicaller that answers calls from registered
// Go functions, encoding and decoding through real ABI types. Calls without a
// handler revert.
type ContractSim struct {
	mu       sync.Mutex
	handlers map[simKey]simHandler
	batches  int
	calls    int
	failNext int
}

// NewContractSim creates an empty simulator.
func NewContractSim() *ContractSim {
	return &ContractSim{handlers: make(map[simKey]simHandler)}
}

// Handle registers fn for signature (for example "balanceOf(address)") on target.
func (s *ContractSim) Handle(target common.Address, signature string, returns []string, fn ContractFunc) {
	open := strings.IndexByte(signature, '(')
	var inTypes []string
	if inner := signature[open+1 : len(signature)-1]; inner != "" {
		inTypes = strings.Split(inner, ",")
	}

	var sel [4]byte
	copy(sel[:], crypto.Keccak256([]byte(signature))[:4])

	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[simKey{target: target, selector: sel}] = simHandler{
		inputs:  mustArgs(inTypes),
		outputs: mustArgs(returns),
		fn:      fn,
	}
}

// Returns registers a handler answering with fixed values.
func (s *ContractSim) Returns(target common.Address, signature string, returns []string, values ...any) {
	s.Handle(target, signature, returns, func([]any) ([]any, error) { return values, nil })
}

// FailNextBatches makes the next n Execute calls fail as a node error would.
func (s *ContractSim) FailNextBatches(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = n
}

// Batches returns how many round trips were executed.
func (s *ContractSim) Batches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.batches
}

// CallCount returns how many individual calls were received.
func (s *ContractSim) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Address returns the canonical Multicall3 address.
func (s *ContractSim) Address() common.Address {
	return multicall.Multicall3Address
}

// Execute answers every call from its registered handler.
func (s *ContractSim) Execute(ctx context.Context, calls []outbound.Call, blockNumber *big.Int) ([]outbound.Result, error) {
	s.mu.Lock()
	s.batches++
	s.calls += len(calls)
	if s.failNext > 0 {
		s.failNext--
		s.mu.Unlock()
		return nil, fmt.Errorf("simulated node failure")
	}
	handlers := s.handlers
	s.mu.Unlock()

	results := make([]outbound.Result, len(calls))
	for i, call := range calls {
		if len(call.CallData) < 4 {
			continue
		}
		var sel [4]byte
		copy(sel[:], call.CallData[:4])
		h, ok := handlers[simKey{target: call.Target, selector: sel}]
		if !ok {
			continue
		}
		args, err := h.inputs.Unpack(call.CallData[4:])
		if err != nil {
			return nil, fmt.Errorf("sim: decoding args for %s: %w", call.Target.Hex(), err)
		}
		out, err := h.fn(args)
		if err != nil {
			continue
		}
		data, err := h.outputs.Pack(out...)
		if err != nil {
			return nil, fmt.Errorf("sim: encoding result for %s: %w", call.Target.Hex(), err)
		}
		results[i] = outbound.Result{Success: true, ReturnData: data}
	}
	return results, nil
}

func mustArgs(types []string) abi.Arguments {
	args := make(abi.Arguments, len(types))
	for i, t := range types {
		typ, err := abi.NewType(strings.TrimSpace(t), "", nil)
		if err != nil {
			panic(fmt.Sprintf("sim: bad type %q: %v", t, err))
		}
		args[i] = abi.Argument{Type: typ}
	}
	return args
}

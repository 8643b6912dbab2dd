package testutil

import (
	"context"
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/archon-research/stl/baddebt/internal/pkg/blockchain/multicall"
	"github.com/archon-research/stl/baddebt/internal/ports/outbound"
)

// MockMulticaller implements outbound.Multicaller with a pluggable function.
type MockMulticaller struct {
	mu        sync.Mutex
	ExecuteFn func(ctx context.Context, calls []outbound.Call, blockNumber *big.Int) ([]outbound.Result, error)
	CallCount int
	Addr      common.Address
}

func NewMockMulticaller() *MockMulticaller {
	return &MockMulticaller{Addr: multicall.Multicall3Address}
}

func (m *MockMulticaller) Execute(ctx context.Context, calls []outbound.Call, blockNumber *big.Int) ([]outbound.Result, error) {
	m.mu.Lock()
	m.CallCount++
	m.mu.Unlock()
	if m.ExecuteFn != nil {
		return m.ExecuteFn(ctx, calls, blockNumber)
	}
	return nil, errors.New("Execute not mocked")
}

func (m *MockMulticaller) Address() common.Address {
	return m.Addr
}

// Calls returns how many times Execute ran.
func (m *MockMulticaller) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CallCount
}

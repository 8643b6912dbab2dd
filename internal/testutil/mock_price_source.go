package testutil

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// MockPriceSource implements outbound.PriceSource from a fixed table.
// Assets missing from the table price at zero.
type MockPriceSource struct {
	mu     sync.Mutex
	prices map[string]decimal.Decimal
	errs   map[string]error
	calls  map[string]int
}

func NewMockPriceSource() *MockPriceSource {
	return &MockPriceSource{
		prices: make(map[string]decimal.Decimal),
		errs:   make(map[string]error),
		calls:  make(map[string]int),
	}
}

func priceKey(network string, asset common.Address) string {
	return strings.ToUpper(network) + ":" + asset.Hex()
}

// Set stores a price.
func (m *MockPriceSource) Set(network string, asset common.Address, price string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[priceKey(network, asset)] = decimal.RequireFromString(price)
}

// Fail makes lookups of asset return err.
func (m *MockPriceSource) Fail(network string, asset common.Address, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs[priceKey(network, asset)] = err
}

func (m *MockPriceSource) Price(ctx context.Context, network string, asset common.Address) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := priceKey(network, asset)
	m.calls[key]++
	if err := m.errs[key]; err != nil {
		return decimal.Zero, fmt.Errorf("price api: %w", err)
	}
	return m.prices[key], nil
}

// Calls returns how many times asset was looked up.
func (m *MockPriceSource) Calls(network string, asset common.Address) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[priceKey(network, asset)]
}

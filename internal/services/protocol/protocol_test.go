package protocol

import (
	"context"
	"errors"
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/archon-research/stl/baddebt/internal/domain/entity"
	"github.com/archon-research/stl/baddebt/internal/pkg/blockchain/batch"
	"github.com/archon-research/stl/baddebt/internal/pkg/retry"
	"github.com/archon-research/stl/baddebt/internal/ports/outbound"
	"github.com/archon-research/stl/baddebt/internal/services/price_resolver"
	"github.com/archon-research/stl/baddebt/internal/testutil"
)

const network = "ETH"

var (
	comptroller = common.HexToAddress("0x3d9819210A31b4961b30EF54bE2aeD79B9c9Cd3B")
	oracle      = common.HexToAddress("0x50ce56A3239671Ab62f185704Caedf626352741e")
	cUSDC       = common.HexToAddress("0x39AA39c021dfbaE8faC545936693aC917d5E7563")
	cETH        = common.HexToAddress("0x4Ddc2D193948926D02f9B1fE9e1daa0718270ED5")
	unlisted    = common.HexToAddress("0x0000000000000000000000000000000000000bad")
	usdc        = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	weth        = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")

	alice = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
)

var block = big.NewInt(19_000_000)

func newReader(t *testing.T, sim outbound.Multicaller) *batch.Aggregator {
	t.Helper()
	agg, err := batch.NewAggregator(sim, batch.Config{
		BatchSize:   4,
		Parallelism: 2,
		Retry:       retry.Config{MaxRetries: 1, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond},
		Logger:      testutil.DiscardLogger(),
	})
	if err != nil {
		t.Fatalf("NewAggregator: %v", err)
	}
	t.Cleanup(agg.Close)
	return agg
}

// failFirst fails the first round trip as a node error would, then answers
// every later one from sim.
func failFirst(sim *testutil.ContractSim) *testutil.MockMulticaller {
	m := testutil.NewMockMulticaller()
	var failed atomic.Bool
	m.ExecuteFn = func(ctx context.Context, calls []outbound.Call, blockNumber *big.Int) ([]outbound.Result, error) {
		if failed.CompareAndSwap(false, true) {
			return nil, errors.New("connection reset by peer")
		}
		return sim.Execute(ctx, calls, blockNumber)
	}
	return m
}

func newCycle(t *testing.T, primary *testutil.MockPriceSource) *price_resolver.Cycle {
	t.Helper()
	r, err := price_resolver.NewResolver(primary, nil, price_resolver.Config{
		Network:     network,
		Retry:       retry.Config{MaxRetries: 0, InitialBackoff: time.Millisecond},
		Concurrency: 2,
		Logger:      testutil.DiscardLogger(),
	})
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	return r.NewCycle(block)
}

// perAccount answers a one-address call from a table, zero for unknown accounts.
func perAccount(values map[common.Address]*big.Int) testutil.ContractFunc {
	return func(args []any) ([]any, error) {
		if v, ok := values[args[0].(common.Address)]; ok {
			return []any{v}, nil
		}
		return []any{big.NewInt(0)}, nil
	}
}

// compoundSim registers a comptroller with a USDC market and a native ETH
// market. alice supplies 1000 USDC and borrows 1 ETH; bob supplies 2 ETH and
// has also entered an unlisted market.
func compoundSim() *testutil.ContractSim {
	sim := testutil.NewContractSim()
	sim.Returns(comptroller, sigGetAllMarkets, []string{"address[]"}, []common.Address{cUSDC, cETH})
	sim.Returns(comptroller, sigOracle, []string{"address"}, oracle)
	sim.Returns(cUSDC, sigUnderlying, []string{"address"}, usdc)

	sim.Returns(usdc, "decimals()", []string{"uint8"}, uint8(6))
	sim.Returns(weth, "decimals()", []string{"uint8"}, uint8(18))
	sim.Returns(cUSDC, "decimals()", []string{"uint8"}, uint8(8))
	sim.Returns(cETH, "decimals()", []string{"uint8"}, uint8(8))
	sim.Returns(usdc, "symbol()", []string{"string"}, "USDC")

	sim.Handle(comptroller, sigGetAssetsIn, []string{"address[]"}, func(args []any) ([]any, error) {
		switch args[0].(common.Address) {
		case alice:
			return []any{[]common.Address{cUSDC, cETH}}, nil
		case bob:
			return []any{[]common.Address{cETH, unlisted}}, nil
		}
		return []any{[]common.Address{}}, nil
	})

	sim.Handle(cUSDC, sigBalanceOfUnderlying, []string{"uint256"}, perAccount(map[common.Address]*big.Int{
		alice: testutil.Units("1000", 6),
	}))
	sim.Handle(cUSDC, sigBorrowBalance, []string{"uint256"}, perAccount(nil))
	sim.Handle(cETH, sigBalanceOfUnderlying, []string{"uint256"}, perAccount(map[common.Address]*big.Int{
		bob: testutil.Units("2", 18),
	}))
	sim.Handle(cETH, sigBorrowBalance, []string{"uint256"}, perAccount(map[common.Address]*big.Int{
		alice: testutil.Units("1", 18),
	}))
	return sim
}

func compoundConfig() CompoundConfig {
	return CompoundConfig{
		Name:          "compound",
		Comptroller:   comptroller,
		DeployBlock:   7_710_671,
		NativeMarkets: []common.Address{cETH},
		WETH:          weth,
		Logger:        testutil.DiscardLogger(),
	}
}

func TestRegistry_Load(t *testing.T) {
	sim := testutil.NewContractSim()
	sim.Returns(usdc, "decimals()", []string{"uint8"}, uint8(6))
	sim.Returns(usdc, "symbol()", []string{"string"}, "USDC")
	reader := newReader(t, sim)

	registry := NewRegistry(reader)
	noMetadata := common.HexToAddress("0x9f8F72aA9304c8B593d555F12eF6589cC3A579A2")

	if err := registry.Load(context.Background(), []common.Address{usdc, noMetadata, usdc}, block); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := registry.Get(usdc); got.Decimals != 6 || got.Symbol != "USDC" {
		t.Errorf("usdc = %+v", got)
	}
	if got := registry.Decimals(noMetadata); got != DefaultDecimals {
		t.Errorf("failed decimals() = %d, want %d", got, DefaultDecimals)
	}

	calls := sim.CallCount()
	if err := registry.Load(context.Background(), []common.Address{usdc, noMetadata}, block); err != nil {
		t.Fatalf("second Load: %v", err)
	}
	if sim.CallCount() != calls {
		t.Errorf("cached tokens were read again: %d calls, want %d", sim.CallCount(), calls)
	}
}

func TestParseAccounts(t *testing.T) {
	got, err := parseAccounts([]string{alice.Hex(), "0x0000000000000000000000000000000000000b0b"})
	if err != nil {
		t.Fatalf("parseAccounts: %v", err)
	}
	if got[0] != alice || got[1] != bob {
		t.Errorf("parsed = %v", got)
	}
	if _, err := parseAccounts([]string{"not an address"}); err == nil {
		t.Error("expected error for invalid account")
	}
}

// flatten renders a position as "collateral KEY" / "debt KEY" entries.
func flatten(p *entity.AccountPosition) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal)
	if p == nil {
		return out
	}
	for k, v := range p.Collaterals {
		out["collateral "+k] = v
	}
	for k, v := range p.Debts {
		out["debt "+k] = v
	}
	return out
}

func expectBalance(t *testing.T, balances map[string]decimal.Decimal, key, want string) {
	t.Helper()
	got, ok := balances[key]
	if !ok {
		t.Errorf("%s missing from %v", key, balances)
		return
	}
	if !got.Equal(testutil.Dec(want)) {
		t.Errorf("%s = %s, want %s", key, got, want)
	}
}

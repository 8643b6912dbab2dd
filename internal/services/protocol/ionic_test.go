package protocol

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/archon-research/stl/baddebt/internal/testutil"
)

func snapshot(balance, borrow, rate *big.Int) []any {
	return []any{big.NewInt(0), balance, borrow, rate}
}

func ionicSim() *testutil.ContractSim {
	sim := compoundSim()
	zero := big.NewInt(0)
	returns := []string{"uint256", "uint256", "uint256", "uint256"}

	sim.Handle(cUSDC, sigGetAccountSnapshot, returns, func(args []any) ([]any, error) {
		if args[0].(common.Address) == alice {
			return snapshot(testutil.Units("4000", 8), zero, testutil.Units("0.25", 18)), nil
		}
		return snapshot(zero, zero, testutil.Units("0.25", 18)), nil
	})
	sim.Handle(cETH, sigGetAccountSnapshot, returns, func(args []any) ([]any, error) {
		switch args[0].(common.Address) {
		case alice:
			return snapshot(zero, testutil.Units("1", 18), testutil.Units("1", 18)), nil
		case bob:
			return snapshot(testutil.Units("2", 8), zero, testutil.Units("1", 18)), nil
		}
		return snapshot(zero, zero, zero), nil
	})
	return sim
}

func newIonic(t *testing.T, sim *testutil.ContractSim) *Ionic {
	t.Helper()
	reader := newReader(t, sim)
	config := compoundConfig()
	config.Name = "ionic"
	i, err := NewIonic(reader, NewRegistry(reader), config)
	if err != nil {
		t.Fatalf("NewIonic: %v", err)
	}
	return i
}

func TestIonic_OraclePriceInWETH(t *testing.T) {
	sim := ionicSim()
	// 0.0004 WETH per USDC, scaled by 10^(36-6)
	sim.Returns(oracle, sigGetUnderlyingPrice, []string{"uint256"}, testutil.Units("0.0004", 30))

	primary := testutil.NewMockPriceSource()
	primary.Set(network, weth, "2500")

	prices, err := newIonic(t, sim).Prices(context.Background(), newCycle(t, primary))
	if err != nil {
		t.Fatalf("Prices: %v", err)
	}
	if got, _ := prices.Get(cUSDC.Hex()); !got.Equal(testutil.Dec("1")) {
		t.Errorf("cUSDC price = %s, want 1", got)
	}
}

func TestIonic_FetchPositionsFromSnapshots(t *testing.T) {
	primary := testutil.NewMockPriceSource()
	primary.Set(network, weth, "2500")
	primary.Set(network, usdc, "1")

	i := newIonic(t, ionicSim())
	if _, err := i.Prices(context.Background(), newCycle(t, primary)); err != nil {
		t.Fatalf("Prices: %v", err)
	}

	positions, err := i.FetchPositions(context.Background(), []string{alice.Hex(), bob.Hex()}, block)
	if err != nil {
		t.Fatalf("FetchPositions: %v", err)
	}

	a := flatten(positions[alice.Hex()])
	expectBalance(t, a, "collateral "+cUSDC.Hex(), "1000")
	expectBalance(t, a, "debt "+cETH.Hex(), "1")
	if len(a) != 2 {
		t.Errorf("alice = %v", a)
	}
	expectBalance(t, flatten(positions[bob.Hex()]), "collateral "+cETH.Hex(), "2")
}

func TestNewIonic_RequiresWETH(t *testing.T) {
	reader := newReader(t, testutil.NewContractSim())
	if _, err := NewIonic(reader, NewRegistry(reader), CompoundConfig{Name: "ionic", Comptroller: comptroller}); err == nil {
		t.Error("expected error without WETH")
	}
}

package protocol

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/archon-research/stl/baddebt/internal/testutil"
)

func newCompound(t *testing.T, sim *testutil.ContractSim, config CompoundConfig) *Compound {
	t.Helper()
	reader := newReader(t, sim)
	c, err := NewCompound(reader, NewRegistry(reader), config)
	if err != nil {
		t.Fatalf("NewCompound: %v", err)
	}
	return c
}

func TestCompound_Prices(t *testing.T) {
	tests := []struct {
		name        string
		usdcPrice   string
		oracleValue *big.Int
		expected    string
	}{
		{name: "primary price", usdcPrice: "0.9998", expected: "0.9998"},
		// 1.0002 * 10^(36-6)
		{name: "oracle fallback", oracleValue: testutil.Units("1.0002", 30), expected: "1.0002"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sim := compoundSim()
			if tt.oracleValue != nil {
				sim.Returns(oracle, sigGetUnderlyingPrice, []string{"uint256"}, tt.oracleValue)
			}
			primary := testutil.NewMockPriceSource()
			primary.Set(network, weth, "2500")
			if tt.usdcPrice != "" {
				primary.Set(network, usdc, tt.usdcPrice)
			}

			c := newCompound(t, sim, compoundConfig())
			prices, err := c.Prices(context.Background(), newCycle(t, primary))
			if err != nil {
				t.Fatalf("Prices: %v", err)
			}

			if got, _ := prices.Get(cUSDC.Hex()); !got.Equal(testutil.Dec(tt.expected)) {
				t.Errorf("cUSDC price = %s, want %s", got, tt.expected)
			}
			if got, _ := prices.Get(cETH.Hex()); !got.Equal(testutil.Dec("2500")) {
				t.Errorf("cETH price = %s, want 2500 (priced as WETH)", got)
			}
		})
	}
}

func TestCompound_PricesFailWhenUnresolved(t *testing.T) {
	primary := testutil.NewMockPriceSource()
	primary.Set(network, weth, "2500")

	c := newCompound(t, compoundSim(), compoundConfig())
	if _, err := c.Prices(context.Background(), newCycle(t, primary)); err == nil {
		t.Fatal("expected an error when USDC has no price and the oracle reverts")
	}
}

func TestCompound_PricesRetryMarketListing(t *testing.T) {
	primary := testutil.NewMockPriceSource()
	primary.Set(network, weth, "2500")
	primary.Set(network, usdc, "1")

	mc := failFirst(compoundSim())
	reader := newReader(t, mc)
	c, err := NewCompound(reader, NewRegistry(reader), compoundConfig())
	if err != nil {
		t.Fatalf("NewCompound: %v", err)
	}

	prices, err := c.Prices(context.Background(), newCycle(t, primary))
	if err != nil {
		t.Fatalf("Prices after one failed round trip: %v", err)
	}
	if len(prices) != 2 {
		t.Errorf("expected 2 market prices, got %v", prices)
	}
	if markets, _, o := c.snapshot(); len(markets) != 2 || o != oracle {
		t.Errorf("markets = %v, oracle = %s", markets, o.Hex())
	}
	if mc.Calls() < 2 {
		t.Errorf("expected the market listing to be retried, got %d round trips", mc.Calls())
	}
}

func TestCompound_FetchPositions(t *testing.T) {
	tests := []struct {
		name   string
		config func(*CompoundConfig)
		check  func(t *testing.T, alicePos, bobPos map[string]decimal.Decimal)
	}{
		{
			name: "balances normalized by underlying decimals",
			check: func(t *testing.T, a, b map[string]decimal.Decimal) {
				expectBalance(t, a, "collateral "+cUSDC.Hex(), "1000")
				expectBalance(t, a, "debt "+cETH.Hex(), "1")
				expectBalance(t, b, "collateral "+cETH.Hex(), "2")
				if len(a) != 2 || len(b) != 1 {
					t.Errorf("zero balances stored: alice %v, bob %v", a, b)
				}
			},
		},
		{
			name:   "rekt market counts as zero collateral",
			config: func(c *CompoundConfig) { c.RektMarkets = []common.Address{cETH} },
			check: func(t *testing.T, a, b map[string]decimal.Decimal) {
				if len(b) != 0 {
					t.Errorf("bob should hold nothing, got %v", b)
				}
				expectBalance(t, a, "debt "+cETH.Hex(), "1")
			},
		},
		{
			name:   "non-borrowable market counts as zero debt",
			config: func(c *CompoundConfig) { c.NonBorrowableMarkets = []common.Address{cETH} },
			check: func(t *testing.T, a, b map[string]decimal.Decimal) {
				if _, ok := a["debt "+cETH.Hex()]; ok {
					t.Errorf("alice debt should be dropped, got %v", a)
				}
				expectBalance(t, b, "collateral "+cETH.Hex(), "2")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := compoundConfig()
			if tt.config != nil {
				tt.config(&config)
			}
			primary := testutil.NewMockPriceSource()
			primary.Set(network, weth, "2500")
			primary.Set(network, usdc, "1")

			c := newCompound(t, compoundSim(), config)
			if _, err := c.Prices(context.Background(), newCycle(t, primary)); err != nil {
				t.Fatalf("Prices: %v", err)
			}

			positions, err := c.FetchPositions(context.Background(), []string{alice.Hex(), bob.Hex()}, block)
			if err != nil {
				t.Fatalf("FetchPositions: %v", err)
			}
			if len(positions) != 2 {
				t.Fatalf("expected a position per account, got %d", len(positions))
			}
			tt.check(t, flatten(positions[alice.Hex()]), flatten(positions[bob.Hex()]))
		})
	}
}

func TestCompound_RequiresMarkets(t *testing.T) {
	c := newCompound(t, compoundSim(), compoundConfig())

	if _, err := c.DiscoverySpec(); !errors.Is(err, ErrMarketsNotLoaded) {
		t.Errorf("DiscoverySpec: expected ErrMarketsNotLoaded, got %v", err)
	}
	if _, err := c.FetchPositions(context.Background(), []string{alice.Hex()}, block); !errors.Is(err, ErrMarketsNotLoaded) {
		t.Errorf("FetchPositions: expected ErrMarketsNotLoaded, got %v", err)
	}
}

func TestCompound_DiscoverySpec(t *testing.T) {
	primary := testutil.NewMockPriceSource()
	primary.Set(network, weth, "2500")
	primary.Set(network, usdc, "1")

	c := newCompound(t, compoundSim(), compoundConfig())
	if _, err := c.Prices(context.Background(), newCycle(t, primary)); err != nil {
		t.Fatalf("Prices: %v", err)
	}

	spec, err := c.DiscoverySpec()
	if err != nil {
		t.Fatalf("DiscoverySpec: %v", err)
	}
	if spec.DeployBlock != 7_710_671 || spec.CutoverBlock != 0 {
		t.Errorf("blocks = %d / %d", spec.DeployBlock, spec.CutoverBlock)
	}
	if len(spec.Entry) != 1 || spec.Entry[0].Event.Name != "MarketEntered" || spec.Entry[0].Contracts[0] != comptroller {
		t.Errorf("entry = %+v", spec.Entry)
	}

	expected := map[string]int{"Mint": 1, "Redeem": 1, "Borrow": 1, "RepayBorrow": 1, "LiquidateBorrow": 2, "Transfer": 2}
	if len(spec.Activity) != len(expected) {
		t.Fatalf("expected %d activity watches, got %d", len(expected), len(spec.Activity))
	}
	for _, w := range spec.Activity {
		if n, ok := expected[w.Event.Name]; !ok || n != len(w.AccountArgs) {
			t.Errorf("unexpected watch %s %v", w.Event.Name, w.AccountArgs)
		}
		if len(w.Contracts) != 2 {
			t.Errorf("%s watches %d markets, want 2", w.Event.Name, len(w.Contracts))
		}
	}
}

func TestNewCompound_Validation(t *testing.T) {
	reader := newReader(t, testutil.NewContractSim())
	tests := []struct {
		name   string
		config CompoundConfig
	}{
		{name: "no name", config: CompoundConfig{Comptroller: comptroller}},
		{name: "no comptroller", config: CompoundConfig{Name: "x"}},
		{name: "native without weth", config: CompoundConfig{Name: "x", Comptroller: comptroller, NativeMarkets: []common.Address{cETH}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewCompound(reader, NewRegistry(reader), tt.config); err == nil {
				t.Error("expected error")
			}
		})
	}
}

package price_resolver

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/archon-research/stl/baddebt/internal/pkg/blockchain/batch"
	"github.com/archon-research/stl/baddebt/internal/pkg/httpclient"
	"github.com/archon-research/stl/baddebt/internal/pkg/retry"
	"github.com/archon-research/stl/baddebt/internal/testutil"
)

const network = "ETH"

var (
	weth  = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	usdc  = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	sushi = common.HexToAddress("0x6B3595068778DD592e39A122f4f5a5cF09C90fE2")
	xsush = common.HexToAddress("0x8798249c2E607446EfB7Ad49eC89dD1865Ff4272")
	pair  = common.HexToAddress("0x397FF1542f962076d0BFE58eA045FfA2d347ACa0")
	feed  = common.HexToAddress("0x5f4eC3Df9cbd43714FE2740f5E3616155c5b8419")
)

func fastRetry() retry.Config {
	return retry.Config{MaxRetries: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}
}

func newResolver(t *testing.T, primary *testutil.MockPriceSource, special map[Asset]SpecialResolver) *Resolver {
	t.Helper()
	r, err := NewResolver(primary, special, Config{
		Network:     network,
		Retry:       fastRetry(),
		Concurrency: 3,
		Logger:      testutil.DiscardLogger(),
	})
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	return r
}

func constFallback(price string, calls *int) FallbackFunc {
	return func(context.Context) (decimal.Decimal, error) {
		*calls++
		return decimal.RequireFromString(price), nil
	}
}

func TestResolve_SourceOrder(t *testing.T) {
	tests := []struct {
		name      string
		primary   string
		primeErr  error
		special   SpecialResolver
		fallback  string
		expected  string
		wantErr   bool
		fallbacks int
	}{
		{name: "primary wins", primary: "2500", special: &Fixed{Price: decimal.NewFromInt(1)}, fallback: "3", expected: "2500"},
		{name: "zero primary falls to special", primary: "0", special: &Fixed{Price: decimal.NewFromInt(7)}, fallback: "3", expected: "7"},
		{name: "zero primary and no special uses fallback", primary: "0", fallback: "3", expected: "3", fallbacks: 1},
		{name: "failing primary uses fallback", primeErr: errors.New("502"), fallback: "3", expected: "3", fallbacks: 1},
		{name: "zero special falls to fallback", special: &Fixed{Price: decimal.Zero}, fallback: "4", expected: "4", fallbacks: 1},
		{name: "everything misses", primary: "0", fallback: "0", wantErr: true, fallbacks: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			primary := testutil.NewMockPriceSource()
			if tt.primary != "" {
				primary.Set(network, weth, tt.primary)
			}
			if tt.primeErr != nil {
				primary.Fail(network, weth, tt.primeErr)
			}

			special := map[Asset]SpecialResolver{}
			if tt.special != nil {
				special[Asset{Address: weth}] = tt.special
			}

			var calls int
			cycle := newResolver(t, primary, special).NewCycle(nil)
			price, err := cycle.Resolve(context.Background(), weth, constFallback(tt.fallback, &calls))

			if tt.wantErr {
				if !errors.Is(err, ErrUnresolved) {
					t.Fatalf("expected ErrUnresolved, got %v", err)
				}
			} else {
				if err != nil {
					t.Fatalf("Resolve: %v", err)
				}
				if !price.Equal(decimal.RequireFromString(tt.expected)) {
					t.Errorf("price = %s, want %s", price, tt.expected)
				}
			}
			if calls != tt.fallbacks {
				t.Errorf("fallback called %d times, want %d", calls, tt.fallbacks)
			}
		})
	}
}

func TestResolve_RetriesPrimaryBeforeFallingBack(t *testing.T) {
	primary := testutil.NewMockPriceSource()
	primary.Fail(network, weth, errors.New("timeout"))

	var calls int
	cycle := newResolver(t, primary, nil).NewCycle(nil)
	if _, err := cycle.Resolve(context.Background(), weth, constFallback("1", &calls)); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got := primary.Calls(network, weth); got != 3 {
		t.Errorf("primary called %d times, want 3", got)
	}
}

func TestResolve_NonRetryableIsNotRepeated(t *testing.T) {
	primary := testutil.NewMockPriceSource()
	primary.Fail(network, weth, httpclient.WrapNonRetryable(errors.New("HTTP 404")))

	var calls int
	cycle := newResolver(t, primary, nil).NewCycle(nil)
	if _, err := cycle.Resolve(context.Background(), weth, constFallback("1", &calls)); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got := primary.Calls(network, weth); got != 1 {
		t.Errorf("primary called %d times, want 1", got)
	}
}

func TestCycle_CachesWithinCycleOnly(t *testing.T) {
	primary := testutil.NewMockPriceSource()
	primary.Set(network, weth, "2000")
	r := newResolver(t, primary, nil)
	ctx := context.Background()

	first := r.NewCycle(nil)
	for range 3 {
		if _, err := first.Resolve(ctx, weth, nil); err != nil {
			t.Fatalf("Resolve: %v", err)
		}
	}
	if got := primary.Calls(network, weth); got != 1 {
		t.Errorf("expected 1 call within a cycle, got %d", got)
	}

	primary.Set(network, weth, "2100")
	price, _ := r.NewCycle(nil).Resolve(ctx, weth, nil)
	if !price.Equal(decimal.NewFromInt(2100)) {
		t.Errorf("new cycle reused a stale price: %s", price)
	}
}

func TestResolveAll(t *testing.T) {
	primary := testutil.NewMockPriceSource()
	primary.Set(network, weth, "2000")
	primary.Set(network, usdc, "1")

	cETH := common.HexToAddress("0x4Ddc2D193948926D02f9B1fE9e1daa0718270ED5")
	cUSDC := common.HexToAddress("0x39AA39c021dfbaE8faC545936693aC917d5E7563")
	cSUSHI := common.HexToAddress("0x4B0181102A0112A2ef11AbEE5563bb4a3176c9d7")

	var calls int
	cycle := newResolver(t, primary, nil).NewCycle(nil)
	table, err := cycle.ResolveAll(context.Background(), []Request{
		{Key: cETH.Hex(), Asset: weth},
		{Key: cUSDC.Hex(), Asset: usdc},
		{Key: cSUSHI.Hex(), Asset: sushi, Fallback: constFallback("1.25", &calls)},
	})
	if err != nil {
		t.Fatalf("ResolveAll: %v", err)
	}

	expected := map[string]string{cETH.Hex(): "2000", cUSDC.Hex(): "1", cSUSHI.Hex(): "1.25"}
	for key, want := range expected {
		got, err := table.Get(key)
		if err != nil || !got.Equal(decimal.RequireFromString(want)) {
			t.Errorf("%s = %s, %v; want %s", key, got, err, want)
		}
	}
}

func TestResolveAll_NamesEveryUnresolvedAsset(t *testing.T) {
	primary := testutil.NewMockPriceSource()
	primary.Set(network, weth, "2000")

	cycle := newResolver(t, primary, nil).NewCycle(nil)
	_, err := cycle.ResolveAll(context.Background(), []Request{
		{Key: "a", Asset: weth},
		{Key: "b", Asset: usdc},
		{Key: "c", Asset: sushi},
	})
	if !errors.Is(err, ErrUnresolved) {
		t.Fatalf("expected ErrUnresolved, got %v", err)
	}
	for _, key := range []string{usdc.Hex(), sushi.Hex()} {
		if !strings.Contains(err.Error(), key) {
			t.Errorf("error does not name %s: %v", key, err)
		}
	}
}

func TestResolveAll_BoundsConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int32
	fallback := func(context.Context) (decimal.Decimal, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		return decimal.NewFromInt(1), nil
	}

	requests := make([]Request, 12)
	for i := range requests {
		asset := common.BigToAddress(big.NewInt(int64(i + 1)))
		requests[i] = Request{Key: asset.Hex(), Asset: asset, Fallback: fallback}
	}

	cycle := newResolver(t, testutil.NewMockPriceSource(), nil).NewCycle(nil)
	table, err := cycle.ResolveAll(context.Background(), requests)
	if err != nil {
		t.Fatalf("ResolveAll: %v", err)
	}
	if len(table) != len(requests) {
		t.Errorf("resolved %d prices, want %d", len(table), len(requests))
	}
	if got := peak.Load(); got > 3 {
		t.Errorf("%d requests priced at once, limit is 3", got)
	}
}

func TestResolveAll_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cycle := newResolver(t, testutil.NewMockPriceSource(), nil).NewCycle(nil)
	if _, err := cycle.ResolveAll(ctx, []Request{{Key: "a", Asset: weth}}); err == nil {
		t.Fatal("expected an error for a cancelled context")
	}
}

func TestSpecial_ExchangeRate(t *testing.T) {
	sim := testutil.NewContractSim()
	sim.Returns(xsush, "sushi()", []string{"address"}, sushi)
	sim.Returns(sushi, sigBalanceOf, []string{"uint256"}, testutil.Units("1500", 18))
	sim.Returns(sushi, sigDecimals, []string{"uint8"}, uint8(18))
	sim.Returns(xsush, sigTotalSupply, []string{"uint256"}, testutil.Units("1000", 18))
	sim.Returns(xsush, sigDecimals, []string{"uint8"}, uint8(18))

	primary := testutil.NewMockPriceSource()
	primary.Set(network, sushi, "2")

	reader := newReader(t, sim)
	r := newResolver(t, primary, map[Asset]SpecialResolver{
		{Address: xsush}: &ExchangeRate{Reader: reader, Token: xsush, UnderlyingSignature: "sushi()"},
	})

	price, err := r.NewCycle(nil).Resolve(context.Background(), xsush, nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !price.Equal(decimal.NewFromInt(3)) {
		t.Errorf("price = %s, want 3", price)
	}
}

func TestSpecial_UniV2LP(t *testing.T) {
	sim := testutil.NewContractSim()
	sim.Returns(pair, "token0()", []string{"address"}, usdc)
	sim.Returns(pair, "token1()", []string{"address"}, weth)
	sim.Returns(pair, sigTotalSupply, []string{"uint256"}, testutil.Units("10", 18))
	sim.Returns(pair, sigDecimals, []string{"uint8"}, uint8(18))
	sim.Returns(usdc, sigBalanceOf, []string{"uint256"}, testutil.Units("20000", 6))
	sim.Returns(usdc, sigDecimals, []string{"uint8"}, uint8(6))
	sim.Returns(weth, sigBalanceOf, []string{"uint256"}, testutil.Units("10", 18))
	sim.Returns(weth, sigDecimals, []string{"uint8"}, uint8(18))

	primary := testutil.NewMockPriceSource()
	primary.Set(network, usdc, "1")
	primary.Set(network, weth, "2000")

	r := newResolver(t, primary, map[Asset]SpecialResolver{
		{Address: pair}: &UniV2LP{Reader: newReader(t, sim), Pair: pair},
	})

	// (20000*1 + 10*2000) / 10
	price, err := r.NewCycle(nil).Resolve(context.Background(), pair, nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !price.Equal(decimal.NewFromInt(4000)) {
		t.Errorf("price = %s, want 4000", price)
	}
}

func TestSpecial_Chainlink(t *testing.T) {
	sim := testutil.NewContractSim()
	sim.Returns(feed, "latestAnswer()", []string{"int256"}, big.NewInt(250_012_345_678))
	sim.Returns(feed, sigDecimals, []string{"uint8"}, uint8(8))

	r := newResolver(t, testutil.NewMockPriceSource(), map[Asset]SpecialResolver{
		{Address: weth}: &Chainlink{Reader: newReader(t, sim), Feed: feed},
	})

	price, err := r.NewCycle(nil).Resolve(context.Background(), weth, nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !price.Equal(decimal.RequireFromString("2500.12345678")) {
		t.Errorf("price = %s", price)
	}
}

type stubCoins map[string]string

func (s stubCoins) SimplePrice(_ context.Context, id string) (decimal.Decimal, error) {
	p, ok := s[id]
	if !ok {
		return decimal.Zero, errors.New("unknown coin")
	}
	return decimal.RequireFromString(p), nil
}

type stubPortfolio map[common.Address]string

func (s stubPortfolio) TotalUSD(_ context.Context, addr common.Address) (decimal.Decimal, error) {
	return decimal.RequireFromString(s[addr]), nil
}

func TestSpecial_OffChainAndConstant(t *testing.T) {
	cream := common.HexToAddress("0x2ba592F78dB6436527729929AAf6c908497cB200")
	bridged := common.HexToAddress("0x7F5c764cBc14f9669B88837ca1490cCa17c31607")
	stable := common.HexToAddress("0x853d955aCEf822Db058eb8505911ED77F175b99e")
	crUSDC := common.HexToAddress("0x44fbeBd2F576670a6C33f6Fc0B00aA8c5753b322")

	sim := testutil.NewContractSim()
	sim.Returns(usdc, sigBalanceOf, []string{"uint256"}, testutil.Units("500", 6))
	sim.Returns(usdc, sigDecimals, []string{"uint8"}, uint8(6))

	primary := testutil.NewMockPriceSource()
	primary.Set("OPTIMISM", usdc, "0.999")

	r := newResolver(t, primary, map[Asset]SpecialResolver{
		{Address: cream}:   &CoinGecko{Provider: stubCoins{"cream-2": "12.5"}, CoinID: "cream-2"},
		{Address: bridged}: &Alias{Target: Asset{Network: "OPTIMISM", Address: usdc}},
		{Address: stable}:  &Fixed{Price: decimal.NewFromInt(1)},
		{Address: crUSDC}:  &ZapperMarket{Reader: newReader(t, sim), Portfolio: stubPortfolio{crUSDC: "505"}, Market: crUSDC, Underlying: usdc},
	})

	tests := []struct {
		asset    common.Address
		expected string
	}{
		{asset: cream, expected: "12.5"},
		{asset: bridged, expected: "0.999"},
		{asset: stable, expected: "1"},
		{asset: crUSDC, expected: "1.01"},
	}

	cycle := r.NewCycle(nil)
	for _, tt := range tests {
		t.Run(tt.asset.Hex(), func(t *testing.T) {
			price, err := cycle.Resolve(context.Background(), tt.asset, nil)
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if !price.Equal(decimal.RequireFromString(tt.expected)) {
				t.Errorf("price = %s, want %s", price, tt.expected)
			}
		})
	}
}

func TestNewResolver_Validation(t *testing.T) {
	if _, err := NewResolver(nil, nil, Config{Network: network}); err == nil {
		t.Error("expected error for nil primary")
	}
	if _, err := NewResolver(testutil.NewMockPriceSource(), nil, Config{}); err == nil {
		t.Error("expected error for missing network")
	}
	if _, err := NewResolver(testutil.NewMockPriceSource(), map[Asset]SpecialResolver{{Address: weth}: nil}, Config{Network: network}); err == nil {
		t.Error("expected error for nil special resolver")
	}
}

func newReader(t *testing.T, sim *testutil.ContractSim) *batch.Aggregator {
	t.Helper()
	agg, err := batch.NewAggregator(sim, batch.Config{Retry: fastRetry(), Logger: testutil.DiscardLogger()})
	if err != nil {
		t.Fatalf("NewAggregator: %v", err)
	}
	t.Cleanup(agg.Close)
	return agg
}

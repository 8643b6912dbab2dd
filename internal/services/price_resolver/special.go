package price_resolver

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/archon-research/stl/baddebt/internal/pkg/blockchain/batch"
	"github.com/archon-research/stl/baddebt/internal/pkg/fixedpoint"
	"github.com/archon-research/stl/baddebt/internal/ports/outbound"
)

// Reader executes a single batch of typed reads. batch.Aggregator satisfies it.
type Reader interface {
	Execute(ctx context.Context, calls []batch.Call, block *big.Int) ([][]any, error)
}

var (
	_ SpecialResolver = (*ExchangeRate)(nil)
	_ SpecialResolver = (*UniV2LP)(nil)
	_ SpecialResolver = (*Chainlink)(nil)
	_ SpecialResolver = (*CoinGecko)(nil)
	_ SpecialResolver = (*Alias)(nil)
	_ SpecialResolver = (*Fixed)(nil)
	_ SpecialResolver = (*ZapperMarket)(nil)
)

const (
	sigBalanceOf   = "balanceOf(address)"
	sigTotalSupply = "totalSupply()"
	sigDecimals    = "decimals()"
)

// ExchangeRate prices a wrapped or staked token by the underlying it can be
// redeemed for: underlying held by the token * underlying price / supply.
type ExchangeRate struct {
	Reader Reader
	Token  common.Address

	// Underlying is read from UnderlyingSignature when zero.
	Underlying          common.Address
	UnderlyingSignature string
}

func (e *ExchangeRate) Kind() string { return "exchangeRate" }

func (e *ExchangeRate) Resolve(ctx context.Context, cycle *Cycle) (decimal.Decimal, error) {
	underlying := e.Underlying
	if underlying == (common.Address{}) {
		sig := e.UnderlyingSignature
		if sig == "" {
			sig = "token()"
		}
		out, err := e.Reader.Execute(ctx, []batch.Call{{Target: e.Token, Signature: sig, Returns: []string{"address"}}}, cycle.Block())
		if err != nil {
			return decimal.Zero, fmt.Errorf("reading underlying of %s: %w", e.Token.Hex(), err)
		}
		if underlying, err = batch.Address(out[0], 0); err != nil {
			return decimal.Zero, err
		}
	}

	out, err := e.Reader.Execute(ctx, []batch.Call{
		{Target: underlying, Signature: sigBalanceOf, Args: []any{e.Token}, Returns: []string{"uint256"}},
		{Target: underlying, Signature: sigDecimals, Returns: []string{"uint8"}},
		{Target: e.Token, Signature: sigTotalSupply, Returns: []string{"uint256"}},
		{Target: e.Token, Signature: sigDecimals, Returns: []string{"uint8"}},
	}, cycle.Block())
	if err != nil {
		return decimal.Zero, fmt.Errorf("reading exchange rate of %s: %w", e.Token.Hex(), err)
	}

	balance, err := batch.BigInt(out[0], 0)
	if err != nil {
		return decimal.Zero, err
	}
	supply, err := batch.BigInt(out[2], 0)
	if err != nil {
		return decimal.Zero, err
	}
	underlyingDecimals, _ := batch.Uint8(out[1], 0)
	tokenDecimals, _ := batch.Uint8(out[3], 0)

	normalizedSupply := fixedpoint.Normalize(supply, int(tokenDecimals))
	if normalizedSupply.IsZero() {
		return decimal.Zero, nil
	}

	underlyingPrice, err := cycle.Resolve(ctx, underlying, nil)
	if err != nil {
		return decimal.Zero, err
	}

	return fixedpoint.MulDiv(fixedpoint.Normalize(balance, int(underlyingDecimals)), underlyingPrice, normalizedSupply), nil
}

// UniV2LP prices a constant-product pool share by its pooled reserves:
// (balance0 * price0 + balance1 * price1) / totalSupply.
type UniV2LP struct {
	Reader Reader
	Pair   common.Address
}

func (u *UniV2LP) Kind() string { return "uniV2LP" }

func (u *UniV2LP) Resolve(ctx context.Context, cycle *Cycle) (decimal.Decimal, error) {
	out, err := u.Reader.Execute(ctx, []batch.Call{
		{Target: u.Pair, Signature: "token0()", Returns: []string{"address"}},
		{Target: u.Pair, Signature: "token1()", Returns: []string{"address"}},
		{Target: u.Pair, Signature: sigTotalSupply, Returns: []string{"uint256"}},
		{Target: u.Pair, Signature: sigDecimals, Returns: []string{"uint8"}},
	}, cycle.Block())
	if err != nil {
		return decimal.Zero, fmt.Errorf("reading pair %s: %w", u.Pair.Hex(), err)
	}

	token0, err := batch.Address(out[0], 0)
	if err != nil {
		return decimal.Zero, err
	}
	token1, err := batch.Address(out[1], 0)
	if err != nil {
		return decimal.Zero, err
	}
	supply, err := batch.BigInt(out[2], 0)
	if err != nil {
		return decimal.Zero, err
	}
	pairDecimals, _ := batch.Uint8(out[3], 0)

	normalizedSupply := fixedpoint.Normalize(supply, int(pairDecimals))
	if normalizedSupply.IsZero() {
		return decimal.Zero, nil
	}

	reserves, err := u.Reader.Execute(ctx, []batch.Call{
		{Target: token0, Signature: sigBalanceOf, Args: []any{u.Pair}, Returns: []string{"uint256"}},
		{Target: token0, Signature: sigDecimals, Returns: []string{"uint8"}},
		{Target: token1, Signature: sigBalanceOf, Args: []any{u.Pair}, Returns: []string{"uint256"}},
		{Target: token1, Signature: sigDecimals, Returns: []string{"uint8"}},
	}, cycle.Block())
	if err != nil {
		return decimal.Zero, fmt.Errorf("reading reserves of %s: %w", u.Pair.Hex(), err)
	}

	value := decimal.Zero
	for i, token := range []common.Address{token0, token1} {
		raw, err := batch.BigInt(reserves[2*i], 0)
		if err != nil {
			return decimal.Zero, err
		}
		decimals, _ := batch.Uint8(reserves[2*i+1], 0)

		price, err := cycle.Resolve(ctx, token, nil)
		if err != nil {
			return decimal.Zero, err
		}
		value = value.Add(fixedpoint.Normalize(raw, int(decimals)).Mul(price))
	}

	return value.DivRound(normalizedSupply, 36), nil
}

// Chainlink reads a price feed: latestAnswer / 10^decimals.
type Chainlink struct {
	Reader Reader
	Feed   common.Address
}

func (c *Chainlink) Kind() string { return "chainlink" }

func (c *Chainlink) Resolve(ctx context.Context, cycle *Cycle) (decimal.Decimal, error) {
	out, err := c.Reader.Execute(ctx, []batch.Call{
		{Target: c.Feed, Signature: "latestAnswer()", Returns: []string{"int256"}},
		{Target: c.Feed, Signature: sigDecimals, Returns: []string{"uint8"}},
	}, cycle.Block())
	if err != nil {
		return decimal.Zero, fmt.Errorf("reading feed %s: %w", c.Feed.Hex(), err)
	}

	answer, err := batch.BigInt(out[0], 0)
	if err != nil {
		return decimal.Zero, err
	}
	decimals, ok := batch.Uint8(out[1], 0)
	if !ok {
		return decimal.Zero, fmt.Errorf("feed %s returned no decimals", c.Feed.Hex())
	}
	return fixedpoint.Normalize(answer, int(decimals)), nil
}

// CoinGecko reads a spot price by coin id.
type CoinGecko struct {
	Provider outbound.CoinPriceProvider
	CoinID   string
}

func (c *CoinGecko) Kind() string { return "coingecko" }

func (c *CoinGecko) Resolve(ctx context.Context, _ *Cycle) (decimal.Decimal, error) {
	if c.Provider == nil {
		return decimal.Zero, errors.New("coin price provider not configured")
	}
	return c.Provider.SimplePrice(ctx, c.CoinID)
}

// Alias prices an asset as another asset, possibly on another network.
type Alias struct {
	Target Asset
}

func (a *Alias) Kind() string { return "alias" }

func (a *Alias) Resolve(ctx context.Context, cycle *Cycle) (decimal.Decimal, error) {
	return cycle.ResolveAsset(ctx, a.Target, nil)
}

// Fixed is a constant price.
type Fixed struct {
	Price decimal.Decimal
}

func (f *Fixed) Kind() string { return "fixed" }

func (f *Fixed) Resolve(context.Context, *Cycle) (decimal.Decimal, error) {
	return f.Price, nil
}

// ZapperMarket prices one unit of a market's underlying by the portfolio
// value the aggregator attributes to the market contract, divided by the
// underlying balance the market holds.
type ZapperMarket struct {
	Reader     Reader
	Portfolio  outbound.PortfolioProvider
	Market     common.Address
	Underlying common.Address
}

func (z *ZapperMarket) Kind() string { return "zapper" }

func (z *ZapperMarket) Resolve(ctx context.Context, cycle *Cycle) (decimal.Decimal, error) {
	if z.Portfolio == nil {
		return decimal.Zero, errors.New("portfolio provider not configured")
	}

	out, err := z.Reader.Execute(ctx, []batch.Call{
		{Target: z.Underlying, Signature: sigBalanceOf, Args: []any{z.Market}, Returns: []string{"uint256"}},
		{Target: z.Underlying, Signature: sigDecimals, Returns: []string{"uint8"}},
	}, cycle.Block())
	if err != nil {
		return decimal.Zero, fmt.Errorf("reading market balance of %s: %w", z.Market.Hex(), err)
	}

	raw, err := batch.BigInt(out[0], 0)
	if err != nil {
		return decimal.Zero, err
	}
	decimals, _ := batch.Uint8(out[1], 0)

	balance := fixedpoint.Normalize(raw, int(decimals))
	if balance.IsZero() {
		return decimal.Zero, nil
	}

	total, err := z.Portfolio.TotalUSD(ctx, z.Market)
	if err != nil {
		return decimal.Zero, err
	}
	return total.DivRound(balance, 36), nil
}

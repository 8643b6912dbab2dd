package protocol

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/archon-research/stl/baddebt/internal/domain/entity"
	"github.com/archon-research/stl/baddebt/internal/pkg/blockchain/batch"
	"github.com/archon-research/stl/baddebt/internal/pkg/fixedpoint"
	"github.com/archon-research/stl/baddebt/internal/ports/outbound"
	"github.com/archon-research/stl/baddebt/internal/services/price_resolver"
)

var _ Protocol = (*IronBank)(nil)

// CollateralRule values collateral an account holds outside the protocol.
// Exactly one of TokenBalance and Portfolio is set.
type CollateralRule struct {
	Account string

	TokenBalance *TokenBalanceRule
	Portfolio    *PortfolioRule
}

// TokenBalanceRule values Holder's balance of Token at the token's price.
type TokenBalanceRule struct {
	Token  common.Address
	Holder common.Address
}

// PortfolioRule values Address at the portfolio aggregator's total, less the
// debt SubtractDebtOf holds in the protocol when set.
type PortfolioRule struct {
	Address        common.Address
	SubtractDebtOf string
}

func (r CollateralRule) validate() error {
	if !common.IsHexAddress(r.Account) {
		return fmt.Errorf("invalid rule account %q", r.Account)
	}
	switch {
	case r.TokenBalance != nil && r.Portfolio != nil:
		return fmt.Errorf("rule for %s sets both tokenBalance and portfolio", r.Account)
	case r.TokenBalance == nil && r.Portfolio == nil:
		return fmt.Errorf("rule for %s sets neither tokenBalance nor portfolio", r.Account)
	case r.Portfolio != nil && r.Portfolio.SubtractDebtOf != "" && !common.IsHexAddress(r.Portfolio.SubtractDebtOf):
		return fmt.Errorf("invalid subtractDebtOf %q", r.Portfolio.SubtractDebtOf)
	}
	return nil
}

// IronBankConfig configures an Iron Bank instance.
type IronBankConfig struct {
	CompoundConfig

	Rules []CollateralRule
}

// IronBank is a Compound fork where some accounts are backed by assets held
// outside the protocol.
type IronBank struct {
	*Compound

	portfolio outbound.PortfolioProvider
	rules     map[common.Address]CollateralRule
}

// NewIronBank creates an Iron Bank strategy. portfolio may be nil when no
// rule uses it.
func NewIronBank(reader Reader, tokens *Registry, portfolio outbound.PortfolioProvider, config IronBankConfig) (*IronBank, error) {
	rules := make(map[common.Address]CollateralRule, len(config.Rules))
	for _, r := range config.Rules {
		if err := r.validate(); err != nil {
			return nil, err
		}
		if r.Portfolio != nil && portfolio == nil {
			return nil, fmt.Errorf("rule for %s needs a portfolio provider", r.Account)
		}
		rules[common.HexToAddress(r.Account)] = r
	}

	compound, err := NewCompound(reader, tokens, config.CompoundConfig)
	if err != nil {
		return nil, err
	}
	compound.logger = compound.config.Logger.With("component", "ironbank", "protocol", config.Name)

	return &IronBank{Compound: compound, portfolio: portfolio, rules: rules}, nil
}

// Prices adds the price of every token a balance rule values, keyed by token
// address.
func (b *IronBank) Prices(ctx context.Context, cycle *price_resolver.Cycle) (entity.PriceTable, error) {
	prices, err := b.Compound.Prices(ctx, cycle)
	if err != nil {
		return nil, err
	}

	var tokens []common.Address
	for _, r := range b.rules {
		if r.TokenBalance != nil {
			tokens = append(tokens, r.TokenBalance.Token)
		}
	}
	if len(tokens) == 0 {
		return prices, nil
	}
	if err := b.tokens.Load(ctx, tokens, cycle.Block()); err != nil {
		return nil, err
	}

	requests := make([]price_resolver.Request, len(tokens))
	for i, t := range tokens {
		requests[i] = price_resolver.Request{Key: t.Hex(), Asset: t}
	}
	extra, err := cycle.ResolveAll(ctx, requests)
	if err != nil {
		return nil, fmt.Errorf("pricing collateral tokens: %w", err)
	}
	for k, v := range extra {
		prices[k] = v
	}
	return prices, nil
}

// AdditionalCollateral applies the rule configured for account, if any.
func (b *IronBank) AdditionalCollateral(ctx context.Context, account string, book Book, prices entity.PriceTable, block *big.Int) (decimal.Decimal, error) {
	if !common.IsHexAddress(account) {
		return decimal.Zero, nil
	}
	rule, ok := b.rules[common.HexToAddress(account)]
	if !ok {
		return decimal.Zero, nil
	}

	switch {
	case rule.TokenBalance != nil:
		return b.tokenBalance(ctx, *rule.TokenBalance, prices, block)
	case rule.Portfolio != nil:
		return b.portfolioValue(ctx, *rule.Portfolio, book, prices)
	}
	return decimal.Zero, errors.New("empty collateral rule")
}

func (b *IronBank) tokenBalance(ctx context.Context, r TokenBalanceRule, prices entity.PriceTable, block *big.Int) (decimal.Decimal, error) {
	out, err := b.reader.ExecuteChunked(ctx, []batch.Call{
		{Target: r.Token, Signature: sigBalanceOf, Args: []any{r.Holder}, Returns: []string{"uint256"}},
	}, block)
	if err != nil {
		return decimal.Zero, fmt.Errorf("balance of %s in %s: %w", r.Holder.Hex(), r.Token.Hex(), err)
	}
	raw, err := batch.BigInt(out[0], 0)
	if err != nil {
		return decimal.Zero, err
	}
	price, err := prices.Get(r.Token.Hex())
	if err != nil {
		return decimal.Zero, err
	}
	return fixedpoint.Normalize(raw, b.tokens.Decimals(r.Token)).Mul(price), nil
}

func (b *IronBank) portfolioValue(ctx context.Context, r PortfolioRule, book Book, prices entity.PriceTable) (decimal.Decimal, error) {
	total, err := b.portfolio.TotalUSD(ctx, r.Address)
	if err != nil {
		return decimal.Zero, fmt.Errorf("portfolio of %s: %w", r.Address.Hex(), err)
	}
	if r.SubtractDebtOf == "" {
		return total, nil
	}

	other := lookup(book, r.SubtractDebtOf)
	if other == nil {
		return total, nil
	}
	_, debt, err := other.Value(prices)
	if err != nil {
		return decimal.Zero, err
	}
	return total.Sub(debt), nil
}

// lookup finds account in book regardless of address casing.
func lookup(book Book, account string) *entity.AccountPosition {
	if p, ok := book[account]; ok {
		return p
	}
	if common.IsHexAddress(account) {
		if p, ok := book[common.HexToAddress(account).Hex()]; ok {
			return p
		}
	}
	return nil
}

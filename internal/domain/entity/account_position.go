package entity

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// AccountPosition holds the human-scale collateral and debt balances of one
// account, keyed by asset. A missing asset key means a zero balance.
type AccountPosition struct {
	Account     string
	Collaterals map[string]decimal.Decimal
	Debts       map[string]decimal.Decimal
}

// NewAccountPosition creates an empty position for account.
func NewAccountPosition(account string) *AccountPosition {
	return &AccountPosition{
		Account:     account,
		Collaterals: make(map[string]decimal.Decimal),
		Debts:       make(map[string]decimal.Decimal),
	}
}

// SetCollateral records a collateral balance. Zero balances are omitted.
func (p *AccountPosition) SetCollateral(asset string, amount decimal.Decimal) error {
	return set(p.Collaterals, asset, amount)
}

// SetDebt records a debt balance. Zero balances are omitted.
func (p *AccountPosition) SetDebt(asset string, amount decimal.Decimal) error {
	return set(p.Debts, asset, amount)
}

// AddDebt increases the debt held in asset.
func (p *AccountPosition) AddDebt(asset string, amount decimal.Decimal) error {
	return set(p.Debts, asset, p.Debts[asset].Add(amount))
}

// IsEmpty reports whether the account holds neither collateral nor debt.
func (p *AccountPosition) IsEmpty() bool {
	return len(p.Collaterals) == 0 && len(p.Debts) == 0
}

// Assets returns every asset the position references.
func (p *AccountPosition) Assets() []string {
	assets := make([]string, 0, len(p.Collaterals)+len(p.Debts))
	for a := range p.Collaterals {
		assets = append(assets, a)
	}
	for a := range p.Debts {
		if _, ok := p.Collaterals[a]; !ok {
			assets = append(assets, a)
		}
	}
	return assets
}

// Value prices the position: the sums of collateral and of debt in the
// reference currency. Every held asset must have a price in prices.
func (p *AccountPosition) Value(prices PriceTable) (collateral, debt decimal.Decimal, err error) {
	collateral, err = sum(p.Collaterals, prices)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("collateral of %s: %w", p.Account, err)
	}
	debt, err = sum(p.Debts, prices)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("debt of %s: %w", p.Account, err)
	}
	return collateral, debt, nil
}

func sum(balances map[string]decimal.Decimal, prices PriceTable) (decimal.Decimal, error) {
	total := decimal.Zero
	for asset, amount := range balances {
		price, err := prices.Get(asset)
		if err != nil {
			return decimal.Zero, err
		}
		total = total.Add(amount.Mul(price))
	}
	return total, nil
}

func set(m map[string]decimal.Decimal, asset string, amount decimal.Decimal) error {
	if asset == "" {
		return fmt.Errorf("asset must not be empty")
	}
	if amount.IsNegative() {
		return fmt.Errorf("amount for %s must be non-negative, got %s", asset, amount)
	}
	if amount.IsZero() {
		delete(m, asset)
		return nil
	}
	m[asset] = amount
	return nil
}

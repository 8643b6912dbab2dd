package entity

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrMissingPrice is returned when an asset held by an account has no usable price.
var ErrMissingPrice = errors.New("missing price")

// USD is the asset key for balances already denominated in the reference currency.
const USD = "USD"

// PriceTable maps an asset key to its unit price in the reference currency.
// A zero price is never stored: it is indistinguishable from "unpriced".
type PriceTable map[string]decimal.Decimal

// Set stores a price. Zero and negative prices are rejected.
func (t PriceTable) Set(asset string, price decimal.Decimal) error {
	if !price.IsPositive() {
		return fmt.Errorf("price for %s must be positive, got %s", asset, price)
	}
	t[asset] = price
	return nil
}

// Get returns the price for asset, or ErrMissingPrice.
func (t PriceTable) Get(asset string) (decimal.Decimal, error) {
	p, ok := t[asset]
	if !ok || !p.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w for %s", ErrMissingPrice, asset)
	}
	return p, nil
}

package entity

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestAccountPosition_ZeroBalancesAreOmitted(t *testing.T) {
	p := NewAccountPosition("0xabc")

	if err := p.SetCollateral("C", decimal.NewFromInt(100)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := p.SetDebt("A", decimal.Zero); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, ok := p.Debts["A"]; ok {
		t.Error("zero debt should not be stored")
	}
	if p.IsEmpty() {
		t.Error("position with collateral should not be empty")
	}

	if err := p.SetCollateral("C", decimal.Zero); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !p.IsEmpty() {
		t.Error("position should be empty after clearing its only balance")
	}
}

func TestAccountPosition_RejectsInvalidInput(t *testing.T) {
	tests := []struct {
		name   string
		asset  string
		amount decimal.Decimal
	}{
		{name: "negative amount", asset: "A", amount: decimal.NewFromInt(-1)},
		{name: "empty asset", asset: "", amount: decimal.NewFromInt(1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewAccountPosition("0xabc")
			if err := p.SetDebt(tt.asset, tt.amount); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestAccountPosition_AddDebtAndAssets(t *testing.T) {
	p := NewAccountPosition("0xabc")
	_ = p.SetCollateral("B", decimal.NewFromInt(1))
	_ = p.SetDebt("B", decimal.NewFromInt(2))
	if err := p.AddDebt("VAI", decimal.NewFromInt(5)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := p.AddDebt("VAI", decimal.NewFromInt(5)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !p.Debts["VAI"].Equal(decimal.NewFromInt(10)) {
		t.Errorf("expected VAI debt 10, got %s", p.Debts["VAI"])
	}
	if got := len(p.Assets()); got != 2 {
		t.Errorf("expected 2 distinct assets, got %d", got)
	}
}

func TestPriceTable(t *testing.T) {
	prices := PriceTable{}
	if err := prices.Set("A", decimal.Zero); err == nil {
		t.Error("expected zero price to be rejected")
	}
	if _, err := prices.Get("A"); err == nil {
		t.Error("expected missing price error")
	}
	_ = prices.Set("A", decimal.NewFromInt(1))
	got, err := prices.Get("A")
	if err != nil || !got.Equal(decimal.NewFromInt(1)) {
		t.Errorf("Get = %s, %v", got, err)
	}
}

func TestAccountPosition_Value(t *testing.T) {
	prices := PriceTable{}
	_ = prices.Set("A", decimal.NewFromInt(1))
	_ = prices.Set("C", decimal.NewFromInt(100))

	p := NewAccountPosition("0xabc")
	_ = p.SetCollateral("C", decimal.RequireFromString("1.5"))
	_ = p.SetDebt("A", decimal.NewFromInt(10))

	collateral, debt, err := p.Value(prices)
	if err != nil {
		t.Fatalf("Value: %v", err)
	}
	if !collateral.Equal(decimal.NewFromInt(150)) {
		t.Errorf("collateral = %s, want 150", collateral)
	}
	if !debt.Equal(decimal.NewFromInt(10)) {
		t.Errorf("debt = %s, want 10", debt)
	}

	_ = p.SetDebt("B", decimal.NewFromInt(1))
	if _, _, err := p.Value(prices); !errors.Is(err, ErrMissingPrice) {
		t.Errorf("expected ErrMissingPrice, got %v", err)
	}
}

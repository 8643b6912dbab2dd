package valuation

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/archon-research/stl/baddebt/internal/domain/entity"
	"github.com/archon-research/stl/baddebt/internal/testutil"
)

func newEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(Config{Logger: testutil.DiscardLogger()})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

func fixturePrices() entity.PriceTable {
	prices := entity.PriceTable{}
	_ = prices.Set("A", testutil.Dec("1"))
	_ = prices.Set("B", testutil.Dec("10"))
	_ = prices.Set("C", testutil.Dec("100"))
	return prices
}

func position(account string, collaterals, debts map[string]string) *entity.AccountPosition {
	p := entity.NewAccountPosition(account)
	for a, v := range collaterals {
		_ = p.SetCollateral(a, testutil.Dec(v))
	}
	for a, v := range debts {
		_ = p.SetDebt(a, testutil.Dec(v))
	}
	return p
}

func fixturePositions() map[string]*entity.AccountPosition {
	return map[string]*entity.AccountPosition{
		"u1": position("u1", map[string]string{"C": "100"}, map[string]string{"A": "10"}),
		"u2": position("u2", map[string]string{"B": "10"}, map[string]string{"C": "10"}),
	}
}

func TestComputeReport_Fixture(t *testing.T) {
	report, totals, err := newEngine(t).ComputeReport(context.Background(), fixturePositions(), fixturePrices(), nil, 1_700_000_000)
	if err != nil {
		t.Fatalf("ComputeReport: %v", err)
	}

	// u1: collateral 10000, debt 10. u2: collateral 100, debt 1000.
	expected := entity.Report{
		Total:    "900000000000000000000",
		Updated:  1_700_000_000,
		Decimals: 18,
		Users:    []entity.BadDebtUser{{User: "u2", BadDebt: "900000000000000000000"}},
		TVL:      "9090000000000000000000",
		Deposits: "10100000000000000000000",
		Borrows:  "1010000000000000000000",
	}

	got, _ := json.Marshal(report)
	want, _ := json.Marshal(expected)
	if string(got) != string(want) {
		t.Errorf("report =\n%s\nwant\n%s", got, want)
	}
	if totals.Accounts != 2 || !totals.BadDebt.Equal(decimal.NewFromInt(900)) {
		t.Errorf("totals = %+v", totals)
	}
}

func TestComputeReport_Idempotent(t *testing.T) {
	engine := newEngine(t)
	positions := fixturePositions()
	positions["u0"] = position("u0", nil, map[string]string{"B": "1"})

	first, _, err := engine.ComputeReport(context.Background(), positions, fixturePrices(), nil, 1)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, _, err := engine.ComputeReport(context.Background(), positions, fixturePrices(), nil, 1)
	if err != nil {
		t.Fatalf("second: %v", err)
	}

	a, _ := json.Marshal(first)
	b, _ := json.Marshal(second)
	if string(a) != string(b) {
		t.Errorf("reports differ:\n%s\n%s", a, b)
	}
	if first.Users[0].User != "u0" || first.Users[1].User != "u2" {
		t.Errorf("users not sorted: %+v", first.Users)
	}
}

func TestComputeReport_MissingPrice(t *testing.T) {
	tests := []struct {
		name   string
		prices entity.PriceTable
	}{
		{name: "absent", prices: entity.PriceTable{"A": testutil.Dec("1"), "B": testutil.Dec("10")}},
		{name: "zero", prices: entity.PriceTable{"A": testutil.Dec("1"), "B": testutil.Dec("10"), "C": decimal.Zero}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := newEngine(t).ComputeReport(context.Background(), fixturePositions(), tt.prices, nil, 1)
			if !errors.Is(err, entity.ErrMissingPrice) {
				t.Fatalf("expected ErrMissingPrice, got %v", err)
			}
		})
	}
}

func TestComputeReport_AdditionalCollateral(t *testing.T) {
	tests := []struct {
		name      string
		extra     string
		err       error
		wantTotal string
		wantErr   bool
	}{
		{name: "covers part of the debt", extra: "400", wantTotal: "500000000000000000000"},
		{name: "covers all of the debt", extra: "900", wantTotal: "0"},
		{name: "negative adjustment is ignored", extra: "-50", wantTotal: "900000000000000000000"},
		{name: "failure is fatal", err: errors.New("portfolio unavailable"), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			additional := func(_ context.Context, account string) (decimal.Decimal, error) {
				if account != "u2" {
					return decimal.Zero, nil
				}
				if tt.err != nil {
					return decimal.Zero, tt.err
				}
				return testutil.Dec(tt.extra), nil
			}

			report, _, err := newEngine(t).ComputeReport(context.Background(), fixturePositions(), fixturePrices(), additional, 1)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("ComputeReport: %v", err)
			}
			if report.Total != tt.wantTotal {
				t.Errorf("total = %s, want %s", report.Total, tt.wantTotal)
			}
		})
	}
}

func TestComputeReport_EmptyAndPrecision(t *testing.T) {
	e, err := NewEngine(Config{Decimals: 6, Logger: testutil.DiscardLogger()})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	report, _, err := e.ComputeReport(context.Background(), nil, entity.PriceTable{}, nil, 7)
	if err != nil {
		t.Fatalf("ComputeReport: %v", err)
	}
	got, _ := json.Marshal(report)
	want := `{"total":"0","updated":7,"decimals":6,"users":[],"tvl":"0","deposits":"0","borrows":"0"}`
	if string(got) != want {
		t.Errorf("report = %s, want %s", got, want)
	}

	prices := entity.PriceTable{"A": testutil.Dec("0.3333333")}
	positions := map[string]*entity.AccountPosition{
		"u": position("u", nil, map[string]string{"A": "1"}),
	}
	report, _, err = e.ComputeReport(context.Background(), positions, prices, nil, 7)
	if err != nil {
		t.Fatalf("ComputeReport: %v", err)
	}
	if report.Total != "333333" || report.TVL != "-333333" {
		t.Errorf("total = %s, tvl = %s", report.Total, report.TVL)
	}
}

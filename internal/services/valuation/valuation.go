// Package valuation turns account positions and a price table into a
// bad-debt report.
//
// Each account is valued as collateral minus debt in the reference currency.
// Accounts with a negative net value are bad debt. Totals are accumulated with
// exact decimals and only scaled to fixed-point integer strings at the end.
package valuation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/archon-research/stl/baddebt/internal/domain/entity"
	"github.com/archon-research/stl/baddebt/internal/pkg/fixedpoint"
)

// CollateralFunc returns value an account holds outside the protocol.
type CollateralFunc func(ctx context.Context, account string) (decimal.Decimal, error)

// Config configures an Engine.
type Config struct {
	// Decimals is the fixed-point precision of every published amount.
	Decimals int

	Logger *slog.Logger
}

// ConfigDefaults returns the default engine configuration.
func ConfigDefaults() Config {
	return Config{
		Decimals: 18,
		Logger:   slog.Default(),
	}
}

// Totals are the unscaled figures behind a report.
type Totals struct {
	BadDebt  decimal.Decimal
	TVL      decimal.Decimal
	Deposits decimal.Decimal
	Borrows  decimal.Decimal
	Accounts int
}

// Engine computes reports.
type Engine struct {
	decimals int
	logger   *slog.Logger
}

// NewEngine creates an Engine.
func NewEngine(config Config) (*Engine, error) {
	defaults := ConfigDefaults()
	if config.Decimals == 0 {
		config.Decimals = defaults.Decimals
	}
	if config.Decimals < 0 {
		return nil, fmt.Errorf("decimals must be positive, got %d", config.Decimals)
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}
	return &Engine{
		decimals: config.Decimals,
		logger:   config.Logger.With("component", "valuation"),
	}, nil
}

// ComputeReport values every position at prices. additional may be nil.
// A held asset without a price fails the whole report with
// entity.ErrMissingPrice. The user list is sorted by account so equal inputs
// give equal reports.
func (e *Engine) ComputeReport(ctx context.Context, positions map[string]*entity.AccountPosition, prices entity.PriceTable, additional CollateralFunc, updated uint64) (*entity.Report, Totals, error) {
	accounts := make([]string, 0, len(positions))
	for a := range positions {
		accounts = append(accounts, a)
	}
	slices.SortFunc(accounts, func(a, b string) int {
		return strings.Compare(strings.ToLower(a), strings.ToLower(b))
	})

	totals := Totals{
		BadDebt:  decimal.Zero,
		TVL:      decimal.Zero,
		Deposits: decimal.Zero,
		Borrows:  decimal.Zero,
		Accounts: len(accounts),
	}
	users := make([]entity.BadDebtUser, 0)

	var missing []error
	for _, account := range accounts {
		if err := ctx.Err(); err != nil {
			return nil, Totals{}, err
		}

		collateral, debt, err := positions[account].Value(prices)
		if err != nil {
			if errors.Is(err, entity.ErrMissingPrice) {
				missing = append(missing, err)
				continue
			}
			return nil, Totals{}, err
		}

		if additional != nil {
			extra, err := additional(ctx, account)
			if err != nil {
				return nil, Totals{}, fmt.Errorf("additional collateral of %s: %w", account, err)
			}
			if extra.IsPositive() {
				collateral = collateral.Add(extra)
			}
		}

		net := collateral.Sub(debt)
		totals.Borrows = totals.Borrows.Add(debt)
		totals.Deposits = totals.Deposits.Add(collateral)
		totals.TVL = totals.TVL.Add(net)

		if net.IsNegative() {
			bad := net.Abs()
			totals.BadDebt = totals.BadDebt.Add(bad)
			users = append(users, entity.BadDebtUser{
				User:    account,
				BadDebt: fixedpoint.Scale(bad, e.decimals),
			})
		}
	}

	if len(missing) > 0 {
		return nil, Totals{}, errors.Join(missing...)
	}

	report := &entity.Report{
		Total:    fixedpoint.Scale(totals.BadDebt, e.decimals),
		Updated:  updated,
		Decimals: e.decimals,
		Users:    users,
		TVL:      fixedpoint.Scale(totals.TVL, e.decimals),
		Deposits: fixedpoint.Scale(totals.Deposits, e.decimals),
		Borrows:  fixedpoint.Scale(totals.Borrows, e.decimals),
	}

	e.logger.Info("report computed",
		"accountCount", totals.Accounts,
		"badDebtAccounts", len(users),
		"badDebt", totals.BadDebt.StringFixed(2),
		"tvl", totals.TVL.StringFixed(2))

	return report, totals, nil
}

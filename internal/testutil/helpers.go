// Package testutil holds hand-written fakes shared by package tests.
package testutil

import (
	"io"
	"log/slog"
	"math/big"

	"github.com/shopspring/decimal"
)

// DiscardLogger returns an slog.Logger that writes to io.Discard.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Units returns amount * 10^decimals as a raw on-chain integer.
func Units(amount string, decimals int) *big.Int {
	return decimal.RequireFromString(amount).Shift(int32(decimals)).BigInt()
}

// Dec parses a decimal literal, panicking on malformed input.
func Dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

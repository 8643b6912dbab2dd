package outbound

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// PriceSource is the primary price service keyed by network and token address.
// A zero price means the service has no usable value for the asset.
type PriceSource interface {
	Price(ctx context.Context, network string, asset common.Address) (decimal.Decimal, error)
}

// CoinPriceProvider returns spot prices for assets identified by a provider
// coin id (for example a CoinGecko id).
type CoinPriceProvider interface {
	SimplePrice(ctx context.Context, coinID string) (decimal.Decimal, error)
}

// PortfolioProvider returns the total USD value a third-party aggregator
// attributes to an address.
type PortfolioProvider interface {
	TotalUSD(ctx context.Context, address common.Address) (decimal.Decimal, error)
}

package utility

import (
	"context"
	"errors"

	"github.com/raterudder/optimshine/pkg/types"
)

// ErrNoPrices is returned when the feed answered but had no prices for the
// requested day.
var ErrNoPrices = errors.New("no prices available")

// Provider defines the interface for fetching a day of energy prices.
type Provider interface {
	// FetchPrices returns the price curve for the given business date
	// (YYYY-MM-DD).
	FetchPrices(ctx context.Context, date string) (types.PriceCurve, error)
}

// Configured sets up the price provider based on flags. For now, we only
// support the PSE RCE market price.
func Configured() Provider {
	return configuredPSE()
}

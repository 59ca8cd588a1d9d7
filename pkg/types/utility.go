package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Price represents the market price of electricity for one slot of the
// price feed.
type Price struct {
	Provider string    `json:"provider"`
	TSStart  time.Time `json:"tsStart"`

	// PerMWh is the price in the feed's currency per MWh. It is signed since
	// prices go negative when there is a surplus of generation.
	PerMWh decimal.Decimal `json:"perMWh"`
}

// PriceCurve holds one business day of prices in feed order. It is rebuilt
// every day and never modified after it is fetched.
type PriceCurve struct {
	Date   string  `json:"date"`
	Prices []Price `json:"prices"`
}

// Min returns the cheapest slot. Ties resolve to the earliest slot in feed
// order. ok is false for an empty curve.
func (c PriceCurve) Min() (Price, bool) {
	if len(c.Prices) == 0 {
		return Price{}, false
	}
	cheapest := c.Prices[0]
	for _, p := range c.Prices[1:] {
		if p.PerMWh.LessThan(cheapest.PerMWh) {
			cheapest = p
		}
	}
	return cheapest, true
}

// MinPriceHour returns the start of the UTC hour that contains the cheapest
// slot.
func (c PriceCurve) MinPriceHour() (time.Time, bool) {
	p, ok := c.Min()
	if !ok {
		return time.Time{}, false
	}
	return p.TSStart.UTC().Truncate(time.Hour), true
}

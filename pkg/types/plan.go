package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ChargeMode selects the battery charge current.
type ChargeMode string

const (
	ChargeModeNone   ChargeMode = "no_charge"
	ChargeModeSlow   ChargeMode = "slow_charge"
	ChargeModeNormal ChargeMode = "normal_charge"
	ChargeModeFast   ChargeMode = "fast_charge"
)

var chargeModeAmps = map[ChargeMode]int{
	ChargeModeNone:   1,
	ChargeModeSlow:   30,
	ChargeModeNormal: 60,
	ChargeModeFast:   90,
}

// Amps returns the charge current for the mode.
func (m ChargeMode) Amps() (int, error) {
	a, ok := chargeModeAmps[m]
	if !ok {
		return 0, fmt.Errorf("%s charge mode unknown", m)
	}
	return a, nil
}

// ChargeModeForPrice picks fast charging when the grid pays us to consume.
func ChargeModeForPrice(p decimal.Decimal) ChargeMode {
	if p.IsNegative() {
		return ChargeModeFast
	}
	return ChargeModeNormal
}

// Plan is the outcome of a single judge run.
type Plan struct {
	// Optim is true when the battery should be charged from the grid at
	// OptimDate.
	Optim        bool                `json:"optim"`
	OptimDate    time.Time           `json:"optimDate,omitzero"`
	SOCCheckDate time.Time           `json:"socCheckDate,omitzero"`
	MinPrice     decimal.NullDecimal `json:"minPrice"`
	JudgedAt     time.Time           `json:"judgedAt,omitzero"`
}

// ChargingMode derives the charge mode from the day's cheapest price.
func (p Plan) ChargingMode() ChargeMode {
	return ChargeModeForPrice(p.MinPrice.Decimal)
}

// Clear drops the optimization, used when the window was missed.
func (p *Plan) Clear() {
	p.Optim = false
	p.OptimDate = time.Time{}
	p.SOCCheckDate = time.Time{}
}

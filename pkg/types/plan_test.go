package types

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChargeMode(t *testing.T) {
	for mode, want := range map[ChargeMode]int{
		ChargeModeNone:   1,
		ChargeModeSlow:   30,
		ChargeModeNormal: 60,
		ChargeModeFast:   90,
	} {
		a, err := mode.Amps()
		require.NoError(t, err)
		assert.Equal(t, want, a, mode)
	}

	_, err := ChargeMode("test_mode").Amps()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "test_mode charge mode unknown")
}

func TestPlan(t *testing.T) {
	t.Run("ChargingMode", func(t *testing.T) {
		p := Plan{MinPrice: decimal.NewNullDecimal(decimal.NewFromInt(-5))}
		assert.Equal(t, ChargeModeFast, p.ChargingMode())
		p.MinPrice = decimal.NewNullDecimal(decimal.NewFromInt(5))
		assert.Equal(t, ChargeModeNormal, p.ChargingMode())
		p.MinPrice = decimal.NewNullDecimal(decimal.Zero)
		assert.Equal(t, ChargeModeNormal, p.ChargingMode())
	})

	t.Run("Clear", func(t *testing.T) {
		now := time.Now()
		p := Plan{Optim: true, OptimDate: now, SOCCheckDate: now}
		p.Clear()
		assert.False(t, p.Optim)
		assert.True(t, p.OptimDate.IsZero())
		assert.True(t, p.SOCCheckDate.IsZero())
	})
}

func TestSession(t *testing.T) {
	now := time.Now()
	var s *Session
	assert.True(t, s.Expired(now))
	s = &Session{Token: "t", ExpiresAt: now.Add(time.Minute)}
	assert.False(t, s.Expired(now))
	assert.True(t, s.Expired(now.Add(2*time.Minute)))
}

func TestWeatherWindow(t *testing.T) {
	t.Run("NotCloudy", func(t *testing.T) {
		w := WeatherWindow{LowClouds: []float64{0.038, 0.172, 0.115, 0.9}}
		assert.True(t, w.NotCloudy())
	})

	t.Run("HalfCloudy", func(t *testing.T) {
		w := WeatherWindow{LowClouds: []float64{0.8, 0.8, 0.115, 0.164}}
		assert.False(t, w.NotCloudy())
	})

	t.Run("ThresholdIsCloudy", func(t *testing.T) {
		w := WeatherWindow{LowClouds: []float64{0.75}}
		assert.False(t, w.NotCloudy())
	})

	t.Run("DayOrdering", func(t *testing.T) {
		rise := time.Date(2025, 6, 1, 3, 0, 0, 0, time.UTC)
		w := WeatherWindow{SunriseTime: rise, SunsetTime: rise.Add(16 * time.Hour)}
		assert.True(t, w.NormalDay())
		assert.False(t, w.Polar())

		w.SunsetTime = rise
		assert.True(t, w.Polar())
		assert.False(t, w.NormalDay())
	})
}

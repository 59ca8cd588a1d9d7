package controller

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/raterudder/optimshine/pkg/scheduler"
	"github.com/raterudder/optimshine/pkg/types"
)

var testPlant = types.Plant{
	ID:        "11",
	Name:      "Home",
	Latitude:  52.2,
	Longitude: 21.0,
	TimeZone:  "Europe/Warsaw",
}

func warsaw(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Europe/Warsaw")
	require.NoError(t, err)
	return loc
}

// curve builds quarter hour prices starting at start.
func curve(start time.Time, prices ...float64) types.PriceCurve {
	c := types.PriceCurve{Date: start.Format(time.DateOnly)}
	for i, p := range prices {
		c.Prices = append(c.Prices, types.Price{
			Provider: "pse",
			TSStart:  start.Add(time.Duration(i) * 15 * time.Minute),
			PerMWh:   decimal.NewFromFloat(p),
		})
	}
	return c
}

func sunnyWindow(day time.Time) types.WeatherWindow {
	return types.WeatherWindow{
		Date:            day.Format(time.DateOnly),
		SunriseTime:     day.Add(4 * time.Hour),
		SunsetTime:      day.Add(18 * time.Hour),
		FirstSampleTime: day.Add(4 * time.Hour),
		Interval:        time.Hour,
		LowClouds:       []float64{0.038, 0.172, 0.115, 0.9},
	}
}

type judgeFixture struct {
	judge   *Judge
	weather *mockWeather
	prices  *mockPrices
	system  *mockSystem
	sched   *recordingScheduler
}

func newJudgeFixture(now time.Time) judgeFixture {
	f := judgeFixture{
		weather: &mockWeather{},
		prices:  &mockPrices{},
		system:  &mockSystem{},
		sched:   newRecordingScheduler(),
	}
	f.judge = NewJudge(f.weather, f.prices, f.system, f.sched, DefaultConfig())
	f.judge.now = func() time.Time { return now }
	f.judge.exec.now = f.judge.now
	f.judge.SetTarget(testPlant, []string{"SN1"})
	return f
}

func TestNextJudgeTime(t *testing.T) {
	cfg := DefaultConfig()
	day := time.Date(2025, 4, 14, 0, 0, 0, 0, time.UTC)

	assert.Equal(t, day.Add(4*time.Hour+6*time.Minute), cfg.NextJudgeTime(day.Add(2*time.Hour)))
	assert.Equal(t, day.Add(28*time.Hour+6*time.Minute), cfg.NextJudgeTime(day.Add(4*time.Hour+6*time.Minute)))
	assert.Equal(t, day.Add(28*time.Hour+6*time.Minute), cfg.NextJudgeTime(day.Add(20*time.Hour)))

	// the judge time is in UTC regardless of the input zone
	loc := warsaw(t)
	assert.Equal(t, day.Add(28*time.Hour+6*time.Minute), cfg.NextJudgeTime(time.Date(2025, 4, 14, 7, 0, 0, 0, loc)))
}

func TestDecide(t *testing.T) {
	cfg := DefaultConfig()
	loc := warsaw(t)
	day := time.Date(2025, 4, 14, 0, 0, 0, 0, time.UTC)
	judgedAt := day.Add(4*time.Hour + 6*time.Minute)

	t.Run("CheapestQuarterHour", func(t *testing.T) {
		prices := curve(time.Date(2025, 4, 14, 0, 15, 0, 0, loc), 439.58, 449.58, 459.58)
		plan, err := cfg.Decide(judgedAt, sunnyWindow(day), prices)
		require.NoError(t, err)
		assert.True(t, plan.Optim)
		assert.True(t, decimal.NewFromFloat(439.58).Equal(plan.MinPrice.Decimal))
		// 00:15 in Warsaw is 22:15 UTC the day before
		assert.Equal(t, time.Date(2025, 4, 13, 22, 0, 0, 0, time.UTC), plan.OptimDate)
		assert.Equal(t, judgedAt.Add(2*time.Minute), plan.SOCCheckDate)
		assert.Equal(t, types.ChargeModeNormal, plan.ChargingMode())
	})

	t.Run("NegativePriceFastCharge", func(t *testing.T) {
		prices := curve(time.Date(2025, 4, 14, 12, 0, 0, 0, loc), 5, -5, -5)
		plan, err := cfg.Decide(judgedAt, sunnyWindow(day), prices)
		require.NoError(t, err)
		assert.Equal(t, types.ChargeModeFast, plan.ChargingMode())
		// first of the tied minimums
		assert.Equal(t, time.Date(2025, 4, 14, 10, 0, 0, 0, time.UTC), plan.OptimDate)
	})

	t.Run("WaitForSunrise", func(t *testing.T) {
		w := sunnyWindow(day)
		w.SunriseTime = day.Add(5 * time.Hour)
		plan, err := cfg.Decide(judgedAt, w, curve(day.Add(10*time.Hour), 1))
		require.NoError(t, err)
		assert.Equal(t, w.SunriseTime, plan.SOCCheckDate)
	})

	t.Run("Cloudy", func(t *testing.T) {
		w := sunnyWindow(day)
		w.LowClouds = []float64{0.8, 0.8, 0.115, 0.164}
		plan, err := cfg.Decide(judgedAt, w, curve(day.Add(10*time.Hour), 1))
		require.NoError(t, err)
		assert.False(t, plan.Optim)
		assert.True(t, plan.OptimDate.IsZero())
		assert.True(t, plan.SOCCheckDate.IsZero())
	})

	t.Run("NoPrices", func(t *testing.T) {
		_, err := cfg.Decide(judgedAt, sunnyWindow(day), types.PriceCurve{})
		assert.Error(t, err)
	})
}

func TestJudgeRun(t *testing.T) {
	ctx := context.Background()
	loc := warsaw(t)
	day := time.Date(2025, 4, 14, 0, 0, 0, 0, time.UTC)
	now := day.Add(4*time.Hour + 6*time.Minute)
	nextJudge := now.Add(24 * time.Hour)

	t.Run("SunnyDay", func(t *testing.T) {
		f := newJudgeFixture(now)
		f.weather.On("FetchWindow", mock.Anything, 52.2, 21.0, "2025-04-14").Return(sunnyWindow(day), nil)
		// 13:15 in Warsaw is 11:15 UTC
		f.prices.On("FetchPrices", mock.Anything, "2025-04-14").Return(curve(time.Date(2025, 4, 14, 13, 0, 0, 0, loc), 10, -5, 3), nil)

		res := f.judge.Run(ctx)
		require.True(t, res.OK(), res.Err)
		assert.Equal(t, map[string]time.Time{
			"optim_judge":                      nextJudge,
			"optim_soc_check_inv_SN1":          now.Add(2 * time.Minute),
			"optim_charge_battery_inv_SN1":     day.Add(11 * time.Hour),
			"optim_end_of_day_charge_inv_SN1": day.Add(18 * time.Hour),
		}, f.sched.times())
		assert.Equal(t, 1, f.sched.logs)

		status := f.judge.Status()
		assert.Equal(t, StateIdle, status.State)
		assert.NotEmpty(t, status.RunID)
		assert.True(t, status.NotCloudy)
		assert.True(t, status.Plan.Optim)
		assert.Equal(t, day.Add(11*time.Hour), status.Plan.OptimDate)

		// the charge job uses the price derived mode
		f.system.On("Session").Return(validSession(now))
		f.system.On("GetSetting", mock.Anything, "SN1", types.SettingBatteryChargeCurrent).Return(900.0, nil)
		job, ok := f.sched.job(ChargeJobID("SN1"))
		require.True(t, ok)
		assert.True(t, job.action(ctx).OK())
		f.system.AssertNotCalled(t, "SetChargeCurrent", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("CloudyDay", func(t *testing.T) {
		f := newJudgeFixture(now)
		w := sunnyWindow(day)
		w.LowClouds = []float64{0.8, 0.8, 0.115, 0.164}
		f.weather.On("FetchWindow", mock.Anything, 52.2, 21.0, "2025-04-14").Return(w, nil)
		f.prices.On("FetchPrices", mock.Anything, "2025-04-14").Return(curve(day.Add(10*time.Hour), 1), nil)

		res := f.judge.Run(ctx)
		assert.True(t, res.OK())
		assert.Equal(t, map[string]time.Time{"optim_judge": nextJudge}, f.sched.times())
		assert.False(t, f.judge.Status().Plan.Optim)
	})

	t.Run("MissedWindow", func(t *testing.T) {
		f := newJudgeFixture(now)
		f.weather.On("FetchWindow", mock.Anything, 52.2, 21.0, "2025-04-14").Return(sunnyWindow(day), nil)
		// cheapest at 03:00 UTC, before the judge ran
		f.prices.On("FetchPrices", mock.Anything, "2025-04-14").Return(curve(day.Add(3*time.Hour), -1, 5), nil)

		res := f.judge.Run(ctx)
		assert.True(t, res.OK())
		assert.Equal(t, map[string]time.Time{"optim_judge": nextJudge}, f.sched.times())

		plan := f.judge.Status().Plan
		assert.False(t, plan.Optim)
		assert.True(t, plan.OptimDate.IsZero())
		assert.True(t, plan.SOCCheckDate.IsZero())
	})

	t.Run("NotEnoughLeadTime", func(t *testing.T) {
		f := newJudgeFixture(now)
		f.weather.On("FetchWindow", mock.Anything, 52.2, 21.0, "2025-04-14").Return(sunnyWindow(day), nil)
		f.prices.On("FetchPrices", mock.Anything, "2025-04-14").Return(curve(day.Add(5*time.Hour+15*time.Minute), 1, 2, 3), nil)
		// the SOC check would be at 04:58, two minutes before the window
		f.judge.now = func() time.Time { return day.Add(4*time.Hour + 56*time.Minute) }

		res := f.judge.Run(ctx)
		assert.True(t, res.OK())
		times := f.sched.times()
		assert.NotContains(t, times, "optim_soc_check_inv_SN1")
		assert.Equal(t, day.Add(5*time.Hour), times["optim_charge_battery_inv_SN1"])
	})

	t.Run("WeatherFailed", func(t *testing.T) {
		f := newJudgeFixture(now)
		f.weather.On("FetchWindow", mock.Anything, 52.2, 21.0, "2025-04-14").Return(types.WeatherWindow{}, errors.New("boom"))
		f.prices.On("FetchPrices", mock.Anything, "2025-04-14").Return(curve(day.Add(10*time.Hour), 1), nil).Maybe()

		res := f.judge.Run(ctx)
		assert.Equal(t, scheduler.OutcomeHardFailure, res.Outcome)
		assert.Equal(t, map[string]time.Time{"optim_judge": now.Add(30 * time.Minute)}, f.sched.times())
		assert.Equal(t, StateIdle, f.judge.Status().State)
	})

	t.Run("PricesFailed", func(t *testing.T) {
		f := newJudgeFixture(now)
		f.weather.On("FetchWindow", mock.Anything, 52.2, 21.0, "2025-04-14").Return(sunnyWindow(day), nil).Maybe()
		f.prices.On("FetchPrices", mock.Anything, "2025-04-14").Return(types.PriceCurve{}, errors.New("boom"))

		res := f.judge.Run(ctx)
		assert.Equal(t, scheduler.OutcomeHardFailure, res.Outcome)
		assert.Equal(t, map[string]time.Time{"optim_judge": now.Add(30 * time.Minute)}, f.sched.times())
	})

	t.Run("NoInverters", func(t *testing.T) {
		f := newJudgeFixture(now)
		f.judge.SetTarget(testPlant, nil)
		f.weather.On("FetchWindow", mock.Anything, 52.2, 21.0, "2025-04-14").Return(sunnyWindow(day), nil)
		f.prices.On("FetchPrices", mock.Anything, "2025-04-14").Return(curve(day.Add(10*time.Hour), 1), nil)

		res := f.judge.Run(ctx)
		assert.Equal(t, scheduler.OutcomeHardFailure, res.Outcome)
		// the next day is still scheduled
		assert.Equal(t, map[string]time.Time{"optim_judge": nextJudge}, f.sched.times())
	})

	t.Run("NoPlant", func(t *testing.T) {
		f := newJudgeFixture(now)
		f.judge.SetTarget(types.Plant{}, []string{"SN1"})

		res := f.judge.Run(ctx)
		assert.Equal(t, scheduler.OutcomeHardFailure, res.Outcome)
		f.weather.AssertNotCalled(t, "FetchWindow", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("DateInPlantZone", func(t *testing.T) {
		// 23:30 UTC is already the next day in Warsaw
		late := day.Add(23*time.Hour + 30*time.Minute)
		f := newJudgeFixture(late)
		w := sunnyWindow(day)
		w.LowClouds = []float64{0.9}
		f.weather.On("FetchWindow", mock.Anything, 52.2, 21.0, "2025-04-15").Return(w, nil)
		f.prices.On("FetchPrices", mock.Anything, "2025-04-15").Return(curve(day.Add(30*time.Hour), 1), nil)

		assert.True(t, f.judge.Run(ctx).OK())
		f.weather.AssertExpectations(t)
		f.prices.AssertExpectations(t)
	})
}

func TestApplyStrategy(t *testing.T) {
	ctx := context.Background()
	day := time.Date(2025, 4, 14, 0, 0, 0, 0, time.UTC)
	now := day.Add(6 * time.Hour)

	plan := func() types.Plan {
		return types.Plan{
			Optim:        true,
			OptimDate:    day.Add(12 * time.Hour),
			SOCCheckDate: day.Add(4*time.Hour + 8*time.Minute),
			MinPrice:     decimal.NullDecimal{Decimal: decimal.NewFromInt(5), Valid: true},
			JudgedAt:     day.Add(4*time.Hour + 6*time.Minute),
		}
	}

	t.Run("StaleSOCCheckRebased", func(t *testing.T) {
		f := newJudgeFixture(now)
		p := plan()
		require.NoError(t, f.judge.applyStrategy(ctx, &p, sunnyWindow(day), []string{"SN1", "SN2"}))
		assert.Equal(t, now.Add(30*time.Second), p.SOCCheckDate)
		times := f.sched.times()
		assert.Equal(t, now.Add(30*time.Second), times["optim_soc_check_inv_SN1"])
		assert.Equal(t, now.Add(30*time.Second), times["optim_soc_check_inv_SN2"])
		assert.Equal(t, day.Add(12*time.Hour), times["optim_charge_battery_inv_SN2"])
		assert.Len(t, times, 6)
	})

	t.Run("MissingDates", func(t *testing.T) {
		f := newJudgeFixture(now)
		p := plan()
		p.SOCCheckDate = time.Time{}
		assert.Error(t, f.judge.applyStrategy(ctx, &p, sunnyWindow(day), []string{"SN1"}))
		assert.Empty(t, f.sched.times())
	})

	t.Run("MissingPrice", func(t *testing.T) {
		f := newJudgeFixture(now)
		p := plan()
		p.MinPrice = decimal.NullDecimal{}
		assert.Error(t, f.judge.applyStrategy(ctx, &p, sunnyWindow(day), []string{"SN1"}))
	})

	t.Run("NotNeeded", func(t *testing.T) {
		f := newJudgeFixture(now)
		p := types.Plan{}
		assert.NoError(t, f.judge.applyStrategy(ctx, &p, sunnyWindow(day), nil))
		assert.Empty(t, f.sched.times())
	})

	t.Run("PolarDayNoEndOfDayCharge", func(t *testing.T) {
		f := newJudgeFixture(now)
		w := sunnyWindow(day)
		w.SunsetTime = w.SunriseTime
		p := plan()
		require.NoError(t, f.judge.applyStrategy(ctx, &p, w, []string{"SN1"}))
		assert.NotContains(t, f.sched.times(), "optim_end_of_day_charge_inv_SN1")
		assert.Contains(t, f.sched.times(), "optim_charge_battery_inv_SN1")
	})

	t.Run("SunsetPassed", func(t *testing.T) {
		late := day.Add(19 * time.Hour)
		f := newJudgeFixture(late)
		p := plan()
		p.OptimDate = day.Add(22 * time.Hour)
		require.NoError(t, f.judge.applyStrategy(ctx, &p, sunnyWindow(day), []string{"SN1"}))
		assert.NotContains(t, f.sched.times(), "optim_end_of_day_charge_inv_SN1")
		assert.Contains(t, f.sched.times(), "optim_charge_battery_inv_SN1")
	})
}

func TestScheduleFirst(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 4, 14, 2, 0, 0, 0, time.UTC)

	f := newJudgeFixture(now)
	assert.Equal(t, now.Add(2*time.Hour+6*time.Minute), f.judge.ScheduleFirst(ctx, false))
	assert.Equal(t, map[string]time.Time{"optim_judge": now.Add(2*time.Hour + 6*time.Minute)}, f.sched.times())

	assert.Equal(t, now, f.judge.ScheduleFirst(ctx, true))
	assert.Equal(t, map[string]time.Time{"optim_judge": now}, f.sched.times())
}

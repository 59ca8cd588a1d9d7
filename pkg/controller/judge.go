package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/levenlabs/go-lflag"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/raterudder/optimshine/pkg/ess"
	"github.com/raterudder/optimshine/pkg/log"
	"github.com/raterudder/optimshine/pkg/metrics"
	"github.com/raterudder/optimshine/pkg/scheduler"
	"github.com/raterudder/optimshine/pkg/types"
	"github.com/raterudder/optimshine/pkg/utility"
	"github.com/raterudder/optimshine/pkg/weather"
)

// State is the judge's position in its daily cycle.
type State string

const (
	StateIdle            State = "idle"
	StateFetchingFactors State = "fetching_factors"
	StatePlanComputed    State = "plan_computed"
	StateStrategyApplied State = "strategy_applied"
)

// Status is a snapshot of the judge for diagnostics.
type Status struct {
	State     State       `json:"state"`
	RunID     string      `json:"runID,omitempty"`
	Plant     types.Plant `json:"plant"`
	Inverters []string    `json:"inverters"`
	Plan      types.Plan  `json:"plan"`
	NotCloudy bool        `json:"notCloudy"`
}

// Judge decides once a day whether the battery should be charged from the
// grid in the cheapest hour and schedules the actions that do it.
type Judge struct {
	weather weather.Provider
	prices  utility.Provider
	exec    *Executor
	sched   Scheduler
	cfg     Config
	now     func() time.Time

	mu        sync.Mutex
	state     State
	runID     string
	plant     types.Plant
	inverters []string
	plan      types.Plan
	window    types.WeatherWindow
}

// NewJudge returns a Judge. SetTarget must be called before it runs.
func NewJudge(w weather.Provider, p utility.Provider, system ess.System, sched Scheduler, cfg Config) *Judge {
	return &Judge{
		weather: w,
		prices:  p,
		exec:    NewExecutor(system, sched, cfg),
		sched:   sched,
		cfg:     cfg,
		now:     time.Now,
		state:   StateIdle,
	}
}

// Configured sets up flags for the daily cycle and returns a Judge using the
// given collaborators.
func Configured(w weather.Provider, p utility.Provider, system ess.System, sched Scheduler) *Judge {
	cfg := configuredConfig()
	j := NewJudge(w, p, system, sched, DefaultConfig())
	lflag.Do(func() {
		j.cfg = *cfg
		j.exec.cfg = *cfg
	})
	return j
}

// Executor returns the device action executor the judge schedules.
func (j *Judge) Executor() *Executor {
	return j.exec
}

// SetTarget sets the plant and inverters the judge plans for.
func (j *Judge) SetTarget(plant types.Plant, inverters []string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.plant = plant
	j.inverters = slices.Clone(inverters)
}

// Status returns a snapshot of the judge.
func (j *Judge) Status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return Status{
		State:     j.state,
		RunID:     j.runID,
		Plant:     j.plant,
		Inverters: slices.Clone(j.inverters),
		Plan:      j.plan,
		NotCloudy: !j.plan.JudgedAt.IsZero() && j.window.NotCloudy(),
	}
}

func (j *Judge) setState(s State) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.state = s
}

// ScheduleFirst registers the judge at the next judge time, or right away
// when immediately is set.
func (j *Judge) ScheduleFirst(ctx context.Context, immediately bool) time.Time {
	at := j.cfg.NextJudgeTime(j.now())
	if immediately {
		at = j.now()
	}
	log.Ctx(ctx).InfoContext(ctx, "scheduling optimization judge", slog.Time("at", at))
	j.sched.Schedule(JudgeJobID, at, j.Run)
	return at
}

// Run is the judge's scheduler action: it fetches the day's factors,
// decides, applies the strategy and schedules itself for the next day. When
// the factors aren't available it retries later instead.
func (j *Judge) Run(ctx context.Context) scheduler.Result {
	runID := uuid.NewString()
	ctx = log.WithAttrs(ctx, slog.String("runID", runID))

	j.mu.Lock()
	j.runID = runID
	j.state = StateFetchingFactors
	plant := j.plant
	inverters := slices.Clone(j.inverters)
	j.mu.Unlock()

	now := j.now()
	log.Ctx(ctx).InfoContext(ctx, "getting weather data and energy prices")
	window, curve, err := j.computeFactors(ctx, plant, now)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to get judge factors", slog.Any("error", err))
		retry := now.Add(j.cfg.JudgeRetry)
		log.Ctx(ctx).InfoContext(ctx, "rescheduling optimization judge", slog.Time("at", retry))
		j.sched.Schedule(JudgeJobID, retry, j.Run)
		j.setState(StateIdle)
		j.sched.LogJobs(ctx)
		metrics.JudgeRunsTotal.WithLabelValues("factors_failed").Inc()
		return scheduler.HardFailure(err)
	}

	plan, err := j.cfg.Decide(now, window, curve)
	if err != nil {
		// only possible with an empty curve, which computeFactors rejects
		log.Ctx(ctx).ErrorContext(ctx, "deciding optimization failed", slog.Any("error", err))
		j.setState(StateIdle)
		metrics.JudgeRunsTotal.WithLabelValues("decide_failed").Inc()
		return scheduler.HardFailure(err)
	}
	if plan.Optim {
		log.Ctx(ctx).InfoContext(ctx, "it'll be a sunny day")
	} else {
		log.Ctx(ctx).InfoContext(ctx, "it'll be a cloudy day")
	}
	log.Ctx(ctx).DebugContext(
		ctx,
		"plan computed",
		slog.Bool("optim", plan.Optim),
		slog.Time("optimDate", plan.OptimDate),
		slog.Time("socCheckDate", plan.SOCCheckDate),
		slog.String("minPrice", plan.MinPrice.Decimal.String()),
	)
	j.mu.Lock()
	j.plan = plan
	j.window = window
	j.state = StatePlanComputed
	j.mu.Unlock()

	log.Ctx(ctx).InfoContext(ctx, "setting up optimization strategy")
	applyErr := j.applyStrategy(ctx, &plan, window, inverters)

	j.mu.Lock()
	j.plan = plan
	j.state = StateStrategyApplied
	j.mu.Unlock()

	next := j.cfg.NextJudgeTime(j.now())
	log.Ctx(ctx).InfoContext(ctx, "scheduling next optimization judge", slog.Time("at", next))
	j.sched.Schedule(JudgeJobID, next, j.Run)
	j.setState(StateIdle)
	j.sched.LogJobs(ctx)

	if applyErr != nil {
		log.Ctx(ctx).ErrorContext(ctx, "setting optimization strategy failed", slog.Any("error", applyErr))
		metrics.JudgeRunsTotal.WithLabelValues("strategy_failed").Inc()
		return scheduler.HardFailure(applyErr)
	}
	metrics.JudgeRunsTotal.WithLabelValues("success").Inc()
	return scheduler.Success()
}

// computeFactors fetches the weather window and price curve for the plant's
// current date. Both are needed so either failing fails the run.
func (j *Judge) computeFactors(ctx context.Context, plant types.Plant, now time.Time) (types.WeatherWindow, types.PriceCurve, error) {
	if plant.ID == "" {
		log.Ctx(ctx).ErrorContext(ctx, "no plant info available")
		return types.WeatherWindow{}, types.PriceCurve{}, errors.New("no plant info available")
	}
	date := now.In(plant.Location()).Format(time.DateOnly)

	var (
		window types.WeatherWindow
		curve  types.PriceCurve
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		window, err = j.weather.FetchWindow(gctx, plant.Latitude, plant.Longitude, date)
		if err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "weather forecast is not available", slog.Any("error", err))
			return fmt.Errorf("failed to check weather: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		curve, err = j.prices.FetchPrices(gctx, date)
		if err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to get prices", slog.Any("error", err))
			return fmt.Errorf("failed to get prices: %w", err)
		}
		if len(curve.Prices) == 0 {
			return utility.ErrNoPrices
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return types.WeatherWindow{}, types.PriceCurve{}, err
	}

	log.Ctx(ctx).InfoContext(ctx, "successfully obtained judge factors", slog.String("date", date), slog.Bool("notCloudy", window.NotCloudy()))
	return window, curve, nil
}

// Decide turns the day's factors into a plan. The SOC check waits for
// sunrise when judging happens before it.
func (c Config) Decide(judgedAt time.Time, window types.WeatherWindow, curve types.PriceCurve) (types.Plan, error) {
	cheapest, ok := curve.Min()
	if !ok {
		return types.Plan{}, utility.ErrNoPrices
	}
	optimDate, _ := curve.MinPriceHour()

	plan := types.Plan{
		JudgedAt: judgedAt,
		MinPrice: decimal.NullDecimal{Decimal: cheapest.PerMWh, Valid: true},
	}
	if !window.NotCloudy() {
		return plan, nil
	}

	socCheck := judgedAt.Add(c.SOCCheckDelay)
	if window.SunriseTime.After(socCheck) {
		socCheck = window.SunriseTime
	}
	plan.Optim = true
	plan.OptimDate = optimDate
	plan.SOCCheckDate = socCheck
	return plan, nil
}

// applyStrategy schedules the plan's actions for every inverter. A window
// that already passed is cleared from the plan and isn't an error.
func (j *Judge) applyStrategy(ctx context.Context, plan *types.Plan, window types.WeatherWindow, inverters []string) error {
	if !plan.Optim {
		log.Ctx(ctx).InfoContext(ctx, "optimization not needed")
		return nil
	}
	if plan.OptimDate.IsZero() || plan.SOCCheckDate.IsZero() {
		log.Ctx(ctx).ErrorContext(ctx, "optimization dates not set")
		return errors.New("optimization dates not set")
	}
	if !plan.MinPrice.Valid {
		log.Ctx(ctx).ErrorContext(ctx, "minimum price not set")
		return errors.New("minimum price not set")
	}
	if len(inverters) == 0 {
		log.Ctx(ctx).ErrorContext(ctx, "no inverter list found")
		return errors.New("no inverter list found")
	}

	now := j.now()
	if now.After(plan.OptimDate) {
		log.Ctx(ctx).WarnContext(ctx, "optimization time was missed", slog.Time("optimDate", plan.OptimDate))
		plan.Clear()
		return nil
	}
	if now.After(plan.SOCCheckDate) {
		plan.SOCCheckDate = now.Add(j.cfg.SOCRebase)
	}

	mode := plan.ChargingMode()
	socCheck := plan.SOCCheckDate.Before(plan.OptimDate.Add(-j.cfg.LeadTime))
	endOfDay := window.NormalDay() && now.Before(window.SunsetTime)
	for _, inverter := range inverters {
		log.Ctx(ctx).InfoContext(ctx, "setting optimization strategy", slog.String("inverter", inverter), slog.String("mode", string(mode)))
		if socCheck {
			j.sched.Schedule(SOCCheckJobID(inverter), plan.SOCCheckDate, j.exec.SOCCheckAction(inverter, plan.OptimDate))
		}
		j.sched.Schedule(ChargeJobID(inverter), plan.OptimDate, j.exec.ChargeAction(inverter, mode))
		if endOfDay {
			j.sched.Schedule(EndOfDayJobID(inverter), window.SunsetTime, j.exec.ChargeAction(inverter, types.ChargeModeSlow))
		}
	}
	if !socCheck {
		log.Ctx(ctx).InfoContext(ctx, "not enough time before optimization for an SOC check")
	}
	return nil
}

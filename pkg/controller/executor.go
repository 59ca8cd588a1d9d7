package controller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/raterudder/optimshine/pkg/ess"
	"github.com/raterudder/optimshine/pkg/log"
	"github.com/raterudder/optimshine/pkg/metrics"
	"github.com/raterudder/optimshine/pkg/scheduler"
	"github.com/raterudder/optimshine/pkg/types"
)

// Scheduler is the part of the scheduler the controller needs.
type Scheduler interface {
	Schedule(id string, at time.Time, action scheduler.Action)
	LogJobs(ctx context.Context)
}

// Executor runs the device actions. Both actions are idempotent, so running
// them twice never issues a second write for a setting already at target.
type Executor struct {
	system ess.System
	sched  Scheduler
	cfg    Config
	now    func() time.Time

	loginMu sync.Mutex
}

// NewExecutor returns an Executor acting on system.
func NewExecutor(system ess.System, sched Scheduler, cfg Config) *Executor {
	return &Executor{
		system: system,
		sched:  sched,
		cfg:    cfg,
		now:    time.Now,
	}
}

// ensureSession logs in again when the session expired. Actions share one
// session so logins are serialized.
func (e *Executor) ensureSession(ctx context.Context) error {
	e.loginMu.Lock()
	defer e.loginMu.Unlock()

	if !e.system.Session().Expired(e.now()) {
		return nil
	}
	log.Ctx(ctx).InfoContext(ctx, "authorization token has expired, logging in")
	if _, err := e.system.Login(ctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "Authorization token has expired. Failed to login", slog.Any("error", err))
		return fmt.Errorf("re-authentication failed: %w", err)
	}
	return nil
}

// ChargeAction returns a scheduler action that charges inverter in mode.
func (e *Executor) ChargeAction(inverter string, mode types.ChargeMode) scheduler.Action {
	return func(ctx context.Context) scheduler.Result {
		return e.ChargeBattery(ctx, inverter, mode)
	}
}

// SOCCheckAction returns a scheduler action that checks inverter's battery
// ahead of optimDate.
func (e *Executor) SOCCheckAction(inverter string, optimDate time.Time) scheduler.Action {
	return func(ctx context.Context) scheduler.Result {
		return e.SOCCheck(ctx, inverter, optimDate)
	}
}

// ChargeBattery sets the inverter's charge current for mode and verifies it
// by reading it back. The device reports the current in tenths of an amp.
func (e *Executor) ChargeBattery(ctx context.Context, inverter string, mode types.ChargeMode) scheduler.Result {
	ctx = log.WithAttrs(log.WithInverter(ctx, inverter), slog.String("mode", string(mode)))

	if err := e.ensureSession(ctx); err != nil {
		metrics.ChargeCommandsTotal.WithLabelValues(string(mode), "failed").Inc()
		return scheduler.HardFailure(err)
	}

	amps, err := mode.Amps()
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, err.Error())
		metrics.ChargeCommandsTotal.WithLabelValues(string(mode), "failed").Inc()
		return scheduler.HardFailure(err)
	}
	target := float64(amps * 10)

	current, err := e.system.GetSetting(ctx, inverter, types.SettingBatteryChargeCurrent)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "Getting battery charge current failed", slog.Any("error", err))
		metrics.ChargeCommandsTotal.WithLabelValues(string(mode), "failed").Inc()
		return scheduler.HardFailure(fmt.Errorf("getting battery charge current failed: %w", err))
	}
	if current == target {
		log.Ctx(ctx).InfoContext(ctx, "Correct charge current value is already set", slog.Int("amps", amps))
		metrics.ChargeCommandsTotal.WithLabelValues(string(mode), "unchanged").Inc()
		return scheduler.Success()
	}

	if err := e.system.SetChargeCurrent(ctx, inverter, amps); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "Failed to set battery charge current", slog.Any("error", err))
		metrics.ChargeCommandsTotal.WithLabelValues(string(mode), "failed").Inc()
		return scheduler.HardFailure(fmt.Errorf("setting battery charge current failed: %w", err))
	}

	current, err = e.system.GetSetting(ctx, inverter, types.SettingBatteryChargeCurrent)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "Getting battery charge current failed (Validation)", slog.Any("error", err))
		metrics.ChargeCommandsTotal.WithLabelValues(string(mode), "failed").Inc()
		return scheduler.HardFailure(fmt.Errorf("validating battery charge current failed: %w", err))
	}
	if current != target {
		log.Ctx(ctx).ErrorContext(ctx, "Wrong current value", slog.Float64("expected", target), slog.Float64("actual", current))
		metrics.ChargeCommandsTotal.WithLabelValues(string(mode), "failed").Inc()
		return scheduler.HardFailure(fmt.Errorf("wrong charge current value %v after set, expected %v", current, target))
	}

	log.Ctx(ctx).InfoContext(ctx, "Battery charging optimization was successful", slog.Int("amps", amps))
	metrics.ChargeCommandsTotal.WithLabelValues(string(mode), "set").Inc()
	return scheduler.Success()
}

// SOCCheck slowly charges a battery below SOCThreshold and checks it again
// later, as long as the next check still lands ahead of optimDate by the
// lead time. A battery at or above the threshold stops charging and ends
// the chain.
func (e *Executor) SOCCheck(ctx context.Context, inverter string, optimDate time.Time) scheduler.Result {
	ctx = log.WithInverter(ctx, inverter)

	if err := e.ensureSession(ctx); err != nil {
		return scheduler.HardFailure(err)
	}

	soc, err := e.system.GetDeviceValue(ctx, inverter, types.DeviceValueBatterySOC)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "Getting battery state of charge failed", slog.Any("error", err))
		return scheduler.HardFailure(fmt.Errorf("getting battery state of charge failed: %w", err))
	}
	metrics.BatterySOC.WithLabelValues(inverter).Set(soc)

	if soc >= SOCThreshold {
		log.Ctx(ctx).InfoContext(ctx, "Battery is ready for optimization. No charge mode set", slog.Float64("soc", soc))
		return e.ChargeBattery(ctx, inverter, types.ChargeModeNone)
	}

	log.Ctx(ctx).InfoContext(ctx, "Battery needs to be charge before optimization", slog.Float64("soc", soc))
	if res := e.ChargeBattery(ctx, inverter, types.ChargeModeSlow); !res.OK() {
		return res
	}

	next := e.now().Add(e.cfg.SOCRecheck)
	if next.Before(optimDate.Add(-e.cfg.LeadTime)) {
		e.sched.Schedule(SOCCheckJobID(inverter), next, e.SOCCheckAction(inverter, optimDate))
	} else {
		log.Ctx(ctx).DebugContext(ctx, "next SOC check would be too close to the optimization window")
	}
	e.sched.LogJobs(ctx)
	return scheduler.Success()
}

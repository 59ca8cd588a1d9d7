package controller

import (
	"time"

	"github.com/levenlabs/go-lflag"
)

// SOCThreshold is the state of charge (in percent) below which the battery
// is slowly charged ahead of the optimization window.
const SOCThreshold = 50.0

// Config holds the cadences of the daily cycle.
type Config struct {
	// JudgeTimeOfDay is the offset from UTC midnight of the daily judge run,
	// a few minutes after the price feed publishes the next day.
	JudgeTimeOfDay time.Duration
	// JudgeRetry is how long to back off after the judge couldn't get its
	// factors.
	JudgeRetry time.Duration
	// SOCCheckDelay is the earliest the first SOC check runs after judging.
	SOCCheckDelay time.Duration
	// SOCRecheck is the cadence of SOC checks while the battery is low.
	SOCRecheck time.Duration
	// SOCRebase is how far in the future a stale SOC check is moved.
	SOCRebase time.Duration
	// LeadTime is the minimum gap between an SOC check and the optimization
	// window for the check to be worth running.
	LeadTime time.Duration
}

// DefaultConfig returns the default cadences.
func DefaultConfig() Config {
	return Config{
		JudgeTimeOfDay: 4*time.Hour + 6*time.Minute,
		JudgeRetry:     30 * time.Minute,
		SOCCheckDelay:  2 * time.Minute,
		SOCRecheck:     30 * time.Minute,
		SOCRebase:      30 * time.Second,
		LeadTime:       180 * time.Second,
	}
}

func configuredConfig() *Config {
	cfg := DefaultConfig()
	judgeTime := lflag.Duration("judge-time-of-day", cfg.JudgeTimeOfDay, "Offset from UTC midnight of the daily judge run")
	judgeRetry := lflag.Duration("judge-retry", cfg.JudgeRetry, "Delay before retrying a judge run that couldn't get weather or prices")
	socCheckDelay := lflag.Duration("soc-check-delay", cfg.SOCCheckDelay, "Earliest SOC check after the judge runs")
	socRecheck := lflag.Duration("soc-recheck-interval", cfg.SOCRecheck, "How often to re-check a low battery")
	socRebase := lflag.Duration("soc-check-rebase", cfg.SOCRebase, "Delay of an SOC check whose time already passed")
	leadTime := lflag.Duration("optim-lead-time", cfg.LeadTime, "Minimum gap between an SOC check and the optimization window")

	lflag.Do(func() {
		cfg.JudgeTimeOfDay = *judgeTime
		cfg.JudgeRetry = *judgeRetry
		cfg.SOCCheckDelay = *socCheckDelay
		cfg.SOCRecheck = *socRecheck
		cfg.SOCRebase = *socRebase
		cfg.LeadTime = *leadTime
	})
	return &cfg
}

// NextJudgeTime returns the first judge time strictly after now.
func (c Config) NextJudgeTime(now time.Time) time.Time {
	now = now.UTC()
	next := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).Add(c.JudgeTimeOfDay)
	for !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

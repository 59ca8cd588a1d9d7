package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	APICallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "optimshine_api_calls_total",
			Help: "Total external API calls",
		},
		[]string{"api", "method", "status"},
	)

	APILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "optimshine_api_latency_seconds",
			Help:    "External API call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"api", "method"},
	)

	SchedulerEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "optimshine_scheduler_events_total",
			Help: "Scheduler job events by kind",
		},
		[]string{"event"},
	)

	SchedulerPendingJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "optimshine_scheduler_pending_jobs",
			Help: "Number of jobs waiting for their trigger time",
		},
	)

	JudgeRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "optimshine_judge_runs_total",
			Help: "Daily judge runs by outcome",
		},
		[]string{"outcome"},
	)

	ChargeCommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "optimshine_charge_commands_total",
			Help: "Charge current commands by mode and result",
		},
		[]string{"mode", "result"},
	)

	BatterySOC = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "optimshine_battery_soc_percent",
			Help: "Last observed battery state of charge",
		},
		[]string{"inverter"},
	)
)

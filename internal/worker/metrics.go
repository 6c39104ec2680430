package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "usda_report_runs_total",
		Help: "Report runs by terminal state.",
	}, []string{"report_id", "state"})

	runDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "usda_report_run_duration_seconds",
		Help:    "Wall-clock duration of report runs.",
		Buckets: prometheus.DefBuckets,
	}, []string{"report_id"})

	runsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "usda_report_runs_in_flight",
		Help: "Report runs currently executing.",
	})

	lockSkipsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "usda_report_lock_skips_total",
		Help: "Runs skipped because another process held the report lock.",
	}, []string{"report_id"})

	notificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "usda_report_notifications_total",
		Help: "Report emails handed to the notifier.",
	}, []string{"report_id"})
)

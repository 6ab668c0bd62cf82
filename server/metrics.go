package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	scanRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reminder_scan_runs_total",
		Help: "Completed reminder scans by outcome.",
	}, []string{"status"})

	scanDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "reminder_scan_duration_seconds",
		Help:    "Wall-clock duration of reminder scans.",
		Buckets: prometheus.DefBuckets,
	})

	remindersSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reminders_sent_total",
		Help: "Reminder deliveries that reached at least one device.",
	})

	remindersSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reminders_skipped_total",
		Help: "Reminder deliveries skipped by the idempotency claim.",
	})

	remindersFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reminders_failed_total",
		Help: "Reminder deliveries that failed on every channel.",
	})
)

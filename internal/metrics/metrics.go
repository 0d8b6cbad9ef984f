// Package metrics holds the Prometheus collectors of the watcher and its status server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PollsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vault_watcher_polls_total",
			Help: "Poll ticks by account and result (ok, transient, structural, stale, abandoned).",
		},
		[]string{"account", "result"},
	)
	SampleDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vault_watcher_sample_duration_seconds",
			Help:    "Wall time of one sample including retries.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"account"},
	)
	SkippedTicks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vault_watcher_skipped_ticks_total",
			Help: "Ticks skipped because the previous tick of the account was still running.",
		},
		[]string{"account"},
	)
	AnomaliesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vault_watcher_anomalies_total",
			Help: "Anomalous samples by account and rule.",
		},
		[]string{"account", "rule"},
	)
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vault_watcher_notifications_total",
			Help: "Notification deliveries by channel and status.",
		},
		[]string{"channel", "status"},
	)
	DispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vault_watcher_dispatch_total",
			Help: "Dispatch queue outcomes (delivered, failed, dropped).",
		},
		[]string{"queue", "outcome"},
	)
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vault_watcher_dispatch_queue_depth",
			Help: "Items waiting in a dispatch queue.",
		},
		[]string{"queue"},
	)
	LastBalance = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vault_watcher_balance",
			Help: "Last observed balance of a vault account.",
		},
		[]string{"account"},
	)
	LastSampleTime = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vault_watcher_last_sample_timestamp_seconds",
			Help: "Unix time of the last accepted sample.",
		},
		[]string{"account"},
	)
	PrunedSamples = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vault_watcher_pruned_samples_total",
			Help: "Persisted samples removed by retention.",
		},
	)
)

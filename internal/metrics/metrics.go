// Package metrics exposes Prometheus instrumentation for the engine.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "draftsync_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	actionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "draftsync_actions_total",
			Help: "Actions executed against sessions by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	actionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "draftsync_action_duration_seconds",
			Help:    "Time to apply, record and store one action",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
		},
		[]string{"kind"},
	)

	commitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "draftsync_commits_total",
			Help: "Commit attempts by outcome",
		},
		[]string{"outcome"},
	)

	checkpointsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "draftsync_checkpoints_total",
			Help: "Checkpoints written by trigger",
		},
		[]string{"trigger"},
	)

	conflictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "draftsync_conflict_resolutions_total",
			Help: "Conflict resolutions by strategy and whether conflicts remained",
		},
		[]string{"strategy", "clean"},
	)

	storeRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "draftsync_store_cas_retries_total",
			Help: "Session writes retried after a revision conflict",
		},
	)

	sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "draftsync_sessions_tracked",
			Help: "Sessions tracked by this instance",
		},
	)

	subscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "draftsync_subscribers",
			Help: "Connected push-channel subscribers",
		},
	)

	subscribersDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "draftsync_subscribers_dropped_total",
			Help: "Subscribers dropped because their queue was full",
		},
	)

	initOnce sync.Once
)

// Init registers the collectors with the default registry.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpRequestsTotal,
			actionsTotal,
			actionDuration,
			commitsTotal,
			checkpointsTotal,
			conflictsTotal,
			storeRetries,
			sessionsActive,
			subscribers,
			subscribersDropped,
		)
	})
}

func Handler() http.Handler {
	return promhttp.Handler()
}

func RecordHTTPRequest(method, route, status string) {
	httpRequestsTotal.WithLabelValues(method, route, status).Inc()
}

func RecordAction(kind, outcome string, duration time.Duration) {
	actionsTotal.WithLabelValues(kind, outcome).Inc()
	actionDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

func RecordCommit(outcome string) {
	commitsTotal.WithLabelValues(outcome).Inc()
}

func RecordCheckpoint(trigger string) {
	checkpointsTotal.WithLabelValues(trigger).Inc()
}

func RecordConflict(strategy string, clean bool) {
	label := "false"
	if clean {
		label = "true"
	}
	conflictsTotal.WithLabelValues(strategy, label).Inc()
}

func RecordStoreRetry() {
	storeRetries.Inc()
}

func SetSessionsTracked(n int) {
	sessionsActive.Set(float64(n))
}

func SubscriberAdded() {
	subscribers.Inc()
}

func SubscriberRemoved() {
	subscribers.Dec()
}

func SubscriberDropped() {
	subscribersDropped.Inc()
}

// Package metrics exposes Prometheus collectors for the caches, schedulers
// and execution worker. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "dlmm"

type Metrics struct {
	CacheRequests      *prometheus.CounterVec
	CacheFetchDuration *prometheus.HistogramVec
	CacheFetchErrors   *prometheus.CounterVec
	CachedPools        *prometheus.GaugeVec

	MonitorTicks     *prometheus.CounterVec
	ActiveMonitors   prometheus.Gauge
	Notifications    *prometheus.CounterVec
	ActionsEnqueued  *prometheus.CounterVec
	ExecutionResults *prometheus.CounterVec
	JobsDropped      *prometheus.CounterVec
}

// New registers all collectors with reg. Pass prometheus.DefaultRegisterer
// in production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		CacheRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "requests_total",
			Help:      "Pool cache lookups by cache and result (hit, miss, stale).",
		}, []string{"cache", "result"}),
		CacheFetchDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "fetch_duration_seconds",
			Help:      "Duration of upstream fetches performed by the pool caches.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"cache"}),
		CacheFetchErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "fetch_errors_total",
			Help:      "Failed upstream fetches by cache.",
		}, []string{"cache"}),
		CachedPools: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "pools",
			Help:      "Pools held after filtering.",
		}, []string{"cache"}),
		MonitorTicks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "ticks_total",
			Help:      "Opportunity checks by result (ok, skipped, error).",
		}, []string{"result"}),
		ActiveMonitors: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "active",
			Help:      "Wallets with an armed monitor job.",
		}),
		Notifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "messages_total",
			Help:      "Outbound chat messages by kind and result.",
		}, []string{"kind", "result"}),
		ActionsEnqueued: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "automation",
			Name:      "actions_enqueued_total",
			Help:      "Automation actions written to the queue.",
		}, []string{"action"}),
		ExecutionResults: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "automation",
			Name:      "executions_total",
			Help:      "Executed queue entries by action and result.",
		}, []string{"action", "result"}),
		JobsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "dropped_total",
			Help:      "Job runs dropped because no worker slot freed up within the grace period.",
		}, []string{"job"}),
	}
}

func (m *Metrics) CacheHit(cache string) {
	if m == nil {
		return
	}
	m.CacheRequests.WithLabelValues(cache, "hit").Inc()
}

func (m *Metrics) CacheMiss(cache string) {
	if m == nil {
		return
	}
	m.CacheRequests.WithLabelValues(cache, "miss").Inc()
}

func (m *Metrics) CacheStale(cache string) {
	if m == nil {
		return
	}
	m.CacheRequests.WithLabelValues(cache, "stale").Inc()
	m.CacheFetchErrors.WithLabelValues(cache).Inc()
}

func (m *Metrics) CacheFetchFailed(cache string) {
	if m == nil {
		return
	}
	m.CacheFetchErrors.WithLabelValues(cache).Inc()
}

func (m *Metrics) CacheFetched(cache string, took time.Duration, pools int) {
	if m == nil {
		return
	}
	m.CacheFetchDuration.WithLabelValues(cache).Observe(took.Seconds())
	m.CachedPools.WithLabelValues(cache).Set(float64(pools))
}

func (m *Metrics) Tick(result string) {
	if m == nil {
		return
	}
	m.MonitorTicks.WithLabelValues(result).Inc()
}

func (m *Metrics) SetActiveMonitors(n int) {
	if m == nil {
		return
	}
	m.ActiveMonitors.Set(float64(n))
}

func (m *Metrics) Notified(kind string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Notifications.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) Enqueued(action string) {
	if m == nil {
		return
	}
	m.ActionsEnqueued.WithLabelValues(action).Inc()
}

func (m *Metrics) Executed(action string, err error) {
	if m == nil {
		return
	}
	result := "completed"
	if err != nil {
		result = "failed"
	}
	m.ExecutionResults.WithLabelValues(action, result).Inc()
}

func (m *Metrics) Dropped(job string) {
	if m == nil {
		return
	}
	m.JobsDropped.WithLabelValues(job).Inc()
}

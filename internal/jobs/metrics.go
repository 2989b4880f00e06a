package jobmetrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for background jobs.
type Metrics struct {
	runs     *prometheus.CounterVec
	failures *prometheus.CounterVec
	duration *prometheus.HistogramVec
	lowStock prometheus.Gauge
	drift    *prometheus.CounterVec
	alerts   *prometheus.CounterVec
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// NewMetrics registers the job metrics against the provided registerer. When the
// registerer is nil the default Prometheus registerer is used.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		defaultOnce.Do(func() {
			defaultMetrics = buildMetrics(prometheus.DefaultRegisterer)
		})
		return defaultMetrics
	}
	return buildMetrics(registerer)
}

// Tracker provides lifecycle instrumentation helpers for a single job run.
type Tracker struct {
	metrics *Metrics
	job     string
	start   time.Time
}

// Track spawns a tracker for the given job name.
func (m *Metrics) Track(job string) *Tracker {
	if m == nil {
		return &Tracker{job: job, start: time.Now()}
	}
	return &Tracker{metrics: m, job: job, start: time.Now()}
}

// End finalises the tracker, recording duration, success/failure counts and
// returning the provided error untouched.
func (t *Tracker) End(err error) error {
	if t == nil || t.metrics == nil || t.job == "" {
		return err
	}
	status := "success"
	if err != nil {
		status = "failure"
		t.metrics.failures.WithLabelValues(t.job).Inc()
	}
	t.metrics.runs.WithLabelValues(t.job, status).Inc()
	t.metrics.duration.WithLabelValues(t.job).Observe(time.Since(t.start).Seconds())
	return err
}

// SetLowStockEntries publishes the size of the latest low-stock scan.
func (m *Metrics) SetLowStockEntries(count int) {
	if m == nil {
		return
	}
	m.lowStock.Set(float64(count))
}

// AddDrift counts entries whose reserved counter disagreed with open reservations.
func (m *Metrics) AddDrift(warehouseID int64, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.drift.WithLabelValues(formatInt(warehouseID)).Add(float64(count))
}

// AddLowStockAlert counts processed low-stock alerts per warehouse.
func (m *Metrics) AddLowStockAlert(warehouseID int64) {
	if m == nil {
		return
	}
	m.alerts.WithLabelValues(formatInt(warehouseID)).Inc()
}

func formatInt(v int64) string {
	if v <= 0 {
		return "0"
	}
	return strconv.FormatInt(v, 10)
}

func buildMetrics(registerer prometheus.Registerer) *Metrics {
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stockledger_jobs_total",
		Help: "Total job executions partitioned by job name and status.",
	}, []string{"job", "status"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stockledger_jobs_failures_total",
		Help: "Total failures observed for background jobs.",
	}, []string{"job"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stockledger_job_duration_seconds",
		Help:    "Duration in seconds of background job executions.",
		Buckets: prometheus.DefBuckets,
	}, []string{"job"})
	lowStock := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "stockledger_low_stock_entries",
		Help: "Stock entries below the low-stock threshold at the last scan.",
	})
	drift := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stockledger_reservation_drift_total",
		Help: "Entries found with reserved counters that disagree with open reservations.",
	}, []string{"warehouse"})
	alerts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stockledger_low_stock_alerts_total",
		Help: "Low-stock alerts processed by the worker.",
	}, []string{"warehouse"})
	registerer.MustRegister(runs, failures, duration, lowStock, drift, alerts)
	return &Metrics{runs: runs, failures: failures, duration: duration, lowStock: lowStock, drift: drift, alerts: alerts}
}

package stock

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records ledger operation outcomes. A nil *Metrics is a no-op.
type Metrics struct {
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	units      *prometheus.CounterVec
}

// NewMetrics registers the ledger collectors on registerer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	operations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stockledger_operations_total",
		Help: "Ledger operations partitioned by operation and outcome kind.",
	}, []string{"operation", "outcome"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stockledger_operation_duration_seconds",
		Help:    "Duration of ledger operations including lock waits.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})
	units := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stockledger_units_total",
		Help: "Units moved by committed ledger movements, by movement kind.",
	}, []string{"kind"})
	registerer.MustRegister(operations, duration, units)
	return &Metrics{operations: operations, duration: duration, units: units}
}

func (m *Metrics) observe(op string, start time.Time, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = string(KindOf(err))
	}
	m.operations.WithLabelValues(op, outcome).Inc()
	m.duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (m *Metrics) addMovements(movements []Movement) {
	if m == nil {
		return
	}
	for _, mv := range movements {
		units := mv.QuantityDelta
		if units == 0 {
			units = mv.ReservedDelta
		}
		if units < 0 {
			units = -units
		}
		m.units.WithLabelValues(string(mv.Kind)).Add(float64(units))
	}
}

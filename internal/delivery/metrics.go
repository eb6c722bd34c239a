package delivery

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for the delivery engine.
//
// Metrics:
//   - hookrelay_deliveries_total{outcome} - Delivery attempts by outcome
//   - hookrelay_delivery_duration_seconds - Outbound POST latency
//   - hookrelay_events_dispatched_total - Events carried by successful deliveries
//   - hookrelay_circuit_opened_total - Destinations disabled by the breaker
//   - hookrelay_config_cache_hits_total / _misses_total - Config cache lookups
//   - hookrelay_sweep_runs_total{result} - Sweep invocations
type Metrics struct {
	DeliveriesTotal  *prometheus.CounterVec
	DeliveryDuration prometheus.Histogram
	EventsDispatched prometheus.Counter
	CircuitOpened    prometheus.Counter

	CacheHitsTotal   prometheus.Counter
	CacheMissesTotal prometheus.Counter

	SweepRunsTotal *prometheus.CounterVec
}

// NewMetrics creates delivery metrics registered with reg. A nil reg
// leaves them unregistered, which tests use to avoid duplicate
// registration panics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		DeliveriesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hookrelay_deliveries_total",
				Help: "Total webhook delivery attempts by outcome",
			},
			[]string{"outcome"},
		),
		DeliveryDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "hookrelay_delivery_duration_seconds",
				Help:    "Duration of outbound webhook POSTs in seconds",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 11), // 10ms to ~10s
			},
		),
		EventsDispatched: f.NewCounter(
			prometheus.CounterOpts{
				Name: "hookrelay_events_dispatched_total",
				Help: "Total events carried by successful deliveries",
			},
		),
		CircuitOpened: f.NewCounter(
			prometheus.CounterOpts{
				Name: "hookrelay_circuit_opened_total",
				Help: "Total destinations disabled after reaching the failure threshold",
			},
		),
		CacheHitsTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name: "hookrelay_config_cache_hits_total",
				Help: "Total destination config cache hits",
			},
		),
		CacheMissesTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name: "hookrelay_config_cache_misses_total",
				Help: "Total destination config cache misses, including expiries",
			},
		),
		SweepRunsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hookrelay_sweep_runs_total",
				Help: "Total safety-net sweeps by result (completed, skipped, error)",
			},
			[]string{"result"},
		),
	}
}

func (m *Metrics) recordOutcome(o Outcome) {
	m.DeliveriesTotal.WithLabelValues(string(o)).Inc()
}

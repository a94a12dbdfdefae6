package filter

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the driver collectors. One Metrics is shared by every
// filter loaded over the life of the process so reloads do not register
// collectors twice.
type Metrics struct {
	invocations *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	pauses      *prometheus.CounterVec
	recycled    *prometheus.CounterVec
	poolMisses  *prometheus.CounterVec
	cache       *prometheus.CounterVec
	breaker     *prometheus.GaugeVec
}

// NewMetrics creates the filter collectors and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hostbridge",
			Name:      "filter_invocations_total",
			Help:      "onStart calls by filter and result (continue, pause, error, timeout, rejected).",
		}, []string{"filter", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "hostbridge",
			Name:      "filter_duration_seconds",
			Help:      "Time spent inside onStart.",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"filter"}),
		pauses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hostbridge",
			Name:      "filter_pauses_total",
			Help:      "Requests paused by a nonzero onStart result.",
		}, []string{"filter"}),
		recycled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hostbridge",
			Name:      "filter_instances_recycled_total",
			Help:      "Instances closed after reaching max_requests_per_instance or failing.",
		}, []string{"filter", "reason"}),
		poolMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hostbridge",
			Name:      "filter_pool_misses_total",
			Help:      "Borrows that had to instantiate a new module.",
		}, []string{"filter"}),
		cache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hostbridge",
			Name:      "compile_cache_total",
			Help:      "Compiled module cache lookups by result (hit, miss).",
		}, []string{"result"}),
		breaker: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "hostbridge",
			Name:      "filter_circuit_state",
			Help:      "Circuit breaker state: 0 closed, 1 half-open, 2 open.",
		}, []string{"filter"}),
	}
	if reg != nil {
		reg.MustRegister(m.invocations, m.duration, m.pauses, m.recycled, m.poolMisses, m.cache, m.breaker)
	}
	return m
}

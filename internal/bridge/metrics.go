package bridge

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts host function activity.
type Metrics struct {
	calls         *prometheus.CounterVec
	allocs        prometheus.Counter
	allocBytes    prometheus.Counter
	allocFailures prometheus.Counter
	logsDropped   prometheus.Counter
}

// NewMetrics creates the bridge collectors and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hostbridge",
			Name:      "host_calls_total",
			Help:      "Host function calls made by guests.",
		}, []string{"function"}),
		allocs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hostbridge",
			Name:      "guest_allocations_total",
			Help:      "Guest memory blocks allocated by the host.",
		}),
		allocBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hostbridge",
			Name:      "guest_allocated_bytes_total",
			Help:      "Bytes of guest memory allocated by the host and never freed by it.",
		}),
		allocFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hostbridge",
			Name:      "guest_allocation_failures_total",
			Help:      "Guest allocations that failed and trapped the call.",
		}),
		logsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hostbridge",
			Name:      "guest_logs_dropped_total",
			Help:      "Guest log lines that could not be decoded, had no logger or were throttled.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.calls, m.allocs, m.allocBytes, m.allocFailures, m.logsDropped)
	}
	return m
}

func (m *Metrics) call(name string) {
	m.calls.WithLabelValues(name).Inc()
}

func (m *Metrics) alloc(size uint32) {
	m.allocs.Inc()
	m.allocBytes.Add(float64(size))
}

func (m *Metrics) allocFailure() {
	m.allocFailures.Inc()
}

func (m *Metrics) logDropped() {
	m.logsDropped.Inc()
}

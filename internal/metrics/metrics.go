package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/wudi/hostbridge/internal/middleware"
)

// DefaultBuckets are default histogram buckets in seconds
var DefaultBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0}

// Collector tracks served requests for Prometheus export.
type Collector struct {
	requestsTotal    *prometheus.CounterVec
	requestDurations *prometheus.HistogramVec
	inFlight         prometheus.Gauge
	reloads          *prometheus.CounterVec
}

// NewCollector creates the request collectors and registers them with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hostbridge",
			Name:      "http_requests_total",
			Help:      "Requests served by method and status code.",
		}, []string{"method", "status"}),
		requestDurations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "hostbridge",
			Name:      "http_request_duration_seconds",
			Help:      "Request latency including filter execution.",
			Buckets:   DefaultBuckets,
		}, []string{"method"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hostbridge",
			Name:      "http_requests_in_flight",
			Help:      "Requests currently being served.",
		}),
		reloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hostbridge",
			Name:      "filter_reloads_total",
			Help:      "Filter reloads by result (success, failure).",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(c.requestsTotal, c.requestDurations, c.inFlight, c.reloads)
	}
	return c
}

// RecordRequest records a completed request
func (c *Collector) RecordRequest(method string, statusCode int, duration time.Duration) {
	c.requestsTotal.WithLabelValues(method, strconv.Itoa(statusCode)).Inc()
	c.requestDurations.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordReload records the outcome of a filter reload.
func (c *Collector) RecordReload(ok bool) {
	if ok {
		c.reloads.WithLabelValues("success").Inc()
		return
	}
	c.reloads.WithLabelValues("failure").Inc()
}

// Middleware records every request passing through it.
func (c *Collector) Middleware() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			c.inFlight.Inc()
			defer c.inFlight.Dec()

			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			c.RecordRequest(r.Method, sw.status, time.Since(start))
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

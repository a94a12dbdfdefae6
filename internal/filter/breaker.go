package filter

import (
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/wudi/hostbridge/internal/config"
)

func newBreaker(name string, cfg config.CircuitBreakerConfig, m *Metrics, logger *zap.Logger) *gobreaker.CircuitBreaker[uint32] {
	threshold := uint32(cfg.FailureThreshold)
	m.breaker.WithLabelValues(name).Set(0)
	return gobreaker.NewCircuitBreaker[uint32](gobreaker.Settings{
		Name:        name,
		MaxRequests: uint32(cfg.MaxRequests),
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			m.breaker.WithLabelValues(name).Set(breakerGauge(to))
			logger.Warn("filter circuit state changed",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
}

func breakerGauge(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

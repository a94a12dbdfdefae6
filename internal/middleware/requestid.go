package middleware

import (
	"context"
	"net/http"
	"sync/atomic"

	"github.com/google/uuid"
)

func init() {
	// Batch crypto/rand reads into a pool to avoid a syscall per UUID.
	uuid.EnableRandPool()
}

// RequestIDConfig configures the request ID middleware
type RequestIDConfig struct {
	// Header is the header name to use for the request ID
	Header string
	// Generator generates a new request ID
	Generator func() string
	// TrustHeader trusts incoming request ID headers
	TrustHeader bool
}

// DefaultRequestIDConfig provides default request ID settings
var DefaultRequestIDConfig = RequestIDConfig{
	Header:      "X-Request-ID",
	Generator:   defaultIDGenerator,
	TrustHeader: true,
}

func defaultIDGenerator() string {
	return uuid.New().String()
}

// requestKey is the context key for per-request identifiers.
type requestKey struct{}

type requestIDs struct {
	id  string
	seq uint32
}

// sequence numbers requests in arrival order. Wasm filters receive it as
// the i32 context id of onStart/onDestroy.
var sequence atomic.Uint32

// RequestID creates a request ID middleware with default config
func RequestID() Middleware {
	return RequestIDWithConfig(DefaultRequestIDConfig)
}

// RequestIDWithConfig creates a request ID middleware with custom config
func RequestIDWithConfig(cfg RequestIDConfig) Middleware {
	if cfg.Header == "" {
		cfg.Header = "X-Request-ID"
	}
	if cfg.Generator == nil {
		cfg.Generator = defaultIDGenerator
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var requestID string

			// Check for existing request ID if trusted
			if cfg.TrustHeader {
				requestID = r.Header.Get(cfg.Header)
			}

			// Generate new ID if not present
			if requestID == "" {
				requestID = cfg.Generator()
			}

			r.Header.Set(cfg.Header, requestID)
			w.Header().Set(cfg.Header, requestID)

			ctx := context.WithValue(r.Context(), requestKey{}, requestIDs{
				id:  requestID,
				seq: sequence.Add(1) - 1,
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// WithRequestID adds a request ID and sequence number to the context
func WithRequestID(ctx context.Context, requestID string, seq uint32) context.Context {
	return context.WithValue(ctx, requestKey{}, requestIDs{id: requestID, seq: seq})
}

// RequestIDFromContext extracts the request ID from context
func RequestIDFromContext(ctx context.Context) string {
	ids, _ := ctx.Value(requestKey{}).(requestIDs)
	return ids.id
}

// SequenceFromContext returns the arrival number assigned by RequestID and
// whether one was assigned.
func SequenceFromContext(ctx context.Context) (uint32, bool) {
	ids, ok := ctx.Value(requestKey{}).(requestIDs)
	return ids.seq, ok
}

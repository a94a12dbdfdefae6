package filter

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/wudi/hostbridge/internal/bridge"
	gwerrors "github.com/wudi/hostbridge/internal/errors"
	"github.com/wudi/hostbridge/internal/middleware"
)

// Holder holds the filter currently serving requests. Reloads swap it
// without blocking in-flight streams.
type Holder struct {
	current atomic.Pointer[Filter]
}

// NewHolder returns a Holder serving f. f may be nil.
func NewHolder(f *Filter) *Holder {
	h := &Holder{}
	if f != nil {
		h.current.Store(f)
	}
	return h
}

// Load returns the current filter, or nil.
func (h *Holder) Load() *Filter {
	return h.current.Load()
}

// Swap installs f and closes the filter it replaces.
func (h *Holder) Swap(ctx context.Context, f *Filter) {
	if old := h.current.Swap(f); old != nil && old != f {
		old.Close(ctx)
	}
}

// Middleware runs the filter returned by current on every request. The
// request headers are the guest's header source and headers it adds are set
// on the response.
func Middleware(current func() *Filter) middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			f := current()
			if f == nil {
				writeError(w, r, "", gwerrors.ErrFilterUnavailable)
				return
			}

			ctx := r.Context()
			id, ok := middleware.SequenceFromContext(ctx)
			if !ok {
				id = f.NextID()
			}

			stream, err := f.NewStream(ctx, id)
			if err != nil {
				f.logger.Error("wasm filter unavailable", zap.Error(err))
				writeError(w, r, f.name, filterError(err))
				return
			}
			defer stream.Close(context.WithoutCancel(ctx))

			requestID := middleware.RequestIDFromContext(ctx)
			ex := &bridge.Exchange{
				Source: bridge.HeaderSourceFunc(func() bridge.Headers { return RequestHeaders(r) }),
				Sink:   bridge.HeaderSinkFunc(w.Header().Set),
				Logger: f.engine.logger.With(zap.String("filter", f.name), zap.String("request_id", requestID)),
			}

			action, err := stream.Start(ctx, ex)
			if err == nil && action != ActionContinue {
				f.logger.Debug("wasm filter paused request",
					zap.String("request_id", requestID),
					zap.Stringer("action", action),
					zap.Duration("resume_delay", f.resumeDelay),
				)
				if !sleepCtx(ctx, f.resumeDelay) {
					return
				}
				// One more pass; whatever it returns the request continues.
				_, err = stream.Start(ctx, ex)
			}
			if err != nil {
				f.logger.Error("wasm filter failed", zap.String("request_id", requestID), zap.Error(err))
				writeError(w, r, f.name, filterError(err))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RequestHeaders returns r's headers with lower-cased names sorted by name,
// first value only, plus the request host as "host".
func RequestHeaders(r *http.Request) bridge.Headers {
	h := make(bridge.Headers, 0, len(r.Header)+1)
	for k, v := range r.Header {
		if len(v) == 0 {
			continue
		}
		h = append(h, bridge.Header{Key: strings.ToLower(k), Value: v[0]})
	}
	if r.Host != "" && r.Header.Get("Host") == "" {
		h = append(h, bridge.Header{Key: "host", Value: r.Host})
	}
	sort.Slice(h, func(i, j int) bool { return h[i].Key < h[j].Key })
	return h
}

func filterError(err error) *gwerrors.FilterError {
	var base *gwerrors.FilterError
	switch {
	case errors.Is(err, ErrTimeout):
		base = gwerrors.ErrFilterTimeout
	case errors.Is(err, gobreaker.ErrOpenState),
		errors.Is(err, gobreaker.ErrTooManyRequests),
		errors.Is(err, ErrPoolClosed):
		base = gwerrors.ErrFilterUnavailable
	default:
		base = gwerrors.ErrFilterFailed
	}
	return base.Cause(err)
}

func writeError(w http.ResponseWriter, r *http.Request, name string, fe *gwerrors.FilterError) {
	if name != "" {
		fe = fe.WithFilter(name)
	}
	if reqID := middleware.RequestIDFromContext(r.Context()); reqID != "" {
		fe = fe.WithRequestID(reqID)
	}
	fe.WriteJSON(w)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

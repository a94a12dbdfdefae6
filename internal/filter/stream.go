package filter

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/wudi/hostbridge/internal/bridge"
	"github.com/wudi/hostbridge/internal/tracing"
)

// Action is the value onStart returns.
type Action uint32

// ActionContinue lets the request proceed. Any other value pauses it.
const ActionContinue Action = 0

func (a Action) String() string {
	if a == ActionContinue {
		return "continue"
	}
	return "pause(" + strconv.FormatUint(uint64(a), 10) + ")"
}

var (
	// ErrTimeout is returned when a guest call exceeds the filter timeout.
	ErrTimeout = errors.New("filter call timed out")
	// ErrStreamClosed is returned by Start after Close or a failed call.
	ErrStreamClosed = errors.New("filter stream closed")
)

// Stream is one request's use of a filter instance. It is not safe for
// concurrent use.
type Stream struct {
	filter *Filter
	inst   *Instance
	id     uint32
	ex     *bridge.Exchange

	// broken is set once a guest call trapped or timed out. The instance
	// is then discarded instead of returned to the pool.
	broken  bool
	closed  bool
	started bool
}

// ID returns the context id passed to the guest.
func (s *Stream) ID() uint32 {
	return s.id
}

// Start calls the guest's onStart with ex available to host functions.
func (s *Stream) Start(ctx context.Context, ex *bridge.Exchange) (Action, error) {
	if s.closed || s.broken {
		return ActionContinue, ErrStreamClosed
	}
	s.ex = ex
	f := s.filter
	m := f.engine.metrics

	start := time.Now()
	var (
		result uint32
		err    error
	)
	if f.breaker != nil {
		result, err = f.breaker.Execute(func() (uint32, error) {
			return s.call(ctx, f.onStart, ex)
		})
	} else {
		result, err = s.call(ctx, f.onStart, ex)
	}
	m.duration.WithLabelValues(f.name).Observe(time.Since(start).Seconds())

	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		m.invocations.WithLabelValues(f.name, "rejected").Inc()
		return ActionContinue, err
	case errors.Is(err, ErrTimeout):
		m.invocations.WithLabelValues(f.name, "timeout").Inc()
		return ActionContinue, err
	case err != nil:
		m.invocations.WithLabelValues(f.name, "error").Inc()
		return ActionContinue, err
	}

	action := Action(result)
	if action != ActionContinue {
		m.invocations.WithLabelValues(f.name, "pause").Inc()
		m.pauses.WithLabelValues(f.name).Inc()
	} else {
		m.invocations.WithLabelValues(f.name, "continue").Inc()
	}
	return action, nil
}

func (s *Stream) call(ctx context.Context, export string, ex *bridge.Exchange) (uint32, error) {
	f := s.filter
	ctx, span := f.engine.tracer.StartSpan(ctx, "wasm."+export,
		attribute.String("wasm.filter", f.name),
		attribute.Int64("wasm.context_id", int64(s.id)),
	)
	defer span.End()

	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}
	ctx = bridge.WithExchange(ctx, ex)

	if export == f.onStart {
		s.started = true
	}
	fn := s.inst.mod.ExportedFunction(export)
	results, err := fn.Call(ctx, uint64(s.id))
	if err != nil {
		s.broken = true
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w after %s: %w", ErrTimeout, f.timeout, err)
		} else {
			err = fmt.Errorf("%s: %w", export, err)
		}
		tracing.RecordError(span, err)
		return 0, err
	}
	if len(results) == 0 {
		return 0, nil
	}
	return uint32(results[0]), nil
}

// Close calls onDestroy when the guest exports it and onStart ran, then
// releases the instance. A broken instance is discarded. Close is idempotent.
func (s *Stream) Close(ctx context.Context) {
	if s.closed {
		return
	}
	s.closed = true
	f := s.filter

	if f.onDestroy != "" && s.started && !s.broken {
		if _, err := s.call(ctx, f.onDestroy, s.ex); err != nil {
			f.logger.Warn("wasm onDestroy failed", zap.Uint32("context_id", s.id), zap.Error(err))
		}
	}

	if s.broken {
		f.pool.Discard(ctx, s.inst)
		f.engine.metrics.recycled.WithLabelValues(f.name, "failed").Inc()
		return
	}
	if f.pool.Return(ctx, s.inst) {
		f.engine.metrics.recycled.WithLabelValues(f.name, "max_requests").Inc()
	}
}

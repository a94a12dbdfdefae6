package bridge

import (
	"context"
	"fmt"
	"math"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type ctxKey struct{}

// Exchange is the per-invocation state host functions act on. A driver builds
// one for each guest call and attaches it with WithExchange.
type Exchange struct {
	// Source supplies the incoming headers read by envoy_getHeader and
	// envoy_getHeaderPairs. Nil behaves as an empty mapping.
	Source HeaderSource
	// Sink receives envoy_addHeader. Nil makes envoy_addHeader a no-op.
	Sink HeaderSink
	// Logger receives envoy_log. Nil falls back to the host logger.
	Logger *zap.Logger
}

// WithExchange returns a context carrying ex for host functions.
func WithExchange(ctx context.Context, ex *Exchange) context.Context {
	return context.WithValue(ctx, ctxKey{}, ex)
}

// ExchangeFromContext returns the exchange attached to ctx, or nil.
func ExchangeFromContext(ctx context.Context) *Exchange {
	if v, ok := ctx.Value(ctxKey{}).(*Exchange); ok {
		return v
	}
	return nil
}

// snapshot materializes the source once so every pass of a call observes the
// same pairs in the same order.
func (ex *Exchange) snapshot() Headers {
	if ex == nil || ex.Source == nil {
		return nil
	}
	return ex.Source.Headers().Clone()
}

// Host is the host function table. It holds no per-request state and may be
// shared by any number of guest instances.
type Host struct {
	moduleName string
	allocator  Allocator
	metrics    *Metrics
	logger     *zap.Logger
	logLimiter *rate.Limiter
}

// Option configures a Host.
type Option func(*Host)

// WithAllocator sets how guest memory is obtained.
func WithAllocator(a Allocator) Option {
	return func(h *Host) { h.allocator = a }
}

// WithMetrics sets the collectors updated by host functions.
func WithMetrics(m *Metrics) Option {
	return func(h *Host) { h.metrics = m }
}

// WithLogger sets the logger used for guest logs when the exchange has none.
func WithLogger(l *zap.Logger) Option {
	return func(h *Host) { h.logger = l }
}

// WithLogLimiter throttles guest log lines. Lines over the limit are dropped.
func WithLogLimiter(l *rate.Limiter) Option {
	return func(h *Host) { h.logLimiter = l }
}

// WithModuleName overrides the import module name (default "env").
func WithModuleName(name string) Option {
	return func(h *Host) { h.moduleName = name }
}

// New creates a Host.
func New(opts ...Option) *Host {
	h := &Host{moduleName: ModuleName}
	for _, opt := range opts {
		opt(h)
	}
	if h.allocator == nil {
		h.allocator = NewExportAllocator()
	}
	if h.metrics == nil {
		h.metrics = NewMetrics(nil)
	}
	return h
}

// ModuleName returns the import module name guests link against.
func (h *Host) ModuleName() string {
	return h.moduleName
}

type entry struct {
	Function
	fn any
}

func (h *Host) table() []entry {
	return []entry{
		{Function{Name: FuncLog, Params: []string{"level", "msg_ptr", "msg_len"}}, h.log},
		{Function{Name: FuncAddHeader, Params: []string{"header_type", "key_ptr", "key_len", "value_ptr", "value_len"}}, h.addHeader},
		{Function{Name: FuncGetHeader, Params: []string{"header_type", "key_ptr", "key_len", "value_ptr_out", "value_len_out"}}, h.getHeader},
		{Function{Name: FuncGetHeaderPairs, Params: []string{"header_type", "pairs_ptr_out", "pairs_len_out"}}, h.getHeaderPairs},
		{Function{Name: FuncReplaceHeader, Params: []string{"header_type", "key_ptr", "key_len", "value_ptr", "value_len"}, Reserved: true}, h.replaceHeader},
		{Function{Name: FuncRemoveHeader, Params: []string{"header_type", "key_ptr", "key_len"}, Reserved: true}, h.removeHeader},
		{Function{Name: FuncGetBodyBufferBytes, Params: []string{"buffer_type", "start", "length", "ptr_out", "len_out"}, Reserved: true}, h.getBodyBufferBytes},
	}
}

// Functions lists the exported host functions in registration order.
func (h *Host) Functions() []Function {
	t := h.table()
	out := make([]Function, len(t))
	for i, e := range t {
		out[i] = e.Function
	}
	return out
}

// Compile builds the host module in rt without instantiating it.
func (h *Host) Compile(ctx context.Context, rt wazero.Runtime) (wazero.CompiledModule, error) {
	b := rt.NewHostModuleBuilder(h.moduleName)
	for _, e := range h.table() {
		b.NewFunctionBuilder().
			WithFunc(e.fn).
			WithParameterNames(e.Params...).
			Export(e.Name)
	}
	compiled, err := b.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("compile host module %q: %w", h.moduleName, err)
	}
	return compiled, nil
}

// Instantiate compiles and instantiates the host module in rt so guests
// instantiated afterwards can import it.
func (h *Host) Instantiate(ctx context.Context, rt wazero.Runtime) (api.Module, error) {
	compiled, err := h.Compile(ctx, rt)
	if err != nil {
		return nil, err
	}
	mod, err := rt.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName(h.moduleName))
	if err != nil {
		return nil, fmt.Errorf("instantiate host module %q: %w", h.moduleName, err)
	}
	return mod, nil
}

// --- Host function implementations ---

func (h *Host) log(ctx context.Context, mod api.Module, level, msgPtr, msgLen uint32) {
	h.metrics.call(FuncLog)

	logger := h.logger
	if ex := ExchangeFromContext(ctx); ex != nil && ex.Logger != nil {
		logger = ex.Logger
	}
	if logger == nil || mod.Memory() == nil {
		h.metrics.logDropped()
		return
	}
	if h.logLimiter != nil && !h.logLimiter.Allow() {
		h.metrics.logDropped()
		return
	}

	var (
		msg string
		ok  bool
	)
	if msgLen == 0 {
		msg, ok = readCString(mod.Memory(), msgPtr)
	} else {
		msg, ok = readGuestString(mod.Memory(), msgPtr, msgLen)
	}
	if !ok {
		h.metrics.logDropped()
		return
	}

	fields := []zap.Field{zap.Uint32("guest_level", level), zap.String("msg", msg)}
	switch level {
	case LogLevelTrace, LogLevelDebug:
		logger.Debug("wasm filter", fields...)
	case LogLevelInfo:
		logger.Info("wasm filter", fields...)
	case LogLevelWarn:
		logger.Warn("wasm filter", fields...)
	case LogLevelError, LogLevelCritical:
		logger.Error("wasm filter", fields...)
	default:
		logger.Info("wasm filter", fields...)
	}
}

func (h *Host) addHeader(ctx context.Context, mod api.Module, headerType, keyPtr, keyLen, valuePtr, valueLen uint32) {
	h.metrics.call(FuncAddHeader)

	ex := ExchangeFromContext(ctx)
	if ex == nil || ex.Sink == nil {
		return
	}
	mem := mustMemory(mod)
	key := mustReadGuestString(mem, keyPtr, keyLen)
	value := mustReadGuestString(mem, valuePtr, valueLen)
	ex.Sink.AddHeader(key, value)
}

// getHeader writes the value of a key as a NUL-terminated string. A missing
// key yields the empty string (a single NUL, length 1).
func (h *Host) getHeader(ctx context.Context, mod api.Module, headerType, keyPtr, keyLen, valuePtrOut, valueLenOut uint32) {
	h.metrics.call(FuncGetHeader)

	mem := mustMemory(mod)
	key := mustReadGuestString(mem, keyPtr, keyLen)
	value, _ := ExchangeFromContext(ctx).snapshot().Get(key)

	ptr, length := h.writeCString(ctx, mod, value)
	writeOutParams(mem, valuePtrOut, valueLenOut, ptr, length)
}

func (h *Host) getHeaderPairs(ctx context.Context, mod api.Module, headerType, pairsPtrOut, pairsLenOut uint32) {
	h.metrics.call(FuncGetHeaderPairs)

	mem := mustMemory(mod)
	pairs := ExchangeFromContext(ctx).snapshot()

	size := HeaderPairsSize(pairs)
	if uint64(size) > math.MaxUint32 {
		panic(fmt.Errorf("header pairs need %d bytes, more than a 32-bit guest can address", size))
	}
	ptr := h.mustAllocate(ctx, mod, uint32(size))

	buf, ok := mem.Read(ptr, uint32(size))
	if !ok {
		panic(fmt.Errorf("allocated region [%d, %d) out of range of memory size %d", ptr, uint64(ptr)+uint64(size), mem.Size()))
	}
	encodeHeaderPairs(buf, pairs)
	writeOutParams(mem, pairsPtrOut, pairsLenOut, ptr, uint32(size))
}

// Reserved entries. They accept their declared arguments and do nothing.

func (h *Host) replaceHeader(ctx context.Context, mod api.Module, headerType, keyPtr, keyLen, valuePtr, valueLen uint32) {
	h.metrics.call(FuncReplaceHeader)
}

func (h *Host) removeHeader(ctx context.Context, mod api.Module, headerType, keyPtr, keyLen uint32) {
	h.metrics.call(FuncRemoveHeader)
}

func (h *Host) getBodyBufferBytes(ctx context.Context, mod api.Module, bufferType, start, length, ptrOut, lenOut uint32) {
	h.metrics.call(FuncGetBodyBufferBytes)
}

func mustMemory(mod api.Module) api.Memory {
	mem := mod.Memory()
	if mem == nil {
		panic(fmt.Errorf("module %q exports no memory", mod.Name()))
	}
	return mem
}

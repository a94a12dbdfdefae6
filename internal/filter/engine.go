package filter

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/wudi/hostbridge/internal/bridge"
	"github.com/wudi/hostbridge/internal/config"
	"github.com/wudi/hostbridge/internal/logging"
	"github.com/wudi/hostbridge/internal/tracing"
)

// Engine owns the shared wazero runtime, the instantiated bridge module and
// a cache of compiled guests. Filters loaded from the same Engine share all
// three.
type Engine struct {
	runtime      wazero.Runtime
	host         *bridge.Host
	allocExports []string
	cache        *lru.Cache[uint64, wazero.CompiledModule]

	metrics *Metrics
	logger  *zap.Logger
	tracer  *tracing.Tracer

	wasiMu   sync.Mutex
	wasiDone bool
}

// Option configures an Engine.
type Option func(*engineOptions)

type engineOptions struct {
	metrics       *Metrics
	bridgeMetrics *bridge.Metrics
	logger        *zap.Logger
	tracer        *tracing.Tracer
}

// WithMetrics sets the driver collectors.
func WithMetrics(m *Metrics) Option {
	return func(o *engineOptions) { o.metrics = m }
}

// WithBridgeMetrics sets the host function collectors.
func WithBridgeMetrics(m *bridge.Metrics) Option {
	return func(o *engineOptions) { o.bridgeMetrics = m }
}

// WithLogger sets the logger for engine events and guest logs.
func WithLogger(l *zap.Logger) Option {
	return func(o *engineOptions) { o.logger = l }
}

// WithTracer sets the tracer used for guest call spans.
func WithTracer(t *tracing.Tracer) Option {
	return func(o *engineOptions) { o.tracer = t }
}

// NewEngine creates the runtime and instantiates the bridge host module in it.
func NewEngine(ctx context.Context, cfg config.WasmConfig, opts ...Option) (*Engine, error) {
	var o engineOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.metrics == nil {
		o.metrics = NewMetrics(nil)
	}
	if o.logger == nil {
		o.logger = logging.Global()
	}
	if o.tracer == nil {
		o.tracer = tracing.Disabled()
	}

	var rtCfg wazero.RuntimeConfig
	if cfg.RuntimeMode == "interpreter" {
		rtCfg = wazero.NewRuntimeConfigInterpreter()
	} else {
		rtCfg = wazero.NewRuntimeConfigCompiler()
	}

	maxPages := cfg.MaxMemoryPages
	if maxPages <= 0 {
		maxPages = 256 // 16MB
	}
	// Closing on context done is what makes the per-call timeout effective.
	rtCfg = rtCfg.WithMemoryLimitPages(uint32(maxPages)).WithCloseOnContextDone(true)

	allocExports := cfg.AllocExports
	if len(allocExports) == 0 {
		allocExports = bridge.DefaultAllocExports
	}
	moduleName := cfg.ModuleName
	if moduleName == "" {
		moduleName = bridge.ModuleName
	}

	hostOpts := []bridge.Option{
		bridge.WithModuleName(moduleName),
		bridge.WithAllocator(bridge.NewExportAllocator(allocExports...)),
		bridge.WithMetrics(o.bridgeMetrics),
		bridge.WithLogger(o.logger),
	}
	if cfg.LogRate > 0 {
		burst := cfg.LogBurst
		if burst <= 0 {
			burst = int(math.Ceil(cfg.LogRate))
		}
		hostOpts = append(hostOpts, bridge.WithLogLimiter(rate.NewLimiter(rate.Limit(cfg.LogRate), burst)))
	}
	host := bridge.New(hostOpts...)

	cacheSize := cfg.CacheSize
	if cacheSize <= 0 {
		cacheSize = 8
	}
	// Compiled modules belong to the runtime and are released when it closes,
	// so evicted entries are simply dropped.
	cache, err := lru.New[uint64, wazero.CompiledModule](cacheSize)
	if err != nil {
		return nil, err
	}

	rt := wazero.NewRuntimeWithConfig(ctx, rtCfg)
	if _, err := host.Instantiate(ctx, rt); err != nil {
		rt.Close(ctx)
		return nil, err
	}

	return &Engine{
		runtime:      rt,
		host:         host,
		allocExports: allocExports,
		cache:        cache,
		metrics:      o.metrics,
		logger:       o.logger,
		tracer:       o.tracer,
	}, nil
}

// Host returns the bridge host function table.
func (e *Engine) Host() *bridge.Host {
	return e.host
}

// Compile compiles wasm, reusing an earlier compilation of identical bytes.
// Guests importing WASI get it instantiated in the runtime on first use.
func (e *Engine) Compile(ctx context.Context, wasm []byte) (wazero.CompiledModule, error) {
	key := xxhash.Sum64(wasm)
	if compiled, ok := e.cache.Get(key); ok {
		e.metrics.cache.WithLabelValues("hit").Inc()
		return compiled, nil
	}
	e.metrics.cache.WithLabelValues("miss").Inc()

	compiled, err := e.runtime.CompileModule(ctx, wasm)
	if err != nil {
		return nil, fmt.Errorf("compile module: %w", err)
	}
	if importsModule(compiled, wasi_snapshot_preview1.ModuleName) {
		if err := e.ensureWASI(ctx); err != nil {
			return nil, err
		}
	}
	e.cache.Add(key, compiled)
	return compiled, nil
}

func (e *Engine) ensureWASI(ctx context.Context) error {
	e.wasiMu.Lock()
	defer e.wasiMu.Unlock()
	if e.wasiDone {
		return nil
	}
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, e.runtime); err != nil {
		return fmt.Errorf("instantiate %s: %w", wasi_snapshot_preview1.ModuleName, err)
	}
	e.wasiDone = true
	e.logger.Debug("wasi instantiated for filter guests")
	return nil
}

func importsModule(compiled wazero.CompiledModule, module string) bool {
	for _, def := range compiled.ImportedFunctions() {
		if m, _, ok := def.Import(); ok && m == module {
			return true
		}
	}
	return false
}

// Close closes the runtime, every filter instance and compiled module in it.
func (e *Engine) Close(ctx context.Context) error {
	e.cache.Purge()
	return e.runtime.Close(ctx)
}

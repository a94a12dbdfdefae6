package filter

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/sony/gobreaker/v2"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wudi/hostbridge/internal/config"
)

// ErrInvalidModule is returned when a guest lacks an export the driver needs.
var ErrInvalidModule = errors.New("invalid filter module")

// Guest entry points. Emscripten prefixes exported C symbols with an
// underscore, so both spellings are accepted.
var (
	onStartExports   = []string{"onStart", "_onStart"}
	onDestroyExports = []string{"onDestroy", "_onDestroy"}
)

var (
	i32       = []api.ValueType{api.ValueTypeI32}
	noResults = []api.ValueType{}
)

// Filter is a loaded guest with its instance pool.
type Filter struct {
	name        string
	sum         uint64
	engine      *Engine
	compiled    wazero.CompiledModule
	pool        *InstancePool
	timeout     time.Duration
	resumeDelay time.Duration
	onStart     string
	onDestroy   string // empty when the guest does not export it
	breaker     *gobreaker.CircuitBreaker[uint32]
	logger      *zap.Logger

	nextID atomic.Uint32
}

// Load reads cfg.Path and creates a filter from it.
func Load(ctx context.Context, e *Engine, cfg config.FilterConfig) (*Filter, error) {
	wasm, err := os.ReadFile(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("read filter %s: %w", cfg.Name, err)
	}
	return New(ctx, e, cfg, wasm)
}

// New compiles wasm, validates its exports, and creates a pool.
func New(ctx context.Context, e *Engine, cfg config.FilterConfig, wasm []byte) (*Filter, error) {
	compiled, err := e.Compile(ctx, wasm)
	if err != nil {
		return nil, fmt.Errorf("filter %s: %w", cfg.Name, err)
	}

	f := &Filter{
		name:        cfg.Name,
		sum:         xxhash.Sum64(wasm),
		engine:      e,
		compiled:    compiled,
		timeout:     cfg.Timeout,
		resumeDelay: cfg.ResumeDelay,
		logger:      e.logger.With(zap.String("filter", cfg.Name)),
	}
	if err := f.resolveExports(); err != nil {
		return nil, fmt.Errorf("filter %s: %w", cfg.Name, err)
	}
	if cb := cfg.CircuitBreaker; cb.Enabled {
		f.breaker = newBreaker(cfg.Name, cb, e.metrics, f.logger)
	}

	f.pool, err = NewInstancePool(ctx, e.runtime, compiled, cfg.PoolSize, cfg.MaxRequestsPerInstance)
	if err != nil {
		return nil, fmt.Errorf("filter %s: instantiate: %w", cfg.Name, err)
	}

	f.logger.Info("wasm filter loaded",
		zap.String("checksum", fmt.Sprintf("%016x", f.sum)),
		zap.String("on_start", f.onStart),
		zap.Bool("on_destroy", f.onDestroy != ""),
	)
	return f, nil
}

// resolveExports checks that the guest exports memory, an allocator and
// onStart with the expected signatures.
func (f *Filter) resolveExports() error {
	if len(f.compiled.ExportedMemories()) == 0 {
		return fmt.Errorf("%w: no exported memory", ErrInvalidModule)
	}
	fns := f.compiled.ExportedFunctions()

	if _, ok := findExport(fns, i32, i32, f.engine.allocExports); !ok {
		return fmt.Errorf("%w: no allocator export (i32) -> i32 among %v", ErrInvalidModule, f.engine.allocExports)
	}

	name, ok := findExport(fns, i32, i32, onStartExports)
	if !ok {
		return fmt.Errorf("%w: no export (i32) -> i32 among %v", ErrInvalidModule, onStartExports)
	}
	f.onStart = name

	f.onDestroy, _ = findExport(fns, i32, noResults, onDestroyExports)
	return nil
}

func findExport(fns map[string]api.FunctionDefinition, params, results []api.ValueType, names []string) (string, bool) {
	for _, name := range names {
		def, ok := fns[name]
		if !ok {
			continue
		}
		if slices.Equal(def.ParamTypes(), params) && slices.Equal(def.ResultTypes(), results) {
			return name, true
		}
	}
	return "", false
}

// Name returns the configured filter name.
func (f *Filter) Name() string {
	return f.name
}

// ResumeDelay is how long a paused request waits before onStart runs again.
func (f *Filter) ResumeDelay() time.Duration {
	return f.resumeDelay
}

// NextID returns a context id for callers without their own numbering.
func (f *Filter) NextID() uint32 {
	return f.nextID.Add(1) - 1
}

// NewStream borrows an instance for one request identified by id.
func (f *Filter) NewStream(ctx context.Context, id uint32) (*Stream, error) {
	inst, miss, err := f.pool.Borrow(ctx)
	if err != nil {
		return nil, fmt.Errorf("filter %s: borrow instance: %w", f.name, err)
	}
	if miss {
		f.engine.metrics.poolMisses.WithLabelValues(f.name).Inc()
	}
	return &Stream{filter: f, inst: inst, id: id}, nil
}

// Close closes the pooled instances. Streams still running finish normally
// and their instances are closed when they end.
func (f *Filter) Close(ctx context.Context) {
	if f.pool != nil {
		f.pool.Close(ctx)
	}
}

// Stats returns filter execution statistics.
func (f *Filter) Stats() map[string]any {
	stats := map[string]any{
		"name":       f.name,
		"checksum":   fmt.Sprintf("%016x", f.sum),
		"on_start":   f.onStart,
		"on_destroy": f.onDestroy,
		"pool":       f.pool.Stats(),
	}
	if f.breaker != nil {
		stats["circuit_state"] = f.breaker.State().String()
	}
	return stats
}

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wudi/hostbridge/internal/bridge"
	"github.com/wudi/hostbridge/internal/config"
	"github.com/wudi/hostbridge/internal/filter"
	"github.com/wudi/hostbridge/internal/logging"
	"github.com/wudi/hostbridge/internal/metrics"
	"github.com/wudi/hostbridge/internal/middleware"
	"github.com/wudi/hostbridge/internal/tracing"
)

// Server serves requests through the wasm filter in front of an echo
// upstream, plus an admin listener for health and metrics.
type Server struct {
	config    atomic.Pointer[config.Config]
	engine    *filter.Engine
	holder    *filter.Holder
	registry  *prometheus.Registry
	collector *metrics.Collector
	tracer    *tracing.Tracer
	logger    *zap.Logger

	httpServer  *http.Server
	adminServer *http.Server
	startedAt   time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithTracer sets the tracer for request and guest call spans.
func WithTracer(t *tracing.Tracer) Option {
	return func(s *Server) { s.tracer = t }
}

// WithLogger sets the server logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// New creates the engine, loads the configured filter and builds both
// listeners. Nothing listens until Run.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		registry:  prometheus.NewRegistry(),
		logger:    logging.Global(),
		tracer:    tracing.Disabled(),
		startedAt: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.config.Store(cfg)

	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.collector = metrics.NewCollector(s.registry)

	engine, err := filter.NewEngine(ctx, cfg.Wasm,
		filter.WithMetrics(filter.NewMetrics(s.registry)),
		filter.WithBridgeMetrics(bridge.NewMetrics(s.registry)),
		filter.WithLogger(s.logger),
		filter.WithTracer(s.tracer),
	)
	if err != nil {
		return nil, fmt.Errorf("create wasm engine: %w", err)
	}
	s.engine = engine

	f, err := filter.Load(ctx, engine, cfg.Filter)
	if err != nil {
		engine.Close(ctx)
		return nil, err
	}
	s.holder = filter.NewHolder(f)

	s.httpServer = &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      s.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	if cfg.Admin.Enabled {
		s.adminServer = &http.Server{
			Addr:    cfg.Admin.Address,
			Handler: s.AdminHandler(),
		}
	}
	return s, nil
}

// Handler returns the request path: request ID, panic recovery, tracing,
// metrics, access log and the filter in front of the echo upstream.
func (s *Server) Handler() http.Handler {
	return middleware.NewChain(
		middleware.RequestID(),
		middleware.Recovery(),
		middleware.UseIf(s.tracer.IsEnabled(), s.tracer.Middleware()),
		s.collector.Middleware(),
		middleware.LoggingWithConfig(middleware.LoggingConfig{Logger: s.logger}),
		filter.Middleware(s.holder.Load),
	).Then(http.HandlerFunc(echo))
}

// echo answers with the request body.
func echo(w http.ResponseWriter, r *http.Request) {
	if ct := r.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(http.StatusOK)
	io.Copy(w, r.Body)
}

// AdminHandler returns the admin routes.
func (s *Server) AdminHandler() http.Handler {
	router := httprouter.New()
	router.HandlerFunc(http.MethodGet, "/healthz", s.handleHealth)
	router.HandlerFunc(http.MethodGet, "/filter", s.handleFilter)
	router.Handler(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	return router
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	body := map[string]any{
		"status": "ok",
		"uptime": time.Since(s.startedAt).Round(time.Second).String(),
	}
	if f := s.holder.Load(); f != nil {
		body["filter"] = f.Name()
	} else {
		status = http.StatusServiceUnavailable
		body["status"] = "no filter"
	}
	writeJSON(w, status, body)
}

func (s *Server) handleFilter(w http.ResponseWriter, r *http.Request) {
	f := s.holder.Load()
	if f == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "no filter loaded"})
		return
	}
	writeJSON(w, http.StatusOK, f.Stats())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// Reload loads the filter named by cfg and swaps it in. The old filter is
// closed; requests already running on it finish on their instances. A
// failed reload keeps the current filter.
func (s *Server) Reload(ctx context.Context, cfg *config.Config) error {
	f, err := filter.Load(ctx, s.engine, cfg.Filter)
	if err != nil {
		s.collector.RecordReload(false)
		s.logger.Error("filter reload failed", zap.String("path", cfg.Filter.Path), zap.Error(err))
		return err
	}
	s.holder.Swap(ctx, f)
	s.config.Store(cfg)
	s.collector.RecordReload(true)
	s.logger.Info("filter reloaded", zap.String("filter", f.Name()), zap.String("path", cfg.Filter.Path))
	return nil
}

// Run serves until ctx is done, then shuts both listeners down.
func (s *Server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("Starting HTTP server", zap.String("address", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if s.adminServer != nil {
		g.Go(func() error {
			s.logger.Info("Starting admin server", zap.String("address", s.adminServer.Addr))
			if err := s.adminServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin server: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("Shutting down gracefully...")
		return s.Shutdown(s.config.Load().Server.ShutdownTimeout)
	})

	return g.Wait()
}

// Shutdown stops the listeners, then closes the filter and the engine.
func (s *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// Shutdown admin server first
	if s.adminServer != nil {
		if err := s.adminServer.Shutdown(ctx); err != nil {
			s.logger.Error("Admin server shutdown error", zap.Error(err))
		}
	}
	err := s.httpServer.Shutdown(ctx)
	s.Close(ctx)
	return err
}

// Close releases the filter and the wasm runtime.
func (s *Server) Close(ctx context.Context) {
	if f := s.holder.Load(); f != nil {
		f.Close(ctx)
	}
	if err := s.engine.Close(ctx); err != nil {
		s.logger.Error("wasm engine close error", zap.Error(err))
	}
}

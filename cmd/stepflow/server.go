package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/mkarlic/stepflow/api/handlers"
	"github.com/mkarlic/stepflow/config"
	"github.com/mkarlic/stepflow/coordinator"
	"github.com/mkarlic/stepflow/engine"
	"github.com/mkarlic/stepflow/events"
	"github.com/mkarlic/stepflow/internal/metrics"
	"github.com/mkarlic/stepflow/internal/server"
	"github.com/mkarlic/stepflow/internal/telemetry"
	"github.com/mkarlic/stepflow/registry"
	"github.com/mkarlic/stepflow/runstore"
	"github.com/mkarlic/stepflow/workflow"
)

// Server assembles every stepflow component behind the HTTP API.
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	otelProviders *telemetry.Providers

	store       runstore.Store
	registry    *registry.Registry
	bus         *events.Bus
	library     *workflow.Library
	watcher     *workflow.DirWatcher
	coord       *coordinator.Coordinator
	collector   *metrics.Collector
	promReg     *prometheus.Registry
	stopObserve func()

	httpManager *server.Manager

	bgCtx    context.Context
	bgCancel context.CancelFunc
}

// NewServer creates a server from loaded configuration. Call Start to
// bring the components up.
func NewServer(cfg *config.Config, logger *zap.Logger, providers *telemetry.Providers) *Server {
	bgCtx, bgCancel := context.WithCancel(context.Background())
	return &Server{
		cfg:           cfg,
		logger:        logger,
		otelProviders: providers,
		bgCtx:         bgCtx,
		bgCancel:      bgCancel,
	}
}

// Start initializes the store, engines, coordinator, and HTTP server.
func (s *Server) Start() error {
	if err := s.initComponents(); err != nil {
		return fmt.Errorf("failed to init components: %w", err)
	}
	if err := s.loadWorkflows(); err != nil {
		return fmt.Errorf("failed to load workflows: %w", err)
	}
	if err := s.recoverRuns(); err != nil {
		s.logger.Warn("run recovery incomplete", zap.Error(err))
	}
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	s.logger.Info("All components started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.String("store", s.cfg.Store.Type),
		zap.Int("workflows", s.library.Len()),
		zap.Bool("watch", s.cfg.Workflows.Watch),
	)
	return nil
}

func (s *Server) initComponents() error {
	store, err := runstore.New(s.cfg.Store.RunStoreConfig())
	if err != nil {
		return fmt.Errorf("failed to open run store: %w", err)
	}
	s.store = store

	s.registry = registry.New(s.logger)
	s.registerBuiltins()

	s.bus = events.NewBus(s.cfg.Events.BufferSize, s.logger)

	s.promReg = prometheus.NewRegistry()
	s.collector = metrics.NewCollector("stepflow", s.promReg, s.logger)
	s.stopObserve = s.collector.ObserveBus(s.bus)

	// Everything downstream sees the instrumented store, so every
	// backend operation lands in the duration histogram.
	s.store = metrics.InstrumentStore(s.store, s.collector)

	engineCfg := engine.Config{
		Registry:           s.registry,
		Bus:                s.bus,
		Logger:             s.logger,
		Store:              s.store,
		MaxConcurrentSteps: s.cfg.Engine.MaxConcurrentSteps,
		DefaultStepTimeout: s.cfg.Engine.DefaultStepTimeout,
		CapabilityRecheck:  s.cfg.Engine.CapabilityRecheck,
	}
	sequential, err := engine.New(runstore.StrategySequential, engineCfg)
	if err != nil {
		return fmt.Errorf("failed to build sequential engine: %w", err)
	}
	stateful, err := engine.New(runstore.StrategyStateful, engineCfg)
	if err != nil {
		return fmt.Errorf("failed to build stateful engine: %w", err)
	}

	s.library = workflow.NewLibrary()

	s.coord, err = coordinator.New(coordinator.Config{
		Library:  s.library,
		Store:    s.store,
		Bus:      s.bus,
		Logger:   s.logger,
		Strategy: runstore.Strategy(s.cfg.Engine.DefaultStrategy),
		Engines: map[runstore.Strategy]engine.Engine{
			runstore.StrategySequential: sequential,
			runstore.StrategyStateful:   stateful,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to build coordinator: %w", err)
	}

	if s.cfg.Store.Cleanup.Enabled {
		go s.cleanupLoop(s.cfg.Store.Cleanup)
	}

	return nil
}

// registerBuiltins installs the capabilities every deployment gets for
// free. Real agents are registered by the embedding application.
func (s *Server) registerBuiltins() {
	s.registry.Register("builtin.echo", registry.Func("echo", func(ctx context.Context, input any) (any, error) {
		return input, nil
	}))
	s.registry.Register("builtin.delay", registry.Func("delay", func(ctx context.Context, input any) (any, error) {
		d := time.Second
		if m, ok := input.(map[string]any); ok {
			if raw, ok := m["duration"].(string); ok {
				if parsed, err := time.ParseDuration(raw); err == nil {
					d = parsed
				}
			}
		}
		select {
		case <-time.After(d):
			return input, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}))
}

func (s *Server) loadWorkflows() error {
	if _, err := os.Stat(s.cfg.Workflows.Dir); os.IsNotExist(err) {
		s.logger.Warn("Workflow directory does not exist, starting with an empty library",
			zap.String("dir", s.cfg.Workflows.Dir))
		return nil
	}
	count, err := s.library.LoadDir(s.cfg.Workflows.Dir)
	if err != nil {
		return err
	}
	s.logger.Info("Workflow definitions loaded",
		zap.String("dir", s.cfg.Workflows.Dir),
		zap.Int("count", count),
	)

	if s.cfg.Workflows.Watch {
		s.watcher = workflow.NewDirWatcher(s.cfg.Workflows.Dir, s.library,
			workflow.WithPollInterval(s.cfg.Workflows.PollInterval),
			workflow.WithWatcherLogger(s.logger),
		)
		s.watcher.Start(s.bgCtx)
	}
	return nil
}

// recoverRuns resumes stateful runs interrupted by the previous process.
func (s *Server) recoverRuns() error {
	resumed, err := s.coord.RecoverAll(s.bgCtx)
	if resumed > 0 {
		s.logger.Info("Interrupted runs resumed", zap.Int("count", resumed))
	}
	return err
}

// cleanupLoop periodically removes terminal runs past the retention
// window.
func (s *Server) cleanupLoop(cfg config.CleanupConfig) {
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.bgCtx.Done():
			return
		case <-ticker.C:
			removed, err := s.store.Cleanup(s.bgCtx, cfg.Retention)
			if err != nil {
				s.logger.Error("Run cleanup failed", zap.Error(err))
				continue
			}
			if removed > 0 {
				s.logger.Info("Terminal runs cleaned up", zap.Int("removed", removed))
			}
		}
	}
}

func (s *Server) startHTTPServer() error {
	mux := http.NewServeMux()

	handlers.NewRunsHandler(s.coord, s.logger).Register(mux)
	handlers.NewWorkflowsHandler(s.library, s.logger).Register(mux)
	handlers.NewEventsHandler(s.bus, s.logger).Register(mux)
	handlers.NewHealthHandler(s.store, s.logger).Register(mux)

	mux.Handle("GET /metrics", promhttp.HandlerFor(s.promReg, promhttp.HandlerOpts{}))

	handler := Chain(mux,
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(s.logger),
		MetricsMiddleware(s.collector),
		OTelTracing(),
		RateLimiter(s.bgCtx, s.cfg.Server.RateLimitRPS, s.cfg.Server.RateLimitBurst, s.logger),
	)

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.httpManager = server.NewManager(handler, serverConfig, s.logger)
	if err := s.httpManager.Start(); err != nil {
		return err
	}

	s.logger.Info("HTTP server started", zap.Int("port", s.cfg.Server.HTTPPort))
	return nil
}

// WaitForShutdown blocks until a termination signal or a server error,
// then shuts everything down.
func (s *Server) WaitForShutdown() {
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}
	s.Shutdown()
}

// Shutdown stops components in dependency order: HTTP first so no new
// runs arrive, then the coordinator so in-flight runs drain, then the
// bus, store, and telemetry.
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown...")

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}

	if s.watcher != nil {
		s.watcher.Stop()
	}
	s.bgCancel()

	if s.coord != nil {
		if err := s.coord.Shutdown(ctx); err != nil {
			s.logger.Error("Coordinator shutdown error", zap.Error(err))
		}
	}

	if s.stopObserve != nil {
		s.stopObserve()
	}
	if s.bus != nil {
		s.bus.Close()
	}

	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Error("Run store close error", zap.Error(err))
		}
	}

	if s.otelProviders != nil {
		if err := s.otelProviders.Shutdown(ctx); err != nil {
			s.logger.Error("Telemetry shutdown error", zap.Error(err))
		}
	}

	s.logger.Info("Graceful shutdown completed")
}

// FlowForge Message Router
//
// Standalone message router binary. Consumes message pointers from a
// queue adapter and dispatches each to its configured mediation target
// over HTTP, honoring per-pool concurrency, ordering, and rate limits.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flowforge/router/internal/common/health"
	"github.com/flowforge/router/internal/common/lifecycle"
	"github.com/flowforge/router/internal/config"
	"github.com/flowforge/router/internal/queue/memqueue"
	"github.com/flowforge/router/internal/router/manager"
	"github.com/flowforge/router/internal/router/mediator"
	routermetrics "github.com/flowforge/router/internal/router/metrics"
	"github.com/flowforge/router/internal/router/supervisor"
	"github.com/flowforge/router/internal/router/warning"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	setupLogging()

	slog.Info("Starting FlowForge Message Router",
		"version", version,
		"build_time", buildTime,
		"component", "router")

	ctx := context.Background()

	// ========================================
	// 1. INFRASTRUCTURE INITIALIZATION
	// ========================================
	app, cleanup, err := lifecycle.Initialize(ctx)
	if err != nil {
		slog.Error("Failed to initialize", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	// ========================================
	// 2. QUEUE SETUP
	// ========================================
	dispatchQueue, err := setupQueue(app)
	if err != nil {
		slog.Error("Failed to setup queue", "error", err)
		os.Exit(1)
	}
	app.AddCleanup(dispatchQueue.Close)

	// ========================================
	// 3. COMPONENT WIRING
	// ========================================
	warningService := warning.NewInMemoryService()
	warningHandler := warning.NewHandler(warningService)
	poolMetrics := routermetrics.NewInMemoryPoolMetricsService()
	queueMetrics := routermetrics.NewInMemoryQueueMetricsService()

	mediatorCfg := mediator.DefaultHTTPMediatorConfig()
	mediatorCfg.Timeout = time.Duration(app.Config.Mediator.TimeoutSeconds) * time.Second
	mediatorCfg.MaxRetries = app.Config.Mediator.MaxRetries
	mediatorCfg.CircuitBreakerEnabled = app.Config.Mediator.CircuitBreakerEnabled

	messageRouter := manager.NewRouter(dispatchQueue, app.Config.Queue.Subject, mediatorCfg, warningService, poolMetrics)
	messageRouter.WithQueueMetrics(queueMetrics)

	poolSupervisor := supervisor.New(messageRouter.Manager(), setupPoolSource(app.Config), nil, warningService)

	healthChecker := health.NewChecker()
	healthChecker.AddReadinessCheck(health.QueueCheck("dispatch-queue", func() bool { return true }))
	healthChecker.AddReadinessCheck(health.PoolsCheck(func() map[string]health.PoolStatsSnapshot {
		all := poolMetrics.GetAllPoolStats()
		snapshot := make(map[string]health.PoolStatsSnapshot, len(all))
		for code, stats := range all {
			snapshot[code] = health.PoolStatsSnapshot{
				ActiveWorkers:    stats.ActiveWorkers,
				QueueSize:        stats.QueueSize,
				MaxQueueCapacity: stats.MaxQueueCapacity,
			}
		}
		return snapshot
	}))

	httpRouter := setupHTTPRouter(healthChecker, messageRouter.Manager(), warningHandler, queueMetrics)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", app.Config.HTTP.Port),
		Handler:      httpRouter,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// ========================================
	// 4. SERVICE STARTUP
	// ========================================
	services := []lifecycle.Service{
		lifecycle.NewHTTPService("http-server", httpServer),
		manager.NewRouterService(messageRouter),
		lifecycle.NewServiceFunc("pool-supervisor",
			func(ctx context.Context) error { return poolSupervisor.Start(ctx) },
			func(ctx context.Context) error { poolSupervisor.Stop(); return nil },
		),
	}

	slog.Info("Router ready",
		"port", app.Config.HTTP.Port,
		"queueType", app.Config.Queue.Type,
		"queueSubject", app.Config.Queue.Subject)

	// ========================================
	// 5. RUN UNTIL SHUTDOWN
	// ========================================
	if err := lifecycle.Run(ctx, services...); err != nil {
		slog.Error("Service error", "error", err)
		os.Exit(1)
	}

	slog.Info("FlowForge Message Router stopped")
}

// setupLogging configures the slog default logger.
func setupLogging() {
	logLevel := slog.LevelInfo
	if os.Getenv("ROUTER_DEV") == "true" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}

// setupQueue constructs the queue adapter. The repository ships a single
// concrete adapter, an in-process channel-backed queue, which is what
// every pool reads dispatch messages from; a production deployment wires
// a broker-backed adapter behind the same queue.Queue interface.
func setupQueue(app *lifecycle.App) (*memqueue.Queue, error) {
	subject := app.Config.Queue.Subject
	if subject == "" {
		subject = "router.dispatch"
	}
	slog.Info("Using in-process dispatch queue", "subject", subject)
	return memqueue.New(subject, 1024), nil
}

// setupPoolSource builds the ConfigSource the pool supervisor reconciles
// against: a TOML file if ROUTER_CONFIG is set (its existence is not
// checked) or one of config.ConfigPaths exists, otherwise the pools already
// in app.Config (none are read from environment variables), or a single
// default pool if there are none.
func setupPoolSource(cfg *config.Config) supervisor.ConfigSource {
	if path := resolveConfigPath(); path != "" {
		slog.Info("Pool supervisor reading configuration from file", "path", path)
		return supervisor.NewTOMLSource(path)
	}

	pools := cfg.Pools
	if len(pools) == 0 {
		pools = []config.PoolConfig{{Code: "default", Concurrency: 20, QueueCapacity: 100}}
	}

	managerPools := make([]manager.PoolConfig, 0, len(pools))
	for _, p := range pools {
		managerPools = append(managerPools, manager.PoolConfig{
			Code:               p.Code,
			Concurrency:        p.Concurrency,
			QueueCapacity:      p.QueueCapacity,
			RateLimitPerMinute: p.RateLimitPerMinute,
		})
	}
	return supervisor.NewStaticSource(managerPools)
}

func resolveConfigPath() string {
	if path := os.Getenv("ROUTER_CONFIG"); path != "" {
		return path
	}
	for _, path := range config.ConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// setupHTTPRouter creates the HTTP router with health, metrics, and
// operational endpoints.
func setupHTTPRouter(healthChecker *health.Checker, qmanager *manager.QueueManager, warningHandler *warning.Handler, queueMetrics routermetrics.QueueMetricsService) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/q/health", healthChecker.HandleHealth)
	r.Get("/q/health/live", healthChecker.HandleLive)
	r.Get("/q/health/ready", healthChecker.HandleReady)

	r.Handle("/metrics", promhttp.Handler())
	r.Handle("/q/metrics", promhttp.Handler())

	r.Get("/router/pools", func(w http.ResponseWriter, req *http.Request) {
		codes := qmanager.PoolCodes()
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"pools":%d,"totalQueueCapacity":%d,"totalPipelineSize":%d}`,
			len(codes), qmanager.GetTotalPoolCapacity(), qmanager.GetPipelineSize())
	})

	r.Get("/router/queue", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(queueMetrics.GetAllQueueStats())
	})

	warningHandler.RegisterRoutes(r)

	return r
}

package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/flowmesh/flowmesh/catalog"
	"github.com/flowmesh/flowmesh/circuitbreaker"
	"github.com/flowmesh/flowmesh/config"
	"github.com/flowmesh/flowmesh/engine"
	"github.com/flowmesh/flowmesh/eventbus"
	"github.com/flowmesh/flowmesh/internal/cache"
	"github.com/flowmesh/flowmesh/internal/metrics"
	"github.com/flowmesh/flowmesh/internal/telemetry"
	"github.com/flowmesh/flowmesh/proxy"
	"github.com/flowmesh/flowmesh/registry"
	"github.com/flowmesh/flowmesh/store"
)

func runServe(args []string) {
	cfg := loadConfig(args, "serve")
	logger := buildLogger(cfg)
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(cfg, logger)
	if err != nil {
		logger.Fatal("failed to open store", zap.Error(err))
	}
	defer st.Close()

	tracing, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		logger.Fatal("failed to initialize telemetry", zap.Error(err))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	collector := metrics.NewCollector("flowmesh", prometheus.DefaultRegisterer, logger)
	bus := eventbus.New(256, logger)
	reg := registry.New(registry.Config{
		ProbeInterval:      cfg.Registry.ProbeInterval,
		ProbeTimeout:       cfg.Registry.ProbeTimeout,
		UnhealthyThreshold: cfg.Registry.UnhealthyThreshold,
		ProbeRate:          cfg.Registry.ProbeRate,
	}, bus, logger)
	cat := catalog.New(st, logger)

	var statusCache *cache.Manager
	if cfg.Cache.Enabled {
		statusCache, err = cache.NewManager(ctx, cache.Config{
			Addr:       cfg.Cache.Addr,
			Password:   cfg.Cache.Password,
			DB:         cfg.Cache.DB,
			DefaultTTL: cfg.Cache.DefaultTTL,
		}, logger)
		if err != nil {
			logger.Warn("status cache unavailable, continuing without it", zap.Error(err))
		} else {
			defer statusCache.Close()
		}
	}

	eng := engine.New(engine.Options{
		Config: engine.Config{
			Parallelism:       cfg.Engine.Parallelism,
			TenantParallelism: cfg.Engine.TenantParallelism,
			ExecutionDeadline: cfg.Engine.ExecutionDeadline,
			RetryBaseDelay:    cfg.Engine.RetryBaseDelay,
			RetryMaxDelay:     cfg.Engine.RetryMaxDelay,
		},
		Catalog:  cat,
		Registry: reg,
		Store:    st,
		Proxy: proxy.New(proxy.Config{
			DefaultTimeout:   cfg.Proxy.DefaultTimeout,
			MaxResponseBytes: cfg.Proxy.MaxResponseBytes,
			MaxConcurrency:   cfg.Proxy.MaxConcurrency,
			MaxQueued:        cfg.Proxy.MaxQueued,
		}, collector.RecordAgentLatency, logger),
		Bus: bus,
		Breakers: circuitbreaker.NewRegistry(circuitbreaker.Config{
			Threshold: cfg.Engine.BreakerThreshold,
			Cooldown:  cfg.Engine.BreakerCooldown,
			OnStateChange: func(agentID string, from, to circuitbreaker.State) {
				collector.SetBreakerOpen(agentID, to == circuitbreaker.StateOpen)
			},
		}, logger),
		Metrics: collector,
		Logger:  logger,
	})

	if cfg.Flows.Dir != "" {
		if err := cat.LoadDir(ctx, cfg.Flows.Dir); err != nil {
			logger.Warn("flow directory not loaded", zap.String("dir", cfg.Flows.Dir), zap.Error(err))
		}
	}

	eng.Start(ctx)
	defer eng.Stop()

	api := newServer(eng, bus, statusCache, collector, logger)
	httpSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler: api.routes(),
	}
	metricsSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.MetricsPort),
		Handler: promhttp.Handler(),
	}

	go func() {
		logger.Info("metrics listening", zap.Int("port", cfg.Server.MetricsPort))
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	go func() {
		logger.Info("http listening", zap.Int("port", cfg.Server.HTTPPort))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)
}

func openStore(cfg *config.Config, logger *zap.Logger) (store.Store, error) {
	gormCfg := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)}

	switch cfg.Store.Backend {
	case "memory":
		return store.NewMemoryStore(), nil
	case "sqlite":
		db, err := gorm.Open(sqlite.Open(cfg.Store.DSN), gormCfg)
		if err != nil {
			return nil, err
		}
		return store.NewGormStore(db, logger)
	case "postgres":
		db, err := gorm.Open(postgres.Open(cfg.Store.DSN), gormCfg)
		if err != nil {
			return nil, err
		}
		return store.NewGormStore(db, logger)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

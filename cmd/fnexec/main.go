package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nidhogg/fnexec/internal/api"
	"github.com/nidhogg/fnexec/internal/cache"
	"github.com/nidhogg/fnexec/internal/config"
	"github.com/nidhogg/fnexec/internal/executor"
	"github.com/nidhogg/fnexec/internal/generate"
	"github.com/nidhogg/fnexec/internal/graph"
	"github.com/nidhogg/fnexec/internal/metrics"
	"github.com/nidhogg/fnexec/internal/persist"
	"github.com/nidhogg/fnexec/internal/provider"
	"github.com/nidhogg/fnexec/internal/store"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	_ = godotenv.Load()

	// Load configuration
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/fnexec.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config %s: %v\n", cfgPath, err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Server.LogLevel)
	defer logger.Sync()
	logger.Info("Starting fnexec...", zap.String("config", cfgPath))

	ctx := context.Background()
	m := metrics.NewCollector(cfg.Metrics.Namespace, nil, logger)

	// Document store: PostgreSQL when configured, otherwise in memory.
	var docs store.Store = store.NewMemory()
	var pgStore *store.Postgres
	if cfg.Database.Postgres.DSN != "" {
		ps, pgErr := store.NewPostgres(ctx, cfg.Database.Postgres.DSN, logger)
		if pgErr != nil {
			logger.Warn("PostgreSQL unavailable, keeping results in memory", zap.Error(pgErr))
		} else {
			if mErr := ps.Migrate(ctx, cfg.Server.MigrationsDir); mErr != nil {
				logger.Fatal("migration failed", zap.Error(mErr))
			}
			pgStore = ps
			docs = ps
		}
	}

	writerOpts := []persist.WriterOption{persist.WithMetrics(m)}
	engineOpts := []executor.Option{executor.WithMetrics(m)}

	// Redis fast path
	var redisCache *cache.Redis
	if cfg.Database.Redis.URL != "" {
		rc, rErr := cache.NewRedis(ctx, cfg.Database.Redis.URL, cfg.CacheTTL(), logger)
		if rErr != nil {
			logger.Warn("Redis unavailable, running without fast path", zap.Error(rErr))
		} else {
			redisCache = rc
			writerOpts = append(writerOpts, persist.WithFastPath(rc))
			engineOpts = append(engineOpts, executor.WithFastLookup(rc))
		}
	}

	// Neo4j call graph
	var graphSink *graph.Neo4j
	if cfg.Database.Neo4j.URI != "" {
		g, gErr := graph.NewNeo4j(cfg.Database.Neo4j.URI, cfg.Database.Neo4j.User, cfg.Database.Neo4j.Password, logger)
		if gErr == nil {
			gErr = g.Ping(ctx)
		}
		if gErr == nil {
			gErr = g.EnsureConstraints(ctx)
		}
		if gErr != nil {
			logger.Warn("Neo4j unavailable, running without call graph", zap.Error(gErr))
			if g != nil {
				g.Close(ctx)
			}
		} else {
			graphSink = g
			writerOpts = append(writerOpts, persist.WithGraph(g))
		}
	}

	queue := persist.NewQueue(persist.NewWriter(docs, logger, writerOpts...), persist.Config{
		Workers:   cfg.Persist.Workers,
		QueueSize: cfg.Persist.QueueSize,
	}, m, logger)

	client := provider.NewClient(provider.Config{
		Endpoint: cfg.Gateway.Endpoint,
		APIKey:   cfg.Gateway.APIKey,
		Referer:  cfg.Gateway.Referer,
		Title:    cfg.Gateway.Title,
		Timeout:  cfg.GatewayTimeout(),
	}, logger)
	if cfg.Gateway.APIKey == "" {
		logger.Warn("gateway api_key is empty; generation requests will likely be rejected")
	}

	engine := executor.NewEngine(docs,
		generate.NewDispatcher(client, cfg.Gateway.DefaultModel, logger),
		queue,
		executor.Config{
			CacheTTL:        cfg.CacheTTL(),
			DedupeInflight:  cfg.Executor.DedupeInflight,
			InflightTimeout: cfg.GatewayTimeout(),
		},
		logger, engineOpts...)

	handler := api.NewHandler(engine, m, nil, logger)
	if graphSink != nil {
		handler.WithCallGraph(graphSink)
	}

	// Start server
	port := fmt.Sprintf("%d", cfg.Server.Port)
	if port == "0" {
		port = "8080"
	}
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: handler.Router(),
	}

	go func() {
		logger.Info("fnexec listening", zap.String("port", port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down fnexec...")
	shutdownCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	srv.Shutdown(shutdownCtx)
	cancel()

	drainCtx, cancel := context.WithTimeout(ctx, cfg.DrainTimeout())
	if err := queue.Close(drainCtx); err != nil {
		logger.Warn("pending results were not all persisted", zap.Error(err))
	}
	cancel()

	if graphSink != nil {
		graphSink.Close(ctx)
	}
	if redisCache != nil {
		redisCache.Close()
	}
	if pgStore != nil {
		pgStore.Close()
	}
}

func newLogger(level string) *zap.Logger {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	zcfg := zap.NewProductionConfig()
	if lvl == zapcore.DebugLevel {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	logger, err := zcfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

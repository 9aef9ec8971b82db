package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"

	"github.com/modelmux/modelmux/config"
	"github.com/modelmux/modelmux/internal/cache"
	"github.com/modelmux/modelmux/internal/orchestrator"
	"github.com/modelmux/modelmux/internal/provider/factory"
	"github.com/modelmux/modelmux/internal/recorder"
	"github.com/modelmux/modelmux/internal/server"
	"github.com/modelmux/modelmux/internal/telemetry"
	"github.com/modelmux/modelmux/pkg/metrics"
	"github.com/modelmux/modelmux/pkg/ratelimit"
)

func main() {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		bootLogger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
		bootLogger.Fatal().Err(err).Msg("failed to load config")
	}

	// 2. Setup logging
	logger := setupLogger(cfg.LogLevel)

	// 3. Init metrics and telemetry
	metrics.Init()
	shutdownTracer, err := telemetry.InitTracer("modelmux", cfg.OTELExporterType, cfg.OTELExporterEndpoint)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init tracer")
	}
	defer shutdownTracer()

	ctx := context.Background()

	// 4. Usage recorder: Postgres when configured, in-memory otherwise
	var rec recorder.Recorder
	if cfg.PostgresDSN != "" {
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect postgres")
		}
		defer pool.Close()

		if err := pool.Ping(ctx); err != nil {
			logger.Fatal().Err(err).Msg("failed to ping postgres")
		}

		store := recorder.NewPostgresStore(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			logger.Fatal().Err(err).Msg("failed to ensure schema")
		}
		rec = store
		logger.Info().Msg("PostgreSQL connected")
	} else {
		rec = recorder.NewMemoryStore()
		logger.Warn().Msg("POSTGRES_DSN not set, usage records are in-memory only")
	}

	// 5. Redis: response cache backend and rate limiting when configured
	var rdb *redis.Client
	var limiter *ratelimit.Limiter
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()

		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatal().Err(err).Msg("failed to ping redis")
		}
		logger.Info().Msg("Redis connected")

		if cfg.RateLimitRPM > 0 {
			limiter = ratelimit.NewLimiter(rdb, cfg.RateLimitRPM)
		}
	}

	// 6. Response cache
	var store cache.Store
	if cfg.CacheUsesRedis() {
		store = cache.NewRedis(rdb, cfg.CacheTTL)
		logger.Info().Dur("ttl", cfg.CacheTTL).Msg("response cache on redis")
	} else {
		store = cache.NewMemory(cfg.CacheTTL)
		logger.Info().Dur("ttl", cfg.CacheTTL).Msg("response cache in memory")
	}

	sweepCtx, stopSweeper := context.WithCancel(ctx)
	defer stopSweeper()
	cache.StartSweeper(sweepCtx, store, cfg.CacheSweepInterval, logger)

	// 7. Build providers from config
	registry := factory.FromConfig(cfg, logger)
	if registry.Len() == 0 {
		logger.Warn().Msg("no providers registered, every generation will fail")
	}

	// 8. Orchestrator
	tracer := otel.GetTracerProvider().Tracer("modelmux")
	orch := orchestrator.New(registry, store, rec, orchestrator.Defaults{
		Provider:  cfg.DefaultProvider,
		MaxTokens: cfg.DefaultMaxTokens,
	}, logger, tracer)

	// 9. HTTP server
	srv := server.New(orch, limiter, server.Options{
		DefaultTemperature: cfg.DefaultTemperature,
		DailyCostCeiling:   cfg.DailyCostCeiling,
	}, logger)

	httpSrv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      srv.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	// 10. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Int("providers", registry.Len()).
			Msg("modelmux starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	<-quit
	logger.Info().Msg("shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("forced shutdown")
	}
	stopSweeper()
	if err := orch.Close(); err != nil {
		logger.Error().Err(err).Msg("close failed")
	}
	logger.Info().Msg("server stopped")
}

// setupLogger configures zerolog
func setupLogger(level string) zerolog.Logger {
	// Pretty console output
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}

	logger := zerolog.New(output).
		With().
		Timestamp().
		Logger()

	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	return logger
}

// Package main is the entry point for the hub API server.
//
// Lifecycle:
// 1. Load configuration (exit 1 on invalid config)
// 2. Connect to Redis and PostgreSQL (exit 2 if unavailable)
// 3. Construct the singletons: cache tier, executors, limiter, key manager,
//    metrics registry, event store, ledger, narrative builder, auth, billing
//    and the AI orchestrator
// 4. Warm the energy cache and start the background workers
// 5. Serve HTTP until SIGINT/SIGTERM, then drain gracefully
package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/careerpulse/hub/internal/ai"
	"github.com/careerpulse/hub/internal/auth"
	"github.com/careerpulse/hub/internal/billing"
	"github.com/careerpulse/hub/internal/cache"
	"github.com/careerpulse/hub/internal/config"
	"github.com/careerpulse/hub/internal/energy"
	"github.com/careerpulse/hub/internal/events"
	"github.com/careerpulse/hub/internal/httpapi"
	"github.com/careerpulse/hub/internal/keys"
	"github.com/careerpulse/hub/internal/metrics"
	"github.com/careerpulse/hub/internal/narrative"
	"github.com/careerpulse/hub/internal/pool"
	"github.com/careerpulse/hub/internal/ratelimit"
	"github.com/careerpulse/hub/internal/sync"
)

const (
	exitConfig     = 1
	exitDependency = 2
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := zerolog.New(os.Stderr)
		bootLogger.Error().Err(err).Msg("invalid configuration")
		os.Exit(exitConfig)
	}

	logger := setupLogger(cfg.LogLevel, cfg.Environment)
	logger.Info().
		Str("environment", cfg.Environment).
		Str("http_port", cfg.HTTPPort).
		Msg("starting hub api server")

	// Redis: aggressive timeouts so a slow Redis degrades instead of stalling.
	redisClient := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  500 * time.Millisecond,
		WriteTimeout: 500 * time.Millisecond,
		PoolSize:     100,
		MinIdleConns: 10,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Error().Err(err).Msg("redis unavailable")
		cancel()
		os.Exit(exitDependency)
	}
	cancel()
	logger.Info().Str("addr", cfg.RedisAddr).Msg("connected to redis")

	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		logger.Error().Err(err).Msg("invalid postgres url")
		os.Exit(exitDependency)
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)
	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	if err := db.PingContext(ctx); err != nil {
		logger.Error().Err(err).Msg("postgres unavailable")
		cancel()
		os.Exit(exitDependency)
	}
	cancel()
	logger.Info().Msg("connected to postgres")

	// Shared singletons.
	registry := metrics.NewRegistry(logger)
	tier := cache.New(redisClient, 10000, logger)
	limiter := ratelimit.New(ratelimit.DefaultRules(), redisClient, db, registry, logger)
	limiter.StartSweeper()
	defer limiter.Stop()

	keyManager := keys.NewManager(logger)
	keyManager.Register("jwt", cfg.JWTSecret, keys.Thresholds{WarnDays: 60, RotateDays: 90})
	if cfg.AIProviderKey != "" {
		keyManager.Register("ai_provider", cfg.AIProviderKey, keys.Thresholds{WarnDays: 60, RotateDays: 90})
	}
	if cfg.StripeKey != "" {
		keyManager.Register("stripe", cfg.StripeKey, keys.Thresholds{WarnDays: 90, RotateDays: 180})
	}

	// One executor per outbound dependency.
	dbExec := pool.New(pool.DefaultConfig("database"), logger)

	aiCfg := pool.DefaultConfig("ai_provider")
	aiCfg.MaxConcurrent = 20
	aiCfg.CallTimeout = 25 * time.Second
	aiExec := pool.New(aiCfg, logger)

	payCfg := pool.DefaultConfig("payment_provider")
	payCfg.MaxConcurrent = 10
	payCfg.CallTimeout = 10 * time.Second
	payExec := pool.New(payCfg, logger)

	pools := map[string]*pool.Executor{
		"database":         dbExec,
		"ai_provider":      aiExec,
		"payment_provider": payExec,
	}

	store := events.NewStore(db, "hub-api", nil, logger)
	ledger := energy.NewLedger(db, tier, store, dbExec, logger)
	authService := auth.NewService(db, dbExec, store, limiter, auth.Config{
		JWTSecret:      cfg.JWTSecret,
		AccessTokenTTL: cfg.AccessTokenTTL,
		BcryptCost:     cfg.BcryptCost,
	}, logger)
	builder := narrative.NewBuilder(store, authService, tier, logger)

	generator := ai.NewHTTPGenerator(cfg.AIProviderURL, cfg.AIProviderKey, cfg.AIModel)
	orchestrator := ai.NewOrchestrator(ledger, builder, generator, aiExec, store, logger)

	provider := billing.NewStripeProvider(cfg.StripeKey)
	billingService := billing.NewService(db, provider, ledger, payExec, store, logger)

	// Warm the energy cache before taking traffic; non-fatal, the ledger
	// falls back to the database on misses.
	syncer := sync.NewSyncer(redisClient, db, logger)
	warmCtx, warmCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := syncer.WarmEnergyCache(warmCtx); err != nil {
		logger.Warn().Err(err).Msg("energy cache warm-up failed")
	}
	warmCancel()
	syncer.StartPeriodicSync(5 * time.Minute)
	defer syncer.Stop()

	registry.AddRule(metrics.AlertRule{
		Name:      "high_cpu",
		Metric:    "system.cpu_percent",
		Condition: metrics.CondAbove,
		Threshold: 90,
		Severity:  metrics.SeverityWarning,
	})
	registry.AddRule(metrics.AlertRule{
		Name:      "high_memory",
		Metric:    "system.mem_used_percent",
		Condition: metrics.CondAbove,
		Threshold: 90,
		Severity:  metrics.SeverityCritical,
	})
	startAlertLoop(registry, store, logger)

	server := httpapi.NewServer(httpapi.Deps{
		Auth:           authService,
		Ledger:         ledger,
		Billing:        billingService,
		Chat:           orchestrator,
		Events:         store,
		Limiter:        limiter,
		Cache:          tier,
		Keys:           keyManager,
		Metrics:        registry,
		Pools:          pools,
		DB:             db,
		RequestTimeout: cfg.RequestTimeout,
	}, logger)

	httpServer := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      server.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("port", cfg.HTTPPort).Msg("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info().Str("signal", sig.String()).Msg("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http server shutdown failed")
	}

	if err := db.Close(); err != nil {
		logger.Error().Err(err).Msg("postgres close failed")
	}
	if err := redisClient.Close(); err != nil {
		logger.Error().Err(err).Msg("redis close failed")
	}
	logger.Info().Msg("shutdown complete")
}

// startAlertLoop evaluates alert rules each minute; freshly fired alerts
// become events so they land in the same audit trail as everything else.
func startAlertLoop(registry *metrics.Registry, sink events.Sink, logger zerolog.Logger) {
	c := cron.New()
	c.AddFunc("@every 1m", func() {
		registry.CollectSystem()
		for _, alert := range registry.Evaluate() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_, err := sink.Create(ctx, events.TypeAlertTriggered, "", map[string]interface{}{
				"rule":      alert.Rule.Name,
				"metric":    alert.Rule.Metric,
				"value":     alert.Value,
				"threshold": alert.Rule.Threshold,
				"severity":  string(alert.Rule.Severity),
			}, nil)
			cancel()
			if err != nil {
				logger.Warn().Err(err).Str("rule", alert.Rule.Name).Msg("alert event emit failed")
			}
		}
	})
	c.Start()
}

// setupLogger mirrors the 12-factor split: pretty console output in
// development, JSON in production.
func setupLogger(levelStr, environment string) zerolog.Logger {
	level, err := zerolog.ParseLevel(levelStr)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	if environment == config.EnvDevelopment {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			Level(level).
			With().
			Timestamp().
			Caller().
			Logger()
	}
	return zerolog.New(os.Stdout).
		Level(level).
		With().
		Timestamp().
		Str("service", "hub-api").
		Str("environment", environment).
		Logger()
}

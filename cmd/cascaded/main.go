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
	"go.uber.org/zap"

	"github.com/ashveil/cascade/internal/api"
	"github.com/ashveil/cascade/internal/config"
	"github.com/ashveil/cascade/internal/delegate"
	"github.com/ashveil/cascade/internal/dispatch"
	"github.com/ashveil/cascade/internal/engine"
	"github.com/ashveil/cascade/internal/progress"
	"github.com/ashveil/cascade/internal/provider"
	"github.com/ashveil/cascade/internal/ratelimit"
	"github.com/ashveil/cascade/internal/scheduler"
	"github.com/ashveil/cascade/internal/store"
)

func main() {
	_ = godotenv.Load()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	logger.Info("Starting Cascade...")

	// Load configuration
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/cascade.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.String("path", cfgPath), zap.Error(err))
	}
	logger.Info("Config loaded", zap.String("path", cfgPath))

	// Initialize PostgreSQL store
	db, err := store.New(cfg.Database.Postgres.DSN, logger)
	if err != nil {
		logger.Fatal("PostgreSQL unavailable", zap.Error(err))
	}
	migrationsDir := cfg.Database.Postgres.MigrationsDir
	if migrationsDir == "" {
		migrationsDir = "migrations"
	}
	if err := db.Migrate(context.Background(), migrationsDir); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}

	// Initialize provider router
	router := provider.NewRouter(logger)
	for _, pc := range cfg.Providers {
		provCfg := provider.Config{
			ID: pc.ID, Type: pc.Type, Name: pc.Name,
			Endpoint: pc.Endpoint, APIKey: pc.APIKey,
		}
		switch pc.Type {
		case "openai":
			router.Register(provider.NewOpenAIProvider(provCfg, logger))
		case "anthropic":
			router.Register(provider.NewAnthropicProvider(provCfg, logger))
		default:
			logger.Warn("unknown provider type", zap.String("id", pc.ID), zap.String("type", pc.Type))
		}
	}

	// Rate limiter is optional; the engine runs unlimited without Redis.
	var limiter provider.Limiter
	var rl *ratelimit.Limiter
	if cfg.RateLimit.Enabled && cfg.Database.Redis.URL != "" {
		l, rlErr := ratelimit.New(cfg.Database.Redis.URL, cfg.RateLimit.Limit, cfg.RateLimit.Window(), logger)
		if rlErr != nil {
			logger.Warn("Redis unavailable, running without rate limiting", zap.Error(rlErr))
		} else {
			limiter = l
			rl = l
		}
	}

	caller := provider.NewCaller(router, limiter, logger)

	// Wire the engine
	hub := progress.NewHub(logger)
	lifecycle := engine.NewLifecycle(db, logger)
	steps := engine.NewStepExecutor(caller, db, cfg.Engine.StepTimeout(), logger)
	strategy := engine.NewStrategyExecutor(steps, lifecycle, hub, engine.Options{
		MaxAttempts: cfg.Engine.MaxAttempts,
		Backoff:     cfg.Engine.Backoff(),
		MaxParallel: cfg.Engine.MaxParallel,
	}, logger)
	dispatcher := dispatch.New(dispatch.SMTPConfig(cfg.Dispatch.SMTP), logger)
	runner := engine.NewRunner(db, strategy, dispatcher, logger)

	delegator := delegate.NewController(caller, db, db, cfg.Engine.StepTimeout(), logger)

	// Scheduler
	var sched *scheduler.Scheduler
	schedCtx, schedCancel := context.WithCancel(context.Background())
	defer schedCancel()
	if cfg.Scheduler.Enabled {
		sched = scheduler.New(db, runner, cfg.Scheduler.Interval(), cfg.Scheduler.BatchSize, cfg.Scheduler.MaxConcurrent, logger)
		go sched.Start(schedCtx)
	}

	// Build HTTP handler
	handler := api.NewHandler(db, runner, hub, delegator, sched, logger)

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
		logger.Info("Cascade listening", zap.String("port", port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down Cascade...")
	schedCancel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Shutdown(ctx)

	if rl != nil {
		rl.Close()
	}
	db.Close()
}

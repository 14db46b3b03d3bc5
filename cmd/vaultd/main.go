package main

import (
	stdctx "context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/nidhogg/vault-tec/internal/api"
	"github.com/nidhogg/vault-tec/internal/config"
	"github.com/nidhogg/vault-tec/internal/context"
	"github.com/nidhogg/vault-tec/internal/lock"
	pgstore "github.com/nidhogg/vault-tec/internal/store"
)

func main() {
	_ = godotenv.Load()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	logger.Info("Starting vault-tec...")

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/vaultd.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.String("path", cfgPath), zap.Error(err))
	}
	logger.Info("Config loaded", zap.String("path", cfgPath))

	// Initialize PostgreSQL store
	store, err := pgstore.New(cfg.Database.Postgres.DSN, logger)
	if err != nil {
		logger.Fatal("PostgreSQL unavailable", zap.Error(err))
	}
	if err := store.Migrate(stdctx.Background(), "migrations"); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}

	// Flash-save single-flight lock: Redis when configured so the guard
	// holds across instances, in-process otherwise.
	var (
		locker    lock.Locker
		redisLock *lock.RedisLocker
	)
	if cfg.Database.Redis.URL != "" {
		ttl := time.Duration(cfg.Context.LockTTLSeconds) * time.Second
		rl, rErr := lock.NewRedis(cfg.Database.Redis.URL, ttl, logger)
		if rErr != nil {
			logger.Warn("Redis unavailable, using in-process flash-save lock", zap.Error(rErr))
			locker = lock.NewLocal()
		} else {
			redisLock = rl
			locker = rl
			logger.Info("Redis flash-save lock initialized")
		}
	} else {
		locker = lock.NewLocal()
	}

	manager := context.NewManager(store, context.NewScorer(nil), locker, nil, context.ManagerConfig{
		MinArchiveItems:  cfg.Context.MinArchiveItems,
		MaxArchiveBatch:  cfg.Context.MaxArchiveBatch,
		MaxContextTokens: cfg.Context.MaxContextTokens,
	}, logger)

	// Periodic score + tier maintenance
	var scheduler *cron.Cron
	if spec := cfg.Maintenance.RescoreCron; spec != "" {
		scheduler = cron.New()
		_, cronErr := scheduler.AddFunc(spec, func() {
			ctx, cancel := stdctx.WithTimeout(stdctx.Background(), 5*time.Minute)
			defer cancel()
			if err := manager.MaintenancePass(ctx); err != nil {
				logger.Warn("maintenance pass failed", zap.Error(err))
			}
		})
		if cronErr != nil {
			logger.Fatal("invalid maintenance cron spec", zap.String("spec", spec), zap.Error(cronErr))
		}
		scheduler.Start()
		logger.Info("Maintenance scheduler started", zap.String("spec", spec))
	}

	// Build HTTP handler
	handler := api.NewHandler(manager, logger)

	port := fmt.Sprintf("%d", cfg.Server.Port)
	if port == "0" {
		port = "8080"
	}
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: handler.Router(),
	}

	go func() {
		logger.Info("vault-tec listening", zap.String("port", port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down vault-tec...")
	if scheduler != nil {
		scheduler.Stop()
	}
	srv.Shutdown(stdctx.Background())
	if redisLock != nil {
		redisLock.Close()
	}
	store.Close()
}

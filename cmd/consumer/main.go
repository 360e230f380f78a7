package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/samber/do"
	"github.com/serroba/ratekeeper-go/internal/container"
	"github.com/serroba/ratekeeper-go/internal/events"
	"go.uber.org/zap"
)

func main() {
	opts := &container.Options{
		RedisAddr:   getEnv("REDIS_ADDR", "localhost:6379"),
		Backend:     getEnv("BACKEND", "redis"),
		PostgresDSN: os.Getenv("POSTGRES_DSN"),
		KeyPrefix:   getEnv("KEY_PREFIX", "ratekeeper:"),
		LogFormat:   getEnv("LOG_FORMAT", "console"),
		DedupBucket: getEnv("DEDUP_BUCKET", "10s"),
		BatchSize:   500,
	}

	injector := do.New()
	do.ProvideValue(injector, opts)
	container.LoggerPackage(injector)
	container.RedisPackage(injector)
	container.PostgresPackage(injector)
	container.DocstorePackage(injector)
	container.RateLimitPackage(injector)
	container.DedupPackage(injector)
	container.IntakePackage(injector)

	logger := do.MustInvoke[*zap.Logger](injector)
	intake := do.MustInvoke[*events.Intake](injector)

	group := events.NewGroup(logger)
	group.Add("intake", intake)

	ctx, cancel := context.WithCancel(context.Background())

	if err := group.Start(ctx); err != nil {
		logger.Fatal("failed to start intake", zap.Error(err))
	}

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	cancel()

	if err := group.Shutdown(); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}

	if err := injector.Shutdown(); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}

	return defaultValue
}

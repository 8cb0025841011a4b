// Package main API Gateway 服务入口
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

	"z-novel-studio/internal/config"
	"z-novel-studio/internal/infrastructure/messaging"
	"z-novel-studio/internal/infrastructure/persistence/postgres"
	"z-novel-studio/internal/infrastructure/persistence/redis"
	"z-novel-studio/internal/interfaces/http/handler"
	"z-novel-studio/internal/interfaces/http/middleware"
	"z-novel-studio/internal/interfaces/http/router"
	"z-novel-studio/pkg/logger"
	"z-novel-studio/pkg/tracer"
)

// Version 版本信息，构建时注入
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	// 加载 .env 文件（如果存在）
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(
		cfg.Observability.Logging.Level,
		cfg.Observability.Logging.Format,
	)

	ctx := context.Background()
	log := logger.FromContext(ctx)
	log.Info("starting api-gateway",
		"version", Version,
		"build_time", BuildTime,
		"env", cfg.App.Env,
	)

	shutdown, err := tracer.Init(ctx, tracer.Config{
		ServiceName: cfg.App.Name,
		Version:     Version,
		Environment: cfg.App.Env,
		Endpoint:    cfg.Observability.Tracing.Endpoint,
		SampleRate:  cfg.Observability.Tracing.SampleRate,
		Enabled:     cfg.Observability.Tracing.Enabled,
	})
	if err != nil {
		log.Error("failed to init tracer", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdown(ctx); err != nil {
			log.Error("failed to shutdown tracer", "error", err)
		}
	}()

	pgClient, err := postgres.NewClient(&cfg.Database.Postgres)
	if err != nil {
		logger.Fatal(ctx, "failed to init postgres", err)
	}
	defer func() { _ = pgClient.Close() }()

	redisClient, err := redis.NewClient(&cfg.Cache.Redis)
	if err != nil {
		logger.Fatal(ctx, "failed to init redis", err)
	}
	defer func() { _ = redisClient.Close() }()

	batchHandler := handler.NewBatchHandler(
		postgres.NewBatchRepository(pgClient),
		postgres.NewChapterRepository(pgClient),
		postgres.NewTxManager(pgClient),
		redis.NewControlStore(redisClient, cfg.Cache.Redis.SnapshotTTL),
		messaging.NewProducer(redisClient.Redis(), int64(cfg.Messaging.RedisStream.MaxLen)),
		cfg.Batch,
	)
	health := handler.NewHealthHandler(Version, map[string]handler.HealthChecker{
		"postgres": pgClient,
		"redis":    redisClient,
	})

	r := router.New(cfg, health)
	rateLimit := middleware.RateLimit(cfg.Security.RateLimit, redis.NewRateLimiter(redisClient))
	router.RegisterBatchRoutes(r.V1(), batchHandler, rateLimit)

	addr := fmt.Sprintf("%s:%d", cfg.Server.HTTP.Host, cfg.Server.HTTP.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r.Engine(),
		ReadTimeout:  cfg.Server.HTTP.ReadTimeout,
		WriteTimeout: cfg.Server.HTTP.WriteTimeout,
		IdleTimeout:  cfg.Server.HTTP.IdleTimeout,
	}

	go func() {
		log.Info("http server starting", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server...")

	// 事件流连接会一直保持，超时后强制关闭
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", "error", err)
	}

	log.Info("server exited")
}

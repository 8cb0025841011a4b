// Package main 章节生成流服务入口（story-gen-svc）
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

	"z-novel-studio/internal/application/storygen"
	"z-novel-studio/internal/config"
	"z-novel-studio/internal/infrastructure/llm"
	"z-novel-studio/internal/interfaces/http/handler"
	"z-novel-studio/internal/interfaces/http/router"
	einoobs "z-novel-studio/internal/observability/eino"
	"z-novel-studio/internal/workflow/chain"
	"z-novel-studio/pkg/logger"
	"z-novel-studio/pkg/tracer"
)

// Version 版本信息，构建时注入
var Version = "dev"

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.Observability.Logging.Level, cfg.Observability.Logging.Format)
	ctx := context.Background()
	log := logger.FromContext(ctx)

	shutdown, err := tracer.Init(ctx, tracer.Config{
		ServiceName: "story-gen-svc",
		Version:     Version,
		Environment: cfg.App.Env,
		Endpoint:    cfg.Observability.Tracing.Endpoint,
		SampleRate:  cfg.Observability.Tracing.SampleRate,
		Enabled:     cfg.Observability.Tracing.Enabled,
	})
	if err != nil {
		logger.Fatal(ctx, "failed to init tracer", err)
	}
	defer func() {
		_ = shutdown(ctx)
	}()

	// 初始化 Eino 全局 callbacks（指标/追踪/日志）
	einoobs.Init()

	factory := llm.NewEinoFactory(&cfg.LLM)
	producer := storygen.NewProducer(chain.NewChapterChain(factory), 0)

	r := router.New(cfg, handler.NewHealthHandler(Version, nil))
	router.RegisterGenerateRoutes(r.V1(), handler.NewGenerateHandler(producer))

	addr := fmt.Sprintf("%s:%d", cfg.Server.HTTP.Host, cfg.Server.HTTP.Port)
	srv := &http.Server{
		Addr:        addr,
		Handler:     r.Engine(),
		ReadTimeout: cfg.Server.HTTP.ReadTimeout,
		// 生成流可能持续数分钟，不设写超时
		IdleTimeout: cfg.Server.HTTP.IdleTimeout,
	}

	go func() {
		log.Info("story-gen-svc starting", "addr", addr, "provider", cfg.LLM.DefaultProvider)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down story-gen-svc...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", "error", err)
	}
}

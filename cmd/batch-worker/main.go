// Package main 批量生成执行器入口（batch-worker）
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"z-novel-studio/internal/application/batch"
	"z-novel-studio/internal/config"
	"z-novel-studio/internal/domain/entity"
	"z-novel-studio/internal/infrastructure/genclient"
	"z-novel-studio/internal/infrastructure/messaging"
	"z-novel-studio/internal/infrastructure/persistence/postgres"
	"z-novel-studio/internal/infrastructure/persistence/redis"
	"z-novel-studio/pkg/logger"
	"z-novel-studio/pkg/tracer"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.Observability.Logging.Level, cfg.Observability.Logging.Format)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdown, err := tracer.Init(ctx, tracer.Config{
		ServiceName: "batch-worker",
		Version:     cfg.App.Version,
		Environment: cfg.App.Env,
		Endpoint:    cfg.Observability.Tracing.Endpoint,
		SampleRate:  cfg.Observability.Tracing.SampleRate,
		Enabled:     cfg.Observability.Tracing.Enabled,
	})
	if err != nil {
		logger.Fatal(ctx, "failed to init tracer", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

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

	runner := batch.NewRunner(
		postgres.NewBatchRepository(pgClient),
		postgres.NewChapterRepository(pgClient),
		redis.NewControlStore(redisClient, cfg.Cache.Redis.SnapshotTTL),
		genclient.New(cfg.Clients.Generation),
		batch.RunnerConfig{Batch: cfg.Batch, Generation: cfg.Generation},
	)

	stream := cfg.Messaging.RedisStream
	consumer := messaging.NewConsumer(redisClient.Redis(), messaging.ConsumerConfig{
		Stream:        messaging.StreamBatchRun,
		Group:         messaging.ConsumerGroupBatchWorker,
		ConsumerName:  hostnameConsumerName(),
		BlockTimeout:  stream.BlockTimeout,
		ClaimInterval: stream.ClaimInterval,
		RetryLimit:    stream.RetryLimit,
		Backoff: messaging.BackoffConfig{
			Initial:    stream.RetryBackoff.Initial,
			Max:        stream.RetryBackoff.Max,
			Multiplier: stream.RetryBackoff.Multiplier,
		},
	})

	consumer.RegisterHandler(messaging.MessageTypeBatchRun, func(ctx context.Context, msg *messaging.Message) error {
		var run messaging.BatchRunMessage
		if err := msg.UnmarshalPayload(&run); err != nil {
			return err
		}
		// 进程退出时运行中的任务以取消结束，不会被重新投递执行
		return runner.Run(ctx, batch.RunSpec{
			BatchID: run.BatchID,
			Request: entity.GenerateRequest{
				Prompt:     run.Prompt,
				TemplateID: run.TemplateID,
				Provider:   run.Provider,
				Model:      run.Model,
			},
		})
	})

	log := logger.FromContext(ctx)
	log.Info("batch-worker started")

	if err := consumer.Run(ctx); err != nil {
		logger.Fatal(ctx, "consumer exited", err)
	}

	log.Info("batch-worker stopped")
}

func hostnameConsumerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

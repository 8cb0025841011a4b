package main

import (
	"context"
	"fmt"
	"log"

	"github.com/joho/godotenv"

	"z-novel-studio/internal/config"
	"z-novel-studio/internal/infrastructure/persistence/postgres"
)

func main() {
	_ = godotenv.Load()

	fmt.Println("Starting schema bootstrap...")

	// 1. 加载配置
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx := context.Background()

	// 2. 连接 PostgreSQL
	client, err := postgres.NewClient(&cfg.Database.Postgres)
	if err != nil {
		log.Fatalf("failed to connect postgres: %v", err)
	}
	defer func() { _ = client.Close() }()

	if err := client.HealthCheck(ctx); err != nil {
		log.Fatalf("postgres not reachable: %v", err)
	}

	// 3. 同步章节与批量任务表结构
	if err := client.AutoMigrate(ctx); err != nil {
		log.Fatalf("failed to migrate schema: %v", err)
	}

	fmt.Println("Bootstrap completed successfully.")
}

// Package redis 提供 Redis 控制存储、快照缓存与限流实现
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"z-novel-studio/internal/config"
)

var tracer = otel.Tracer("redis")

// Client Redis 客户端，控制面命令统一带追踪
type Client struct {
	rdb *redis.Client
}

// NewClient 创建 Redis 客户端并检查连通性
func NewClient(cfg *config.RedisConfig) (*Client, error) {
	opts := newOptions(cfg)
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), opts.DialTimeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping redis %s: %w", opts.Addr, err)
	}
	return &Client{rdb: rdb}, nil
}

func newOptions(cfg *config.RedisConfig) *redis.Options {
	opts := &redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	return opts
}

// Redis 获取底层客户端，供 Streams 消费者等直接使用
func (c *Client) Redis() *redis.Client {
	return c.rdb
}

// Close 关闭连接
func (c *Client) Close() error {
	return c.rdb.Close()
}

// HealthCheck 健康检查
func (c *Client) HealthCheck(ctx context.Context) error {
	return c.traced(ctx, "redis.Ping", "", func(ctx context.Context) error {
		if err := c.rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("health check failed: %w", err)
		}
		return nil
	})
}

// Set 写入字符串值
func (c *Client) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return c.traced(ctx, "redis.Set", key, func(ctx context.Context) error {
		return c.rdb.Set(ctx, key, value, ttl).Err()
	})
}

// SetNX 键不存在时写入，返回是否写入成功
func (c *Client) SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error) {
	var ok bool
	err := c.traced(ctx, "redis.SetNX", key, func(ctx context.Context) error {
		var err error
		ok, err = c.rdb.SetNX(ctx, key, value, ttl).Result()
		return err
	})
	return ok, err
}

// Exists 键是否存在
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	var n int64
	err := c.traced(ctx, "redis.Exists", key, func(ctx context.Context) error {
		var err error
		n, err = c.rdb.Exists(ctx, key).Result()
		return err
	})
	return n > 0, err
}

// GetDel 读取并删除键，键不存在时返回 redis.Nil
func (c *Client) GetDel(ctx context.Context, key string) (string, error) {
	var v string
	err := c.traced(ctx, "redis.GetDel", key, func(ctx context.Context) error {
		var err error
		v, err = c.rdb.GetDel(ctx, key).Result()
		return err
	})
	return v, err
}

// Del 删除键
func (c *Client) Del(ctx context.Context, keys ...string) error {
	key := ""
	if len(keys) == 1 {
		key = keys[0]
	}
	return c.traced(ctx, "redis.Del", key, func(ctx context.Context) error {
		return c.rdb.Del(ctx, keys...).Err()
	})
}

// traced 在 span 中执行命令；redis.Nil 不记为错误
func (c *Client) traced(ctx context.Context, op, key string, fn func(ctx context.Context) error) error {
	var opts []trace.SpanStartOption
	if key != "" {
		opts = append(opts, trace.WithAttributes(attribute.String("redis.key", key)))
	}
	ctx, span := tracer.Start(ctx, op, opts...)
	defer span.End()

	err := fn(ctx)
	if err != nil && !IsNil(err) {
		span.RecordError(err)
	}
	return err
}

// IsNil 检查是否为 redis.Nil 错误
func IsNil(err error) bool {
	return errors.Is(err, redis.Nil)
}

package redis

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// RateLimiter 基于有序集合的滑动窗口限流
type RateLimiter struct {
	client *Client
}

// NewRateLimiter 创建限流器
func NewRateLimiter(client *Client) *RateLimiter {
	return &RateLimiter{client: client}
}

// Allow 在 window 内最多放行 limit 次
// 先记录本次请求再计数，超限时撤销记录，整个过程在一个事务管道中完成
func (l *RateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	ctx, span := tracer.Start(ctx, "ratelimit.Allow", trace.WithAttributes(
		attribute.String("ratelimit.key", key),
		attribute.Int("ratelimit.limit", limit),
	))
	defer span.End()

	now := time.Now()
	member := uuid.NewString()

	var card *redis.IntCmd
	_, err := l.client.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(now.Add(-window).UnixNano(), 10))
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixNano()), Member: member})
		card = pipe.ZCard(ctx, key)
		pipe.PExpire(ctx, key, window)
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return false, err
	}

	allowed := card.Val() <= int64(limit)
	span.SetAttributes(attribute.Bool("ratelimit.allowed", allowed))
	if !allowed {
		// 被拒绝的请求不占用配额
		if err := l.client.rdb.ZRem(ctx, key, member).Err(); err != nil {
			span.RecordError(err)
		}
	}
	return allowed, nil
}

// BuildRateLimitKey 构建项目级限流键
func BuildRateLimitKey(projectID, endpoint string) string {
	return "ratelimit:" + projectID + ":" + endpoint
}

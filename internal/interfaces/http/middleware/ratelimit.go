package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"z-novel-studio/internal/config"
	"z-novel-studio/internal/infrastructure/persistence/redis"
	"z-novel-studio/pkg/logger"
)

// RateLimiter 限流器接口
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// RateLimit 按项目（或任务）与路由限流，窗口为一分钟
// 限流器故障时放行
func RateLimit(cfg config.RateLimitConfig, limiter RateLimiter) gin.HandlerFunc {
	if !cfg.Enabled || limiter == nil {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	limit := cfg.RequestsPerMinute
	if limit <= 0 {
		limit = 30
	}

	return func(c *gin.Context) {
		// 项目路由按项目计数，任务路由按任务计数
		scope := c.Param("pid")
		if scope == "" {
			scope = c.Param("bid")
		}
		if scope == "" {
			scope = "anonymous"
		}
		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = c.Request.URL.Path
		}

		ctx := c.Request.Context()
		allowed, err := limiter.Allow(ctx, redis.BuildRateLimitKey(scope, endpoint), limit, time.Minute)
		if err != nil {
			logger.Warn(ctx, "rate limiter unavailable", "error", err.Error())
			c.Next()
			return
		}

		if !allowed {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code":     http.StatusTooManyRequests,
				"message":  "rate limit exceeded",
				"trace_id": c.GetString("trace_id"),
			})
			return
		}

		c.Next()
	}
}

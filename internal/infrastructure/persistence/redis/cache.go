package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

var cacheTracer = otel.Tracer("redis.cache")

// Cache 以 JSON 存放快照
type Cache struct {
	client *Client
	group  singleflight.Group
}

// NewCache 创建缓存
func NewCache(client *Client) *Cache {
	return &Cache{client: client}
}

// SetJSON 序列化并写入
func (c *Cache) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	return c.client.Set(ctx, key, data, ttl)
}

// GetJSON 读取并反序列化到 dst；未命中时 found 为 false
func (c *Cache) GetJSON(ctx context.Context, key string, dst any) (found bool, err error) {
	ctx, span := cacheTracer.Start(ctx, "cache.GetJSON",
		trace.WithAttributes(attribute.String("cache.key", key)))
	defer span.End()

	data, err := c.client.rdb.Get(ctx, key).Bytes()
	span.SetAttributes(attribute.Bool("cache.hit", err == nil))
	if err != nil {
		if IsNil(err) {
			return false, nil
		}
		span.RecordError(err)
		return false, err
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return false, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return true, nil
}

// LoadJSON 读穿：未命中时调用 loader 并回填
// 同一键的并发回源经 singleflight 合并，回填失败不影响返回结果
func LoadJSON[T any](ctx context.Context, c *Cache, key string, ttl time.Duration, loader func(ctx context.Context) (*T, error)) (*T, error) {
	var out T
	found, err := c.GetJSON(ctx, key, &out)
	if err != nil {
		return nil, err
	}
	if found {
		return &out, nil
	}

	v, err, shared := c.group.Do(key, func() (interface{}, error) {
		loaded, err := loader(ctx)
		if err != nil {
			return nil, err
		}
		if err := c.SetJSON(ctx, key, loaded, ttl); err != nil {
			trace.SpanFromContext(ctx).RecordError(err)
		}
		return loaded, nil
	})
	if err != nil {
		return nil, err
	}
	trace.SpanFromContext(ctx).SetAttributes(attribute.Bool("cache.shared", shared))
	return v.(*T), nil
}

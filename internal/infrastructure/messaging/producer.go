package messaging

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"z-novel-studio/pkg/logger"
	"z-novel-studio/pkg/tracer"
)

var streamTracer = otel.Tracer("messaging")

// Producer 消息生产者
type Producer struct {
	client *redis.Client
	maxLen int64
}

// NewProducer 创建消息生产者
func NewProducer(client *redis.Client, maxLen int64) *Producer {
	if maxLen <= 0 {
		maxLen = 100000
	}
	return &Producer{client: client, maxLen: maxLen}
}

// Publish 发布消息到指定流
func (p *Producer) Publish(ctx context.Context, stream Stream, msg *Message) (string, error) {
	ctx, span := streamTracer.Start(ctx, "producer.Publish",
		trace.WithAttributes(
			attribute.String("stream", string(stream)),
			attribute.String("message.id", msg.ID),
			attribute.String("message.type", msg.Type),
		))
	defer span.End()

	data, err := json.Marshal(msg)
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("failed to marshal message: %w", err)
	}

	result, err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: string(stream),
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"data": string(data),
		},
	}).Result()
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("failed to publish message: %w", err)
	}

	span.SetAttributes(attribute.String("stream.message_id", result))
	return result, nil
}

// PublishBatchRun 发布已确认的批量任务
func (p *Producer) PublishBatchRun(ctx context.Context, run *BatchRunMessage) (string, error) {
	msg, err := NewMessage(run.BatchID, MessageTypeBatchRun, run.ProjectID, run)
	if err != nil {
		return "", err
	}

	if rid, ok := ctx.Value(logger.RequestIDKey).(string); ok && rid != "" {
		msg.SetMetadata("request_id", rid)
	}
	// 先开启发布 span，worker 侧的执行链路挂在其下
	ctx, span := streamTracer.Start(ctx, "producer.PublishBatchRun",
		trace.WithAttributes(attribute.String("batch_id", run.BatchID)))
	defer span.End()
	tracer.Inject(ctx, msg.Metadata)
	if traceID := tracer.TraceID(ctx); traceID != "" {
		msg.SetMetadata("trace_id", traceID)
	}
	return p.Publish(ctx, StreamBatchRun, msg)
}

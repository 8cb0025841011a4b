// Package eino 注册 Eino 全局回调，采集大模型调用的指标、追踪与日志
package eino

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	einocb "github.com/cloudwego/eino/callbacks"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	cbtemplate "github.com/cloudwego/eino/utils/callbacks"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"z-novel-studio/pkg/logger"
	"z-novel-studio/pkg/metrics"
)

// callStateKey 在 Context 中保存调用开始时间与模型名
// OnEnd/OnError 据此计算耗时并补齐指标标签
type callStateKey struct{}

type callState struct {
	start time.Time
	model string
}

var initOnce sync.Once

// Init 注册全局 ChatModel 回调，进程内只生效一次
func Init() {
	initOnce.Do(func() {
		einocb.AppendGlobalHandlers(cbtemplate.NewHandlerHelper().
			ChatModel(newChatModelCallbackHandler()).
			Handler())
	})
}

// newChatModelCallbackHandler 创建大模型调用的回调处理器
//
// 记录调用次数、耗时、Token 消耗与追踪 Span。
// 流式调用在输出流读完后才结算，Token 用量取最后一个携带用量的分片。
func newChatModelCallbackHandler() *cbtemplate.ModelCallbackHandler {
	return &cbtemplate.ModelCallbackHandler{
		OnStart: func(ctx context.Context, info *einocb.RunInfo, input *model.CallbackInput) context.Context {
			modelName := modelNameFromInput(input)
			ctx = context.WithValue(ctx, callStateKey{}, &callState{start: time.Now(), model: modelName})

			attrs := []attribute.KeyValue{
				attribute.String("eino.workflow", WorkflowFromContext(ctx)),
				attribute.String("llm.provider", ProviderFromContext(ctx)),
				attribute.String("llm.model", modelName),
			}
			if info != nil {
				attrs = append(attrs,
					attribute.String("eino.node_name", info.Name),
					attribute.String("eino.type", info.Type),
				)
			}

			ctx, _ = otel.Tracer("eino").Start(ctx, "llm.generate", trace.WithAttributes(attrs...))
			return ctx
		},

		OnEnd: func(ctx context.Context, info *einocb.RunInfo, output *model.CallbackOutput) context.Context {
			var usage *model.TokenUsage
			modelName := ""
			if output != nil {
				usage = output.TokenUsage
				modelName = modelNameFromOutput(output)
			}
			finishCall(ctx, modelName, usage, nil)
			return ctx
		},

		OnEndWithStreamOutput: func(ctx context.Context, info *einocb.RunInfo, output *schema.StreamReader[*model.CallbackOutput]) context.Context {
			go func() {
				defer output.Close()

				var usage *model.TokenUsage
				modelName := ""
				for {
					chunk, err := output.Recv()
					if errors.Is(err, io.EOF) {
						break
					}
					if err != nil {
						finishCall(ctx, modelName, usage, err)
						return
					}
					if chunk == nil {
						continue
					}
					if chunk.TokenUsage != nil {
						usage = chunk.TokenUsage
					}
					if name := modelNameFromOutput(chunk); name != "" {
						modelName = name
					}
				}
				finishCall(ctx, modelName, usage, nil)
			}()
			return ctx
		},

		OnError: func(ctx context.Context, info *einocb.RunInfo, err error) context.Context {
			finishCall(ctx, "", nil, err)
			return ctx
		},
	}
}

// finishCall 上报指标并结束 Span；err 非空时记为失败
func finishCall(ctx context.Context, modelName string, usage *model.TokenUsage, err error) {
	workflow := WorkflowFromContext(ctx)
	provider := ProviderFromContext(ctx)

	state, _ := ctx.Value(callStateKey{}).(*callState)
	if modelName == "" && state != nil {
		modelName = state.model
	}

	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.LLMCallTotal.WithLabelValues(workflow, provider, modelName, status).Inc()

	var elapsed time.Duration
	if state != nil && !state.start.IsZero() {
		elapsed = time.Since(state.start)
		metrics.LLMCallDuration.WithLabelValues(workflow, provider, modelName).Observe(elapsed.Seconds())
	}

	span := trace.SpanFromContext(ctx)
	if usage != nil {
		metrics.LLMTokensUsed.WithLabelValues(workflow, provider, modelName, "prompt").Add(float64(usage.PromptTokens))
		metrics.LLMTokensUsed.WithLabelValues(workflow, provider, modelName, "completion").Add(float64(usage.CompletionTokens))
		span.SetAttributes(
			attribute.Int("llm.prompt_tokens", usage.PromptTokens),
			attribute.Int("llm.completion_tokens", usage.CompletionTokens),
		)
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Warn(ctx, "llm call failed",
			"workflow", workflow,
			"provider", provider,
			"model", modelName,
			"error", err.Error(),
		)
	} else {
		logger.Debug(ctx, "llm call finished",
			"workflow", workflow,
			"model", modelName,
			"elapsed_ms", elapsed.Milliseconds(),
		)
	}
	span.End()
}

func modelNameFromInput(in *model.CallbackInput) string {
	if in == nil || in.Config == nil {
		return ""
	}
	return in.Config.Model
}

func modelNameFromOutput(out *model.CallbackOutput) string {
	if out == nil || out.Config == nil {
		return ""
	}
	return out.Config.Model
}

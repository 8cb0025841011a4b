package eino

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"z-novel-studio/pkg/metrics"
)

// TestContextDefaults falls back to "unknown" when nothing is set.
func TestContextDefaults(t *testing.T) {
	ctx := context.Background()
	if got := WorkflowFromContext(ctx); got != "unknown" {
		t.Fatalf("WorkflowFromContext() = %q, want unknown", got)
	}
	ctx = WithWorkflowProvider(ctx, " chapter ", "openai")
	if got := WorkflowFromContext(ctx); got != "chapter" {
		t.Fatalf("WorkflowFromContext() = %q, want chapter", got)
	}
	if got := ProviderFromContext(WithProvider(ctx, "  ")); got != "openai" {
		t.Fatalf("ProviderFromContext() = %q, want openai", got)
	}
}

// TestChatModelHandlerOnEnd records a successful call with token usage.
func TestChatModelHandlerOnEnd(t *testing.T) {
	h := newChatModelCallbackHandler()
	ctx := WithWorkflowProvider(context.Background(), "test-on-end", "p1")

	ctx = h.OnStart(ctx, nil, &model.CallbackInput{Config: &model.Config{Model: "m1"}})
	h.OnEnd(ctx, nil, &model.CallbackOutput{
		TokenUsage: &model.TokenUsage{PromptTokens: 10, CompletionTokens: 32},
	})

	if got := testutil.ToFloat64(metrics.LLMCallTotal.WithLabelValues("test-on-end", "p1", "m1", "success")); got != 1 {
		t.Fatalf("call_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.LLMTokensUsed.WithLabelValues("test-on-end", "p1", "m1", "completion")); got != 32 {
		t.Fatalf("completion tokens = %v, want 32", got)
	}
}

// TestChatModelHandlerOnError records a failed call under the started model.
func TestChatModelHandlerOnError(t *testing.T) {
	h := newChatModelCallbackHandler()
	ctx := WithWorkflowProvider(context.Background(), "test-on-error", "p1")

	ctx = h.OnStart(ctx, nil, &model.CallbackInput{Config: &model.Config{Model: "m2"}})
	h.OnError(ctx, nil, errors.New("boom"))

	if got := testutil.ToFloat64(metrics.LLMCallTotal.WithLabelValues("test-on-error", "p1", "m2", "error")); got != 1 {
		t.Fatalf("call_total = %v, want 1", got)
	}
}

// TestChatModelHandlerStreamOutput settles once the stream is drained.
func TestChatModelHandlerStreamOutput(t *testing.T) {
	h := newChatModelCallbackHandler()
	ctx := WithWorkflowProvider(context.Background(), "test-stream", "p1")
	ctx = h.OnStart(ctx, nil, &model.CallbackInput{Config: &model.Config{Model: "m3"}})

	sr, sw := schema.Pipe[*model.CallbackOutput](3)
	sw.Send(&model.CallbackOutput{}, nil)
	sw.Send(&model.CallbackOutput{TokenUsage: &model.TokenUsage{PromptTokens: 5, CompletionTokens: 7}}, nil)
	sw.Close()

	h.OnEndWithStreamOutput(ctx, nil, sr)

	counter := metrics.LLMCallTotal.WithLabelValues("test-stream", "p1", "m3", "success")
	deadline := time.Now().Add(time.Second)
	for testutil.ToFloat64(counter) < 1 {
		if time.Now().After(deadline) {
			t.Fatal("stream call was not recorded")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := testutil.ToFloat64(metrics.LLMTokensUsed.WithLabelValues("test-stream", "p1", "m3", "prompt")); got != 5 {
		t.Fatalf("prompt tokens = %v, want 5", got)
	}
}

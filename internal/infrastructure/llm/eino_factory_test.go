package llm

import (
	"context"
	"testing"
	"time"

	"z-novel-studio/internal/config"
	"z-novel-studio/pkg/errors"
)

func testLLMConfig() *config.LLMConfig {
	return &config.LLMConfig{
		DefaultProvider: "openai",
		Providers: map[string]config.ProviderConfig{
			"openai": {
				APIKey:      "sk-test",
				BaseURL:     "http://127.0.0.1:1/v1",
				Model:       "gpt-4o-mini",
				MaxTokens:   1024,
				Temperature: 0.7,
				Timeout:     time.Second,
			},
		},
	}
}

// TestEinoFactoryCachesDefault returns the same instance for the default provider.
func TestEinoFactoryCachesDefault(t *testing.T) {
	f := NewEinoFactory(testLLMConfig())
	ctx := context.Background()

	a, err := f.Get(ctx, "")
	if err != nil {
		t.Fatalf("Get(\"\") error = %v", err)
	}
	b, err := f.Get(ctx, "openai")
	if err != nil {
		t.Fatalf("Get(openai) error = %v", err)
	}
	if a != b {
		t.Fatal("Get() returned different instances for the default provider")
	}
}

// TestEinoFactoryUnknownProvider rejects providers missing from config.
func TestEinoFactoryUnknownProvider(t *testing.T) {
	f := NewEinoFactory(testLLMConfig())
	_, err := f.Get(context.Background(), "claude")
	if errors.CodeOf(err) != errors.CodeInvalidParam {
		t.Fatalf("Get(claude) code = %v, want %v", errors.CodeOf(err), errors.CodeInvalidParam)
	}
}

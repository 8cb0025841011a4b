// Package llm 管理 Eino ChatModel 客户端
package llm

import (
	"context"
	"strings"
	"sync"

	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"

	"z-novel-studio/internal/config"
	"z-novel-studio/pkg/errors"
	"z-novel-studio/pkg/logger"
)

// EinoFactory 按提供商名称惰性创建并缓存 ChatModel
// 所有提供商均走 OpenAI 兼容协议
type EinoFactory struct {
	config *config.LLMConfig
	models map[string]model.BaseChatModel
	mu     sync.RWMutex
}

// NewEinoFactory 创建 Eino LLM 工厂
func NewEinoFactory(cfg *config.LLMConfig) *EinoFactory {
	return &EinoFactory{
		config: cfg,
		models: make(map[string]model.BaseChatModel),
	}
}

// ResolveProvider 空名称解析为默认提供商
func (f *EinoFactory) ResolveProvider(name string) string {
	if n := strings.TrimSpace(name); n != "" {
		return n
	}
	return f.config.DefaultProvider
}

// Get 获取指定名称的 ChatModel，未指定时返回默认提供商
func (f *EinoFactory) Get(ctx context.Context, name string) (model.BaseChatModel, error) {
	name = f.ResolveProvider(name)

	f.mu.RLock()
	m, ok := f.models[name]
	f.mu.RUnlock()
	if ok {
		return m, nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok = f.models[name]; ok {
		return m, nil
	}

	providerCfg, ok := f.config.Providers[name]
	if !ok {
		return nil, errors.ErrInvalidParam.WithDetail("llm provider not found: " + name)
	}

	temperature := float32(providerCfg.Temperature)
	chatModel, err := openai.NewChatModel(ctx, &openai.ChatModelConfig{
		APIKey:      providerCfg.APIKey,
		BaseURL:     providerCfg.BaseURL,
		Model:       providerCfg.Model,
		MaxTokens:   &providerCfg.MaxTokens,
		Temperature: &temperature,
		Timeout:     providerCfg.Timeout,
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeLLMProviderError, "failed to create chat model for "+name)
	}

	logger.Info(ctx, "chat model created", "provider", name, "model", providerCfg.Model)
	f.models[name] = chatModel
	return chatModel, nil
}

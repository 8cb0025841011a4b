// Package chain 编排章节生成的大模型调用
package chain

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	einoobs "z-novel-studio/internal/observability/eino"
	wfmodel "z-novel-studio/internal/workflow/model"
	"z-novel-studio/internal/workflow/node"
	workflowprompt "z-novel-studio/internal/workflow/prompt"
)

// ChatModelFactory 按提供商名称获取 ChatModel
type ChatModelFactory interface {
	Get(ctx context.Context, name string) (model.BaseChatModel, error)
}

type ChapterChain struct {
	factory ChatModelFactory
}

func NewChapterChain(factory ChatModelFactory) *ChapterChain {
	return &ChapterChain{factory: factory}
}

var chapterPromptRegistry = workflowprompt.NewRegistry()

// Plan 生成本章标题与大纲
func (c *ChapterChain) Plan(ctx context.Context, in *wfmodel.ChapterGenerateInput) (*wfmodel.ChapterPlan, error) {
	if err := validateInput(in); err != nil {
		return nil, err
	}

	ctx = einoobs.WithWorkflowProvider(ctx, "chapter_plan", in.Provider)
	chatModel, err := c.factory.Get(ctx, strings.TrimSpace(in.Provider))
	if err != nil {
		return nil, err
	}

	msgs, err := formatChapterMessages(ctx, workflowprompt.PromptChapterPlanV1, in, nil)
	if err != nil {
		return nil, err
	}

	outMsg, err := chatModel.Generate(ctx, msgs, buildChapterModelOptions(in)...)
	if err != nil {
		return nil, err
	}
	if outMsg == nil {
		return nil, fmt.Errorf("empty llm response")
	}

	plan := node.ParseChapterPlan(outMsg.Content)
	if plan.Title == "" {
		plan.Title = fmt.Sprintf("第%d章", in.UnitNumber)
	}
	return &plan, nil
}

// Stream 按大纲流式生成正文；调用方负责 Close()。
// 流可能在最后返回一个 Content 为空但包含 Usage 的消息，用于 Token 统计。
func (c *ChapterChain) Stream(ctx context.Context, in *wfmodel.ChapterGenerateInput, plan *wfmodel.ChapterPlan) (*schema.StreamReader[*schema.Message], error) {
	if err := validateInput(in); err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, fmt.Errorf("chapter plan is required")
	}
	promptID, err := workflowprompt.ChapterPromptID(in.TemplateID)
	if err != nil {
		return nil, err
	}

	ctx = einoobs.WithWorkflowProvider(ctx, "chapter_stream", in.Provider)
	chatModel, err := c.factory.Get(ctx, strings.TrimSpace(in.Provider))
	if err != nil {
		return nil, err
	}

	msgs, err := formatChapterMessages(ctx, promptID, in, plan)
	if err != nil {
		return nil, err
	}
	return chatModel.Stream(ctx, msgs, buildChapterModelOptions(in)...)
}

func validateInput(in *wfmodel.ChapterGenerateInput) error {
	if in == nil {
		return fmt.Errorf("input is nil")
	}
	if in.UnitNumber <= 0 {
		return fmt.Errorf("unit_number must be positive")
	}
	return nil
}

func formatChapterMessages(ctx context.Context, id workflowprompt.PromptID, in *wfmodel.ChapterGenerateInput, plan *wfmodel.ChapterPlan) ([]*schema.Message, error) {
	tpl, err := chapterPromptRegistry.ChatTemplate(id)
	if err != nil {
		return nil, err
	}

	prompt := strings.TrimSpace(in.Prompt)
	if prompt == "" {
		prompt = "（无额外要求，延续前文风格）"
	}
	vars := map[string]any{
		"unit_number": in.UnitNumber,
		"prompt":      prompt,
		"references":  node.BuildReferencesBlock(in.References),
		"title":       "",
		"outline":     "",
	}
	if plan != nil {
		vars["title"] = plan.Title
		vars["outline"] = plan.Outline
	}
	return tpl.Format(ctx, vars)
}

func buildChapterModelOptions(in *wfmodel.ChapterGenerateInput) []model.Option {
	opts := make([]model.Option, 0, 3)
	if in.Temperature != nil {
		opts = append(opts, model.WithTemperature(*in.Temperature))
	}
	if in.MaxTokens != nil {
		opts = append(opts, model.WithMaxTokens(*in.MaxTokens))
	}
	if strings.TrimSpace(in.Model) != "" {
		opts = append(opts, model.WithModel(strings.TrimSpace(in.Model)))
	}
	return opts
}

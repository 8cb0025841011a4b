// Package storygen 驱动大模型生成单章内容，并以生成流事件的形式逐条输出
package storygen

import (
	"context"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/cloudwego/eino/schema"

	wfmodel "z-novel-studio/internal/workflow/model"
	"z-novel-studio/pkg/logger"
)

// Emitter 输出一条生成流事件；data 为字符串或可 JSON 序列化的对象
type Emitter func(event string, data any) error

// Chain 章节生成链
type Chain interface {
	Plan(ctx context.Context, in *wfmodel.ChapterGenerateInput) (*wfmodel.ChapterPlan, error)
	Stream(ctx context.Context, in *wfmodel.ChapterGenerateInput, plan *wfmodel.ChapterPlan) (*schema.StreamReader[*schema.Message], error)
}

const defaultProgressEvery = 500

// Producer 生成流事件生产者
type Producer struct {
	chain         Chain
	progressEvery int
}

// NewProducer 创建生产者；progressEvery 为每输出多少字发送一次进度事件
func NewProducer(chain Chain, progressEvery int) *Producer {
	if progressEvery <= 0 {
		progressEvery = defaultProgressEvery
	}
	return &Producer{chain: chain, progressEvery: progressEvery}
}

// Run 依次输出 phase、progress、title、outline、message 与 done
// 任一步骤失败时输出 error 事件并返回错误；emit 失败（客户端断开）时直接返回
func (p *Producer) Run(ctx context.Context, in *wfmodel.ChapterGenerateInput, emit Emitter) error {
	if err := emit("phase", "规划章节大纲"); err != nil {
		return err
	}
	if err := emit("progress", progress("plan", fmt.Sprintf("正在规划第%d章", in.UnitNumber))); err != nil {
		return err
	}

	plan, err := p.chain.Plan(ctx, in)
	if err != nil {
		return p.fail(ctx, emit, "plan", err)
	}
	if err := emit("title", plan.Title); err != nil {
		return err
	}
	if plan.Outline != "" {
		if err := emit("outline", plan.Outline); err != nil {
			return err
		}
	}

	if err := emit("phase", "撰写正文"); err != nil {
		return err
	}
	sr, err := p.chain.Stream(ctx, in, plan)
	if err != nil {
		return p.fail(ctx, emit, "stream", err)
	}
	defer sr.Close()

	written, nextProgress := 0, p.progressEvery
	for {
		chunk, err := sr.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return p.fail(ctx, emit, "stream", err)
		}
		if chunk == nil || chunk.Content == "" {
			continue
		}
		if err := emit("message", map[string]string{"content": chunk.Content}); err != nil {
			return err
		}
		written += utf8.RuneCountInString(chunk.Content)
		if written >= nextProgress {
			if err := emit("progress", progress("write", fmt.Sprintf("已生成 %d 字", written))); err != nil {
				return err
			}
			nextProgress = written + p.progressEvery
		}
	}

	if written == 0 {
		return p.fail(ctx, emit, "stream", fmt.Errorf("模型未返回正文"))
	}
	logger.Info(ctx, "chapter stream finished", "unit_number", in.UnitNumber, "chars", written)
	return emit("done", map[string]int{"chars": written})
}

func (p *Producer) fail(ctx context.Context, emit Emitter, step string, err error) error {
	logger.Error(ctx, "chapter generation failed", err, "step", step)
	if emitErr := emit("error", map[string]string{"error": err.Error()}); emitErr != nil {
		return emitErr
	}
	return err
}

func progress(step, message string) map[string]string {
	return map[string]string{"step": step, "message": message}
}

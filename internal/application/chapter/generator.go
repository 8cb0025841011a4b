package chapter

import (
	"context"

	"z-novel-studio/internal/application/generation"
	"z-novel-studio/internal/application/session"
	"z-novel-studio/internal/domain/entity"
	"z-novel-studio/internal/domain/repository"
	"z-novel-studio/pkg/logger"
)

// Generator 为批量任务的每个单元发起生成，并附带前一章结尾作为上下文
type Generator struct {
	svc       *generation.Service
	repo      repository.ChapterRepository
	base      entity.GenerateRequest
	tailChars int
	streamCtx context.Context
}

// NewGenerator 创建生成器；base 提供项目、模型与模板等固定参数
func NewGenerator(svc *generation.Service, repo repository.ChapterRepository, base entity.GenerateRequest, tailChars int) *Generator {
	return &Generator{svc: svc, repo: repo, base: base, tailChars: tailChars}
}

// Generate 实现 batch.Generator
func (g *Generator) Generate(ctx context.Context, unitNumber int) (*session.Session, error) {
	req := g.base
	req.UnitNumber = unitNumber
	req.References = append([]string(nil), g.base.References...)

	if g.tailChars > 0 {
		prev, err := g.repo.GetPrevious(ctx, req.ProjectID, unitNumber)
		if err != nil {
			logger.Warn(ctx, "failed to load previous chapter", "error", err.Error())
		} else if prev != nil && prev.ContentText != "" {
			req.References = append(req.References, Tail(prev.ContentText, g.tailChars))
		}
	}

	sctx, release := g.detach(ctx)
	sess, err := g.svc.Start(sctx, req)
	if err != nil {
		release()
		return nil, err
	}
	go func() {
		<-sess.Done()
		release()
	}()
	return sess, nil
}

// StreamContext 指定生成流的生命周期
// 设置后 Generate 的 ctx 只提供日志与追踪值，取消它不会中断进行中的流
func (g *Generator) StreamContext(ctx context.Context) *Generator {
	g.streamCtx = ctx
	return g
}

func (g *Generator) detach(ctx context.Context) (context.Context, func()) {
	if g.streamCtx == nil {
		return ctx, func() {}
	}
	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(g.streamCtx, cancel)
	return sctx, func() {
		stop()
		cancel()
	}
}

// Tail 返回文本最后 n 个字符
func Tail(s string, n int) string {
	r := []rune(s)
	if n <= 0 || len(r) <= n {
		return s
	}
	return string(r[len(r)-n:])
}

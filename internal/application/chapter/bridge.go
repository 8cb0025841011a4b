package chapter

import (
	"context"
	"sync"
	"time"

	"github.com/bep/debounce"

	"z-novel-studio/internal/application/generation"
	"z-novel-studio/internal/application/session"
	"z-novel-studio/internal/domain/entity"
	"z-novel-studio/internal/domain/repository"
	"z-novel-studio/pkg/logger"
)

// Bridge 将生成会话的正文写入章节
// 流式期间去抖自动保存，终态时立即写入最终结果
type Bridge struct {
	repo  repository.ChapterRepository
	delay time.Duration
	meta  entity.GenerationMetadata
}

// NewBridge 创建持久化桥；meta 中的批量任务、模型等信息随结果写入
func NewBridge(repo repository.ChapterRepository, delay time.Duration, meta entity.GenerationMetadata) *Bridge {
	if delay <= 0 {
		delay = 1500 * time.Millisecond
	}
	return &Bridge{repo: repo, delay: delay, meta: meta}
}

// Hook 返回挂接到生成服务的会话钩子
func (b *Bridge) Hook() generation.Hook {
	return func(ctx context.Context, sess *session.Session) {
		if err := b.Attach(ctx, sess); err != nil {
			logger.Error(ctx, "failed to attach persistence bridge", err)
		}
	}
}

// Attach 订阅会话；目标章节不存在时以草稿创建
func (b *Bridge) Attach(ctx context.Context, sess *session.Session) error {
	snap := sess.Snapshot()
	ch, err := b.repo.GetByProjectAndSeq(ctx, snap.ProjectID, snap.UnitNumber)
	if err != nil {
		return err
	}
	if ch == nil {
		ch = entity.NewChapter(snap.ProjectID, snap.UnitNumber)
		if err := b.repo.Create(ctx, ch); err != nil {
			return err
		}
	}

	meta := b.meta
	meta.SessionID = sess.ID()
	w := &writer{
		repo:     b.repo,
		chapter:  ch,
		meta:     meta,
		debounce: debounce.New(b.delay),
		ctx:      context.WithoutCancel(ctx),
	}
	var unsubscribe func()
	unsubscribe = sess.Subscribe(func(s entity.SessionSnapshot) {
		if w.observe(s) && unsubscribe != nil {
			unsubscribe()
		}
	})
	return nil
}

// writer 单个会话的写入状态
type writer struct {
	repo     repository.ChapterRepository
	meta     entity.GenerationMetadata
	debounce func(f func())
	ctx      context.Context

	mu        sync.Mutex
	chapter   *entity.Chapter
	latest    entity.SessionSnapshot
	finalized bool
}

// observe 处理一个快照，终态写入完成后返回 true
func (w *writer) observe(s entity.SessionSnapshot) bool {
	switch {
	case s.Status.IsTerminal():
		w.finalize(s)
		return true
	case s.Status == entity.SessionStatusStreaming:
		w.mu.Lock()
		w.latest = s
		w.mu.Unlock()
		w.debounce(w.autosave)
	}
	return false
}

func (w *writer) autosave() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.finalized {
		return
	}
	w.save(w.latest, entity.ChapterStatusGenerating)
}

func (w *writer) finalize(s entity.SessionSnapshot) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.finalized {
		return
	}
	w.finalized = true

	status := entity.ChapterStatusCompleted
	if s.Status == entity.SessionStatusErrored {
		status = entity.ChapterStatusFailed
	}
	w.save(s, status)
}

// save 调用方持有 w.mu
func (w *writer) save(s entity.SessionSnapshot, status entity.ChapterStatus) {
	ch := w.chapter
	ch.SetContent(s.FormattedText)
	if s.Title != "" {
		ch.Title = s.Title
	}
	if s.Outline != "" {
		ch.Outline = s.Outline
	}
	ch.Status = status

	meta := w.meta
	meta.LastError = s.LastError
	if status == entity.ChapterStatusCompleted {
		meta.GeneratedAt = s.UpdatedAt.Format(time.RFC3339)
		ch.IncrementVersion()
	}
	ch.GenerationMetadata = &meta

	ctx := logger.WithContext(w.ctx, logger.UnitNumberKey, ch.SeqNum)
	if err := w.repo.SaveGeneration(ctx, ch); err != nil {
		logger.Error(ctx, "failed to persist generated chapter", err, "status", status)
		return
	}
	logger.Debug(ctx, "chapter persisted", "status", status, "word_count", ch.WordCount)
}

// Package generation 发起章节生成并驱动生成会话
package generation

import (
	"context"
	"io"
	"sync"

	"z-novel-studio/internal/application/session"
	"z-novel-studio/internal/application/stream"
	"z-novel-studio/internal/domain/entity"
	"z-novel-studio/pkg/errors"
	"z-novel-studio/pkg/logger"
	"z-novel-studio/pkg/tracer"
)

// StreamOpener 打开生成流
type StreamOpener interface {
	OpenStream(ctx context.Context, req entity.GenerateRequest) (io.ReadCloser, error)
}

// Hook 在会话开始消费前挂接监听器（持久化桥、快照发布等）
type Hook func(ctx context.Context, sess *session.Session)

// Config 生成服务配置
type Config struct {
	ChunkSize    int
	Realtime     bool
	NoisePhrases []string
}

// Service 生成服务，同一时刻最多一个会话处于活动状态
type Service struct {
	opener StreamOpener
	cfg    Config
	interp *stream.Interpreter
	hooks  []Hook

	mu      sync.Mutex
	current *session.Session
}

// NewService 创建生成服务
func NewService(opener StreamOpener, cfg Config, hooks ...Hook) *Service {
	return &Service{
		opener: opener,
		cfg:    cfg,
		interp: stream.NewInterpreter(cfg.NoisePhrases...),
		hooks:  hooks,
	}
}

// Use 追加会话钩子
func (s *Service) Use(hooks ...Hook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, hooks...)
}

// Current 返回最近一次启动的会话，可能已结束
func (s *Service) Current() *session.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Start 启动一次生成，立即返回会话；流在后台 goroutine 中消费
// ctx 控制整个流的生命周期，取消后会话以传输错误结束
func (s *Service) Start(ctx context.Context, req entity.GenerateRequest) (*session.Session, error) {
	if req.UnitNumber <= 0 {
		return nil, errors.ErrInvalidParam.WithDetail("unit_number must be positive")
	}

	s.mu.Lock()
	if s.current != nil && !s.current.Status().IsTerminal() {
		s.mu.Unlock()
		return nil, errors.ErrSessionActive.WithDetail(s.current.ID())
	}
	sess := session.New(session.Options{
		ProjectID:   req.ProjectID,
		UnitNumber:  req.UnitNumber,
		ChunkSize:   s.cfg.ChunkSize,
		Realtime:    s.cfg.Realtime,
		Interpreter: s.interp,
	})
	s.current = sess
	hooks := append([]Hook(nil), s.hooks...)
	s.mu.Unlock()

	ctx = logger.WithContext(ctx, logger.SessionIDKey, sess.ID())
	ctx = logger.WithContext(ctx, logger.UnitNumberKey, req.UnitNumber)
	for _, h := range hooks {
		h(ctx, sess)
	}

	go s.run(ctx, sess, req)
	return sess, nil
}

func (s *Service) run(ctx context.Context, sess *session.Session, req entity.GenerateRequest) {
	ctx, span := tracer.Start(ctx, "generation.Run")
	defer span.End()

	logger.Info(ctx, "generation session started", "project_id", req.ProjectID)

	body, err := s.opener.OpenStream(ctx, req)
	if err != nil {
		tracer.RecordError(span, err)
		logger.Error(ctx, "failed to open generation stream", err)
		sess.Fail(err)
		return
	}
	defer body.Close()

	if err := sess.Consume(ctx, body); err != nil {
		tracer.RecordError(span, err)
	}
}

// Package session 管理单次章节生成调用的状态
package session

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"z-novel-studio/internal/application/format"
	"z-novel-studio/internal/application/stream"
	"z-novel-studio/internal/domain/entity"
	"z-novel-studio/pkg/errors"
	"z-novel-studio/pkg/logger"
	"z-novel-studio/pkg/metrics"
)

const defaultChunkSize = 4096

// Listener 会话快照监听器，在每次状态变化后同步调用
type Listener func(entity.SessionSnapshot)

// Options 会话选项
type Options struct {
	SessionID  string
	ProjectID  string
	UnitNumber int
	// ChunkSize 每次从流中读取的字节数
	ChunkSize int
	// Realtime 是否维护实时预览排版
	Realtime    bool
	Interpreter *stream.Interpreter
}

// Session 单次生成会话
// 只有驱动它的 goroutine 写入，其余调用方通过 Snapshot/Subscribe 读取
type Session struct {
	id         string
	projectID  string
	unitNumber int
	chunkSize  int
	realtime   bool
	interp     *stream.Interpreter

	mu        sync.RWMutex
	status    entity.SessionStatus
	raw       string
	formatted string
	preview   string
	phaseLog  []entity.PhaseEntry
	title     string
	outline   string
	lastError string
	err       error
	startedAt time.Time
	updatedAt time.Time

	lmu       sync.Mutex
	listeners map[int]Listener
	nextID    int

	done     chan struct{}
	doneOnce sync.Once
}

// New 创建空闲状态的会话
func New(opts Options) *Session {
	if opts.SessionID == "" {
		opts.SessionID = uuid.NewString()
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = defaultChunkSize
	}
	if opts.Interpreter == nil {
		opts.Interpreter = stream.NewInterpreter()
	}
	now := time.Now()
	return &Session{
		id:         opts.SessionID,
		projectID:  opts.ProjectID,
		unitNumber: opts.UnitNumber,
		chunkSize:  opts.ChunkSize,
		realtime:   opts.Realtime,
		interp:     opts.Interpreter,
		status:     entity.SessionStatusIdle,
		startedAt:  now,
		updatedAt:  now,
		listeners:  make(map[int]Listener),
		done:       make(chan struct{}),
	}
}

// ID 会话 ID
func (s *Session) ID() string {
	return s.id
}

// UnitNumber 目标单元序号
func (s *Session) UnitNumber() int {
	return s.unitNumber
}

// Status 当前状态
func (s *Session) Status() entity.SessionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Err 会话失败原因，未失败时为 nil
func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// Done 会话进入终态时关闭
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Snapshot 返回当前状态的只读副本
func (s *Session) Snapshot() entity.SessionSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() entity.SessionSnapshot {
	return entity.SessionSnapshot{
		SessionID:     s.id,
		ProjectID:     s.projectID,
		UnitNumber:    s.unitNumber,
		Status:        s.status,
		RawText:       s.raw,
		FormattedText: s.formatted,
		PreviewText:   s.preview,
		PhaseLog:      append([]entity.PhaseEntry(nil), s.phaseLog...),
		Title:         s.title,
		Outline:       s.outline,
		LastError:     s.lastError,
		CharCount:     entity.CountWords(s.formatted),
		StartedAt:     s.startedAt,
		UpdatedAt:     s.updatedAt,
	}
}

// Subscribe 注册监听器，返回取消订阅函数
func (s *Session) Subscribe(l Listener) func() {
	s.lmu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = l
	s.lmu.Unlock()

	return func() {
		s.lmu.Lock()
		delete(s.listeners, id)
		s.lmu.Unlock()
	}
}

func (s *Session) notify(snap entity.SessionSnapshot) {
	s.lmu.Lock()
	ls := make([]Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		ls = append(ls, l)
	}
	s.lmu.Unlock()

	for _, l := range ls {
		l(snap)
	}
}

// Apply 应用一个事件；终态后的事件被忽略
func (s *Session) Apply(ev entity.SSEEvent) {
	s.mu.Lock()
	if s.status.IsTerminal() {
		s.mu.Unlock()
		return
	}

	switch ev.Kind {
	case entity.EventPhase, entity.EventOutline, entity.EventProgress:
		s.phaseLog = append(s.phaseLog, entity.PhaseEntry{Kind: ev.Kind, Step: ev.Step, Text: ev.Text, At: time.Now()})
		if ev.Kind == entity.EventOutline {
			s.outline = ev.Text
		}
		if s.status == entity.SessionStatusIdle {
			s.status = entity.SessionStatusPreparing
		}
	case entity.EventTitle:
		s.title = ev.Text
	case entity.EventMessage:
		prev := s.raw
		s.raw, s.formatted = format.FormatDelta(prev, ev.Text)
		if s.realtime {
			_, s.preview = format.RealtimeDelta(prev, ev.Text)
		}
		if s.status != entity.SessionStatusStreaming {
			s.status = entity.SessionStatusStreaming
			metrics.ActiveSessions.Inc()
		}
	case entity.EventError:
		s.failLocked(errors.ErrContent.WithDetail(ev.Text), ev.Text)
	case entity.EventDone:
		s.finishLocked()
	default:
		s.mu.Unlock()
		return
	}

	s.updatedAt = time.Now()
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.notify(snap)
	if snap.Status.IsTerminal() {
		s.closeDone()
	}
}

// Fail 以传输错误等外部原因结束会话
func (s *Session) Fail(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	if s.status.IsTerminal() {
		s.mu.Unlock()
		return
	}
	s.failLocked(err, err.Error())
	s.updatedAt = time.Now()
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.notify(snap)
	s.closeDone()
}

// Finish 处理流结束：有正文则完成，否则以空内容失败
func (s *Session) Finish() {
	s.Apply(entity.DoneEvent())
}

func (s *Session) failLocked(err error, msg string) {
	s.leaveStreamingLocked()
	s.status = entity.SessionStatusErrored
	s.err = err
	s.lastError = msg
	s.recordTerminalLocked()
}

func (s *Session) finishLocked() {
	if s.raw == "" {
		s.failLocked(errors.ErrEmptyContent, errors.ErrEmptyContent.Message)
		return
	}
	s.leaveStreamingLocked()
	s.status = entity.SessionStatusComplete
	s.recordTerminalLocked()
}

func (s *Session) leaveStreamingLocked() {
	if s.status == entity.SessionStatusStreaming {
		metrics.ActiveSessions.Dec()
	}
}

func (s *Session) recordTerminalLocked() {
	metrics.GenerationSessionsTotal.WithLabelValues(string(s.status)).Inc()
	metrics.GenerationDuration.Observe(time.Since(s.startedAt).Seconds())
	if s.status == entity.SessionStatusComplete {
		metrics.GenerationCharCount.Observe(float64(entity.CountWords(s.formatted)))
	}
}

func (s *Session) closeDone() {
	s.doneOnce.Do(func() { close(s.done) })
}

// Consume 读取生成流直至结束；r 由调用方负责关闭
// 返回会话失败原因，正常完成时为 nil
func (s *Session) Consume(ctx context.Context, r io.Reader) error {
	ctx = logger.WithContext(ctx, logger.SessionIDKey, s.id)
	ctx = logger.WithContext(ctx, logger.UnitNumberKey, s.unitNumber)

	dec := stream.NewDecoder(s.interp)
	buf := make([]byte, s.chunkSize)

	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			s.Fail(errors.Wrap(ctxErr, errors.CodeTransportError, "generation stream cancelled"))
			break
		}
		n, err := r.Read(buf)
		if n > 0 {
			for _, ev := range dec.Feed(buf[:n]) {
				s.Apply(ev)
			}
			if s.Status().IsTerminal() || dec.Done() {
				break
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				err = ctxErr
			}
			s.Fail(errors.Wrap(err, errors.CodeTransportError, "generation stream read failed"))
			break
		}
	}

	for _, ev := range dec.Flush() {
		s.Apply(ev)
	}
	s.Finish()

	snap := s.Snapshot()
	if snap.Status == entity.SessionStatusErrored {
		logger.Warn(ctx, "generation session failed", "status", snap.Status, "error", snap.LastError, "chars", snap.CharCount)
	} else {
		logger.Info(ctx, "generation session completed", "title", snap.Title, "chars", snap.CharCount, "phases", len(snap.PhaseLog))
	}
	return s.Err()
}

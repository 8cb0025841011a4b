// Package batch 将多个生成周期串联成无人值守的批量生成任务
package batch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"z-novel-studio/internal/application/session"
	"z-novel-studio/internal/domain/entity"
	"z-novel-studio/pkg/errors"
	"z-novel-studio/pkg/logger"
	"z-novel-studio/pkg/metrics"
)

// Generator 为指定单元启动一次生成会话
type Generator interface {
	Generate(ctx context.Context, unitNumber int) (*session.Session, error)
}

// UnitService 单元创建与就绪检查
type UnitService interface {
	CreateNextUnit(ctx context.Context, unitNumber int) error
	IsUnitReady(ctx context.Context, unitNumber int) (bool, error)
}

// Listener 批量任务快照监听器
type Listener func(entity.BatchSnapshot)

// Config 编排配置
type Config struct {
	// PollInterval 轮询会话状态的间隔，不设超时
	PollInterval time.Duration
	// GracePeriod 会话完成后等待持久化去抖结束的时间
	GracePeriod time.Duration
	// ReadyPollInterval 轮询新单元就绪的间隔
	ReadyPollInterval time.Duration
	// ReadyTimeout 等待新单元就绪的上限，超时视为周期失败
	ReadyTimeout time.Duration
	// MaxCycles 单个任务允许的最大周期数，0 表示不限制
	MaxCycles int
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.ReadyPollInterval <= 0 {
		c.ReadyPollInterval = 500 * time.Millisecond
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = 3 * time.Minute
	}
	if c.GracePeriod < 0 {
		c.GracePeriod = 0
	}
	return c
}

type cycleOutcome int

const (
	cycleDone cycleOutcome = iota
	cycleCancelled
)

// Orchestrator 批量任务编排器
// 任务状态只由运行 Confirm 的 goroutine 修改，其余调用方读取快照
type Orchestrator struct {
	gen     Generator
	units   UnitService
	decider Decider
	cfg     Config

	mu          sync.RWMutex
	job         *entity.BatchJob
	pending     *entity.CycleFailure
	current     *session.Session
	consecutive int

	cancelCh   chan struct{}
	cancelOnce sync.Once

	lmu       sync.Mutex
	listeners map[int]Listener
	nextID    int
}

// New 创建编排器
func New(job *entity.BatchJob, gen Generator, units UnitService, decider Decider, cfg Config) *Orchestrator {
	if decider == nil {
		decider = PolicyDecider{Policy: entity.DecisionContinue}
	}
	return &Orchestrator{
		gen:       gen,
		units:     units,
		decider:   decider,
		cfg:       cfg.withDefaults(),
		job:       job,
		cancelCh:  make(chan struct{}),
		listeners: make(map[int]Listener),
	}
}

// Propose 设置周期数与起始单元，进入等待确认状态
func (o *Orchestrator) Propose(totalCycles, startUnit int) error {
	if totalCycles <= 0 {
		return errors.ErrInvalidParam.WithDetail("total_cycles must be positive")
	}
	if o.cfg.MaxCycles > 0 && totalCycles > o.cfg.MaxCycles {
		return errors.ErrInvalidParam.WithDetail(fmt.Sprintf("total_cycles exceeds limit %d", o.cfg.MaxCycles))
	}
	if startUnit <= 0 {
		return errors.ErrInvalidParam.WithDetail("start_unit_number must be positive")
	}

	o.mu.Lock()
	switch o.job.State {
	case entity.BatchStateIdle, entity.BatchStateAwaitingConfirmation:
	default:
		o.mu.Unlock()
		return errors.ErrBatchState.WithDetail(string(o.job.State))
	}
	o.job.TotalCycles = totalCycles
	o.job.StartUnitNumber = startUnit
	o.job.CurrentIndex = 0
	o.job.Transition(entity.BatchStateAwaitingConfirmation)
	snap := o.snapshotLocked()
	o.mu.Unlock()

	o.notify(snap)
	return nil
}

// Run 设置参数并立即确认执行
func (o *Orchestrator) Run(ctx context.Context, totalCycles, startUnit int) (entity.BatchSnapshot, error) {
	if err := o.Propose(totalCycles, startUnit); err != nil {
		return o.Snapshot(), err
	}
	return o.Confirm(ctx)
}

// Confirm 确认并顺序执行全部周期，阻塞至任务完成或取消
// 取消不是错误：返回的快照状态为 Cancelled，包含已完成的部分结果
func (o *Orchestrator) Confirm(ctx context.Context) (entity.BatchSnapshot, error) {
	o.mu.Lock()
	if o.job.State != entity.BatchStateAwaitingConfirmation {
		state := o.job.State
		o.mu.Unlock()
		return o.Snapshot(), errors.ErrBatchState.WithDetail(string(state))
	}
	o.job.Transition(entity.BatchStateRunningCycle)
	snap := o.snapshotLocked()
	o.mu.Unlock()
	o.notify(snap)

	ctx = logger.WithContext(ctx, logger.BatchIDKey, o.job.ID)
	logger.Info(ctx, "batch job confirmed", "total_cycles", snap.TotalCycles, "start_unit", snap.StartUnitNumber)

	for n := 0; n < snap.TotalCycles; n++ {
		if o.cancelObserved(ctx) {
			return o.finish(ctx, entity.BatchStateCancelled), nil
		}
		o.update(func(j *entity.BatchJob) {
			j.CurrentIndex = n
			j.Transition(entity.BatchStateRunningCycle)
		})

		if o.runCycle(ctx, n) == cycleCancelled {
			return o.finish(ctx, entity.BatchStateCancelled), nil
		}
		o.update(func(j *entity.BatchJob) { j.CurrentIndex = n + 1 })
	}

	return o.finish(ctx, entity.BatchStateCompleted), nil
}

// runCycle 执行第 n 个周期：生成、记录结果、创建并等待下一个单元
func (o *Orchestrator) runCycle(ctx context.Context, n int) cycleOutcome {
	unit := o.unitFor(n)
	ctx = logger.WithContext(ctx, logger.UnitNumberKey, unit)

	o.setState(entity.BatchStateAwaitingGeneration)
	failure, cancelled := o.generate(ctx, n, unit)
	if cancelled {
		return cycleCancelled
	}
	if failure != nil {
		metrics.BatchCyclesTotal.WithLabelValues("failed").Inc()
		// 只有继续时才记入失败集合，中止的单元保留在 LastError 中
		if o.resolveFailure(ctx, *failure) == entity.DecisionAbort {
			return cycleCancelled
		}
		o.update(func(j *entity.BatchJob) { j.RecordFailure(unit, failure.Message) })
	}

	if o.isLastCycle(n) {
		return cycleDone
	}
	// 观察到取消后不再创建新单元
	if o.cancelObserved(ctx) {
		return cycleCancelled
	}

	failure, cancelled = o.prepareNextUnit(ctx, n+1, unit+1)
	if cancelled {
		return cycleCancelled
	}
	// 继续时不重复记录：下一周期照常生成，若单元确实不可用，失败记在该单元上
	if failure != nil && o.resolveFailure(ctx, *failure) == entity.DecisionAbort {
		return cycleCancelled
	}
	return cycleDone
}

// generate 启动会话并轮询至终态
func (o *Orchestrator) generate(ctx context.Context, n, unit int) (*entity.CycleFailure, bool) {
	sess, err := o.gen.Generate(ctx, unit)
	if err != nil {
		logger.Error(ctx, "failed to start generation", err)
		return o.newFailure(n, unit, entity.FailureGeneration, err.Error()), false
	}
	o.setSession(sess)

	status, cancelled := o.awaitSession(ctx, sess)
	if cancelled {
		return nil, true
	}
	if status == entity.SessionStatusErrored {
		return o.newFailure(n, unit, entity.FailureGeneration, sess.Snapshot().LastError), false
	}

	// 等待持久化桥完成最后一次写入
	o.sleep(ctx, o.cfg.GracePeriod)
	o.mu.Lock()
	o.job.RecordSuccess(unit)
	o.consecutive = 0
	snap := o.snapshotLocked()
	o.mu.Unlock()
	o.notify(snap)
	metrics.BatchCyclesTotal.WithLabelValues("succeeded").Inc()
	logger.Info(ctx, "batch cycle succeeded", "index", n, "chars", sess.Snapshot().CharCount)
	return nil, false
}

// awaitSession 按固定间隔轮询会话状态，无超时；观察到取消时返回 true
func (o *Orchestrator) awaitSession(ctx context.Context, sess *session.Session) (entity.SessionStatus, bool) {
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if st := sess.Status(); st.IsTerminal() {
			return st, false
		}
		if o.cancelObserved(ctx) {
			return "", true
		}
		select {
		case <-ticker.C:
		case <-sess.Done():
		case <-o.cancelCh:
		case <-ctx.Done():
		}
	}
}

// prepareNextUnit 创建下一单元并有界等待其就绪
func (o *Orchestrator) prepareNextUnit(ctx context.Context, nextIndex, unit int) (*entity.CycleFailure, bool) {
	o.setState(entity.BatchStateAwaitingUnitCreation)
	if err := o.units.CreateNextUnit(ctx, unit); err != nil {
		logger.Error(ctx, "failed to create next unit", err, "next_unit", unit)
		return o.newFailure(nextIndex, unit, entity.FailureUnitCreate, err.Error()), false
	}

	o.setState(entity.BatchStateAwaitingUnitReady)
	deadline := time.Now().Add(o.cfg.ReadyTimeout)
	for {
		if o.cancelObserved(ctx) {
			return nil, true
		}
		ready, err := o.units.IsUnitReady(ctx, unit)
		if err != nil {
			logger.Warn(ctx, "unit readiness check failed", "next_unit", unit, "error", err.Error())
		}
		if ready {
			return nil, false
		}
		if !time.Now().Before(deadline) {
			msg := errors.ErrUnitReadyTimeout.WithDetail(fmt.Sprintf("unit %d not ready after %s", unit, o.cfg.ReadyTimeout)).Error()
			return o.newFailure(nextIndex, unit, entity.FailureUnitReadyTimeout, msg), false
		}
		o.sleep(ctx, o.cfg.ReadyPollInterval)
	}
}

// resolveFailure 进入决策点；abort 时设置取消标记
func (o *Orchestrator) resolveFailure(ctx context.Context, f entity.CycleFailure) entity.Decision {
	o.mu.Lock()
	o.pending = &f
	o.job.LastError = f.Message
	o.job.Transition(entity.BatchStateAwaitingDecision)
	snap := o.snapshotLocked()
	o.mu.Unlock()
	o.notify(snap)

	logger.Warn(ctx, "batch cycle failed", "index", f.Index, "kind", f.Kind, "error", f.Message,
		"consecutive_failures", f.ConsecutiveFailures)

	dctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-o.cancelCh:
			cancel()
		case <-dctx.Done():
		}
	}()

	decision, err := o.decider.Decide(dctx, snap, f)
	if err != nil || (decision != entity.DecisionContinue && decision != entity.DecisionAbort) {
		if err != nil && !o.isCancelledFlag() {
			logger.Error(ctx, "batch decision failed, aborting", err)
		}
		decision = entity.DecisionAbort
	}
	metrics.BatchDecisionsTotal.WithLabelValues(string(f.Kind), string(decision)).Inc()
	logger.Info(ctx, "batch decision taken", "index", f.Index, "decision", decision)

	o.mu.Lock()
	o.pending = nil
	if decision == entity.DecisionAbort {
		o.job.Cancel()
	} else {
		o.job.Transition(entity.BatchStateRunningCycle)
	}
	snap = o.snapshotLocked()
	o.mu.Unlock()
	o.notify(snap)

	if decision == entity.DecisionAbort {
		o.closeCancel()
	}
	return decision
}

func (o *Orchestrator) newFailure(index, unit int, kind entity.FailureKind, msg string) *entity.CycleFailure {
	o.mu.Lock()
	o.consecutive++
	n := o.consecutive
	o.mu.Unlock()
	return &entity.CycleFailure{
		Index:               index,
		UnitNumber:          unit,
		Kind:                kind,
		Message:             msg,
		ConsecutiveFailures: n,
	}
}

// Cancel 请求取消，只在第一次调用时返回 true
// 取消是协作式的：在下一个轮询点生效，不会中断进行中的调用
func (o *Orchestrator) Cancel() bool {
	o.mu.Lock()
	first := o.job.Cancel()
	if first {
		switch o.job.State {
		case entity.BatchStateIdle, entity.BatchStateAwaitingConfirmation:
			o.job.Transition(entity.BatchStateCancelled)
		}
	}
	snap := o.snapshotLocked()
	o.mu.Unlock()

	if first {
		o.closeCancel()
		o.notify(snap)
	}
	return first
}

func (o *Orchestrator) closeCancel() {
	o.cancelOnce.Do(func() { close(o.cancelCh) })
}

// cancelObserved 在轮询点检查取消标记；ctx 结束同样视为取消
func (o *Orchestrator) cancelObserved(ctx context.Context) bool {
	if ctx.Err() != nil {
		o.mu.Lock()
		o.job.Cancel()
		o.mu.Unlock()
		o.closeCancel()
		return true
	}
	return o.isCancelledFlag()
}

func (o *Orchestrator) isCancelledFlag() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.job.Cancelled
}

// sleep 可被取消打断的等待
func (o *Orchestrator) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-o.cancelCh:
	case <-ctx.Done():
	}
}

func (o *Orchestrator) finish(ctx context.Context, state entity.BatchState) entity.BatchSnapshot {
	o.mu.Lock()
	o.pending = nil
	o.job.Transition(state)
	snap := o.snapshotLocked()
	o.mu.Unlock()
	o.notify(snap)

	metrics.BatchJobsTotal.WithLabelValues(string(state)).Inc()
	logger.Info(ctx, "batch job finished", "state", state, "current_index", snap.CurrentIndex,
		"succeeded", len(snap.Succeeded), "failed", len(snap.Failed))
	return snap
}

// Snapshot 当前任务快照
func (o *Orchestrator) Snapshot() entity.BatchSnapshot {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.snapshotLocked()
}

func (o *Orchestrator) snapshotLocked() entity.BatchSnapshot {
	snap := o.job.Snapshot()
	if o.pending != nil {
		p := *o.pending
		snap.PendingDecision = &p
	}
	return snap
}

// CurrentSession 当前周期的生成会话，可能为 nil
func (o *Orchestrator) CurrentSession() *session.Session {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.current
}

// Subscribe 注册快照监听器，返回取消订阅函数
func (o *Orchestrator) Subscribe(l Listener) func() {
	o.lmu.Lock()
	id := o.nextID
	o.nextID++
	o.listeners[id] = l
	o.lmu.Unlock()

	return func() {
		o.lmu.Lock()
		delete(o.listeners, id)
		o.lmu.Unlock()
	}
}

func (o *Orchestrator) notify(snap entity.BatchSnapshot) {
	o.lmu.Lock()
	ls := make([]Listener, 0, len(o.listeners))
	for _, l := range o.listeners {
		ls = append(ls, l)
	}
	o.lmu.Unlock()

	for _, l := range ls {
		l(snap)
	}
}

func (o *Orchestrator) update(fn func(j *entity.BatchJob)) {
	o.mu.Lock()
	fn(o.job)
	snap := o.snapshotLocked()
	o.mu.Unlock()
	o.notify(snap)
}

func (o *Orchestrator) setState(state entity.BatchState) {
	o.update(func(j *entity.BatchJob) { j.Transition(state) })
}

func (o *Orchestrator) setSession(sess *session.Session) {
	o.mu.Lock()
	o.current = sess
	o.mu.Unlock()
}

func (o *Orchestrator) unitFor(n int) int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.job.UnitFor(n)
}

func (o *Orchestrator) isLastCycle(n int) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.job.IsLastCycle(n)
}

package batch

import (
	"context"
	"sync"
	"time"

	"github.com/bep/debounce"
	"golang.org/x/sync/errgroup"

	"z-novel-studio/internal/application/chapter"
	"z-novel-studio/internal/application/generation"
	"z-novel-studio/internal/application/session"
	"z-novel-studio/internal/config"
	"z-novel-studio/internal/domain/entity"
	"z-novel-studio/internal/domain/repository"
	"z-novel-studio/pkg/logger"
)

// ControlStore worker 侧使用的控制面
type ControlStore interface {
	DecisionStore
	IsCancelRequested(ctx context.Context, batchID string) (bool, error)
	SaveBatchSnapshot(ctx context.Context, snap entity.BatchSnapshot) error
	SaveSessionSnapshot(ctx context.Context, batchID string, snap entity.SessionSnapshot) error
}

// RunSpec 一次已确认的批量执行
type RunSpec struct {
	BatchID string
	// Request 每个周期共用的生成参数，UnitNumber 由编排器填充
	Request entity.GenerateRequest
}

// RunnerConfig 执行器配置
type RunnerConfig struct {
	Batch      config.BatchConfig
	Generation config.GenerationConfig
}

// Runner 在 worker 进程中执行批量任务
// 快照同时写入 Redis（供 API 实时查询）与 Postgres（持久进度）
type Runner struct {
	jobs     repository.BatchRepository
	chapters repository.ChapterRepository
	control  ControlStore
	opener   generation.StreamOpener
	cfg      RunnerConfig
}

// NewRunner 创建执行器
func NewRunner(jobs repository.BatchRepository, chapters repository.ChapterRepository, control ControlStore, opener generation.StreamOpener, cfg RunnerConfig) *Runner {
	if cfg.Batch.CancelWatchInterval <= 0 {
		cfg.Batch.CancelWatchInterval = time.Second
	}
	return &Runner{jobs: jobs, chapters: chapters, control: control, opener: opener, cfg: cfg}
}

// Run 执行任务直至完成或取消
// 任务不存在、已在执行或已结束时直接返回 nil，重复投递不会重复执行
func (r *Runner) Run(ctx context.Context, spec RunSpec) error {
	ctx = logger.WithContext(ctx, logger.BatchIDKey, spec.BatchID)

	job, err := r.jobs.GetByID(ctx, spec.BatchID)
	if err != nil {
		return err
	}
	if job == nil {
		logger.Warn(ctx, "batch job not found, dropping run")
		return nil
	}
	if job.State != entity.BatchStateAwaitingConfirmation {
		logger.Info(ctx, "batch job not awaiting confirmation, skipping", "state", job.State)
		return nil
	}
	ctx = logger.WithContext(ctx, logger.ProjectIDKey, job.ProjectID)

	base := spec.Request
	base.ProjectID = job.ProjectID
	meta := entity.GenerationMetadata{BatchID: job.ID, Provider: base.Provider, Model: base.Model}

	svc := generation.NewService(r.opener, generation.Config{
		ChunkSize:    r.cfg.Generation.ReadChunkSize,
		Realtime:     r.cfg.Generation.RealtimePreview,
		NoisePhrases: r.cfg.Generation.NoisePhrases,
	},
		chapter.NewBridge(r.chapters, r.cfg.Generation.AutosaveDebounce, meta).Hook(),
		r.sessionPublisher(job.ID),
	)

	orch := New(job,
		// 流只随进程退出而中断，批量取消在轮询点生效
		chapter.NewGenerator(svc, r.chapters, base, r.cfg.Generation.ContextTailChars).StreamContext(ctx),
		chapter.NewUnits(r.chapters, job.ProjectID),
		r.decider(ctx),
		Config{
			PollInterval:      r.cfg.Batch.PollInterval,
			GracePeriod:       r.cfg.Batch.GracePeriod,
			ReadyPollInterval: r.cfg.Batch.ReadyPollInterval,
			ReadyTimeout:      r.cfg.Batch.ReadyTimeout,
			MaxCycles:         r.cfg.Batch.MaxCycles,
		},
	)

	m := &mirror{jobs: r.jobs, control: r.control, job: job.Clone(), ctx: context.WithoutCancel(ctx)}
	unsubscribe := orch.Subscribe(m.apply)
	defer unsubscribe()

	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		defer stop()
		snap, err := orch.Confirm(gctx)
		// 确认前已被取消时 Confirm 返回状态错误，任务按取消结束
		if err != nil && snap.State != entity.BatchStateCancelled {
			return err
		}
		m.apply(snap)
		return nil
	})
	g.Go(func() error {
		r.watchCancel(gctx, job.ID, orch)
		return nil
	})
	err = g.Wait()

	// 取消后进行中的会话照常结束，等待其最终写入
	if sess := orch.CurrentSession(); sess != nil {
		<-sess.Done()
	}
	return err
}

// decider 外部决策优先，超时后回退到配置的失败策略
func (r *Runner) decider(ctx context.Context) Decider {
	policy, err := ParsePolicy(r.cfg.Batch.FailurePolicy)
	if err != nil {
		logger.Warn(ctx, "invalid failure policy, using continue", "policy", r.cfg.Batch.FailurePolicy)
		policy = entity.DecisionContinue
	}
	return RemoteDecider{
		Store:        r.control,
		Fallback:     PolicyDecider{Policy: policy, MaxConsecutiveFailures: r.cfg.Batch.MaxConsecutiveFailures},
		Timeout:      r.cfg.Batch.DecisionTimeout,
		PollInterval: r.cfg.Batch.PollInterval,
	}
}

// watchCancel 轮询取消标记，直到任务结束
func (r *Runner) watchCancel(ctx context.Context, batchID string, orch *Orchestrator) {
	ticker := time.NewTicker(r.cfg.Batch.CancelWatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		requested, err := r.control.IsCancelRequested(ctx, batchID)
		if err != nil {
			if ctx.Err() == nil {
				logger.Warn(ctx, "failed to poll cancel flag", "error", err.Error())
			}
			continue
		}
		if requested && orch.Cancel() {
			logger.Info(ctx, "batch cancel requested")
		}
	}
}

// sessionPublisher 节流发布会话快照，终态立即发布
func (r *Runner) sessionPublisher(batchID string) generation.Hook {
	return func(ctx context.Context, sess *session.Session) {
		ctx = context.WithoutCancel(ctx)
		throttle := debounce.New(r.throttle())

		var (
			mu     sync.Mutex
			latest = sess.Snapshot()
			closed bool
		)
		publish := func() {
			mu.Lock()
			snap := latest
			mu.Unlock()
			if err := r.control.SaveSessionSnapshot(ctx, batchID, snap); err != nil {
				logger.Warn(ctx, "failed to publish session snapshot", "error", err.Error())
			}
		}

		var unsubscribe func()
		unsubscribe = sess.Subscribe(func(s entity.SessionSnapshot) {
			mu.Lock()
			if closed {
				mu.Unlock()
				return
			}
			latest = s
			if s.Status.IsTerminal() {
				closed = true
			}
			mu.Unlock()

			if !s.Status.IsTerminal() {
				throttle(publish)
				return
			}
			throttle(func() {})
			publish()
			if unsubscribe != nil {
				unsubscribe()
			}
		})
		publish()
	}
}

func (r *Runner) throttle() time.Duration {
	if d := r.cfg.Generation.SnapshotThrottle; d > 0 {
		return d
	}
	return 200 * time.Millisecond
}

// mirror 将编排器快照回写到任务记录
type mirror struct {
	jobs    repository.BatchRepository
	control ControlStore
	ctx     context.Context

	mu  sync.Mutex
	job *entity.BatchJob
}

func (m *mirror) apply(snap entity.BatchSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// 已结束的任务不再被较早的快照覆盖
	if m.job.State.IsTerminal() && !snap.State.IsTerminal() {
		return
	}

	j := m.job
	j.CurrentIndex = snap.CurrentIndex
	j.Cancelled = snap.Cancelled
	j.Succeeded = append([]int{}, snap.Succeeded...)
	j.Failed = append([]int{}, snap.Failed...)
	j.LastError = snap.LastError
	if j.State != snap.State {
		j.Transition(snap.State)
	}
	j.UpdatedAt = snap.UpdatedAt

	if err := m.control.SaveBatchSnapshot(m.ctx, snap); err != nil {
		logger.Warn(m.ctx, "failed to publish batch snapshot", "error", err.Error())
	}
	if err := m.jobs.Save(m.ctx, j.Clone()); err != nil {
		logger.Error(m.ctx, "failed to persist batch progress", err, "state", snap.State)
	}
}

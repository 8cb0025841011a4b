// Package handler 提供 HTTP 请求处理器
package handler

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"z-novel-studio/internal/application/batch"
	"z-novel-studio/internal/application/chapter"
	"z-novel-studio/internal/config"
	"z-novel-studio/internal/domain/entity"
	"z-novel-studio/internal/domain/repository"
	"z-novel-studio/internal/infrastructure/messaging"
	"z-novel-studio/internal/interfaces/http/dto"
	"z-novel-studio/pkg/errors"
	"z-novel-studio/pkg/logger"
)

// BatchControl 批量任务控制面（Redis）
type BatchControl interface {
	AcquireConfirm(ctx context.Context, batchID string) (bool, error)
	ReleaseConfirm(ctx context.Context, batchID string) error
	RequestCancel(ctx context.Context, batchID string) error
	PutDecision(ctx context.Context, batchID string, index int, d entity.Decision) error
	SaveBatchSnapshot(ctx context.Context, snap entity.BatchSnapshot) error
	GetBatchSnapshot(ctx context.Context, batchID string, loader func(ctx context.Context) (*entity.BatchSnapshot, error)) (*entity.BatchSnapshot, error)
	GetSessionSnapshot(ctx context.Context, batchID string) (*entity.SessionSnapshot, error)
}

// BatchPublisher 批量任务派发
type BatchPublisher interface {
	PublishBatchRun(ctx context.Context, run *messaging.BatchRunMessage) (string, error)
}

// BatchHandler 批量任务处理器
type BatchHandler struct {
	batchRepo      repository.BatchRepository
	chapterRepo    repository.ChapterRepository
	txMgr          repository.Transactor
	control        BatchControl
	publisher      BatchPublisher
	cfg            config.BatchConfig
	eventsInterval time.Duration
}

// NewBatchHandler 创建批量任务处理器
func NewBatchHandler(
	batchRepo repository.BatchRepository,
	chapterRepo repository.ChapterRepository,
	txMgr repository.Transactor,
	control BatchControl,
	publisher BatchPublisher,
	cfg config.BatchConfig,
) *BatchHandler {
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	return &BatchHandler{
		batchRepo:      batchRepo,
		chapterRepo:    chapterRepo,
		txMgr:          txMgr,
		control:        control,
		publisher:      publisher,
		cfg:            cfg,
		eventsInterval: interval,
	}
}

// ProposeBatch 创建批量任务
// @Summary 创建批量任务
// @Description 设置周期数与起始章节，进入等待确认状态；起始章节不存在时一并创建
// @Tags Batches
// @Accept json
// @Produce json
// @Param pid path string true "项目 ID"
// @Param body body dto.ProposeBatchRequest true "任务参数"
// @Success 201 {object} dto.Response[dto.BatchResponse]
// @Failure 400 {object} dto.ErrorResponse
// @Router /v1/projects/{pid}/batches [post]
func (h *BatchHandler) ProposeBatch(c *gin.Context) {
	ctx := c.Request.Context()
	projectID, err := dto.BindProjectID(c)
	if err != nil {
		dto.AppError(c, err)
		return
	}

	var req dto.ProposeBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		dto.BadRequest(c, "invalid request body: "+err.Error())
		return
	}

	job := entity.NewBatchJob(uuid.New().String(), projectID)
	orch := batch.New(job, nil, nil, nil, batch.Config{MaxCycles: h.cfg.MaxCycles})
	if err := orch.Propose(req.TotalCycles, req.StartUnitNumber); err != nil {
		dto.AppError(c, err)
		return
	}

	units := chapter.NewUnits(h.chapterRepo, projectID)
	err = h.txMgr.WithTransaction(ctx, func(txCtx context.Context) error {
		if err := h.batchRepo.Create(txCtx, job); err != nil {
			return err
		}
		return units.CreateNextUnit(txCtx, job.StartUnitNumber)
	})
	if err != nil {
		logger.Error(ctx, "failed to create batch job", err, "project_id", projectID)
		dto.AppError(c, err)
		return
	}

	if err := h.control.SaveBatchSnapshot(ctx, job.Snapshot()); err != nil {
		logger.Warn(ctx, "failed to cache batch snapshot", "batch_id", job.ID, "error", err.Error())
	}
	logger.Info(ctx, "batch job proposed", "batch_id", job.ID, "total_cycles", job.TotalCycles, "start_unit", job.StartUnitNumber)
	dto.Created(c, dto.ToBatchResponse(job))
}

// ListBatches 获取项目的批量任务列表
// @Summary 获取批量任务列表
// @Tags Batches
// @Produce json
// @Param pid path string true "项目 ID"
// @Param page query int false "页码" default(1)
// @Param page_size query int false "每页条数" default(20)
// @Success 200 {object} dto.Response[[]dto.BatchResponse]
// @Router /v1/projects/{pid}/batches [get]
func (h *BatchHandler) ListBatches(c *gin.Context) {
	ctx := c.Request.Context()
	projectID, err := dto.BindProjectID(c)
	if err != nil {
		dto.AppError(c, err)
		return
	}
	pageReq := dto.BindPage(c)

	result, err := h.batchRepo.ListByProject(ctx, projectID, repository.NewPagination(pageReq.Page, pageReq.PageSize))
	if err != nil {
		logger.Error(ctx, "failed to list batch jobs", err)
		dto.AppError(c, err)
		return
	}
	dto.SuccessWithPage(c, dto.ToBatchListResponse(result.Items), dto.NewPageMeta(pageReq.Page, pageReq.PageSize, int(result.Total)))
}

// ConfirmBatch 确认并派发批量任务
// @Summary 确认批量任务
// @Description 派发到 batch-worker 执行，重复确认返回 409
// @Tags Batches
// @Accept json
// @Produce json
// @Param bid path string true "任务 ID"
// @Param body body dto.ConfirmBatchRequest false "生成参数"
// @Success 202 {object} dto.Response[dto.BatchRunResponse]
// @Failure 409 {object} dto.ErrorResponse
// @Router /v1/batches/{bid}/confirm [post]
func (h *BatchHandler) ConfirmBatch(c *gin.Context) {
	ctx := c.Request.Context()
	job, ok := h.loadJob(c)
	if !ok {
		return
	}

	var req dto.ConfirmBatchRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil && err != io.EOF {
			dto.BadRequest(c, "invalid request body: "+err.Error())
			return
		}
	}

	if job.State != entity.BatchStateAwaitingConfirmation {
		dto.AppError(c, errors.ErrBatchState.WithDetail(string(job.State)))
		return
	}
	first, err := h.control.AcquireConfirm(ctx, job.ID)
	if err != nil {
		dto.AppError(c, err)
		return
	}
	if !first {
		dto.AppError(c, errors.ErrBatchState.WithDetail("already confirmed"))
		return
	}

	msgID, err := h.publisher.PublishBatchRun(ctx, &messaging.BatchRunMessage{
		BatchID:         job.ID,
		ProjectID:       job.ProjectID,
		TotalCycles:     job.TotalCycles,
		StartUnitNumber: job.StartUnitNumber,
		Provider:        req.Provider,
		Model:           req.Model,
		TemplateID:      req.TemplateID,
		Prompt:          req.Prompt,
	})
	if err != nil {
		logger.Error(ctx, "failed to publish batch run", err, "batch_id", job.ID)
		if rerr := h.control.ReleaseConfirm(context.WithoutCancel(ctx), job.ID); rerr != nil {
			logger.Error(ctx, "failed to release batch confirmation", rerr, "batch_id", job.ID)
		}
		dto.InternalError(c, "failed to dispatch batch job")
		return
	}

	logger.Info(ctx, "batch job dispatched", "batch_id", job.ID, "message_id", msgID)
	dto.Accepted(c, dto.BatchRunResponse{BatchID: job.ID, MessageID: msgID})
}

// CancelBatch 取消批量任务
// @Summary 取消批量任务
// @Description 未确认的任务立即取消；执行中的任务在当前周期结束后停止
// @Tags Batches
// @Produce json
// @Param bid path string true "任务 ID"
// @Success 202 {object} dto.Response[dto.BatchResponse]
// @Failure 409 {object} dto.ErrorResponse
// @Router /v1/batches/{bid}/cancel [post]
func (h *BatchHandler) CancelBatch(c *gin.Context) {
	ctx := c.Request.Context()
	job, ok := h.loadJob(c)
	if !ok {
		return
	}
	if job.State.IsTerminal() {
		dto.AppError(c, errors.ErrBatchState.WithDetail(string(job.State)))
		return
	}

	if err := h.control.RequestCancel(ctx, job.ID); err != nil {
		dto.AppError(c, err)
		return
	}

	if !job.State.IsRunning() {
		job.Cancel()
		job.Transition(entity.BatchStateCancelled)
		if err := h.batchRepo.Save(ctx, job); err != nil {
			logger.Error(ctx, "failed to save cancelled batch job", err, "batch_id", job.ID)
			dto.AppError(c, err)
			return
		}
		if err := h.control.SaveBatchSnapshot(ctx, job.Snapshot()); err != nil {
			logger.Warn(ctx, "failed to cache batch snapshot", "batch_id", job.ID, "error", err.Error())
		}
	}

	logger.Info(ctx, "batch cancel requested", "batch_id", job.ID, "state", job.State)
	dto.Accepted(c, dto.ToBatchResponse(job))
}

// SubmitDecision 提交失败周期的决策
// @Summary 提交继续/中止决策
// @Tags Batches
// @Accept json
// @Produce json
// @Param bid path string true "任务 ID"
// @Param body body dto.DecisionRequest true "决策"
// @Success 202 {object} dto.Response[dto.DecisionRequest]
// @Router /v1/batches/{bid}/decision [post]
func (h *BatchHandler) SubmitDecision(c *gin.Context) {
	ctx := c.Request.Context()
	job, ok := h.loadJob(c)
	if !ok {
		return
	}

	var req dto.DecisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		dto.BadRequest(c, "invalid request body: "+err.Error())
		return
	}
	if job.State.IsTerminal() {
		dto.AppError(c, errors.ErrBatchState.WithDetail(string(job.State)))
		return
	}
	decision, err := batch.ParsePolicy(req.Decision)
	if err != nil {
		dto.AppError(c, err)
		return
	}

	if err := h.control.PutDecision(ctx, job.ID, *req.Index, decision); err != nil {
		dto.AppError(c, err)
		return
	}
	dto.Accepted(c, req)
}

// GetBatch 获取批量任务快照
// @Summary 获取批量任务快照
// @Tags Batches
// @Produce json
// @Param bid path string true "任务 ID"
// @Success 200 {object} dto.Response[entity.BatchSnapshot]
// @Failure 404 {object} dto.ErrorResponse
// @Router /v1/batches/{bid} [get]
func (h *BatchHandler) GetBatch(c *gin.Context) {
	batchID, err := dto.BindBatchID(c)
	if err != nil {
		dto.AppError(c, err)
		return
	}

	snap, err := h.snapshot(c.Request.Context(), batchID)
	if err != nil {
		dto.AppError(c, err)
		return
	}
	dto.Success(c, snap)
}

// GetSession 获取当前周期的会话快照
// @Summary 获取当前会话快照
// @Tags Batches
// @Produce json
// @Param bid path string true "任务 ID"
// @Success 200 {object} dto.Response[entity.SessionSnapshot]
// @Failure 404 {object} dto.ErrorResponse
// @Router /v1/batches/{bid}/session [get]
func (h *BatchHandler) GetSession(c *gin.Context) {
	batchID, err := dto.BindBatchID(c)
	if err != nil {
		dto.AppError(c, err)
		return
	}

	snap, err := h.control.GetSessionSnapshot(c.Request.Context(), batchID)
	if err != nil {
		dto.AppError(c, err)
		return
	}
	if snap == nil {
		dto.NotFound(c, "no generation session for batch")
		return
	}
	dto.Success(c, snap)
}

// StreamEvents 以 SSE 推送批量任务与会话快照
// @Summary 订阅批量任务进度
// @Description 快照变化时推送 batch / session 事件，任务结束后推送 end 并关闭
// @Tags Batches
// @Produce text/event-stream
// @Param bid path string true "任务 ID"
// @Success 200 "SSE stream"
// @Router /v1/batches/{bid}/events [get]
func (h *BatchHandler) StreamEvents(c *gin.Context) {
	ctx := c.Request.Context()
	batchID, err := dto.BindBatchID(c)
	if err != nil {
		dto.AppError(c, err)
		return
	}
	first, err := h.snapshot(ctx, batchID)
	if err != nil {
		dto.AppError(c, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	relay := &snapshotRelay{}
	relay.pushBatch(c, first)

	ticker := time.NewTicker(h.eventsInterval)
	defer ticker.Stop()

	c.Stream(func(w io.Writer) bool {
		if relay.ended {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}

		if sess, err := h.control.GetSessionSnapshot(ctx, batchID); err == nil && sess != nil {
			relay.pushSession(c, sess)
		}
		snap, err := h.snapshot(ctx, batchID)
		if err != nil {
			c.SSEvent("error", gin.H{"message": err.Error()})
			return false
		}
		relay.pushBatch(c, snap)
		return !relay.ended
	})
}

// snapshotRelay 只在快照变化时推送
type snapshotRelay struct {
	lastBatch   time.Time
	lastSession string
	ended       bool
}

func (r *snapshotRelay) pushBatch(c *gin.Context, snap *entity.BatchSnapshot) {
	if !snap.UpdatedAt.After(r.lastBatch) && !r.lastBatch.IsZero() {
		return
	}
	r.lastBatch = snap.UpdatedAt
	c.SSEvent("batch", snap)
	if snap.State.IsTerminal() {
		c.SSEvent("end", gin.H{"state": snap.State})
		r.ended = true
	}
	c.Writer.Flush()
}

func (r *snapshotRelay) pushSession(c *gin.Context, snap *entity.SessionSnapshot) {
	key := sessionKey(snap)
	if key == r.lastSession {
		return
	}
	r.lastSession = key
	c.SSEvent("session", snap)
	c.Writer.Flush()
}

func sessionKey(s *entity.SessionSnapshot) string {
	return fmt.Sprintf("%s|%s|%d|%d|%s", s.SessionID, s.Status, s.CharCount, len(s.PhaseLog), s.Title)
}

func (h *BatchHandler) snapshot(ctx context.Context, batchID string) (*entity.BatchSnapshot, error) {
	return h.control.GetBatchSnapshot(ctx, batchID, func(ctx context.Context) (*entity.BatchSnapshot, error) {
		job, err := h.batchRepo.GetByID(ctx, batchID)
		if err != nil || job == nil {
			return nil, err
		}
		snap := job.Snapshot()
		return &snap, nil
	})
}

// loadJob 绑定 bid 并读取任务，失败时已写出响应
func (h *BatchHandler) loadJob(c *gin.Context) (*entity.BatchJob, bool) {
	ctx := c.Request.Context()
	batchID, err := dto.BindBatchID(c)
	if err != nil {
		dto.AppError(c, err)
		return nil, false
	}

	job, err := h.batchRepo.GetByID(ctx, batchID)
	if err != nil {
		logger.Error(ctx, "failed to get batch job", err, "batch_id", batchID)
		dto.AppError(c, err)
		return nil, false
	}
	if job == nil {
		dto.AppError(c, errors.ErrBatchNotFound.WithDetail(batchID))
		return nil, false
	}
	return job, true
}

package handler

import (
	"context"
	"io"

	"github.com/gin-gonic/gin"

	"z-novel-studio/internal/application/storygen"
	"z-novel-studio/internal/interfaces/http/dto"
	wfmodel "z-novel-studio/internal/workflow/model"
	"z-novel-studio/pkg/logger"
)

const streamDoneFrame = "data: [DONE]\n\n"

// ChapterProducer 单章生成流生产者
type ChapterProducer interface {
	Run(ctx context.Context, in *wfmodel.ChapterGenerateInput, emit storygen.Emitter) error
}

// GenerateHandler 章节生成流处理器
type GenerateHandler struct {
	producer ChapterProducer
}

// NewGenerateHandler 创建章节生成流处理器
func NewGenerateHandler(producer ChapterProducer) *GenerateHandler {
	return &GenerateHandler{producer: producer}
}

// GenerateChapter 流式生成章节
// @Summary 流式生成章节
// @Description 以 SSE 输出 phase/title/outline/progress/message/done 事件，最后以 data: [DONE] 结束
// @Tags Chapters
// @Accept json
// @Produce text/event-stream
// @Param pid path string true "项目 ID"
// @Param body body dto.GenerateChapterRequest true "生成参数"
// @Success 200 "SSE stream"
// @Failure 400 {object} dto.ErrorResponse
// @Router /v1/projects/{pid}/chapters/generate [post]
func (h *GenerateHandler) GenerateChapter(c *gin.Context) {
	projectID, err := dto.BindProjectID(c)
	if err != nil {
		dto.AppError(c, err)
		return
	}

	var req dto.GenerateChapterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		dto.BadRequest(c, "invalid request body: "+err.Error())
		return
	}

	ctx := logger.WithContext(c.Request.Context(), logger.ProjectIDKey, projectID)
	ctx = logger.WithContext(ctx, logger.UnitNumberKey, req.UnitNumber)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	emit := func(event string, data any) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		c.SSEvent(event, data)
		c.Writer.Flush()
		return nil
	}

	in := &wfmodel.ChapterGenerateInput{
		ProjectID:   projectID,
		UnitNumber:  req.UnitNumber,
		Prompt:      req.Prompt,
		TemplateID:  req.TemplateID,
		References:  req.References,
		Provider:    req.Provider,
		Model:       req.Model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if err := h.producer.Run(ctx, in, emit); err != nil && ctx.Err() != nil {
		logger.Info(ctx, "client disconnected during generation")
		return
	}

	_, _ = io.WriteString(c.Writer, streamDoneFrame)
	c.Writer.Flush()
}

package router

import (
	"github.com/gin-gonic/gin"

	"z-novel-studio/internal/interfaces/http/handler"
)

// RegisterBatchRoutes 注册批量任务控制接口；写接口经过限流
func RegisterBatchRoutes(v1 *gin.RouterGroup, batchHandler *handler.BatchHandler, rateLimit gin.HandlerFunc) {
	projects := v1.Group("/projects")
	{
		projects.GET("/:pid/batches", batchHandler.ListBatches)
		projects.POST("/:pid/batches", rateLimit, batchHandler.ProposeBatch)
	}

	batches := v1.Group("/batches")
	{
		batches.GET("/:bid", batchHandler.GetBatch)
		batches.GET("/:bid/session", batchHandler.GetSession)
		batches.GET("/:bid/events", batchHandler.StreamEvents)
		batches.POST("/:bid/confirm", rateLimit, batchHandler.ConfirmBatch)
		batches.POST("/:bid/cancel", batchHandler.CancelBatch)
		batches.POST("/:bid/decision", batchHandler.SubmitDecision)
	}
}

// RegisterGenerateRoutes 注册章节生成流接口
func RegisterGenerateRoutes(v1 *gin.RouterGroup, generateHandler *handler.GenerateHandler) {
	v1.POST("/projects/:pid/chapters/generate", generateHandler.GenerateChapter)
}

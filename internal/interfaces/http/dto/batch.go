package dto

import (
	"time"

	"z-novel-studio/internal/domain/entity"
)

// ProposeBatchRequest 创建批量任务请求
type ProposeBatchRequest struct {
	TotalCycles     int `json:"total_cycles" binding:"required,min=1"`
	StartUnitNumber int `json:"start_unit_number" binding:"required,min=1"`
}

// ConfirmBatchRequest 确认执行请求，携带每个周期的生成参数
type ConfirmBatchRequest struct {
	Prompt     string `json:"prompt" binding:"max=4000"`
	TemplateID string `json:"template_id" binding:"max=64"`
	Provider   string `json:"provider" binding:"max=32"`
	Model      string `json:"model" binding:"max=64"`
}

// DecisionRequest 失败周期的继续/中止决策
type DecisionRequest struct {
	Index    *int   `json:"index" binding:"required,min=0"`
	Decision string `json:"decision" binding:"required,oneof=continue abort"`
}

// BatchResponse 批量任务响应
type BatchResponse struct {
	ID              string     `json:"id"`
	ProjectID       string     `json:"project_id"`
	State           string     `json:"state"`
	TotalCycles     int        `json:"total_cycles"`
	StartUnitNumber int        `json:"start_unit_number"`
	CurrentIndex    int        `json:"current_index"`
	Cancelled       bool       `json:"cancelled"`
	Succeeded       []int      `json:"succeeded"`
	Failed          []int      `json:"failed"`
	LastError       string     `json:"last_error,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
}

// ToBatchResponse 转换批量任务实体
func ToBatchResponse(j *entity.BatchJob) *BatchResponse {
	return &BatchResponse{
		ID:              j.ID,
		ProjectID:       j.ProjectID,
		State:           string(j.State),
		TotalCycles:     j.TotalCycles,
		StartUnitNumber: j.StartUnitNumber,
		CurrentIndex:    j.CurrentIndex,
		Cancelled:       j.Cancelled,
		Succeeded:       j.Succeeded,
		Failed:          j.Failed,
		LastError:       j.LastError,
		CreatedAt:       j.CreatedAt,
		UpdatedAt:       j.UpdatedAt,
		FinishedAt:      j.FinishedAt,
	}
}

// ToBatchListResponse 转换批量任务列表
func ToBatchListResponse(jobs []*entity.BatchJob) []*BatchResponse {
	out := make([]*BatchResponse, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, ToBatchResponse(j))
	}
	return out
}

// BatchRunResponse 确认执行响应
type BatchRunResponse struct {
	BatchID   string `json:"batch_id"`
	MessageID string `json:"message_id"`
}

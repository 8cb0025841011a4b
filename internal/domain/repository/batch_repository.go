package repository

import (
	"context"

	"z-novel-studio/internal/domain/entity"
)

// BatchRepository 批量任务仓储接口
type BatchRepository interface {
	// Create 创建批量任务
	Create(ctx context.Context, job *entity.BatchJob) error

	// GetByID 根据 ID 获取批量任务，不存在时返回 nil, nil
	GetByID(ctx context.Context, id string) (*entity.BatchJob, error)

	// Save 覆盖保存任务进度与状态
	Save(ctx context.Context, job *entity.BatchJob) error

	// ListByProject 获取项目下的批量任务（按创建时间倒序）
	ListByProject(ctx context.Context, projectID string, pagination Pagination) (*PagedResult[*entity.BatchJob], error)
}

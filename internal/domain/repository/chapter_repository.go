// Package repository 定义数据访问层接口
package repository

import (
	"context"

	"z-novel-studio/internal/domain/entity"
)

// ChapterRepository 章节仓储接口
type ChapterRepository interface {
	// Create 创建章节
	Create(ctx context.Context, chapter *entity.Chapter) error

	// GetByID 根据 ID 获取章节
	GetByID(ctx context.Context, id string) (*entity.Chapter, error)

	// GetByProjectAndSeq 根据项目和序号获取章节，不存在时返回 nil, nil
	GetByProjectAndSeq(ctx context.Context, projectID string, seqNum int) (*entity.Chapter, error)

	// SaveGeneration 写入生成结果（正文、字数、状态与元数据）
	SaveGeneration(ctx context.Context, chapter *entity.Chapter) error

	// UpdateStatus 更新章节状态
	UpdateStatus(ctx context.Context, id string, status entity.ChapterStatus) error

	// ListByProject 获取项目章节列表（按序号排序）
	ListByProject(ctx context.Context, projectID string, pagination Pagination) (*PagedResult[*entity.Chapter], error)

	// GetPrevious 获取序号小于 seqNum 的最近一章
	GetPrevious(ctx context.Context, projectID string, seqNum int) (*entity.Chapter, error)
}

// Package postgres 提供 PostgreSQL Repository 实现
package postgres

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"z-novel-studio/internal/domain/entity"
	"z-novel-studio/internal/domain/repository"
)

// ChapterRepository 章节仓储实现
type ChapterRepository struct {
	client *Client
}

// NewChapterRepository 创建章节仓储
func NewChapterRepository(client *Client) *ChapterRepository {
	return &ChapterRepository{client: client}
}

// Create 创建章节
func (r *ChapterRepository) Create(ctx context.Context, chapter *entity.Chapter) error {
	ctx, span := tracer.Start(ctx, "postgres.ChapterRepository.Create")
	defer span.End()

	db := getDB(ctx, r.client.db)
	if err := db.Create(chapter).Error; err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to create chapter: %w", err)
	}
	return nil
}

// GetByID 根据 ID 获取章节
func (r *ChapterRepository) GetByID(ctx context.Context, id string) (*entity.Chapter, error) {
	ctx, span := tracer.Start(ctx, "postgres.ChapterRepository.GetByID")
	defer span.End()

	db := getDB(ctx, r.client.db)
	var chapter entity.Chapter
	if err := db.First(&chapter, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get chapter: %w", err)
	}
	return &chapter, nil
}

// GetByProjectAndSeq 根据项目和序号获取章节
func (r *ChapterRepository) GetByProjectAndSeq(ctx context.Context, projectID string, seqNum int) (*entity.Chapter, error) {
	ctx, span := tracer.Start(ctx, "postgres.ChapterRepository.GetByProjectAndSeq")
	defer span.End()

	db := getDB(ctx, r.client.db)
	var chapter entity.Chapter
	if err := db.Where("project_id = ? AND seq_num = ?", projectID, seqNum).First(&chapter).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get chapter by project and seq: %w", err)
	}
	return &chapter, nil
}

// SaveGeneration 写入生成结果
func (r *ChapterRepository) SaveGeneration(ctx context.Context, chapter *entity.Chapter) error {
	ctx, span := tracer.Start(ctx, "postgres.ChapterRepository.SaveGeneration")
	defer span.End()

	db := getDB(ctx, r.client.db)
	// Select 使零值（空正文、空错误）同样被写入
	err := db.Model(chapter).
		Select("title", "outline", "content_text", "word_count", "status", "generation_metadata", "version").
		Updates(chapter).Error
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to save chapter generation: %w", err)
	}
	return nil
}

// UpdateStatus 更新章节状态
func (r *ChapterRepository) UpdateStatus(ctx context.Context, id string, status entity.ChapterStatus) error {
	ctx, span := tracer.Start(ctx, "postgres.ChapterRepository.UpdateStatus")
	defer span.End()

	db := getDB(ctx, r.client.db)
	if err := db.Model(&entity.Chapter{}).Where("id = ?", id).Update("status", status).Error; err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to update chapter status: %w", err)
	}
	return nil
}

// ListByProject 获取项目的章节列表
func (r *ChapterRepository) ListByProject(ctx context.Context, projectID string, pagination repository.Pagination) (*repository.PagedResult[*entity.Chapter], error) {
	ctx, span := tracer.Start(ctx, "postgres.ChapterRepository.ListByProject")
	defer span.End()

	db := getDB(ctx, r.client.db)
	query := db.Model(&entity.Chapter{}).Where("project_id = ?", projectID)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to count chapters: %w", err)
	}

	var chapters []*entity.Chapter
	if err := query.Order("seq_num ASC").
		Offset(pagination.Offset()).
		Limit(pagination.Limit()).
		Find(&chapters).Error; err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to list chapters: %w", err)
	}

	return repository.NewPagedResult(chapters, total, pagination), nil
}

// GetPrevious 获取序号小于 seqNum 的最近一章
func (r *ChapterRepository) GetPrevious(ctx context.Context, projectID string, seqNum int) (*entity.Chapter, error) {
	ctx, span := tracer.Start(ctx, "postgres.ChapterRepository.GetPrevious")
	defer span.End()

	db := getDB(ctx, r.client.db)
	var chapter entity.Chapter
	if err := db.Where("project_id = ? AND seq_num < ?", projectID, seqNum).
		Order("seq_num DESC").
		First(&chapter).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get previous chapter: %w", err)
	}
	return &chapter, nil
}

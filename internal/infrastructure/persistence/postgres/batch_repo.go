package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"gorm.io/gorm"

	"z-novel-studio/internal/domain/entity"
	"z-novel-studio/internal/domain/repository"
)

// batchJobModel 批量任务表模型，单元集合以整型数组列存储
type batchJobModel struct {
	ID              string        `gorm:"type:uuid;primaryKey"`
	ProjectID       string        `gorm:"type:uuid;not null;index"`
	TotalCycles     int           `gorm:"not null"`
	CurrentIndex    int           `gorm:"not null;default:0"`
	StartUnitNumber int           `gorm:"not null"`
	Cancelled       bool          `gorm:"not null;default:false"`
	Succeeded       pq.Int64Array `gorm:"type:integer[]"`
	Failed          pq.Int64Array `gorm:"type:integer[]"`
	State           string        `gorm:"type:varchar(50);not null;index"`
	LastError       string        `gorm:"type:text"`
	CreatedAt       time.Time     `gorm:"autoCreateTime"`
	UpdatedAt       time.Time     `gorm:"autoUpdateTime"`
	FinishedAt      *time.Time
}

func (batchJobModel) TableName() string {
	return "batch_jobs"
}

func toBatchModel(j *entity.BatchJob) *batchJobModel {
	return &batchJobModel{
		ID:              j.ID,
		ProjectID:       j.ProjectID,
		TotalCycles:     j.TotalCycles,
		CurrentIndex:    j.CurrentIndex,
		StartUnitNumber: j.StartUnitNumber,
		Cancelled:       j.Cancelled,
		Succeeded:       toInt64Array(j.Succeeded),
		Failed:          toInt64Array(j.Failed),
		State:           string(j.State),
		LastError:       j.LastError,
		CreatedAt:       j.CreatedAt,
		UpdatedAt:       j.UpdatedAt,
		FinishedAt:      j.FinishedAt,
	}
}

func (m *batchJobModel) toEntity() *entity.BatchJob {
	return &entity.BatchJob{
		ID:              m.ID,
		ProjectID:       m.ProjectID,
		TotalCycles:     m.TotalCycles,
		CurrentIndex:    m.CurrentIndex,
		StartUnitNumber: m.StartUnitNumber,
		Cancelled:       m.Cancelled,
		Succeeded:       fromInt64Array(m.Succeeded),
		Failed:          fromInt64Array(m.Failed),
		State:           entity.BatchState(m.State),
		LastError:       m.LastError,
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
		FinishedAt:      m.FinishedAt,
	}
}

func toInt64Array(units []int) pq.Int64Array {
	out := make(pq.Int64Array, len(units))
	for i, u := range units {
		out[i] = int64(u)
	}
	return out
}

func fromInt64Array(arr pq.Int64Array) []int {
	out := make([]int, len(arr))
	for i, u := range arr {
		out[i] = int(u)
	}
	return out
}

// BatchRepository 批量任务仓储实现
type BatchRepository struct {
	client *Client
}

// NewBatchRepository 创建批量任务仓储
func NewBatchRepository(client *Client) *BatchRepository {
	return &BatchRepository{client: client}
}

// Create 创建批量任务
func (r *BatchRepository) Create(ctx context.Context, job *entity.BatchJob) error {
	ctx, span := tracer.Start(ctx, "postgres.BatchRepository.Create")
	defer span.End()

	db := getDB(ctx, r.client.db)
	if err := db.Create(toBatchModel(job)).Error; err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to create batch job: %w", err)
	}
	return nil
}

// GetByID 根据 ID 获取批量任务
func (r *BatchRepository) GetByID(ctx context.Context, id string) (*entity.BatchJob, error) {
	ctx, span := tracer.Start(ctx, "postgres.BatchRepository.GetByID")
	defer span.End()

	db := getDB(ctx, r.client.db)
	var m batchJobModel
	if err := db.First(&m, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get batch job: %w", err)
	}
	return m.toEntity(), nil
}

// Save 覆盖保存任务进度与状态
func (r *BatchRepository) Save(ctx context.Context, job *entity.BatchJob) error {
	ctx, span := tracer.Start(ctx, "postgres.BatchRepository.Save")
	defer span.End()

	db := getDB(ctx, r.client.db)
	if err := db.Save(toBatchModel(job)).Error; err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to save batch job: %w", err)
	}
	return nil
}

// ListByProject 获取项目下的批量任务
func (r *BatchRepository) ListByProject(ctx context.Context, projectID string, pagination repository.Pagination) (*repository.PagedResult[*entity.BatchJob], error) {
	ctx, span := tracer.Start(ctx, "postgres.BatchRepository.ListByProject")
	defer span.End()

	db := getDB(ctx, r.client.db)
	query := db.Model(&batchJobModel{}).Where("project_id = ?", projectID)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to count batch jobs: %w", err)
	}

	var models []*batchJobModel
	if err := query.Order("created_at DESC").
		Offset(pagination.Offset()).
		Limit(pagination.Limit()).
		Find(&models).Error; err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to list batch jobs: %w", err)
	}

	jobs := make([]*entity.BatchJob, 0, len(models))
	for _, m := range models {
		jobs = append(jobs, m.toEntity())
	}
	return repository.NewPagedResult(jobs, total, pagination), nil
}

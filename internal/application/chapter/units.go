// Package chapter 负责批量生成中章节（单元）的创建、就绪检查与生成结果落库
package chapter

import (
	"context"

	"z-novel-studio/internal/domain/entity"
	"z-novel-studio/internal/domain/repository"
	"z-novel-studio/pkg/errors"
	"z-novel-studio/pkg/logger"
)

// Units 项目内的章节单元服务
type Units struct {
	repo      repository.ChapterRepository
	projectID string
}

// NewUnits 创建单元服务
func NewUnits(repo repository.ChapterRepository, projectID string) *Units {
	return &Units{repo: repo, projectID: projectID}
}

// CreateNextUnit 创建序号为 unitNumber 的草稿章节；已存在时不做任何事
func (u *Units) CreateNextUnit(ctx context.Context, unitNumber int) error {
	existing, err := u.repo.GetByProjectAndSeq(ctx, u.projectID, unitNumber)
	if err != nil {
		return errors.Wrap(err, errors.CodeUnitCreateFailed, "failed to look up unit")
	}
	if existing != nil {
		logger.Debug(ctx, "unit already exists", "next_unit", unitNumber, "status", existing.Status)
		return nil
	}

	if err := u.repo.Create(ctx, entity.NewChapter(u.projectID, unitNumber)); err != nil {
		// 并发创建时唯一索引冲突，以再次查询结果为准
		if again, getErr := u.repo.GetByProjectAndSeq(ctx, u.projectID, unitNumber); getErr == nil && again != nil {
			return nil
		}
		return errors.Wrap(err, errors.CodeUnitCreateFailed, "failed to create unit")
	}
	logger.Info(ctx, "unit created", "next_unit", unitNumber)
	return nil
}

// IsUnitReady 单元存在、为草稿且正文为空
func (u *Units) IsUnitReady(ctx context.Context, unitNumber int) (bool, error) {
	ch, err := u.repo.GetByProjectAndSeq(ctx, u.projectID, unitNumber)
	if err != nil {
		return false, err
	}
	return ch != nil && ch.IsReadyForGeneration(), nil
}

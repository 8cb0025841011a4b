package redis

import (
	"context"
	"fmt"
	"time"

	"z-novel-studio/internal/domain/entity"
	"z-novel-studio/pkg/errors"
)

const defaultSnapshotTTL = 24 * time.Hour

// ControlStore 批量任务的跨进程控制面：取消标记、待决策、最新快照
// api-gateway 写入控制信号，batch-worker 读取并回写快照
type ControlStore struct {
	client *Client
	cache  *Cache
	ttl    time.Duration
}

// NewControlStore 创建控制存储
func NewControlStore(client *Client, ttl time.Duration) *ControlStore {
	if ttl <= 0 {
		ttl = defaultSnapshotTTL
	}
	return &ControlStore{client: client, cache: NewCache(client), ttl: ttl}
}

func cancelKey(batchID string) string {
	return fmt.Sprintf("batch:%s:cancel", batchID)
}

func decisionKey(batchID string, index int) string {
	return fmt.Sprintf("batch:%s:decision:%d", batchID, index)
}

func confirmKey(batchID string) string {
	return fmt.Sprintf("batch:%s:confirmed", batchID)
}

func batchSnapshotKey(batchID string) string {
	return fmt.Sprintf("batch:%s:snapshot", batchID)
}

func sessionSnapshotKey(batchID string) string {
	return fmt.Sprintf("batch:%s:session", batchID)
}

// RequestCancel 设置取消标记
func (s *ControlStore) RequestCancel(ctx context.Context, batchID string) error {
	if err := s.client.Set(ctx, cancelKey(batchID), "1", s.ttl); err != nil {
		return errors.Wrap(err, errors.CodeCacheError, "failed to set cancel flag")
	}
	return nil
}

// IsCancelRequested 是否已请求取消
func (s *ControlStore) IsCancelRequested(ctx context.Context, batchID string) (bool, error) {
	ok, err := s.client.Exists(ctx, cancelKey(batchID))
	if err != nil {
		return false, errors.Wrap(err, errors.CodeCacheError, "failed to read cancel flag")
	}
	return ok, nil
}

// AcquireConfirm 标记任务已确认，只有第一次调用返回 true
func (s *ControlStore) AcquireConfirm(ctx context.Context, batchID string) (bool, error) {
	ok, err := s.client.SetNX(ctx, confirmKey(batchID), "1", s.ttl)
	if err != nil {
		return false, errors.Wrap(err, errors.CodeCacheError, "failed to mark batch confirmed")
	}
	return ok, nil
}

// ReleaseConfirm 撤销确认标记，派发失败后允许再次确认
func (s *ControlStore) ReleaseConfirm(ctx context.Context, batchID string) error {
	if err := s.client.Del(ctx, confirmKey(batchID)); err != nil {
		return errors.Wrap(err, errors.CodeCacheError, "failed to release batch confirmation")
	}
	return nil
}

// PutDecision 提交第 index 个周期的决策
func (s *ControlStore) PutDecision(ctx context.Context, batchID string, index int, d entity.Decision) error {
	if err := s.client.Set(ctx, decisionKey(batchID, index), string(d), s.ttl); err != nil {
		return errors.Wrap(err, errors.CodeCacheError, "failed to store decision")
	}
	return nil
}

// TakeDecision 取出并删除决策
func (s *ControlStore) TakeDecision(ctx context.Context, batchID string, index int) (entity.Decision, bool, error) {
	v, err := s.client.GetDel(ctx, decisionKey(batchID, index))
	if err != nil {
		if IsNil(err) {
			return "", false, nil
		}
		return "", false, errors.Wrap(err, errors.CodeCacheError, "failed to take decision")
	}
	return entity.Decision(v), true, nil
}

// SaveBatchSnapshot 写入最新批量任务快照
func (s *ControlStore) SaveBatchSnapshot(ctx context.Context, snap entity.BatchSnapshot) error {
	if err := s.cache.SetJSON(ctx, batchSnapshotKey(snap.BatchID), snap, s.ttl); err != nil {
		return errors.Wrap(err, errors.CodeCacheError, "failed to store batch snapshot")
	}
	return nil
}

// GetBatchSnapshot 读取批量任务快照；缓存缺失时通过 loader 回源
// loader 返回 nil 时视为任务不存在
func (s *ControlStore) GetBatchSnapshot(ctx context.Context, batchID string, loader func(ctx context.Context) (*entity.BatchSnapshot, error)) (*entity.BatchSnapshot, error) {
	snap, err := LoadJSON(ctx, s.cache, batchSnapshotKey(batchID), s.ttl, func(ctx context.Context) (*entity.BatchSnapshot, error) {
		snap, err := loader(ctx)
		if err != nil {
			return nil, err
		}
		if snap == nil {
			return nil, errors.ErrBatchNotFound.WithDetail(batchID)
		}
		return snap, nil
	})
	if err != nil {
		if errors.IsAppError(err) {
			return nil, err
		}
		return nil, errors.Wrap(err, errors.CodeCacheError, "failed to read batch snapshot")
	}
	return snap, nil
}

// SaveSessionSnapshot 写入当前周期的会话快照
func (s *ControlStore) SaveSessionSnapshot(ctx context.Context, batchID string, snap entity.SessionSnapshot) error {
	if err := s.cache.SetJSON(ctx, sessionSnapshotKey(batchID), snap, s.ttl); err != nil {
		return errors.Wrap(err, errors.CodeCacheError, "failed to store session snapshot")
	}
	return nil
}

// GetSessionSnapshot 读取当前周期的会话快照，不存在时返回 nil
func (s *ControlStore) GetSessionSnapshot(ctx context.Context, batchID string) (*entity.SessionSnapshot, error) {
	var snap entity.SessionSnapshot
	found, err := s.cache.GetJSON(ctx, sessionSnapshotKey(batchID), &snap)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeCacheError, "failed to read session snapshot")
	}
	if !found {
		return nil, nil
	}
	return &snap, nil
}

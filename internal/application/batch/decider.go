package batch

import (
	"context"
	"strings"
	"time"

	"z-novel-studio/internal/domain/entity"
	"z-novel-studio/pkg/errors"
	"z-novel-studio/pkg/logger"
)

// Decider 在周期失败时决定继续还是中止
// 返回错误或未知决策时按中止处理
type Decider interface {
	Decide(ctx context.Context, snap entity.BatchSnapshot, f entity.CycleFailure) (entity.Decision, error)
}

// DecisionFunc 函数适配器
type DecisionFunc func(ctx context.Context, snap entity.BatchSnapshot, f entity.CycleFailure) (entity.Decision, error)

// Decide 实现 Decider
func (fn DecisionFunc) Decide(ctx context.Context, snap entity.BatchSnapshot, f entity.CycleFailure) (entity.Decision, error) {
	return fn(ctx, snap, f)
}

// PolicyDecider 按固定策略决策，连续失败达到上限时中止
type PolicyDecider struct {
	Policy entity.Decision
	// MaxConsecutiveFailures 0 表示不限制
	MaxConsecutiveFailures int
}

// Decide 实现 Decider
func (p PolicyDecider) Decide(_ context.Context, _ entity.BatchSnapshot, f entity.CycleFailure) (entity.Decision, error) {
	if p.Policy == entity.DecisionAbort {
		return entity.DecisionAbort, nil
	}
	if p.MaxConsecutiveFailures > 0 && f.ConsecutiveFailures >= p.MaxConsecutiveFailures {
		return entity.DecisionAbort, nil
	}
	return entity.DecisionContinue, nil
}

// ParsePolicy 解析配置中的失败策略
func ParsePolicy(s string) (entity.Decision, error) {
	switch entity.Decision(strings.ToLower(strings.TrimSpace(s))) {
	case "", entity.DecisionContinue:
		return entity.DecisionContinue, nil
	case entity.DecisionAbort:
		return entity.DecisionAbort, nil
	}
	return "", errors.ErrInvalidParam.WithDetail("unknown failure policy: " + s)
}

// DecisionStore 读取外部提交的决策
type DecisionStore interface {
	// TakeDecision 取出并删除第 index 个周期的决策，不存在时 ok 为 false
	TakeDecision(ctx context.Context, batchID string, index int) (entity.Decision, bool, error)
}

// RemoteDecider 等待用户通过 API 提交决策，超时后回退到 Fallback
type RemoteDecider struct {
	Store    DecisionStore
	Fallback Decider
	// Timeout 0 表示一直等待
	Timeout      time.Duration
	PollInterval time.Duration
}

// Decide 实现 Decider
func (r RemoteDecider) Decide(ctx context.Context, snap entity.BatchSnapshot, f entity.CycleFailure) (entity.Decision, error) {
	interval := r.PollInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	var deadline <-chan time.Time
	if r.Timeout > 0 {
		timer := time.NewTimer(r.Timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		d, ok, err := r.Store.TakeDecision(ctx, snap.BatchID, f.Index)
		if err != nil {
			logger.Warn(ctx, "failed to read batch decision", "index", f.Index, "error", err.Error())
		} else if ok {
			return d, nil
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-deadline:
			return r.fallback(ctx, snap, f)
		case <-ticker.C:
		}
	}
}

func (r RemoteDecider) fallback(ctx context.Context, snap entity.BatchSnapshot, f entity.CycleFailure) (entity.Decision, error) {
	logger.Info(ctx, "batch decision timed out, applying policy", "index", f.Index)
	if r.Fallback == nil {
		return PolicyDecider{Policy: entity.DecisionContinue}.Decide(ctx, snap, f)
	}
	return r.Fallback.Decide(ctx, snap, f)
}

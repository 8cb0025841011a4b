package entity

import (
	"sort"
	"time"
)

// BatchState 批量任务状态
type BatchState string

const (
	BatchStateIdle                 BatchState = "idle"
	BatchStateAwaitingConfirmation BatchState = "awaiting_confirmation"
	BatchStateRunningCycle         BatchState = "running_cycle"
	BatchStateAwaitingGeneration   BatchState = "awaiting_generation"
	BatchStateAwaitingUnitCreation BatchState = "awaiting_unit_creation"
	BatchStateAwaitingUnitReady    BatchState = "awaiting_unit_ready"
	BatchStateAwaitingDecision     BatchState = "awaiting_decision"
	BatchStateCancelled            BatchState = "cancelled"
	BatchStateCompleted            BatchState = "completed"
)

// IsTerminal 是否为终态
func (s BatchState) IsTerminal() bool {
	return s == BatchStateCancelled || s == BatchStateCompleted
}

// IsRunning 是否处于执行中（已确认且未结束）
func (s BatchState) IsRunning() bool {
	switch s {
	case BatchStateRunningCycle, BatchStateAwaitingGeneration, BatchStateAwaitingUnitCreation,
		BatchStateAwaitingUnitReady, BatchStateAwaitingDecision:
		return true
	}
	return false
}

// FailureKind 周期失败类型
type FailureKind string

const (
	FailureGeneration       FailureKind = "generation"
	FailureUnitCreate       FailureKind = "unit_create"
	FailureUnitReadyTimeout FailureKind = "unit_ready_timeout"
)

// Decision 失败后的继续/中止决策
type Decision string

const (
	DecisionContinue Decision = "continue"
	DecisionAbort    Decision = "abort"
)

// CycleFailure 单个周期的失败信息，作为决策输入
type CycleFailure struct {
	Index      int         `json:"index"`
	UnitNumber int         `json:"unit_number"`
	Kind       FailureKind `json:"kind"`
	Message    string      `json:"message"`
	// ConsecutiveFailures 包含本次在内的连续失败次数
	ConsecutiveFailures int `json:"consecutive_failures"`
}

// BatchJob 批量生成任务
type BatchJob struct {
	ID              string     `json:"id"`
	ProjectID       string     `json:"project_id"`
	TotalCycles     int        `json:"total_cycles"`
	CurrentIndex    int        `json:"current_index"`
	StartUnitNumber int        `json:"start_unit_number"`
	Cancelled       bool       `json:"cancelled"`
	Succeeded       []int      `json:"succeeded"`
	Failed          []int      `json:"failed"`
	State           BatchState `json:"state"`
	LastError       string     `json:"last_error,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
}

// NewBatchJob 创建空闲状态的批量任务
func NewBatchJob(id, projectID string) *BatchJob {
	now := time.Now()
	return &BatchJob{
		ID:        id,
		ProjectID: projectID,
		State:     BatchStateIdle,
		Succeeded: []int{},
		Failed:    []int{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// UnitFor 第 n 个周期对应的单元序号
func (j *BatchJob) UnitFor(n int) int {
	return j.StartUnitNumber + n
}

// IsLastCycle 第 n 个周期是否为最后一个
func (j *BatchJob) IsLastCycle(n int) bool {
	return n >= j.TotalCycles-1
}

// RecordSuccess 记录成功单元
func (j *BatchJob) RecordSuccess(unit int) {
	j.Succeeded = addUnit(j.Succeeded, unit)
	j.UpdatedAt = time.Now()
}

// RecordFailure 记录失败单元
func (j *BatchJob) RecordFailure(unit int, msg string) {
	j.Failed = addUnit(j.Failed, unit)
	j.LastError = msg
	j.UpdatedAt = time.Now()
}

// Cancel 设置取消标记，只在第一次调用时返回 true
func (j *BatchJob) Cancel() bool {
	if j.Cancelled {
		return false
	}
	j.Cancelled = true
	j.UpdatedAt = time.Now()
	return true
}

// Transition 切换状态
func (j *BatchJob) Transition(state BatchState) {
	j.State = state
	now := time.Now()
	j.UpdatedAt = now
	if state.IsTerminal() && j.FinishedAt == nil {
		j.FinishedAt = &now
	}
}

// Clone 深拷贝，供快照使用
func (j *BatchJob) Clone() *BatchJob {
	cp := *j
	cp.Succeeded = append([]int{}, j.Succeeded...)
	cp.Failed = append([]int{}, j.Failed...)
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		cp.FinishedAt = &t
	}
	return &cp
}

// addUnit 以集合语义插入并保持升序
func addUnit(units []int, unit int) []int {
	i := sort.SearchInts(units, unit)
	if i < len(units) && units[i] == unit {
		return units
	}
	units = append(units, 0)
	copy(units[i+1:], units[i:])
	units[i] = unit
	return units
}

// BatchSnapshot 批量任务对外快照
type BatchSnapshot struct {
	BatchID         string        `json:"batch_id"`
	ProjectID       string        `json:"project_id"`
	State           BatchState    `json:"state"`
	TotalCycles     int           `json:"total_cycles"`
	StartUnitNumber int           `json:"start_unit_number"`
	CurrentIndex    int           `json:"current_index"`
	CurrentUnit     int           `json:"current_unit"`
	Cancelled       bool          `json:"cancelled"`
	Succeeded       []int         `json:"succeeded"`
	Failed          []int         `json:"failed"`
	LastError       string        `json:"last_error,omitempty"`
	PendingDecision *CycleFailure `json:"pending_decision,omitempty"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// Snapshot 生成快照（调用方需保证读写互斥）
func (j *BatchJob) Snapshot() BatchSnapshot {
	return BatchSnapshot{
		BatchID:         j.ID,
		ProjectID:       j.ProjectID,
		State:           j.State,
		TotalCycles:     j.TotalCycles,
		StartUnitNumber: j.StartUnitNumber,
		CurrentIndex:    j.CurrentIndex,
		CurrentUnit:     j.UnitFor(j.CurrentIndex),
		Cancelled:       j.Cancelled,
		Succeeded:       append([]int{}, j.Succeeded...),
		Failed:          append([]int{}, j.Failed...),
		LastError:       j.LastError,
		UpdatedAt:       j.UpdatedAt,
	}
}

package task

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "claudeflow/internal/errors"
)

// MemoryStore 以内存方式保存任务状态，用于单机模式与测试。
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*Task
	now   func() time.Time
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]*Task), now: time.Now}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, task *Task) error {
	if task == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "task 不能为空")
	}
	if task.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[task.ID]; ok {
		return ErrTaskConflict
	}
	now := m.now().Unix()
	if task.CreatedAt == 0 {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	m.tasks[task.ID] = task.Clone()
	return nil
}

// Get 返回任务快照。
func (m *MemoryStore) Get(_ context.Context, id string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return task.Clone(), nil
}

// Claim 将任务状态更新为执行中。
func (m *MemoryStore) Claim(_ context.Context, id string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	switch {
	case task.Status.Terminal():
		return task.Clone(), ErrTaskFinished
	case task.Status == StatusInProgress && !task.RetryPending:
		return task.Clone(), ErrTaskConflict
	}
	task.Status = StatusInProgress
	task.RetryPending = false
	task.Attempts++
	task.UpdatedAt = m.now().Unix()
	return task.Clone(), nil
}

// MarkCompleted 记录执行结果并将任务置为 completed。
func (m *MemoryStore) MarkCompleted(_ context.Context, id string, completion Completion) (*Task, error) {
	return m.transition(id, StatusCompleted, func(task *Task, now int64) {
		task.Output = completion.Output
		task.Outputs = cloneOutputs(completion.Outputs)
		task.Degraded = completion.Degraded
		task.RetryPending = false
		task.CompletedAt = now
		if !completion.Degraded {
			task.LastError = ""
			task.ErrorCode = ""
		}
	})
}

// MarkRetry 保持执行中状态并标记等待重试。
func (m *MemoryStore) MarkRetry(_ context.Context, id string, code xerrors.Code, lastError string) (*Task, error) {
	return m.transition(id, StatusInProgress, func(task *Task, _ int64) {
		task.RetryPending = true
		task.LastError = lastError
		task.ErrorCode = string(code)
	})
}

// MarkFailed 将任务置为 failed 终态。
func (m *MemoryStore) MarkFailed(_ context.Context, id string, code xerrors.Code, lastError string) (*Task, error) {
	return m.transition(id, StatusFailed, func(task *Task, now int64) {
		task.RetryPending = false
		task.LastError = lastError
		task.ErrorCode = string(code)
		task.CompletedAt = now
	})
}

func (m *MemoryStore) transition(id string, to Status, apply func(task *Task, now int64)) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	if !CanTransition(task.Status, to) {
		return task.Clone(), ErrInvalidTransition
	}
	now := m.now().Unix()
	task.Status = to
	task.UpdatedAt = now
	apply(task, now)
	return task.Clone(), nil
}

// List 返回满足过滤条件的任务。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Task, error) {
	opts.applyDefaults()
	m.mu.RLock()
	matched := make([]*Task, 0, len(m.tasks))
	for _, task := range m.tasks {
		if opts.matches(task) {
			matched = append(matched, task.Clone())
		}
	}
	m.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if a.UpdatedAt != b.UpdatedAt {
			if opts.Order == SortByUpdatedAsc {
				return a.UpdatedAt < b.UpdatedAt
			}
			return a.UpdatedAt > b.UpdatedAt
		}
		if a.CreatedAt != b.CreatedAt {
			if opts.Order == SortByUpdatedAsc {
				return a.CreatedAt < b.CreatedAt
			}
			return a.CreatedAt > b.CreatedAt
		}
		if opts.Order == SortByUpdatedAsc {
			return a.ID < b.ID
		}
		return a.ID > b.ID
	})

	if opts.Offset >= len(matched) {
		return []*Task{}, nil
	}
	end := opts.Offset + opts.Limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[opts.Offset:end], nil
}

// Stats 返回满足过滤条件的任务聚合信息，忽略分页参数。
func (m *MemoryStore) Stats(_ context.Context, opts ListOptions) (Stats, error) {
	opts.applyDefaults()
	m.mu.RLock()
	defer m.mu.RUnlock()
	var stats Stats
	for _, task := range m.tasks {
		if opts.matches(task) {
			stats.add(task)
		}
	}
	return stats, nil
}

// Close 实现 Store 接口。
func (m *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)

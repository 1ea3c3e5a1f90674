package task

import (
	"context"

	xerrors "claudeflow/internal/errors"
)

// Store 抽象了任务状态的持久化接口。所有写操作都返回更新后的快照，
// 并拒绝让状态倒退的迁移。
type Store interface {
	Create(ctx context.Context, task *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	// Claim 将 pending 任务（或等待重试的 in_progress 任务）标记为执行中，并累加尝试次数。
	Claim(ctx context.Context, id string) (*Task, error)
	MarkCompleted(ctx context.Context, id string, completion Completion) (*Task, error)
	// MarkRetry 保持 in_progress 状态并标记任务等待重新执行。
	MarkRetry(ctx context.Context, id string, code xerrors.Code, lastError string) (*Task, error)
	MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string) (*Task, error)
	List(ctx context.Context, opts ListOptions) ([]*Task, error)
	Stats(ctx context.Context, opts ListOptions) (Stats, error)
	Close() error
}

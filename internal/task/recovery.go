package task

import "context"

// RecoveryHandler 定义了在任务执行最终失败时的补偿策略。
type RecoveryHandler interface {
	// Recover 尝试根据失败原因进行降级。
	// 返回的 Completion 将以降级结果写入任务；若返回 nil 则继续按照失败流程处理。
	Recover(ctx context.Context, task *Task, cause error) (*Completion, error)
}

// RecoveryFunc 将函数适配为 RecoveryHandler。
type RecoveryFunc func(ctx context.Context, task *Task, cause error) (*Completion, error)

// Recover 实现 RecoveryHandler。
func (f RecoveryFunc) Recover(ctx context.Context, task *Task, cause error) (*Completion, error) {
	if f == nil {
		return nil, nil
	}
	return f(ctx, task, cause)
}

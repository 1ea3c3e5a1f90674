package task

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "claudeflow/internal/errors"
	"claudeflow/internal/events"
	"claudeflow/internal/observability/metrics"
	"claudeflow/pkg/logger"
)

// AgentDirectory 用于校验目标智能体是否存在。
type AgentDirectory interface {
	Has(name string) bool
}

// Service 负责任务的创建与查询。
type Service struct {
	store      Store
	producer   Producer
	agents     AgentDirectory
	emitter    eventEmitter
	metrics    *metrics.Metrics
	maxRetries int
}

// ServiceOption 定义可选配置。
type ServiceOption func(*Service)

// WithMaxRetries 设置任务允许的最大执行次数。
func WithMaxRetries(maxRetries int) ServiceOption {
	return func(s *Service) {
		if maxRetries > 0 {
			s.maxRetries = maxRetries
		}
	}
}

// WithAgentDirectory 启用目标智能体校验。
func WithAgentDirectory(agents AgentDirectory) ServiceOption {
	return func(s *Service) {
		s.agents = agents
	}
}

// WithServiceEvents 配置事件发布器。
func WithServiceEvents(publisher events.Publisher) ServiceOption {
	return func(s *Service) {
		s.emitter.publisher = publisher
	}
}

// WithServiceMetrics 配置指标。
func WithServiceMetrics(m *metrics.Metrics) ServiceOption {
	return func(s *Service) {
		s.metrics = m
		s.emitter.metrics = m
	}
}

// NewService 构造任务服务。
func NewService(store Store, producer Producer, opts ...ServiceOption) *Service {
	s := &Service{store: store, producer: producer, maxRetries: 3}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Create 创建一个新的任务并推送到队列。带 ID 的重复请求直接返回已有任务。
func (s *Service) Create(ctx context.Context, req Request) (*Task, error) {
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化")
	}
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return nil, xerrors.New(CodeTaskValidation, "任务内容不能为空", xerrors.WithMetadata("field", "prompt"))
	}
	target := normalizeAgent(req.TargetAgent)
	if !req.Distribute {
		if target == "" {
			return nil, xerrors.New(CodeTaskValidation, "必须指定目标智能体", xerrors.WithMetadata("field", "target_agent"))
		}
		if s.agents != nil && !s.agents.Has(target) {
			return nil, xerrors.New(CodeTaskValidation, fmt.Sprintf("未知的智能体: %s", target), xerrors.WithMetadata("field", "target_agent"))
		}
	}

	taskID := strings.TrimSpace(req.ID)
	if taskID != "" {
		existing, err := s.store.Get(ctx, taskID)
		if err == nil {
			return existing, nil
		}
		if !stdErrors.Is(err, ErrTaskNotFound) {
			return nil, err
		}
	} else {
		taskID = uuid.NewString()
	}

	priority := DefaultPriority
	if req.Priority != nil {
		priority = ClampPriority(*req.Priority)
	}

	task := &Task{
		ID:          taskID,
		Prompt:      prompt,
		TargetAgent: target,
		Context:     cloneContext(req.Context),
		Priority:    priority,
		Distribute:  req.Distribute,
		Status:      StatusPending,
		MaxRetries:  s.maxRetries,
	}
	if err := s.store.Create(ctx, task); err != nil {
		if stdErrors.Is(err, ErrTaskConflict) {
			if existing, getErr := s.store.Get(ctx, taskID); getErr == nil {
				return existing, nil
			}
		}
		return nil, err
	}
	s.metrics.TaskCreated(task.TargetAgent)
	s.emitter.task(ctx, events.TypeTaskCreated, task, "")

	if err := s.producer.Publish(ctx, taskID, task.Priority); err != nil {
		logger.L().Error("任务入队失败", slog.Any("error", err), slog.String("task_id", taskID))
		wrapped := xerrors.Wrap(CodeTaskPublish, err, "发布任务到队列失败")
		if failed, markErr := s.store.MarkFailed(context.WithoutCancel(ctx), taskID, CodeTaskPublish, wrapped.Error()); markErr == nil {
			s.metrics.TaskFinished(string(StatusFailed))
			s.emitter.task(ctx, events.TypeTaskFailed, failed, wrapped.Message())
		}
		return nil, wrapped
	}
	logger.Audit().Info("任务入队成功",
		slog.String("task_id", taskID),
		slog.String("agent", task.TargetAgent),
		slog.Bool("distribute", task.Distribute),
		slog.Int("priority", task.Priority),
		slog.Int("max_retries", task.MaxRetries),
	)
	return task, nil
}

// Get 返回指定任务的状态。
func (s *Service) Get(ctx context.Context, id string) (*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.Get(ctx, strings.TrimSpace(id))
}

// List 返回符合过滤条件的任务列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.List(ctx, BuildListOptions(opts...))
}

// Stats 返回符合过滤条件的任务统计信息。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (Stats, error) {
	if s.store == nil {
		return Stats{}, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.Stats(ctx, BuildListOptions(opts...))
}

// WaitForCompletion 轮询任务状态直到进入终态或 ctx 结束。失败的任务同样作为终态返回。
func (s *Service) WaitForCompletion(ctx context.Context, id string, interval time.Duration) (*Task, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		task, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if task.Status.Terminal() {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return task, xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), fmt.Sprintf("等待任务 %s 完成超时", id))
		case <-ticker.C:
		}
	}
}

// Close 释放资源。
func (s *Service) Close() error {
	var errs []error
	if s.producer != nil {
		errs = append(errs, s.producer.Close())
	}
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	return stdErrors.Join(errs...)
}

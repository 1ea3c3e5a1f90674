package task

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"claudeflow/internal/agent"
	xerrors "claudeflow/internal/errors"
	"claudeflow/internal/events"
	"claudeflow/internal/observability/alerting"
	"claudeflow/internal/observability/metrics"
	"claudeflow/pkg/logger"
)

// Executor 定义了处理器所需的智能体调度能力，*agent.Registry 实现了该接口。
type Executor interface {
	Dispatch(ctx context.Context, job agent.Job, reporter agent.Reporter) (agent.Outcome, error)
}

const defaultRequeueWait = 5 * time.Second

// Processor 负责从队列消费任务并交给智能体执行。
type Processor struct {
	executor    Executor
	store       Store
	consumer    Consumer
	producer    Producer
	workerCount int
	taskTimeout time.Duration
	requeueWait time.Duration
	logger      *slog.Logger
	recovery    RecoveryHandler
	alerter     alerting.Dispatcher
	emitter     eventEmitter
	metrics     *metrics.Metrics
	tracer      trace.Tracer
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithTaskTimeout 限制单次执行的耗时，0 表示不限制。
func WithTaskTimeout(timeout time.Duration) ProcessorOption {
	return func(p *Processor) {
		if timeout > 0 {
			p.taskTimeout = timeout
		}
	}
}

// WithRequeueTimeout 限制重试重新入队的等待时间，超时按投递失败处理。
func WithRequeueTimeout(timeout time.Duration) ProcessorOption {
	return func(p *Processor) {
		if timeout > 0 {
			p.requeueWait = timeout
		}
	}
}

// WithRecoveryHandler 配置失败补偿策略。
func WithRecoveryHandler(handler RecoveryHandler) ProcessorOption {
	return func(p *Processor) {
		p.recovery = handler
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// WithProcessorEvents 配置事件发布器。
func WithProcessorEvents(publisher events.Publisher) ProcessorOption {
	return func(p *Processor) {
		p.emitter.publisher = publisher
	}
}

// WithProcessorMetrics 配置指标。
func WithProcessorMetrics(m *metrics.Metrics) ProcessorOption {
	return func(p *Processor) {
		p.metrics = m
		p.emitter.metrics = m
	}
}

// WithTracer 指定 tracer，默认使用全局 TracerProvider。
func WithTracer(tracer trace.Tracer) ProcessorOption {
	return func(p *Processor) {
		p.tracer = tracer
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(executor Executor, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		executor:    executor,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	if p.requeueWait <= 0 {
		p.requeueWait = defaultRequeueWait
	}
	if p.tracer == nil {
		p.tracer = otel.Tracer("claudeflow/internal/task")
	}
	return p
}

// Start 启动任务处理循环，阻塞直到 ctx 结束。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置任务消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, taskID string) error {
	if p.store == nil || p.executor == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	task, err := p.store.Claim(ctx, taskID)
	if err != nil {
		if stdErrors.Is(err, ErrTaskNotFound) || stdErrors.Is(err, ErrTaskFinished) || stdErrors.Is(err, ErrTaskConflict) {
			p.logDebug("跳过任务", slog.String("task_id", taskID), slog.String("reason", err.Error()))
			return nil
		}
		logger.L().Error("领取任务失败", slog.Any("error", err), slog.String("task_id", taskID))
		p.emitAlert(ctx, &Task{ID: taskID}, CodeTaskProcessing, err, "claim")
		return err
	}

	ctx, span := p.tracer.Start(ctx, "task.execute", trace.WithAttributes(
		attribute.String("task.id", task.ID),
		attribute.String("task.agent", task.TargetAgent),
		attribute.Bool("task.distribute", task.Distribute),
		attribute.Int("task.priority", task.Priority),
		attribute.Int("task.attempt", task.Attempts),
	))
	defer span.End()

	p.emitter.task(ctx, events.TypeTaskUpdated, task, fmt.Sprintf("第 %d 次执行开始", task.Attempts))
	p.metrics.TaskStarted()
	started := time.Now()

	outcome, execErr := p.execute(ctx, task)
	if execErr != nil {
		span.RecordError(execErr)
		span.SetStatus(codes.Error, execErr.Error())
		if ctx.Err() != nil {
			p.metrics.TaskAttemptDone("interrupted", time.Since(started))
			return p.handleInterrupted(ctx, task, execErr)
		}
		result, err := p.handleExecutionFailure(ctx, task, execErr)
		p.metrics.TaskAttemptDone(result, time.Since(started))
		return err
	}

	completed, err := p.store.MarkCompleted(context.WithoutCancel(ctx), task.ID, Completion{
		Output:  outcome.Output,
		Outputs: outcome.Outputs,
	})
	if err != nil {
		p.metrics.TaskAttemptDone("error", time.Since(started))
		logger.L().Error("标记任务完成状态失败", slog.Any("error", err), slog.String("task_id", task.ID))
		span.RecordError(err)
		return err
	}
	p.metrics.TaskAttemptDone(string(StatusCompleted), time.Since(started))
	p.metrics.TaskFinished(string(StatusCompleted))
	span.SetStatus(codes.Ok, "")
	p.emitter.task(ctx, events.TypeTaskCompleted, completed, "")
	logger.Audit().Info("任务执行成功",
		slog.String("task_id", task.ID),
		slog.String("agent", task.TargetAgent),
		slog.Bool("distribute", task.Distribute),
		slog.Int("attempts", completed.Attempts),
	)
	return nil
}

func (p *Processor) execute(ctx context.Context, task *Task) (agent.Outcome, error) {
	execCtx := ctx
	if p.taskTimeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, p.taskTimeout)
		defer cancel()
	}
	reporter := agent.ReporterFunc(func(name, message string) {
		p.emitter.agentMessage(ctx, task.ID, name, message)
	})
	outcome, err := p.executor.Dispatch(execCtx, agent.Job{
		TaskID:     task.ID,
		Prompt:     task.Prompt,
		Target:     task.TargetAgent,
		Distribute: task.Distribute,
		Context:    cloneContext(task.Context),
		Priority:   task.Priority,
		Attempt:    task.Attempts,
	}, reporter)
	if err != nil && stdErrors.Is(execCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		if _, ok := xerrors.From(err); !ok {
			err = xerrors.Wrap(xerrors.CodeTimeout, err, fmt.Sprintf("任务执行超过 %s", p.taskTimeout))
		}
	}
	return outcome, err
}

// handleExecutionFailure 处理执行失败，返回本次尝试的结果标签。
func (p *Processor) handleExecutionFailure(ctx context.Context, task *Task, execErr error) (string, error) {
	storeCtx := context.WithoutCancel(ctx)
	code := xerrors.CodeOf(execErr)
	if code == xerrors.CodeUnknown {
		code = CodeTaskProcessing
	}
	retryable := xerrors.RetryableError(execErr)
	terminal := task.Attempts >= task.MaxRetries || !retryable

	if !terminal {
		retried, err := p.store.MarkRetry(storeCtx, task.ID, code, execErr.Error())
		if err != nil {
			logger.L().Error("标记任务重试状态失败", slog.Any("error", err), slog.String("task_id", task.ID))
			return "error", err
		}
		p.metrics.TaskRetried()
		p.emitter.task(ctx, events.TypeTaskUpdated, retried, fmt.Sprintf("执行失败，准备第 %d 次重试: %v", retried.Attempts+1, execErr))
		p.emitAlert(ctx, task, code, execErr, "retry")
		if pubErr := p.requeue(storeCtx, task); pubErr != nil {
			wrapped := xerrors.Wrap(CodeTaskPublish, pubErr, fmt.Sprintf("任务 %s 重投失败", task.ID))
			p.fail(ctx, task, CodeTaskPublish, wrapped, "requeue")
			return string(StatusFailed), wrapped
		}
		p.logDebug("任务已重新排队", slog.String("task_id", task.ID), slog.Int("attempts", task.Attempts))
		return "retry", nil
	}

	if p.recovery != nil {
		fallback, recErr := p.recovery.Recover(storeCtx, task.Clone(), execErr)
		if recErr != nil {
			wrapped := xerrors.Wrap(CodeTaskCompensate, recErr, "任务补偿失败")
			logger.L().Error("执行补偿逻辑失败", slog.Any("error", wrapped), slog.String("task_id", task.ID))
			p.emitAlert(ctx, task, CodeTaskCompensate, wrapped, "compensate")
		} else if fallback != nil {
			fallback.Degraded = true
			if fallback.Output == "" {
				fallback.Output = fmt.Sprintf("降级处理: %v", execErr)
			}
			completed, err := p.store.MarkCompleted(storeCtx, task.ID, *fallback)
			if err == nil {
				p.metrics.TaskFinished(string(StatusCompleted))
				p.emitter.task(ctx, events.TypeTaskCompleted, completed, "降级完成")
				logger.Audit().Warn("任务降级完成",
					slog.String("task_id", task.ID),
					slog.String("error", execErr.Error()),
				)
				p.emitAlert(ctx, task, code, execErr, "degraded")
				return "degraded", nil
			}
			logger.L().Error("记录降级结果失败", slog.Any("error", err), slog.String("task_id", task.ID))
		}
	}

	stage := "terminal"
	if !retryable {
		stage = "non_retryable"
	}
	p.fail(ctx, task, code, execErr, stage)
	return string(StatusFailed), nil
}

// handleInterrupted 处理因处理器停止而中断的执行：任务保持 in_progress 并标记待重试，
// 不告警、不计入失败，重新入队后由下一次启动的消费者继续。
func (p *Processor) handleInterrupted(ctx context.Context, task *Task, cause error) error {
	storeCtx := context.WithoutCancel(ctx)
	retried, err := p.store.MarkRetry(storeCtx, task.ID, CodeTaskInterrupted, cause.Error())
	if err != nil {
		logger.L().Error("记录中断任务失败", slog.Any("error", err), slog.String("task_id", task.ID))
		return err
	}
	p.emitter.task(storeCtx, events.TypeTaskUpdated, retried, "处理器停止，任务等待重新执行")
	if err := p.requeue(storeCtx, task); err != nil {
		logger.L().Warn("中断任务重新入队失败", slog.Any("error", err), slog.String("task_id", task.ID))
	}
	return nil
}

// requeue 在限定时间内重新投递任务，队列已满时不会无限阻塞工作协程。
func (p *Processor) requeue(ctx context.Context, task *Task) error {
	ctx, cancel := context.WithTimeout(ctx, p.requeueWait)
	defer cancel()
	return p.producer.Publish(ctx, task.ID, task.Priority)
}

func (p *Processor) fail(ctx context.Context, task *Task, code xerrors.Code, cause error, stage string) {
	failed, err := p.store.MarkFailed(context.WithoutCancel(ctx), task.ID, code, cause.Error())
	if err != nil {
		logger.L().Error("标记任务失败状态出错", slog.Any("error", err), slog.String("task_id", task.ID))
		return
	}
	p.metrics.TaskFinished(string(StatusFailed))
	p.emitter.task(ctx, events.TypeTaskFailed, failed, cause.Error())
	logger.Audit().Warn("任务执行失败",
		slog.String("task_id", task.ID),
		slog.String("agent", task.TargetAgent),
		slog.String("error", cause.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", task.Attempts),
		slog.Int("max_retries", task.MaxRetries),
	)
	p.emitAlert(ctx, task, code, cause, stage)
}

func (p *Processor) logDebug(msg string, attrs ...slog.Attr) {
	if p.logger != nil {
		p.logger.LogAttrs(context.Background(), slog.LevelDebug, msg, attrs...)
	}
}

func (p *Processor) emitAlert(ctx context.Context, task *Task, code xerrors.Code, cause error, stage string) {
	if p == nil || p.alerter == nil || task == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	shouldAlert, severity := attrs.Alert, attrs.Severity
	if coded, ok := xerrors.From(cause); ok {
		shouldAlert, severity = coded.ShouldAlert(), coded.Severity()
	}
	// 终态失败总是告警，重试等中间阶段遵循错误码配置。
	if !shouldAlert && stage != "terminal" && stage != "non_retryable" {
		return
	}
	message := attrs.Message
	metadata := map[string]string{}
	if cause != nil {
		message = cause.Error()
		metadata["cause"] = cause.Error()
	}
	event := alerting.Event{
		Code:       code,
		Message:    message,
		Severity:   severity,
		TaskID:     task.ID,
		Agent:      task.TargetAgent,
		Stage:      stage,
		Attempts:   task.Attempts,
		MaxRetries: task.MaxRetries,
		Metadata:   metadata,
		OccurredAt: time.Now(),
	}
	if err := p.alerter.Notify(context.WithoutCancel(ctx), event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("task_id", task.ID),
			slog.String("stage", stage),
		)
	}
}

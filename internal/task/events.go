package task

import (
	"context"
	"encoding/json"
	"log/slog"

	"claudeflow/internal/events"
	"claudeflow/internal/observability/metrics"
	"claudeflow/pkg/logger"
)

// eventEmitter 以尽力而为的方式发布任务事件，发布失败只记录日志。
type eventEmitter struct {
	publisher events.Publisher
	metrics   *metrics.Metrics
}

func (e eventEmitter) task(ctx context.Context, eventType events.Type, task *Task, message string) {
	if e.publisher == nil || task == nil {
		return
	}
	evt := events.New(eventType, task.ID)
	evt.Status = string(task.Status)
	evt.Agent = task.TargetAgent
	evt.Message = message
	if snapshot, err := json.Marshal(task); err == nil {
		evt.Task = snapshot
	}
	e.publish(ctx, evt)
}

func (e eventEmitter) agentMessage(ctx context.Context, taskID, agentName, message string) {
	if e.publisher == nil {
		return
	}
	evt := events.New(events.TypeAgentMessage, taskID)
	evt.Agent = agentName
	evt.Status = string(StatusInProgress)
	evt.Message = message
	e.publish(ctx, evt)
}

func (e eventEmitter) publish(ctx context.Context, evt events.Event) {
	err := e.publisher.Publish(context.WithoutCancel(ctx), evt)
	e.metrics.EventPublished(string(evt.Type), err)
	if err != nil {
		logger.L().Warn("发布任务事件失败",
			slog.String("task_id", evt.TaskID),
			slog.String("type", string(evt.Type)),
			slog.Any("error", err))
	}
}

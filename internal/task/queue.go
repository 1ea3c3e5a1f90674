package task

import (
	"context"
)

// Handler 处理来自消息队列的任务 ID。队列不会因 handler 返回错误而重投，
// 重试由 Processor 通过 Producer 显式完成。
type Handler func(ctx context.Context, taskID string) error

// Producer 负责向队列投递任务。priority 越大越先被消费。
type Producer interface {
	Publish(ctx context.Context, taskID string, priority int) error
	Close() error
}

// Consumer 负责从队列中消费任务，阻塞直到 ctx 结束或出现不可恢复的错误。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}

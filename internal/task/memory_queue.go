package task

import (
	"context"
	"sync"

	xerrors "claudeflow/internal/errors"
)

// ErrQueueClosed 表示队列已关闭。
var ErrQueueClosed = xerrors.New(xerrors.CodeQueueFailure, "队列已关闭", xerrors.WithRetryable(false))

// MemoryQueue 使用两条 channel 模拟带优先级的消息队列：高优先级通道总是先被消费。
type MemoryQueue struct {
	high   chan string
	normal chan string
	done   chan struct{}
	once   sync.Once
}

// NewMemoryQueue 创建一个内存队列，size 为每条通道的容量。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{
		high:   make(chan string, size),
		normal: make(chan string, size),
		done:   make(chan struct{}),
	}
}

// Publish 将任务投递到队列。
func (q *MemoryQueue) Publish(ctx context.Context, taskID string, priority int) error {
	lane := q.normal
	if priority >= HighPriority {
		lane = q.high
	}
	select {
	case <-q.done:
		return ErrQueueClosed
	default:
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-q.done:
		return ErrQueueClosed
	case lane <- taskID:
		return nil
	}
}

// Len 返回当前排队的任务数量。
func (q *MemoryQueue) Len() int {
	return len(q.high) + len(q.normal)
}

// Consume 启动指定数量的工作协程消费队列中的任务。
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				taskID, ok := q.next(ctx)
				if !ok {
					return
				}
				_ = handler(ctx, taskID)
			}
		}()
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return err
	}
	return ErrQueueClosed
}

func (q *MemoryQueue) next(ctx context.Context) (string, bool) {
	select {
	case taskID := <-q.high:
		return taskID, true
	default:
	}
	select {
	case <-ctx.Done():
		return "", false
	case <-q.done:
		return "", false
	case taskID := <-q.high:
		return taskID, true
	case taskID := <-q.normal:
		return taskID, true
	}
}

// Close 关闭内存队列，正在运行的消费者随之退出。
func (q *MemoryQueue) Close() error {
	q.once.Do(func() { close(q.done) })
	return nil
}

var _ Queue = (*MemoryQueue)(nil)

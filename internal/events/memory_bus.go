package events

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/alphadose/haxmap"
	"github.com/google/uuid"
)

const defaultBufferSize = 64

// MemoryBus 在进程内广播事件。慢订阅者的事件会被直接丢弃，发布方不会阻塞。
type MemoryBus struct {
	subs    *haxmap.Map[string, *memorySubscription]
	buffer  int
	closed  atomic.Bool
	dropped atomic.Uint64
}

// NewMemoryBus 创建进程内总线，bufferSize 为每个订阅者的缓冲长度。
func NewMemoryBus(bufferSize int) *MemoryBus {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &MemoryBus{
		subs:   haxmap.New[string, *memorySubscription](),
		buffer: bufferSize,
	}
}

// Publish 将事件投递给所有匹配的订阅者。
func (b *MemoryBus) Publish(ctx context.Context, evt Event) error {
	if b.closed.Load() {
		return ErrBusClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	b.subs.ForEach(func(_ string, sub *memorySubscription) bool {
		if sub != nil && sub.filter.Match(evt) && !sub.deliver(evt) {
			b.dropped.Add(1)
		}
		return true
	})
	return nil
}

// Subscribe 注册订阅者。ctx 结束时自动取消订阅。
func (b *MemoryBus) Subscribe(ctx context.Context, filter Filter) (Subscription, error) {
	if b.closed.Load() {
		return nil, ErrBusClosed
	}
	sub := &memorySubscription{
		id:     uuid.NewString(),
		filter: filter,
		ch:     make(chan Event, b.buffer),
		done:   make(chan struct{}),
	}
	sub.onClose = func() { b.subs.Del(sub.id) }
	b.subs.Set(sub.id, sub)

	go func() {
		select {
		case <-ctx.Done():
			sub.Unsubscribe()
		case <-sub.done:
		}
	}()
	return sub, nil
}

// Dropped 返回因缓冲区已满而丢弃的事件数量。
func (b *MemoryBus) Dropped() uint64 {
	return b.dropped.Load()
}

// Subscribers 返回当前订阅者数量。
func (b *MemoryBus) Subscribers() int {
	return int(b.subs.Len())
}

// Close 取消全部订阅，之后的发布会返回 ErrBusClosed。
func (b *MemoryBus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	var all []*memorySubscription
	b.subs.ForEach(func(_ string, sub *memorySubscription) bool {
		all = append(all, sub)
		return true
	})
	for _, sub := range all {
		sub.Unsubscribe()
	}
	return nil
}

type memorySubscription struct {
	id      string
	filter  Filter
	ch      chan Event
	done    chan struct{}
	onClose func()

	mu     sync.RWMutex
	closed bool
}

func (s *memorySubscription) ID() string { return s.id }

func (s *memorySubscription) Events() <-chan Event { return s.ch }

// deliver 以非阻塞方式写入，读锁保证不会向已关闭的 channel 发送。
func (s *memorySubscription) deliver(evt Event) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- evt:
		return true
	default:
		return false
	}
}

func (s *memorySubscription) Unsubscribe() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.ch)
	close(s.done)
	s.mu.Unlock()

	if s.onClose != nil {
		s.onClose()
	}
}

var _ Bus = (*MemoryBus)(nil)

package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	xerrors "claudeflow/internal/errors"
	"claudeflow/pkg/logger"
)

// RedisBusConfig 描述 Redis Pub/Sub 总线的连接参数。
type RedisBusConfig struct {
	Address    string
	Password   string
	DB         int
	Channel    string
	BufferSize int
}

// RedisBus 通过 Redis PUBLISH/SUBSCRIBE 在多个 flowd 实例之间广播事件。
type RedisBus struct {
	client  *redis.Client
	channel string
	buffer  int
}

// NewRedisBus 创建 Redis 总线并检查连通性。
func NewRedisBus(ctx context.Context, cfg RedisBusConfig) (*RedisBus, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return NewRedisBusWithClient(client, cfg.Channel, cfg.BufferSize), nil
}

// NewRedisBusWithClient 使用已有客户端构造总线。
func NewRedisBusWithClient(client *redis.Client, channel string, bufferSize int) *RedisBus {
	if channel == "" {
		channel = "claudeflow:events"
	}
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &RedisBus{client: client, channel: channel, buffer: bufferSize}
}

// Publish 将事件发布到 Redis channel。
func (b *RedisBus) Publish(ctx context.Context, evt Event) error {
	data, err := Encode(evt)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeBusFailure, err, "编码事件失败", xerrors.WithRetryable(false))
	}
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeBusFailure, err, "Redis 发布事件失败")
	}
	return nil
}

// Subscribe 订阅 Redis channel，并在本地按 filter 过滤。
func (b *RedisBus) Subscribe(ctx context.Context, filter Filter) (Subscription, error) {
	ps := b.client.Subscribe(ctx, b.channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, xerrors.Wrap(xerrors.CodeBusFailure, err, "Redis 订阅失败")
	}
	sub := &redisSubscription{
		id:   uuid.NewString(),
		ps:   ps,
		out:  make(chan Event, b.buffer),
		done: make(chan struct{}),
	}
	go sub.run(ctx, filter)
	return sub, nil
}

// Close 关闭 Redis 连接。
func (b *RedisBus) Close() error {
	if b == nil || b.client == nil {
		return nil
	}
	return b.client.Close()
}

type redisSubscription struct {
	id   string
	ps   *redis.PubSub
	out  chan Event
	done chan struct{}
	once sync.Once
}

func (s *redisSubscription) ID() string           { return s.id }
func (s *redisSubscription) Events() <-chan Event { return s.out }

func (s *redisSubscription) Unsubscribe() {
	s.once.Do(func() {
		close(s.done)
		_ = s.ps.Close()
	})
}

func (s *redisSubscription) run(ctx context.Context, filter Filter) {
	defer close(s.out)
	messages := s.ps.Channel()
	for {
		select {
		case <-ctx.Done():
			s.Unsubscribe()
			return
		case <-s.done:
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			evt, err := Decode([]byte(msg.Payload))
			if err != nil {
				logger.L().Warn("丢弃无法解析的事件", slog.Any("error", err))
				continue
			}
			if !filter.Match(evt) {
				continue
			}
			select {
			case s.out <- evt:
			default:
			}
		}
	}
}

var _ Bus = (*RedisBus)(nil)

package events

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	xerrors "claudeflow/internal/errors"
	"claudeflow/pkg/logger"
)

// NATSBus 将事件发布到 NATS subject。
type NATSBus struct {
	conn    *nats.Conn
	subject string
	buffer  int
	owned   bool
}

// NewNATSBus 连接 NATS 并创建总线。
func NewNATSBus(url, subject string, bufferSize int) (*NATSBus, error) {
	conn, err := nats.Connect(url, nats.Name("flowd"), nats.Compression(true))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeBusFailure, err, "连接 NATS 失败")
	}
	bus := NewNATSBusWithConn(conn, subject, bufferSize)
	bus.owned = true
	return bus, nil
}

// NewNATSBusWithConn 使用已有连接创建总线，Close 不会关闭该连接。
func NewNATSBusWithConn(conn *nats.Conn, subject string, bufferSize int) *NATSBus {
	if subject == "" {
		subject = "claudeflow.events"
	}
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &NATSBus{conn: conn, subject: subject, buffer: bufferSize}
}

// Publish 将事件发布到 subject。
func (b *NATSBus) Publish(_ context.Context, evt Event) error {
	data, err := Encode(evt)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeBusFailure, err, "编码事件失败", xerrors.WithRetryable(false))
	}
	if err := b.conn.Publish(b.subject, data); err != nil {
		return xerrors.Wrap(xerrors.CodeBusFailure, err, "NATS 发布事件失败")
	}
	return nil
}

// Subscribe 订阅 subject。消息先进入 NATS 的 channel，再解码过滤后转发。
func (b *NATSBus) Subscribe(ctx context.Context, filter Filter) (Subscription, error) {
	msgs := make(chan *nats.Msg, b.buffer)
	nsub, err := b.conn.ChanSubscribe(b.subject, msgs)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeBusFailure, err, "NATS 订阅失败")
	}
	sub := &natsSubscription{
		id:   uuid.NewString(),
		sub:  nsub,
		out:  make(chan Event, b.buffer),
		done: make(chan struct{}),
	}
	go sub.run(ctx, msgs, filter)
	return sub, nil
}

// Close 在连接由总线创建时关闭连接。
func (b *NATSBus) Close() error {
	if b.owned && b.conn != nil {
		b.conn.Close()
	}
	return nil
}

type natsSubscription struct {
	id   string
	sub  *nats.Subscription
	out  chan Event
	done chan struct{}
	once sync.Once
}

func (s *natsSubscription) ID() string           { return s.id }
func (s *natsSubscription) Events() <-chan Event { return s.out }

func (s *natsSubscription) Unsubscribe() {
	s.once.Do(func() {
		close(s.done)
		if err := s.sub.Unsubscribe(); err != nil {
			logger.L().Warn("取消 NATS 订阅失败", slog.Any("error", err), slog.String("subscription", s.id))
		}
	})
}

func (s *natsSubscription) run(ctx context.Context, msgs <-chan *nats.Msg, filter Filter) {
	defer close(s.out)
	for {
		select {
		case <-ctx.Done():
			s.Unsubscribe()
			return
		case <-s.done:
			return
		case msg := <-msgs:
			if msg == nil {
				continue
			}
			evt, err := Decode(msg.Data)
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

var _ Bus = (*NATSBus)(nil)

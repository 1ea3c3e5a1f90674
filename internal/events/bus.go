package events

import (
	"context"

	xerrors "claudeflow/internal/errors"
)

// ErrBusClosed 表示总线已关闭。
var ErrBusClosed = xerrors.New(xerrors.CodeBusFailure, "event bus closed", xerrors.WithRetryable(false))

// Publisher 负责发布事件。
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// Bus 同时具备发布与订阅能力。
type Bus interface {
	Publisher
	Subscribe(ctx context.Context, filter Filter) (Subscription, error)
	Close() error
}

// Subscription 表示一次订阅。Events 返回的 channel 在取消订阅后关闭。
type Subscription interface {
	ID() string
	Events() <-chan Event
	Unsubscribe()
}


package main

import (
	"context"
	"sync/atomic"

	"claudeflow/sdk/go/claudeflow"
)

// progress 订阅 agent:message 事件，只打印当前关注任务的进度。
type progress struct {
	stream  *claudeflow.Stream
	current atomic.Value
}

// openProgress 在事件流不可用时返回 nil，调用方退化为只等待结果。
func (a *app) openProgress(ctx context.Context) *progress {
	stream, err := a.client.Subscribe(ctx, claudeflow.StreamOptions{
		Types: []claudeflow.EventType{claudeflow.EventAgentMessage},
	})
	if err != nil {
		a.warnf("event stream unavailable, progress will not be shown: %v", err)
		return nil
	}
	p := &progress{stream: stream}
	p.current.Store("")
	stream.On(claudeflow.EventAgentMessage, func(evt claudeflow.Event) {
		if evt.TaskID == p.current.Load().(string) {
			a.printEvent(evt)
		}
	})
	return p
}

func (p *progress) follow(taskID string) {
	if p != nil {
		p.current.Store(taskID)
	}
}

func (p *progress) Close() {
	if p != nil {
		_ = p.stream.Close()
	}
}

// Package events 定义任务生命周期事件以及发布/订阅总线。
//
// 投递语义为“至多一次、尽力而为”：订阅者缓冲区已满时事件被丢弃，不重投，也不保证顺序。
package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Type 表示事件类型。
type Type string

const (
	TypeTaskCreated   Type = "task:created"
	TypeTaskUpdated   Type = "task:updated"
	TypeTaskCompleted Type = "task:completed"
	TypeTaskFailed    Type = "task:failed"
	TypeAgentMessage  Type = "agent:message"
)

// AllTypes 返回全部已知事件类型。
func AllTypes() []Type {
	return []Type{TypeTaskCreated, TypeTaskUpdated, TypeTaskCompleted, TypeTaskFailed, TypeAgentMessage}
}

// ParseType 校验并返回事件类型。
func ParseType(raw string) (Type, error) {
	candidate := Type(strings.TrimSpace(raw))
	for _, t := range AllTypes() {
		if t == candidate {
			return t, nil
		}
	}
	return "", fmt.Errorf("未知的事件类型: %q", raw)
}

// Event 是在总线上流转的一条消息。
type Event struct {
	ID        string          `json:"id"`
	Type      Type            `json:"type"`
	TaskID    string          `json:"task_id"`
	Agent     string          `json:"agent,omitempty"`
	Status    string          `json:"status,omitempty"`
	Message   string          `json:"message,omitempty"`
	Task      json.RawMessage `json:"task,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// New 创建带有 ID 与时间戳的事件。
func New(eventType Type, taskID string) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		TaskID:    taskID,
		Timestamp: time.Now().UTC(),
	}
}

// Encode 将事件编码为 JSON。
func Encode(evt Event) ([]byte, error) {
	return json.Marshal(evt)
}

// Decode 从 JSON 解析事件。
func Decode(data []byte) (Event, error) {
	var evt Event
	if err := json.Unmarshal(data, &evt); err != nil {
		return Event{}, fmt.Errorf("解析事件失败: %w", err)
	}
	if evt.Type == "" {
		return Event{}, fmt.Errorf("事件缺少 type 字段")
	}
	return evt, nil
}

// Filter 决定订阅者接收哪些事件。零值接收全部事件。
type Filter struct {
	TaskID string
	Types  []Type
}

// Match 判断事件是否满足过滤条件。
func (f Filter) Match(evt Event) bool {
	if f.TaskID != "" && f.TaskID != evt.TaskID {
		return false
	}
	if len(f.Types) == 0 {
		return true
	}
	for _, t := range f.Types {
		if t == evt.Type {
			return true
		}
	}
	return false
}

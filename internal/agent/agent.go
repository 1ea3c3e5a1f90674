package agent

import (
	"context"
	"net/http"

	xerrors "claudeflow/internal/errors"
)

// Job 描述交给智能体处理的一次任务执行。
type Job struct {
	TaskID     string         `json:"task_id"`
	Prompt     string         `json:"prompt"`
	Target     string         `json:"target,omitempty"`
	Distribute bool           `json:"distribute,omitempty"`
	Context    map[string]any `json:"context,omitempty"`
	Priority   int            `json:"priority"`
	// Attempt 从 1 开始计数。
	Attempt int `json:"attempt"`
}

// Result 是单个智能体的输出。
type Result struct {
	Agent  string `json:"agent"`
	Output string `json:"output"`
}

// Outcome 汇总一次调度的输出。分发到多个智能体时 Outputs 记录每个智能体的结果。
type Outcome struct {
	Output  string
	Outputs map[string]string
}

// Reporter 接收智能体执行过程中的进度消息。
type Reporter interface {
	Report(agent, message string)
}

// ReporterFunc 将函数适配为 Reporter。
type ReporterFunc func(agent, message string)

// Report 实现 Reporter。
func (f ReporterFunc) Report(agent, message string) {
	if f != nil {
		f(agent, message)
	}
}

// Discard 丢弃所有进度消息。
var Discard Reporter = ReporterFunc(nil)

// Agent 是一个具名角色，负责处理任务并产出文本结果。
type Agent interface {
	Name() string
	Description() string
	Handle(ctx context.Context, job Job, reporter Reporter) (Result, error)
}

// Info 是对外暴露的智能体描述。
type Info struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

const (
	CodeAgentUnknown   xerrors.Code = "AGENT_UNKNOWN"
	CodeAgentDuplicate xerrors.Code = "AGENT_DUPLICATE"
	CodeSwarmFailed    xerrors.Code = "SWARM_FAILED"
)

func init() {
	xerrors.Register(CodeAgentUnknown, xerrors.Attributes{
		Message:    "unknown agent",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusBadRequest,
	})
	xerrors.Register(CodeAgentDuplicate, xerrors.Attributes{
		Message:  "agent already registered",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeSwarmFailed, xerrors.Attributes{
		Message:    "every agent in the swarm failed",
		Severity:   xerrors.SeverityWarning,
		Alert:      true,
		HTTPStatus: http.StatusBadGateway,
	})
}

package task

import (
	stdErrors "errors"
	"net/http"
	"strings"

	xerrors "claudeflow/internal/errors"
)

// Status 表示任务在生命周期中的状态。
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal 判断状态是否为终态。终态不可再变更。
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// IsValidStatus 检查给定的任务状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// CanTransition 判断状态迁移是否合法。状态只能向前推进，
// in_progress 到 in_progress 用于记录进度与重试。
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusInProgress || to == StatusFailed
	case StatusInProgress:
		return to == StatusInProgress || to == StatusCompleted || to == StatusFailed
	default:
		return false
	}
}

const (
	MinPriority     = 0
	MaxPriority     = 10
	DefaultPriority = 5
	// HighPriority 及以上的任务优先出队。
	HighPriority = 7
)

// ClampPriority 将优先级限制在 [MinPriority, MaxPriority]。
func ClampPriority(priority int) int {
	if priority < MinPriority {
		return MinPriority
	}
	if priority > MaxPriority {
		return MaxPriority
	}
	return priority
}

// Request 描述一次任务创建请求。
type Request struct {
	// ID 可选，作为幂等键使用。
	ID          string         `json:"id,omitempty"`
	Prompt      string         `json:"prompt"`
	TargetAgent string         `json:"target_agent,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
	// Priority 为空时使用 DefaultPriority。
	Priority   *int `json:"priority,omitempty"`
	Distribute bool `json:"distribute,omitempty"`
}

// Task 描述了排队执行的智能体任务。
type Task struct {
	ID           string            `json:"id"`
	Prompt       string            `json:"prompt"`
	TargetAgent  string            `json:"target_agent,omitempty"`
	Context      map[string]any    `json:"context,omitempty"`
	Priority     int               `json:"priority"`
	Distribute   bool              `json:"distribute"`
	Status       Status            `json:"status"`
	Output       string            `json:"output,omitempty"`
	Outputs      map[string]string `json:"outputs,omitempty"`
	Degraded     bool              `json:"degraded,omitempty"`
	Attempts     int               `json:"attempts"`
	MaxRetries   int               `json:"max_retries"`
	RetryPending bool              `json:"retry_pending,omitempty"`
	LastError    string            `json:"last_error,omitempty"`
	ErrorCode    string            `json:"error_code,omitempty"`
	CreatedAt    int64             `json:"created_at"`
	UpdatedAt    int64             `json:"updated_at"`
	CompletedAt  int64             `json:"completed_at,omitempty"`
}

// HasOutput 判断任务是否已经产出结果。
func (t *Task) HasOutput() bool {
	return t != nil && (t.Output != "" || len(t.Outputs) > 0)
}

// Clone 返回任务的深拷贝。
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	clone := *t
	clone.Context = cloneContext(t.Context)
	clone.Outputs = cloneOutputs(t.Outputs)
	return &clone
}

// Completion 是一次成功执行（或降级）的结果。
type Completion struct {
	Output   string
	Outputs  map[string]string
	Degraded bool
}

var (
	// ErrTaskNotFound 表示指定的任务不存在。
	ErrTaskNotFound = xerrors.New(CodeTaskNotFound, "task not found")
	// ErrTaskConflict 表示任务在当前状态下无法进行所请求的操作。
	ErrTaskConflict = xerrors.New(CodeTaskConflict, "task conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrTaskFinished 表示任务已经处于终态。
	ErrTaskFinished = xerrors.New(CodeTaskFinished, "task already finished", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrInvalidTransition 表示请求的状态迁移会让状态倒退。
	ErrInvalidTransition = xerrors.New(CodeTaskInvalidTransition, "invalid task status transition")
	// ErrTaskExhausted 表示任务的重试次数已经耗尽。
	ErrTaskExhausted = xerrors.New(CodeTaskExhausted, "task retries exhausted", xerrors.WithSeverity(xerrors.SeverityCritical))
)

const (
	CodeTaskNotFound          xerrors.Code = "TASK_NOT_FOUND"
	CodeTaskConflict          xerrors.Code = "TASK_CONFLICT"
	CodeTaskFinished          xerrors.Code = "TASK_FINISHED"
	CodeTaskInvalidTransition xerrors.Code = "TASK_INVALID_TRANSITION"
	CodeTaskExhausted         xerrors.Code = "TASK_RETRIES_EXHAUSTED"
	CodeTaskValidation        xerrors.Code = "TASK_VALIDATION_FAILED"
	CodeTaskPublish           xerrors.Code = "TASK_PUBLISH_FAILED"
	CodeTaskProcessing        xerrors.Code = "TASK_PROCESSING_FAILED"
	CodeTaskCompensate        xerrors.Code = "TASK_COMPENSATION_FAILED"
	CodeTaskInterrupted       xerrors.Code = "TASK_INTERRUPTED"
)

func init() {
	xerrors.Register(CodeTaskNotFound, xerrors.Attributes{
		Message:    "task not found",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusNotFound,
	})
	xerrors.Register(CodeTaskConflict, xerrors.Attributes{
		Message:    "task conflict",
		Severity:   xerrors.SeverityWarning,
		HTTPStatus: http.StatusConflict,
	})
	xerrors.Register(CodeTaskFinished, xerrors.Attributes{
		Message:    "task already finished",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusConflict,
	})
	xerrors.Register(CodeTaskInvalidTransition, xerrors.Attributes{
		Message:    "invalid task status transition",
		Severity:   xerrors.SeverityWarning,
		HTTPStatus: http.StatusConflict,
	})
	xerrors.Register(CodeTaskExhausted, xerrors.Attributes{
		Message:  "task retries exhausted",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	xerrors.Register(CodeTaskValidation, xerrors.Attributes{
		Message:    "task validation failed",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusBadRequest,
	})
	xerrors.Register(CodeTaskPublish, xerrors.Attributes{
		Message:    "failed to publish task",
		Severity:   xerrors.SeverityCritical,
		Retryable:  true,
		Alert:      true,
		HTTPStatus: http.StatusServiceUnavailable,
	})
	xerrors.Register(CodeTaskProcessing, xerrors.Attributes{
		Message:    "task execution failed",
		Severity:   xerrors.SeverityWarning,
		Retryable:  true,
		Alert:      true,
		HTTPStatus: http.StatusBadGateway,
	})
	xerrors.Register(CodeTaskInterrupted, xerrors.Attributes{
		Message:    "task interrupted by shutdown",
		Severity:   xerrors.SeverityInfo,
		Retryable:  true,
		HTTPStatus: http.StatusServiceUnavailable,
	})
	xerrors.Register(CodeTaskCompensate, xerrors.Attributes{
		Message:  "task compensation failed",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
}

// IsTaskError 判断错误是否为指定错误码的任务错误。
func IsTaskError(err error, target xerrors.Code) bool {
	if err == nil {
		return false
	}
	return stdErrors.Is(err, xerrors.New(target, ""))
}

func normalizeAgent(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func cloneContext(values map[string]any) map[string]any {
	if values == nil {
		return nil
	}
	cloned := make(map[string]any, len(values))
	for key, value := range values {
		cloned[key] = value
	}
	return cloned
}

func cloneOutputs(values map[string]string) map[string]string {
	if values == nil {
		return nil
	}
	cloned := make(map[string]string, len(values))
	for key, value := range values {
		cloned[key] = value
	}
	return cloned
}

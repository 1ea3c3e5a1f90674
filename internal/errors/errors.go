package errors

import (
	stdErrors "errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"sync"
)

// Code 表示系统内的统一错误码。
type Code string

// Severity 描述错误的严重程度，用于告警和审计。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

const (
	CodeUnknown               Code = "UNKNOWN"
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodeNotFound              Code = "NOT_FOUND"
	CodeConflict              Code = "CONFLICT"
	CodeUnauthorized          Code = "UNAUTHORIZED"
	CodeInitializationFailure Code = "INITIALIZATION_FAILURE"
	CodeStorageFailure        Code = "STORAGE_FAILURE"
	CodeQueueFailure          Code = "QUEUE_FAILURE"
	CodeBusFailure            Code = "EVENT_BUS_FAILURE"
	CodeAgentFailure          Code = "AGENT_FAILURE"
	CodeTimeout               Code = "TIMEOUT"
	CodeUnavailable           Code = "UNAVAILABLE"
)

// Attributes 为错误码提供默认行为。
type Attributes struct {
	Message    string
	Severity   Severity
	Retryable  bool
	Alert      bool
	HTTPStatus int
}

var (
	registryMu sync.RWMutex
	registry   = map[Code]Attributes{
		CodeUnknown:               {"unknown error", SeverityCritical, false, true, http.StatusInternalServerError},
		CodeInvalidArgument:       {"invalid argument", SeverityInfo, false, false, http.StatusBadRequest},
		CodeNotFound:              {"resource not found", SeverityInfo, false, false, http.StatusNotFound},
		CodeConflict:              {"resource conflict", SeverityWarning, false, false, http.StatusConflict},
		CodeUnauthorized:          {"unauthorized", SeverityInfo, false, false, http.StatusUnauthorized},
		CodeInitializationFailure: {"service not initialized", SeverityWarning, true, true, http.StatusServiceUnavailable},
		CodeStorageFailure:        {"storage failure", SeverityCritical, true, true, http.StatusInternalServerError},
		CodeQueueFailure:          {"queue failure", SeverityCritical, true, true, http.StatusServiceUnavailable},
		CodeBusFailure:            {"event bus failure", SeverityWarning, true, false, http.StatusServiceUnavailable},
		CodeAgentFailure:          {"agent failure", SeverityWarning, true, true, http.StatusBadGateway},
		CodeTimeout:               {"operation timed out", SeverityWarning, true, true, http.StatusGatewayTimeout},
		CodeUnavailable:           {"service unavailable", SeverityWarning, true, false, http.StatusServiceUnavailable},
	}
)

// Register 允许业务模块在初始化阶段注册新的错误码描述，未指定状态码时按 500 处理。
func Register(code Code, attr Attributes) {
	if attr.HTTPStatus == 0 {
		attr.HTTPStatus = http.StatusInternalServerError
	}
	registryMu.Lock()
	registry[code] = attr
	registryMu.Unlock()
}

// AttributesOf 返回错误码对应的属性。若未注册则返回 UNKNOWN 的属性。
func AttributesOf(code Code) Attributes {
	registryMu.RLock()
	defer registryMu.RUnlock()
	attr, ok := registry[code]
	if !ok {
		attr = registry[CodeUnknown]
	}
	return attr
}

// overrides 记录单个错误对注册表默认值的覆盖。
type overrides struct {
	retryable *bool
	alert     *bool
	severity  *Severity
}

// Error 是系统内统一的错误类型。
type Error struct {
	code     Code
	message  string
	cause    error
	metadata map[string]string
	over     overrides
}

// Option 定义可选配置。
type Option func(*Error)

// WithMetadata 附加额外信息，例如任务 ID 或智能体名称。
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = map[string]string{}
		}
		e.metadata[key] = value
	}
}

// WithRetryable 指定错误是否可重试。
func WithRetryable(retryable bool) Option {
	return func(e *Error) { e.over.retryable = &retryable }
}

// WithAlert 指定错误是否需要告警。
func WithAlert(alert bool) Option {
	return func(e *Error) { e.over.alert = &alert }
}

// WithSeverity 覆盖默认严重程度。
func WithSeverity(sev Severity) Option {
	return func(e *Error) { e.over.severity = &sev }
}

// New 创建一个新的错误实例，message 为空时使用错误码的默认描述。
func New(code Code, message string, opts ...Option) *Error {
	return build(code, nil, message, opts)
}

// Wrap 在已有错误外包裹统一错误类型。
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	return build(code, cause, message, opts)
}

func build(code Code, cause error, message string, opts []Option) *Error {
	e := &Error{code: code, message: message, cause: cause}
	if e.message == "" {
		e.message = AttributesOf(code).Message
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

func (e *Error) Error() string {
	switch {
	case e == nil:
		return ""
	case e.cause == nil:
		return fmt.Sprintf("[%s] %s", e.code, e.message)
	default:
		return fmt.Sprintf("[%s] %s: %v", e.code, e.message, e.cause)
	}
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is 让 errors.Is 按错误码匹配。
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e != nil && t != nil && e.code == t.code
}

// LogValue 让 slog 以结构化分组输出错误。
func (e *Error) LogValue() slog.Value {
	if e == nil {
		return slog.StringValue("")
	}
	attrs := []slog.Attr{
		slog.String("code", string(e.code)),
		slog.String("message", e.message),
	}
	if e.cause != nil {
		attrs = append(attrs, slog.String("cause", e.cause.Error()))
	}
	for k, v := range e.metadata {
		attrs = append(attrs, slog.String(k, v))
	}
	return slog.GroupValue(attrs...)
}

// Code 返回错误码。
func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

// Message 返回不含错误码前缀的描述。
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// Metadata 返回附加信息的副本。
func (e *Error) Metadata() map[string]string {
	if e == nil || len(e.metadata) == 0 {
		return nil
	}
	return maps.Clone(e.metadata)
}

// Retryable 判断是否可重试。
func (e *Error) Retryable() bool {
	switch {
	case e == nil:
		return false
	case e.over.retryable != nil:
		return *e.over.retryable
	}
	return AttributesOf(e.code).Retryable
}

// ShouldAlert 判断是否需要告警。
func (e *Error) ShouldAlert() bool {
	switch {
	case e == nil:
		return false
	case e.over.alert != nil:
		return *e.over.alert
	}
	return AttributesOf(e.code).Alert
}

// Severity 返回错误严重程度。
func (e *Error) Severity() Severity {
	switch {
	case e == nil:
		return SeverityInfo
	case e.over.severity != nil:
		return *e.over.severity
	}
	return AttributesOf(e.code).Severity
}

// From 从 error 链中取出最外层的统一错误。
func From(err error) (*Error, bool) {
	var target *Error
	if err == nil || !stdErrors.As(err, &target) {
		return nil, false
	}
	return target, true
}

// CodeOf 返回错误对应的错误码，普通 error 视为 UNKNOWN。
func CodeOf(err error) Code {
	e, _ := From(err)
	return e.Code()
}

// RetryableError 判断任意 error 是否可重试，普通 error 不重试。
func RetryableError(err error) bool {
	e, _ := From(err)
	return e.Retryable()
}

// ShouldAlert 判断是否需要触发告警。
func ShouldAlert(err error) bool {
	e, _ := From(err)
	return e.ShouldAlert()
}

// SeverityOf 返回错误严重程度，普通 error 按 UNKNOWN 处理。
func SeverityOf(err error) Severity {
	if e, ok := From(err); ok {
		return e.Severity()
	}
	return AttributesOf(CodeUnknown).Severity
}

// HTTPStatus 返回错误码对应的 HTTP 状态码。
func HTTPStatus(err error) int {
	return AttributesOf(CodeOf(err)).HTTPStatus
}

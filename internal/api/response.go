package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	xerrors "claudeflow/internal/errors"
	"claudeflow/pkg/logger"
)

var (
	errServerClosing = xerrors.New(xerrors.CodeUnavailable, "服务已关闭")
	errUnauthorized  = xerrors.New(xerrors.CodeUnauthorized, "缺少或无效的访问令牌")
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.L().Warn("写入响应失败", slog.Any("error", err))
	}
}

// writeError 将错误转换为统一的 JSON 结构，状态码由错误码决定。
func writeError(w http.ResponseWriter, err error) {
	status := xerrors.HTTPStatus(err)
	detail := errorDetail{Code: string(xerrors.CodeOf(err)), Message: err.Error()}
	if coded, ok := xerrors.From(err); ok {
		detail.Message = coded.Message()
	}
	if status >= http.StatusInternalServerError {
		logger.L().Error("请求处理失败", slog.Any("error", err), slog.Int("status", status))
	}
	writeJSON(w, status, errorBody{Error: detail})
}

func methodNotAllowed(w http.ResponseWriter, allowed string) {
	w.Header().Set("Allow", allowed)
	writeJSON(w, http.StatusMethodNotAllowed, errorBody{Error: errorDetail{
		Code:    "METHOD_NOT_ALLOWED",
		Message: "仅支持 " + allowed,
	}})
}

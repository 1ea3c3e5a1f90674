package claudeflow

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrWaitTimeout is returned by WaitForCompletion when the task does not reach
// a terminal status in time.
var ErrWaitTimeout = errors.New("claudeflow: timed out waiting for task completion")

// ErrInvalidTaskID is returned before any request is sent when a task ID is
// blank or would resolve to a different route.
var ErrInvalidTaskID = errors.New("claudeflow: invalid task id")

// APIError represents a non-2xx response.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("claudeflow api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("claudeflow api error (%d): %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is an APIError with status 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

package claudeflow

import "time"

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusInProgress TaskStatus = "in_progress"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
)

// Terminal reports whether the status is final.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s TaskStatus) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusInProgress:
		return 1
	case StatusCompleted, StatusFailed:
		return 2
	default:
		return -1
	}
}

// Priority bounds accepted by the server.
const (
	MinPriority     = 0
	DefaultPriority = 5
	MaxPriority     = 10
)

// Priority returns a pointer suitable for CreateTaskRequest.Priority.
func Priority(p int) *int {
	return &p
}

// CreateTaskRequest is the payload used to submit a task.
type CreateTaskRequest struct {
	// ID is optional; resubmitting the same ID returns the stored task.
	ID          string         `json:"id,omitempty"`
	Prompt      string         `json:"prompt"`
	TargetAgent string         `json:"target_agent,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
	Priority    *int           `json:"priority,omitempty"`
	Distribute  bool           `json:"distribute,omitempty"`
}

// Task is the server-side view of a task.
type Task struct {
	ID           string            `json:"id"`
	Prompt       string            `json:"prompt"`
	TargetAgent  string            `json:"target_agent,omitempty"`
	Context      map[string]any    `json:"context,omitempty"`
	Priority     int               `json:"priority"`
	Distribute   bool              `json:"distribute"`
	Status       TaskStatus        `json:"status"`
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

// ListOptions filters ListTasks and Stats. Zero values are omitted.
type ListOptions struct {
	Statuses  []TaskStatus
	Agent     string
	Limit     int
	Offset    int
	Since     time.Time
	Until     time.Time
	HasOutput *bool
	Ascending bool
	Query     string
}

// TaskList is a page of tasks.
type TaskList struct {
	Tasks  []Task `json:"tasks"`
	Limit  int    `json:"limit"`
	Offset int    `json:"offset"`
}

// Stats aggregates task counts per status.
type Stats struct {
	Total           int   `json:"total"`
	Pending         int   `json:"pending"`
	InProgress      int   `json:"in_progress"`
	Completed       int   `json:"completed"`
	Failed          int   `json:"failed"`
	OldestUpdatedAt int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64 `json:"newest_updated_at,omitempty"`
}

// Agent describes a role the server can dispatch tasks to.
type Agent struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// EventType names a stream event.
type EventType string

const (
	EventTaskCreated   EventType = "task:created"
	EventTaskUpdated   EventType = "task:updated"
	EventTaskCompleted EventType = "task:completed"
	EventTaskFailed    EventType = "task:failed"
	EventAgentMessage  EventType = "agent:message"
)

// Event is a message received from the event stream. Task carries a snapshot
// for task:* events and is nil for agent:message.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	TaskID    string    `json:"task_id"`
	Agent     string    `json:"agent,omitempty"`
	Status    string    `json:"status,omitempty"`
	Message   string    `json:"message,omitempty"`
	Task      *Task     `json:"task,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

package claudeflow

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

const maxTrackedMessages = 20

// TrackedTask is the tracker's view of one task.
type TrackedTask struct {
	Task     Task
	Messages []Event
}

// Tracker reconciles task snapshots and stream events into a bounded local
// view. Updates that would move a task backwards are ignored, so late or
// duplicated events never regress a status.
type Tracker struct {
	mu    sync.Mutex
	cache *lru.Cache[string, *TrackedTask]
}

// NewTracker creates a tracker holding at most size tasks. Size defaults to 1024.
func NewTracker(size int) (*Tracker, error) {
	if size <= 0 {
		size = 1024
	}
	cache, err := lru.New[string, *TrackedTask](size)
	if err != nil {
		return nil, err
	}
	return &Tracker{cache: cache}, nil
}

// Attach feeds every event of the stream into the tracker.
func (t *Tracker) Attach(stream *Stream) {
	stream.OnAny(func(evt Event) { t.Apply(evt) })
}

// Apply merges an event. It reports whether the tracked state changed.
func (t *Tracker) Apply(evt Event) bool {
	if evt.TaskID == "" {
		return false
	}
	if evt.Task != nil {
		return t.ApplySnapshot(*evt.Task)
	}
	if evt.Type != EventAgentMessage {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.cache.Get(evt.TaskID)
	if !ok {
		entry = &TrackedTask{Task: Task{ID: evt.TaskID, Status: StatusInProgress}}
		t.cache.Add(evt.TaskID, entry)
	}
	entry.Messages = append(entry.Messages, evt)
	if len(entry.Messages) > maxTrackedMessages {
		entry.Messages = append([]Event(nil), entry.Messages[len(entry.Messages)-maxTrackedMessages:]...)
	}
	return true
}

// ApplySnapshot merges a task snapshot obtained from the API or an event.
func (t *Tracker) ApplySnapshot(task Task) bool {
	if task.ID == "" {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.cache.Get(task.ID)
	if !ok {
		t.cache.Add(task.ID, &TrackedTask{Task: task})
		return true
	}
	if !supersedes(entry.Task, task) {
		return false
	}
	entry.Task = task
	return true
}

// Get returns a copy of the tracked task.
func (t *Tracker) Get(id string) (TrackedTask, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.cache.Get(id)
	if !ok {
		return TrackedTask{}, false
	}
	return TrackedTask{Task: entry.Task, Messages: append([]Event(nil), entry.Messages...)}, true
}

// Tasks returns the tracked tasks from least to most recently used.
func (t *Tracker) Tasks() []Task {
	t.mu.Lock()
	defer t.mu.Unlock()
	values := t.cache.Values()
	out := make([]Task, 0, len(values))
	for _, entry := range values {
		out = append(out, entry.Task)
	}
	return out
}

// Len returns the number of tracked tasks.
func (t *Tracker) Len() int {
	return t.cache.Len()
}

// supersedes reports whether next may replace current without moving the
// task backwards.
func supersedes(current, next Task) bool {
	cr, nr := current.Status.rank(), next.Status.rank()
	if nr < 0 {
		return false
	}
	if nr != cr {
		return nr > cr
	}
	if current.Status.Terminal() {
		return false
	}
	if next.Attempts != current.Attempts {
		return next.Attempts > current.Attempts
	}
	return next.UpdatedAt >= current.UpdatedAt
}

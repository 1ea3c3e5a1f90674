package claudeflow

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// WaitOptions configures WaitForCompletion.
type WaitOptions struct {
	// Timeout bounds the wait. Zero relies on ctx alone.
	Timeout time.Duration
	// PollInterval is the fallback polling period. Defaults to one second.
	PollInterval time.Duration
	// DisableStream skips the event stream and only polls.
	DisableStream bool
}

// WaitForCompletion blocks until the task is completed or failed. A failed task
// is returned as a terminal snapshot, not as an error. When the timeout
// elapses the last known snapshot is returned together with ErrWaitTimeout.
func (c *Client) WaitForCompletion(ctx context.Context, taskID string, opts WaitOptions) (*Task, error) {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	parent := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	var updates <-chan Event
	if !opts.DisableStream {
		stream, err := c.Subscribe(ctx, StreamOptions{
			TaskID: taskID,
			Types:  []EventType{EventTaskCompleted, EventTaskFailed},
			Buffer: 4,
		})
		if err == nil {
			defer stream.Close()
			updates = stream.Events()
		}
	}

	timedOut := func(last *Task) (*Task, error) {
		if parent.Err() != nil {
			return last, parent.Err()
		}
		return last, fmt.Errorf("%w: task %s", ErrWaitTimeout, taskID)
	}

	last, err := c.GetTask(ctx, taskID)
	if err != nil {
		if ctx.Err() != nil {
			return timedOut(nil)
		}
		return nil, err
	}
	if last.Status.Terminal() {
		return last, nil
	}

	ticker := time.NewTicker(opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return timedOut(last)
		case evt, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			if evt.Task != nil && evt.Task.Status.Terminal() {
				return evt.Task, nil
			}
		case <-ticker.C:
		}

		current, err := c.GetTask(ctx, taskID)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
				return timedOut(last)
			}
			return last, err
		}
		last = current
		if last.Status.Terminal() {
			return last, nil
		}
	}
}

package task

import (
	"context"
	stdErrors "errors"
	"sync"
	"testing"
	"time"
)

func TestMemoryQueueServesHighPriorityFirst(t *testing.T) {
	queue := NewMemoryQueue(8)
	ctx := context.Background()
	for _, item := range []struct {
		id       string
		priority int
	}{
		{"normal-1", DefaultPriority},
		{"normal-2", MinPriority},
		{"high-1", MaxPriority},
		{"high-2", HighPriority},
	} {
		if err := queue.Publish(ctx, item.id, item.priority); err != nil {
			t.Fatalf("publish %s: %v", item.id, err)
		}
	}
	if queue.Len() != 4 {
		t.Fatalf("unexpected queue length: %d", queue.Len())
	}

	var (
		mu   sync.Mutex
		seen []string
	)
	consumeCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		done <- queue.Consume(consumeCtx, 1, func(_ context.Context, taskID string) error {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, taskID)
			if len(seen) == 4 {
				cancel()
			}
			return nil
		})
	}()

	select {
	case err := <-done:
		if !stdErrors.Is(err, context.Canceled) {
			t.Fatalf("unexpected consume error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not finish")
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"high-1", "high-2", "normal-1", "normal-2"}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("unexpected order: %v", seen)
		}
	}
}

func TestMemoryQueueClose(t *testing.T) {
	queue := NewMemoryQueue(1)
	done := make(chan error, 1)
	go func() {
		done <- queue.Consume(context.Background(), 2, func(context.Context, string) error { return nil })
	}()
	if err := queue.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	select {
	case err := <-done:
		if !stdErrors.Is(err, ErrQueueClosed) {
			t.Fatalf("expected closed error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop after close")
	}
	if err := queue.Publish(context.Background(), "late", DefaultPriority); !stdErrors.Is(err, ErrQueueClosed) {
		t.Fatalf("publish after close should fail, got %v", err)
	}
}

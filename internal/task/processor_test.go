package task

import (
	"context"
	stdErrors "errors"
	"strings"
	"sync"
	"testing"
	"time"

	"claudeflow/internal/agent"
	xerrors "claudeflow/internal/errors"
	"claudeflow/internal/events"
	"claudeflow/internal/observability/alerting"
)

type recordingAlerter struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (r *recordingAlerter) Notify(_ context.Context, event alerting.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingAlerter) stages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, evt := range r.events {
		out = append(out, evt.Stage)
	}
	return out
}

type executorFunc func(ctx context.Context, job agent.Job, reporter agent.Reporter) (agent.Outcome, error)

func (f executorFunc) Dispatch(ctx context.Context, job agent.Job, reporter agent.Reporter) (agent.Outcome, error) {
	return f(ctx, job, reporter)
}

type processorHarness struct {
	store     *MemoryStore
	queue     *MemoryQueue
	publisher *recordingPublisher
	alerter   *recordingAlerter
	service   *Service
	processor *Processor
}

func newHarness(t *testing.T, executor Executor, opts ...ProcessorOption) *processorHarness {
	t.Helper()
	return newHarnessWithQueue(t, NewMemoryQueue(16), executor, opts...)
}

func newHarnessWithQueue(t *testing.T, queue *MemoryQueue, executor Executor, opts ...ProcessorOption) *processorHarness {
	t.Helper()
	h := &processorHarness{
		store:     NewMemoryStore(),
		queue:     queue,
		publisher: &recordingPublisher{},
		alerter:   &recordingAlerter{},
	}
	h.service = NewService(h.store, h.queue, WithServiceEvents(h.publisher), WithMaxRetries(2))
	base := []ProcessorOption{WithProcessorEvents(h.publisher), WithAlertDispatcher(h.alerter)}
	h.processor = NewProcessor(executor, h.store, h.queue, h.queue, append(base, opts...)...)
	return h
}

func simulatedRegistry(t *testing.T) *agent.Registry {
	t.Helper()
	registry, err := agent.NewRegistry(agent.NewSimulatedAgents(agent.DefaultCatalog(), nil)...)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return registry
}

func (h *processorHarness) create(t *testing.T, req Request) *Task {
	t.Helper()
	created, err := h.service.Create(context.Background(), req)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return created
}

func (h *processorHarness) get(t *testing.T, id string) *Task {
	t.Helper()
	got, err := h.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	return got
}

func TestProcessorCompletesTask(t *testing.T) {
	h := newHarness(t, simulatedRegistry(t))
	created := h.create(t, Request{Prompt: "hola", TargetAgent: "asistente"})

	if err := h.processor.handle(context.Background(), created.ID); err != nil {
		t.Fatalf("handle: %v", err)
	}
	got := h.get(t, created.ID)
	if got.Status != StatusCompleted || got.Output == "" || got.Attempts != 1 {
		t.Fatalf("unexpected task: %+v", got)
	}

	types := h.publisher.types()
	if types[0] != events.TypeTaskCreated || types[1] != events.TypeTaskUpdated || types[len(types)-1] != events.TypeTaskCompleted {
		t.Fatalf("unexpected event order: %v", types)
	}
	if h.publisher.count(events.TypeAgentMessage) == 0 {
		t.Fatal("expected agent progress events")
	}
	if len(h.alerter.stages()) != 0 {
		t.Fatalf("unexpected alerts: %v", h.alerter.stages())
	}
}

func TestProcessorRetriesFlakyTask(t *testing.T) {
	h := newHarness(t, simulatedRegistry(t))
	created := h.create(t, Request{Prompt: "esto es " + agent.FlakyMarker, TargetAgent: "ejecutor"})
	ctx := context.Background()

	if err := h.processor.handle(ctx, created.ID); err != nil {
		t.Fatalf("first attempt: %v", err)
	}
	pending := h.get(t, created.ID)
	if pending.Status != StatusInProgress || !pending.RetryPending || pending.LastError == "" {
		t.Fatalf("expected retry bookkeeping, got %+v", pending)
	}
	// 初次入队加上重试入队
	if h.queue.Len() != 2 {
		t.Fatalf("expected task to be re-enqueued, queue len %d", h.queue.Len())
	}

	if err := h.processor.handle(ctx, created.ID); err != nil {
		t.Fatalf("second attempt: %v", err)
	}
	done := h.get(t, created.ID)
	if done.Status != StatusCompleted || done.Attempts != 2 {
		t.Fatalf("expected completion on retry, got %+v", done)
	}
	// 队列中残留的重复投递会被跳过
	if err := h.processor.handle(ctx, created.ID); err != nil {
		t.Fatalf("stale delivery: %v", err)
	}
	if h.get(t, created.ID).Attempts != 2 {
		t.Fatal("finished task must not be executed again")
	}
	if stages := h.alerter.stages(); len(stages) != 0 {
		t.Fatalf("flaky errors opt out of retry alerts, got %v", stages)
	}
}

func TestProcessorFailsNonRetryableTask(t *testing.T) {
	h := newHarness(t, simulatedRegistry(t))
	created := h.create(t, Request{Prompt: "rompe " + agent.FailMarker, TargetAgent: "profesor"})

	if err := h.processor.handle(context.Background(), created.ID); err != nil {
		t.Fatalf("handle: %v", err)
	}
	got := h.get(t, created.ID)
	if got.Status != StatusFailed || got.ErrorCode != string(xerrors.CodeAgentFailure) {
		t.Fatalf("unexpected task: %+v", got)
	}
	if h.publisher.count(events.TypeTaskFailed) != 1 {
		t.Fatalf("expected one failed event, got %v", h.publisher.types())
	}
	if stages := h.alerter.stages(); len(stages) != 1 || stages[0] != "non_retryable" {
		t.Fatalf("unexpected alerts: %v", stages)
	}
}

func TestProcessorStopsAfterMaxRetries(t *testing.T) {
	calls := 0
	executor := executorFunc(func(context.Context, agent.Job, agent.Reporter) (agent.Outcome, error) {
		calls++
		return agent.Outcome{}, xerrors.New(xerrors.CodeUnavailable, "backend down")
	})
	h := newHarness(t, executor)
	created := h.create(t, Request{Prompt: "hola", TargetAgent: "asistente"})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := h.processor.handle(ctx, created.ID); err != nil {
			t.Fatalf("attempt %d: %v", i+1, err)
		}
	}
	got := h.get(t, created.ID)
	if got.Status != StatusFailed || got.Attempts != 2 || calls != 2 {
		t.Fatalf("expected failure after two attempts, got %+v (calls=%d)", got, calls)
	}
	if stages := h.alerter.stages(); len(stages) != 1 || stages[0] != "terminal" {
		t.Fatalf("unexpected alerts: %v", stages)
	}
}

func TestProcessorRecoveryDegradesFailure(t *testing.T) {
	recovery := RecoveryFunc(func(_ context.Context, task *Task, cause error) (*Completion, error) {
		return &Completion{Output: "respuesta de respaldo para " + task.ID}, nil
	})
	h := newHarness(t, simulatedRegistry(t), WithRecoveryHandler(recovery))
	created := h.create(t, Request{Prompt: agent.FailMarker, TargetAgent: "asistente"})

	if err := h.processor.handle(context.Background(), created.ID); err != nil {
		t.Fatalf("handle: %v", err)
	}
	got := h.get(t, created.ID)
	if got.Status != StatusCompleted || !got.Degraded || !strings.HasPrefix(got.Output, "respuesta de respaldo") {
		t.Fatalf("expected degraded completion, got %+v", got)
	}
	if stages := h.alerter.stages(); len(stages) != 1 || stages[0] != "degraded" {
		t.Fatalf("unexpected alerts: %v", stages)
	}
}

func TestProcessorDistributesToAllAgents(t *testing.T) {
	h := newHarness(t, simulatedRegistry(t))
	top := MaxPriority
	created := h.create(t, Request{Prompt: "construye una API", Distribute: true, Priority: &top})

	if err := h.processor.handle(context.Background(), created.ID); err != nil {
		t.Fatalf("handle: %v", err)
	}
	got := h.get(t, created.ID)
	if got.Status != StatusCompleted || len(got.Outputs) != len(agent.DefaultRoles) {
		t.Fatalf("expected per-agent outputs, got %+v", got)
	}
	for _, role := range agent.DefaultRoles {
		if got.Outputs[role] == "" {
			t.Fatalf("missing output for %s", role)
		}
	}
}

func TestProcessorTimeoutIsRetryable(t *testing.T) {
	executor := executorFunc(func(ctx context.Context, _ agent.Job, _ agent.Reporter) (agent.Outcome, error) {
		<-ctx.Done()
		return agent.Outcome{}, ctx.Err()
	})
	h := newHarness(t, executor, WithTaskTimeout(20*time.Millisecond))
	created := h.create(t, Request{Prompt: "lento", TargetAgent: "asistente"})

	if err := h.processor.handle(context.Background(), created.ID); err != nil {
		t.Fatalf("handle: %v", err)
	}
	got := h.get(t, created.ID)
	if !got.RetryPending || got.ErrorCode != string(xerrors.CodeTimeout) {
		t.Fatalf("expected retryable timeout, got %+v", got)
	}
}

func TestProcessorStartEndToEnd(t *testing.T) {
	h := newHarness(t, simulatedRegistry(t), WithWorkerCount(2))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- h.processor.Start(ctx) }()

	created := h.create(t, Request{Prompt: "hola " + agent.FlakyMarker, TargetAgent: "asistente"})
	waitCtx, cancelWait := context.WithTimeout(ctx, 5*time.Second)
	defer cancelWait()
	final, err := h.service.WaitForCompletion(waitCtx, created.ID, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if final.Status != StatusCompleted || final.Attempts != 2 {
		t.Fatalf("unexpected final task: %+v", final)
	}

	cancel()
	if err := <-done; !stdErrors.Is(err, context.Canceled) {
		t.Fatalf("unexpected start error: %v", err)
	}
}

func TestProcessorShutdownKeepsTaskForRetry(t *testing.T) {
	started := make(chan struct{})
	executor := executorFunc(func(ctx context.Context, _ agent.Job, _ agent.Reporter) (agent.Outcome, error) {
		close(started)
		<-ctx.Done()
		return agent.Outcome{}, ctx.Err()
	})
	h := newHarness(t, executor)
	created := h.create(t, Request{Prompt: "lento", TargetAgent: "asistente"})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	if err := h.processor.handle(ctx, created.ID); err != nil {
		t.Fatalf("handle: %v", err)
	}

	got := h.get(t, created.ID)
	if got.Status != StatusInProgress || !got.RetryPending || got.ErrorCode != string(CodeTaskInterrupted) {
		t.Fatalf("interrupted task must stay retryable, got %+v", got)
	}
	if h.publisher.count(events.TypeTaskFailed) != 0 {
		t.Fatalf("no failure event expected, got %v", h.publisher.types())
	}
	if stages := h.alerter.stages(); len(stages) != 0 {
		t.Fatalf("shutdown must not alert, got %v", stages)
	}
	if h.queue.Len() != 2 {
		t.Fatalf("expected interrupted task to be re-enqueued, queue len %d", h.queue.Len())
	}

	// 重启后的消费者可以继续执行该任务
	h.processor.executor = simulatedRegistry(t)
	if err := h.processor.handle(context.Background(), created.ID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if got := h.get(t, created.ID); got.Status != StatusCompleted {
		t.Fatalf("expected completion after restart, got %+v", got)
	}
}

func TestProcessorRequeueOnFullQueueFailsTask(t *testing.T) {
	h := newHarnessWithQueue(t, NewMemoryQueue(1), simulatedRegistry(t), WithRequeueTimeout(30*time.Millisecond))
	// 初次投递占满了容量为 1 的普通通道
	created := h.create(t, Request{Prompt: "hola " + agent.FlakyMarker, TargetAgent: "ejecutor"})

	done := make(chan error, 1)
	go func() { done <- h.processor.handle(context.Background(), created.ID) }()
	select {
	case err := <-done:
		if !IsTaskError(err, CodeTaskPublish) {
			t.Fatalf("expected publish error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("worker blocked while re-enqueueing")
	}

	got := h.get(t, created.ID)
	if got.Status != StatusFailed || got.RetryPending || got.ErrorCode != string(CodeTaskPublish) {
		t.Fatalf("expected publish failure, got %+v", got)
	}
	if h.publisher.count(events.TypeTaskFailed) != 1 {
		t.Fatalf("expected one failed event, got %v", h.publisher.types())
	}
	stages := h.alerter.stages()
	if len(stages) == 0 || stages[len(stages)-1] != "requeue" {
		t.Fatalf("expected requeue alert, got %v", stages)
	}
}

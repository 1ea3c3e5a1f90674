package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	xerrors "claudeflow/internal/errors"
)

type recordingNotifier struct {
	channel Channel
	events  []Event
	err     error
}

func (r *recordingNotifier) Channel() Channel { return r.channel }

func (r *recordingNotifier) Notify(_ context.Context, event Event) error {
	r.events = append(r.events, event)
	return r.err
}

func TestFanoutDeliversToEveryChannel(t *testing.T) {
	first := &recordingNotifier{channel: "a"}
	replaced := &recordingNotifier{channel: "b"}
	second := &recordingNotifier{channel: "b", err: errors.New("down")}

	dispatcher := NewFanout(first, nil, replaced, second)
	err := dispatcher.Notify(context.Background(), Event{Code: xerrors.CodeAgentFailure, TaskID: "t1"})
	if err == nil || !strings.Contains(err.Error(), "channel b") {
		t.Fatalf("expected joined error from channel b, got %v", err)
	}
	if len(first.events) != 1 || len(second.events) != 1 || len(replaced.events) != 0 {
		t.Fatalf("unexpected deliveries: %d %d %d", len(first.events), len(second.events), len(replaced.events))
	}
	if first.events[0].OccurredAt.IsZero() {
		t.Fatal("expected OccurredAt to be filled")
	}
}

func TestWebhookNotifierPostsJSON(t *testing.T) {
	var received Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("unexpected content type %q", r.Header.Get("Content-Type"))
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	notifier := NewWebhookNotifier(srv.URL, time.Second)
	event := Event{Code: "TASK_RETRIES_EXHAUSTED", TaskID: "t9", Stage: "terminal", Attempts: 3, MaxRetries: 3}
	if err := notifier.Notify(context.Background(), event); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if received.TaskID != "t9" || received.Stage != "terminal" || received.Attempts != 3 {
		t.Fatalf("unexpected payload: %+v", received)
	}
}

func TestWebhookNotifierReportsHTTPFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	if err := NewWebhookNotifier(srv.URL, time.Second).Notify(context.Background(), Event{}); err == nil {
		t.Fatal("expected error for 500 response")
	}
	if err := NewWebhookNotifier("", time.Second).Notify(context.Background(), Event{}); err != nil {
		t.Fatalf("unconfigured webhook should be skipped, got %v", err)
	}
}

package claudeflow

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// eventServer pushes whatever is sent on frames to the current connection.
type eventServer struct {
	t           *testing.T
	frames      chan any
	connections atomic.Int32
	dropFirst   bool
	mu          sync.Mutex
	lastQuery   string
}

func newEventServer(t *testing.T) *eventServer {
	return &eventServer{t: t, frames: make(chan any, 16)}
}

func (s *eventServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") == "Bearer wrong" {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"code":"UNAUTHORIZED","message":"bad token"}}`))
		return
	}
	s.mu.Lock()
	s.lastQuery = r.URL.RawQuery
	s.mu.Unlock()

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	n := s.connections.Add(1)
	if s.dropFirst && n == 1 {
		return
	}

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	for {
		select {
		case <-closed:
			return
		case frame := <-s.frames:
			if raw, ok := frame.(string); ok {
				if err := conn.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
					return
				}
				continue
			}
			if err := conn.WriteJSON(frame); err != nil {
				return
			}
		}
	}
}

func (s *eventServer) query() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastQuery
}

func newStreamClient(t *testing.T, srv *eventServer, opts ...Option) *Client {
	mux := http.NewServeMux()
	mux.Handle("/api/v1/events", srv)
	return newTestClient(t, mux, opts...)
}

func nextEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case evt, ok := <-ch:
		require.True(t, ok, "events channel closed")
		return evt
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestStreamRoutesEventsToHandlers(t *testing.T) {
	srv := newEventServer(t)
	client := newStreamClient(t, srv)

	stream, err := client.Subscribe(context.Background(), StreamOptions{
		TaskID: "t-1",
		Types:  []EventType{EventAgentMessage, EventTaskCompleted},
	})
	require.NoError(t, err)
	defer stream.Close()
	assert.Contains(t, srv.query(), "task_id=t-1")
	assert.Contains(t, srv.query(), "types=agent%3Amessage%2Ctask%3Acompleted")

	var (
		mu       sync.Mutex
		messages []string
		all      int
	)
	stream.On(EventAgentMessage, func(evt Event) {
		mu.Lock()
		defer mu.Unlock()
		messages = append(messages, evt.Message)
	})
	stream.OnAny(func(Event) {
		mu.Lock()
		defer mu.Unlock()
		all++
	})

	srv.frames <- "not json"
	srv.frames <- `{"id":"x"}`
	srv.frames <- Event{ID: "1", Type: EventAgentMessage, TaskID: "t-1", Agent: "profesor", Message: "[1/3] Preparando"}
	srv.frames <- Event{ID: "2", Type: EventTaskCompleted, TaskID: "t-1", Task: &Task{ID: "t-1", Status: StatusCompleted, Output: "listo"}}

	first := nextEvent(t, stream.Events())
	assert.Equal(t, EventAgentMessage, first.Type)
	second := nextEvent(t, stream.Events())
	require.NotNil(t, second.Task)
	assert.Equal(t, "listo", second.Task.Output)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"[1/3] Preparando"}, messages)
	assert.Equal(t, 2, all)
}

func TestStreamReconnects(t *testing.T) {
	srv := newEventServer(t)
	srv.dropFirst = true
	client := newStreamClient(t, srv)

	stream, err := client.Subscribe(context.Background(), StreamOptions{InitialBackoff: 10 * time.Millisecond, MaxBackoff: 50 * time.Millisecond})
	require.NoError(t, err)
	defer stream.Close()

	require.Eventually(t, func() bool { return stream.Reconnects() >= 1 }, 3*time.Second, 10*time.Millisecond)
	srv.frames <- Event{ID: "after", Type: EventTaskUpdated, TaskID: "t-9"}
	evt := nextEvent(t, stream.Events())
	assert.Equal(t, "after", evt.ID)
	assert.GreaterOrEqual(t, srv.connections.Load(), int32(2))
}

func TestStreamCloseAndContextCancel(t *testing.T) {
	srv := newEventServer(t)
	client := newStreamClient(t, srv)

	stream, err := client.Subscribe(context.Background(), StreamOptions{})
	require.NoError(t, err)
	require.NoError(t, stream.Close())
	require.NoError(t, stream.Close())
	_, ok := <-stream.Events()
	assert.False(t, ok, "events channel must close")

	ctx, cancel := context.WithCancel(context.Background())
	other, err := client.Subscribe(ctx, StreamOptions{})
	require.NoError(t, err)
	cancel()
	select {
	case _, ok := <-other.Events():
		assert.False(t, ok)
	case <-time.After(3 * time.Second):
		t.Fatal("stream did not stop after context cancel")
	}
}

func TestStreamDropsWhenBufferFull(t *testing.T) {
	srv := newEventServer(t)
	client := newStreamClient(t, srv)

	stream, err := client.Subscribe(context.Background(), StreamOptions{Buffer: 1})
	require.NoError(t, err)
	defer stream.Close()

	var seen atomic.Int32
	stream.OnAny(func(Event) { seen.Add(1) })
	for i := 0; i < 3; i++ {
		srv.frames <- Event{ID: "e", Type: EventTaskUpdated, TaskID: "t"}
	}
	require.Eventually(t, func() bool { return stream.Dropped() == 2 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(3), seen.Load(), "handlers see every event even when the channel is full")
}

func TestSubscribeSurfacesHandshakeErrors(t *testing.T) {
	srv := newEventServer(t)
	client := newStreamClient(t, srv, WithToken("wrong"))

	_, err := client.Subscribe(context.Background(), StreamOptions{})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Equal(t, "UNAUTHORIZED", apiErr.Code)
}

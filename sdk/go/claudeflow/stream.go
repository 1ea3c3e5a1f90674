package claudeflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
)

// Handler receives stream events. Handlers run on the stream's read goroutine
// and must not block.
type Handler func(Event)

// StreamOptions configures Subscribe.
type StreamOptions struct {
	// TaskID restricts the stream to one task. Empty means every task.
	TaskID string
	// Types restricts the stream to the given event types. Empty means all types.
	Types []EventType
	// Buffer is the capacity of the Events channel. Defaults to 64.
	Buffer int
	// InitialBackoff and MaxBackoff bound the reconnect delay.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Stream is a WebSocket subscription to server events. It reconnects with
// exponential backoff until closed. Events emitted while disconnected are lost;
// delivery is at-most-once.
type Stream struct {
	client  *Client
	opts    StreamOptions
	events  chan Event
	done    chan struct{}
	stopped chan struct{}

	mu       sync.Mutex
	conn     *websocket.Conn
	handlers map[EventType][]Handler
	closed   bool

	closeOnce  sync.Once
	dropped    atomic.Uint64
	reconnects atomic.Uint64
}

// Subscribe opens an event stream. The initial connection is established
// synchronously so configuration and auth errors surface immediately.
func (c *Client) Subscribe(ctx context.Context, opts StreamOptions) (*Stream, error) {
	if opts.Buffer <= 0 {
		opts.Buffer = 64
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 200 * time.Millisecond
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 10 * time.Second
	}
	s := &Stream{
		client:   c,
		opts:     opts,
		events:   make(chan Event, opts.Buffer),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
		handlers: make(map[EventType][]Handler),
	}
	conn, err := s.dial(ctx)
	if err != nil {
		return nil, err
	}
	s.conn = conn
	go s.run(ctx, conn)
	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-s.done:
		}
	}()
	return s, nil
}

// On registers a handler for one event type.
func (s *Stream) On(eventType EventType, handler Handler) {
	if handler == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[eventType] = append(s.handlers[eventType], handler)
}

// OnAny registers a handler for every event type.
func (s *Stream) OnAny(handler Handler) {
	s.On("", handler)
}

// Events returns the channel of received events. It is closed after Close.
// Events are dropped when the channel is full.
func (s *Stream) Events() <-chan Event {
	return s.events
}

// Dropped returns the number of events discarded because Events was full.
func (s *Stream) Dropped() uint64 {
	return s.dropped.Load()
}

// Reconnects returns how many times the stream re-established its connection.
func (s *Stream) Reconnects() uint64 {
	return s.reconnects.Load()
}

// Close stops the stream and waits for its goroutine to exit.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		conn := s.conn
		s.conn = nil
		s.mu.Unlock()
		close(s.done)
		if conn != nil {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			_ = conn.Close()
		}
	})
	<-s.stopped
	return nil
}

func (s *Stream) run(ctx context.Context, conn *websocket.Conn) {
	defer close(s.stopped)
	defer close(s.events)

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.opts.InitialBackoff
	policy.MaxInterval = s.opts.MaxBackoff

	for {
		s.read(conn)
		_ = conn.Close()

		var ok bool
		conn, ok = s.reconnect(ctx, policy)
		if !ok {
			return
		}
		s.reconnects.Add(1)
	}
}

func (s *Stream) reconnect(ctx context.Context, policy *backoff.ExponentialBackOff) (*websocket.Conn, bool) {
	for {
		wait := policy.NextBackOff()
		if wait == backoff.Stop {
			wait = s.opts.MaxBackoff
		}
		timer := time.NewTimer(wait)
		select {
		case <-s.done:
			timer.Stop()
			return nil, false
		case <-ctx.Done():
			timer.Stop()
			return nil, false
		case <-timer.C:
		}

		conn, err := s.dial(ctx)
		if err != nil {
			var apiErr *APIError
			if errors.As(err, &apiErr) && apiErr.StatusCode < http.StatusInternalServerError {
				// 4xx handshake responses are permanent.
				return nil, false
			}
			continue
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = conn.Close()
			return nil, false
		}
		s.conn = conn
		s.mu.Unlock()
		policy.Reset()
		return conn, true
	}
}

func (s *Stream) read(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		s.dispatch(data)
	}
}

func (s *Stream) dispatch(data []byte) {
	if !gjson.ValidBytes(data) {
		return
	}
	eventType := EventType(gjson.GetBytes(data, "type").String())
	if eventType == "" {
		return
	}
	var evt Event
	if err := json.Unmarshal(data, &evt); err != nil {
		return
	}

	s.mu.Lock()
	handlers := make([]Handler, 0, len(s.handlers[eventType])+len(s.handlers[""]))
	handlers = append(handlers, s.handlers[eventType]...)
	handlers = append(handlers, s.handlers[""]...)
	s.mu.Unlock()
	for _, h := range handlers {
		h(evt)
	}

	select {
	case s.events <- evt:
	default:
		s.dropped.Add(1)
	}
}

func (s *Stream) dial(ctx context.Context) (*websocket.Conn, error) {
	query := url.Values{}
	if s.opts.TaskID != "" {
		query.Set("task_id", s.opts.TaskID)
	}
	if len(s.opts.Types) > 0 {
		parts := make([]string, 0, len(s.opts.Types))
		for _, t := range s.opts.Types {
			parts = append(parts, string(t))
		}
		query.Set("types", strings.Join(parts, ","))
	}
	scheme := "ws"
	if s.client.baseURL.Scheme == "https" {
		scheme = "wss"
	}
	target := s.client.endpoint(scheme, "/api/v1/events", query)

	header := http.Header{}
	if token := s.client.Token(); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, resp, err := s.client.dialer.DialContext(ctx, target.String(), header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			if resp.StatusCode >= 400 {
				return nil, decodeAPIError(resp)
			}
		}
		return nil, fmt.Errorf("dial event stream: %w", err)
	}
	return conn, nil
}

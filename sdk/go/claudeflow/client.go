// Package claudeflow is the Go client for the claudeflow task service: task
// submission and queries over REST, plus a reconnecting WebSocket event stream.
package claudeflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the claudeflow REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	dialer     *websocket.Dialer

	mu    sync.RWMutex
	token string
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client used for REST calls.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// WithToken sets the bearer token sent with every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = strings.TrimSpace(token) }
}

// WithDialer overrides the WebSocket dialer used by Subscribe.
func WithDialer(dialer *websocket.Dialer) Option {
	return func(c *Client) {
		if dialer != nil {
			c.dialer = dialer
		}
	}
}

// NewClient instantiates a client for the given server URL, e.g. http://localhost:8080.
func NewClient(rawURL string, opts ...Option) (*Client, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("invalid base url %q: scheme must be http or https", rawURL)
	}
	c := &Client{
		baseURL:    parsed,
		httpClient: &http.Client{Timeout: DefaultHTTPTimeout},
		dialer:     websocket.DefaultDialer,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// Token returns the currently stored token.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// SetToken overrides the stored token.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = strings.TrimSpace(token)
}

// CreateTask submits a task and returns the stored snapshot.
func (c *Client) CreateTask(ctx context.Context, req CreateTaskRequest) (*Task, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, fmt.Errorf("claudeflow: prompt is required")
	}
	var created Task
	if err := c.post(ctx, "/api/v1/tasks", req, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// GetTask fetches a task by identifier.
func (c *Client) GetTask(ctx context.Context, taskID string) (*Task, error) {
	segment, err := taskSegment(taskID)
	if err != nil {
		return nil, err
	}
	var found Task
	if err := c.get(ctx, "/api/v1/tasks/"+segment, nil, &found); err != nil {
		return nil, err
	}
	return &found, nil
}

// ListTasks returns a page of tasks matching opts.
func (c *Client) ListTasks(ctx context.Context, opts ListOptions) (*TaskList, error) {
	var list TaskList
	if err := c.get(ctx, "/api/v1/tasks", opts.values(), &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// Stats returns aggregated counts for tasks matching opts. Paging fields are ignored.
func (c *Client) Stats(ctx context.Context, opts ListOptions) (*Stats, error) {
	var stats Stats
	if err := c.get(ctx, "/api/v1/tasks/stats", opts.values(), &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// Agents lists the agents registered on the server.
func (c *Client) Agents(ctx context.Context) ([]Agent, error) {
	var payload struct {
		Agents []Agent `json:"agents"`
	}
	if err := c.get(ctx, "/api/v1/agents", nil, &payload); err != nil {
		return nil, err
	}
	return payload.Agents, nil
}

func (o ListOptions) values() url.Values {
	values := url.Values{}
	if len(o.Statuses) > 0 {
		parts := make([]string, 0, len(o.Statuses))
		for _, s := range o.Statuses {
			parts = append(parts, string(s))
		}
		values.Set("status", strings.Join(parts, ","))
	}
	if o.Agent != "" {
		values.Set("agent", o.Agent)
	}
	if o.Limit > 0 {
		values.Set("limit", strconv.Itoa(o.Limit))
	}
	if o.Offset > 0 {
		values.Set("offset", strconv.Itoa(o.Offset))
	}
	if !o.Since.IsZero() {
		values.Set("since", strconv.FormatInt(o.Since.Unix(), 10))
	}
	if !o.Until.IsZero() {
		values.Set("until", strconv.FormatInt(o.Until.Unix(), 10))
	}
	if o.HasOutput != nil {
		values.Set("has_output", strconv.FormatBool(*o.HasOutput))
	}
	if o.Ascending {
		values.Set("order", "asc")
	}
	if o.Query != "" {
		values.Set("q", o.Query)
	}
	return values
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, nil, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, query, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

// taskSegment validates a task ID and escapes it as a single path segment.
func taskSegment(taskID string) (string, error) {
	trimmed := strings.TrimSpace(taskID)
	if trimmed == "" || trimmed == "." || trimmed == ".." {
		return "", fmt.Errorf("%w: %q", ErrInvalidTaskID, taskID)
	}
	return url.PathEscape(taskID), nil
}

// endpoint joins an already escaped endpoint onto the base URL without
// cleaning it, so escaped segments are sent as-is.
func (c *Client) endpoint(scheme, endpoint string, query url.Values) *url.URL {
	u := *c.baseURL
	escaped := strings.TrimRight(c.baseURL.EscapedPath(), "/") + endpoint
	u.RawPath = escaped
	if unescaped, err := url.PathUnescape(escaped); err == nil {
		u.Path = unescaped
	} else {
		u.Path = escaped
	}
	if scheme != "" {
		u.Scheme = scheme
	}
	u.RawQuery = query.Encode()
	return &u
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, body io.Reader) (*http.Request, error) {
	u := c.endpoint("", endpoint, query)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read error response: %w", err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &struct {
			Error *APIError `json:"error"`
		}{Error: apiErr}); err != nil {
			_ = json.Unmarshal(data, apiErr)
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = string(bytes.TrimSpace(data))
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}

package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"claudeflow/internal/agent"
	"claudeflow/internal/events"
	"claudeflow/internal/observability/metrics"
	"claudeflow/internal/task"
)

// TaskService 是 API 所需的任务服务能力，*task.Service 实现了该接口。
type TaskService interface {
	Create(ctx context.Context, req task.Request) (*task.Task, error)
	Get(ctx context.Context, id string) (*task.Task, error)
	List(ctx context.Context, opts ...task.ListOption) ([]*task.Task, error)
	Stats(ctx context.Context, opts ...task.ListOption) (task.Stats, error)
}

// AgentDirectory 列出可用的智能体，*agent.Registry 实现了该接口。
type AgentDirectory interface {
	List() []agent.Info
}

// Server 负责暴露 REST 与 WebSocket 接口。
type Server struct {
	addr            string
	tasks           TaskService
	agents          AgentDirectory
	bus             events.Bus
	metrics         *metrics.Metrics
	token           string
	shutdownTimeout time.Duration
	pingInterval    time.Duration
	started         time.Time
}

// Option 定义可选配置。
type Option func(*Server)

// WithAgents 配置智能体目录。
func WithAgents(agents AgentDirectory) Option {
	return func(s *Server) { s.agents = agents }
}

// WithEventBus 配置事件流使用的总线。
func WithEventBus(bus events.Bus) Option {
	return func(s *Server) { s.bus = bus }
}

// WithMetrics 启用请求指标与 /metrics 端点。
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithToken 启用 Bearer Token 校验，空字符串表示关闭。
func WithToken(token string) Option {
	return func(s *Server) { s.token = token }
}

// WithShutdownTimeout 设置优雅关闭的等待时间。
func WithShutdownTimeout(timeout time.Duration) Option {
	return func(s *Server) {
		if timeout > 0 {
			s.shutdownTimeout = timeout
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, tasks TaskService, opts ...Option) *Server {
	s := &Server{
		addr:            addr,
		tasks:           tasks,
		shutdownTimeout: 5 * time.Second,
		pingInterval:    30 * time.Second,
		started:         time.Now(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回带中间件的路由。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/api/v1/tasks", s.instrument("/api/v1/tasks", s.authenticate(http.HandlerFunc(s.handleTasks))))
	mux.Handle("/api/v1/tasks/stats", s.instrument("/api/v1/tasks/stats", s.authenticate(http.HandlerFunc(s.handleStats))))
	mux.Handle("/api/v1/tasks/", s.instrument("/api/v1/tasks/{id}", s.authenticate(http.HandlerFunc(s.handleTaskDetail))))
	mux.Handle("/api/v1/agents", s.instrument("/api/v1/agents", s.authenticate(http.HandlerFunc(s.handleAgents))))
	mux.Handle("/api/v1/events", s.authenticate(http.HandlerFunc(s.handleEvents)))
	mux.HandleFunc("/healthz", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}
	return mux
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			writeError(w, errServerClosing)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"claudeflow/internal/agent"
	"claudeflow/internal/api"
	"claudeflow/internal/config"
	"claudeflow/internal/events"
	"claudeflow/internal/llm"
	"claudeflow/internal/llm/openai"
	"claudeflow/internal/observability/alerting"
	"claudeflow/internal/observability/metrics"
	"claudeflow/internal/observability/tracing"
	"claudeflow/internal/task"
	"claudeflow/pkg/logger"
)

// version 在构建时通过 -ldflags 注入。
var version = "dev"

// main 是 flowd 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("flowd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if err := logger.Init(cfg.Logging); err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	daemonLog := logger.Named("flowd")

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	tracer, err := tracing.Setup(ctx, tracing.Config{
		Enabled:     cfg.Observability.Tracing.Enabled,
		Endpoint:    cfg.Observability.Tracing.Endpoint,
		Insecure:    cfg.Observability.Tracing.Insecure,
		SampleRatio: cfg.Observability.Tracing.SampleRatio,
		ServiceName: cfg.Observability.Tracing.ServiceName,
		Version:     version,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracer.Shutdown(shutdownCtx); err != nil {
			daemonLog.Warn("关闭链路追踪失败", "error", err)
		}
	}()

	var m *metrics.Metrics
	if cfg.Observability.MetricsEnabled {
		m = metrics.New()
	}

	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if url := cfg.Observability.Alerting.WebhookURL; url != "" {
		notifiers = append(notifiers, alerting.NewWebhookNotifier(url, 5*time.Second))
	}
	alerts := alerting.NewFanout(notifiers...)

	taskStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := taskStore.Close(); err != nil {
			daemonLog.Warn("关闭任务存储失败", "error", err)
		}
	}()

	taskQueue, err := openQueue(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := taskQueue.Close(); err != nil {
			daemonLog.Warn("关闭任务队列失败", "error", err)
		}
	}()

	bus, err := openBus(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := bus.Close(); err != nil {
			daemonLog.Warn("关闭事件总线失败", "error", err)
		}
	}()

	registry, err := buildRegistry(cfg)
	if err != nil {
		return err
	}

	taskService := task.NewService(taskStore, taskQueue,
		task.WithMaxRetries(cfg.Storage.MaxRetries),
		task.WithAgentDirectory(registry),
		task.WithServiceEvents(bus),
		task.WithServiceMetrics(m),
	)
	processor := task.NewProcessor(registry, taskStore, taskQueue, taskQueue,
		task.WithWorkerCount(cfg.Processor.Workers),
		task.WithTaskTimeout(cfg.Processor.TaskTimeout()),
		task.WithProcessorLogger(logger.Named("processor")),
		task.WithAlertDispatcher(alerts),
		task.WithProcessorEvents(bus),
		task.WithProcessorMetrics(m),
		task.WithTracer(tracer.Tracer()),
	)

	processorCtx, processorCancel := context.WithCancel(ctx)
	processorDone := make(chan struct{})
	go func() {
		defer close(processorDone)
		if err := processor.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
			daemonLog.Error("任务处理器异常退出", "error", err)
		}
	}()
	// 先等处理器退出，再关闭存储、队列与事件总线。
	defer func() {
		processorCancel()
		<-processorDone
	}()

	server := api.NewServer(cfg.Server.Address, taskService,
		api.WithAgents(registry),
		api.WithEventBus(bus),
		api.WithMetrics(m),
		api.WithToken(cfg.Server.Token),
		api.WithShutdownTimeout(time.Duration(cfg.Server.ShutdownTimeoutSeconds)*time.Second),
	)

	daemonLog.Info("flowd 启动",
		"version", version,
		"address", cfg.Server.Address,
		"storage", cfg.Storage.Driver,
		"queue", cfg.Queue.Driver,
		"events", cfg.Events.Driver,
		"agents", registry.Names(),
	)

	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// loadConfig 读取 CLAUDEFLOW_CONFIG 指向的配置文件；默认文件不存在时使用内置默认值。
func loadConfig() (*config.Config, error) {
	configPath := os.Getenv(config.EnvPrefix + "CONFIG")
	if configPath != "" {
		return config.Load(configPath)
	}
	configPath = filepath.Join("configs", "claudeflow.yaml")
	if _, err := os.Stat(configPath); err == nil {
		return config.Load(configPath)
	}
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func openStore(ctx context.Context, cfg *config.Config) (task.Store, error) {
	switch cfg.Storage.Driver {
	case "memory", "":
		return task.NewMemoryStore(), nil
	case "sqlite":
		return task.NewSQLiteStore(ctx, cfg.Storage.DSN)
	case "mysql":
		return task.NewMySQLStore(ctx, cfg.Storage.DSN, task.SQLOptions{
			MaxOpenConns:    cfg.Storage.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.MaxIdleConns,
			ConnMaxLifetime: cfg.Storage.ConnMaxLifetime(),
		})
	default:
		return nil, fmt.Errorf("未知的存储驱动: %s", cfg.Storage.Driver)
	}
}

func openQueue(ctx context.Context, cfg *config.Config) (task.Queue, error) {
	switch cfg.Queue.Driver {
	case "", "memory":
		return task.NewMemoryQueue(cfg.Queue.Size), nil
	case "redis":
		return task.NewRedisQueue(ctx, task.RedisQueueConfig{
			Address:   cfg.Queue.Redis.Address,
			Password:  cfg.Queue.Redis.Password,
			DB:        cfg.Queue.Redis.DB,
			Queue:     cfg.Queue.Redis.Key,
			BlockWait: cfg.Queue.Redis.BlockWait(),
		})
	case "rabbitmq":
		return task.NewRabbitMQQueue(task.RabbitMQConfig{
			URL:         cfg.Queue.RabbitMQ.URL,
			Queue:       cfg.Queue.RabbitMQ.Queue,
			Prefetch:    cfg.Queue.RabbitMQ.Prefetch,
			Durable:     cfg.Queue.RabbitMQ.Durable,
			MaxPriority: cfg.Queue.RabbitMQ.MaxPriority,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Queue.Driver)
	}
}

func openBus(ctx context.Context, cfg *config.Config) (events.Bus, error) {
	switch cfg.Events.Driver {
	case "", "memory":
		return events.NewMemoryBus(cfg.Events.BufferSize), nil
	case "redis":
		return events.NewRedisBus(ctx, events.RedisBusConfig{
			Address:    cfg.Events.Redis.Address,
			Password:   cfg.Events.Redis.Password,
			DB:         cfg.Events.Redis.DB,
			Channel:    cfg.Events.Redis.Key,
			BufferSize: cfg.Events.BufferSize,
		})
	case "nats":
		return events.NewNATSBus(cfg.Events.NATS.URL, cfg.Events.NATS.Subject, cfg.Events.BufferSize)
	default:
		return nil, fmt.Errorf("未知的事件总线驱动: %s", cfg.Events.Driver)
	}
}

// buildRegistry 为每个角色创建智能体，LLMRoles 中的角色在启用大模型时改由 LLMAgent 处理。
func buildRegistry(cfg *config.Config) (*agent.Registry, error) {
	catalog := agent.DefaultCatalog()
	if cfg.Agents.Catalog != "" {
		loaded, err := agent.LoadCatalog(cfg.Agents.Catalog)
		if err != nil {
			return nil, err
		}
		catalog = loaded
	}

	client, err := createLLMClient(cfg)
	if err != nil {
		return nil, err
	}
	llmRoles := make(map[string]bool, len(cfg.Agents.LLMRoles))
	if client != nil {
		for _, role := range cfg.Agents.LLMRoles {
			llmRoles[role] = true
		}
	}

	agents := make([]agent.Agent, 0, len(cfg.Agents.Roles))
	for _, role := range cfg.Agents.Roles {
		profile, _ := catalog.Profile(role)
		if llmRoles[role] {
			agents = append(agents, agent.NewLLMAgent(role, profile, client, cfg.LLM.OpenAI.Timeout()))
			continue
		}
		agents = append(agents, agent.NewSimulatedAgent(role, profile, agent.WithStepDelay(cfg.Agents.StepDelay())))
	}
	return agent.NewRegistry(agents...)
}

func createLLMClient(cfg *config.Config) (llm.Client, error) {
	switch cfg.LLM.Provider {
	case "", "simulated":
		return nil, nil
	case "openai":
		return openai.NewClient(openai.Config{
			APIKey:  cfg.LLM.OpenAI.ResolveAPIKey(),
			BaseURL: cfg.LLM.OpenAI.BaseURL,
			Model:   cfg.LLM.OpenAI.Model,
			Timeout: cfg.LLM.OpenAI.Timeout(),
		})
	default:
		return nil, fmt.Errorf("未知的大模型 provider: %s", cfg.LLM.Provider)
	}
}

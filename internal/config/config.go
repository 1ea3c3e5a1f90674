package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"claudeflow/pkg/logger"
)

// EnvPrefix 是覆盖配置项时使用的环境变量前缀。
const EnvPrefix = "CLAUDEFLOW_"

// Config 描述了 flowd 在启动阶段需要加载的全部配置。
type Config struct {
	Server        ServerConfig        `json:"server" yaml:"server" toml:"server"`
	Storage       StorageConfig       `json:"storage" yaml:"storage" toml:"storage"`
	Queue         QueueConfig         `json:"queue" yaml:"queue" toml:"queue"`
	Events        EventsConfig        `json:"events" yaml:"events" toml:"events"`
	Processor     ProcessorConfig     `json:"processor" yaml:"processor" toml:"processor"`
	Agents        AgentsConfig        `json:"agents" yaml:"agents" toml:"agents"`
	LLM           LLMConfig           `json:"llm" yaml:"llm" toml:"llm"`
	Logging       logger.Config       `json:"logging" yaml:"logging" toml:"logging"`
	Observability ObservabilityConfig `json:"observability" yaml:"observability" toml:"observability"`
	Runtime       RuntimeConfig       `json:"runtime" yaml:"runtime" toml:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address" yaml:"address" toml:"address"`
	// Token 为空时不校验 Authorization 头。
	Token                  string `json:"token" yaml:"token" toml:"token"`
	ShutdownTimeoutSeconds int    `json:"shutdown_timeout_seconds" yaml:"shutdown_timeout_seconds" toml:"shutdown_timeout_seconds"`
}

// StorageConfig 描述任务状态的存储后端。
type StorageConfig struct {
	Driver                 string `json:"driver" yaml:"driver" toml:"driver"`
	DSN                    string `json:"dsn" yaml:"dsn" toml:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns" yaml:"max_open_conns" toml:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns" yaml:"max_idle_conns" toml:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds" yaml:"conn_max_lifetime_seconds" toml:"conn_max_lifetime_seconds"`
	MaxRetries             int    `json:"max_retries" yaml:"max_retries" toml:"max_retries"`
}

// ConnMaxLifetime 返回连接最大存活时间。
func (c StorageConfig) ConnMaxLifetime() time.Duration {
	return time.Duration(c.ConnMaxLifetimeSeconds) * time.Second
}

// QueueConfig 描述任务队列驱动。
type QueueConfig struct {
	Driver   string         `json:"driver" yaml:"driver" toml:"driver"`
	Size     int            `json:"size" yaml:"size" toml:"size"`
	Redis    RedisConfig    `json:"redis" yaml:"redis" toml:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq" yaml:"rabbitmq" toml:"rabbitmq"`
}

// RedisConfig 是 Redis 队列与事件总线共用的连接参数。
type RedisConfig struct {
	Address          string `json:"address" yaml:"address" toml:"address"`
	Password         string `json:"password" yaml:"password" toml:"password"`
	DB               int    `json:"db" yaml:"db" toml:"db"`
	Key              string `json:"key" yaml:"key" toml:"key"`
	BlockWaitSeconds int    `json:"block_wait_seconds" yaml:"block_wait_seconds" toml:"block_wait_seconds"`
}

// BlockWait 返回 BRPOP 的阻塞时长。
func (c RedisConfig) BlockWait() time.Duration {
	return time.Duration(c.BlockWaitSeconds) * time.Second
}

// RabbitMQConfig 描述 RabbitMQ 队列参数。
type RabbitMQConfig struct {
	URL         string `json:"url" yaml:"url" toml:"url"`
	Queue       string `json:"queue" yaml:"queue" toml:"queue"`
	Prefetch    int    `json:"prefetch" yaml:"prefetch" toml:"prefetch"`
	Durable     bool   `json:"durable" yaml:"durable" toml:"durable"`
	MaxPriority int    `json:"max_priority" yaml:"max_priority" toml:"max_priority"`
}

// EventsConfig 描述事件总线。
type EventsConfig struct {
	Driver     string      `json:"driver" yaml:"driver" toml:"driver"`
	BufferSize int         `json:"buffer_size" yaml:"buffer_size" toml:"buffer_size"`
	Redis      RedisConfig `json:"redis" yaml:"redis" toml:"redis"`
	NATS       NATSConfig  `json:"nats" yaml:"nats" toml:"nats"`
}

// NATSConfig 描述 NATS 连接参数。
type NATSConfig struct {
	URL     string `json:"url" yaml:"url" toml:"url"`
	Subject string `json:"subject" yaml:"subject" toml:"subject"`
}

// ProcessorConfig 控制任务处理器。
type ProcessorConfig struct {
	Workers            int `json:"workers" yaml:"workers" toml:"workers"`
	TaskTimeoutSeconds int `json:"task_timeout_seconds" yaml:"task_timeout_seconds" toml:"task_timeout_seconds"`
}

// TaskTimeout 返回单个任务的执行超时。
func (c ProcessorConfig) TaskTimeout() time.Duration {
	return time.Duration(c.TaskTimeoutSeconds) * time.Second
}

// AgentsConfig 描述可用的智能体角色。
type AgentsConfig struct {
	// Catalog 指向剧本文件，为空时使用内置剧本。
	Catalog     string   `json:"catalog" yaml:"catalog" toml:"catalog"`
	Roles       []string `json:"roles" yaml:"roles" toml:"roles"`
	StepDelayMS int      `json:"step_delay_ms" yaml:"step_delay_ms" toml:"step_delay_ms"`
	// LLMRoles 列出交给大模型处理的角色。
	LLMRoles []string `json:"llm_roles" yaml:"llm_roles" toml:"llm_roles"`
}

// StepDelay 返回模拟智能体每一步的延迟。
func (c AgentsConfig) StepDelay() time.Duration {
	return time.Duration(c.StepDelayMS) * time.Millisecond
}

// LLMConfig 用于配置大模型推理的调用方式。
type LLMConfig struct {
	Provider string       `json:"provider" yaml:"provider" toml:"provider"`
	OpenAI   OpenAIConfig `json:"openai" yaml:"openai" toml:"openai"`
}

// OpenAIConfig 描述 OpenAI 兼容接口。
type OpenAIConfig struct {
	APIKey         string `json:"api_key" yaml:"api_key" toml:"api_key"`
	APIKeyEnv      string `json:"api_key_env" yaml:"api_key_env" toml:"api_key_env"`
	BaseURL        string `json:"base_url" yaml:"base_url" toml:"base_url"`
	Model          string `json:"model" yaml:"model" toml:"model"`
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds" toml:"timeout_seconds"`
}

// Timeout 返回请求超时。
func (c OpenAIConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// ResolveAPIKey 优先使用显式配置，其次读取 APIKeyEnv 指定的环境变量。
func (c OpenAIConfig) ResolveAPIKey() string {
	key := strings.TrimSpace(c.APIKey)
	if key == "" && c.APIKeyEnv != "" {
		key = strings.TrimSpace(os.Getenv(c.APIKeyEnv))
	}
	return key
}

// ObservabilityConfig 汇总指标、告警与链路追踪配置。
type ObservabilityConfig struct {
	MetricsEnabled bool          `json:"metrics_enabled" yaml:"metrics_enabled" toml:"metrics_enabled"`
	Alerting       AlertConfig   `json:"alerting" yaml:"alerting" toml:"alerting"`
	Tracing        TracingConfig `json:"tracing" yaml:"tracing" toml:"tracing"`
}

// AlertConfig 描述告警渠道。
type AlertConfig struct {
	WebhookURL string `json:"webhook_url" yaml:"webhook_url" toml:"webhook_url"`
}

// TracingConfig 描述 OTLP 导出参数。
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled" toml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint" toml:"endpoint"`
	Insecure    bool    `json:"insecure" yaml:"insecure" toml:"insecure"`
	SampleRatio float64 `json:"sample_ratio" yaml:"sample_ratio" toml:"sample_ratio"`
	ServiceName string  `json:"service_name" yaml:"service_name" toml:"service_name"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir" yaml:"data_dir" toml:"data_dir"`
}

// Default 返回全部使用默认值的配置，基准目录为当前工作目录。
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults(".")
	return cfg
}

// Load 负责解析指定路径的配置文件，格式由扩展名决定（yaml/yml/json/toml）。
// 同目录下的 .env 文件会先被加载，随后应用 CLAUDEFLOW_ 前缀的环境变量覆盖。
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("配置文件路径为空")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	baseDir := filepath.Dir(path)
	if err := loadDotEnv(filepath.Join(baseDir, ".env")); err != nil {
		return nil, err
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(content, &cfg)
	case ".toml":
		err = toml.Unmarshal(content, &cfg)
	case ".json", "":
		err = json.Unmarshal(content, &cfg)
	default:
		return nil, fmt.Errorf("不支持的配置文件格式: %s", filepath.Ext(path))
	}
	if err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyEnv(os.LookupEnv)
	cfg.applyDefaults(baseDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("检查 .env 文件失败: %w", err)
	}
	// godotenv.Load 不会覆盖已经存在的环境变量。
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("加载 .env 文件失败: %w", err)
	}
	return nil
}

// applyEnv 使用环境变量覆盖常用配置项。
func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	str := func(key string, target *string) {
		if v, ok := lookup(EnvPrefix + key); ok && strings.TrimSpace(v) != "" {
			*target = strings.TrimSpace(v)
		}
	}
	num := func(key string, target *int) {
		if v, ok := lookup(EnvPrefix + key); ok {
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
				*target = n
			}
		}
	}

	str("SERVER_ADDRESS", &c.Server.Address)
	str("API_TOKEN", &c.Server.Token)
	str("STORAGE_DRIVER", &c.Storage.Driver)
	str("STORAGE_DSN", &c.Storage.DSN)
	str("QUEUE_DRIVER", &c.Queue.Driver)
	str("QUEUE_REDIS_ADDRESS", &c.Queue.Redis.Address)
	str("QUEUE_RABBITMQ_URL", &c.Queue.RabbitMQ.URL)
	str("EVENTS_DRIVER", &c.Events.Driver)
	str("EVENTS_REDIS_ADDRESS", &c.Events.Redis.Address)
	str("EVENTS_NATS_URL", &c.Events.NATS.URL)
	str("LLM_PROVIDER", &c.LLM.Provider)
	str("OPENAI_API_KEY", &c.LLM.OpenAI.APIKey)
	str("LOG_LEVEL", &c.Logging.Level)
	str("LOG_FORMAT", &c.Logging.Format)
	num("PROCESSOR_WORKERS", &c.Processor.Workers)
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ShutdownTimeoutSeconds <= 0 {
		c.Server.ShutdownTimeoutSeconds = 5
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Storage.MaxRetries <= 0 {
		c.Storage.MaxRetries = 3
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Size <= 0 {
		c.Queue.Size = 1024
	}
	if c.Queue.RabbitMQ.MaxPriority <= 0 {
		c.Queue.RabbitMQ.MaxPriority = 10
	}

	if c.Events.Driver == "" {
		c.Events.Driver = "memory"
	}
	if c.Events.BufferSize <= 0 {
		c.Events.BufferSize = 64
	}
	if c.Events.NATS.Subject == "" {
		c.Events.NATS.Subject = "claudeflow.events"
	}
	if c.Events.Redis.Key == "" {
		c.Events.Redis.Key = "claudeflow:events"
	}

	if c.Processor.Workers <= 0 {
		c.Processor.Workers = 4
	}
	if c.Processor.TaskTimeoutSeconds <= 0 {
		c.Processor.TaskTimeoutSeconds = 120
	}

	if len(c.Agents.Roles) == 0 {
		c.Agents.Roles = []string{"asistente", "ejecutor", "profesor"}
	}
	if c.Agents.StepDelayMS <= 0 {
		c.Agents.StepDelayMS = 400
	}
	if c.Agents.Catalog != "" && !filepath.IsAbs(c.Agents.Catalog) {
		c.Agents.Catalog = filepath.Join(baseDir, c.Agents.Catalog)
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "simulated"
	}
	if c.LLM.OpenAI.TimeoutSeconds <= 0 {
		c.LLM.OpenAI.TimeoutSeconds = 60
	}

	if c.Observability.Tracing.ServiceName == "" {
		c.Observability.Tracing.ServiceName = "flowd"
	}
	if c.Observability.Tracing.SampleRatio <= 0 {
		c.Observability.Tracing.SampleRatio = 1
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}

	// sqlite 未指定 DSN 时落在数据目录中。
	if c.Storage.Driver == "sqlite" && c.Storage.DSN == "" {
		c.Storage.DSN = filepath.Join(c.Runtime.DataDir, "claudeflow.db")
	}
}

// Validate 检查驱动名称与必填项。
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "memory", "sqlite":
	case "mysql":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			return errors.New("storage.driver=mysql 需要配置 storage.dsn")
		}
	default:
		return fmt.Errorf("未知的存储驱动: %s", c.Storage.Driver)
	}

	switch c.Queue.Driver {
	case "memory":
	case "redis":
		if c.Queue.Redis.Address == "" {
			return errors.New("queue.driver=redis 需要配置 queue.redis.address")
		}
	case "rabbitmq":
		if c.Queue.RabbitMQ.URL == "" {
			return errors.New("queue.driver=rabbitmq 需要配置 queue.rabbitmq.url")
		}
	default:
		return fmt.Errorf("未知的队列驱动: %s", c.Queue.Driver)
	}

	switch c.Events.Driver {
	case "memory":
	case "redis":
		if c.Events.Redis.Address == "" {
			return errors.New("events.driver=redis 需要配置 events.redis.address")
		}
	case "nats":
		if c.Events.NATS.URL == "" {
			return errors.New("events.driver=nats 需要配置 events.nats.url")
		}
	default:
		return fmt.Errorf("未知的事件总线驱动: %s", c.Events.Driver)
	}

	switch c.LLM.Provider {
	case "simulated":
	case "openai":
		if c.LLM.OpenAI.ResolveAPIKey() == "" {
			return errors.New("OpenAI provider 需要配置 api_key 或 api_key_env")
		}
	default:
		return fmt.Errorf("未知的大模型 provider: %s", c.LLM.Provider)
	}
	return nil
}

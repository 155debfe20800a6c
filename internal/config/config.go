package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Config represents the complete application configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	RabbitMQ    RabbitMQConfig    `yaml:"rabbitmq"`
	Redis       RedisConfig       `yaml:"redis"`
	Logging     LoggingConfig     `yaml:"logging"`
	App         AppConfig         `yaml:"app"`
	Worker      WorkerConfig      `yaml:"worker"`
	Quota       QuotaConfig       `yaml:"quota"`
	Webhook     WebhookConfig     `yaml:"webhook"`
	Retry       RetryConfig       `yaml:"retry"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Renderer    RendererConfig    `yaml:"renderer"`
	BlobStore   BlobStoreConfig   `yaml:"blobstore"`
	Admin       AdminConfig       `yaml:"admin"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration
type RabbitMQConfig struct {
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Queue      QueueConfig      `yaml:"queue"`
	RoutingKey string           `yaml:"routing_key"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// QueueConfig holds RabbitMQ queue configuration
type QueueConfig struct {
	Name       string `yaml:"name"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
	Exclusive  bool   `yaml:"exclusive"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount int  `yaml:"prefetch_count"`
	AutoAck       bool `yaml:"auto_ack"`
	Exclusive     bool `yaml:"exclusive"`
}

// RedisConfig holds Redis connection settings used for rate limiting
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	Concurrency       int           `yaml:"concurrency"`
	JobTimeout        time.Duration `yaml:"job_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// QuotaConfig holds per-user render quota settings
type QuotaConfig struct {
	// DefaultMonthlyLimit seeds new quota periods; 0 means unlimited.
	DefaultMonthlyLimit  int `yaml:"default_monthly_limit"`
	ReconcileConcurrency int `yaml:"reconcile_concurrency"`
}

// WebhookConfig holds callback delivery settings
type WebhookConfig struct {
	// Allowlist entries, e.g. "hooks.example.com", "*.example.com",
	// "http://localhost:8080". Anything not matching is rejected.
	Allowlist       []string      `yaml:"allowlist"`
	DeliveryTimeout time.Duration `yaml:"delivery_timeout"`
	ReplayPerMinute int           `yaml:"replay_per_minute"`
}

// RetryConfig holds job retry/backoff settings
type RetryConfig struct {
	DefaultMaxRetries int           `yaml:"default_max_retries"`
	BaseDelay         time.Duration `yaml:"base_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
}

// MaintenanceConfig holds the periodic safety-net schedules (cron specs)
type MaintenanceConfig struct {
	StuckResetSpec      string `yaml:"stuck_reset_spec"`
	StuckTimeoutMinutes int    `yaml:"stuck_timeout_minutes"`
	ReconcileSpec       string `yaml:"reconcile_spec"`
	ReconcileBatchLimit int    `yaml:"reconcile_batch_limit"`
	QuotaReconcileSpec  string `yaml:"quota_reconcile_spec"`
	RetryReclaimSpec    string `yaml:"retry_reclaim_spec"`
	RetryReclaimLimit   int    `yaml:"retry_reclaim_limit"`
}

// RendererConfig holds the external render service settings
type RendererConfig struct {
	Endpoint string        `yaml:"endpoint"`
	Timeout  time.Duration `yaml:"timeout"`
	// Attempts bounds in-process retries of a single render call.
	Attempts int `yaml:"attempts"`
}

// BlobStoreConfig holds artifact storage settings
type BlobStoreConfig struct {
	Dir     string `yaml:"dir"`
	BaseURL string `yaml:"base_url"`
}

// AdminConfig holds administrative trust-path settings
type AdminConfig struct {
	// SchedulerSecret authenticates the automated scheduler trust path.
	SchedulerSecret string `yaml:"scheduler_secret"`
	// UserIDs are users permitted to call admin endpoints.
	UserIDs []string `yaml:"user_ids"`
}

// Load reads and parses the configuration file
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return &config, nil
}

func (c *Config) validateShared() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}

	if c.RabbitMQ.Queue.Name == "" {
		return fmt.Errorf("rabbitmq queue name is required")
	}

	if c.Quota.DefaultMonthlyLimit < 0 {
		return fmt.Errorf("quota default_monthly_limit must not be negative")
	}

	if c.Retry.DefaultMaxRetries < 0 {
		return fmt.Errorf("retry default_max_retries must not be negative")
	}

	return nil
}

// ValidateAPIConfig checks the fields the API service depends on
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if err := c.validateShared(); err != nil {
		return err
	}

	if c.Webhook.ReplayPerMinute > 0 && c.Redis.Addr == "" {
		return fmt.Errorf("redis addr is required when webhook replay rate limiting is enabled")
	}

	return nil
}

// ValidateWorkerConfig checks the fields the worker service depends on
func (c *Config) ValidateWorkerConfig() error {
	if err := c.validateShared(); err != nil {
		return err
	}

	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}

	if c.Worker.JobTimeout <= 0 {
		return fmt.Errorf("worker job_timeout must be greater than 0")
	}

	if c.Worker.HeartbeatInterval <= 0 {
		return fmt.Errorf("worker heartbeat_interval must be greater than 0")
	}

	if c.Renderer.Endpoint == "" {
		return fmt.Errorf("renderer endpoint is required")
	}

	if c.BlobStore.Dir == "" {
		return fmt.Errorf("blobstore dir is required")
	}

	if c.Maintenance.StuckTimeoutMinutes < 1 || c.Maintenance.StuckTimeoutMinutes > 1440 {
		return fmt.Errorf("maintenance stuck_timeout_minutes must be between 1 and 1440")
	}

	return nil
}

// MonthlyLimit returns the configured per-user limit, or nil for unlimited.
func (c *QuotaConfig) MonthlyLimit() *int {
	if c.DefaultMonthlyLimit <= 0 {
		return nil
	}
	limit := c.DefaultMonthlyLimit
	return &limit
}

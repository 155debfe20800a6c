package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name      string
		filePath  string
		wantErr   bool
		errString string
	}{
		{
			name:     "valid config file",
			filePath: "testdata/valid_config.yaml",
			wantErr:  false,
		},
		{
			name:      "non-existent file",
			filePath:  "testdata/nonexistent.yaml",
			wantErr:   true,
			errString: "failed to read config file",
		},
		{
			name:      "malformed yaml",
			filePath:  "testdata/malformed.yaml",
			wantErr:   true,
			errString: "failed to parse config file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(tt.filePath)

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
				assert.Nil(t, cfg)
			} else {
				require.NoError(t, err)
				require.NotNil(t, cfg)

				// Verify some key fields are populated
				assert.Equal(t, 8080, cfg.Server.Port)
				assert.Equal(t, "localhost", cfg.Database.Host)
				assert.Equal(t, "offerpdf", cfg.Database.Database)
				assert.Equal(t, "offerpdf.render", cfg.RabbitMQ.Exchange.Name)
				assert.Equal(t, "offerpdf.render.jobs", cfg.RabbitMQ.Queue.Name)
				assert.Equal(t, 100, cfg.Quota.DefaultMonthlyLimit)
				assert.Equal(t, []string{"hooks.example.com", "*.partner.example.com"}, cfg.Webhook.Allowlist)
				assert.Equal(t, 30, cfg.Maintenance.StuckTimeoutMinutes)
			}
		})
	}
}

func validConfig() *Config {
	return &Config{
		Server: ServerConfig{Port: 8080},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			Database: "offerpdf",
		},
		RabbitMQ: RabbitMQConfig{
			Host:     "localhost",
			Port:     5672,
			Exchange: ExchangeConfig{Name: "offerpdf.render"},
			Queue:    QueueConfig{Name: "offerpdf.render.jobs"},
		},
		Worker: WorkerConfig{
			Concurrency:       4,
			JobTimeout:        5 * time.Minute,
			HeartbeatInterval: 30 * time.Second,
		},
		Renderer:    RendererConfig{Endpoint: "http://localhost:9090/render"},
		BlobStore:   BlobStoreConfig{Dir: "/tmp/artifacts"},
		Maintenance: MaintenanceConfig{StuckTimeoutMinutes: 30},
	}
}

func TestValidateAPIConfig(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Config)
		wantErr   bool
		errString string
	}{
		{
			name:   "valid config",
			mutate: func(c *Config) {},
		},
		{
			name:      "invalid server port - too low",
			mutate:    func(c *Config) { c.Server.Port = 0 },
			wantErr:   true,
			errString: "invalid server port",
		},
		{
			name:      "invalid server port - too high",
			mutate:    func(c *Config) { c.Server.Port = 70000 },
			wantErr:   true,
			errString: "invalid server port",
		},
		{
			name:      "empty database host",
			mutate:    func(c *Config) { c.Database.Host = "" },
			wantErr:   true,
			errString: "database host is required",
		},
		{
			name:      "empty database name",
			mutate:    func(c *Config) { c.Database.Database = "" },
			wantErr:   true,
			errString: "database name is required",
		},
		{
			name:      "empty rabbitmq host",
			mutate:    func(c *Config) { c.RabbitMQ.Host = "" },
			wantErr:   true,
			errString: "rabbitmq host is required",
		},
		{
			name:      "empty exchange name",
			mutate:    func(c *Config) { c.RabbitMQ.Exchange.Name = "" },
			wantErr:   true,
			errString: "rabbitmq exchange name is required",
		},
		{
			name:      "empty queue name",
			mutate:    func(c *Config) { c.RabbitMQ.Queue.Name = "" },
			wantErr:   true,
			errString: "rabbitmq queue name is required",
		},
		{
			name:      "negative quota limit",
			mutate:    func(c *Config) { c.Quota.DefaultMonthlyLimit = -1 },
			wantErr:   true,
			errString: "default_monthly_limit",
		},
		{
			name: "replay rate limiting without redis",
			mutate: func(c *Config) {
				c.Webhook.ReplayPerMinute = 5
				c.Redis.Addr = ""
			},
			wantErr:   true,
			errString: "redis addr is required",
		},
		{
			name: "replay rate limiting with redis",
			mutate: func(c *Config) {
				c.Webhook.ReplayPerMinute = 5
				c.Redis.Addr = "localhost:6379"
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.ValidateAPIConfig()

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestValidateWorkerConfig(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Config)
		wantErr   bool
		errString string
	}{
		{
			name:   "valid config",
			mutate: func(c *Config) {},
		},
		{
			name:      "zero concurrency",
			mutate:    func(c *Config) { c.Worker.Concurrency = 0 },
			wantErr:   true,
			errString: "concurrency",
		},
		{
			name:      "zero job timeout",
			mutate:    func(c *Config) { c.Worker.JobTimeout = 0 },
			wantErr:   true,
			errString: "job_timeout",
		},
		{
			name:      "missing renderer endpoint",
			mutate:    func(c *Config) { c.Renderer.Endpoint = "" },
			wantErr:   true,
			errString: "renderer endpoint",
		},
		{
			name:      "missing blobstore dir",
			mutate:    func(c *Config) { c.BlobStore.Dir = "" },
			wantErr:   true,
			errString: "blobstore dir",
		},
		{
			name:      "stuck timeout below range",
			mutate:    func(c *Config) { c.Maintenance.StuckTimeoutMinutes = 0 },
			wantErr:   true,
			errString: "stuck_timeout_minutes",
		},
		{
			name:      "stuck timeout above range",
			mutate:    func(c *Config) { c.Maintenance.StuckTimeoutMinutes = 2000 },
			wantErr:   true,
			errString: "stuck_timeout_minutes",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.ValidateWorkerConfig()

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestQuotaConfigMonthlyLimit(t *testing.T) {
	t.Run("zero means unlimited", func(t *testing.T) {
		cfg := QuotaConfig{DefaultMonthlyLimit: 0}
		assert.Nil(t, cfg.MonthlyLimit())
	})

	t.Run("positive limit", func(t *testing.T) {
		cfg := QuotaConfig{DefaultMonthlyLimit: 100}
		limit := cfg.MonthlyLimit()
		require.NotNil(t, limit)
		assert.Equal(t, 100, *limit)
	})
}

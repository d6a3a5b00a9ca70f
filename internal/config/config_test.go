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

				assert.Equal(t, 8080, cfg.Server.Port)
				assert.Equal(t, 50.0, cfg.Server.RateLimit.RequestsPerSecond)
				assert.Equal(t, "localhost", cfg.Database.Host)
				assert.Equal(t, 5432, cfg.Database.Port)
				assert.Equal(t, "procrastinate", cfg.Database.Database)
				assert.Equal(t, []string{"default", "emails"}, cfg.Worker.Queues)
				assert.Equal(t, 5*time.Second, cfg.Worker.PollInterval)
				assert.Equal(t, "@every 1m", cfg.Janitor.Schedule)
				assert.Equal(t, 168*time.Hour, cfg.Janitor.Retention)
				assert.Equal(t, time.Minute, cfg.Listener.MaxReconnectInterval)
				assert.Equal(t, "procrastinate_wakeups", cfg.RabbitMQ.Exchange.Name)
				assert.Equal(t, 2.0, cfg.RabbitMQ.Publish.BackoffMultiplier)
				assert.Equal(t, "procrastinate", cfg.App.Name)
			}
		})
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PROCRASTINATE_DATABASE_HOST", "db.internal")
	t.Setenv("PROCRASTINATE_DATABASE_PASSWORD", "s3cret")
	t.Setenv("PROCRASTINATE_LOG_LEVEL", "debug")
	t.Setenv("PROCRASTINATE_RABBITMQ_PORT", "5673")

	cfg, err := Load("testdata/valid_config.yaml")
	require.NoError(t, err)

	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, "s3cret", cfg.Database.Password)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 5673, cfg.RabbitMQ.Port)

	// unset variables keep the file values
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoad_InvalidEnvOverride(t *testing.T) {
	t.Setenv("PROCRASTINATE_DATABASE_PORT", "not-a-port")

	cfg, err := Load("testdata/valid_config.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse environment overrides")
	assert.Nil(t, cfg)
}

func validConfig() *Config {
	return &Config{
		Server: ServerConfig{Port: 8080},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			Database: "procrastinate",
		},
		Worker: WorkerConfig{
			Concurrency:     2,
			PollInterval:    5 * time.Second,
			JobTimeout:      time.Minute,
			ShutdownTimeout: 10 * time.Second,
		},
		RabbitMQ: RabbitMQConfig{
			Host:     "localhost",
			Port:     5672,
			Exchange: ExchangeConfig{Name: "procrastinate_wakeups"},
		},
	}
}

func TestConfig_ValidateAPIConfig(t *testing.T) {
	tests := []struct {
		name      string
		modify    func(*Config)
		errString string
	}{
		{name: "valid config", modify: func(*Config) {}},
		{name: "invalid server port - too low", modify: func(c *Config) { c.Server.Port = 0 }, errString: "invalid server port"},
		{name: "invalid server port - too high", modify: func(c *Config) { c.Server.Port = 70000 }, errString: "invalid server port"},
		{name: "negative rate", modify: func(c *Config) { c.Server.RateLimit.RequestsPerSecond = -1 }, errString: "must not be negative"},
		{name: "rate without burst", modify: func(c *Config) { c.Server.RateLimit.RequestsPerSecond = 5 }, errString: "burst must be greater than 0"},
		{name: "empty database host", modify: func(c *Config) { c.Database.Host = "" }, errString: "database host is required"},
		{name: "empty database name", modify: func(c *Config) { c.Database.Database = "" }, errString: "database name is required"},
		{name: "invalid database port", modify: func(c *Config) { c.Database.Port = 0 }, errString: "invalid database port"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.modify(cfg)

			err := cfg.ValidateAPIConfig()

			if tt.errString != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestConfig_ValidateWorkerConfig(t *testing.T) {
	tests := []struct {
		name      string
		modify    func(*Config)
		errString string
	}{
		{name: "valid config", modify: func(*Config) {}},
		{name: "zero concurrency", modify: func(c *Config) { c.Worker.Concurrency = 0 }, errString: "worker concurrency"},
		{name: "zero poll interval", modify: func(c *Config) { c.Worker.PollInterval = 0 }, errString: "worker poll_interval"},
		{name: "zero job timeout", modify: func(c *Config) { c.Worker.JobTimeout = 0 }, errString: "worker job_timeout"},
		{name: "zero shutdown timeout", modify: func(c *Config) { c.Worker.ShutdownTimeout = 0 }, errString: "worker shutdown_timeout"},
		{name: "empty queue name", modify: func(c *Config) { c.Worker.Queues = []string{"default", ""} }, errString: "empty names"},
		{name: "janitor with nothing to do", modify: func(c *Config) { c.Janitor.Enabled = true }, errString: "janitor needs"},
		{
			name: "janitor with retention only",
			modify: func(c *Config) {
				c.Janitor.Enabled = true
				c.Janitor.Retention = time.Hour
			},
		},
		{
			name: "stalled_after equal to job timeout",
			modify: func(c *Config) {
				c.Janitor.Enabled = true
				c.Janitor.StalledAfter = c.Worker.JobTimeout
			},
			errString: "must be greater than worker job_timeout",
		},
		{
			name: "stalled_after shorter than job timeout",
			modify: func(c *Config) {
				c.Janitor.Enabled = true
				c.Janitor.StalledAfter = 30 * time.Second
			},
			errString: "must be greater than worker job_timeout",
		},
		{
			name: "stalled_after longer than job timeout",
			modify: func(c *Config) {
				c.Janitor.Enabled = true
				c.Janitor.StalledAfter = 2 * time.Minute
			},
		},
		{
			name: "stalled_after ignored with janitor disabled",
			modify: func(c *Config) {
				c.Janitor.StalledAfter = time.Second
			},
		},
		{name: "server port is not checked", modify: func(c *Config) { c.Server.Port = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.modify(cfg)

			err := cfg.ValidateWorkerConfig()

			if tt.errString != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestConfig_ValidateRelayConfig(t *testing.T) {
	tests := []struct {
		name      string
		modify    func(*Config)
		errString string
	}{
		{name: "valid config", modify: func(*Config) {}},
		{name: "empty rabbitmq host", modify: func(c *Config) { c.RabbitMQ.Host = "" }, errString: "rabbitmq host is required"},
		{name: "invalid rabbitmq port", modify: func(c *Config) { c.RabbitMQ.Port = 65536 }, errString: "invalid rabbitmq port"},
		{name: "empty exchange name", modify: func(c *Config) { c.RabbitMQ.Exchange.Name = "" }, errString: "rabbitmq exchange name is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.modify(cfg)

			err := cfg.ValidateRelayConfig()

			if tt.errString != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestLoad_ValidateIntegration(t *testing.T) {
	t.Run("load and validate valid config", func(t *testing.T) {
		cfg, err := Load("testdata/valid_config.yaml")
		require.NoError(t, err)
		require.NotNil(t, cfg)

		require.NoError(t, cfg.ValidateAPIConfig())
		require.NoError(t, cfg.ValidateWorkerConfig())
		require.NoError(t, cfg.ValidateRelayConfig())
	})

	t.Run("load config with invalid port", func(t *testing.T) {
		cfg, err := Load("testdata/invalid_port.yaml")
		require.NoError(t, err)
		require.NotNil(t, cfg)

		err = cfg.ValidateAPIConfig()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid server port")
	})

	t.Run("load config with missing database", func(t *testing.T) {
		cfg, err := Load("testdata/missing_database.yaml")
		require.NoError(t, err)
		require.NotNil(t, cfg)

		err = cfg.ValidateWorkerConfig()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "database name is required")
	})
}

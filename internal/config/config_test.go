package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcoletaylor/tasker-sub003/internal/constants"
	"github.com/jcoletaylor/tasker-sub003/internal/errors"
)

// writeConfigFile writes a YAML config document to a temp file and returns
// its path.
func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tasker.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultConfig(t *testing.T) {
	t.Run("defaults are valid", func(t *testing.T) {
		cfg := DefaultConfig()
		require.NoError(t, Validate(cfg))
	})

	t.Run("defaults match documented values", func(t *testing.T) {
		cfg := DefaultConfig()

		assert.Equal(t, DriverSQLite, cfg.Database.Driver)
		assert.Equal(t, 5, cfg.Engine.WorkerPoolSize)
		assert.Equal(t, 25, cfg.Engine.FinalizerMaxInlineIterations)
		assert.Equal(t, int32(3), cfg.Engine.DefaultRetryLimit)
		assert.True(t, cfg.Engine.DefaultRetryable)
		assert.Equal(t, []string{
			"namespace", "name", "version", "context",
			"initiator", "source_system", "reason",
		}, cfg.Engine.IdentityFields)
		assert.Equal(t, int64(30), cfg.Backoff.CapSeconds)
		assert.Equal(t, SchedulerTimers, cfg.Reenqueue.Driver)
		assert.Equal(t, time.Second, cfg.Reenqueue.MinDelay)
		assert.Equal(t, 30*time.Second, cfg.Reenqueue.MaxDelay)
		assert.Equal(t, "info", cfg.Logging.Level)
	})
}

func TestLoad(t *testing.T) {
	t.Run("no config file yields defaults", func(t *testing.T) {
		// Run from a directory with no tasker.yaml.
		t.Chdir(t.TempDir())

		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, DefaultConfig(), cfg)
	})

	t.Run("explicit missing file is an error", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to read config file")
	})

	t.Run("file values override defaults", func(t *testing.T) {
		path := writeConfigFile(t, `
database:
  driver: postgres
  dsn: postgres://localhost:5432/tasker
engine:
  worker_pool_size: 12
reenqueue:
  min_delay: 2s
  max_delay: 20s
logging:
  level: debug
`)

		cfg, err := Load(path)
		require.NoError(t, err)

		assert.Equal(t, DriverPostgres, cfg.Database.Driver)
		assert.Equal(t, "postgres://localhost:5432/tasker", cfg.Database.DSN)
		assert.Equal(t, 12, cfg.Engine.WorkerPoolSize)
		assert.Equal(t, 2*time.Second, cfg.Reenqueue.MinDelay)
		assert.Equal(t, 20*time.Second, cfg.Reenqueue.MaxDelay)
		assert.Equal(t, "debug", cfg.Logging.Level)

		// Untouched sections keep their defaults.
		assert.Equal(t, 25, cfg.Engine.FinalizerMaxInlineIterations)
		assert.Equal(t, int64(30), cfg.Backoff.CapSeconds)
	})

	t.Run("TASKER_CONFIG points at the file", func(t *testing.T) {
		path := writeConfigFile(t, "engine:\n  worker_pool_size: 7\n")
		t.Setenv(constants.ConfigEnvVar, path)

		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, 7, cfg.Engine.WorkerPoolSize)
	})

	t.Run("environment overrides file", func(t *testing.T) {
		path := writeConfigFile(t, "engine:\n  worker_pool_size: 7\n")
		t.Setenv("TASKER_ENGINE_WORKER_POOL_SIZE", "9")

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, 9, cfg.Engine.WorkerPoolSize)
	})

	t.Run("invalid file values fail validation", func(t *testing.T) {
		path := writeConfigFile(t, "engine:\n  worker_pool_size: 0\n")

		_, err := Load(path)
		require.ErrorIs(t, err, errors.ErrConfigInvalid)
	})
}

func TestValidate(t *testing.T) {
	// mutate builds a default config and applies one change.
	mutate := func(fn func(*Config)) *Config {
		cfg := DefaultConfig()
		fn(cfg)
		return cfg
	}

	tests := []struct {
		name    string
		cfg     *Config
		wantErr error
	}{
		{
			name:    "nil config",
			cfg:     nil,
			wantErr: errors.ErrConfigInvalid,
		},
		{
			name:    "unknown database driver",
			cfg:     mutate(func(c *Config) { c.Database.Driver = "oracle" }),
			wantErr: errors.ErrUnknownDriver,
		},
		{
			name:    "sqlite without path",
			cfg:     mutate(func(c *Config) { c.Database.Path = "" }),
			wantErr: errors.ErrConfigInvalid,
		},
		{
			name: "postgres without dsn",
			cfg: mutate(func(c *Config) {
				c.Database.Driver = DriverPostgres
				c.Database.DSN = ""
			}),
			wantErr: errors.ErrConfigInvalid,
		},
		{
			name:    "zero worker pool",
			cfg:     mutate(func(c *Config) { c.Engine.WorkerPoolSize = 0 }),
			wantErr: errors.ErrConfigInvalid,
		},
		{
			name:    "zero finalizer iterations",
			cfg:     mutate(func(c *Config) { c.Engine.FinalizerMaxInlineIterations = 0 }),
			wantErr: errors.ErrConfigInvalid,
		},
		{
			name:    "negative retry limit",
			cfg:     mutate(func(c *Config) { c.Engine.DefaultRetryLimit = -1 }),
			wantErr: errors.ErrConfigInvalid,
		},
		{
			name:    "empty identity fields",
			cfg:     mutate(func(c *Config) { c.Engine.IdentityFields = nil }),
			wantErr: errors.ErrConfigInvalid,
		},
		{
			name:    "zero backoff cap",
			cfg:     mutate(func(c *Config) { c.Backoff.CapSeconds = 0 }),
			wantErr: errors.ErrConfigInvalid,
		},
		{
			name:    "unknown reenqueue driver",
			cfg:     mutate(func(c *Config) { c.Reenqueue.Driver = "rabbitmq" }),
			wantErr: errors.ErrUnknownDriver,
		},
		{
			name:    "min delay above max delay",
			cfg:     mutate(func(c *Config) { c.Reenqueue.MinDelay = time.Minute }),
			wantErr: errors.ErrConfigInvalid,
		},
		{
			name:    "zero min delay",
			cfg:     mutate(func(c *Config) { c.Reenqueue.MinDelay = 0 }),
			wantErr: errors.ErrConfigInvalid,
		},
		{
			name: "redis driver without addr",
			cfg: mutate(func(c *Config) {
				c.Reenqueue.Driver = SchedulerRedis
				c.Redis.Addr = ""
			}),
			wantErr: errors.ErrConfigInvalid,
		},
		{
			name: "redis driver without poll interval",
			cfg: mutate(func(c *Config) {
				c.Reenqueue.Driver = SchedulerRedis
				c.Redis.PollInterval = 0
			}),
			wantErr: errors.ErrConfigInvalid,
		},
		{
			name:    "valid defaults",
			cfg:     DefaultConfig(),
			wantErr: nil,
		},
		{
			name: "valid redis reenqueue",
			cfg: mutate(func(c *Config) {
				c.Reenqueue.Driver = SchedulerRedis
			}),
			wantErr: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.cfg)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
		})
	}
}

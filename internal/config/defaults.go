package config

import (
	"time"

	"github.com/jcoletaylor/tasker-sub003/internal/constants"
)

// Database driver names accepted by DatabaseConfig.Driver.
const (
	// DriverSQLite selects the embedded sqlite store.
	DriverSQLite = "sqlite"

	// DriverPostgres selects the pgx-backed postgres store.
	DriverPostgres = "postgres"
)

// Reenqueue driver names accepted by ReenqueueConfig.Driver.
const (
	// SchedulerTimers selects the in-process timer scheduler.
	SchedulerTimers = "timers"

	// SchedulerRedis selects the redis sorted-set scheduler.
	SchedulerRedis = "redis"
)

// defaultIdentityFields is the ordered field list fed to the identity hash
// when configuration does not override it. The names must stay in sync with
// the field constants in internal/identity.
//
//nolint:gochecknoglobals // Read-only default
var defaultIdentityFields = []string{
	"namespace",
	"name",
	"version",
	"context",
	"initiator",
	"source_system",
	"reason",
}

// DefaultConfig returns a Config populated with built-in defaults.
// These values match the defaults registered with viper in Load.
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Driver: DriverSQLite,
			Path:   "tasker.db",
		},
		Engine: EngineConfig{
			WorkerPoolSize:               constants.DefaultWorkerPoolSize,
			FinalizerMaxInlineIterations: constants.DefaultMaxInlineIterations,
			DefaultRetryLimit:            constants.DefaultRetryLimit,
			DefaultRetryable:             constants.DefaultRetryable,
			IdentityFields:               append([]string(nil), defaultIdentityFields...),
		},
		Backoff: BackoffConfig{
			CapSeconds: constants.DefaultBackoffCapSeconds,
		},
		Reenqueue: ReenqueueConfig{
			Driver:   SchedulerTimers,
			MinDelay: constants.DefaultReenqueueMinDelay,
			MaxDelay: constants.DefaultReenqueueMaxDelay,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			DB:           0,
			Key:          "tasker:due",
			PollInterval: 250 * time.Millisecond,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

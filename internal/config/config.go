// Package config provides configuration management for tasker with layered precedence.
//
// Configuration sources are loaded in the following order (highest precedence first):
//  1. Environment variables (TASKER_* prefix)
//  2. Config file (--config flag, $TASKER_CONFIG, else ./tasker.yaml)
//  3. Built-in defaults
//
// Each higher level completely overrides the lower level for the same key.
//
// IMPORTANT: This package may import internal/constants and internal/errors,
// but MUST NOT import internal/domain or other internal packages.
package config

import "time"

// Config is the root configuration structure for tasker.
// It contains all configuration sections for the process.
type Config struct {
	// Database selects and configures the backing store.
	Database DatabaseConfig `yaml:"database" mapstructure:"database"`

	// Engine contains settings for task processing and step execution.
	Engine EngineConfig `yaml:"engine" mapstructure:"engine"`

	// Backoff contains settings for retry backoff windows.
	Backoff BackoffConfig `yaml:"backoff" mapstructure:"backoff"`

	// Reenqueue contains settings for delayed task wake-ups.
	Reenqueue ReenqueueConfig `yaml:"reenqueue" mapstructure:"reenqueue"`

	// Redis configures the redis-backed reenqueue scheduler.
	// Only consulted when reenqueue.driver is "redis".
	Redis RedisConfig `yaml:"redis" mapstructure:"redis"`

	// Logging contains log output settings.
	Logging LoggingConfig `yaml:"logging" mapstructure:"logging"`
}

// DatabaseConfig selects the store implementation and its connection details.
type DatabaseConfig struct {
	// Driver selects the store implementation: "sqlite" or "postgres".
	// Default: "sqlite"
	Driver string `yaml:"driver" mapstructure:"driver"`

	// DSN is the postgres connection string. Required when Driver is
	// "postgres"; ignored otherwise.
	DSN string `yaml:"dsn" mapstructure:"dsn"`

	// Path is the sqlite database file path. Required when Driver is
	// "sqlite"; ignored otherwise.
	// Default: "tasker.db"
	Path string `yaml:"path" mapstructure:"path"`
}

// EngineConfig contains settings for task processing.
type EngineConfig struct {
	// WorkerPoolSize is the number of concurrent step executions per process.
	// Default: 5
	WorkerPoolSize int `yaml:"worker_pool_size" mapstructure:"worker_pool_size"`

	// FinalizerMaxInlineIterations caps how many discovery/execution rounds
	// one process_task call may run before deferring to a reenqueue.
	// Default: 25
	FinalizerMaxInlineIterations int `yaml:"finalizer_max_inline_iterations" mapstructure:"finalizer_max_inline_iterations"`

	// DefaultRetryLimit applies when a step row's retry_limit is NULL.
	// Default: 3
	DefaultRetryLimit int32 `yaml:"default_retry_limit" mapstructure:"default_retry_limit"`

	// DefaultRetryable applies when a step row's retryable is NULL.
	// Default: true
	DefaultRetryable bool `yaml:"default_retryable" mapstructure:"default_retryable"`

	// IdentityFields is the ordered list of submission fields fed to the
	// identity hash for task deduplication.
	// Default: [namespace, name, version, context, initiator, source_system, reason]
	IdentityFields []string `yaml:"identity_fields" mapstructure:"identity_fields"`
}

// BackoffConfig contains settings for retry backoff windows.
type BackoffConfig struct {
	// CapSeconds bounds the exponential retry backoff window. Explicit
	// handler-requested backoffs are not subject to this cap.
	// Default: 30
	CapSeconds int64 `yaml:"cap_seconds" mapstructure:"cap_seconds"`
}

// ReenqueueConfig contains settings for delayed task wake-ups.
type ReenqueueConfig struct {
	// Driver selects the scheduler: "timers" (in-process) or "redis".
	// Default: "timers"
	Driver string `yaml:"driver" mapstructure:"driver"`

	// MinDelay is the lower clamp applied to every scheduled delay.
	// Default: 1s
	MinDelay time.Duration `yaml:"min_delay" mapstructure:"min_delay"`

	// MaxDelay is the upper clamp applied to every scheduled delay.
	// Default: 30s
	MaxDelay time.Duration `yaml:"max_delay" mapstructure:"max_delay"`
}

// RedisConfig contains connection settings for the redis scheduler.
type RedisConfig struct {
	// Addr is the redis host:port.
	// Default: "localhost:6379"
	Addr string `yaml:"addr" mapstructure:"addr"`

	// Password authenticates the connection when set.
	Password string `yaml:"password,omitempty" mapstructure:"password"`

	// DB selects the redis logical database.
	// Default: 0
	DB int `yaml:"db" mapstructure:"db"`

	// Key is the sorted-set key holding due task ids.
	// Default: "tasker:due"
	Key string `yaml:"key" mapstructure:"key"`

	// PollInterval is how often a worker checks the due queue.
	// Default: 250ms
	PollInterval time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
}

// LoggingConfig contains log output settings.
type LoggingConfig struct {
	// Level is the minimum level emitted: trace, debug, info, warn, or error.
	// Default: "info"
	Level string `yaml:"level" mapstructure:"level"`

	// File appends JSON logs to a rotating file in addition to stderr
	// when set. Empty disables file logging.
	File string `yaml:"file,omitempty" mapstructure:"file"`
}

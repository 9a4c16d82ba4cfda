// Package constants provides centralized constant values used throughout the
// workflow engine. This package is the single source of truth for all shared
// constants and MUST NOT import any other internal packages.
package constants

import "time"

// Retry and backoff defaults applied when a step row leaves the
// corresponding column NULL.
const (
	// DefaultRetryLimit is the number of attempts a step is allowed when its
	// row does not set retry_limit.
	DefaultRetryLimit = 3

	// DefaultRetryable is assumed when a step row does not set retryable.
	DefaultRetryable = true

	// DefaultBackoffCapSeconds caps the exponential retry backoff
	// (min(2^attempts, cap) seconds).
	DefaultBackoffCapSeconds = 30
)

// Worker and finalizer defaults.
const (
	// DefaultWorkerPoolSize is the number of step handlers one process runs
	// concurrently.
	DefaultWorkerPoolSize = 5

	// DefaultMaxInlineIterations bounds how many discovery/execute/finalize
	// cycles a single tick may run before yielding.
	DefaultMaxInlineIterations = 25
)

// Reenqueue delay clamps. Every scheduled wake-up delay is forced into
// [DefaultReenqueueMinDelay, DefaultReenqueueMaxDelay] so operator
// intervention is always observed within the max.
const (
	// DefaultReenqueueMinDelay is the shortest wake-up delay the scheduler
	// will accept.
	DefaultReenqueueMinDelay = 1 * time.Second

	// DefaultReenqueueMaxDelay is the longest wake-up delay the scheduler
	// will accept.
	DefaultReenqueueMaxDelay = 30 * time.Second
)

// Environment and file defaults for process configuration.
const (
	// EnvPrefix is the prefix for configuration environment variables
	// (for example TASKER_ENGINE_WORKER_POOL_SIZE).
	EnvPrefix = "TASKER"

	// ConfigFileName is the default configuration file looked up in the
	// working directory when --config is not given.
	ConfigFileName = "tasker.yaml"

	// ConfigEnvVar names an environment variable holding the configuration
	// file path, checked after the --config flag.
	ConfigEnvVar = "TASKER_CONFIG"
)

// Rotation settings for the optional CLI log file.
const (
	// LogMaxSizeMB is the size a log file may reach before rotation.
	LogMaxSizeMB = 10

	// LogMaxBackups is the number of rotated files kept.
	LogMaxBackups = 3

	// LogMaxAgeDays is how long rotated files are kept.
	LogMaxAgeDays = 28

	// LogCompress gzips rotated files.
	LogCompress = true
)

package config

import (
	"github.com/jcoletaylor/tasker-sub003/internal/errors"
)

// Validate checks the configuration for invalid or inconsistent values.
// It returns an error describing the first validation failure found.
//
// Validation rules:
//   - Database driver must be "sqlite" or "postgres", with a path or DSN
//   - Engine worker pool size and finalizer iteration cap must be at least 1
//   - Engine default retry limit must not be negative
//   - Engine identity field list must not be empty
//   - Backoff cap must be positive
//   - Reenqueue driver must be "timers" or "redis"
//   - Reenqueue min delay must be positive and no greater than max delay
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.Wrap(errors.ErrConfigInvalid, "config must not be nil")
	}

	if err := validateDatabaseConfig(&cfg.Database); err != nil {
		return err
	}
	if err := validateEngineConfig(&cfg.Engine); err != nil {
		return err
	}
	if err := validateBackoffConfig(&cfg.Backoff); err != nil {
		return err
	}
	if err := validateReenqueueConfig(&cfg.Reenqueue, &cfg.Redis); err != nil {
		return err
	}

	return nil
}

// validateDatabaseConfig checks store selection values.
func validateDatabaseConfig(cfg *DatabaseConfig) error {
	switch cfg.Driver {
	case DriverSQLite:
		if cfg.Path == "" {
			return errors.Wrap(errors.ErrConfigInvalid,
				"database.path must not be empty for the sqlite driver")
		}
	case DriverPostgres:
		if cfg.DSN == "" {
			return errors.Wrap(errors.ErrConfigInvalid,
				"database.dsn must not be empty for the postgres driver")
		}
	default:
		return errors.Wrapf(errors.ErrUnknownDriver,
			"database.driver must be %q or %q, got %q", DriverSQLite, DriverPostgres, cfg.Driver)
	}

	return nil
}

// validateEngineConfig checks processing values.
func validateEngineConfig(cfg *EngineConfig) error {
	if cfg.WorkerPoolSize < 1 {
		return errors.Wrapf(errors.ErrConfigInvalid,
			"engine.worker_pool_size must be at least 1, got %d", cfg.WorkerPoolSize)
	}

	if cfg.FinalizerMaxInlineIterations < 1 {
		return errors.Wrapf(errors.ErrConfigInvalid,
			"engine.finalizer_max_inline_iterations must be at least 1, got %d", cfg.FinalizerMaxInlineIterations)
	}

	if cfg.DefaultRetryLimit < 0 {
		return errors.Wrapf(errors.ErrConfigInvalid,
			"engine.default_retry_limit cannot be negative, got %d", cfg.DefaultRetryLimit)
	}

	if len(cfg.IdentityFields) == 0 {
		return errors.Wrap(errors.ErrConfigInvalid,
			"engine.identity_fields must not be empty")
	}

	return nil
}

// validateBackoffConfig checks retry window values.
func validateBackoffConfig(cfg *BackoffConfig) error {
	if cfg.CapSeconds < 1 {
		return errors.Wrapf(errors.ErrConfigInvalid,
			"backoff.cap_seconds must be at least 1, got %d", cfg.CapSeconds)
	}

	return nil
}

// validateReenqueueConfig checks wake-up scheduling values.
func validateReenqueueConfig(cfg *ReenqueueConfig, redis *RedisConfig) error {
	switch cfg.Driver {
	case SchedulerTimers:
	case SchedulerRedis:
		if redis.Addr == "" {
			return errors.Wrap(errors.ErrConfigInvalid,
				"redis.addr must not be empty for the redis reenqueue driver")
		}
		if redis.PollInterval <= 0 {
			return errors.Wrapf(errors.ErrConfigInvalid,
				"redis.poll_interval must be positive, got %s", redis.PollInterval)
		}
	default:
		return errors.Wrapf(errors.ErrUnknownDriver,
			"reenqueue.driver must be %q or %q, got %q", SchedulerTimers, SchedulerRedis, cfg.Driver)
	}

	if cfg.MinDelay <= 0 {
		return errors.Wrapf(errors.ErrConfigInvalid,
			"reenqueue.min_delay must be positive, got %s", cfg.MinDelay)
	}

	if cfg.MaxDelay < cfg.MinDelay {
		return errors.Wrapf(errors.ErrConfigInvalid,
			"reenqueue.max_delay (%s) must not be less than reenqueue.min_delay (%s)",
			cfg.MaxDelay, cfg.MinDelay)
	}

	return nil
}

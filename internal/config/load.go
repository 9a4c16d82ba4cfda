package config

import (
	stderrors "errors"
	"os"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/jcoletaylor/tasker-sub003/internal/constants"
	"github.com/jcoletaylor/tasker-sub003/internal/errors"
)

// newViperInstance creates a Viper instance with standard tasker wiring:
// defaults, the TASKER_ environment prefix, and the key replacer.
func newViperInstance() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(constants.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// isConfigNotFoundError returns true if the error is a viper config file not
// found error.
func isConfigNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	var configNotFoundErr viper.ConfigFileNotFoundError
	return stderrors.As(err, &configNotFoundErr)
}

// unmarshalAndValidate unmarshals viper state into a Config and validates it.
func unmarshalAndValidate(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg, viperDecoderOption()); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load reads configuration from all available sources with proper precedence.
// Configuration is loaded in the following order (highest precedence first):
//  1. Environment variables (TASKER_* prefix)
//  2. Config file (path argument, $TASKER_CONFIG, else ./tasker.yaml)
//  3. Built-in defaults
//
// path is the explicit config file location from the --config flag; empty
// falls back to $TASKER_CONFIG and then ./tasker.yaml. A missing fallback
// file is not an error; a missing explicit file is.
func Load(path string) (*Config, error) {
	v := newViperInstance()

	explicit := path != ""
	if !explicit {
		if env := os.Getenv(constants.ConfigEnvVar); env != "" {
			path = env
			explicit = true
		} else {
			path = constants.ConfigFileName
		}
	}

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		missing := isConfigNotFoundError(err) || os.IsNotExist(err)
		if explicit || !missing {
			return nil, errors.Wrapf(err, "failed to read config file: %s", path)
		}
	}

	return unmarshalAndValidate(v)
}

// setDefaults configures all default values on the Viper instance.
// These defaults match the values from DefaultConfig().
// IMPORTANT: Keys must match the mapstructure tag names exactly.
func setDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.driver", DriverSQLite)
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.path", "tasker.db")

	// Engine defaults
	v.SetDefault("engine.worker_pool_size", constants.DefaultWorkerPoolSize)
	v.SetDefault("engine.finalizer_max_inline_iterations", constants.DefaultMaxInlineIterations)
	v.SetDefault("engine.default_retry_limit", constants.DefaultRetryLimit)
	v.SetDefault("engine.default_retryable", constants.DefaultRetryable)
	v.SetDefault("engine.identity_fields", defaultIdentityFields)

	// Backoff defaults
	v.SetDefault("backoff.cap_seconds", constants.DefaultBackoffCapSeconds)

	// Reenqueue defaults
	v.SetDefault("reenqueue.driver", SchedulerTimers)
	v.SetDefault("reenqueue.min_delay", constants.DefaultReenqueueMinDelay.String())
	v.SetDefault("reenqueue.max_delay", constants.DefaultReenqueueMaxDelay.String())

	// Redis defaults
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key", "tasker:due")
	v.SetDefault("redis.poll_interval", "250ms")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.file", "")
}

// viperDecoderOption returns the decoder options for Viper unmarshal.
// This configures mapstructure to handle time.Duration conversion from strings.
func viperDecoderOption() viper.DecoderConfigOption {
	return viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
		),
	)
}

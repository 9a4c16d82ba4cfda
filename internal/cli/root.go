// Package cli implements the tasker command-line interface.
package cli

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jcoletaylor/tasker-sub003/internal/config"
	"github.com/jcoletaylor/tasker-sub003/internal/constants"
	"github.com/jcoletaylor/tasker-sub003/internal/engine"
	"github.com/jcoletaylor/tasker-sub003/internal/errors"
	"github.com/jcoletaylor/tasker-sub003/internal/events"
	"github.com/jcoletaylor/tasker-sub003/internal/logging"
	"github.com/jcoletaylor/tasker-sub003/internal/registry"
	"github.com/jcoletaylor/tasker-sub003/internal/requeue"
	"github.com/jcoletaylor/tasker-sub003/internal/storage"
	"github.com/jcoletaylor/tasker-sub003/internal/storage/postgres"
	"github.com/jcoletaylor/tasker-sub003/internal/storage/sqlite"
)

// Exit codes for the CLI.
const (
	// ExitSuccess indicates successful execution.
	ExitSuccess = 0
	// ExitError indicates a general error.
	ExitError = 1
	// ExitInvalidInput indicates invalid user input.
	ExitInvalidInput = 2
)

// BuildInfo contains version information set at build time via ldflags.
type BuildInfo struct {
	// Version is the semantic version (e.g., "1.0.0").
	Version string
	// Commit is the git commit hash.
	Commit string
	// Date is the build date.
	Date string
}

// GlobalFlags holds flags available to all commands.
type GlobalFlags struct {
	// ConfigPath is an explicit configuration file path.
	ConfigPath string
	// LogFile appends JSON logs to a rotating file when set. Overrides the
	// logging.file configuration key.
	LogFile string
	// Verbose enables debug-level logging.
	Verbose bool
	// Quiet suppresses everything below error level.
	Quiet bool
}

// AddGlobalFlags adds the persistent flags every command shares.
func AddGlobalFlags(cmd *cobra.Command, flags *GlobalFlags) {
	cmd.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "configuration file (default ./tasker.yaml, $TASKER_CONFIG)")
	cmd.PersistentFlags().StringVar(&flags.LogFile, "log-file", "", "append JSON logs to a rotating file")
	cmd.PersistentFlags().BoolVarP(&flags.Verbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flags.Quiet, "quiet", "q", false, "log errors only")
	cmd.MarkFlagsMutuallyExclusive("verbose", "quiet")
}

// BindGlobalFlags binds the persistent flags to Viper so environment
// variables with the TASKER_ prefix can set them (TASKER_VERBOSE,
// TASKER_LOG_FILE, ...).
func BindGlobalFlags(v *viper.Viper, cmd *cobra.Command) error {
	rootFlags := cmd.Root().PersistentFlags()

	for _, name := range []string{"config", "log-file", "verbose", "quiet"} {
		if err := v.BindPFlag(name, rootFlags.Lookup(name)); err != nil {
			return err
		}
	}

	v.SetEnvPrefix(constants.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	return nil
}

// globalLogger stores the logger initialized by PersistentPreRunE for use
// by code without access to the app state. Guarded by globalLoggerMu.
var (
	globalLogger   zerolog.Logger //nolint:gochecknoglobals // CLI-wide logger access
	globalLoggerMu sync.RWMutex   //nolint:gochecknoglobals // protects globalLogger
)

// GetLogger returns the logger initialized by the root command. Before
// PersistentPreRunE has run it returns a zero-value logger that discards
// everything.
func GetLogger() zerolog.Logger {
	globalLoggerMu.RLock()
	defer globalLoggerMu.RUnlock()
	return globalLogger
}

// app carries the state PersistentPreRunE establishes for subcommands.
type app struct {
	flags  *GlobalFlags
	cfg    *config.Config
	logger zerolog.Logger
}

// newRootCmd assembles the tasker command tree.
func newRootCmd(flags *GlobalFlags, info BuildInfo) *cobra.Command {
	v := viper.New()
	a := &app{flags: flags}

	cmd := &cobra.Command{
		Use:   "tasker",
		Short: "tasker - durable workflow engine",
		Long: `tasker runs tasks as directed acyclic graphs of steps with durable,
append-only state. Steps execute when their dependencies complete, failed
steps retry with exponential backoff, and every state change is a
persisted transition row.

A task submitted once is a task submitted exactly once: identical
submissions deduplicate to the already-running task by identity hash.`,
		Version: formatVersion(info),
		// Run displays help when invoked without a subcommand so
		// PersistentPreRunE still validates flags.
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := BindGlobalFlags(v, cmd); err != nil {
				return fmt.Errorf("bind flags: %w", err)
			}

			cfg, err := config.Load(flags.ConfigPath)
			if err != nil {
				return err
			}

			logger := InitLogger(cfg.Logging, flags)

			a.cfg = cfg
			a.logger = logger
			return nil
		},
		// The caller prints errors with an actionable hint, so cobra's own
		// error echo is silenced.
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	AddGlobalFlags(cmd, flags)

	AddMigrateCommand(cmd, a)
	AddSubmitCommand(cmd, a)
	AddProcessCommand(cmd, a)
	AddWorkCommand(cmd, a)
	AddStatusCommand(cmd, a)

	return cmd
}

// formatVersion creates the version string from build info.
func formatVersion(info BuildInfo) string {
	if info.Version == "" {
		info.Version = "dev"
	}
	if info.Commit == "" {
		info.Commit = "none"
	}
	if info.Date == "" {
		info.Date = "unknown"
	}
	return fmt.Sprintf("%s (commit: %s, built: %s)", info.Version, info.Commit, info.Date)
}

// Execute runs the root command with the provided context and build info.
func Execute(ctx context.Context, info BuildInfo) error {
	flags := &GlobalFlags{}
	cmd := newRootCmd(flags, info)
	return cmd.ExecuteContext(ctx)
}

// ExitCodeForError maps an error to the process exit code: 0 for nil, 2
// for invalid input (bad flags, arguments, or submission documents), 1
// otherwise.
func ExitCodeForError(err error) int {
	if err == nil {
		return ExitSuccess
	}

	if errors.Is(err, errors.ErrInvalidArgument) || errors.Is(err, errors.ErrValidationFailed) {
		return ExitInvalidInput
	}

	if isInvalidInputError(err.Error()) {
		return ExitInvalidInput
	}

	return ExitError
}

// isInvalidInputError catches cobra's own flag and argument validation
// messages, which carry no sentinel to test against.
func isInvalidInputError(errMsg string) bool {
	patterns := []string{
		"unknown flag",
		"unknown shorthand flag",
		"flag needs an argument",
		"invalid argument",
		"if any flags in the group",
		"required flag",
		"unknown command",
		"accepts at most",
		"requires at least",
	}

	for _, pattern := range patterns {
		if strings.Contains(errMsg, pattern) {
			return true
		}
	}
	return false
}

// runtime bundles the wired engine a command operates: store, bus,
// registry with the demo workflows registered, coordinator, and the
// configured reenqueue scheduler.
type runtime struct {
	store  storage.Store
	bus    *events.Bus
	reg    *registry.Registry
	coord  *engine.Coordinator
	timers *requeue.Timers
	redis  *requeue.Redis

	redisClient *goredis.Client
	logger      zerolog.Logger
}

// buildRuntime opens the configured store and wires registry, bus,
// scheduler, and coordinator around it. Callers own the result and must
// Close it.
func (a *app) buildRuntime(ctx context.Context) (*runtime, error) {
	store, err := openStore(ctx, a.cfg, a.logger)
	if err != nil {
		return nil, err
	}

	rt := &runtime{
		store:  store,
		bus:    events.NewBus(a.logger),
		reg:    registry.New(store, registry.WithLogger(a.logger)),
		logger: a.logger,
	}

	// The waker resolves through rt so the coordinator can be constructed
	// after the scheduler that delivers to it.
	waker := func(ctx context.Context, taskID uuid.UUID) error {
		return rt.coord.ProcessTask(ctx, taskID)
	}

	var sched requeue.Scheduler
	switch a.cfg.Reenqueue.Driver {
	case config.SchedulerRedis:
		rt.redisClient = goredis.NewClient(&goredis.Options{
			Addr:     a.cfg.Redis.Addr,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
		})
		rt.redis = requeue.NewRedis(rt.redisClient, a.cfg.Redis.Key, waker,
			requeue.WithLogger(a.logger),
			requeue.WithDelayBounds(a.cfg.Reenqueue.MinDelay, a.cfg.Reenqueue.MaxDelay),
			requeue.WithPollInterval(a.cfg.Redis.PollInterval),
		)
		sched = rt.redis
	default:
		rt.timers = requeue.NewTimers(waker,
			requeue.WithLogger(a.logger),
			requeue.WithDelayBounds(a.cfg.Reenqueue.MinDelay, a.cfg.Reenqueue.MaxDelay),
		)
		sched = rt.timers
	}

	if err := registerDemoWorkflows(ctx, rt); err != nil {
		rt.Close()
		return nil, err
	}

	coord, err := engine.New(store, rt.reg, rt.bus, engineConfig(a.cfg), a.logger,
		engine.WithScheduler(sched),
	)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.coord = coord

	return rt, nil
}

// Close releases the runtime's scheduler and store.
func (rt *runtime) Close() {
	if rt.timers != nil {
		rt.timers.Close()
	}
	if rt.redisClient != nil {
		if err := rt.redisClient.Close(); err != nil {
			rt.logger.Warn().Err(err).Msg("closing redis client")
		}
	}
	if err := rt.store.Close(); err != nil {
		rt.logger.Warn().Err(err).Msg("closing store")
	}
}

// openStore opens the configured store implementation. The sqlite store
// initializes its schema on open; postgres expects 'tasker migrate' to
// have run.
func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (storage.Store, error) {
	switch cfg.Database.Driver {
	case config.DriverSQLite:
		store, err := sqlite.New(cfg.Database.Path,
			sqlite.WithLogger(logger),
			sqlite.WithRetryDefaults(cfg.Engine.DefaultRetryLimit, cfg.Engine.DefaultRetryable),
			sqlite.WithBackoffCap(cfg.Backoff.CapSeconds),
		)
		if err != nil {
			return nil, err
		}
		if err := store.Init(ctx); err != nil {
			_ = store.Close()
			return nil, err
		}
		return store, nil
	case config.DriverPostgres:
		logger.Debug().
			Str("dsn", logging.FilterSensitiveValue(cfg.Database.DSN)).
			Msg("connecting to postgres")
		return postgres.Connect(ctx, cfg.Database.DSN,
			postgres.WithLogger(logger),
			postgres.WithRetryDefaults(cfg.Engine.DefaultRetryLimit, cfg.Engine.DefaultRetryable),
			postgres.WithBackoffCap(cfg.Backoff.CapSeconds),
		)
	default:
		return nil, errors.Wrapf(errors.ErrInvalidArgument, "unknown database driver %q", cfg.Database.Driver)
	}
}

// engineConfig maps the process configuration onto the engine's knobs.
func engineConfig(cfg *config.Config) engine.Config {
	return engine.Config{
		WorkerPoolSize:      cfg.Engine.WorkerPoolSize,
		MaxInlineIterations: cfg.Engine.FinalizerMaxInlineIterations,
		MinReenqueueDelay:   cfg.Reenqueue.MinDelay,
		MaxReenqueueDelay:   cfg.Reenqueue.MaxDelay,
		IdentityFields:      cfg.Engine.IdentityFields,
	}
}

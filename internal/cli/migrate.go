package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/jcoletaylor/tasker-sub003/internal/config"
	"github.com/jcoletaylor/tasker-sub003/internal/errors"
	"github.com/jcoletaylor/tasker-sub003/internal/storage/postgres"
	"github.com/jcoletaylor/tasker-sub003/internal/storage/sqlite"
)

// AddMigrateCommand registers the migrate command on the root command.
func AddMigrateCommand(rootCmd *cobra.Command, a *app) {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		Long: `Apply the database schema for the configured driver.

For sqlite the schema is created in place. For postgres the embedded
migrations run against database.dsn and record their versions in the
goose_db_version table. The command is idempotent either way.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMigrate(cmd.Context(), cmd.OutOrStdout(), a.cfg, a.logger)
		},
	}

	rootCmd.AddCommand(cmd)
}

// runMigrate executes the migrate command.
func runMigrate(ctx context.Context, w io.Writer, cfg *config.Config, logger zerolog.Logger) error {
	switch cfg.Database.Driver {
	case config.DriverSQLite:
		store, err := sqlite.New(cfg.Database.Path, sqlite.WithLogger(logger))
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		if err := store.Init(ctx); err != nil {
			return err
		}

		fmt.Fprintf(w, "sqlite schema ready: %s\n", cfg.Database.Path)
		return nil

	case config.DriverPostgres:
		store, err := postgres.Connect(ctx, cfg.Database.DSN, postgres.WithLogger(logger))
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		if err := store.Init(ctx); err != nil {
			return err
		}

		fmt.Fprintln(w, "postgres migrations applied")
		return nil

	default:
		return errors.Wrapf(errors.ErrInvalidArgument, "unknown database driver %q", cfg.Database.Driver)
	}
}

package postgres

import (
	"context"
	"embed"

	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/jcoletaylor/tasker-sub003/internal/errors"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Init applies the embedded schema migrations. It is idempotent: goose
// records applied versions in goose_db_version and skips them on re-run.
func (s *Store) Init(ctx context.Context) error {
	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("postgres"); err != nil {
		return errors.Wrap(err, "set goose dialect")
	}

	// goose drives a database/sql handle; this one borrows connections
	// from the pool and returns them on Close without closing the pool.
	db := stdlib.OpenDBFromPool(s.pool)
	defer db.Close() //nolint:errcheck

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return errors.Wrap(err, "apply migrations")
	}

	s.logger.Debug().Msg("postgres schema migrated")
	return nil
}

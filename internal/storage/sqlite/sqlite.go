// Package sqlite implements storage.Store on modernc.org/sqlite, the pure
// Go SQLite driver. It backs development, tests, and single-process
// deployments; postgres is the production store.
//
// The store opens one shared connection (SetMaxOpenConns(1)) so concurrent
// goroutines serialize through a single writer instead of racing into
// SQLITE_BUSY. Timestamps are stored as unix epoch seconds, and every query
// that evaluates backoff windows takes "now" as a parameter rather than
// reading the wall clock.
//
// Import rules:
//   - CAN import: internal/constants, internal/domain, internal/errors,
//     internal/storage, std lib
//   - MUST NOT import: internal/engine, internal/lifecycle, internal/cli
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/jcoletaylor/tasker-sub003/internal/constants"
	"github.com/jcoletaylor/tasker-sub003/internal/errors"
	"github.com/jcoletaylor/tasker-sub003/internal/storage"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// Store implements storage.Store backed by a local SQLite file
// (or ":memory:" for tests).
type Store struct {
	db     *sql.DB
	logger zerolog.Logger

	// Fallback retry posture for step rows whose retry columns are NULL,
	// and the cap on the exponential backoff window. Bound into every
	// readiness and health query.
	retryLimit int32
	retryable  bool
	backoffCap int64
}

// Ensure Store implements the full persistence surface.
var _ storage.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets a structured logger for the store. Without it the store
// is silent.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithRetryDefaults overrides the retry posture assumed for step rows
// whose retry_limit or retryable columns are NULL.
func WithRetryDefaults(retryLimit int32, retryable bool) Option {
	return func(s *Store) {
		if retryLimit >= 0 {
			s.retryLimit = retryLimit
		}
		s.retryable = retryable
	}
}

// WithBackoffCap overrides the upper bound, in seconds, on the exponential
// retry backoff window.
func WithBackoffCap(seconds int64) Option {
	return func(s *Store) {
		if seconds > 0 {
			s.backoffCap = seconds
		}
	}
}

// New opens a store at the given path. The single-connection pool is what
// makes concurrent engine workers safe against SQLITE_BUSY; every statement
// funnels through one writer.
func New(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite database")
	}
	db.SetMaxOpenConns(1)

	s := &Store{
		db:         db,
		logger:     zerolog.Nop(),
		retryLimit: constants.DefaultRetryLimit,
		retryable:  constants.DefaultRetryable,
		backoffCap: constants.DefaultBackoffCapSeconds,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Init creates the schema. It is idempotent; every statement is
// CREATE ... IF NOT EXISTS, so calling it on an existing database is safe.
func (s *Store) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		return errors.Wrap(err, "enable foreign keys")
	}
	for _, ddl := range schemaDDL {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return errors.Wrap(err, "create schema")
		}
	}
	s.logger.Debug().Msg("sqlite schema initialized")
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// isUniqueViolation reports whether err is a SQLite unique constraint
// failure. modernc.org/sqlite surfaces constraint errors as plain text, so
// the check matches on the message.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// isForeignKeyViolation reports whether err is a SQLite foreign key
// constraint failure.
func isForeignKeyViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

// epoch converts a time to the stored unix-second representation.
func epoch(t time.Time) int64 {
	return t.UTC().Unix()
}

// fromEpoch converts a stored unix second back to a UTC time.
func fromEpoch(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}

// nullEpoch converts an optional time to a bindable value.
func nullEpoch(t *time.Time) any {
	if t == nil {
		return nil
	}
	return epoch(*t)
}

// timePtr converts a nullable epoch column to an optional time.
func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromEpoch(v.Int64)
	return &t
}

// nullJSON converts an optional JSON document to a bindable value. Empty
// documents store as NULL.
func nullJSON(v json.RawMessage) any {
	if len(v) == 0 {
		return nil
	}
	return string(v)
}

// jsonColumn converts a nullable TEXT column back to a raw JSON document.
func jsonColumn(v sql.NullString) json.RawMessage {
	if !v.Valid || v.String == "" {
		return nil
	}
	return json.RawMessage(v.String)
}

// marshalStrings stores a string slice as a JSON array, NULL when empty.
func marshalStrings(v []string) (any, error) {
	if len(v) == 0 {
		return nil, nil //nolint:nilnil // nil is the NULL bind value
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "marshal string list")
	}
	return string(data), nil
}

// unmarshalStrings reads a JSON array column back into a string slice.
func unmarshalStrings(v sql.NullString) ([]string, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(v.String), &out); err != nil {
		return nil, errors.Wrap(err, "unmarshal string list")
	}
	return out, nil
}

// placeholders returns a comma-joined list of n "?" markers for IN clauses.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// Package postgres implements storage.Store on jackc/pgx/v5, the
// production store. The schema ships as embedded goose migrations; Init
// applies them on startup.
//
// The SQL mirrors the sqlite store statement for statement so the two
// dialects cannot drift: ids are canonical UUID strings (TEXT), timestamps
// are unix epoch seconds (BIGINT), JSON documents are JSONB, and every
// query that evaluates backoff windows takes "now" as a parameter rather
// than reading the wall clock. Dialect differences are confined to
// placeholders, GREATEST/LEAST, and FILTER aggregates.
//
// Import rules:
//   - CAN import: internal/constants, internal/domain, internal/errors,
//     internal/storage, std lib
//   - MUST NOT import: internal/engine, internal/lifecycle, internal/cli
package postgres

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/jcoletaylor/tasker-sub003/internal/constants"
	"github.com/jcoletaylor/tasker-sub003/internal/errors"
	"github.com/jcoletaylor/tasker-sub003/internal/storage"
)

// Store implements storage.Store backed by a PostgreSQL connection pool.
type Store struct {
	pool     *pgxpool.Pool
	logger   zerolog.Logger
	ownsPool bool

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

// New wraps an existing pool. The caller owns the pool and closes it;
// Close on the returned store is a no-op.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:       pool,
		logger:     zerolog.Nop(),
		retryLimit: constants.DefaultRetryLimit,
		retryable:  constants.DefaultRetryable,
		backoffCap: constants.DefaultBackoffCapSeconds,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect opens a pool for the DSN and returns a store that owns it, so
// Close tears the pool down. The ping catches bad credentials at startup
// instead of on the first query.
func Connect(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "parse postgres dsn")
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "open postgres pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}

	s := New(pool, opts...)
	s.ownsPool = true
	return s, nil
}

// Close releases the pool when this store opened it.
func (s *Store) Close() error {
	if s.ownsPool {
		s.pool.Close()
	}
	return nil
}

// rowScanner is satisfied by both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// isUniqueViolation reports whether err is a unique constraint failure
// (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// isForeignKeyViolation reports whether err is a foreign key constraint
// failure (SQLSTATE 23503).
func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}

// epoch converts a time to the stored unix-second representation.
func epoch(t time.Time) int64 {
	return t.UTC().Unix()
}

// fromEpoch converts a stored unix second back to a UTC time.
func fromEpoch(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}

// timePtr converts a nullable epoch column to an optional time.
func timePtr(sec *int64) *time.Time {
	if sec == nil {
		return nil
	}
	t := fromEpoch(*sec)
	return &t
}

// strVal flattens a nullable TEXT column to its zero-value-for-NULL form.
func strVal(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

// nullJSON converts an optional JSON document to a bindable value. Empty
// documents store as NULL.
func nullJSON(v json.RawMessage) any {
	if len(v) == 0 {
		return nil
	}
	return string(v)
}

// jsonVal converts a nullable JSONB column back to a raw JSON document.
func jsonVal(b []byte) json.RawMessage {
	if len(b) == 0 {
		return nil
	}
	return json.RawMessage(b)
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
func unmarshalStrings(b []byte) ([]string, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, errors.Wrap(err, "unmarshal string list")
	}
	return out, nil
}

// placeholders returns a comma-joined list of $start..$start+n-1 markers
// for IN clauses.
func placeholders(start, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = "$" + strconv.Itoa(start+i)
	}
	return strings.Join(parts, ",")
}

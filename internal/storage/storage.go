// ABOUTME: SQLite connection for coven-courier using modernc.org/sqlite
// ABOUTME: Applies WAL/foreign-key/cache pragmas to every pooled connection

package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/2389/coven-courier/internal/apperr"
)

// Defaults applied by Open when Options leaves a field zero.
const (
	DefaultBusyTimeout  = 5 * time.Second
	DefaultCacheSizeKiB = 8192
	DefaultMaxOpenConns = 8
)

// Options configures Open.
type Options struct {
	Path         string
	BusyTimeout  time.Duration
	CacheSizeKiB int
	MaxOpenConns int
	Logger       *slog.Logger
}

// DB owns the physical database handle. It is safe for concurrent use.
type DB struct {
	sql    *sql.DB
	path   string
	logger *slog.Logger
}

// Open opens (creating if needed) the database file at opts.Path.
// Parent directories are created if needed.
func Open(ctx context.Context, opts Options) (*DB, error) {
	if opts.Path == "" {
		return nil, apperr.Validation("invalid_path", "database path is required")
	}
	if opts.Path == ":memory:" {
		// Each pooled connection would see its own empty database.
		return nil, apperr.Validation("invalid_path", "in-memory databases are not supported; use a file path")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "storage")

	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = DefaultBusyTimeout
	}
	if opts.CacheSizeKiB <= 0 {
		opts.CacheSizeKiB = DefaultCacheSizeKiB
	}
	if opts.MaxOpenConns <= 0 {
		opts.MaxOpenConns = DefaultMaxOpenConns
	}

	// Ensure parent directory exists
	if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
		return nil, apperr.Storage("io", err, "creating database directory")
	}

	db, err := sql.Open("sqlite", dsn(opts))
	if err != nil {
		return nil, apperr.Storage("io", err, "opening database")
	}
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, apperr.Storage("io", err, "connecting to database")
	}

	var mode string
	if err := db.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&mode); err != nil {
		db.Close()
		return nil, apperr.Storage("io", err, "reading journal mode")
	}
	if !strings.EqualFold(mode, "wal") {
		db.Close()
		return nil, apperr.Storage("io", nil, "journal mode is %q, want wal", mode)
	}

	logger.Info("SQLite storage opened", "path", opts.Path, "max_conns", opts.MaxOpenConns)
	return &DB{sql: db, path: opts.Path, logger: logger}, nil
}

// dsn builds the modernc connection string. Pragmas given as _pragma
// parameters run on every new connection in the pool, unlike a one-off Exec.
func dsn(opts Options) string {
	params := url.Values{}
	params.Add("_pragma", "journal_mode(WAL)")
	params.Add("_pragma", "foreign_keys(1)")
	params.Add("_pragma", "busy_timeout("+strconv.FormatInt(opts.BusyTimeout.Milliseconds(), 10)+")")
	params.Add("_pragma", "synchronous(NORMAL)")
	params.Add("_pragma", "cache_size(-"+strconv.Itoa(opts.CacheSizeKiB)+")")
	params.Add("_pragma", "auto_vacuum(INCREMENTAL)")
	params.Add("_pragma", "temp_store(MEMORY)")
	// Writers take the RESERVED lock at BEGIN instead of upgrading later,
	// which would fail with SQLITE_BUSY under concurrent writers.
	params.Set("_txlock", "immediate")
	return "file:" + escapePath(opts.Path) + "?" + params.Encode()
}

// escapePath percent-encodes each segment of path so '?', '#' and '%' in a
// file name reach SQLite as part of the name rather than URI syntax.
func escapePath(path string) string {
	segments := strings.Split(filepath.ToSlash(path), "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return strings.Join(segments, "/")
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Close closes the database connection
func (db *DB) Close() error {
	db.logger.Info("closing SQLite storage")
	if err := db.sql.Close(); err != nil {
		return apperr.Storage("io", err, "closing database")
	}
	return nil
}

// Querier is the subset of *sql.DB and *sql.Tx used by callers. Statements
// always take bound parameters; callers never splice caller-supplied values
// into SQL text.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	PrepareContext(ctx context.Context, query string) (*sql.Stmt, error)
}

// Querier returns the transaction carried by ctx, or the connection pool.
func (db *DB) Querier(ctx context.Context) Querier {
	if tx := txFromContext(ctx); tx != nil {
		return tx
	}
	return db.sql
}

// Exec runs a statement in the ambient scope and wraps failures.
func (db *DB) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	res, err := db.Querier(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		return nil, Wrap(err, "", "executing statement")
	}
	return res, nil
}

// Query runs a query in the ambient scope and wraps failures.
func (db *DB) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	rows, err := db.Querier(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, Wrap(err, "", "running query")
	}
	return rows, nil
}

// QueryRow runs a single-row query in the ambient scope.
func (db *DB) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return db.Querier(ctx).QueryRowContext(ctx, query, args...)
}

// Prepare prepares a statement in the ambient scope. The caller closes it.
func (db *DB) Prepare(ctx context.Context, query string) (*sql.Stmt, error) {
	stmt, err := db.Querier(ctx).PrepareContext(ctx, query)
	if err != nil {
		return nil, Wrap(err, "", "preparing statement")
	}
	return stmt, nil
}

// TableExists reports whether a table (or virtual table) with the given name exists.
func (db *DB) TableExists(ctx context.Context, name string) (bool, error) {
	var n int
	err := db.QueryRow(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, name).Scan(&n)
	if err != nil {
		return false, Wrap(err, name, "checking table")
	}
	return n > 0, nil
}

// Wrap converts a driver error into a typed storage error. Typed errors and
// nil pass through unchanged.
func Wrap(err error, entity string, format string, args ...any) error {
	if err == nil {
		return nil
	}
	if apperr.KindOf(err) != "" {
		return err
	}
	e := apperr.Storage(classify(err), err, format, args...)
	if entity != "" {
		e = e.WithEntity(entity)
	}
	return e
}

// classify maps SQLite error text onto stable codes.
func classify(err error) string {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "constraint failed"):
		return "constraint_violation"
	case strings.Contains(msg, "database is locked"), strings.Contains(msg, "SQLITE_BUSY"):
		return "busy"
	case strings.Contains(msg, "malformed"), strings.Contains(msg, "corrupt"):
		return "corrupt"
	default:
		return "io"
	}
}

// IsConstraintViolation reports whether err is a SQLite constraint failure.
func IsConstraintViolation(err error) bool {
	return apperr.CodeOf(err) == "constraint_violation" ||
		(err != nil && strings.Contains(err.Error(), "constraint failed"))
}

func (db *DB) String() string {
	return fmt.Sprintf("storage(%s)", db.path)
}

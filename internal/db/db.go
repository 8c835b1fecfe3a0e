package db

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
)

const driverName = "sqlite3_specpipe"

var registerOnce sync.Once

// registerDriver installs a sqlite3 driver whose connect hook applies the
// pragmas that have no DSN parameter.
func registerDriver() {
	registerOnce.Do(func() {
		sql.Register(driverName, &sqlite3.SQLiteDriver{
			ConnectHook: func(c *sqlite3.SQLiteConn) error {
				_, err := c.Exec("PRAGMA temp_store=MEMORY", nil)
				return err
			},
		})
	})
}

// Behavior selects how a transaction takes the database lock.
type Behavior int

const (
	// Immediate takes the write lock at BEGIN. Used for commits.
	Immediate Behavior = iota
	// Deferred takes no lock until the first statement. Used for reads.
	Deferred
)

func (b Behavior) String() string {
	if b == Deferred {
		return "deferred"
	}
	return "immediate"
}

// Options configures the connection pools.
type Options struct {
	BusyTimeout time.Duration
	CacheSizeKB int
	MaxReaders  int
	Retry       RetryPolicy
}

// DefaultOptions returns the pool settings used when none are configured.
func DefaultOptions() Options {
	return Options{
		BusyTimeout: 5 * time.Second,
		CacheSizeKB: 32000,
		MaxReaders:  4,
		Retry:       DefaultRetryPolicy(),
	}
}

// DB wraps the SQLite pools. All writes go through a single-connection
// writer pool; reads use a separate pool so they never queue behind the
// writer under WAL.
type DB struct {
	writer *sql.DB
	reader *sql.DB
	path   string
	retry  RetryPolicy
	now    func() time.Time
}

// DefaultDBPath returns ~/.specpipe/specpipe.db, creating the directory if needed.
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home directory: %w", err)
	}
	dir := filepath.Join(home, ".specpipe")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create directory %s: %w", dir, err)
	}
	return filepath.Join(dir, "specpipe.db"), nil
}

func isMemory(path string) bool {
	return path == ":memory:" || strings.HasPrefix(path, "file::memory:")
}

// dsn builds the connection string for one pool. Every connection the pool
// creates gets the same pragmas.
func dsn(path string, opts Options, readOnly bool) string {
	q := url.Values{}
	q.Set("_busy_timeout", fmt.Sprintf("%d", opts.BusyTimeout.Milliseconds()))
	q.Set("_foreign_keys", "on")
	q.Set("_synchronous", "NORMAL")
	q.Set("_cache_size", fmt.Sprintf("-%d", opts.CacheSizeKB))
	if readOnly {
		q.Set("mode", "ro")
		q.Set("_txlock", "deferred")
	} else {
		q.Set("_journal_mode", "WAL")
		q.Set("_auto_vacuum", "incremental")
		q.Set("_txlock", "immediate")
	}
	if isMemory(path) {
		return "file::memory:?" + q.Encode()
	}
	return "file:" + path + "?" + q.Encode()
}

// Open opens or creates the database at the given path.
func Open(path string, opts Options) (*DB, error) {
	registerDriver()
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = DefaultOptions().BusyTimeout
	}
	if opts.CacheSizeKB <= 0 {
		opts.CacheSizeKB = DefaultOptions().CacheSizeKB
	}
	if opts.MaxReaders <= 0 {
		opts.MaxReaders = DefaultOptions().MaxReaders
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = DefaultRetryPolicy()
	}

	writer, err := sql.Open(driverName, dsn(path, opts, false))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	writer.SetMaxOpenConns(1)
	if err := writer.Ping(); err != nil {
		writer.Close()
		return nil, fmt.Errorf("ping database: %w", classify(err))
	}

	d := &DB{writer: writer, reader: writer, path: path, retry: opts.Retry, now: time.Now}
	if isMemory(path) {
		// An in-memory database lives on one connection; readers share it.
		return d, nil
	}

	reader, err := sql.Open(driverName, dsn(path, opts, true))
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("open read pool: %w", err)
	}
	reader.SetMaxOpenConns(opts.MaxReaders)
	d.reader = reader
	return d, nil
}

// Close closes both pools.
func (d *DB) Close() error {
	var err error
	if d.reader != d.writer {
		err = d.reader.Close()
	}
	if werr := d.writer.Close(); werr != nil {
		err = werr
	}
	return err
}

// Path returns the file the database was opened from.
func (d *DB) Path() string {
	return d.path
}

// Conn returns the writer *sql.DB for advanced queries.
func (d *DB) Conn() *sql.DB {
	return d.writer
}

// Reader returns the read pool.
func (d *DB) Reader() *sql.DB {
	return d.reader
}

// VerifyPragmas checks that the writer connection is configured as expected.
func (d *DB) VerifyPragmas(ctx context.Context) error {
	return d.WithConnection(ctx, func(c *sql.Conn) error {
		var mode string
		if err := c.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&mode); err != nil {
			return fmt.Errorf("read journal mode: %w", err)
		}
		if !isMemory(d.path) && !strings.EqualFold(mode, "wal") {
			return fmt.Errorf("journal mode is %q, want wal", mode)
		}
		var fk int
		if err := c.QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&fk); err != nil {
			return fmt.Errorf("read foreign keys: %w", err)
		}
		if fk != 1 {
			return fmt.Errorf("foreign keys disabled")
		}
		return nil
	})
}

// WithConnection borrows the writer connection for the duration of fn.
func (d *DB) WithConnection(ctx context.Context, fn func(*sql.Conn) error) error {
	c, err := d.writer.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", classify(err))
	}
	defer c.Close()
	return fn(c)
}

// InTransaction runs fn as one unit of work. It commits when fn returns nil
// and rolls back on error or panic; a panic is re-raised after rollback.
// Busy errors are retried under the configured policy, so fn may run more
// than once and must not leak side effects from a failed attempt.
func (d *DB) InTransaction(ctx context.Context, behavior Behavior, fn func(*sql.Tx) error) error {
	pool := d.writer
	if behavior == Deferred {
		pool = d.reader
	}
	return d.retry.Do(ctx, func() error {
		return runTx(ctx, pool, fn)
	})
}

func runTx(ctx context.Context, pool *sql.DB, fn func(*sql.Tx) error) (err error) {
	tx, err := pool.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", classify(err))
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(tx); err != nil {
		return classify(err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", classify(err))
	}
	return nil
}

func (d *DB) timestamp() string {
	return formatTime(d.now())
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

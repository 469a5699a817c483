// Package store is the single embedded persistence layer. It owns the SQLite
// connection, the append-forward schema, and every table the core reads or
// writes. All goroutines serialize through one connection so concurrent
// writers never trip SQLITE_BUSY against each other; the remaining lock
// windows (other processes) are covered by a bounded busy retry.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// timeFormat is RFC 3339 with fixed-width nanoseconds so lexical order over
// the TEXT column equals chronological order.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

const busyRetryAttempts = 5

// Store wraps the embedded database.
type Store struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger; the default discards output.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// Open opens (creating if needed) the database at path and applies the
// connection pragmas: WAL journal, NORMAL sync, foreign keys on, 30s busy
// timeout. Transactions start as BEGIN IMMEDIATE via _txlock so
// write-critical sections take the write lock up front.
func Open(path string, opts ...Option) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_txlock=immediate", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, path: path, logger: nopLogger, now: time.Now}
	for _, o := range opts {
		o(s)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=30000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %s: %w", p, err)
		}
	}

	s.logger.Debug("store opened", "path", path)
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// DB exposes the raw handle for callers that need driver-level access
// (snapshots, ad hoc diagnostics). Everything else goes through Store
// methods.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Now returns the store clock's current time in UTC.
func (s *Store) Now() time.Time {
	return s.now().UTC()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeFormat, v)
	if err != nil {
		// Older rows may carry plain RFC 3339.
		t, err = time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return time.Time{}
		}
	}
	return t.UTC()
}

// isBusy reports whether err is a transient lock error worth retrying.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "sqlite_busy") ||
		strings.Contains(msg, "busy")
}

// withBusyRetry runs op, retrying lock errors with bounded backoff.
func (s *Store) withBusyRetry(ctx context.Context, op func() error) error {
	delay := 50 * time.Millisecond
	var err error
	for attempt := 1; attempt <= busyRetryAttempts; attempt++ {
		err = op()
		if err == nil || !isBusy(err) {
			return err
		}
		if attempt == busyRetryAttempts {
			break
		}
		s.logger.Debug("store busy, retrying", "attempt", attempt, "delay", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}

// withTx runs fn inside a transaction (BEGIN IMMEDIATE via the connection's
// _txlock) and rolls back on any error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return s.withBusyRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		if err := fn(tx); err != nil {
			tx.Rollback() //nolint:errcheck
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		return nil
	})
}

// Package dbopen opens the cadence SQLite database with the pragmas every
// component expects: WAL journaling, a busy timeout, NORMAL sync and
// enforced foreign keys.
//
// The caller registers the driver:
//
//	import _ "modernc.org/sqlite"
//	db, err := dbopen.Open("cadence.db", dbopen.WithMkdirAll())
//
// Tests use dbopen.OpenMemory(t).
package dbopen

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

const driverName = "sqlite"

type settings struct {
	busyTimeoutMs int
	synchronous   string
	mkdirAll      bool
	maxOpenConns  int
	schemas       []string
}

// Option customises Open.
type Option func(*settings)

// WithBusyTimeout sets PRAGMA busy_timeout in milliseconds. Default 10000.
func WithBusyTimeout(ms int) Option { return func(s *settings) { s.busyTimeoutMs = ms } }

// WithSynchronous sets PRAGMA synchronous. Default NORMAL.
func WithSynchronous(mode string) Option { return func(s *settings) { s.synchronous = mode } }

// WithMkdirAll creates the parent directory of the database file.
func WithMkdirAll() Option { return func(s *settings) { s.mkdirAll = true } }

// WithMaxOpenConns caps the pool. 0 leaves database/sql's default.
func WithMaxOpenConns(n int) Option { return func(s *settings) { s.maxOpenConns = n } }

// WithSchema queues SQL executed once the pragmas are set.
func WithSchema(ddl string) Option {
	return func(s *settings) { s.schemas = append(s.schemas, ddl) }
}

// Open opens path and applies the pragmas and queued schemas.
func Open(path string, opts ...Option) (*sql.DB, error) {
	s := settings{busyTimeoutMs: 10_000, synchronous: "NORMAL"}
	for _, o := range opts {
		o(&s)
	}

	if s.mkdirAll && path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("dbopen: mkdir %s: %w", filepath.Dir(path), err)
		}
	}

	db, err := sql.Open(driverName, dsn(path, s))
	if err != nil {
		return nil, fmt.Errorf("dbopen: open %s: %w", path, err)
	}
	if s.maxOpenConns > 0 {
		db.SetMaxOpenConns(s.maxOpenConns)
	}

	for _, ddl := range s.schemas {
		if _, err := db.Exec(ddl); err != nil {
			db.Close()
			return nil, fmt.Errorf("dbopen: apply schema: %w", err)
		}
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("dbopen: ping: %w", err)
	}
	return db, nil
}

// dsn passes the pragmas as _pragma parameters; the driver applies them on
// every new pooled connection.
func dsn(path string, s settings) string {
	return fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(%s)",
		path, s.busyTimeoutMs, s.synchronous)
}

// OpenMemory opens a private in-memory database closed at test cleanup.
// The pool is pinned to one connection: every ":memory:" connection is a
// separate database.
func OpenMemory(t testing.TB, opts ...Option) *sql.DB {
	t.Helper()
	db, err := Open(":memory:", append([]Option{WithMaxOpenConns(1)}, opts...)...)
	if err != nil {
		t.Fatalf("dbopen.OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// Package store wraps the single relational database backing every
// component: one *sql.DB, opened against either SQLite or Postgres
// depending on the DSN scheme, behind prepared statements and the batch
// transaction primitive in batch.go.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Driver identifies which SQL dialect a Store is talking to. Several
// statements (upsert syntax, placeholder style) differ between them.
type Driver string

const (
	DriverSQLite   Driver = "sqlite3"
	DriverPostgres Driver = "postgres"
)

// Store is the shared handle passed to every domain package.
type Store struct {
	DB     *sql.DB
	Driver Driver

	readyMu   sync.Mutex
	schemaOK  bool
}

// Open parses dsn's scheme to select a driver, opens the pool, and applies
// the per-driver pragmas an embedded SQLite store needs (WAL mode, single
// connection, foreign keys on).
func Open(dsn string) (*Store, error) {
	dsn = strings.TrimSpace(dsn)
	switch {
	case strings.HasPrefix(dsn, "sqlite://"):
		path := strings.TrimPrefix(dsn, "sqlite://")
		full := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=ON", path)
		db, err := sql.Open(string(DriverSQLite), full)
		if err != nil {
			return nil, fmt.Errorf("store: open sqlite: %w", err)
		}
		db.SetMaxOpenConns(1) // sqlite best practice for a single-writer file db
		return &Store{DB: db, Driver: DriverSQLite}, nil

	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		db, err := sql.Open(string(DriverPostgres), dsn)
		if err != nil {
			return nil, fmt.Errorf("store: open postgres: %w", err)
		}
		return &Store{DB: db, Driver: DriverPostgres}, nil

	default:
		return nil, fmt.Errorf("store: unsupported dsn scheme: %q", dsn)
	}
}

// Close releases the underlying pool.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// Ping verifies connectivity; used by the health checker.
func (s *Store) Ping(ctx context.Context) error {
	return s.DB.PingContext(ctx)
}

// IsSQLite reports whether the store is backed by SQLite, which several
// callers need to know to pick `?`-vs-`$N` placeholder syntax or
// `INSERT ... ON CONFLICT` vs `ON CONFLICT DO NOTHING` differences.
func (s *Store) IsSQLite() bool { return s.Driver == DriverSQLite }

// Rebind rewrites "?" placeholders into "$1", "$2", ... when the store is
// backed by Postgres, leaving SQLite queries untouched. Domain code is
// written once against "?" and calls Rebind before every Exec/Query so the
// same statement text runs against either driver.
func (s *Store) Rebind(query string) string {
	if s.Driver != DriverPostgres || !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Exec rebinds and executes query against the pool directly (no transaction).
func (s *Store) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.DB.ExecContext(ctx, s.Rebind(query), args...)
}

// Query rebinds and runs query against the pool directly.
func (s *Store) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.DB.QueryContext(ctx, s.Rebind(query), args...)
}

// QueryRow rebinds and runs query against the pool directly.
func (s *Store) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.DB.QueryRowContext(ctx, s.Rebind(query), args...)
}

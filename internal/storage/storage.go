// Package storage implements the four append-only stores behind the control
// layer: the idempotency index, the signal log, the state store, and the
// decision store. Each store owns its own database handle so deployments can
// place them on separate files or separate servers.
//
// Two backends are supported through database/sql: SQLite (file paths or
// ":memory:", the default) and Postgres (any "postgres://" DSN). Queries are
// written with "?" placeholders and rebound for Postgres.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrStateVersionConflict signals that a concurrent writer persisted
	// the contended state version first.
	ErrStateVersionConflict = errors.New("storage: state version conflict")

	// ErrDuplicateDecision signals a decision_id collision on insert.
	ErrDuplicateDecision = errors.New("storage: duplicate decision")

	// ErrMissingTrace rejects a decision insert whose trace is incomplete.
	ErrMissingTrace = errors.New("storage: decision missing trace")
)

// DB wraps a database handle with its backend flavor.
type DB struct {
	sql        *sql.DB
	isPostgres bool
}

// Open connects to the store at path. A "postgres://" or "postgresql://"
// prefix selects Postgres; anything else is treated as a SQLite file path,
// with ":memory:" supported for tests.
func Open(path string) (*DB, error) {
	if strings.HasPrefix(path, "postgres://") || strings.HasPrefix(path, "postgresql://") {
		db, err := sql.Open("pgx", path)
		if err != nil {
			return nil, fmt.Errorf("storage: open postgres: %w", err)
		}
		return &DB{sql: db, isPostgres: true}, nil
	}

	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("storage: create db dir: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite: %w", err)
	}

	// One connection: SQLite has a single writer anyway, and this keeps a
	// ":memory:" database from being silently duplicated per connection.
	db.SetMaxOpenConns(1)

	if path != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("storage: enable wal: %w", err)
		}
	}
	return &DB{sql: db}, nil
}

// Close closes the underlying handle.
func (d *DB) Close() error { return d.sql.Close() }

// Ping verifies connectivity.
func (d *DB) Ping(ctx context.Context) error { return d.sql.PingContext(ctx) }

// rebind converts "?" placeholders to "$1..$n" for Postgres. SQLite queries
// pass through unchanged.
func (d *DB) rebind(query string) string {
	if !d.isPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// pkColumn returns the auto-incrementing primary key column definition for
// the active backend.
func (d *DB) pkColumn() string {
	if d.isPostgres {
		return "id BIGSERIAL PRIMARY KEY"
	}
	return "id INTEGER PRIMARY KEY AUTOINCREMENT"
}

// insertReturningID runs an INSERT and reports the generated row id. The
// query must not include a RETURNING clause; it is appended for Postgres.
func (d *DB) insertReturningID(ctx context.Context, query string, args ...any) (int64, error) {
	if d.isPostgres {
		var id int64
		err := d.sql.QueryRowContext(ctx, d.rebind(query)+" RETURNING id", args...).Scan(&id)
		return id, err
	}
	res, err := d.sql.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// isUniqueViolation detects unique-constraint failures from either backend
// without importing driver error types.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || // modernc.org/sqlite
		strings.Contains(msg, "SQLSTATE 23505") || // pgx
		strings.Contains(msg, "duplicate key value")
}

// Paths names the location of each logical store.
type Paths struct {
	Idempotency string
	SignalLog   string
	State       string
	Decisions   string
}

// Stores bundles the four stores behind the pipeline.
type Stores struct {
	Idempotency *IdempotencyIndex
	SignalLog   *SignalLog
	State       *StateStore
	Decisions   *DecisionStore
}

// OpenStores opens and migrates all four stores. On any failure the stores
// opened so far are closed.
func OpenStores(ctx context.Context, paths Paths) (*Stores, error) {
	s := &Stores{}
	fail := func(err error) (*Stores, error) {
		s.Close()
		return nil, err
	}

	db, err := Open(paths.Idempotency)
	if err != nil {
		return fail(err)
	}
	if s.Idempotency, err = NewIdempotencyIndex(ctx, db); err != nil {
		return fail(err)
	}

	if db, err = Open(paths.SignalLog); err != nil {
		return fail(err)
	}
	if s.SignalLog, err = NewSignalLog(ctx, db); err != nil {
		return fail(err)
	}

	if db, err = Open(paths.State); err != nil {
		return fail(err)
	}
	if s.State, err = NewStateStore(ctx, db); err != nil {
		return fail(err)
	}

	if db, err = Open(paths.Decisions); err != nil {
		return fail(err)
	}
	if s.Decisions, err = NewDecisionStore(ctx, db); err != nil {
		return fail(err)
	}

	return s, nil
}

// Close closes every open store handle, newest first.
func (s *Stores) Close() {
	if s.Decisions != nil {
		_ = s.Decisions.db.Close()
	}
	if s.State != nil {
		_ = s.State.db.Close()
	}
	if s.SignalLog != nil {
		_ = s.SignalLog.db.Close()
	}
	if s.Idempotency != nil {
		_ = s.Idempotency.db.Close()
	}
}

// Ping checks connectivity of every store, returning the first failure
// labeled with the store name.
func (s *Stores) Ping(ctx context.Context) error {
	checks := []struct {
		name string
		db   *DB
	}{
		{"idempotency", s.Idempotency.db},
		{"signal_log", s.SignalLog.db},
		{"state_store", s.State.db},
		{"decision_store", s.Decisions.db},
	}
	for _, c := range checks {
		if err := c.db.Ping(ctx); err != nil {
			return fmt.Errorf("storage: ping %s: %w", c.name, err)
		}
	}
	return nil
}

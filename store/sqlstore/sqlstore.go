/*
Package sqlstore implements points.Store on top of database/sql.

PURPOSE:
  SQLite and PostgreSQL share the same tables and nearly the same SQL. This
  package holds the shared implementation; store/sqlite and store/postgres
  supply a Dialect (placeholders, row locks, error classification) and the
  schema.

QUERIES:
  Queries are written with '?' placeholders and passed through
  Dialect.Rebind before execution.

APPEND-ONLY ENFORCEMENT:
  - No UPDATE statements on the entries table
  - No DELETE statements on the entries table (Reset aside)
  - Corrections via offsetting entries only

CONCURRENCY:
  With Dialect.Serialize set, write transactions are serialized with a
  sync.RWMutex (SQLite: one writer at a time anyway). Otherwise the database
  serializes conflicting writers through the row locks taken by Lock*
  (SELECT ... FOR UPDATE) and the conditional stock UPDATE.

ERRORS:
  Driver errors pass through Dialect.Classify. Deadlocks and serialization
  failures come back wrapping points.ErrConcurrentModification; lost
  connections wrap points.ErrStoreUnavailable.

SEE ALSO:
  - points/store.go: Interface definitions
  - store/sqlite/sqlite.go, store/postgres/postgres.go: Dialects and schema
*/
package sqlstore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"sync"

	"github.com/warp/points-engine/points"
)

// Dialect captures what differs between SQL backends.
type Dialect struct {
	Name string

	// Rebind rewrites '?' placeholders into the backend's form.
	Rebind func(query string) string

	// ForUpdate is appended to row-locking SELECTs.
	ForUpdate string

	// Serialize guards write transactions with an in-process mutex.
	Serialize bool

	// ViewOptions opens read-only transactions.
	ViewOptions *sql.TxOptions

	// IsConflict reports deadlocks and serialization failures.
	IsConflict func(err error) bool
}

// Tables lists every table, children first, for Reset.
var Tables = []string{"entries", "orders", "point_value_history", "catalog_items", "reward_policies", "accounts"}

// Store implements points.Store.
type Store struct {
	db      *sql.DB
	dialect Dialect
	mu      sync.RWMutex
}

func New(db *sql.DB, dialect Dialect) *Store {
	if dialect.Rebind == nil {
		dialect.Rebind = func(q string) string { return q }
	}
	if dialect.IsConflict == nil {
		dialect.IsConflict = func(error) bool { return false }
	}
	return &Store{db: db, dialect: dialect}
}

// DB exposes the underlying handle for migrations and health checks.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.classify("ping", s.db.PingContext(ctx))
}

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(points.Tx) error) error {
	if s.dialect.Serialize {
		s.mu.Lock()
		defer s.mu.Unlock()
	}

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.classify("begin transaction", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&tx{tx: sqlTx, s: s}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return s.classify("commit", err)
	}
	return nil
}

// View executes fn within a read-only transaction.
func (s *Store) View(ctx context.Context, fn func(points.Tx) error) error {
	if s.dialect.Serialize {
		s.mu.RLock()
		defer s.mu.RUnlock()
	}

	sqlTx, err := s.db.BeginTx(ctx, s.dialect.ViewOptions)
	if err != nil {
		return s.classify("begin read transaction", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&tx{tx: sqlTx, s: s, readOnly: true}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return s.classify("commit read transaction", err)
	}
	return nil
}

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	return s.WithTx(ctx, func(t points.Tx) error {
		sqlTx := t.(*tx).tx
		for _, table := range Tables {
			if _, err := sqlTx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return s.classify("reset "+table, err)
			}
		}
		return nil
	})
}

// classify wraps a driver error so callers can match it with errors.Is.
func (s *Store) classify(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case s.dialect.IsConflict(err):
		return fmt.Errorf("%s: %w: %v", op, points.ErrConcurrentModification, err)
	case errors.Is(err, driver.ErrBadConn), errors.Is(err, sql.ErrConnDone):
		return fmt.Errorf("%s: %w: %v", op, points.ErrStoreUnavailable, err)
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

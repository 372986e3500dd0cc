/*
Package sqlite provides a SQLite-backed points.Store.

PURPOSE:
  The default backend. Opens (or creates) a database file, migrates the
  schema, and hands the connection to store/sqlstore with a SQLite dialect.

APPEND-ONLY ENFORCEMENT:
  - No UPDATE statements on the entries table
  - CHECK (points_changed <> 0) rejects empty entries at the schema level
  - CHECK (stock_quantity >= 0) backs up the conditional stock UPDATE

KEY TABLES:
  accounts:            Driver enrollment under a sponsor
  entries:             Immutable ledger of all balance changes
  catalog_items:       Sponsor rewards with price and stock
  orders:              Redemptions (pending / shipped / cancelled)
  reward_policies:     Per-sponsor singleton
  point_value_history: Dollar-per-point changes

INDEXES:
  - idx_entries_driver: Balance and history (hot path)
  - idx_entries_sponsor_created: Cap windows
  - idx_entries_order: Refund lookups
  - idx_orders_driver / idx_orders_sponsor: Order listings

CONCURRENCY:
  One open connection, and write transactions serialized with a mutex.
  SQLite allows a single writer at a time; serializing in-process turns
  SQLITE_BUSY into waiting. ":memory:" databases are per-connection, so a
  single connection also keeps every caller on the same database.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging):
  - Readers don't block the writer
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/points.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - points/store.go: Interface definitions
  - store/sqlstore: Shared SQL implementation
  - points/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
	"github.com/warp/points-engine/store/sqlstore"
)

// Store is a SQLite-backed points.Store.
type Store struct {
	*sqlstore.Store
}

// Dialect is the SQLite flavour of the shared SQL store.
var Dialect = sqlstore.Dialect{
	Name:       "sqlite",
	Serialize:  true,
	IsConflict: isBusy,
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Store{Store: sqlstore.New(db, Dialect)}, nil
}

// migrate creates the database schema. Timestamps are declared TIMESTAMP so
// the driver returns them as time.Time.
func migrate(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS accounts (
		driver_id TEXT PRIMARY KEY,
		sponsor_id TEXT NOT NULL,
		display_name TEXT NOT NULL DEFAULT '',
		username TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_accounts_sponsor
		ON accounts(sponsor_id);

	-- Entries (append-only ledger)
	CREATE TABLE IF NOT EXISTS entries (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		driver_id TEXT NOT NULL REFERENCES accounts(driver_id),
		sponsor_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		points_changed INTEGER NOT NULL CHECK (points_changed <> 0),
		reason TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		expires_at TIMESTAMP,
		changed_by TEXT,
		related_order_id TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_entries_driver
		ON entries(driver_id, seq);
	CREATE INDEX IF NOT EXISTS idx_entries_sponsor_created
		ON entries(sponsor_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_entries_order
		ON entries(related_order_id) WHERE related_order_id IS NOT NULL;

	CREATE TABLE IF NOT EXISTS catalog_items (
		id TEXT PRIMARY KEY,
		sponsor_id TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		image_url TEXT NOT NULL DEFAULT '',
		points_cost INTEGER NOT NULL CHECK (points_cost > 0),
		stock_quantity INTEGER NOT NULL CHECK (stock_quantity >= 0),
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_catalog_items_sponsor
		ON catalog_items(sponsor_id, active);

	CREATE TABLE IF NOT EXISTS orders (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		driver_id TEXT NOT NULL REFERENCES accounts(driver_id),
		sponsor_id TEXT NOT NULL,
		item_id TEXT NOT NULL REFERENCES catalog_items(id),
		item_title TEXT NOT NULL,
		points_cost_at_purchase INTEGER NOT NULL CHECK (points_cost_at_purchase > 0),
		status TEXT NOT NULL CHECK (status IN ('pending', 'shipped', 'cancelled')),
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_orders_driver
		ON orders(driver_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_orders_sponsor
		ON orders(sponsor_id, created_at DESC);

	CREATE TABLE IF NOT EXISTS reward_policies (
		sponsor_id TEXT PRIMARY KEY,
		dollar_per_point TEXT NOT NULL,
		earn_rate TEXT NOT NULL,
		expiration_days INTEGER CHECK (expiration_days IS NULL OR expiration_days >= 1),
		max_points_per_day INTEGER CHECK (max_points_per_day IS NULL OR max_points_per_day >= 1),
		max_points_per_month INTEGER CHECK (max_points_per_month IS NULL OR max_points_per_month >= 1),
		daily_points_awarded INTEGER CHECK (daily_points_awarded IS NULL OR daily_points_awarded >= 0),
		updated_at TIMESTAMP NOT NULL,
		updated_by TEXT
	);

	CREATE TABLE IF NOT EXISTS point_value_history (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		sponsor_id TEXT NOT NULL,
		old_value TEXT NOT NULL,
		new_value TEXT NOT NULL,
		changed_by TEXT NOT NULL,
		changed_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_point_value_history_sponsor
		ON point_value_history(sponsor_id, seq DESC);
	`

	if _, err := db.Exec(schema); err != nil {
		return err
	}
	return addColumn(db, "reward_policies", "daily_points_awarded",
		"INTEGER CHECK (daily_points_awarded IS NULL OR daily_points_awarded >= 0)")
}

// addColumn adds a column to a table created by an older schema.
func addColumn(db *sql.DB, table, column, definition string) error {
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, table, column).Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	_, err := db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition))
	return err
}

func isBusy(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}

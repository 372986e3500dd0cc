/*
store.go - Persistence contract for the points engine

PURPOSE:
  Defines the interface between the domain logic and the database. Every
  read and write happens inside a transaction obtained from Store, so the
  domain code never sees a half-applied purchase or cancel.

KEY INTERFACES:
  Store:        Opens read-write (WithTx) and read-only (View) transactions
  Tx:           Everything a transaction can touch, grouped per table
  AccountStore: Driver accounts (the per-driver lock lives here)
  EntryStore:   Append-only ledger entries
  CatalogStore: Catalog items and atomic stock adjustment
  OrderStore:   Orders
  PolicyStore:  Reward policies and point value history

APPEND-ONLY CONTRACT:
  EntryStore has AppendEntries and reads. There is no Update or Delete.
  Corrections are new offsetting entries.

LOCKING:
  Lock* methods read a row and hold it until the transaction ends
  (SELECT ... FOR UPDATE on PostgreSQL; SQLite and memory serialize whole
  write transactions). Writers lock in the order account -> item -> order
  so two transactions never wait on each other in a cycle.

CONFLICTS:
  A store that detects a deadlock or serialization failure returns an error
  wrapping ErrConcurrentModification. The caller may rerun the whole
  transaction function.

IMPLEMENTATIONS:
  - points/store/memory.go: In-memory for tests and dev
  - store/sqlite/sqlite.go: SQLite
  - store/postgres/postgres.go: PostgreSQL

SEE ALSO:
  - ledger.go: Higher-level ledger operations on a Tx
  - redemption/coordinator.go: Retry loop around WithTx
*/
package points

import (
	"context"
	"time"
)

// =============================================================================
// STORE
// =============================================================================

type Store interface {
	// WithTx executes fn within a read-write transaction.
	// If fn returns error, the transaction is rolled back.
	WithTx(ctx context.Context, fn func(Tx) error) error

	// View executes fn within a read-only transaction over a consistent snapshot.
	View(ctx context.Context, fn func(Tx) error) error

	Close() error
}

// Tx is the view of the store inside one transaction.
type Tx interface {
	AccountStore
	EntryStore
	CatalogStore
	OrderStore
	PolicyStore
}

// =============================================================================
// PER-TABLE CONTRACTS
// =============================================================================

type AccountStore interface {
	Account(ctx context.Context, id DriverID) (DriverAccount, error)
	LockAccount(ctx context.Context, id DriverID) (DriverAccount, error)
	SaveAccount(ctx context.Context, acct DriverAccount) error
	Accounts(ctx context.Context, sponsorID SponsorID) ([]DriverAccount, error)
	// AllAccounts returns every enrolled driver ordered by driver id.
	AllAccounts(ctx context.Context) ([]DriverAccount, error)
}

type EntryStore interface {
	// AppendEntries persists entries in order and sets each entry's Seq.
	AppendEntries(ctx context.Context, entries []Entry) error

	// Entries returns all entries for a driver in commit order.
	Entries(ctx context.Context, driverID DriverID) ([]Entry, error)

	// OrderEntries returns the entries linked to an order in commit order.
	OrderEntries(ctx context.Context, orderID OrderID) ([]Entry, error)

	// SponsorEntries returns entries attributed to a sponsor created at or after since.
	SponsorEntries(ctx context.Context, sponsorID SponsorID, since time.Time) ([]Entry, error)
}

type CatalogStore interface {
	Item(ctx context.Context, id ItemID) (CatalogItem, error)
	LockItem(ctx context.Context, id ItemID) (CatalogItem, error)
	Items(ctx context.Context, sponsorID SponsorID, includeInactive bool) ([]CatalogItem, error)
	SaveItem(ctx context.Context, item CatalogItem) error

	// AdjustStock adds delta to the item's stock and returns the new quantity.
	// Returns OutOfStockError, leaving stock unchanged, if the result would be negative.
	AdjustStock(ctx context.Context, id ItemID, delta int64) (int64, error)
}

// OrderFilter selects orders. Nil fields match everything.
type OrderFilter struct {
	DriverID  *DriverID
	SponsorID *SponsorID
	Status    *OrderStatus
}

type OrderStore interface {
	Order(ctx context.Context, id OrderID) (Order, error)
	LockOrder(ctx context.Context, id OrderID) (Order, error)
	SaveOrder(ctx context.Context, o Order) error

	// Orders returns matching orders, newest first.
	Orders(ctx context.Context, filter OrderFilter) ([]Order, error)
}

type PolicyStore interface {
	Policy(ctx context.Context, sponsorID SponsorID) (RewardPolicy, error)
	LockPolicy(ctx context.Context, sponsorID SponsorID) (RewardPolicy, error)

	// CreatePolicy inserts p unless the sponsor already has a policy.
	CreatePolicy(ctx context.Context, p RewardPolicy) error
	SavePolicy(ctx context.Context, p RewardPolicy) error
	AppendValueChange(ctx context.Context, c PointValueChange) error

	// ValueChanges returns a sponsor's point value history, newest first.
	ValueChanges(ctx context.Context, sponsorID SponsorID) ([]PointValueChange, error)
}

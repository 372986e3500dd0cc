/*
Package points provides the core of the points ledger and redemption engine.

PURPOSE:
  This package holds the types and algorithms every other package builds on:
  the immutable ledger entry, the derived balance, expiry lots, catalog items,
  orders, reward policies and the storage contract. It performs no I/O of its
  own; stores live in points/store, store/sqlite and store/postgres.

KEY CONCEPTS IN THIS FILE (types.go):
  - Entry: An immutable, signed change to a driver's balance
  - DriverAccount: A driver enrolled under exactly one sponsor
  - CatalogItem: A sponsor-owned reward with a points price and stock
  - Order: A redemption, created together with its debit entries
  - RewardPolicy: Per-sponsor earning, expiry and cap configuration

DESIGN PRINCIPLES:
  1. Immutability: Entries are never modified, only offset by new entries
  2. Derived balance: Balance is the sum of non-expired entries, never stored
  3. Integer points: Points are whole numbers; only policy rates are decimals
  4. Type Safety: Distinct ID types prevent mixing drivers, items and orders

SEE ALSO:
  - ledger.go: Append / Balance / History
  - lots.go: Expiry lots and debit allocation
  - store.go: Persistence contract
*/
package points

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type DriverID string
type SponsorID string
type UserID string
type ItemID string
type OrderID string
type EntryID string

// =============================================================================
// DRIVER ACCOUNT
// =============================================================================

// DriverAccount links a driver to the sponsor whose points they earn and spend.
type DriverAccount struct {
	DriverID    DriverID
	SponsorID   SponsorID
	DisplayName string
	Username    string
	CreatedAt   time.Time
}

// =============================================================================
// LEDGER ENTRY - Immutable signed point change
// =============================================================================

type EntryKind string

const (
	KindEarn       EntryKind = "earn"       // System-earned credit (earn rate applied)
	KindAdjustment EntryKind = "adjustment" // Sponsor add/deduct
	KindPurchase   EntryKind = "purchase"   // Debit leg of an order
	KindRefund     EntryKind = "refund"     // Credit leg reversing a purchase leg
)

// Entry is a single ledger record. Entries are append-only: a correction is
// a new offsetting entry, never an edit.
type Entry struct {
	ID             EntryID
	Seq            int64 // commit order, assigned by the store
	DriverID       DriverID
	SponsorID      SponsorID
	Kind           EntryKind
	PointsChanged  int64
	Reason         string
	CreatedAt      time.Time
	ExpiresAt      *time.Time
	ChangedBy      *UserID // nil for system-earned entries
	RelatedOrderID *OrderID
}

// ExpiredAt reports whether the entry no longer counts toward the balance at now.
func (e Entry) ExpiredAt(now time.Time) bool {
	return e.ExpiresAt != nil && !now.Before(*e.ExpiresAt)
}

// IsSponsorAddition reports whether the entry is a positive sponsor adjustment,
// the only kind of entry bounded by policy caps.
func (e Entry) IsSponsorAddition() bool {
	return e.Kind == KindAdjustment && e.PointsChanged > 0 && e.ChangedBy != nil
}

// =============================================================================
// CATALOG ITEM
// =============================================================================

type CatalogItem struct {
	ID            ItemID
	SponsorID     SponsorID
	Title         string
	Description   string
	ImageURL      string
	PointsCost    int64
	StockQuantity int64
	Active        bool // false once removed from the catalog; still resolvable
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (i CatalogItem) InStock() bool { return i.StockQuantity > 0 }

// =============================================================================
// ORDER - pending -> shipped | cancelled
// =============================================================================

type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderShipped   OrderStatus = "shipped"
	OrderCancelled OrderStatus = "cancelled"
)

func (s OrderStatus) Valid() bool {
	switch s {
	case OrderPending, OrderShipped, OrderCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s OrderStatus) Terminal() bool {
	return s == OrderShipped || s == OrderCancelled
}

type Order struct {
	ID                   OrderID
	DriverID             DriverID
	SponsorID            SponsorID
	ItemID               ItemID
	ItemTitle            string
	PointsCostAtPurchase int64
	Status               OrderStatus
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// CanTransition reports whether the order may move to the given status.
// The only legal transitions are pending->shipped and pending->cancelled.
func (o Order) CanTransition(to OrderStatus) bool {
	return o.Status == OrderPending && (to == OrderShipped || to == OrderCancelled)
}

// =============================================================================
// REWARD POLICY
// =============================================================================

var (
	DefaultDollarPerPoint = decimal.RequireFromString("0.01")
	DefaultEarnRate       = decimal.NewFromInt(1)
)

// RewardPolicy is the per-sponsor singleton governing point value, earning,
// expiry and caps. Nil pointers mean "unset": never expires, unlimited.
type RewardPolicy struct {
	SponsorID         SponsorID
	DollarPerPoint    decimal.Decimal
	EarnRate          decimal.Decimal
	ExpirationDays    *int
	MaxPointsPerDay   *int64
	MaxPointsPerMonth *int64
	// DailyPointsAwarded is the base amount every driver earns each day.
	// Nil or zero disables the daily award.
	DailyPointsAwarded *int64
	UpdatedAt          time.Time
	UpdatedBy          *UserID
}

// DefaultPolicy returns the policy a sponsor gets on first access.
func DefaultPolicy(sponsorID SponsorID, now time.Time) RewardPolicy {
	return RewardPolicy{
		SponsorID:      sponsorID,
		DollarPerPoint: DefaultDollarPerPoint,
		EarnRate:       DefaultEarnRate,
		UpdatedAt:      now,
	}
}

// ExpiryFrom returns when points credited at now expire, or nil.
func (p RewardPolicy) ExpiryFrom(now time.Time) *time.Time {
	if p.ExpirationDays == nil {
		return nil
	}
	t := now.AddDate(0, 0, *p.ExpirationDays)
	return &t
}

// PointValueChange is an immutable record of a dollar-per-point change.
type PointValueChange struct {
	ID        string
	SponsorID SponsorID
	OldValue  decimal.Decimal
	NewValue  decimal.Decimal
	ChangedBy UserID
	ChangedAt time.Time
}

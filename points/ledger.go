/*
ledger.go - Append-only points ledger

PURPOSE:
  The Ledger is the immutable source of truth for every balance change.
  Earnings, sponsor adjustments, purchases and refunds are all recorded
  here. Balance is always computed from entries; there is no stored
  balance field that can drift.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: No Update, No Delete.
  2. NON-NEGATIVE: A debit is checked against the balance and appended in
     the same transaction, under the driver's account lock.
  3. EXACT REVERSAL: A refund mirrors the debit legs it reverses.

CORRECTIONS:
  A mistaken deduction is not edited away. The sponsor adds the points
  back; both entries remain in history.

EXAMPLE FLOW:
  1. Sponsor adds 500:     adjustment +500
  2. Driver buys for 300:  purchase -300 (order o1)
  3. Driver cancels o1:    refund +300 (order o1)

  History: [+500, -300, +300] = 500 points

SEE ALSO:
  - lots.go: Debit allocation across expiry lots
  - store.go: Low-level persistence interface
*/
package points

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// LEDGER
// =============================================================================

// Ledger appends and reads entries within a caller-owned transaction.
type Ledger struct {
	Clock Clock
	NewID func() string
}

func NewLedger(clock Clock) *Ledger {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Ledger{Clock: clock, NewID: uuid.NewString}
}

// AppendRequest describes one balance change. A negative PointsChanged may be
// written as several entries, one per expiry lot it draws from.
type AppendRequest struct {
	DriverID       DriverID
	Kind           EntryKind
	PointsChanged  int64
	Reason         string
	ChangedBy      *UserID
	ExpiresAt      *time.Time // credits only; debits take the expiry of their lot
	RelatedOrderID *OrderID
}

// Append locks the driver's account and appends the change. The first
// returned entry's ID identifies the change.
//
// Returns ErrInvalidAmount for zero points, NotFoundError for an unknown
// driver, InsufficientBalanceError if a debit would overdraw the balance.
func (l *Ledger) Append(ctx context.Context, tx Tx, req AppendRequest) ([]Entry, error) {
	if req.PointsChanged == 0 {
		return nil, ErrInvalidAmount
	}
	acct, err := tx.LockAccount(ctx, req.DriverID)
	if err != nil {
		return nil, err
	}
	now := l.Clock.Now()

	if req.PointsChanged > 0 {
		entries := []Entry{l.newEntry(acct, req, req.PointsChanged, req.ExpiresAt, now)}
		if err := tx.AppendEntries(ctx, entries); err != nil {
			return nil, err
		}
		return entries, nil
	}

	existing, err := tx.Entries(ctx, req.DriverID)
	if err != nil {
		return nil, err
	}
	legs, err := AllocateDebit(req.DriverID, existing, -req.PointsChanged, now)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(legs))
	for _, leg := range legs {
		entries = append(entries, l.newEntry(acct, req, -leg.Points, leg.ExpiresAt, now))
	}
	if err := tx.AppendEntries(ctx, entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// Reverse appends one credit per debit, each with the debit's expiry, so the
// driver ends up exactly where they were before the debits.
// The caller must already hold the account lock.
func (l *Ledger) Reverse(ctx context.Context, tx Tx, debits []Entry, kind EntryKind, reason string, changedBy *UserID) ([]Entry, error) {
	now := l.Clock.Now()
	var credits []Entry
	for _, d := range debits {
		if d.PointsChanged >= 0 {
			continue
		}
		credits = append(credits, Entry{
			ID:             EntryID(l.NewID()),
			DriverID:       d.DriverID,
			SponsorID:      d.SponsorID,
			Kind:           kind,
			PointsChanged:  -d.PointsChanged,
			Reason:         reason,
			CreatedAt:      now,
			ExpiresAt:      d.ExpiresAt,
			ChangedBy:      changedBy,
			RelatedOrderID: d.RelatedOrderID,
		})
	}
	if len(credits) == 0 {
		return nil, nil
	}
	if err := tx.AppendEntries(ctx, credits); err != nil {
		return nil, err
	}
	return credits, nil
}

func (l *Ledger) newEntry(acct DriverAccount, req AppendRequest, pts int64, expiresAt *time.Time, now time.Time) Entry {
	return Entry{
		ID:             EntryID(l.NewID()),
		DriverID:       acct.DriverID,
		SponsorID:      acct.SponsorID,
		Kind:           req.Kind,
		PointsChanged:  pts,
		Reason:         req.Reason,
		CreatedAt:      now,
		ExpiresAt:      expiresAt,
		ChangedBy:      req.ChangedBy,
		RelatedOrderID: req.RelatedOrderID,
	}
}

// Balance returns the sum of the driver's non-expired entries.
func (l *Ledger) Balance(ctx context.Context, tx Tx, driverID DriverID) (int64, error) {
	if _, err := tx.Account(ctx, driverID); err != nil {
		return 0, err
	}
	entries, err := tx.Entries(ctx, driverID)
	if err != nil {
		return 0, err
	}
	return Balance(entries, l.Clock.Now()), nil
}

// =============================================================================
// HISTORY
// =============================================================================

// HistoryFilter bounds a history read. Nil dates are open; Limit 0 means all.
type HistoryFilter struct {
	From   *time.Time
	To     *time.Time
	Limit  int
	Offset int
}

// HistoryPage is one page of history together with the balance read in the
// same transaction.
type HistoryPage struct {
	Balance    int64
	Entries    []Entry // newest first; expired entries included
	TotalCount int     // matching entries before pagination
}

// History returns the driver's entries newest first.
func (l *Ledger) History(ctx context.Context, tx Tx, driverID DriverID, filter HistoryFilter) (HistoryPage, error) {
	if filter.Limit < 0 || filter.Offset < 0 {
		return HistoryPage{}, &RequestError{Field: "limit", Message: "limit and offset must be non-negative"}
	}
	if _, err := tx.Account(ctx, driverID); err != nil {
		return HistoryPage{}, err
	}
	entries, err := tx.Entries(ctx, driverID)
	if err != nil {
		return HistoryPage{}, err
	}

	page := HistoryPage{Balance: Balance(entries, l.Clock.Now())}

	matched := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if InRange(e.CreatedAt, filter.From, filter.To) {
			matched = append(matched, e)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].Seq > matched[j].Seq })
	page.TotalCount = len(matched)

	if filter.Offset >= len(matched) {
		page.Entries = []Entry{}
		return page, nil
	}
	matched = matched[filter.Offset:]
	if filter.Limit > 0 && filter.Limit < len(matched) {
		matched = matched[:filter.Limit]
	}
	page.Entries = matched
	return page, nil
}

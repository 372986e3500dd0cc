/*
lots.go - Expiry lots and debit allocation

PURPOSE:
  Expiration is lazy: an entry stops counting once its expires_at has passed.
  Dropping expired credits must never push a balance below zero, so every
  entry belongs to an expiry lot keyed by its expires_at (nil = permanent),
  and every debit is split into legs that each draw from exactly one lot.

INVARIANT:
  For every lot, the sum of its entries is >= 0. Debits consume the
  soonest-expiring lot first and the permanent lot last, never more than a
  lot holds. When a lot expires its credits and the debits drawn from it
  vanish together, so the total stays non-negative.

EXAMPLE:
  +100 expiring Mar 1, +200 permanent, purchase of 150:
    legs: -100 expiring Mar 1, -50 permanent
  After Mar 1: balance = 200 - 50 = 150 (the expired +100/-100 pair drops out)

REFUNDS:
  A refund mirrors each debit leg with the same expires_at. If the lot has
  since expired the refund leg is born expired: the driver gets back exactly
  what they would have had without the purchase.

SEE ALSO:
  - ledger.go: Append uses AllocateDebit
  - redemption/coordinator.go: Cancel mirrors legs
*/
package points

import (
	"sort"
	"time"
)

// Lot is the unexpired net of all entries sharing an expires_at.
type Lot struct {
	ExpiresAt *time.Time
	Points    int64
}

// Balance sums every entry not expired at now. This is the balance invariant:
// the externally observable balance is exactly this sum.
func Balance(entries []Entry, now time.Time) int64 {
	var total int64
	for _, e := range entries {
		if e.ExpiredAt(now) {
			continue
		}
		total += e.PointsChanged
	}
	return total
}

// Lots groups unexpired entries by expiry, soonest first, permanent last.
// Lots with a zero net are omitted.
func Lots(entries []Entry, now time.Time) []Lot {
	var permanent int64
	dated := make(map[int64]*Lot)
	for _, e := range entries {
		if e.ExpiredAt(now) {
			continue
		}
		if e.ExpiresAt == nil {
			permanent += e.PointsChanged
			continue
		}
		k := e.ExpiresAt.UnixNano()
		lot, ok := dated[k]
		if !ok {
			t := *e.ExpiresAt
			lot = &Lot{ExpiresAt: &t}
			dated[k] = lot
		}
		lot.Points += e.PointsChanged
	}

	lots := make([]Lot, 0, len(dated)+1)
	for _, lot := range dated {
		if lot.Points != 0 {
			lots = append(lots, *lot)
		}
	}
	sort.Slice(lots, func(i, j int) bool {
		return lots[i].ExpiresAt.Before(*lots[j].ExpiresAt)
	})
	if permanent != 0 {
		lots = append(lots, Lot{Points: permanent})
	}
	return lots
}

// AllocateDebit splits a debit of amount (> 0) into legs drawn from lots,
// soonest-expiring first. Leg Points are positive magnitudes.
// Returns InsufficientBalanceError if the unexpired balance is too small.
func AllocateDebit(driverID DriverID, entries []Entry, amount int64, now time.Time) ([]Lot, error) {
	lots := Lots(entries, now)

	var available int64
	for _, lot := range lots {
		if lot.Points > 0 {
			available += lot.Points
		}
	}
	if available < amount {
		return nil, &InsufficientBalanceError{
			DriverID:  driverID,
			Available: Balance(entries, now),
			Requested: amount,
		}
	}

	var legs []Lot
	remaining := amount
	for _, lot := range lots {
		if remaining == 0 {
			break
		}
		if lot.Points <= 0 {
			continue
		}
		take := min(lot.Points, remaining)
		legs = append(legs, Lot{ExpiresAt: lot.ExpiresAt, Points: take})
		remaining -= take
	}
	return legs, nil
}

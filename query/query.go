/*
Package query serves the read side: balances, history, catalog listings
annotated with affordability, and order listings.

PURPOSE:
  Nothing here writes. Every method runs in one read-only store transaction
  so a listing never mixes state from before and after a purchase or cancel.
  Annotations (can_afford, in_stock, shortfall) are computed at read time
  from the latest committed values; there is no cached projection.

SEE ALSO:
  - points/ledger.go: History pagination
  - redemption/coordinator.go: The writes these views observe
*/
package query

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/warp/points-engine/points"
)

type Service struct {
	store  points.Store
	ledger *points.Ledger
	clock  points.Clock
}

func NewService(store points.Store, clock points.Clock) *Service {
	if clock == nil {
		clock = points.SystemClock{}
	}
	return &Service{store: store, ledger: points.NewLedger(clock), clock: clock}
}

// =============================================================================
// BALANCE & HISTORY
// =============================================================================

// Balance returns the driver's current balance.
func (s *Service) Balance(ctx context.Context, driverID points.DriverID) (int64, error) {
	var balance int64
	err := s.store.View(ctx, func(tx points.Tx) error {
		var err error
		balance, err = s.ledger.Balance(ctx, tx, driverID)
		return err
	})
	return balance, err
}

// PointHistory returns the driver's entries newest first, bounded by the
// filter's date range and page.
func (s *Service) PointHistory(ctx context.Context, driverID points.DriverID, filter points.HistoryFilter) (points.HistoryPage, error) {
	var page points.HistoryPage
	err := s.store.View(ctx, func(tx points.Tx) error {
		var err error
		page, err = s.ledger.History(ctx, tx, driverID, filter)
		return err
	})
	return page, err
}

// SponsorDriverHistory is PointHistory for a sponsor looking at one of
// their drivers. Drivers of other sponsors are Forbidden.
func (s *Service) SponsorDriverHistory(ctx context.Context, actor points.Actor, driverID points.DriverID, filter points.HistoryFilter) (points.HistoryPage, error) {
	var page points.HistoryPage
	err := s.store.View(ctx, func(tx points.Tx) error {
		acct, err := tx.Account(ctx, driverID)
		if err != nil {
			return err
		}
		if !actor.CanManageSponsor(acct.SponsorID) {
			return &points.ForbiddenError{Message: "Driver is not in your organization"}
		}
		page, err = s.ledger.History(ctx, tx, driverID, filter)
		return err
	})
	return page, err
}

// MonthSummary aggregates one calendar month (UTC) of a driver's history.
type MonthSummary struct {
	Month            string `json:"month"`
	PointsEarned     int64  `json:"points_earned"`
	PointsDeducted   int64  `json:"points_deducted"`
	NetChange        int64  `json:"net_change"`
	TransactionCount int    `json:"transaction_count"`
}

// MonthlySummary groups the driver's entries by month, newest month first.
// Deductions are reported as a positive magnitude.
func (s *Service) MonthlySummary(ctx context.Context, driverID points.DriverID) ([]MonthSummary, error) {
	summaries := []MonthSummary{}
	err := s.store.View(ctx, func(tx points.Tx) error {
		if _, err := tx.Account(ctx, driverID); err != nil {
			return err
		}
		entries, err := tx.Entries(ctx, driverID)
		if err != nil {
			return err
		}

		byMonth := make(map[string]*MonthSummary)
		for _, e := range entries {
			key := points.MonthKey(e.CreatedAt)
			m, ok := byMonth[key]
			if !ok {
				m = &MonthSummary{Month: key}
				byMonth[key] = m
			}
			if e.PointsChanged > 0 {
				m.PointsEarned += e.PointsChanged
			} else {
				m.PointsDeducted -= e.PointsChanged
			}
			m.NetChange += e.PointsChanged
			m.TransactionCount++
		}
		for _, m := range byMonth {
			summaries = append(summaries, *m)
		}
		sort.Slice(summaries, func(i, j int) bool { return summaries[i].Month > summaries[j].Month })
		return nil
	})
	return summaries, err
}

// =============================================================================
// CATALOG
// =============================================================================

// CatalogEntry is an item annotated for one driver.
type CatalogEntry struct {
	Item      points.CatalogItem
	Balance   int64
	CanAfford bool
	InStock   bool
	Shortfall int64 // points still needed; 0 when affordable
}

type CatalogView struct {
	Balance int64
	Items   []CatalogEntry
}

func annotate(item points.CatalogItem, balance int64) CatalogEntry {
	return CatalogEntry{
		Item:      item,
		Balance:   balance,
		CanAfford: balance >= item.PointsCost,
		InStock:   item.InStock(),
		Shortfall: max(item.PointsCost-balance, 0),
	}
}

// CatalogWithAffordability lists the active items of the driver's sponsor
// together with the driver's balance, read in the same snapshot.
func (s *Service) CatalogWithAffordability(ctx context.Context, driverID points.DriverID) (CatalogView, error) {
	view := CatalogView{Items: []CatalogEntry{}}
	err := s.store.View(ctx, func(tx points.Tx) error {
		acct, err := tx.Account(ctx, driverID)
		if err != nil {
			return err
		}
		entries, err := tx.Entries(ctx, driverID)
		if err != nil {
			return err
		}
		view.Balance = points.Balance(entries, s.clock.Now())

		items, err := tx.Items(ctx, acct.SponsorID, false)
		if err != nil {
			return err
		}
		for _, item := range items {
			view.Items = append(view.Items, annotate(item, view.Balance))
		}
		return nil
	})
	return view, err
}

// CatalogItem returns one item of the driver's sponsor. Removed items and
// items of other sponsors are NotFound.
func (s *Service) CatalogItem(ctx context.Context, driverID points.DriverID, itemID points.ItemID) (CatalogEntry, error) {
	var entry CatalogEntry
	err := s.store.View(ctx, func(tx points.Tx) error {
		acct, err := tx.Account(ctx, driverID)
		if err != nil {
			return err
		}
		item, err := tx.Item(ctx, itemID)
		if err != nil {
			return err
		}
		if item.SponsorID != acct.SponsorID || !item.Active {
			return points.ItemNotFound(itemID)
		}
		entries, err := tx.Entries(ctx, driverID)
		if err != nil {
			return err
		}
		entry = annotate(item, points.Balance(entries, s.clock.Now()))
		return nil
	})
	return entry, err
}

// =============================================================================
// ORDERS
// =============================================================================

// OrderQuery filters an order listing. Set DriverID or SponsorID.
type OrderQuery struct {
	DriverID   *points.DriverID
	SponsorID  *points.SponsorID
	Status     *points.OrderStatus
	DriverName string // case-insensitive substring of display name or username
}

// OrderRow is an order together with the ordering driver's identity.
type OrderRow struct {
	Order      points.Order
	DriverName string
	Username   string
}

// Orders lists matching orders, newest first.
func (s *Service) Orders(ctx context.Context, q OrderQuery) ([]OrderRow, error) {
	if q.DriverID == nil && q.SponsorID == nil {
		return nil, &points.RequestError{Field: "driver_id", Message: "driver_id or sponsor_id is required"}
	}
	if q.Status != nil && !q.Status.Valid() {
		return nil, &points.RequestError{Field: "status", Message: "status must be pending, shipped or cancelled"}
	}
	name := strings.ToLower(strings.TrimSpace(q.DriverName))

	rows := []OrderRow{}
	err := s.store.View(ctx, func(tx points.Tx) error {
		orders, err := tx.Orders(ctx, points.OrderFilter{DriverID: q.DriverID, SponsorID: q.SponsorID, Status: q.Status})
		if err != nil {
			return err
		}

		accounts := make(map[points.DriverID]points.DriverAccount)
		for _, o := range orders {
			acct, ok := accounts[o.DriverID]
			if !ok {
				acct, err = tx.Account(ctx, o.DriverID)
				if err != nil && !points.IsNotFound(err) {
					return err
				}
				accounts[o.DriverID] = acct
			}
			if name != "" &&
				!strings.Contains(strings.ToLower(acct.DisplayName), name) &&
				!strings.Contains(strings.ToLower(acct.Username), name) {
				continue
			}
			rows = append(rows, OrderRow{Order: o, DriverName: acct.DisplayName, Username: acct.Username})
		}
		return nil
	})
	return rows, err
}

// =============================================================================
// SPONSOR DRIVERS
// =============================================================================

type DriverBalance struct {
	Account points.DriverAccount
	Balance int64
}

// SponsorDrivers lists the sponsor's drivers with their balances, ordered by
// display name.
func (s *Service) SponsorDrivers(ctx context.Context, sponsorID points.SponsorID) ([]DriverBalance, error) {
	drivers := []DriverBalance{}
	err := s.store.View(ctx, func(tx points.Tx) error {
		accounts, err := tx.Accounts(ctx, sponsorID)
		if err != nil {
			return err
		}
		now := s.clock.Now()
		for _, acct := range accounts {
			entries, err := tx.Entries(ctx, acct.DriverID)
			if err != nil {
				return err
			}
			drivers = append(drivers, DriverBalance{Account: acct, Balance: points.Balance(entries, now)})
		}
		return nil
	})
	sort.SliceStable(drivers, func(i, j int) bool {
		a, b := drivers[i].Account, drivers[j].Account
		if an, bn := strings.ToLower(a.DisplayName), strings.ToLower(b.DisplayName); an != bn {
			return an < bn
		}
		return a.DriverID < b.DriverID
	})
	return drivers, err
}

// AllDrivers lists every enrolled driver ordered by driver id.
func (s *Service) AllDrivers(ctx context.Context) ([]points.DriverAccount, error) {
	var accounts []points.DriverAccount
	err := s.store.View(ctx, func(tx points.Tx) error {
		var err error
		accounts, err = tx.AllAccounts(ctx)
		return err
	})
	return accounts, err
}

// ParseDate accepts YYYY-MM-DD or RFC 3339. A bare date used as an upper
// bound covers the whole day.
func ParseDate(s string, endOfDay bool) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		t = t.UTC()
		return &t, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return nil, &points.RequestError{Field: "date", Message: "dates must be YYYY-MM-DD or RFC 3339"}
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Microsecond)
	}
	return &t, nil
}

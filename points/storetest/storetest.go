// Package storetest checks that a points.Store honours the persistence
// contract. Every backend's tests call Run.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/points-engine/points"
)

var base = time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)

// Run executes the contract suite. newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) points.Store) {
	t.Run("Accounts", func(t *testing.T) { testAccounts(t, newStore(t)) })
	t.Run("Entries", func(t *testing.T) { testEntries(t, newStore(t)) })
	t.Run("Stock", func(t *testing.T) { testStock(t, newStore(t)) })
	t.Run("Orders", func(t *testing.T) { testOrders(t, newStore(t)) })
	t.Run("Policies", func(t *testing.T) { testPolicies(t, newStore(t)) })
	t.Run("Rollback", func(t *testing.T) { testRollback(t, newStore(t)) })
	t.Run("ReadOnlyView", func(t *testing.T) { testReadOnlyView(t, newStore(t)) })
}

func write(t *testing.T, s points.Store, fn func(ctx context.Context, tx points.Tx) error) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.WithTx(ctx, func(tx points.Tx) error { return fn(ctx, tx) }))
}

func read(t *testing.T, s points.Store, fn func(ctx context.Context, tx points.Tx) error) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.View(ctx, func(tx points.Tx) error { return fn(ctx, tx) }))
}

func account(id, sponsor string) points.DriverAccount {
	return points.DriverAccount{
		DriverID:    points.DriverID(id),
		SponsorID:   points.SponsorID(sponsor),
		DisplayName: "Driver " + id,
		Username:    id,
		CreatedAt:   base,
	}
}

func testAccounts(t *testing.T, s points.Store) {
	write(t, s, func(ctx context.Context, tx points.Tx) error {
		for _, a := range []points.DriverAccount{account("d2", "acme"), account("d1", "acme"), account("d3", "other")} {
			if err := tx.SaveAccount(ctx, a); err != nil {
				return err
			}
		}
		return nil
	})

	read(t, s, func(ctx context.Context, tx points.Tx) error {
		got, err := tx.Account(ctx, "d1")
		require.NoError(t, err)
		assert.Equal(t, points.SponsorID("acme"), got.SponsorID)
		assert.Equal(t, "Driver d1", got.DisplayName)
		assert.True(t, base.Equal(got.CreatedAt))

		_, err = tx.Account(ctx, "missing")
		assert.ErrorIs(t, err, points.ErrNotFound)

		accounts, err := tx.Accounts(ctx, "acme")
		require.NoError(t, err)
		require.Len(t, accounts, 2)
		assert.Equal(t, points.DriverID("d1"), accounts[0].DriverID)

		all, err := tx.AllAccounts(ctx)
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, points.DriverID("d1"), all[0].DriverID)
		assert.Equal(t, points.DriverID("d3"), all[2].DriverID)
		return nil
	})

	// Re-saving moves the driver and keeps created_at.
	write(t, s, func(ctx context.Context, tx points.Tx) error {
		a := account("d1", "other")
		a.CreatedAt = base.Add(time.Hour)
		return tx.SaveAccount(ctx, a)
	})
	read(t, s, func(ctx context.Context, tx points.Tx) error {
		got, err := tx.LockAccount(ctx, "d1")
		require.NoError(t, err)
		assert.Equal(t, points.SponsorID("other"), got.SponsorID)
		assert.True(t, base.Equal(got.CreatedAt))
		return nil
	})
}

func testEntries(t *testing.T, s points.Store) {
	expires := base.AddDate(0, 0, 30)
	manager := points.UserID("u-manager")
	order := points.OrderID("o-1")

	entries := []points.Entry{
		{ID: "e1", DriverID: "d1", SponsorID: "acme", Kind: points.KindEarn, PointsChanged: 100, Reason: "earned", CreatedAt: base, ExpiresAt: &expires},
		{ID: "e2", DriverID: "d1", SponsorID: "acme", Kind: points.KindAdjustment, PointsChanged: 50, Reason: "bonus", CreatedAt: base.Add(time.Minute), ChangedBy: &manager},
		{ID: "e3", DriverID: "d1", SponsorID: "acme", Kind: points.KindPurchase, PointsChanged: -30, Reason: "mug", CreatedAt: base.Add(2 * time.Minute), ExpiresAt: &expires, RelatedOrderID: &order},
		{ID: "e4", DriverID: "d2", SponsorID: "other", Kind: points.KindEarn, PointsChanged: 10, Reason: "earned", CreatedAt: base.Add(3 * time.Minute)},
	}
	write(t, s, func(ctx context.Context, tx points.Tx) error {
		require.NoError(t, tx.SaveAccount(ctx, account("d1", "acme")))
		require.NoError(t, tx.SaveAccount(ctx, account("d2", "other")))
		return tx.AppendEntries(ctx, entries)
	})
	for i := 1; i < len(entries); i++ {
		assert.Greater(t, entries[i].Seq, entries[i-1].Seq, "seq must increase in append order")
	}

	read(t, s, func(ctx context.Context, tx points.Tx) error {
		got, err := tx.Entries(ctx, "d1")
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, []points.EntryID{"e1", "e2", "e3"}, []points.EntryID{got[0].ID, got[1].ID, got[2].ID})

		require.NotNil(t, got[0].ExpiresAt)
		assert.True(t, expires.Equal(*got[0].ExpiresAt))
		assert.Nil(t, got[0].ChangedBy)
		assert.Nil(t, got[1].ExpiresAt)
		require.NotNil(t, got[1].ChangedBy)
		assert.Equal(t, manager, *got[1].ChangedBy)
		assert.Equal(t, points.KindPurchase, got[2].Kind)
		assert.Equal(t, int64(-30), got[2].PointsChanged)
		require.NotNil(t, got[2].RelatedOrderID)
		assert.Equal(t, order, *got[2].RelatedOrderID)

		linked, err := tx.OrderEntries(ctx, order)
		require.NoError(t, err)
		require.Len(t, linked, 1)
		assert.Equal(t, points.EntryID("e3"), linked[0].ID)

		sponsored, err := tx.SponsorEntries(ctx, "acme", base.Add(time.Minute))
		require.NoError(t, err)
		assert.Len(t, sponsored, 2, "since is inclusive")
		return nil
	})
}

func testStock(t *testing.T, s points.Store) {
	item := points.CatalogItem{
		ID: "i1", SponsorID: "acme", Title: "Mug", PointsCost: 150, StockQuantity: 1,
		Active: true, CreatedAt: base, UpdatedAt: base,
	}
	removed := points.CatalogItem{
		ID: "i2", SponsorID: "acme", Title: "Old Hat", PointsCost: 90, StockQuantity: 3,
		Active: false, CreatedAt: base.Add(time.Minute), UpdatedAt: base,
	}
	write(t, s, func(ctx context.Context, tx points.Tx) error {
		require.NoError(t, tx.SaveItem(ctx, item))
		return tx.SaveItem(ctx, removed)
	})

	read(t, s, func(ctx context.Context, tx points.Tx) error {
		active, err := tx.Items(ctx, "acme", false)
		require.NoError(t, err)
		require.Len(t, active, 1)
		assert.Equal(t, points.ItemID("i1"), active[0].ID)

		all, err := tx.Items(ctx, "acme", true)
		require.NoError(t, err)
		assert.Len(t, all, 2)

		got, err := tx.Item(ctx, "i2")
		require.NoError(t, err)
		assert.False(t, got.Active, "removed items stay resolvable")
		return nil
	})

	write(t, s, func(ctx context.Context, tx points.Tx) error {
		remaining, err := tx.AdjustStock(ctx, "i1", -1)
		require.NoError(t, err)
		assert.Equal(t, int64(0), remaining)
		return nil
	})

	ctx := context.Background()
	err := s.WithTx(ctx, func(tx points.Tx) error {
		_, err := tx.AdjustStock(ctx, "i1", -1)
		return err
	})
	var oos *points.OutOfStockError
	require.ErrorAs(t, err, &oos)
	assert.Equal(t, "Mug", oos.Title)

	err = s.WithTx(ctx, func(tx points.Tx) error {
		_, err := tx.AdjustStock(ctx, "missing", 1)
		return err
	})
	assert.ErrorIs(t, err, points.ErrNotFound)

	write(t, s, func(ctx context.Context, tx points.Tx) error {
		stock, err := tx.AdjustStock(ctx, "i1", 2)
		require.NoError(t, err)
		assert.Equal(t, int64(2), stock)
		return nil
	})
}

func testOrders(t *testing.T, s points.Store) {
	order := func(id, driver, sponsor string, at time.Time) points.Order {
		return points.Order{
			ID: points.OrderID(id), DriverID: points.DriverID(driver), SponsorID: points.SponsorID(sponsor),
			ItemID: "i1", ItemTitle: "Mug", PointsCostAtPurchase: 150,
			Status: points.OrderPending, CreatedAt: at, UpdatedAt: at,
		}
	}
	write(t, s, func(ctx context.Context, tx points.Tx) error {
		for _, a := range []points.DriverAccount{account("d1", "acme"), account("d2", "acme"), account("d3", "other")} {
			if err := tx.SaveAccount(ctx, a); err != nil {
				return err
			}
		}
		if err := tx.SaveItem(ctx, points.CatalogItem{
			ID: "i1", SponsorID: "acme", Title: "Mug", PointsCost: 150, StockQuantity: 5,
			Active: true, CreatedAt: base, UpdatedAt: base,
		}); err != nil {
			return err
		}
		for _, o := range []points.Order{
			order("o1", "d1", "acme", base),
			order("o2", "d1", "acme", base.Add(time.Hour)),
			order("o3", "d2", "acme", base.Add(time.Hour)),
			order("o4", "d3", "other", base.Add(2*time.Hour)),
		} {
			if err := tx.SaveOrder(ctx, o); err != nil {
				return err
			}
		}
		return nil
	})

	write(t, s, func(ctx context.Context, tx points.Tx) error {
		o, err := tx.LockOrder(ctx, "o1")
		require.NoError(t, err)
		o.Status = points.OrderShipped
		o.UpdatedAt = base.Add(3 * time.Hour)
		return tx.SaveOrder(ctx, o)
	})

	read(t, s, func(ctx context.Context, tx points.Tx) error {
		got, err := tx.Order(ctx, "o1")
		require.NoError(t, err)
		assert.Equal(t, points.OrderShipped, got.Status)
		assert.Equal(t, int64(150), got.PointsCostAtPurchase)

		_, err = tx.Order(ctx, "missing")
		assert.ErrorIs(t, err, points.ErrNotFound)

		sponsor := points.SponsorID("acme")
		orders, err := tx.Orders(ctx, points.OrderFilter{SponsorID: &sponsor})
		require.NoError(t, err)
		require.Len(t, orders, 3)
		assert.Equal(t, points.OrderID("o3"), orders[0].ID, "same timestamp: later insert first")
		assert.Equal(t, points.OrderID("o2"), orders[1].ID)
		assert.Equal(t, points.OrderID("o1"), orders[2].ID)

		driver := points.DriverID("d1")
		pending := points.OrderPending
		orders, err = tx.Orders(ctx, points.OrderFilter{DriverID: &driver, Status: &pending})
		require.NoError(t, err)
		require.Len(t, orders, 1)
		assert.Equal(t, points.OrderID("o2"), orders[0].ID)
		return nil
	})
}

func testPolicies(t *testing.T, s points.Store) {
	read(t, s, func(ctx context.Context, tx points.Tx) error {
		_, err := tx.Policy(ctx, "acme")
		assert.ErrorIs(t, err, points.ErrNotFound)
		return nil
	})

	days, perDay, daily := 30, int64(500), int64(10)
	manager := points.UserID("u-manager")
	write(t, s, func(ctx context.Context, tx points.Tx) error {
		require.NoError(t, tx.CreatePolicy(ctx, points.DefaultPolicy("acme", base)))
		p, err := tx.LockPolicy(ctx, "acme")
		require.NoError(t, err)
		p.DollarPerPoint = decimal.RequireFromString("0.025")
		p.ExpirationDays = &days
		p.MaxPointsPerDay = &perDay
		p.DailyPointsAwarded = &daily
		p.UpdatedBy = &manager
		return tx.SavePolicy(ctx, p)
	})

	// A second create must not clobber the saved policy.
	write(t, s, func(ctx context.Context, tx points.Tx) error {
		return tx.CreatePolicy(ctx, points.DefaultPolicy("acme", base))
	})

	write(t, s, func(ctx context.Context, tx points.Tx) error {
		for i, v := range []string{"0.01", "0.02", "0.025"} {
			if err := tx.AppendValueChange(ctx, points.PointValueChange{
				ID:        "c" + v,
				SponsorID: "acme",
				OldValue:  decimal.RequireFromString("0.01"),
				NewValue:  decimal.RequireFromString(v),
				ChangedBy: manager,
				ChangedAt: base.Add(time.Duration(i) * time.Hour),
			}); err != nil {
				return err
			}
		}
		return nil
	})

	read(t, s, func(ctx context.Context, tx points.Tx) error {
		p, err := tx.Policy(ctx, "acme")
		require.NoError(t, err)
		assert.True(t, decimal.RequireFromString("0.025").Equal(p.DollarPerPoint), "got %s", p.DollarPerPoint)
		assert.True(t, points.DefaultEarnRate.Equal(p.EarnRate))
		require.NotNil(t, p.ExpirationDays)
		assert.Equal(t, 30, *p.ExpirationDays)
		require.NotNil(t, p.MaxPointsPerDay)
		assert.Equal(t, int64(500), *p.MaxPointsPerDay)
		assert.Nil(t, p.MaxPointsPerMonth)
		require.NotNil(t, p.DailyPointsAwarded)
		assert.Equal(t, int64(10), *p.DailyPointsAwarded)
		require.NotNil(t, p.UpdatedBy)
		assert.Equal(t, manager, *p.UpdatedBy)

		changes, err := tx.ValueChanges(ctx, "acme")
		require.NoError(t, err)
		require.Len(t, changes, 3)
		assert.True(t, decimal.RequireFromString("0.025").Equal(changes[0].NewValue), "newest first")
		return nil
	})
}

func testRollback(t *testing.T, s points.Store) {
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx points.Tx) error {
		require.NoError(t, tx.SaveAccount(ctx, account("d1", "acme")))
		require.NoError(t, tx.AppendEntries(ctx, []points.Entry{
			{ID: "e1", DriverID: "d1", SponsorID: "acme", Kind: points.KindEarn, PointsChanged: 10, Reason: "x", CreatedAt: base},
		}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	read(t, s, func(ctx context.Context, tx points.Tx) error {
		_, err := tx.Account(ctx, "d1")
		assert.ErrorIs(t, err, points.ErrNotFound, "account write must be rolled back")
		entries, err := tx.Entries(ctx, "d1")
		require.NoError(t, err)
		assert.Empty(t, entries, "entry write must be rolled back")
		return nil
	})
}

func testReadOnlyView(t *testing.T, s points.Store) {
	ctx := context.Background()
	err := s.View(ctx, func(tx points.Tx) error {
		return tx.SaveAccount(ctx, account("d1", "acme"))
	})
	require.Error(t, err)

	read(t, s, func(ctx context.Context, tx points.Tx) error {
		_, err := tx.Account(ctx, "d1")
		assert.ErrorIs(t, err, points.ErrNotFound)
		return nil
	})
}

package redemption_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/points-engine/catalog"
	"github.com/warp/points-engine/points"
	"github.com/warp/points-engine/points/store"
	"github.com/warp/points-engine/redemption"
	"github.com/warp/points-engine/rewards"
	"github.com/warp/points-engine/store/sqlite"
)

var (
	start = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

	acmeManager  = points.Actor{UserID: "u-acme", Role: points.RoleSponsor, SponsorID: "acme"}
	otherManager = points.Actor{UserID: "u-other", Role: points.RoleSponsor, SponsorID: "other"}
	admin        = points.Actor{UserID: "u-admin", Role: points.RoleAdmin}
	driverD1     = points.Actor{UserID: "u-d1", Role: points.RoleDriver, DriverID: "d1"}
	driverD2     = points.Actor{UserID: "u-d2", Role: points.RoleDriver, DriverID: "d2"}
)

// =============================================================================
// FIXTURE
// =============================================================================

type fixture struct {
	store   points.Store
	clock   *points.ManualClock
	coord   *redemption.Coordinator
	catalog *catalog.Service
	rewards *rewards.Service
}

type backend struct {
	name string
	open func(t *testing.T) points.Store
}

var backends = []backend{
	{"memory", func(t *testing.T) points.Store { return store.NewMemory() }},
	{"sqlite", func(t *testing.T) points.Store {
		s, err := sqlite.New(":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	}},
}

// forEachStore runs fn once per store backend with d1, d2 (acme) and d3 (other) enrolled.
func forEachStore(t *testing.T, cfg redemption.Config, fn func(t *testing.T, f *fixture)) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			fn(t, newFixture(t, b.open(t), cfg))
		})
	}
}

func newFixture(t *testing.T, s points.Store, cfg redemption.Config) *fixture {
	t.Helper()
	log, _ := logtest.NewNullLogger()
	clock := points.NewManualClock(start)
	f := &fixture{
		store:   s,
		clock:   clock,
		coord:   redemption.New(s, clock, log, cfg),
		catalog: catalog.NewService(s, clock),
		rewards: rewards.NewService(s, clock),
	}
	for _, d := range []redemption.EnrollRequest{
		{DriverID: "d1", SponsorID: "acme", DisplayName: "Alice"},
		{DriverID: "d2", SponsorID: "acme", DisplayName: "Bob"},
		{DriverID: "d3", SponsorID: "other", DisplayName: "Carol"},
	} {
		_, err := f.coord.EnrollDriver(context.Background(), d)
		require.NoError(t, err)
	}
	return f
}

func (f *fixture) credit(t *testing.T, driverID points.DriverID, pts int64) {
	t.Helper()
	manager := acmeManager
	if driverID == "d3" {
		manager = otherManager
	}
	_, err := f.coord.Adjust(context.Background(), manager, redemption.AdjustRequest{
		DriverID: driverID, Points: pts, Direction: redemption.DirectionAdd, Reason: "Test credit",
	})
	require.NoError(t, err)
}

func (f *fixture) item(t *testing.T, sponsorID points.SponsorID, title string, cost, stock int64) points.CatalogItem {
	t.Helper()
	item, err := f.catalog.Add(context.Background(), sponsorID, catalog.ItemInput{Title: title, PointsCost: cost, StockQuantity: stock})
	require.NoError(t, err)
	return item
}

func (f *fixture) balance(t *testing.T, driverID points.DriverID) int64 {
	t.Helper()
	var bal int64
	require.NoError(t, f.store.View(context.Background(), func(tx points.Tx) error {
		var err error
		bal, err = f.coord.Ledger().Balance(context.Background(), tx, driverID)
		return err
	}))
	return bal
}

func (f *fixture) stock(t *testing.T, itemID points.ItemID) int64 {
	t.Helper()
	item, err := f.catalog.Get(context.Background(), itemID)
	require.NoError(t, err)
	return item.StockQuantity
}

func (f *fixture) orders(t *testing.T, driverID points.DriverID) []points.Order {
	t.Helper()
	var orders []points.Order
	require.NoError(t, f.store.View(context.Background(), func(tx points.Tx) error {
		var err error
		orders, err = tx.Orders(context.Background(), points.OrderFilter{DriverID: &driverID})
		return err
	}))
	return orders
}

func (f *fixture) setPolicy(t *testing.T, sponsorID points.SponsorID, u rewards.Update) {
	t.Helper()
	_, err := f.rewards.Update(context.Background(), sponsorID, "u-mgr", u)
	require.NoError(t, err)
}

func by(id points.UserID) *points.UserID { return &id }

// =============================================================================
// PURCHASE
// =============================================================================

func TestPurchase_Success(t *testing.T) {
	forEachStore(t, redemption.DefaultConfig(), func(t *testing.T, f *fixture) {
		// GIVEN: d1 has 500 points and a mug costs 150 with 2 in stock
		// WHEN: d1 buys the mug
		// THEN: A pending order exists, balance is 350 and stock is 1
		f.credit(t, "d1", 500)
		mug := f.item(t, "acme", "Mug", 150, 2)

		res, err := f.coord.Purchase(context.Background(), "d1", mug.ID, by("u-d1"))
		require.NoError(t, err)
		assert.Equal(t, points.OrderPending, res.Order.Status)
		assert.Equal(t, int64(150), res.Order.PointsCostAtPurchase)
		assert.Equal(t, "Mug", res.Order.ItemTitle)
		assert.Equal(t, points.SponsorID("acme"), res.Order.SponsorID)
		assert.Equal(t, int64(350), res.NewBalance)
		assert.Equal(t, int64(1), res.RemainingStock)

		assert.Equal(t, int64(350), f.balance(t, "d1"))
		assert.Equal(t, int64(1), f.stock(t, mug.ID))

		require.NoError(t, f.store.View(context.Background(), func(tx points.Tx) error {
			linked, err := tx.OrderEntries(context.Background(), res.Order.ID)
			require.NoError(t, err)
			require.Len(t, linked, 1)
			assert.Equal(t, points.KindPurchase, linked[0].Kind)
			assert.Equal(t, int64(-150), linked[0].PointsChanged)
			return nil
		}))
	})
}

func TestPurchase_InsufficientPoints(t *testing.T) {
	forEachStore(t, redemption.DefaultConfig(), func(t *testing.T, f *fixture) {
		// GIVEN: d1 has 100 points and the mug costs 150
		// WHEN: d1 tries to buy it
		// THEN: InsufficientPoints with a shortfall of 50 and nothing changes
		f.credit(t, "d1", 100)
		mug := f.item(t, "acme", "Mug", 150, 2)

		_, err := f.coord.Purchase(context.Background(), "d1", mug.ID, by("u-d1"))
		require.ErrorIs(t, err, points.ErrInsufficientPoints)
		var ipe *points.InsufficientPointsError
		require.ErrorAs(t, err, &ipe)
		assert.Equal(t, int64(50), ipe.Shortfall)
		assert.Equal(t, int64(100), ipe.Balance)

		assert.Equal(t, int64(100), f.balance(t, "d1"))
		assert.Equal(t, int64(2), f.stock(t, mug.ID))
		assert.Empty(t, f.orders(t, "d1"))
	})
}

func TestPurchase_OutOfStock(t *testing.T) {
	forEachStore(t, redemption.DefaultConfig(), func(t *testing.T, f *fixture) {
		f.credit(t, "d1", 500)
		cushion := f.item(t, "acme", "Seat Cushion", 300, 0)

		_, err := f.coord.Purchase(context.Background(), "d1", cushion.ID, by("u-d1"))
		assert.ErrorIs(t, err, points.ErrOutOfStock)
		assert.Equal(t, int64(500), f.balance(t, "d1"))
	})
}

func TestPurchase_ItemNotAvailable(t *testing.T) {
	forEachStore(t, redemption.DefaultConfig(), func(t *testing.T, f *fixture) {
		f.credit(t, "d1", 500)
		foreign := f.item(t, "other", "Jacket", 100, 5)
		removed := f.item(t, "acme", "Old Mug", 100, 5)
		require.NoError(t, f.catalog.Remove(context.Background(), "acme", removed.ID))

		for _, id := range []points.ItemID{foreign.ID, removed.ID, "missing"} {
			_, err := f.coord.Purchase(context.Background(), "d1", id, by("u-d1"))
			assert.ErrorIs(t, err, points.ErrNotFound, "item %s", id)
		}
		assert.Equal(t, int64(5), f.stock(t, foreign.ID))

		_, err := f.coord.Purchase(context.Background(), "ghost", foreign.ID, nil)
		assert.ErrorIs(t, err, points.ErrNotFound)
	})
}

// =============================================================================
// CANCEL / SHIP
// =============================================================================

func TestCancel_RefundsAndRestocks(t *testing.T) {
	forEachStore(t, redemption.DefaultConfig(), func(t *testing.T, f *fixture) {
		// GIVEN: A pending order for a 150-point mug, then the price goes up
		// WHEN: The driver cancels
		// THEN: The historical 150 is refunded, stock is restored, status is cancelled
		ctx := context.Background()
		f.credit(t, "d1", 500)
		mug := f.item(t, "acme", "Mug", 150, 2)
		purchase, err := f.coord.Purchase(ctx, "d1", mug.ID, by("u-d1"))
		require.NoError(t, err)

		newCost := int64(400)
		_, err = f.catalog.Update(ctx, "acme", mug.ID, catalog.ItemUpdate{PointsCost: &newCost})
		require.NoError(t, err)

		f.clock.Advance(time.Hour)
		res, err := f.coord.Cancel(ctx, driverD1, purchase.Order.ID)
		require.NoError(t, err)
		assert.Equal(t, points.OrderCancelled, res.Order.Status)
		assert.Equal(t, int64(150), res.Refunded)
		assert.Equal(t, int64(500), res.NewBalance)
		assert.Equal(t, int64(2), res.RestoredStock)
		assert.True(t, res.Order.UpdatedAt.After(res.Order.CreatedAt))

		_, err = f.coord.Cancel(ctx, driverD1, purchase.Order.ID)
		assert.ErrorIs(t, err, points.ErrInvalidState)
		_, err = f.coord.Ship(ctx, acmeManager, purchase.Order.ID)
		assert.ErrorIs(t, err, points.ErrInvalidState)
		assert.Equal(t, int64(500), f.balance(t, "d1"))
	})
}

func TestCancel_Authorization(t *testing.T) {
	forEachStore(t, redemption.DefaultConfig(), func(t *testing.T, f *fixture) {
		ctx := context.Background()
		f.credit(t, "d1", 500)
		mug := f.item(t, "acme", "Mug", 150, 5)
		purchase, err := f.coord.Purchase(ctx, "d1", mug.ID, by("u-d1"))
		require.NoError(t, err)

		_, err = f.coord.Cancel(ctx, driverD2, purchase.Order.ID)
		assert.ErrorIs(t, err, points.ErrNotFound)

		_, err = f.coord.Cancel(ctx, otherManager, purchase.Order.ID)
		assert.ErrorIs(t, err, points.ErrForbidden)

		_, err = f.coord.Cancel(ctx, driverD1, "missing")
		assert.ErrorIs(t, err, points.ErrNotFound)

		res, err := f.coord.Cancel(ctx, acmeManager, purchase.Order.ID)
		require.NoError(t, err)
		assert.Equal(t, points.OrderCancelled, res.Order.Status)
	})
}

func TestShip(t *testing.T) {
	forEachStore(t, redemption.DefaultConfig(), func(t *testing.T, f *fixture) {
		// GIVEN: A pending order
		// WHEN: The driver tries to ship it, then the sponsor ships it
		// THEN: The driver is refused; shipping has no ledger effect and blocks cancel
		ctx := context.Background()
		f.credit(t, "d1", 500)
		mug := f.item(t, "acme", "Mug", 150, 5)
		purchase, err := f.coord.Purchase(ctx, "d1", mug.ID, by("u-d1"))
		require.NoError(t, err)

		_, err = f.coord.Ship(ctx, driverD1, purchase.Order.ID)
		assert.ErrorIs(t, err, points.ErrForbidden)
		_, err = f.coord.Ship(ctx, otherManager, purchase.Order.ID)
		assert.ErrorIs(t, err, points.ErrForbidden)

		shipped, err := f.coord.Ship(ctx, acmeManager, purchase.Order.ID)
		require.NoError(t, err)
		assert.Equal(t, points.OrderShipped, shipped.Status)
		assert.Equal(t, int64(350), f.balance(t, "d1"))

		_, err = f.coord.Cancel(ctx, admin, purchase.Order.ID)
		assert.ErrorIs(t, err, points.ErrInvalidState)
	})
}

// =============================================================================
// ADJUSTMENTS AND CAPS
// =============================================================================

func TestAdjust_Validation(t *testing.T) {
	forEachStore(t, redemption.DefaultConfig(), func(t *testing.T, f *fixture) {
		ctx := context.Background()
		tests := []struct {
			name  string
			actor points.Actor
			req   redemption.AdjustRequest
			want  error
		}{
			{"short reason", acmeManager, redemption.AdjustRequest{DriverID: "d1", Points: 10, Direction: redemption.DirectionAdd, Reason: "ab"}, points.ErrInvalidRequest},
			{"zero points", acmeManager, redemption.AdjustRequest{DriverID: "d1", Points: 0, Direction: redemption.DirectionAdd, Reason: "bonus"}, points.ErrInvalidRequest},
			{"bad direction", acmeManager, redemption.AdjustRequest{DriverID: "d1", Points: 10, Direction: "sideways", Reason: "bonus"}, points.ErrInvalidRequest},
			{"driver actor", driverD1, redemption.AdjustRequest{DriverID: "d1", Points: 10, Direction: redemption.DirectionAdd, Reason: "bonus"}, points.ErrForbidden},
			{"other sponsor", otherManager, redemption.AdjustRequest{DriverID: "d1", Points: 10, Direction: redemption.DirectionAdd, Reason: "bonus"}, points.ErrForbidden},
			{"unknown driver", acmeManager, redemption.AdjustRequest{DriverID: "ghost", Points: 10, Direction: redemption.DirectionAdd, Reason: "bonus"}, points.ErrNotFound},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := f.coord.Adjust(ctx, tt.actor, tt.req)
				assert.ErrorIs(t, err, tt.want)
			})
		}
		assert.Equal(t, int64(0), f.balance(t, "d1"))
	})
}

func TestAdjust_DeductCannotOverdraw(t *testing.T) {
	forEachStore(t, redemption.DefaultConfig(), func(t *testing.T, f *fixture) {
		ctx := context.Background()
		f.credit(t, "d1", 100)

		_, err := f.coord.Adjust(ctx, acmeManager, redemption.AdjustRequest{
			DriverID: "d1", Points: 101, Direction: redemption.DirectionDeduct, Reason: "Damage claim",
		})
		assert.ErrorIs(t, err, points.ErrInsufficientBalance)

		res, err := f.coord.Adjust(ctx, admin, redemption.AdjustRequest{
			DriverID: "d1", Points: 100, Direction: redemption.DirectionDeduct, Reason: "Damage claim",
		})
		require.NoError(t, err)
		assert.Equal(t, int64(0), res.NewBalance)
		require.Len(t, res.Entries, 1)
		assert.Equal(t, int64(-100), res.Entries[0].PointsChanged)
	})
}

func TestAdjust_DailyCap(t *testing.T) {
	forEachStore(t, redemption.DefaultConfig(), func(t *testing.T, f *fixture) {
		// GIVEN: A 500/day cap and 450 already added today
		// WHEN: Another 100 is added, then again 25 hours later
		// THEN: The first is refused with CapExceeded, the second succeeds
		ctx := context.Background()
		f.setPolicy(t, "acme", rewards.Update{MaxPointsPerDay: rewards.Some[int64](500)})
		f.credit(t, "d1", 300)
		f.credit(t, "d1", 150)

		add := redemption.AdjustRequest{DriverID: "d1", Points: 100, Direction: redemption.DirectionAdd, Reason: "Route completed"}
		_, err := f.coord.Adjust(ctx, acmeManager, add)
		require.ErrorIs(t, err, points.ErrCapExceeded)
		var capErr *points.CapExceededError
		require.ErrorAs(t, err, &capErr)
		assert.Equal(t, "daily", capErr.Window)
		assert.Equal(t, int64(450), capErr.Used)

		// Deductions and earnings do not consume the cap.
		_, err = f.coord.Adjust(ctx, acmeManager, redemption.AdjustRequest{
			DriverID: "d1", Points: 50, Direction: redemption.DirectionDeduct, Reason: "Correction",
		})
		require.NoError(t, err)
		_, err = f.coord.Earn(ctx, redemption.EarnRequest{DriverID: "d1", BasePoints: 1000, Reason: "Mileage"})
		require.NoError(t, err)
		_, err = f.coord.Adjust(ctx, acmeManager, redemption.AdjustRequest{
			DriverID: "d1", Points: 50, Direction: redemption.DirectionAdd, Reason: "Route completed",
		})
		require.NoError(t, err)

		// The day cap is per driver by default.
		f.credit(t, "d2", 500)

		f.clock.Advance(25 * time.Hour)
		_, err = f.coord.Adjust(ctx, acmeManager, add)
		require.NoError(t, err)
		assert.Equal(t, int64(1550), f.balance(t, "d1"))
	})
}

func TestAdjust_MonthlyCap(t *testing.T) {
	forEachStore(t, redemption.DefaultConfig(), func(t *testing.T, f *fixture) {
		ctx := context.Background()
		f.setPolicy(t, "acme", rewards.Update{MaxPointsPerMonth: rewards.Some[int64](600)})
		f.credit(t, "d1", 400)

		f.clock.Advance(10 * 24 * time.Hour)
		add := redemption.AdjustRequest{DriverID: "d1", Points: 300, Direction: redemption.DirectionAdd, Reason: "Route completed"}
		_, err := f.coord.Adjust(ctx, acmeManager, add)
		var capErr *points.CapExceededError
		require.ErrorAs(t, err, &capErr)
		assert.Equal(t, "monthly", capErr.Window)

		f.clock.Set(start.AddDate(0, 1, 1))
		_, err = f.coord.Adjust(ctx, acmeManager, add)
		require.NoError(t, err)
	})
}

func TestAdjust_SponsorScopeCap(t *testing.T) {
	cfg := redemption.DefaultConfig()
	cfg.CapScope = rewards.ScopeSponsor
	forEachStore(t, cfg, func(t *testing.T, f *fixture) {
		// GIVEN: Caps bound the whole sponsor
		// WHEN: Two drivers together exceed the daily cap
		// THEN: The second addition is refused
		f.setPolicy(t, "acme", rewards.Update{MaxPointsPerDay: rewards.Some[int64](500)})
		f.credit(t, "d1", 300)

		_, err := f.coord.Adjust(context.Background(), acmeManager, redemption.AdjustRequest{
			DriverID: "d2", Points: 250, Direction: redemption.DirectionAdd, Reason: "Route completed",
		})
		assert.ErrorIs(t, err, points.ErrCapExceeded)

		// Another sponsor's additions are unaffected.
		f.setPolicy(t, "other", rewards.Update{MaxPointsPerDay: rewards.Some[int64](500)})
		f.credit(t, "d3", 500)
	})
}

// =============================================================================
// EXPIRY
// =============================================================================

func TestExpiry_PurchaseAndRefund(t *testing.T) {
	forEachStore(t, redemption.DefaultConfig(), func(t *testing.T, f *fixture) {
		// GIVEN: 200 points expiring in 30 days and 100 permanent points
		// WHEN: A 250-point purchase is cancelled after the 200 expired
		// THEN: Only the permanent part of the refund counts
		ctx := context.Background()
		f.setPolicy(t, "acme", rewards.Update{ExpirationDays: rewards.Some(30)})
		f.credit(t, "d1", 200)
		f.setPolicy(t, "acme", rewards.Update{ExpirationDays: rewards.Null[int]()})
		f.credit(t, "d1", 100)

		speaker := f.item(t, "acme", "Speaker", 250, 3)
		purchase, err := f.coord.Purchase(ctx, "d1", speaker.ID, by("u-d1"))
		require.NoError(t, err)
		assert.Equal(t, int64(50), purchase.NewBalance)

		f.clock.Advance(30 * 24 * time.Hour)
		assert.Equal(t, int64(50), f.balance(t, "d1"))

		res, err := f.coord.Cancel(ctx, driverD1, purchase.Order.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(250), res.Refunded)
		assert.Equal(t, int64(100), res.NewBalance)
	})
}

func TestExpiry_BalanceDropsAtExpiry(t *testing.T) {
	forEachStore(t, redemption.DefaultConfig(), func(t *testing.T, f *fixture) {
		f.setPolicy(t, "acme", rewards.Update{ExpirationDays: rewards.Some(7)})
		_, err := f.coord.Earn(context.Background(), redemption.EarnRequest{DriverID: "d1", BasePoints: 80, Reason: "Mileage"})
		require.NoError(t, err)

		f.clock.Advance(7*24*time.Hour - time.Microsecond)
		assert.Equal(t, int64(80), f.balance(t, "d1"))
		f.clock.Advance(time.Microsecond)
		assert.Equal(t, int64(0), f.balance(t, "d1"))
	})
}

// =============================================================================
// EARN / ENROLL
// =============================================================================

func TestEarn_AppliesEarnRate(t *testing.T) {
	forEachStore(t, redemption.DefaultConfig(), func(t *testing.T, f *fixture) {
		ctx := context.Background()
		f.setPolicy(t, "acme", rewards.Update{EarnRate: rewards.Some(decimal.RequireFromString("1.5"))})

		res, err := f.coord.Earn(ctx, redemption.EarnRequest{DriverID: "d1", BasePoints: 101, Reason: "Safe driving"})
		require.NoError(t, err)
		assert.Equal(t, int64(151), res.Earned)
		assert.Equal(t, int64(151), res.NewBalance)
		assert.Equal(t, points.KindEarn, res.Entry.Kind)
		assert.Nil(t, res.Entry.ChangedBy)

		_, err = f.coord.Earn(ctx, redemption.EarnRequest{DriverID: "ghost", BasePoints: 10, Reason: "Safe driving"})
		assert.ErrorIs(t, err, points.ErrNotFound)
		_, err = f.coord.Earn(ctx, redemption.EarnRequest{DriverID: "d1", BasePoints: 0, Reason: "Safe driving"})
		assert.ErrorIs(t, err, points.ErrInvalidRequest)

		f.setPolicy(t, "acme", rewards.Update{EarnRate: rewards.Some(decimal.Zero)})
		_, err = f.coord.Earn(ctx, redemption.EarnRequest{DriverID: "d1", BasePoints: 10, Reason: "Safe driving"})
		assert.ErrorIs(t, err, points.ErrInvalidRequest)
	})
}

func TestEnroll_SponsorChange(t *testing.T) {
	forEachStore(t, redemption.DefaultConfig(), func(t *testing.T, f *fixture) {
		// GIVEN: d1 has a pending order with acme
		// WHEN: d1 is moved to another sponsor
		// THEN: The move is refused until the order is no longer pending
		ctx := context.Background()
		f.credit(t, "d1", 500)
		mug := f.item(t, "acme", "Mug", 150, 5)
		purchase, err := f.coord.Purchase(ctx, "d1", mug.ID, by("u-d1"))
		require.NoError(t, err)

		move := redemption.EnrollRequest{DriverID: "d1", SponsorID: "other", DisplayName: "Alice"}
		_, err = f.coord.EnrollDriver(ctx, move)
		assert.ErrorIs(t, err, points.ErrInvalidState)

		_, err = f.coord.Ship(ctx, acmeManager, purchase.Order.ID)
		require.NoError(t, err)

		f.clock.Advance(time.Hour)
		acct, err := f.coord.EnrollDriver(ctx, move)
		require.NoError(t, err)
		assert.Equal(t, points.SponsorID("other"), acct.SponsorID)
		assert.Equal(t, start, acct.CreatedAt)

		_, err = f.coord.EnrollDriver(ctx, redemption.EnrollRequest{DriverID: " ", SponsorID: "acme"})
		assert.ErrorIs(t, err, points.ErrInvalidRequest)
	})
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestPurchase_ConcurrentNoDoubleSale(t *testing.T) {
	forEachStore(t, redemption.DefaultConfig(), func(t *testing.T, f *fixture) {
		// GIVEN: 3 units in stock and two drivers with plenty of points
		// WHEN: 12 purchases race
		// THEN: Exactly 3 succeed and stock ends at 0
		f.credit(t, "d1", 5000)
		f.credit(t, "d2", 5000)
		headset := f.item(t, "acme", "Headset", 100, 3)

		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 12; i++ {
			driverID := points.DriverID("d1")
			if i%2 == 1 {
				driverID = "d2"
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := f.coord.Purchase(context.Background(), driverID, headset.ID, nil)
				if err == nil {
					wins.Add(1)
					return
				}
				assert.ErrorIs(t, err, points.ErrOutOfStock)
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(3), wins.Load())
		assert.Equal(t, int64(0), f.stock(t, headset.ID))
		assert.Equal(t, int64(10000-300), f.balance(t, "d1")+f.balance(t, "d2"))
	})
}

func TestPurchase_ConcurrentNoOverdraft(t *testing.T) {
	forEachStore(t, redemption.DefaultConfig(), func(t *testing.T, f *fixture) {
		f.credit(t, "d1", 250)
		mount := f.item(t, "acme", "Phone Mount", 100, 50)

		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := f.coord.Purchase(context.Background(), "d1", mount.ID, nil); err == nil {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(2), wins.Load())
		assert.Equal(t, int64(50), f.balance(t, "d1"))
		assert.Equal(t, int64(48), f.stock(t, mount.ID))
	})
}

func TestAdjust_ConcurrentDeductNoOverdraw(t *testing.T) {
	forEachStore(t, redemption.DefaultConfig(), func(t *testing.T, f *fixture) {
		// GIVEN: A balance of 100
		// WHEN: Two 60-point deductions race
		// THEN: One wins, the other sees insufficient balance, 40 remains
		f.credit(t, "d1", 100)

		errs := make([]error, 2)
		var wg sync.WaitGroup
		for i := range errs {
			i := i
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, errs[i] = f.coord.Adjust(context.Background(), acmeManager, redemption.AdjustRequest{
					DriverID: "d1", Points: 60, Direction: redemption.DirectionDeduct, Reason: "Damage claim",
				})
			}()
		}
		wg.Wait()

		failed := 0
		for _, err := range errs {
			if err != nil {
				assert.ErrorIs(t, err, points.ErrInsufficientBalance)
				failed++
			}
		}
		assert.Equal(t, 1, failed)
		assert.Equal(t, int64(40), f.balance(t, "d1"))
	})
}

// =============================================================================
// PROPERTIES
// =============================================================================

const (
	opPurchase = iota
	opPurchaseThenCancel
	opCancelOldest
	opAdd
	opDeduct
	opAdvance
	opCount
)

func TestCoordinator_RandomOperations(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("balance and stock stay non-negative; cancel right after purchase restores both", prop.ForAll(
		func(ops []int, amounts []int) bool {
			ctx := context.Background()
			f := newFixture(t, store.NewMemory(), redemption.DefaultConfig())
			f.setPolicy(t, "acme", rewards.Update{ExpirationDays: rewards.Some(3)})
			mug := f.item(t, "acme", "Mug", 50, 4)

			var pending []points.OrderID
			for i, op := range ops {
				amount := int64(1)
				if len(amounts) > 0 {
					amount = int64(amounts[i%len(amounts)])
				}
				before, stockBefore := f.balance(t, "d1"), f.stock(t, mug.ID)

				switch op {
				case opPurchase, opPurchaseThenCancel:
					res, err := f.coord.Purchase(ctx, "d1", mug.ID, by("u-d1"))
					if err != nil {
						if !errors.Is(err, points.ErrInsufficientPoints) && !errors.Is(err, points.ErrOutOfStock) {
							return false
						}
						break
					}
					if res.NewBalance != before-50 || res.RemainingStock != stockBefore-1 {
						return false
					}
					if op == opPurchase {
						pending = append(pending, res.Order.ID)
						break
					}
					cancelled, err := f.coord.Cancel(ctx, driverD1, res.Order.ID)
					if err != nil || cancelled.NewBalance != before || cancelled.RestoredStock != stockBefore {
						return false
					}
				case opCancelOldest:
					if len(pending) == 0 {
						break
					}
					if _, err := f.coord.Cancel(ctx, acmeManager, pending[0]); err != nil {
						return false
					}
					pending = pending[1:]
				case opAdd:
					_, err := f.coord.Adjust(ctx, acmeManager, redemption.AdjustRequest{
						DriverID: "d1", Points: amount, Direction: redemption.DirectionAdd, Reason: "Bonus",
					})
					if err != nil && !errors.Is(err, points.ErrCapExceeded) {
						return false
					}
				case opDeduct:
					_, err := f.coord.Adjust(ctx, acmeManager, redemption.AdjustRequest{
						DriverID: "d1", Points: amount, Direction: redemption.DirectionDeduct, Reason: "Correction",
					})
					if err != nil && (!errors.Is(err, points.ErrInsufficientBalance) || before >= amount) {
						return false
					}
				case opAdvance:
					f.clock.Advance(time.Duration(amount) * time.Hour)
				}

				if f.balance(t, "d1") < 0 || f.stock(t, mug.ID) < 0 {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, opCount-1)),
		gen.SliceOf(gen.IntRange(1, 120)),
	))

	properties.TestingRun(t)
}

// =============================================================================
// RETRY
// =============================================================================

// conflictingStore fails the first n write transactions with a store conflict.
type conflictingStore struct {
	points.Store
	remaining atomic.Int32
	calls     atomic.Int32
}

func (s *conflictingStore) WithTx(ctx context.Context, fn func(points.Tx) error) error {
	s.calls.Add(1)
	if s.remaining.Add(-1) >= 0 {
		return fmt.Errorf("commit: %w", points.ErrConcurrentModification)
	}
	return s.Store.WithTx(ctx, fn)
}

func TestRun_RetriesConflicts(t *testing.T) {
	cfg := redemption.Config{MaxAttempts: 3, RetryBackoff: time.Millisecond}
	inner := store.NewMemory()
	f := newFixture(t, inner, cfg)
	f.credit(t, "d1", 100)

	t.Run("recovers within budget", func(t *testing.T) {
		s := &conflictingStore{Store: inner}
		s.remaining.Store(2)
		log, hook := logtest.NewNullLogger()
		coord := redemption.New(s, f.clock, log, cfg)

		_, err := coord.Earn(context.Background(), redemption.EarnRequest{DriverID: "d1", BasePoints: 10, Reason: "Mileage"})
		require.NoError(t, err)
		assert.Equal(t, int32(3), s.calls.Load())
		assert.NotEmpty(t, hook.AllEntries())
	})

	t.Run("exhausted budget reports store unavailable", func(t *testing.T) {
		s := &conflictingStore{Store: inner}
		s.remaining.Store(10)
		log, _ := logtest.NewNullLogger()
		coord := redemption.New(s, f.clock, log, cfg)

		_, err := coord.Earn(context.Background(), redemption.EarnRequest{DriverID: "d1", BasePoints: 10, Reason: "Mileage"})
		assert.ErrorIs(t, err, points.ErrStoreUnavailable)
		assert.Equal(t, int32(3), s.calls.Load())
	})

	t.Run("invariant failures are not retried", func(t *testing.T) {
		s := &conflictingStore{Store: inner}
		log, _ := logtest.NewNullLogger()
		coord := redemption.New(s, f.clock, log, cfg)

		_, err := coord.Adjust(context.Background(), acmeManager, redemption.AdjustRequest{
			DriverID: "d1", Points: 1000, Direction: redemption.DirectionDeduct, Reason: "Correction",
		})
		assert.ErrorIs(t, err, points.ErrInsufficientBalance)
		assert.Equal(t, int32(1), s.calls.Load())
	})

	assert.Equal(t, int64(110), f.balance(t, "d1"))
}

/*
Package redemption coordinates every operation that changes a balance or
stock: purchase, cancel, ship, sponsor adjustments, system earnings and
driver enrollment.

PURPOSE:
  Each operation is one all-or-nothing store transaction spanning the
  ledger, the catalog and orders. A failed check leaves every store
  unchanged; there is never a stock decrement without its debit, or the
  reverse.

STATE MACHINE (Order):
  pending --ship--> shipped     (terminal, no ledger effect)
  pending --cancel--> cancelled (terminal, refund + stock release)

PURCHASE:
  1. Lock account, lock item. Unknown, removed or foreign item: NotFound.
  2. Stock 0: OutOfStock. Balance < cost: InsufficientPoints (shortfall).
  3. Reserve one unit, create the pending order, append the debit.

CANCEL:
  1. Load order; a driver cancelling someone else's order gets NotFound,
     a sponsor cancelling another sponsor's order gets Forbidden.
  2. Lock account, item, order (always in that order).
  3. Not pending: InvalidState.
  4. Refund mirrors the purchase debits exactly (historical cost, original
     item), release one unit, mark cancelled.

RETRY:
  Only store conflicts (ErrConcurrentModification) are retried, up to
  MaxAttempts. Invariant failures are returned to the caller at once.
  An exhausted budget is reported as ErrStoreUnavailable.

SEE ALSO:
  - points/ledger.go: Append / Reverse
  - catalog/catalog.go: Reserve / Release
  - rewards/earning.go: Caps and earn rate
*/
package redemption

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/warp/points-engine/catalog"
	"github.com/warp/points-engine/metrics"
	"github.com/warp/points-engine/points"
	"github.com/warp/points-engine/rewards"
)

const (
	minReasonLength = 3
	maxReasonLength = 255
)

// Config tunes the coordinator.
type Config struct {
	CapScope     rewards.CapScope
	MaxAttempts  int
	RetryBackoff time.Duration
}

func DefaultConfig() Config {
	return Config{
		CapScope:     rewards.ScopeDriver,
		MaxAttempts:  3,
		RetryBackoff: 10 * time.Millisecond,
	}
}

type Coordinator struct {
	store  points.Store
	ledger *points.Ledger
	clock  points.Clock
	newID  func() string
	cfg    Config
	log    logrus.FieldLogger
}

func New(store points.Store, clock points.Clock, log logrus.FieldLogger, cfg Config) *Coordinator {
	if clock == nil {
		clock = points.SystemClock{}
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.CapScope == "" {
		cfg.CapScope = rewards.ScopeDriver
	}
	return &Coordinator{
		store:  store,
		ledger: points.NewLedger(clock),
		clock:  clock,
		newID:  uuid.NewString,
		cfg:    cfg,
		log:    log,
	}
}

// Ledger exposes the ledger used inside coordinator transactions.
func (c *Coordinator) Ledger() *points.Ledger { return c.ledger }

// =============================================================================
// PURCHASE
// =============================================================================

type PurchaseResult struct {
	Order          points.Order
	NewBalance     int64
	RemainingStock int64
}

// Purchase redeems one unit of an item for a driver.
func (c *Coordinator) Purchase(ctx context.Context, driverID points.DriverID, itemID points.ItemID, by *points.UserID) (PurchaseResult, error) {
	log := c.log.WithField("driver_id", driverID).WithField("item_id", itemID)

	var res PurchaseResult
	err := c.run(ctx, "purchase", log, func(tx points.Tx) error {
		now := c.clock.Now()
		acct, err := tx.LockAccount(ctx, driverID)
		if err != nil {
			return err
		}
		item, err := tx.LockItem(ctx, itemID)
		if err != nil {
			return err
		}
		if item.SponsorID != acct.SponsorID || !item.Active {
			return points.ItemNotFound(itemID)
		}
		if !item.InStock() {
			return &points.OutOfStockError{ItemID: item.ID, Title: item.Title}
		}

		entries, err := tx.Entries(ctx, driverID)
		if err != nil {
			return err
		}
		balance := points.Balance(entries, now)
		if balance < item.PointsCost {
			return &points.InsufficientPointsError{
				Balance:   balance,
				Cost:      item.PointsCost,
				Shortfall: item.PointsCost - balance,
			}
		}

		remaining, err := catalog.Reserve(ctx, tx, item.ID, 1)
		if err != nil {
			return err
		}

		order := points.Order{
			ID:                   points.OrderID(c.newID()),
			DriverID:             driverID,
			SponsorID:            acct.SponsorID,
			ItemID:               item.ID,
			ItemTitle:            item.Title,
			PointsCostAtPurchase: item.PointsCost,
			Status:               points.OrderPending,
			CreatedAt:            now,
			UpdatedAt:            now,
		}
		if err := tx.SaveOrder(ctx, order); err != nil {
			return err
		}
		if _, err := c.ledger.Append(ctx, tx, points.AppendRequest{
			DriverID:       driverID,
			Kind:           points.KindPurchase,
			PointsChanged:  -item.PointsCost,
			Reason:         "Purchased " + item.Title,
			ChangedBy:      by,
			RelatedOrderID: &order.ID,
		}); err != nil {
			return err
		}

		res = PurchaseResult{Order: order, NewBalance: balance - item.PointsCost, RemainingStock: remaining}
		return nil
	})
	if err != nil {
		return PurchaseResult{}, err
	}

	log.WithField("order_id", res.Order.ID).
		WithField("points", res.Order.PointsCostAtPurchase).
		Info("purchase completed")
	return res, nil
}

// =============================================================================
// CANCEL / SHIP
// =============================================================================

type CancelResult struct {
	Order         points.Order
	Refunded      int64
	NewBalance    int64
	RestoredStock int64
}

// Cancel moves a pending order to cancelled, refunding the historical cost
// and returning one unit of stock to the original item.
func (c *Coordinator) Cancel(ctx context.Context, actor points.Actor, orderID points.OrderID) (CancelResult, error) {
	log := c.log.WithField("order_id", orderID).WithField("actor", actor.UserID)

	var res CancelResult
	err := c.run(ctx, "cancel", log, func(tx points.Tx) error {
		order, err := tx.Order(ctx, orderID)
		if err != nil {
			return err
		}
		if err := authorizeOrder(actor, order); err != nil {
			return err
		}

		if _, err := tx.LockAccount(ctx, order.DriverID); err != nil {
			return err
		}
		if _, err := tx.LockItem(ctx, order.ItemID); err != nil {
			return err
		}
		order, err = tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if !order.CanTransition(points.OrderCancelled) {
			return &points.InvalidStateError{OrderID: order.ID, Status: order.Status, Target: points.OrderCancelled}
		}

		linked, err := tx.OrderEntries(ctx, orderID)
		if err != nil {
			return err
		}
		var debits []points.Entry
		for _, e := range linked {
			if e.Kind == points.KindPurchase {
				debits = append(debits, e)
			}
		}
		var changedBy *points.UserID
		if actor.UserID != "" {
			changedBy = &actor.UserID
		}
		credits, err := c.ledger.Reverse(ctx, tx, debits, points.KindRefund, "Refund for cancelled order: "+order.ItemTitle, changedBy)
		if err != nil {
			return err
		}
		var refunded int64
		for _, e := range credits {
			refunded += e.PointsChanged
		}
		if refunded != order.PointsCostAtPurchase {
			return fmt.Errorf("order %s: refund %d does not match purchase cost %d", order.ID, refunded, order.PointsCostAtPurchase)
		}

		stock, err := catalog.Release(ctx, tx, order.ItemID, 1)
		if err != nil {
			return err
		}

		order.Status = points.OrderCancelled
		order.UpdatedAt = c.clock.Now()
		if err := tx.SaveOrder(ctx, order); err != nil {
			return err
		}

		balance, err := c.ledger.Balance(ctx, tx, order.DriverID)
		if err != nil {
			return err
		}
		res = CancelResult{Order: order, Refunded: refunded, NewBalance: balance, RestoredStock: stock}
		return nil
	})
	if err != nil {
		return CancelResult{}, err
	}

	log.WithField("driver_id", res.Order.DriverID).
		WithField("points", res.Refunded).
		Info("order cancelled")
	return res, nil
}

// Ship moves a pending order to shipped. No ledger effect.
func (c *Coordinator) Ship(ctx context.Context, actor points.Actor, orderID points.OrderID) (points.Order, error) {
	log := c.log.WithField("order_id", orderID).WithField("actor", actor.UserID)
	if actor.Role == points.RoleDriver {
		return points.Order{}, &points.ForbiddenError{Message: "Drivers cannot ship orders"}
	}

	var shipped points.Order
	err := c.run(ctx, "ship", log, func(tx points.Tx) error {
		order, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if err := authorizeOrder(actor, order); err != nil {
			return err
		}
		if !order.CanTransition(points.OrderShipped) {
			return &points.InvalidStateError{OrderID: order.ID, Status: order.Status, Target: points.OrderShipped}
		}
		order.Status = points.OrderShipped
		order.UpdatedAt = c.clock.Now()
		if err := tx.SaveOrder(ctx, order); err != nil {
			return err
		}
		shipped = order
		return nil
	})
	if err != nil {
		return points.Order{}, err
	}

	log.Info("order shipped")
	return shipped, nil
}

func authorizeOrder(actor points.Actor, order points.Order) error {
	switch actor.Role {
	case points.RoleAdmin:
		return nil
	case points.RoleSponsor:
		if order.SponsorID != actor.SponsorID {
			return &points.ForbiddenError{Message: "Order does not belong to your organization"}
		}
		return nil
	case points.RoleDriver:
		if order.DriverID != actor.DriverID {
			return points.OrderNotFound(order.ID)
		}
		return nil
	}
	return &points.ForbiddenError{Message: "Unknown role"}
}

// =============================================================================
// MANUAL ADJUSTMENT
// =============================================================================

type Direction string

const (
	DirectionAdd    Direction = "add"
	DirectionDeduct Direction = "deduct"
)

type AdjustRequest struct {
	DriverID  points.DriverID
	Points    int64
	Direction Direction
	Reason    string
}

type AdjustResult struct {
	Entries    []points.Entry
	NewBalance int64
}

// Adjust adds or deducts points on behalf of a sponsor (or admin).
// Additions are bounded by the sponsor's caps; deductions by the balance.
func (c *Coordinator) Adjust(ctx context.Context, actor points.Actor, req AdjustRequest) (AdjustResult, error) {
	reason, err := validateReason(req.Reason)
	if err != nil {
		return AdjustResult{}, err
	}
	if req.Points <= 0 {
		return AdjustResult{}, &points.RequestError{Field: "points", Message: "Points must be greater than 0"}
	}
	if req.Direction != DirectionAdd && req.Direction != DirectionDeduct {
		return AdjustResult{}, &points.RequestError{Field: "direction", Message: "Direction must be add or deduct"}
	}
	if actor.Role != points.RoleSponsor && actor.Role != points.RoleAdmin {
		return AdjustResult{}, &points.ForbiddenError{Message: "Only sponsors can adjust points"}
	}

	log := c.log.WithField("driver_id", req.DriverID).
		WithField("actor", actor.UserID).
		WithField("direction", req.Direction)

	var res AdjustResult
	err = c.run(ctx, "adjust_"+string(req.Direction), log, func(tx points.Tx) error {
		now := c.clock.Now()
		acct, err := tx.LockAccount(ctx, req.DriverID)
		if err != nil {
			return err
		}
		if !actor.CanManageSponsor(acct.SponsorID) {
			return &points.ForbiddenError{Message: "Driver is not in your organization"}
		}

		change := points.AppendRequest{
			DriverID:  req.DriverID,
			Kind:      points.KindAdjustment,
			Reason:    reason,
			ChangedBy: &actor.UserID,
		}
		if req.Direction == DirectionAdd {
			policy, err := rewards.Ensure(ctx, tx, acct.SponsorID, now, c.cfg.CapScope == rewards.ScopeSponsor)
			if err != nil {
				return err
			}
			if rewards.HasCaps(policy) {
				usage, err := rewards.Usage(ctx, tx, c.cfg.CapScope, acct.SponsorID, req.DriverID, now)
				if err != nil {
					return err
				}
				if err := rewards.CheckCaps(policy, usage, req.Points); err != nil {
					return err
				}
			}
			change.PointsChanged = req.Points
			change.ExpiresAt = policy.ExpiryFrom(now)
		} else {
			change.PointsChanged = -req.Points
		}

		entries, err := c.ledger.Append(ctx, tx, change)
		if err != nil {
			return err
		}
		balance, err := c.ledger.Balance(ctx, tx, req.DriverID)
		if err != nil {
			return err
		}
		res = AdjustResult{Entries: entries, NewBalance: balance}
		return nil
	})
	if err != nil {
		return AdjustResult{}, err
	}

	log.WithField("points", req.Points).WithField("new_balance", res.NewBalance).Info("points adjusted")
	return res, nil
}

// =============================================================================
// SYSTEM EARNINGS
// =============================================================================

type EarnRequest struct {
	DriverID   points.DriverID
	BasePoints int64
	Reason     string
}

type EarnResult struct {
	Entry      points.Entry
	Earned     int64
	NewBalance int64
}

// Earn credits floor(base * earn_rate) points with no acting user. Caps do
// not apply; expiry follows the sponsor's policy.
func (c *Coordinator) Earn(ctx context.Context, req EarnRequest) (EarnResult, error) {
	reason, err := validateReason(req.Reason)
	if err != nil {
		return EarnResult{}, err
	}
	if req.BasePoints <= 0 {
		return EarnResult{}, &points.RequestError{Field: "base_points", Message: "base_points must be greater than 0"}
	}

	log := c.log.WithField("driver_id", req.DriverID)

	var res EarnResult
	err = c.run(ctx, "earn", log, func(tx points.Tx) error {
		now := c.clock.Now()
		acct, err := tx.LockAccount(ctx, req.DriverID)
		if err != nil {
			return err
		}
		policy, err := rewards.Ensure(ctx, tx, acct.SponsorID, now, false)
		if err != nil {
			return err
		}
		earned := rewards.EarnedPoints(policy, req.BasePoints)
		if earned <= 0 {
			return &points.RequestError{Field: "base_points", Message: "earn rate yields zero points"}
		}
		entries, err := c.ledger.Append(ctx, tx, points.AppendRequest{
			DriverID:      req.DriverID,
			Kind:          points.KindEarn,
			PointsChanged: earned,
			Reason:        reason,
			ExpiresAt:     policy.ExpiryFrom(now),
		})
		if err != nil {
			return err
		}
		balance, err := c.ledger.Balance(ctx, tx, req.DriverID)
		if err != nil {
			return err
		}
		res = EarnResult{Entry: entries[0], Earned: earned, NewBalance: balance}
		return nil
	})
	if err != nil {
		return EarnResult{}, err
	}

	log.WithField("points", res.Earned).Info("points earned")
	return res, nil
}

// =============================================================================
// ENROLLMENT
// =============================================================================

type EnrollRequest struct {
	DriverID    points.DriverID
	SponsorID   points.SponsorID
	DisplayName string
	Username    string
}

// EnrollDriver creates or updates a driver account. Moving a driver to
// another sponsor is refused while they have pending orders.
func (c *Coordinator) EnrollDriver(ctx context.Context, req EnrollRequest) (points.DriverAccount, error) {
	if strings.TrimSpace(string(req.DriverID)) == "" {
		return points.DriverAccount{}, &points.RequestError{Field: "driver_id", Message: "driver_id is required"}
	}
	if strings.TrimSpace(string(req.SponsorID)) == "" {
		return points.DriverAccount{}, &points.RequestError{Field: "sponsor_id", Message: "sponsor_id is required"}
	}

	log := c.log.WithField("driver_id", req.DriverID).WithField("sponsor_id", req.SponsorID)

	var acct points.DriverAccount
	err := c.run(ctx, "enroll", log, func(tx points.Tx) error {
		existing, err := tx.LockAccount(ctx, req.DriverID)
		switch {
		case errors.Is(err, points.ErrNotFound):
			existing = points.DriverAccount{DriverID: req.DriverID, CreatedAt: c.clock.Now()}
		case err != nil:
			return err
		case existing.SponsorID != req.SponsorID:
			pending := points.OrderPending
			orders, err := tx.Orders(ctx, points.OrderFilter{DriverID: &req.DriverID, Status: &pending})
			if err != nil {
				return err
			}
			if len(orders) > 0 {
				return fmt.Errorf("driver has %d pending orders and cannot change sponsor: %w", len(orders), points.ErrInvalidState)
			}
		}
		existing.SponsorID = req.SponsorID
		existing.DisplayName = strings.TrimSpace(req.DisplayName)
		existing.Username = strings.TrimSpace(req.Username)
		if err := tx.SaveAccount(ctx, existing); err != nil {
			return err
		}
		acct = existing
		return nil
	})
	if err != nil {
		return points.DriverAccount{}, err
	}

	log.Info("driver enrolled")
	return acct, nil
}

// =============================================================================
// TRANSACTION RUNNER
// =============================================================================

// run executes fn in a store transaction, rerunning it on store conflicts.
func (c *Coordinator) run(ctx context.Context, op string, log logrus.FieldLogger, fn func(points.Tx) error) error {
	start := time.Now()

	var err error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		err = c.store.WithTx(ctx, fn)
		if !points.IsRetryable(err) {
			break
		}
		metrics.RecordRetry(op)
		log.WithField("attempt", attempt).WithError(err).Warn("transaction conflict")
		if attempt == c.cfg.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			err = ctx.Err()
		case <-time.After(c.cfg.RetryBackoff * time.Duration(attempt)):
		}
		if ctx.Err() != nil {
			break
		}
	}
	if points.IsRetryable(err) {
		err = fmt.Errorf("%s: %w after %d attempts: %v", op, points.ErrStoreUnavailable, c.cfg.MaxAttempts, err)
	}

	outcome := "ok"
	switch {
	case err == nil:
	case points.IsClientError(err):
		outcome = "rejected"
		log.WithError(err).Info(op + " rejected")
	default:
		outcome = "error"
		log.WithError(err).Error(op + " failed")
	}
	metrics.RecordTransaction(op, outcome, time.Since(start))
	return err
}

func validateReason(reason string) (string, error) {
	reason = strings.TrimSpace(reason)
	n := utf8.RuneCountInString(reason)
	if n < minReasonLength {
		return "", &points.RequestError{Field: "reason", Message: "Reason must be at least 3 characters"}
	}
	if n > maxReasonLength {
		return "", &points.RequestError{Field: "reason", Message: "Reason must be at most 255 characters"}
	}
	return reason, nil
}

/*
Package catalog manages sponsor-owned reward items and their stock.

PURPOSE:
  A catalog item has a points price and an on-hand stock. Stock moves in two
  ways only: sponsors edit it, and the redemption coordinator reserves one
  unit per purchase and releases it on cancel.

STOCK INVARIANT:
  stock_quantity >= 0 at all times. Reserve is a single conditional update
  in the store (check and decrement cannot interleave), so two buyers of the
  last unit get exactly one success and one OutOfStock.

SOFT REMOVAL:
  Remove marks an item inactive. Inactive items vanish from listings and
  cannot be purchased, but stay resolvable so that cancelling an old order
  still releases stock to the original item.

SEE ALSO:
  - redemption/coordinator.go: Reserve/Release inside purchase and cancel
  - points/store.go: CatalogStore
*/
package catalog

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/warp/points-engine/points"
)

const (
	maxTitleLength       = 200
	maxDescriptionLength = 2000
)

// =============================================================================
// STOCK OPERATIONS - run inside a caller's transaction
// =============================================================================

// Reserve atomically removes quantity units and returns the remaining stock.
func Reserve(ctx context.Context, tx points.Tx, itemID points.ItemID, quantity int64) (int64, error) {
	if quantity < 1 {
		return 0, &points.RequestError{Field: "quantity", Message: "quantity must be at least 1"}
	}
	return tx.AdjustStock(ctx, itemID, -quantity)
}

// Release atomically returns quantity units and returns the new stock.
// There is no upper bound: a release always follows a known reservation.
func Release(ctx context.Context, tx points.Tx, itemID points.ItemID, quantity int64) (int64, error) {
	if quantity < 1 {
		return 0, &points.RequestError{Field: "quantity", Message: "quantity must be at least 1"}
	}
	return tx.AdjustStock(ctx, itemID, quantity)
}

// =============================================================================
// SERVICE
// =============================================================================

type Service struct {
	store points.Store
	clock points.Clock
	newID func() string
}

func NewService(store points.Store, clock points.Clock) *Service {
	if clock == nil {
		clock = points.SystemClock{}
	}
	return &Service{store: store, clock: clock, newID: uuid.NewString}
}

// Get returns an item, active or not.
func (s *Service) Get(ctx context.Context, itemID points.ItemID) (points.CatalogItem, error) {
	var item points.CatalogItem
	err := s.store.View(ctx, func(tx points.Tx) error {
		var err error
		item, err = tx.Item(ctx, itemID)
		return err
	})
	return item, err
}

// List returns the sponsor's active items.
func (s *Service) List(ctx context.Context, sponsorID points.SponsorID) ([]points.CatalogItem, error) {
	return s.list(ctx, sponsorID, false)
}

// ListAll includes removed items; sponsors see their full catalog.
func (s *Service) ListAll(ctx context.Context, sponsorID points.SponsorID) ([]points.CatalogItem, error) {
	return s.list(ctx, sponsorID, true)
}

func (s *Service) list(ctx context.Context, sponsorID points.SponsorID, includeInactive bool) ([]points.CatalogItem, error) {
	items := []points.CatalogItem{}
	err := s.store.View(ctx, func(tx points.Tx) error {
		found, err := tx.Items(ctx, sponsorID, includeInactive)
		if err != nil {
			return err
		}
		items = append(items, found...)
		return nil
	})
	return items, err
}

// Reserve runs Reserve in its own transaction.
func (s *Service) Reserve(ctx context.Context, itemID points.ItemID, quantity int64) (int64, error) {
	var remaining int64
	err := s.store.WithTx(ctx, func(tx points.Tx) error {
		var err error
		remaining, err = Reserve(ctx, tx, itemID, quantity)
		return err
	})
	return remaining, err
}

// Release runs Release in its own transaction.
func (s *Service) Release(ctx context.Context, itemID points.ItemID, quantity int64) (int64, error) {
	var stock int64
	err := s.store.WithTx(ctx, func(tx points.Tx) error {
		var err error
		stock, err = Release(ctx, tx, itemID, quantity)
		return err
	})
	return stock, err
}

// =============================================================================
// SPONSOR CATALOG MANAGEMENT
// =============================================================================

// ItemInput describes a new item.
type ItemInput struct {
	Title         string `json:"title"`
	Description   string `json:"description"`
	ImageURL      string `json:"image_url"`
	PointsCost    int64  `json:"points_cost"`
	StockQuantity int64  `json:"stock_quantity"`
}

// ItemUpdate is a partial edit; nil fields are left alone.
type ItemUpdate struct {
	Title         *string `json:"title"`
	Description   *string `json:"description"`
	ImageURL      *string `json:"image_url"`
	PointsCost    *int64  `json:"points_cost"`
	StockQuantity *int64  `json:"stock_quantity"`
}

// Add creates an active item owned by sponsorID.
func (s *Service) Add(ctx context.Context, sponsorID points.SponsorID, in ItemInput) (points.CatalogItem, error) {
	now := s.clock.Now()
	item := points.CatalogItem{
		ID:            points.ItemID(s.newID()),
		SponsorID:     sponsorID,
		Title:         strings.TrimSpace(in.Title),
		Description:   strings.TrimSpace(in.Description),
		ImageURL:      strings.TrimSpace(in.ImageURL),
		PointsCost:    in.PointsCost,
		StockQuantity: in.StockQuantity,
		Active:        true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := validateItem(item); err != nil {
		return points.CatalogItem{}, err
	}
	err := s.store.WithTx(ctx, func(tx points.Tx) error {
		return tx.SaveItem(ctx, item)
	})
	if err != nil {
		return points.CatalogItem{}, err
	}
	return item, nil
}

// Update edits an item the sponsor owns. The price change affects only
// future purchases; orders keep their points_cost_at_purchase.
func (s *Service) Update(ctx context.Context, sponsorID points.SponsorID, itemID points.ItemID, u ItemUpdate) (points.CatalogItem, error) {
	var updated points.CatalogItem
	err := s.store.WithTx(ctx, func(tx points.Tx) error {
		item, err := ownedItem(ctx, tx, sponsorID, itemID)
		if err != nil {
			return err
		}
		if u.Title != nil {
			item.Title = strings.TrimSpace(*u.Title)
		}
		if u.Description != nil {
			item.Description = strings.TrimSpace(*u.Description)
		}
		if u.ImageURL != nil {
			item.ImageURL = strings.TrimSpace(*u.ImageURL)
		}
		if u.PointsCost != nil {
			item.PointsCost = *u.PointsCost
		}
		if u.StockQuantity != nil {
			item.StockQuantity = *u.StockQuantity
		}
		if err := validateItem(item); err != nil {
			return err
		}
		item.UpdatedAt = s.clock.Now()
		if err := tx.SaveItem(ctx, item); err != nil {
			return err
		}
		updated = item
		return nil
	})
	return updated, err
}

// Remove soft-deletes an item the sponsor owns.
func (s *Service) Remove(ctx context.Context, sponsorID points.SponsorID, itemID points.ItemID) error {
	return s.store.WithTx(ctx, func(tx points.Tx) error {
		item, err := ownedItem(ctx, tx, sponsorID, itemID)
		if err != nil {
			return err
		}
		if !item.Active {
			return nil
		}
		item.Active = false
		item.UpdatedAt = s.clock.Now()
		return tx.SaveItem(ctx, item)
	})
}

// ownedItem locks an item and checks the sponsor owns it. Items of other
// sponsors are reported as not found.
func ownedItem(ctx context.Context, tx points.Tx, sponsorID points.SponsorID, itemID points.ItemID) (points.CatalogItem, error) {
	item, err := tx.LockItem(ctx, itemID)
	if err != nil {
		return points.CatalogItem{}, err
	}
	if item.SponsorID != sponsorID {
		return points.CatalogItem{}, points.ItemNotFound(itemID)
	}
	return item, nil
}

func validateItem(item points.CatalogItem) error {
	switch {
	case item.Title == "":
		return &points.RequestError{Field: "title", Message: "title is required"}
	case len(item.Title) > maxTitleLength:
		return &points.RequestError{Field: "title", Message: "title is too long"}
	case len(item.Description) > maxDescriptionLength:
		return &points.RequestError{Field: "description", Message: "description is too long"}
	case item.PointsCost < 1:
		return &points.RequestError{Field: "points_cost", Message: "points_cost must be a positive integer"}
	case item.StockQuantity < 0:
		return &points.RequestError{Field: "stock_quantity", Message: "stock_quantity cannot be negative"}
	}
	return nil
}

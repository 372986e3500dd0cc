/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:
	Provides pre-built scenarios that populate the store with realistic data
	for demos. Each scenario enrolls drivers, stocks a catalog, sets reward
	policies and plays a few transactions through the coordinator, so the
	data is exactly what the API itself would have produced.

AVAILABLE SCENARIOS:

	single-sponsor:  One sponsor, two drivers, a small catalog, a pending order
	caps-and-expiry: Expiring points and daily/monthly caps on sponsor additions
	multi-sponsor:   Two sponsors whose drivers, catalogs and orders never mix

HOW SCENARIOS WORK:
 1. Reset the store (clear all data)
 2. Enroll drivers
 3. Configure reward policies and catalog
 4. Credit points and place orders via the coordinator
 5. Return signed tokens for every demo user

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "single-sponsor"}

NOTE:

	Scenarios reset the store. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Handler dependencies
  - redemption/coordinator.go: Operations the loaders replay
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/points-engine/catalog"
	"github.com/warp/points-engine/points"
	"github.com/warp/points-engine/redemption"
	"github.com/warp/points-engine/rewards"
)

const demoTokenTTL = 24 * time.Hour

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

type scenario struct {
	ScenarioDTO
	users []points.Actor
	load  func(ctx context.Context, h *Handler) error
}

var scenarios = []scenario{
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "single-sponsor",
			Name:        "Single Sponsor",
			Description: "One sponsor, two drivers, a small catalog and a pending order",
		},
		users: []points.Actor{
			{UserID: "u-acme-manager", Role: points.RoleSponsor, SponsorID: "acme"},
			{UserID: "u-alice", Role: points.RoleDriver, DriverID: "alice"},
			{UserID: "u-bob", Role: points.RoleDriver, DriverID: "bob"},
		},
		load: loadSingleSponsorScenario,
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "caps-and-expiry",
			Name:        "Caps & Expiry",
			Description: "Points expire after 30 days; sponsor additions capped at 500/day and 2000/month",
		},
		users: []points.Actor{
			{UserID: "u-ff-manager", Role: points.RoleSponsor, SponsorID: "fastfreight"},
			{UserID: "u-carol", Role: points.RoleDriver, DriverID: "carol"},
		},
		load: loadCapsAndExpiryScenario,
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "multi-sponsor",
			Name:        "Multi Sponsor",
			Description: "Two sponsors whose drivers, catalogs and orders are isolated",
		},
		users: []points.Actor{
			{UserID: "u-acme-manager", Role: points.RoleSponsor, SponsorID: "acme"},
			{UserID: "u-roadrunner-manager", Role: points.RoleSponsor, SponsorID: "roadrunner"},
			{UserID: "u-alice", Role: points.RoleDriver, DriverID: "alice"},
			{UserID: "u-dave", Role: points.RoleDriver, DriverID: "dave"},
		},
		load: loadMultiSponsorScenario,
	},
}

func findScenario(id string) (scenario, bool) {
	for _, s := range scenarios {
		if s.ID == id {
			return s, true
		}
	}
	return scenario{}, false
}

// =============================================================================
// HANDLERS
// =============================================================================

// ListScenarios returns available scenarios.
// GET /api/scenarios
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	dtos := make([]ScenarioDTO, len(scenarios))
	for i, s := range scenarios {
		dtos[i] = s.ScenarioDTO
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
// GET /api/scenarios/current
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	s, ok := findScenario(current)
	if !ok {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	writeJSON(w, http.StatusOK, s.ScenarioDTO)
}

// LoadScenario resets the store and loads a predefined scenario.
// POST /api/scenarios/load
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !decodeBody(w, r, &req) {
		return
	}
	s, ok := findScenario(req.ScenarioID)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("Unknown scenario: %s", req.ScenarioID), nil)
		return
	}

	if err := h.loadScenario(r.Context(), s); err != nil {
		writeDomainError(w, r, h.Log, err)
		return
	}

	resp := LoadScenarioResponse{Scenario: s.ScenarioDTO, Tokens: make(map[string]string, len(s.users))}
	for _, u := range s.users {
		token, err := h.Auth.Issue(u, demoTokenTTL)
		if err != nil {
			writeDomainError(w, r, h.Log, err)
			return
		}
		resp.Tokens[string(u.UserID)] = token
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) loadScenario(ctx context.Context, s scenario) error {
	if h.resetter == nil {
		return errors.New("store does not support reset")
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.resetter.Reset(ctx); err != nil {
		return fmt.Errorf("reset store: %w", err)
	}
	if err := s.load(ctx, h); err != nil {
		return fmt.Errorf("load scenario %s: %w", s.ID, err)
	}
	h.currentScenario = s.ID
	h.Log.WithField("scenario", s.ID).Info("scenario loaded")
	return nil
}

// =============================================================================
// LOADERS
// =============================================================================

func loadSingleSponsorScenario(ctx context.Context, h *Handler) error {
	manager := points.Actor{UserID: "u-acme-manager", Role: points.RoleSponsor, SponsorID: "acme"}

	if err := enroll(ctx, h, "acme",
		driverSeed{"alice", "Alice Moreno", "amoreno"},
		driverSeed{"bob", "Bob Chen", "bchen"},
	); err != nil {
		return err
	}

	items, err := stock(ctx, h, "acme",
		catalog.ItemInput{Title: "Insulated Travel Mug", Description: "16oz stainless steel", PointsCost: 150, StockQuantity: 25},
		catalog.ItemInput{Title: "Bluetooth Headset", Description: "Noise-cancelling, 20h battery", PointsCost: 900, StockQuantity: 5},
		catalog.ItemInput{Title: "Fuel Card ($50)", Description: "Accepted at partner stations", PointsCost: 5000, StockQuantity: 10},
		catalog.ItemInput{Title: "Seat Cushion", Description: "Memory foam", PointsCost: 300, StockQuantity: 0},
	)
	if err != nil {
		return err
	}

	if _, err := h.Coordinator.Earn(ctx, redemption.EarnRequest{DriverID: "alice", BasePoints: 1000, Reason: "Safe driving: March"}); err != nil {
		return err
	}
	if _, err := h.Coordinator.Adjust(ctx, manager, redemption.AdjustRequest{
		DriverID: "alice", Points: 200, Direction: redemption.DirectionAdd, Reason: "On-time delivery streak",
	}); err != nil {
		return err
	}
	if _, err := h.Coordinator.Adjust(ctx, manager, redemption.AdjustRequest{
		DriverID: "bob", Points: 150, Direction: redemption.DirectionAdd, Reason: "Welcome bonus",
	}); err != nil {
		return err
	}

	// Alice has a pending mug and a shipped headset.
	alice := points.UserID("u-alice")
	if _, err := h.Coordinator.Purchase(ctx, "alice", items[0].ID, &alice); err != nil {
		return err
	}
	headset, err := h.Coordinator.Purchase(ctx, "alice", items[1].ID, &alice)
	if err != nil {
		return err
	}
	_, err = h.Coordinator.Ship(ctx, manager, headset.Order.ID)
	return err
}

func loadCapsAndExpiryScenario(ctx context.Context, h *Handler) error {
	manager := points.Actor{UserID: "u-ff-manager", Role: points.RoleSponsor, SponsorID: "fastfreight"}

	if err := enroll(ctx, h, "fastfreight", driverSeed{"carol", "Carol Diaz", "cdiaz"}); err != nil {
		return err
	}
	if _, err := h.Rewards.Update(ctx, "fastfreight", manager.UserID, rewards.Update{
		DollarPerPoint:    rewards.Some(decimal.RequireFromString("0.02")),
		ExpirationDays:    rewards.Some(30),
		MaxPointsPerDay:   rewards.Some[int64](500),
		MaxPointsPerMonth: rewards.Some[int64](2000),
	}); err != nil {
		return err
	}
	if _, err := stock(ctx, h, "fastfreight",
		catalog.ItemInput{Title: "Truck Stop Meal Voucher", PointsCost: 250, StockQuantity: 100},
		catalog.ItemInput{Title: "Dash Camera", PointsCost: 1800, StockQuantity: 3},
	); err != nil {
		return err
	}

	// 450 of today's 500 are used: a further +100 is rejected by the daily cap.
	for _, amount := range []int64{300, 150} {
		if _, err := h.Coordinator.Adjust(ctx, manager, redemption.AdjustRequest{
			DriverID: "carol", Points: amount, Direction: redemption.DirectionAdd, Reason: "Route completed",
		}); err != nil {
			return err
		}
	}
	_, err := h.Coordinator.Earn(ctx, redemption.EarnRequest{DriverID: "carol", BasePoints: 400, Reason: "Fuel efficiency bonus"})
	return err
}

func loadMultiSponsorScenario(ctx context.Context, h *Handler) error {
	if err := loadSingleSponsorScenario(ctx, h); err != nil {
		return err
	}
	manager := points.Actor{UserID: "u-roadrunner-manager", Role: points.RoleSponsor, SponsorID: "roadrunner"}

	if err := enroll(ctx, h, "roadrunner", driverSeed{"dave", "Dave Okafor", "dokafor"}); err != nil {
		return err
	}
	items, err := stock(ctx, h, "roadrunner",
		catalog.ItemInput{Title: "Roadrunner Jacket", PointsCost: 1200, StockQuantity: 8},
		catalog.ItemInput{Title: "Phone Mount", PointsCost: 200, StockQuantity: 40},
	)
	if err != nil {
		return err
	}
	if _, err := h.Coordinator.Adjust(ctx, manager, redemption.AdjustRequest{
		DriverID: "dave", Points: 700, Direction: redemption.DirectionAdd, Reason: "Quarterly safety award",
	}); err != nil {
		return err
	}
	dave := points.UserID("u-dave")
	_, err = h.Coordinator.Purchase(ctx, "dave", items[1].ID, &dave)
	return err
}

type driverSeed struct {
	id, name, username string
}

func enroll(ctx context.Context, h *Handler, sponsorID points.SponsorID, drivers ...driverSeed) error {
	for _, d := range drivers {
		if _, err := h.Coordinator.EnrollDriver(ctx, redemption.EnrollRequest{
			DriverID:    points.DriverID(d.id),
			SponsorID:   sponsorID,
			DisplayName: d.name,
			Username:    d.username,
		}); err != nil {
			return err
		}
	}
	return nil
}

func stock(ctx context.Context, h *Handler, sponsorID points.SponsorID, inputs ...catalog.ItemInput) ([]points.CatalogItem, error) {
	items := make([]points.CatalogItem, 0, len(inputs))
	for _, in := range inputs {
		item, err := h.Catalog.Add(ctx, sponsorID, in)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

/*
handlers.go - HTTP API handlers for the points engine

PURPOSE:
  Exposes the points ledger, catalog, reward policy and redemption
  coordinator via REST API. Handles HTTP request/response and JSON, and
  delegates every decision to the engine packages.

ENDPOINTS:
  Driver:
    GET    /api/driver/catalog                    Catalog with can_afford / in_stock
    GET    /api/driver/catalog/{itemID}           One item with shortfall
    POST   /api/driver/catalog/purchase           Purchase one unit
    GET    /api/driver/orders                     Own orders (?status=)
    POST   /api/driver/orders/{orderID}/cancel    Cancel a pending order
    GET    /api/driver/points/balance             Current balance
    GET    /api/driver/points/history             History (?start_date=&end_date=&limit=&offset=)
    GET    /api/driver/points/history-monthly     Per-month summary

  Sponsor:
    GET    /api/sponsor/drivers                   Drivers with balances
    GET    /api/sponsor/drivers/{driverID}/points/history
    POST   /api/sponsor/points/add                Manual addition (capped)
    POST   /api/sponsor/points/deduct             Manual deduction
    GET    /api/sponsor/reward-defaults           Reward policy
    PUT    /api/sponsor/reward-defaults           Partial policy update
    GET    /api/sponsor/reward-defaults/history   Point value history
    GET    /api/sponsor/orders                    Orders (?status=&driver_name=)
    POST   /api/sponsor/orders/{orderID}/ship
    POST   /api/sponsor/orders/{orderID}/cancel
    GET    /api/sponsor/catalog                   Full catalog, removed items included
    POST   /api/sponsor/catalog                   Add item
    PUT    /api/sponsor/catalog/{itemID}          Edit item
    DELETE /api/sponsor/catalog/{itemID}          Remove item

  Admin:
    PUT    /api/admin/drivers/{driverID}          Enroll or update a driver
    POST   /api/admin/earnings                    System-earned points
    POST   /api/admin/orders/{orderID}/ship
    POST   /api/admin/daily-awards                Run the daily award now

REQUEST FLOW:
  1. Identity comes from the bearer token (auth.go), never from the body
  2. Parse and shape-check the request
  3. Call the engine
  4. Serialize response, or map the error (errors.go)

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo data loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
	"github.com/warp/points-engine/catalog"
	"github.com/warp/points-engine/points"
	"github.com/warp/points-engine/query"
	"github.com/warp/points-engine/redemption"
	"github.com/warp/points-engine/rewards"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Resetter clears all data. Only demo scenarios use it.
type Resetter interface {
	Reset(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Coordinator *redemption.Coordinator
	Catalog     *catalog.Service
	Rewards     *rewards.Service
	Query       *query.Service
	Auth        *Authenticator
	Clock       points.Clock
	Log         logrus.FieldLogger

	resetter Resetter

	// Track currently loaded scenario
	mu              sync.Mutex
	currentScenario string

	// Serializes daily award runs
	awardMu sync.Mutex
}

// NewHandler wires the engine services over one store.
func NewHandler(store points.Store, clock points.Clock, log logrus.FieldLogger, auth *Authenticator, cfg redemption.Config) *Handler {
	if clock == nil {
		clock = points.SystemClock{}
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	h := &Handler{
		Coordinator: redemption.New(store, clock, log, cfg),
		Catalog:     catalog.NewService(store, clock),
		Rewards:     rewards.NewService(store, clock),
		Query:       query.NewService(store, clock),
		Auth:        auth,
		Clock:       clock,
		Log:         log,
	}
	if r, ok := store.(Resetter); ok {
		h.resetter = r
	}
	return h
}

// =============================================================================
// DRIVER: CATALOG & PURCHASE
// =============================================================================

// DriverCatalog lists the sponsor's catalog annotated for the driver.
// GET /api/driver/catalog
func (h *Handler) DriverCatalog(w http.ResponseWriter, r *http.Request) {
	view, err := h.Query.CatalogWithAffordability(r.Context(), actor(r).DriverID)
	if err != nil {
		writeDomainError(w, r, h.Log, err)
		return
	}
	resp := CatalogResponse{CurrentPoints: view.Balance, Items: make([]ItemDTO, len(view.Items))}
	for i, e := range view.Items {
		resp.Items[i] = toCatalogEntryDTO(e)
	}
	writeJSON(w, http.StatusOK, resp)
}

// DriverCatalogItem returns one item with affordability.
// GET /api/driver/catalog/{itemID}
func (h *Handler) DriverCatalogItem(w http.ResponseWriter, r *http.Request) {
	itemID := points.ItemID(chi.URLParam(r, "itemID"))
	entry, err := h.Query.CatalogItem(r.Context(), actor(r).DriverID, itemID)
	if err != nil {
		writeDomainError(w, r, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, CatalogItemResponse{ItemDTO: toCatalogEntryDTO(entry), CurrentPoints: entry.Balance})
}

// Purchase redeems one unit of an item.
// POST /api/driver/catalog/purchase
func (h *Handler) Purchase(w http.ResponseWriter, r *http.Request) {
	var req PurchaseRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.ItemID) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "item_id is required", nil)
		return
	}

	a := actor(r)
	res, err := h.Coordinator.Purchase(r.Context(), a.DriverID, points.ItemID(req.ItemID), &a.UserID)
	if err != nil {
		writeDomainError(w, r, h.Log, err)
		return
	}
	writeJSON(w, http.StatusCreated, PurchaseResponse{
		Message:          fmt.Sprintf("Purchased %s for %d points", res.Order.ItemTitle, res.Order.PointsCostAtPurchase),
		NewPointsBalance: res.NewBalance,
		RemainingStock:   res.RemainingStock,
		Order:            toOrderDTO(res.Order),
	})
}

// =============================================================================
// ORDERS
// =============================================================================

// DriverOrders lists the driver's own orders.
// GET /api/driver/orders?status=pending
func (h *Handler) DriverOrders(w http.ResponseWriter, r *http.Request) {
	driverID := actor(r).DriverID
	h.listOrders(w, r, query.OrderQuery{DriverID: &driverID})
}

// SponsorOrders lists orders across the sponsor's drivers.
// GET /api/sponsor/orders?status=pending&driver_name=ali
func (h *Handler) SponsorOrders(w http.ResponseWriter, r *http.Request) {
	sponsorID := actor(r).SponsorID
	h.listOrders(w, r, query.OrderQuery{
		SponsorID:  &sponsorID,
		DriverName: r.URL.Query().Get("driver_name"),
	})
}

func (h *Handler) listOrders(w http.ResponseWriter, r *http.Request, q query.OrderQuery) {
	if s := r.URL.Query().Get("status"); s != "" {
		status := points.OrderStatus(strings.ToLower(s))
		q.Status = &status
	}
	rows, err := h.Query.Orders(r.Context(), q)
	if err != nil {
		writeDomainError(w, r, h.Log, err)
		return
	}
	dtos := make([]OrderDTO, len(rows))
	for i, row := range rows {
		dtos[i] = toOrderDTO(row.Order)
		dtos[i].DriverName = row.DriverName
		dtos[i].Username = row.Username
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CancelOrder cancels a pending order. Drivers may cancel their own orders,
// sponsors the orders of their drivers.
// POST /api/driver/orders/{orderID}/cancel
// POST /api/sponsor/orders/{orderID}/cancel
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID := points.OrderID(chi.URLParam(r, "orderID"))
	res, err := h.Coordinator.Cancel(r.Context(), actor(r), orderID)
	if err != nil {
		writeDomainError(w, r, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, CancelResponse{
		Message:          fmt.Sprintf("Order cancelled, %d points refunded", res.Refunded),
		NewPointsBalance: res.NewBalance,
		Refunded:         res.Refunded,
		Order:            toOrderDTO(res.Order),
	})
}

// ShipOrder marks a pending order shipped.
// POST /api/sponsor/orders/{orderID}/ship
// POST /api/admin/orders/{orderID}/ship
func (h *Handler) ShipOrder(w http.ResponseWriter, r *http.Request) {
	orderID := points.OrderID(chi.URLParam(r, "orderID"))
	order, err := h.Coordinator.Ship(r.Context(), actor(r), orderID)
	if err != nil {
		writeDomainError(w, r, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderDTO(order))
}

// =============================================================================
// POINTS
// =============================================================================

// DriverBalance returns the driver's balance.
// GET /api/driver/points/balance
func (h *Handler) DriverBalance(w http.ResponseWriter, r *http.Request) {
	driverID := actor(r).DriverID
	balance, err := h.Query.Balance(r.Context(), driverID)
	if err != nil {
		writeDomainError(w, r, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceResponse{DriverID: string(driverID), CurrentPoints: balance})
}

// DriverHistory returns the driver's own history, newest first.
// GET /api/driver/points/history?start_date=2025-01-01&end_date=2025-01-31
func (h *Handler) DriverHistory(w http.ResponseWriter, r *http.Request) {
	filter, err := historyFilter(r, 0)
	if err != nil {
		writeDomainError(w, r, h.Log, err)
		return
	}
	driverID := actor(r).DriverID
	page, err := h.Query.PointHistory(r.Context(), driverID, filter)
	if err != nil {
		writeDomainError(w, r, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, h.historyResponse(driverID, page))
}

// DriverMonthlyHistory summarizes the driver's history per month.
// GET /api/driver/points/history-monthly
func (h *Handler) DriverMonthlyHistory(w http.ResponseWriter, r *http.Request) {
	driverID := actor(r).DriverID
	months, err := h.Query.MonthlySummary(r.Context(), driverID)
	if err != nil {
		writeDomainError(w, r, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, MonthlyResponse{DriverID: string(driverID), Months: months})
}

// SponsorDrivers lists the sponsor's drivers with balances.
// GET /api/sponsor/drivers
func (h *Handler) SponsorDrivers(w http.ResponseWriter, r *http.Request) {
	drivers, err := h.Query.SponsorDrivers(r.Context(), actor(r).SponsorID)
	if err != nil {
		writeDomainError(w, r, h.Log, err)
		return
	}
	dtos := make([]DriverDTO, len(drivers))
	for i, d := range drivers {
		balance := d.Balance
		dtos[i] = DriverDTO{
			DriverID:    string(d.Account.DriverID),
			SponsorID:   string(d.Account.SponsorID),
			DisplayName: d.Account.DisplayName,
			Username:    d.Account.Username,
			Balance:     &balance,
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// SponsorDriverHistory returns one driver's history, paginated.
// GET /api/sponsor/drivers/{driverID}/points/history?limit=50&offset=0
func (h *Handler) SponsorDriverHistory(w http.ResponseWriter, r *http.Request) {
	filter, err := historyFilter(r, defaultPageSize)
	if err != nil {
		writeDomainError(w, r, h.Log, err)
		return
	}
	driverID := points.DriverID(chi.URLParam(r, "driverID"))
	page, err := h.Query.SponsorDriverHistory(r.Context(), actor(r), driverID, filter)
	if err != nil {
		writeDomainError(w, r, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, h.historyResponse(driverID, page))
}

func (h *Handler) historyResponse(driverID points.DriverID, page points.HistoryPage) HistoryResponse {
	return HistoryResponse{
		DriverID:      string(driverID),
		CurrentPoints: page.Balance,
		TotalCount:    page.TotalCount,
		History:       toEntryDTOs(page.Entries, h.Clock.Now()),
	}
}

// AddPoints credits a driver on behalf of the sponsor.
// POST /api/sponsor/points/add
func (h *Handler) AddPoints(w http.ResponseWriter, r *http.Request) {
	h.adjust(w, r, redemption.DirectionAdd)
}

// DeductPoints debits a driver on behalf of the sponsor.
// POST /api/sponsor/points/deduct
func (h *Handler) DeductPoints(w http.ResponseWriter, r *http.Request) {
	h.adjust(w, r, redemption.DirectionDeduct)
}

func (h *Handler) adjust(w http.ResponseWriter, r *http.Request, dir redemption.Direction) {
	var req AdjustRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := h.Coordinator.Adjust(r.Context(), actor(r), redemption.AdjustRequest{
		DriverID:  points.DriverID(req.DriverID),
		Points:    req.Points,
		Direction: dir,
		Reason:    req.Reason,
	})
	if err != nil {
		writeDomainError(w, r, h.Log, err)
		return
	}

	var changed int64
	for _, e := range res.Entries {
		changed += e.PointsChanged
	}
	verb := "Added"
	if dir == redemption.DirectionDeduct {
		verb = "Deducted"
	}
	writeJSON(w, http.StatusOK, AdjustResponse{
		Message:       fmt.Sprintf("%s %d points", verb, req.Points),
		NewTotal:      res.NewBalance,
		DriverID:      req.DriverID,
		PointsChanged: changed,
		Entries:       toEntryDTOs(res.Entries, h.Clock.Now()),
	})
}

// =============================================================================
// REWARD POLICY
// =============================================================================

// GetRewardDefaults returns the sponsor's policy, creating defaults on
// first access.
// GET /api/sponsor/reward-defaults
func (h *Handler) GetRewardDefaults(w http.ResponseWriter, r *http.Request) {
	p, err := h.Rewards.Get(r.Context(), actor(r).SponsorID)
	if err != nil {
		writeDomainError(w, r, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, toPolicyDTO(p))
}

// UpdateRewardDefaults applies a partial update. Absent fields are left
// alone; null clears expiration_days and the caps.
// PUT /api/sponsor/reward-defaults
func (h *Handler) UpdateRewardDefaults(w http.ResponseWriter, r *http.Request) {
	var u rewards.Update
	if !decodeBody(w, r, &u) {
		return
	}
	a := actor(r)
	p, err := h.Rewards.Update(r.Context(), a.SponsorID, a.UserID, u)
	if err != nil {
		writeDomainError(w, r, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, toPolicyDTO(p))
}

// RewardValueHistory lists dollar_per_point changes, newest first.
// GET /api/sponsor/reward-defaults/history
func (h *Handler) RewardValueHistory(w http.ResponseWriter, r *http.Request) {
	changes, err := h.Rewards.ValueHistory(r.Context(), actor(r).SponsorID)
	if err != nil {
		writeDomainError(w, r, h.Log, err)
		return
	}
	dtos := make([]ValueChangeDTO, len(changes))
	for i, c := range changes {
		dtos[i] = ValueChangeDTO{
			OldValue:  c.OldValue,
			NewValue:  c.NewValue,
			ChangedBy: string(c.ChangedBy),
			ChangedAt: formatTime(c.ChangedAt),
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// SPONSOR CATALOG MANAGEMENT
// =============================================================================

// SponsorCatalog lists every item the sponsor owns, removed ones included.
// GET /api/sponsor/catalog
func (h *Handler) SponsorCatalog(w http.ResponseWriter, r *http.Request) {
	items, err := h.Catalog.ListAll(r.Context(), actor(r).SponsorID)
	if err != nil {
		writeDomainError(w, r, h.Log, err)
		return
	}
	dtos := make([]ItemDTO, len(items))
	for i, item := range items {
		dtos[i] = toItemDTO(item)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// AddCatalogItem creates an item.
// POST /api/sponsor/catalog
func (h *Handler) AddCatalogItem(w http.ResponseWriter, r *http.Request) {
	var in catalog.ItemInput
	if !decodeBody(w, r, &in) {
		return
	}
	item, err := h.Catalog.Add(r.Context(), actor(r).SponsorID, in)
	if err != nil {
		writeDomainError(w, r, h.Log, err)
		return
	}
	writeJSON(w, http.StatusCreated, toItemDTO(item))
}

// UpdateCatalogItem edits an item.
// PUT /api/sponsor/catalog/{itemID}
func (h *Handler) UpdateCatalogItem(w http.ResponseWriter, r *http.Request) {
	var u catalog.ItemUpdate
	if !decodeBody(w, r, &u) {
		return
	}
	itemID := points.ItemID(chi.URLParam(r, "itemID"))
	item, err := h.Catalog.Update(r.Context(), actor(r).SponsorID, itemID, u)
	if err != nil {
		writeDomainError(w, r, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, toItemDTO(item))
}

// RemoveCatalogItem soft-deletes an item.
// DELETE /api/sponsor/catalog/{itemID}
func (h *Handler) RemoveCatalogItem(w http.ResponseWriter, r *http.Request) {
	itemID := points.ItemID(chi.URLParam(r, "itemID"))
	if err := h.Catalog.Remove(r.Context(), actor(r).SponsorID, itemID); err != nil {
		writeDomainError(w, r, h.Log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// ADMIN
// =============================================================================

// EnrollDriver creates or updates a driver account.
// PUT /api/admin/drivers/{driverID}
func (h *Handler) EnrollDriver(w http.ResponseWriter, r *http.Request) {
	var req EnrollRequest
	if !decodeBody(w, r, &req) {
		return
	}
	acct, err := h.Coordinator.EnrollDriver(r.Context(), redemption.EnrollRequest{
		DriverID:    points.DriverID(chi.URLParam(r, "driverID")),
		SponsorID:   points.SponsorID(req.SponsorID),
		DisplayName: req.DisplayName,
		Username:    req.Username,
	})
	if err != nil {
		writeDomainError(w, r, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, DriverDTO{
		DriverID:    string(acct.DriverID),
		SponsorID:   string(acct.SponsorID),
		DisplayName: acct.DisplayName,
		Username:    acct.Username,
	})
}

// Earn credits system-earned points.
// POST /api/admin/earnings
func (h *Handler) Earn(w http.ResponseWriter, r *http.Request) {
	var req EarnRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := h.Coordinator.Earn(r.Context(), redemption.EarnRequest{
		DriverID:   points.DriverID(req.DriverID),
		BasePoints: req.BasePoints,
		Reason:     req.Reason,
	})
	if err != nil {
		writeDomainError(w, r, h.Log, err)
		return
	}
	writeJSON(w, http.StatusCreated, EarnResponse{
		Message:          fmt.Sprintf("Earned %d points", res.Earned),
		NewPointsBalance: res.NewBalance,
		Earned:           res.Earned,
		Entry:            toEntryDTO(res.Entry, h.Clock.Now()),
	})
}

// Health reports liveness.
// GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body: "+err.Error(), nil)
		return false
	}
	return true
}

// historyFilter reads start_date, end_date, limit and offset. A missing
// limit means defaultLimit (0 = everything).
func historyFilter(r *http.Request, defaultLimit int) (points.HistoryFilter, error) {
	q := r.URL.Query()
	from, err := query.ParseDate(q.Get("start_date"), false)
	if err != nil {
		return points.HistoryFilter{}, err
	}
	to, err := query.ParseDate(q.Get("end_date"), true)
	if err != nil {
		return points.HistoryFilter{}, err
	}
	if from != nil && to != nil && to.Before(*from) {
		return points.HistoryFilter{}, &points.RequestError{Field: "end_date", Message: "end_date is before start_date"}
	}

	filter := points.HistoryFilter{From: from, To: to, Limit: defaultLimit}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			return points.HistoryFilter{}, &points.RequestError{Field: "limit", Message: "limit must be a positive integer"}
		}
		filter.Limit = min(n, maxPageSize)
	}
	if s := q.Get("offset"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return points.HistoryFilter{}, &points.RequestError{Field: "offset", Message: "offset must be a non-negative integer"}
		}
		filter.Offset = n
	}
	return filter, nil
}

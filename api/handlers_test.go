package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/points-engine/points"
	"github.com/warp/points-engine/points/store"
	"github.com/warp/points-engine/redemption"
)

const testSecret = "test-secret-that-is-at-least-32-bytes"

var (
	adminActor   = points.Actor{UserID: "u-admin", Role: points.RoleAdmin}
	acmeActor    = points.Actor{UserID: "u-acme", Role: points.RoleSponsor, SponsorID: "acme"}
	otherActor   = points.Actor{UserID: "u-other", Role: points.RoleSponsor, SponsorID: "other"}
	d1Actor      = points.Actor{UserID: "u-d1", Role: points.RoleDriver, DriverID: "d1"}
	d2Actor      = points.Actor{UserID: "u-d2", Role: points.RoleDriver, DriverID: "d2"}
	testStartsAt = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
)

type testServer struct {
	handler *Handler
	router  http.Handler
	clock   *points.ManualClock
}

func newTestServer(t *testing.T, opts RouterOptions) *testServer {
	t.Helper()
	log, _ := logtest.NewNullLogger()
	clock := points.NewManualClock(testStartsAt)
	h := NewHandler(store.NewMemory(), clock, log, NewAuthenticator(testSecret), redemption.DefaultConfig())
	return &testServer{handler: h, router: NewRouter(h, opts), clock: clock}
}

func (s *testServer) token(t *testing.T, a points.Actor) string {
	t.Helper()
	token, err := s.handler.Auth.Issue(a, time.Hour)
	require.NoError(t, err)
	return token
}

func (s *testServer) do(t *testing.T, a *points.Actor, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if a != nil {
		req.Header.Set("Authorization", "Bearer "+s.token(t, *a))
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// seed enrolls d1, d2 (acme) and d3 (other) and stocks one acme item.
func (s *testServer) seed(t *testing.T, cost, stock int64) ItemDTO {
	t.Helper()
	for id, sponsor := range map[string]string{"d1": "acme", "d2": "acme", "d3": "other"} {
		rec := s.do(t, &adminActor, http.MethodPut, "/api/admin/drivers/"+id, EnrollRequest{SponsorID: sponsor, DisplayName: "Driver " + id})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}
	rec := s.do(t, &acmeActor, http.MethodPost, "/api/sponsor/catalog", map[string]any{
		"title": "Insulated Mug", "points_cost": cost, "stock_quantity": stock,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[ItemDTO](t, rec)
}

func (s *testServer) addPoints(t *testing.T, driverID string, pts int64) *httptest.ResponseRecorder {
	t.Helper()
	return s.do(t, &acmeActor, http.MethodPost, "/api/sponsor/points/add", AdjustRequest{DriverID: driverID, Points: pts, Reason: "On-time delivery"})
}

// =============================================================================
// AUTH
// =============================================================================

func TestHealth_NoAuth(t *testing.T) {
	s := newTestServer(t, RouterOptions{})
	rec := s.do(t, nil, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuth(t *testing.T) {
	s := newTestServer(t, RouterOptions{})

	t.Run("missing token", func(t *testing.T) {
		rec := s.do(t, nil, http.MethodGet, "/api/driver/points/balance", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "unauthorized", decode[ErrorResponse](t, rec).Error)
	})

	t.Run("foreign signature", func(t *testing.T) {
		other := NewAuthenticator("another-secret-that-is-at-least-32-bytes")
		token, err := other.Issue(d1Actor, time.Hour)
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodGet, "/api/driver/points/balance", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		s.router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("expired token", func(t *testing.T) {
		token, err := s.handler.Auth.Issue(d1Actor, -time.Minute)
		require.NoError(t, err)
		_, err = s.handler.Auth.Verify(token)
		assert.Error(t, err)
	})

	t.Run("sponsor token without sponsor", func(t *testing.T) {
		token, err := s.handler.Auth.Issue(points.Actor{UserID: "u-x", Role: points.RoleSponsor}, time.Hour)
		require.NoError(t, err)
		_, err = s.handler.Auth.Verify(token)
		assert.Error(t, err)
	})

	t.Run("round trip", func(t *testing.T) {
		got, err := s.handler.Auth.Verify(s.token(t, acmeActor))
		require.NoError(t, err)
		assert.Equal(t, acmeActor, got)
	})

	t.Run("wrong role", func(t *testing.T) {
		rec := s.do(t, &d1Actor, http.MethodGet, "/api/sponsor/drivers", nil)
		assert.Equal(t, http.StatusForbidden, rec.Code)
		rec = s.do(t, &acmeActor, http.MethodPost, "/api/admin/earnings", EarnRequest{DriverID: "d1", BasePoints: 10, Reason: "x"})
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})
}

// =============================================================================
// PURCHASE FLOW
// =============================================================================

func TestPurchaseFlow(t *testing.T) {
	// GIVEN: d1 has 500 points and a 150-point mug is in stock
	// WHEN: d1 buys and then cancels it
	// THEN: Balance, stock, orders and history reflect each step
	s := newTestServer(t, RouterOptions{})
	mug := s.seed(t, 150, 2)
	require.Equal(t, http.StatusOK, s.addPoints(t, "d1", 500).Code)

	catalog := decode[CatalogResponse](t, s.do(t, &d1Actor, http.MethodGet, "/api/driver/catalog", nil))
	assert.Equal(t, int64(500), catalog.CurrentPoints)
	require.Len(t, catalog.Items, 1)
	require.NotNil(t, catalog.Items[0].CanAfford)
	assert.True(t, *catalog.Items[0].CanAfford)

	rec := s.do(t, &d1Actor, http.MethodPost, "/api/driver/catalog/purchase", PurchaseRequest{ItemID: mug.ID})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	purchase := decode[PurchaseResponse](t, rec)
	assert.Equal(t, "pending", purchase.Order.Status)
	assert.Equal(t, int64(350), purchase.NewPointsBalance)
	assert.Equal(t, int64(1), purchase.RemainingStock)

	orders := decode[[]OrderDTO](t, s.do(t, &acmeActor, http.MethodGet, "/api/sponsor/orders?status=pending", nil))
	require.Len(t, orders, 1)
	assert.Equal(t, "Driver d1", orders[0].DriverName)

	// Another driver cannot see the order.
	rec = s.do(t, &d2Actor, http.MethodPost, "/api/driver/orders/"+purchase.Order.ID+"/cancel", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, &d1Actor, http.MethodPost, "/api/driver/orders/"+purchase.Order.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	cancel := decode[CancelResponse](t, rec)
	assert.Equal(t, "cancelled", cancel.Order.Status)
	assert.Equal(t, int64(150), cancel.Refunded)
	assert.Equal(t, int64(500), cancel.NewPointsBalance)

	rec = s.do(t, &d1Actor, http.MethodPost, "/api/driver/orders/"+purchase.Order.ID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "invalid_state", decode[ErrorResponse](t, rec).Error)

	history := decode[HistoryResponse](t, s.do(t, &d1Actor, http.MethodGet, "/api/driver/points/history", nil))
	assert.Equal(t, int64(500), history.CurrentPoints)
	require.Len(t, history.History, 3)
	assert.Equal(t, "refund", history.History[0].Kind)
	assert.Equal(t, "purchase", history.History[1].Kind)
	require.NotNil(t, history.History[1].RelatedOrderID)
	assert.Equal(t, purchase.Order.ID, *history.History[1].RelatedOrderID)
}

func TestResponseFields(t *testing.T) {
	// GIVEN: d1 has 500 points and a mug costs 150
	// WHEN: Each mutation and history view is called
	// THEN: Bodies carry the documented field names and a message
	s := newTestServer(t, RouterOptions{})
	mug := s.seed(t, 150, 2)

	fields := func(rec *httptest.ResponseRecorder) map[string]any {
		t.Helper()
		return decode[map[string]any](t, rec)
	}

	add := fields(s.addPoints(t, "d1", 500))
	assert.Equal(t, "Added 500 points", add["message"])
	assert.Equal(t, float64(500), add["new_total"])

	rec := s.do(t, &acmeActor, http.MethodPost, "/api/sponsor/points/deduct", AdjustRequest{DriverID: "d1", Points: 20, Reason: "Correction"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	deduct := fields(rec)
	assert.Equal(t, "Deducted 20 points", deduct["message"])
	assert.Equal(t, float64(480), deduct["new_total"])

	rec = s.do(t, &d1Actor, http.MethodPost, "/api/driver/catalog/purchase", PurchaseRequest{ItemID: mug.ID})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	purchase := fields(rec)
	assert.NotEmpty(t, purchase["message"])
	assert.Equal(t, float64(330), purchase["new_points_balance"])
	assert.Equal(t, float64(1), purchase["remaining_stock"])
	orderID := purchase["order"].(map[string]any)["id"].(string)

	item := fields(s.do(t, &d1Actor, http.MethodGet, "/api/driver/catalog/"+mug.ID, nil))
	assert.Equal(t, float64(330), item["current_points"])
	assert.Equal(t, mug.ID, item["id"])
	assert.Equal(t, true, item["can_afford"])

	assert.Equal(t, float64(330), fields(s.do(t, &d1Actor, http.MethodGet, "/api/driver/catalog", nil))["current_points"])

	rec = s.do(t, &d1Actor, http.MethodPost, "/api/driver/orders/"+orderID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	cancel := fields(rec)
	assert.NotEmpty(t, cancel["message"])
	assert.Equal(t, float64(480), cancel["new_points_balance"])

	history := fields(s.do(t, &d1Actor, http.MethodGet, "/api/driver/points/history", nil))
	assert.Equal(t, float64(480), history["current_points"])
	assert.Equal(t, float64(4), history["total_count"])
	assert.Len(t, history["history"], 4)

	sponsorView := fields(s.do(t, &acmeActor, http.MethodGet, "/api/sponsor/drivers/d1/points/history?limit=2", nil))
	assert.Equal(t, float64(480), sponsorView["current_points"])
	assert.Equal(t, float64(4), sponsorView["total_count"])
	assert.Len(t, sponsorView["history"], 2)

	assert.Equal(t, float64(480), fields(s.do(t, &d1Actor, http.MethodGet, "/api/driver/points/balance", nil))["current_points"])
}

func TestPurchase_ErrorMapping(t *testing.T) {
	s := newTestServer(t, RouterOptions{})
	mug := s.seed(t, 150, 1)
	require.Equal(t, http.StatusOK, s.addPoints(t, "d1", 100).Code)

	t.Run("insufficient points carries shortfall", func(t *testing.T) {
		rec := s.do(t, &d1Actor, http.MethodPost, "/api/driver/catalog/purchase", PurchaseRequest{ItemID: mug.ID})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		resp := decode[ErrorResponse](t, rec)
		assert.Equal(t, "insufficient_points", resp.Error)
		require.NotNil(t, resp.Shortfall)
		assert.Equal(t, int64(50), *resp.Shortfall)
	})

	t.Run("out of stock", func(t *testing.T) {
		require.Equal(t, http.StatusOK, s.addPoints(t, "d1", 400).Code)
		rec := s.do(t, &d1Actor, http.MethodPost, "/api/driver/catalog/purchase", PurchaseRequest{ItemID: mug.ID})
		require.Equal(t, http.StatusCreated, rec.Code)
		rec = s.do(t, &d1Actor, http.MethodPost, "/api/driver/catalog/purchase", PurchaseRequest{ItemID: mug.ID})
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, "out_of_stock", decode[ErrorResponse](t, rec).Error)
	})

	t.Run("foreign item", func(t *testing.T) {
		rec := s.do(t, &otherActor, http.MethodPost, "/api/sponsor/catalog", map[string]any{"title": "Jacket", "points_cost": 10, "stock_quantity": 1})
		require.Equal(t, http.StatusCreated, rec.Code)
		jacket := decode[ItemDTO](t, rec)
		rec = s.do(t, &d1Actor, http.MethodPost, "/api/driver/catalog/purchase", PurchaseRequest{ItemID: jacket.ID})
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("missing item id", func(t *testing.T) {
		rec := s.do(t, &d1Actor, http.MethodPost, "/api/driver/catalog/purchase", PurchaseRequest{})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("malformed body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/driver/catalog/purchase", bytes.NewBufferString("{"))
		req.Header.Set("Authorization", "Bearer "+s.token(t, d1Actor))
		rec := httptest.NewRecorder()
		s.router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "invalid_request", decode[ErrorResponse](t, rec).Error)
	})
}

// =============================================================================
// SPONSOR
// =============================================================================

func TestSponsorAdjustments(t *testing.T) {
	s := newTestServer(t, RouterOptions{})
	s.seed(t, 150, 1)

	rec := s.do(t, &acmeActor, http.MethodPut, "/api/sponsor/reward-defaults", map[string]any{"max_points_per_day": 500})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.addPoints(t, "d1", 450)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(450), decode[AdjustResponse](t, rec).NewTotal)

	rec = s.addPoints(t, "d1", 100)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "cap_exceeded", decode[ErrorResponse](t, rec).Error)

	rec = s.do(t, &acmeActor, http.MethodPost, "/api/sponsor/points/deduct", AdjustRequest{DriverID: "d1", Points: 500, Reason: "Correction"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	assert.Equal(t, "insufficient_balance", resp.Error)
	require.NotNil(t, resp.Shortfall)
	assert.Equal(t, int64(50), *resp.Shortfall)

	rec = s.do(t, &acmeActor, http.MethodPost, "/api/sponsor/points/deduct", AdjustRequest{DriverID: "d1", Points: 50, Reason: "Correction"})
	require.Equal(t, http.StatusOK, rec.Code)
	adjust := decode[AdjustResponse](t, rec)
	assert.Equal(t, int64(-50), adjust.PointsChanged)
	assert.Equal(t, int64(400), adjust.NewTotal)

	rec = s.do(t, &otherActor, http.MethodPost, "/api/sponsor/points/add", AdjustRequest{DriverID: "d1", Points: 5, Reason: "Poaching"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, &otherActor, http.MethodGet, "/api/sponsor/drivers/d1/points/history", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	drivers := decode[[]DriverDTO](t, s.do(t, &acmeActor, http.MethodGet, "/api/sponsor/drivers", nil))
	require.Len(t, drivers, 2)
	for _, d := range drivers {
		require.NotNil(t, d.Balance)
		if d.DriverID == "d1" {
			assert.Equal(t, int64(400), *d.Balance)
		}
	}
}

func TestRewardDefaults(t *testing.T) {
	// GIVEN: A sponsor with default policy
	// WHEN: dollar_per_point is changed twice and an invalid value is sent
	// THEN: Decimals serialize as numbers and history lists both changes newest first
	s := newTestServer(t, RouterOptions{})

	policy := decode[map[string]any](t, s.do(t, &acmeActor, http.MethodGet, "/api/sponsor/reward-defaults", nil))
	assert.Equal(t, 0.01, policy["dollar_per_point"])
	assert.Nil(t, policy["expiration_days"])

	rec := s.do(t, &acmeActor, http.MethodPut, "/api/sponsor/reward-defaults", map[string]any{"dollar_per_point": 0.02, "expiration_days": 90})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	policy = decode[map[string]any](t, rec)
	assert.Equal(t, 0.02, policy["dollar_per_point"])
	assert.Equal(t, float64(90), policy["expiration_days"])
	assert.Equal(t, "u-acme", policy["updated_by"])

	s.clock.Advance(time.Minute)
	rec = s.do(t, &acmeActor, http.MethodPut, "/api/sponsor/reward-defaults", map[string]any{"dollar_per_point": 0.05, "expiration_days": nil})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, decode[map[string]any](t, rec)["expiration_days"])

	rec = s.do(t, &acmeActor, http.MethodPut, "/api/sponsor/reward-defaults", map[string]any{"dollar_per_point": -1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_policy", decode[ErrorResponse](t, rec).Error)

	history := decode[[]map[string]any](t, s.do(t, &acmeActor, http.MethodGet, "/api/sponsor/reward-defaults/history", nil))
	require.Len(t, history, 2)
	assert.Equal(t, 0.02, history[0]["old_value"])
	assert.Equal(t, 0.05, history[0]["new_value"])
	assert.Equal(t, 0.01, history[1]["old_value"])

	other := decode[[]map[string]any](t, s.do(t, &otherActor, http.MethodGet, "/api/sponsor/reward-defaults/history", nil))
	assert.Empty(t, other)
}

func TestSponsorCatalog(t *testing.T) {
	s := newTestServer(t, RouterOptions{})
	mug := s.seed(t, 150, 1)

	rec := s.do(t, &acmeActor, http.MethodPut, "/api/sponsor/catalog/"+mug.ID, map[string]any{"points_cost": 175})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(175), decode[ItemDTO](t, rec).PointsCost)

	rec = s.do(t, &otherActor, http.MethodDelete, "/api/sponsor/catalog/"+mug.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, &acmeActor, http.MethodDelete, "/api/sponsor/catalog/"+mug.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	items := decode[[]ItemDTO](t, s.do(t, &acmeActor, http.MethodGet, "/api/sponsor/catalog", nil))
	require.Len(t, items, 1)
	assert.False(t, items[0].Active)

	catalog := decode[CatalogResponse](t, s.do(t, &d1Actor, http.MethodGet, "/api/driver/catalog", nil))
	assert.Empty(t, catalog.Items)

	rec = s.do(t, &d1Actor, http.MethodGet, "/api/driver/catalog/"+mug.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// ADMIN / HISTORY
// =============================================================================

func TestEarnAndMonthlyHistory(t *testing.T) {
	s := newTestServer(t, RouterOptions{})
	s.seed(t, 150, 1)

	rec := s.do(t, &adminActor, http.MethodPost, "/api/admin/earnings", EarnRequest{DriverID: "d1", BasePoints: 120, Reason: "Safe driving"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	earn := decode[EarnResponse](t, rec)
	assert.Equal(t, int64(120), earn.Earned)
	assert.Nil(t, earn.Entry.ChangedBy)

	s.clock.Set(time.Date(2025, 4, 2, 9, 0, 0, 0, time.UTC))
	require.Equal(t, http.StatusOK, s.addPoints(t, "d1", 30).Code)

	monthly := decode[MonthlyResponse](t, s.do(t, &d1Actor, http.MethodGet, "/api/driver/points/history-monthly", nil))
	require.Len(t, monthly.Months, 2)
	assert.Equal(t, "2025-04", monthly.Months[0].Month)
	assert.Equal(t, int64(30), monthly.Months[0].NetChange)

	history := decode[HistoryResponse](t, s.do(t, &d1Actor, http.MethodGet, "/api/driver/points/history?start_date=2025-03-01&end_date=2025-03-31", nil))
	assert.Equal(t, 1, history.TotalCount)
	assert.Equal(t, int64(150), history.CurrentPoints)

	rec = s.do(t, &d1Actor, http.MethodGet, "/api/driver/points/history?start_date=2025-04-01&end_date=2025-03-01", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = s.do(t, &d1Actor, http.MethodGet, "/api/driver/points/history?limit=0", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEnroll_BlockedByPendingOrders(t *testing.T) {
	s := newTestServer(t, RouterOptions{})
	mug := s.seed(t, 150, 1)
	require.Equal(t, http.StatusOK, s.addPoints(t, "d1", 500).Code)
	rec := s.do(t, &d1Actor, http.MethodPost, "/api/driver/catalog/purchase", PurchaseRequest{ItemID: mug.ID})
	require.Equal(t, http.StatusCreated, rec.Code)
	order := decode[PurchaseResponse](t, rec).Order

	rec = s.do(t, &adminActor, http.MethodPut, "/api/admin/drivers/d1", EnrollRequest{SponsorID: "other"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(t, &otherActor, http.MethodPost, "/api/sponsor/orders/"+order.ID+"/ship", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = s.do(t, &adminActor, http.MethodPost, "/api/admin/orders/"+order.ID+"/ship", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "shipped", decode[OrderDTO](t, rec).Status)

	rec = s.do(t, &adminActor, http.MethodPut, "/api/admin/drivers/d1", EnrollRequest{SponsorID: "other"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "other", decode[DriverDTO](t, rec).SponsorID)
}

// =============================================================================
// RATE LIMIT
// =============================================================================

func TestRateLimit(t *testing.T) {
	s := newTestServer(t, RouterOptions{RateLimiter: NewRateLimiter(0.001, 2)})

	// The limiter runs before the handler, so an unknown driver still spends tokens.
	for i := 0; i < 2; i++ {
		rec := s.do(t, &d2Actor, http.MethodGet, "/api/driver/points/balance", nil)
		assert.NotEqual(t, http.StatusTooManyRequests, rec.Code)
	}
	rec := s.do(t, &d2Actor, http.MethodGet, "/api/driver/points/balance", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Equal(t, "rate_limited", decode[ErrorResponse](t, rec).Error)

	// Buckets are per user.
	rec = s.do(t, &d1Actor, http.MethodGet, "/api/driver/points/balance", nil)
	assert.NotEqual(t, http.StatusTooManyRequests, rec.Code)
}

func TestRateLimit_NoActorPassesThrough(t *testing.T) {
	// GIVEN: A limiter with a single token
	// WHEN: Requests reach it without an authenticated actor
	// THEN: None are limited and no bucket is created
	rl := NewRateLimiter(0.001, 1)
	calls := 0
	next := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusNoContent)
	}))

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		next.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/driver/points/balance", nil))
		assert.Equal(t, http.StatusNoContent, rec.Code)
	}
	assert.Equal(t, 3, calls)
	assert.Empty(t, rl.limiters)
}

/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the engine's domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

DECIMALS:
  dollar_per_point and earn_rate are rendered as JSON numbers, not strings.

SEE ALSO:
  - handlers.go: Uses these types
  - points/types.go: Domain types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/points-engine/points"
	"github.com/warp/points-engine/query"
)

func init() {
	decimal.MarshalJSONWithoutQuotes = true
}

// =============================================================================
// LEDGER
// =============================================================================

type EntryDTO struct {
	ID             string  `json:"id"`
	Kind           string  `json:"kind"`
	PointsChanged  int64   `json:"points_changed"`
	Reason         string  `json:"reason"`
	CreatedAt      string  `json:"created_at"`
	ExpiresAt      *string `json:"expires_at"`
	Expired        bool    `json:"expired"`
	ChangedBy      *string `json:"changed_by_user_id"`
	RelatedOrderID *string `json:"related_order_id"`
}

type HistoryResponse struct {
	DriverID      string     `json:"driver_id"`
	CurrentPoints int64      `json:"current_points"`
	TotalCount    int        `json:"total_count"`
	History       []EntryDTO `json:"history"`
}

type BalanceResponse struct {
	DriverID      string `json:"driver_id"`
	CurrentPoints int64  `json:"current_points"`
}

type MonthlyResponse struct {
	DriverID string               `json:"driver_id"`
	Months   []query.MonthSummary `json:"months"`
}

type AdjustRequest struct {
	DriverID string `json:"driver_id"`
	Points   int64  `json:"points"`
	Reason   string `json:"reason"`
}

type AdjustResponse struct {
	Message       string     `json:"message"`
	NewTotal      int64      `json:"new_total"`
	DriverID      string     `json:"driver_id"`
	PointsChanged int64      `json:"points_changed"`
	Entries       []EntryDTO `json:"entries"`
}

type EarnRequest struct {
	DriverID   string `json:"driver_id"`
	BasePoints int64  `json:"base_points"`
	Reason     string `json:"reason"`
}

type EarnResponse struct {
	Message          string   `json:"message"`
	NewPointsBalance int64    `json:"new_points_balance"`
	Earned           int64    `json:"earned"`
	Entry            EntryDTO `json:"entry"`
}

// =============================================================================
// CATALOG
// =============================================================================

type ItemDTO struct {
	ID            string `json:"id"`
	SponsorID     string `json:"sponsor_id"`
	Title         string `json:"title"`
	Description   string `json:"description"`
	ImageURL      string `json:"image_url"`
	PointsCost    int64  `json:"points_cost"`
	StockQuantity int64  `json:"stock_quantity"`
	Active        bool   `json:"active"`
	InStock       bool   `json:"in_stock"`
	CanAfford     *bool  `json:"can_afford,omitempty"`
	Shortfall     *int64 `json:"shortfall,omitempty"`
	UpdatedAt     string `json:"updated_at"`
}

type CatalogResponse struct {
	CurrentPoints int64     `json:"current_points"`
	Items         []ItemDTO `json:"items"`
}

// CatalogItemResponse is one item with the driver's balance alongside.
type CatalogItemResponse struct {
	ItemDTO
	CurrentPoints int64 `json:"current_points"`
}

type PurchaseRequest struct {
	ItemID string `json:"item_id"`
}

type PurchaseResponse struct {
	Message          string   `json:"message"`
	NewPointsBalance int64    `json:"new_points_balance"`
	RemainingStock   int64    `json:"remaining_stock"`
	Order            OrderDTO `json:"order"`
}

// =============================================================================
// ORDERS
// =============================================================================

type OrderDTO struct {
	ID                   string `json:"id"`
	DriverID             string `json:"driver_id"`
	DriverName           string `json:"driver_name,omitempty"`
	Username             string `json:"username,omitempty"`
	SponsorID            string `json:"sponsor_id"`
	ItemID               string `json:"item_id"`
	ItemTitle            string `json:"item_title"`
	PointsCostAtPurchase int64  `json:"points_cost_at_purchase"`
	Status               string `json:"status"`
	CreatedAt            string `json:"created_at"`
	UpdatedAt            string `json:"updated_at"`
}

type CancelResponse struct {
	Message          string   `json:"message"`
	NewPointsBalance int64    `json:"new_points_balance"`
	Refunded         int64    `json:"refunded"`
	Order            OrderDTO `json:"order"`
}

// =============================================================================
// REWARD POLICY
// =============================================================================

type PolicyDTO struct {
	SponsorID         string          `json:"sponsor_id"`
	DollarPerPoint    decimal.Decimal `json:"dollar_per_point"`
	EarnRate          decimal.Decimal `json:"earn_rate"`
	ExpirationDays    *int            `json:"expiration_days"`
	MaxPointsPerDay   *int64          `json:"max_points_per_day"`
	MaxPointsPerMonth *int64          `json:"max_points_per_month"`
	DailyPoints       *int64          `json:"daily_points_awarded"`
	UpdatedAt         string          `json:"updated_at"`
	UpdatedBy         *string         `json:"updated_by"`
}

type ValueChangeDTO struct {
	OldValue  decimal.Decimal `json:"old_value"`
	NewValue  decimal.Decimal `json:"new_value"`
	ChangedBy string          `json:"changed_by"`
	ChangedAt string          `json:"changed_at"`
}

// =============================================================================
// DRIVERS
// =============================================================================

type DriverDTO struct {
	DriverID    string `json:"driver_id"`
	SponsorID   string `json:"sponsor_id"`
	DisplayName string `json:"display_name"`
	Username    string `json:"username"`
	Balance     *int64 `json:"balance,omitempty"`
}

type EnrollRequest struct {
	SponsorID   string `json:"sponsor_id"`
	DisplayName string `json:"display_name"`
	Username    string `json:"username"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// LoadScenarioResponse carries short-lived tokens for the demo users.
type LoadScenarioResponse struct {
	Scenario ScenarioDTO       `json:"scenario"`
	Tokens   map[string]string `json:"tokens,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339) }

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func toEntryDTO(e points.Entry, now time.Time) EntryDTO {
	dto := EntryDTO{
		ID:            string(e.ID),
		Kind:          string(e.Kind),
		PointsChanged: e.PointsChanged,
		Reason:        e.Reason,
		CreatedAt:     formatTime(e.CreatedAt),
		ExpiresAt:     formatTimePtr(e.ExpiresAt),
		Expired:       e.ExpiredAt(now),
	}
	if e.ChangedBy != nil {
		s := string(*e.ChangedBy)
		dto.ChangedBy = &s
	}
	if e.RelatedOrderID != nil {
		s := string(*e.RelatedOrderID)
		dto.RelatedOrderID = &s
	}
	return dto
}

func toEntryDTOs(entries []points.Entry, now time.Time) []EntryDTO {
	dtos := make([]EntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toEntryDTO(e, now)
	}
	return dtos
}

func toItemDTO(item points.CatalogItem) ItemDTO {
	return ItemDTO{
		ID:            string(item.ID),
		SponsorID:     string(item.SponsorID),
		Title:         item.Title,
		Description:   item.Description,
		ImageURL:      item.ImageURL,
		PointsCost:    item.PointsCost,
		StockQuantity: item.StockQuantity,
		Active:        item.Active,
		InStock:       item.InStock(),
		UpdatedAt:     formatTime(item.UpdatedAt),
	}
}

func toCatalogEntryDTO(e query.CatalogEntry) ItemDTO {
	dto := toItemDTO(e.Item)
	canAfford, shortfall := e.CanAfford, e.Shortfall
	dto.CanAfford = &canAfford
	dto.Shortfall = &shortfall
	return dto
}

func toOrderDTO(o points.Order) OrderDTO {
	return OrderDTO{
		ID:                   string(o.ID),
		DriverID:             string(o.DriverID),
		SponsorID:            string(o.SponsorID),
		ItemID:               string(o.ItemID),
		ItemTitle:            o.ItemTitle,
		PointsCostAtPurchase: o.PointsCostAtPurchase,
		Status:               string(o.Status),
		CreatedAt:            formatTime(o.CreatedAt),
		UpdatedAt:            formatTime(o.UpdatedAt),
	}
}

func toPolicyDTO(p points.RewardPolicy) PolicyDTO {
	dto := PolicyDTO{
		SponsorID:         string(p.SponsorID),
		DollarPerPoint:    p.DollarPerPoint,
		EarnRate:          p.EarnRate,
		ExpirationDays:    p.ExpirationDays,
		MaxPointsPerDay:   p.MaxPointsPerDay,
		MaxPointsPerMonth: p.MaxPointsPerMonth,
		DailyPoints:       p.DailyPointsAwarded,
		UpdatedAt:         formatTime(p.UpdatedAt),
	}
	if p.UpdatedBy != nil {
		s := string(*p.UpdatedBy)
		dto.UpdatedBy = &s
	}
	return dto
}

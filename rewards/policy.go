/*
Package rewards provides the per-sponsor reward policy: point value,
earn rate, expiration and caps.

PURPOSE:
  Every sponsor has exactly one RewardPolicy. It is created with defaults
  on first access, changed only through validated partial updates, and
  every change to dollar_per_point leaves an immutable history record
  written in the same transaction as the change.

DEFAULTS:
  dollar_per_point: 0.01
  earn_rate:        1.0
  expiration_days:  null (points never expire)
  max_points_*:     null (unlimited)
  daily_points_awarded: null (no daily award)

PRECISION:
  dollar_per_point and earn_rate carry at most 4 decimal places and stay
  below 10^8, the range every backend stores exactly.

PARTIAL UPDATES:
  Update carries Optional fields. An absent field is left alone; an
  explicit null clears a nullable field; a value replaces it.

  {"dollar_per_point": 0.02, "max_points_per_day": null}
    -> dollar_per_point = 0.02, daily cap removed, everything else unchanged

SEE ALSO:
  - earning.go: Earn-rate application and cap evaluation
  - points/types.go: RewardPolicy
*/
package rewards

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/warp/points-engine/points"
)

// =============================================================================
// OPTIONAL - tri-state JSON field
// =============================================================================

// Optional distinguishes "absent" (Set=false) from "null" (Set=true, Value=nil).
type Optional[T any] struct {
	Set   bool
	Value *T
}

func Some[T any](v T) Optional[T] { return Optional[T]{Set: true, Value: &v} }
func Null[T any]() Optional[T]    { return Optional[T]{Set: true} }

func (o *Optional[T]) UnmarshalJSON(data []byte) error {
	o.Set = true
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		o.Value = nil
		return nil
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	o.Value = &v
	return nil
}

// Update is a partial change to a reward policy.
type Update struct {
	DollarPerPoint    Optional[decimal.Decimal] `json:"dollar_per_point"`
	EarnRate          Optional[decimal.Decimal] `json:"earn_rate"`
	ExpirationDays    Optional[int]             `json:"expiration_days"`
	MaxPointsPerDay   Optional[int64]           `json:"max_points_per_day"`
	MaxPointsPerMonth Optional[int64]           `json:"max_points_per_month"`
	DailyPoints       Optional[int64]           `json:"daily_points_awarded"`
}

// Apply returns p with the update applied. It does not validate.
func (u Update) Apply(p points.RewardPolicy) (points.RewardPolicy, error) {
	if u.DollarPerPoint.Set {
		if u.DollarPerPoint.Value == nil {
			return p, &points.PolicyError{Field: "dollar_per_point", Message: "dollar_per_point cannot be null"}
		}
		p.DollarPerPoint = *u.DollarPerPoint.Value
	}
	if u.EarnRate.Set {
		if u.EarnRate.Value == nil {
			return p, &points.PolicyError{Field: "earn_rate", Message: "earn_rate cannot be null"}
		}
		p.EarnRate = *u.EarnRate.Value
	}
	if u.ExpirationDays.Set {
		p.ExpirationDays = u.ExpirationDays.Value
	}
	if u.MaxPointsPerDay.Set {
		p.MaxPointsPerDay = u.MaxPointsPerDay.Value
	}
	if u.MaxPointsPerMonth.Set {
		p.MaxPointsPerMonth = u.MaxPointsPerMonth.Value
	}
	if u.DailyPoints.Set {
		p.DailyPointsAwarded = u.DailyPoints.Value
	}
	return p, nil
}

const decimalPlaces = 4

var decimalLimit = decimal.New(1, 8)

// Validate checks every field of a policy.
func Validate(p points.RewardPolicy) error {
	if err := validateDecimal("dollar_per_point", p.DollarPerPoint); err != nil {
		return err
	}
	if err := validateDecimal("earn_rate", p.EarnRate); err != nil {
		return err
	}
	if p.ExpirationDays != nil && *p.ExpirationDays < 1 {
		return &points.PolicyError{Field: "expiration_days", Message: "expiration_days must be at least 1 or null"}
	}
	if p.MaxPointsPerDay != nil && *p.MaxPointsPerDay < 1 {
		return &points.PolicyError{Field: "max_points_per_day", Message: "max_points_per_day must be at least 1 or null"}
	}
	if p.MaxPointsPerMonth != nil && *p.MaxPointsPerMonth < 1 {
		return &points.PolicyError{Field: "max_points_per_month", Message: "max_points_per_month must be at least 1 or null"}
	}
	if p.DailyPointsAwarded != nil && *p.DailyPointsAwarded < 0 {
		return &points.PolicyError{Field: "daily_points_awarded", Message: "daily_points_awarded must be at least 0 or null"}
	}
	return nil
}

func validateDecimal(field string, d decimal.Decimal) error {
	switch {
	case d.IsNegative():
		return &points.PolicyError{Field: field, Message: field + " must be at least 0"}
	case !d.Equal(d.Truncate(decimalPlaces)):
		return &points.PolicyError{Field: field, Message: fmt.Sprintf("%s must have at most %d decimal places", field, decimalPlaces)}
	case d.GreaterThanOrEqual(decimalLimit):
		return &points.PolicyError{Field: field, Message: field + " is too large"}
	}
	return nil
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

// Get returns the sponsor's policy, creating it with defaults if absent.
func (s *Service) Get(ctx context.Context, sponsorID points.SponsorID) (points.RewardPolicy, error) {
	var p points.RewardPolicy
	err := s.store.WithTx(ctx, func(tx points.Tx) error {
		var err error
		p, err = Ensure(ctx, tx, sponsorID, s.clock.Now(), false)
		return err
	})
	return p, err
}

// Update applies u atomically. A dollar_per_point change appends a
// PointValueChange in the same transaction.
func (s *Service) Update(ctx context.Context, sponsorID points.SponsorID, changedBy points.UserID, u Update) (points.RewardPolicy, error) {
	var updated points.RewardPolicy
	err := s.store.WithTx(ctx, func(tx points.Tx) error {
		now := s.clock.Now()
		current, err := Ensure(ctx, tx, sponsorID, now, true)
		if err != nil {
			return err
		}
		next, err := u.Apply(current)
		if err != nil {
			return err
		}
		if err := Validate(next); err != nil {
			return err
		}
		next.UpdatedAt = now
		next.UpdatedBy = &changedBy
		if err := tx.SavePolicy(ctx, next); err != nil {
			return err
		}
		if !next.DollarPerPoint.Equal(current.DollarPerPoint) {
			change := points.PointValueChange{
				ID:        s.newID(),
				SponsorID: sponsorID,
				OldValue:  current.DollarPerPoint,
				NewValue:  next.DollarPerPoint,
				ChangedBy: changedBy,
				ChangedAt: now,
			}
			if err := tx.AppendValueChange(ctx, change); err != nil {
				return err
			}
		}
		updated = next
		return nil
	})
	return updated, err
}

// ValueHistory returns dollar-per-point changes, newest first.
func (s *Service) ValueHistory(ctx context.Context, sponsorID points.SponsorID) ([]points.PointValueChange, error) {
	var changes []points.PointValueChange
	err := s.store.View(ctx, func(tx points.Tx) error {
		var err error
		changes, err = tx.ValueChanges(ctx, sponsorID)
		return err
	})
	if changes == nil {
		changes = []points.PointValueChange{}
	}
	return changes, err
}

// Ensure loads the sponsor's policy inside tx, inserting the defaults first
// if none exists. With lock set the row is held until tx ends.
func Ensure(ctx context.Context, tx points.Tx, sponsorID points.SponsorID, now time.Time, lock bool) (points.RewardPolicy, error) {
	load := tx.Policy
	if lock {
		load = tx.LockPolicy
	}
	p, err := load(ctx, sponsorID)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, points.ErrNotFound) {
		return points.RewardPolicy{}, err
	}
	if err := tx.CreatePolicy(ctx, points.DefaultPolicy(sponsorID, now)); err != nil {
		return points.RewardPolicy{}, err
	}
	return load(ctx, sponsorID)
}

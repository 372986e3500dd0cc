package rewards

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/points-engine/points"
)

// =============================================================================
// EARNING
// =============================================================================

// EarnedPoints applies the earn rate: floor(base * earn_rate).
func EarnedPoints(p points.RewardPolicy, base int64) int64 {
	return decimal.NewFromInt(base).Mul(p.EarnRate).Floor().IntPart()
}

// DollarValue is what n points are worth under the policy.
func DollarValue(p points.RewardPolicy, n int64) decimal.Decimal {
	return decimal.NewFromInt(n).Mul(p.DollarPerPoint)
}

// =============================================================================
// CAPS - rolling windows over sponsor additions
// =============================================================================

// CapScope selects what a cap bounds.
type CapScope string

const (
	// ScopeDriver bounds additions per sponsor-driver pair.
	ScopeDriver CapScope = "driver"
	// ScopeSponsor bounds the sum of additions across all of a sponsor's drivers.
	ScopeSponsor CapScope = "sponsor"
)

func ParseCapScope(s string) (CapScope, error) {
	switch CapScope(s) {
	case "", ScopeDriver:
		return ScopeDriver, nil
	case ScopeSponsor:
		return ScopeSponsor, nil
	}
	return "", fmt.Errorf("unknown cap scope %q (want %q or %q)", s, ScopeDriver, ScopeSponsor)
}

// CapUsage is the sponsor-added total inside each window.
type CapUsage struct {
	Day   int64
	Month int64
}

// Usage sums positive sponsor adjustments inside the rolling day and month
// windows ending at now. System-earned, purchase and refund entries never count.
func Usage(ctx context.Context, tx points.Tx, scope CapScope, sponsorID points.SponsorID, driverID points.DriverID, now time.Time) (CapUsage, error) {
	monthStart := points.MonthWindowStart(now)
	dayStart := points.DayWindowStart(now)

	var (
		entries []points.Entry
		err     error
	)
	if scope == ScopeSponsor {
		entries, err = tx.SponsorEntries(ctx, sponsorID, monthStart)
	} else {
		entries, err = tx.Entries(ctx, driverID)
	}
	if err != nil {
		return CapUsage{}, err
	}

	var usage CapUsage
	for _, e := range entries {
		if !e.IsSponsorAddition() || e.SponsorID != sponsorID || !e.CreatedAt.After(monthStart) {
			continue
		}
		usage.Month += e.PointsChanged
		if e.CreatedAt.After(dayStart) {
			usage.Day += e.PointsChanged
		}
	}
	return usage, nil
}

// CheckCaps returns CapExceededError if adding amount would exceed a cap.
// The daily cap is checked first.
func CheckCaps(p points.RewardPolicy, usage CapUsage, amount int64) error {
	if p.MaxPointsPerDay != nil && usage.Day+amount > *p.MaxPointsPerDay {
		return &points.CapExceededError{Window: "daily", Cap: *p.MaxPointsPerDay, Used: usage.Day, Requested: amount}
	}
	if p.MaxPointsPerMonth != nil && usage.Month+amount > *p.MaxPointsPerMonth {
		return &points.CapExceededError{Window: "monthly", Cap: *p.MaxPointsPerMonth, Used: usage.Month, Requested: amount}
	}
	return nil
}

// HasCaps reports whether the policy bounds sponsor additions at all.
func HasCaps(p points.RewardPolicy) bool {
	return p.MaxPointsPerDay != nil || p.MaxPointsPerMonth != nil
}

/*
scheduler.go - Recurring daily point award

PURPOSE:
  Credits every enrolled driver their sponsor's daily_points_awarded as a
  system-earned entry. The award goes through Coordinator.Earn, so the
  sponsor's earn rate and expiration apply and caps do not.

DESIGN:
  - robfig/cron drives the schedule (default "@daily", UTC)
  - One run walks all drivers; policies are read once per sponsor
  - Sponsors with a null or zero daily_points_awarded are skipped
  - A failing driver is logged and counted; the run continues
  - Runs never overlap; a manual trigger waits for a scheduled run

USAGE:
  scheduler, err := NewDailyAwardScheduler(handler, "@daily")
  scheduler.Start()
  // ... later
  scheduler.Stop()

  POST /api/admin/daily-awards triggers a run immediately.

SEE ALSO:
  - redemption/coordinator.go: Earn
  - rewards/policy.go: daily_points_awarded
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/warp/points-engine/points"
	"github.com/warp/points-engine/redemption"
	"github.com/warp/points-engine/rewards"
)

const dailyAwardReason = "Daily recurring points"

// AwardSummary reports one daily award run.
type AwardSummary struct {
	Awarded int   `json:"awarded"`
	Skipped int   `json:"skipped"`
	Failed  int   `json:"failed"`
	Points  int64 `json:"points"`
}

// AwardDailyPoints runs the daily award once for every enrolled driver.
func (h *Handler) AwardDailyPoints(ctx context.Context) (AwardSummary, error) {
	h.awardMu.Lock()
	defer h.awardMu.Unlock()

	drivers, err := h.Query.AllDrivers(ctx)
	if err != nil {
		return AwardSummary{}, fmt.Errorf("list drivers: %w", err)
	}

	var summary AwardSummary
	policies := make(map[points.SponsorID]points.RewardPolicy)
	for _, acct := range drivers {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		log := h.Log.WithFields(logrus.Fields{"driver_id": acct.DriverID, "sponsor_id": acct.SponsorID})

		policy, ok := policies[acct.SponsorID]
		if !ok {
			policy, err = h.Rewards.Get(ctx, acct.SponsorID)
			if err != nil {
				log.WithError(err).Warn("daily award: load policy")
				summary.Failed++
				continue
			}
			policies[acct.SponsorID] = policy
		}

		daily := policy.DailyPointsAwarded
		if daily == nil || *daily <= 0 || rewards.EarnedPoints(policy, *daily) == 0 {
			summary.Skipped++
			continue
		}

		res, err := h.Coordinator.Earn(ctx, redemption.EarnRequest{
			DriverID:   acct.DriverID,
			BasePoints: *daily,
			Reason:     dailyAwardReason,
		})
		if err != nil {
			log.WithError(err).Warn("daily award failed")
			summary.Failed++
			continue
		}
		summary.Awarded++
		summary.Points += res.Earned
	}

	h.Log.WithFields(logrus.Fields{
		"awarded": summary.Awarded,
		"skipped": summary.Skipped,
		"failed":  summary.Failed,
		"points":  summary.Points,
	}).Info("daily award completed")
	return summary, nil
}

// TriggerDailyAwards runs the daily award immediately.
// POST /api/admin/daily-awards
func (h *Handler) TriggerDailyAwards(w http.ResponseWriter, r *http.Request) {
	summary, err := h.AwardDailyPoints(r.Context())
	if err != nil {
		writeDomainError(w, r, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// =============================================================================
// CRON
// =============================================================================

// DailyAwardScheduler runs AwardDailyPoints on a cron schedule.
type DailyAwardScheduler struct {
	handler  *Handler
	schedule cron.Schedule
	cron     *cron.Cron
}

// NewDailyAwardScheduler parses expr as a standard cron expression or a
// descriptor such as "@daily". Times are UTC.
func NewDailyAwardScheduler(h *Handler, expr string) (*DailyAwardScheduler, error) {
	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid daily award schedule %q: %w", expr, err)
	}
	s := &DailyAwardScheduler{
		handler:  h,
		schedule: schedule,
		cron:     cron.New(cron.WithLocation(time.UTC)),
	}
	s.cron.Schedule(schedule, cron.FuncJob(s.run))
	return s, nil
}

func (s *DailyAwardScheduler) run() {
	if _, err := s.handler.AwardDailyPoints(context.Background()); err != nil {
		s.handler.Log.WithError(err).Error("daily award run failed")
	}
}

// Start begins the scheduler.
func (s *DailyAwardScheduler) Start() {
	s.cron.Start()
	s.handler.Log.WithField("next_run", s.Next(time.Now().UTC())).Info("daily award scheduler started")
}

// Stop stops the scheduler and waits for a running award to finish.
func (s *DailyAwardScheduler) Stop() {
	<-s.cron.Stop().Done()
	s.handler.Log.Info("daily award scheduler stopped")
}

// Next returns the first scheduled run after t.
func (s *DailyAwardScheduler) Next(t time.Time) time.Time {
	return s.schedule.Next(t)
}

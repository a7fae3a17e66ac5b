package scheduler

import (
	"context"
	"errors"
	"slices"
	"time"

	subscriptiondomain "github.com/smallbiznis/entitlements/internal/subscription/domain"
	"go.uber.org/zap"
)

const day = 24 * time.Hour

func (s *Scheduler) ExpireTrialsJob(ctx context.Context) error {
	result, err := s.subscriptionSvc.SweepExpiredTrials(ctx)
	if err != nil {
		return err
	}
	s.recordProcessed(ctx, JobExpireTrials, "subscriptions", int(result.Expired))
	return nil
}

func (s *Scheduler) ExpireSubscriptionsJob(ctx context.Context) error {
	result, err := s.subscriptionSvc.SweepExpiredSubscriptions(ctx)
	if err != nil {
		return err
	}
	s.recordProcessed(ctx, JobExpireSubscriptions, "subscriptions", int(result.Expired))
	return nil
}

// TrialRemindersJob notifies owners whose trial ends in one of the
// configured day offsets. A subscription is reminded at most once a day.
func (s *Scheduler) TrialRemindersJob(ctx context.Context) error {
	if s.notifier == nil {
		return nil
	}
	reminderDays := s.policy.Get().ReminderDays
	if len(reminderDays) == 0 {
		return nil
	}
	window := time.Duration(slices.Max(reminderDays)+1) * day

	trials, err := s.subscriptionSvc.ListTrialsEndingWithin(ctx, window)
	if err != nil {
		return err
	}

	now := s.clock.Now().UTC()
	var jobErr error
	sent := 0
	for _, trial := range trials {
		if err := ctx.Err(); err != nil {
			return errors.Join(jobErr, err)
		}
		if trial.TrialEndDate == nil {
			continue
		}
		daysLeft := DaysUntil(now, *trial.TrialEndDate)
		if !slices.Contains(reminderDays, daysLeft) {
			continue
		}

		ok, err := s.remind(ctx, trial, daysLeft)
		if err != nil {
			jobErr = errors.Join(jobErr, err)
			runFrom(ctx).fail("failed to send trial reminder", err,
				zap.String("subscription_id", trial.ID.String()),
			)
			continue
		}
		if ok {
			sent++
		}
	}
	s.recordProcessed(ctx, JobTrialReminders, "reminders", sent)
	return jobErr
}

func (s *Scheduler) remind(ctx context.Context, trial subscriptiondomain.Subscription, daysLeft int) (bool, error) {
	first, err := s.subscriptionSvc.MarkReminded(ctx, trial.ID)
	if err != nil || !first {
		return false, err
	}
	tenant, err := s.tenantSvc.Get(ctx, trial.TenantID)
	if err != nil {
		return false, err
	}
	s.notifier.SendTrialReminder(ctx, *tenant, daysLeft)
	runFrom(ctx).logger().Info("scheduler.trial.reminded",
		zap.String("subscription_id", trial.ID.String()),
		zap.String("tenant_id", trial.TenantID.String()),
		zap.Int("days_left", daysLeft),
	)
	return true, nil
}

func (s *Scheduler) ReconcilePendingJob(ctx context.Context) error {
	result, err := s.reconciler.ReconcilePending(ctx)
	if err != nil {
		return err
	}
	s.recordProcessed(ctx, JobReconcilePending, "subscriptions", result.Applied)
	if result.Failed > 0 {
		runFrom(ctx).markFailed()
	}
	return nil
}

func (s *Scheduler) recordProcessed(ctx context.Context, job, resource string, count int) {
	runFrom(ctx).addProcessed(count)
	if count > 0 {
		s.metrics.AddBatchProcessed(job, resource, count)
	}
}

// DaysUntil counts UTC calendar days from now to end; 0 means end is today.
func DaysUntil(now, end time.Time) int {
	from := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	endUTC := end.UTC()
	to := time.Date(endUTC.Year(), endUTC.Month(), endUTC.Day(), 0, 0, 0, 0, time.UTC)
	return int(to.Sub(from) / day)
}

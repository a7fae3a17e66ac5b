package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	billingdomain "github.com/smallbiznis/entitlements/internal/billing/domain"
	"github.com/smallbiznis/entitlements/internal/clock"
	"github.com/smallbiznis/entitlements/internal/config"
	"github.com/smallbiznis/entitlements/internal/notification"
	obsmetrics "github.com/smallbiznis/entitlements/internal/observability/metrics"
	"github.com/smallbiznis/entitlements/internal/ratelimit"
	subscriptiondomain "github.com/smallbiznis/entitlements/internal/subscription/domain"
	tenantdomain "github.com/smallbiznis/entitlements/internal/tenant/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	JobExpireTrials        = "expire_trials"
	JobExpireSubscriptions = "expire_subscriptions"
	JobTrialReminders      = "trial_reminders"
	JobReconcilePending    = "reconcile_pending"

	lockKeyPrefix = "entitlements:scheduler:"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

type Params struct {
	fx.In

	Log             *zap.Logger
	GenID           *snowflake.Node
	Clock           clock.Clock
	SubscriptionSvc subscriptiondomain.Service
	TenantSvc       tenantdomain.Service
	Reconciler      billingdomain.Reconciler   `optional:"true"`
	Notifier        notification.Notifier      `optional:"true"`
	Policy          *config.PolicyConfigHolder `optional:"true"`
	Locker          *ratelimit.Locker          `optional:"true"`
	Config          Config                     `optional:"true"`
}

type Scheduler struct {
	log             *zap.Logger
	cfg             Config
	genID           *snowflake.Node
	clock           clock.Clock
	subscriptionSvc subscriptiondomain.Service
	tenantSvc       tenantdomain.Service
	reconciler      billingdomain.Reconciler
	notifier        notification.Notifier
	policy          *config.PolicyConfigHolder
	locker          *ratelimit.Locker
	metrics         *obsmetrics.SchedulerMetrics
}

type job struct {
	name string
	run  func(context.Context) error
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.GenID == nil || p.Clock == nil || p.SubscriptionSvc == nil || p.TenantSvc == nil {
		return nil, ErrInvalidConfig
	}
	policy := p.Policy
	if policy == nil {
		policy = config.NewStaticPolicyConfigHolder(config.DefaultPolicyConfig())
	}
	return &Scheduler{
		log:             p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:             p.Config.withDefaults(),
		genID:           p.GenID,
		clock:           p.Clock,
		subscriptionSvc: p.SubscriptionSvc,
		tenantSvc:       p.TenantSvc,
		reconciler:      p.Reconciler,
		notifier:        p.Notifier,
		policy:          policy,
		locker:          p.Locker,
		metrics:         obsmetrics.Scheduler(),
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run := s.beginRun(ctx, name)
	exec := func(ctx context.Context) error {
		return s.execute(ctx, run, fn)
	}

	if !s.cfg.UseLock {
		return s.finish(run, timeout, exec(ctx))
	}

	err := s.locker.WithLock(ctx, lockKeyPrefix+name, s.cfg.LockTTL, exec)
	switch {
	case errors.Is(err, ratelimit.ErrLockHeld):
		s.metrics.IncJobSkipped(name)
		run.log.Debug("job skipped, lock held by another replica")
		return nil
	case errors.Is(err, ratelimit.ErrLockNotConfigured):
		run.log.Warn("scheduler lock requested but redis is not configured, running unlocked")
		err = exec(ctx)
	}
	return s.finish(run, timeout, err)
}

func (s *Scheduler) execute(ctx context.Context, run *jobRun, fn func(context.Context) error) error {
	run.log.Info("scheduler.job.start")
	s.metrics.IncJobRun(run.job)

	err := fn(ctx)
	now := s.clock.Now()
	s.metrics.ObserveJobDuration(run.job, now.Sub(run.startedAt))
	if err != nil && run.failures == 0 {
		run.markFailed()
	}
	run.finish(now)
	return err
}

func (s *Scheduler) finish(run *jobRun, timeout time.Duration, err error) error {
	if err == nil {
		return nil
	}

	s.metrics.IncJobError(run.job, err)
	// Deadlines are soft: the next tick picks up the remaining work.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		s.metrics.IncJobTimeout(run.job)
		run.log.Warn("job timed out", zap.Duration("timeout", timeout), zap.Error(err))
		return nil
	}
	return fmt.Errorf("%s: %w", run.job, err)
}

func (s *Scheduler) expiryJobs() []job {
	return []job{
		{JobExpireTrials, s.ExpireTrialsJob},
		{JobExpireSubscriptions, s.ExpireSubscriptionsJob},
	}
}

func (s *Scheduler) reminderJobs() []job {
	return []job{{JobTrialReminders, s.TrialRemindersJob}}
}

func (s *Scheduler) reconcileJobs() []job {
	if s.reconciler == nil {
		return nil
	}
	return []job{{JobReconcilePending, s.ReconcilePendingJob}}
}

func (s *Scheduler) runJobs(ctx context.Context, jobs []job) error {
	var err error
	for _, j := range jobs {
		if !s.isJobEnabled(j.name) {
			continue
		}
		err = errors.Join(err, s.runJob(ctx, j.name, s.cfg.JobTimeout, j.run))
	}
	return err
}

// RunOnce runs every enabled job a single time.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	var jobs []job
	jobs = append(jobs, s.expiryJobs()...)
	jobs = append(jobs, s.reminderJobs()...)
	jobs = append(jobs, s.reconcileJobs()...)
	return s.runJobs(ctx, jobs)
}

// RunForever drives each job group on its own ticker until ctx is done.
func (s *Scheduler) RunForever(ctx context.Context) {
	groups := []struct {
		interval time.Duration
		jobs     []job
	}{
		{s.cfg.ExpiryInterval, s.expiryJobs()},
		{s.cfg.ReminderInterval, s.reminderJobs()},
		{s.cfg.ReconcileInterval, s.reconcileJobs()},
	}

	var wg sync.WaitGroup
	for _, group := range groups {
		if len(group.jobs) == 0 {
			continue
		}
		wg.Add(1)
		go func(interval time.Duration, jobs []job) {
			defer wg.Done()
			s.loop(ctx, interval, jobs)
		}(group.interval, group.jobs)
	}
	wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, interval time.Duration, jobs []job) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	nextRun := time.Now().Add(interval)

	for {
		if err := s.runJobs(ctx, jobs); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if lag := time.Since(nextRun); lag > 0 {
			s.metrics.ObserveRunLoopLag(lag)
		}
		nextRun = nextRun.Add(interval)
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// An empty list enables every job.
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	redis "github.com/redis/go-redis/v9"
	billingdomain "github.com/smallbiznis/entitlements/internal/billing/domain"
	"github.com/smallbiznis/entitlements/internal/clock"
	"github.com/smallbiznis/entitlements/internal/config"
	obsmetrics "github.com/smallbiznis/entitlements/internal/observability/metrics"
	"github.com/smallbiznis/entitlements/internal/ratelimit"
	subscriptiondomain "github.com/smallbiznis/entitlements/internal/subscription/domain"
	tenantdomain "github.com/smallbiznis/entitlements/internal/tenant/domain"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRunJobTimeoutDoesNotReturnErrorAndIncrementsTimeout(t *testing.T) {
	registry := prometheus.NewRegistry()
	restore := swapPrometheusRegistry(registry)
	defer restore()

	obsmetrics.ResetSchedulerMetricsForTest()
	schedMetrics := obsmetrics.SchedulerWithConfig(obsmetrics.Config{
		ServiceName: "entitlements",
		Environment: "test",
	})

	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}

	s := &Scheduler{log: zap.NewNop(), genID: node, clock: clock.NewFakeClock(time.Time{}), metrics: schedMetrics}
	err = s.runJob(context.Background(), "timeout_job", 5*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	labels := map[string]string{
		"service": "entitlements",
		"env":     "test",
		"job":     "timeout_job",
	}
	if got := getCounterValue(t, registry, "entitlements_scheduler_job_timeouts_total", labels); got != 1 {
		t.Fatalf("expected timeout count 1, got %v", got)
	}

	errorLabels := map[string]string{
		"service": "entitlements",
		"env":     "test",
		"job":     "timeout_job",
		"reason":  obsmetrics.SchedulerJobReasonDeadlineExceeded,
	}
	if got := getCounterValue(t, registry, "entitlements_scheduler_job_errors_total", errorLabels); got != 1 {
		t.Fatalf("expected error count 1, got %v", got)
	}
}

type fakeSubscriptions struct {
	subscriptiondomain.Service

	mu           sync.Mutex
	trialSweeps  int
	expirySweeps int
	trials       []subscriptiondomain.Subscription
	reminded     map[snowflake.ID]bool
	sweepErr     error
	lastWindow   time.Duration
}

func (f *fakeSubscriptions) SweepExpiredTrials(ctx context.Context) (subscriptiondomain.SweepResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trialSweeps++
	if f.sweepErr != nil {
		return subscriptiondomain.SweepResult{}, f.sweepErr
	}
	return subscriptiondomain.SweepResult{Expired: 2}, nil
}

func (f *fakeSubscriptions) SweepExpiredSubscriptions(ctx context.Context) (subscriptiondomain.SweepResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expirySweeps++
	return subscriptiondomain.SweepResult{}, nil
}

func (f *fakeSubscriptions) ListTrialsEndingWithin(ctx context.Context, window time.Duration) ([]subscriptiondomain.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastWindow = window
	return f.trials, nil
}

func (f *fakeSubscriptions) MarkReminded(ctx context.Context, id snowflake.ID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reminded[id] {
		return false, nil
	}
	f.reminded[id] = true
	return true, nil
}

type fakeTenants struct {
	tenantdomain.Service
}

func (fakeTenants) Get(ctx context.Context, id snowflake.ID) (*tenantdomain.Tenant, error) {
	return &tenantdomain.Tenant{ID: id, Name: "Acme", Slug: "acme", OwnerEmail: "ana@acme.cl"}, nil
}

type reminder struct {
	tenant   string
	daysLeft int
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []reminder
}

func (f *fakeNotifier) SendVerification(ctx context.Context, to, name, link string) {}
func (f *fakeNotifier) SendPasswordReset(ctx context.Context, to, name, link string) {}
func (f *fakeNotifier) SendTrialReminder(ctx context.Context, tenant tenantdomain.Tenant, daysLeft int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, reminder{tenant: tenant.Slug, daysLeft: daysLeft})
}

type fakeReconciler struct {
	billingdomain.Reconciler
	calls int
}

func (f *fakeReconciler) ReconcilePending(ctx context.Context) (billingdomain.ReconcileResult, error) {
	f.calls++
	return billingdomain.ReconcileResult{Checked: 1, Applied: 1}, nil
}

type fixture struct {
	sched      *Scheduler
	clock      *clock.FakeClock
	subs       *fakeSubscriptions
	notifier   *fakeNotifier
	reconciler *fakeReconciler
	node       *snowflake.Node
}

func newFixture(t *testing.T, cfg Config, locker *ratelimit.Locker) *fixture {
	t.Helper()
	restore := swapPrometheusRegistry(prometheus.NewRegistry())
	t.Cleanup(restore)
	obsmetrics.ResetSchedulerMetricsForTest()

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC))
	subs := &fakeSubscriptions{reminded: map[snowflake.ID]bool{}}
	notifier := &fakeNotifier{}
	reconciler := &fakeReconciler{}

	sched, err := New(Params{
		Log:             zap.NewNop(),
		GenID:           node,
		Clock:           clk,
		SubscriptionSvc: subs,
		TenantSvc:       fakeTenants{},
		Reconciler:      reconciler,
		Notifier:        notifier,
		Policy:          config.NewStaticPolicyConfigHolder(config.DefaultPolicyConfig()),
		Locker:          locker,
		Config:          cfg,
	})
	require.NoError(t, err)
	return &fixture{sched: sched, clock: clk, subs: subs, notifier: notifier, reconciler: reconciler, node: node}
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Params{Log: zap.NewNop()})
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestRunOnceRunsEveryJob(t *testing.T) {
	f := newFixture(t, Config{}, nil)

	require.NoError(t, f.sched.RunOnce(context.Background()))
	require.Equal(t, 1, f.subs.trialSweeps)
	require.Equal(t, 1, f.subs.expirySweeps)
	require.Equal(t, 1, f.reconciler.calls)
	require.Equal(t, 4*day, f.subs.lastWindow)
}

func TestRunOnceHonoursEnabledJobs(t *testing.T) {
	f := newFixture(t, Config{EnabledJobs: []string{"EXPIRE_TRIALS"}}, nil)

	require.NoError(t, f.sched.RunOnce(context.Background()))
	require.Equal(t, 1, f.subs.trialSweeps)
	require.Zero(t, f.subs.expirySweeps)
	require.Zero(t, f.reconciler.calls)
}

func TestRunOnceReturnsJobErrors(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	f.subs.sweepErr = errors.New("db down")

	err := f.sched.RunOnce(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), JobExpireTrials)
	// Remaining jobs still run.
	require.Equal(t, 1, f.subs.expirySweeps)
}

func TestTrialRemindersJob(t *testing.T) {
	f := newFixture(t, Config{EnabledJobs: []string{JobTrialReminders}}, nil)
	now := f.clock.Now()
	at := func(d time.Duration) *time.Time {
		v := now.Add(d)
		return &v
	}
	f.subs.trials = []subscriptiondomain.Subscription{
		{ID: f.node.Generate(), TenantID: f.node.Generate(), TrialEndDate: at(3 * time.Hour)},     // today
		{ID: f.node.Generate(), TenantID: f.node.Generate(), TrialEndDate: at(day)},               // tomorrow
		{ID: f.node.Generate(), TenantID: f.node.Generate(), TrialEndDate: at(2 * day)},           // not configured
		{ID: f.node.Generate(), TenantID: f.node.Generate(), TrialEndDate: at(3*day + time.Hour)}, // three days
		{ID: f.node.Generate(), TenantID: f.node.Generate()},
	}

	require.NoError(t, f.sched.RunOnce(context.Background()))
	require.ElementsMatch(t, []reminder{
		{tenant: "acme", daysLeft: 0},
		{tenant: "acme", daysLeft: 1},
		{tenant: "acme", daysLeft: 3},
	}, f.notifier.sent)

	// Same day: already reminded.
	require.NoError(t, f.sched.RunOnce(context.Background()))
	require.Len(t, f.notifier.sent, 3)
}

func TestDaysUntil(t *testing.T) {
	now := time.Date(2025, 3, 10, 23, 30, 0, 0, time.UTC)
	require.Equal(t, 0, DaysUntil(now, time.Date(2025, 3, 10, 23, 59, 0, 0, time.UTC)))
	require.Equal(t, 1, DaysUntil(now, time.Date(2025, 3, 11, 0, 1, 0, 0, time.UTC)))
	require.Equal(t, 3, DaysUntil(now, time.Date(2025, 3, 13, 8, 0, 0, 0, time.UTC)))
}

func TestRunJobSkipsWhenLockHeld(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	f := newFixture(t, Config{UseLock: true, EnabledJobs: []string{JobExpireTrials}}, ratelimit.NewLocker(client))
	require.NoError(t, mr.Set(lockKeyPrefix+JobExpireTrials, "other-replica"))

	require.NoError(t, f.sched.RunOnce(context.Background()))
	require.Zero(t, f.subs.trialSweeps)

	mr.Del(lockKeyPrefix + JobExpireTrials)
	require.NoError(t, f.sched.RunOnce(context.Background()))
	require.Equal(t, 1, f.subs.trialSweeps)
	require.False(t, mr.Exists(lockKeyPrefix+JobExpireTrials))
}

func TestRunJobWithoutRedisRunsUnlocked(t *testing.T) {
	f := newFixture(t, Config{UseLock: true, EnabledJobs: []string{JobExpireTrials}}, nil)

	require.NoError(t, f.sched.RunOnce(context.Background()))
	require.Equal(t, 1, f.subs.trialSweeps)
}

func swapPrometheusRegistry(registry *prometheus.Registry) func() {
	oldRegisterer := prometheus.DefaultRegisterer
	oldGatherer := prometheus.DefaultGatherer
	prometheus.DefaultRegisterer = registry
	prometheus.DefaultGatherer = registry
	return func() {
		prometheus.DefaultRegisterer = oldRegisterer
		prometheus.DefaultGatherer = oldGatherer
		obsmetrics.ResetSchedulerMetricsForTest()
	}
}

func getCounterValue(t *testing.T, registry *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	metricFamilies, err := registry.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metricFamilies {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.Metric {
			if !labelsMatch(metric, labels) {
				continue
			}
			if metric.Counter == nil {
				t.Fatalf("metric %s is not a counter", name)
			}
			return metric.GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s with labels %v not found", name, labels)
	return 0
}

func labelsMatch(metric *dto.Metric, labels map[string]string) bool {
	if len(metric.Label) != len(labels) {
		return false
	}
	for _, label := range metric.Label {
		if labels[label.GetName()] != label.GetValue() {
			return false
		}
	}
	return true
}

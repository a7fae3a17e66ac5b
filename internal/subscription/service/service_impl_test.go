package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	catalogdomain "github.com/smallbiznis/entitlements/internal/catalog/domain"
	"github.com/smallbiznis/entitlements/internal/clock"
	"github.com/smallbiznis/entitlements/internal/subscription/domain"
	"github.com/smallbiznis/entitlements/internal/subscription/repository"
	tenantdomain "github.com/smallbiznis/entitlements/internal/tenant/domain"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fakeTenants struct {
	tenantdomain.Service
	tenants map[snowflake.ID]*tenantdomain.Tenant
}

func (f *fakeTenants) Get(ctx context.Context, tenantID snowflake.ID) (*tenantdomain.Tenant, error) {
	tenant, ok := f.tenants[tenantID]
	if !ok || !tenant.IsActive {
		return nil, tenantdomain.ErrTenantNotFound
	}
	return tenant, nil
}

type fakeCatalog struct {
	catalogdomain.Service
	plans map[snowflake.ID]*catalogdomain.Plan
}

func (f *fakeCatalog) GetPlan(ctx context.Context, planID snowflake.ID) (*catalogdomain.Plan, error) {
	plan, ok := f.plans[planID]
	if !ok {
		return nil, catalogdomain.ErrPlanNotFound
	}
	return plan, nil
}

type fakeGateway struct {
	mu        sync.Mutex
	createErr error
	cancelErr error
	created   []domain.AuthorizationRequest
	cancelled []string
}

func (g *fakeGateway) CreateAuthorization(ctx context.Context, req domain.AuthorizationRequest) (*domain.Authorization, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.createErr != nil {
		return nil, g.createErr
	}
	g.created = append(g.created, req)
	return &domain.Authorization{
		Provider:    "mercadopago",
		ExternalID:  "pre_" + req.ExternalReference,
		CheckoutURL: "https://checkout.example/" + req.ExternalReference,
		Status:      "pending",
	}, nil
}

func (g *fakeGateway) CancelAuthorization(ctx context.Context, externalID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancelErr != nil {
		return g.cancelErr
	}
	g.cancelled = append(g.cancelled, externalID)
	return nil
}

type fixture struct {
	svc     domain.Service
	db      *gorm.DB
	clock   *clock.FakeClock
	gateway *fakeGateway
	tenant  *tenantdomain.Tenant
	free    *catalogdomain.Plan
	basic   *catalogdomain.Plan
	closed  *catalogdomain.Plan
}

func int64Ptr(v int64) *int64 { return &v }

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to connect database: %v", err)
	}
	if err := db.AutoMigrate(&domain.Subscription{}); err != nil {
		t.Fatalf("failed to migrate database: %v", err)
	}
	if err := db.Exec(domain.LiveTenantIndexSQL).Error; err != nil {
		t.Fatalf("failed to create live index: %v", err)
	}
	return db
}

func setup(t *testing.T) *fixture {
	t.Helper()
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake: %v", err)
	}
	tenant := &tenantdomain.Tenant{ID: node.Generate(), Name: "Salón Ana", Slug: "salon-ana", IsActive: true}
	free := &catalogdomain.Plan{ID: node.Generate(), Slug: "free", Name: "Gratuito", MonthlyPrice: int64Ptr(0), YearlyPrice: int64Ptr(0), Currency: "CLP", IsActive: true}
	basic := &catalogdomain.Plan{ID: node.Generate(), Slug: "basic", Name: "Básico", MonthlyPrice: int64Ptr(19990), Currency: "CLP", TrialEligible: true, TrialDays: 14, IsActive: true}
	closed := &catalogdomain.Plan{ID: node.Generate(), Slug: "legacy", Name: "Legacy", MonthlyPrice: int64Ptr(9990), Currency: "CLP", IsActive: false}

	db := setupTestDB(t)
	clk := clock.NewFakeClock(time.Date(2025, 3, 15, 10, 0, 0, 0, time.UTC))
	gateway := &fakeGateway{}
	svc := New(Params{
		DB:      db,
		Log:     zap.NewNop(),
		GenID:   node,
		Clock:   clk,
		Repo:    repository.Provide(),
		Tenants: &fakeTenants{tenants: map[snowflake.ID]*tenantdomain.Tenant{tenant.ID: tenant}},
		Catalog: &fakeCatalog{plans: map[snowflake.ID]*catalogdomain.Plan{free.ID: free, basic.ID: basic, closed.ID: closed}},
		Gateway: gateway,
	})
	return &fixture{svc: svc, db: db, clock: clk, gateway: gateway, tenant: tenant, free: free, basic: basic, closed: closed}
}

func (f *fixture) liveCount(t *testing.T) int64 {
	t.Helper()
	var count int64
	err := f.db.Model(&domain.Subscription{}).
		Where("tenant_id = ? AND status IN ?", f.tenant.ID, domain.LiveStatuses).
		Count(&count).Error
	require.NoError(t, err)
	return count
}

func TestCreatePaidSubscriptionIsPending(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	sub, err := f.svc.Create(ctx, domain.CreateRequest{
		TenantID:     f.tenant.ID,
		PlanID:       f.basic.ID,
		BillingCycle: catalogdomain.BillingCycleMonthly,
		PayerEmail:   "Ana@Example.com",
	})
	require.NoError(t, err)
	require.Equal(t, domain.StatusPending, sub.Status)
	require.Equal(t, int64(19990), sub.Amount)
	require.Equal(t, "CLP", sub.Currency)
	require.True(t, sub.AutoRenew)
	require.True(t, strings.HasPrefix(sub.ExternalReference, f.tenant.ID.String()+"-"))
	require.NotNil(t, sub.ProviderAuthorizationID)
	require.NotNil(t, sub.CheckoutURL)
	require.Equal(t, time.Date(2025, 4, 15, 10, 0, 0, 0, time.UTC), sub.EndDate.UTC())

	require.Len(t, f.gateway.created, 1)
	req := f.gateway.created[0]
	require.Equal(t, "ana@example.com", req.PayerEmail)
	require.Equal(t, "Básico", req.PlanName)
	require.Equal(t, "Salón Ana", req.TenantName)
	require.Equal(t, sub.ExternalReference, req.ExternalReference)

	current, err := f.svc.GetCurrent(ctx, f.tenant.ID)
	require.NoError(t, err)
	require.Equal(t, sub.ID, current.ID)
}

func TestCreateValidation(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.svc.Create(ctx, domain.CreateRequest{TenantID: 42, PlanID: f.basic.ID, PayerEmail: "a@b.cl"})
	require.ErrorIs(t, err, tenantdomain.ErrTenantNotFound)

	_, err = f.svc.Create(ctx, domain.CreateRequest{TenantID: f.tenant.ID, PlanID: 42, PayerEmail: "a@b.cl"})
	require.ErrorIs(t, err, catalogdomain.ErrPlanNotFound)

	_, err = f.svc.Create(ctx, domain.CreateRequest{TenantID: f.tenant.ID, PlanID: f.closed.ID, PayerEmail: "a@b.cl"})
	require.ErrorIs(t, err, catalogdomain.ErrPlanNotFound)

	_, err = f.svc.Create(ctx, domain.CreateRequest{
		TenantID:     f.tenant.ID,
		PlanID:       f.basic.ID,
		BillingCycle: catalogdomain.BillingCycleYearly,
		PayerEmail:   "a@b.cl",
	})
	require.ErrorIs(t, err, domain.ErrPriceNotConfigured)

	_, err = f.svc.Create(ctx, domain.CreateRequest{TenantID: f.tenant.ID, PlanID: f.basic.ID, BillingCycle: "weekly"})
	require.ErrorIs(t, err, catalogdomain.ErrInvalidBillingCycle)

	_, err = f.svc.Create(ctx, domain.CreateRequest{TenantID: f.tenant.ID, PlanID: f.basic.ID, PayerEmail: "nope"})
	require.ErrorIs(t, err, domain.ErrInvalidPayerEmail)

	require.Empty(t, f.gateway.created)
	require.Equal(t, int64(0), f.liveCount(t))
}

func TestCreateProviderFailureLeavesNoRecord(t *testing.T) {
	f := setup(t)
	f.gateway.createErr = errors.New("timeout")

	_, err := f.svc.Create(context.Background(), domain.CreateRequest{
		TenantID:   f.tenant.ID,
		PlanID:     f.basic.ID,
		PayerEmail: "ana@example.com",
	})
	require.ErrorIs(t, err, domain.ErrUpstreamUnavailable)

	var count int64
	require.NoError(t, f.db.Model(&domain.Subscription{}).Count(&count).Error)
	require.Equal(t, int64(0), count)
}

func TestCreateFreePlanActivatesWithoutProvider(t *testing.T) {
	f := setup(t)

	sub, err := f.svc.Create(context.Background(), domain.CreateRequest{
		TenantID: f.tenant.ID,
		PlanID:   f.free.ID,
	})
	require.NoError(t, err)
	require.Equal(t, domain.StatusActive, sub.Status)
	require.Nil(t, sub.ProviderAuthorizationID)
	require.Empty(t, f.gateway.created)
}

func TestCreateSupersedesLiveSubscription(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	first, err := f.svc.Create(ctx, domain.CreateRequest{TenantID: f.tenant.ID, PlanID: f.basic.ID, PayerEmail: "ana@example.com"})
	require.NoError(t, err)

	second, err := f.svc.Create(ctx, domain.CreateRequest{TenantID: f.tenant.ID, PlanID: f.basic.ID, PayerEmail: "ana@example.com"})
	require.NoError(t, err)

	require.Equal(t, int64(1), f.liveCount(t))

	previous, err := f.svc.Get(ctx, f.tenant.ID, first.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusCancelled, previous.Status)
	require.False(t, previous.AutoRenew)
	require.NotNil(t, previous.CancelledAt)
	require.Equal(t, []string{*first.ProviderAuthorizationID}, f.gateway.cancelled)

	current, err := f.svc.GetCurrent(ctx, f.tenant.ID)
	require.NoError(t, err)
	require.Equal(t, second.ID, current.ID)
}

func TestLiveIndexRejectsSecondLiveSubscription(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	repo := repository.Provide()
	node, _ := snowflake.NewNode(2)
	now := f.clock.Now()

	insert := func(status domain.Status) error {
		return repo.Insert(ctx, f.db, &domain.Subscription{
			ID:                node.Generate(),
			TenantID:          f.tenant.ID,
			PlanID:            f.basic.ID,
			Status:            status,
			BillingCycle:      catalogdomain.BillingCycleMonthly,
			Currency:          "CLP",
			StartDate:         now,
			ExternalReference: node.Generate().String(),
			Version:           1,
			CreatedAt:         now,
			UpdatedAt:         now,
		})
	}

	require.NoError(t, insert(domain.StatusCancelled))
	require.NoError(t, insert(domain.StatusActive))
	require.Error(t, insert(domain.StatusPending))
	require.NoError(t, insert(domain.StatusExpired))
}

func TestTrialLifecycle(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	trial, err := f.svc.CreateTrial(ctx, f.tenant.ID, f.basic.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusTrial, trial.Status)
	require.True(t, trial.IsTrial)
	require.Equal(t, time.Date(2025, 3, 29, 10, 0, 0, 0, time.UTC), trial.TrialEndDate.UTC())
	require.Empty(t, f.gateway.created)

	_, err = f.svc.CreateTrial(ctx, f.tenant.ID, f.free.ID)
	require.ErrorIs(t, err, domain.ErrTrialNotEligible)

	res, err := f.svc.SweepExpiredTrials(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(0), res.Expired)

	f.clock.Advance(15 * 24 * time.Hour)

	res, err = f.svc.SweepExpiredTrials(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), res.Expired)

	res, err = f.svc.SweepExpiredTrials(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(0), res.Expired)

	_, err = f.svc.GetCurrent(ctx, f.tenant.ID)
	require.ErrorIs(t, err, domain.ErrSubscriptionNotFound)

	paid, err := f.svc.ConvertTrialToPaid(ctx, domain.ConvertTrialRequest{
		TenantID:       f.tenant.ID,
		SubscriptionID: trial.ID,
		BillingCycle:   catalogdomain.BillingCycleMonthly,
		PayerEmail:     "ana@example.com",
	})
	require.NoError(t, err)
	require.Equal(t, domain.StatusPending, paid.Status)
	require.Equal(t, f.basic.ID, paid.PlanID)
	require.False(t, paid.IsTrial)

	expired, err := f.svc.Get(ctx, f.tenant.ID, trial.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusExpired, expired.Status)

	_, err = f.svc.ConvertTrialToPaid(ctx, domain.ConvertTrialRequest{
		TenantID:       f.tenant.ID,
		SubscriptionID: paid.ID,
		PayerEmail:     "ana@example.com",
	})
	require.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestConvertLiveTrialCancelsIt(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	trial, err := f.svc.CreateTrial(ctx, f.tenant.ID, f.basic.ID)
	require.NoError(t, err)

	_, err = f.svc.ConvertTrialToPaid(ctx, domain.ConvertTrialRequest{
		TenantID:       f.tenant.ID,
		SubscriptionID: trial.ID,
		PayerEmail:     "ana@example.com",
	})
	require.NoError(t, err)

	previous, err := f.svc.Get(ctx, f.tenant.ID, trial.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusCancelled, previous.Status)
	require.Empty(t, f.gateway.cancelled)
	require.Equal(t, int64(1), f.liveCount(t))
}

func TestCancel(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	sub, err := f.svc.Create(ctx, domain.CreateRequest{TenantID: f.tenant.ID, PlanID: f.basic.ID, PayerEmail: "ana@example.com"})
	require.NoError(t, err)

	_, err = f.svc.Cancel(ctx, 42, sub.ID, "")
	require.ErrorIs(t, err, domain.ErrSubscriptionNotFound)

	f.gateway.cancelErr = errors.New("provider down")
	_, err = f.svc.Cancel(ctx, f.tenant.ID, sub.ID, "too expensive")
	require.ErrorIs(t, err, domain.ErrUpstreamUnavailable)
	require.Equal(t, int64(1), f.liveCount(t))

	f.gateway.cancelErr = nil
	cancelled, err := f.svc.Cancel(ctx, f.tenant.ID, sub.ID, "too expensive")
	require.NoError(t, err)
	require.Equal(t, domain.StatusCancelled, cancelled.Status)
	require.False(t, cancelled.AutoRenew)
	require.NotNil(t, cancelled.CancellationReason)
	require.Equal(t, "too expensive", *cancelled.CancellationReason)
	require.Equal(t, []string{*sub.ProviderAuthorizationID}, f.gateway.cancelled)

	_, err = f.svc.Cancel(ctx, f.tenant.ID, sub.ID, "")
	require.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestCancelTrialSkipsProvider(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	trial, err := f.svc.CreateTrial(ctx, f.tenant.ID, f.basic.ID)
	require.NoError(t, err)

	_, err = f.svc.Cancel(ctx, f.tenant.ID, trial.ID, "")
	require.NoError(t, err)
	require.Empty(t, f.gateway.cancelled)
}

func TestTransitionRules(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	sub, err := f.svc.Create(ctx, domain.CreateRequest{TenantID: f.tenant.ID, PlanID: f.basic.ID, PayerEmail: "ana@example.com"})
	require.NoError(t, err)

	_, err = f.svc.Transition(ctx, sub.ID, domain.StatusSuspended, "")
	require.ErrorIs(t, err, domain.ErrInvalidState)

	changed, err := f.svc.Transition(ctx, sub.ID, domain.StatusActive, "authorized")
	require.NoError(t, err)
	require.True(t, changed)

	changed, err = f.svc.Transition(ctx, sub.ID, domain.StatusActive, "authorized")
	require.NoError(t, err)
	require.False(t, changed)

	changed, err = f.svc.Transition(ctx, sub.ID, domain.StatusSuspended, "paused")
	require.NoError(t, err)
	require.True(t, changed)

	changed, err = f.svc.Transition(ctx, sub.ID, domain.StatusCancelled, "cancelled")
	require.NoError(t, err)
	require.True(t, changed)

	_, err = f.svc.Transition(ctx, sub.ID, domain.StatusActive, "authorized")
	require.ErrorIs(t, err, domain.ErrInvalidState)

	_, err = f.svc.Transition(ctx, sub.ID, "archived", "")
	require.ErrorIs(t, err, domain.ErrInvalidTargetStatus)
}

func TestExtendOnPaymentAdvancesFromEndDate(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	sub, err := f.svc.Create(ctx, domain.CreateRequest{TenantID: f.tenant.ID, PlanID: f.basic.ID, PayerEmail: "ana@example.com"})
	require.NoError(t, err)

	// Late processing must not shift the billing anchor.
	f.clock.Advance(10 * 24 * time.Hour)

	extended, err := f.svc.ExtendOnPayment(ctx, sub.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusActive, extended.Status)
	require.Equal(t, time.Date(2025, 5, 15, 10, 0, 0, 0, time.UTC), extended.EndDate.UTC())

	stored, err := f.svc.GetByID(ctx, sub.ID)
	require.NoError(t, err)
	require.Equal(t, time.Date(2025, 5, 15, 10, 0, 0, 0, time.UTC), stored.NextBillingDate.UTC())

	_, err = f.svc.Cancel(ctx, f.tenant.ID, sub.ID, "")
	require.NoError(t, err)
	_, err = f.svc.ExtendOnPayment(ctx, sub.ID)
	require.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestSweepExpiredSubscriptions(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	sub, err := f.svc.Create(ctx, domain.CreateRequest{TenantID: f.tenant.ID, PlanID: f.free.ID})
	require.NoError(t, err)

	f.clock.Advance(20 * 24 * time.Hour)
	res, err := f.svc.SweepExpiredSubscriptions(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(0), res.Expired)

	f.clock.Advance(15 * 24 * time.Hour)
	res, err = f.svc.SweepExpiredSubscriptions(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), res.Expired)

	stored, err := f.svc.GetByID(ctx, sub.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusExpired, stored.Status)

	res, err = f.svc.SweepExpiredSubscriptions(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(0), res.Expired)
}

func TestRemindersOncePerDay(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	trial, err := f.svc.CreateTrial(ctx, f.tenant.ID, f.basic.ID)
	require.NoError(t, err)

	ending, err := f.svc.ListTrialsEndingWithin(ctx, 3*24*time.Hour)
	require.NoError(t, err)
	require.Empty(t, ending)

	f.clock.Advance(12 * 24 * time.Hour)
	ending, err = f.svc.ListTrialsEndingWithin(ctx, 3*24*time.Hour)
	require.NoError(t, err)
	require.Len(t, ending, 1)

	ok, err := f.svc.MarkReminded(ctx, trial.ID)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = f.svc.MarkReminded(ctx, trial.ID)
	require.NoError(t, err)
	require.False(t, ok)

	f.clock.Advance(24 * time.Hour)
	ok, err = f.svc.MarkReminded(ctx, trial.ID)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestListPendingForReconcile(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	sub, err := f.svc.Create(ctx, domain.CreateRequest{TenantID: f.tenant.ID, PlanID: f.basic.ID, PayerEmail: "ana@example.com"})
	require.NoError(t, err)

	pending, err := f.svc.ListPendingForReconcile(ctx, time.Hour, 10)
	require.NoError(t, err)
	require.Empty(t, pending)

	f.clock.Advance(2 * time.Hour)
	pending, err = f.svc.ListPendingForReconcile(ctx, time.Hour, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, sub.ID, pending[0].ID)
}

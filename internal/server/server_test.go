package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/entitlements/internal/authorization"
	billingdomain "github.com/smallbiznis/entitlements/internal/billing/domain"
	catalogdomain "github.com/smallbiznis/entitlements/internal/catalog/domain"
	"github.com/smallbiznis/entitlements/internal/clock"
	"github.com/smallbiznis/entitlements/internal/config"
	entitlementdomain "github.com/smallbiznis/entitlements/internal/entitlement/domain"
	"github.com/smallbiznis/entitlements/internal/entitlement/policy"
	"github.com/smallbiznis/entitlements/internal/ratelimit"
	subscriptiondomain "github.com/smallbiznis/entitlements/internal/subscription/domain"
	tenantdomain "github.com/smallbiznis/entitlements/internal/tenant/domain"
	usagedomain "github.com/smallbiznis/entitlements/internal/usage/domain"
	"github.com/smallbiznis/entitlements/pkg/db/pagination"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeCatalog struct {
	catalogdomain.Service

	plans []catalogdomain.PlanWithFeatures
}

func (f *fakeCatalog) ListPlansWithFeatures(ctx context.Context) ([]catalogdomain.PlanWithFeatures, error) {
	return f.plans, nil
}

type fakeResolver struct {
	entitlementdomain.Resolver

	checks   []string
	consumed []int64
	deny     bool
}

func (f *fakeResolver) CheckAccess(ctx context.Context, tenantID snowflake.ID, featureKey string, requiredUsage int64) (entitlementdomain.AccessResult, error) {
	f.checks = append(f.checks, featureKey)
	return entitlementdomain.AccessResult{FeatureKey: featureKey, Allowed: !f.deny}, nil
}

func (f *fakeResolver) RequireAccess(ctx context.Context, tenantID snowflake.ID, featureKey string, requiredUsage int64, message string) (entitlementdomain.AccessResult, error) {
	result := entitlementdomain.AccessResult{FeatureKey: featureKey, Allowed: !f.deny}
	if f.deny {
		return result, &entitlementdomain.AccessDeniedError{Feature: featureKey, Message: "Actualiza tu plan", Result: result}
	}
	f.consumed = append(f.consumed, requiredUsage)
	return result, nil
}

func (f *fakeResolver) UsageStats(ctx context.Context, tenantID snowflake.ID, period string) (entitlementdomain.UsageStats, error) {
	if period == "bogus" {
		return entitlementdomain.UsageStats{}, usagedomain.ErrInvalidPeriod
	}
	return entitlementdomain.UsageStats{Period: period, Features: []entitlementdomain.UsageStat{}}, nil
}

type fakeSubscriptions struct {
	subscriptiondomain.Service

	cancelErr error
	cancelled []string
	swept     int64
}

func (f *fakeSubscriptions) Cancel(ctx context.Context, tenantID, subscriptionID snowflake.ID, reason string) (*subscriptiondomain.Subscription, error) {
	if f.cancelErr != nil {
		return nil, f.cancelErr
	}
	f.cancelled = append(f.cancelled, reason)
	return &subscriptiondomain.Subscription{ID: subscriptionID, TenantID: tenantID, Status: subscriptiondomain.StatusCancelled}, nil
}

func (f *fakeSubscriptions) SweepExpiredSubscriptions(ctx context.Context) (subscriptiondomain.SweepResult, error) {
	return subscriptiondomain.SweepResult{Expired: f.swept}, nil
}

type fakeReconciler struct {
	billingdomain.Reconciler

	webhookErr error
	providers  []string
	lastList   billingdomain.ListPaymentsRequest
}

func (f *fakeReconciler) HandleWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) error {
	f.providers = append(f.providers, provider)
	return f.webhookErr
}

func (f *fakeReconciler) ListPayments(ctx context.Context, req billingdomain.ListPaymentsRequest) (*billingdomain.ListPaymentsResponse, error) {
	f.lastList = req
	return &billingdomain.ListPaymentsResponse{Payments: []billingdomain.Payment{}}, nil
}

type fakeTenants struct {
	tenantdomain.Service

	created []tenantdomain.CreateTenantRequest
}

func (f *fakeTenants) Create(ctx context.Context, req tenantdomain.CreateTenantRequest) (*tenantdomain.Tenant, error) {
	f.created = append(f.created, req)
	if req.Slug == "taken" {
		return nil, tenantdomain.ErrSlugTaken
	}
	return &tenantdomain.Tenant{ID: snowflake.ID(42), Name: req.Name, Slug: req.Slug, IsActive: true}, nil
}

type fakeAuthz struct {
	denied map[string]bool
}

func (f *fakeAuthz) Authorize(ctx context.Context, actor string, tenantID string, object string, action string) error {
	if f.denied[action] {
		return authorization.ErrForbidden
	}
	return nil
}

type testServer struct {
	router     *gin.Engine
	resolver   *fakeResolver
	subs       *fakeSubscriptions
	reconciler *fakeReconciler
	tenants    *fakeTenants
	authz      *fakeAuthz
	tenantID   snowflake.ID
}

func newTestServer(t *testing.T, limiter *ratelimit.EntitlementLimiter) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	ts := &testServer{
		resolver:   &fakeResolver{},
		subs:       &fakeSubscriptions{},
		reconciler: &fakeReconciler{},
		tenants:    &fakeTenants{},
		authz:      &fakeAuthz{denied: map[string]bool{}},
		tenantID:   snowflake.ID(1001),
	}
	enforcer := policy.NewEnforcer(policy.Params{
		Resolver:      ts.resolver,
		Subscriptions: ts.subs,
		Authz:         ts.authz,
		Clock:         clock.NewFakeClock(time.Date(2025, 3, 15, 10, 0, 0, 0, time.UTC)),
	})

	router := gin.New()
	router.Use(ErrorHandlingMiddleware())
	NewServer(ServerParams{
		Gin:             router,
		Cfg:             config.Config{AdminToken: "s3cret"},
		CatalogSvc:      &fakeCatalog{plans: []catalogdomain.PlanWithFeatures{}},
		Resolver:        ts.resolver,
		Enforcer:        enforcer,
		SubscriptionSvc: ts.subs,
		Reconciler:      ts.reconciler,
		TenantSvc:       ts.tenants,
		Limiter:         limiter,
	})
	ts.router = router
	return ts
}

func (ts *testServer) do(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	resp := httptest.NewRecorder()
	ts.router.ServeHTTP(resp, req)
	return resp
}

func (ts *testServer) identity() map[string]string {
	return map[string]string{
		HeaderTenantID: ts.tenantID.String(),
		HeaderUserID:   "user-1",
	}
}

func decodeError(t *testing.T, resp *httptest.ResponseRecorder) errorPayload {
	t.Helper()
	var body errorResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	return body.Error
}

func TestCheckEntitlementRequiresTenant(t *testing.T) {
	ts := newTestServer(t, nil)

	resp := ts.do(http.MethodGet, "/api/entitlements/monthly_appointments", "", nil)

	require.Equal(t, http.StatusUnauthorized, resp.Code)
	assert.Equal(t, "tenant_required", decodeError(t, resp).Code)
	assert.Empty(t, ts.resolver.checks)
}

func TestCheckEntitlementDeniedIsStillOK(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.resolver.deny = true

	resp := ts.do(http.MethodGet, "/api/entitlements/monthly_appointments?usage=3", "", ts.identity())

	require.Equal(t, http.StatusOK, resp.Code)
	var body struct {
		Data entitlementdomain.AccessResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.False(t, body.Data.Allowed)
	assert.Equal(t, []string{"monthly_appointments"}, ts.resolver.checks)
}

func TestCheckEntitlementRejectsInvalidUsage(t *testing.T) {
	ts := newTestServer(t, nil)

	resp := ts.do(http.MethodGet, "/api/entitlements/monthly_appointments?usage=-2", "", ts.identity())

	require.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Equal(t, "validation_error", decodeError(t, resp).Type)
}

func TestConsumeEntitlement(t *testing.T) {
	t.Run("allowed reserves requested usage", func(t *testing.T) {
		ts := newTestServer(t, nil)

		resp := ts.do(http.MethodPost, "/api/entitlements/monthly_appointments/consume?usage=2", "", ts.identity())

		require.Equal(t, http.StatusOK, resp.Code)
		assert.Equal(t, []int64{2}, ts.resolver.consumed)
	})

	t.Run("denied returns upgrade message", func(t *testing.T) {
		ts := newTestServer(t, nil)
		ts.resolver.deny = true

		resp := ts.do(http.MethodPost, "/api/entitlements/monthly_appointments/consume", "", ts.identity())

		require.Equal(t, http.StatusForbidden, resp.Code)
		payload := decodeError(t, resp)
		assert.Equal(t, "access_denied", payload.Type)
		assert.Equal(t, "monthly_appointments", payload.Feature)
		assert.Equal(t, "Actualiza tu plan", payload.Message)
	})

	t.Run("rbac denial is distinct and skips the resolver", func(t *testing.T) {
		ts := newTestServer(t, nil)
		ts.authz.denied[authorization.ActionUsageRecord] = true

		resp := ts.do(http.MethodPost, "/api/entitlements/monthly_appointments/consume", "", ts.identity())

		require.Equal(t, http.StatusForbidden, resp.Code)
		assert.Equal(t, "forbidden", decodeError(t, resp).Type)
		assert.Empty(t, ts.resolver.consumed)
	})

	t.Run("missing actor", func(t *testing.T) {
		ts := newTestServer(t, nil)

		resp := ts.do(http.MethodPost, "/api/entitlements/monthly_appointments/consume", "", map[string]string{
			HeaderTenantID: ts.tenantID.String(),
		})

		require.Equal(t, http.StatusUnauthorized, resp.Code)
		assert.Equal(t, "actor_required", decodeError(t, resp).Code)
	})
}

func TestEntitlementRateLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	limiter := ratelimit.NewEntitlementLimiter(client, ratelimit.EntitlementLimiterConfig{Rate: 0.001, Burst: 1}, zap.NewNop())
	ts := newTestServer(t, limiter)

	first := ts.do(http.MethodGet, "/api/entitlements/reports", "", ts.identity())
	require.Equal(t, http.StatusOK, first.Code)

	second := ts.do(http.MethodGet, "/api/entitlements/reports", "", ts.identity())
	require.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.NotEmpty(t, second.Header().Get("Retry-After"))
	assert.Len(t, ts.resolver.checks, 1)
}

func TestGetUsagePeriodValidation(t *testing.T) {
	ts := newTestServer(t, nil)

	ok := ts.do(http.MethodGet, "/api/usage?period=2025-03", "", ts.identity())
	require.Equal(t, http.StatusOK, ok.Code)

	bad := ts.do(http.MethodGet, "/api/usage?period=bogus", "", ts.identity())
	require.Equal(t, http.StatusBadRequest, bad.Code)
	assert.Equal(t, usagedomain.ErrInvalidPeriod.Error(), decodeError(t, bad).Code)
}

func TestCancelSubscriptionErrors(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		status   int
		errType  string
		wantCode string
	}{
		{"not found", subscriptiondomain.ErrSubscriptionNotFound, http.StatusNotFound, "not_found", "subscription_not_found"},
		{"terminal", fmt.Errorf("cancel: %w", subscriptiondomain.ErrInvalidState), http.StatusConflict, "invalid_state", "invalid_subscription_state"},
		{"provider down", subscriptiondomain.ErrUpstreamUnavailable, http.StatusServiceUnavailable, "upstream_unavailable", "payment_provider_unavailable"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ts := newTestServer(t, nil)
			ts.subs.cancelErr = tc.err

			resp := ts.do(http.MethodDelete, "/api/subscriptions/2002", `{"reason":"too expensive"}`, ts.identity())

			require.Equal(t, tc.status, resp.Code)
			payload := decodeError(t, resp)
			assert.Equal(t, tc.errType, payload.Type)
			assert.Equal(t, tc.wantCode, payload.Code)
		})
	}
}

func TestCancelSubscriptionWithoutBody(t *testing.T) {
	ts := newTestServer(t, nil)

	resp := ts.do(http.MethodDelete, "/api/subscriptions/2002", "", ts.identity())

	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, []string{""}, ts.subs.cancelled)
}

func TestGetSubscriptionRejectsBadID(t *testing.T) {
	ts := newTestServer(t, nil)

	resp := ts.do(http.MethodGet, "/api/subscriptions/not-a-number", "", ts.identity())

	require.Equal(t, http.StatusBadRequest, resp.Code)
	payload := decodeError(t, resp)
	require.Len(t, payload.Errors, 1)
	assert.Equal(t, "id", payload.Errors[0].Field)
}

func TestListSubscriptionPaymentsPassesPagination(t *testing.T) {
	ts := newTestServer(t, nil)

	resp := ts.do(http.MethodGet, "/api/subscriptions/2002/payments?page_size=5&page_token=abc", "", ts.identity())

	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, ts.tenantID, ts.reconciler.lastList.TenantID)
	assert.Equal(t, snowflake.ID(2002), ts.reconciler.lastList.SubscriptionID)
	assert.Equal(t, pagination.Pagination{PageToken: "abc", PageSize: 5}, ts.reconciler.lastList.Pagination)
}

func TestPaymentWebhook(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"acknowledged", nil, http.StatusOK},
		{"bad signature", billingdomain.ErrInvalidSignature, http.StatusUnauthorized},
		{"unknown provider", billingdomain.ErrProviderNotFound, http.StatusNotFound},
		{"malformed", billingdomain.ErrInvalidPayload, http.StatusBadRequest},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ts := newTestServer(t, nil)
			ts.reconciler.webhookErr = tc.err

			resp := ts.do(http.MethodPost, "/webhooks/mercadopago", `{"type":"payment","data":{"id":"1"}}`, nil)

			require.Equal(t, tc.status, resp.Code)
			assert.Equal(t, []string{"mercadopago"}, ts.reconciler.providers)
		})
	}
}

func TestAdminRoutes(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.subs.swept = 3

	missing := ts.do(http.MethodPost, "/admin/sweeps/expired-subscriptions", "", nil)
	require.Equal(t, http.StatusUnauthorized, missing.Code)

	wrong := ts.do(http.MethodPost, "/admin/sweeps/expired-subscriptions", "", map[string]string{HeaderAdminToken: "nope"})
	require.Equal(t, http.StatusForbidden, wrong.Code)

	ok := ts.do(http.MethodPost, "/admin/sweeps/expired-subscriptions", "", map[string]string{"Authorization": "Bearer s3cret"})
	require.Equal(t, http.StatusOK, ok.Code)
	var body struct {
		Data subscriptiondomain.SweepResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal(ok.Body.Bytes(), &body))
	assert.Equal(t, int64(3), body.Data.Expired)

	taken := ts.do(http.MethodPost, "/admin/tenants", `{"name":"Clinica","slug":"taken","owner_email":"a@b.cl"}`, map[string]string{HeaderAdminToken: "s3cret"})
	require.Equal(t, http.StatusConflict, taken.Code)
}

func TestAdminRoutesClosedWithoutToken(t *testing.T) {
	ts := newTestServer(t, nil)
	server := &Server{cfg: config.Config{}}
	router := gin.New()
	router.Use(ErrorHandlingMiddleware())
	router.POST("/admin/tenants", server.AdminRequired(), server.CreateTenant)
	ts.router = router

	resp := ts.do(http.MethodPost, "/admin/tenants", `{}`, map[string]string{HeaderAdminToken: ""})

	require.Equal(t, http.StatusForbidden, resp.Code)
}

func TestMapError(t *testing.T) {
	cases := []struct {
		name    string
		err     error
		status  int
		errType string
	}{
		{"subscription denied", &policy.SubscriptionDeniedError{Status: subscriptiondomain.StatusPending, Message: "pago pendiente"}, http.StatusForbidden, "subscription_required"},
		{"catalog configuration", &catalogdomain.ConfigurationError{Violations: []string{"plan \"x\": must include at least one core feature"}}, http.StatusInternalServerError, "configuration_error"},
		{"price not configured", subscriptiondomain.ErrPriceNotConfigured, http.StatusInternalServerError, "configuration_error"},
		{"live subscription", subscriptiondomain.ErrLiveSubscriptionExists, http.StatusConflict, "conflict"},
		{"trial not eligible", subscriptiondomain.ErrTrialNotEligible, http.StatusConflict, "invalid_state"},
		{"bad page token", pagination.ErrInvalidPageToken, http.StatusBadRequest, "validation_error"},
		{"tenant missing", tenantdomain.ErrTenantNotFound, http.StatusNotFound, "not_found"},
		{"unknown", fmt.Errorf("boom"), http.StatusInternalServerError, "internal_error"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, payload := mapError(tc.err)
			assert.Equal(t, tc.status, status)
			assert.Equal(t, tc.errType, payload.Type)
		})
	}

	_, payload := mapError(&policy.SubscriptionDeniedError{Status: subscriptiondomain.StatusSuspended, Message: "suspendida"})
	assert.Equal(t, "suspendida", payload.Message)
	assert.Equal(t, "suspended", payload.Status)
}

package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/oklog/ulid/v2"
	catalogdomain "github.com/smallbiznis/entitlements/internal/catalog/domain"
	"github.com/smallbiznis/entitlements/internal/clock"
	"github.com/smallbiznis/entitlements/internal/config"
	"github.com/smallbiznis/entitlements/internal/observability/metrics"
	"github.com/smallbiznis/entitlements/internal/subscription/domain"
	tenantdomain "github.com/smallbiznis/entitlements/internal/tenant/domain"
	"github.com/smallbiznis/entitlements/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	fallbackCurrency      = "CLP"
	reasonSuperseded      = "superseded"
	compensationTimeout   = 10 * time.Second
	defaultReconcileLimit = 100
	maxTransitionAttempts = 3
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Repo    domain.Repository
	Tenants tenantdomain.Service
	Catalog catalogdomain.Service
	Gateway domain.AuthorizationGateway `optional:"true"`
	Metrics *metrics.Metrics            `optional:"true"`
	Config  config.Config               `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	repo    domain.Repository
	tenants tenantdomain.Service
	catalog catalogdomain.Service
	gateway domain.AuthorizationGateway
	metrics *metrics.Metrics

	currency string
	backURL  string
}

func New(p Params) domain.Service {
	currency := strings.ToUpper(strings.TrimSpace(p.Config.Billing.DefaultCurrency))
	if currency == "" {
		currency = fallbackCurrency
	}
	backURL := strings.TrimSpace(p.Config.Billing.BackURL)
	if backURL == "" && p.Config.FrontendURL != "" {
		backURL = strings.TrimRight(p.Config.FrontendURL, "/") + "/subscription/success"
	}
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("subscription.service"),
		genID:    p.GenID,
		clock:    p.Clock,
		repo:     p.Repo,
		tenants:  p.Tenants,
		catalog:  p.Catalog,
		gateway:  p.Gateway,
		metrics:  p.Metrics,
		currency: currency,
		backURL:  backURL,
	}
}

func (s *Service) Create(ctx context.Context, req domain.CreateRequest) (*domain.Subscription, error) {
	if req.TenantID == 0 {
		return nil, domain.ErrInvalidTenant
	}
	if req.PlanID == 0 {
		return nil, domain.ErrInvalidPlan
	}

	tenant, err := s.tenants.Get(ctx, req.TenantID)
	if err != nil {
		return nil, err
	}
	plan, err := s.loadPlan(ctx, req.PlanID)
	if err != nil {
		return nil, err
	}

	cycle := req.BillingCycle
	if cycle == "" {
		cycle = catalogdomain.BillingCycleMonthly
	}
	if !cycle.Valid() {
		return nil, catalogdomain.ErrInvalidBillingCycle
	}

	if req.StartTrial {
		return s.startTrial(ctx, tenant, plan, cycle)
	}

	price := plan.Price(cycle)
	if price == nil || *price < 0 {
		return nil, domain.ErrPriceNotConfigured
	}

	now := s.clock.Now().UTC()
	endDate := domain.AddCycle(now, cycle)
	subscription := s.newSubscription(tenant.ID, plan, cycle, *price, now)
	subscription.EndDate = &endDate
	subscription.NextBillingDate = &endDate

	// Free tiers need no payment authorization.
	if *price == 0 {
		subscription.Status = domain.StatusActive
		return s.persist(ctx, subscription, nil)
	}

	email := strings.ToLower(strings.TrimSpace(req.PayerEmail))
	if email == "" || !strings.Contains(email, "@") {
		return nil, domain.ErrInvalidPayerEmail
	}
	backURL := strings.TrimSpace(req.BackURL)
	if backURL == "" {
		backURL = s.backURL
	}

	authorization, err := s.authorize(ctx, domain.AuthorizationRequest{
		PlanName:          plan.Name,
		TenantName:        tenant.Name,
		Amount:            *price,
		Currency:          subscription.Currency,
		BillingCycle:      cycle,
		PayerEmail:        email,
		StartDate:         now,
		EndDate:           endDate,
		BackURL:           backURL,
		ExternalReference: subscription.ExternalReference,
	})
	if err != nil {
		return nil, err
	}

	subscription.Status = domain.StatusPending
	subscription.PayerEmail = &email
	subscription.Provider = stringPtr(authorization.Provider)
	subscription.ProviderAuthorizationID = stringPtr(authorization.ExternalID)
	subscription.CheckoutURL = stringPtr(authorization.CheckoutURL)
	return s.persist(ctx, subscription, authorization)
}

func (s *Service) CreateTrial(ctx context.Context, tenantID, planID snowflake.ID) (*domain.Subscription, error) {
	return s.Create(ctx, domain.CreateRequest{
		TenantID:   tenantID,
		PlanID:     planID,
		StartTrial: true,
	})
}

func (s *Service) startTrial(ctx context.Context, tenant *tenantdomain.Tenant, plan *catalogdomain.Plan, cycle catalogdomain.BillingCycle) (*domain.Subscription, error) {
	if !plan.TrialEligible || plan.TrialDays <= 0 {
		return nil, domain.ErrTrialNotEligible
	}

	var amount int64
	if price := plan.Price(cycle); price != nil && *price > 0 {
		amount = *price
	}

	now := s.clock.Now().UTC()
	trialEnd := now.AddDate(0, 0, plan.TrialDays)
	subscription := s.newSubscription(tenant.ID, plan, cycle, amount, now)
	subscription.Status = domain.StatusTrial
	subscription.IsTrial = true
	subscription.TrialEndDate = &trialEnd
	subscription.EndDate = &trialEnd
	subscription.NextBillingDate = &trialEnd
	return s.persist(ctx, subscription, nil)
}

func (s *Service) newSubscription(tenantID snowflake.ID, plan *catalogdomain.Plan, cycle catalogdomain.BillingCycle, amount int64, now time.Time) *domain.Subscription {
	currency := strings.ToUpper(strings.TrimSpace(plan.Currency))
	if currency == "" {
		currency = s.currency
	}
	return &domain.Subscription{
		ID:                s.genID.Generate(),
		TenantID:          tenantID,
		PlanID:            plan.ID,
		BillingCycle:      cycle,
		Amount:            amount,
		Currency:          currency,
		StartDate:         now,
		AutoRenew:         true,
		ExternalReference: fmt.Sprintf("%s-%s", tenantID, ulid.Make()),
		Version:           1,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// persist supersedes the tenant's live subscriptions and inserts the new
// one in a single transaction. A failure after a successful authorization
// cancels that authorization again.
func (s *Service) persist(ctx context.Context, subscription *domain.Subscription, authorization *domain.Authorization) (*domain.Subscription, error) {
	var superseded []domain.Subscription
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		live, err := s.repo.ListLive(ctx, tx, subscription.TenantID)
		if err != nil {
			return err
		}
		if len(live) > 0 {
			if _, err := s.repo.CancelLive(ctx, tx, subscription.TenantID, reasonSuperseded, subscription.CreatedAt); err != nil {
				return err
			}
		}
		if err := s.repo.Insert(ctx, tx, subscription); err != nil {
			if db.IsDuplicateKeyErr(err) {
				return domain.ErrLiveSubscriptionExists
			}
			return err
		}
		superseded = live
		return nil
	})
	if err != nil {
		if authorization != nil {
			s.compensate(subscription, authorization)
		}
		if !errors.Is(err, domain.ErrLiveSubscriptionExists) {
			s.log.Error("failed to persist subscription",
				zap.String("tenant_id", subscription.TenantID.String()),
				zap.Error(err),
			)
		}
		return nil, err
	}

	for _, previous := range superseded {
		s.metrics.RecordSubscriptionTransition(ctx, string(previous.Status), string(domain.StatusCancelled), 1)
		s.releaseAuthorization(ctx, previous)
	}

	s.log.Info("subscription created",
		zap.String("subscription_id", subscription.ID.String()),
		zap.String("tenant_id", subscription.TenantID.String()),
		zap.String("plan_id", subscription.PlanID.String()),
		zap.String("status", string(subscription.Status)),
		zap.Int("superseded", len(superseded)),
	)
	return subscription, nil
}

func (s *Service) authorize(ctx context.Context, req domain.AuthorizationRequest) (*domain.Authorization, error) {
	if s.gateway == nil {
		s.log.Error("payment provider not configured")
		return nil, domain.ErrUpstreamUnavailable
	}
	authorization, err := s.gateway.CreateAuthorization(ctx, req)
	if err != nil {
		s.log.Error("failed to create payment authorization",
			zap.String("external_reference", req.ExternalReference),
			zap.Error(err),
		)
		return nil, domain.ErrUpstreamUnavailable
	}
	if authorization == nil || strings.TrimSpace(authorization.ExternalID) == "" {
		s.log.Error("payment provider returned an empty authorization",
			zap.String("external_reference", req.ExternalReference),
		)
		return nil, domain.ErrUpstreamUnavailable
	}
	return authorization, nil
}

func (s *Service) compensate(subscription *domain.Subscription, authorization *domain.Authorization) {
	ctx, cancel := context.WithTimeout(context.Background(), compensationTimeout)
	defer cancel()
	if err := s.gateway.CancelAuthorization(ctx, authorization.ExternalID); err != nil {
		s.log.Error("failed to cancel orphaned authorization",
			zap.String("authorization_id", authorization.ExternalID),
			zap.String("external_reference", subscription.ExternalReference),
			zap.Error(err),
		)
	}
}

// releaseAuthorization cancels the provider side of a superseded
// subscription. Failures only warn; the local record is already cancelled.
func (s *Service) releaseAuthorization(ctx context.Context, subscription domain.Subscription) {
	if subscription.IsTrial || subscription.ProviderAuthorizationID == nil || s.gateway == nil {
		return
	}
	if err := s.gateway.CancelAuthorization(ctx, *subscription.ProviderAuthorizationID); err != nil {
		s.log.Warn("failed to cancel superseded authorization",
			zap.String("subscription_id", subscription.ID.String()),
			zap.String("authorization_id", *subscription.ProviderAuthorizationID),
			zap.Error(err),
		)
	}
}

func (s *Service) Cancel(ctx context.Context, tenantID, subscriptionID snowflake.ID, reason string) (*domain.Subscription, error) {
	if tenantID == 0 {
		return nil, domain.ErrInvalidTenant
	}
	subscription, err := s.repo.FindForTenant(ctx, s.db, tenantID, subscriptionID)
	if err != nil {
		return nil, err
	}
	if subscription == nil {
		return nil, domain.ErrSubscriptionNotFound
	}
	if !subscription.Status.Live() {
		return nil, domain.ErrInvalidState
	}

	if !subscription.IsTrial && subscription.ProviderAuthorizationID != nil {
		if s.gateway == nil {
			return nil, domain.ErrUpstreamUnavailable
		}
		if err := s.gateway.CancelAuthorization(ctx, *subscription.ProviderAuthorizationID); err != nil {
			s.log.Error("failed to cancel payment authorization",
				zap.String("subscription_id", subscription.ID.String()),
				zap.Error(err),
			)
			return nil, domain.ErrUpstreamUnavailable
		}
	}

	now := s.clock.Now().UTC()
	fields := domain.Update{
		"cancelled_at": now,
		"auto_renew":   false,
	}
	if reason = strings.TrimSpace(reason); reason != "" {
		fields["cancellation_reason"] = reason
	}
	changed, err := s.repo.UpdateStatus(ctx, s.db, subscription.ID, domain.SourcesOf(domain.StatusCancelled), domain.StatusCancelled, fields, now)
	if err != nil {
		return nil, err
	}
	if !changed {
		// Another writer moved it to a terminal status first.
		return nil, domain.ErrInvalidState
	}
	s.metrics.RecordSubscriptionTransition(ctx, string(subscription.Status), string(domain.StatusCancelled), 1)

	s.log.Info("subscription cancelled",
		zap.String("subscription_id", subscription.ID.String()),
		zap.String("tenant_id", tenantID.String()),
	)
	return s.repo.FindByID(ctx, s.db, subscription.ID)
}

func (s *Service) ConvertTrialToPaid(ctx context.Context, req domain.ConvertTrialRequest) (*domain.Subscription, error) {
	if req.TenantID == 0 {
		return nil, domain.ErrInvalidTenant
	}
	trial, err := s.repo.FindForTenant(ctx, s.db, req.TenantID, req.SubscriptionID)
	if err != nil {
		return nil, err
	}
	if trial == nil {
		return nil, domain.ErrSubscriptionNotFound
	}
	if !trial.IsTrial || (trial.Status != domain.StatusTrial && trial.Status != domain.StatusExpired) {
		return nil, domain.ErrInvalidState
	}

	// A live trial is superseded by Create inside the same transaction
	// that inserts the paid subscription.
	return s.Create(ctx, domain.CreateRequest{
		TenantID:     req.TenantID,
		PlanID:       trial.PlanID,
		BillingCycle: req.BillingCycle,
		PayerEmail:   req.PayerEmail,
		BackURL:      req.BackURL,
	})
}

func (s *Service) GetCurrent(ctx context.Context, tenantID snowflake.ID) (*domain.Subscription, error) {
	if tenantID == 0 {
		return nil, domain.ErrInvalidTenant
	}
	subscription, err := s.repo.FindLive(ctx, s.db, tenantID)
	if err != nil {
		return nil, err
	}
	if subscription == nil {
		return nil, domain.ErrSubscriptionNotFound
	}
	return subscription, nil
}

func (s *Service) Get(ctx context.Context, tenantID, subscriptionID snowflake.ID) (*domain.Subscription, error) {
	if tenantID == 0 {
		return nil, domain.ErrInvalidTenant
	}
	subscription, err := s.repo.FindForTenant(ctx, s.db, tenantID, subscriptionID)
	if err != nil {
		return nil, err
	}
	if subscription == nil {
		return nil, domain.ErrSubscriptionNotFound
	}
	return subscription, nil
}

func (s *Service) GetByID(ctx context.Context, subscriptionID snowflake.ID) (*domain.Subscription, error) {
	subscription, err := s.repo.FindByID(ctx, s.db, subscriptionID)
	if err != nil {
		return nil, err
	}
	if subscription == nil {
		return nil, domain.ErrSubscriptionNotFound
	}
	return subscription, nil
}

func (s *Service) FindByAuthorization(ctx context.Context, authorizationID string) (*domain.Subscription, error) {
	authorizationID = strings.TrimSpace(authorizationID)
	if authorizationID == "" {
		return nil, domain.ErrInvalidSubscription
	}
	subscription, err := s.repo.FindByAuthorizationID(ctx, s.db, authorizationID)
	if err != nil {
		return nil, err
	}
	if subscription == nil {
		return nil, domain.ErrSubscriptionNotFound
	}
	return subscription, nil
}

func (s *Service) FindLatestBillable(ctx context.Context, tenantID snowflake.ID) (*domain.Subscription, error) {
	subscription, err := s.repo.FindLatestInStatus(ctx, s.db, tenantID, []domain.Status{domain.StatusActive, domain.StatusPending})
	if err != nil {
		return nil, err
	}
	if subscription == nil {
		return nil, domain.ErrSubscriptionNotFound
	}
	return subscription, nil
}

func (s *Service) Transition(ctx context.Context, subscriptionID snowflake.ID, target domain.Status, reason string) (bool, error) {
	if !target.Valid() {
		return false, domain.ErrInvalidTargetStatus
	}

	for attempt := 0; attempt < maxTransitionAttempts; attempt++ {
		subscription, err := s.repo.FindByID(ctx, s.db, subscriptionID)
		if err != nil {
			return false, err
		}
		if subscription == nil {
			return false, domain.ErrSubscriptionNotFound
		}
		if subscription.Status == target {
			return false, nil
		}
		if !domain.CanTransition(subscription.Status, target) {
			return false, domain.ErrInvalidState
		}

		now := s.clock.Now().UTC()
		fields := domain.Update{}
		if target == domain.StatusCancelled {
			fields["cancelled_at"] = now
			fields["auto_renew"] = false
			if reason = strings.TrimSpace(reason); reason != "" {
				fields["cancellation_reason"] = reason
			}
		}

		// Guarded by the status we observed so a concurrent writer is
		// never overwritten with a decision made on stale state.
		changed, err := s.repo.UpdateStatus(ctx, s.db, subscription.ID, []domain.Status{subscription.Status}, target, fields, now)
		if err != nil {
			return false, err
		}
		if changed {
			s.metrics.RecordSubscriptionTransition(ctx, string(subscription.Status), string(target), 1)
			s.log.Info("subscription transitioned",
				zap.String("subscription_id", subscription.ID.String()),
				zap.String("from", string(subscription.Status)),
				zap.String("to", string(target)),
				zap.String("reason", reason),
			)
			return true, nil
		}
	}
	return false, domain.ErrConcurrentUpdate
}

func (s *Service) ExtendOnPayment(ctx context.Context, subscriptionID snowflake.ID) (*domain.Subscription, error) {
	var extended *domain.Subscription
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		extended, err = s.ExtendOnPaymentTx(ctx, tx, subscriptionID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return extended, nil
}

func (s *Service) ExtendOnPaymentTx(ctx context.Context, tx *gorm.DB, subscriptionID snowflake.ID) (*domain.Subscription, error) {
	for attempt := 0; attempt < maxTransitionAttempts; attempt++ {
		subscription, err := s.repo.FindByID(ctx, tx, subscriptionID)
		if err != nil {
			return nil, err
		}
		if subscription == nil {
			return nil, domain.ErrSubscriptionNotFound
		}
		if !subscription.Status.Live() {
			return nil, domain.ErrInvalidState
		}

		now := s.clock.Now().UTC()
		base := now
		switch {
		case subscription.EndDate != nil:
			base = *subscription.EndDate
		case subscription.NextBillingDate != nil:
			base = *subscription.NextBillingDate
		}
		endDate := domain.AddCycle(base.UTC(), subscription.BillingCycle)

		ok, err := s.repo.UpdateVersioned(ctx, tx, subscription.ID, subscription.Version, domain.Update{
			"status":            domain.StatusActive,
			"end_date":          endDate,
			"next_billing_date": endDate,
		}, now)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}

		if subscription.Status != domain.StatusActive {
			s.metrics.RecordSubscriptionTransition(ctx, string(subscription.Status), string(domain.StatusActive), 1)
		}
		s.log.Info("subscription extended",
			zap.String("subscription_id", subscription.ID.String()),
			zap.Time("end_date", endDate),
		)
		subscription.Status = domain.StatusActive
		subscription.EndDate = &endDate
		subscription.NextBillingDate = &endDate
		subscription.Version++
		subscription.UpdatedAt = now
		return subscription, nil
	}
	return nil, domain.ErrConcurrentUpdate
}

func (s *Service) SweepExpiredTrials(ctx context.Context) (domain.SweepResult, error) {
	now := s.clock.Now().UTC()
	count, err := s.repo.ExpireTrials(ctx, s.db, now)
	if err != nil {
		return domain.SweepResult{}, err
	}
	if count > 0 {
		s.metrics.RecordSubscriptionTransition(ctx, string(domain.StatusTrial), string(domain.StatusExpired), count)
		s.log.Info("expired trials", zap.Int64("count", count))
	}
	return domain.SweepResult{Expired: count}, nil
}

func (s *Service) SweepExpiredSubscriptions(ctx context.Context) (domain.SweepResult, error) {
	now := s.clock.Now().UTC()
	count, err := s.repo.ExpireSubscriptions(ctx, s.db, now)
	if err != nil {
		return domain.SweepResult{}, err
	}
	if count > 0 {
		s.metrics.RecordSubscriptionTransition(ctx, string(domain.StatusActive), string(domain.StatusExpired), count)
		s.log.Info("expired subscriptions", zap.Int64("count", count))
	}
	return domain.SweepResult{Expired: count}, nil
}

func (s *Service) ListTrialsEndingWithin(ctx context.Context, window time.Duration) ([]domain.Subscription, error) {
	now := s.clock.Now().UTC()
	return s.repo.ListTrialsEndingBetween(ctx, s.db, now, now.Add(window))
}

func (s *Service) MarkReminded(ctx context.Context, subscriptionID snowflake.ID) (bool, error) {
	now := s.clock.Now().UTC()
	startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return s.repo.MarkReminded(ctx, s.db, subscriptionID, startOfDay, now)
}

func (s *Service) ListPendingForReconcile(ctx context.Context, olderThan time.Duration, limit int) ([]domain.Subscription, error) {
	if limit <= 0 {
		limit = defaultReconcileLimit
	}
	before := s.clock.Now().UTC().Add(-olderThan)
	return s.repo.ListPendingCreatedBefore(ctx, s.db, before, limit)
}

func (s *Service) loadPlan(ctx context.Context, planID snowflake.ID) (*catalogdomain.Plan, error) {
	plan, err := s.catalog.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	if !plan.IsActive {
		return nil, catalogdomain.ErrPlanNotFound
	}
	return plan, nil
}

func stringPtr(value string) *string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	return &value
}

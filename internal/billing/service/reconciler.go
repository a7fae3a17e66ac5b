package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/entitlements/internal/alert"
	"github.com/smallbiznis/entitlements/internal/billing/domain"
	"github.com/smallbiznis/entitlements/internal/clock"
	"github.com/smallbiznis/entitlements/internal/observability/metrics"
	subscriptiondomain "github.com/smallbiznis/entitlements/internal/subscription/domain"
	"github.com/smallbiznis/entitlements/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	pendingReconcileAge   = 15 * time.Minute
	pendingReconcileBatch = 100
)

type Params struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	GenID         *snowflake.Node
	Clock         clock.Clock
	Repo          domain.Repository
	Subscriptions subscriptiondomain.Service
	Adapters      domain.Adapters
	Alerts        alert.Reporter   `optional:"true"`
	Metrics       *metrics.Metrics `optional:"true"`
}

type Reconciler struct {
	db            *gorm.DB
	log           *zap.Logger
	genID         *snowflake.Node
	clock         clock.Clock
	repo          domain.Repository
	subscriptions subscriptiondomain.Service
	adapters      domain.Adapters
	alerts        alert.Reporter
	metrics       *metrics.Metrics
}

func New(p Params) domain.Reconciler {
	alerts := p.Alerts
	if alerts == nil {
		alerts = alert.Nop{}
	}
	return &Reconciler{
		db:            p.DB,
		log:           p.Log.Named("billing.reconciler"),
		genID:         p.GenID,
		clock:         p.Clock,
		repo:          p.Repo,
		subscriptions: p.Subscriptions,
		adapters:      p.Adapters,
		alerts:        alerts,
		metrics:       p.Metrics,
	}
}

func (r *Reconciler) HandleWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) error {
	provider = strings.ToLower(strings.TrimSpace(provider))
	adapter, ok := r.adapters.Get(provider)
	if !ok {
		return domain.ErrProviderNotFound
	}
	if !json.Valid(payload) {
		return domain.ErrInvalidPayload
	}
	if err := adapter.Verify(ctx, payload, headers); err != nil {
		r.log.Warn("webhook signature rejected", zap.String("provider", provider), zap.Error(err))
		if errors.Is(err, domain.ErrInvalidPayload) {
			return domain.ErrInvalidPayload
		}
		return domain.ErrInvalidSignature
	}

	event, err := adapter.Parse(ctx, payload, headers)
	if err != nil {
		if errors.Is(err, domain.ErrEventIgnored) {
			r.log.Debug("webhook ignored", zap.String("provider", provider))
			return nil
		}
		r.report(ctx, provider, "", "failed to parse provider webhook", err)
		return nil
	}
	if event.Provider == "" {
		event.Provider = provider
	}

	if err := r.HandleEvent(ctx, event); err != nil {
		r.report(ctx, provider, event.ProviderEventID, "failed to reconcile provider event", err)
	}
	return nil
}

func (r *Reconciler) report(ctx context.Context, provider, eventID, message string, err error) {
	r.alerts.Report(ctx, alert.Alert{
		Source:   "billing.reconciler",
		Severity: alert.SeverityError,
		Message:  message,
		Fields: map[string]string{
			"provider": provider,
			"event_id": eventID,
			"error":    err.Error(),
		},
	})
}

func (r *Reconciler) HandleEvent(ctx context.Context, event *domain.ProviderEvent) error {
	if err := validateEvent(event); err != nil {
		return err
	}

	now := r.clock.Now().UTC()
	record := domain.EventRecord{
		ID:              r.genID.Generate(),
		Provider:        event.Provider,
		ProviderEventID: event.ProviderEventID,
		Kind:            event.Kind,
		Payload:         eventPayload(event),
		ReceivedAt:      now,
	}
	inserted, err := r.repo.InsertEvent(ctx, r.db, &record)
	if err != nil {
		return err
	}
	recordID := record.ID
	if !inserted {
		stored, err := r.repo.FindEvent(ctx, r.db, event.Provider, event.ProviderEventID)
		if err != nil {
			return err
		}
		if stored == nil {
			return domain.ErrInvalidEvent
		}
		if stored.ProcessedAt != nil {
			r.log.Debug("provider event already processed",
				zap.String("provider", event.Provider),
				zap.String("provider_event_id", event.ProviderEventID),
			)
			r.metrics.RecordBillingEvent(ctx, event.Provider, string(event.Kind), "duplicate")
			return nil
		}
		recordID = stored.ID
	}

	var result string
	switch event.Kind {
	case domain.EventKindAuthorization:
		result, err = r.applyAuthorization(ctx, event)
	case domain.EventKindPayment:
		result, err = r.applyPayment(ctx, event)
	}
	if err != nil {
		r.metrics.RecordBillingEvent(ctx, event.Provider, string(event.Kind), "failed")
		return err
	}

	if err := r.repo.MarkEventProcessed(ctx, r.db, recordID, r.clock.Now().UTC()); err != nil {
		return err
	}
	r.metrics.RecordBillingEvent(ctx, event.Provider, string(event.Kind), result)
	return nil
}

func validateEvent(event *domain.ProviderEvent) error {
	if event == nil {
		return domain.ErrInvalidEvent
	}
	event.Provider = strings.ToLower(strings.TrimSpace(event.Provider))
	event.ProviderEventID = strings.TrimSpace(event.ProviderEventID)
	if event.Provider == "" || event.ProviderEventID == "" {
		return domain.ErrInvalidEvent
	}
	switch event.Kind {
	case domain.EventKindAuthorization:
		if event.Authorization == nil || strings.TrimSpace(event.Authorization.AuthorizationID) == "" {
			return domain.ErrInvalidEvent
		}
	case domain.EventKindPayment:
		if event.Payment == nil || strings.TrimSpace(event.Payment.ProviderPaymentID) == "" {
			return domain.ErrInvalidEvent
		}
	default:
		return domain.ErrInvalidEvent
	}
	return nil
}

func eventPayload(event *domain.ProviderEvent) datatypes.JSON {
	if len(event.RawPayload) > 0 && json.Valid(event.RawPayload) {
		return datatypes.JSON(event.RawPayload)
	}
	// Polled events have no webhook body; keep the canonical update instead.
	var body any = event.Authorization
	if event.Kind == domain.EventKindPayment {
		body = event.Payment
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return datatypes.JSON("{}")
	}
	return datatypes.JSON(raw)
}

func (r *Reconciler) applyAuthorization(ctx context.Context, event *domain.ProviderEvent) (string, error) {
	update := event.Authorization
	log := r.log.With(
		zap.String("provider", event.Provider),
		zap.String("authorization_id", update.AuthorizationID),
		zap.String("provider_status", update.ProviderStatus),
	)

	target, ok := domain.MapAuthorizationStatus(update.ProviderStatus)
	if !ok {
		log.Warn("unmapped authorization status")
		return "ignored", nil
	}

	subscription, err := r.subscriptions.FindByAuthorization(ctx, update.AuthorizationID)
	if errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound) {
		log.Warn("no subscription for authorization")
		return "ignored", nil
	}
	if err != nil {
		return "", err
	}

	changed, err := r.subscriptions.Transition(ctx, subscription.ID, target, "provider:"+update.ProviderStatus)
	if errors.Is(err, subscriptiondomain.ErrInvalidState) {
		// Stale or out-of-order delivery against a terminal subscription.
		log.Warn("authorization update not applicable",
			zap.String("subscription_id", subscription.ID.String()),
			zap.String("status", string(subscription.Status)),
		)
		return "ignored", nil
	}
	if err != nil {
		return "", err
	}
	if !changed {
		return "unchanged", nil
	}
	log.Info("reconcile.authorization.applied",
		zap.String("subscription_id", subscription.ID.String()),
		zap.String("status", string(target)),
	)
	return "applied", nil
}

func (r *Reconciler) applyPayment(ctx context.Context, event *domain.ProviderEvent) (string, error) {
	update := event.Payment
	subscription, err := r.resolvePaymentSubscription(ctx, update)
	if err != nil {
		return "", err
	}

	status := domain.MapPaymentStatus(update.ProviderStatus)
	now := r.clock.Now().UTC()
	extended := false

	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		payment, err := r.upsertPayment(ctx, tx, event.Provider, subscription, update, status, now)
		if err != nil {
			return err
		}
		status = payment.Status
		if status != domain.PaymentStatusApproved {
			return nil
		}

		paidAt := now
		if update.ApprovedAt != nil {
			paidAt = update.ApprovedAt.UTC()
		}
		first, err := r.repo.MarkPaid(ctx, tx, payment.ID, paidAt)
		if err != nil {
			return err
		}
		if !first {
			return nil
		}

		_, err = r.subscriptions.ExtendOnPaymentTx(ctx, tx, subscription.ID)
		if errors.Is(err, subscriptiondomain.ErrInvalidState) {
			r.log.Warn("approved payment for a terminal subscription",
				zap.String("subscription_id", subscription.ID.String()),
				zap.String("provider_payment_id", update.ProviderPaymentID),
			)
			return nil
		}
		if err != nil {
			return err
		}
		extended = true
		return nil
	})
	if err != nil {
		return "", err
	}

	r.log.Info("reconcile.payment.applied",
		zap.String("provider", event.Provider),
		zap.String("provider_payment_id", update.ProviderPaymentID),
		zap.String("subscription_id", subscription.ID.String()),
		zap.String("status", string(status)),
		zap.Bool("extended", extended),
	)
	return "applied", nil
}

// upsertPayment records the report against the payment row keyed by the
// provider payment id. The returned payment carries the status actually
// stored, which stays put when the report is older than what is recorded.
func (r *Reconciler) upsertPayment(
	ctx context.Context,
	tx *gorm.DB,
	provider string,
	subscription *subscriptiondomain.Subscription,
	update *domain.PaymentUpdate,
	status domain.PaymentStatus,
	now time.Time,
) (*domain.Payment, error) {
	currency := update.Currency
	if currency == "" {
		currency = subscription.Currency
	}
	stored, err := r.repo.UpsertPayment(ctx, tx, &domain.Payment{
		ID:                r.genID.Generate(),
		TenantID:          subscription.TenantID,
		SubscriptionID:    subscription.ID,
		Provider:          provider,
		ProviderPaymentID: update.ProviderPaymentID,
		Amount:            update.Amount,
		Currency:          currency,
		Status:            status,
		ProviderStatus:    update.ProviderStatus,
		StatusDetail:      update.StatusDetail,
		PaymentMethodID:   update.PaymentMethodID,
		CreatedAt:         now,
		UpdatedAt:         now,
	})
	if err != nil {
		return nil, err
	}

	applied, err := r.repo.UpdatePaymentStatus(ctx, tx, stored.ID, domain.PaymentStatusUpdate{
		Status:          status,
		ProviderStatus:  update.ProviderStatus,
		StatusDetail:    update.StatusDetail,
		PaymentMethodID: update.PaymentMethodID,
		Amount:          update.Amount,
		UpdatedAt:       now,
	})
	if err != nil {
		return nil, err
	}
	if !applied {
		r.log.Warn("stale payment status ignored",
			zap.String("provider_payment_id", update.ProviderPaymentID),
			zap.String("stored_status", string(stored.Status)),
			zap.String("reported_status", string(status)),
		)
		return stored, nil
	}
	stored.Status = status
	stored.ProviderStatus = update.ProviderStatus
	return stored, nil
}

// resolvePaymentSubscription finds the subscription a payment belongs to,
// first by authorization, then through the tenant encoded in the external
// reference ("<tenantId>-<suffix>").
func (r *Reconciler) resolvePaymentSubscription(ctx context.Context, update *domain.PaymentUpdate) (*subscriptiondomain.Subscription, error) {
	if id := strings.TrimSpace(update.AuthorizationID); id != "" {
		subscription, err := r.subscriptions.FindByAuthorization(ctx, id)
		if err == nil {
			return subscription, nil
		}
		if !errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound) {
			return nil, err
		}
	}

	tenantRaw, _, _ := strings.Cut(strings.TrimSpace(update.ExternalReference), "-")
	tenantID, err := snowflake.ParseString(tenantRaw)
	if err != nil || tenantID == 0 {
		return nil, fmt.Errorf("%w: payment %s", domain.ErrInvalidPaymentRef, update.ProviderPaymentID)
	}
	subscription, err := r.subscriptions.FindLatestBillable(ctx, tenantID)
	if errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound) {
		return nil, fmt.Errorf("%w: payment %s", domain.ErrInvalidPaymentRef, update.ProviderPaymentID)
	}
	if err != nil {
		return nil, err
	}
	return subscription, nil
}

func (r *Reconciler) ReconcilePending(ctx context.Context) (domain.ReconcileResult, error) {
	var result domain.ReconcileResult
	subscriptions, err := r.subscriptions.ListPendingForReconcile(ctx, pendingReconcileAge, pendingReconcileBatch)
	if err != nil {
		return result, err
	}

	for _, subscription := range subscriptions {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.Checked++
		if subscription.Provider == nil || subscription.ProviderAuthorizationID == nil {
			continue
		}
		adapter, ok := r.adapters.Get(*subscription.Provider)
		if !ok {
			result.Failed++
			r.log.Warn("pending subscription uses a disabled provider",
				zap.String("subscription_id", subscription.ID.String()),
				zap.String("provider", *subscription.Provider),
			)
			continue
		}

		event, err := adapter.FetchAuthorization(ctx, *subscription.ProviderAuthorizationID)
		if err != nil {
			result.Failed++
			r.log.Warn("failed to poll authorization",
				zap.String("subscription_id", subscription.ID.String()),
				zap.Error(err),
			)
			continue
		}
		if event.Provider == "" {
			event.Provider = adapter.Provider()
		}
		if err := r.HandleEvent(ctx, event); err != nil {
			result.Failed++
			r.report(ctx, event.Provider, event.ProviderEventID, "failed to reconcile polled authorization", err)
			continue
		}
		result.Applied++
	}

	r.log.Info("reconcile.pending.finish",
		zap.Int("checked", result.Checked),
		zap.Int("applied", result.Applied),
		zap.Int("failed", result.Failed),
	)
	return result, nil
}

func (r *Reconciler) ListPayments(ctx context.Context, req domain.ListPaymentsRequest) (*domain.ListPaymentsResponse, error) {
	if req.TenantID == 0 {
		return nil, domain.ErrInvalidTenant
	}
	subscription, err := r.subscriptions.Get(ctx, req.TenantID, req.SubscriptionID)
	if err != nil {
		return nil, err
	}

	cursor, err := pagination.DecodeCursor(req.PageToken)
	if err != nil {
		return nil, err
	}
	var after *domain.PaymentCursor
	if cursor != nil {
		id, err := snowflake.ParseString(cursor.ID)
		if err != nil {
			return nil, pagination.ErrInvalidPageToken
		}
		createdAt, err := time.Parse(time.RFC3339Nano, cursor.CreatedAt)
		if err != nil {
			return nil, pagination.ErrInvalidPageToken
		}
		after = &domain.PaymentCursor{ID: id, CreatedAt: createdAt}
	}

	limit := req.Size()
	items, err := r.repo.ListPayments(ctx, r.db, subscription.ID, after, limit+1)
	if err != nil {
		return nil, err
	}
	payments, pageInfo, err := pagination.Page(items, limit, func(p domain.Payment) pagination.Cursor {
		return pagination.Cursor{
			ID:        p.ID.String(),
			CreatedAt: p.CreatedAt.UTC().Format(time.RFC3339Nano),
		}
	})
	if err != nil {
		return nil, err
	}
	if payments == nil {
		payments = []domain.Payment{}
	}
	return &domain.ListPaymentsResponse{Payments: payments, PageInfo: pageInfo}, nil
}

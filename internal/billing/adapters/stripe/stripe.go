package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gosimple/slug"
	"github.com/smallbiznis/entitlements/internal/billing/domain"
	subscriptiondomain "github.com/smallbiznis/entitlements/internal/subscription/domain"
	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/customer"
	"github.com/stripe/stripe-go/v82/subscription"
	"github.com/stripe/stripe-go/v82/webhook"
)

const Provider = "stripe"

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return Provider
}

func (f *Factory) NewAdapter(cfg domain.AdapterConfig) (domain.Adapter, error) {
	key, _ := readString(cfg.Config, "secret_key")
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, domain.ErrInvalidConfig
	}
	secret, _ := readString(cfg.Config, "webhook_secret")
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, domain.ErrInvalidConfig
	}
	prices, _ := cfg.Config["prices"].(map[string]string)

	backend := stripelib.GetBackend(stripelib.APIBackend)
	return &Adapter{
		webhookSecret: secret,
		prices:        prices,
		customers:     customer.Client{B: backend, Key: key},
		subscriptions: subscription.Client{B: backend, Key: key},
	}, nil
}

type Adapter struct {
	webhookSecret string
	// prices maps "<plan-slug>:<cycle>" to a Stripe price id.
	prices        map[string]string
	customers     customer.Client
	subscriptions subscription.Client
}

func (a *Adapter) Provider() string {
	return Provider
}

func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	sigHeader := strings.TrimSpace(headers.Get("Stripe-Signature"))
	if sigHeader == "" {
		return domain.ErrInvalidSignature
	}
	if _, err := a.construct(payload, sigHeader); err != nil {
		return domain.ErrInvalidSignature
	}
	return nil
}

func (a *Adapter) construct(payload []byte, sigHeader string) (stripelib.Event, error) {
	return webhook.ConstructEventWithOptions(payload, sigHeader, a.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
}

func (a *Adapter) Parse(ctx context.Context, payload []byte, headers http.Header) (*domain.ProviderEvent, error) {
	event, err := a.construct(payload, strings.TrimSpace(headers.Get("Stripe-Signature")))
	if err != nil {
		return nil, domain.ErrInvalidSignature
	}
	if strings.TrimSpace(event.ID) == "" || event.Data == nil {
		return nil, domain.ErrInvalidEvent
	}

	var parsed *domain.ProviderEvent
	switch eventType := string(event.Type); eventType {
	case "customer.subscription.created",
		"customer.subscription.updated",
		"customer.subscription.deleted",
		"customer.subscription.paused",
		"customer.subscription.resumed":
		parsed, err = parseSubscription(event)
	case "invoice.paid":
		parsed, err = parseInvoice(event, "paid")
	case "invoice.payment_failed":
		parsed, err = parseInvoice(event, "failed")
	default:
		return nil, domain.ErrEventIgnored
	}
	if err != nil {
		return nil, err
	}
	parsed.ProviderEventID = event.ID
	parsed.RawPayload = payload
	return parsed, nil
}

func parseSubscription(event stripelib.Event) (*domain.ProviderEvent, error) {
	var sub stripelib.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	if strings.TrimSpace(sub.ID) == "" {
		return nil, domain.ErrInvalidEvent
	}
	return subscriptionEvent(&sub, timestamp(event.Created, 0)), nil
}

func subscriptionEvent(sub *stripelib.Subscription, occurredAt time.Time) *domain.ProviderEvent {
	return &domain.ProviderEvent{
		Provider:   Provider,
		Kind:       domain.EventKindAuthorization,
		OccurredAt: occurredAt,
		Authorization: &domain.AuthorizationUpdate{
			AuthorizationID:   sub.ID,
			ProviderStatus:    string(sub.Status),
			ExternalReference: sub.Metadata["external_reference"],
		},
	}
}

type stripeInvoice struct {
	ID                string         `json:"id"`
	AmountPaid        int64          `json:"amount_paid"`
	AmountDue         int64          `json:"amount_due"`
	Currency          string         `json:"currency"`
	Created           int64          `json:"created"`
	Subscription      string         `json:"subscription"`
	Metadata          map[string]any `json:"metadata"`
	StatusTransitions struct {
		PaidAt int64 `json:"paid_at"`
	} `json:"status_transitions"`
	Parent struct {
		SubscriptionDetails struct {
			Subscription string         `json:"subscription"`
			Metadata     map[string]any `json:"metadata"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

func parseInvoice(event stripelib.Event, status string) (*domain.ProviderEvent, error) {
	var invoice stripeInvoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	if strings.TrimSpace(invoice.ID) == "" {
		return nil, domain.ErrInvalidEvent
	}

	subscriptionID := invoice.Parent.SubscriptionDetails.Subscription
	if subscriptionID == "" {
		subscriptionID = invoice.Subscription
	}
	reference := readMetadataValue(invoice.Parent.SubscriptionDetails.Metadata, "external_reference")
	if reference == "" {
		reference = readMetadataValue(invoice.Metadata, "external_reference")
	}
	amount := invoice.AmountPaid
	if amount <= 0 {
		amount = invoice.AmountDue
	}

	update := &domain.PaymentUpdate{
		ProviderPaymentID: invoice.ID,
		ProviderStatus:    status,
		Amount:            amount,
		Currency:          strings.ToUpper(strings.TrimSpace(invoice.Currency)),
		AuthorizationID:   subscriptionID,
		ExternalReference: reference,
	}
	if status == "paid" {
		paidAt := timestamp(invoice.StatusTransitions.PaidAt, event.Created)
		update.ApprovedAt = &paidAt
	}
	return &domain.ProviderEvent{
		Provider:   Provider,
		Kind:       domain.EventKindPayment,
		OccurredAt: timestamp(invoice.Created, event.Created),
		Payment:    update,
	}, nil
}

func (a *Adapter) CreateAuthorization(ctx context.Context, req subscriptiondomain.AuthorizationRequest) (*subscriptiondomain.Authorization, error) {
	priceKey := fmt.Sprintf("%s:%s", slug.Make(req.PlanName), req.BillingCycle)
	priceID := strings.TrimSpace(a.prices[priceKey])
	if priceID == "" {
		return nil, fmt.Errorf("%w: no stripe price for %s", domain.ErrInvalidConfig, priceKey)
	}

	customerParams := &stripelib.CustomerParams{
		Email: stripelib.String(req.PayerEmail),
		Name:  stripelib.String(req.TenantName),
		Metadata: map[string]string{
			"external_reference": req.ExternalReference,
		},
	}
	customerParams.Context = ctx
	cust, err := a.customers.New(customerParams)
	if err != nil {
		return nil, wrap("create customer", err)
	}

	params := &stripelib.SubscriptionParams{
		Customer: stripelib.String(cust.ID),
		Items: []*stripelib.SubscriptionItemsParams{
			{Price: stripelib.String(priceID)},
		},
		PaymentBehavior: stripelib.String("default_incomplete"),
		Metadata: map[string]string{
			"external_reference": req.ExternalReference,
		},
	}
	params.Context = ctx
	params.AddExpand("latest_invoice")
	sub, err := a.subscriptions.New(params)
	if err != nil {
		return nil, wrap("create subscription", err)
	}

	authorization := &subscriptiondomain.Authorization{
		Provider:   Provider,
		ExternalID: sub.ID,
		Status:     string(sub.Status),
	}
	if sub.LatestInvoice != nil {
		authorization.CheckoutURL = sub.LatestInvoice.HostedInvoiceURL
	}
	return authorization, nil
}

func (a *Adapter) CancelAuthorization(ctx context.Context, authorizationID string) error {
	authorizationID = strings.TrimSpace(authorizationID)
	if authorizationID == "" {
		return domain.ErrInvalidEvent
	}
	params := &stripelib.SubscriptionCancelParams{}
	params.Context = ctx
	if _, err := a.subscriptions.Cancel(authorizationID, params); err != nil {
		return wrap("cancel subscription", err)
	}
	return nil
}

func (a *Adapter) FetchAuthorization(ctx context.Context, authorizationID string) (*domain.ProviderEvent, error) {
	params := &stripelib.SubscriptionParams{}
	params.Context = ctx
	sub, err := a.subscriptions.Get(authorizationID, params)
	if err != nil {
		return nil, wrap("get subscription", err)
	}
	event := subscriptionEvent(sub, time.Now().UTC())
	event.ProviderEventID = fmt.Sprintf("subscription:%s:%s", sub.ID, sub.Status)
	return event, nil
}

func wrap(op string, err error) error {
	var stripeErr *stripelib.Error
	if errors.As(err, &stripeErr) {
		return fmt.Errorf("%w: %s: %s (%d)", domain.ErrProviderRequest, op, stripeErr.Msg, stripeErr.HTTPStatusCode)
	}
	return fmt.Errorf("%w: %s: %v", domain.ErrProviderRequest, op, err)
}

func timestamp(primary int64, fallback int64) time.Time {
	value := primary
	if value == 0 {
		value = fallback
	}
	if value == 0 {
		return time.Now().UTC()
	}
	return time.Unix(value, 0).UTC()
}

func readMetadataValue(metadata map[string]any, key string) string {
	if metadata == nil {
		return ""
	}
	switch cast := metadata[key].(type) {
	case string:
		return strings.TrimSpace(cast)
	case float64:
		return strconv.FormatInt(int64(cast), 10)
	case json.Number:
		return cast.String()
	}
	return ""
}

func readString(config map[string]any, key string) (string, bool) {
	value, ok := config[key]
	if !ok {
		return "", false
	}
	cast, ok := value.(string)
	return cast, ok
}

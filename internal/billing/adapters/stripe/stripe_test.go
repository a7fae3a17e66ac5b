package stripe

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/smallbiznis/entitlements/internal/billing/domain"
	catalogdomain "github.com/smallbiznis/entitlements/internal/catalog/domain"
	subscriptiondomain "github.com/smallbiznis/entitlements/internal/subscription/domain"
	"github.com/stripe/stripe-go/v82/webhook"
)

const testSecret = "whsec_test_secret"

func newTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	adapter, err := NewFactory().NewAdapter(domain.AdapterConfig{
		Provider: Provider,
		Config: map[string]any{
			"secret_key":     "sk_test_123",
			"webhook_secret": testSecret,
			"prices":         map[string]string{"basico:monthly": "price_basic_monthly"},
		},
	})
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	return adapter.(*Adapter)
}

func signed(t *testing.T, payload string) ([]byte, http.Header) {
	t.Helper()
	out := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    testSecret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})
	headers := http.Header{}
	headers.Set("Stripe-Signature", out.Header)
	return out.Payload, headers
}

func TestVerifyRejectsBadSignature(t *testing.T) {
	adapter := newTestAdapter(t)
	payload, headers := signed(t, `{"id":"evt_1","object":"event","type":"invoice.paid","data":{"object":{"id":"in_1"}}}`)
	if err := adapter.Verify(context.Background(), payload, headers); err != nil {
		t.Fatalf("expected valid signature, got %v", err)
	}

	headers.Set("Stripe-Signature", "t=1,v1=deadbeef")
	if err := adapter.Verify(context.Background(), payload, headers); err != domain.ErrInvalidSignature {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
	if err := adapter.Verify(context.Background(), payload, http.Header{}); err != domain.ErrInvalidSignature {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestParseSubscriptionUpdated(t *testing.T) {
	adapter := newTestAdapter(t)
	payload, headers := signed(t, `{
		"id": "evt_sub_1",
		"object": "event",
		"type": "customer.subscription.updated",
		"created": 1742032800,
		"data": {"object": {"id": "sub_123", "object": "subscription", "status": "past_due", "metadata": {"external_reference": "42-01J"}}}
	}`)

	event, err := adapter.Parse(context.Background(), payload, headers)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if event.Kind != domain.EventKindAuthorization {
		t.Fatalf("expected authorization event, got %s", event.Kind)
	}
	if event.ProviderEventID != "evt_sub_1" {
		t.Fatalf("unexpected event id %q", event.ProviderEventID)
	}
	if event.Authorization.AuthorizationID != "sub_123" || event.Authorization.ProviderStatus != "past_due" {
		t.Fatalf("unexpected authorization update %+v", event.Authorization)
	}
	if event.Authorization.ExternalReference != "42-01J" {
		t.Fatalf("unexpected external reference %q", event.Authorization.ExternalReference)
	}
}

func TestParseInvoicePaid(t *testing.T) {
	adapter := newTestAdapter(t)
	payload, headers := signed(t, `{
		"id": "evt_inv_1",
		"object": "event",
		"type": "invoice.paid",
		"created": 1742032800,
		"data": {"object": {
			"id": "in_123",
			"object": "invoice",
			"amount_paid": 19990,
			"currency": "clp",
			"status_transitions": {"paid_at": 1742032700},
			"parent": {"subscription_details": {"subscription": "sub_123", "metadata": {"external_reference": "42-01J"}}}
		}}
	}`)

	event, err := adapter.Parse(context.Background(), payload, headers)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if event.Kind != domain.EventKindPayment {
		t.Fatalf("expected payment event, got %s", event.Kind)
	}
	p := event.Payment
	if p.ProviderPaymentID != "in_123" || p.ProviderStatus != "paid" || p.Amount != 19990 || p.Currency != "CLP" {
		t.Fatalf("unexpected payment update %+v", p)
	}
	if p.AuthorizationID != "sub_123" || p.ExternalReference != "42-01J" {
		t.Fatalf("unexpected references %+v", p)
	}
	if p.ApprovedAt == nil || p.ApprovedAt.Unix() != 1742032700 {
		t.Fatalf("unexpected approved at %v", p.ApprovedAt)
	}
}

func TestParseIgnoresOtherEvents(t *testing.T) {
	adapter := newTestAdapter(t)
	payload, headers := signed(t, `{"id":"evt_2","object":"event","type":"charge.succeeded","data":{"object":{"id":"ch_1"}}}`)
	if _, err := adapter.Parse(context.Background(), payload, headers); err != domain.ErrEventIgnored {
		t.Fatalf("expected ErrEventIgnored, got %v", err)
	}
}

func TestCreateAuthorizationRequiresPrice(t *testing.T) {
	adapter := newTestAdapter(t)
	_, err := adapter.CreateAuthorization(context.Background(), subscriptionRequest("Profesional"))
	if err == nil {
		t.Fatalf("expected missing price error")
	}
}

func subscriptionRequest(plan string) subscriptiondomain.AuthorizationRequest {
	return subscriptiondomain.AuthorizationRequest{
		PlanName:          plan,
		TenantName:        "Panadería Sol",
		Amount:            49990,
		Currency:          "CLP",
		BillingCycle:      catalogdomain.BillingCycleMonthly,
		PayerEmail:        "owner@sol.cl",
		ExternalReference: "42-01J",
	}
}

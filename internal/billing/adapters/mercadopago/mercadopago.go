// Package mercadopago implements recurring authorizations ("preapprovals")
// and payment notifications against the Mercado Pago REST API.
package mercadopago

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/smallbiznis/entitlements/internal/billing/domain"
	catalogdomain "github.com/smallbiznis/entitlements/internal/catalog/domain"
	subscriptiondomain "github.com/smallbiznis/entitlements/internal/subscription/domain"
)

const (
	Provider       = "mercadopago"
	defaultBaseURL = "https://api.mercadopago.com"
	defaultTimeout = 10 * time.Second
)

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return Provider
}

func (f *Factory) NewAdapter(cfg domain.AdapterConfig) (domain.Adapter, error) {
	token, _ := readString(cfg.Config, "access_token")
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, domain.ErrInvalidConfig
	}
	secret, _ := readString(cfg.Config, "webhook_secret")
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, domain.ErrInvalidConfig
	}

	baseURL, _ := readString(cfg.Config, "base_url")
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	timeout := defaultTimeout
	if value, ok := cfg.Config["timeout"].(time.Duration); ok && value > 0 {
		timeout = value
	}
	sandbox, _ := cfg.Config["sandbox"].(bool)

	return &Adapter{
		accessToken:   token,
		webhookSecret: secret,
		baseURL:       baseURL,
		sandbox:       sandbox,
		client:        &http.Client{Timeout: timeout},
	}, nil
}

type Adapter struct {
	accessToken   string
	webhookSecret string
	baseURL       string
	sandbox       bool
	client        *http.Client
}

func (a *Adapter) Provider() string {
	return Provider
}

// Verify checks the x-signature header. The signed manifest is
// "id:<data.id>;request-id:<x-request-id>;ts:<ts>;".
func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	ts, signatures := parseSignature(headers.Get("X-Signature"))
	if ts == "" || len(signatures) == 0 {
		return domain.ErrInvalidSignature
	}

	var note notification
	if err := json.Unmarshal(payload, &note); err != nil {
		return domain.ErrInvalidPayload
	}

	var manifest strings.Builder
	if dataID := strings.ToLower(string(note.Data.ID)); dataID != "" {
		fmt.Fprintf(&manifest, "id:%s;", dataID)
	}
	if requestID := strings.TrimSpace(headers.Get("X-Request-Id")); requestID != "" {
		fmt.Fprintf(&manifest, "request-id:%s;", requestID)
	}
	fmt.Fprintf(&manifest, "ts:%s;", ts)

	mac := hmac.New(sha256.New, []byte(a.webhookSecret))
	_, _ = mac.Write([]byte(manifest.String()))
	expected := hex.EncodeToString(mac.Sum(nil))
	for _, signature := range signatures {
		if hmac.Equal([]byte(signature), []byte(expected)) {
			return nil
		}
	}
	return domain.ErrInvalidSignature
}

type notification struct {
	ID     flexibleID `json:"id"`
	Type   string     `json:"type"`
	Topic  string     `json:"topic"`
	Action string     `json:"action"`
	Data   struct {
		ID flexibleID `json:"id"`
	} `json:"data"`
}

func (a *Adapter) Parse(ctx context.Context, payload []byte, headers http.Header) (*domain.ProviderEvent, error) {
	var note notification
	if err := json.Unmarshal(payload, &note); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	dataID := strings.TrimSpace(string(note.Data.ID))
	if dataID == "" {
		return nil, domain.ErrInvalidEvent
	}

	kind := strings.TrimSpace(note.Type)
	if kind == "" {
		kind = strings.TrimSpace(note.Topic)
	}

	var (
		event *domain.ProviderEvent
		err   error
	)
	switch kind {
	case "subscription_preapproval", "preapproval":
		event, err = a.FetchAuthorization(ctx, dataID)
	case "payment":
		event, err = a.fetchPayment(ctx, dataID)
	default:
		return nil, domain.ErrEventIgnored
	}
	if err != nil {
		return nil, err
	}

	// Mercado Pago repeats the notification id on redelivery.
	if noteID := strings.TrimSpace(string(note.ID)); noteID != "" {
		event.ProviderEventID = noteID
	}
	event.RawPayload = payload
	return event, nil
}

type preapprovalRequest struct {
	Reason            string        `json:"reason"`
	ExternalReference string        `json:"external_reference"`
	PayerEmail        string        `json:"payer_email"`
	BackURL           string        `json:"back_url,omitempty"`
	AutoRecurring     autoRecurring `json:"auto_recurring"`
	Status            string        `json:"status,omitempty"`
}

type autoRecurring struct {
	Frequency         int     `json:"frequency"`
	FrequencyType     string  `json:"frequency_type"`
	TransactionAmount float64 `json:"transaction_amount"`
	CurrencyID        string  `json:"currency_id"`
	StartDate         string  `json:"start_date,omitempty"`
	EndDate           string  `json:"end_date,omitempty"`
}

type preapproval struct {
	ID                string `json:"id"`
	Status            string `json:"status"`
	InitPoint         string `json:"init_point"`
	SandboxInitPoint  string `json:"sandbox_init_point"`
	ExternalReference string `json:"external_reference"`
	LastModified      string `json:"last_modified"`
}

func (a *Adapter) CreateAuthorization(ctx context.Context, req subscriptiondomain.AuthorizationRequest) (*subscriptiondomain.Authorization, error) {
	frequency := 1
	if req.BillingCycle == catalogdomain.BillingCycleYearly {
		frequency = 12
	}
	body := preapprovalRequest{
		Reason:            fmt.Sprintf("%s - %s", req.PlanName, req.TenantName),
		ExternalReference: req.ExternalReference,
		PayerEmail:        req.PayerEmail,
		BackURL:           req.BackURL,
		AutoRecurring: autoRecurring{
			Frequency:         frequency,
			FrequencyType:     "months",
			TransactionAmount: float64(req.Amount),
			CurrencyID:        req.Currency,
			StartDate:         formatTime(req.StartDate),
			EndDate:           formatTime(req.EndDate),
		},
	}

	var out preapproval
	if err := a.do(ctx, http.MethodPost, "/preapproval", body, &out); err != nil {
		return nil, err
	}
	if strings.TrimSpace(out.ID) == "" {
		return nil, fmt.Errorf("%w: preapproval without id", domain.ErrProviderRequest)
	}

	checkoutURL := out.InitPoint
	if a.sandbox && out.SandboxInitPoint != "" {
		checkoutURL = out.SandboxInitPoint
	}
	return &subscriptiondomain.Authorization{
		Provider:    Provider,
		ExternalID:  out.ID,
		CheckoutURL: checkoutURL,
		Status:      out.Status,
	}, nil
}

func (a *Adapter) CancelAuthorization(ctx context.Context, authorizationID string) error {
	authorizationID = strings.TrimSpace(authorizationID)
	if authorizationID == "" {
		return domain.ErrInvalidEvent
	}
	return a.do(ctx, http.MethodPut, "/preapproval/"+authorizationID, preapprovalRequest{Status: "cancelled"}, nil)
}

func (a *Adapter) FetchAuthorization(ctx context.Context, authorizationID string) (*domain.ProviderEvent, error) {
	var out preapproval
	if err := a.do(ctx, http.MethodGet, "/preapproval/"+authorizationID, nil, &out); err != nil {
		return nil, err
	}
	if strings.TrimSpace(out.ID) == "" {
		return nil, domain.ErrInvalidEvent
	}
	return &domain.ProviderEvent{
		Provider:        Provider,
		ProviderEventID: fmt.Sprintf("preapproval:%s:%s", out.ID, out.Status),
		Kind:            domain.EventKindAuthorization,
		OccurredAt:      parseTime(out.LastModified),
		Authorization: &domain.AuthorizationUpdate{
			AuthorizationID:   out.ID,
			ProviderStatus:    out.Status,
			ExternalReference: out.ExternalReference,
		},
	}, nil
}

type payment struct {
	ID                flexibleID     `json:"id"`
	Status            string         `json:"status"`
	StatusDetail      string         `json:"status_detail"`
	TransactionAmount float64        `json:"transaction_amount"`
	CurrencyID        string         `json:"currency_id"`
	PaymentMethodID   string         `json:"payment_method_id"`
	ExternalReference string         `json:"external_reference"`
	DateApproved      string         `json:"date_approved"`
	DateLastUpdated   string         `json:"date_last_updated"`
	Metadata          map[string]any `json:"metadata"`
}

func (a *Adapter) fetchPayment(ctx context.Context, paymentID string) (*domain.ProviderEvent, error) {
	var out payment
	if err := a.do(ctx, http.MethodGet, "/v1/payments/"+paymentID, nil, &out); err != nil {
		return nil, err
	}
	id := strings.TrimSpace(string(out.ID))
	if id == "" {
		return nil, domain.ErrInvalidEvent
	}

	update := &domain.PaymentUpdate{
		ProviderPaymentID: id,
		ProviderStatus:    out.Status,
		StatusDetail:      out.StatusDetail,
		Amount:            int64(math.Round(out.TransactionAmount)),
		Currency:          strings.ToUpper(strings.TrimSpace(out.CurrencyID)),
		PaymentMethodID:   out.PaymentMethodID,
		AuthorizationID:   readMetadataValue(out.Metadata, "preapproval_id"),
		ExternalReference: out.ExternalReference,
	}
	if strings.TrimSpace(out.DateApproved) != "" {
		approved := parseTime(out.DateApproved)
		update.ApprovedAt = &approved
	}

	return &domain.ProviderEvent{
		Provider:        Provider,
		ProviderEventID: fmt.Sprintf("payment:%s:%s", id, out.Status),
		Kind:            domain.EventKindPayment,
		OccurredAt:      parseTime(out.DateLastUpdated),
		Payment:         update,
	}, nil
}

func (a *Adapter) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+a.accessToken)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if method == http.MethodPost {
		req.Header.Set("X-Idempotency-Key", uuid.NewString())
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", domain.ErrProviderRequest, method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", domain.ErrProviderRequest, method, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: %s %s: status %d", domain.ErrProviderRequest, method, path, resp.StatusCode)
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: %s %s: %v", domain.ErrProviderRequest, method, path, err)
	}
	return nil
}

func parseSignature(header string) (string, []string) {
	var ts string
	signatures := []string{}
	for _, part := range strings.Split(header, ",") {
		keyValue := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(keyValue) != 2 {
			continue
		}
		key := strings.TrimSpace(keyValue[0])
		value := strings.TrimSpace(keyValue[1])
		switch key {
		case "ts":
			ts = value
		case "v1":
			signatures = append(signatures, value)
		}
	}
	return ts, signatures
}

// flexibleID accepts ids encoded either as JSON strings or numbers.
type flexibleID string

func (f *flexibleID) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" || raw == "" {
		*f = ""
		return nil
	}
	if strings.HasPrefix(raw, `"`) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexibleID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexibleID(n.String())
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format("2006-01-02T15:04:05.000Z07:00")
}

func parseTime(value string) time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Now().UTC()
	}
	parsed, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Now().UTC()
	}
	return parsed.UTC()
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

package notification

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/smallbiznis/entitlements/internal/config"
	"github.com/smallbiznis/entitlements/internal/providers/email"
	tenantdomain "github.com/smallbiznis/entitlements/internal/tenant/domain"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type sent struct {
	to       []string
	template string
	data     map[string]any
}

type fakeProvider struct {
	email.Provider

	mu   sync.Mutex
	sent []sent
	err  error
}

func (f *fakeProvider) SendTemplate(ctx context.Context, to []string, templateName string, data map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sent{to: to, template: templateName, data: data})
	return f.err
}

func newService(provider email.Provider) *Service {
	return New(Params{
		Log:      zap.NewNop(),
		Cfg:      config.Config{FrontendURL: "https://app.example.com/"},
		Provider: provider,
	})
}

func TestTrialReminderSubject(t *testing.T) {
	require.Equal(t, "Su período de prueba expira hoy - Acme", TrialReminderSubject("Acme", 0))
	require.Equal(t, "Su período de prueba expira mañana - Acme", TrialReminderSubject("Acme", 1))
	require.Equal(t, "Su período de prueba expira en 3 días - Acme", TrialReminderSubject("Acme", 3))
}

func TestSendTrialReminder(t *testing.T) {
	provider := &fakeProvider{}
	svc := newService(provider)

	ctx, cancel := context.WithCancel(context.Background())
	svc.SendTrialReminder(ctx, tenantdomain.Tenant{Name: "Acme", Slug: "acme", OwnerEmail: "ana@acme.cl", OwnerName: "Ana"}, 3)
	// Cancelling the request must not abort delivery.
	cancel()
	require.NoError(t, svc.Close(context.Background()))

	require.Len(t, provider.sent, 1)
	msg := provider.sent[0]
	require.Equal(t, []string{"ana@acme.cl"}, msg.to)
	require.Equal(t, "trial_reminder", msg.template)
	require.Equal(t, "Su período de prueba expira en 3 días - Acme", msg.data["subject"])
	require.Equal(t, "https://app.example.com/acme/billing/upgrade", msg.data["upgrade_url"])
}

func TestSendFailuresAreSwallowed(t *testing.T) {
	provider := &fakeProvider{err: errors.New("smtp down")}
	svc := newService(provider)

	svc.SendVerification(context.Background(), "ana@acme.cl", "Ana", "https://x/verify")
	svc.SendPasswordReset(context.Background(), "ana@acme.cl", "Ana", "https://x/reset")
	svc.SendVerification(context.Background(), " ", "Ana", "https://x/verify")
	require.NoError(t, svc.Close(context.Background()))

	require.Len(t, provider.sent, 2)
}

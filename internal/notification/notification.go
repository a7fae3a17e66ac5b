// Package notification sends transactional email outside the request path.
package notification

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/smallbiznis/entitlements/internal/config"
	"github.com/smallbiznis/entitlements/internal/providers/email"
	tenantdomain "github.com/smallbiznis/entitlements/internal/tenant/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const sendTimeout = 30 * time.Second

var Module = fx.Module("notification",
	fx.Provide(New, NewNotifier),
	fx.Invoke(func(lc fx.Lifecycle, s *Service) {
		lc.Append(fx.Hook{OnStop: s.Close})
	}),
)

// Notifier is the outbound email boundary. Sends never fail the caller;
// delivery errors are logged.
type Notifier interface {
	SendVerification(ctx context.Context, to, name, link string)
	SendPasswordReset(ctx context.Context, to, name, link string)
	SendTrialReminder(ctx context.Context, tenant tenantdomain.Tenant, daysLeft int)
}

type Params struct {
	fx.In

	Log      *zap.Logger
	Cfg      config.Config
	Provider email.Provider
	Policy   *config.PolicyConfigHolder `optional:"true"`
}

type Service struct {
	log         *zap.Logger
	provider    email.Provider
	policy      *config.PolicyConfigHolder
	frontendURL string
	wg          sync.WaitGroup
}

func New(p Params) *Service {
	policy := p.Policy
	if policy == nil {
		policy = config.NewStaticPolicyConfigHolder(config.DefaultPolicyConfig())
	}
	return &Service{
		log:         p.Log.Named("notification.service"),
		provider:    p.Provider,
		policy:      policy,
		frontendURL: p.Cfg.FrontendURL,
	}
}

// NewNotifier exposes the service through its interface for consumers.
func NewNotifier(s *Service) Notifier { return s }

func (s *Service) SendVerification(ctx context.Context, to, name, link string) {
	s.dispatch(ctx, to, "verify_email", map[string]any{
		"name": name,
		"link": link,
	})
}

func (s *Service) SendPasswordReset(ctx context.Context, to, name, link string) {
	s.dispatch(ctx, to, "password_reset", map[string]any{
		"name":       name,
		"link":       link,
		"expires_in": "1 hora",
	})
}

func (s *Service) SendTrialReminder(ctx context.Context, tenant tenantdomain.Tenant, daysLeft int) {
	if daysLeft < 0 {
		return
	}
	s.dispatch(ctx, tenant.OwnerEmail, "trial_reminder", map[string]any{
		"subject":     TrialReminderSubject(tenant.Name, daysLeft),
		"name":        tenant.OwnerName,
		"tenant_name": tenant.Name,
		"days_left":   daysLeft,
		"upgrade_url": s.policy.Get().UpgradeURL(s.frontendURL, tenant.Slug),
	})
}

// TrialReminderSubject phrases the remaining trial time.
func TrialReminderSubject(tenantName string, daysLeft int) string {
	switch daysLeft {
	case 0:
		return fmt.Sprintf("Su período de prueba expira hoy - %s", tenantName)
	case 1:
		return fmt.Sprintf("Su período de prueba expira mañana - %s", tenantName)
	default:
		return fmt.Sprintf("Su período de prueba expira en %d días - %s", daysLeft, tenantName)
	}
}

func (s *Service) dispatch(ctx context.Context, to, templateName string, data map[string]any) {
	to = strings.TrimSpace(to)
	if to == "" {
		s.log.Warn("email skipped without recipient", zap.String("template", templateName))
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sendTimeout)
		defer cancel()

		if err := s.provider.SendTemplate(sendCtx, []string{to}, templateName, data); err != nil {
			s.log.Error("failed to send email",
				zap.String("template", templateName),
				zap.Error(err),
			)
			return
		}
		s.log.Debug("notification.email.sent", zap.String("template", templateName))
	}()
}

// Close waits for in-flight sends or until ctx is done.
func (s *Service) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

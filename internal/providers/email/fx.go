package email

import (
	"fmt"

	"github.com/smallbiznis/entitlements/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("providers.email",
	fx.Provide(NewFromConfig),
)

func NewFromConfig(cfg config.Config, log *zap.Logger) (Provider, error) {
	switch cfg.Email.Provider {
	case "smtp":
		if cfg.Email.SMTPHost == "" {
			return nil, fmt.Errorf("%w: SMTP_HOST is required", ErrInvalidConfig)
		}
		return NewSMTP(Config{
			Host:     cfg.Email.SMTPHost,
			Port:     cfg.Email.SMTPPort,
			Username: cfg.Email.SMTPUser,
			Password: cfg.Email.SMTPPassword,
			From:     cfg.Email.From,
			FromName: cfg.Email.FromName,
		}), nil
	case "postmark":
		return NewPostmark(cfg.Email.PostmarkServerToken, cfg.Email.PostmarkAccountToken, cfg.Email.From)
	case "", "noop":
		log.Info("email delivery disabled")
		return &NoOpProvider{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown email provider %q", ErrInvalidConfig, cfg.Email.Provider)
	}
}

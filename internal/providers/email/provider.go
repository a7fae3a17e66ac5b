package email

import (
	"context"
	"errors"
)

// Provider delivers transactional email.
type Provider interface {
	Send(ctx context.Context, to []string, subject string, htmlBody string) error
	// SendTemplate renders one of the embedded templates. data may carry a
	// "subject" entry; otherwise the template default is used.
	SendTemplate(ctx context.Context, to []string, templateName string, data map[string]any) error
}

var (
	ErrNoRecipients    = errors.New("email_no_recipients")
	ErrUnknownTemplate = errors.New("email_unknown_template")
	ErrInvalidConfig   = errors.New("email_invalid_config")
	ErrSendFailed      = errors.New("email_send_failed")
)

type NoOpProvider struct{}

func (p *NoOpProvider) Send(ctx context.Context, to []string, subject string, htmlBody string) error {
	return nil
}

func (p *NoOpProvider) SendTemplate(ctx context.Context, to []string, templateName string, data map[string]any) error {
	return nil
}

// sendTemplate renders templateName and hands it to send.
func sendTemplate(ctx context.Context, send func(context.Context, []string, string, string) error, to []string, templateName string, data map[string]any) error {
	subject, body, err := Render(templateName, data)
	if err != nil {
		return err
	}
	return send(ctx, to, subject, body)
}

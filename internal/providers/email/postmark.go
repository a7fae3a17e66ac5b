package email

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mrz1836/postmark"
)

type PostmarkProvider struct {
	client *postmark.Client
	from   string
}

func NewPostmark(serverToken, accountToken, from string) (*PostmarkProvider, error) {
	if strings.TrimSpace(serverToken) == "" {
		return nil, fmt.Errorf("%w: postmark server token is required", ErrInvalidConfig)
	}
	if strings.TrimSpace(from) == "" {
		return nil, fmt.Errorf("%w: sender address is required", ErrInvalidConfig)
	}
	return &PostmarkProvider{
		client: postmark.NewClient(serverToken, accountToken),
		from:   from,
	}, nil
}

func (p *PostmarkProvider) Send(ctx context.Context, to []string, subject string, htmlBody string) error {
	if len(to) == 0 {
		return ErrNoRecipients
	}
	resp, err := p.client.SendEmail(ctx, postmark.Email{
		From:       p.from,
		To:         strings.Join(to, ","),
		Subject:    subject,
		HTMLBody:   htmlBody,
		TrackOpens: true,
		TrackLinks: "HtmlOnly",
	})
	if err != nil {
		return errors.Join(ErrSendFailed, err)
	}
	if resp.ErrorCode > 0 {
		return errors.Join(ErrSendFailed, fmt.Errorf("postmark error: %d - %s", resp.ErrorCode, resp.Message))
	}
	return nil
}

func (p *PostmarkProvider) SendTemplate(ctx context.Context, to []string, templateName string, data map[string]any) error {
	return sendTemplate(ctx, p.Send, to, templateName, data)
}

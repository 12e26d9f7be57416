package email

import (
	"context"
	"errors"
	"strings"
)

// Provider delivers an already rendered HTML message.
type Provider interface {
	Send(ctx context.Context, to []string, subject string, htmlBody string) error
}

var (
	ErrNoRecipients = errors.New("email_no_recipients")
	ErrEmptySubject = errors.New("email_empty_subject")
)

type NoOpProvider struct{}

func (p *NoOpProvider) Send(ctx context.Context, to []string, subject string, htmlBody string) error {
	return nil
}

// NotificationSender adapts a Provider to single-recipient notification delivery.
type NotificationSender struct {
	provider Provider
}

func NewNotificationSender(provider Provider) *NotificationSender {
	return &NotificationSender{provider: provider}
}

func (s *NotificationSender) SendNotificationEmail(ctx context.Context, to, subject, body string) error {
	to = strings.TrimSpace(to)
	if to == "" {
		return ErrNoRecipients
	}
	if strings.TrimSpace(subject) == "" {
		return ErrEmptySubject
	}
	return s.provider.Send(ctx, []string{to}, subject, body)
}

// Package mailer sends outbound notification email. Delivery is best-effort:
// the auth flows bound each send with a short timeout and ignore failures.
package mailer

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"go.uber.org/zap"

	"cartaporte.app/internal/obs"
)

// Mailer delivers a single message.
type Mailer interface {
	Send(ctx context.Context, to, subject, htmlBody, textBody string) error
}

// SMTP sends through a plain SMTP relay.
type SMTP struct {
	Addr string
	From string
}

// NewSMTP constructs an SMTP mailer for the given relay address.
func NewSMTP(addr, from string) *SMTP {
	return &SMTP{Addr: addr, From: from}
}

// Send delivers the message, honoring context cancellation.
func (m *SMTP) Send(ctx context.Context, to, subject, htmlBody, textBody string) error {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", m.From)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	if htmlBody != "" {
		b.WriteString("Content-Type: text/html; charset=\"utf-8\"\r\n\r\n")
		b.WriteString(htmlBody)
	} else {
		b.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n\r\n")
		b.WriteString(textBody)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- smtp.SendMail(m.Addr, nil, m.From, []string{to}, []byte(b.String()))
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Noop logs instead of sending. Used in development and tests.
type Noop struct{}

// Send logs the message and succeeds.
func (Noop) Send(_ context.Context, to, subject, _, _ string) error {
	obs.Logger().Info("mail suppressed", zap.String("to", to), zap.String("subject", subject))
	return nil
}

// SendBestEffort delivers with a bounded timeout and swallows the outcome.
// Callers that must not leak delivery results go through this helper.
func SendBestEffort(m Mailer, to, subject, htmlBody, textBody string) {
	if m == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.Send(ctx, to, subject, htmlBody, textBody); err != nil {
			obs.Logger().Warn("mail delivery failed", zap.String("to", to), zap.Error(err))
		}
	}()
}

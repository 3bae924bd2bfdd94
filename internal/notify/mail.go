package notify

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"gopkg.in/gomail.v2"

	"github.com/tbourn/go-receipt-pipeline/internal/config"
	"github.com/tbourn/go-receipt-pipeline/internal/domain"
)

// Sender is implemented by *gomail.Dialer.
type Sender interface {
	DialAndSend(m ...*gomail.Message) error
}

// Mail emails operators when a receipt needs review or has failed. Other
// events are ignored.
type Mail struct {
	Sender Sender
	From   string
	To     []string
}

// NewMail builds a mail notifier from SMTP settings.
func NewMail(cfg config.NotifyConfig) *Mail {
	from := cfg.MailFrom
	if from == "" {
		from = cfg.SMTPUser
	}
	return &Mail{
		Sender: gomail.NewDialer(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPassword),
		From:   from,
		To:     cfg.MailTo,
	}
}

func (m *Mail) Notify(_ context.Context, ev Event) {
	var subject string
	switch ev.Status {
	case domain.StepReviewPending:
		subject = "Receipt " + ev.ReceiptID + " needs review"
	case domain.StepFailed:
		subject = "Receipt " + ev.ReceiptID + " failed"
	default:
		return
	}
	msg := gomail.NewMessage()
	msg.SetHeader("From", m.From)
	msg.SetHeader("To", m.To...)
	msg.SetHeader("Subject", subject)
	msg.SetBody("text/plain", fmt.Sprintf("Receipt: %s\nStep: %s\nProgress: %d%%\n\n%s\n",
		ev.ReceiptID, ev.Status, ev.Progress, ev.Message))
	if err := m.Sender.DialAndSend(msg); err != nil {
		log.Warn().Err(err).Str("receipt_id", ev.ReceiptID).Msg("notify: mail failed (non-fatal)")
	}
}

// Package notify delivers receipt progress events. Delivery is fire and
// forget: a notifier logs its own failures and never reports them to the
// pipeline.
package notify

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-receipt-pipeline/internal/config"
)

// Event is one progress update of a receipt.
type Event struct {
	ReceiptID string    `json:"receipt_id"`
	Status    string    `json:"status"` // processing step
	Progress  int       `json:"progress_percent"`
	Message   string    `json:"message,omitempty"`
	At        time.Time `json:"at"`
}

// Notifier receives progress events.
type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

// Func adapts a function to Notifier.
type Func func(ctx context.Context, ev Event)

func (f Func) Notify(ctx context.Context, ev Event) { f(ctx, ev) }

// Log writes events to the global logger.
type Log struct{}

func (Log) Notify(_ context.Context, ev Event) {
	log.Info().
		Str("receipt_id", ev.ReceiptID).
		Str("status", ev.Status).
		Int("progress", ev.Progress).
		Str("message", ev.Message).
		Msg("receipt progress")
}

// Multi fans an event out to every notifier in order.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, ev Event) {
	for _, n := range m {
		if n != nil {
			n.Notify(ctx, ev)
		}
	}
}

// FromConfig builds the log notifier plus NATS and mail sinks when they are
// configured. The returned closer releases connections.
func FromConfig(cfg config.NotifyConfig) (Notifier, func(), error) {
	sinks := Multi{Log{}}
	closers := []func(){}
	if cfg.NATSURL != "" {
		n, err := DialNATS(cfg.NATSURL, cfg.SubjectPrefix)
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, n)
		closers = append(closers, n.Close)
	}
	if cfg.SMTPHost != "" && len(cfg.MailTo) > 0 {
		sinks = append(sinks, NewMail(cfg))
	}
	return sinks, func() {
		for _, c := range closers {
			c()
		}
	}, nil
}

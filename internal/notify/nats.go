package notify

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// Publisher is the part of *nats.Conn the notifier needs.
type Publisher interface {
	Publish(subj string, data []byte) error
}

// NATS publishes events as JSON on "<prefix>.<status>".
type NATS struct {
	pub    Publisher
	prefix string
	conn   *nats.Conn
}

// NewNATS wraps an existing publisher.
func NewNATS(pub Publisher, prefix string) *NATS {
	if prefix = strings.Trim(prefix, "."); prefix == "" {
		prefix = "receipts.progress"
	}
	return &NATS{pub: pub, prefix: prefix}
}

// DialNATS connects to url and keeps reconnecting in the background.
func DialNATS(url, prefix string) (*NATS, error) {
	nc, err := nats.Connect(url,
		nats.Name("receipt-pipeline"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("notify: nats disconnected")
			}
		}),
	)
	if err != nil {
		return nil, err
	}
	n := NewNATS(nc, prefix)
	n.conn = nc
	return n, nil
}

// Subject returns the subject used for status.
func (n *NATS) Subject(status string) string { return n.prefix + "." + status }

func (n *NATS) Notify(_ context.Context, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Warn().Err(err).Str("receipt_id", ev.ReceiptID).Msg("notify: marshal event")
		return
	}
	subject := n.Subject(ev.Status)
	if err := n.pub.Publish(subject, data); err != nil {
		log.Warn().Err(err).
			Str("subject", subject).
			Str("receipt_id", ev.ReceiptID).
			Msg("notify: publish failed (non-fatal)")
		return
	}
	log.Debug().Str("subject", subject).Str("receipt_id", ev.ReceiptID).Msg("notify: event published")
}

// Close drains the connection opened by DialNATS.
func (n *NATS) Close() {
	if n.conn == nil {
		return
	}
	if err := n.conn.Drain(); err != nil {
		n.conn.Close()
	}
}

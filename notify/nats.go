package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
)

// DefaultSubjectPrefix prefixes every NATS subject.
const DefaultSubjectPrefix = "membership"

type natsPublisher interface {
	PublishMsg(msg *nats.Msg) error
}

// NATS publishes events to "<prefix>.<event type>". The event id goes in
// the Nats-Msg-Id header so JetStream streams can drop duplicates.
type NATS struct {
	pub    natsPublisher
	conn   *nats.Conn
	prefix string
	logger *slog.Logger
}

// NewNATS connects to url and returns a dispatcher.
func NewNATS(url, prefix string, logger *slog.Logger) (*NATS, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	conn, err := nats.Connect(url, nats.Name("membershipd"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	d := newNATS(conn, prefix, logger)
	d.conn = conn
	d.logger.Info("NATS event dispatcher connected", "url", url, "prefix", d.prefix)
	return d, nil
}

func newNATS(pub natsPublisher, prefix string, logger *slog.Logger) *NATS {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NATS{pub: pub, prefix: prefix, logger: logger}
}

// Subject returns the subject an event type is published on.
func (n *NATS) Subject(t EventType) string { return n.prefix + "." + string(t) }

func (n *NATS) Dispatch(_ context.Context, ev Event) error {
	data, err := ev.Encode()
	if err != nil {
		return fmt.Errorf("encode event %s: %w", ev.ID, err)
	}
	msg := nats.NewMsg(n.Subject(ev.Type))
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, ev.ID)
	if err := n.pub.PublishMsg(msg); err != nil {
		return fmt.Errorf("failed to publish to subject %q: %w", msg.Subject, err)
	}
	n.logger.Debug("Event published to NATS", "subject", msg.Subject, "id", ev.ID)
	return nil
}

// Close drains the connection.
func (n *NATS) Close() error {
	if n.conn == nil {
		return nil
	}
	return n.conn.Drain()
}

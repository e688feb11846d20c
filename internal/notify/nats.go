package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string
	Name          string
	MaxReconnects int
	ReconnectWait time.Duration
}

// DialNATS connects to NATS. The connection is shared by the notifier and the
// NATS tool runtime.
func DialNATS(cfg NATSConfig) (*nats.Conn, error) {
	name := cfg.Name
	if name == "" {
		name = "blueprint-engine"
	}
	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
	}
	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connection failed: %w", err)
	}
	return conn, nil
}

// NATSNotifier publishes notifications to "<prefix>.<kind>", for example
// "blueprint.run.completed".
type NATSNotifier struct {
	conn   *nats.Conn
	prefix string
}

// NewNATSNotifier creates a notifier on an existing connection.
func NewNATSNotifier(conn *nats.Conn, prefix string) *NATSNotifier {
	if prefix == "" {
		prefix = "blueprint"
	}
	return &NATSNotifier{conn: conn, prefix: strings.TrimSuffix(prefix, ".")}
}

// Subject returns the subject a notification of kind is published on.
func (n *NATSNotifier) Subject(kind Kind) string {
	return n.prefix + "." + string(kind)
}

func (n *NATSNotifier) Notify(ctx context.Context, note RunNotification) error {
	payload, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	msg := &nats.Msg{
		Subject: n.Subject(note.Kind),
		Data:    payload,
		Header:  nats.Header{},
	}
	msg.Header.Set("Run-Id", note.RunID)
	if err := n.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}
	return nil
}

var _ Notifier = (*NATSNotifier)(nil)

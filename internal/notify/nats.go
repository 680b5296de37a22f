package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
)

const DefaultSubject = "wacopilot.jobs"

// NATSNotifier publishes each event as JSON on <subject>.<event type>.
type NATSNotifier struct {
	conn    *nats.Conn
	subject string
}

// NewNATSNotifier connects to url.
func NewNATSNotifier(url, subject string) (*NATSNotifier, error) {
	nc, err := nats.Connect(url, nats.Name("wacopilot"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATSNotifier{conn: nc, subject: subject}, nil
}

func (n *NATSNotifier) Notify(_ context.Context, msg Message) error {
	subject, data, err := natsMessage(n.subject, msg)
	if err != nil {
		return err
	}
	return n.conn.Publish(subject, data)
}

// Close flushes pending publishes and closes the connection.
func (n *NATSNotifier) Close() error {
	if err := n.conn.Drain(); err != nil {
		n.conn.Close()
		return fmt.Errorf("drain nats: %w", err)
	}
	return nil
}

type natsPayload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Event any    `json:"event"`
}

func natsMessage(prefix string, msg Message) (string, []byte, error) {
	data, err := json.Marshal(natsPayload{Title: msg.Title, Body: msg.Body, Event: msg.Event})
	if err != nil {
		return "", nil, fmt.Errorf("marshal event: %w", err)
	}
	return prefix + "." + string(msg.Event.Type), data, nil
}

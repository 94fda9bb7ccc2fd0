package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// RunNotification is published after every completed pipeline run.
type RunNotification struct {
	RunID      string    `json:"run_id"`
	Pipeline   string    `json:"pipeline"`
	State      string    `json:"state"`
	ExitCode   int       `json:"exit_code"`
	Event      string    `json:"event"`
	Branch     string    `json:"branch,omitempty"`
	Commit     string    `json:"commit,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Notifier publishes run completion events.
type Notifier interface {
	Publish(ctx context.Context, n RunNotification) error
	Close()
}

// NoopNotifier discards all notifications.
type NoopNotifier struct{}

func (NoopNotifier) Publish(context.Context, RunNotification) error { return nil }
func (NoopNotifier) Close()                                         {}

// NATSNotifier publishes run notifications to a NATS subject.
type NATSNotifier struct {
	conn    *nats.Conn
	subject string
}

// NewNATSNotifier connects to the NATS server at url.
func NewNATSNotifier(url, subject string) (*NATSNotifier, error) {
	conn, err := nats.Connect(url,
		nats.Name("shipyard"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}

	slog.Info("NATS notifier connected", "url", url, "subject", subject)
	return &NATSNotifier{conn: conn, subject: subject}, nil
}

// Publish serializes the notification as JSON and publishes it.
func (n *NATSNotifier) Publish(_ context.Context, event RunNotification) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal run notification: %w", err)
	}
	if err := n.conn.Publish(n.subject, data); err != nil {
		return fmt.Errorf("publish run notification: %w", err)
	}
	slog.Debug("Published run notification",
		"subject", n.subject,
		"run_id", event.RunID,
		"state", event.State)
	return nil
}

// Close drains and closes the NATS connection.
func (n *NATSNotifier) Close() {
	if n.conn == nil {
		return
	}
	if err := n.conn.Drain(); err != nil {
		slog.Warn("Error draining NATS connection", "error", err)
	}
}

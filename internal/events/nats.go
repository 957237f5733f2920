package events

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"git.home.luguber.info/inful/agentbatch/internal/logfields"
)

// NATSPublisher mirrors transitions to a NATS subject. Publishing is
// best-effort: a broker outage never affects the pipeline.
type NATSPublisher struct {
	conn    *nats.Conn
	subject string
}

// NewNATSPublisher connects to the broker. Callers skip construction
// entirely when no URL is configured.
func NewNATSPublisher(url, subject string) (*NATSPublisher, error) {
	conn, err := nats.Connect(url,
		nats.Name("agentbatch"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS %s: %w", url, err)
	}
	return &NATSPublisher{conn: conn, subject: subject}, nil
}

// Publish mirrors a single transition.
func (p *NATSPublisher) Publish(t Transition) {
	payload, err := json.Marshal(t)
	if err != nil {
		return
	}
	if err := p.conn.Publish(p.subject+"."+t.JobID, payload); err != nil {
		slog.Debug("NATS publish failed", logfields.JobID(t.JobID), logfields.Error(err))
	}
}

// Close drains and closes the connection.
func (p *NATSPublisher) Close() {
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
	}
}

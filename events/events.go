// Package events publishes task lifecycle transitions for external
// observers. Publishing is fire-and-forget: a failed publish never affects
// query processing.
package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/vendora/insight/task"
)

// Event is one lifecycle transition of a task.
type Event struct {
	TaskID     string          `json:"task_id"`
	TenantID   string          `json:"tenant_id"`
	Status     task.Status     `json:"status"`
	Complexity task.Complexity `json:"complexity,omitempty"`
	At         time.Time       `json:"at"`
}

// Publisher emits lifecycle events.
type Publisher interface {
	Publish(event Event)
	Close()
}

// Noop discards all events. Used when no broker is configured.
type Noop struct{}

// Publish implements Publisher.
func (Noop) Publish(Event) {}

// Close implements Publisher.
func (Noop) Close() {}

// NATSPublisher emits events on "insight.task.<status>" subjects.
type NATSPublisher struct {
	conn   *nats.Conn
	logger *slog.Logger
}

// NATSOption configures a NATSPublisher.
type NATSOption func(*NATSPublisher)

// WithLogger sets the publisher logger.
func WithLogger(logger *slog.Logger) NATSOption {
	return func(p *NATSPublisher) { p.logger = logger }
}

// NewNATSPublisher connects to the given NATS URL.
func NewNATSPublisher(url string, opts ...NATSOption) (*NATSPublisher, error) {
	conn, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	p := &NATSPublisher{
		conn:   conn,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Publish implements Publisher.
func (p *NATSPublisher) Publish(event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		p.logger.Warn("Failed to marshal event",
			"task_id", event.TaskID,
			"error", err)
		return
	}

	subject := fmt.Sprintf("insight.task.%s", event.Status)
	if err := p.conn.Publish(subject, data); err != nil {
		p.logger.Warn("Failed to publish event",
			"subject", subject,
			"task_id", event.TaskID,
			"error", err)
	}
}

// Close drains the connection.
func (p *NATSPublisher) Close() {
	if err := p.conn.Drain(); err != nil {
		p.logger.Warn("Failed to drain NATS connection", "error", err)
	}
}

// Package events publishes machine status transitions to RabbitMQ so
// downstream consumers (ticketing, paging) can react without polling.
// Publishing is best effort: a broker outage never blocks ingestion.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/streadway/amqp"

	"github.com/fleet-net/comply-mon/pkg/types"
)

// QueueStatusChanges is the queue status transition events are published to.
const QueueStatusChanges = "complymon.status_changes"

// Publisher sends status-change events to RabbitMQ.
type Publisher struct {
	url    string
	logger *slog.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewPublisher connects to the broker and declares the status-change queue.
func NewPublisher(url string, logger *slog.Logger) (*Publisher, error) {
	p := &Publisher{
		url:    url,
		logger: logger.With("component", "event_publisher"),
	}
	if err := p.connect(); err != nil {
		return nil, err
	}
	return p, nil
}

// connect assumes p.mu is held or the publisher is not yet shared.
func (p *Publisher) connect() error {
	conn, err := amqp.Dial(p.url)
	if err != nil {
		return fmt.Errorf("connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}

	_, err = ch.QueueDeclare(
		QueueStatusChanges, // name
		true,               // durable
		false,              // auto-delete
		false,              // exclusive
		false,              // no-wait
		nil,                // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("declare queue %q: %w", QueueStatusChanges, err)
	}

	p.conn = conn
	p.ch = ch
	return nil
}

// PublishStatusChange sends one transition event. On a dropped connection it
// reconnects once before giving up.
func (p *Publisher) PublishStatusChange(ctx context.Context, ev types.StatusChangeEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	publish := func() error {
		return p.ch.Publish(
			"",                 // exchange
			QueueStatusChanges, // routing key
			false,              // mandatory
			false,              // immediate
			amqp.Publishing{
				ContentType: "application/json",
				Body:        body,
			})
	}

	if err := publish(); err != nil {
		p.logger.Warn("publish failed, reconnecting", "error", err)
		p.closeLocked()
		if err := p.connect(); err != nil {
			return err
		}
		if err := publish(); err != nil {
			return fmt.Errorf("publish event: %w", err)
		}
	}

	p.logger.Debug("published status change",
		"machine_id", ev.MachineID,
		"to", ev.To.String(),
	)
	return nil
}

func (p *Publisher) closeLocked() {
	if p.ch != nil {
		p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
}

// Close shuts down the broker connection.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeLocked()
}

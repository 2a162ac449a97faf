package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	amqp "github.com/rabbitmq/amqp091-go"
	"media-pipeline/config"
	"sync"
	"time"
)

type Publisher interface {
	Publish(ctx context.Context, spec QueueSpec, message any) error
	Close() error
}

type publisher struct {
	cfg *config.RabbitMQ

	mu       sync.Mutex
	ch       *amqp.Channel
	declared map[string]bool
}

func NewPublisher(conn *amqp.Connection, cfg *config.RabbitMQ) (Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	return &publisher{cfg: cfg, ch: ch, declared: make(map[string]bool)}, nil
}

// Publish encodes message as JSON and sends it persistently to spec's exchange. The queue
// topology is declared on first use so messages are never routed to nowhere.
func (p *publisher) Publish(ctx context.Context, spec QueueSpec, message any) error {
	body, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("encode message for %s: %w", spec.Queue, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.declared[spec.Queue] {
		if err := Declare(ctx, p.ch, p.cfg.Kind, spec); err != nil {
			return err
		}
		p.declared[spec.Queue] = true
	}

	return p.ch.PublishWithContext(ctx, spec.Exchange, spec.RoutingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
}

func (p *publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ch.Close()
}

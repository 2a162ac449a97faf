package rabbitmq

import (
	"context"
	"errors"
	"github.com/cenkalti/backoff/v5"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"media-pipeline/config"
	"media-pipeline/metrics"
	"media-pipeline/pkg/apperr"
	"sync"
	"time"
)

// QueueSpec names a work queue bound to an exchange. Every queue gets a dead-letter queue bound
// to "<exchange>_dlx" with routing key "dlq.<routing key>".
type QueueSpec struct {
	Exchange   string
	Queue      string
	RoutingKey string
}

func (s QueueSpec) DLX() string { return s.Exchange + "_dlx" }

func (s QueueSpec) DLQ() string { return s.Queue + "_dlq" }

func (s QueueSpec) DLQRoutingKey() string { return "dlq." + s.RoutingKey }

// Declare creates the exchange, the dead-letter exchange and queue, and the work queue.
// It is idempotent and shared by consumers and publishers.
func Declare(ctx context.Context, ch *amqp.Channel, kind string, spec QueueSpec) error {
	err := ch.ExchangeDeclare(spec.Exchange, kind, true, false, false, false, nil)
	if err != nil {
		zerolog.Ctx(ctx).Error().Str("exchange", spec.Exchange).Msg("failed to declare exchange")
		return err
	}

	err = ch.ExchangeDeclare(spec.DLX(), kind, true, false, false, false, nil)
	if err != nil {
		zerolog.Ctx(ctx).Error().Str("exchange", spec.DLX()).Msg("failed to declare dlx")
		return err
	}

	dlq, err := ch.QueueDeclare(spec.DLQ(), true, false, false, false, nil)
	if err != nil {
		zerolog.Ctx(ctx).Error().Str("queue", spec.DLQ()).Msg("failed to declare dlq")
		return err
	}

	err = ch.QueueBind(dlq.Name, spec.DLQRoutingKey(), spec.DLX(), false, nil)
	if err != nil {
		zerolog.Ctx(ctx).Error().Str("queue", spec.DLQ()).Msg("failed to bind dlq")
		return err
	}

	args := amqp.Table{
		"x-dead-letter-exchange":    spec.DLX(),
		"x-dead-letter-routing-key": spec.DLQRoutingKey(),
	}
	q, err := ch.QueueDeclare(spec.Queue, true, false, false, false, args)
	if err != nil {
		zerolog.Ctx(ctx).Error().Str("queue", spec.Queue).Msg("failed to declare queue")
		return err
	}

	err = ch.QueueBind(q.Name, spec.RoutingKey, spec.Exchange, false, nil)
	if err != nil {
		zerolog.Ctx(ctx).Error().Str("queue", spec.Queue).Msg("failed to bind queue")
		return err
	}
	return nil
}

type Consumer[T any] interface {
	Consume(ctx context.Context, dependencies T) error
}

type consumer[T any] struct {
	conn        *amqp.Connection
	cfg         *config.RabbitMQ
	spec        QueueSpec
	handler     func(ctx context.Context, msg amqp.Delivery, dependencies T) error
	numWorkers  int
	maxAttempts uint
}

// Consume delivers messages to numWorkers workers. A failing handler is retried in place with
// exponential backoff; once retries are exhausted, or the error is non-retryable, the message is
// rejected into the dead-letter queue.
func (c consumer[T]) Consume(ctx context.Context, dependencies T) error {
	ch, err := c.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := Declare(ctx, ch, c.cfg.Kind, c.spec); err != nil {
		return err
	}

	err = ch.Qos(c.numWorkers, 0, false)
	if err != nil {
		zerolog.Ctx(ctx).Error().Str("queue", c.spec.Queue).Msg("failed to set QoS")
		return err
	}

	deliveries, err := ch.Consume(c.spec.Queue, "", false, false, false, false, nil)
	if err != nil {
		zerolog.Ctx(ctx).Error().Str("queue", c.spec.Queue).Msg("failed to consume queue")
		return err
	}

	zerolog.Ctx(ctx).Info().
		Str("queue", c.spec.Queue).
		Str("exchange", c.spec.Exchange).
		Str("routing_key", c.spec.RoutingKey).
		Int("workers", c.numWorkers).
		Msg("consumer started")

	jobs := make(chan amqp.Delivery, c.numWorkers)
	var wg sync.WaitGroup
	for i := 1; i <= c.numWorkers; i++ {
		wg.Add(1)
		go func(workerId int) {
			defer wg.Done()
			for msg := range jobs {
				c.handle(ctx, workerId, msg, dependencies)
			}
		}(i)
	}

	for {
		select {
		case delivery, ok := <-deliveries:
			if !ok {
				close(jobs)
				wg.Wait()
				return nil
			}

			jobs <- delivery
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			return ctx.Err()
		}
	}
}

func (c consumer[T]) handle(ctx context.Context, workerId int, msg amqp.Delivery, dependencies T) {
	logger := zerolog.Ctx(ctx).With().Str("queue", c.spec.Queue).Int("worker_id", workerId).Logger()
	jobCtx := logger.WithContext(context.WithoutCancel(ctx))

	operation := func() (struct{}, error) {
		err := c.handler(jobCtx, msg, dependencies)
		if errors.Is(err, apperr.ErrNonRetryable) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = 10 * time.Second

	_, err := backoff.Retry(jobCtx, operation, backoff.WithBackOff(bo), backoff.WithMaxTries(c.maxAttempts))
	if err != nil {
		logger.Error().Err(err).Msg("failed to handle message after all retries")
		metrics.QueueDeadLetters.WithLabelValues(c.spec.Queue).Inc()
		if nackErr := msg.Nack(false, false); nackErr != nil {
			logger.Error().Err(nackErr).Msg("failed to nack message to send to DLQ")
		}
		return
	}
	if ackErr := msg.Ack(false); ackErr != nil {
		logger.Error().Err(ackErr).Msg("failed to acknowledge message")
	}
}

func NewConsumer[T any](
	conn *amqp.Connection,
	cfg *config.RabbitMQ,
	spec QueueSpec,
	numWorkers int,
	handler func(ctx context.Context, msg amqp.Delivery, dependencies T) error,
) Consumer[T] {
	if numWorkers < 1 {
		numWorkers = 1
	}
	maxAttempts := uint(5)
	if cfg.MaxAttempts > 0 {
		maxAttempts = uint(cfg.MaxAttempts)
	}
	return &consumer[T]{
		conn:        conn,
		cfg:         cfg,
		spec:        spec,
		handler:     handler,
		numWorkers:  numWorkers,
		maxAttempts: maxAttempts,
	}
}

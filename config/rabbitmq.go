package config

import (
	"context"
	"fmt"
	"github.com/cenkalti/backoff/v5"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"time"
)

func (r *RabbitMQ) URL() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%d/", r.User, r.Pass, r.Host, r.Port)
}

// NewRabbitMQConn dials the broker with backoff and closes the connection when ctx is done.
func NewRabbitMQConn(ctx context.Context, cfg *RabbitMQ) (*amqp.Connection, error) {
	logger := zerolog.Ctx(ctx).With().Str("host", cfg.Host).Int("port", cfg.Port).Logger()

	operation := func() (*amqp.Connection, error) {
		conn, err := amqp.Dial(cfg.URL())
		if err != nil {
			logger.Warn().Err(err).Msg("failed to connect to RabbitMQ, retrying")
			return nil, err
		}
		return conn, nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = 10 * time.Second
	conn, err := backoff.Retry(ctx, operation, backoff.WithBackOff(bo), backoff.WithMaxTries(5))
	if err != nil {
		logger.Error().Err(err).Msg("giving up on RabbitMQ")
		return nil, err
	}

	logger.Info().Msg("connected to RabbitMQ")
	go func() {
		<-ctx.Done()
		if err := conn.Close(); err != nil && err != amqp.ErrClosed {
			logger.Error().Err(err).Msg("failed to close RabbitMQ connection")
			return
		}
		logger.Info().Msg("RabbitMQ connection closed")
	}()

	return conn, nil
}

package redisqueue

import (
	"context"
	"errors"
	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"media-pipeline/dto"
	"media-pipeline/metrics"
	"media-pipeline/pkg/apperr"
	"sync"
	"time"
)

type Handler func(ctx context.Context, queue string, item dto.WorkItem) error

type ConsumerConfig struct {
	Workers     int
	PollTimeout time.Duration
	MaxAttempts int
	RetryBase   time.Duration
	RetryMax    time.Duration
	// PruneAfter is how long a queue may go without a push before an empty one is unregistered.
	PruneAfter time.Duration
	// MaintenanceInterval bounds how often delayed items are promoted and the registry pruned.
	MaintenanceInterval time.Duration
}

func (c *ConsumerConfig) setDefaults() {
	if c.Workers < 1 {
		c.Workers = 1
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = 2 * time.Second
	}
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 5
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Second
	}
	if c.RetryMax <= 0 {
		c.RetryMax = time.Minute
	}
	if c.PruneAfter <= 0 {
		c.PruneAfter = time.Hour
	}
	if c.MaintenanceInterval <= 0 {
		c.MaintenanceInterval = time.Second
	}
}

// Consumer pops work from every registered queue with a fixed number of workers. Queue order is
// rotated on each pop so one busy user cannot starve the others.
type Consumer struct {
	queue   *Queue
	cfg     ConsumerConfig
	handler Handler

	offset          int
	lastMaintenance time.Time
}

func NewConsumer(queue *Queue, cfg ConsumerConfig, handler Handler) *Consumer {
	cfg.setDefaults()
	return &Consumer{queue: queue, cfg: cfg, handler: handler}
}

// Consume runs until ctx is cancelled. Items already handed to a worker run to completion on a
// context detached from ctx.
func (c *Consumer) Consume(ctx context.Context) error {
	logger := zerolog.Ctx(ctx)
	logger.Info().Int("workers", c.cfg.Workers).Str("prefix", c.queue.prefix).Msg("video queue consumer started")

	slots := make(chan struct{}, c.cfg.Workers)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case slots <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}

		c.maintain(ctx)

		queue, item, err := c.pop(ctx)
		if err != nil {
			<-slots
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !errors.Is(err, ErrEmpty) {
				logger.Error().Err(err).Msg("failed to pop work item")
				sleep(ctx, c.cfg.PollTimeout)
			}
			continue
		}

		wg.Add(1)
		go func(queue string, item dto.WorkItem) {
			defer wg.Done()
			defer func() { <-slots }()
			c.process(context.WithoutCancel(ctx), queue, item)
		}(queue, *item)
	}
}

func (c *Consumer) pop(ctx context.Context) (string, *dto.WorkItem, error) {
	queues, err := c.queue.Queues(ctx)
	if err != nil {
		return "", nil, err
	}
	return c.queue.Pop(ctx, c.rotate(queues), c.cfg.PollTimeout)
}

func (c *Consumer) rotate(queues []string) []string {
	if len(queues) < 2 {
		return queues
	}
	n := c.offset % len(queues)
	c.offset++
	return append(queues[n:len(queues):len(queues)], queues[:n]...)
}

func (c *Consumer) maintain(ctx context.Context) {
	now := time.Now()
	if now.Sub(c.lastMaintenance) < c.cfg.MaintenanceInterval {
		return
	}
	c.lastMaintenance = now

	logger := zerolog.Ctx(ctx)
	if n, err := c.queue.PromoteDue(ctx, now); err != nil {
		logger.Error().Err(err).Msg("failed to promote delayed items")
	} else if n > 0 {
		logger.Debug().Int("count", n).Msg("promoted delayed items")
	}
	if n, err := c.queue.Prune(ctx, now.Add(-c.cfg.PruneAfter)); err != nil {
		logger.Error().Err(err).Msg("failed to prune queue registry")
	} else if n > 0 {
		logger.Debug().Int("count", n).Msg("pruned idle queues")
	}
}

func (c *Consumer) process(ctx context.Context, queue string, item dto.WorkItem) {
	logger := zerolog.Ctx(ctx).With().
		Str("queue", queue).
		Str("job_id", item.ID.String()).
		Str("job_type", string(item.Type)).
		Int("attempts", item.Attempts).
		Logger()
	ctx = logger.WithContext(ctx)

	err := c.handler(ctx, queue, item)
	if err == nil {
		return
	}

	item.Attempts++
	if errors.Is(err, apperr.ErrNonRetryable) || item.Attempts >= c.cfg.MaxAttempts {
		logger.Error().Err(err).Msg("work item dead-lettered")
		metrics.QueueDeadLetters.WithLabelValues(c.queue.prefix).Inc()
		if dlErr := c.queue.DeadLetter(ctx, queue, item, err); dlErr != nil {
			logger.Error().Err(dlErr).Msg("failed to dead-letter work item")
		}
		return
	}

	delay := c.retryDelay(item.Attempts)
	logger.Warn().Err(err).Dur("retry_in", delay).Msg("work item failed, scheduling retry")
	if delayErr := c.queue.Delay(ctx, queue, item, time.Now().Add(delay)); delayErr != nil {
		logger.Error().Err(delayErr).Msg("failed to schedule retry")
	}
}

// retryDelay is the exponential backoff interval before the given attempt.
func (c *Consumer) retryDelay(attempt int) time.Duration {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.RetryBase
	bo.MaxInterval = c.cfg.RetryMax
	bo.RandomizationFactor = 0
	bo.Reset()

	delay := bo.InitialInterval
	for i := 0; i < attempt; i++ {
		delay = bo.NextBackOff()
	}
	return delay
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

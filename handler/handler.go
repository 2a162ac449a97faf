package handler

import (
	"context"
	"encoding/json"
	"fmt"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"media-pipeline/constant"
	"media-pipeline/dto"
	"media-pipeline/pkg/apperr"
	"media-pipeline/pkg/redisqueue"
	"media-pipeline/service"
)

type ServiceDependencies struct {
	VideoService service.VideoService
	Thumbnails   service.Handler
	Streaming    service.Handler
	Documents    service.Handler
}

func (d ServiceDependencies) route(jobType constant.JobType) service.Handler {
	switch jobType {
	case constant.JobTypeProcessVideo:
		return d.VideoService
	case constant.JobTypeGenerateThumbnails:
		return d.Thumbnails
	case constant.JobTypeAdaptiveStreaming:
		return d.Streaming
	case constant.JobTypeDocumentProcessing:
		return d.Documents
	}
	return nil
}

// Dispatch hands item to the service owning its job type.
func Dispatch(ctx context.Context, item dto.WorkItem, deps ServiceDependencies) error {
	h := deps.route(item.Type)
	if h == nil {
		zerolog.Ctx(ctx).Error().Str("job_type", string(item.Type)).Msg("no handler for job type")
		return apperr.NonRetryable(apperr.Validation("unknown job type %q", item.Type))
	}
	return h.Handle(ctx, item)
}

// JobHandler decodes a RabbitMQ delivery into a work item and dispatches it.
func JobHandler(ctx context.Context, msg amqp.Delivery, deps ServiceDependencies) error {
	var item dto.WorkItem
	if err := json.Unmarshal(msg.Body, &item); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("failed to unmarshal work item")
		return apperr.NonRetryable(fmt.Errorf("decode work item: %w", err))
	}

	zerolog.Ctx(ctx).Info().
		Str("job_id", item.ID.String()).
		Str("job_type", string(item.Type)).
		Msg("received work item")

	return Dispatch(ctx, item, deps)
}

// WorkItemHandler adapts Dispatch to the Redis queue consumer.
func WorkItemHandler(deps ServiceDependencies) redisqueue.Handler {
	return func(ctx context.Context, queue string, item dto.WorkItem) error {
		zerolog.Ctx(ctx).Info().
			Str("queue", queue).
			Str("job_id", item.ID.String()).
			Str("job_type", string(item.Type)).
			Int("attempts", item.Attempts).
			Msg("received work item")
		return Dispatch(ctx, item, deps)
	}
}

package service

import (
	"context"
	"fmt"
	"github.com/rs/zerolog"
	"media-pipeline/constant"
	"media-pipeline/dto"
	"media-pipeline/pkg/rabbitmq"
)

// Publisher sends a message to a RabbitMQ queue. rabbitmq.Publisher implements it.
type Publisher interface {
	Publish(ctx context.Context, spec rabbitmq.QueueSpec, message any) error
}

// Dispatcher routes new work items to the queue that serves their type. Video jobs always go to
// the owner's Redis queue; the other types go to their RabbitMQ queue, or to Redis as well when
// no broker is configured.
type Dispatcher struct {
	video     VideoQueue
	publisher Publisher
	routes    map[constant.JobType]rabbitmq.QueueSpec
}

func NewDispatcher(video VideoQueue, publisher Publisher, routes map[constant.JobType]rabbitmq.QueueSpec) *Dispatcher {
	return &Dispatcher{video: video, publisher: publisher, routes: routes}
}

func (d *Dispatcher) Enqueue(ctx context.Context, item dto.WorkItem) error {
	logger := zerolog.Ctx(ctx).With().Str("job_id", item.ID.String()).Str("job_type", string(item.Type)).Logger()

	spec, routed := d.routes[item.Type]
	if item.Type == constant.JobTypeProcessVideo || d.publisher == nil || !routed {
		queue := d.video.UserQueue(item.UserID)
		if err := d.video.Push(ctx, queue, item); err != nil {
			return err
		}
		logger.Debug().Str("queue", queue).Msg("work item queued")
		return nil
	}

	if err := d.publisher.Publish(ctx, spec, item); err != nil {
		return fmt.Errorf("publish to %s: %w", spec.Queue, err)
	}
	logger.Debug().Str("queue", spec.Queue).Msg("work item published")
	return nil
}

// StandaloneRoutes is the default RabbitMQ layout for the non-video job types.
func StandaloneRoutes(exchange string) map[constant.JobType]rabbitmq.QueueSpec {
	if exchange == "" {
		exchange = "media_exchange"
	}
	return map[constant.JobType]rabbitmq.QueueSpec{
		constant.JobTypeGenerateThumbnails: {Exchange: exchange, Queue: "thumbnail_queue", RoutingKey: "media.thumbnails"},
		constant.JobTypeAdaptiveStreaming:  {Exchange: exchange, Queue: "streaming_queue", RoutingKey: "media.streaming"},
		constant.JobTypeDocumentProcessing: {Exchange: exchange, Queue: "document_queue", RoutingKey: "media.document"},
	}
}

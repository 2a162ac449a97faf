package service

import (
	"context"
	"fmt"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"media-pipeline/constant"
	"media-pipeline/dto"
	"media-pipeline/entities"
	"media-pipeline/pkg/apperr"
	"media-pipeline/repository"
	"strings"
)

type Enqueuer interface {
	Enqueue(ctx context.Context, item dto.WorkItem) error
}

type SubmitRequest struct {
	UserID      uuid.UUID
	ContentID   uuid.UUID
	Type        constant.JobType
	Timestamps  []string
	Resolutions []int
}

// JobService creates standalone jobs for existing content and reads job records.
type JobService struct {
	jobs     repository.JobRepository
	contents repository.ContentRepository
	queue    Enqueuer
}

func NewJobService(jobs repository.JobRepository, contents repository.ContentRepository, queue Enqueuer) *JobService {
	return &JobService{jobs: jobs, contents: contents, queue: queue}
}

// Submit queues a thumbnail or adaptive streaming job against content the caller owns.
func (s *JobService) Submit(ctx context.Context, req SubmitRequest) (*entities.Job, error) {
	content, err := s.contents.FindContentById(ctx, req.ContentID)
	if err != nil {
		return nil, err
	}
	if content.UserID != req.UserID {
		return nil, apperr.NotFound("content", req.ContentID.String())
	}
	source := videoSource(content)
	if content.Kind != constant.ContentKindVideo || source == "" {
		return nil, apperr.Validation("content %s has no video source", content.ID)
	}

	var payload any
	switch req.Type {
	case constant.JobTypeGenerateThumbnails:
		payload = dto.ThumbnailPayload{
			Version:    dto.PayloadVersion,
			ContentID:  content.ID,
			UserID:     content.UserID,
			SourceKey:  source,
			Timestamps: req.Timestamps,
		}
	case constant.JobTypeAdaptiveStreaming:
		payload = dto.StreamingPayload{
			Version:     dto.PayloadVersion,
			ContentID:   content.ID,
			UserID:      content.UserID,
			SourceKey:   source,
			Resolutions: req.Resolutions,
		}
	default:
		return nil, apperr.Validation("job type %q cannot be submitted directly", req.Type)
	}

	item, err := dto.NewWorkItem(uuid.New(), req.Type, content.UserID, content.ID, payload)
	if err != nil {
		return nil, err
	}
	job, err := s.jobs.CreateJob(ctx, &entities.Job{
		ID:        item.ID,
		UserID:    content.UserID,
		Type:      req.Type,
		Payload:   entities.RawJSON(item.Payload),
		ContentID: &content.ID,
	})
	if err != nil {
		return nil, err
	}
	if err := s.queue.Enqueue(ctx, item); err != nil {
		return nil, err
	}
	zerolog.Ctx(ctx).Info().Str("job_id", job.ID.String()).Str("job_type", string(job.Type)).Msg("job submitted")
	return job, nil
}

// videoSource picks the object a standalone job reads. The original upload is deleted once the
// video is processed, so the storage copy or the tallest rendition stands in for it.
func videoSource(content *entities.Content) string {
	meta := content.Metadata.Data
	if meta.CompressedVideo != "" {
		return meta.CompressedVideo
	}
	best, bestHeight := "", 0
	for name, key := range meta.Streams {
		var h int
		if _, err := fmt.Sscanf(name, "%dp", &h); err != nil || !strings.HasSuffix(key, ".mp4") {
			continue
		}
		if h > bestHeight {
			best, bestHeight = key, h
		}
	}
	if best != "" {
		return best
	}
	if content.ProcessingStatus == constant.ProcessingStatusCompleted {
		return ""
	}
	return content.SourceKey
}

// Get returns the job if it belongs to userID.
func (s *JobService) Get(ctx context.Context, userID, jobID uuid.UUID) (*entities.Job, error) {
	job, err := s.jobs.FindJobById(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.UserID != userID {
		return nil, apperr.NotFound("job", jobID.String())
	}
	return job, nil
}

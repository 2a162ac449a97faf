package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"media-pipeline/constant"
	"media-pipeline/dto"
	"media-pipeline/entities"
	"media-pipeline/metrics"
	"media-pipeline/pkg/apperr"
	"media-pipeline/repository"
	"os"
	"path/filepath"
	"time"
)

// outcome is what a successful stage hands back to the runner.
type outcome struct {
	result any
	// afterComplete runs once the job is COMPLETED. It must not fail the job.
	afterComplete func(ctx context.Context)
}

type stageFunc func(ctx context.Context, job *entities.Job, scratch string, progress func(int)) (*outcome, error)

// jobRunner owns the job record lifecycle shared by every job type: load, PROCESSING, progress,
// and the terminal transition with content bookkeeping, scratch cleanup and notification.
type jobRunner struct {
	jobs     repository.JobRepository
	contents repository.ContentRepository
	notifier Notifier
	opts     Options
	now      func() time.Time
}

func newJobRunner(jobs repository.JobRepository, contents repository.ContentRepository, notifier Notifier, opts Options) *jobRunner {
	if notifier == nil {
		notifier = noopNotifier{}
	}
	if opts.ScratchRoot == "" {
		opts.ScratchRoot = filepath.Join(os.TempDir(), "media-pipeline")
	}
	return &jobRunner{jobs: jobs, contents: contents, notifier: notifier, opts: opts, now: time.Now}
}

// load returns the job behind item, or nil when there is nothing left to do for it.
func (r *jobRunner) load(ctx context.Context, item dto.WorkItem) (*entities.Job, error) {
	job, err := r.jobs.FindJobById(ctx, item.ID)
	if apperr.Is(err, apperr.CodeNotFound) {
		return nil, apperr.NonRetryable(err)
	}
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		zerolog.Ctx(ctx).Info().Str("status", string(job.Status)).Msg("job already finished, skipping redelivery")
		return nil, nil
	}
	if job.Type != item.Type {
		return nil, apperr.NonRetryable(apperr.Validation("work item type %s does not match job type %s", item.Type, job.Type))
	}
	return job, nil
}

// scratchDir is processed_<contentId> for the video pipeline. Other job types may run against the
// same content at the same time, so they get a directory of their own.
func (r *jobRunner) scratchDir(job *entities.Job) string {
	if job.Type == constant.JobTypeProcessVideo && job.ContentID != nil {
		return filepath.Join(r.opts.ScratchRoot, constant.ProcessedPrefix+job.ContentID.String())
	}
	return filepath.Join(r.opts.ScratchRoot, "job_"+job.ID.String())
}

// execute moves job to PROCESSING, runs stage and records the terminal status. When tracksContent
// is set the linked content's processing status follows the job. A stage failure leaves the job
// FAILED and is returned as non-retryable.
func (r *jobRunner) execute(ctx context.Context, job *entities.Job, tracksContent bool, stage stageFunc) (err error) {
	logger := zerolog.Ctx(ctx)

	switch job.Status {
	case constant.JobStatusQueued:
		processing, progress := constant.JobStatusProcessing, 0
		updated, updateErr := r.jobs.UpdateJob(ctx, job.ID, repository.JobUpdate{Status: &processing, Progress: &progress})
		if apperr.Is(updateErr, apperr.CodeInvalidTransition) {
			logger.Info().Str("status", string(updated.Status)).Msg("job was picked up elsewhere")
			return nil
		}
		if updateErr != nil {
			logger.Error().Err(updateErr).Msg("failed to update job status")
			return updateErr
		}
		job = updated
	case constant.JobStatusProcessing:
		logger.Warn().Int("progress", job.Progress).Msg("resuming interrupted job")
	}

	if tracksContent {
		r.setContentStatus(ctx, job, constant.ProcessingStatusProcessing)
	}

	started := r.now()
	metrics.ActiveJobs.Inc()
	defer metrics.ActiveJobs.Dec()

	jobCtx := ctx
	if r.opts.JobTimeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, r.opts.JobTimeout)
		defer cancel()
	}

	scratch := r.scratchDir(job)
	defer removeDir(ctx, scratch)

	defer func() {
		if err != nil {
			r.fail(context.WithoutCancel(ctx), job, tracksContent, err)
			metrics.JobDuration.WithLabelValues(string(job.Type)).Observe(r.now().Sub(started).Seconds())
			err = apperr.NonRetryable(err)
		}
	}()

	if err = os.MkdirAll(scratch, os.ModePerm); err != nil {
		logger.Error().Err(err).Msg("failed to create scratch directory")
		return err
	}

	out, err := stage(jobCtx, job, scratch, func(p int) { r.progress(jobCtx, job.ID, p) })
	if err == nil && jobCtx.Err() != nil {
		err = jobCtx.Err()
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("job exceeded %s: %w", r.opts.JobTimeout, err)
		}
		logger.Error().Err(err).Msg("job failed")
		return err
	}

	raw, err := json.Marshal(out.result)
	if err != nil {
		return err
	}
	completed, full := constant.JobStatusCompleted, 100
	if _, err = r.jobs.UpdateJob(ctx, job.ID, repository.JobUpdate{
		Status:   &completed,
		Progress: &full,
		Result:   entities.RawJSON(raw),
	}); err != nil {
		logger.Error().Err(err).Msg("failed to complete job")
		return err
	}

	metrics.JobsTotal.WithLabelValues(string(job.Type), string(constant.JobStatusCompleted)).Inc()
	metrics.JobDuration.WithLabelValues(string(job.Type)).Observe(r.now().Sub(started).Seconds())
	logger.Info().Dur("elapsed", r.now().Sub(started)).Msg("job completed")

	if out.afterComplete != nil {
		out.afterComplete(ctx)
	}
	r.notify(ctx, dto.JobEvent{JobID: job.ID, Status: constant.JobStatusCompleted, Type: job.Type, Result: raw})
	return nil
}

func (r *jobRunner) fail(ctx context.Context, job *entities.Job, tracksContent bool, cause error) {
	logger := zerolog.Ctx(ctx)
	failed := constant.JobStatusFailed
	message := cause.Error()
	trace := fmt.Sprintf("%s: %+v", apperr.CodeOf(cause), cause)

	if _, err := r.jobs.UpdateJob(ctx, job.ID, repository.JobUpdate{
		Status:       &failed,
		ErrorMessage: &message,
		ErrorTrace:   &trace,
	}); err != nil {
		logger.Error().Err(err).Msg("failed to mark job failed")
	}
	metrics.JobsTotal.WithLabelValues(string(job.Type), string(constant.JobStatusFailed)).Inc()

	if tracksContent && job.ContentID != nil {
		r.updateContent(ctx, *job.ContentID, func(c *entities.Content, u *repository.ContentUpdate) {
			status := constant.ProcessingStatusFailed
			u.ProcessingStatus = &status
			meta := c.Metadata.Data
			meta.FailureReason = message
			u.Metadata = &meta
		})
	}

	r.notify(ctx, dto.JobEvent{JobID: job.ID, Status: constant.JobStatusFailed, Type: job.Type, Error: message})
}

func (r *jobRunner) progress(ctx context.Context, id uuid.UUID, p int) {
	if _, err := r.jobs.UpdateJob(ctx, id, repository.JobUpdate{Progress: &p}); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Int("progress", p).Msg("progress not recorded")
		return
	}
	zerolog.Ctx(ctx).Debug().Int("progress", p).Msg("progress")
}

func (r *jobRunner) setContentStatus(ctx context.Context, job *entities.Job, status constant.ProcessingStatus) {
	if job.ContentID == nil {
		return
	}
	if err := r.contents.UpdateContent(ctx, *job.ContentID, repository.ContentUpdate{ProcessingStatus: &status}); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("content_id", job.ContentID.String()).Msg("failed to update content status")
	}
}

// updateContent loads the content, lets mutate fill a partial update from it and applies it.
func (r *jobRunner) updateContent(ctx context.Context, id uuid.UUID, mutate func(c *entities.Content, u *repository.ContentUpdate)) error {
	content, err := r.contents.FindContentById(ctx, id)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("content_id", id.String()).Msg("failed to load content")
		return err
	}
	var update repository.ContentUpdate
	mutate(content, &update)
	if err := r.contents.UpdateContent(ctx, id, update); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("content_id", id.String()).Msg("failed to update content")
		return err
	}
	return nil
}

func (r *jobRunner) notify(ctx context.Context, event dto.JobEvent) {
	cleanup(ctx, "webhook", func() error { return r.notifier.Notify(ctx, event) })
}

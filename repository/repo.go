package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"media-pipeline/constant"
	"media-pipeline/entities"
	"media-pipeline/pkg/apperr"
	"time"
)

// JobUpdate is a partial update of a job record. Nil fields are left untouched.
type JobUpdate struct {
	Status       *constant.JobStatus
	Progress     *int
	Result       entities.RawJSON
	ErrorMessage *string
	ErrorTrace   *string
}

// ContentUpdate is a partial update of a content record. Nil fields are left untouched.
type ContentUpdate struct {
	Status           *constant.ContentStatus
	UploadStatus     *constant.UploadStatus
	ProcessingStatus *constant.ProcessingStatus
	Metadata         *entities.ContentMetadata
}

type JobRepository interface {
	CreateJob(ctx context.Context, job *entities.Job) (*entities.Job, error)
	UpdateJob(ctx context.Context, id uuid.UUID, update JobUpdate) (*entities.Job, error)
	FindJobById(ctx context.Context, id uuid.UUID) (*entities.Job, error)
	CountActive(ctx context.Context, userID uuid.UUID, jobType constant.JobType) (int, error)
	CountActiveAhead(ctx context.Context, job *entities.Job) (int, error)
}

type ContentRepository interface {
	CreateContent(ctx context.Context, content *entities.Content) (*entities.Content, error)
	UpdateContent(ctx context.Context, id uuid.UUID, update ContentUpdate) error
	FindContentById(ctx context.Context, id uuid.UUID) (*entities.Content, error)
}

type Repository interface {
	JobRepository
	ContentRepository
	GetDB() *gorm.DB
}

type repo struct {
	db *gorm.DB
}

func NewRepo(db *sql.DB) (Repository, error) {
	gormDB, err := gorm.Open(postgres.New(postgres.Config{
		Conn: db}),
		&gorm.Config{
			Logger: logger.Default.LogMode(logger.Warn),
		},
	)
	if err != nil {
		return nil, err
	}
	return &repo{
		db: gormDB,
	}, nil
}

// NewRepoFromGorm wraps an already opened gorm handle.
func NewRepoFromGorm(db *gorm.DB) Repository {
	return &repo{db: db}
}

func (r *repo) GetDB() *gorm.DB {
	return r.db
}

func (r *repo) CreateJob(ctx context.Context, job *entities.Job) (*entities.Job, error) {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.Status == "" {
		job.Status = constant.JobStatusQueued
	}
	if job.Status != constant.JobStatusQueued {
		return nil, apperr.New(apperr.CodeInvalidTransition, "jobs are created in status QUEUED")
	}
	job.Progress = 0
	if err := r.GetDB().WithContext(ctx).Create(job).Error; err != nil {
		return nil, err
	}
	return job, nil
}

// UpdateJob applies update only when it respects the job state machine: status moves
// QUEUED -> PROCESSING -> COMPLETED|FAILED and progress never goes down while PROCESSING.
func (r *repo) UpdateJob(ctx context.Context, id uuid.UUID, update JobUpdate) (*entities.Job, error) {
	fields := map[string]interface{}{
		"updated_at": time.Now().UTC(),
	}
	query := r.GetDB().WithContext(ctx).Model(&entities.Job{}).Where("id = ?", id)

	if update.Status != nil {
		from := update.Status.AllowedFrom()
		if len(from) == 0 {
			return nil, apperr.New(apperr.CodeInvalidTransition, fmt.Sprintf("cannot move job to %s", *update.Status))
		}
		query = query.Where("status IN ?", from)
		fields["status"] = *update.Status
	} else if update.Progress != nil {
		query = query.Where("status = ?", constant.JobStatusProcessing)
	}

	if update.Progress != nil {
		progress := clampProgress(*update.Progress)
		query = query.Where("progress <= ?", progress)
		fields["progress"] = progress
	}
	if update.Result != nil {
		fields["result"] = update.Result
	}
	if update.ErrorMessage != nil {
		fields["error_message"] = *update.ErrorMessage
	}
	if update.ErrorTrace != nil {
		fields["error_trace"] = *update.ErrorTrace
	}

	res := query.Updates(fields)
	if res.Error != nil {
		return nil, res.Error
	}

	job, err := r.FindJobById(ctx, id)
	if err != nil {
		return nil, err
	}
	if res.RowsAffected == 0 {
		return job, apperr.New(apperr.CodeInvalidTransition,
			fmt.Sprintf("job %s rejected update (status %s, progress %d)", id, job.Status, job.Progress))
	}
	return job, nil
}

func (r *repo) FindJobById(ctx context.Context, id uuid.UUID) (*entities.Job, error) {
	job := &entities.Job{}
	err := r.GetDB().WithContext(ctx).First(job, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("job", id.String())
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (r *repo) CountActive(ctx context.Context, userID uuid.UUID, jobType constant.JobType) (int, error) {
	var count int64
	err := r.GetDB().WithContext(ctx).Model(&entities.Job{}).
		Where("user_id = ? AND type = ? AND status IN ?", userID, jobType,
			[]constant.JobStatus{constant.JobStatusQueued, constant.JobStatusProcessing}).
		Count(&count).Error
	return int(count), err
}

// CountActiveAhead counts the jobs of the same owner and type that hold a slot ahead of job:
// every PROCESSING job plus QUEUED jobs created before it.
func (r *repo) CountActiveAhead(ctx context.Context, job *entities.Job) (int, error) {
	var count int64
	err := r.GetDB().WithContext(ctx).Model(&entities.Job{}).
		Where("user_id = ? AND type = ? AND id <> ?", job.UserID, job.Type, job.ID).
		Where("(status = ? OR (status = ? AND created_at < ?))",
			constant.JobStatusProcessing, constant.JobStatusQueued, job.CreatedAt).
		Count(&count).Error
	return int(count), err
}

func (r *repo) CreateContent(ctx context.Context, content *entities.Content) (*entities.Content, error) {
	if content.ID == uuid.Nil {
		content.ID = uuid.New()
	}
	if err := r.GetDB().WithContext(ctx).Create(content).Error; err != nil {
		return nil, err
	}
	return content, nil
}

func (r *repo) UpdateContent(ctx context.Context, id uuid.UUID, update ContentUpdate) error {
	fields := map[string]interface{}{
		"updated_at": time.Now().UTC(),
	}
	if update.Status != nil {
		fields["status"] = *update.Status
	}
	if update.UploadStatus != nil {
		fields["upload_status"] = *update.UploadStatus
	}
	if update.ProcessingStatus != nil {
		fields["processing_status"] = *update.ProcessingStatus
	}
	if update.Metadata != nil {
		fields["metadata"] = entities.JSONField[entities.ContentMetadata]{Data: *update.Metadata}
	}

	res := r.GetDB().WithContext(ctx).Model(&entities.Content{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return apperr.NotFound("content", id.String())
	}
	return nil
}

func (r *repo) FindContentById(ctx context.Context, id uuid.UUID) (*entities.Content, error) {
	content := &entities.Content{}
	err := r.GetDB().WithContext(ctx).First(content, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("content", id.String())
	}
	if err != nil {
		return nil, err
	}
	return content, nil
}

func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

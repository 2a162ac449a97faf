package constant

import "time"

type JobStatus string

const (
	JobStatusQueued     JobStatus = "QUEUED"
	JobStatusProcessing JobStatus = "PROCESSING"
	JobStatusCompleted  JobStatus = "COMPLETED"
	JobStatusFailed     JobStatus = "FAILED"
)

// Terminal reports whether no further transition is allowed from s.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// AllowedFrom lists the statuses a job may move to s from.
func (s JobStatus) AllowedFrom() []JobStatus {
	switch s {
	case JobStatusProcessing:
		return []JobStatus{JobStatusQueued}
	case JobStatusCompleted, JobStatusFailed:
		return []JobStatus{JobStatusProcessing}
	default:
		return nil
	}
}

type JobType string

const (
	JobTypeProcessVideo       JobType = "PROCESS_VIDEO"
	JobTypeGenerateThumbnails JobType = "GENERATE_THUMBNAILS"
	JobTypeAdaptiveStreaming  JobType = "ADAPTIVE_STREAMING"
	JobTypeDocumentProcessing JobType = "DOCUMENT_PROCESSING"
)

type ContentKind string

const (
	ContentKindVideo    ContentKind = "video"
	ContentKindDocument ContentKind = "document"
)

type ContentStatus string

const (
	ContentStatusDraft     ContentStatus = "draft"
	ContentStatusPublished ContentStatus = "published"
)

type UploadStatus string

const (
	UploadStatusUploading UploadStatus = "uploading"
	UploadStatusCompleted UploadStatus = "completed"
)

type ProcessingStatus string

const (
	ProcessingStatusQueued     ProcessingStatus = "queued"
	ProcessingStatusProcessing ProcessingStatus = "processing"
	ProcessingStatusCompleted  ProcessingStatus = "completed"
	ProcessingStatusFailed     ProcessingStatus = "failed"
)

const (
	// MaxActiveVideoJobs is the per-user cap enforced before a video job is dispatched.
	MaxActiveVideoJobs = 3
	// GateDelay is how long a job waits before being reconsidered when its owner is at the cap.
	GateDelay = 30 * time.Second
)

// Object storage key prefixes.
const (
	UploadsPrefix   = "uploads"
	HLSPrefix       = "hls"
	ProcessedPrefix = "processed_"
)

type Environment string

const (
	EnvironmentProduction Environment = "production"
	EnvironmentStaging    Environment = "staging"
	EnvironmentDevelop    Environment = "develop"
)

func (e Environment) String() string {
	return string(e)
}

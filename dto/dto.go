package dto

import (
	"encoding/json"
	"fmt"
	"github.com/google/uuid"
	"media-pipeline/constant"
	"time"
)

// PayloadVersion is bumped whenever a payload shape changes incompatibly.
const PayloadVersion = 1

// WorkItem is the envelope pushed onto a work queue. ID is the job id.
type WorkItem struct {
	ID         uuid.UUID        `json:"id"`
	Type       constant.JobType `json:"type"`
	UserID     uuid.UUID        `json:"userId"`
	ContentID  uuid.UUID        `json:"contentId"`
	Attempts   int              `json:"attempts"`
	EnqueuedAt time.Time        `json:"enqueuedAt"`
	Payload    json.RawMessage  `json:"payload"`
}

type VideoPayload struct {
	Version            int       `json:"version"`
	ContentID          uuid.UUID `json:"contentId"`
	UserID             uuid.UUID `json:"userId"`
	SourceKey          string    `json:"sourceKey"`
	FileName           string    `json:"fileName"`
	UseAdaptiveStorage bool      `json:"useAdaptiveStorage"`
	Resolutions        []int     `json:"resolutions,omitempty"`
	Timestamps         []string  `json:"timestamps,omitempty"`
}

type ThumbnailPayload struct {
	Version    int       `json:"version"`
	ContentID  uuid.UUID `json:"contentId"`
	UserID     uuid.UUID `json:"userId"`
	SourceKey  string    `json:"sourceKey"`
	Timestamps []string  `json:"timestamps,omitempty"`
}

type StreamingPayload struct {
	Version     int       `json:"version"`
	ContentID   uuid.UUID `json:"contentId"`
	UserID      uuid.UUID `json:"userId"`
	SourceKey   string    `json:"sourceKey"`
	Resolutions []int     `json:"resolutions,omitempty"`
}

type DocumentPayload struct {
	Version   int       `json:"version"`
	ContentID uuid.UUID `json:"contentId"`
	UserID    uuid.UUID `json:"userId"`
	SourceKey string    `json:"sourceKey"`
	FileName  string    `json:"fileName"`
}

// NewWorkItem encodes payload into a WorkItem for the given job.
func NewWorkItem(jobID uuid.UUID, jobType constant.JobType, userID, contentID uuid.UUID, payload any) (WorkItem, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return WorkItem{}, fmt.Errorf("encode %s payload: %w", jobType, err)
	}
	return WorkItem{
		ID:         jobID,
		Type:       jobType,
		UserID:     userID,
		ContentID:  contentID,
		EnqueuedAt: time.Now().UTC(),
		Payload:    raw,
	}, nil
}

// DecodePayload decodes raw into the payload variant expected for jobType.
func DecodePayload[T any](jobType constant.JobType, raw json.RawMessage) (*T, error) {
	var payload T
	if len(raw) == 0 {
		return nil, fmt.Errorf("%s payload is empty", jobType)
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", jobType, err)
	}
	return &payload, nil
}

type VideoResult struct {
	Mode           string            `json:"mode"`
	MasterPlaylist string            `json:"masterPlaylist"`
	Streams        map[string]string `json:"streams,omitempty"`
	Compressed     string            `json:"compressedVideo,omitempty"`
	Thumbnails     []string          `json:"thumbnails"`
	Duration       float64           `json:"duration"`
}

type ThumbnailResult struct {
	Thumbnails []string `json:"thumbnails"`
}

type StreamingResult struct {
	MasterPlaylist string `json:"masterPlaylist"`
}

type DocumentResult struct {
	MimeType  string `json:"mimeType"`
	SizeBytes int64  `json:"sizeBytes"`
	Checksum  string `json:"checksum"`
}

// JobEvent is the webhook body fired on terminal job transitions.
type JobEvent struct {
	JobID  uuid.UUID          `json:"jobId"`
	Status constant.JobStatus `json:"status"`
	Type   constant.JobType   `json:"type"`
	Result json.RawMessage    `json:"result,omitempty"`
	Error  string             `json:"error,omitempty"`
}

type InitUploadRequest struct {
	FileName           string   `json:"filename"`
	ContentType        string   `json:"contentType"`
	TotalSize          int64    `json:"totalSize"`
	ChunkSize          int64    `json:"chunkSize"`
	Title              string   `json:"title"`
	Description        string   `json:"description"`
	Category           string   `json:"category"`
	Tags               []string `json:"tags"`
	Visibility         string   `json:"visibility"`
	UseAdaptiveStorage bool     `json:"useAdaptiveStorage"`
}

type InitUploadResponse struct {
	SessionID string `json:"sessionId"`
}

type UploadPartResponse struct {
	Index         int   `json:"index"`
	Size          int64 `json:"size"`
	UploadedBytes int64 `json:"uploadedBytes"`
}

type UploadStatusResponse struct {
	UploadedBytes       int64 `json:"uploadedBytes"`
	ReceivedPartIndexes []int `json:"receivedPartIndexes"`
	TotalSize           int64 `json:"totalSize"`
	ChunkSize           int64 `json:"chunkSize"`
}

type CompleteUploadResponse struct {
	ContentID uuid.UUID `json:"contentId"`
	JobID     uuid.UUID `json:"jobId"`
}

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

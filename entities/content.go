package entities

import (
	"github.com/google/uuid"
	"media-pipeline/constant"
	"time"
)

type Content struct {
	ID               uuid.UUID                  `json:"id" gorm:"type:uuid;primaryKey"`
	UserID           uuid.UUID                  `json:"user_id" gorm:"type:uuid;not null;index"`
	Kind             constant.ContentKind       `json:"kind" gorm:"type:varchar(20);not null"`
	Title            string                     `json:"title" gorm:"type:varchar(255);not null"`
	Description      string                     `json:"description" gorm:"type:text"`
	Category         string                     `json:"category" gorm:"type:varchar(100);not null"`
	Tags             JSONField[[]string]        `json:"tags" gorm:"type:text"`
	Visibility       string                     `json:"visibility" gorm:"type:varchar(20);not null;default:'public'"`
	Status           constant.ContentStatus     `json:"status" gorm:"type:varchar(20);not null"`
	UploadStatus     constant.UploadStatus      `json:"upload_status" gorm:"type:varchar(20);not null"`
	ProcessingStatus constant.ProcessingStatus  `json:"processing_status" gorm:"type:varchar(20);not null"`
	SourceKey        string                     `json:"source_key" gorm:"type:varchar(500)"`
	Metadata         JSONField[ContentMetadata] `json:"metadata" gorm:"type:text"`
	CreatedAt        time.Time                  `json:"created_at"`
	UpdatedAt        time.Time                  `json:"updated_at"`
}

func (Content) TableName() string {
	return "contents"
}

// ContentMetadata holds probed properties and the locations of derived artifacts.
type ContentMetadata struct {
	FileName        string            `json:"fileName,omitempty"`
	MimeType        string            `json:"mimeType,omitempty"`
	Duration        float64           `json:"duration,omitempty"`
	SizeBytes       int64             `json:"sizeBytes,omitempty"`
	Bitrate         int64             `json:"bitrate,omitempty"`
	Width           int               `json:"width,omitempty"`
	Height          int               `json:"height,omitempty"`
	AspectRatio     string            `json:"aspectRatio,omitempty"`
	Codec           string            `json:"codec,omitempty"`
	FPS             float64           `json:"fps,omitempty"`
	CompressedVideo string            `json:"compressedVideo,omitempty"`
	MasterPlaylist  string            `json:"masterPlaylist,omitempty"`
	Streams         map[string]string `json:"streams,omitempty"`
	Thumbnails      []string          `json:"thumbnails,omitempty"`
	Checksum        string            `json:"checksum,omitempty"`
	FailureReason   string            `json:"failureReason,omitempty"`
	ProcessedAt     *time.Time        `json:"processedAt,omitempty"`
}

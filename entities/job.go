package entities

import (
	"github.com/google/uuid"
	"media-pipeline/constant"
	"time"
)

type Job struct {
	ID           uuid.UUID          `json:"id" gorm:"type:uuid;primaryKey"`
	UserID       uuid.UUID          `json:"user_id" gorm:"type:uuid;not null;index:idx_jobs_user_type_status,priority:1"`
	Type         constant.JobType   `json:"type" gorm:"type:varchar(40);not null;index:idx_jobs_user_type_status,priority:2"`
	Status       constant.JobStatus `json:"status" gorm:"type:varchar(20);not null;index:idx_jobs_user_type_status,priority:3"`
	Progress     int                `json:"progress" gorm:"not null;default:0"`
	Payload      RawJSON            `json:"payload" gorm:"type:text"`
	Result       RawJSON            `json:"result,omitempty" gorm:"type:text"`
	ErrorMessage *string            `json:"error_message,omitempty" gorm:"type:text"`
	ErrorTrace   *string            `json:"error_trace,omitempty" gorm:"type:text"`
	ContentID    *uuid.UUID         `json:"content_id,omitempty" gorm:"type:uuid;index"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

func (Job) TableName() string {
	return "jobs"
}

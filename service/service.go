package service

import (
	"context"
	"github.com/google/uuid"
	"media-pipeline/dto"
	"media-pipeline/media"
	"time"
)

// MediaEngine is the set of media stages the services drive. *media.Engine implements it.
type MediaEngine interface {
	Probe(ctx context.Context, path string) (*media.ProbeResult, error)
	Transcode(ctx context.Context, input, outDir string, heights []int) (map[int]string, error)
	CompressForStorage(ctx context.Context, input, outPath string) error
	PackageAdaptive(ctx context.Context, input, outDir string, ladder []media.Rung) (string, error)
	GenerateThumbnails(ctx context.Context, input, outDir string, timestamps []string) ([]string, error)
	DetectDocument(path string) (*media.DocumentInfo, error)
}

// VideoQueue is the per-user work queue video jobs travel on.
type VideoQueue interface {
	UserQueue(userID uuid.UUID) string
	Push(ctx context.Context, queue string, item dto.WorkItem) error
	Delay(ctx context.Context, queue string, item dto.WorkItem, until time.Time) error
}

// Handler processes one work item of a given job type.
type Handler interface {
	Handle(ctx context.Context, item dto.WorkItem) error
}

type Options struct {
	// ScratchRoot is where per-content working directories are created.
	ScratchRoot string
	// JobTimeout bounds one job from PROCESSING to a terminal status. Zero disables it.
	JobTimeout time.Duration
	// Resolutions is the ladder used by traditional mode and packaging when a payload has none.
	Resolutions []int
}

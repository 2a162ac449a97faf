package service

import (
	"context"
	"fmt"
	"github.com/rs/zerolog"
	"media-pipeline/constant"
	"media-pipeline/dto"
	"media-pipeline/entities"
	"media-pipeline/media"
	"media-pipeline/repository"
	"media-pipeline/storage"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// StandaloneService runs the single-stage jobs: thumbnails, adaptive packaging and document
// inspection. None of them go through the concurrency gate.
type StandaloneService struct {
	runner *jobRunner
	engine MediaEngine
	store  storage.ObjectStorage
}

func NewStandaloneService(
	jobs repository.JobRepository,
	contents repository.ContentRepository,
	store storage.ObjectStorage,
	engine MediaEngine,
	notifier Notifier,
	opts Options,
) *StandaloneService {
	return &StandaloneService{
		runner: newJobRunner(jobs, contents, notifier, opts),
		engine: engine,
		store:  store,
	}
}

// Thumbnails handles GENERATE_THUMBNAILS.
func (s *StandaloneService) Thumbnails() Handler {
	return handlerFunc(func(ctx context.Context, item dto.WorkItem) error {
		return runStandalone(ctx, s.runner, item, false, func(ctx context.Context, job *entities.Job, p *dto.ThumbnailPayload, scratch string, progress func(int)) (*outcome, error) {
			source, err := s.download(ctx, p.SourceKey, scratch)
			if err != nil {
				return nil, err
			}
			progress(10)

			thumbs, err := s.engine.GenerateThumbnails(ctx, source, filepath.Join(scratch, "thumbnails"), p.Timestamps)
			if err != nil {
				return nil, err
			}
			progress(80)

			var keys []string
			for _, local := range thumbs {
				key := storage.JoinKey(constant.ProcessedPrefix+p.ContentID.String(), "thumbnails", filepath.Base(local))
				if err := s.store.FPut(ctx, key, local, "image/jpeg"); err != nil {
					return nil, fmt.Errorf("upload thumbnail: %w", err)
				}
				keys = append(keys, key)
			}

			err = s.runner.updateContent(ctx, p.ContentID, func(c *entities.Content, u *repository.ContentUpdate) {
				meta := c.Metadata.Data
				meta.Thumbnails = keys
				u.Metadata = &meta
			})
			if err != nil {
				return nil, err
			}
			return &outcome{result: dto.ThumbnailResult{Thumbnails: keys}}, nil
		})
	})
}

// Streaming handles ADAPTIVE_STREAMING.
func (s *StandaloneService) Streaming() Handler {
	return handlerFunc(func(ctx context.Context, item dto.WorkItem) error {
		return runStandalone(ctx, s.runner, item, false, func(ctx context.Context, job *entities.Job, p *dto.StreamingPayload, scratch string, progress func(int)) (*outcome, error) {
			source, err := s.download(ctx, p.SourceKey, scratch)
			if err != nil {
				return nil, err
			}
			progress(10)

			heights := p.Resolutions
			if len(heights) == 0 {
				heights = s.runner.opts.Resolutions
			}
			hlsDir := filepath.Join(scratch, "hls")
			if _, err := s.engine.PackageAdaptive(ctx, source, hlsDir, media.LadderFor(heights)); err != nil {
				return nil, err
			}
			progress(80)

			prefix := storage.JoinKey(constant.HLSPrefix, p.ContentID.String())
			keys, err := storage.UploadDirectory(ctx, s.store, hlsDir, prefix)
			if err != nil {
				return nil, fmt.Errorf("upload playlists: %w", err)
			}
			master := storage.JoinKey(prefix, "master.m3u8")
			streams := make(map[string]string)
			for _, key := range keys {
				if name := path.Base(key); strings.HasSuffix(name, "p.m3u8") {
					streams[strings.TrimSuffix(name, ".m3u8")] = key
				}
			}

			err = s.runner.updateContent(ctx, p.ContentID, func(c *entities.Content, u *repository.ContentUpdate) {
				meta := c.Metadata.Data
				meta.MasterPlaylist = master
				meta.Streams = streams
				u.Metadata = &meta
			})
			if err != nil {
				return nil, err
			}
			return &outcome{result: dto.StreamingResult{MasterPlaylist: master}}, nil
		})
	})
}

// Documents handles DOCUMENT_PROCESSING. Documents have no media stages, so this job owns the
// content lifecycle the way PROCESS_VIDEO does for videos.
func (s *StandaloneService) Documents() Handler {
	return handlerFunc(func(ctx context.Context, item dto.WorkItem) error {
		return runStandalone(ctx, s.runner, item, true, func(ctx context.Context, job *entities.Job, p *dto.DocumentPayload, scratch string, progress func(int)) (*outcome, error) {
			source, err := s.download(ctx, p.SourceKey, scratch)
			if err != nil {
				return nil, err
			}
			progress(30)

			info, err := s.engine.DetectDocument(source)
			if err != nil {
				return nil, err
			}
			progress(80)

			err = s.runner.updateContent(ctx, p.ContentID, func(c *entities.Content, u *repository.ContentUpdate) {
				meta := c.Metadata.Data
				meta.MimeType = info.MimeType
				meta.SizeBytes = info.SizeBytes
				meta.Checksum = info.Checksum
				meta.FailureReason = ""
				processedAt := time.Now().UTC()
				meta.ProcessedAt = &processedAt

				published, completed := constant.ContentStatusPublished, constant.ProcessingStatusCompleted
				u.Status = &published
				u.ProcessingStatus = &completed
				u.Metadata = &meta
			})
			if err != nil {
				return nil, err
			}
			return &outcome{result: dto.DocumentResult{MimeType: info.MimeType, SizeBytes: info.SizeBytes, Checksum: info.Checksum}}, nil
		})
	})
}

func (s *StandaloneService) download(ctx context.Context, key, scratch string) (string, error) {
	local := filepath.Join(scratch, "source"+path.Ext(key))
	zerolog.Ctx(ctx).Info().Str("source_key", key).Msg("downloading source")
	if err := s.store.FGet(ctx, key, local); err != nil {
		return "", fmt.Errorf("download %s: %w", key, err)
	}
	return local, nil
}

// runStandalone decodes the typed payload of item and runs stage through the shared job lifecycle.
func runStandalone[T any](
	ctx context.Context,
	runner *jobRunner,
	item dto.WorkItem,
	tracksContent bool,
	stage func(ctx context.Context, job *entities.Job, payload *T, scratch string, progress func(int)) (*outcome, error),
) error {
	logger := zerolog.Ctx(ctx).With().
		Str("job_id", item.ID.String()).
		Str("job_type", string(item.Type)).
		Logger()
	ctx = logger.WithContext(ctx)

	job, err := runner.load(ctx, item)
	if err != nil || job == nil {
		return err
	}
	payload, decodeErr := dto.DecodePayload[T](job.Type, item.Payload)

	return runner.execute(ctx, job, tracksContent, func(ctx context.Context, job *entities.Job, scratch string, progress func(int)) (*outcome, error) {
		if decodeErr != nil {
			return nil, decodeErr
		}
		return stage(ctx, job, payload, scratch, progress)
	})
}

type handlerFunc func(ctx context.Context, item dto.WorkItem) error

func (f handlerFunc) Handle(ctx context.Context, item dto.WorkItem) error {
	return f(ctx, item)
}

package service

import (
	"context"
	"fmt"
	"github.com/rs/zerolog"
	"media-pipeline/constant"
	"media-pipeline/dto"
	"media-pipeline/entities"
	"media-pipeline/media"
	"media-pipeline/metrics"
	"media-pipeline/repository"
	"media-pipeline/storage"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	modeAdaptive    = "adaptive"
	modeTraditional = "traditional"
)

// VideoService runs PROCESS_VIDEO jobs: gate, download, encode, package, thumbnail, publish.
type VideoService interface {
	Handler
}

type videoService struct {
	runner *jobRunner
	gate   *Gate
	queue  VideoQueue
	engine MediaEngine
	store  storage.ObjectStorage
}

func NewVideoService(
	jobs repository.JobRepository,
	contents repository.ContentRepository,
	store storage.ObjectStorage,
	engine MediaEngine,
	queue VideoQueue,
	gate *Gate,
	notifier Notifier,
	opts Options,
) VideoService {
	return &videoService{
		runner: newJobRunner(jobs, contents, notifier, opts),
		gate:   gate,
		queue:  queue,
		engine: engine,
		store:  store,
	}
}

func (s *videoService) Handle(ctx context.Context, item dto.WorkItem) error {
	logger := zerolog.Ctx(ctx).With().
		Str("job_id", item.ID.String()).
		Str("content_id", item.ContentID.String()).
		Logger()
	ctx = logger.WithContext(ctx)

	job, err := s.runner.load(ctx, item)
	if err != nil || job == nil {
		return err
	}
	payload, err := dto.DecodePayload[dto.VideoPayload](job.Type, item.Payload)
	if err != nil {
		return s.runner.execute(ctx, job, true, func(context.Context, *entities.Job, string, func(int)) (*outcome, error) {
			return nil, err
		})
	}

	if job.Status == constant.JobStatusQueued {
		admitted, err := s.gate.Admit(ctx, job)
		if err != nil {
			return err
		}
		if !admitted {
			until := time.Now().Add(s.gate.Delay())
			logger.Info().Time("retry_at", until).Msg("user at concurrency cap, delaying job")
			metrics.JobsGated.WithLabelValues(string(job.Type)).Inc()
			return s.queue.Delay(ctx, s.queue.UserQueue(job.UserID), item, until)
		}
	}

	logger.Info().Bool("adaptive", payload.UseAdaptiveStorage).Msg("processing video")
	return s.runner.execute(ctx, job, true, func(ctx context.Context, job *entities.Job, scratch string, progress func(int)) (*outcome, error) {
		return s.process(ctx, job, payload, scratch, progress)
	})
}

func (s *videoService) process(ctx context.Context, job *entities.Job, payload *dto.VideoPayload, scratch string, progress func(int)) (*outcome, error) {
	logger := zerolog.Ctx(ctx)
	contentID := payload.ContentID.String()
	heights := payload.Resolutions
	if len(heights) == 0 {
		heights = s.runner.opts.Resolutions
	}
	ladder := media.LadderFor(heights)

	source := filepath.Join(scratch, "source"+sourceExt(payload))
	logger.Info().Str("source_key", payload.SourceKey).Msg("downloading source")
	if err := s.store.FGet(ctx, payload.SourceKey, source); err != nil {
		return nil, fmt.Errorf("download %s: %w", payload.SourceKey, err)
	}

	probe, err := s.engine.Probe(ctx, source)
	if err != nil {
		return nil, err
	}
	progress(10)

	hlsDir := filepath.Join(scratch, "hls")
	result := dto.VideoResult{Duration: probe.Duration, Streams: make(map[string]string)}
	processedPrefix := constant.ProcessedPrefix + contentID
	hlsPrefix := storage.JoinKey(constant.HLSPrefix, contentID)

	var renditions map[int]string
	if payload.UseAdaptiveStorage {
		result.Mode = modeAdaptive
		compressed := filepath.Join(scratch, "compressed.mp4")
		if err := s.engine.CompressForStorage(ctx, source, compressed); err != nil {
			return nil, err
		}
		progress(50)

		if _, err := s.engine.PackageAdaptive(ctx, compressed, hlsDir, ladder); err != nil {
			return nil, err
		}
		progress(80)
		result.Compressed = storage.JoinKey(processedPrefix, "compressed.mp4")
	} else {
		result.Mode = modeTraditional
		renditions, err = s.engine.Transcode(ctx, source, scratch, ladderHeights(ladder))
		if err != nil {
			return nil, err
		}
		progress(50)

		if _, err := s.engine.PackageAdaptive(ctx, source, hlsDir, ladder); err != nil {
			return nil, err
		}
		progress(80)
	}

	thumbDir := filepath.Join(scratch, "thumbnails")
	thumbs, err := s.engine.GenerateThumbnails(ctx, source, thumbDir, payload.Timestamps)
	if err != nil {
		return nil, err
	}
	progress(90)

	logger.Info().Msg("uploading artifacts")
	hlsKeys, err := storage.UploadDirectory(ctx, s.store, hlsDir, hlsPrefix)
	if err != nil {
		return nil, fmt.Errorf("upload playlists: %w", err)
	}
	result.MasterPlaylist = storage.JoinKey(hlsPrefix, "master.m3u8")

	if payload.UseAdaptiveStorage {
		if err := s.store.FPut(ctx, result.Compressed, filepath.Join(scratch, "compressed.mp4"), "video/mp4"); err != nil {
			return nil, fmt.Errorf("upload compressed copy: %w", err)
		}
		for _, key := range hlsKeys {
			if name := path.Base(key); strings.HasSuffix(name, "p.m3u8") {
				result.Streams[strings.TrimSuffix(name, ".m3u8")] = key
			}
		}
	} else {
		for h, local := range renditions {
			key := storage.JoinKey(processedPrefix, filepath.Base(local))
			if err := s.store.FPut(ctx, key, local, "video/mp4"); err != nil {
				return nil, fmt.Errorf("upload %dp rendition: %w", h, err)
			}
			result.Streams[fmt.Sprintf("%dp", h)] = key
		}
	}

	for _, local := range thumbs {
		key := storage.JoinKey(processedPrefix, "thumbnails", filepath.Base(local))
		if err := s.store.FPut(ctx, key, local, "image/jpeg"); err != nil {
			return nil, fmt.Errorf("upload thumbnail: %w", err)
		}
		result.Thumbnails = append(result.Thumbnails, key)
	}

	err = s.runner.updateContent(ctx, payload.ContentID, func(c *entities.Content, u *repository.ContentUpdate) {
		meta := c.Metadata.Data
		applyProbe(&meta, probe)
		meta.MasterPlaylist = result.MasterPlaylist
		meta.CompressedVideo = result.Compressed
		meta.Streams = result.Streams
		meta.Thumbnails = result.Thumbnails
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

	return &outcome{
		result: result,
		afterComplete: func(ctx context.Context) {
			// Irreversible: derived artifacts were uploaded above but nothing re-verifies them.
			zerolog.Ctx(ctx).Warn().Str("source_key", payload.SourceKey).Msg("deleting original upload")
			cleanup(ctx, "delete source", func() error { return s.store.Remove(ctx, payload.SourceKey) })
		},
	}, nil
}

func applyProbe(meta *entities.ContentMetadata, probe *media.ProbeResult) {
	meta.Duration = probe.Duration
	if probe.SizeBytes > 0 {
		meta.SizeBytes = probe.SizeBytes
	}
	meta.Bitrate = probe.Bitrate
	meta.Width = probe.Width
	meta.Height = probe.Height
	meta.AspectRatio = probe.AspectRatio
	meta.Codec = probe.Codec
	meta.FPS = probe.FPS
}

func ladderHeights(ladder []media.Rung) []int {
	heights := make([]int, 0, len(ladder))
	for _, r := range ladder {
		heights = append(heights, r.Height)
	}
	sort.Ints(heights)
	return heights
}

func sourceExt(payload *dto.VideoPayload) string {
	if ext := filepath.Ext(payload.FileName); ext != "" {
		return ext
	}
	return path.Ext(payload.SourceKey)
}

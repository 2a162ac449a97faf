package service

import (
	"context"
	"encoding/json"
	"errors"
	"github.com/google/uuid"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"media-pipeline/constant"
	"media-pipeline/dto"
	"media-pipeline/pkg/apperr"
	"media-pipeline/upload"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestUploadThroughAdaptiveProcessing(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	user := uuid.New()

	dispatcher := NewDispatcher(e.queue, nil, nil)
	assembler := upload.NewAssembler(afero.NewMemMapFs(), e.store, e.repo, e.repo, dispatcher)

	s, err := assembler.Init(ctx, upload.InitRequest{
		UserID:      user,
		FileName:    "talk.mp4",
		ContentType: "video/mp4",
		TotalSize:   3_000_000,
		ChunkSize:   1_000_000,
		Metadata:    upload.Metadata{Title: "Talk", Category: "conference", UseAdaptiveStorage: true},
	})
	require.NoError(t, err)
	for _, idx := range []int{2, 0, 1} {
		_, err := assembler.UploadPart(ctx, s.ID, idx, make([]byte, 1_000_000), "")
		require.NoError(t, err)
	}
	res, err := assembler.Complete(ctx, s.ID)
	require.NoError(t, err)

	content, err := e.repo.FindContentById(ctx, res.ContentID)
	require.NoError(t, err)
	assert.Equal(t, constant.ContentStatusDraft, content.Status)
	assert.Equal(t, constant.ProcessingStatusQueued, content.ProcessingStatus)
	job, err := e.repo.FindJobById(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, constant.JobStatusQueued, job.Status)
	assert.Equal(t, constant.JobTypeProcessVideo, job.Type)

	require.Len(t, e.queue.pushed, 1)
	require.NoError(t, e.video.Handle(ctx, e.queue.pushed[0]))

	content, err = e.repo.FindContentById(ctx, res.ContentID)
	require.NoError(t, err)
	assert.Equal(t, constant.ProcessingStatusCompleted, content.ProcessingStatus)
	assert.Equal(t, constant.ContentStatusPublished, content.Status)
	meta := content.Metadata.Data
	assert.Equal(t, "processed_"+res.ContentID.String()+"/compressed.mp4", meta.CompressedVideo)
	assert.Equal(t, "hls/"+res.ContentID.String()+"/master.m3u8", meta.MasterPlaylist)
	assert.Equal(t, "hls/"+res.ContentID.String()+"/720p.m3u8", meta.Streams["720p"])
	assert.Equal(t, []string{"processed_" + res.ContentID.String() + "/thumbnails/thumb_00.jpg"}, meta.Thumbnails)
	assert.InDelta(t, 100.0, meta.Duration, 0.001)
	assert.Equal(t, 720, meta.Height)
	assert.Equal(t, "talk.mp4", meta.FileName)
	assert.NotNil(t, meta.ProcessedAt)

	job, err = e.repo.FindJobById(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, constant.JobStatusCompleted, job.Status)
	assert.Equal(t, 100, job.Progress)
	var result dto.VideoResult
	require.NoError(t, json.Unmarshal(job.Result, &result))
	assert.Equal(t, "adaptive", result.Mode)
	assert.Equal(t, meta.MasterPlaylist, result.MasterPlaylist)

	assert.Equal(t, []string{"probe", "compress", "package", "thumbnails"}, e.engine.stages())
	assert.True(t, e.store.Exists(meta.MasterPlaylist))
	assert.True(t, e.store.Exists(meta.CompressedVideo))
	assert.False(t, e.store.Exists(res.ObjectKey), "source is deleted after completion")

	_, err = os.Stat(filepath.Join(e.opts.ScratchRoot, "processed_"+res.ContentID.String()))
	assert.True(t, os.IsNotExist(err), "scratch is removed")

	require.Len(t, e.notifier.events, 1)
	assert.Equal(t, constant.JobStatusCompleted, e.notifier.events[0].Status)
}

func TestTraditionalModeTranscodesLadder(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	content, item := e.seedVideo(t, uuid.New(), false, time.Now().UTC())

	require.NoError(t, e.video.Handle(ctx, item))
	assert.Equal(t, []string{"probe", "transcode", "package", "thumbnails"}, e.engine.stages())

	stored, err := e.repo.FindContentById(ctx, content.ID)
	require.NoError(t, err)
	meta := stored.Metadata.Data
	assert.Empty(t, meta.CompressedVideo)
	assert.Equal(t, map[string]string{
		"360p": "processed_" + content.ID.String() + "/output_360p.mp4",
		"480p": "processed_" + content.ID.String() + "/output_480p.mp4",
		"720p": "processed_" + content.ID.String() + "/output_720p.mp4",
	}, meta.Streams)
	assert.True(t, e.store.Exists(meta.Streams["720p"]))
}

func TestMissingSourceFailsJob(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	content, item := e.seedVideo(t, uuid.New(), true, time.Now().UTC())
	require.NoError(t, e.store.Remove(ctx, content.SourceKey))

	err := e.video.Handle(ctx, item)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrNonRetryable))

	job, err := e.repo.FindJobById(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, constant.JobStatusFailed, job.Status)
	require.NotNil(t, job.ErrorMessage)
	assert.Contains(t, *job.ErrorMessage, content.SourceKey)
	assert.Nil(t, job.Result)

	stored, err := e.repo.FindContentById(ctx, content.ID)
	require.NoError(t, err)
	assert.Equal(t, constant.ProcessingStatusFailed, stored.ProcessingStatus)
	assert.Equal(t, constant.ContentStatusDraft, stored.Status)
	assert.NotEmpty(t, stored.Metadata.Data.FailureReason)

	_, err = os.Stat(filepath.Join(e.opts.ScratchRoot, "processed_"+content.ID.String()))
	assert.True(t, os.IsNotExist(err))

	require.Len(t, e.notifier.events, 1)
	assert.Equal(t, constant.JobStatusFailed, e.notifier.events[0].Status)
	assert.NotEmpty(t, e.notifier.events[0].Error)
}

func TestEncoderFailureKeepsSource(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.engine.failStage = "package"
	content, item := e.seedVideo(t, uuid.New(), true, time.Now().UTC())

	err := e.video.Handle(ctx, item)
	assert.True(t, apperr.Is(err, apperr.CodeMediaEncodeFailed))

	job, err := e.repo.FindJobById(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, constant.JobStatusFailed, job.Status)
	assert.Equal(t, 50, job.Progress, "progress stops at the last checkpoint reached")
	assert.True(t, e.store.Exists(content.SourceKey))
}

func TestJobTimeoutFailsStuckEncode(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.engine.blockStage = "compress"
	e.opts.JobTimeout = 50 * time.Millisecond
	e.rebuild()
	_, item := e.seedVideo(t, uuid.New(), true, time.Now().UTC())

	err := e.video.Handle(ctx, item)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	job, err := e.repo.FindJobById(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, constant.JobStatusFailed, job.Status)
	assert.Contains(t, *job.ErrorMessage, "exceeded")
}

func TestGateDelaysFourthJob(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	user := uuid.New()
	base := time.Now().UTC().Add(-time.Hour)

	var items []dto.WorkItem
	for i := 0; i < 4; i++ {
		_, item := e.seedVideo(t, user, true, base.Add(time.Duration(i)*time.Second))
		items = append(items, item)
	}

	count, err := e.repo.CountActive(ctx, user, constant.JobTypeProcessVideo)
	require.NoError(t, err)
	assert.Equal(t, 4, count)

	require.NoError(t, e.video.Handle(ctx, items[3]))
	require.Len(t, e.queue.delays, 1)
	d := e.queue.delays[0]
	assert.Equal(t, "video:user:"+user.String(), d.queue)
	assert.Equal(t, items[3].ID, d.item.ID)
	assert.WithinDuration(t, time.Now().Add(constant.GateDelay), d.until, 5*time.Second)
	assert.Empty(t, e.engine.stages(), "a gated job does no work")

	job, err := e.repo.FindJobById(ctx, items[3].ID)
	require.NoError(t, err)
	assert.Equal(t, constant.JobStatusQueued, job.Status)

	// the oldest jobs are admitted; once one finishes the fourth gets its slot
	require.NoError(t, e.video.Handle(ctx, items[0]))
	require.NoError(t, e.video.Handle(ctx, items[3]))
	job, err = e.repo.FindJobById(ctx, items[3].ID)
	require.NoError(t, err)
	assert.Equal(t, constant.JobStatusCompleted, job.Status)
	assert.Len(t, e.queue.delays, 1)
}

func TestGateIgnoresOtherUsersAndTypes(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		e.seedVideo(t, uuid.New(), true, base)
	}
	_, item := e.seedVideo(t, uuid.New(), true, base.Add(time.Second))

	require.NoError(t, e.video.Handle(ctx, item))
	assert.Empty(t, e.queue.delays)
}

func TestRedeliveredTerminalJobIsSkipped(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	_, item := e.seedVideo(t, uuid.New(), true, time.Now().UTC())

	require.NoError(t, e.video.Handle(ctx, item))
	calls := len(e.engine.stages())

	require.NoError(t, e.video.Handle(ctx, item))
	assert.Len(t, e.engine.stages(), calls)
	assert.Len(t, e.notifier.events, 1)
}

func TestUnknownJobIsNotRetried(t *testing.T) {
	e := newEnv(t)
	item := dto.WorkItem{ID: uuid.New(), Type: constant.JobTypeProcessVideo, UserID: uuid.New()}
	err := e.video.Handle(context.Background(), item)
	assert.True(t, errors.Is(err, apperr.ErrNonRetryable))
	assert.True(t, apperr.Is(err, apperr.CodeNotFound))
}

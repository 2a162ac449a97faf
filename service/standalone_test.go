package service

import (
	"context"
	"encoding/json"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"media-pipeline/constant"
	"media-pipeline/dto"
	"media-pipeline/entities"
	"media-pipeline/pkg/apperr"
	"media-pipeline/storage"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestSubmitAndRunThumbnailJob(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	user := uuid.New()
	content, item := e.seedVideo(t, user, true, time.Now().UTC())
	require.NoError(t, e.video.Handle(ctx, item))

	jobs := NewJobService(e.repo, e.repo, NewDispatcher(e.queue, nil, nil))
	job, err := jobs.Submit(ctx, SubmitRequest{
		UserID:     user,
		ContentID:  content.ID,
		Type:       constant.JobTypeGenerateThumbnails,
		Timestamps: []string{"25%"},
	})
	require.NoError(t, err)
	assert.Equal(t, constant.JobStatusQueued, job.Status)

	require.Len(t, e.queue.pushed, 1)
	submitted := e.queue.pushed[0]
	payload, err := dto.DecodePayload[dto.ThumbnailPayload](submitted.Type, submitted.Payload)
	require.NoError(t, err)
	assert.Equal(t, "processed_"+content.ID.String()+"/compressed.mp4", payload.SourceKey,
		"the original upload is gone, the storage copy is used instead")

	require.NoError(t, e.single.Thumbnails().Handle(ctx, submitted))

	stored, err := e.repo.FindJobById(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, constant.JobStatusCompleted, stored.Status)
	var result dto.ThumbnailResult
	require.NoError(t, json.Unmarshal(stored.Result, &result))
	assert.Len(t, result.Thumbnails, 1)

	c, err := e.repo.FindContentById(ctx, content.ID)
	require.NoError(t, err)
	assert.Equal(t, constant.ProcessingStatusCompleted, c.ProcessingStatus, "standalone jobs leave the content status alone")
}

// compressHookEngine runs onCompress once, in the middle of the video pipeline.
type compressHookEngine struct {
	*fakeEngine
	onCompress func(ctx context.Context, input string)
}

func (e *compressHookEngine) CompressForStorage(ctx context.Context, input, outPath string) error {
	if hook := e.onCompress; hook != nil {
		e.onCompress = nil
		hook(ctx, input)
	}
	return e.fakeEngine.CompressForStorage(ctx, input, outPath)
}

func TestStandaloneJobDoesNotShareVideoScratch(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	user := uuid.New()
	content, videoItem := e.seedVideo(t, user, true, time.Now().UTC())

	jobs := NewJobService(e.repo, e.repo, NewDispatcher(e.queue, nil, nil))
	thumbJob, err := jobs.Submit(ctx, SubmitRequest{
		UserID:     user,
		ContentID:  content.ID,
		Type:       constant.JobTypeGenerateThumbnails,
		Timestamps: []string{"5"},
	})
	require.NoError(t, err)
	require.Len(t, e.queue.pushed, 1)
	thumbItem := e.queue.pushed[0]

	engine := &compressHookEngine{fakeEngine: e.engine}
	gate := NewGate(e.repo, constant.MaxActiveVideoJobs, constant.GateDelay)
	video := NewVideoService(e.repo, e.repo, e.store, engine, e.queue, gate, e.notifier, e.opts)
	single := NewStandaloneService(e.repo, e.repo, e.store, engine, e.notifier, e.opts)

	var thumbErr, sourceErr error
	engine.onCompress = func(ctx context.Context, input string) {
		thumbErr = single.Thumbnails().Handle(ctx, thumbItem)
		_, sourceErr = os.Stat(input)
	}
	require.NoError(t, video.Handle(ctx, videoItem))
	require.NoError(t, thumbErr)
	assert.NoError(t, sourceErr, "the video source survives a concurrent job on the same content")

	stored, err := e.repo.FindJobById(ctx, videoItem.ID)
	require.NoError(t, err)
	assert.Equal(t, constant.JobStatusCompleted, stored.Status)
	stored, err = e.repo.FindJobById(ctx, thumbJob.ID)
	require.NoError(t, err)
	assert.Equal(t, constant.JobStatusCompleted, stored.Status)

	_, err = os.Stat(filepath.Join(e.opts.ScratchRoot, "job_"+thumbJob.ID.String()))
	assert.True(t, os.IsNotExist(err), "standalone scratch is removed")
}

func TestStreamingJobFailureDoesNotTouchContentStatus(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	user := uuid.New()
	content, _ := e.seedVideo(t, user, true, time.Now().UTC())
	e.engine.failStage = "package"

	item, err := dto.NewWorkItem(uuid.New(), constant.JobTypeAdaptiveStreaming, user, content.ID, dto.StreamingPayload{
		Version:   dto.PayloadVersion,
		ContentID: content.ID,
		UserID:    user,
		SourceKey: content.SourceKey,
	})
	require.NoError(t, err)
	_, err = e.repo.CreateJob(ctx, &entities.Job{ID: item.ID, UserID: user, Type: item.Type, Payload: entities.RawJSON(item.Payload), ContentID: &content.ID})
	require.NoError(t, err)

	err = e.single.Streaming().Handle(ctx, item)
	assert.True(t, apperr.Is(err, apperr.CodeMediaEncodeFailed))

	job, err := e.repo.FindJobById(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, constant.JobStatusFailed, job.Status)

	c, err := e.repo.FindContentById(ctx, content.ID)
	require.NoError(t, err)
	assert.Equal(t, constant.ProcessingStatusQueued, c.ProcessingStatus)
}

func TestStreamingJobPublishesPlaylists(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	user := uuid.New()
	content, _ := e.seedVideo(t, user, true, time.Now().UTC())

	item, err := dto.NewWorkItem(uuid.New(), constant.JobTypeAdaptiveStreaming, user, content.ID, dto.StreamingPayload{
		Version:     dto.PayloadVersion,
		ContentID:   content.ID,
		UserID:      user,
		SourceKey:   content.SourceKey,
		Resolutions: []int{360, 720},
	})
	require.NoError(t, err)
	_, err = e.repo.CreateJob(ctx, &entities.Job{ID: item.ID, UserID: user, Type: item.Type, Payload: entities.RawJSON(item.Payload), ContentID: &content.ID})
	require.NoError(t, err)

	require.NoError(t, e.single.Streaming().Handle(ctx, item))

	c, err := e.repo.FindContentById(ctx, content.ID)
	require.NoError(t, err)
	assert.Equal(t, "hls/"+content.ID.String()+"/master.m3u8", c.Metadata.Data.MasterPlaylist)
	assert.Contains(t, c.Metadata.Data.Streams, "360p")
	assert.True(t, e.store.Exists(c.Metadata.Data.MasterPlaylist))
}

func TestDocumentJobPublishesContent(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	user := uuid.New()
	contentID := uuid.New()
	key := storage.JoinKey(constant.UploadsPrefix, user.String(), contentID.String(), "handbook.pdf")
	require.NoError(t, e.store.Put(ctx, key, strings.NewReader("%PDF-1.4"), 8, "application/pdf"))

	_, err := e.repo.CreateContent(ctx, &entities.Content{
		ID: contentID, UserID: user, Kind: constant.ContentKindDocument, Title: "Handbook", Category: "docs",
		Visibility: "public", Status: constant.ContentStatusDraft, UploadStatus: constant.UploadStatusCompleted,
		ProcessingStatus: constant.ProcessingStatusQueued, SourceKey: key,
	})
	require.NoError(t, err)
	item, err := dto.NewWorkItem(uuid.New(), constant.JobTypeDocumentProcessing, user, contentID, dto.DocumentPayload{
		Version: dto.PayloadVersion, ContentID: contentID, UserID: user, SourceKey: key, FileName: "handbook.pdf",
	})
	require.NoError(t, err)
	_, err = e.repo.CreateJob(ctx, &entities.Job{ID: item.ID, UserID: user, Type: item.Type, Payload: entities.RawJSON(item.Payload), ContentID: &contentID})
	require.NoError(t, err)

	require.NoError(t, e.single.Documents().Handle(ctx, item))

	c, err := e.repo.FindContentById(ctx, contentID)
	require.NoError(t, err)
	assert.Equal(t, constant.ProcessingStatusCompleted, c.ProcessingStatus)
	assert.Equal(t, constant.ContentStatusPublished, c.Status)
	assert.Equal(t, "application/pdf", c.Metadata.Data.MimeType)
	assert.Equal(t, int64(8), c.Metadata.Data.SizeBytes)
	assert.Equal(t, "abc123", c.Metadata.Data.Checksum)
}

func TestMismatchedItemTypeIsRejected(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	_, item := e.seedVideo(t, uuid.New(), true, time.Now().UTC())
	item.Type = constant.JobTypeGenerateThumbnails

	err := e.single.Thumbnails().Handle(ctx, item)
	assert.True(t, apperr.Is(err, apperr.CodeValidation))

	job, err := e.repo.FindJobById(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, constant.JobStatusQueued, job.Status)
}

func TestSubmitRejectsForeignContent(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	content, item := e.seedVideo(t, uuid.New(), true, time.Now().UTC())
	jobs := NewJobService(e.repo, e.repo, NewDispatcher(e.queue, nil, nil))

	_, err := jobs.Submit(ctx, SubmitRequest{UserID: uuid.New(), ContentID: content.ID, Type: constant.JobTypeGenerateThumbnails})
	assert.True(t, apperr.Is(err, apperr.CodeNotFound))

	_, err = jobs.Submit(ctx, SubmitRequest{UserID: content.UserID, ContentID: content.ID, Type: constant.JobTypeProcessVideo})
	assert.True(t, apperr.Is(err, apperr.CodeValidation))

	_, err = jobs.Get(ctx, uuid.New(), item.ID)
	assert.True(t, apperr.Is(err, apperr.CodeNotFound))
	job, err := jobs.Get(ctx, content.UserID, item.ID)
	require.NoError(t, err)
	assert.Equal(t, item.ID, job.ID)
}

func TestDispatcherRoutesByType(t *testing.T) {
	ctx := context.Background()
	queue := &fakeVideoQueue{}
	publisher := &fakePublisher{}
	d := NewDispatcher(queue, publisher, StandaloneRoutes(""))

	user := uuid.New()
	for _, jobType := range []constant.JobType{
		constant.JobTypeProcessVideo,
		constant.JobTypeGenerateThumbnails,
		constant.JobTypeAdaptiveStreaming,
		constant.JobTypeDocumentProcessing,
	} {
		require.NoError(t, d.Enqueue(ctx, dto.WorkItem{ID: uuid.New(), Type: jobType, UserID: user}))
	}

	require.Len(t, queue.pushed, 1)
	assert.Equal(t, constant.JobTypeProcessVideo, queue.pushed[0].Type)
	assert.Len(t, publisher.published["thumbnail_queue"], 1)
	assert.Len(t, publisher.published["streaming_queue"], 1)
	assert.Len(t, publisher.published["document_queue"], 1)
}

func TestWebhookNotifier(t *testing.T) {
	var attempts atomic.Int32
	var got dto.JobEvent
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	event := dto.JobEvent{JobID: uuid.New(), Status: constant.JobStatusFailed, Type: constant.JobTypeProcessVideo, Error: "boom"}
	require.NoError(t, NewNotifier(srv.URL, time.Second).Notify(context.Background(), event))
	assert.Equal(t, int32(2), attempts.Load())
	assert.Equal(t, event.JobID, got.JobID)
	assert.Equal(t, "boom", got.Error)
}

func TestWebhookNotifierClientErrorIsNotRetried(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	err := NewNotifier(srv.URL, time.Second).Notify(context.Background(), dto.JobEvent{JobID: uuid.New()})
	assert.Error(t, err)
	assert.Equal(t, int32(1), attempts.Load())
}

func TestEmptyWebhookURLIsNoop(t *testing.T) {
	assert.NoError(t, NewNotifier("", 0).Notify(context.Background(), dto.JobEvent{JobID: uuid.New()}))
}

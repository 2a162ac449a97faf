package service

import (
	"context"
	"fmt"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"media-pipeline/constant"
	"media-pipeline/dto"
	"media-pipeline/entities"
	"media-pipeline/media"
	"media-pipeline/pkg/apperr"
	"media-pipeline/pkg/rabbitmq"
	"media-pipeline/repository"
	"media-pipeline/storage"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeEngine struct {
	mu          sync.Mutex
	calls       []string
	failStage   string
	blockStage  string
	probeHeight int
}

func (e *fakeEngine) record(stage string) error {
	e.mu.Lock()
	e.calls = append(e.calls, stage)
	e.mu.Unlock()
	if e.failStage == stage {
		return apperr.Wrap(apperr.CodeMediaEncodeFailed, stage, fmt.Errorf("exit status 1"))
	}
	return nil
}

func (e *fakeEngine) stages() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.calls...)
}

func writeFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(filepath.Base(path)), 0o644)
}

func (e *fakeEngine) Probe(ctx context.Context, path string) (*media.ProbeResult, error) {
	if err := e.record("probe"); err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); err != nil {
		return nil, apperr.Wrap(apperr.CodeMediaProbeFailed, "ffprobe failed on "+path, err)
	}
	h := e.probeHeight
	if h == 0 {
		h = 720
	}
	return &media.ProbeResult{Duration: 100, SizeBytes: 3_000_000, Bitrate: 240000, Width: h * 16 / 9, Height: h, AspectRatio: "16:9", Codec: "h264", FPS: 30}, nil
}

func (e *fakeEngine) Transcode(ctx context.Context, input, outDir string, heights []int) (map[int]string, error) {
	if err := e.record("transcode"); err != nil {
		return nil, err
	}
	out := make(map[int]string)
	for _, h := range heights {
		if h > 720 {
			continue
		}
		p := filepath.Join(outDir, fmt.Sprintf("output_%dp.mp4", h))
		if err := writeFile(p); err != nil {
			return nil, err
		}
		out[h] = p
	}
	return out, nil
}

func (e *fakeEngine) CompressForStorage(ctx context.Context, input, outPath string) error {
	if err := e.record("compress"); err != nil {
		return err
	}
	if e.blockStage == "compress" {
		<-ctx.Done()
		return ctx.Err()
	}
	return writeFile(outPath)
}

func (e *fakeEngine) PackageAdaptive(ctx context.Context, input, outDir string, ladder []media.Rung) (string, error) {
	if err := e.record("package"); err != nil {
		return "", err
	}
	for _, name := range []string{"360p.m3u8", "360p_000.ts", "720p.m3u8", "720p_000.ts", "master.m3u8"} {
		if err := writeFile(filepath.Join(outDir, name)); err != nil {
			return "", err
		}
	}
	return filepath.Join(outDir, "master.m3u8"), nil
}

func (e *fakeEngine) GenerateThumbnails(ctx context.Context, input, outDir string, timestamps []string) ([]string, error) {
	if err := e.record("thumbnails"); err != nil {
		return nil, err
	}
	p := filepath.Join(outDir, "thumb_00.jpg")
	return []string{p}, writeFile(p)
}

func (e *fakeEngine) DetectDocument(path string) (*media.DocumentInfo, error) {
	if err := e.record("document"); err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	return &media.DocumentInfo{MimeType: "application/pdf", Extension: ".pdf", SizeBytes: info.Size(), Checksum: "abc123"}, nil
}

type delayed struct {
	queue string
	item  dto.WorkItem
	until time.Time
}

type fakeVideoQueue struct {
	mu     sync.Mutex
	pushed []dto.WorkItem
	delays []delayed
}

func (q *fakeVideoQueue) UserQueue(userID uuid.UUID) string { return "video:user:" + userID.String() }

func (q *fakeVideoQueue) Push(_ context.Context, _ string, item dto.WorkItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pushed = append(q.pushed, item)
	return nil
}

func (q *fakeVideoQueue) Delay(_ context.Context, queue string, item dto.WorkItem, until time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.delays = append(q.delays, delayed{queue: queue, item: item, until: until})
	return nil
}

type fakePublisher struct {
	published map[string][]any
}

func (p *fakePublisher) Publish(_ context.Context, spec rabbitmq.QueueSpec, message any) error {
	if p.published == nil {
		p.published = make(map[string][]any)
	}
	p.published[spec.Queue] = append(p.published[spec.Queue], message)
	return nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []dto.JobEvent
}

func (n *recordingNotifier) Notify(_ context.Context, event dto.JobEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
}

type env struct {
	repo     repository.Repository
	store    *storage.FSStorage
	engine   *fakeEngine
	queue    *fakeVideoQueue
	notifier *recordingNotifier
	opts     Options
	video    VideoService
	single   *StandaloneService
}

func newEnv(t *testing.T) *env {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+uuid.NewString()+"?mode=memory&cache=shared"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	repo := repository.NewRepoFromGorm(db)
	require.NoError(t, repository.Migrate(context.Background(), repo))

	e := &env{
		repo:     repo,
		store:    storage.NewFSStorage(afero.NewMemMapFs()),
		engine:   &fakeEngine{},
		queue:    &fakeVideoQueue{},
		notifier: &recordingNotifier{},
		opts:     Options{ScratchRoot: t.TempDir(), JobTimeout: time.Minute},
	}
	e.rebuild()
	return e
}

func (e *env) rebuild() {
	gate := NewGate(e.repo, constant.MaxActiveVideoJobs, constant.GateDelay)
	e.video = NewVideoService(e.repo, e.repo, e.store, e.engine, e.queue, gate, e.notifier, e.opts)
	e.single = NewStandaloneService(e.repo, e.repo, e.store, e.engine, e.notifier, e.opts)
}

// seedVideo stores a source object and creates the content and QUEUED job an upload would.
func (e *env) seedVideo(t *testing.T, user uuid.UUID, adaptive bool, createdAt time.Time) (*entities.Content, dto.WorkItem) {
	t.Helper()
	ctx := context.Background()
	contentID := uuid.New()
	key := storage.JoinKey(constant.UploadsPrefix, user.String(), contentID.String(), "clip.mp4")
	require.NoError(t, e.store.Put(ctx, key, strings.NewReader("source-bytes"), int64(len("source-bytes")), "video/mp4"))

	content, err := e.repo.CreateContent(ctx, &entities.Content{
		ID:               contentID,
		UserID:           user,
		Kind:             constant.ContentKindVideo,
		Title:            "Clip",
		Category:         "tests",
		Visibility:       "public",
		Status:           constant.ContentStatusDraft,
		UploadStatus:     constant.UploadStatusCompleted,
		ProcessingStatus: constant.ProcessingStatusQueued,
		SourceKey:        key,
		Metadata:         entities.JSONField[entities.ContentMetadata]{Data: entities.ContentMetadata{FileName: "clip.mp4"}},
	})
	require.NoError(t, err)

	item, err := dto.NewWorkItem(uuid.New(), constant.JobTypeProcessVideo, user, contentID, dto.VideoPayload{
		Version:            dto.PayloadVersion,
		ContentID:          contentID,
		UserID:             user,
		SourceKey:          key,
		FileName:           "clip.mp4",
		UseAdaptiveStorage: adaptive,
	})
	require.NoError(t, err)
	_, err = e.repo.CreateJob(ctx, &entities.Job{
		ID:        item.ID,
		UserID:    user,
		Type:      constant.JobTypeProcessVideo,
		Payload:   entities.RawJSON(item.Payload),
		ContentID: &contentID,
		CreatedAt: createdAt,
	})
	require.NoError(t, err)
	return content, item
}

package upload

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"hash"
	"io"
	"io/fs"
	"media-pipeline/constant"
	"media-pipeline/dto"
	"media-pipeline/entities"
	"media-pipeline/metrics"
	"media-pipeline/pkg/apperr"
	"media-pipeline/repository"
	"media-pipeline/storage"
	"mime"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Enqueuer hands a freshly created job to the queue that serves its type.
type Enqueuer interface {
	Enqueue(ctx context.Context, item dto.WorkItem) error
}

type InitRequest struct {
	UserID      uuid.UUID
	FileName    string
	ContentType string
	TotalSize   int64
	ChunkSize   int64
	Metadata    Metadata
}

type PartResult struct {
	Index         int
	Size          int64
	UploadedBytes int64
}

type StatusResult struct {
	UploadedBytes       int64
	ReceivedPartIndexes []int
	TotalSize           int64
	ChunkSize           int64
}

type CompleteResult struct {
	ContentID uuid.UUID
	JobID     uuid.UUID
	ObjectKey string
}

// Assembler accepts out-of-order parts of a large file and turns a finished upload into a
// stored object, a content record and a queued processing job.
type Assembler struct {
	fs       afero.Fs
	store    storage.ObjectStorage
	contents repository.ContentRepository
	jobs     repository.JobRepository
	queue    Enqueuer
	now      func() time.Time

	locks sync.Map
}

func NewAssembler(scratch afero.Fs, store storage.ObjectStorage, contents repository.ContentRepository, jobs repository.JobRepository, queue Enqueuer) *Assembler {
	return &Assembler{
		fs:       scratch,
		store:    store,
		contents: contents,
		jobs:     jobs,
		queue:    queue,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (a *Assembler) lock(id string) func() {
	v, _ := a.locks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (a *Assembler) Init(ctx context.Context, req InitRequest) (*Session, error) {
	if err := validateInit(req); err != nil {
		return nil, err
	}

	now := a.now()
	s := &Session{
		ID:          uuid.NewString(),
		UserID:      req.UserID,
		FileName:    req.FileName,
		ContentType: req.ContentType,
		TotalSize:   req.TotalSize,
		ChunkSize:   req.ChunkSize,
		Parts:       make(map[int]int64),
		Metadata:    req.Metadata,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if s.ContentType == "" {
		s.ContentType = mime.TypeByExtension(filepath.Ext(req.FileName))
	}
	if s.Metadata.Visibility == "" {
		s.Metadata.Visibility = "public"
	}

	if err := a.fs.MkdirAll(sessionDir(s.ID), 0o755); err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	if err := saveSession(a.fs, s); err != nil {
		return nil, fmt.Errorf("persist session: %w", err)
	}

	zerolog.Ctx(ctx).Info().
		Str("session_id", s.ID).
		Str("filename", s.FileName).
		Int64("total_size", s.TotalSize).
		Int64("chunk_size", s.ChunkSize).
		Msg("upload session initialised")
	return s, nil
}

func validateInit(req InitRequest) error {
	var missing []string
	if req.UserID == uuid.Nil {
		missing = append(missing, "userId")
	}
	if strings.TrimSpace(req.FileName) == "" {
		missing = append(missing, "filename")
	}
	if req.TotalSize <= 0 {
		missing = append(missing, "totalSize")
	}
	if req.ChunkSize <= 0 {
		missing = append(missing, "chunkSize")
	}
	if strings.TrimSpace(req.Metadata.Title) == "" {
		missing = append(missing, "title")
	}
	if strings.TrimSpace(req.Metadata.Category) == "" {
		missing = append(missing, "category")
	}
	if len(missing) > 0 {
		return apperr.Validation("missing or invalid fields: %s", strings.Join(missing, ", "))
	}
	return nil
}

// acquire locks the session and loads it. Ids that do not name a session leave no lock behind.
func (a *Assembler) acquire(id string) (*Session, func(), error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, nil, apperr.NotFound("upload session", id)
	}
	unlock := a.lock(id)
	s, err := loadSession(a.fs, id)
	if err != nil {
		unlock()
		if errors.Is(err, fs.ErrNotExist) {
			a.locks.Delete(id)
			return nil, nil, apperr.NotFound("upload session", id)
		}
		return nil, nil, err
	}
	return s, unlock, nil
}

// UploadPart stores part index of the session. Re-sending an index replaces the earlier bytes.
// When checksum is set the part is verified before anything is written.
func (a *Assembler) UploadPart(ctx context.Context, sessionID string, index int, data []byte, checksum string) (*PartResult, error) {
	s, unlock, err := a.acquire(sessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if index < 0 || (s.ExpectedParts() > 0 && index >= s.ExpectedParts()) {
		return nil, apperr.Validation("part index %d outside 0..%d", index, s.ExpectedParts()-1)
	}
	if len(data) == 0 {
		return nil, apperr.Validation("part %d is empty", index)
	}
	if int64(len(data)) > s.ChunkSize {
		return nil, apperr.Validation("part %d is %d bytes, chunk size is %d", index, len(data), s.ChunkSize)
	}
	if checksum != "" {
		if err := verifyChecksum(data, checksum); err != nil {
			metrics.UploadPartsTotal.WithLabelValues("checksum_mismatch").Inc()
			zerolog.Ctx(ctx).Warn().Str("session_id", sessionID).Int("index", index).Msg("part rejected: checksum mismatch")
			return nil, err
		}
	}

	final := partPath(sessionID, index)
	tmp := fmt.Sprintf("%s.tmp.%d", final, time.Now().UnixNano())
	if err := afero.WriteFile(a.fs, tmp, data, 0o644); err != nil {
		_ = a.fs.Remove(tmp)
		return nil, fmt.Errorf("write part %d: %w", index, err)
	}
	if err := a.fs.Rename(tmp, final); err != nil {
		_ = a.fs.Remove(tmp)
		return nil, fmt.Errorf("commit part %d: %w", index, err)
	}

	s.setPart(index, int64(len(data)))
	s.UpdatedAt = a.now()
	if err := saveSession(a.fs, s); err != nil {
		return nil, fmt.Errorf("persist session: %w", err)
	}
	metrics.UploadPartsTotal.WithLabelValues("accepted").Inc()

	zerolog.Ctx(ctx).Debug().
		Str("session_id", sessionID).
		Int("index", index).
		Int("size", len(data)).
		Int64("uploaded_bytes", s.UploadedBytes).
		Msg("part stored")

	return &PartResult{Index: index, Size: int64(len(data)), UploadedBytes: s.UploadedBytes}, nil
}

var hexPattern = regexp.MustCompile(`^[0-9a-f]+$`)

// verifyChecksum accepts "sha256:<hex>", "md5:<hex>", or a bare hex digest whose length selects
// the algorithm (64 sha256, 32 md5).
func verifyChecksum(data []byte, checksum string) error {
	algo, want := "", strings.ToLower(strings.TrimSpace(checksum))
	if i := strings.IndexByte(want, ':'); i >= 0 {
		algo, want = want[:i], want[i+1:]
	}
	if !hexPattern.MatchString(want) {
		return apperr.Validation("checksum %q is not a hex digest", checksum)
	}
	if algo == "" {
		switch len(want) {
		case sha256.Size * 2:
			algo = "sha256"
		case md5.Size * 2:
			algo = "md5"
		}
	}

	var h hash.Hash
	switch algo {
	case "sha256":
		h = sha256.New()
	case "md5":
		h = md5.New()
	default:
		return apperr.Validation("unsupported checksum %q", checksum)
	}
	h.Write(data)
	if got := hex.EncodeToString(h.Sum(nil)); got != want {
		return apperr.New(apperr.CodeChecksumMismatch, fmt.Sprintf("%s mismatch: expected %s, got %s", algo, want, got))
	}
	return nil
}

func (a *Assembler) Status(ctx context.Context, sessionID string) (*StatusResult, error) {
	s, unlock, err := a.acquire(sessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return &StatusResult{
		UploadedBytes:       s.UploadedBytes,
		ReceivedPartIndexes: s.PartIndexes(),
		TotalSize:           s.TotalSize,
		ChunkSize:           s.ChunkSize,
	}, nil
}

// Abort drops all scratch state of the session. Unknown sessions are not an error.
func (a *Assembler) Abort(ctx context.Context, sessionID string) error {
	if _, err := uuid.Parse(sessionID); err != nil {
		return nil
	}
	unlock := a.lock(sessionID)
	defer func() {
		unlock()
		a.locks.Delete(sessionID)
	}()

	if err := a.fs.RemoveAll(sessionDir(sessionID)); err != nil {
		return fmt.Errorf("remove scratch for %s: %w", sessionID, err)
	}
	zerolog.Ctx(ctx).Info().Str("session_id", sessionID).Msg("upload session aborted")
	return nil
}

// Complete concatenates the parts in index order into one stored object, creates the content
// record and its processing job, and enqueues the job. A crash after the object is stored but
// before the records exist leaves an orphaned object; reconciling those is left to a sweep.
// Once the job record exists it is kept on the session, so retrying Complete after a failed
// enqueue re-sends that job instead of storing the upload twice.
func (a *Assembler) Complete(ctx context.Context, sessionID string) (*CompleteResult, error) {
	s, unlock, err := a.acquire(sessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()
	if s.Pending != nil {
		logger := zerolog.Ctx(ctx).With().Str("session_id", sessionID).Str("content_id", s.Pending.ContentID.String()).Logger()
		logger.Warn().Str("job_id", s.Pending.Item.ID.String()).Msg("re-sending job of a completed upload")
		return a.enqueue(ctx, logger, sessionID, s.Pending)
	}
	indexes := s.PartIndexes()
	for i, idx := range indexes {
		if idx != i {
			return nil, apperr.New(apperr.CodeIncompleteUpload, fmt.Sprintf("part %d is missing", i))
		}
	}
	if len(indexes) == 0 || s.UploadedBytes != s.TotalSize {
		return nil, apperr.New(apperr.CodeIncompleteUpload,
			fmt.Sprintf("received %d of %d bytes", s.UploadedBytes, s.TotalSize))
	}

	contentID := uuid.New()
	objectKey := storage.JoinKey(constant.UploadsPrefix, s.UserID.String(), contentID.String(), sanitizeFileName(s.FileName))

	logger := zerolog.Ctx(ctx).With().Str("session_id", sessionID).Str("content_id", contentID.String()).Logger()
	logger.Info().Int("parts", len(indexes)).Str("object_key", objectKey).Msg("assembling upload")

	if err := a.assemble(ctx, s, indexes, objectKey); err != nil {
		return nil, err
	}

	kind, jobType := classify(s.ContentType, s.FileName)
	content, err := a.contents.CreateContent(ctx, &entities.Content{
		ID:               contentID,
		UserID:           s.UserID,
		Kind:             kind,
		Title:            s.Metadata.Title,
		Description:      s.Metadata.Description,
		Category:         s.Metadata.Category,
		Tags:             entities.JSONField[[]string]{Data: s.Metadata.Tags},
		Visibility:       s.Metadata.Visibility,
		Status:           constant.ContentStatusDraft,
		UploadStatus:     constant.UploadStatusCompleted,
		ProcessingStatus: constant.ProcessingStatusQueued,
		SourceKey:        objectKey,
		Metadata: entities.JSONField[entities.ContentMetadata]{Data: entities.ContentMetadata{
			FileName:  s.FileName,
			MimeType:  s.ContentType,
			SizeBytes: s.TotalSize,
		}},
	})
	if err != nil {
		logger.Error().Err(err).Msg("stored object has no content record")
		return nil, fmt.Errorf("create content: %w", err)
	}

	item, err := dto.NewWorkItem(uuid.New(), jobType, s.UserID, content.ID, jobPayload(jobType, s, content.ID, objectKey))
	if err != nil {
		return nil, err
	}
	job, err := a.jobs.CreateJob(ctx, &entities.Job{
		ID:        item.ID,
		UserID:    s.UserID,
		Type:      jobType,
		Payload:   entities.RawJSON(item.Payload),
		ContentID: &content.ID,
		CreatedAt: a.now(),
	})
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	s.Pending = &PendingJob{ContentID: content.ID, ObjectKey: objectKey, Item: item}
	if err := saveSession(a.fs, s); err != nil {
		logger.Warn().Err(err).Str("job_id", job.ID.String()).Msg("failed to record created job on session")
	}
	return a.enqueue(ctx, logger, sessionID, s.Pending)
}

func (a *Assembler) enqueue(ctx context.Context, logger zerolog.Logger, sessionID string, pending *PendingJob) (*CompleteResult, error) {
	if err := a.queue.Enqueue(ctx, pending.Item); err != nil {
		logger.Error().Err(err).Str("job_id", pending.Item.ID.String()).Msg("job created but not enqueued")
		return nil, fmt.Errorf("enqueue job: %w", err)
	}

	if err := a.fs.RemoveAll(sessionDir(sessionID)); err != nil {
		logger.Warn().Err(err).Msg("failed to remove upload scratch")
	}
	a.locks.Delete(sessionID)

	logger.Info().Str("job_id", pending.Item.ID.String()).Str("job_type", string(pending.Item.Type)).Msg("upload completed")
	return &CompleteResult{ContentID: pending.ContentID, JobID: pending.Item.ID, ObjectKey: pending.ObjectKey}, nil
}

func (a *Assembler) assemble(ctx context.Context, s *Session, indexes []int, objectKey string) error {
	readers := make([]io.Reader, 0, len(indexes))
	var files []afero.File
	defer func() {
		for _, f := range files {
			f.Close()
		}
	}()
	for _, idx := range indexes {
		f, err := a.fs.Open(partPath(s.ID, idx))
		if err != nil {
			return fmt.Errorf("open part %d: %w", idx, err)
		}
		files = append(files, f)
		readers = append(readers, f)
	}

	contentType := s.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if err := a.store.Put(ctx, objectKey, io.MultiReader(readers...), s.TotalSize, contentType); err != nil {
		return fmt.Errorf("store assembled object: %w", err)
	}
	return nil
}

// Sweep removes sessions that have not been touched for ttl.
func (a *Assembler) Sweep(ctx context.Context, ttl time.Duration) (int, error) {
	entries, err := afero.ReadDir(a.fs, "/")
	if err != nil {
		return 0, err
	}
	cutoff := a.now().Add(-ttl)
	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id := entry.Name()
		if _, err := uuid.Parse(id); err != nil {
			continue
		}

		unlock := a.lock(id)
		last := entry.ModTime()
		if s, err := loadSession(a.fs, id); err == nil {
			last = s.UpdatedAt
		}
		if last.Before(cutoff) {
			if err := a.fs.RemoveAll(sessionDir(id)); err != nil {
				zerolog.Ctx(ctx).Warn().Err(err).Str("session_id", id).Msg("failed to remove stale upload")
			} else {
				removed++
			}
		}
		unlock()
		if last.Before(cutoff) {
			a.locks.Delete(id)
		}
	}
	if removed > 0 {
		zerolog.Ctx(ctx).Info().Int("removed", removed).Msg("stale upload sessions removed")
	}
	return removed, nil
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func sanitizeFileName(name string) string {
	base := path.Base(strings.ReplaceAll(name, "\\", "/"))
	base = unsafeName.ReplaceAllString(base, "_")
	base = strings.Trim(base, "._")
	if base == "" {
		return "upload.bin"
	}
	return base
}

var videoExtensions = map[string]bool{
	".mp4": true, ".mov": true, ".mkv": true, ".webm": true, ".avi": true, ".m4v": true, ".flv": true, ".mpeg": true, ".mpg": true,
}

func classify(contentType, fileName string) (constant.ContentKind, constant.JobType) {
	if strings.HasPrefix(strings.ToLower(contentType), "video/") || videoExtensions[strings.ToLower(filepath.Ext(fileName))] {
		return constant.ContentKindVideo, constant.JobTypeProcessVideo
	}
	return constant.ContentKindDocument, constant.JobTypeDocumentProcessing
}

func jobPayload(jobType constant.JobType, s *Session, contentID uuid.UUID, objectKey string) any {
	if jobType == constant.JobTypeProcessVideo {
		return dto.VideoPayload{
			Version:            dto.PayloadVersion,
			ContentID:          contentID,
			UserID:             s.UserID,
			SourceKey:          objectKey,
			FileName:           s.FileName,
			UseAdaptiveStorage: s.Metadata.UseAdaptiveStorage,
		}
	}
	return dto.DocumentPayload{
		Version:   dto.PayloadVersion,
		ContentID: contentID,
		UserID:    s.UserID,
		SourceKey: objectKey,
		FileName:  s.FileName,
	}
}

package upload

import (
	"encoding/json"
	"fmt"
	"github.com/google/uuid"
	"github.com/spf13/afero"
	"media-pipeline/dto"
	"path"
	"sort"
	"time"
)

const metaFile = "meta.json"

// Metadata is the user-supplied description carried from init to the content record.
type Metadata struct {
	Title              string   `json:"title"`
	Description        string   `json:"description,omitempty"`
	Category           string   `json:"category"`
	Tags               []string `json:"tags,omitempty"`
	Visibility         string   `json:"visibility,omitempty"`
	UseAdaptiveStorage bool     `json:"useAdaptiveStorage"`
}

// Session is one in-progress chunked upload, persisted as meta.json in its scratch directory.
type Session struct {
	ID            string        `json:"id"`
	UserID        uuid.UUID     `json:"userId"`
	FileName      string        `json:"filename"`
	ContentType   string        `json:"contentType"`
	TotalSize     int64         `json:"totalSize"`
	ChunkSize     int64         `json:"chunkSize"`
	UploadedBytes int64         `json:"uploadedBytes"`
	Parts         map[int]int64 `json:"parts"`
	Metadata      Metadata      `json:"metadata"`
	CreatedAt     time.Time     `json:"createdAt"`
	UpdatedAt     time.Time     `json:"updatedAt"`
	// Pending is set once Complete has created the content and job records.
	Pending *PendingJob `json:"pending,omitempty"`
}

// PendingJob is a created job whose work item has not been enqueued yet.
type PendingJob struct {
	ContentID uuid.UUID    `json:"contentId"`
	ObjectKey string       `json:"objectKey"`
	Item      dto.WorkItem `json:"item"`
}

// PartIndexes returns the received part indexes in ascending order.
func (s *Session) PartIndexes() []int {
	indexes := make([]int, 0, len(s.Parts))
	for idx := range s.Parts {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)
	return indexes
}

// ExpectedParts is the number of parts needed to cover TotalSize.
func (s *Session) ExpectedParts() int {
	if s.ChunkSize <= 0 {
		return 0
	}
	return int((s.TotalSize + s.ChunkSize - 1) / s.ChunkSize)
}

// setPart records the length of part index and recomputes UploadedBytes from scratch.
func (s *Session) setPart(index int, size int64) {
	if s.Parts == nil {
		s.Parts = make(map[int]int64)
	}
	s.Parts[index] = size
	var total int64
	for _, n := range s.Parts {
		total += n
	}
	s.UploadedBytes = total
}

func sessionDir(id string) string {
	return path.Join("/", id)
}

func partPath(id string, index int) string {
	return path.Join(sessionDir(id), fmt.Sprintf("part_%06d", index))
}

func loadSession(fsys afero.Fs, id string) (*Session, error) {
	raw, err := afero.ReadFile(fsys, path.Join(sessionDir(id), metaFile))
	if err != nil {
		return nil, err
	}
	var s Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	if s.Parts == nil {
		s.Parts = make(map[int]int64)
	}
	return &s, nil
}

func saveSession(fsys afero.Fs, s *Session) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	dir := sessionDir(s.ID)
	tmp := path.Join(dir, metaFile+".tmp")
	if err := afero.WriteFile(fsys, tmp, raw, 0o644); err != nil {
		return err
	}
	return fsys.Rename(tmp, path.Join(dir, metaFile))
}

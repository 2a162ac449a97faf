package media

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"github.com/gabriel-vasile/mimetype"
	"io"
)

type DocumentInfo struct {
	MimeType  string `json:"mimeType"`
	Extension string `json:"extension"`
	SizeBytes int64  `json:"sizeBytes"`
	Checksum  string `json:"checksum"`
}

// DetectDocument sniffs the content type of path from its leading bytes and hashes the whole file.
func (e *Engine) DetectDocument(path string) (*DocumentInfo, error) {
	f, err := e.fs.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	mtype, err := mimetype.DetectReader(f)
	if err != nil {
		return nil, fmt.Errorf("detect type of %s: %w", path, err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return nil, fmt.Errorf("hash %s: %w", path, err)
	}

	return &DocumentInfo{
		MimeType:  mtype.String(),
		Extension: mtype.Extension(),
		SizeBytes: size,
		Checksum:  hex.EncodeToString(h.Sum(nil)),
	}, nil
}

package storage

import (
	"context"
	"errors"
	"io"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// ErrObjectNotFound is returned when a key does not exist in the bucket.
var ErrObjectNotFound = errors.New("object not found")

// ObjectStorage is the durable blob store the pipeline reads sources from and writes artifacts to.
type ObjectStorage interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	FGet(ctx context.Context, key, localPath string) error
	FPut(ctx context.Context, key, localPath, contentType string) error
	Remove(ctx context.Context, key string) error
}

// UploadDirectory mirrors every file under localPath to remotePrefix and returns the uploaded keys.
func UploadDirectory(ctx context.Context, store ObjectStorage, localPath, remotePrefix string) ([]string, error) {
	var keys []string
	err := filepath.Walk(localPath, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		if info.IsDir() {
			return nil
		}

		relativePath, err := filepath.Rel(localPath, p)
		if err != nil {
			return err
		}

		objectName := JoinKey(remotePrefix, relativePath)
		if err := store.FPut(ctx, objectName, p, ContentTypeFor(p)); err != nil {
			return err
		}
		keys = append(keys, objectName)
		return nil
	})
	return keys, err
}

// JoinKey joins key parts with forward slashes regardless of the host OS.
func JoinKey(parts ...string) string {
	for i, p := range parts {
		parts[i] = strings.ReplaceAll(p, "\\", "/")
	}
	return path.Join(parts...)
}

// ContentTypeFor guesses a content type from the file extension.
func ContentTypeFor(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".m3u8":
		return "application/vnd.apple.mpegurl"
	case ".ts":
		return "video/mp2t"
	case ".mp4":
		return "video/mp4"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	}
	if ct := mime.TypeByExtension(filepath.Ext(name)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

package storage

import (
	"context"
	"errors"
	"fmt"
	"github.com/spf13/afero"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
)

// FSStorage keeps objects as files on an afero filesystem. Used for local development and tests.
type FSStorage struct {
	fs afero.Fs
}

func NewFSStorage(fsys afero.Fs) *FSStorage {
	return &FSStorage{fs: fsys}
}

// NewLocalStorage stores objects under root on the host filesystem.
func NewLocalStorage(root string) (*FSStorage, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return NewFSStorage(afero.NewBasePathFs(afero.NewOsFs(), root)), nil
}

func (s *FSStorage) objectPath(key string) (string, error) {
	clean := path.Clean("/" + key)
	if clean == "/" {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	return clean, nil
}

func (s *FSStorage) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	p, err := s.objectPath(key)
	if err != nil {
		return err
	}
	if err := s.fs.MkdirAll(path.Dir(p), 0o755); err != nil {
		return err
	}
	tmp := p + ".uploading"
	f, err := s.fs.Create(tmp)
	if err != nil {
		return err
	}
	n, err := io.Copy(f, r)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err == nil && size >= 0 && n != size {
		err = fmt.Errorf("short write for %s: wrote %d of %d bytes", key, n, size)
	}
	if err != nil {
		_ = s.fs.Remove(tmp)
		return err
	}
	return s.fs.Rename(tmp, p)
}

func (s *FSStorage) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	p, err := s.objectPath(key)
	if err != nil {
		return nil, err
	}
	f, err := s.fs.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrObjectNotFound
	}
	return f, err
}

func (s *FSStorage) FGet(ctx context.Context, key, localPath string) error {
	src, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return err
	}
	dst, err := os.Create(localPath)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}

func (s *FSStorage) FPut(ctx context.Context, key, localPath, contentType string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	return s.Put(ctx, key, f, info.Size(), contentType)
}

func (s *FSStorage) Remove(ctx context.Context, key string) error {
	p, err := s.objectPath(key)
	if err != nil {
		return err
	}
	if err := s.fs.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Exists reports whether key is stored.
func (s *FSStorage) Exists(key string) bool {
	p, err := s.objectPath(key)
	if err != nil {
		return false
	}
	ok, _ := afero.Exists(s.fs, p)
	return ok
}

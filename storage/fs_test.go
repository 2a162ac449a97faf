package storage

import (
	"bytes"
	"context"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"io"
	"os"
	"path/filepath"
	"sort"
	"testing"
)

func TestFSStoragePutGetRemove(t *testing.T) {
	ctx := context.Background()
	store := NewFSStorage(afero.NewMemMapFs())

	data := []byte("segment-bytes")
	require.NoError(t, store.Put(ctx, "hls/c1/360p_000.ts", bytes.NewReader(data), int64(len(data)), "video/mp2t"))
	assert.True(t, store.Exists("hls/c1/360p_000.ts"))

	rc, err := store.Get(ctx, "hls/c1/360p_000.ts")
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, data, got)

	require.NoError(t, store.Remove(ctx, "hls/c1/360p_000.ts"))
	require.NoError(t, store.Remove(ctx, "hls/c1/360p_000.ts"))
	_, err = store.Get(ctx, "hls/c1/360p_000.ts")
	assert.ErrorIs(t, err, ErrObjectNotFound)
}

func TestFSStorageShortWriteIsRejected(t *testing.T) {
	store := NewFSStorage(afero.NewMemMapFs())
	err := store.Put(context.Background(), "uploads/a.bin", bytes.NewReader([]byte("abc")), 10, "")
	assert.Error(t, err)
	assert.False(t, store.Exists("uploads/a.bin"))
}

func TestUploadDirectoryAndFGet(t *testing.T) {
	ctx := context.Background()
	store := NewFSStorage(afero.NewMemMapFs())

	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "thumbnails"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "master.m3u8"), []byte("#EXTM3U\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "thumbnails", "thumb_0.jpg"), []byte{0xff, 0xd8}, 0o644))

	keys, err := UploadDirectory(ctx, store, dir, "hls/c2")
	require.NoError(t, err)
	sort.Strings(keys)
	assert.Equal(t, []string{"hls/c2/master.m3u8", "hls/c2/thumbnails/thumb_0.jpg"}, keys)

	local := filepath.Join(t.TempDir(), "copy", "master.m3u8")
	require.NoError(t, store.FGet(ctx, "hls/c2/master.m3u8", local))
	got, err := os.ReadFile(local)
	require.NoError(t, err)
	assert.Equal(t, "#EXTM3U\n", string(got))

	assert.ErrorIs(t, store.FGet(ctx, "hls/missing", local), ErrObjectNotFound)
}

func TestContentTypeFor(t *testing.T) {
	assert.Equal(t, "application/vnd.apple.mpegurl", ContentTypeFor("master.m3u8"))
	assert.Equal(t, "video/mp2t", ContentTypeFor("720p_001.ts"))
	assert.Equal(t, "image/jpeg", ContentTypeFor("thumb_1.JPG"))
	assert.Equal(t, "hls/a/b.ts", JoinKey("hls", "a\\b.ts"))
}

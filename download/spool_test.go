package download

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	lineagecache "github.com/wolfeidau/lineage-cache"
)

type failingReader struct{ n int }

func (f *failingReader) Read(p []byte) (int, error) {
	if f.n > 0 {
		f.n--
		p[0] = 'x'
		return 1, nil
	}
	return 0, errors.New("connection reset")
}

func TestSpool_HappyPath(t *testing.T) {
	dir := t.TempDir()
	content := []byte("((A:1,B:1):1,C:2);")

	res, err := Spool(bytes.NewReader(content), dir, int64(len(content)))
	require.NoError(t, err)

	require.Equal(t, lineagecache.HashBytes(content), res.Hash)
	require.Equal(t, int64(len(content)), res.Size)
	require.Equal(t, dir, filepath.Dir(res.Path))

	got, err := os.ReadFile(res.Path)
	require.NoError(t, err)
	require.Equal(t, content, got)
}

func TestSpool_ReadErrorRemovesTemp(t *testing.T) {
	dir := t.TempDir()

	_, err := Spool(&failingReader{n: 3}, dir, 0)
	require.Error(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestSpool_SizeMismatch(t *testing.T) {
	dir := t.TempDir()

	_, err := Spool(bytes.NewReader([]byte("short")), dir, 100)
	require.ErrorContains(t, err, "content-length mismatch")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

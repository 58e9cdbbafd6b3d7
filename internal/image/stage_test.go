package image

import (
	"bytes"
	"compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyrange/vmm/internal/hv"
)

func gzipped(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write(data)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func newStager(t *testing.T, opts ...Option) *Stager {
	t.Helper()
	s, err := NewStager(t.TempDir(), opts...)
	require.NoError(t, err)
	return s
}

func TestStageDownloadsAndDecompresses(t *testing.T) {
	disk := bytes.Repeat([]byte{0xab}, 8192)
	body := gzipped(t, disk)

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write(body)
	}))
	defer srv.Close()

	s := newStager(t)
	path, err := s.Stage(context.Background(), srv.URL+"/disk.img.gz")
	require.NoError(t, err)
	assert.Equal(t, s.CacheDir(), filepath.Dir(path))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, disk, got)

	again, err := s.Stage(context.Background(), srv.URL+"/disk.img.gz")
	require.NoError(t, err)
	assert.Equal(t, path, again)
	assert.EqualValues(t, 1, hits.Load(), "second stage should be served from the cache")
}

func TestStageHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := newStager(t).Stage(context.Background(), srv.URL+"/missing.img")
	require.ErrorIs(t, err, ErrFetch)
}

func TestStageCanceledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("x"))
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newStager(t).Stage(ctx, srv.URL+"/disk.img")
	require.ErrorIs(t, err, ErrFetch)
}

func TestStageLocalFiles(t *testing.T) {
	dir := t.TempDir()
	s := newStager(t)

	raw := filepath.Join(dir, "disk.img")
	require.NoError(t, os.WriteFile(raw, make([]byte, 4096), 0o644))
	path, err := s.Stage(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, raw, path)

	packed := filepath.Join(dir, "packed.raw.gz")
	require.NoError(t, os.WriteFile(packed, gzipped(t, []byte("raw sectors")), 0o644))
	path, err = s.Stage(context.Background(), packed)
	require.NoError(t, err)
	assert.NotEqual(t, packed, path)
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "raw sectors", string(got))
}

func TestStageRejectsBadImages(t *testing.T) {
	dir := t.TempDir()
	s := newStager(t)

	corrupt := filepath.Join(dir, "corrupt.img.gz")
	require.NoError(t, os.WriteFile(corrupt, []byte("not gzip at all"), 0o644))
	_, err := s.Stage(context.Background(), corrupt)
	require.ErrorIs(t, err, ErrDecompress)

	entries, err := os.ReadDir(s.CacheDir())
	require.NoError(t, err)
	assert.Empty(t, entries, "failed staging must not leave files behind")

	qcow := filepath.Join(dir, "cloud.img")
	require.NoError(t, os.WriteFile(qcow, append([]byte{'Q', 'F', 'I', 0xfb}, make([]byte, 60)...), 0o644))
	_, err = s.Stage(context.Background(), qcow)
	require.ErrorIs(t, err, ErrDecompress)

	_, err = s.Stage(context.Background(), "no-such-distro")
	require.ErrorIs(t, err, ErrFetch)
}

func TestLookup(t *testing.T) {
	url, err := Lookup("debian", hv.ArchitectureARM64)
	require.NoError(t, err)
	assert.Contains(t, url, "arm64")

	url, err = Lookup("Ubuntu", hv.ArchitectureX86_64)
	require.NoError(t, err)
	assert.Contains(t, url, "amd64")

	_, err = Lookup("debian", hv.ArchitectureInvalid)
	require.ErrorIs(t, err, ErrFetch)

	assert.Equal(t, []string{"debian", "ubuntu"}, Distros())
}

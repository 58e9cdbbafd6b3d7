package initramfs

import (
	"bytes"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/cavaliergopher/cpio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type entry struct {
	hdr  *cpio.Header
	body []byte
}

func readArchive(t *testing.T, r io.Reader) map[string]entry {
	t.Helper()
	out := make(map[string]entry)
	cr := cpio.NewReader(r)
	for {
		hdr, err := cr.Next()
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		body, err := io.ReadAll(cr)
		require.NoError(t, err)
		out[hdr.Name] = entry{hdr: hdr, body: body}
	}
}

func TestWriterEntries(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteDirectory("bin", 0o755))
	require.NoError(t, w.WriteLink("sbin", "bin"))
	require.NoError(t, w.WriteRegular("init", bytes.NewReader([]byte("#!/bin/sh\n")), 10, 0o755))
	require.NoError(t, w.Close())

	got := readArchive(t, &buf)
	require.Len(t, got, 3)

	assert.EqualValues(t, cpio.TypeDir|0o755, got["bin"].hdr.Mode)
	assert.Equal(t, "bin", got["sbin"].hdr.Linkname)
	assert.EqualValues(t, cpio.TypeReg|0o755, got["init"].hdr.Mode)
	assert.Equal(t, "#!/bin/sh\n", string(got["init"].body))
}

func TestWriteRegularShortBody(t *testing.T) {
	w := NewWriter(io.Discard)
	err := w.WriteRegular("init", bytes.NewReader([]byte("abc")), 10, 0o644)
	require.Error(t, err)
}

func TestBuildFromDirectory(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on windows")
	}
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "etc"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "init"), []byte("init program"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "etc", "hostname"), []byte("guest\n"), 0o644))
	require.NoError(t, os.Symlink("/init", filepath.Join(root, "linuxrc")))

	for _, compress := range []bool{false, true} {
		var buf bytes.Buffer
		require.NoError(t, Build(&buf, root, compress))

		var r io.Reader = &buf
		if compress {
			zr, err := gzip.NewReader(&buf)
			require.NoError(t, err)
			r = zr
		}
		got := readArchive(t, r)

		assert.Len(t, got, 4)
		assert.True(t, got["etc"].hdr.Mode.IsDir())
		assert.Equal(t, "guest\n", string(got["etc/hostname"].body))
		assert.Equal(t, "init program", string(got["init"].body))
		assert.Equal(t, "/init", got["linuxrc"].hdr.Linkname)
	}
}

func TestBuildMissingDirectory(t *testing.T) {
	err := Build(io.Discard, filepath.Join(t.TempDir(), "missing"), false)
	require.Error(t, err)
}

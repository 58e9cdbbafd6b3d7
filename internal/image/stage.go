// Package image stages disk images for a VM: local files, downloads and
// distribution aliases end up as an uncompressed file on the host.
package image

import (
	"bytes"
	"compress/bzip2"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/tinyrange/vmm/internal/hv"
)

var (
	// ErrFetch wraps failures to locate or download an image.
	ErrFetch = errors.New("image: fetch failed")
	// ErrDecompress wraps failures to unpack an image into a raw disk.
	ErrDecompress = errors.New("image: decompress failed")
)

var qcow2Magic = []byte{'Q', 'F', 'I', 0xfb}

type Option func(*Stager)

func WithHTTPClient(c *http.Client) Option {
	return func(s *Stager) { s.client = c }
}

func WithLogger(log *slog.Logger) Option {
	return func(s *Stager) { s.log = log }
}

// WithArchitecture selects which image a distribution alias resolves to.
func WithArchitecture(arch hv.CpuArchitecture) Option {
	return func(s *Stager) { s.arch = arch }
}

// WithProgress shows a progress bar on stderr while downloading.
func WithProgress(on bool) Option {
	return func(s *Stager) { s.progress = on }
}

// Stager resolves image sources into files in a cache directory.
type Stager struct {
	cacheDir string
	client   *http.Client
	log      *slog.Logger
	arch     hv.CpuArchitecture
	progress bool
}

// NewStager creates a stager caching into cacheDir, or into the user cache
// directory when cacheDir is empty.
func NewStager(cacheDir string, opts ...Option) (*Stager, error) {
	if cacheDir == "" {
		base, err := os.UserCacheDir()
		if err != nil {
			return nil, fmt.Errorf("image: get user cache dir: %w", err)
		}
		cacheDir = filepath.Join(base, "tinyrange-vmm", "images")
	}
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("image: create cache directory %s: %w", cacheDir, err)
	}

	s := &Stager{
		cacheDir: cacheDir,
		client:   &http.Client{Timeout: 30 * time.Minute},
		log:      slog.Default(),
		arch:     hv.ArchitectureX86_64,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Stager) CacheDir() string { return s.cacheDir }

// Stage turns source into the path of a raw disk image. source is a local
// file, an http(s) URL or a distribution name from the catalog. Gzip and
// bzip2 images are decompressed into the cache.
func (s *Stager) Stage(ctx context.Context, source string) (string, error) {
	var (
		file string
		err  error
	)
	switch {
	case strings.HasPrefix(source, "http://"), strings.HasPrefix(source, "https://"):
		file, err = s.download(ctx, source)
	case fileExists(source):
		file = source
	default:
		var u string
		if u, err = Lookup(source, s.arch); err == nil {
			file, err = s.download(ctx, u)
		}
	}
	if err != nil {
		return "", err
	}

	if file, err = s.decompress(file); err != nil {
		return "", err
	}
	if err := checkRaw(file); err != nil {
		return "", err
	}
	return file, nil
}

func fileExists(p string) bool {
	info, err := os.Stat(p)
	return err == nil && !info.IsDir()
}

func (s *Stager) cachePath(key, name string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(s.cacheDir, hex.EncodeToString(sum[:8])+"_"+sanitizeForFilename(name))
}

func sanitizeForFilename(value string) string {
	var b strings.Builder
	for _, r := range value {
		switch r {
		case '/', '\\', ':', '?', '*', '"', '<', '>', '|', ' ':
			b.WriteByte('_')
		default:
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "image"
	}
	return b.String()
}

func (s *Stager) download(ctx context.Context, rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrFetch, err)
	}
	cachePath := s.cachePath(rawURL, path.Base(u.Path))
	if fileExists(cachePath) {
		s.log.Debug("cache hit", "url", rawURL, "cache", cachePath)
		return cachePath, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("%w: build request: %w", ErrFetch, err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrFetch, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: GET %s: %s", ErrFetch, rawURL, resp.Status)
	}

	s.log.Info("downloading image", "url", rawURL)
	err = s.writeCache(cachePath, func(w io.Writer) error {
		if s.progress {
			bar := progressbar.DefaultBytes(resp.ContentLength, "download "+path.Base(u.Path))
			defer bar.Close()
			w = io.MultiWriter(w, bar)
		}
		_, err := io.Copy(w, resp.Body)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrFetch, rawURL, err)
	}
	return cachePath, nil
}

// writeCache fills a temporary file and renames it into place, so readers
// never see a partial image.
func (s *Stager) writeCache(dst string, fill func(io.Writer) error) error {
	tmp, err := os.CreateTemp(s.cacheDir, "staging_*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if err := fill(tmp); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("finalize %s: %w", dst, err)
	}
	return nil
}

func (s *Stager) decompress(file string) (string, error) {
	ext := strings.ToLower(filepath.Ext(file))
	var open func(io.Reader) (io.Reader, error)
	switch ext {
	case ".gz":
		open = func(r io.Reader) (io.Reader, error) { return gzip.NewReader(r) }
	case ".bz2":
		open = func(r io.Reader) (io.Reader, error) { return bzip2.NewReader(r), nil }
	default:
		return file, nil
	}

	info, err := os.Stat(file)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrDecompress, err)
	}
	key := fmt.Sprintf("%s\x00%d\x00%d", file, info.Size(), info.ModTime().UnixNano())
	out := s.cachePath(key, strings.TrimSuffix(filepath.Base(file), filepath.Ext(file)))
	if fileExists(out) {
		return out, nil
	}

	in, err := os.Open(file)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrDecompress, err)
	}
	defer in.Close()

	s.log.Info("decompressing image", "file", file)
	err = s.writeCache(out, func(w io.Writer) error {
		r, err := open(in)
		if err != nil {
			return err
		}
		_, err = io.Copy(w, r)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrDecompress, file, err)
	}
	return out, nil
}

// checkRaw rejects container formats the block device cannot serve.
func checkRaw(file string) error {
	f, err := os.Open(file)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrFetch, err)
	}
	defer f.Close()

	var magic [4]byte
	if _, err := io.ReadFull(f, magic[:]); err != nil {
		return nil
	}
	if bytes.Equal(magic[:], qcow2Magic) {
		return fmt.Errorf("%w: %s is a qcow2 image; convert it with `qemu-img convert -O raw`", ErrDecompress, file)
	}
	return nil
}

// Package initramfs packs a host directory into a newc cpio archive the
// Linux kernel can unpack as its initial root filesystem.
package initramfs

import (
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/cavaliergopher/cpio"
)

var ErrUnsupportedFile = errors.New("initramfs: unsupported file type")

const dirLinks = 2

// Writer appends entries to a cpio archive.
type Writer struct {
	cw *cpio.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{cw: cpio.NewWriter(w)}
}

func (w *Writer) header(hdr *cpio.Header) error {
	if err := w.cw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write header for %s: %w", hdr.Name, err)
	}
	return nil
}

func (w *Writer) WriteDirectory(name string, mode fs.FileMode) error {
	return w.header(&cpio.Header{
		Name:  name,
		Mode:  cpio.TypeDir | cpio.FileMode(mode.Perm()),
		Links: dirLinks,
	})
}

// WriteLink adds a symlink; the body of the entry is the target path.
func (w *Writer) WriteLink(name, target string) error {
	if err := w.header(&cpio.Header{
		Name: name,
		Mode: cpio.TypeSymlink | cpio.ModePerm,
		Size: int64(len(target)),
	}); err != nil {
		return err
	}
	if _, err := io.WriteString(w.cw, target); err != nil {
		return fmt.Errorf("write body for %s: %w", name, err)
	}
	return nil
}

func (w *Writer) WriteRegular(name string, r io.Reader, size int64, mode fs.FileMode) error {
	if err := w.header(&cpio.Header{
		Name:  name,
		Mode:  cpio.TypeReg | cpio.FileMode(mode.Perm()),
		Size:  size,
		Links: 1,
	}); err != nil {
		return err
	}
	n, err := io.Copy(w.cw, r)
	if err != nil {
		return fmt.Errorf("write body for %s: %w", name, err)
	}
	if n != size {
		return fmt.Errorf("write body for %s: short copy (%d of %d bytes)", name, n, size)
	}
	return nil
}

// AddDir walks root and adds every directory, symlink and regular file below
// it, named relative to root.
func (w *Writer) AddDir(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		name := filepath.ToSlash(rel)

		info, err := d.Info()
		if err != nil {
			return err
		}
		switch mode := info.Mode(); {
		case mode.IsDir():
			return w.WriteDirectory(name, mode)
		case mode&fs.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return w.WriteLink(name, target)
		case mode.IsRegular():
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()
			return w.WriteRegular(name, f, info.Size(), mode)
		default:
			return fmt.Errorf("%w: %s (%s)", ErrUnsupportedFile, name, mode.Type())
		}
	})
}

// Close writes the trailer.
func (w *Writer) Close() error {
	if err := w.cw.Close(); err != nil {
		return fmt.Errorf("close: %w", err)
	}
	return nil
}

// Build writes an archive of root to dst, gzip compressed when compress is
// set.
func Build(dst io.Writer, root string, compress bool) error {
	var zw *gzip.Writer
	if compress {
		zw = gzip.NewWriter(dst)
		dst = zw
	}
	w := NewWriter(dst)
	if err := w.AddDir(root); err != nil {
		return fmt.Errorf("initramfs: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("initramfs: %w", err)
	}
	if zw != nil {
		if err := zw.Close(); err != nil {
			return fmt.Errorf("initramfs: compress: %w", err)
		}
	}
	return nil
}

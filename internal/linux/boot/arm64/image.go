package arm64

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Image header layout from Documentation/arch/arm64/booting.rst.
const (
	headerSize = 64
	imageMagic = 0x644d5241 // "ARM\x64"

	// The kernel sits text_offset bytes above a 2 MiB aligned base.
	imageAlignment = 2 << 20

	// Kernels older than 3.17 leave image_size zero and expect this offset.
	legacyTextOffset = 0x80000

	flagBigEndian = 1 << 0
	flagPageShift = 1
	flagPageMask  = 3 << flagPageShift

	// EFI zboot and vendor wrappers put a stub in front of the gzip stream.
	gzipScanLimit = 1 << 20
)

// maxImageSize bounds the Image held in host memory; larger ones are
// refused rather than buffered.
var maxImageSize int64 = 256 << 20

var errNoHeader = errors.New("no arm64 Image header")

// Header holds the fields of the Image header the loader acts on.
type Header struct {
	TextOffset uint64
	// ImageSize is the in-memory footprint including bss. Zero on legacy
	// kernels.
	ImageSize uint64
	Flags     uint64
}

func parseHeader(b []byte) (Header, error) {
	if len(b) < headerSize {
		return Header{}, fmt.Errorf("%w: %d byte header", errNoHeader, len(b))
	}
	le := binary.LittleEndian
	if magic := le.Uint32(b[56:60]); magic != imageMagic {
		return Header{}, fmt.Errorf("%w: magic %#x", errNoHeader, magic)
	}
	h := Header{
		TextOffset: le.Uint64(b[8:16]),
		ImageSize:  le.Uint64(b[16:24]),
		Flags:      le.Uint64(b[24:32]),
	}
	if h.ImageSize == 0 {
		h.TextOffset = legacyTextOffset
	}
	return h, nil
}

func (h Header) BigEndian() bool { return h.Flags&flagBigEndian != 0 }

// PageSize returns the kernel's page size, or 0 when the header leaves it
// unspecified.
func (h Header) PageSize() uint64 {
	switch (h.Flags & flagPageMask) >> flagPageShift {
	case 1:
		return 4 << 10
	case 2:
		return 16 << 10
	case 3:
		return 64 << 10
	}
	return 0
}

// EntryPoint returns where the kernel starts when loaded at base, which
// must be 2 MiB aligned.
func (h Header) EntryPoint(base uint64) (uint64, error) {
	if base%imageAlignment != 0 {
		return 0, fmt.Errorf("arm64 kernel base %#x is not 2 MiB aligned", base)
	}
	return base + h.TextOffset, nil
}

// rawImage is an Image found in a kernel file: either the file itself or a
// gzip stream starting at gzipOffset.
type rawImage struct {
	header     Header
	compressed bool
	gzipOffset int64
}

// findImage locates the Image header in r, looking inside a gzip stream
// when the file does not start with one.
func findImage(r io.ReaderAt, size int64) (rawImage, error) {
	if size < headerSize {
		return rawImage{}, fmt.Errorf("%w: file is %d bytes", errNoHeader, size)
	}
	prefix := make([]byte, min(size, gzipScanLimit))
	n, err := r.ReadAt(prefix, 0)
	if err != nil && !errors.Is(err, io.EOF) {
		return rawImage{}, fmt.Errorf("read kernel: %w", err)
	}
	prefix = prefix[:n]

	h, rawErr := parseHeader(prefix)
	if rawErr == nil {
		return rawImage{header: h}, nil
	}

	// A stub may contain stray 1f 8b pairs; take the first that inflates to
	// an Image header.
	for off := 0; ; {
		i := bytes.Index(prefix[off:], []byte{0x1f, 0x8b, 0x08})
		if i < 0 {
			return rawImage{}, rawErr
		}
		off += i
		if h, err := gzipHeader(r, int64(off), size); err == nil {
			return rawImage{header: h, compressed: true, gzipOffset: int64(off)}, nil
		}
		off++
	}
}

func gzipHeader(r io.ReaderAt, off, size int64) (Header, error) {
	zr, err := gzip.NewReader(io.NewSectionReader(r, off, size-off))
	if err != nil {
		return Header{}, err
	}
	defer zr.Close()
	var b [headerSize]byte
	if _, err := io.ReadFull(zr, b[:]); err != nil {
		return Header{}, err
	}
	return parseHeader(b[:])
}

// payload returns the Image bytes as they go into guest RAM.
func (img rawImage) payload(r io.ReaderAt, size int64) ([]byte, error) {
	if !img.compressed {
		if size > maxImageSize {
			return nil, fmt.Errorf("%w: Image is %d bytes", ErrTooLarge, size)
		}
		data := make([]byte, size)
		if _, err := r.ReadAt(data, 0); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("read kernel: %w", err)
		}
		return data, nil
	}

	zr, err := gzip.NewReader(io.NewSectionReader(r, img.gzipOffset, size-img.gzipOffset))
	if err != nil {
		return nil, fmt.Errorf("open compressed Image: %w", err)
	}
	defer zr.Close()
	// Trailing bytes after the stream (padding, signatures) are ignored.
	zr.Multistream(false)

	data, err := io.ReadAll(io.LimitReader(zr, maxImageSize+1))
	if err != nil {
		return nil, fmt.Errorf("decompress Image: %w", err)
	}
	if int64(len(data)) > maxImageSize {
		return nil, fmt.Errorf("%w: decompressed Image exceeds %d bytes", ErrTooLarge, maxImageSize)
	}
	return data, nil
}
